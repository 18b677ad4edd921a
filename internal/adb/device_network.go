package adb

import (
	"context"
	"time"

	"github.com/apk-analysis/device-posture-go/internal/domain"
)

func (d *Device) ConnectionInfo(ctx context.Context) (domain.ConnectionInfo, error) {
	out, err := d.client.Shell(ctx, "ip -o addr show")
	if err != nil {
		return domain.ConnectionInfo{Type: domain.ConnectionUnknown}, err
	}
	return ParseConnectionInfo(out), nil
}

// TryConnectLocal 查询设备监听表代替回环连接。监听表在短时间内复用，
// 读取使用客户端命令超时，不发起连接所以 timeout 不参与
func (d *Device) TryConnectLocal(ctx context.Context, port int, timeout time.Duration) bool {
	if ctx.Err() != nil {
		return false
	}
	ports, err := d.listen.get(ctx, func(ctx context.Context) (map[int]bool, error) {
		out, err := d.client.Shell(ctx, "cat /proc/net/tcp /proc/net/tcp6 2>/dev/null; true")
		if err != nil {
			return nil, err
		}
		return ParseListenPorts(out), nil
	})
	if err != nil {
		d.logger.WithError(err).WithField("port", port).Debug("Listen table unavailable")
		return false
	}
	return ports[port]
}

func (d *Device) CurrentWiFiSecurity(ctx context.Context) (*domain.WiFiSecurity, error) {
	out, err := d.client.Shell(ctx, "cmd wifi status")
	if err != nil {
		// 旧系统没有 cmd wifi
		out, err = d.client.Shell(ctx, "dumpsys wifi | grep -m 1 'mWifiInfo'")
		if err != nil {
			return nil, err
		}
	}
	return ParseWiFiStatus(out), nil
}

func (d *Device) CurrentProxyConfig(ctx context.Context) (*domain.ProxyConfig, error) {
	v, err := d.client.Setting(ctx, "global", "http_proxy")
	if err != nil {
		return nil, err
	}
	return ParseProxySetting(v), nil
}

// DNSServers 优先读取默认网络的 DnsAddresses，旧系统回退到 net.dns 属性
func (d *Device) DNSServers(ctx context.Context) ([]string, error) {
	out, err := d.client.Shell(ctx, "dumpsys connectivity")
	if err == nil {
		if servers := ParseDNSAddresses(out); len(servers) > 0 {
			return servers, nil
		}
	}

	var servers []string
	for _, key := range []string{"net.dns1", "net.dns2"} {
		v, perr := d.client.GetProp(ctx, key)
		if perr != nil {
			return nil, perr
		}
		if v != "" {
			servers = append(servers, v)
		}
	}
	return servers, nil
}

func (d *Device) CaptivePortalCheck(ctx context.Context) (bool, error) {
	out, err := d.client.Shell(ctx, "dumpsys connectivity")
	if err != nil {
		return false, err
	}
	return ParseCaptivePortal(out), nil
}
