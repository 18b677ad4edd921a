package network

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/apk-analysis/device-posture-go/internal/domain"
)

// CaptivePortalURL 返回 204 的连通性检测地址
const CaptivePortalURL = "http://connectivitycheck.gstatic.com/generate_204"

// HostProvider 本机网络数据源，扫描程序直接运行在设备上（如 Termux）时使用
type HostProvider struct {
	*LoopbackProber
	fs         afero.Fs
	resolvConf string
	portalURL  string
	client     *http.Client
}

// NewHostProvider 创建本机网络数据源
func NewHostProvider(fs afero.Fs) *HostProvider {
	return &HostProvider{
		LoopbackProber: NewLoopbackProber(),
		fs:             fs,
		resolvConf:     "/etc/resolv.conf",
		portalURL:      CaptivePortalURL,
		client: &http.Client{
			Timeout: 3 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// ConnectionInfo 根据网卡名推断连接类型：wlan 为 WiFi，rmnet/ccmni 为蜂窝，tun 为 VPN
func (h *HostProvider) ConnectionInfo(ctx context.Context) (domain.ConnectionInfo, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return domain.ConnectionInfo{Type: domain.ConnectionUnknown}, err
	}
	names := make([]string, 0, len(ifaces))
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		names = append(names, iface.Name)
	}
	return ClassifyInterfaces(names), nil
}

// ClassifyInterfaces 由活动网卡名推断连接信息
func ClassifyInterfaces(names []string) domain.ConnectionInfo {
	info := domain.ConnectionInfo{Type: domain.ConnectionNone}
	for _, name := range names {
		switch {
		case strings.HasPrefix(name, "tun"), strings.HasPrefix(name, "ppp"), strings.HasPrefix(name, "wg"):
			info.VPNActive = true
		case strings.HasPrefix(name, "wlan"):
			info.Type = domain.ConnectionWiFi
		case strings.HasPrefix(name, "rmnet"), strings.HasPrefix(name, "ccmni"):
			if info.Type != domain.ConnectionWiFi {
				info.Type = domain.ConnectionCellular
			}
		case strings.HasPrefix(name, "eth"), strings.HasPrefix(name, "en"):
			if info.Type == domain.ConnectionNone {
				info.Type = domain.ConnectionEthernet
			}
		default:
			if info.Type == domain.ConnectionNone {
				info.Type = domain.ConnectionUnknown
			}
		}
	}
	return info
}

// CurrentWiFiSecurity 本机无法读取 WiFi 加密信息
func (h *HostProvider) CurrentWiFiSecurity(ctx context.Context) (*domain.WiFiSecurity, error) {
	return nil, domain.ErrProbeUnavailable
}

// CurrentProxyConfig 读取 https_proxy / http_proxy 环境变量
func (h *HostProvider) CurrentProxyConfig(ctx context.Context) (*domain.ProxyConfig, error) {
	for _, key := range []string{"https_proxy", "HTTPS_PROXY", "http_proxy", "HTTP_PROXY"} {
		if v := os.Getenv(key); v != "" {
			return ParseProxyURL(v), nil
		}
	}
	return nil, nil
}

// ParseProxyURL 解析 host:port 或 URL 形式的代理地址
func ParseProxyURL(v string) *domain.ProxyConfig {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	if !strings.Contains(v, "://") {
		v = "http://" + v
	}
	u, err := url.Parse(v)
	if err != nil || u.Hostname() == "" {
		return nil
	}
	port, _ := strconv.Atoi(u.Port())
	return &domain.ProxyConfig{Host: u.Hostname(), Port: port}
}

// DNSServers 读取 resolv.conf 中的 nameserver
func (h *HostProvider) DNSServers(ctx context.Context) ([]string, error) {
	data, err := afero.ReadFile(h.fs, h.resolvConf)
	if err != nil {
		return nil, err
	}
	return ParseResolvConf(data), nil
}

// ParseResolvConf 解析 nameserver 行
func ParseResolvConf(data []byte) []string {
	var servers []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) >= 2 && fields[0] == "nameserver" {
			servers = append(servers, fields[1])
		}
	}
	return servers
}

// CaptivePortalCheck 连通性检测地址没有返回 204 即视为存在强制门户。
// 只在已连接时调用，此时检测地址不可达同样视为强制门户
func (h *HostProvider) CaptivePortalCheck(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.portalURL, nil)
	if err != nil {
		return false, err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return true, nil
	}
	defer resp.Body.Close()
	return resp.StatusCode != http.StatusNoContent, nil
}
