package network

import (
	"context"
	"net"
	"strconv"
	"time"
)

// LoopbackProber 在本机回环地址上探测端口
type LoopbackProber struct {
	Host string
}

// NewLoopbackProber 创建回环探测器
func NewLoopbackProber() *LoopbackProber {
	return &LoopbackProber{Host: "127.0.0.1"}
}

// TryConnectLocal timeout 内建立 TCP 连接即视为开放
func (p *LoopbackProber) TryConnectLocal(ctx context.Context, port int, timeout time.Duration) bool {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(p.Host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
