package adb

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ConnectionManager ADB 连接管理器
// 1. 互斥保护 adb daemon 启动，避免并发扫描同时拉起 server
// 2. 连接缓存，每个网络设备只 connect 一次
// 3. 心跳检测，断开后自动重连
type ConnectionManager struct {
	client *Client

	daemonMu      sync.Mutex
	daemonStarted bool

	connMu      sync.RWMutex
	connections map[string]bool

	logger *logrus.Logger
}

// NewConnectionManager 创建连接管理器
func NewConnectionManager(client *Client, logger *logrus.Logger) *ConnectionManager {
	return &ConnectionManager{
		client:      client,
		connections: make(map[string]bool),
		logger:      logger,
	}
}

// EnsureDaemonStarted 确保 adb daemon 已启动
func (m *ConnectionManager) EnsureDaemonStarted(ctx context.Context) error {
	m.daemonMu.Lock()
	defer m.daemonMu.Unlock()

	if m.daemonStarted {
		return nil
	}

	if _, err := m.client.adb(ctx, "devices"); err == nil {
		m.daemonStarted = true
		return nil
	}

	m.logger.Info("Starting ADB daemon...")
	out, err := m.client.adb(ctx, "start-server")
	if err != nil {
		return fmt.Errorf("adb start-server failed: %w, output: %s", err, strings.TrimSpace(out))
	}
	m.daemonStarted = true
	return nil
}

// isNetworkTarget host:port 形式需要 adb connect，USB 序列号不需要
func isNetworkTarget(target string) bool {
	return strings.Contains(target, ":")
}

// Connect 连接设备（带缓存）
func (m *ConnectionManager) Connect(ctx context.Context, target string) error {
	if err := m.EnsureDaemonStarted(ctx); err != nil {
		return err
	}

	m.connMu.RLock()
	cached := m.connections[target]
	m.connMu.RUnlock()
	if cached {
		return nil
	}

	m.connMu.Lock()
	defer m.connMu.Unlock()
	if m.connections[target] {
		return nil
	}

	if isNetworkTarget(target) {
		m.logger.WithField("target", target).Info("Connecting to ADB device...")
		out, err := m.client.adb(ctx, "connect", target)
		if err != nil {
			return fmt.Errorf("adb connect failed: %w, output: %s", err, strings.TrimSpace(out))
		}
		if strings.Contains(out, "failed") || strings.Contains(out, "unable") {
			return fmt.Errorf("adb connect %s: %s", target, strings.TrimSpace(out))
		}
	}

	devices, err := m.devices(ctx)
	if err != nil {
		return err
	}
	state, ok := resolveDevice(devices, target)
	if !ok {
		return fmt.Errorf("device %q not found", target)
	}
	if state != "device" {
		return fmt.Errorf("device %q is %s", target, state)
	}

	m.connections[target] = true
	m.logger.WithField("target", target).Info("ADB device ready")
	return nil
}

// Disconnect 断开网络设备
func (m *ConnectionManager) Disconnect(ctx context.Context, target string) error {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	delete(m.connections, target)
	if !isNetworkTarget(target) {
		return nil
	}

	out, err := m.client.adb(ctx, "disconnect", target)
	if err != nil {
		m.logger.WithError(err).WithField("target", target).Warn("ADB disconnect failed")
		return err
	}
	m.logger.WithFields(logrus.Fields{
		"target": target,
		"output": strings.TrimSpace(out),
	}).Info("ADB disconnected")
	return nil
}

// IsConnected 通过 adb devices 确认设备状态，并同步缓存
func (m *ConnectionManager) IsConnected(ctx context.Context, target string) bool {
	devices, err := m.devices(ctx)
	connected := false
	if err == nil {
		state, ok := resolveDevice(devices, target)
		connected = ok && state == "device"
	}

	m.connMu.Lock()
	m.connections[target] = connected
	m.connMu.Unlock()
	return connected
}

func (m *ConnectionManager) devices(ctx context.Context) (map[string]string, error) {
	out, err := m.client.adb(ctx, "devices")
	if err != nil {
		return nil, fmt.Errorf("adb devices failed: %w", err)
	}
	return ParseDevices(out), nil
}

// resolveDevice target 为空时要求恰好一台设备
func resolveDevice(devices map[string]string, target string) (string, bool) {
	if target != "" {
		state, ok := devices[target]
		return state, ok
	}
	if len(devices) != 1 {
		return "", false
	}
	for _, state := range devices {
		return state, true
	}
	return "", false
}

// ParseDevices 解析 adb devices 输出：序列号 → 状态
func ParseDevices(out string) map[string]string {
	devices := make(map[string]string)
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "List of devices") || strings.HasPrefix(line, "*") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		devices[fields[0]] = fields[1]
	}
	return devices
}

// StartHealthCheck 定期检查连接，断开时重连，直到 ctx 取消
func (m *ConnectionManager) StartHealthCheck(ctx context.Context, interval time.Duration, target string) {
	m.logger.WithField("interval", interval.String()).Info("Starting ADB connection health check")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("ADB connection health check stopped")
			return
		case <-ticker.C:
			if m.IsConnected(ctx, target) {
				continue
			}
			m.logger.WithField("target", target).Warn("Device disconnected, attempting to reconnect...")
			if err := m.Connect(ctx, target); err != nil {
				m.logger.WithError(err).WithField("target", target).Error("Failed to reconnect device")
			}
		}
	}
}

// Stats 连接统计
func (m *ConnectionManager) Stats() map[string]interface{} {
	m.connMu.RLock()
	defer m.connMu.RUnlock()

	connected := []string{}
	for target, ok := range m.connections {
		if ok {
			connected = append(connected, target)
		}
	}

	m.daemonMu.Lock()
	started := m.daemonStarted
	m.daemonMu.Unlock()

	return map[string]interface{}{
		"daemon_started":    started,
		"connected_devices": connected,
		"connected_count":   len(connected),
	}
}
