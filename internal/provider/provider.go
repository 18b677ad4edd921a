// Package provider 定义扫描核心消费的外部数据接口
package provider

import (
	"context"
	"time"

	"github.com/apk-analysis/device-posture-go/internal/domain"
)

// AppInventoryProvider 已安装应用清单
type AppInventoryProvider interface {
	// ListInstalledApps 返回的权限已规范化，并区分系统应用与第三方应用
	ListInstalledApps(ctx context.Context) ([]domain.AppRecord, error)
}

// PrivilegedGrantProvider 系统特权授权登记
type PrivilegedGrantProvider interface {
	ListAccessibilityGrantedApps(ctx context.Context) ([]string, error)
	ListDeviceAdminApps(ctx context.Context) ([]string, error)
	IsOverlayGranted(ctx context.Context, packageID string) (bool, error)
	IsIgnoringBatteryOptimizations(ctx context.Context, packageID string) (bool, error)
}

// FileSystemProvider 文件系统枚举与哈希
type FileSystemProvider interface {
	ListScanRoots(ctx context.Context) ([]string, error)
	ListFiles(ctx context.Context, root string) ([]domain.FileEntry, error)
	// HashFile 超过大小上限时返回 nil
	HashFile(ctx context.Context, path string) (*string, error)
}

// NetworkProbeProvider 网络状态探测
type NetworkProbeProvider interface {
	ConnectionInfo(ctx context.Context) (domain.ConnectionInfo, error)
	// TryConnectLocal 在 timeout 内连接成功才算开放，任何失败都返回 false
	TryConnectLocal(ctx context.Context, port int, timeout time.Duration) bool
	// CurrentWiFiSecurity 未连接 WiFi 时返回 nil
	CurrentWiFiSecurity(ctx context.Context) (*domain.WiFiSecurity, error)
	CurrentProxyConfig(ctx context.Context) (*domain.ProxyConfig, error)
	DNSServers(ctx context.Context) ([]string, error)
	CaptivePortalCheck(ctx context.Context) (bool, error)
}

// IntegrityProbeProvider 完整性探针，每种探针一个方法
type IntegrityProbeProvider interface {
	SuBinary(ctx context.Context) ProbeResult
	HookFramework(ctx context.Context, artifacts []string) ProbeResult
	BootloaderUnlocked(ctx context.Context) ProbeResult
	SELinuxPermissive(ctx context.Context) ProbeResult
	SystemWritable(ctx context.Context) ProbeResult
	TestKeysBuild(ctx context.Context) ProbeResult
	DebuggableBuild(ctx context.Context) ProbeResult
	USBDebugging(ctx context.Context) ProbeResult
}

// Providers 注入编排器的数据源集合
type Providers struct {
	Apps      AppInventoryProvider
	Grants    PrivilegedGrantProvider
	Files     FileSystemProvider
	Network   NetworkProbeProvider
	Integrity IntegrityProbeProvider
}
