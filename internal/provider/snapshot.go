package provider

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/apk-analysis/device-posture-go/internal/domain"
)

// Snapshot 设备状态快照，用于离线复现扫描和测试。
// 实现全部 provider 接口，加载后只读。
type Snapshot struct {
	Device     string             `yaml:"device"`
	Apps       []SnapshotApp      `yaml:"apps"`
	Grants     SnapshotGrants     `yaml:"grants"`
	Integrity  map[string]string  `yaml:"integrity"` // 探针名 -> detected/not_detected/unavailable
	Evidence   map[string]string  `yaml:"evidence"`
	Network    SnapshotNetwork    `yaml:"network"`
	FileSystem SnapshotFileSystem `yaml:"filesystem"`

	// Failures 模拟提供方失败的操作名，如 inventory、accessibility、dns
	Failures []string `yaml:"failures"`
}

// SnapshotApp 快照中的应用
type SnapshotApp struct {
	PackageID   string   `yaml:"package"`
	DisplayName string   `yaml:"name"`
	System      bool     `yaml:"system"`
	Permissions []string `yaml:"permissions"`
	FileHash    string   `yaml:"hash"`
}

// SnapshotGrants 快照中的特权授权
type SnapshotGrants struct {
	Accessibility             []string `yaml:"accessibility"`
	DeviceAdmin               []string `yaml:"device_admin"`
	Overlay                   []string `yaml:"overlay"`
	IgnoringBatteryOptimizing []string `yaml:"battery_optimization_ignored"`
}

// SnapshotNetwork 快照中的网络状态
type SnapshotNetwork struct {
	Connection    domain.ConnectionInfo `yaml:"connection"`
	Proxy         *domain.ProxyConfig   `yaml:"proxy"`
	WiFi          *domain.WiFiSecurity  `yaml:"wifi"`
	OpenPorts     []int                 `yaml:"open_ports"`
	DNSServers    []string              `yaml:"dns_servers"`
	CaptivePortal bool                  `yaml:"captive_portal"`
}

// SnapshotFileSystem 快照中的文件系统
type SnapshotFileSystem struct {
	Roots []string       `yaml:"roots"`
	Files []SnapshotFile `yaml:"files"`
}

// SnapshotFile 快照中的文件，Hash 为空表示超出哈希上限
type SnapshotFile struct {
	Path string `yaml:"path"`
	Size int64  `yaml:"size"`
	Hash string `yaml:"hash"`
}

// 探针名称
const (
	ProbeSuBinary           = "su_binary"
	ProbeHookFramework      = "hook_framework"
	ProbeBootloaderUnlocked = "bootloader_unlocked"
	ProbeSELinuxPermissive  = "selinux_permissive"
	ProbeSystemWritable     = "system_writable"
	ProbeTestKeys           = "test_keys"
	ProbeDebuggable         = "debuggable"
	ProbeUSBDebugging       = "usb_debugging"
)

// ParseSnapshot 解析 YAML 快照
func ParseSnapshot(data []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot: %w", err)
	}
	for name, state := range snap.Integrity {
		if _, err := ParseProbeState(state); err != nil {
			return nil, fmt.Errorf("integrity probe %s: %w", name, err)
		}
	}
	return &snap, nil
}

// LoadSnapshot 从文件系统加载快照
func LoadSnapshot(fs afero.Fs, path string) (*Snapshot, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot %s: %w", path, err)
	}
	return ParseSnapshot(data)
}

// Providers 快照同时作为所有数据源
func (s *Snapshot) Providers() Providers {
	return Providers{Apps: s, Grants: s, Files: s, Network: s, Integrity: s}
}

func (s *Snapshot) fail(op string) error {
	if slices.Contains(s.Failures, op) {
		return fmt.Errorf("%s: %w", op, domain.ErrProbeUnavailable)
	}
	return nil
}

func (s *Snapshot) ListInstalledApps(ctx context.Context) ([]domain.AppRecord, error) {
	if err := s.fail("inventory"); err != nil {
		return nil, err
	}
	apps := make([]domain.AppRecord, 0, len(s.Apps))
	for _, a := range s.Apps {
		record := domain.AppRecord{
			PackageID:   a.PackageID,
			DisplayName: a.DisplayName,
			IsSystemApp: a.System,
			Permissions: domain.NewPermissionSet(a.Permissions...),
		}
		if a.FileHash != "" {
			hash := a.FileHash
			record.FileHash = &hash
		}
		apps = append(apps, record)
	}
	return apps, nil
}

func (s *Snapshot) ListAccessibilityGrantedApps(ctx context.Context) ([]string, error) {
	if err := s.fail("accessibility"); err != nil {
		return nil, err
	}
	return slices.Clone(s.Grants.Accessibility), nil
}

func (s *Snapshot) ListDeviceAdminApps(ctx context.Context) ([]string, error) {
	if err := s.fail("device_admin"); err != nil {
		return nil, err
	}
	return slices.Clone(s.Grants.DeviceAdmin), nil
}

func (s *Snapshot) IsOverlayGranted(ctx context.Context, packageID string) (bool, error) {
	if err := s.fail("overlay"); err != nil {
		return false, err
	}
	return slices.Contains(s.Grants.Overlay, packageID), nil
}

func (s *Snapshot) IsIgnoringBatteryOptimizations(ctx context.Context, packageID string) (bool, error) {
	if err := s.fail("battery"); err != nil {
		return false, err
	}
	return slices.Contains(s.Grants.IgnoringBatteryOptimizing, packageID), nil
}

func (s *Snapshot) ListScanRoots(ctx context.Context) ([]string, error) {
	if err := s.fail("scan_roots"); err != nil {
		return nil, err
	}
	return slices.Clone(s.FileSystem.Roots), nil
}

func (s *Snapshot) ListFiles(ctx context.Context, root string) ([]domain.FileEntry, error) {
	if err := s.fail("list_files"); err != nil {
		return nil, err
	}
	prefix := strings.TrimSuffix(root, "/") + "/"
	var files []domain.FileEntry
	for _, f := range s.FileSystem.Files {
		if strings.HasPrefix(f.Path, prefix) {
			files = append(files, domain.FileEntry{Path: f.Path, Size: f.Size})
		}
	}
	return files, nil
}

func (s *Snapshot) HashFile(ctx context.Context, path string) (*string, error) {
	if err := s.fail("hash"); err != nil {
		return nil, err
	}
	for _, f := range s.FileSystem.Files {
		if f.Path == path && f.Hash != "" {
			hash := f.Hash
			return &hash, nil
		}
	}
	return nil, nil
}

func (s *Snapshot) ConnectionInfo(ctx context.Context) (domain.ConnectionInfo, error) {
	if err := s.fail("connection"); err != nil {
		return domain.ConnectionInfo{Type: domain.ConnectionUnknown}, err
	}
	info := s.Network.Connection
	if info.Type == "" {
		info.Type = domain.ConnectionUnknown
	}
	return info, nil
}

func (s *Snapshot) TryConnectLocal(ctx context.Context, port int, timeout time.Duration) bool {
	if s.fail("ports") != nil || ctx.Err() != nil {
		return false
	}
	return slices.Contains(s.Network.OpenPorts, port)
}

func (s *Snapshot) CurrentWiFiSecurity(ctx context.Context) (*domain.WiFiSecurity, error) {
	if err := s.fail("wifi"); err != nil {
		return nil, err
	}
	if s.Network.WiFi == nil {
		return nil, nil
	}
	wifi := *s.Network.WiFi
	return &wifi, nil
}

func (s *Snapshot) CurrentProxyConfig(ctx context.Context) (*domain.ProxyConfig, error) {
	if err := s.fail("proxy"); err != nil {
		return nil, err
	}
	if s.Network.Proxy == nil {
		return nil, nil
	}
	proxy := *s.Network.Proxy
	return &proxy, nil
}

func (s *Snapshot) DNSServers(ctx context.Context) ([]string, error) {
	if err := s.fail("dns"); err != nil {
		return nil, err
	}
	return slices.Clone(s.Network.DNSServers), nil
}

func (s *Snapshot) CaptivePortalCheck(ctx context.Context) (bool, error) {
	if err := s.fail("captive_portal"); err != nil {
		return false, err
	}
	return s.Network.CaptivePortal, nil
}

func (s *Snapshot) probe(name string) ProbeResult {
	state, _ := ParseProbeState(s.Integrity[name])
	switch state {
	case ProbeDetected:
		evidence := s.Evidence[name]
		if evidence == "" {
			evidence = name
		}
		return Detected(evidence)
	case ProbeUnavailable:
		return Unavailable(fmt.Errorf("%s: %w", name, domain.ErrProbeUnavailable))
	default:
		return NotDetected()
	}
}

func (s *Snapshot) SuBinary(ctx context.Context) ProbeResult { return s.probe(ProbeSuBinary) }

func (s *Snapshot) HookFramework(ctx context.Context, artifacts []string) ProbeResult {
	return s.probe(ProbeHookFramework)
}

func (s *Snapshot) BootloaderUnlocked(ctx context.Context) ProbeResult {
	return s.probe(ProbeBootloaderUnlocked)
}

func (s *Snapshot) SELinuxPermissive(ctx context.Context) ProbeResult {
	return s.probe(ProbeSELinuxPermissive)
}

func (s *Snapshot) SystemWritable(ctx context.Context) ProbeResult {
	return s.probe(ProbeSystemWritable)
}

func (s *Snapshot) TestKeysBuild(ctx context.Context) ProbeResult { return s.probe(ProbeTestKeys) }

func (s *Snapshot) DebuggableBuild(ctx context.Context) ProbeResult { return s.probe(ProbeDebuggable) }

func (s *Snapshot) USBDebugging(ctx context.Context) ProbeResult { return s.probe(ProbeUSBDebugging) }
