package adb

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/device-posture-go/internal/domain"
	"github.com/apk-analysis/device-posture-go/internal/provider"
)

const (
	defaultHashLimit = 50 << 20
	// listenCacheTTL 端口探测并发读取监听表，短时间内复用一次结果
	listenCacheTTL = 2 * time.Second
	whitelistTTL   = 10 * time.Second
)

// DeviceOptions 设备数据源参数
type DeviceOptions struct {
	ScanRoots []string
	HashLimit int64
	HashAPKs  bool // 为第三方应用计算 APK 哈希，供特征库按哈希匹配
}

// Device 通过 adb shell 采集设备状态，实现全部数据源接口
type Device struct {
	client *Client
	opts   DeviceOptions
	logger *logrus.Logger

	listen    cached[map[int]bool]
	whitelist cached[map[string]bool]
}

// NewDevice 创建设备数据源
func NewDevice(client *Client, opts DeviceOptions, logger *logrus.Logger) *Device {
	if opts.HashLimit <= 0 {
		opts.HashLimit = defaultHashLimit
	}
	return &Device{
		client:    client,
		opts:      opts,
		logger:    logger,
		listen:    cached[map[int]bool]{ttl: listenCacheTTL},
		whitelist: cached[map[string]bool]{ttl: whitelistTTL},
	}
}

// Providers 设备同时作为所有数据源
func (d *Device) Providers() provider.Providers {
	return provider.Providers{Apps: d, Grants: d, Files: d, Network: d, Integrity: d}
}

// cached 带过期时间的单值缓存
type cached[T any] struct {
	mu    sync.Mutex
	ttl   time.Duration
	at    time.Time
	value T
	valid bool
}

func (c *cached[T]) get(ctx context.Context, fetch func(ctx context.Context) (T, error)) (T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.valid && time.Since(c.at) < c.ttl {
		return c.value, nil
	}
	v, err := fetch(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	c.value, c.at, c.valid = v, time.Now(), true
	return v, nil
}

// ListInstalledApps 从 dumpsys package 读取应用、系统标记与已授予权限
func (d *Device) ListInstalledApps(ctx context.Context) ([]domain.AppRecord, error) {
	out, err := d.client.Shell(ctx, "dumpsys package packages")
	if err != nil {
		return nil, err
	}
	infos := ParsePackageDump(out)
	if len(infos) == 0 {
		return nil, fmt.Errorf("package dump is empty: %w", domain.ErrProbeUnavailable)
	}

	var hashes map[string]string
	if d.opts.HashAPKs {
		hashes = d.hashAPKs(ctx, infos)
	}

	apps := make([]domain.AppRecord, 0, len(infos))
	for _, info := range infos {
		record := domain.AppRecord{
			PackageID:   info.PackageID,
			IsSystemApp: info.System,
			Permissions: domain.NewPermissionSet(info.Permissions...),
		}
		if h, ok := hashes[apkPath(info.CodePath)]; ok {
			record.FileHash = &h
		}
		apps = append(apps, record)
	}

	d.logger.WithFields(logrus.Fields{
		"target": d.client.Target(),
		"apps":   len(apps),
	}).Debug("Installed apps loaded")
	return apps, nil
}

func apkPath(codePath string) string {
	if codePath == "" || strings.HasSuffix(codePath, ".apk") {
		return codePath
	}
	return strings.TrimSuffix(codePath, "/") + "/base.apk"
}

// hashAPKs 一次 sha256sum 批量计算第三方应用 APK 哈希，失败时只记录日志
func (d *Device) hashAPKs(ctx context.Context, infos []PackageInfo) map[string]string {
	var paths []string
	for _, info := range infos {
		if info.System || info.CodePath == "" {
			continue
		}
		paths = append(paths, shellQuote(apkPath(info.CodePath)))
	}
	if len(paths) == 0 {
		return nil
	}

	out, err := d.client.Shell(ctx, "sha256sum "+strings.Join(paths, " ")+" 2>/dev/null; true")
	if err != nil {
		d.logger.WithError(err).Warn("Failed to hash installed APKs")
		return nil
	}
	return ParseSHA256Sum(out)
}

func (d *Device) ListAccessibilityGrantedApps(ctx context.Context) ([]string, error) {
	v, err := d.client.Setting(ctx, "secure", "enabled_accessibility_services")
	if err != nil {
		return nil, err
	}
	return ParseComponentPackages(v), nil
}

func (d *Device) ListDeviceAdminApps(ctx context.Context) ([]string, error) {
	out, err := d.client.Shell(ctx, "dumpsys device_policy")
	if err != nil {
		return nil, err
	}
	return ParseDeviceAdmins(out), nil
}

func (d *Device) IsOverlayGranted(ctx context.Context, packageID string) (bool, error) {
	out, err := d.client.Shell(ctx, "appops get "+shellQuote(packageID)+" SYSTEM_ALERT_WINDOW")
	if err != nil {
		return false, err
	}
	return ParseAppOpsAllowed(out, "SYSTEM_ALERT_WINDOW"), nil
}

func (d *Device) IsIgnoringBatteryOptimizations(ctx context.Context, packageID string) (bool, error) {
	list, err := d.whitelist.get(ctx, func(ctx context.Context) (map[string]bool, error) {
		out, err := d.client.Shell(ctx, "dumpsys deviceidle whitelist")
		if err != nil {
			return nil, err
		}
		return ParseDeviceIdleWhitelist(out), nil
	})
	if err != nil {
		return false, err
	}
	return list[packageID], nil
}

// ListScanRoots 返回设备上存在的扫描根目录
func (d *Device) ListScanRoots(ctx context.Context) ([]string, error) {
	if len(d.opts.ScanRoots) == 0 {
		return nil, nil
	}
	quoted := make([]string, len(d.opts.ScanRoots))
	for i, root := range d.opts.ScanRoots {
		quoted[i] = shellQuote(root)
	}
	out, err := d.client.Shell(ctx, `for d in `+strings.Join(quoted, " ")+`; do [ -d "$d" ] && echo "$d"; done; true`)
	if err != nil {
		return nil, err
	}
	return ParseExistingPaths(out), nil
}

func (d *Device) ListFiles(ctx context.Context, root string) ([]domain.FileEntry, error) {
	out, err := d.client.Shell(ctx, fmt.Sprintf("find %s -type f -exec stat -c '%%s %%n' {} + 2>/dev/null; true", shellQuote(root)))
	if err != nil {
		return nil, err
	}
	return ParseStatListing(out), nil
}

// HashFile 先取文件大小，超过上限返回 nil
func (d *Device) HashFile(ctx context.Context, path string) (*string, error) {
	out, err := d.client.Shell(ctx, "stat -c %s "+shellQuote(path))
	if err != nil {
		return nil, err
	}
	size, err := strconv.ParseInt(strings.TrimSpace(out), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("stat %s: unexpected output %q", path, strings.TrimSpace(out))
	}
	if size > d.opts.HashLimit {
		return nil, nil
	}

	out, err = d.client.Shell(ctx, "sha256sum "+shellQuote(path))
	if err != nil {
		return nil, err
	}
	sum, ok := ParseSHA256Sum(out)[path]
	if !ok {
		return nil, fmt.Errorf("sha256sum %s: unexpected output %q", path, strings.TrimSpace(out))
	}
	return &sum, nil
}
