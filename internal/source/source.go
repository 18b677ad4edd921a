package source

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/apk-analysis/device-posture-go/internal/adb"
	"github.com/apk-analysis/device-posture-go/internal/config"
	"github.com/apk-analysis/device-posture-go/internal/filesystem"
	"github.com/apk-analysis/device-posture-go/internal/network"
	"github.com/apk-analysis/device-posture-go/internal/provider"
)

// Source 一次运行使用的设备数据源
type Source struct {
	Providers  provider.Providers
	Client     *adb.Client // 仅 adb 模式
	DeviceID   string
	FileSystem bool // 是否具备文件扫描能力
}

// Build 按配置组装数据源。adb 模式只创建客户端，连接由调用方负责。
func Build(cfg *config.Config, fs afero.Fs, logger *logrus.Logger) (*Source, error) {
	var src *Source

	switch cfg.Scan.Source {
	case config.SourceSnapshot:
		snap, err := provider.LoadSnapshot(fs, cfg.Scan.SnapshotPath)
		if err != nil {
			return nil, err
		}
		deviceID := snap.Device
		if deviceID == "" {
			deviceID = "snapshot"
		}
		src = &Source{
			Providers:  snap.Providers(),
			DeviceID:   deviceID,
			FileSystem: len(snap.FileSystem.Roots) > 0,
		}

	case config.SourceADB, "":
		client := adb.NewClient(adb.Options{
			Path:    cfg.ADB.Path,
			Target:  cfg.ADB.Target,
			Timeout: cfg.ADB.CommandTimeout(),
		}, nil, logger)
		device := adb.NewDevice(client, adb.DeviceOptions{
			ScanRoots: cfg.Scan.ScanRoots,
			HashLimit: cfg.Scan.HashSizeLimit(),
			HashAPKs:  cfg.ADB.HashAPKs,
		}, logger)

		deviceID := client.Target()
		if deviceID == "" {
			deviceID = "adb"
		}
		src = &Source{
			Providers:  device.Providers(),
			Client:     client,
			DeviceID:   deviceID,
			FileSystem: true,
		}

	default:
		return nil, fmt.Errorf("unknown source %q", cfg.Scan.Source)
	}

	if cfg.Scan.HostNetwork {
		src.Providers.Network = network.NewHostProvider(fs)
	}
	if cfg.Scan.HostFiles {
		src.Providers.Files = filesystem.NewLocalProvider(fs, cfg.Scan.ScanRoots, cfg.Scan.HashSizeLimit())
		src.FileSystem = true
	}

	logger.WithFields(logrus.Fields{
		"source":       cfg.Scan.Source,
		"device_id":    src.DeviceID,
		"host_network": cfg.Scan.HostNetwork,
		"host_files":   cfg.Scan.HostFiles,
		"file_system":  src.FileSystem,
	}).Info("Device source ready")
	return src, nil
}
