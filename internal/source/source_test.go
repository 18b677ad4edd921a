package source

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apk-analysis/device-posture-go/internal/adb"
	"github.com/apk-analysis/device-posture-go/internal/config"
	"github.com/apk-analysis/device-posture-go/internal/filesystem"
	"github.com/apk-analysis/device-posture-go/internal/network"
	"github.com/apk-analysis/device-posture-go/internal/provider"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestBuildSnapshot(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/snap.yaml", []byte("device: pixel-7\nfilesystem:\n  roots: [/sdcard/Download]\n"), 0o644))

	cfg := &config.Config{Scan: config.ScanConfig{Source: config.SourceSnapshot, SnapshotPath: "/snap.yaml"}}
	src, err := Build(cfg, fs, quietLogger())
	require.NoError(t, err)

	assert.Equal(t, "pixel-7", src.DeviceID)
	assert.True(t, src.FileSystem)
	assert.Nil(t, src.Client)
	assert.IsType(t, &provider.Snapshot{}, src.Providers.Apps)
}

func TestBuildSnapshotMissingFile(t *testing.T) {
	cfg := &config.Config{Scan: config.ScanConfig{Source: config.SourceSnapshot, SnapshotPath: "/missing.yaml"}}
	_, err := Build(cfg, afero.NewMemMapFs(), quietLogger())
	assert.Error(t, err)
}

func TestBuildADBWithHostOverrides(t *testing.T) {
	cfg := &config.Config{
		Scan: config.ScanConfig{
			Source:      config.SourceADB,
			HostNetwork: true,
			HostFiles:   true,
			ScanRoots:   []string{"/data/local/tmp"},
		},
		ADB: config.ADBConfig{Target: "192.168.1.20:5555"},
	}
	src, err := Build(cfg, afero.NewMemMapFs(), quietLogger())
	require.NoError(t, err)

	require.NotNil(t, src.Client)
	assert.Equal(t, "192.168.1.20:5555", src.DeviceID)
	assert.IsType(t, &adb.Device{}, src.Providers.Apps)
	assert.IsType(t, &adb.Device{}, src.Providers.Integrity)
	assert.IsType(t, &network.HostProvider{}, src.Providers.Network)
	assert.IsType(t, &filesystem.LocalProvider{}, src.Providers.Files)
}

func TestBuildUnknownSource(t *testing.T) {
	cfg := &config.Config{Scan: config.ScanConfig{Source: "usb"}}
	_, err := Build(cfg, afero.NewMemMapFs(), quietLogger())
	assert.Error(t, err)
}
