package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apk-analysis/device-posture-go/internal/domain"
)

const sampleSnapshot = `
device: emulator-5554
apps:
  - package: com.example.tracker
    name: Tracker
    permissions: [CAMERA, RECORD_AUDIO, android.permission.ACCESS_FINE_LOCATION]
    hash: deadbeefcafebabe
  - package: com.android.settings
    name: Settings
    system: true
grants:
  accessibility: [com.example.tracker]
  overlay: [com.example.tracker]
integrity:
  su_binary: detected
  selinux_permissive: unavailable
evidence:
  su_binary: /system/xbin/su
network:
  connection: {type: WIFI, vpn_active: false}
  wifi: {ssid: cafe, is_secure: false, encryption_type: OPEN}
  open_ports: [5555]
  dns_servers: [8.8.8.8]
filesystem:
  roots: [/sdcard/Download]
  files:
    - {path: /sdcard/Download/a.apk, size: 1024, hash: abcdef0123456789}
    - {path: /sdcard/Documents/b.apk, size: 10}
failures: [dns]
`

func TestLoadSnapshot(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/snap.yaml", []byte(sampleSnapshot), 0o644))

	snap, err := LoadSnapshot(fs, "/snap.yaml")
	require.NoError(t, err)
	assert.Equal(t, "emulator-5554", snap.Device)

	ctx := context.Background()
	apps, err := snap.ListInstalledApps(ctx)
	require.NoError(t, err)
	require.Len(t, apps, 2)
	assert.True(t, apps[0].Permissions.Has("android.permission.CAMERA"))
	assert.True(t, apps[0].Permissions.Has("ACCESS_FINE_LOCATION"))
	require.NotNil(t, apps[0].FileHash)
	assert.Nil(t, apps[1].FileHash)
	assert.True(t, apps[1].IsSystemApp)

	granted, err := snap.IsOverlayGranted(ctx, "com.example.tracker")
	require.NoError(t, err)
	assert.True(t, granted)

	su := snap.SuBinary(ctx)
	assert.True(t, su.IsDetected())
	assert.Equal(t, "/system/xbin/su", su.Evidence)
	assert.False(t, snap.SELinuxPermissive(ctx).Available())
	assert.Equal(t, ProbeNotDetected, snap.USBDebugging(ctx).State)

	assert.True(t, snap.TryConnectLocal(ctx, 5555, 50*time.Millisecond))
	assert.False(t, snap.TryConnectLocal(ctx, 22, 50*time.Millisecond))

	_, err = snap.DNSServers(ctx)
	assert.True(t, errors.Is(err, domain.ErrProbeUnavailable))

	files, err := snap.ListFiles(ctx, "/sdcard/Download")
	require.NoError(t, err)
	require.Len(t, files, 1)
	hash, err := snap.HashFile(ctx, "/sdcard/Documents/b.apk")
	require.NoError(t, err)
	assert.Nil(t, hash)
}

func TestParseSnapshotRejectsUnknownProbeState(t *testing.T) {
	_, err := ParseSnapshot([]byte("integrity:\n  su_binary: maybe\n"))
	assert.Error(t, err)
}

func TestFromError(t *testing.T) {
	timeout := FromError(domain.ErrProviderTimeout)
	assert.Equal(t, ProbeNotDetected, timeout.State)
	assert.True(t, timeout.Available())

	other := FromError(errors.New("exec failed"))
	assert.Equal(t, ProbeUnavailable, other.State)
}
