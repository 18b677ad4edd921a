package privacy

import (
	"context"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apk-analysis/device-posture-go/internal/domain"
	"github.com/apk-analysis/device-posture-go/internal/provider"
	"github.com/apk-analysis/device-posture-go/internal/signature"
)

func setup(t *testing.T) (*logrus.Logger, *signature.Corpus) {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	store, err := signature.NewStore(afero.NewMemMapFs(), logger)
	require.NoError(t, err)
	return logger, store.Snapshot()
}

func audit(t *testing.T, doc string) (*domain.PhaseResult, error) {
	t.Helper()
	logger, corpus := setup(t)
	snap, err := provider.ParseSnapshot([]byte(doc))
	require.NoError(t, err)
	return NewAuditor(snap, snap, logger).Audit(context.Background(), corpus, nil)
}

func TestAuditStalkerwarePattern(t *testing.T) {
	result, err := audit(t, `
apps:
  - package: com.example.watcher
    name: Watcher
    permissions: [CAMERA, RECORD_AUDIO, ACCESS_FINE_LOCATION, ACCESS_BACKGROUND_LOCATION]
grants:
  battery_optimization_ignored: [com.example.watcher]
`)
	require.NoError(t, err)
	require.Len(t, result.Privacy.HighRiskApps, 1)

	app := result.Privacy.HighRiskApps[0]
	assert.Equal(t, "com.example.watcher", app.PackageID)
	assert.Equal(t, domain.KindStalkerwarePattern, app.Pattern)
	assert.Equal(t, domain.SeverityCritical, app.Severity)
	assert.True(t, app.IgnoresBatteryOptimizations)

	require.Len(t, result.Findings, 1)
	assert.Equal(t, domain.SeverityCritical, result.Findings[0].Severity)
	assert.Contains(t, result.Findings[0].Description, "battery")
	// 10 (后台定位) + 10 (高风险应用)
	assert.Equal(t, 20, result.SubScore)
}

func TestAuditPatternPriority(t *testing.T) {
	_, corpus := setup(t)

	tests := []struct {
		name  string
		app   domain.AppRecord
		kind  domain.FindingKind
		found bool
	}{
		{
			name:  "stalkerware wins over spyware",
			app:   domain.AppRecord{PackageID: "a", Permissions: domain.NewPermissionSet("CAMERA", "RECORD_AUDIO", "ACCESS_COARSE_LOCATION", "ACCESS_BACKGROUND_LOCATION", "READ_SMS", "READ_CALL_LOG", "READ_CONTACTS")},
			kind:  domain.KindStalkerwarePattern,
			found: true,
		},
		{
			name:  "spyware",
			app:   domain.AppRecord{PackageID: "b", Permissions: domain.NewPermissionSet("READ_SMS", "READ_CALL_LOG", "READ_CONTACTS")},
			kind:  domain.KindSpywarePattern,
			found: true,
		},
		{
			name:  "unexplained background location",
			app:   domain.AppRecord{PackageID: "com.acme.flashlight", DisplayName: "Torch", Permissions: domain.NewPermissionSet("ACCESS_BACKGROUND_LOCATION")},
			kind:  domain.KindUnexplainedBackgroundLocation,
			found: true,
		},
		{
			name:  "navigation app has a reason for background location",
			app:   domain.AppRecord{PackageID: "com.acme.nav", DisplayName: "City Navigation", Permissions: domain.NewPermissionSet("ACCESS_BACKGROUND_LOCATION")},
			found: false,
		},
		{
			name:  "background location with camera is not unexplained",
			app:   domain.AppRecord{PackageID: "c", Permissions: domain.NewPermissionSet("ACCESS_BACKGROUND_LOCATION", "CAMERA")},
			found: false,
		},
		{
			name:  "system apps are exempt",
			app:   domain.AppRecord{PackageID: "d", IsSystemApp: true, Permissions: domain.NewPermissionSet("CAMERA", "RECORD_AUDIO", "ACCESS_FINE_LOCATION", "ACCESS_BACKGROUND_LOCATION")},
			found: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pattern, ok := DetectPattern(tt.app, corpus)
			assert.Equal(t, tt.found, ok)
			if ok {
				assert.Equal(t, tt.kind, pattern.Kind)
			}
		})
	}
}

func TestAuditCategoriesAndGrants(t *testing.T) {
	result, err := audit(t, `
apps:
  - package: com.example.chat
    permissions: [CAMERA, RECORD_AUDIO, READ_CONTACTS]
  - package: com.example.gallery
    permissions: [READ_MEDIA_IMAGES]
  - package: com.android.systemui
    system: true
    permissions: [CAMERA]
grants:
  accessibility: [com.example.chat, com.android.systemui]
  device_admin: [com.example.gallery, com.example.gallery]
  overlay: [com.example.chat]
`)
	require.NoError(t, err)

	p := result.Privacy
	assert.Equal(t, []string{"com.example.chat"}, p.CategoryApps[domain.CategoryCamera])
	assert.Equal(t, []string{"com.example.gallery"}, p.CategoryApps[domain.CategoryStorage])
	assert.Equal(t, []string{"com.example.chat"}, p.AccessibilityApps)
	assert.Equal(t, []string{"com.example.gallery"}, p.DeviceAdminApps)
	assert.Equal(t, []string{"com.example.chat"}, p.OverlayApps)
	assert.Empty(t, p.HighRiskApps)
	assert.Equal(t, 2, result.ItemsProcessed)

	// 15 (无障碍) + 10 (设备管理) + 5 (悬浮窗)
	assert.Equal(t, 30, result.SubScore)
	kinds := map[domain.FindingKind]domain.Severity{}
	for _, f := range result.Findings {
		kinds[f.Kind] = f.Severity
	}
	assert.Equal(t, domain.SeverityMedium, kinds[domain.KindAccessibilityGrant])
	assert.Equal(t, domain.SeverityLow, kinds[domain.KindDeviceAdminGrant])
	assert.Equal(t, domain.SeverityLow, kinds[domain.KindOverlayGrant])
}

func TestAuditGrantFailuresAreAbsorbed(t *testing.T) {
	result, err := audit(t, `
apps:
  - package: com.example.chat
grants:
  accessibility: [com.example.chat]
failures: [accessibility, device_admin, overlay, battery]
`)
	require.NoError(t, err)
	assert.True(t, result.Succeeded)
	assert.Empty(t, result.Findings)
	assert.Equal(t, 0, result.SubScore)
}

func TestAuditInventoryFailureFailsPhase(t *testing.T) {
	result, err := audit(t, "failures: [inventory]\n")
	assert.Nil(t, result)
	assert.ErrorIs(t, err, domain.ErrProbeUnavailable)
}

func TestScoreCaps(t *testing.T) {
	summary := &domain.PrivacySummary{
		BackgroundLocationApps: 5,
		AccessibilityApps:      []string{"a", "b", "c"},
		DeviceAdminApps:        []string{"a", "b", "c"},
		OverlayApps:            []string{"a", "b", "c"},
	}
	assert.Equal(t, 30+30+20+10, Score(summary))

	summary.HighRiskApps = make([]domain.HighRiskApp, 4)
	assert.Equal(t, 100, Score(summary))
}

// cancellingGrants 第一次查询悬浮窗授权时取消审计
type cancellingGrants struct {
	provider.PrivilegedGrantProvider
	cancel context.CancelFunc
	calls  *int
}

func (c cancellingGrants) IsOverlayGranted(ctx context.Context, packageID string) (bool, error) {
	*c.calls++
	c.cancel()
	return c.PrivilegedGrantProvider.IsOverlayGranted(ctx, packageID)
}

func TestAuditCancelledDuringOverlayQueries(t *testing.T) {
	logger, corpus := setup(t)
	snap, err := provider.ParseSnapshot([]byte(`
apps:
  - package: com.a.one
  - package: com.a.two
  - package: com.a.three
grants:
  overlay: [com.a.one, com.a.two, com.a.three]
`))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	calls := 0
	grants := cancellingGrants{PrivilegedGrantProvider: snap, cancel: cancel, calls: &calls}

	result, err := NewAuditor(snap, grants, logger).Audit(ctx, corpus, nil)
	assert.Nil(t, result)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
