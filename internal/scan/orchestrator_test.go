package scan

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apk-analysis/device-posture-go/internal/domain"
	"github.com/apk-analysis/device-posture-go/internal/provider"
	"github.com/apk-analysis/device-posture-go/internal/signature"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newStore(t testing.TB) *signature.Store {
	t.Helper()
	store, err := signature.NewStore(afero.NewMemMapFs(), quietLogger())
	require.NoError(t, err)
	return store
}

func snapshot(t testing.TB, doc string) *provider.Snapshot {
	t.Helper()
	snap, err := provider.ParseSnapshot([]byte(doc))
	require.NoError(t, err)
	return snap
}

func collect(t *testing.T, events <-chan domain.ProgressEvent) []domain.ProgressEvent {
	t.Helper()
	var out []domain.ProgressEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("scan did not finish")
		}
	}
}

func fullConfig(id string) domain.ScanConfig {
	return domain.ScanConfig{ScanID: id, Depth: domain.ScanDepthFull, Capabilities: domain.Capabilities{FileSystem: true}}
}

// fakeMetrics 记录阶段状态，可在指定阶段结束时触发回调
type fakeMetrics struct {
	mu      sync.Mutex
	phases  map[domain.PhaseID]domain.PhaseStatus
	scans   int
	onPhase func(domain.PhaseID)
}

func (m *fakeMetrics) ObservePhase(phase domain.PhaseID, status domain.PhaseStatus, d time.Duration) {
	m.mu.Lock()
	if m.phases == nil {
		m.phases = map[domain.PhaseID]domain.PhaseStatus{}
	}
	m.phases[phase] = status
	m.mu.Unlock()
	if m.onPhase != nil {
		m.onPhase(phase)
	}
}

func (m *fakeMetrics) ObserveScan(report *domain.ScanReport) {
	m.mu.Lock()
	m.scans++
	m.mu.Unlock()
}

// panicNetwork 任何调用都会 panic
type panicNetwork struct {
	provider.NetworkProbeProvider
}

func (panicNetwork) ConnectionInfo(ctx context.Context) (domain.ConnectionInfo, error) {
	panic("network stack exploded")
}

// cancellingInventory 第一次查询时取消扫描
type cancellingInventory struct {
	inner  provider.AppInventoryProvider
	cancel context.CancelFunc
}

func (c cancellingInventory) ListInstalledApps(ctx context.Context) ([]domain.AppRecord, error) {
	c.cancel()
	return c.inner.ListInstalledApps(ctx)
}

// cancellingOverlay 第一次查询悬浮窗授权时取消扫描
type cancellingOverlay struct {
	provider.PrivilegedGrantProvider
	cancel context.CancelFunc
}

func (c cancellingOverlay) IsOverlayGranted(ctx context.Context, packageID string) (bool, error) {
	c.cancel()
	return c.PrivilegedGrantProvider.IsOverlayGranted(ctx, packageID)
}

// cancellingFiles 列目录时取消扫描并返回取消错误
type cancellingFiles struct {
	provider.FileSystemProvider
	cancel context.CancelFunc
}

func (c cancellingFiles) ListFiles(ctx context.Context, root string) ([]domain.FileEntry, error) {
	c.cancel()
	return nil, fmt.Errorf("walk %s: %w", root, ctx.Err())
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	o := NewOrchestrator(snapshot(t, "").Providers(), newStore(t), quietLogger())

	_, err := o.Run(context.Background(), domain.ScanConfig{Depth: domain.ScanDepthQuick})
	assert.ErrorIs(t, err, domain.ErrConfiguration)

	_, err = o.Run(context.Background(), domain.ScanConfig{ScanID: "x", Depth: "DEEP"})
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestRunCleanDevice(t *testing.T) {
	snap := snapshot(t, "filesystem:\n  roots: [/sdcard]\n")
	metrics := &fakeMetrics{}
	o := NewOrchestrator(snap.Providers(), newStore(t), quietLogger(), WithMetrics(metrics))

	events, err := o.Run(context.Background(), fullConfig("clean"))
	require.NoError(t, err)
	all := collect(t, events)

	last := all[len(all)-1]
	require.Equal(t, domain.EventScanCompleted, last.Type)
	report := last.Report
	require.NotNil(t, report)
	assert.Equal(t, "clean", report.ScanID)
	assert.Equal(t, 0, report.OverallScore)
	assert.Equal(t, domain.RiskLevelSecure, report.OverallLevel)
	assert.Empty(t, report.Recommendations)
	for _, phase := range domain.PhaseOrder {
		assert.Equal(t, domain.PhaseStatusCompleted, report.PhaseStatus[phase], phase)
		require.NotNil(t, report.PhaseResults[phase], phase)
	}
	assert.Equal(t, 1, metrics.scans)
	assert.Len(t, metrics.phases, len(domain.PhaseOrder))
}

func TestRunEventOrdering(t *testing.T) {
	snap := snapshot(t, `
apps:
  - package: com.topjohnwu.magisk
    name: Magisk
network:
  connection: {type: CELLULAR}
  open_ports: [5555]
`)
	o := NewOrchestrator(snap.Providers(), newStore(t), quietLogger())
	events, err := o.Run(context.Background(), domain.ScanConfig{ScanID: "order", Depth: domain.ScanDepthQuick})
	require.NoError(t, err)
	all := collect(t, events)

	var started []domain.PhaseID
	current := domain.PhaseID("")
	findings := 0
	for _, ev := range all {
		switch ev.Type {
		case domain.EventPhaseStarted:
			assert.Empty(t, current, "previous phase must finish before %s starts", ev.Phase)
			current = ev.Phase
			started = append(started, ev.Phase)
		case domain.EventItemProcessed, domain.EventFindingDetected:
			assert.Equal(t, current, ev.Phase)
			if ev.Type == domain.EventFindingDetected {
				findings++
			}
		case domain.EventPhaseFinished:
			assert.Equal(t, current, ev.Phase)
			assert.Equal(t, findings, ev.FindingsSoFar)
			current = ""
		}
		assert.Equal(t, "order", ev.ScanID)
	}
	assert.Equal(t, domain.PhaseOrder, started)
	assert.Equal(t, domain.EventScanCompleted, all[len(all)-1].Type)
}

func TestRunMagiskScenario(t *testing.T) {
	snap := snapshot(t, `
apps:
  - package: com.topjohnwu.magisk
    name: Magisk
`)
	o := NewOrchestrator(snap.Providers(), newStore(t), quietLogger())
	report, err := o.RunSync(context.Background(), domain.ScanConfig{ScanID: "magisk", Depth: domain.ScanDepthQuick})
	require.NoError(t, err)

	integrity := report.PhaseResults[domain.PhaseIntegrity]
	require.NotNil(t, integrity)
	require.Len(t, integrity.Findings, 1)
	assert.Equal(t, domain.KindDangerousApp, integrity.Findings[0].Kind)
	assert.Equal(t, domain.SeverityCritical, integrity.Findings[0].Severity)

	threats := report.PhaseResults[domain.PhaseAppThreatMatch].Threats
	require.Len(t, threats.Records, 1)
	assert.Equal(t, domain.SeverityCritical, threats.Records[0].Severity)

	assert.GreaterOrEqual(t, report.OverallScore, 41)
	assert.Contains(t, []domain.RiskLevel{domain.RiskLevelMedium, domain.RiskLevelHigh, domain.RiskLevelCritical}, report.OverallLevel)
	assert.Equal(t, 2, report.IssueCounts.Critical)
	require.NotEmpty(t, report.Recommendations)
	assert.Equal(t, domain.ActionUninstallApp, report.Recommendations[0].ActionKind)
}

func TestRunStalkerwareScenario(t *testing.T) {
	snap := snapshot(t, `
apps:
  - package: com.example.companion
    name: Companion
    permissions: [CAMERA, RECORD_AUDIO, ACCESS_FINE_LOCATION, ACCESS_BACKGROUND_LOCATION]
`)
	o := NewOrchestrator(snap.Providers(), newStore(t), quietLogger())
	report, err := o.RunSync(context.Background(), domain.ScanConfig{ScanID: "stalker", Depth: domain.ScanDepthQuick})
	require.NoError(t, err)

	privacy := report.PhaseResults[domain.PhasePrivacyAudit].Privacy
	require.Len(t, privacy.HighRiskApps, 1)
	assert.Equal(t, "com.example.companion", privacy.HighRiskApps[0].PackageID)
	assert.Equal(t, domain.KindStalkerwarePattern, privacy.HighRiskApps[0].Pattern)
	assert.Equal(t, domain.SeverityCritical, privacy.HighRiskApps[0].Severity)
}

func TestRunQuickSkipsFileSystem(t *testing.T) {
	snap := snapshot(t, "filesystem:\n  roots: [/sdcard]\n")
	o := NewOrchestrator(snap.Providers(), newStore(t), quietLogger())

	quick, err := o.RunSync(context.Background(), domain.ScanConfig{ScanID: "q", Depth: domain.ScanDepthQuick,
		Capabilities: domain.Capabilities{FileSystem: true}})
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseStatusSkipped, quick.PhaseStatus[domain.PhaseFileSystem])
	assert.Nil(t, quick.PhaseResults[domain.PhaseFileSystem])

	noCap, err := o.RunSync(context.Background(), domain.ScanConfig{ScanID: "f", Depth: domain.ScanDepthFull})
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseStatusSkipped, noCap.PhaseStatus[domain.PhaseFileSystem])
}

func TestRunIsolatesPhasePanic(t *testing.T) {
	snap := snapshot(t, `
apps:
  - package: com.topjohnwu.magisk
`)
	providers := snap.Providers()
	providers.Network = panicNetwork{}

	o := NewOrchestrator(providers, newStore(t), quietLogger())
	report, err := o.RunSync(context.Background(), domain.ScanConfig{ScanID: "panic", Depth: domain.ScanDepthQuick})
	require.NoError(t, err)

	network := report.PhaseResults[domain.PhaseNetworkPosture]
	require.NotNil(t, network)
	assert.False(t, network.Succeeded)
	assert.Contains(t, network.Error, "panicked")
	assert.Equal(t, domain.PhaseStatusFailed, report.PhaseStatus[domain.PhaseNetworkPosture])

	assert.Equal(t, domain.PhaseStatusCompleted, report.PhaseStatus[domain.PhasePrivacyAudit])
	assert.Equal(t, domain.PhaseStatusCompleted, report.PhaseStatus[domain.PhaseAggregate])
}

func TestRunInventoryFailureFailsAppPhases(t *testing.T) {
	snap := snapshot(t, "integrity:\n  usb_debugging: detected\nfailures: [inventory]\n")
	o := NewOrchestrator(snap.Providers(), newStore(t), quietLogger())
	report, err := o.RunSync(context.Background(), domain.ScanConfig{ScanID: "inv", Depth: domain.ScanDepthQuick})
	require.NoError(t, err)

	assert.Equal(t, domain.PhaseStatusCompleted, report.PhaseStatus[domain.PhaseIntegrity])
	assert.Equal(t, domain.PhaseStatusFailed, report.PhaseStatus[domain.PhaseAppThreatMatch])
	assert.Equal(t, domain.PhaseStatusFailed, report.PhaseStatus[domain.PhasePrivacyAudit])
	// 只有 integrity (5) 和 network (0) 参与平均
	assert.Equal(t, 3, report.OverallScore)
	assert.Equal(t, 1, report.IssueCounts.Low)
}

func TestRunCancelledAfterSecondPhase(t *testing.T) {
	snap := snapshot(t, `
apps:
  - package: com.example.tracker
    permissions: [READ_SMS, SEND_SMS, RECEIVE_SMS]
integrity:
  bootloader_unlocked: detected
network:
  open_ports: [5555]
`)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	metrics := &fakeMetrics{onPhase: func(phase domain.PhaseID) {
		if phase == domain.PhaseAppThreatMatch {
			cancel()
		}
	}}

	o := NewOrchestrator(snap.Providers(), newStore(t), quietLogger(), WithMetrics(metrics))
	report, err := o.RunSync(ctx, fullConfig("cancel"))
	require.NoError(t, err)

	assert.True(t, report.Cancelled)
	require.NotNil(t, report.PhaseResults[domain.PhaseIntegrity])
	require.NotNil(t, report.PhaseResults[domain.PhaseAppThreatMatch])
	for _, phase := range []domain.PhaseID{domain.PhaseFileSystem, domain.PhaseNetworkPosture, domain.PhasePrivacyAudit, domain.PhaseAggregate} {
		assert.Nil(t, report.PhaseResults[phase], phase)
		assert.Equal(t, domain.PhaseStatusNotRun, report.PhaseStatus[phase], phase)
	}

	// integrity 25, threat 10 -> 18，HIGH 下限 21
	assert.Equal(t, 21, report.OverallScore)
	assert.Equal(t, domain.RiskLevelLow, report.OverallLevel)
}

func TestRunCancelledMidPhase(t *testing.T) {
	snap := snapshot(t, "apps:\n  - package: com.example.notes\n")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	providers := snap.Providers()
	providers.Apps = cancellingInventory{inner: snap, cancel: cancel}

	o := NewOrchestrator(providers, newStore(t), quietLogger())
	report, err := o.RunSync(ctx, fullConfig("mid"))
	require.NoError(t, err)

	assert.True(t, report.Cancelled)
	assert.Equal(t, domain.PhaseStatusCancelled, report.PhaseStatus[domain.PhaseIntegrity])
	assert.Nil(t, report.PhaseResults[domain.PhaseIntegrity])
	assert.Equal(t, domain.PhaseStatusNotRun, report.PhaseStatus[domain.PhaseAppThreatMatch])
	assert.Equal(t, 0, report.OverallScore)
	assert.Equal(t, domain.RiskLevelSecure, report.OverallLevel)
}

func TestRunCancelledDuringLastPhase(t *testing.T) {
	snap := snapshot(t, `
apps:
  - package: com.a.one
  - package: com.a.two
  - package: com.a.three
grants:
  overlay: [com.a.one, com.a.two, com.a.three]
`)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	providers := snap.Providers()
	providers.Grants = cancellingOverlay{PrivilegedGrantProvider: snap, cancel: cancel}

	o := NewOrchestrator(providers, newStore(t), quietLogger())
	report, err := o.RunSync(ctx, domain.ScanConfig{ScanID: "overlay", Depth: domain.ScanDepthQuick})
	require.NoError(t, err)

	assert.True(t, report.Cancelled)
	assert.Equal(t, domain.PhaseStatusCancelled, report.PhaseStatus[domain.PhasePrivacyAudit])
	assert.Nil(t, report.PhaseResults[domain.PhasePrivacyAudit])
	assert.Equal(t, domain.PhaseStatusNotRun, report.PhaseStatus[domain.PhaseAggregate])
	assert.Nil(t, report.PhaseResults[domain.PhaseAggregate])
	assert.Equal(t, domain.PhaseStatusCompleted, report.PhaseStatus[domain.PhaseNetworkPosture])
}

func TestRunCancelledWhileListingFiles(t *testing.T) {
	snap := snapshot(t, `
filesystem:
  roots: [/sdcard]
  files:
    - path: /sdcard/Download/app.apk
`)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	providers := snap.Providers()
	providers.Files = cancellingFiles{FileSystemProvider: snap, cancel: cancel}

	o := NewOrchestrator(providers, newStore(t), quietLogger())
	report, err := o.RunSync(ctx, fullConfig("files"))
	require.NoError(t, err)

	assert.True(t, report.Cancelled)
	assert.Equal(t, domain.PhaseStatusCancelled, report.PhaseStatus[domain.PhaseFileSystem])
	assert.Nil(t, report.PhaseResults[domain.PhaseFileSystem])
	for _, phase := range []domain.PhaseID{domain.PhaseNetworkPosture, domain.PhasePrivacyAudit, domain.PhaseAggregate} {
		assert.Equal(t, domain.PhaseStatusNotRun, report.PhaseStatus[phase], phase)
	}
}

func TestRunStreamCanBeAbandonedAfterCancel(t *testing.T) {
	prev := abandonAfter
	abandonAfter = 10 * time.Millisecond
	t.Cleanup(func() { abandonAfter = prev })

	var doc strings.Builder
	doc.WriteString("apps:\n")
	var overlay []string
	for i := 0; i < 100; i++ {
		pkg := fmt.Sprintf("com.example.app%d", i)
		fmt.Fprintf(&doc, "  - package: %s\n", pkg)
		overlay = append(overlay, pkg)
	}
	fmt.Fprintf(&doc, "grants:\n  overlay: [%s]\n", strings.Join(overlay, ", "))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	metrics := &fakeMetrics{}
	o := NewOrchestrator(snapshot(t, doc.String()).Providers(), newStore(t), quietLogger(), WithMetrics(metrics))

	events, err := o.Run(ctx, domain.ScanConfig{ScanID: "abandon", Depth: domain.ScanDepthQuick})
	require.NoError(t, err)

	// 不读取事件，等缓冲写满后取消
	require.Eventually(t, func() bool { return len(events) == eventBuffer }, 5*time.Second, time.Millisecond)
	cancel()

	require.Eventually(t, func() bool {
		metrics.mu.Lock()
		defer metrics.mu.Unlock()
		return metrics.scans == 1
	}, 5*time.Second, time.Millisecond)

	all := collect(t, events)
	assert.Len(t, all, eventBuffer)
}

func BenchmarkRunSync(b *testing.B) {
	var doc strings.Builder
	doc.WriteString("apps:\n")
	for i := 0; i < 300; i++ {
		fmt.Fprintf(&doc, "  - package: com.example.app%d\n    permissions: [android.permission.INTERNET, android.permission.CAMERA]\n", i)
	}
	doc.WriteString("  - package: com.flexispy.android.agent\n")
	o := NewOrchestrator(snapshot(b, doc.String()).Providers(), newStore(b), quietLogger())

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		report, err := o.RunSync(context.Background(), domain.ScanConfig{ScanID: "bench", Depth: domain.ScanDepthQuick})
		if err != nil || report.OverallLevel == domain.RiskLevelSecure {
			b.Fatalf("unexpected result: %v", err)
		}
	}
}
