package service

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/apk-analysis/device-posture-go/internal/domain"
	"github.com/apk-analysis/device-posture-go/internal/provider"
	"github.com/apk-analysis/device-posture-go/internal/repository"
	"github.com/apk-analysis/device-posture-go/internal/scan"
	"github.com/apk-analysis/device-posture-go/internal/signature"
	"github.com/apk-analysis/device-posture-go/internal/worker"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// MockDispatcher Mock 派发器
type MockDispatcher struct {
	mock.Mock
}

func (m *MockDispatcher) Dispatch(ctx context.Context, job worker.Job) error {
	args := m.Called(ctx, job)
	return args.Error(0)
}

// blockingRunner 在 ctx 取消前一直阻塞，然后发送一份已取消的报告
type blockingRunner struct {
	started chan struct{}
}

func (r *blockingRunner) Run(ctx context.Context, cfg domain.ScanConfig) (<-chan domain.ProgressEvent, error) {
	events := make(chan domain.ProgressEvent, 2)
	go func() {
		defer close(events)
		close(r.started)
		<-ctx.Done()
		events <- domain.ProgressEvent{
			Type:   domain.EventScanCompleted,
			ScanID: cfg.ScanID,
			Report: &domain.ScanReport{ScanID: cfg.ScanID, Cancelled: true, EndedAt: time.Now()},
		}
	}()
	return events, nil
}

type failingRunner struct{}

func (failingRunner) Run(ctx context.Context, cfg domain.ScanConfig) (<-chan domain.ProgressEvent, error) {
	return nil, errors.New("adb: device offline")
}

// silentRunner 结束时不产生报告
type silentRunner struct{}

func (silentRunner) Run(ctx context.Context, cfg domain.ScanConfig) (<-chan domain.ProgressEvent, error) {
	events := make(chan domain.ProgressEvent)
	close(events)
	return events, nil
}

type fakeLifecycle struct {
	started  int
	finished []domain.ScanStatus
}

func (f *fakeLifecycle) RecordScanStarted() { f.started++ }
func (f *fakeLifecycle) RecordScanFinished(status domain.ScanStatus, d time.Duration) {
	f.finished = append(f.finished, status)
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func setupRepo(t *testing.T) repository.ScanRepository {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	// 内存库每个连接独立，限制为单连接
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, repository.Migrate(db, quietLogger()))
	return repository.NewScanRepository(db, quietLogger())
}

func magiskOrchestrator(t *testing.T) *scan.Orchestrator {
	t.Helper()
	snap, err := provider.ParseSnapshot([]byte(`
apps:
  - package: com.topjohnwu.magisk
    name: Magisk
`))
	require.NoError(t, err)
	store, err := signature.NewStore(afero.NewMemMapFs(), quietLogger())
	require.NoError(t, err)
	return scan.NewOrchestrator(snap.Providers(), store, quietLogger())
}

func TestCreateScan_DispatchesJob(t *testing.T) {
	repo := setupRepo(t)
	dispatcher := new(MockDispatcher)
	dispatcher.On("Dispatch", mock.Anything, mock.MatchedBy(func(job worker.Job) bool {
		return job.Depth == domain.ScanDepthFull && !job.FileSystem
	})).Return(nil)

	svc := NewScanService(repo, silentRunner{}, dispatcher, Options{DeviceID: "emulator-5554"}, quietLogger())
	noFS := false
	record, err := svc.CreateScan(context.Background(), CreateScanRequest{Depth: "full", FileSystem: &noFS})

	require.NoError(t, err)
	assert.NotEmpty(t, record.ID)
	assert.Equal(t, domain.ScanStatusQueued, record.Status)
	assert.Equal(t, "emulator-5554", record.DeviceID)
	dispatcher.AssertExpectations(t)
}

func TestCreateScan_RejectsUnknownDepth(t *testing.T) {
	svc := NewScanService(setupRepo(t), silentRunner{}, new(MockDispatcher), Options{}, quietLogger())

	_, err := svc.CreateScan(context.Background(), CreateScanRequest{Depth: "deep"})
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestCreateScan_DispatchFailureMarksFailed(t *testing.T) {
	repo := setupRepo(t)
	dispatcher := new(MockDispatcher)
	dispatcher.On("Dispatch", mock.Anything, mock.Anything).Return(worker.ErrQueueFull)

	svc := NewScanService(repo, silentRunner{}, dispatcher, Options{}, quietLogger())
	_, err := svc.CreateScan(context.Background(), CreateScanRequest{})
	require.ErrorIs(t, err, worker.ErrQueueFull)

	records, err := repo.ListByStatus(context.Background(), domain.ScanStatusFailed)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Contains(t, records[0].ErrorMessage, "dispatch failed")
}

func TestExecute_CompletesAndStoresReport(t *testing.T) {
	repo := setupRepo(t)
	dispatcher := new(MockDispatcher)
	dispatcher.On("Dispatch", mock.Anything, mock.Anything).Return(nil)
	metrics := &fakeLifecycle{}

	svc := NewScanService(repo, magiskOrchestrator(t), dispatcher, Options{Metrics: metrics}, quietLogger())
	ctx := context.Background()

	record, err := svc.CreateScan(ctx, CreateScanRequest{})
	require.NoError(t, err)

	require.NoError(t, svc.Execute(ctx, &worker.Job{ScanID: record.ID, Depth: record.Depth}))

	stored, report, err := svc.GetScan(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ScanStatusCompleted, stored.Status)
	assert.NotNil(t, stored.StartedAt)
	assert.NotNil(t, stored.CompletedAt)
	assert.Equal(t, 2, stored.CriticalCount)

	require.NotNil(t, report)
	assert.Equal(t, stored.OverallScore, report.OverallScore)
	assert.GreaterOrEqual(t, report.OverallScore, 41)
	assert.Equal(t, domain.ActionUninstallApp, report.Recommendations[0].ActionKind)

	assert.Equal(t, 1, metrics.started)
	assert.Equal(t, []domain.ScanStatus{domain.ScanStatusCompleted}, metrics.finished)
}

func TestExecute_RunnerErrorMarksFailed(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, &domain.ScanRecord{ID: "s1", Depth: domain.ScanDepthQuick}))

	svc := NewScanService(repo, failingRunner{}, new(MockDispatcher), Options{}, quietLogger())
	err := svc.Execute(ctx, &worker.Job{ScanID: "s1", Depth: domain.ScanDepthQuick})
	require.Error(t, err)

	stored, report, err := svc.GetScan(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, report)
	assert.Equal(t, domain.ScanStatusFailed, stored.Status)
	assert.Contains(t, stored.ErrorMessage, "device offline")
}

func TestExecute_MissingReportMarksFailed(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, &domain.ScanRecord{ID: "s1", Depth: domain.ScanDepthQuick}))

	svc := NewScanService(repo, silentRunner{}, new(MockDispatcher), Options{}, quietLogger())
	require.Error(t, svc.Execute(ctx, &worker.Job{ScanID: "s1", Depth: domain.ScanDepthQuick}))

	stored, err := repo.FindByID(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.ScanStatusFailed, stored.Status)
}

func TestCancelScan_Queued(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, &domain.ScanRecord{ID: "s1", Depth: domain.ScanDepthQuick}))

	runner := &blockingRunner{started: make(chan struct{})}
	svc := NewScanService(repo, runner, new(MockDispatcher), Options{}, quietLogger())

	require.NoError(t, svc.CancelScan(ctx, "s1"))
	assert.ErrorIs(t, svc.CancelScan(ctx, "s1"), ErrScanFinished)

	// 已取消的扫描不会再运行
	require.NoError(t, svc.Execute(ctx, &worker.Job{ScanID: "s1", Depth: domain.ScanDepthQuick}))
	select {
	case <-runner.started:
		t.Fatal("runner should not start")
	default:
	}

	_, _, err := svc.GetScan(ctx, "missing")
	assert.ErrorIs(t, err, repository.ErrScanNotFound)
	assert.ErrorIs(t, svc.CancelScan(ctx, "missing"), repository.ErrScanNotFound)
}

func TestCancelScan_Running(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, &domain.ScanRecord{ID: "s1", Depth: domain.ScanDepthQuick}))

	runner := &blockingRunner{started: make(chan struct{})}
	svc := NewScanService(repo, runner, new(MockDispatcher), Options{}, quietLogger())

	done := make(chan error, 1)
	go func() {
		done <- svc.Execute(ctx, &worker.Job{ScanID: "s1", Depth: domain.ScanDepthQuick})
	}()

	<-runner.started
	events, unsubscribe := svc.Subscribe("s1")
	defer unsubscribe()

	require.NoError(t, svc.CancelScan(ctx, "s1"))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scan did not stop after cancellation")
	}

	var last domain.ProgressEvent
	for ev := range events {
		last = ev
	}
	assert.Equal(t, domain.EventScanCompleted, last.Type)
	assert.True(t, last.Report.Cancelled)

	stored, err := repo.FindByID(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, domain.ScanStatusCancelled, stored.Status)
}

func TestSubscribe_UnknownScanIsClosed(t *testing.T) {
	svc := NewScanService(setupRepo(t), silentRunner{}, new(MockDispatcher), Options{}, quietLogger())

	events, unsubscribe := svc.Subscribe("nope")
	defer unsubscribe()

	_, ok := <-events
	assert.False(t, ok)
}

func TestRequeue(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, &domain.ScanRecord{ID: "queued", Depth: domain.ScanDepthQuick}))
	require.NoError(t, repo.Create(ctx, &domain.ScanRecord{ID: "running", Depth: domain.ScanDepthFull, FileSystemCapable: true}))
	require.NoError(t, repo.Create(ctx, &domain.ScanRecord{ID: "done", Depth: domain.ScanDepthQuick}))
	_, err := repo.TransitionStatus(ctx, "running", domain.ScanStatusRunning)
	require.NoError(t, err)
	_, err = repo.TransitionStatus(ctx, "done", domain.ScanStatusCompleted)
	require.NoError(t, err)

	dispatcher := new(MockDispatcher)
	dispatcher.On("Dispatch", mock.Anything, worker.Job{ScanID: "queued", Depth: domain.ScanDepthQuick}).Return(nil)
	dispatcher.On("Dispatch", mock.Anything, worker.Job{ScanID: "running", Depth: domain.ScanDepthFull, FileSystem: true}).Return(nil)

	svc := NewScanService(repo, silentRunner{}, dispatcher, Options{}, quietLogger())
	n, err := svc.Requeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	dispatcher.AssertExpectations(t)

	stored, err := repo.FindByID(ctx, "running")
	require.NoError(t, err)
	assert.Equal(t, domain.ScanStatusQueued, stored.Status)
}

func TestRetryFailed(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, &domain.ScanRecord{ID: "broken", Depth: domain.ScanDepthFull}))
	require.NoError(t, repo.Create(ctx, &domain.ScanRecord{ID: "unlucky", Depth: domain.ScanDepthQuick}))
	require.NoError(t, repo.Create(ctx, &domain.ScanRecord{ID: "waiting", Depth: domain.ScanDepthQuick}))
	for _, id := range []string{"broken", "unlucky"} {
		_, err := repo.TransitionStatus(ctx, id, domain.ScanStatusFailed)
		require.NoError(t, err)
	}

	dispatcher := new(MockDispatcher)
	dispatcher.On("Dispatch", mock.Anything, worker.Job{ScanID: "broken", Depth: domain.ScanDepthFull}).Return(nil)
	dispatcher.On("Dispatch", mock.Anything, worker.Job{ScanID: "unlucky", Depth: domain.ScanDepthQuick}).Return(errors.New("queue closed"))

	svc := NewScanService(repo, silentRunner{}, dispatcher, Options{}, quietLogger())
	n, err := svc.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	dispatcher.AssertExpectations(t)

	stored, err := repo.FindByID(ctx, "broken")
	require.NoError(t, err)
	assert.Equal(t, domain.ScanStatusQueued, stored.Status)

	stored, err = repo.FindByID(ctx, "unlucky")
	require.NoError(t, err)
	assert.Equal(t, domain.ScanStatusFailed, stored.Status)
	assert.Contains(t, stored.ErrorMessage, "queue closed")
}

func TestDeleteScan(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, &domain.ScanRecord{ID: "s1", Depth: domain.ScanDepthQuick}))

	svc := NewScanService(repo, silentRunner{}, new(MockDispatcher), Options{}, quietLogger())
	require.NoError(t, svc.DeleteScan(ctx, "s1"))
	assert.ErrorIs(t, svc.DeleteScan(ctx, "s1"), repository.ErrScanNotFound)
}
