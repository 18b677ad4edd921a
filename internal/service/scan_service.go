package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/apk-analysis/device-posture-go/internal/domain"
	"github.com/apk-analysis/device-posture-go/internal/repository"
	"github.com/apk-analysis/device-posture-go/internal/worker"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	// ErrScanFinished 扫描已处于终态
	ErrScanFinished = errors.New("scan already finished")
)

// ScanRunner 产生进度事件流的扫描执行者
type ScanRunner interface {
	Run(ctx context.Context, cfg domain.ScanConfig) (<-chan domain.ProgressEvent, error)
}

// Dispatcher 把新建的扫描交给执行端（worker 池或消息队列）
type Dispatcher interface {
	Dispatch(ctx context.Context, job worker.Job) error
}

// LifecycleMetrics 扫描生命周期指标
type LifecycleMetrics interface {
	RecordScanStarted()
	RecordScanFinished(status domain.ScanStatus, duration time.Duration)
}

// CreateScanRequest 新建扫描参数
type CreateScanRequest struct {
	Depth      string `json:"depth"`
	FileSystem *bool  `json:"filesystem"` // 为空时使用设备默认能力
}

// Options ScanService 参数
type Options struct {
	DeviceID     string
	DefaultDepth domain.ScanDepth
	FileSystem   bool // 设备是否具备存储访问能力
	Metrics      LifecycleMetrics
}

// ScanService 扫描生命周期：创建 → 排队 → 运行 → 完成/取消/失败
type ScanService struct {
	repo       repository.ScanRepository
	runner     ScanRunner
	dispatcher Dispatcher
	opts       Options
	logger     *logrus.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	hub     *Broadcaster
}

// NewScanService 创建扫描服务
func NewScanService(repo repository.ScanRepository, runner ScanRunner, dispatcher Dispatcher, opts Options, logger *logrus.Logger) *ScanService {
	if opts.DefaultDepth == "" {
		opts.DefaultDepth = domain.ScanDepthQuick
	}
	return &ScanService{
		repo:       repo,
		runner:     runner,
		dispatcher: dispatcher,
		opts:       opts,
		logger:     logger,
		cancels:    make(map[string]context.CancelFunc),
		hub:        NewBroadcaster(),
	}
}

// CreateScan 创建扫描记录并派发
func (s *ScanService) CreateScan(ctx context.Context, req CreateScanRequest) (*domain.ScanRecord, error) {
	depth := s.opts.DefaultDepth
	if req.Depth != "" {
		parsed, err := domain.ParseScanDepth(req.Depth)
		if err != nil {
			return nil, err
		}
		depth = parsed
	}

	fileSystem := s.opts.FileSystem
	if req.FileSystem != nil {
		fileSystem = *req.FileSystem && s.opts.FileSystem
	}

	record := &domain.ScanRecord{
		ID:                uuid.New().String(),
		DeviceID:          s.opts.DeviceID,
		Depth:             depth,
		Status:            domain.ScanStatusQueued,
		FileSystemCapable: fileSystem,
		CreatedAt:         time.Now().UTC(),
	}

	if err := s.repo.Create(ctx, record); err != nil {
		s.logger.WithError(err).Error("Failed to create scan")
		return nil, fmt.Errorf("create scan: %w", err)
	}

	job := worker.Job{ScanID: record.ID, Depth: depth, FileSystem: fileSystem}
	if err := s.dispatcher.Dispatch(ctx, job); err != nil {
		s.markFailed(ctx, record.ID, fmt.Sprintf("dispatch failed: %v", err))
		return nil, fmt.Errorf("dispatch scan: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"scan_id": record.ID,
		"depth":   depth,
	}).Info("Scan created")
	return record, nil
}

// Execute 运行一次排队中的扫描，由 worker 池调用
func (s *ScanService) Execute(ctx context.Context, job *worker.Job) error {
	log := s.logger.WithField("scan_id", job.ScanID)

	scanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// 先登记取消函数，再切换为 running，避免取消请求落在两者之间
	s.mu.Lock()
	s.cancels[job.ScanID] = cancel
	s.mu.Unlock()
	s.hub.Open(job.ScanID)
	defer s.unregister(job.ScanID)

	ok, err := s.repo.TransitionStatus(ctx, job.ScanID, domain.ScanStatusRunning, domain.ScanStatusQueued)
	if err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	if !ok {
		log.Warn("Scan is no longer queued, skipping")
		return nil
	}

	started := time.Now()
	if s.opts.Metrics != nil {
		s.opts.Metrics.RecordScanStarted()
	}

	status, err := s.run(scanCtx, job)

	// 关停时 ctx 可能已取消，结果仍需落库
	persistCtx := context.WithoutCancel(ctx)
	if err != nil {
		s.markFailed(persistCtx, job.ScanID, err.Error())
		status = domain.ScanStatusFailed
	}
	if s.opts.Metrics != nil {
		s.opts.Metrics.RecordScanFinished(status, time.Since(started))
	}

	log.WithFields(logrus.Fields{
		"status":   status,
		"duration": time.Since(started).Seconds(),
	}).Info("Scan finished")
	return err
}

// run 消费事件流并保存报告
func (s *ScanService) run(ctx context.Context, job *worker.Job) (domain.ScanStatus, error) {
	events, err := s.runner.Run(ctx, job.Config())
	if err != nil {
		return domain.ScanStatusFailed, err
	}

	var report *domain.ScanReport
	for ev := range events {
		s.hub.Publish(job.ScanID, ev)
		if ev.Type == domain.EventScanCompleted {
			report = ev.Report
		}
	}
	if report == nil {
		return domain.ScanStatusFailed, errors.New("scan ended without a report")
	}

	status := domain.ScanStatusCompleted
	if report.Cancelled {
		status = domain.ScanStatusCancelled
	}
	if err := s.saveReport(context.WithoutCancel(ctx), job.ScanID, status, report); err != nil {
		return domain.ScanStatusFailed, err
	}
	return status, nil
}

func (s *ScanService) saveReport(ctx context.Context, id string, status domain.ScanStatus, report *domain.ScanReport) error {
	record, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return fmt.Errorf("load scan: %w", err)
	}

	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}

	completed := report.EndedAt
	record.ApplyReport(report)
	record.ReportJSON = string(body)
	record.Status = status
	record.CompletedAt = &completed

	if err := s.repo.Update(ctx, record); err != nil {
		return fmt.Errorf("save report: %w", err)
	}
	return nil
}

func (s *ScanService) markFailed(ctx context.Context, id, message string) {
	record, err := s.repo.FindByID(ctx, id)
	if err != nil {
		s.logger.WithError(err).WithField("scan_id", id).Error("Failed to load scan for failure update")
		return
	}
	now := time.Now().UTC()
	record.Status = domain.ScanStatusFailed
	record.ErrorMessage = message
	record.CompletedAt = &now
	if err := s.repo.Update(ctx, record); err != nil {
		s.logger.WithError(err).WithField("scan_id", id).Error("Failed to mark scan failed")
	}
}

func (s *ScanService) unregister(id string) {
	s.mu.Lock()
	delete(s.cancels, id)
	s.mu.Unlock()
	s.hub.Close(id)
}

// CancelScan 取消扫描：运行中的通过 context 取消，排队中的直接置为 cancelled
func (s *ScanService) CancelScan(ctx context.Context, id string) error {
	s.mu.Lock()
	cancel, running := s.cancels[id]
	s.mu.Unlock()

	if running {
		cancel()
		s.logger.WithField("scan_id", id).Info("Cancellation requested for running scan")
		return nil
	}

	ok, err := s.repo.TransitionStatus(ctx, id, domain.ScanStatusCancelled, domain.ScanStatusQueued)
	if err != nil {
		return err
	}
	if ok {
		s.logger.WithField("scan_id", id).Info("Queued scan cancelled")
		return nil
	}

	// 不存在或已结束
	record, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if record.Status.IsFinal() {
		return ErrScanFinished
	}
	// running 但不在本进程（例如其它实例在执行）
	return fmt.Errorf("scan %s is %s on another worker", id, record.Status)
}

// GetScan 获取记录与完整报告（未完成时报告为 nil）
func (s *ScanService) GetScan(ctx context.Context, id string) (*domain.ScanRecord, *domain.ScanReport, error) {
	record, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if record.ReportJSON == "" {
		return record, nil, nil
	}

	var report domain.ScanReport
	if err := json.Unmarshal([]byte(record.ReportJSON), &report); err != nil {
		return record, nil, fmt.Errorf("decode report: %w", err)
	}
	return record, &report, nil
}

// ListScans 分页列出扫描
func (s *ScanService) ListScans(ctx context.Context, filter repository.ListFilter) ([]*domain.ScanRecord, int64, error) {
	return s.repo.List(ctx, filter)
}

// StatusCounts 各状态数量
func (s *ScanService) StatusCounts(ctx context.Context) (map[domain.ScanStatus]int64, int64, error) {
	return s.repo.GetStatusCounts(ctx)
}

// DeleteScan 删除扫描，运行中的先取消
func (s *ScanService) DeleteScan(ctx context.Context, id string) error {
	s.mu.Lock()
	cancel, running := s.cancels[id]
	s.mu.Unlock()
	if running {
		cancel()
	}

	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.WithField("scan_id", id).Info("Scan deleted")
	return nil
}

// Subscribe 订阅扫描进度，扫描结束时通道关闭
func (s *ScanService) Subscribe(id string) (<-chan domain.ProgressEvent, func()) {
	return s.hub.Subscribe(id)
}

// Requeue 重新派发中断的扫描（进程退出时仍处于 queued/running）
func (s *ScanService) Requeue(ctx context.Context) (int, error) {
	records, err := s.repo.ListByStatus(ctx, domain.ScanStatusQueued, domain.ScanStatusRunning)
	if err != nil {
		return 0, err
	}

	requeued := 0
	for _, record := range records {
		if record.Status == domain.ScanStatusRunning {
			if _, err := s.repo.TransitionStatus(ctx, record.ID, domain.ScanStatusQueued, domain.ScanStatusRunning); err != nil {
				return requeued, err
			}
		}

		job := worker.Job{ScanID: record.ID, Depth: record.Depth, FileSystem: record.FileSystemCapable}
		if err := s.dispatcher.Dispatch(ctx, job); err != nil {
			s.logger.WithError(err).WithField("scan_id", record.ID).Warn("Failed to requeue scan")
			continue
		}
		requeued++
	}

	s.logger.WithFields(logrus.Fields{
		"found":    len(records),
		"requeued": requeued,
	}).Info("Interrupted scans requeued")
	return requeued, nil
}

// RetryFailed 把失败的扫描重置为 queued 并重新派发
func (s *ScanService) RetryFailed(ctx context.Context) (int, error) {
	records, err := s.repo.ListByStatus(ctx, domain.ScanStatusFailed)
	if err != nil {
		return 0, err
	}

	retried := 0
	for _, record := range records {
		ok, err := s.repo.TransitionStatus(ctx, record.ID, domain.ScanStatusQueued, domain.ScanStatusFailed)
		if err != nil {
			return retried, err
		}
		if !ok {
			continue
		}

		job := worker.Job{ScanID: record.ID, Depth: record.Depth, FileSystem: record.FileSystemCapable}
		if err := s.dispatcher.Dispatch(ctx, job); err != nil {
			s.logger.WithError(err).WithField("scan_id", record.ID).Warn("Failed to dispatch retried scan")
			s.markFailed(ctx, record.ID, fmt.Sprintf("dispatch: %v", err))
			continue
		}
		retried++
	}

	s.logger.WithFields(logrus.Fields{
		"found":   len(records),
		"retried": retried,
	}).Info("Failed scans requeued")
	return retried, nil
}
