package scan

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/apk-analysis/device-posture-go/internal/domain"
	"github.com/apk-analysis/device-posture-go/internal/network"
	"github.com/apk-analysis/device-posture-go/internal/provider"
	"github.com/apk-analysis/device-posture-go/internal/risk"
	"github.com/apk-analysis/device-posture-go/internal/signature"
)

// eventBuffer 进度流缓冲
const eventBuffer = 64

// abandonAfter 扫描取消后等待调用方读取事件的时长，超时后丢弃剩余事件
var abandonAfter = 5 * time.Second

// CorpusSource 特征库来源
type CorpusSource interface {
	Snapshot() *signature.Corpus
}

// MetricsRecorder 扫描指标（可选）
type MetricsRecorder interface {
	ObservePhase(phase domain.PhaseID, status domain.PhaseStatus, duration time.Duration)
	ObserveScan(report *domain.ScanReport)
}

// Option 编排器选项
type Option func(*Orchestrator)

// WithMetrics 设置指标记录器
func WithMetrics(m MetricsRecorder) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithNetworkOptions 设置网络扫描参数
func WithNetworkOptions(opts network.Options) Option {
	return func(o *Orchestrator) { o.networkOpts = opts }
}

// WithClock 替换时钟（测试用）
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// Orchestrator 扫描编排器：按固定顺序执行各阶段，隔离单阶段失败，输出进度流和最终报告
type Orchestrator struct {
	providers   provider.Providers
	signatures  CorpusSource
	networkOpts network.Options
	metrics     MetricsRecorder
	logger      *logrus.Logger
	now         func() time.Time
}

// NewOrchestrator 创建编排器
func NewOrchestrator(providers provider.Providers, signatures CorpusSource, logger *logrus.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		providers:   providers,
		signatures:  signatures,
		networkOpts: network.DefaultOptions(),
		logger:      logger,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run 启动扫描，返回进度流；流的最后一个事件是 ScanCompleted，随后关闭。
// 只有配置不合法时返回错误。调用方应读完整个流；取消 ctx 后可以停止读取
func (o *Orchestrator) Run(ctx context.Context, cfg domain.ScanConfig) (<-chan domain.ProgressEvent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if o.signatures == nil {
		return nil, fmt.Errorf("%w: signature store is required", domain.ErrConfiguration)
	}

	events := make(chan domain.ProgressEvent, eventBuffer)
	go o.run(ctx, cfg, events)
	return events, nil
}

// RunSync 同步执行扫描，丢弃进度事件，返回最终报告
func (o *Orchestrator) RunSync(ctx context.Context, cfg domain.ScanConfig) (*domain.ScanReport, error) {
	events, err := o.Run(ctx, cfg)
	if err != nil {
		return nil, err
	}
	var report *domain.ScanReport
	for ev := range events {
		if ev.Type == domain.EventScanCompleted {
			report = ev.Report
		}
	}
	return report, nil
}

func (o *Orchestrator) run(ctx context.Context, cfg domain.ScanConfig, events chan<- domain.ProgressEvent) {
	defer close(events)

	startedAt := o.now()
	log := o.logger.WithFields(logrus.Fields{
		"scan_id": cfg.ScanID,
		"depth":   cfg.Depth,
	})
	log.Info("🔍 Scan started")

	// 同一扫描内所有阶段共享一份特征库快照和应用清单
	providers := o.providers
	if providers.Apps != nil {
		providers.Apps = &cachedInventory{inner: providers.Apps}
	}
	e := &env{
		config:    cfg,
		corpus:    o.signatures.Snapshot(),
		providers: providers,
	}

	abandoned := false
	emit := func(ev domain.ProgressEvent) {
		if abandoned {
			return
		}
		ev.ScanID = cfg.ScanID
		ev.Timestamp = o.now()
		select {
		case events <- ev:
			return
		case <-ctx.Done():
		}
		// 已取消：仍在读取的调用方能拿到剩余事件，停止读取的调用方不会阻塞扫描
		select {
		case events <- ev:
		case <-time.After(abandonAfter):
			abandoned = true
			log.WithField("event", ev.Type).Warn("Progress stream abandoned, dropping remaining events")
		}
	}

	results := make(map[domain.PhaseID]*domain.PhaseResult)
	status := make(map[domain.PhaseID]domain.PhaseStatus)
	cancelled := false
	itemsSoFar, findingsSoFar := 0, 0

	for _, phase := range domain.PhaseOrder {
		phase := phase
		if phase == domain.PhaseAggregate {
			break
		}
		if cancelled || ctx.Err() != nil {
			cancelled = true
			status[phase] = domain.PhaseStatusNotRun
			continue
		}

		phaseLog := log.WithField("phase", phase)
		emit(domain.ProgressEvent{Type: domain.EventPhaseStarted, Phase: phase})
		phaseStart := o.now()

		if reason := skipReason(cfg, providers, phase); reason != "" {
			status[phase] = domain.PhaseStatusSkipped
			phaseLog.WithField("reason", reason).Info("Phase skipped")
			emit(domain.ProgressEvent{
				Type:           domain.EventPhaseFinished,
				Phase:          phase,
				Status:         domain.PhaseStatusSkipped,
				ItemsProcessed: itemsSoFar,
				FindingsSoFar:  findingsSoFar,
			})
			o.observePhase(phase, domain.PhaseStatusSkipped, phaseStart)
			continue
		}

		e.progress = func(label string, count int) {
			emit(domain.ProgressEvent{Type: domain.EventItemProcessed, Phase: phase, Label: label, Count: count})
		}
		result, err := o.runPhase(ctx, phase, e)

		switch {
		case ctx.Err() != nil:
			// 阶段内取消时结果可能不完整，一律丢弃
			cancelled = true
			status[phase] = domain.PhaseStatusCancelled
			result = nil
			phaseLog.Warn("Phase cancelled")
		case err != nil:
			status[phase] = domain.PhaseStatusFailed
			result = domain.FailedPhaseResult(phase, err)
			phaseLog.WithError(err).Error("Phase failed")
		case result == nil:
			status[phase] = domain.PhaseStatusFailed
			result = domain.FailedPhaseResult(phase, errors.New("checker returned no result"))
			phaseLog.Error("Phase returned no result")
		default:
			result.Phase = phase
			status[phase] = domain.PhaseStatusCompleted
		}
		results[phase] = result

		subScore := 0
		if result != nil && result.Succeeded {
			for i := range result.Findings {
				finding := result.Findings[i]
				emit(domain.ProgressEvent{Type: domain.EventFindingDetected, Phase: phase, Finding: &finding})
			}
			itemsSoFar += result.ItemsProcessed
			findingsSoFar += len(result.Findings)
			subScore = result.SubScore
			phaseLog.WithFields(logrus.Fields{
				"sub_score": subScore,
				"findings":  len(result.Findings),
				"items":     result.ItemsProcessed,
			}).Info("Phase completed")
		}

		emit(domain.ProgressEvent{
			Type:           domain.EventPhaseFinished,
			Phase:          phase,
			SubScore:       subScore,
			Status:         status[phase],
			ItemsProcessed: itemsSoFar,
			FindingsSoFar:  findingsSoFar,
		})
		o.observePhase(phase, status[phase], phaseStart)
	}

	if !cancelled && ctx.Err() != nil {
		cancelled = true
	}

	in := risk.Input{
		ScanID:    cfg.ScanID,
		Depth:     cfg.Depth,
		StartedAt: startedAt,
		Results:   results,
		Status:    status,
		Cancelled: cancelled,
	}
	if !cancelled {
		emit(domain.ProgressEvent{Type: domain.EventPhaseStarted, Phase: domain.PhaseAggregate})
	}
	aggStart := o.now()
	in.EndedAt = aggStart
	report := risk.Aggregate(in)
	if !cancelled {
		emit(domain.ProgressEvent{
			Type:           domain.EventPhaseFinished,
			Phase:          domain.PhaseAggregate,
			SubScore:       report.OverallScore,
			Status:         domain.PhaseStatusCompleted,
			ItemsProcessed: itemsSoFar,
			FindingsSoFar:  findingsSoFar,
		})
		o.observePhase(domain.PhaseAggregate, domain.PhaseStatusCompleted, aggStart)
	}

	if o.metrics != nil {
		o.metrics.ObserveScan(report)
	}
	log.WithFields(logrus.Fields{
		"overall_score": report.OverallScore,
		"overall_level": report.OverallLevel,
		"critical":      report.IssueCounts.Critical,
		"high":          report.IssueCounts.High,
		"cancelled":     report.Cancelled,
		"duration":      report.Duration().String(),
	}).Info("✅ Scan finished")

	emit(domain.ProgressEvent{Type: domain.EventScanCompleted, Report: report})
}

// runPhase 执行阶段并把 panic 转换为错误
func (o *Orchestrator) runPhase(ctx context.Context, phase domain.PhaseID, e *env) (result *domain.PhaseResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.WithFields(logrus.Fields{
				"phase": phase,
				"panic": r,
				"stack": string(debug.Stack()),
			}).Error("Phase panicked")
			result = nil
			err = fmt.Errorf("phase %s panicked: %v", phase, r)
		}
	}()

	runner, ok := phaseRunners[phase]
	if !ok {
		return nil, fmt.Errorf("no runner for phase %s", phase)
	}
	return runner(ctx, o, e)
}

func (o *Orchestrator) observePhase(phase domain.PhaseID, status domain.PhaseStatus, start time.Time) {
	if o.metrics != nil {
		o.metrics.ObservePhase(phase, status, o.now().Sub(start))
	}
}
