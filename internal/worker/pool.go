package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/apk-analysis/device-posture-go/internal/domain"
	"github.com/sirupsen/logrus"
)

// ErrQueueFull 池内排队已满
var ErrQueueFull = errors.New("scan queue is full")

// ErrPoolStopped 池已停止
var ErrPoolStopped = errors.New("worker pool stopped")

// Job 一次待执行的扫描
type Job struct {
	ScanID     string           `json:"scan_id"`
	Depth      domain.ScanDepth `json:"depth"`
	FileSystem bool             `json:"file_system"`

	resultCh chan error // 用于同步等待任务完成
}

// Config 转换为编排器使用的扫描配置
func (j *Job) Config() domain.ScanConfig {
	return domain.ScanConfig{
		ScanID:       j.ScanID,
		Depth:        j.Depth,
		Capabilities: domain.Capabilities{FileSystem: j.FileSystem},
	}
}

// Runner 执行扫描
type Runner interface {
	Execute(ctx context.Context, job *Job) error
}

// Pool Worker 池
type Pool struct {
	workers  int
	taskChan chan *Job
	logger   *logrus.Logger
	wg       sync.WaitGroup

	active  atomic.Int32
	stopped atomic.Bool
	mu      sync.RWMutex // 保护 taskChan 关闭
}

// NewPool 创建 Worker 池
func NewPool(workers, queueSize int, logger *logrus.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	return &Pool{
		workers:  workers,
		taskChan: make(chan *Job, queueSize),
		logger:   logger,
	}
}

// Start 启动 Worker 池
func (p *Pool) Start(ctx context.Context, runner Runner) {
	p.logger.WithField("workers", p.workers).Info("Starting worker pool")

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i, runner)
	}
}

func (p *Pool) worker(ctx context.Context, id int, runner Runner) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			p.logger.WithField("worker_id", id).Info("Worker shutting down")
			return

		case job, ok := <-p.taskChan:
			if !ok {
				return
			}
			p.run(ctx, id, runner, job)
		}
	}
}

func (p *Pool) run(ctx context.Context, id int, runner Runner, job *Job) {
	p.active.Add(1)
	defer p.active.Add(-1)

	log := p.logger.WithFields(logrus.Fields{
		"worker_id": id,
		"scan_id":   job.ScanID,
		"depth":     job.Depth,
	})
	log.Info("Processing scan")

	err := runner.Execute(ctx, job)
	if err != nil {
		log.WithError(err).Error("Scan execution failed")
	} else {
		log.Info("Scan finished")
	}

	if job.resultCh != nil {
		job.resultCh <- err
		close(job.resultCh)
	}
}

// Submit 提交任务（异步，不等待结果）
func (p *Pool) Submit(job *Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped.Load() {
		return ErrPoolStopped
	}

	select {
	case p.taskChan <- job:
		p.logger.WithField("scan_id", job.ScanID).Debug("Scan submitted to pool")
		return nil
	default:
		return ErrQueueFull
	}
}

// Dispatch 未启用消息队列时直接提交到池
func (p *Pool) Dispatch(ctx context.Context, job Job) error {
	return p.Submit(&job)
}

// SubmitAndWait 提交任务并等待完成
func (p *Pool) SubmitAndWait(ctx context.Context, job *Job) error {
	job.resultCh = make(chan error, 1)

	p.mu.RLock()
	if p.stopped.Load() {
		p.mu.RUnlock()
		return ErrPoolStopped
	}
	select {
	case p.taskChan <- job:
		p.mu.RUnlock()
	case <-ctx.Done():
		p.mu.RUnlock()
		return ctx.Err()
	}

	select {
	case err := <-job.resultCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop 停止接收任务并等待 worker 退出
func (p *Pool) Stop() {
	p.logger.Info("Stopping worker pool")

	p.mu.Lock()
	if !p.stopped.Swap(true) {
		close(p.taskChan)
	}
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("Worker pool stopped")
}

// Size worker 数量
func (p *Pool) Size() int {
	return p.workers
}

// Active 正在执行的任务数
func (p *Pool) Active() int {
	return int(p.active.Load())
}

// QueueSize 获取队列中任务数
func (p *Pool) QueueSize() int {
	return len(p.taskChan)
}
