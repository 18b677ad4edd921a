package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/apk-analysis/device-posture-go/internal/domain"
	"github.com/apk-analysis/device-posture-go/internal/worker"
	"github.com/sirupsen/logrus"
)

// ScanMessage 扫描请求消息
type ScanMessage struct {
	ScanID      string           `json:"scan_id"`
	Depth       domain.ScanDepth `json:"depth"`
	FileSystem  bool             `json:"file_system"`
	RequestedAt time.Time        `json:"requested_at"`
}

// Job 转换为 worker 任务
func (m *ScanMessage) Job() *worker.Job {
	return &worker.Job{ScanID: m.ScanID, Depth: m.Depth, FileSystem: m.FileSystem}
}

// Validate 拒绝无法执行的消息
func (m *ScanMessage) Validate() error {
	return m.Job().Config().Validate()
}

// Publisher 消息发布端
type Publisher interface {
	Publish(ctx context.Context, body []byte) error
}

// Producer 消息生产者
type Producer struct {
	pub    Publisher
	logger *logrus.Logger
}

// NewProducer 创建生产者
func NewProducer(pub Publisher, logger *logrus.Logger) *Producer {
	return &Producer{
		pub:    pub,
		logger: logger,
	}
}

// Dispatch 把扫描任务发布到队列
func (p *Producer) Dispatch(ctx context.Context, job worker.Job) error {
	msg := &ScanMessage{
		ScanID:      job.ScanID,
		Depth:       job.Depth,
		FileSystem:  job.FileSystem,
		RequestedAt: time.Now().UTC(),
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if err := p.pub.Publish(ctx, body); err != nil {
		p.logger.WithError(err).WithField("scan_id", msg.ScanID).Error("Failed to publish scan")
		return fmt.Errorf("failed to publish: %w", err)
	}

	p.logger.WithFields(logrus.Fields{
		"scan_id": msg.ScanID,
		"depth":   msg.Depth,
	}).Info("Scan published to queue")
	return nil
}
