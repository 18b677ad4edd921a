package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// ScanHandler 处理一条扫描消息，返回后消息才被确认
type ScanHandler func(ctx context.Context, msg *ScanMessage) error

// Source 消息来源
type Source interface {
	Consume() (<-chan amqp.Delivery, error)
	Reconnected() <-chan struct{}
}

// Consumer 消息消费者
type Consumer struct {
	src     Source
	handler ScanHandler
	workers int
	logger  *logrus.Logger

	wg     sync.WaitGroup
	active atomic.Int32
}

// NewConsumer 创建消费者
func NewConsumer(src Source, handler ScanHandler, workers int, logger *logrus.Logger) *Consumer {
	if workers <= 0 {
		workers = 1
	}
	return &Consumer{
		src:     src,
		handler: handler,
		workers: workers,
		logger:  logger,
	}
}

// Run 消费直到 ctx 结束；连接重建后重新订阅
func (c *Consumer) Run(ctx context.Context) error {
	for {
		msgs, err := c.src.Consume()
		if err != nil {
			return err
		}

		c.logger.WithField("workers", c.workers).Info("Consumer started")
		for i := 0; i < c.workers; i++ {
			c.wg.Add(1)
			go c.worker(ctx, i, msgs)
		}

		select {
		case <-ctx.Done():
			c.wg.Wait()
			c.logger.Info("Consumer stopped")
			return nil
		case <-c.src.Reconnected():
			// 旧连接的投递通道已关闭，worker 会自行退出
			c.wg.Wait()
			c.logger.Warn("Resubscribing after reconnect")
		}
	}
}

func (c *Consumer) worker(ctx context.Context, id int, msgs <-chan amqp.Delivery) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-msgs:
			if !ok {
				return
			}
			c.process(ctx, id, d)
		}
	}
}

// process 处理单条消息：格式错误直接丢弃，处理失败不重新入队
func (c *Consumer) process(ctx context.Context, workerID int, d amqp.Delivery) {
	c.active.Add(1)
	defer c.active.Add(-1)
	start := time.Now()

	var msg ScanMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		c.logger.WithError(err).Error("Failed to unmarshal message")
		d.Nack(false, false)
		return
	}
	if err := msg.Validate(); err != nil {
		c.logger.WithError(err).WithField("scan_id", msg.ScanID).Error("Rejecting invalid scan message")
		d.Nack(false, false)
		return
	}

	log := c.logger.WithFields(logrus.Fields{
		"worker_id": workerID,
		"scan_id":   msg.ScanID,
	})

	if err := c.handler(ctx, &msg); err != nil {
		// 关停导致的中断重新入队，交给下次启动
		requeue := errors.Is(err, context.Canceled) && ctx.Err() != nil
		log.WithError(err).WithField("requeue", requeue).Error("Scan processing failed")
		d.Nack(false, requeue)
		return
	}

	if err := d.Ack(false); err != nil {
		log.WithError(err).Error("Failed to acknowledge message")
	}
	log.WithField("duration", time.Since(start).Seconds()).Info("Scan message processed")
}

// Active 正在处理的消息数
func (c *Consumer) Active() int {
	return int(c.active.Load())
}
