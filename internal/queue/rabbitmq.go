package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// ErrNotConnected 当前没有可用 channel
var ErrNotConnected = errors.New("rabbitmq channel not available")

// Options 连接参数
type Options struct {
	URL           string
	Queue         string
	Prefetch      int           // 应与 worker 数量一致
	Heartbeat     time.Duration // 默认 10 秒
	MaxReconnects int
}

// RabbitMQ 带自动重连的 RabbitMQ 客户端
type RabbitMQ struct {
	opts   Options
	logger *logrus.Logger

	mu      sync.RWMutex
	conn    *amqp.Connection
	channel *amqp.Channel
	closed  bool

	reconnected chan struct{}
}

// NewRabbitMQ 连接并声明持久化队列
func NewRabbitMQ(opts Options, logger *logrus.Logger) (*RabbitMQ, error) {
	if opts.Prefetch <= 0 {
		opts.Prefetch = 1
	}
	if opts.Heartbeat == 0 {
		opts.Heartbeat = 10 * time.Second
	}
	if opts.MaxReconnects <= 0 {
		opts.MaxReconnects = 10
	}

	mq := &RabbitMQ{
		opts:        opts,
		logger:      logger,
		reconnected: make(chan struct{}, 1),
	}
	if err := mq.connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	go mq.watch()
	return mq, nil
}

func (mq *RabbitMQ) connect() error {
	conn, err := amqp.DialConfig(mq.opts.URL, amqp.Config{
		Heartbeat: mq.opts.Heartbeat,
		Locale:    "en_US",
	})
	if err != nil {
		return fmt.Errorf("failed to dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.Qos(mq.opts.Prefetch, 0, false); err != nil {
		conn.Close()
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	_, err = ch.QueueDeclare(
		mq.opts.Queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	mq.mu.Lock()
	mq.conn = conn
	mq.channel = ch
	mq.mu.Unlock()

	mq.logger.WithFields(logrus.Fields{
		"queue":    mq.opts.Queue,
		"prefetch": mq.opts.Prefetch,
	}).Info("Connected to RabbitMQ")
	return nil
}

// watch 连接断开后重连，直到 Close
func (mq *RabbitMQ) watch() {
	for {
		mq.mu.RLock()
		conn := mq.conn
		mq.mu.RUnlock()
		if conn == nil {
			return
		}

		err := <-conn.NotifyClose(make(chan *amqp.Error, 1))
		if mq.isClosed() {
			mq.logger.Info("RabbitMQ watcher stopped")
			return
		}

		mq.logger.WithField("error", err).Warn("RabbitMQ connection lost, reconnecting")
		if rerr := mq.reconnect(); rerr != nil {
			mq.logger.WithError(rerr).Error("Giving up on RabbitMQ reconnect")
			return
		}

		select {
		case mq.reconnected <- struct{}{}:
		default:
		}
	}
}

func (mq *RabbitMQ) reconnect() error {
	for attempt := 1; attempt <= mq.opts.MaxReconnects; attempt++ {
		if mq.isClosed() {
			return errors.New("client closed")
		}
		if err := mq.connect(); err != nil {
			mq.logger.WithError(err).WithField("attempt", attempt).Warn("Reconnect failed")
			time.Sleep(time.Duration(attempt) * time.Second)
			continue
		}
		mq.logger.Info("Reconnected to RabbitMQ")
		return nil
	}
	return fmt.Errorf("failed to reconnect after %d attempts", mq.opts.MaxReconnects)
}

func (mq *RabbitMQ) isClosed() bool {
	mq.mu.RLock()
	defer mq.mu.RUnlock()
	return mq.closed
}

// Reconnected 每次重连成功后收到一个信号，消费者据此重新订阅
func (mq *RabbitMQ) Reconnected() <-chan struct{} {
	return mq.reconnected
}

// Publish 发布持久化 JSON 消息
func (mq *RabbitMQ) Publish(ctx context.Context, body []byte) error {
	mq.mu.RLock()
	ch := mq.channel
	mq.mu.RUnlock()
	if ch == nil {
		return ErrNotConnected
	}

	return ch.PublishWithContext(
		ctx,
		"",            // exchange
		mq.opts.Queue, // routing key
		false,         // mandatory
		false,         // immediate
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
}

// Consume 手动确认模式消费
func (mq *RabbitMQ) Consume() (<-chan amqp.Delivery, error) {
	mq.mu.RLock()
	ch := mq.channel
	mq.mu.RUnlock()
	if ch == nil {
		return nil, ErrNotConnected
	}

	msgs, err := ch.Consume(
		mq.opts.Queue,
		"",    // consumer
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to consume: %w", err)
	}
	return msgs, nil
}

// QueueDepth 队列中等待的消息数
func (mq *RabbitMQ) QueueDepth() (int, error) {
	mq.mu.RLock()
	ch := mq.channel
	mq.mu.RUnlock()
	if ch == nil {
		return 0, ErrNotConnected
	}

	q, err := ch.QueueDeclarePassive(mq.opts.Queue, true, false, false, false, nil)
	if err != nil {
		return 0, err
	}
	return q.Messages, nil
}

// Purge 清空队列，返回被丢弃的消息数
func (mq *RabbitMQ) Purge() (int, error) {
	mq.mu.RLock()
	ch := mq.channel
	mq.mu.RUnlock()
	if ch == nil {
		return 0, ErrNotConnected
	}
	return ch.QueuePurge(mq.opts.Queue, false)
}

// Close 关闭连接
func (mq *RabbitMQ) Close() error {
	mq.mu.Lock()
	mq.closed = true
	conn := mq.conn
	mq.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			mq.logger.WithError(err).Error("Failed to close connection")
			return err
		}
	}

	mq.logger.Info("RabbitMQ connection closed")
	return nil
}
