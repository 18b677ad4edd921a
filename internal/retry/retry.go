package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/apk-analysis/device-posture-go/internal/domain"
	"github.com/sirupsen/logrus"
)

// Backoff 退避方式
type Backoff string

const (
	BackoffFixed       Backoff = "fixed"
	BackoffLinear      Backoff = "linear"
	BackoffExponential Backoff = "exponential"
)

// Policy 重试策略
type Policy struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration
	Backoff  Backoff
	Logger   *logrus.Logger
}

// DefaultPolicy 设备命令的默认策略：短间隔、少次数
func DefaultPolicy(logger *logrus.Logger) Policy {
	return Policy{
		Attempts: 3,
		Initial:  200 * time.Millisecond,
		Max:      2 * time.Second,
		Backoff:  BackoffExponential,
		Logger:   logger,
	}
}

// transientError 标记为可重试
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient 将错误标记为暂时性错误
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// Retryable 判断错误是否值得重试
func Retryable(err error) bool {
	if err == nil {
		return false
	}

	var t *transientError
	if errors.As(err, &t) {
		return true
	}

	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, domain.ErrConfiguration),
		errors.Is(err, domain.ErrProbeUnavailable):
		return false
	case errors.Is(err, domain.ErrProviderTimeout),
		errors.Is(err, io.ErrUnexpectedEOF):
		return true
	default:
		return false
	}
}

// Do 按策略执行 fn，直到成功、遇到不可重试错误或次数耗尽
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	_, err := DoValue(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoValue 带返回值的 Do
func DoValue[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("retry canceled: %w", err)
		}

		v, err := fn(ctx)
		if err == nil {
			if attempt > 1 && p.Logger != nil {
				p.Logger.WithField("attempt", attempt).Debug("Operation succeeded after retry")
			}
			return v, nil
		}
		lastErr = err

		if !Retryable(err) {
			return zero, err
		}
		if attempt == attempts {
			break
		}

		wait := p.interval(attempt)
		if p.Logger != nil {
			p.Logger.WithFields(logrus.Fields{
				"attempt": attempt,
				"max":     attempts,
				"wait":    wait,
				"error":   err.Error(),
			}).Warn("Transient failure, retrying")
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, fmt.Errorf("retry canceled during wait: %w", ctx.Err())
		case <-timer.C:
		}
	}

	return zero, fmt.Errorf("max attempts (%d) reached: %w", attempts, lastErr)
}

// interval 第 attempt 次失败后的等待时间
func (p Policy) interval(attempt int) time.Duration {
	var next time.Duration
	switch p.Backoff {
	case BackoffLinear:
		next = p.Initial * time.Duration(attempt)
	case BackoffExponential:
		next = p.Initial * time.Duration(1<<(attempt-1))
	default:
		next = p.Initial
	}
	if p.Max > 0 && next > p.Max {
		next = p.Max
	}
	return next
}
