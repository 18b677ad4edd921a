package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/apk-analysis/device-posture-go/internal/domain"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPolicy(attempts int) Policy {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return Policy{
		Attempts: attempts,
		Initial:  time.Millisecond,
		Max:      5 * time.Millisecond,
		Backoff:  BackoffExponential,
		Logger:   logger,
	}
}

func TestDo_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), testPolicy(3), func(ctx context.Context) error {
		calls++
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_RetriesTransientErrors(t *testing.T) {
	calls := 0
	err := Do(context.Background(), testPolicy(5), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return Transient(errors.New("device offline"))
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_StopsOnPermanentError(t *testing.T) {
	calls := 0
	err := Do(context.Background(), testPolicy(5), func(ctx context.Context) error {
		calls++
		return fmt.Errorf("getprop: %w", domain.ErrProbeUnavailable)
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrProbeUnavailable)
	assert.Equal(t, 1, calls)
}

func TestDo_MaxAttemptsReached(t *testing.T) {
	calls := 0
	err := Do(context.Background(), testPolicy(3), func(ctx context.Context) error {
		calls++
		return domain.ErrProviderTimeout
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Contains(t, err.Error(), "max attempts")
	assert.ErrorIs(t, err, domain.ErrProviderTimeout)
}

func TestDo_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := Do(ctx, testPolicy(3), func(ctx context.Context) error {
		calls++
		return nil
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls)
}

func TestDoValue_ReturnsResult(t *testing.T) {
	calls := 0
	v, err := DoValue(context.Background(), testPolicy(3), func(ctx context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", Transient(io.ErrClosedPipe)
		}
		return "1", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "1", v)
	assert.Equal(t, 2, calls)
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transient", Transient(errors.New("x")), true},
		{"wrapped transient", fmt.Errorf("adb: %w", Transient(errors.New("x"))), true},
		{"provider timeout", domain.ErrProviderTimeout, true},
		{"unexpected eof", io.ErrUnexpectedEOF, true},
		{"unavailable", domain.ErrProbeUnavailable, false},
		{"configuration", domain.ErrConfiguration, false},
		{"canceled", context.Canceled, false},
		{"plain", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Retryable(tt.err))
		})
	}
}

func TestPolicy_Interval(t *testing.T) {
	p := Policy{Initial: 10 * time.Millisecond, Max: 50 * time.Millisecond}

	p.Backoff = BackoffFixed
	assert.Equal(t, 10*time.Millisecond, p.interval(3))

	p.Backoff = BackoffLinear
	assert.Equal(t, 30*time.Millisecond, p.interval(3))

	p.Backoff = BackoffExponential
	assert.Equal(t, 20*time.Millisecond, p.interval(2))
	assert.Equal(t, 50*time.Millisecond, p.interval(4))
}
