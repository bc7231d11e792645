package resilience

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/blipee-dev/blipee-fabric/pkg/errors"
)

func TestRetrier_SucceedsFirstAttempt(t *testing.T) {
	retrier := NewRetrier(DefaultRetryConfig())

	var calls int32
	err := retrier.Execute(context.Background(), "test-op", func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestRetrier_FailsTwiceThenSucceeds(t *testing.T) {
	retrier := NewRetrier(RetryConfig{
		MaxAttempts:       3,
		InitialDelay:      100 * time.Millisecond,
		MaxDelay:          time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            false,
	})

	var calls int32
	start := time.Now()
	err := retrier.Execute(context.Background(), "test-op", func(ctx context.Context) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return apperrors.NewExternalError("dep", "transient failure")
		}
		return nil
	})
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	// Backoff sleeps: 100ms + 200ms
	assert.GreaterOrEqual(t, elapsed, 300*time.Millisecond)
}

func TestRetrier_ExhaustionReturnsTypedError(t *testing.T) {
	retrier := NewRetrier(RetryConfig{
		MaxAttempts:       3,
		InitialDelay:      time.Millisecond,
		BackoffMultiplier: 2.0,
	})

	var calls int32
	cause := apperrors.NewExternalError("dep", "always failing")
	err := retrier.Execute(context.Background(), "test-op", func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return cause
	})

	require.Error(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeRetryExhausted))

	// The last error is attached as the cause
	assert.ErrorIs(t, err, cause)
}

func TestRetrier_NonRetryableStopsImmediately(t *testing.T) {
	retrier := NewRetrier(RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
	})

	var calls int32
	err := retrier.Execute(context.Background(), "test-op", func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return apperrors.NewValidationError("bad input")
	})

	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))
}

func TestRetrier_CancellationDuringBackoff(t *testing.T) {
	retrier := NewRetrier(RetryConfig{
		MaxAttempts:       3,
		InitialDelay:      time.Second,
		BackoffMultiplier: 2.0,
	})

	ctx, cancel := context.WithCancel(context.Background())
	var calls int32
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	err := retrier.Execute(ctx, "test-op", func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		return apperrors.NewExternalError("dep", "transient")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestRetrier_AttemptTimeout(t *testing.T) {
	retrier := NewRetrier(RetryConfig{
		MaxAttempts:    2,
		InitialDelay:   time.Millisecond,
		AttemptTimeout: 30 * time.Millisecond,
	})

	var calls int32
	err := retrier.Execute(context.Background(), "slow-op", func(ctx context.Context) error {
		atomic.AddInt32(&calls, 1)
		select {
		case <-time.After(time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	require.Error(t, err)
	// Timeout is retryable, so both attempts fire before exhaustion
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeRetryExhausted))
}

func TestRetrier_OnRetryHook(t *testing.T) {
	var hookAttempts []int
	retrier := NewRetrier(RetryConfig{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			hookAttempts = append(hookAttempts, attempt)
		},
	})

	_ = retrier.Execute(context.Background(), "test-op", func(ctx context.Context) error {
		return apperrors.NewExternalError("dep", "transient")
	})

	// Hook fires before each retry, not before the first attempt
	assert.Equal(t, []int{1, 2}, hookAttempts)
}

func TestRetrier_CalculateDelayCapped(t *testing.T) {
	retrier := NewRetrier(RetryConfig{
		MaxAttempts:       10,
		InitialDelay:      100 * time.Millisecond,
		MaxDelay:          500 * time.Millisecond,
		BackoffMultiplier: 2.0,
		Jitter:            false,
	})

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 500 * time.Millisecond},
		{8, 500 * time.Millisecond},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, retrier.calculateDelay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestDefaultRetryableErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"context canceled", context.Canceled, false},
		{"context deadline", context.DeadlineExceeded, true},
		{"timeout type", apperrors.NewTimeoutError("op"), true},
		{"external type", apperrors.NewExternalError("dep", "boom"), true},
		{"validation type", apperrors.NewValidationError("bad"), false},
		{"circuit open", apperrors.NewCircuitOpenError("cb"), false},
		{"bulkhead rejected", apperrors.NewBulkheadRejectedError("op"), false},
		{"rate limited", apperrors.NewRateLimitedError("rule", time.Second), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DefaultRetryableErrors(tt.err))
		})
	}
}
