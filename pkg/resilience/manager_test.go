package resilience

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/blipee-dev/blipee-fabric/pkg/errors"
	"github.com/blipee-dev/blipee-fabric/pkg/ratelimit"
)

func testManagerConfig() ManagerConfig {
	cfg := DefaultManagerConfig()
	cfg.DefaultRetry = RetryConfig{
		MaxAttempts:  2,
		InitialDelay: time.Millisecond,
	}
	cfg.DefaultBreaker = CircuitBreakerConfig{
		FailureThreshold: 3,
		ResetTimeout:     time.Minute,
	}
	cfg.DefaultBulkhead = BulkheadConfig{
		MaxConcurrent: 4,
		MaxQueueSize:  4,
	}
	return cfg
}

func TestManager_ExecuteSuccess(t *testing.T) {
	m := NewManager(testManagerConfig())

	res, err := m.Execute(context.Background(), "op", func(ctx context.Context) (interface{}, error) {
		return "value", nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, "value", res.Value)
	assert.False(t, res.Degraded)
}

func TestManager_FallbackProducesDegradedResult(t *testing.T) {
	m := NewManager(testManagerConfig())

	res, err := m.Execute(context.Background(), "op", func(ctx context.Context) (interface{}, error) {
		return nil, apperrors.NewExternalError("dep", "down")
	}, &Policy{
		Fallback: func(ctx context.Context, cause error) (interface{}, error) {
			assert.True(t, apperrors.IsType(cause, apperrors.ErrorTypeRetryExhausted))
			return "cached", nil
		},
	})

	require.NoError(t, err)
	assert.Equal(t, "cached", res.Value)
	assert.True(t, res.Degraded)
}

func TestManager_FallbackFailureReturnsPrimaryError(t *testing.T) {
	m := NewManager(testManagerConfig())

	_, err := m.Execute(context.Background(), "op", func(ctx context.Context) (interface{}, error) {
		return nil, apperrors.NewValidationError("bad input")
	}, &Policy{
		Fallback: func(ctx context.Context, cause error) (interface{}, error) {
			return nil, assert.AnError
		},
	})

	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))
}

func TestManager_CancellationSkipsFallback(t *testing.T) {
	m := NewManager(testManagerConfig())

	ctx, cancel := context.WithCancel(context.Background())
	var fallbackCalled int32

	_, err := m.Execute(ctx, "op", func(ctx context.Context) (interface{}, error) {
		cancel()
		return nil, ctx.Err()
	}, &Policy{
		Fallback: func(ctx context.Context, cause error) (interface{}, error) {
			atomic.AddInt32(&fallbackCalled, 1)
			return "cached", nil
		},
	})

	require.Error(t, err)
	assert.Equal(t, int32(0), atomic.LoadInt32(&fallbackCalled))

	// Caller cancellation is not a dependency failure
	state, known := m.BreakerState("op")
	require.True(t, known)
	assert.Equal(t, StateClosed, state)
}

func TestManager_BreakerOpensAndFastFails(t *testing.T) {
	cfg := testManagerConfig()
	cfg.DefaultRetry.MaxAttempts = 1
	m := NewManager(cfg)

	var calls int32
	fail := func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return nil, apperrors.NewExternalError("dep", "down")
	}

	for i := 0; i < 3; i++ {
		_, err := m.Execute(context.Background(), "op", fail, nil)
		require.Error(t, err)
	}

	state, _ := m.BreakerState("op")
	require.Equal(t, StateOpen, state)

	// Open breaker short-circuits without invoking the function
	_, err := m.Execute(context.Background(), "op", fail, nil)
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeCircuitOpen))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestManager_OperationKeysAreIsolated(t *testing.T) {
	cfg := testManagerConfig()
	cfg.DefaultRetry.MaxAttempts = 1
	m := NewManager(cfg)

	fail := func(ctx context.Context) (interface{}, error) {
		return nil, apperrors.NewExternalError("dep", "down")
	}
	for i := 0; i < 3; i++ {
		_, _ = m.Execute(context.Background(), "bad-op", fail, nil)
	}

	state, _ := m.BreakerState("bad-op")
	require.Equal(t, StateOpen, state)

	// An unrelated key is unaffected
	res, err := m.Execute(context.Background(), "good-op", func(ctx context.Context) (interface{}, error) {
		return 42, nil
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 42, res.Value)
}

func TestManager_RateLimitedAdmission(t *testing.T) {
	store := ratelimit.NewMemoryStore(0)
	defer store.Close()
	limiter := ratelimit.NewLimiter(store, nil, "test:")

	cfg := testManagerConfig()
	cfg.Limiter = limiter
	m := NewManager(cfg)

	rule := ratelimit.Rule{Name: "op-rule", Points: 2, Window: time.Minute}
	policy := &Policy{RateLimitRule: &rule}

	var calls int32
	fn := func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return "ok", nil
	}

	for i := 0; i < 2; i++ {
		_, err := m.Execute(context.Background(), "op", fn, policy)
		require.NoError(t, err)
	}

	_, err := m.Execute(context.Background(), "op", fn, policy)
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeRateLimited))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Greater(t, apperrors.GetRetryAfter(err), time.Duration(0))

	status := m.HealthStatus()
	require.Contains(t, status.RateLimits, "op-rule")
	assert.Equal(t, uint64(2), status.RateLimits["op-rule"].Allowed)
	assert.Equal(t, uint64(1), status.RateLimits["op-rule"].Denied)
}

func TestManager_AdminOperations(t *testing.T) {
	m := NewManager(testManagerConfig())

	// Reset and ForceClose on unknown keys are no-ops
	m.Reset("never-seen")
	m.ForceClose("never-seen")
	_, known := m.BreakerState("never-seen")
	assert.False(t, known)

	// ForceOpen creates the breaker so subsequent calls fast-fail
	m.ForceOpen("pinned")
	var calls int32
	_, err := m.Execute(context.Background(), "pinned", func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return nil, nil
	}, nil)
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeCircuitOpen))
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))

	m.Reset("pinned")
	_, err = m.Execute(context.Background(), "pinned", func(ctx context.Context) (interface{}, error) {
		return "ok", nil
	}, nil)
	assert.NoError(t, err)
}

func TestManager_HealthStatus(t *testing.T) {
	cfg := testManagerConfig()
	cfg.DefaultRetry.MaxAttempts = 1
	m := NewManager(cfg)

	_, _ = m.Execute(context.Background(), "healthy-op", func(ctx context.Context) (interface{}, error) {
		return nil, nil
	}, nil)

	status := m.HealthStatus()
	assert.True(t, status.Healthy)
	assert.Empty(t, status.Issues)
	assert.Contains(t, status.Operations, "healthy-op")

	m.ForceOpen("broken-op")
	status = m.HealthStatus()
	assert.False(t, status.Healthy)
	require.Len(t, status.Issues, 1)
	assert.Contains(t, status.Issues[0], "broken-op")
}

func TestManager_BulkheadRejectionSurfaces(t *testing.T) {
	cfg := testManagerConfig()
	cfg.DefaultBulkhead = BulkheadConfig{MaxConcurrent: 1, MaxQueueSize: 0}
	m := NewManager(cfg)

	block := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = m.Execute(context.Background(), "op", func(ctx context.Context) (interface{}, error) {
			<-block
			return nil, nil
		}, nil)
	}()

	require.Eventually(t, func() bool {
		ops := m.Snapshot()
		op, ok := ops["op"]
		return ok && op.Bulkhead.Active == 1
	}, time.Second, time.Millisecond)

	_, err := m.Execute(context.Background(), "op", func(ctx context.Context) (interface{}, error) {
		return nil, nil
	}, nil)
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeBulkheadRejected))

	close(block)
	<-done
}

func TestManager_PolicyTimeoutAllowsFallback(t *testing.T) {
	m := NewManager(testManagerConfig())

	fallbackCalled := false
	res, err := m.Execute(context.Background(), "op.slow", func(ctx context.Context) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, &Policy{
		Timeout: 30 * time.Millisecond,
		Fallback: func(ctx context.Context, cause error) (interface{}, error) {
			fallbackCalled = true
			return "cached", nil
		},
	})

	require.NoError(t, err)
	assert.True(t, fallbackCalled)
	assert.True(t, res.Degraded)
	assert.Equal(t, "cached", res.Value)
}

func TestManager_AttemptTimeoutsOpenBreaker(t *testing.T) {
	cfg := testManagerConfig()
	cfg.DefaultRetry = RetryConfig{
		MaxAttempts:    2,
		InitialDelay:   time.Millisecond,
		AttemptTimeout: 20 * time.Millisecond,
	}
	cfg.DefaultBreaker = CircuitBreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     time.Minute,
	}
	m := NewManager(cfg)

	// The dependency never errors outright, it only hangs past the attempt
	// deadline
	_, err := m.Execute(context.Background(), "op.hanging", func(ctx context.Context) (interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, nil)

	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeRetryExhausted))

	// Each timed-out attempt keeps running briefly after the retrier has
	// moved on, so the failure records land just behind the return
	require.Eventually(t, func() bool {
		state, ok := m.BreakerState("op.hanging")
		return ok && state == StateOpen
	}, time.Second, 5*time.Millisecond)
}
