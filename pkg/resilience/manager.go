package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/blipee-dev/blipee-fabric/pkg/errors"
	"github.com/blipee-dev/blipee-fabric/pkg/logging"
	"github.com/blipee-dev/blipee-fabric/pkg/metrics"
	"github.com/blipee-dev/blipee-fabric/pkg/ratelimit"
)

// Result is the outcome of a managed execution. Degraded is true when the
// value came from a fallback rather than the primary operation.
type Result struct {
	Value    interface{} `json:"value,omitempty"`
	Degraded bool        `json:"degraded"`
}

// Policy configures a single managed operation. Nil fields inherit the
// manager's defaults. The policy seen on the first call for a key determines
// that key's breaker, bulkhead and retrier configuration.
type Policy struct {
	// Retry overrides the default retry configuration
	Retry *RetryConfig
	// Breaker overrides the default breaker configuration; Name is set by
	// the manager from the operation key
	Breaker *CircuitBreakerConfig
	// Bulkhead overrides the default bulkhead configuration
	Bulkhead *BulkheadConfig
	// RateLimitRule, when set together with the manager's limiter, gates
	// admission before any capacity is consumed
	RateLimitRule *ratelimit.Rule
	// RateLimitIdentity is the bucket identity; the operation key is used
	// when empty
	RateLimitIdentity string
	// Timeout bounds the whole managed execution, queueing and retries
	// included. Zero leaves only the caller's context as the bound.
	Timeout time.Duration
	// Fallback produces a degraded result when the primary path fails. It is
	// not invoked for caller cancellation.
	Fallback func(ctx context.Context, cause error) (interface{}, error)
}

// ManagerConfig holds the manager's per-operation defaults and optional
// collaborators.
type ManagerConfig struct {
	DefaultRetry    RetryConfig
	DefaultBreaker  CircuitBreakerConfig
	DefaultBulkhead BulkheadConfig

	// Limiter enables rate-limited admission for policies that carry a rule
	Limiter *ratelimit.Limiter
	// Metrics receives operation, retry, breaker and bulkhead signals
	Metrics *metrics.Metrics
}

// DefaultManagerConfig returns manager defaults matching the individual
// primitives' defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		DefaultRetry:    DefaultRetryConfig(),
		DefaultBreaker:  DefaultCircuitBreakerConfig(""),
		DefaultBulkhead: DefaultBulkheadConfig(""),
	}
}

// entry bundles the lazily created primitives for one operation key
type entry struct {
	breaker  *CircuitBreaker
	bulkhead *Bulkhead
	retrier  *Retrier
}

// OperationStatus is the health view of a single managed operation
type OperationStatus struct {
	Breaker  BreakerSnapshot  `json:"breaker"`
	Bulkhead BulkheadSnapshot `json:"bulkhead"`
}

// RateLimitStats counts admission decisions per rate limit rule
type RateLimitStats struct {
	Allowed uint64 `json:"allowed"`
	Denied  uint64 `json:"denied"`
}

// HealthStatus aggregates the state of every managed operation
type HealthStatus struct {
	Healthy    bool                       `json:"healthy"`
	Issues     []string                   `json:"issues,omitempty"`
	Operations map[string]OperationStatus `json:"operations"`
	RateLimits map[string]RateLimitStats  `json:"rate_limits,omitempty"`
}

// Manager owns a lazy per-operation-key registry of breaker, bulkhead and
// retrier instances and composes them with rate-limited admission and an
// optional fallback. The registry lock only guards map access; operations on
// distinct keys never contend on a shared lock during execution.
type Manager struct {
	config  ManagerConfig
	limiter *ratelimit.Limiter
	metrics *metrics.Metrics
	logger  *logging.Logger

	mu      sync.RWMutex
	entries map[string]*entry

	rlMu    sync.Mutex
	rlStats map[string]*RateLimitStats
}

// NewManager creates a resilience manager. The manager is an explicit
// dependency owned by application startup, not a package-level singleton.
func NewManager(config ManagerConfig) *Manager {
	if config.DefaultRetry.MaxAttempts <= 0 {
		config.DefaultRetry = DefaultRetryConfig()
	}
	if config.DefaultBreaker.FailureThreshold <= 0 {
		config.DefaultBreaker = DefaultCircuitBreakerConfig("")
	}
	if config.DefaultBulkhead.MaxConcurrent <= 0 {
		config.DefaultBulkhead = DefaultBulkheadConfig("")
	}

	return &Manager{
		config:  config,
		limiter: config.Limiter,
		metrics: config.Metrics,
		logger:  logging.GetLogger(),
		entries: make(map[string]*entry),
		rlStats: make(map[string]*RateLimitStats),
	}
}

// Execute runs fn under the full protection stack for the given operation
// key: rate-limited admission, bulkhead, circuit breaker, then retry. The
// breaker gate is re-evaluated on every retry attempt, so a breaker that
// opens mid-loop stops further attempts.
func (m *Manager) Execute(ctx context.Context, key string, fn func(context.Context) (interface{}, error), policy *Policy) (*Result, error) {
	if policy == nil {
		policy = &Policy{}
	}

	start := time.Now()
	e := m.getEntry(key, policy)

	execCtx := ctx
	if policy.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, policy.Timeout)
		defer cancel()
	}

	value, err := m.execute(execCtx, key, e, fn, policy)
	if err == nil {
		m.observe(key, "success", start, e)
		return &Result{Value: value}, nil
	}

	// Cancellation propagates untouched; a caller that gave up does not get
	// a degraded substitute.
	if errors.Is(err, context.Canceled) || ctx.Err() != nil {
		m.observe(key, "cancelled", start, e)
		return nil, err
	}

	if policy.Fallback != nil {
		fbValue, fbErr := policy.Fallback(ctx, err)
		if fbErr == nil {
			m.logger.Warn("Operation degraded to fallback",
				"operation", key,
				"cause", err.Error(),
			)
			m.observe(key, "degraded", start, e)
			return &Result{Value: fbValue, Degraded: true}, nil
		}

		m.logger.Error("Fallback failed, returning primary error",
			"operation", key,
			"cause", err.Error(),
			"fallback_error", fbErr.Error(),
		)
	}

	m.observe(key, "failure", start, e)
	return nil, err
}

func (m *Manager) execute(ctx context.Context, key string, e *entry, fn func(context.Context) (interface{}, error), policy *Policy) (interface{}, error) {
	if m.limiter != nil && policy.RateLimitRule != nil {
		identity := policy.RateLimitIdentity
		if identity == "" {
			identity = key
		}

		decision := m.limiter.Check(ctx, identity, *policy.RateLimitRule, 1)
		m.recordRateLimit(policy.RateLimitRule.Name, decision.Allowed)
		if m.metrics != nil {
			m.metrics.RecordRateLimitDecision(policy.RateLimitRule.Name, decision.Allowed)
		}
		if !decision.Allowed {
			return nil, apperrors.NewRateLimitedError(policy.RateLimitRule.Name, decision.RetryAfter)
		}
	}

	if err := e.bulkhead.Acquire(ctx); err != nil {
		if m.metrics != nil && IsBulkheadRejectedError(err) {
			m.metrics.RecordBulkheadRejection(key)
		}
		return nil, err
	}
	defer e.bulkhead.Release()

	if m.metrics != nil {
		snap := e.bulkhead.Snapshot()
		m.metrics.UpdateBulkhead(key, snap.Active, snap.Queued)
	}

	var value interface{}
	err := e.retrier.Execute(ctx, key, func(ctx context.Context) error {
		return e.breaker.Execute(ctx, func(ctx context.Context) error {
			v, err := fn(ctx)
			if err != nil {
				return err
			}
			value = v
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return value, nil
}

// getEntry returns the primitives for key, creating them on first use. The
// double-checked pattern keeps the common path on the read lock.
func (m *Manager) getEntry(key string, policy *Policy) *entry {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if ok {
		return e
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok = m.entries[key]; ok {
		return e
	}

	e = m.newEntry(key, policy)
	m.entries[key] = e
	return e
}

func (m *Manager) newEntry(key string, policy *Policy) *entry {
	breakerCfg := m.config.DefaultBreaker
	if policy.Breaker != nil {
		breakerCfg = *policy.Breaker
	}
	breakerCfg.Name = key
	userHook := breakerCfg.OnStateChange
	breakerCfg.OnStateChange = func(name string, from, to CircuitState) {
		if m.metrics != nil {
			m.metrics.RecordBreakerTransition(name, from.String(), to.String(), float64(to))
		}
		if userHook != nil {
			userHook(name, from, to)
		}
	}

	bulkheadCfg := m.config.DefaultBulkhead
	if policy.Bulkhead != nil {
		bulkheadCfg = *policy.Bulkhead
	}
	bulkheadCfg.Name = key

	retryCfg := m.config.DefaultRetry
	if policy.Retry != nil {
		retryCfg = *policy.Retry
	}
	userRetry := retryCfg.OnRetry
	retryCfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		if m.metrics != nil {
			m.metrics.RecordRetry(key)
		}
		if userRetry != nil {
			userRetry(attempt, err, delay)
		}
	}

	return &entry{
		breaker:  NewCircuitBreaker(breakerCfg),
		bulkhead: NewBulkhead(bulkheadCfg),
		retrier:  NewRetrier(retryCfg),
	}
}

func (m *Manager) observe(key, outcome string, start time.Time, e *entry) {
	if m.metrics == nil {
		return
	}

	m.metrics.RecordOperation(key, outcome, time.Since(start))

	snap := e.bulkhead.Snapshot()
	m.metrics.UpdateBulkhead(key, snap.Active, snap.Queued)
}

func (m *Manager) recordRateLimit(rule string, allowed bool) {
	m.rlMu.Lock()
	defer m.rlMu.Unlock()

	s, ok := m.rlStats[rule]
	if !ok {
		s = &RateLimitStats{}
		m.rlStats[rule] = s
	}
	if allowed {
		s.Allowed++
	} else {
		s.Denied++
	}
}

// lookup returns the entry for key without creating one
func (m *Manager) lookup(key string) (*entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	return e, ok
}

// Reset restores the breaker for key to its initial closed state. Resetting
// an unknown key is a no-op.
func (m *Manager) Reset(key string) {
	if e, ok := m.lookup(key); ok {
		e.breaker.Reset()
	}
}

// ForceOpen pins the breaker for key open, creating it if the key has never
// been executed so subsequent calls fast-fail.
func (m *Manager) ForceOpen(key string) {
	e := m.getEntry(key, &Policy{})
	e.breaker.ForceOpen()
}

// ForceClose closes the breaker for key. Closing an unknown key is a no-op.
func (m *Manager) ForceClose(key string) {
	if e, ok := m.lookup(key); ok {
		e.breaker.ForceClose()
	}
}

// BreakerState returns the breaker state for key
func (m *Manager) BreakerState(key string) (CircuitState, bool) {
	e, ok := m.lookup(key)
	if !ok {
		return StateClosed, false
	}
	return e.breaker.State(), true
}

// HealthStatus reports the state of every managed operation, flagging open
// breakers and saturated bulkheads as issues.
func (m *Manager) HealthStatus() HealthStatus {
	m.mu.RLock()
	keys := make([]string, 0, len(m.entries))
	snapshot := make(map[string]*entry, len(m.entries))
	for k, e := range m.entries {
		keys = append(keys, k)
		snapshot[k] = e
	}
	m.mu.RUnlock()

	status := HealthStatus{
		Healthy:    true,
		Operations: make(map[string]OperationStatus, len(keys)),
	}

	m.rlMu.Lock()
	if len(m.rlStats) > 0 {
		status.RateLimits = make(map[string]RateLimitStats, len(m.rlStats))
		for rule, s := range m.rlStats {
			status.RateLimits[rule] = *s
		}
	}
	m.rlMu.Unlock()

	for _, k := range keys {
		e := snapshot[k]
		bs := e.breaker.Snapshot()
		hs := e.bulkhead.Snapshot()
		status.Operations[k] = OperationStatus{Breaker: bs, Bulkhead: hs}

		if bs.State != StateClosed.String() {
			status.Healthy = false
			status.Issues = append(status.Issues,
				fmt.Sprintf("circuit breaker %s is %s", k, bs.State))
		}
		if hs.MaxQueueSize > 0 && hs.Queued >= hs.MaxQueueSize {
			status.Healthy = false
			status.Issues = append(status.Issues,
				fmt.Sprintf("bulkhead %s queue is full (%d/%d)", k, hs.Queued, hs.MaxQueueSize))
		}
	}

	return status
}

// Snapshot returns the machine-readable state of all managed operations
func (m *Manager) Snapshot() map[string]OperationStatus {
	return m.HealthStatus().Operations
}
