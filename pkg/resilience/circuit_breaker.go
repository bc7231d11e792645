package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	apperrors "github.com/blipee-dev/blipee-fabric/pkg/errors"
	"github.com/blipee-dev/blipee-fabric/pkg/logging"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	// StateClosed - circuit is closed, requests are allowed
	StateClosed CircuitState = iota
	// StateOpen - circuit is open, requests are rejected
	StateOpen
	// StateHalfOpen - circuit is half-open, a single probe is allowed
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreakerConfig holds configuration for the circuit breaker
type CircuitBreakerConfig struct {
	// Name of the circuit breaker for logging/metrics
	Name string
	// FailureThreshold is the number of consecutive failures that opens the circuit
	FailureThreshold int
	// ResetTimeout is the period of the open state, after which a half-open
	// probe is admitted
	ResetTimeout time.Duration
	// OnStateChange is called whenever the state of the circuit breaker changes.
	// It runs synchronously under the breaker's lock; keep it cheap.
	OnStateChange func(name string, from CircuitState, to CircuitState)
}

// DefaultCircuitBreakerConfig returns sensible breaker defaults
func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
	}
}

// BreakerSnapshot is a point-in-time copy of breaker state for health
// reporting and metrics export.
type BreakerSnapshot struct {
	Name                string    `json:"name"`
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	OpenedAt            time.Time `json:"opened_at,omitempty"`
	ProbeInFlight       bool      `json:"probe_in_flight"`
	TotalCalls          uint64    `json:"total_calls"`
	TotalFailures       uint64    `json:"total_failures"`
	ShortCircuits       uint64    `json:"short_circuits"`
}

// CircuitBreaker is a state machine that stops invoking a chronically failing
// dependency. It lives for the process lifetime and cycles indefinitely.
type CircuitBreaker struct {
	name             string
	failureThreshold int
	resetTimeout     time.Duration
	onStateChange    func(name string, from CircuitState, to CircuitState)

	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	openedAt            time.Time
	probeInFlight       bool
	forcedOpen          bool

	totalCalls    uint64
	totalFailures uint64
	shortCircuits uint64

	logger *logging.Logger
}

// NewCircuitBreaker creates a new circuit breaker with the given configuration
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 30 * time.Second
	}

	return &CircuitBreaker{
		name:             config.Name,
		failureThreshold: config.FailureThreshold,
		resetTimeout:     config.ResetTimeout,
		onStateChange:    config.OnStateChange,
		state:            StateClosed,
		logger:           logging.GetLogger(),
	}
}

// Allow decides whether a call may proceed. In half-open state at most one
// caller is admitted as the probe; the decision is made atomically under the
// breaker's lock, so two racing callers can never both become the probe.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	cb.advanceLocked(now)

	switch cb.state {
	case StateClosed:
		cb.totalCalls++
		return nil
	case StateHalfOpen:
		if cb.probeInFlight {
			cb.shortCircuits++
			return apperrors.NewCircuitOpenError(cb.name)
		}
		cb.probeInFlight = true
		cb.totalCalls++
		return nil
	default: // StateOpen
		cb.shortCircuits++
		return apperrors.NewCircuitOpenError(cb.name)
	}
}

// RecordSuccess reports a successful raw invocation
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0

	if cb.state == StateHalfOpen {
		cb.probeInFlight = false
		cb.setStateLocked(StateClosed, time.Now())
	}
}

// RecordFailure reports a failed raw invocation
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	cb.totalFailures++

	switch cb.state {
	case StateClosed:
		cb.consecutiveFailures++
		if cb.consecutiveFailures >= cb.failureThreshold {
			cb.openedAt = now
			cb.setStateLocked(StateOpen, now)
		}
	case StateHalfOpen:
		// Failed probe: back to open with a fresh cooldown
		cb.probeInFlight = false
		cb.consecutiveFailures++
		cb.openedAt = now
		cb.setStateLocked(StateOpen, now)
	}
}

// Execute runs fn gated by the breaker and reports the outcome. Caller
// cancellation is not counted as a dependency failure; a deadline expiry
// means the dependency was too slow and counts like any other failure.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.Allow(); err != nil {
		return err
	}

	err := fn(ctx)
	if err == nil {
		cb.RecordSuccess()
		return nil
	}

	if errors.Is(err, context.Canceled) || ctx.Err() == context.Canceled {
		cb.releaseProbe()
		return err
	}

	cb.RecordFailure()
	return err
}

// releaseProbe frees the half-open probe slot without recording an outcome,
// used when a probe call is cancelled by the caller.
func (cb *CircuitBreaker) releaseProbe() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.probeInFlight = false
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.advanceLocked(time.Now())
	return cb.state
}

// Name returns the name of the circuit breaker
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// ForceOpen pins the breaker open until ForceClose or Reset. Idempotent.
func (cb *CircuitBreaker) ForceOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.forcedOpen = true
	cb.probeInFlight = false
	if cb.state != StateOpen {
		cb.openedAt = time.Now()
		cb.setStateLocked(StateOpen, cb.openedAt)
	}
}

// ForceClose closes the breaker and clears the failure count. Idempotent.
func (cb *CircuitBreaker) ForceClose() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.forcedOpen = false
	cb.probeInFlight = false
	cb.consecutiveFailures = 0
	if cb.state != StateClosed {
		cb.setStateLocked(StateClosed, time.Now())
	}
}

// Reset restores the breaker to its initial closed state. Idempotent.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.forcedOpen = false
	cb.probeInFlight = false
	cb.consecutiveFailures = 0
	cb.openedAt = time.Time{}
	if cb.state != StateClosed {
		cb.setStateLocked(StateClosed, time.Now())
	}
}

// Snapshot returns a point-in-time copy of the breaker state
func (cb *CircuitBreaker) Snapshot() BreakerSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.advanceLocked(time.Now())

	return BreakerSnapshot{
		Name:                cb.name,
		State:               cb.state.String(),
		ConsecutiveFailures: cb.consecutiveFailures,
		OpenedAt:            cb.openedAt,
		ProbeInFlight:       cb.probeInFlight,
		TotalCalls:          cb.totalCalls,
		TotalFailures:       cb.totalFailures,
		ShortCircuits:       cb.shortCircuits,
	}
}

// advanceLocked applies the time-based Open -> HalfOpen transition. A forced
// open breaker never advances on its own.
func (cb *CircuitBreaker) advanceLocked(now time.Time) {
	if cb.state == StateOpen && !cb.forcedOpen && now.Sub(cb.openedAt) >= cb.resetTimeout {
		cb.setStateLocked(StateHalfOpen, now)
	}
}

func (cb *CircuitBreaker) setStateLocked(state CircuitState, now time.Time) {
	if cb.state == state {
		return
	}

	prev := cb.state
	cb.state = state

	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, prev, state)
	}

	cb.logger.Info("Circuit breaker state changed",
		"name", cb.name,
		"from", prev.String(),
		"to", state.String(),
		"consecutive_failures", cb.consecutiveFailures,
	)
}

// IsCircuitOpenError checks if an error is the breaker's fast-fail error
func IsCircuitOpenError(err error) bool {
	return apperrors.IsType(err, apperrors.ErrorTypeCircuitOpen)
}
