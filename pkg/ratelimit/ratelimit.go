// Package ratelimit implements points-per-window admission control keyed by
// (identity, rule), with a blockDuration penalty that outlasts window resets.
//
// The limiter is backed by a shared counter store (Redis) for cross-process
// consistency and falls back transparently to an in-process store when the
// shared store is unreachable, trading cross-instance accuracy for
// availability. Backend selection is explicit via constructor injection.
package ratelimit

import (
	"context"
	"time"

	"github.com/blipee-dev/blipee-fabric/pkg/logging"
)

// Rule defines a rate limit: at most Points per Window for a given identity.
// When BlockDuration is set, exceeding the limit additionally blocks the
// identity for that duration, independent of window reset.
type Rule struct {
	Name          string        `json:"name"`
	Points        int           `json:"points"`
	Window        time.Duration `json:"window"`
	BlockDuration time.Duration `json:"block_duration,omitempty"`
}

// Decision is the outcome of an admission check
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Remaining  int           `json:"remaining"`
	ResetAt    time.Time     `json:"reset_at"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// Store is the counter backend contract. Increment must be atomic with
// respect to concurrent callers (a remote atomic increment for shared stores,
// a lock for in-process ones).
type Store interface {
	// Increment adds cost to the bucket's current window, resetting the
	// count first if the window has expired, and returns the new count and
	// the window's reset time.
	Increment(ctx context.Context, key string, cost int, window time.Duration) (int64, time.Time, error)

	// Block marks the key inadmissible for the given duration
	Block(ctx context.Context, key string, d time.Duration) error

	// BlockedUntil returns when the key's block expires, or the zero time
	// if the key is not blocked
	BlockedUntil(ctx context.Context, key string) (time.Time, error)

	// Reset clears the key's counter and block state
	Reset(ctx context.Context, key string) error
}

// Limiter performs admission checks against a primary store, falling back to
// a secondary store when the primary is unreachable.
type Limiter struct {
	primary   Store
	fallback  Store
	keyPrefix string
	logger    *logging.Logger
}

// NewLimiter creates a limiter. primary is required; fallback may be nil, in
// which case primary failures fail open.
func NewLimiter(primary, fallback Store, keyPrefix string) *Limiter {
	return &Limiter{
		primary:   primary,
		fallback:  fallback,
		keyPrefix: keyPrefix,
		logger:    logging.GetLogger(),
	}
}

// Check performs an admission check for cost points against the rule's bucket
// for identity. A blocked bucket is denied regardless of window state.
func (l *Limiter) Check(ctx context.Context, identity string, rule Rule, cost int) Decision {
	if cost <= 0 {
		cost = 1
	}

	key := l.bucketKey(identity, rule)

	decision, err := l.check(ctx, l.primary, key, rule, cost)
	if err == nil {
		return decision
	}

	if l.fallback != nil {
		l.logger.Warn("Rate limit store unreachable, using fallback",
			"key", key,
			"error", err.Error(),
		)

		decision, err = l.check(ctx, l.fallback, key, rule, cost)
		if err == nil {
			return decision
		}
	}

	// Fail open toward availability rather than strict global correctness
	l.logger.Error("Rate limit check failed on all stores, failing open",
		"key", key,
		"error", err.Error(),
	)
	return Decision{Allowed: true, Remaining: rule.Points, ResetAt: time.Now().Add(rule.Window)}
}

// Reset clears the bucket for identity on every configured store, for
// administrative override.
func (l *Limiter) Reset(ctx context.Context, identity string, rule Rule) error {
	key := l.bucketKey(identity, rule)

	err := l.primary.Reset(ctx, key)
	if l.fallback != nil {
		if ferr := l.fallback.Reset(ctx, key); err == nil {
			err = ferr
		}
	}
	return err
}

func (l *Limiter) check(ctx context.Context, store Store, key string, rule Rule, cost int) (Decision, error) {
	now := time.Now()

	// blockedUntil strictly dominates window state: a blocked bucket stays
	// inadmissible even across window resets.
	blockedUntil, err := store.BlockedUntil(ctx, key)
	if err != nil {
		return Decision{}, err
	}
	if blockedUntil.After(now) {
		return Decision{
			Allowed:    false,
			Remaining:  0,
			ResetAt:    blockedUntil,
			RetryAfter: blockedUntil.Sub(now),
		}, nil
	}

	count, resetAt, err := store.Increment(ctx, key, cost, rule.Window)
	if err != nil {
		return Decision{}, err
	}

	if count > int64(rule.Points) {
		retryAfter := time.Until(resetAt)

		if rule.BlockDuration > 0 {
			if err := store.Block(ctx, key, rule.BlockDuration); err != nil {
				return Decision{}, err
			}
			retryAfter = rule.BlockDuration
			resetAt = now.Add(rule.BlockDuration)
		}

		return Decision{
			Allowed:    false,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: retryAfter,
		}, nil
	}

	remaining := rule.Points - int(count)
	if remaining < 0 {
		remaining = 0
	}

	return Decision{
		Allowed:   true,
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}

func (l *Limiter) bucketKey(identity string, rule Rule) string {
	return l.keyPrefix + identity + ":" + rule.Name
}
