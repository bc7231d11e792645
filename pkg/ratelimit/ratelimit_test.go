package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// brokenStore fails every call, for exercising the fallback path
type brokenStore struct{}

func (brokenStore) Increment(ctx context.Context, key string, cost int, window time.Duration) (int64, time.Time, error) {
	return 0, time.Time{}, errors.New("store unreachable")
}

func (brokenStore) Block(ctx context.Context, key string, d time.Duration) error {
	return errors.New("store unreachable")
}

func (brokenStore) BlockedUntil(ctx context.Context, key string) (time.Time, error) {
	return time.Time{}, errors.New("store unreachable")
}

func (brokenStore) Reset(ctx context.Context, key string) error {
	return errors.New("store unreachable")
}

func TestLimiter_SixthCallDenied(t *testing.T) {
	store := NewMemoryStore(0)
	defer store.Close()
	limiter := NewLimiter(store, nil, "test:")

	rule := Rule{Name: "basic", Points: 5, Window: time.Minute}

	for i := 0; i < 5; i++ {
		decision := limiter.Check(context.Background(), "client-1", rule, 1)
		require.True(t, decision.Allowed, "call %d should be admitted", i+1)
		assert.Equal(t, 5-(i+1), decision.Remaining)
	}

	decision := limiter.Check(context.Background(), "client-1", rule, 1)
	assert.False(t, decision.Allowed)
	assert.Equal(t, 0, decision.Remaining)
	assert.Greater(t, decision.RetryAfter, time.Duration(0))
}

func TestLimiter_KeysAreIndependent(t *testing.T) {
	store := NewMemoryStore(0)
	defer store.Close()
	limiter := NewLimiter(store, nil, "test:")

	rule := Rule{Name: "basic", Points: 1, Window: time.Minute}
	otherRule := Rule{Name: "other", Points: 1, Window: time.Minute}

	require.True(t, limiter.Check(context.Background(), "client-1", rule, 1).Allowed)
	assert.False(t, limiter.Check(context.Background(), "client-1", rule, 1).Allowed)

	// A different identity and a different rule each get their own bucket
	assert.True(t, limiter.Check(context.Background(), "client-2", rule, 1).Allowed)
	assert.True(t, limiter.Check(context.Background(), "client-1", otherRule, 1).Allowed)
}

func TestLimiter_WindowReset(t *testing.T) {
	store := NewMemoryStore(0)
	defer store.Close()
	limiter := NewLimiter(store, nil, "test:")

	rule := Rule{Name: "short", Points: 1, Window: 50 * time.Millisecond}

	require.True(t, limiter.Check(context.Background(), "client-1", rule, 1).Allowed)
	require.False(t, limiter.Check(context.Background(), "client-1", rule, 1).Allowed)

	time.Sleep(60 * time.Millisecond)
	assert.True(t, limiter.Check(context.Background(), "client-1", rule, 1).Allowed)
}

func TestLimiter_BlockOutlastsWindowReset(t *testing.T) {
	store := NewMemoryStore(0)
	defer store.Close()
	limiter := NewLimiter(store, nil, "test:")

	rule := Rule{
		Name:          "blocking",
		Points:        1,
		Window:        30 * time.Millisecond,
		BlockDuration: 200 * time.Millisecond,
	}

	require.True(t, limiter.Check(context.Background(), "client-1", rule, 1).Allowed)
	denied := limiter.Check(context.Background(), "client-1", rule, 1)
	require.False(t, denied.Allowed)
	assert.Equal(t, rule.BlockDuration, denied.RetryAfter)

	// The window has reset but the block is still dominant
	time.Sleep(60 * time.Millisecond)
	assert.False(t, limiter.Check(context.Background(), "client-1", rule, 1).Allowed)

	time.Sleep(200 * time.Millisecond)
	assert.True(t, limiter.Check(context.Background(), "client-1", rule, 1).Allowed)
}

func TestLimiter_CostDrainsMultiplePoints(t *testing.T) {
	store := NewMemoryStore(0)
	defer store.Close()
	limiter := NewLimiter(store, nil, "test:")

	rule := Rule{Name: "weighted", Points: 10, Window: time.Minute}

	decision := limiter.Check(context.Background(), "client-1", rule, 7)
	require.True(t, decision.Allowed)
	assert.Equal(t, 3, decision.Remaining)

	assert.False(t, limiter.Check(context.Background(), "client-1", rule, 5).Allowed)
	assert.True(t, limiter.Check(context.Background(), "client-1", rule, 3).Allowed)
}

func TestLimiter_FallbackOnPrimaryFailure(t *testing.T) {
	fallback := NewMemoryStore(0)
	defer fallback.Close()
	limiter := NewLimiter(brokenStore{}, fallback, "test:")

	rule := Rule{Name: "basic", Points: 1, Window: time.Minute}

	// Admission decisions keep working through the fallback store
	require.True(t, limiter.Check(context.Background(), "client-1", rule, 1).Allowed)
	assert.False(t, limiter.Check(context.Background(), "client-1", rule, 1).Allowed)
}

func TestLimiter_FailsOpenWhenAllStoresFail(t *testing.T) {
	limiter := NewLimiter(brokenStore{}, nil, "test:")

	rule := Rule{Name: "basic", Points: 1, Window: time.Minute}

	for i := 0; i < 10; i++ {
		assert.True(t, limiter.Check(context.Background(), "client-1", rule, 1).Allowed)
	}
}

func TestLimiter_Reset(t *testing.T) {
	store := NewMemoryStore(0)
	defer store.Close()
	limiter := NewLimiter(store, nil, "test:")

	rule := Rule{Name: "basic", Points: 1, Window: time.Hour, BlockDuration: time.Hour}

	require.True(t, limiter.Check(context.Background(), "client-1", rule, 1).Allowed)
	require.False(t, limiter.Check(context.Background(), "client-1", rule, 1).Allowed)

	require.NoError(t, limiter.Reset(context.Background(), "client-1", rule))

	// Both the counter and the block are cleared
	assert.True(t, limiter.Check(context.Background(), "client-1", rule, 1).Allowed)
}

func TestMemoryStore_SweepEvictsExpiredBuckets(t *testing.T) {
	store := NewMemoryStore(0)
	defer store.Close()

	_, _, err := store.Increment(context.Background(), "a", 1, 10*time.Millisecond)
	require.NoError(t, err)
	_, _, err = store.Increment(context.Background(), "b", 1, time.Hour)
	require.NoError(t, err)
	require.Equal(t, 2, store.Len())

	time.Sleep(20 * time.Millisecond)
	store.sweep(time.Now())

	assert.Equal(t, 1, store.Len())
}
