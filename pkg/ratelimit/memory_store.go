package ratelimit

import (
	"context"
	"sync"
	"time"
)

// bucket holds the per-key window counter and block state
type bucket struct {
	mu           sync.Mutex
	count        int64
	windowStart  time.Time
	windowEnd    time.Time
	blockedUntil time.Time
}

// MemoryStore is the in-process counter backend. It mirrors the shared-store
// semantics for a single process and periodically evicts expired buckets to
// bound memory.
type MemoryStore struct {
	mu      sync.RWMutex
	buckets map[string]*bucket

	sweepInterval time.Duration
	stopCh        chan struct{}
	stopOnce      sync.Once
}

// NewMemoryStore creates an in-process store. A positive sweepInterval starts
// a background sweeper; call Close to stop it.
func NewMemoryStore(sweepInterval time.Duration) *MemoryStore {
	s := &MemoryStore{
		buckets:       make(map[string]*bucket),
		sweepInterval: sweepInterval,
		stopCh:        make(chan struct{}),
	}

	if sweepInterval > 0 {
		go s.sweepLoop()
	}

	return s
}

// Increment implements Store
func (s *MemoryStore) Increment(ctx context.Context, key string, cost int, window time.Duration) (int64, time.Time, error) {
	b := s.getOrCreate(key)

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	windowStart := now.Truncate(window)

	if b.windowStart.Before(windowStart) {
		b.count = 0
		b.windowStart = windowStart
		b.windowEnd = windowStart.Add(window)
	}

	b.count += int64(cost)
	return b.count, b.windowEnd, nil
}

// Block implements Store
func (s *MemoryStore) Block(ctx context.Context, key string, d time.Duration) error {
	b := s.getOrCreate(key)

	b.mu.Lock()
	defer b.mu.Unlock()

	until := time.Now().Add(d)
	if until.After(b.blockedUntil) {
		b.blockedUntil = until
	}
	return nil
}

// BlockedUntil implements Store
func (s *MemoryStore) BlockedUntil(ctx context.Context, key string) (time.Time, error) {
	s.mu.RLock()
	b, ok := s.buckets[key]
	s.mu.RUnlock()

	if !ok {
		return time.Time{}, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.blockedUntil.After(time.Now()) {
		return b.blockedUntil, nil
	}
	return time.Time{}, nil
}

// Reset implements Store
func (s *MemoryStore) Reset(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.buckets, key)
	s.mu.Unlock()
	return nil
}

// Len returns the number of tracked buckets
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buckets)
}

// Close stops the background sweeper
func (s *MemoryStore) Close() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
}

func (s *MemoryStore) getOrCreate(key string) *bucket {
	s.mu.RLock()
	b, ok := s.buckets[key]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok = s.buckets[key]; ok {
		return b
	}
	b = &bucket{}
	s.buckets[key] = b
	return b
}

func (s *MemoryStore) sweepLoop() {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweep(time.Now())
		}
	}
}

// sweep evicts buckets whose window has expired and whose block has lapsed
func (s *MemoryStore) sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, b := range s.buckets {
		b.mu.Lock()
		expired := b.windowEnd.Before(now) && b.blockedUntil.Before(now)
		b.mu.Unlock()

		if expired {
			delete(s.buckets, key)
		}
	}
}
