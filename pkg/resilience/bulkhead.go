package resilience

import (
	"container/list"
	"context"
	"sync"
	"time"

	apperrors "github.com/blipee-dev/blipee-fabric/pkg/errors"
	"github.com/blipee-dev/blipee-fabric/pkg/logging"
)

// BulkheadConfig holds configuration for the bulkhead
type BulkheadConfig struct {
	// Name of the bulkhead for logging/metrics
	Name string
	// MaxConcurrent is the maximum number of concurrent calls
	MaxConcurrent int
	// MaxQueueSize is the maximum number of callers waiting for a permit
	MaxQueueSize int
	// QueueTimeout bounds how long a queued caller waits; zero waits until
	// a permit frees or the context is cancelled
	QueueTimeout time.Duration
}

// DefaultBulkheadConfig returns sensible bulkhead defaults
func DefaultBulkheadConfig(name string) BulkheadConfig {
	return BulkheadConfig{
		Name:          name,
		MaxConcurrent: 10,
		MaxQueueSize:  20,
		QueueTimeout:  5 * time.Second,
	}
}

// BulkheadSnapshot is a point-in-time copy of bulkhead state
type BulkheadSnapshot struct {
	Name          string `json:"name"`
	Active        int    `json:"active"`
	Queued        int    `json:"queued"`
	MaxConcurrent int    `json:"max_concurrent"`
	MaxQueueSize  int    `json:"max_queue_size"`
	PeakActive    int    `json:"peak_active"`
	Rejected      uint64 `json:"rejected"`
}

// Bulkhead is a per-operation concurrency limiter with a bounded FIFO wait
// queue. A caller that would exceed the queue bound is rejected immediately.
type Bulkhead struct {
	name          string
	maxConcurrent int
	maxQueueSize  int
	queueTimeout  time.Duration

	mu         sync.Mutex
	active     int
	peakActive int
	waiters    *list.List // of chan struct{}; closed to hand over a permit
	rejected   uint64

	logger *logging.Logger
}

// NewBulkhead creates a new bulkhead with the given configuration
func NewBulkhead(config BulkheadConfig) *Bulkhead {
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 10
	}
	if config.MaxQueueSize < 0 {
		config.MaxQueueSize = 0
	}

	return &Bulkhead{
		name:          config.Name,
		maxConcurrent: config.MaxConcurrent,
		maxQueueSize:  config.MaxQueueSize,
		queueTimeout:  config.QueueTimeout,
		waiters:       list.New(),
		logger:        logging.GetLogger(),
	}
}

// Acquire obtains a permit, queueing FIFO behind earlier callers when the
// concurrency limit is reached. It returns BulkheadRejected when the queue is
// full or the queue timeout fires, and the context error on cancellation.
func (b *Bulkhead) Acquire(ctx context.Context) error {
	b.mu.Lock()

	if b.active < b.maxConcurrent {
		b.active++
		if b.active > b.peakActive {
			b.peakActive = b.active
		}
		b.mu.Unlock()
		return nil
	}

	if b.waiters.Len() >= b.maxQueueSize {
		b.rejected++
		b.mu.Unlock()
		return apperrors.NewBulkheadRejectedError(b.name)
	}

	ready := make(chan struct{})
	elem := b.waiters.PushBack(ready)
	b.mu.Unlock()

	var timeoutCh <-chan time.Time
	if b.queueTimeout > 0 {
		timer := time.NewTimer(b.queueTimeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case <-ready:
		// Permit handed over by a releaser; active was transferred, not freed
		return nil
	case <-ctx.Done():
		b.abandon(elem, ready)
		return ctx.Err()
	case <-timeoutCh:
		b.mu.Lock()
		b.rejected++
		b.mu.Unlock()
		b.abandon(elem, ready)
		return apperrors.NewBulkheadRejectedError(b.name)
	}
}

// abandon removes a waiter that gave up. If the releaser already handed the
// permit over, it is passed on (or freed) instead of leaking.
func (b *Bulkhead) abandon(elem *list.Element, ready chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-ready:
		// Lost the race: we own a permit we no longer want
		b.releaseLocked()
	default:
		b.waiters.Remove(elem)
	}
}

// Release frees a permit and promotes the next queued caller in FIFO order.
// It must run on every exit path.
func (b *Bulkhead) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.releaseLocked()
}

func (b *Bulkhead) releaseLocked() {
	if elem := b.waiters.Front(); elem != nil {
		b.waiters.Remove(elem)
		// Hand the permit to the oldest waiter; active count is unchanged
		close(elem.Value.(chan struct{}))
		return
	}

	if b.active > 0 {
		b.active--
	}
}

// Execute runs fn inside the bulkhead, releasing the permit on every exit path
func (b *Bulkhead) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.Acquire(ctx); err != nil {
		return err
	}
	defer b.Release()

	return fn(ctx)
}

// Name returns the name of the bulkhead
func (b *Bulkhead) Name() string {
	return b.name
}

// Snapshot returns a point-in-time copy of the bulkhead state
func (b *Bulkhead) Snapshot() BulkheadSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	return BulkheadSnapshot{
		Name:          b.name,
		Active:        b.active,
		Queued:        b.waiters.Len(),
		MaxConcurrent: b.maxConcurrent,
		MaxQueueSize:  b.maxQueueSize,
		PeakActive:    b.peakActive,
		Rejected:      b.rejected,
	}
}

// IsBulkheadRejectedError checks if an error is the bulkhead's backpressure signal
func IsBulkheadRejectedError(err error) bool {
	return apperrors.IsType(err, apperrors.ErrorTypeBulkheadRejected)
}
