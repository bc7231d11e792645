// Package resilience provides the protection primitives and their
// composition for calls to unreliable dependencies.
//
// # Retry with Exponential Backoff
//
// The retrier re-attempts failed operations with exponential backoff, an
// optional per-attempt timeout, and up-to-20% jitter to avoid thundering
// herds. Non-retryable errors stop the loop immediately.
//
//	retrier := resilience.NewRetrier(resilience.DefaultRetryConfig())
//	err := retrier.Execute(ctx, "provider.invoke", func(ctx context.Context) error {
//		return riskyOperation(ctx)
//	})
//
// # Circuit Breaker
//
// The breaker stops invoking a chronically failing dependency after a run of
// consecutive failures, then admits a single half-open probe after the reset
// timeout to test recovery.
//
//	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
//		Name:             "external-service",
//		FailureThreshold: 5,
//		ResetTimeout:     30 * time.Second,
//	})
//
//	err := cb.Execute(ctx, func(ctx context.Context) error {
//		return externalService.Call(ctx, data)
//	})
//
// # Bulkhead
//
// The bulkhead caps concurrent calls per operation and queues excess callers
// FIFO up to a bound, rejecting immediately beyond it so one noisy dependency
// cannot absorb every goroutine in the process.
//
//	bh := resilience.NewBulkhead(resilience.DefaultBulkheadConfig("reports"))
//	err := bh.Execute(ctx, func(ctx context.Context) error {
//		return generateReport(ctx)
//	})
//
// # Manager
//
// The manager composes the primitives per operation key, in admission order
// rate limiter, bulkhead, circuit breaker, retry, with an optional fallback
// that yields a result flagged Degraded.
//
//	mgr := resilience.NewManager(resilience.DefaultManagerConfig())
//	res, err := mgr.Execute(ctx, "orchestrator.openai", invoke, &resilience.Policy{
//		Fallback: cachedAnswer,
//	})
//
// All types are safe for concurrent use; instances for distinct operation
// keys never share an execution-path lock.
package resilience
