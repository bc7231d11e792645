package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	apperrors "github.com/blipee-dev/blipee-fabric/pkg/errors"
	"github.com/blipee-dev/blipee-fabric/pkg/logging"
	"github.com/blipee-dev/blipee-fabric/pkg/metrics"
	"github.com/blipee-dev/blipee-fabric/pkg/resilience"
	"github.com/blipee-dev/blipee-fabric/pkg/tracing"
)

// breakerKeyPrefix namespaces the per-provider circuit breakers inside the
// resilience manager's registry.
const breakerKeyPrefix = "orchestrator."

// Config holds orchestrator routing settings
type Config struct {
	// MaxTotalAttempts bounds provider invocations across the whole fleet
	// for a single task
	MaxTotalAttempts int
	// ProviderRetryAttempts is the retry budget per provider; cross-provider
	// fallback is the primary recovery mechanism, so this stays small
	ProviderRetryAttempts int
	// ProviderTimeout bounds a single provider invocation
	ProviderTimeout time.Duration
	// Fallback produces a degraded response when no capable provider is
	// available or every candidate fails. Nil disables it.
	Fallback func(ctx context.Context, task *Task, cause error) (*Response, error)
}

// DefaultConfig returns default orchestrator settings
func DefaultConfig() Config {
	return Config{
		MaxTotalAttempts:      3,
		ProviderRetryAttempts: 1,
		ProviderTimeout:       60 * time.Second,
	}
}

// Orchestrator routes tasks to the best-ranked capable provider, invoking it
// through the resilience manager and falling back across providers on
// failure.
type Orchestrator struct {
	config   Config
	registry *Registry
	manager  *resilience.Manager
	metrics  *metrics.Metrics
	tracer   *tracing.Service
	logger   *logging.Logger
}

// New creates an orchestrator. metrics and tracer may be nil.
func New(config Config, registry *Registry, manager *resilience.Manager, m *metrics.Metrics, tracer *tracing.Service) *Orchestrator {
	if config.MaxTotalAttempts <= 0 {
		config.MaxTotalAttempts = 3
	}
	if config.ProviderRetryAttempts <= 0 {
		config.ProviderRetryAttempts = 1
	}

	return &Orchestrator{
		config:   config,
		registry: registry,
		manager:  manager,
		metrics:  m,
		tracer:   tracer,
		logger:   logging.GetLogger(),
	}
}

// Registry returns the provider registry backing this orchestrator
func (o *Orchestrator) Registry() *Registry {
	return o.registry
}

// RouteTask routes a task: filter providers by capability and breaker state,
// rank the candidates, invoke the best through the resilience manager, and
// fall back to the next candidate on failure, bounded by the total-attempts
// ceiling. Exhausting all candidates surfaces the per-provider error chain.
func (o *Orchestrator) RouteTask(ctx context.Context, task *Task) (*RoutingResult, error) {
	if task == nil {
		return nil, apperrors.NewValidationError("task is required")
	}
	if task.ID == "" {
		task.ID = uuid.New().String()
	}

	ctx, span := o.tracer.StartSpan(ctx, "orchestrator.route_task",
		attribute.String("task.id", task.ID),
		attribute.String("task.category", task.Category),
	)
	defer span.End()

	start := time.Now()

	o.logger.LogOperationEvent(ctx, "task_routing_started", task.ID, logrus.Fields{
		"category":              task.Category,
		"required_capabilities": task.RequiredCapabilities,
	})

	result := &RoutingResult{TaskID: task.ID}

	cands := o.registry.candidates(ctx, task.RequiredCapabilities)
	cands = o.filterOpenBreakers(cands)

	if len(cands) == 0 {
		cause := apperrors.NewNoProviderError(task.Category)
		if degraded, ok := o.fallback(ctx, task, result, start, cause); ok {
			return degraded, nil
		}
		o.recordTask(task.Category, "no_provider")
		o.logger.Warn("No provider available for task",
			"task_id", task.ID,
			"category", task.Category,
		)
		return nil, cause
	}

	rank(cands)

	result.Attempts = make([]Attempt, 0, len(cands))
	var causes []error
	attemptsUsed := 0

	for _, cand := range cands {
		if attemptsUsed >= o.config.MaxTotalAttempts {
			break
		}
		attemptsUsed++

		name := cand.provider.Name()
		resp, latency, err := o.invoke(ctx, cand.provider, task)

		// A breaker short-circuit never reached the backend; it does not
		// charge the provider's rolling window.
		if err == nil || !resilience.IsCircuitOpenError(err) {
			o.registry.RecordResult(name, err == nil, latency)
			o.recordProvider(name, err, latency)
		}

		if err == nil {
			result.Provider = name
			result.Response = resp
			result.Duration = time.Since(start)
			result.Attempts = append(result.Attempts, Attempt{Provider: name, Latency: latency})

			o.recordTask(task.Category, "success")
			o.logger.LogOperationEvent(ctx, "task_routing_completed", task.ID, logrus.Fields{
				"provider": name,
				"attempts": attemptsUsed,
				"duration": result.Duration,
			})
			return result, nil
		}

		result.Attempts = append(result.Attempts, Attempt{
			Provider: name,
			Error:    err.Error(),
			Latency:  latency,
		})
		causes = append(causes, fmt.Errorf("provider %s: %w", name, err))

		// A cancelled caller stops the fan-out; remaining candidates would
		// only burn budget on a result nobody is waiting for.
		if ctx.Err() != nil {
			o.recordTask(task.Category, "cancelled")
			return nil, ctx.Err()
		}

		o.logger.Warn("Provider failed, trying next candidate",
			"task_id", task.ID,
			"provider", name,
			"error", err.Error(),
			"attempts_used", attemptsUsed,
		)
	}

	cause := apperrors.NewAllProvidersFailedError(task.Category, causes)
	if degraded, ok := o.fallback(ctx, task, result, start, cause); ok {
		return degraded, nil
	}

	o.recordTask(task.Category, "all_failed")
	o.logger.Error("All providers failed for task",
		"task_id", task.ID,
		"category", task.Category,
		"attempts", attemptsUsed,
	)
	return nil, cause
}

// fallback produces a degraded routing result from the configured fallback.
// The second return reports whether it produced one.
func (o *Orchestrator) fallback(ctx context.Context, task *Task, result *RoutingResult, start time.Time, cause error) (*RoutingResult, bool) {
	if o.config.Fallback == nil {
		return nil, false
	}

	resp, err := o.config.Fallback(ctx, task, cause)
	if err != nil {
		o.logger.Error("Task fallback failed",
			"task_id", task.ID,
			"cause", cause.Error(),
			"fallback_error", err.Error(),
		)
		return nil, false
	}

	result.Response = resp
	if resp != nil {
		result.Provider = resp.Provider
	}
	result.Degraded = true
	result.Duration = time.Since(start)

	o.recordTask(task.Category, "degraded")
	o.logger.LogOperationEvent(ctx, "task_routing_degraded", task.ID, logrus.Fields{
		"cause": cause.Error(),
	})
	return result, true
}

// invoke runs a single provider invocation through the resilience manager
// under the provider's dedicated circuit breaker.
func (o *Orchestrator) invoke(ctx context.Context, p Provider, task *Task) (*Response, time.Duration, error) {
	key := breakerKeyPrefix + p.Name()

	timeout := task.Timeout
	if timeout <= 0 {
		timeout = o.config.ProviderTimeout
	}

	invokeCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		invokeCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	invokeCtx, span := o.tracer.StartSpan(invokeCtx, "provider.invoke",
		attribute.String("provider.name", p.Name()),
		attribute.String("task.id", task.ID),
	)
	defer span.End()

	retryCfg := resilience.DefaultRetryConfig()
	retryCfg.MaxAttempts = o.config.ProviderRetryAttempts

	start := time.Now()
	res, err := o.manager.Execute(invokeCtx, key, func(ctx context.Context) (interface{}, error) {
		return p.Invoke(ctx, task)
	}, &resilience.Policy{Retry: &retryCfg})
	latency := time.Since(start)

	if err != nil {
		tracing.RecordError(span, err)
		return nil, latency, err
	}

	resp, ok := res.Value.(*Response)
	if !ok {
		return nil, latency, apperrors.NewInternalError(
			fmt.Sprintf("provider %s returned an unexpected response type", p.Name()))
	}
	if resp.Provider == "" {
		resp.Provider = p.Name()
	}
	return resp, latency, nil
}

// filterOpenBreakers drops candidates whose dedicated breaker is open; they
// are presumed unhealthy and never attempted.
func (o *Orchestrator) filterOpenBreakers(cands []candidate) []candidate {
	out := cands[:0]
	for _, c := range cands {
		state, known := o.manager.BreakerState(breakerKeyPrefix + c.provider.Name())
		if known && state == resilience.StateOpen {
			continue
		}
		out = append(out, c)
	}
	return out
}

func (o *Orchestrator) recordTask(category, outcome string) {
	if o.metrics != nil {
		o.metrics.RecordTaskRouted(category, outcome)
	}
}

func (o *Orchestrator) recordProvider(name string, err error, latency time.Duration) {
	if o.metrics == nil {
		return
	}

	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	o.metrics.RecordProviderCall(name, outcome, latency)
}
