package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	apperrors "github.com/blipee-dev/blipee-fabric/pkg/errors"
	"github.com/blipee-dev/blipee-fabric/pkg/logging"
)

// providerMetrics tracks a provider's rolling performance. Success rate is
// computed over a bounded ring of recent outcomes so old history ages out;
// latency is an exponential moving average.
type providerMetrics struct {
	mu sync.Mutex

	emaLatency    time.Duration
	emaAlpha      float64
	outcomes      []bool
	outcomeIdx    int
	outcomeCount  int
	totalCalls    uint64
	totalFailures uint64
}

func newProviderMetrics(alpha float64, window int) *providerMetrics {
	if alpha <= 0 || alpha > 1 {
		alpha = 0.2
	}
	if window <= 0 {
		window = 50
	}

	return &providerMetrics{
		emaAlpha: alpha,
		outcomes: make([]bool, window),
	}
}

func (pm *providerMetrics) record(success bool, latency time.Duration) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.totalCalls++
	if !success {
		pm.totalFailures++
	}

	pm.outcomes[pm.outcomeIdx] = success
	pm.outcomeIdx = (pm.outcomeIdx + 1) % len(pm.outcomes)
	if pm.outcomeCount < len(pm.outcomes) {
		pm.outcomeCount++
	}

	if latency > 0 {
		if pm.emaLatency == 0 {
			pm.emaLatency = latency
		} else {
			pm.emaLatency = time.Duration(pm.emaAlpha*float64(latency) + (1-pm.emaAlpha)*float64(pm.emaLatency))
		}
	}
}

// successRate returns the fraction of successes over the recent window. A
// provider with no history yet scores a full 1.0 so new providers are not
// starved of traffic.
func (pm *providerMetrics) successRate() float64 {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if pm.outcomeCount == 0 {
		return 1.0
	}

	successes := 0
	for i := 0; i < pm.outcomeCount; i++ {
		if pm.outcomes[i] {
			successes++
		}
	}
	return float64(successes) / float64(pm.outcomeCount)
}

func (pm *providerMetrics) latency() time.Duration {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.emaLatency
}

func (pm *providerMetrics) snapshot() ProviderStats {
	pm.mu.Lock()
	rate := 1.0
	if pm.outcomeCount > 0 {
		successes := 0
		for i := 0; i < pm.outcomeCount; i++ {
			if pm.outcomes[i] {
				successes++
			}
		}
		rate = float64(successes) / float64(pm.outcomeCount)
	}
	stats := ProviderStats{
		TotalCalls:    pm.totalCalls,
		TotalFailures: pm.totalFailures,
		SuccessRate:   rate,
		EMALatency:    pm.emaLatency,
	}
	pm.mu.Unlock()
	return stats
}

// ProviderStats is the exported rolling metrics view of one provider
type ProviderStats struct {
	TotalCalls    uint64        `json:"total_calls"`
	TotalFailures uint64        `json:"total_failures"`
	SuccessRate   float64       `json:"success_rate"`
	EMALatency    time.Duration `json:"ema_latency"`
}

// ProviderStatus combines a provider's registration info with its metrics
type ProviderStatus struct {
	Name         string        `json:"name"`
	Capabilities []string      `json:"capabilities"`
	Available    bool          `json:"available"`
	Stats        ProviderStats `json:"stats"`
}

type registeredProvider struct {
	provider Provider
	metrics  *providerMetrics
}

// Registry holds the registered providers and their rolling metrics. It is an
// explicit object owned by application startup.
type Registry struct {
	emaAlpha      float64
	successWindow int

	mu        sync.RWMutex
	providers map[string]*registeredProvider

	logger *logging.Logger
}

// NewRegistry creates an empty provider registry
func NewRegistry(emaAlpha float64, successWindow int) *Registry {
	return &Registry{
		emaAlpha:      emaAlpha,
		successWindow: successWindow,
		providers:     make(map[string]*registeredProvider),
		logger:        logging.GetLogger(),
	}
}

// Register adds a provider to the registry. Names must be unique.
func (r *Registry) Register(p Provider) error {
	name := p.Name()
	if name == "" {
		return apperrors.NewValidationError("provider name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[name]; exists {
		return apperrors.NewConflictError(fmt.Sprintf("provider %s is already registered", name))
	}

	r.providers[name] = &registeredProvider{
		provider: p,
		metrics:  newProviderMetrics(r.emaAlpha, r.successWindow),
	}

	r.logger.Info("Provider registered",
		"provider", name,
		"capabilities", p.Capabilities(),
	)
	return nil
}

// Deregister removes a provider from the registry
func (r *Registry) Deregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[name]; !exists {
		return apperrors.NewNotFoundError(fmt.Sprintf("provider %s", name))
	}

	delete(r.providers, name)
	r.logger.Info("Provider deregistered", "provider", name)
	return nil
}

// Get returns the provider registered under name
func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rp, ok := r.providers[name]
	if !ok {
		return nil, false
	}
	return rp.provider, true
}

// RecordResult updates the rolling metrics for a provider invocation
func (r *Registry) RecordResult(name string, success bool, latency time.Duration) {
	r.mu.RLock()
	rp, ok := r.providers[name]
	r.mu.RUnlock()

	if ok {
		rp.metrics.record(success, latency)
	}
}

// Stats returns the rolling metrics for a provider
func (r *Registry) Stats(name string) (ProviderStats, bool) {
	r.mu.RLock()
	rp, ok := r.providers[name]
	r.mu.RUnlock()

	if !ok {
		return ProviderStats{}, false
	}
	return rp.metrics.snapshot(), true
}

// candidate pairs a provider with the ranking inputs captured at filter time
type candidate struct {
	provider    Provider
	excess      int
	successRate float64
	latency     time.Duration
}

// candidates returns the providers whose capability set covers the required
// capabilities and that report themselves available, together with their
// current ranking inputs.
func (r *Registry) candidates(ctx context.Context, required []string) []candidate {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]candidate, 0, len(r.providers))
	for _, rp := range r.providers {
		caps := rp.provider.Capabilities()
		if !hasCapabilities(caps, required) {
			continue
		}
		if !rp.provider.IsAvailable(ctx) {
			continue
		}

		out = append(out, candidate{
			provider:    rp.provider,
			excess:      len(caps) - len(required),
			successRate: rp.metrics.successRate(),
			latency:     rp.metrics.latency(),
		})
	}
	return out
}

// rank orders candidates best-first: capability specificity (fewer excess
// capabilities) first, then a weighted score of success rate and normalized
// inverse latency. A provider strictly better on both success rate and
// latency always outranks a strictly worse one at equal specificity.
func rank(cands []candidate) {
	var maxLatency time.Duration
	for _, c := range cands {
		if c.latency > maxLatency {
			maxLatency = c.latency
		}
	}

	score := func(c candidate) float64 {
		latencyScore := 1.0
		if maxLatency > 0 && c.latency > 0 {
			latencyScore = 1.0 - float64(c.latency)/float64(maxLatency+1)
		}
		return 0.6*c.successRate + 0.4*latencyScore
	}

	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].excess != cands[j].excess {
			return cands[i].excess < cands[j].excess
		}
		return score(cands[i]) > score(cands[j])
	})
}

// Snapshot returns the status of every registered provider, sorted by name
func (r *Registry) Snapshot(ctx context.Context) []ProviderStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ProviderStatus, 0, len(r.providers))
	for name, rp := range r.providers {
		out = append(out, ProviderStatus{
			Name:         name,
			Capabilities: rp.provider.Capabilities(),
			Available:    rp.provider.IsAvailable(ctx),
			Stats:        rp.metrics.snapshot(),
		})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of registered providers
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}
