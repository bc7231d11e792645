package orchestrator

import (
	"context"
	"time"
)

// Provider is the contract implemented by task execution backends, such as AI
// completion services. Implementations must be safe for concurrent use.
type Provider interface {
	// Name returns the provider's unique registration name
	Name() string

	// Capabilities returns the set of capabilities the provider advertises
	Capabilities() []string

	// IsAvailable reports whether the provider can currently accept work.
	// It should be a cheap local check, not a remote call.
	IsAvailable(ctx context.Context) bool

	// Invoke executes the task against the backend
	Invoke(ctx context.Context, task *Task) (*Response, error)
}

// Task describes a unit of work to route. Task descriptors are transient;
// nothing about them is persisted.
type Task struct {
	ID                   string                 `json:"id"`
	Category             string                 `json:"category"`
	RequiredCapabilities []string               `json:"required_capabilities"`
	Payload              map[string]interface{} `json:"payload,omitempty"`
	Timeout              time.Duration          `json:"timeout,omitempty"`
}

// Response is a provider's answer to a task
type Response struct {
	Provider string                 `json:"provider"`
	Content  string                 `json:"content,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Attempt records one provider invocation made while routing a task
type Attempt struct {
	Provider string        `json:"provider"`
	Error    string        `json:"error,omitempty"`
	Latency  time.Duration `json:"latency"`
}

// RoutingResult is the outcome of routing a task through the provider fleet
type RoutingResult struct {
	TaskID   string        `json:"task_id"`
	Provider string        `json:"provider"`
	Response *Response     `json:"response,omitempty"`
	Degraded bool          `json:"degraded"`
	Attempts []Attempt     `json:"attempts"`
	Duration time.Duration `json:"duration"`
}

// hasCapabilities reports whether the provider's capability set is a superset
// of the required set.
func hasCapabilities(provided, required []string) bool {
	if len(required) == 0 {
		return true
	}

	set := make(map[string]struct{}, len(provided))
	for _, c := range provided {
		set[c] = struct{}{}
	}

	for _, c := range required {
		if _, ok := set[c]; !ok {
			return false
		}
	}
	return true
}
