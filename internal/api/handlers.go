package api

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/blipee-dev/blipee-fabric/internal/orchestrator"
	apperrors "github.com/blipee-dev/blipee-fabric/pkg/errors"
	"github.com/blipee-dev/blipee-fabric/pkg/ratelimit"
	"github.com/blipee-dev/blipee-fabric/pkg/resilience"
)

// TaskHandler routes submitted tasks through the orchestrator
type TaskHandler struct {
	orch *orchestrator.Orchestrator
}

// NewTaskHandler creates a task submission handler
func NewTaskHandler(orch *orchestrator.Orchestrator) *TaskHandler {
	return &TaskHandler{orch: orch}
}

// SubmitTaskRequest is the task submission payload
type SubmitTaskRequest struct {
	Category             string                 `json:"category" binding:"required"`
	RequiredCapabilities []string               `json:"required_capabilities"`
	Payload              map[string]interface{} `json:"payload"`
	TimeoutSeconds       int                    `json:"timeout_seconds"`
}

// SubmitTask routes a task to the best available provider
func (h *TaskHandler) SubmitTask(c *gin.Context) {
	var req SubmitTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, apperrors.NewValidationError(err.Error()))
		return
	}

	task := &orchestrator.Task{
		Category:             req.Category,
		RequiredCapabilities: req.RequiredCapabilities,
		Payload:              req.Payload,
	}
	if req.TimeoutSeconds > 0 {
		task.Timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}

	result, err := h.orch.RouteTask(c.Request.Context(), task)
	if err != nil {
		ErrorResponse(c, err)
		return
	}

	SuccessResponse(c, result)
}

// AdminHandler exposes the operational surface of the resilience manager and
// the provider registry.
type AdminHandler struct {
	manager  *resilience.Manager
	registry *orchestrator.Registry
	limiter  *ratelimit.Limiter
	rules    map[string]ratelimit.Rule
}

// NewAdminHandler creates the admin handler. limiter may be nil; rules maps
// rule names to their definitions for rate-limit resets.
func NewAdminHandler(manager *resilience.Manager, registry *orchestrator.Registry, limiter *ratelimit.Limiter, rules map[string]ratelimit.Rule) *AdminHandler {
	return &AdminHandler{
		manager:  manager,
		registry: registry,
		limiter:  limiter,
		rules:    rules,
	}
}

// GetResilienceStatus returns the health snapshot of all managed operations
func (h *AdminHandler) GetResilienceStatus(c *gin.Context) {
	SuccessResponse(c, h.manager.HealthStatus())
}

// GetProviders returns the status of all registered providers
func (h *AdminHandler) GetProviders(c *gin.Context) {
	SuccessResponse(c, h.registry.Snapshot(c.Request.Context()))
}

// ResetOperation restores the operation's breaker to its initial state.
// Resetting an unknown key is a no-op.
func (h *AdminHandler) ResetOperation(c *gin.Context) {
	key := c.Param("key")
	h.manager.Reset(key)
	SuccessResponse(c, gin.H{"operation": key, "action": "reset"})
}

// ForceOpenOperation pins the operation's breaker open
func (h *AdminHandler) ForceOpenOperation(c *gin.Context) {
	key := c.Param("key")
	h.manager.ForceOpen(key)
	SuccessResponse(c, gin.H{"operation": key, "action": "force_open"})
}

// ForceCloseOperation closes the operation's breaker
func (h *AdminHandler) ForceCloseOperation(c *gin.Context) {
	key := c.Param("key")
	h.manager.ForceClose(key)
	SuccessResponse(c, gin.H{"operation": key, "action": "force_close"})
}

// ResetRateLimitRequest names the rule whose bucket should be cleared
type ResetRateLimitRequest struct {
	Rule string `json:"rule" binding:"required"`
}

// ResetRateLimit clears the rate limit bucket for an identity and rule
func (h *AdminHandler) ResetRateLimit(c *gin.Context) {
	if h.limiter == nil {
		ErrorResponse(c, apperrors.NewValidationError("rate limiting is not enabled"))
		return
	}

	var req ResetRateLimitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		ErrorResponse(c, apperrors.NewValidationError(err.Error()))
		return
	}

	rule, ok := h.rules[req.Rule]
	if !ok {
		ErrorResponse(c, apperrors.NewNotFoundError("rate limit rule "+req.Rule))
		return
	}

	identity := c.Param("key")
	if err := h.limiter.Reset(c.Request.Context(), identity, rule); err != nil {
		ErrorResponse(c, apperrors.NewInternalError("failed to reset rate limit").WithCause(err))
		return
	}

	SuccessResponse(c, gin.H{"identity": identity, "rule": req.Rule, "action": "reset"})
}
