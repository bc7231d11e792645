package api

import (
	"github.com/gin-gonic/gin"

	"github.com/blipee-dev/blipee-fabric/internal/orchestrator"
	"github.com/blipee-dev/blipee-fabric/pkg/config"
	"github.com/blipee-dev/blipee-fabric/pkg/health"
	"github.com/blipee-dev/blipee-fabric/pkg/logging"
	"github.com/blipee-dev/blipee-fabric/pkg/metrics"
	"github.com/blipee-dev/blipee-fabric/pkg/ratelimit"
	"github.com/blipee-dev/blipee-fabric/pkg/resilience"
	"github.com/blipee-dev/blipee-fabric/pkg/tracing"
)

// Deps bundles the collaborators the router wires into handlers
type Deps struct {
	Config   *config.Config
	Logger   *logging.Logger
	Manager  *resilience.Manager
	Orch     *orchestrator.Orchestrator
	Health   *health.Service
	Metrics  *metrics.Metrics
	Tracer   *tracing.Service
	Limiter  *ratelimit.Limiter
	APIRules map[string]ratelimit.Rule
}

// NewRouter creates and configures the HTTP router
func NewRouter(deps Deps) *gin.Engine {
	if deps.Config != nil && deps.Config.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	router.Use(RequestIDMiddleware())
	router.Use(RecoveryMiddleware())
	router.Use(SecurityHeadersMiddleware())
	if deps.Logger != nil {
		router.Use(LoggingMiddleware(deps.Logger))
	}
	if deps.Tracer != nil {
		router.Use(deps.Tracer.Middleware())
	}
	if deps.Metrics != nil {
		router.Use(deps.Metrics.PrometheusMiddleware())
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	if deps.Health != nil {
		router.GET("/health", deps.Health.Handler())
		router.GET("/health/live", deps.Health.LivenessHandler())
		router.GET("/health/ready", deps.Health.ReadinessHandler())
	}

	taskHandler := NewTaskHandler(deps.Orch)
	adminHandler := NewAdminHandler(deps.Manager, deps.Orch.Registry(), deps.Limiter, deps.APIRules)

	v1 := router.Group("/v1")
	{
		tasks := v1.Group("/tasks")
		if rule, ok := deps.APIRules["api"]; ok {
			tasks.Use(RateLimitMiddleware(deps.Limiter, rule))
		}
		tasks.POST("", taskHandler.SubmitTask)

		admin := v1.Group("/admin")
		{
			admin.GET("/resilience", adminHandler.GetResilienceStatus)
			admin.GET("/providers", adminHandler.GetProviders)
			admin.POST("/operations/:key/reset", adminHandler.ResetOperation)
			admin.POST("/operations/:key/force-open", adminHandler.ForceOpenOperation)
			admin.POST("/operations/:key/force-close", adminHandler.ForceCloseOperation)
			admin.POST("/ratelimit/:key/reset", adminHandler.ResetRateLimit)
		}
	}

	return router
}
