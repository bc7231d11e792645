package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"

	"github.com/blipee-dev/blipee-fabric/internal/api"
	"github.com/blipee-dev/blipee-fabric/internal/orchestrator"
	"github.com/blipee-dev/blipee-fabric/pkg/config"
	"github.com/blipee-dev/blipee-fabric/pkg/health"
	"github.com/blipee-dev/blipee-fabric/pkg/logging"
	"github.com/blipee-dev/blipee-fabric/pkg/metrics"
	"github.com/blipee-dev/blipee-fabric/pkg/ratelimit"
	"github.com/blipee-dev/blipee-fabric/pkg/resilience"
	"github.com/blipee-dev/blipee-fabric/pkg/tracing"
	openaiprovider "github.com/blipee-dev/blipee-fabric/providers/openai"
)

func main() {
	// Load .env file if present (development convenience)
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.NewLogger(&logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      cfg.Logging.Output,
		ServiceName: "blipee-fabric",
	})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	logging.SetGlobalLogger(logger)

	logger.Info("Starting resilience fabric",
		"server_addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		"redis_enabled", cfg.Redis.Enabled,
		"ratelimit_enabled", cfg.RateLimit.Enabled,
	)

	tracer, err := tracing.NewService(&tracing.Config{
		ServiceName:    "blipee-fabric",
		ServiceVersion: "1.0.0",
		Environment:    cfg.Tracing.Environment,
		JaegerEndpoint: cfg.Tracing.JaegerEndpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Enabled:        cfg.Tracing.Enabled,
	})
	if err != nil {
		logger.Error("Failed to initialize tracing", "error", err.Error())
		os.Exit(1)
	}

	// Redis is optional; without it the rate limiter runs on the in-process
	// store alone.
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})

		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			logger.Warn("Redis unreachable at startup, continuing with fallback store",
				"addr", cfg.RedisAddr(),
				"error", err.Error(),
			)
		}
		cancel()
		defer redisClient.Close()
	}

	m := metrics.NewMetrics(metrics.DefaultConfig())

	var limiter *ratelimit.Limiter
	var memStore *ratelimit.MemoryStore
	apiRules := map[string]ratelimit.Rule{}
	if cfg.RateLimit.Enabled {
		memStore = ratelimit.NewMemoryStore(cfg.RateLimit.SweepInterval)
		defer memStore.Close()

		if redisClient != nil {
			limiter = ratelimit.NewLimiter(ratelimit.NewRedisStore(redisClient), memStore, cfg.RateLimit.KeyPrefix)
		} else {
			limiter = ratelimit.NewLimiter(memStore, nil, cfg.RateLimit.KeyPrefix)
		}

		apiRules["api"] = ratelimit.Rule{
			Name:          "api",
			Points:        cfg.RateLimit.Points,
			Window:        cfg.RateLimit.Window,
			BlockDuration: cfg.RateLimit.BlockDuration,
		}
	}

	manager := resilience.NewManager(resilience.ManagerConfig{
		DefaultRetry: resilience.RetryConfig{
			MaxAttempts:       cfg.Resilience.Retry.MaxAttempts,
			InitialDelay:      cfg.Resilience.Retry.InitialDelay,
			MaxDelay:          cfg.Resilience.Retry.MaxDelay,
			BackoffMultiplier: cfg.Resilience.Retry.BackoffMultiplier,
			Jitter:            cfg.Resilience.Retry.Jitter,
			AttemptTimeout:    cfg.Resilience.Retry.AttemptTimeout,
		},
		DefaultBreaker: resilience.CircuitBreakerConfig{
			FailureThreshold: cfg.Resilience.CircuitBreaker.FailureThreshold,
			ResetTimeout:     cfg.Resilience.CircuitBreaker.ResetTimeout,
		},
		DefaultBulkhead: resilience.BulkheadConfig{
			MaxConcurrent: cfg.Resilience.Bulkhead.MaxConcurrent,
			MaxQueueSize:  cfg.Resilience.Bulkhead.MaxQueueSize,
			QueueTimeout:  cfg.Resilience.Bulkhead.QueueTimeout,
		},
		Limiter: limiter,
		Metrics: m,
	})

	registry := orchestrator.NewRegistry(cfg.Orchestrator.EMAAlpha, cfg.Orchestrator.SuccessWindow)
	orch := orchestrator.New(orchestrator.Config{
		MaxTotalAttempts:      cfg.Orchestrator.MaxTotalAttempts,
		ProviderRetryAttempts: cfg.Orchestrator.ProviderRetryAttempts,
		ProviderTimeout:       cfg.Orchestrator.ProviderTimeout,
	}, registry, manager, m, tracer)

	if cfg.OpenAI.Enabled {
		provider, err := openaiprovider.New(openaiprovider.Config{
			APIKey:  cfg.OpenAI.APIKey,
			BaseURL: cfg.OpenAI.BaseURL,
			Model:   cfg.OpenAI.Model,
		})
		if err != nil {
			logger.Error("Failed to create OpenAI provider", "error", err.Error())
			os.Exit(1)
		}
		if err := registry.Register(provider); err != nil {
			logger.Error("Failed to register OpenAI provider", "error", err.Error())
			os.Exit(1)
		}
	}

	healthService := health.NewService(logger, health.DefaultConfig())
	healthService.RegisterChecker("resilience", health.NewResilienceChecker(manager, "resilience"))
	if redisClient != nil {
		healthService.RegisterChecker("redis", health.NewRedisChecker(redisClient, "redis"))
	}
	healthService.RegisterChecker("providers", health.NewCustomChecker("providers",
		func(ctx context.Context) (health.Status, string, error) {
			if registry.Len() == 0 {
				return health.StatusDegraded, "no providers registered", nil
			}
			return health.StatusHealthy, fmt.Sprintf("%d providers registered", registry.Len()), nil
		}))

	router := api.NewRouter(api.Deps{
		Config:   cfg,
		Logger:   logger,
		Manager:  manager,
		Orch:     orch,
		Health:   healthService,
		Metrics:  m,
		Tracer:   tracer,
		Limiter:  limiter,
		APIRules: apiRules,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("HTTP server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", "error", err.Error())
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	logger.Info("Shutting down", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", "error", err.Error())
	}
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Tracer shutdown failed", "error", err.Error())
	}

	logger.Info("Shutdown complete")
}
