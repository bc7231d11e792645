package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the application configuration
type Config struct {
	Server       ServerConfig       `json:"server"`
	Redis        RedisConfig        `json:"redis"`
	Resilience   ResilienceConfig   `json:"resilience"`
	RateLimit    RateLimitConfig    `json:"rate_limit"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	OpenAI       OpenAIConfig       `json:"openai"`
	Logging      LoggingConfig      `json:"logging"`
	Tracing      TracingConfig      `json:"tracing"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
}

// RedisConfig contains Redis connection configuration
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// ResilienceConfig contains per-operation protection defaults
type ResilienceConfig struct {
	Retry          RetryConfig          `json:"retry"`
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker"`
	Bulkhead       BulkheadConfig       `json:"bulkhead"`
}

// RetryConfig contains default retry policy settings
type RetryConfig struct {
	MaxAttempts       int           `json:"max_attempts"`
	InitialDelay      time.Duration `json:"initial_delay"`
	MaxDelay          time.Duration `json:"max_delay"`
	BackoffMultiplier float64       `json:"backoff_multiplier"`
	Jitter            bool          `json:"jitter"`
	AttemptTimeout    time.Duration `json:"attempt_timeout"`
}

// CircuitBreakerConfig contains default breaker settings
type CircuitBreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold"`
	ResetTimeout     time.Duration `json:"reset_timeout"`
}

// BulkheadConfig contains default concurrency limiter settings
type BulkheadConfig struct {
	MaxConcurrent int           `json:"max_concurrent"`
	MaxQueueSize  int           `json:"max_queue_size"`
	QueueTimeout  time.Duration `json:"queue_timeout"`
}

// RateLimitConfig contains rate limiter settings
type RateLimitConfig struct {
	Enabled       bool          `json:"enabled"`
	KeyPrefix     string        `json:"key_prefix"`
	Points        int           `json:"points"`
	Window        time.Duration `json:"window"`
	BlockDuration time.Duration `json:"block_duration"`
	SweepInterval time.Duration `json:"sweep_interval"`
}

// OrchestratorConfig contains provider routing settings
type OrchestratorConfig struct {
	MaxTotalAttempts      int           `json:"max_total_attempts"`
	ProviderRetryAttempts int           `json:"provider_retry_attempts"`
	ProviderTimeout       time.Duration `json:"provider_timeout"`
	EMAAlpha              float64       `json:"ema_alpha"`
	SuccessWindow         int           `json:"success_window"`
}

// OpenAIConfig contains the OpenAI provider configuration
type OpenAIConfig struct {
	Enabled bool   `json:"enabled"`
	APIKey  string `json:"api_key"`
	BaseURL string `json:"base_url"`
	Model   string `json:"model"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	Output string `json:"output"`
}

// TracingConfig contains distributed tracing configuration
type TracingConfig struct {
	Enabled        bool    `json:"enabled"`
	JaegerEndpoint string  `json:"jaeger_endpoint"`
	SamplingRate   float64 `json:"sampling_rate"`
	Environment    string  `json:"environment"`
}

// Load loads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	config := &Config{
		Server: ServerConfig{
			Host:         getEnvString("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
		},
		Redis: RedisConfig{
			Enabled:  getEnvBool("REDIS_ENABLED", true),
			Host:     getEnvString("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnvString("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 10),
		},
		Resilience: ResilienceConfig{
			Retry: RetryConfig{
				MaxAttempts:       getEnvInt("RETRY_MAX_ATTEMPTS", 3),
				InitialDelay:      getEnvDuration("RETRY_INITIAL_DELAY", 100*time.Millisecond),
				MaxDelay:          getEnvDuration("RETRY_MAX_DELAY", 30*time.Second),
				BackoffMultiplier: getEnvFloat("RETRY_BACKOFF_MULTIPLIER", 2.0),
				Jitter:            getEnvBool("RETRY_JITTER", true),
				AttemptTimeout:    getEnvDuration("RETRY_ATTEMPT_TIMEOUT", 0),
			},
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: getEnvInt("BREAKER_FAILURE_THRESHOLD", 5),
				ResetTimeout:     getEnvDuration("BREAKER_RESET_TIMEOUT", 30*time.Second),
			},
			Bulkhead: BulkheadConfig{
				MaxConcurrent: getEnvInt("BULKHEAD_MAX_CONCURRENT", 10),
				MaxQueueSize:  getEnvInt("BULKHEAD_MAX_QUEUE_SIZE", 20),
				QueueTimeout:  getEnvDuration("BULKHEAD_QUEUE_TIMEOUT", 5*time.Second),
			},
		},
		RateLimit: RateLimitConfig{
			Enabled:       getEnvBool("RATELIMIT_ENABLED", true),
			KeyPrefix:     getEnvString("RATELIMIT_KEY_PREFIX", "fabric:ratelimit:"),
			Points:        getEnvInt("RATELIMIT_POINTS", 100),
			Window:        getEnvDuration("RATELIMIT_WINDOW", time.Minute),
			BlockDuration: getEnvDuration("RATELIMIT_BLOCK_DURATION", 0),
			SweepInterval: getEnvDuration("RATELIMIT_SWEEP_INTERVAL", time.Minute),
		},
		Orchestrator: OrchestratorConfig{
			MaxTotalAttempts:      getEnvInt("ORCHESTRATOR_MAX_TOTAL_ATTEMPTS", 3),
			ProviderRetryAttempts: getEnvInt("ORCHESTRATOR_PROVIDER_RETRY_ATTEMPTS", 1),
			ProviderTimeout:       getEnvDuration("ORCHESTRATOR_PROVIDER_TIMEOUT", 60*time.Second),
			EMAAlpha:              getEnvFloat("ORCHESTRATOR_EMA_ALPHA", 0.2),
			SuccessWindow:         getEnvInt("ORCHESTRATOR_SUCCESS_WINDOW", 50),
		},
		OpenAI: OpenAIConfig{
			Enabled: getEnvBool("OPENAI_ENABLED", false),
			APIKey:  getEnvString("OPENAI_API_KEY", ""),
			BaseURL: getEnvString("OPENAI_BASE_URL", ""),
			Model:   getEnvString("OPENAI_MODEL", "gpt-4o-mini"),
		},
		Logging: LoggingConfig{
			Level:  getEnvString("LOG_LEVEL", "info"),
			Format: getEnvString("LOG_FORMAT", "json"),
			Output: getEnvString("LOG_OUTPUT", "stdout"),
		},
		Tracing: TracingConfig{
			Enabled:        getEnvBool("TRACING_ENABLED", false),
			JaegerEndpoint: getEnvString("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
			SamplingRate:   getEnvFloat("TRACING_SAMPLING_RATE", 1.0),
			Environment:    getEnvString("ENVIRONMENT", "development"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Resilience.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry max attempts must be at least 1")
	}

	if c.Resilience.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("circuit breaker failure threshold must be at least 1")
	}

	if c.Resilience.Bulkhead.MaxConcurrent < 1 {
		return fmt.Errorf("bulkhead max concurrent must be at least 1")
	}

	if c.RateLimit.Enabled && c.RateLimit.Points < 1 {
		return fmt.Errorf("rate limit points must be at least 1")
	}

	if c.Orchestrator.EMAAlpha <= 0 || c.Orchestrator.EMAAlpha > 1 {
		return fmt.Errorf("orchestrator EMA alpha must be in (0, 1]")
	}

	if c.OpenAI.Enabled && c.OpenAI.APIKey == "" {
		return fmt.Errorf("OpenAI API key is required when the OpenAI provider is enabled")
	}

	return nil
}

// RedisAddr returns the Redis host:port address
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// Helper functions for environment variable parsing
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
