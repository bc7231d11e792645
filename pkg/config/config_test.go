package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Resilience.Retry.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.Resilience.Retry.InitialDelay)
	assert.Equal(t, 5, cfg.Resilience.CircuitBreaker.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.Resilience.CircuitBreaker.ResetTimeout)
	assert.Equal(t, 10, cfg.Resilience.Bulkhead.MaxConcurrent)
	assert.Equal(t, 20, cfg.Resilience.Bulkhead.MaxQueueSize)
	assert.Equal(t, 100, cfg.RateLimit.Points)
	assert.Equal(t, time.Minute, cfg.RateLimit.Window)
	assert.Equal(t, 3, cfg.Orchestrator.MaxTotalAttempts)
	assert.Equal(t, 0.2, cfg.Orchestrator.EMAAlpha)
	assert.Equal(t, 50, cfg.Orchestrator.SuccessWindow)
	assert.False(t, cfg.OpenAI.Enabled)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("RETRY_MAX_ATTEMPTS", "5")
	t.Setenv("BREAKER_RESET_TIMEOUT", "45s")
	t.Setenv("BULKHEAD_MAX_CONCURRENT", "7")
	t.Setenv("RATELIMIT_ENABLED", "false")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Resilience.Retry.MaxAttempts)
	assert.Equal(t, 45*time.Second, cfg.Resilience.CircuitBreaker.ResetTimeout)
	assert.Equal(t, 7, cfg.Resilience.Bulkhead.MaxConcurrent)
	assert.False(t, cfg.RateLimit.Enabled)
}

func TestLoad_InvalidValuesFallBackToDefaults(t *testing.T) {
	t.Setenv("SERVER_PORT", "not-a-number")
	t.Setenv("RETRY_JITTER", "not-a-bool")
	t.Setenv("BREAKER_RESET_TIMEOUT", "not-a-duration")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.True(t, cfg.Resilience.Retry.Jitter)
	assert.Equal(t, 30*time.Second, cfg.Resilience.CircuitBreaker.ResetTimeout)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "retry attempts below one",
			mutate:  func(c *Config) { c.Resilience.Retry.MaxAttempts = 0 },
			wantErr: "retry max attempts",
		},
		{
			name:    "breaker threshold below one",
			mutate:  func(c *Config) { c.Resilience.CircuitBreaker.FailureThreshold = 0 },
			wantErr: "failure threshold",
		},
		{
			name:    "bulkhead concurrency below one",
			mutate:  func(c *Config) { c.Resilience.Bulkhead.MaxConcurrent = 0 },
			wantErr: "bulkhead max concurrent",
		},
		{
			name:    "invalid EMA alpha",
			mutate:  func(c *Config) { c.Orchestrator.EMAAlpha = 1.5 },
			wantErr: "EMA alpha",
		},
		{
			name:    "openai enabled without key",
			mutate:  func(c *Config) { c.OpenAI.Enabled = true; c.OpenAI.APIKey = "" },
			wantErr: "OpenAI API key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load()
			require.NoError(t, err)

			tt.mutate(cfg)
			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRedisAddr(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr())
}
