package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	for _, key := range []string{
		"DATABASE_URL", "AMQP_URL", "HTTP_ADDR", "CORS_ORIGINS",
		"ENGINE_MAX_CONCURRENT", "ENGINE_DEFAULT_TIMEOUT", "ENGINE_DEBUG",
		"ENGINE_RETRY_MAX_ATTEMPTS", "ENGINE_RETRY_DELAY", "ENGINE_RETRY_BACKOFF",
	} {
		t.Setenv(key, "")
	}

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, []string{"http://localhost:3003"}, cfg.AllowedOrigins)
	assert.Empty(t, cfg.DatabaseURL)
	assert.Zero(t, cfg.Engine.MaxConcurrent)
	assert.False(t, cfg.Engine.Debug)
}

func TestLoadConfig_Engine(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("ENGINE_MAX_CONCURRENT", "4")
	t.Setenv("ENGINE_DEFAULT_TIMEOUT", "45s")
	t.Setenv("ENGINE_DEBUG", "true")
	t.Setenv("ENGINE_RETRY_MAX_ATTEMPTS", "3")
	t.Setenv("ENGINE_RETRY_DELAY", "250ms")
	t.Setenv("ENGINE_RETRY_BACKOFF", "1.5")

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, 4, cfg.Engine.MaxConcurrent)
	assert.Equal(t, 45*time.Second, cfg.Engine.DefaultTimeout)
	assert.True(t, cfg.Engine.Debug)
	assert.Equal(t, 3, cfg.Engine.Retry.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Engine.Retry.Delay)
	assert.Equal(t, 1.5, cfg.Engine.Retry.BackoffMultiplier)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		key   string
		value string
	}{
		{"ENGINE_MAX_CONCURRENT", "many"},
		{"ENGINE_DEFAULT_TIMEOUT", "30"},
		{"ENGINE_DEBUG", "maybe"},
		{"ENGINE_RETRY_BACKOFF", "x"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := loadConfig()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.key)
		})
	}
}
