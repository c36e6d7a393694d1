package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"flowengine/services/flow"
)

// config is the host configuration, read from the environment.
type config struct {
	DatabaseURL    string
	AMQPURL        string
	HTTPAddr       string
	AllowedOrigins []string
	Engine         flow.Config
}

func loadConfig() (config, error) {
	cfg := config{
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		AMQPURL:        os.Getenv("AMQP_URL"),
		HTTPAddr:       envString("HTTP_ADDR", ":8080"),
		AllowedOrigins: strings.Split(envString("CORS_ORIGINS", "http://localhost:3003"), ","),
	}

	var err error
	if cfg.Engine.MaxConcurrent, err = envInt("ENGINE_MAX_CONCURRENT"); err != nil {
		return cfg, err
	}
	if cfg.Engine.DefaultTimeout, err = envDuration("ENGINE_DEFAULT_TIMEOUT"); err != nil {
		return cfg, err
	}
	if cfg.Engine.Debug, err = envBool("ENGINE_DEBUG"); err != nil {
		return cfg, err
	}
	if cfg.Engine.Retry.MaxAttempts, err = envInt("ENGINE_RETRY_MAX_ATTEMPTS"); err != nil {
		return cfg, err
	}
	if cfg.Engine.Retry.Delay, err = envDuration("ENGINE_RETRY_DELAY"); err != nil {
		return cfg, err
	}
	if raw := os.Getenv("ENGINE_RETRY_BACKOFF"); raw != "" {
		if cfg.Engine.Retry.BackoffMultiplier, err = strconv.ParseFloat(raw, 64); err != nil {
			return cfg, fmt.Errorf("ENGINE_RETRY_BACKOFF: %w", err)
		}
	}
	return cfg, nil
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Unset variables return the zero value, which the engine replaces with its default.
func envInt(key string) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func envDuration(key string) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func envBool(key string) (bool, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}
