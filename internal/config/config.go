// Package config loads runtime configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds every tunable the engine reads at startup. DatabaseURL
// and RedisURL are optional: the engine falls back to the in-memory
// store without them, which is only suitable for development.
type Config struct {
	HTTPAddr        string        `envconfig:"HTTP_ADDR" default:":8080"`
	DatabaseURL     string        `envconfig:"DATABASE_URL"`
	RedisURL        string        `envconfig:"REDIS_URL"`
	BalanceCacheTTL time.Duration `envconfig:"BALANCE_CACHE_TTL" default:"30s"`
	SweepInterval   time.Duration `envconfig:"SWEEP_INTERVAL" default:"2s"`
	FeeRate         float64       `envconfig:"FEE_RATE" default:"0.001"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
	LogLevel        string        `envconfig:"LOG_LEVEL" default:"info"`
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.FeeRate < 0 || cfg.FeeRate >= 1 {
		return nil, fmt.Errorf("FEE_RATE must be in [0, 1), got %v", cfg.FeeRate)
	}
	return &cfg, nil
}
