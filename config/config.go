// Package config loads the process configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-driven settings recognized by the core.
type Config struct {
	DatabaseURL string `env:"DATABASE_URL,required"`
	RedisURL    string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`

	Addr string `env:"ADDR" envDefault:":8080"`

	Headless        bool `env:"HEADLESS" envDefault:"true"`
	BrowserPoolSize int  `env:"BROWSER_POOL_SIZE" envDefault:"3"`

	ScrapeConcurrency    int `env:"SCRAPE_CONCURRENCY" envDefault:"2"`
	MatchConcurrency     int `env:"MATCH_CONCURRENCY" envDefault:"1"`
	InstagramConcurrency int `env:"INSTAGRAM_CONCURRENCY" envDefault:"1"`

	RunHeartbeatTimeoutSeconds int `env:"RUN_HEARTBEAT_TIMEOUT_SECONDS" envDefault:"600"`
	DispatchIntervalSeconds    int `env:"DISPATCH_INTERVAL_SECONDS" envDefault:"60"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// Load reads configuration from the environment, honoring a .env file when
// one is present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if cfg.BrowserPoolSize < 1 {
		return nil, fmt.Errorf("BROWSER_POOL_SIZE must be positive, got %d", cfg.BrowserPoolSize)
	}

	if cfg.ScrapeConcurrency < 1 || cfg.MatchConcurrency < 1 || cfg.InstagramConcurrency < 1 {
		return nil, fmt.Errorf("queue concurrency values must be positive")
	}

	return &cfg, nil
}

// HeartbeatTimeout returns the run heartbeat timeout as a duration.
func (c *Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.RunHeartbeatTimeoutSeconds) * time.Second
}

// DispatchInterval returns the dispatcher tick interval as a duration.
func (c *Config) DispatchInterval() time.Duration {
	return time.Duration(c.DispatchIntervalSeconds) * time.Second
}
