// Package config implements flow's layered configuration: struct defaults,
// optionally overridden by a YAML file, then by environment variables, then
// by CLI flags (SPEC_FULL.md §FULL-4.8), grounded on
// adred-codev-ws_poc/ws/config.go's env+godotenv layering.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/flowrpc/flow/transport"
)

// Config is the full set of knobs a flow client or server process accepts.
type Config struct {
	// Transport
	Channel     string `yaml:"channel" env:"FLOW_CHANNEL" envDefault:"aeron:udp?endpoint=127.0.0.1:29900"`
	Cipher      string `yaml:"cipher" env:"FLOW_CIPHER" envDefault:"aes"`
	PresharedKey string `yaml:"preshared_key" env:"FLOW_KEY" envDefault:"it's a secret"`

	// Worker pool
	WorkerPoolSize int `yaml:"worker_pool_size" env:"FLOW_WORKER_POOL_SIZE" envDefault:"64"`
	PollFragmentLimit int `yaml:"poll_fragment_limit" env:"FLOW_POLL_FRAGMENT_LIMIT" envDefault:"16"`

	// Rate limiting
	RateLimitPerSecond float64 `yaml:"rate_limit_per_second" env:"FLOW_RATE_LIMIT_PER_SECOND" envDefault:"1000"`
	RateLimitBurstSeconds float64 `yaml:"rate_limit_burst_seconds" env:"FLOW_RATE_LIMIT_BURST_SECONDS" envDefault:"1"`

	// Client dispatch
	DefaultCallTimeout time.Duration `yaml:"default_call_timeout" env:"FLOW_DEFAULT_CALL_TIMEOUT" envDefault:"5s"`
	ReaperInterval     time.Duration `yaml:"reaper_interval" env:"FLOW_REAPER_INTERVAL" envDefault:"100ms"`

	// Idle/backoff strategy
	BackoffMin    time.Duration `yaml:"backoff_min" env:"FLOW_BACKOFF_MIN" envDefault:"1ms"`
	BackoffMax    time.Duration `yaml:"backoff_max" env:"FLOW_BACKOFF_MAX" envDefault:"100ms"`
	BackoffFactor float64       `yaml:"backoff_factor" env:"FLOW_BACKOFF_FACTOR" envDefault:"2.0"`

	// Load balancing
	PeerStrategy string `yaml:"peer_strategy" env:"FLOW_PEER_STRATEGY" envDefault:"swrr"`

	// Logging
	LogLevel  string `yaml:"log_level" env:"FLOW_LOG_LEVEL" envDefault:"info"`
	LogFormat string `yaml:"log_format" env:"FLOW_LOG_FORMAT" envDefault:"json"`

	// Metrics
	MetricsAddr string `yaml:"metrics_addr" env:"FLOW_METRICS_ADDR" envDefault:":9090"`
}

// Load builds a Config from defaults, then an optional YAML file at
// yamlPath (skipped if empty or missing), then environment variables
// (including a best-effort .env file), in that priority order. CLI flags
// are applied afterward by the caller, which assigns the flag values to the
// returned Config's fields directly (see cmd/rpc-server and cmd/rpc-client).
func Load(yamlPath string, log zerolog.Logger) (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: apply defaults: %w", err)
	}

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", yamlPath, err)
			}
			log.Info().Str("path", yamlPath).Msg("config: no file found, using defaults")
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", yamlPath, err)
		}
	}

	if err := godotenv.Load(); err != nil {
		log.Info().Msg("config: no .env file found, using process environment only")
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: apply environment: %w", err)
	}

	return cfg, nil
}

// Validate rejects configurations that would make downstream components
// misbehave rather than fail fast (§FULL-4.8).
func (c *Config) Validate() error {
	if c.WorkerPoolSize <= 0 {
		return fmt.Errorf("config: worker_pool_size must be positive, got %d", c.WorkerPoolSize)
	}
	if c.PollFragmentLimit <= 0 {
		return fmt.Errorf("config: poll_fragment_limit must be positive, got %d", c.PollFragmentLimit)
	}
	if c.RateLimitPerSecond <= 0 {
		return fmt.Errorf("config: rate_limit_per_second must be positive, got %f", c.RateLimitPerSecond)
	}
	if c.RateLimitBurstSeconds <= 0 {
		return fmt.Errorf("config: rate_limit_burst_seconds must be positive, got %f", c.RateLimitBurstSeconds)
	}
	if c.DefaultCallTimeout <= 0 {
		return fmt.Errorf("config: default_call_timeout must be positive, got %s", c.DefaultCallTimeout)
	}
	if c.BackoffMin <= 0 || c.BackoffMax < c.BackoffMin {
		return fmt.Errorf("config: backoff_min/backoff_max misconfigured (%s/%s)", c.BackoffMin, c.BackoffMax)
	}
	if c.BackoffFactor <= 1 {
		return fmt.Errorf("config: backoff_factor must be greater than 1, got %f", c.BackoffFactor)
	}
	switch c.PeerStrategy {
	case "swrr", "round_robin", "random", "weighted_random", "least_connections":
	default:
		return fmt.Errorf("config: unknown peer_strategy %q", c.PeerStrategy)
	}
	if _, err := transport.ParseChannelURI(c.Channel, 0); err != nil {
		return fmt.Errorf("config: malformed channel %q: %w", c.Channel, err)
	}
	return nil
}
