package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all broker configuration.
//
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Addr string `env:"BROKER_ADDR" envDefault:":3000"`

	// CORS
	AllowedOrigins string `env:"BROKER_ALLOWED_ORIGINS" envDefault:"*"`

	// Rate limiting (per source address, token bucket)
	RateLimitPoints int           `env:"BROKER_RATE_LIMIT_POINTS" envDefault:"100"`
	RateLimitWindow time.Duration `env:"BROKER_RATE_LIMIT_WINDOW" envDefault:"60s"`

	// Envelope TTL
	DefaultTTL time.Duration `env:"BROKER_DEFAULT_TTL" envDefault:"24h"`
	MaxTTL     time.Duration `env:"BROKER_MAX_TTL" envDefault:"720h"` // 30 days

	// Reaper cadences
	EnvelopeSweepInterval time.Duration `env:"BROKER_ENVELOPE_SWEEP_INTERVAL" envDefault:"5m"`
	SessionSweepInterval  time.Duration `env:"BROKER_SESSION_SWEEP_INTERVAL" envDefault:"1m"`
	SessionIdleTimeout    time.Duration `env:"BROKER_SESSION_IDLE_TIMEOUT" envDefault:"5m"`

	// Cluster replication
	PeerSeeds         string        `env:"BROKER_PEER_SEEDS" envDefault:""` // comma-separated node URLs
	ReplicationTimeout time.Duration `env:"BROKER_REPLICATION_TIMEOUT" envDefault:"5s"`

	// Capacity and resource safety thresholds (emergency brakes on new
	// duplex-channel connections)
	MaxConnections         int           `env:"BROKER_MAX_CONNECTIONS" envDefault:"10000"`
	CPURejectThreshold     float64       `env:"BROKER_CPU_REJECT_THRESHOLD" envDefault:"85"`
	MemoryLimit            int64         `env:"BROKER_MEMORY_LIMIT" envDefault:"536870912"` // 512MB
	MaxGoroutines          int           `env:"BROKER_MAX_GOROUTINES" envDefault:"50000"`
	ResourceSampleInterval time.Duration `env:"BROKER_RESOURCE_SAMPLE_INTERVAL" envDefault:"15s"`

	// Worker pool backing the replication fan-out
	ReplicationWorkers   int `env:"BROKER_REPLICATION_WORKERS" envDefault:"8"`
	ReplicationQueueSize int `env:"BROKER_REPLICATION_QUEUE_SIZE" envDefault:"1024"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from an optional .env file and then the process
// environment. Priority: ENV vars > .env file > defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		} else {
			fmt.Println("Info: No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	if logger != nil {
		logger.Info().Msg("Configuration loaded and validated successfully")
	}

	return cfg, nil
}

// Validate checks configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("BROKER_ADDR is required")
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("BROKER_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.RateLimitPoints < 1 {
		return fmt.Errorf("BROKER_RATE_LIMIT_POINTS must be > 0, got %d", c.RateLimitPoints)
	}
	if c.RateLimitWindow <= 0 {
		return fmt.Errorf("BROKER_RATE_LIMIT_WINDOW must be > 0, got %s", c.RateLimitWindow)
	}
	if c.DefaultTTL <= 0 {
		return fmt.Errorf("BROKER_DEFAULT_TTL must be > 0, got %s", c.DefaultTTL)
	}
	if c.MaxTTL < c.DefaultTTL {
		return fmt.Errorf("BROKER_MAX_TTL (%s) must be >= BROKER_DEFAULT_TTL (%s)", c.MaxTTL, c.DefaultTTL)
	}
	if c.ReplicationWorkers < 1 {
		return fmt.Errorf("BROKER_REPLICATION_WORKERS must be > 0, got %d", c.ReplicationWorkers)
	}
	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("BROKER_CPU_REJECT_THRESHOLD must be within [0, 100], got %g", c.CPURejectThreshold)
	}
	if c.MemoryLimit < 0 {
		return fmt.Errorf("BROKER_MEMORY_LIMIT must be >= 0, got %d", c.MemoryLimit)
	}
	if c.MaxGoroutines < 1 {
		return fmt.Errorf("BROKER_MAX_GOROUTINES must be > 0, got %d", c.MaxGoroutines)
	}
	if c.ResourceSampleInterval <= 0 {
		return fmt.Errorf("BROKER_RESOURCE_SAMPLE_INTERVAL must be > 0, got %s", c.ResourceSampleInterval)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	return nil
}

// Print logs configuration in a human-readable form for startup output.
func (c *Config) Print() {
	fmt.Println("=== Broker Configuration ===")
	fmt.Printf("Environment:       %s\n", c.Environment)
	fmt.Printf("Address:           %s\n", c.Addr)
	fmt.Printf("Max Connections:   %d\n", c.MaxConnections)
	fmt.Println("\n=== Resource Limits ===")
	fmt.Printf("CPU Reject:        %.0f%%\n", c.CPURejectThreshold)
	fmt.Printf("Memory Limit:      %d MB\n", c.MemoryLimit/(1024*1024))
	fmt.Printf("Max Goroutines:    %d\n", c.MaxGoroutines)
	fmt.Println("\n=== Rate Limits ===")
	fmt.Printf("Points:            %d per %s\n", c.RateLimitPoints, c.RateLimitWindow)
	fmt.Println("\n=== Envelope TTL ===")
	fmt.Printf("Default:           %s\n", c.DefaultTTL)
	fmt.Printf("Ceiling:           %s\n", c.MaxTTL)
	fmt.Println("\n=== Cluster ===")
	fmt.Printf("Peer Seeds:        %s\n", c.PeerSeeds)
	fmt.Printf("Replication Wkrs:  %d (queue %d)\n", c.ReplicationWorkers, c.ReplicationQueueSize)
	fmt.Println("\n=== Logging ===")
	fmt.Printf("Level:             %s\n", c.LogLevel)
	fmt.Printf("Format:            %s\n", c.LogFormat)
	fmt.Println("=============================")
}

// LogConfig logs configuration using structured logging.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Int("max_connections", c.MaxConnections).
		Float64("cpu_reject_threshold", c.CPURejectThreshold).
		Int64("memory_limit", c.MemoryLimit).
		Int("max_goroutines", c.MaxGoroutines).
		Int("rate_limit_points", c.RateLimitPoints).
		Dur("rate_limit_window", c.RateLimitWindow).
		Dur("default_ttl", c.DefaultTTL).
		Dur("max_ttl", c.MaxTTL).
		Dur("envelope_sweep_interval", c.EnvelopeSweepInterval).
		Dur("session_sweep_interval", c.SessionSweepInterval).
		Dur("session_idle_timeout", c.SessionIdleTimeout).
		Str("peer_seeds", c.PeerSeeds).
		Int("replication_workers", c.ReplicationWorkers).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("broker configuration loaded")
}
