package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all service configuration
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Addr string `env:"ADDR" envDefault:":8080"`

	// Presence windows
	HeartbeatWindowSeconds int     `env:"HEARTBEAT_WINDOW_SECONDS" envDefault:"30"`
	MinIntervalSeconds     int     `env:"MIN_INTERVAL_SECONDS" envDefault:"5"`
	PollIntervalSeconds    float64 `env:"POLL_INTERVAL_SECONDS" envDefault:"1.0"`
	ReaperBatchSize        int     `env:"REAPER_BATCH_SIZE" envDefault:"500"`
	NumShards              int     `env:"NUM_SHARDS" envDefault:"1"`
	StateTTLSeconds        int     `env:"STATE_TTL_SECONDS" envDefault:"86400"`

	// KV key layout
	ScoredSetKeyPrefix string `env:"SCORED_SET_KEY_PREFIX" envDefault:"onlineUsers"`
	StateKeyPrefix     string `env:"STATE_KEY_PREFIX" envDefault:"presence:state"`

	// Subscriptions
	MaxSubscriptionsPerSocket int `env:"MAX_SUBSCRIPTIONS_PER_SOCKET" envDefault:"500"`

	// Redis
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD" envDefault:""`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	// NATS
	NATSURL string `env:"NATS_URL" envDefault:"nats://localhost:4222"`

	// Auth
	JWTSecret string `env:"JWT_SECRET" envDefault:""`

	// Social graph store (MySQL DSN) and mutual-follow cache
	GraphDSN               string `env:"GRAPH_DSN" envDefault:""`
	MutualCacheSize        int    `env:"MUTUAL_CACHE_SIZE" envDefault:"16384"`
	MutualCacheTTLSeconds  int    `env:"MUTUAL_CACHE_TTL_SECONDS" envDefault:"60"`

	// Reaper
	ReaperEnabled bool `env:"REAPER_ENABLED" envDefault:"true"`

	// Capacity
	MaxConnections int     `env:"MAX_CONNECTIONS" envDefault:"10000"`
	ConnRatePerIP  float64 `env:"CONN_RATE_PER_IP" envDefault:"1.0"`
	ConnBurstPerIP int     `env:"CONN_BURST_PER_IP" envDefault:"10"`

	// Shutdown
	ShutdownTimeoutSeconds int `env:"SHUTDOWN_TIMEOUT_SECONDS" envDefault:"10"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from .env file and environment variables.
// Priority: ENV vars > .env file > defaults.
//
// Optional logger parameter for structured logging. If nil, load messages
// are suppressed.
func Load(logger *zerolog.Logger) (*Config, error) {
	// .env file is optional; production deployments set variables directly
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else {
		if logger != nil {
			logger.Info().Msg("Loaded configuration from .env file")
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("ADDR is required")
	}

	// Range checks
	if c.HeartbeatWindowSeconds < 1 {
		return fmt.Errorf("HEARTBEAT_WINDOW_SECONDS must be > 0, got %d", c.HeartbeatWindowSeconds)
	}
	if c.MinIntervalSeconds < 0 {
		return fmt.Errorf("MIN_INTERVAL_SECONDS must be >= 0, got %d", c.MinIntervalSeconds)
	}
	if c.MinIntervalSeconds >= c.HeartbeatWindowSeconds {
		return fmt.Errorf("MIN_INTERVAL_SECONDS (%d) must be < HEARTBEAT_WINDOW_SECONDS (%d)",
			c.MinIntervalSeconds, c.HeartbeatWindowSeconds)
	}
	if c.PollIntervalSeconds <= 0 {
		return fmt.Errorf("POLL_INTERVAL_SECONDS must be > 0, got %g", c.PollIntervalSeconds)
	}
	if c.ReaperBatchSize < 1 {
		return fmt.Errorf("REAPER_BATCH_SIZE must be > 0, got %d", c.ReaperBatchSize)
	}
	if c.NumShards < 1 {
		return fmt.Errorf("NUM_SHARDS must be > 0, got %d", c.NumShards)
	}
	if c.StateTTLSeconds < 1 {
		return fmt.Errorf("STATE_TTL_SECONDS must be > 0, got %d", c.StateTTLSeconds)
	}
	if c.ScoredSetKeyPrefix == "" {
		return fmt.Errorf("SCORED_SET_KEY_PREFIX is required")
	}
	if c.StateKeyPrefix == "" {
		return fmt.Errorf("STATE_KEY_PREFIX is required")
	}
	if c.MaxSubscriptionsPerSocket < 1 {
		return fmt.Errorf("MAX_SUBSCRIPTIONS_PER_SOCKET must be > 0, got %d", c.MaxSubscriptionsPerSocket)
	}
	if c.MutualCacheSize < 1 {
		return fmt.Errorf("MUTUAL_CACHE_SIZE must be > 0, got %d", c.MutualCacheSize)
	}
	if c.MutualCacheTTLSeconds < 1 || c.MutualCacheTTLSeconds > 60 {
		return fmt.Errorf("MUTUAL_CACHE_TTL_SECONDS must be 1-60, got %d", c.MutualCacheTTLSeconds)
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.ShutdownTimeoutSeconds < 1 {
		return fmt.Errorf("SHUTDOWN_TIMEOUT_SECONDS must be > 0, got %d", c.ShutdownTimeoutSeconds)
	}

	// Enum checks
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

// HeartbeatWindow is the interval after which a silent user counts as offline.
func (c *Config) HeartbeatWindow() time.Duration {
	return time.Duration(c.HeartbeatWindowSeconds) * time.Second
}

// MinInterval is the minimum accepted spacing between heartbeats of one user.
func (c *Config) MinInterval() time.Duration {
	return time.Duration(c.MinIntervalSeconds) * time.Second
}

// PollInterval is the reaper sleep between ticks.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds * float64(time.Second))
}

// StateTTL bounds orphaned presence state maps.
func (c *Config) StateTTL() time.Duration {
	return time.Duration(c.StateTTLSeconds) * time.Second
}

// MutualCacheTTL bounds staleness of cached positive mutual-follow answers.
func (c *Config) MutualCacheTTL() time.Duration {
	return time.Duration(c.MutualCacheTTLSeconds) * time.Second
}

// ShutdownTimeout caps the graceful shutdown drain.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

// LogConfig logs configuration using structured logging
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("addr", c.Addr).
		Int("heartbeat_window_seconds", c.HeartbeatWindowSeconds).
		Int("min_interval_seconds", c.MinIntervalSeconds).
		Float64("poll_interval_seconds", c.PollIntervalSeconds).
		Int("reaper_batch_size", c.ReaperBatchSize).
		Int("num_shards", c.NumShards).
		Str("scored_set_key_prefix", c.ScoredSetKeyPrefix).
		Str("state_key_prefix", c.StateKeyPrefix).
		Int("state_ttl_seconds", c.StateTTLSeconds).
		Int("max_subscriptions_per_socket", c.MaxSubscriptionsPerSocket).
		Str("redis_addr", c.RedisAddr).
		Int("redis_db", c.RedisDB).
		Str("nats_url", c.NATSURL).
		Bool("reaper_enabled", c.ReaperEnabled).
		Int("max_connections", c.MaxConnections).
		Int("mutual_cache_size", c.MutualCacheSize).
		Int("mutual_cache_ttl_seconds", c.MutualCacheTTLSeconds).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Configuration loaded")
}
