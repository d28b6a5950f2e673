// Package config loads the relay configuration from defaults, an optional
// YAML file, and RELAYD_* environment overrides, in that order.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Defaults.
const (
	DefaultHost = "0.0.0.0"
	DefaultPort = 5000

	// DefaultMaxTTLSeconds caps message time-to-live at one day.
	DefaultMaxTTLSeconds = 86400

	// DefaultThrottleLimit and DefaultThrottleWindowSeconds allow 900
	// inbound messages per minute per connection.
	DefaultThrottleLimit         = 900
	DefaultThrottleWindowSeconds = 60

	// DefaultHeartbeatSeconds is the liveness sweep interval.
	DefaultHeartbeatSeconds = 30

	DefaultRedisURL = "redis://localhost:6379/0"
)

// RedisConfig selects the external store. An empty URL with Enabled false
// runs on the in-memory store, for development and tests.
type RedisConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

// ThrottleConfig is the per-connection inbound message limit.
type ThrottleConfig struct {
	Limit         int `yaml:"limit"`
	WindowSeconds int `yaml:"windowSeconds"`
}

// LoggingConfig selects log verbosity and output encoding.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the full relay configuration.
type Config struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	MaxTTLSeconds    int64 `yaml:"maxTTLSeconds"`
	HeartbeatSeconds int   `yaml:"heartbeatSeconds"`

	Redis    RedisConfig    `yaml:"redis"`
	Throttle ThrottleConfig `yaml:"throttle"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// NewDefault returns a Config with every default applied.
func NewDefault() *Config {
	return &Config{
		Host:             DefaultHost,
		Port:             DefaultPort,
		MaxTTLSeconds:    DefaultMaxTTLSeconds,
		HeartbeatSeconds: DefaultHeartbeatSeconds,
		Redis:            RedisConfig{URL: DefaultRedisURL},
		Throttle: ThrottleConfig{
			Limit:         DefaultThrottleLimit,
			WindowSeconds: DefaultThrottleWindowSeconds,
		},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load builds the configuration: defaults, then the YAML file at path if
// given, then environment overrides.
func Load(path string) (*Config, error) {
	cfg := NewDefault()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.MaxTTLSeconds <= 0 {
		return fmt.Errorf("maxTTLSeconds must be positive, got %d", c.MaxTTLSeconds)
	}
	if c.HeartbeatSeconds <= 0 {
		return fmt.Errorf("heartbeatSeconds must be positive, got %d", c.HeartbeatSeconds)
	}
	if c.Throttle.Limit <= 0 || c.Throttle.WindowSeconds <= 0 {
		return fmt.Errorf("throttle limit and window must be positive")
	}
	if c.Redis.Enabled && c.Redis.URL == "" {
		return fmt.Errorf("redis enabled but no url configured")
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("RELAYD_HOST"); v != "" {
		c.Host = v
	}
	if v, ok := envInt("RELAYD_PORT"); ok {
		c.Port = v
	}
	if v, ok := envInt64("RELAYD_MAX_TTL"); ok {
		c.MaxTTLSeconds = v
	}
	if v, ok := envInt("RELAYD_HEARTBEAT_INTERVAL"); ok {
		c.HeartbeatSeconds = v
	}
	if v, ok := envInt("RELAYD_THROTTLE_LIMIT"); ok {
		c.Throttle.Limit = v
	}
	if v, ok := envInt("RELAYD_THROTTLE_WINDOW"); ok {
		c.Throttle.WindowSeconds = v
	}
	if v := os.Getenv("RELAYD_REDIS_URL"); v != "" {
		c.Redis.Enabled = true
		c.Redis.URL = v
	}
	if v := os.Getenv("RELAYD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("RELAYD_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envInt64(name string) (int64, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
