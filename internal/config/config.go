// ABOUTME: Configuration loading and parsing for handover-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/2389/handover-gateway/internal/hours"
)

// Config represents the complete handover-gateway configuration
type Config struct {
	Server        ServerConfig        `yaml:"server" toml:"server"`
	Database      DatabaseConfig      `yaml:"database" toml:"database"`
	Auth          AuthConfig          `yaml:"auth" toml:"auth"`
	BusinessHours BusinessHoursConfig `yaml:"business_hours" toml:"business_hours"`
	Broker        BrokerConfig        `yaml:"broker" toml:"broker"`
	Store         StoreConfig         `yaml:"store" toml:"store"`
	Dedupe        DedupeConfig        `yaml:"dedupe" toml:"dedupe"`
	Logging       LoggingConfig       `yaml:"logging" toml:"logging"`
	Metrics       MetricsConfig       `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"` // empty disables the gRPC health server
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// BusinessHoursConfig describes the window in which the agent may auto-reply.
type BusinessHoursConfig struct {
	Enabled  bool     `yaml:"enabled" toml:"enabled"`
	Start    string   `yaml:"start" toml:"start"`
	End      string   `yaml:"end" toml:"end"`
	Weekdays []string `yaml:"weekdays" toml:"weekdays"`
	Timezone string   `yaml:"timezone" toml:"timezone"`
}

// BrokerConfig holds the AMQP connection used to share ownership changes
// between gateway instances.
type BrokerConfig struct {
	Enabled     bool          `yaml:"enabled" toml:"enabled"`
	URL         string        `yaml:"url" toml:"url"`
	Exchange    string        `yaml:"exchange" toml:"exchange"`
	ConnTimeout time.Duration `yaml:"-" toml:"-"`

	ConnTimeoutRaw string `yaml:"conn_timeout" toml:"conn_timeout"`
}

// StoreConfig bounds store round trips.
type StoreConfig struct {
	WriteTimeout time.Duration `yaml:"-" toml:"-"`

	WriteTimeoutRaw string `yaml:"write_timeout" toml:"write_timeout"`
}

// DedupeConfig sizes the inbound message-id cache.
type DedupeConfig struct {
	TTL     time.Duration `yaml:"-" toml:"-"`
	MaxSize int           `yaml:"max_size" toml:"max_size"`

	TTLRaw string `yaml:"ttl" toml:"ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig toggles OpenTelemetry instruments
type MetricsConfig struct {
	Enabled bool `yaml:"enabled" toml:"enabled"`
}

const (
	defaultHTTPAddr     = "127.0.0.1:8080"
	defaultExchange     = "handover"
	defaultConnTimeout  = 10 * time.Second
	defaultWriteTimeout = 5 * time.Second
	defaultDedupeTTL    = 10 * time.Minute
	defaultDedupeSize   = 10000
)

// DefaultPath returns the config path: $HANDOVER_CONFIG if set, otherwise
// $XDG_CONFIG_HOME/handover/gateway.yaml (falling back to ~/.config).
func DefaultPath() string {
	if p := os.Getenv("HANDOVER_CONFIG"); p != "" {
		return p
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml"
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "handover", "gateway.yaml")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func applyDefaults(cfg *Config) {
	if cfg.Server.HTTPAddr == "" {
		cfg.Server.HTTPAddr = defaultHTTPAddr
	}
	if cfg.Broker.Exchange == "" {
		cfg.Broker.Exchange = defaultExchange
	}
	if cfg.Broker.ConnTimeout == 0 {
		cfg.Broker.ConnTimeout = defaultConnTimeout
	}
	if cfg.Store.WriteTimeout == 0 {
		cfg.Store.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Dedupe.TTL == 0 {
		cfg.Dedupe.TTL = defaultDedupeTTL
	}
	if cfg.Dedupe.MaxSize == 0 {
		cfg.Dedupe.MaxSize = defaultDedupeSize
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}

	if c.BusinessHours.Enabled {
		if _, err := c.BusinessHours.Policy(); err != nil {
			return fmt.Errorf("business_hours: %w", err)
		}
	}

	if c.Broker.Enabled && c.Broker.URL == "" {
		return fmt.Errorf("broker.url is required when broker is enabled")
	}

	if c.Dedupe.MaxSize < 0 {
		return fmt.Errorf("dedupe.max_size must not be negative")
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// Policy builds the business hours policy. It returns nil, nil when business
// hours are disabled, which evaluates as always open.
func (b BusinessHoursConfig) Policy() (*hours.Policy, error) {
	if !b.Enabled {
		return nil, nil
	}
	return hours.ParsePolicy(hours.Window{
		Start:    b.Start,
		End:      b.End,
		Weekdays: b.Weekdays,
		Timezone: b.Timezone,
	})
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"broker.conn_timeout", cfg.Broker.ConnTimeoutRaw, &cfg.Broker.ConnTimeout},
		{"store.write_timeout", cfg.Store.WriteTimeoutRaw, &cfg.Store.WriteTimeout},
		{"dedupe.ttl", cfg.Dedupe.TTLRaw, &cfg.Dedupe.TTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", f.name)
		}
		*f.dst = d
	}
	return nil
}
