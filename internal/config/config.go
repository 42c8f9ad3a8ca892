// Package config handles YAML configuration loading with environment variable expansion.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"

	gateway "github.com/logistica/apigateway/internal"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Auth      AuthConfig      `yaml:"auth"`
	Cache     CacheConfig     `yaml:"cache"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Upstreams []UpstreamEntry `yaml:"upstreams"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or text
}

// AuthConfig holds admin endpoint credentials.
type AuthConfig struct {
	AdminKey string `yaml:"admin_key"` // bearer token for /admin; empty disables admin routes
}

// CacheConfig holds response cache settings.
type CacheConfig struct {
	Enabled             bool          `yaml:"enabled"`
	TTL                 time.Duration `yaml:"ttl"`
	MaxEntries          int           `yaml:"max_entries"`     // 0 = unbounded
	MaxEntryBytes       int64         `yaml:"max_entry_bytes"` // 0 = unlimited
	StoreErrorResponses bool          `yaml:"store_error_responses"`
	Coalesce            bool          `yaml:"coalesce"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics       MetricsConfig `yaml:"metrics"`
	Tracing       TracingConfig `yaml:"tracing"`
	StatsInterval time.Duration `yaml:"stats_interval"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// UpstreamEntry is a backend service definition in the config file.
type UpstreamEntry struct {
	Name        string        `yaml:"name"`
	Prefix      string        `yaml:"prefix"`
	Target      string        `yaml:"target"`
	StripPrefix bool          `yaml:"strip_prefix"`
	Timeout     time.Duration `yaml:"timeout"`
	DNSCache    *bool         `yaml:"dns_cache"`
}

// ToUpstream converts the config entry into the domain type.
// DNS caching defaults to on when unset.
func (u UpstreamEntry) ToUpstream() gateway.Upstream {
	return gateway.Upstream{
		Name:        u.Name,
		Prefix:      strings.TrimSuffix(u.Prefix, "/"),
		Target:      u.Target,
		StripPrefix: u.StripPrefix,
		Timeout:     u.Timeout,
		DNSCache:    u.DNSCache == nil || *u.DNSCache,
	}
}

// SlogLevel maps the configured level name to a slog.Level, defaulting to info.
func (l LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Default returns the configuration used when no file overrides a field.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Cache: CacheConfig{
			Enabled:             true,
			TTL:                 60 * time.Second,
			MaxEntries:          10_000,
			MaxEntryBytes:       32 << 20,
			StoreErrorResponses: true,
		},
		Telemetry: TelemetryConfig{
			StatsInterval: 15 * time.Second,
		},
	}
}

// Load reads and parses a YAML config file, expanding environment variables,
// and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints. All problems are reported at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Cache.TTL < 0 {
		errs = append(errs, fmt.Errorf("cache.ttl must not be negative"))
	}
	if c.Cache.MaxEntries < 0 {
		errs = append(errs, fmt.Errorf("cache.max_entries must not be negative"))
	}
	if c.Cache.MaxEntryBytes < 0 {
		errs = append(errs, fmt.Errorf("cache.max_entry_bytes must not be negative"))
	}
	if strings.Contains(c.Auth.AdminKey, "${") {
		errs = append(errs, fmt.Errorf("auth.admin_key references an unset environment variable"))
	}
	if c.Telemetry.Tracing.Enabled && c.Telemetry.Tracing.Endpoint == "" {
		errs = append(errs, fmt.Errorf("telemetry.tracing.endpoint is required when tracing is enabled"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format %q: want json or text", c.Log.Format))
	}

	seen := make(map[string]bool, len(c.Upstreams))
	for i, u := range c.Upstreams {
		if u.Name == "" {
			errs = append(errs, fmt.Errorf("upstreams[%d].name is required", i))
		}
		if !strings.HasPrefix(u.Prefix, "/") {
			errs = append(errs, fmt.Errorf("upstreams[%d].prefix %q must start with /", i, u.Prefix))
		}
		if seen[u.Prefix] {
			errs = append(errs, fmt.Errorf("upstreams[%d].prefix %q is duplicated", i, u.Prefix))
		}
		seen[u.Prefix] = true
		if target, err := url.Parse(u.Target); err != nil || target.Scheme == "" || target.Host == "" {
			errs = append(errs, fmt.Errorf("upstreams[%d].target %q must be an absolute URL", i, u.Target))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", gateway.ErrInvalidConfig, err)
	}
	return nil
}
