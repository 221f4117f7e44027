// Package config loads the extraction layer configuration from YAML with
// environment variable expansion, and hot-reloads it on file changes using
// fsnotify and atomic pointer swaps.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete extraction layer configuration.
type Config struct {
	Providers []ProviderConfig `yaml:"providers"`
	Routing   RoutingConfig    `yaml:"routing"`
	RateLimit RateLimitConfig  `yaml:"rate_limit"`
	Circuit   CircuitConfig    `yaml:"circuit"`
	Budget    BudgetConfig     `yaml:"budget"`
	Pricing   PricingConfig    `yaml:"pricing"`
	Audit     AuditConfig      `yaml:"audit"`
	Logging   LoggingConfig    `yaml:"logging"`
	Tracing   TracingConfig    `yaml:"tracing"`
}

// ProviderConfig defines one upstream LLM provider.
type ProviderConfig struct {
	Name    string            `yaml:"name"`
	Type    string            `yaml:"type"`
	APIKey  string            `yaml:"api_key"`
	BaseURL string            `yaml:"base_url"`
	Model   string            `yaml:"model"`
	Timeout time.Duration     `yaml:"timeout"`
	Headers map[string]string `yaml:"headers"`
}

// RoutingConfig names the primary provider and its single fallback.
// Fallback "none" (or empty) disables the fallback hop.
type RoutingConfig struct {
	Primary  string `yaml:"primary"`
	Fallback string `yaml:"fallback"`
}

// FallbackNone disables the fallback provider.
const FallbackNone = "none"

// HasFallback reports whether a fallback provider is configured.
func (r RoutingConfig) HasFallback() bool {
	return r.Fallback != "" && r.Fallback != FallbackNone
}

// RateLimitConfig tunes the per-provider outbound limiter.
type RateLimitConfig struct {
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	WindowLimit       int           `yaml:"window_limit"`
	Window            time.Duration `yaml:"window"`
	AcquireTimeout    time.Duration `yaml:"acquire_timeout"`

	// Redis enables the shared sliding window across replicas.
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig configures the optional shared rate-limit window.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	FailOpen bool   `yaml:"fail_open"`
}

// CircuitConfig tunes the per-provider circuit breaker.
type CircuitConfig struct {
	WindowSize   int           `yaml:"window_size"`
	FailureRatio float64       `yaml:"failure_ratio"`
	MinSamples   int           `yaml:"min_samples"`
	Cooldown     time.Duration `yaml:"cooldown"`
}

// BudgetConfig sets the daily spend ceiling. Zero disables the gate.
type BudgetConfig struct {
	DailyLimitUSD float64 `yaml:"daily_limit_usd"`
}

// PricingConfig points at the optional pricing override file.
type PricingConfig struct {
	Path  string `yaml:"path"`
	Watch bool   `yaml:"watch"`
}

// AuditConfig selects the attempt record sink. An empty DSN keeps the
// in-memory store.
type AuditConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
	MaxRecords  int    `yaml:"max_records"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// TracingConfig contains OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
	Insecure    bool    `yaml:"insecure"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 5,
			Burst:             10,
			WindowLimit:       60,
			Window:            time.Minute,
			AcquireTimeout:    10 * time.Second,
		},
		Circuit: CircuitConfig{
			WindowSize:   20,
			FailureRatio: 0.5,
			MinSamples:   5,
			Cooldown:     30 * time.Second,
		},
		Budget: BudgetConfig{
			DailyLimitUSD: 0,
		},
		Audit: AuditConfig{
			MaxRecords: 10000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Endpoint:    "localhost:4317",
			ServiceName: "evermind",
			SampleRate:  1.0,
			Insecure:    true,
		},
	}
}

// LoadFromFile reads and parses a YAML configuration file.
// Environment variables in the format ${VAR_NAME} are expanded.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider must be configured")
	}

	names := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("provider[%d]: name is required", i)
		}
		if names[p.Name] {
			return fmt.Errorf("provider[%d] %q: duplicate name", i, p.Name)
		}
		names[p.Name] = true
		if p.Type == "" {
			return fmt.Errorf("provider[%d] %q: type is required", i, p.Name)
		}
		if p.APIKey == "" {
			return fmt.Errorf("provider[%d] %q: api_key is required", i, p.Name)
		}
		if p.Model == "" {
			return fmt.Errorf("provider[%d] %q: model is required", i, p.Name)
		}
		if p.Timeout < 0 {
			return fmt.Errorf("provider[%d] %q: timeout cannot be negative", i, p.Name)
		}
	}

	if c.Routing.Primary == "" {
		return fmt.Errorf("routing.primary is required")
	}
	if !names[c.Routing.Primary] {
		return fmt.Errorf("routing.primary %q is not a configured provider", c.Routing.Primary)
	}
	if c.Routing.HasFallback() {
		if !names[c.Routing.Fallback] {
			return fmt.Errorf("routing.fallback %q is not a configured provider", c.Routing.Fallback)
		}
		if c.Routing.Fallback == c.Routing.Primary {
			return fmt.Errorf("routing.fallback must differ from routing.primary")
		}
	}

	if c.Budget.DailyLimitUSD < 0 {
		return fmt.Errorf("budget.daily_limit_usd cannot be negative")
	}
	if c.Circuit.FailureRatio < 0 || c.Circuit.FailureRatio > 1 {
		return fmt.Errorf("circuit.failure_ratio must be in [0, 1]")
	}
	if c.RateLimit.RequestsPerSecond < 0 {
		return fmt.Errorf("rate_limit.requests_per_second cannot be negative")
	}

	return nil
}

// Provider returns the configuration of the named provider.
func (c *Config) Provider(name string) (ProviderConfig, bool) {
	for _, p := range c.Providers {
		if p.Name == name {
			return p, true
		}
	}
	return ProviderConfig{}, false
}
