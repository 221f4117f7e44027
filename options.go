package evermind

import (
	"log/slog"
	"time"

	"github.com/evermind-ai/evermind/internal/audit"
	"github.com/evermind-ai/evermind/internal/clock"
	"github.com/evermind-ai/evermind/internal/observability"
	"github.com/evermind-ai/evermind/internal/pricing"
	"github.com/evermind-ai/evermind/internal/resilience"
	"github.com/evermind-ai/evermind/pkg/provider"
)

// ClientConfig holds all configuration for the extraction client.
type ClientConfig struct {
	// Providers to construct through the registry.
	Providers []ProviderConfig

	// Primary names the provider every extraction starts on.
	Primary string
	// Fallback names the single fallback provider. Empty or "none" disables
	// the fallback hop.
	Fallback string

	// DailyBudgetUSD is the daily spend ceiling; 0 disables the gate.
	DailyBudgetUSD float64

	// SchemaVersion is the result schema requested from providers.
	SchemaVersion string

	// Streaming uses the provider's streaming call when supported.
	Streaming bool

	// AcquireTimeout bounds the rate-limiter admission wait per attempt.
	// Zero leaves the wait bounded by the caller's context alone.
	AcquireTimeout time.Duration

	// PriorTTL is how long merged results stay available as priors for
	// idempotent re-processing.
	PriorTTL time.Duration

	RateLimiter    resilience.RateLimiterConfig
	CircuitBreaker resilience.CircuitBreakerConfig

	// SharedWindow optionally backs the rate limiter's sliding window with
	// shared storage (see resilience.RedisWindow).
	SharedWindow resilience.SharedWindow

	// AuditStore receives one record per attempt. Defaults to a bounded
	// in-memory store.
	AuditStore audit.Store

	// Pricing resolves model prices. Defaults to the built-in catalog.
	Pricing *pricing.Catalog

	Tracing observability.TracingConfig

	Logger *slog.Logger
	Clock  clock.Clock
	Jitter clock.JitterSource

	// Injected client instances bypass the registry; tests and custom
	// adapters use these.
	primaryClient  provider.Client
	fallbackClient provider.Client
}

// Option configures the extraction client.
type Option func(*ClientConfig)

// WithProvider adds a provider configuration to construct via the registry.
func WithProvider(cfg ProviderConfig) Option {
	return func(c *ClientConfig) {
		c.Providers = append(c.Providers, cfg)
	}
}

// WithPrimary names the primary provider.
func WithPrimary(name string) Option {
	return func(c *ClientConfig) {
		c.Primary = name
	}
}

// WithFallback names the fallback provider; "none" or empty disables it.
func WithFallback(name string) Option {
	return func(c *ClientConfig) {
		c.Fallback = name
	}
}

// WithDailyBudgetUSD sets the daily spend ceiling; 0 disables the gate.
func WithDailyBudgetUSD(limit float64) Option {
	return func(c *ClientConfig) {
		c.DailyBudgetUSD = limit
	}
}

// WithSchemaVersion overrides the result schema requested from providers.
func WithSchemaVersion(version string) Option {
	return func(c *ClientConfig) {
		c.SchemaVersion = version
	}
}

// WithStreaming toggles streaming provider calls.
func WithStreaming(enabled bool) Option {
	return func(c *ClientConfig) {
		c.Streaming = enabled
	}
}

// WithAcquireTimeout bounds the rate-limiter admission wait per attempt.
func WithAcquireTimeout(d time.Duration) Option {
	return func(c *ClientConfig) {
		c.AcquireTimeout = d
	}
}

// WithRateLimiterConfig tunes the per-provider rate limiter.
func WithRateLimiterConfig(cfg resilience.RateLimiterConfig) Option {
	return func(c *ClientConfig) {
		c.RateLimiter = cfg
	}
}

// WithCircuitBreakerConfig tunes the per-provider circuit breaker.
func WithCircuitBreakerConfig(cfg resilience.CircuitBreakerConfig) Option {
	return func(c *ClientConfig) {
		c.CircuitBreaker = cfg
	}
}

// WithSharedWindow backs the rate limiter's sliding window with shared storage.
func WithSharedWindow(w resilience.SharedWindow) Option {
	return func(c *ClientConfig) {
		c.SharedWindow = w
	}
}

// WithAuditStore replaces the attempt record sink.
func WithAuditStore(s audit.Store) Option {
	return func(c *ClientConfig) {
		c.AuditStore = s
	}
}

// WithPricing replaces the pricing catalog.
func WithPricing(cat *pricing.Catalog) Option {
	return func(c *ClientConfig) {
		c.Pricing = cat
	}
}

// WithTracing enables OpenTelemetry tracing.
func WithTracing(cfg observability.TracingConfig) Option {
	return func(c *ClientConfig) {
		c.Tracing = cfg
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *ClientConfig) {
		c.Logger = l
	}
}

// WithClock injects the clock driving backoff and window logic.
func WithClock(clk clock.Clock) Option {
	return func(c *ClientConfig) {
		c.Clock = clk
	}
}

// WithJitter injects the backoff jitter source.
func WithJitter(j clock.JitterSource) Option {
	return func(c *ClientConfig) {
		c.Jitter = j
	}
}

// WithPriorTTL sets how long merged results remain available as priors.
func WithPriorTTL(ttl time.Duration) Option {
	return func(c *ClientConfig) {
		c.PriorTTL = ttl
	}
}

// WithPrimaryClient injects a constructed primary client, bypassing the
// registry.
func WithPrimaryClient(client provider.Client) Option {
	return func(c *ClientConfig) {
		c.primaryClient = client
	}
}

// WithFallbackClient injects a constructed fallback client, bypassing the
// registry.
func WithFallbackClient(client provider.Client) Option {
	return func(c *ClientConfig) {
		c.fallbackClient = client
	}
}
