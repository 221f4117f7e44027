package evermind

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/evermind-ai/evermind/internal/audit"
	"github.com/evermind-ai/evermind/internal/config"
	"github.com/evermind-ai/evermind/internal/observability"
	"github.com/evermind-ai/evermind/internal/pricing"
	"github.com/evermind-ai/evermind/internal/resilience"
	"github.com/evermind-ai/evermind/pkg/provider"
)

// NewFromConfigFile builds a client from a YAML configuration file and keeps
// watching it: rate-limiter tuning from the file applies to the running
// client without a restart. See internal/config for the file format.
func NewFromConfigFile(path string) (*Client, error) {
	mgr, err := config.NewManager(path, nil)
	if err != nil {
		return nil, err
	}
	cfg := mgr.Get()
	logger := observability.NewLogger(loggerConfig(cfg.Logging))
	mgr.SetLogger(logger)

	client, err := newFromConfig(cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := client.followConfig(mgr); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

func newFromConfig(cfg *config.Config, logger *slog.Logger) (*Client, error) {
	opts := []Option{
		WithPrimary(cfg.Routing.Primary),
		WithDailyBudgetUSD(cfg.Budget.DailyLimitUSD),
		WithLogger(logger),
		WithRateLimiterConfig(rateLimiterConfig(cfg.RateLimit)),
		WithCircuitBreakerConfig(resilience.CircuitBreakerConfig{
			WindowSize:   cfg.Circuit.WindowSize,
			FailureRatio: cfg.Circuit.FailureRatio,
			MinSamples:   cfg.Circuit.MinSamples,
			Cooldown:     cfg.Circuit.Cooldown,
		}),
		WithTracing(observability.TracingConfig{
			Enabled:     cfg.Tracing.Enabled,
			Endpoint:    cfg.Tracing.Endpoint,
			ServiceName: cfg.Tracing.ServiceName,
			SampleRate:  cfg.Tracing.SampleRate,
			Insecure:    cfg.Tracing.Insecure,
		}),
	}
	if cfg.RateLimit.AcquireTimeout > 0 {
		opts = append(opts, WithAcquireTimeout(cfg.RateLimit.AcquireTimeout))
	}
	if cfg.Routing.HasFallback() {
		opts = append(opts, WithFallback(cfg.Routing.Fallback))
	}

	for _, pc := range cfg.Providers {
		opts = append(opts, WithProvider(provider.Config{
			Name:    pc.Name,
			Type:    pc.Type,
			APIKey:  pc.APIKey,
			BaseURL: pc.BaseURL,
			Model:   pc.Model,
			Timeout: pc.Timeout,
			Headers: pc.Headers,
		}))
	}

	if cfg.RateLimit.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RateLimit.Redis.Addr,
			Password: cfg.RateLimit.Redis.Password,
			DB:       cfg.RateLimit.Redis.DB,
		})
		opts = append(opts, WithSharedWindow(resilience.NewRedisWindow(
			rdb, cfg.RateLimit.WindowLimit, cfg.RateLimit.Window, cfg.RateLimit.Redis.FailOpen)))
	}

	if cfg.Audit.PostgresDSN != "" {
		store, err := audit.NewPostgresStore(cfg.Audit.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("audit store: %w", err)
		}
		opts = append(opts, WithAuditStore(store))
	} else {
		opts = append(opts, WithAuditStore(audit.NewMemoryStore(cfg.Audit.MaxRecords)))
	}

	if cfg.Pricing.Path != "" {
		cat := pricing.NewCatalog(nil)
		if err := cat.Load(cfg.Pricing.Path); err != nil {
			return nil, err
		}
		if cfg.Pricing.Watch {
			if err := cat.Watch(cfg.Pricing.Path); err != nil {
				return nil, err
			}
		}
		opts = append(opts, WithPricing(cat))
	}

	return New(opts...)
}

// followConfig applies configuration file edits to the running client.
// Rate-limiter tuning is the hot-reloadable subset; provider wiring and
// routing stay fixed for the client's lifetime.
func (c *Client) followConfig(mgr *config.Manager) error {
	mgr.OnChange(func(cfg *config.Config) {
		rl := rateLimiterConfig(cfg.RateLimit)
		c.res.SetRateLimiter(c.primary.Name(), rl)
		if c.fallback != nil {
			c.res.SetRateLimiter(c.fallback.Name(), rl)
		}
		c.logger.Info("rate limiter retuned from config reload",
			"rate", rl.Rate, "burst", rl.Burst, "window_limit", rl.WindowLimit)
	})

	ctx, cancel := context.WithCancel(context.Background())
	if err := mgr.Watch(ctx); err != nil {
		cancel()
		return err
	}
	c.stopConfigWatch = cancel
	return nil
}

func rateLimiterConfig(rc config.RateLimitConfig) resilience.RateLimiterConfig {
	return resilience.RateLimiterConfig{
		Rate:        rc.RequestsPerSecond,
		Burst:       rc.Burst,
		WindowLimit: rc.WindowLimit,
		Window:      rc.Window,
	}
}

func loggerConfig(lc config.LoggingConfig) observability.LoggerConfig {
	cfg := observability.LoggerConfig{
		Output:     os.Stderr,
		JSONFormat: lc.Format != "text",
	}
	switch lc.Level {
	case "debug":
		cfg.Level = slog.LevelDebug
	case "warn":
		cfg.Level = slog.LevelWarn
	case "error":
		cfg.Level = slog.LevelError
	default:
		cfg.Level = slog.LevelInfo
	}
	return cfg
}
