package evermind

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/evermind-ai/evermind/internal/audit"
	"github.com/evermind-ai/evermind/internal/budget"
	"github.com/evermind-ai/evermind/internal/clock"
	"github.com/evermind-ai/evermind/internal/metrics"
	"github.com/evermind-ai/evermind/internal/observability"
	"github.com/evermind-ai/evermind/internal/pricing"
	"github.com/evermind-ai/evermind/internal/prompt"
	"github.com/evermind-ai/evermind/internal/repair"
	"github.com/evermind-ai/evermind/internal/resilience"
	"github.com/evermind-ai/evermind/internal/tokenizer"
	"github.com/evermind-ai/evermind/pkg/errors"
	"github.com/evermind-ai/evermind/pkg/provider"
	"github.com/evermind-ai/evermind/pkg/types"
	"github.com/evermind-ai/evermind/providers"
)

// Backoff constants for the retry loop.
const (
	backoffBase  = 500 * time.Millisecond
	backoffCap   = 8000 * time.Millisecond
	jitterSpread = 200 * time.Millisecond
)

// Client orchestrates resilient extractions: budget gate, circuit breaker,
// rate limiter, provider call, assembly, repair, and confidence merging.
// Safe for concurrent use; concurrent extractions share the per-provider
// guards.
type Client struct {
	cfg      ClientConfig
	primary  provider.Client
	fallback provider.Client

	res     *resilience.Manager
	budget  *budget.Guard
	pricing *pricing.Catalog
	audit   audit.Store
	merger  *Merger
	tracer  *observability.TracerProvider

	clk    clock.Clock
	jitter clock.JitterSource
	logger *slog.Logger

	// stopConfigWatch stops the config-file watch started by
	// NewFromConfigFile; nil for option-built clients.
	stopConfigWatch context.CancelFunc
}

// New creates an extraction client from options.
func New(opts ...Option) (*Client, error) {
	cfg := ClientConfig{
		SchemaVersion:  types.SchemaVersionV2,
		AcquireTimeout: 10 * time.Second,
		PriorTTL:       time.Hour,
		RateLimiter:    resilience.DefaultRateLimiterConfig(),
		CircuitBreaker: resilience.DefaultCircuitBreakerConfig(),
		Tracing:        observability.DefaultTracingConfig(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Jitter == nil {
		cfg.Jitter = clock.NewRandJitter(time.Now().UnixNano())
	}
	if cfg.Pricing == nil {
		cfg.Pricing = pricing.NewCatalog(nil)
	}
	if cfg.AuditStore == nil {
		cfg.AuditStore = audit.NewMemoryStore(0)
	}

	primary, fallback, err := resolveClients(&cfg)
	if err != nil {
		return nil, err
	}

	tracer, err := observability.InitTracing(context.Background(), cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	res := resilience.NewManager(resilience.ManagerConfig{
		CircuitBreaker: cfg.CircuitBreaker,
		RateLimiter:    cfg.RateLimiter,
		SharedWindow:   cfg.SharedWindow,
		OnCircuitStateChange: func(name string, from, to resilience.CircuitState) {
			metrics.CircuitState.WithLabelValues(name).Set(float64(to))
			cfg.Logger.Warn("circuit state changed",
				"provider", name, "from", from.String(), "to", to.String())
		},
	}, cfg.Clock)

	return &Client{
		cfg:      cfg,
		primary:  primary,
		fallback: fallback,
		res:      res,
		budget:   budget.NewGuard(cfg.DailyBudgetUSD, cfg.Clock, cfg.Logger),
		pricing:  cfg.Pricing,
		audit:    cfg.AuditStore,
		merger:   NewMerger(cfg.PriorTTL),
		tracer:   tracer,
		clk:      cfg.Clock,
		jitter:   cfg.Jitter,
		logger:   cfg.Logger,
	}, nil
}

// resolveClients builds the primary and fallback clients from injected
// instances or the registry.
func resolveClients(cfg *ClientConfig) (primary, fallback provider.Client, err error) {
	byName := make(map[string]provider.Client)
	for _, pc := range cfg.Providers {
		client, err := providers.Create(pc)
		if err != nil {
			return nil, nil, fmt.Errorf("provider %q: %w", pc.Name, err)
		}
		byName[pc.Name] = client
	}

	primary = cfg.primaryClient
	if primary == nil {
		if cfg.Primary == "" {
			return nil, nil, fmt.Errorf("a primary provider is required")
		}
		var ok bool
		if primary, ok = byName[cfg.Primary]; !ok {
			return nil, nil, fmt.Errorf("primary provider %q is not configured", cfg.Primary)
		}
	}

	fallback = cfg.fallbackClient
	if fallback == nil && cfg.Fallback != "" && cfg.Fallback != "none" {
		var ok bool
		if fallback, ok = byName[cfg.Fallback]; !ok {
			return nil, nil, fmt.Errorf("fallback provider %q is not configured", cfg.Fallback)
		}
	}
	return primary, fallback, nil
}

// Extract runs one resilient extraction. It returns either a validated result
// or a single classified terminal error; partial states never escape.
func (c *Client) Extract(ctx context.Context, req *types.ExtractionRequest) (*types.ExtractionResult, error) {
	req = c.normalize(req)
	logger := observability.WithRequest(c.logger, req.ID)

	result, err := c.runProvider(ctx, logger, c.primary, req, false)
	if err == nil {
		c.finish(c.primary, types.OutcomeSuccess)
		return c.merger.Merge(req, result), nil
	}

	ee := errors.AsExtractionError(err)
	if c.fallback == nil || !fallbackEligible(ee.Kind) {
		c.finish(c.primary, terminalOutcome(ee))
		return nil, err
	}

	metrics.FallbackInvocations.WithLabelValues(
		c.primary.Name(), c.fallback.Name(), string(ee.Kind)).Inc()
	logger.Info("falling back",
		"from", c.primary.Name(), "to", c.fallback.Name(), "reason", string(ee.Kind))

	result, ferr := c.runProvider(ctx, logger, c.fallback, req, true)
	if ferr == nil {
		c.finish(c.fallback, types.OutcomeFallbackSuccess)
		return c.merger.Merge(req, result), nil
	}
	c.finish(c.fallback, terminalOutcome(errors.AsExtractionError(ferr)))
	return nil, ferr
}

// Attempts returns the audit trail of one extraction request.
func (c *Client) Attempts(ctx context.Context, requestID string) ([]types.AttemptRecord, error) {
	return c.audit.ListByRequest(ctx, requestID)
}

// BudgetState returns the current daily budget window snapshot.
func (c *Client) BudgetState() budget.State {
	return c.budget.Snapshot()
}

// ProviderStats returns resilience statistics for one provider.
func (c *Client) ProviderStats(name string) resilience.Stats {
	return c.res.Stats(name)
}

// Close releases background resources.
func (c *Client) Close() error {
	if c.stopConfigWatch != nil {
		c.stopConfigWatch()
	}
	if c.tracer != nil {
		_ = c.tracer.Shutdown(context.Background())
	}
	return c.pricing.Close()
}

// normalize assigns a request ID and schema version without mutating the
// caller's request.
func (c *Client) normalize(req *types.ExtractionRequest) *types.ExtractionRequest {
	clone := *req
	if clone.ID == "" {
		clone.ID = uuid.NewString()
	}
	if clone.SchemaVersion == "" {
		clone.SchemaVersion = c.cfg.SchemaVersion
	}
	return &clone
}

// runProvider drives the attempt loop for one provider. The fallback hop
// makes exactly one attempt; the primary follows the per-kind attempt table.
// Attempt budgets are tracked per error kind: a corrective parsing retry never
// debits the transient or rate-limit budget, and a parsing failure arriving
// late in a transient run still earns its corrective retry.
func (c *Client) runProvider(ctx context.Context, logger *slog.Logger, client provider.Client, req *types.ExtractionRequest, isFallback bool) (*types.ExtractionResult, error) {
	total := 0
	failures := make(map[errors.Kind]int)
	for {
		total++
		result, err := c.attempt(ctx, logger, client, req, total)
		if err == nil {
			return result, nil
		}

		ee := errors.AsExtractionError(err)
		if isFallback {
			return nil, err
		}

		failures[ee.Kind]++
		switch decide(ee.Kind, failures[ee.Kind], c.fallback != nil) {
		case decisionRetry:
			if ee.Kind == errors.KindParsing {
				// The corrective retry re-issues the request demanding
				// JSON-only output; no backoff, it is not a load problem.
				req = req.WithJSONOnlyInstruction()
				continue
			}
			if serr := c.sleepBackoff(ctx, failures[ee.Kind]); serr != nil {
				// Cancelled during backoff: surface the last attempt's
				// error without touching the provider again.
				return nil, err
			}
		case decisionFallback, decisionFail:
			return nil, err
		}
	}
}

// attempt performs one fully gated provider call: budget, circuit, rate
// limiter, send/stream, assembly, repair. Every path records an attempt row.
func (c *Client) attempt(ctx context.Context, logger *slog.Logger, client provider.Client, req *types.ExtractionRequest, attemptN int) (*types.ExtractionResult, error) {
	provName := client.Name()
	model := client.Model()
	started := c.clk.Now().UTC()

	// Budget gate runs before any provider work.
	promptTokens := tokenizer.EstimatePromptTokens(model, req)
	estimate := c.pricing.EstimateCost(model, promptTokens, req.MaxTokens)
	if err := c.budget.CheckAndReserve(estimate); err != nil {
		c.recordAttempt(ctx, req.ID, client, started, 0, types.OutcomeBudgetBlocked, errors.KindBudgetBlocked, 0, 0, 0)
		metrics.ProviderAttempts.WithLabelValues(provName, model, types.OutcomeBudgetBlocked).Inc()
		return nil, err
	}

	breaker := c.res.CircuitBreaker(provName)
	if !breaker.Allow() {
		c.recordAttempt(ctx, req.ID, client, started, 0, types.OutcomeCircuitOpen, errors.KindCircuitOpen, 0, 0, 0)
		metrics.ProviderAttempts.WithLabelValues(provName, model, types.OutcomeCircuitOpen).Inc()
		return nil, errors.NewCircuitOpenError(provName)
	}

	if err := c.res.RateLimiter(provName).Acquire(ctx, c.cfg.AcquireTimeout); err != nil {
		ee := errors.AsExtractionError(err)
		c.recordAttempt(ctx, req.ID, client, started, c.clk.Now().Sub(started),
			types.ErrorOutcome(string(ee.Kind)), ee.Kind, 0, 0, 0)
		metrics.ProviderAttempts.WithLabelValues(provName, model, types.ErrorOutcome(string(ee.Kind))).Inc()
		return nil, err
	}

	ctx, span := c.tracer.StartAttempt(ctx, provName, model, attemptN)
	defer span.End()

	callStart := c.clk.Now()
	var resp *types.ProviderResponse
	var err error
	if c.cfg.Streaming && client.Capabilities().SupportsStreaming {
		resp, err = c.streamOnce(ctx, client, req)
	} else {
		resp, err = client.Send(ctx, req)
	}
	latency := c.clk.Now().Sub(callStart)
	metrics.ProviderLatency.WithLabelValues(provName, model).Observe(latency.Seconds())
	breaker.RecordOutcome(err == nil)

	if err != nil {
		ee := errors.AsExtractionError(err)
		outcome := types.ErrorOutcome(string(ee.Kind))
		c.recordAttempt(ctx, req.ID, client, started, latency, outcome, ee.Kind, 0, 0, 0)
		metrics.ProviderAttempts.WithLabelValues(provName, model, outcome).Inc()
		logger.Warn("provider attempt failed",
			"provider", provName, "model", model, "attempt", attemptN, "kind", string(ee.Kind))
		return nil, err
	}

	usage := tokenizer.Reconcile(model, resp.Usage, prompt.Render(req), resp.Text)
	cost := c.pricing.Cost(model, usage.PromptTokens, usage.CompletionTokens)
	c.budget.Commit(cost)
	metrics.InputTokens.WithLabelValues(provName, model).Add(float64(usage.PromptTokens))
	metrics.OutputTokens.WithLabelValues(provName, model).Add(float64(usage.CompletionTokens))
	metrics.SpendUSD.WithLabelValues(provName, model).Add(cost)
	metrics.BudgetUtilization.Set(c.budget.Snapshot().UtilizationPct)

	parseStart := c.clk.Now()
	pipeline := &repair.Pipeline{Provider: provName, Model: model}
	result, perr := pipeline.Repair(resp.Text, req.SchemaVersion)
	metrics.ParseLatency.WithLabelValues(provName, model).Observe(c.clk.Now().Sub(parseStart).Seconds())

	if perr != nil {
		outcome := types.ErrorOutcome(string(errors.KindParsing))
		c.recordAttempt(ctx, req.ID, client, started, latency, outcome, errors.KindParsing,
			usage.PromptTokens, usage.CompletionTokens, cost)
		metrics.ProviderAttempts.WithLabelValues(provName, model, outcome).Inc()
		return nil, perr
	}

	c.recordAttempt(ctx, req.ID, client, started, latency, types.OutcomeSuccess, "",
		usage.PromptTokens, usage.CompletionTokens, cost)
	metrics.ProviderAttempts.WithLabelValues(provName, model, types.OutcomeSuccess).Inc()
	return result, nil
}

func (c *Client) recordAttempt(ctx context.Context, requestID string, client provider.Client, started time.Time, latency time.Duration, outcome string, kind errors.Kind, tokensIn, tokensOut int, cost float64) {
	rec := &types.AttemptRecord{
		RequestID: requestID,
		Provider:  client.Name(),
		Model:     client.Model(),
		StartedAt: started,
		Latency:   latency,
		Outcome:   outcome,
		ErrorKind: string(kind),
		TokensIn:  tokensIn,
		TokensOut: tokensOut,
		CostUSD:   cost,
	}
	if err := c.audit.Append(ctx, rec); err != nil {
		c.logger.Warn("attempt record append failed", "request_id", requestID, "error", err)
	}
}

// finish records the terminal request outcome.
func (c *Client) finish(client provider.Client, outcome string) {
	metrics.ExtractionRequests.WithLabelValues(client.Name(), client.Model(), outcome).Inc()
}

// terminalOutcome maps a terminal error to its outcome name.
func terminalOutcome(ee *errors.ExtractionError) string {
	switch ee.Kind {
	case errors.KindCircuitOpen:
		return types.OutcomeCircuitOpen
	case errors.KindBudgetBlocked:
		return types.OutcomeBudgetBlocked
	default:
		return types.ErrorOutcome(string(ee.Kind))
	}
}

// sleepBackoff waits the attempt's backoff delay through the injected clock,
// aborting on context cancellation.
func (c *Client) sleepBackoff(ctx context.Context, attempt int) error {
	delay := backoffDelay(attempt) + c.jitter.Jitter(jitterSpread)
	if delay < 0 {
		delay = 0
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.clk.After(delay):
		return nil
	}
}

// backoffDelay is the deterministic base delay for the nth failed attempt:
// 500ms, 1000ms, 2000ms, ..., capped at 8000ms.
func backoffDelay(attempt int) time.Duration {
	d := backoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= backoffCap {
			return backoffCap
		}
	}
	return d
}

// decision is the outcome of the pure retry decision function.
type decision int

const (
	decisionRetry decision = iota
	decisionFallback
	decisionFail
)

// decide maps (errorKind, attemptNumber, fallbackAvailable) to the next move.
// attemptNumber is the 1-based count of failures of this kind on the current
// provider; each kind spends its own budget. Gate failures never re-enter the
// attempt table: budget_blocked always fails, circuit_open goes straight to
// the fallback when one is available.
func decide(kind errors.Kind, attemptNumber int, fallbackAvailable bool) decision {
	switch kind {
	case errors.KindBudgetBlocked:
		return decisionFail
	case errors.KindCircuitOpen:
		if fallbackAvailable {
			return decisionFallback
		}
		return decisionFail
	}

	if attemptNumber < maxAttempts(kind) {
		return decisionRetry
	}
	if fallbackAvailable && fallbackEligible(kind) {
		return decisionFallback
	}
	return decisionFail
}

// maxAttempts is the per-kind cap of attempts on the same provider.
func maxAttempts(kind errors.Kind) int {
	switch kind {
	case errors.KindRateLimit, errors.KindTimeout, errors.KindTransient:
		return 3
	case errors.KindParsing:
		// Initial attempt plus one corrective retry.
		return 2
	default:
		return 1
	}
}

// fallbackEligible reports whether a kind may trigger the single fallback hop
// after the primary's attempts are exhausted.
func fallbackEligible(kind errors.Kind) bool {
	switch kind {
	case errors.KindRateLimit, errors.KindTimeout, errors.KindTransient,
		errors.KindParsing, errors.KindCircuitOpen:
		return true
	default:
		return false
	}
}
