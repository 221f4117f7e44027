// Package evermind is a resilience layer for LLM-backed memory extraction.
// It wraps provider calls with rate limiting, circuit breaking, daily budget
// gating, retry/backoff/fallback orchestration, and response repair, so the
// caller always receives either a validated extraction result or a single
// classified terminal failure.
//
// Basic usage:
//
//	client, err := evermind.New(
//	    evermind.WithProvider(evermind.ProviderConfig{
//	        Name:   "openai",
//	        Type:   "openai",
//	        APIKey: os.Getenv("OPENAI_API_KEY"),
//	        Model:  "gpt-4o-mini",
//	    }),
//	    evermind.WithPrimary("openai"),
//	    evermind.WithDailyBudgetUSD(10),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	result, err := client.Extract(ctx, &evermind.ExtractionRequest{
//	    Excerpts: excerpts,
//	    Mood:     mood,
//	})
package evermind

import (
	"github.com/evermind-ai/evermind/internal/resilience"
	"github.com/evermind-ai/evermind/pkg/errors"
	"github.com/evermind-ai/evermind/pkg/provider"
	"github.com/evermind-ai/evermind/pkg/types"
)

// Version is the current version of the extraction layer.
const Version = "1.0.0"

// Re-export core request/response types for convenience.
type (
	// ExtractionRequest is the immutable input to one logical extraction.
	ExtractionRequest = types.ExtractionRequest

	// ExtractionResult is the validated plural output shape.
	ExtractionResult = types.ExtractionResult

	// MemoryItem is one validated, emotionally weighted memory record.
	MemoryItem = types.MemoryItem

	// MessageExcerpt is one selected message from conversation history.
	MessageExcerpt = types.MessageExcerpt

	// MoodContext carries the mood-scoring output accompanying an extraction.
	MoodContext = types.MoodContext

	// Usage contains token usage for one provider call.
	Usage = types.Usage

	// AttemptRecord is one append-only row per provider call attempt.
	AttemptRecord = types.AttemptRecord
)

// Re-export provider types.
type (
	// ProviderClient is the closed interface every adapter implements.
	ProviderClient = provider.Client

	// ProviderConfig contains provider construction parameters.
	ProviderConfig = provider.Config

	// ProviderFactory creates provider clients from configuration.
	ProviderFactory = provider.Factory

	// Capabilities describes what a configured provider/model supports.
	Capabilities = provider.Capabilities
)

// Re-export error types.
type (
	// ExtractionError is a classified failure from a provider call or gate.
	ExtractionError = errors.ExtractionError

	// ErrorKind is the canonical failure classification.
	ErrorKind = errors.Kind
)

// Re-export resilience tuning types.
type (
	// RateLimiterConfig tunes the per-provider outbound limiter.
	RateLimiterConfig = resilience.RateLimiterConfig

	// CircuitBreakerConfig tunes the per-provider circuit breaker.
	CircuitBreakerConfig = resilience.CircuitBreakerConfig
)

// KindOf returns the canonical error kind of any error returned by Extract.
func KindOf(err error) ErrorKind {
	return errors.KindOf(err)
}
