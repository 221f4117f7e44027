// Package provider defines the closed interface for LLM provider adapters.
// Each adapter (OpenAI, Anthropic, ...) implements this interface; nothing
// outside the providers registry may depend on a concrete adapter type.
package provider

import (
	"context"
	"time"

	"github.com/evermind-ai/evermind/pkg/types"
)

// Client is the capability set every provider adapter must implement.
type Client interface {
	// Name returns the provider identifier (e.g. "openai", "anthropic").
	Name() string

	// Model returns the model this client is configured to call.
	Model() string

	// Send performs a blocking completion call. Failures are classified
	// *errors.ExtractionError values.
	Send(ctx context.Context, req *types.ExtractionRequest) (*types.ProviderResponse, error)

	// Stream performs a streaming completion call. The returned channel emits
	// a finite, non-restartable event sequence and is closed after the final
	// stop or error event. Adapters without streaming support return an
	// invalid_request error; check Capabilities first.
	Stream(ctx context.Context, req *types.ExtractionRequest) (<-chan types.StreamEvent, error)

	// EstimateTokens approximates the token count of text for this provider.
	EstimateTokens(text string) int

	// Capabilities reports static limits of the configured model.
	Capabilities() Capabilities

	// ValidateConfig checks that the adapter is usable (key present, base URL
	// well formed). Failures are classified invalid_request.
	ValidateConfig() error
}

// Capabilities describes what a configured provider/model pair supports.
type Capabilities struct {
	MaxInputTokens    int  `json:"max_input_tokens"`
	SupportsStreaming bool `json:"supports_streaming"`
}

// Config contains adapter construction parameters.
type Config struct {
	Name    string
	Type    string
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
	Headers map[string]string
}

// Factory creates a provider client from configuration.
type Factory func(cfg Config) (Client, error)
