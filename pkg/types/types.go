// Package types defines the data model shared across the extraction layer:
// requests, provider responses, validated memory records, and attempt audit rows.
package types

import (
	"time"

	"github.com/goccy/go-json"
)

// SchemaVersionV2 is the canonical plural result schema.
// The deprecated v1 singular shape is adapted by the repair pipeline, never stored.
const (
	SchemaVersionV1 = "v1"
	SchemaVersionV2 = "v2"
)

// MessageExcerpt is one selected message from conversation history.
// Excerpts arrive already redacted and trimmed by the upstream salience selector.
type MessageExcerpt struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp,omitempty"`
	Salience  float64   `json:"salience,omitempty"`
}

// MoodContext carries the mood-scoring output that accompanies an extraction.
type MoodContext struct {
	Valence         float64 `json:"valence"`
	Arousal         float64 `json:"arousal"`
	Delta           float64 `json:"delta"`
	DominantEmotion string  `json:"dominant_emotion,omitempty"`
}

// ExtractionRequest is the immutable input to one logical extraction.
// It is created per extraction and never mutated; the corrective-retry path
// works on a clone (see WithJSONOnlyInstruction).
type ExtractionRequest struct {
	ID            string           `json:"id"`
	Excerpts      []MessageExcerpt `json:"excerpts"`
	Mood          *MoodContext     `json:"mood,omitempty"`
	SchemaVersion string           `json:"schema_version"`
	MaxTokens     int              `json:"max_tokens"`

	// ExtraInstruction is appended to the rendered prompt by provider adapters.
	// Set only by the corrective-retry path.
	ExtraInstruction string `json:"extra_instruction,omitempty"`
}

// JSONOnlyInstruction is appended on the corrective retry after a parsing failure.
const JSONOnlyInstruction = "Respond with a single valid JSON object only. " +
	"No prose, no markdown fences, no explanation before or after the JSON."

// WithJSONOnlyInstruction returns a copy of the request demanding JSON-only output.
// The original request is left untouched.
func (r *ExtractionRequest) WithJSONOnlyInstruction() *ExtractionRequest {
	clone := *r
	clone.ExtraInstruction = JSONOnlyInstruction
	return &clone
}

// Usage holds provider-reported or estimated token counts for one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ProviderResponse is the raw output of a single provider call.
// It is owned by the call that produced it and discarded after assembly.
type ProviderResponse struct {
	Text  string `json:"text"`
	Model string `json:"model"`
	Usage Usage  `json:"usage"`
}

// StreamEventKind enumerates the events a streaming provider call can emit.
type StreamEventKind int

const (
	StreamStart StreamEventKind = iota
	StreamDelta
	StreamStop
	StreamError
)

func (k StreamEventKind) String() string {
	switch k {
	case StreamStart:
		return "start"
	case StreamDelta:
		return "delta"
	case StreamStop:
		return "stop"
	case StreamError:
		return "error"
	default:
		return "unknown"
	}
}

// StreamEvent is one element of a streaming response sequence.
// The sequence is finite and non-restartable: start, zero or more deltas,
// then exactly one stop or error.
type StreamEvent struct {
	Kind  StreamEventKind
	Delta string
	Model string
	Usage *Usage
	Err   error
}

// MemoryItem is a validated, emotionally weighted memory record.
// Immutable once validated.
type MemoryItem struct {
	Content              string  `json:"content"`
	EmotionalContext     string  `json:"emotional_context"`
	Significance         float64 `json:"significance"`
	RelationshipDynamics string  `json:"relationship_dynamics,omitempty"`
	Rationale            string  `json:"rationale,omitempty"`
	Confidence           float64 `json:"confidence"`
}

// ExtractionResult is the canonical plural output shape.
type ExtractionResult struct {
	SchemaVersion string       `json:"schemaVersion"`
	Memories      []MemoryItem `json:"memories"`
}

// Marshal serializes the result with the layer's standard encoder.
func (r *ExtractionResult) Marshal() ([]byte, error) {
	return json.Marshal(r)
}

// Outcome names for attempt records and metrics. Terminal provider errors use
// ErrorOutcome to derive "error_<kind>" names.
const (
	OutcomeSuccess         = "success"
	OutcomeFallbackSuccess = "fallback_success"
	OutcomeCircuitOpen     = "circuit_open"
	OutcomeBudgetBlocked   = "budget_blocked"
)

// ErrorOutcome returns the outcome name for a terminal error kind,
// e.g. "error_rate_limit".
func ErrorOutcome(kind string) string {
	return "error_" + kind
}

// AttemptRecord is one append-only row per provider call attempt.
type AttemptRecord struct {
	ID        string        `json:"id"`
	RequestID string        `json:"request_id"`
	Provider  string        `json:"provider"`
	Model     string        `json:"model"`
	StartedAt time.Time     `json:"started_at"`
	Latency   time.Duration `json:"latency"`
	Outcome   string        `json:"outcome"`
	ErrorKind string        `json:"error_kind,omitempty"`
	TokensIn  int           `json:"tokens_in"`
	TokensOut int           `json:"tokens_out"`
	CostUSD   float64       `json:"cost_usd"`
}
