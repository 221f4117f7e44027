// Package repair turns raw (possibly truncated or prose-wrapped) provider
// output into a validated ExtractionResult. Passes run cheapest-first; the
// first pass whose output validates wins. If none validates the failure is
// classified parsing, which makes it eligible for the orchestrator's single
// corrective retry.
package repair

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"github.com/evermind-ai/evermind/internal/metrics"
	"github.com/evermind-ai/evermind/pkg/errors"
	"github.com/evermind-ai/evermind/pkg/types"
)

// Pipeline repairs and validates raw provider output for one provider/model
// pair (used only for error attribution and metrics labels).
type Pipeline struct {
	Provider string
	Model    string
}

// rawResult is the lenient parse target: it accepts both the canonical
// plural shape and the deprecated singular one.
type rawResult struct {
	SchemaVersion string      `json:"schemaVersion"`
	Memories      []rawMemory `json:"memories"`
	Memory        *rawMemory  `json:"memory"`
}

// rawMemory uses pointers for the numeric fields so absent and zero are
// distinguishable during validation.
type rawMemory struct {
	Content              string   `json:"content"`
	EmotionalContext     string   `json:"emotional_context"`
	Significance         *float64 `json:"significance"`
	RelationshipDynamics string   `json:"relationship_dynamics"`
	Rationale            string   `json:"rationale"`
	Confidence           *float64 `json:"confidence"`
}

type pass struct {
	name string
	fn   func(string) (string, bool)
}

// Repair runs the multi-pass pipeline on raw text and validates against the
// requested schema version. All failures are classified parsing.
func (p *Pipeline) Repair(raw, wantVersion string) (*types.ExtractionResult, error) {
	passes := []pass{
		{name: "direct", fn: func(s string) (string, bool) { return s, true }},
		{name: "strip_prose", fn: stripProse},
		{name: "balance", fn: balance},
	}

	text := raw
	var lastErr error
	for _, ps := range passes {
		candidate, ok := ps.fn(text)
		if !ok {
			metrics.RepairAttempts.WithLabelValues(ps.name, "skipped").Inc()
			continue
		}
		// Later passes build on the earlier transforms: balance runs on the
		// prose-stripped text, not the original.
		text = candidate

		result, err := p.parseAndValidate(candidate, wantVersion)
		if err != nil {
			metrics.RepairAttempts.WithLabelValues(ps.name, "failure").Inc()
			lastErr = err
			continue
		}
		metrics.RepairAttempts.WithLabelValues(ps.name, "success").Inc()
		return result, nil
	}

	msg := "response could not be repaired into a valid result"
	if lastErr != nil {
		msg = fmt.Sprintf("%s: %v", msg, lastErr)
	}
	return nil, errors.NewParsingError(p.Provider, p.Model, msg)
}

// parseAndValidate parses one candidate text, adapts the deprecated singular
// shape, and validates against the requested schema version.
func (p *Pipeline) parseAndValidate(text, wantVersion string) (*types.ExtractionResult, error) {
	var raw rawResult
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}

	if raw.Memories == nil && raw.Memory != nil {
		raw.Memories = []rawMemory{*raw.Memory}
		raw.Memory = nil
		metrics.RepairAttempts.WithLabelValues("legacy", "success").Inc()
	}

	result, err := validate(&raw, wantVersion)
	if err != nil {
		metrics.SchemaValidations.WithLabelValues("failure").Inc()
		return nil, err
	}
	metrics.SchemaValidations.WithLabelValues("success").Inc()
	return result, nil
}

// validate checks the schema contract and normalizes items. Normalization is
// idempotent: a validated result re-serialized and re-validated is identical.
func validate(raw *rawResult, wantVersion string) (*types.ExtractionResult, error) {
	switch raw.SchemaVersion {
	case "":
		return nil, fmt.Errorf("missing schemaVersion")
	case wantVersion:
	case types.SchemaVersionV1:
		// The singular v1 shape was already adapted; upgrade the version tag.
	default:
		return nil, fmt.Errorf("schemaVersion %q is not adaptable to %q",
			raw.SchemaVersion, wantVersion)
	}

	out := &types.ExtractionResult{
		SchemaVersion: wantVersion,
		Memories:      make([]types.MemoryItem, 0, len(raw.Memories)),
	}
	for i, m := range raw.Memories {
		if strings.TrimSpace(m.Content) == "" {
			return nil, fmt.Errorf("memory %d: empty content", i)
		}
		out.Memories = append(out.Memories, types.MemoryItem{
			Content:              m.Content,
			EmotionalContext:     m.EmotionalContext,
			Significance:         clamp01(valueOr(m.Significance, 0.5)),
			RelationshipDynamics: m.RelationshipDynamics,
			Rationale:            m.Rationale,
			Confidence:           clamp01(valueOr(m.Confidence, 0.5)),
		})
	}
	return out, nil
}

// stripProse cuts the text down to the outermost JSON value, dropping leading
// and trailing prose and markdown fences.
func stripProse(s string) (string, bool) {
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return "", false
	}
	end := strings.LastIndexAny(s, "}]")
	if end < start {
		// No closer at all; keep everything after the opener and let the
		// balance pass close it.
		return s[start:], true
	}
	return s[start : end+1], true
}

// balance closes an open string literal and appends closers for every
// unmatched brace/bracket, after trimming a dangling partial token.
func balance(s string) (string, bool) {
	var stack []byte
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 && stack[len(stack)-1] == c {
				stack = stack[:len(stack)-1]
			}
		}
	}

	if !inString && len(stack) == 0 {
		// Already balanced; nothing this pass can add.
		return "", false
	}

	var b strings.Builder
	b.WriteString(s)
	if escaped {
		// A trailing lone backslash cannot be completed meaningfully.
		trimmed := b.String()
		b.Reset()
		b.WriteString(trimmed[:len(trimmed)-1])
	}
	if inString {
		b.WriteByte('"')
	}

	// Drop a dangling "key": with no value before closing the object.
	out := strings.TrimRight(b.String(), " \t\r\n")
	out = strings.TrimRight(out, ",")
	if strings.HasSuffix(strings.TrimRight(out, " \t\r\n"), ":") {
		out = strings.TrimRight(out, " \t\r\n")
		out = out + " null"
	}

	for i := len(stack) - 1; i >= 0; i-- {
		out += string(stack[i])
	}
	return out, true
}

func valueOr(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}

func clamp01(v float64) float64 {
	if v != v { // NaN
		return 0.5
	}
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
