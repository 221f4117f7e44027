// Package tokenizer provides token counting for extraction prompts and
// responses, with per-provider reconciliation against reported usage.
package tokenizer

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/evermind-ai/evermind/pkg/types"
)

var (
	encodingCache sync.Map
	defaultOnce   sync.Once
	defaultEnc    *tiktoken.Tiktoken
)

// CountTextTokens returns the token count for text using tiktoken.
// If no encoding is available it falls back to a conservative len/4 estimate.
func CountTextTokens(model, text string) int {
	if text == "" {
		return 0
	}
	enc := getEncoding(model)
	if enc == nil {
		return len(text) / 4
	}
	return len(enc.Encode(text, nil, nil))
}

// EstimatePromptTokens estimates the prompt token count of a request as the
// provider adapters render it: every excerpt plus mood context plus any
// appended instruction, with a small per-message overhead.
func EstimatePromptTokens(model string, req *types.ExtractionRequest) int {
	if req == nil {
		return 0
	}

	total := 0
	for _, ex := range req.Excerpts {
		total += CountTextTokens(model, ex.Role)
		total += CountTextTokens(model, ex.Content)
		// Role/formatting overhead per message.
		total += 2
	}
	if req.Mood != nil {
		total += CountTextTokens(model, req.Mood.DominantEmotion)
		// Three numeric mood fields render to roughly a dozen tokens.
		total += 12
	}
	total += CountTextTokens(model, req.ExtraInstruction)

	// Reply primer overhead used by common chat formats.
	total += 3
	return total
}

// Reconcile prefers provider-reported usage and falls back to local estimates
// for whichever side is missing.
func Reconcile(model string, reported types.Usage, promptText, completionText string) types.Usage {
	out := reported
	if out.PromptTokens == 0 {
		out.PromptTokens = CountTextTokens(model, promptText)
	}
	if out.CompletionTokens == 0 {
		out.CompletionTokens = CountTextTokens(model, completionText)
	}
	if out.TotalTokens == 0 {
		out.TotalTokens = out.PromptTokens + out.CompletionTokens
	}
	return out
}

func getEncoding(model string) *tiktoken.Tiktoken {
	base := normalizeModelName(model)
	if cached, ok := encodingCache.Load(base); ok {
		if enc, ok := cached.(*tiktoken.Tiktoken); ok {
			return enc
		}
		return getDefaultEncoding()
	}

	enc, err := tiktoken.EncodingForModel(base)
	if err != nil {
		enc = getDefaultEncoding()
	}
	if enc != nil {
		encodingCache.Store(base, enc)
	}
	return enc
}

func getDefaultEncoding() *tiktoken.Tiktoken {
	defaultOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			defaultEnc = enc
		}
	})
	return defaultEnc
}

func normalizeModelName(model string) string {
	if model == "" {
		return model
	}
	if idx := strings.LastIndex(model, "/"); idx >= 0 && idx+1 < len(model) {
		return model[idx+1:]
	}
	return model
}
