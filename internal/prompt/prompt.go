// Package prompt renders extraction requests into the system and user prompts
// sent to provider adapters. Rendering is deterministic so token estimates and
// corrective retries see the same text.
package prompt

import (
	"fmt"
	"strings"

	"github.com/evermind-ai/evermind/pkg/types"
)

// System is the system instruction shared by all provider adapters.
const System = `You are a memory extraction engine for an emotionally aware AI companion. ` +
	`Given selected conversation excerpts and the user's current mood, extract the ` +
	`emotionally significant memories worth keeping long term. Output JSON only.`

// Render builds the user prompt for one extraction request.
func Render(req *types.ExtractionRequest) string {
	var b strings.Builder

	b.WriteString("Conversation excerpts:\n")
	for _, ex := range req.Excerpts {
		fmt.Fprintf(&b, "[%s] %s\n", ex.Role, ex.Content)
	}

	if req.Mood != nil {
		fmt.Fprintf(&b, "\nCurrent mood: valence=%.2f arousal=%.2f delta=%.2f",
			req.Mood.Valence, req.Mood.Arousal, req.Mood.Delta)
		if req.Mood.DominantEmotion != "" {
			fmt.Fprintf(&b, " dominant=%s", req.Mood.DominantEmotion)
		}
		b.WriteString("\n")
	}

	schema := req.SchemaVersion
	if schema == "" {
		schema = types.SchemaVersionV2
	}
	fmt.Fprintf(&b, `
Respond with a JSON object of this exact shape:
{
  "schemaVersion": %q,
  "memories": [
    {
      "content": "...",
      "emotional_context": "...",
      "significance": 0.0,
      "relationship_dynamics": "...",
      "rationale": "...",
      "confidence": 0.0
    }
  ]
}
significance and confidence are in [0, 1]. Return an empty memories array if nothing is worth keeping.`, schema)

	if req.ExtraInstruction != "" {
		b.WriteString("\n\n")
		b.WriteString(req.ExtraInstruction)
	}

	return b.String()
}
