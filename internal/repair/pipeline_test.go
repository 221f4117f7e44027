package repair

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/evermind-ai/evermind/pkg/errors"
	"github.com/evermind-ai/evermind/pkg/types"
)

func newPipeline() *Pipeline {
	return &Pipeline{Provider: "openai", Model: "gpt-4o-mini"}
}

const validPlural = `{
	"schemaVersion": "v2",
	"memories": [
		{
			"content": "User reconciled with their brother after a long estrangement.",
			"emotional_context": "relief mixed with lingering guilt",
			"significance": 0.9,
			"relationship_dynamics": "sibling repair",
			"rationale": "Strong emotional language and a turning point in the conversation.",
			"confidence": 0.85
		}
	]
}`

func TestRepair_DirectParse(t *testing.T) {
	result, err := newPipeline().Repair(validPlural, types.SchemaVersionV2)
	require.NoError(t, err)
	require.Len(t, result.Memories, 1)
	require.Equal(t, types.SchemaVersionV2, result.SchemaVersion)
	require.Equal(t, 0.85, result.Memories[0].Confidence)
}

func TestRepair_StripsLeadingAndTrailingProse(t *testing.T) {
	raw := "Sure! Here is the extracted memory:\n\n" + validPlural + "\n\nLet me know if you need anything else."
	result, err := newPipeline().Repair(raw, types.SchemaVersionV2)
	require.NoError(t, err)
	require.Len(t, result.Memories, 1)
}

func TestRepair_StripsMarkdownFence(t *testing.T) {
	raw := "```json\n" + validPlural + "\n```"
	result, err := newPipeline().Repair(raw, types.SchemaVersionV2)
	require.NoError(t, err)
	require.Len(t, result.Memories, 1)
}

func TestRepair_TruncatedMidString(t *testing.T) {
	raw := `{"schemaVersion":"v2","memories":[{"content":"User adopted a rescue dog and cried with joy`
	result, err := newPipeline().Repair(raw, types.SchemaVersionV2)
	require.NoError(t, err)
	require.Len(t, result.Memories, 1)
	require.Contains(t, result.Memories[0].Content, "rescue dog")
	// Absent confidence defaults to the neutral midpoint.
	require.Equal(t, 0.5, result.Memories[0].Confidence)
}

func TestRepair_TruncatedAfterComma(t *testing.T) {
	raw := `{"schemaVersion":"v2","memories":[{"content":"First memory","confidence":0.7},`
	result, err := newPipeline().Repair(raw, types.SchemaVersionV2)
	require.NoError(t, err)
	require.Len(t, result.Memories, 1)
	require.Equal(t, 0.7, result.Memories[0].Confidence)
}

func TestRepair_LegacySingularAdapted(t *testing.T) {
	raw := `{
		"schemaVersion": "v1",
		"memory": {
			"content": "User started a new job in Osaka.",
			"emotional_context": "nervous excitement",
			"significance": 0.8,
			"rationale": "Major life change.",
			"confidence": 0.9
		}
	}`
	result, err := newPipeline().Repair(raw, types.SchemaVersionV2)
	require.NoError(t, err)
	require.Equal(t, types.SchemaVersionV2, result.SchemaVersion)
	require.Len(t, result.Memories, 1)

	// No field loss across the adaptation.
	m := result.Memories[0]
	require.Equal(t, "User started a new job in Osaka.", m.Content)
	require.Equal(t, "nervous excitement", m.EmotionalContext)
	require.Equal(t, 0.8, m.Significance)
	require.Equal(t, "Major life change.", m.Rationale)
	require.Equal(t, 0.9, m.Confidence)
}

func TestRepair_UnadaptableVersionFails(t *testing.T) {
	raw := `{"schemaVersion":"v9","memories":[]}`
	_, err := newPipeline().Repair(raw, types.SchemaVersionV2)
	require.Error(t, err)
	require.Equal(t, errors.KindParsing, errors.KindOf(err))
}

func TestRepair_MissingVersionFails(t *testing.T) {
	raw := `{"memories":[{"content":"x"}]}`
	_, err := newPipeline().Repair(raw, types.SchemaVersionV2)
	require.Equal(t, errors.KindParsing, errors.KindOf(err))
}

func TestRepair_EmptyContentFails(t *testing.T) {
	raw := `{"schemaVersion":"v2","memories":[{"content":"  "}]}`
	_, err := newPipeline().Repair(raw, types.SchemaVersionV2)
	require.Equal(t, errors.KindParsing, errors.KindOf(err))
}

func TestRepair_PureProseFails(t *testing.T) {
	_, err := newPipeline().Repair("I could not find any memories worth keeping.", types.SchemaVersionV2)
	require.Error(t, err)
	require.Equal(t, errors.KindParsing, errors.KindOf(err))
}

func TestRepair_ConfidenceClamped(t *testing.T) {
	raw := `{"schemaVersion":"v2","memories":[{"content":"x","confidence":1.7},{"content":"y","confidence":-0.2}]}`
	result, err := newPipeline().Repair(raw, types.SchemaVersionV2)
	require.NoError(t, err)
	require.Equal(t, 1.0, result.Memories[0].Confidence)
	require.Equal(t, 0.0, result.Memories[1].Confidence)
}

func TestRepair_EmptyMemoriesIsValid(t *testing.T) {
	result, err := newPipeline().Repair(`{"schemaVersion":"v2","memories":[]}`, types.SchemaVersionV2)
	require.NoError(t, err)
	require.Empty(t, result.Memories)
}

func TestRepair_ValidationIsIdempotent(t *testing.T) {
	first, err := newPipeline().Repair(validPlural, types.SchemaVersionV2)
	require.NoError(t, err)

	reserialized, err := json.Marshal(first)
	require.NoError(t, err)

	second, err := newPipeline().Repair(string(reserialized), types.SchemaVersionV2)
	require.NoError(t, err)
	require.Equal(t, first, second)
}
