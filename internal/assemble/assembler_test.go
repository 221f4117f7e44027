package assemble

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/evermind-ai/evermind/pkg/types"
)

func feedAll(t *testing.T, a *Assembler, events ...types.StreamEvent) {
	t.Helper()
	for _, ev := range events {
		require.NoError(t, a.Feed(ev))
	}
}

func TestAssembler_CompleteStream(t *testing.T) {
	a := New()
	feedAll(t, a,
		types.StreamEvent{Kind: types.StreamStart, Model: "gpt-4o-mini"},
		types.StreamEvent{Kind: types.StreamDelta, Delta: `{"schemaVersion":"v2",`},
		types.StreamEvent{Kind: types.StreamDelta, Delta: `"memories":[]}`},
		types.StreamEvent{Kind: types.StreamStop, Usage: &types.Usage{CompletionTokens: 12}},
	)

	require.Equal(t, Complete, a.Phase())
	require.Equal(t, `{"schemaVersion":"v2","memories":[]}`, a.Text())
	require.Equal(t, "gpt-4o-mini", a.Model())
	require.Equal(t, 12, a.Usage().CompletionTokens)
}

func TestAssembler_TruncatedMidObject(t *testing.T) {
	a := New()
	feedAll(t, a,
		types.StreamEvent{Kind: types.StreamStart},
		types.StreamEvent{Kind: types.StreamDelta, Delta: `{"schemaVersion":"v2","memories":[{"content":"he apolog`},
		types.StreamEvent{Kind: types.StreamStop},
	)

	require.Equal(t, Truncated, a.Phase())
	require.Contains(t, a.Text(), "apolog")
}

func TestAssembler_BracesInsideStringsDoNotCount(t *testing.T) {
	a := New()
	feedAll(t, a,
		types.StreamEvent{Kind: types.StreamDelta, Delta: `{"content":"she drew {a} smiley [face]"}`},
		types.StreamEvent{Kind: types.StreamStop},
	)
	require.Equal(t, Complete, a.Phase())
}

func TestAssembler_EscapedQuoteKeepsStringOpen(t *testing.T) {
	a := New()
	feedAll(t, a,
		types.StreamEvent{Kind: types.StreamDelta, Delta: `{"content":"he said \"wait\""}`},
		types.StreamEvent{Kind: types.StreamStop},
	)
	require.Equal(t, Complete, a.Phase())
}

func TestAssembler_SplitAcrossDeltas(t *testing.T) {
	a := New()
	// Escape sequence split across two deltas.
	feedAll(t, a,
		types.StreamEvent{Kind: types.StreamDelta, Delta: `{"content":"a\`},
		types.StreamEvent{Kind: types.StreamDelta, Delta: `"b"}`},
		types.StreamEvent{Kind: types.StreamStop},
	)
	require.Equal(t, Complete, a.Phase())
}

func TestAssembler_ErrorEventAborts(t *testing.T) {
	upstream := errors.New("connection reset")
	a := New()
	feedAll(t, a,
		types.StreamEvent{Kind: types.StreamDelta, Delta: `{"mem`},
		types.StreamEvent{Kind: types.StreamError, Err: upstream},
	)

	require.Equal(t, Errored, a.Phase())
	require.Equal(t, upstream, a.Err())
}

func TestAssembler_FeedAfterTerminal(t *testing.T) {
	a := New()
	feedAll(t, a, types.StreamEvent{Kind: types.StreamStop})
	err := a.Feed(types.StreamEvent{Kind: types.StreamDelta, Delta: "late"})
	require.ErrorIs(t, err, ErrTerminal)
}

func TestAssembler_EmptyStreamIsTruncated(t *testing.T) {
	a := New()
	feedAll(t, a, types.StreamEvent{Kind: types.StreamStop})
	require.Equal(t, Truncated, a.Phase(), "no JSON seen: cannot be complete")
}

func TestAssembler_ConsumeChannel(t *testing.T) {
	events := make(chan types.StreamEvent, 4)
	events <- types.StreamEvent{Kind: types.StreamStart}
	events <- types.StreamEvent{Kind: types.StreamDelta, Delta: `{"schemaVersion":"v2","memories":[]}`}
	events <- types.StreamEvent{Kind: types.StreamStop}
	close(events)

	a := New()
	require.NoError(t, a.Consume(context.Background(), events))
	require.Equal(t, Complete, a.Phase())
}

func TestAssembler_ConsumeClosedWithoutStop(t *testing.T) {
	events := make(chan types.StreamEvent, 2)
	events <- types.StreamEvent{Kind: types.StreamDelta, Delta: `{"x":`}
	close(events)

	a := New()
	require.NoError(t, a.Consume(context.Background(), events))
	require.Equal(t, Truncated, a.Phase())
}

func TestAssembler_ConsumeCancelled(t *testing.T) {
	events := make(chan types.StreamEvent)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a := New()
	err := a.Consume(ctx, events)
	require.Error(t, err)
	require.Equal(t, Errored, a.Phase())
}

func TestPhase_String(t *testing.T) {
	require.Equal(t, "collecting", Collecting.String())
	require.Equal(t, "complete", Complete.String())
	require.Equal(t, "truncated", Truncated.String())
	require.Equal(t, "errored", Errored.String())
}
