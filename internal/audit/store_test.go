package audit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/evermind-ai/evermind/pkg/types"
)

func TestMemoryStore_AppendAssignsIDAndTimestamp(t *testing.T) {
	s := NewMemoryStore(0)
	rec := &types.AttemptRecord{RequestID: "req-1", Provider: "openai", Outcome: types.OutcomeSuccess}
	require.NoError(t, s.Append(context.Background(), rec))

	require.NotEmpty(t, rec.ID)
	require.False(t, rec.StartedAt.IsZero())
	require.Equal(t, time.UTC, rec.StartedAt.Location())
}

func TestMemoryStore_ListByRequestPreservesOrder(t *testing.T) {
	s := NewMemoryStore(0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Append(ctx, &types.AttemptRecord{
			RequestID: "req-1",
			Provider:  "openai",
			Outcome:   types.ErrorOutcome("rate_limit"),
			TokensIn:  i,
		}))
	}
	require.NoError(t, s.Append(ctx, &types.AttemptRecord{RequestID: "req-2", Provider: "anthropic"}))

	got, err := s.ListByRequest(ctx, "req-1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, rec := range got {
		require.Equal(t, i, rec.TokensIn)
	}
}

func TestMemoryStore_BoundedRetention(t *testing.T) {
	s := NewMemoryStore(5)
	ctx := context.Background()

	for i := 0; i < 12; i++ {
		require.NoError(t, s.Append(ctx, &types.AttemptRecord{
			RequestID: fmt.Sprintf("req-%d", i),
		}))
	}

	require.Equal(t, 5, s.Len())

	// Oldest records were evicted.
	got, err := s.ListByRequest(ctx, "req-0")
	require.NoError(t, err)
	require.Empty(t, got)

	got, err = s.ListByRequest(ctx, "req-11")
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestMemoryStore_ConcurrentAppends(t *testing.T) {
	s := NewMemoryStore(0)
	ctx := context.Background()

	done := make(chan struct{})
	for g := 0; g < 8; g++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 50; i++ {
				_ = s.Append(ctx, &types.AttemptRecord{RequestID: "shared"})
			}
		}()
	}
	for g := 0; g < 8; g++ {
		<-done
	}

	got, err := s.ListByRequest(ctx, "shared")
	require.NoError(t, err)
	require.Len(t, got, 400)
}
