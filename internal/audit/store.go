// Package audit persists AttemptRecord rows for the downstream audit and
// metrics consumers. Records are append-only.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/evermind-ai/evermind/pkg/types"
)

// Store is the attempt-record sink. Implementations must be safe for
// concurrent use.
type Store interface {
	// Append records one attempt. The record's ID is assigned if empty.
	Append(ctx context.Context, rec *types.AttemptRecord) error
	// ListByRequest returns the attempts of one extraction request in
	// insertion order.
	ListByRequest(ctx context.Context, requestID string) ([]types.AttemptRecord, error)
}

// MemoryStore keeps the most recent records in a bounded ring. It is the
// default sink when no database is configured.
type MemoryStore struct {
	mu      sync.RWMutex
	records []types.AttemptRecord
	max     int
}

// NewMemoryStore creates a store bounded to max records (0 means 10000).
func NewMemoryStore(max int) *MemoryStore {
	if max <= 0 {
		max = 10000
	}
	return &MemoryStore{max: max}
}

// Append implements Store.
func (s *MemoryStore) Append(_ context.Context, rec *types.AttemptRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, *rec)
	if len(s.records) > s.max {
		s.records = s.records[len(s.records)-s.max:]
	}
	return nil
}

// ListByRequest implements Store.
func (s *MemoryStore) ListByRequest(_ context.Context, requestID string) ([]types.AttemptRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.AttemptRecord
	for _, rec := range s.records {
		if rec.RequestID == requestID {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Len returns the number of retained records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
