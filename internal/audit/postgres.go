package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/evermind-ai/evermind/pkg/types"
)

// PostgresStore persists attempt records to PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a connection pool against dsn and creates the
// attempt_records table if needed.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	s := &PostgresStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS attempt_records (
			id          TEXT PRIMARY KEY,
			request_id  TEXT NOT NULL,
			provider    TEXT NOT NULL,
			model       TEXT NOT NULL,
			started_at  TIMESTAMPTZ NOT NULL,
			latency_ms  BIGINT NOT NULL,
			outcome     TEXT NOT NULL,
			error_kind  TEXT NOT NULL DEFAULT '',
			tokens_in   INTEGER NOT NULL DEFAULT 0,
			tokens_out  INTEGER NOT NULL DEFAULT 0,
			cost_usd    DOUBLE PRECISION NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_attempt_records_request
			ON attempt_records (request_id, started_at);
	`)
	if err != nil {
		return fmt.Errorf("migrate attempt_records: %w", err)
	}
	return nil
}

// Append implements Store.
func (s *PostgresStore) Append(ctx context.Context, rec *types.AttemptRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attempt_records
			(id, request_id, provider, model, started_at, latency_ms,
			 outcome, error_kind, tokens_in, tokens_out, cost_usd)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.ID, rec.RequestID, rec.Provider, rec.Model,
		rec.StartedAt.UTC(), rec.Latency.Milliseconds(),
		rec.Outcome, rec.ErrorKind, rec.TokensIn, rec.TokensOut, rec.CostUSD,
	)
	if err != nil {
		return fmt.Errorf("insert attempt record: %w", err)
	}
	return nil
}

// ListByRequest implements Store.
func (s *PostgresStore) ListByRequest(ctx context.Context, requestID string) ([]types.AttemptRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, request_id, provider, model, started_at, latency_ms,
		       outcome, error_kind, tokens_in, tokens_out, cost_usd
		FROM attempt_records
		WHERE request_id = $1
		ORDER BY started_at ASC`,
		requestID,
	)
	if err != nil {
		return nil, fmt.Errorf("query attempt records: %w", err)
	}
	defer rows.Close()

	var out []types.AttemptRecord
	for rows.Next() {
		var rec types.AttemptRecord
		var latencyMS int64
		if err := rows.Scan(
			&rec.ID, &rec.RequestID, &rec.Provider, &rec.Model,
			&rec.StartedAt, &latencyMS,
			&rec.Outcome, &rec.ErrorKind, &rec.TokensIn, &rec.TokensOut, &rec.CostUSD,
		); err != nil {
			return nil, fmt.Errorf("scan attempt record: %w", err)
		}
		rec.Latency = time.Duration(latencyMS) * time.Millisecond
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
