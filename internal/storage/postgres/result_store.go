package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/upload-relay/internal/relay"
)

// ResultStore keeps job results in a single table keyed by job id.
type ResultStore struct {
	pool  pool
	table string
}

// NewResultStore builds a store on p. An empty table defaults to job_results.
func NewResultStore(p pool, table string) (*ResultStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := checkTable(table, "job_results")
	if err != nil {
		return nil, err
	}
	return &ResultStore{pool: p, table: table}, nil
}

// Migrate creates the results table and its eviction index.
func (s *ResultStore) Migrate(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	job_id      TEXT PRIMARY KEY,
	payload     JSON NOT NULL,
	failed      BOOLEAN NOT NULL DEFAULT FALSE,
	received_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS %[1]s_received_at_idx ON %[1]s (received_at)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("migrate results table: %w", err)
	}
	return nil
}

// Put upserts the result for res.JobID.
func (s *ResultStore) Put(ctx context.Context, res relay.Result) error {
	if res.JobID == "" {
		return fmt.Errorf("job id is required")
	}
	payload := res.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (job_id, payload, failed, received_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (job_id) DO UPDATE
SET payload = EXCLUDED.payload, failed = EXCLUDED.failed, received_at = EXCLUDED.received_at`, s.table)
	if _, err := s.pool.Exec(ctx, query, res.JobID, string(payload), res.Failed, res.ReceivedAt); err != nil {
		return fmt.Errorf("upsert result: %w", err)
	}
	return nil
}

// Get loads the result for jobID or returns relay.ErrNotFound.
func (s *ResultStore) Get(ctx context.Context, jobID string) (relay.Result, error) {
	query := fmt.Sprintf(`SELECT job_id, payload, failed, received_at FROM %s WHERE job_id = $1`, s.table)
	var (
		res     relay.Result
		payload []byte
	)
	err := s.pool.QueryRow(ctx, query, jobID).Scan(&res.JobID, &payload, &res.Failed, &res.ReceivedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return relay.Result{}, relay.ErrNotFound
		}
		return relay.Result{}, fmt.Errorf("select result: %w", err)
	}
	res.Payload = json.RawMessage(payload)
	return res, nil
}

// Sweep deletes results received before the cutoff.
func (s *ResultStore) Sweep(ctx context.Context, before time.Time) (int, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE received_at < $1`, s.table)
	tag, err := s.pool.Exec(ctx, query, before)
	if err != nil {
		return 0, fmt.Errorf("delete expired results: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
