package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/upload-relay/internal/store"
)

const jobRunColumns = "job_id, status, files, bytes, uploaded_at, forwarded_at, resolved_at, error_message"

// JobRunStore implements store.JobRunRepository using Postgres.
type JobRunStore struct {
	pool  pool
	table string
}

// NewJobRunStore builds a store on p. An empty table defaults to job_runs.
func NewJobRunStore(p pool, table string) (*JobRunStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := checkTable(table, "job_runs")
	if err != nil {
		return nil, err
	}
	return &JobRunStore{pool: p, table: table}, nil
}

// Migrate creates the job runs table and its eviction index.
func (s *JobRunStore) Migrate(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	job_id        TEXT PRIMARY KEY,
	status        TEXT NOT NULL,
	files         INTEGER NOT NULL DEFAULT 0,
	bytes         BIGINT NOT NULL DEFAULT 0,
	uploaded_at   TIMESTAMPTZ NOT NULL,
	forwarded_at  TIMESTAMPTZ,
	resolved_at   TIMESTAMPTZ,
	error_message TEXT
);
CREATE INDEX IF NOT EXISTS %[1]s_uploaded_at_idx ON %[1]s (uploaded_at)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("migrate job runs table: %w", err)
	}
	return nil
}

// RecordUpload inserts the run unless it already exists.
func (s *JobRunStore) RecordUpload(ctx context.Context, jobID string, files int, bytes int64, at time.Time) error {
	query := fmt.Sprintf(`
INSERT INTO %s (job_id, status, files, bytes, uploaded_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (job_id) DO NOTHING`, s.table)
	if _, err := s.pool.Exec(ctx, query, jobID, string(store.RunUploaded), files, bytes, at); err != nil {
		return fmt.Errorf("insert job run: %w", err)
	}
	return nil
}

// MarkForwarded sets forwarded_at and advances an uploaded run.
func (s *JobRunStore) MarkForwarded(ctx context.Context, jobID string, at time.Time) error {
	query := fmt.Sprintf(`
UPDATE %s
SET forwarded_at = $1,
	status = CASE WHEN status = $2 THEN $3 ELSE status END
WHERE job_id = $4`, s.table)
	_, err := s.pool.Exec(ctx, query, at, string(store.RunUploaded), string(store.RunForwarded), jobID)
	if err != nil {
		return fmt.Errorf("mark job forwarded: %w", err)
	}
	return nil
}

// MarkForwardFailed records the failure reason.
func (s *JobRunStore) MarkForwardFailed(ctx context.Context, jobID string, at time.Time, reason string) error {
	query := fmt.Sprintf(`
UPDATE %s
SET forwarded_at = $1, status = $2, error_message = $3
WHERE job_id = $4`, s.table)
	_, err := s.pool.Exec(ctx, query, at, string(store.RunForwardFailed), reason, jobID)
	if err != nil {
		return fmt.Errorf("mark job forward failed: %w", err)
	}
	return nil
}

// MarkResolved sets resolved_at and resolves any run that did not fail.
func (s *JobRunStore) MarkResolved(ctx context.Context, jobID string, at time.Time) error {
	query := fmt.Sprintf(`
UPDATE %s
SET resolved_at = $1,
	status = CASE WHEN status = $2 THEN status ELSE $3 END
WHERE job_id = $4`, s.table)
	_, err := s.pool.Exec(ctx, query, at, string(store.RunForwardFailed), string(store.RunResolved), jobID)
	if err != nil {
		return fmt.Errorf("mark job resolved: %w", err)
	}
	return nil
}

// GetJobRun retrieves a single run by job id.
func (s *JobRunStore) GetJobRun(ctx context.Context, jobID string) (store.JobRun, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE job_id = $1`, jobRunColumns, s.table)
	run, err := scanJobRun(s.pool.QueryRow(ctx, query, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.JobRun{}, store.ErrNotFound
		}
		return store.JobRun{}, fmt.Errorf("get job run: %w", err)
	}
	return run, nil
}

// ListJobRuns retrieves runs newest first, with optional status filtering.
func (s *JobRunStore) ListJobRuns(
	ctx context.Context,
	status *store.JobRunStatus,
	limit,
	offset int,
) ([]store.JobRun, error) {
	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE ($1::text IS NULL OR status = $1)
ORDER BY uploaded_at DESC, job_id DESC
LIMIT $2 OFFSET $3`, jobRunColumns, s.table)
	var filter *string
	if status != nil {
		v := string(*status)
		filter = &v
	}
	rows, err := s.pool.Query(ctx, query, filter, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list job runs: %w", err)
	}
	defer rows.Close()

	runs := []store.JobRun{}
	for rows.Next() {
		run, err := scanJobRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list job runs: %w", err)
	}
	return runs, nil
}

// Sweep deletes runs uploaded before the cutoff.
func (s *JobRunStore) Sweep(ctx context.Context, before time.Time) (int, error) {
	query := fmt.Sprintf(`DELETE FROM %s WHERE uploaded_at < $1`, s.table)
	tag, err := s.pool.Exec(ctx, query, before)
	if err != nil {
		return 0, fmt.Errorf("delete expired job runs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanJobRun(row pgx.Row) (store.JobRun, error) {
	var (
		run    store.JobRun
		status string
	)
	err := row.Scan(
		&run.JobID,
		&status,
		&run.Files,
		&run.Bytes,
		&run.UploadedAt,
		&run.ForwardedAt,
		&run.ResolvedAt,
		&run.ErrorMessage,
	)
	if err != nil {
		return store.JobRun{}, err
	}
	run.Status = store.JobRunStatus(status)
	return run, nil
}
