package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("job run not found")

// JobRunStatus mirrors the job_runs status column.
type JobRunStatus string

// Job run statuses persisted in job_runs.status.
const (
	RunUploaded      JobRunStatus = "uploaded"
	RunForwarded     JobRunStatus = "forwarded"
	RunForwardFailed JobRunStatus = "forward_failed"
	RunResolved      JobRunStatus = "resolved"
)

// ParseStatus maps a query value onto a JobRunStatus.
func ParseStatus(s string) (JobRunStatus, error) {
	switch st := JobRunStatus(s); st {
	case RunUploaded, RunForwarded, RunForwardFailed, RunResolved:
		return st, nil
	default:
		return "", errors.New("invalid status")
	}
}

// JobRun is the lifecycle record of one upload.
type JobRun struct {
	// JobID is the identifier handed out by the upload handler.
	JobID string
	// Status is the furthest stage reached. A forward failure sticks even if a
	// late callback resolves the job.
	Status JobRunStatus
	// Files and Bytes describe the upload.
	Files int
	Bytes int64
	// UploadedAt is when the relay accepted the upload.
	UploadedAt time.Time
	// ForwardedAt is nil until the webhook attempt finishes.
	ForwardedAt *time.Time
	// ResolvedAt is nil until a result is stored.
	ResolvedAt *time.Time
	// ErrorMessage holds the forward failure reason.
	ErrorMessage *string
}

// JobRunReader serves job run lookups.
type JobRunReader interface {
	// GetJobRun loads a single run or returns ErrNotFound.
	GetJobRun(ctx context.Context, jobID string) (JobRun, error)
	// ListJobRuns returns runs newest first, filtered by optional status.
	ListJobRuns(ctx context.Context, status *JobRunStatus, limit, offset int) ([]JobRun, error)
}

// JobRunRepository persists job lifecycle transitions. Transitions for an
// unknown job are ignored so a dropped upload event never blocks later ones.
type JobRunRepository interface {
	JobRunReader
	// RecordUpload inserts the run in uploaded status; repeats are no-ops.
	RecordUpload(ctx context.Context, jobID string, files int, bytes int64, at time.Time) error
	// MarkForwarded records a successful webhook post.
	MarkForwarded(ctx context.Context, jobID string, at time.Time) error
	// MarkForwardFailed records a failed webhook post and its reason.
	MarkForwardFailed(ctx context.Context, jobID string, at time.Time, reason string) error
	// MarkResolved records that a result was stored.
	MarkResolved(ctx context.Context, jobID string, at time.Time) error
	// Sweep deletes runs uploaded before the cutoff.
	Sweep(ctx context.Context, before time.Time) (int, error)
}
