package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/upload-relay/internal/store"
)

// JobRunStore provides an in-memory store.JobRunRepository.
type JobRunStore struct {
	mu   sync.RWMutex
	runs map[string]store.JobRun
}

// NewJobRunStore constructs a JobRunStore.
func NewJobRunStore() *JobRunStore {
	return &JobRunStore{
		runs: make(map[string]store.JobRun),
	}
}

// RecordUpload stores a new run in uploaded status.
func (s *JobRunStore) RecordUpload(_ context.Context, jobID string, files int, bytes int64, at time.Time) error {
	if jobID == "" {
		return errors.New("job id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[jobID]; exists {
		return nil
	}
	s.runs[jobID] = store.JobRun{
		JobID:      jobID,
		Status:     store.RunUploaded,
		Files:      files,
		Bytes:      bytes,
		UploadedAt: at,
	}
	return nil
}

// MarkForwarded records the webhook post.
func (s *JobRunStore) MarkForwarded(_ context.Context, jobID string, at time.Time) error {
	s.update(jobID, func(run *store.JobRun) {
		run.ForwardedAt = pointerTime(at)
		if run.Status == store.RunUploaded {
			run.Status = store.RunForwarded
		}
	})
	return nil
}

// MarkForwardFailed records a failed webhook post.
func (s *JobRunStore) MarkForwardFailed(_ context.Context, jobID string, at time.Time, reason string) error {
	s.update(jobID, func(run *store.JobRun) {
		run.ForwardedAt = pointerTime(at)
		run.Status = store.RunForwardFailed
		run.ErrorMessage = &reason
	})
	return nil
}

// MarkResolved records that a result was stored.
func (s *JobRunStore) MarkResolved(_ context.Context, jobID string, at time.Time) error {
	s.update(jobID, func(run *store.JobRun) {
		run.ResolvedAt = pointerTime(at)
		if run.Status != store.RunForwardFailed {
			run.Status = store.RunResolved
		}
	})
	return nil
}

func (s *JobRunStore) update(jobID string, fn func(*store.JobRun)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[jobID]
	if !ok {
		return
	}
	fn(&run)
	s.runs[jobID] = run
}

// GetJobRun returns the run for jobID.
func (s *JobRunStore) GetJobRun(_ context.Context, jobID string) (store.JobRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[jobID]
	if !ok {
		return store.JobRun{}, store.ErrNotFound
	}
	return run, nil
}

// ListJobRuns returns runs newest first.
func (s *JobRunStore) ListJobRuns(
	_ context.Context,
	status *store.JobRunStatus,
	limit, offset int,
) ([]store.JobRun, error) {
	s.mu.RLock()
	out := make([]store.JobRun, 0, len(s.runs))
	for _, run := range s.runs {
		if status != nil && run.Status != *status {
			continue
		}
		out = append(out, run)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].UploadedAt.Equal(out[j].UploadedAt) {
			return out[i].JobID > out[j].JobID
		}
		return out[i].UploadedAt.After(out[j].UploadedAt)
	})
	if offset >= len(out) {
		return []store.JobRun{}, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// Sweep deletes runs uploaded before the cutoff.
func (s *JobRunStore) Sweep(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, run := range s.runs {
		if run.UploadedAt.Before(before) {
			delete(s.runs, id)
			removed++
		}
	}
	return removed, nil
}

func pointerTime(t time.Time) *time.Time {
	return &t
}
