package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/upload-relay/internal/events"
	"github.com/JakeFAU/upload-relay/internal/store"
)

// StoreSink persists job lifecycle transitions via a store.JobRunRepository.
type StoreSink struct {
	repo   store.JobRunRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.JobRunRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume applies each event in order. It respects ctx deadlines and returns
// the first repository error.
func (s *StoreSink) Consume(ctx context.Context, batch []events.Event) error {
	if s == nil || s.repo == nil {
		return nil
	}
	for _, evt := range batch {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("store sink: %w", err)
		}
		if err := s.apply(ctx, evt); err != nil {
			return err
		}
	}
	return nil
}

func (s *StoreSink) apply(ctx context.Context, evt events.Event) error {
	switch evt.Stage {
	case events.StageUploaded:
		if err := s.repo.RecordUpload(ctx, evt.JobID, evt.Files, evt.Bytes, evt.TS); err != nil {
			return fmt.Errorf("record upload: %w", err)
		}
	case events.StageForwarded:
		if err := s.repo.MarkForwarded(ctx, evt.JobID, evt.TS); err != nil {
			return fmt.Errorf("mark forwarded: %w", err)
		}
	case events.StageForwardFailed:
		if err := s.repo.MarkForwardFailed(ctx, evt.JobID, evt.TS, evt.Note); err != nil {
			return fmt.Errorf("mark forward failed: %w", err)
		}
	case events.StageResolved:
		if err := s.repo.MarkResolved(ctx, evt.JobID, evt.TS); err != nil {
			return fmt.Errorf("mark resolved: %w", err)
		}
	default:
		s.logger.Debug("event not persisted", zap.String("stage", string(evt.Stage)))
	}
	return nil
}

// Close implements events.Sink; the repository is owned by the caller.
func (s *StoreSink) Close(context.Context) error {
	return nil
}
