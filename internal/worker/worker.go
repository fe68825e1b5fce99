// Package worker implements the forward loop that relays queued uploads to
// the webhook.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/upload-relay/internal/events"
	"github.com/JakeFAU/upload-relay/internal/metrics"
	"github.com/JakeFAU/upload-relay/internal/relay"
)

var tracer = otel.Tracer("github.com/JakeFAU/upload-relay/internal/worker")

// Resolver settles a job the worker could not forward.
type Resolver interface {
	Fail(ctx context.Context, jobID string, cause error) error
}

// Config controls Worker behavior.
type Config struct {
	// ArchivePrefix is prepended to <jobId>/<filename> when archiving uploads.
	ArchivePrefix string
}

// Worker consumes forward tasks from the queue.
type Worker struct {
	queue     relay.Queue
	forwarder relay.Forwarder
	archive   relay.BlobStore
	resolver  Resolver
	emitter   events.Emitter
	clock     relay.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker. archive and emitter may be nil.
func New(
	queue relay.Queue,
	forwarder relay.Forwarder,
	archive relay.BlobStore,
	resolver Resolver,
	emitter events.Emitter,
	clock relay.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if emitter == nil {
		emitter = events.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:     queue,
		forwarder: forwarder,
		archive:   archive,
		resolver:  resolver,
		emitter:   emitter,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run blocks, consuming tasks until the context finishes or the queue closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		task, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, relay.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued forward task", zap.String("job_id", task.JobID))
		w.process(ctx, task)
	}
}

func (w *Worker) process(ctx context.Context, task relay.ForwardTask) {
	ctx, span := tracer.Start(ctx, "relay.forward")
	defer span.End()
	span.SetAttributes(
		attribute.String("relay.job_id", task.JobID),
		attribute.Int("relay.files", len(task.Files)),
		attribute.Int64("relay.bytes", task.Bytes()),
	)

	if w.archive != nil {
		w.archiveFiles(ctx, task)
	}

	start := time.Now()
	err := w.forward(ctx, task)
	elapsed := time.Since(start)
	metrics.ObserveForward(err == nil, elapsed)

	if err == nil {
		w.logger.Info("upload forwarded",
			zap.String("job_id", task.JobID),
			zap.Int("files", len(task.Files)),
			zap.Duration("duration", elapsed),
		)
		w.emitter.Emit(events.Event{
			JobID: task.JobID,
			TS:    w.clock.Now(),
			Stage: events.StageForwarded,
			Files: len(task.Files),
			Bytes: task.Bytes(),
			Dur:   elapsed,
		})
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, "forward failed")
	w.logger.Error("forward failed", zap.String("job_id", task.JobID), zap.Error(err))
	w.emitter.Emit(events.Event{
		JobID: task.JobID,
		TS:    w.clock.Now(),
		Stage: events.StageForwardFailed,
		Files: len(task.Files),
		Bytes: task.Bytes(),
		Dur:   elapsed,
		Note:  err.Error(),
	})
	if w.resolver == nil {
		return
	}
	// The request context may be gone during shutdown; the failure still
	// needs to land in the store.
	if rerr := w.resolver.Fail(context.WithoutCancel(ctx), task.JobID, err); rerr != nil {
		w.logger.Error("resolve failed forward", zap.String("job_id", task.JobID), zap.Error(rerr))
	}
}

func (w *Worker) forward(ctx context.Context, task relay.ForwardTask) error {
	if w.forwarder == nil {
		return errors.New("no forwarder configured")
	}
	if err := w.forwarder.Forward(ctx, task); err != nil {
		return fmt.Errorf("forward upload: %w", err)
	}
	return nil
}

func (w *Worker) archiveFiles(ctx context.Context, task relay.ForwardTask) {
	for i, f := range task.Files {
		p := w.buildArchivePath(task.JobID, i, f.Name)
		uri, err := w.archive.PutObject(ctx, p, f.ContentType, bytes.NewReader(f.Data))
		if err != nil {
			w.logger.Warn("archive upload failed",
				zap.String("job_id", task.JobID),
				zap.String("path", p),
				zap.Error(err),
			)
			continue
		}
		w.logger.Debug("upload archived", zap.String("job_id", task.JobID), zap.String("uri", uri))
	}
}

func (w *Worker) buildArchivePath(jobID string, index int, filename string) string {
	name := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	if name == "." || name == "/" || name == ".." || name == "" {
		name = fmt.Sprintf("file-%d", index)
	}
	prefix := strings.Trim(w.cfg.ArchivePrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s", jobID, name)
	}
	return fmt.Sprintf("%s/%s/%s", prefix, jobID, name)
}
