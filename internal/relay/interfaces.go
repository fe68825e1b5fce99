package relay

import (
	"context"
	"io"
	"time"
)

// ResultStore persists delivered results keyed by job ID.
type ResultStore interface {
	// Put stores res, overwriting any previous result for the same job.
	Put(ctx context.Context, res Result) error
	// Get returns the stored result or ErrNotFound.
	Get(ctx context.Context, jobID string) (Result, error)
	// Sweep removes results received before the cutoff and reports how many went.
	Sweep(ctx context.Context, before time.Time) (int, error)
}

// BlobStore writes raw upload artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes lifecycle notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Forwarder relays an upload to the external webhook.
type Forwarder interface {
	Forward(ctx context.Context, task ForwardTask) error
}

// Queue provides enqueue/dequeue semantics for forward tasks.
type Queue interface {
	Enqueue(ctx context.Context, task ForwardTask) error
	Dequeue(ctx context.Context) (ForwardTask, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}
