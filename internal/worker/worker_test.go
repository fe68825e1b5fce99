package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/upload-relay/internal/events"
	"github.com/JakeFAU/upload-relay/internal/relay"
	"github.com/JakeFAU/upload-relay/internal/storage/memory"
)

func TestWorker_ForwardSuccess(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := &fakeQueue{items: []relay.ForwardTask{sampleTask("job-ok")}}
	forwarder := &fakeForwarder{}
	archive := memory.NewBlobStore()
	resolver := &fakeResolver{}
	emitter := &fakeEmitter{}

	w := New(queue, forwarder, archive, resolver, emitter, fakeClock{now: time.Unix(100, 0)},
		Config{ArchivePrefix: "uploads"}, zap.NewNop())
	go w.Run(ctx)

	require.Eventually(t, func() bool {
		return len(emitter.Events()) == 1
	}, time.Second, 10*time.Millisecond)

	require.Equal(t, []string{"job-ok"}, forwarder.JobIDs())
	require.Empty(t, resolver.Failed())
	evt := emitter.Events()[0]
	require.Equal(t, events.StageForwarded, evt.Stage)
	require.Equal(t, 2, evt.Files)
	require.EqualValues(t, 7, evt.Bytes)

	data, contentType, ok := archive.Object("uploads/job-ok/a.txt")
	require.True(t, ok)
	require.Equal(t, "hello", string(data))
	require.Equal(t, "text/plain", contentType)
	_, _, ok = archive.Object("uploads/job-ok/b.bin")
	require.True(t, ok)
}

func TestWorker_ForwardFailureResolvesJob(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := &fakeQueue{items: []relay.ForwardTask{sampleTask("job-bad")}}
	forwarder := &fakeForwarder{err: errors.New("webhook returned 500")}
	resolver := &fakeResolver{}
	emitter := &fakeEmitter{}

	w := New(queue, forwarder, nil, resolver, emitter, fakeClock{now: time.Unix(100, 0)}, Config{}, zap.NewNop())
	go w.Run(ctx)

	require.Eventually(t, func() bool {
		return len(resolver.Failed()) == 1
	}, time.Second, 10*time.Millisecond)

	failed := resolver.Failed()[0]
	require.Equal(t, "job-bad", failed.jobID)
	require.ErrorContains(t, failed.cause, "webhook returned 500")

	evts := emitter.Events()
	require.Len(t, evts, 1)
	require.Equal(t, events.StageForwardFailed, evts[0].Stage)
	require.Contains(t, evts[0].Note, "webhook returned 500")
	require.NoError(t, evts[0].Validate())
}

func TestWorker_ArchiveFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := &fakeQueue{items: []relay.ForwardTask{sampleTask("job-1")}}
	forwarder := &fakeForwarder{}
	resolver := &fakeResolver{}

	w := New(queue, forwarder, failingArchive{}, resolver, nil, fakeClock{}, Config{}, nil)
	go w.Run(ctx)

	require.Eventually(t, func() bool {
		return len(forwarder.JobIDs()) == 1
	}, time.Second, 10*time.Millisecond)
	require.Empty(t, resolver.Failed())
}

func TestWorker_NoForwarderFailsJob(t *testing.T) {
	t.Parallel()

	resolver := &fakeResolver{}
	w := New(nil, nil, nil, resolver, nil, fakeClock{}, Config{}, nil)
	w.process(context.Background(), sampleTask("job-1"))

	require.Len(t, resolver.Failed(), 1)
	require.ErrorContains(t, resolver.Failed()[0].cause, "no forwarder configured")
}

func TestWorker_RunStopsWhenQueueCloses(t *testing.T) {
	t.Parallel()

	w := New(closedQueue{}, &fakeForwarder{}, nil, nil, nil, fakeClock{}, Config{}, nil)
	done := make(chan struct{})
	go func() {
		w.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker kept running after queue closed")
	}
}

func TestWorkerBuildArchivePath(t *testing.T) {
	t.Parallel()

	w := &Worker{cfg: Config{ArchivePrefix: "/uploads/"}}
	require.Equal(t, "uploads/job/a.txt", w.buildArchivePath("job", 0, "a.txt"))
	require.Equal(t, "uploads/job/passwd", w.buildArchivePath("job", 0, "../../etc/passwd"))
	require.Equal(t, "uploads/job/evil.txt", w.buildArchivePath("job", 0, `..\..\evil.txt`))
	require.Equal(t, "uploads/job/file-3", w.buildArchivePath("job", 3, ""))

	bare := &Worker{}
	require.Equal(t, "job/a.txt", bare.buildArchivePath("job", 0, "a.txt"))
}

func sampleTask(jobID string) relay.ForwardTask {
	return relay.ForwardTask{
		JobID: jobID,
		Files: []relay.File{
			{Name: "a.txt", ContentType: "text/plain", Data: []byte("hello")},
			{Name: "b.bin", ContentType: "application/octet-stream", Data: []byte{0x1, 0x2}},
		},
	}
}

type fakeQueue struct {
	mu    sync.Mutex
	items []relay.ForwardTask
}

func (q *fakeQueue) Enqueue(_ context.Context, task relay.ForwardTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, task)
	return nil
}

func (q *fakeQueue) Dequeue(ctx context.Context) (relay.ForwardTask, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			task := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return task, nil
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return relay.ForwardTask{}, fmt.Errorf("dequeue: %w", ctx.Err())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

type closedQueue struct{}

func (closedQueue) Enqueue(context.Context, relay.ForwardTask) error { return relay.ErrQueueClosed }

func (closedQueue) Dequeue(context.Context) (relay.ForwardTask, error) {
	return relay.ForwardTask{}, relay.ErrQueueClosed
}

type fakeForwarder struct {
	mu   sync.Mutex
	err  error
	jobs []string
}

func (f *fakeForwarder) Forward(_ context.Context, task relay.ForwardTask) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, task.JobID)
	return f.err
}

func (f *fakeForwarder) JobIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.jobs...)
}

type failure struct {
	jobID string
	cause error
}

type fakeResolver struct {
	mu     sync.Mutex
	failed []failure
}

func (r *fakeResolver) Fail(_ context.Context, jobID string, cause error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, failure{jobID: jobID, cause: cause})
	return nil
}

func (r *fakeResolver) Failed() []failure {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]failure(nil), r.failed...)
}

type fakeEmitter struct {
	mu  sync.Mutex
	evs []events.Event
}

func (e *fakeEmitter) Emit(evt events.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.evs = append(e.evs, evt)
}

func (e *fakeEmitter) Events() []events.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]events.Event(nil), e.evs...)
}

type failingArchive struct{}

func (failingArchive) PutObject(context.Context, string, string, io.Reader) (string, error) {
	return "", errors.New("bucket missing")
}

type fakeClock struct {
	now time.Time
}

func (c fakeClock) Now() time.Time {
	return c.now
}
