package memory

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/upload-relay/internal/relay"
)

func TestResultStoreLifecycle(t *testing.T) {
	t.Parallel()

	store := NewResultStore()
	ctx := context.Background()

	_, err := store.Get(ctx, "job-1")
	require.ErrorIs(t, err, relay.ErrNotFound)

	first := relay.Result{JobID: "job-1", Payload: json.RawMessage(`{"status":"pending"}`), ReceivedAt: time.Unix(10, 0)}
	require.NoError(t, store.Put(ctx, first))
	second := relay.Result{JobID: "job-1", Payload: json.RawMessage(`{"status":"done"}`), ReceivedAt: time.Unix(20, 0)}
	require.NoError(t, store.Put(ctx, second))

	got, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	require.JSONEq(t, `{"status":"done"}`, string(got.Payload))
	require.Equal(t, 1, store.Len())

	got.Payload[2] = 'X'
	again, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	require.JSONEq(t, `{"status":"done"}`, string(again.Payload), "expected Get to return a copy")
}

func TestResultStoreRejectsEmptyID(t *testing.T) {
	t.Parallel()

	require.Error(t, NewResultStore().Put(context.Background(), relay.Result{}))
}

func TestResultStoreSweep(t *testing.T) {
	t.Parallel()

	store := NewResultStore()
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)
	require.NoError(t, store.Put(ctx, relay.Result{JobID: "old", ReceivedAt: base}))
	require.NoError(t, store.Put(ctx, relay.Result{JobID: "new", ReceivedAt: base.Add(time.Hour)}))

	removed, err := store.Sweep(ctx, base.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	_, err = store.Get(ctx, "old")
	require.ErrorIs(t, err, relay.ErrNotFound)
	_, err = store.Get(ctx, "new")
	require.NoError(t, err)
}
