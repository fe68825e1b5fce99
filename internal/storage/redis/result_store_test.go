package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/upload-relay/internal/clock/system"
	"github.com/JakeFAU/upload-relay/internal/relay"
)

func newTestStore(t *testing.T, ttl time.Duration) (*ResultStore, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store, err := NewResultStore(client, ResultStoreConfig{TTL: ttl})
	require.NoError(t, err)
	return store, srv
}

func TestPutGetRoundTrip(t *testing.T) {
	t.Parallel()

	store, srv := newTestStore(t, 0)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0).UTC()

	require.NoError(t, store.Put(ctx, relay.Result{
		JobID:      "job-1",
		Payload:    json.RawMessage(`{"status":"done"}`),
		Failed:     true,
		ReceivedAt: now,
	}))
	require.True(t, srv.Exists("relay:result:job-1"))

	res, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	require.JSONEq(t, `{"status":"done"}`, string(res.Payload))
	require.True(t, res.Failed)
	require.True(t, now.Equal(res.ReceivedAt))
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t, 0)
	_, err := store.Get(context.Background(), "nope")
	require.ErrorIs(t, err, relay.ErrNotFound)
}

func TestPutAppliesTTL(t *testing.T) {
	t.Parallel()

	store, srv := newTestStore(t, time.Minute)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, relay.Result{JobID: "job-1", Payload: json.RawMessage(`{}`)}))
	require.Equal(t, time.Minute, srv.TTL("relay:result:job-1"))

	srv.FastForward(2 * time.Minute)
	_, err := store.Get(ctx, "job-1")
	require.ErrorIs(t, err, relay.ErrNotFound)

	n, err := store.Sweep(ctx, time.Now())
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestGetSurfacesCorruptValue(t *testing.T) {
	t.Parallel()

	store, srv := newTestStore(t, 0)
	require.NoError(t, srv.Set("relay:result:job-1", "not json"))
	_, err := store.Get(context.Background(), "job-1")
	require.ErrorContains(t, err, "decode result")
}

func TestConstructorsValidate(t *testing.T) {
	t.Parallel()

	_, err := NewResultStore(nil, ResultStoreConfig{})
	require.Error(t, err)
	_, err = Dial(context.Background(), ResultStoreConfig{})
	require.Error(t, err)
	_, err = Dial(context.Background(), ResultStoreConfig{URL: "::not-a-url"})
	require.Error(t, err)

	store, _ := newTestStore(t, 0)
	require.Error(t, store.Put(context.Background(), relay.Result{}))
}

func TestPutKeepsPayloadBytes(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t, 0)
	ctx := context.Background()
	body := "{\"a\": 1,\n  \"b\": [ 2, 3 ]}"
	require.NoError(t, store.Put(ctx, relay.Result{JobID: "job-1", Payload: json.RawMessage(body)}))

	res, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, body, string(res.Payload))
}

func TestBrokersSharingStoreSeeEachOthersResults(t *testing.T) {
	t.Parallel()

	srv := miniredis.RunT(t)
	newInstance := func() *relay.Broker {
		client := goredis.NewClient(&goredis.Options{Addr: srv.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		store, err := NewResultStore(client, ResultStoreConfig{})
		require.NoError(t, err)
		return relay.NewBroker(store, system.New(), nil, relay.BrokerConfig{
			StorePollInterval: 10 * time.Millisecond,
		}, nil)
	}
	a, b := newInstance(), newInstance()
	ctx := context.Background()

	type outcome struct {
		res relay.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := b.Await(ctx, "job-1", 2*time.Second)
		done <- outcome{res, err}
	}()
	require.Eventually(t, func() bool { return b.Waiting("job-1") == 1 }, time.Second, time.Millisecond)

	require.NoError(t, a.Deliver(ctx, "job-1", json.RawMessage(`{"ok":true}`)))

	select {
	case got := <-done:
		require.NoError(t, got.err)
		require.JSONEq(t, `{"ok":true}`, string(got.res.Payload))
	case <-time.After(time.Second):
		t.Fatal("poll on the second instance was not released by the shared store")
	}
	require.Zero(t, b.Waiting("job-1"))
}
