// Package redis provides a Redis-backed result store. Several relay instances
// may share one; a suspended poll finds results written by another instance
// when the broker re-reads the store (relay.BrokerConfig.StorePollInterval).
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/upload-relay/internal/relay"
)

const defaultKeyPrefix = "relay:result:"

// ResultStoreConfig controls key naming and expiry.
type ResultStoreConfig struct {
	URL       string
	KeyPrefix string
	// TTL is applied to every key; zero stores results without expiry.
	TTL time.Duration
}

// record is the stored envelope. Payload is kept as a string so the callback
// body is kept byte for byte.
type record struct {
	JobID      string    `json:"job_id"`
	Payload    string    `json:"payload"`
	Failed     bool      `json:"failed"`
	ReceivedAt time.Time `json:"received_at"`
}

// ResultStore keeps each result as a JSON string under prefix+jobID.
type ResultStore struct {
	client goredis.UniversalClient
	prefix string
	ttl    time.Duration
}

// Dial parses cfg.URL, connects and pings the server.
func Dial(ctx context.Context, cfg ResultStoreConfig) (*ResultStore, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("store.redis.url is required")
	}
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewResultStore(client, cfg)
}

// NewResultStore wraps an existing client.
func NewResultStore(client goredis.UniversalClient, cfg ResultStoreConfig) (*ResultStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &ResultStore{client: client, prefix: prefix, ttl: cfg.TTL}, nil
}

// Close closes the underlying client.
func (s *ResultStore) Close() error {
	return s.client.Close()
}

// Put writes res, replacing any previous value and resetting its expiry.
func (s *ResultStore) Put(ctx context.Context, res relay.Result) error {
	if res.JobID == "" {
		return fmt.Errorf("job id is required")
	}
	data, err := json.Marshal(record{
		JobID:      res.JobID,
		Payload:    string(res.Payload),
		Failed:     res.Failed,
		ReceivedAt: res.ReceivedAt,
	})
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	if err := s.client.Set(ctx, s.prefix+res.JobID, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set result: %w", err)
	}
	return nil
}

// Get loads the result for jobID or returns relay.ErrNotFound.
func (s *ResultStore) Get(ctx context.Context, jobID string) (relay.Result, error) {
	raw, err := s.client.Get(ctx, s.prefix+jobID).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return relay.Result{}, relay.ErrNotFound
		}
		return relay.Result{}, fmt.Errorf("redis: get result: %w", err)
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return relay.Result{}, fmt.Errorf("decode result: %w", err)
	}
	return relay.Result{
		JobID:      rec.JobID,
		Payload:    json.RawMessage(rec.Payload),
		Failed:     rec.Failed,
		ReceivedAt: rec.ReceivedAt,
	}, nil
}

// Sweep is a no-op; Redis expires keys on its own.
func (s *ResultStore) Sweep(context.Context, time.Time) (int, error) {
	return 0, nil
}
