// Package memory provides in-process stores for development and the default
// single-instance deployment.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/JakeFAU/upload-relay/internal/relay"
)

// ResultStore keeps results in a map guarded by a RWMutex.
type ResultStore struct {
	mu      sync.RWMutex
	results map[string]relay.Result
}

// NewResultStore constructs an empty ResultStore.
func NewResultStore() *ResultStore {
	return &ResultStore{
		results: make(map[string]relay.Result),
	}
}

// Put stores res, replacing any previous result for the job.
func (s *ResultStore) Put(_ context.Context, res relay.Result) error {
	if res.JobID == "" {
		return errors.New("job id is required")
	}
	res.Payload = append(json.RawMessage(nil), res.Payload...)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[res.JobID] = res
	return nil
}

// Get returns a copy of the stored result.
func (s *ResultStore) Get(_ context.Context, jobID string) (relay.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res, ok := s.results[jobID]
	if !ok {
		return relay.Result{}, relay.ErrNotFound
	}
	res.Payload = append(json.RawMessage(nil), res.Payload...)
	return res, nil
}

// Sweep deletes results received before the cutoff.
func (s *ResultStore) Sweep(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, res := range s.results {
		if res.ReceivedAt.Before(before) {
			delete(s.results, id)
			removed++
		}
	}
	return removed, nil
}

// Len reports how many results are held.
func (s *ResultStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.results)
}
