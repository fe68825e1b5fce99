package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/upload-relay/internal/events"
	"github.com/JakeFAU/upload-relay/internal/metrics"
)

// BrokerConfig controls result retention.
type BrokerConfig struct {
	// ResultTTL evicts stored results older than this; zero keeps them forever.
	ResultTTL time.Duration
	// SweepInterval is how often RunSweeper evicts expired results.
	SweepInterval time.Duration
	// StorePollInterval makes a suspended poll re-read the store on this
	// period, so results written by another instance sharing the store are
	// picked up. Zero relies on local delivery only.
	StorePollInterval time.Duration
}

// Broker stores delivered results and wakes the polls waiting on them. Any
// number of polls may wait on the same job; one delivery releases them all.
type Broker struct {
	store   ResultStore
	clock   Clock
	emitter events.Emitter
	cfg     BrokerConfig
	logger  *zap.Logger

	mu      sync.Mutex
	waiters map[string]map[chan Result]struct{}
}

// NewBroker constructs a Broker around store.
func NewBroker(store ResultStore, clock Clock, emitter events.Emitter, cfg BrokerConfig, logger *zap.Logger) *Broker {
	if emitter == nil {
		emitter = events.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{
		store:   store,
		clock:   clock,
		emitter: emitter,
		cfg:     cfg,
		logger:  logger,
		waiters: make(map[string]map[chan Result]struct{}),
	}
}

// Deliver stores payload as the result for jobID, overwriting any previous
// one, and hands it to every registered waiter.
func (b *Broker) Deliver(ctx context.Context, jobID string, payload json.RawMessage) error {
	return b.resolve(ctx, Result{
		JobID:      jobID,
		Payload:    append(json.RawMessage(nil), payload...),
		ReceivedAt: b.clock.Now(),
	})
}

// Fail resolves jobID with a failure payload describing cause.
func (b *Broker) Fail(ctx context.Context, jobID string, cause error) error {
	return b.resolve(ctx, Result{
		JobID:      jobID,
		Payload:    FailurePayload(cause),
		Failed:     true,
		ReceivedAt: b.clock.Now(),
	})
}

func (b *Broker) resolve(ctx context.Context, res Result) error {
	if res.JobID == "" {
		return errors.New("job id is required")
	}
	if err := b.store.Put(ctx, res); err != nil {
		return fmt.Errorf("store result: %w", err)
	}

	// Waiters register before they check the store, so anything not in this
	// set has either already seen the stored result or will on its check.
	b.mu.Lock()
	set := b.waiters[res.JobID]
	delete(b.waiters, res.JobID)
	b.mu.Unlock()

	for ch := range set {
		ch <- res
	}
	metrics.ObserveDelivery()
	if len(set) > 0 {
		metrics.AddWaiters(-len(set))
	}
	b.emitter.Emit(events.Event{
		JobID:   res.JobID,
		TS:      res.ReceivedAt,
		Stage:   events.StageResolved,
		Waiters: len(set),
	})
	b.logger.Debug("result delivered",
		zap.String("job_id", res.JobID),
		zap.Bool("failed", res.Failed),
		zap.Int("waiters", len(set)),
	)
	return nil
}

// Lookup returns the stored, unexpired result for jobID or ErrNotFound.
func (b *Broker) Lookup(ctx context.Context, jobID string) (Result, error) {
	res, err := b.store.Get(ctx, jobID)
	if err != nil {
		return Result{}, err
	}
	if res.Expired(b.clock.Now(), b.cfg.ResultTTL) {
		return Result{}, ErrNotFound
	}
	return res, nil
}

// Await returns the result for jobID, suspending until it is delivered, the
// timeout elapses (ErrTimeout) or ctx ends. With StorePollInterval set the
// store is re-read while suspended.
func (b *Broker) Await(ctx context.Context, jobID string, timeout time.Duration) (Result, error) {
	ch := make(chan Result, 1)
	b.register(jobID, ch)

	res, err := b.Lookup(ctx, jobID)
	switch {
	case err == nil:
		b.unregister(jobID, ch)
		metrics.ObservePoll(metrics.PollImmediate, 0)
		return res, nil
	case !errors.Is(err, ErrNotFound):
		b.unregister(jobID, ch)
		metrics.ObservePoll(metrics.PollError, 0)
		return Result{}, fmt.Errorf("lookup result: %w", err)
	}

	start := time.Now()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var recheck <-chan time.Time
	if b.cfg.StorePollInterval > 0 {
		ticker := time.NewTicker(b.cfg.StorePollInterval)
		defer ticker.Stop()
		recheck = ticker.C
	}

	for {
		select {
		case res := <-ch:
			metrics.ObservePoll(metrics.PollDelivered, time.Since(start))
			return res, nil
		case <-recheck:
			res, err := b.Lookup(ctx, jobID)
			if err != nil {
				if !errors.Is(err, ErrNotFound) {
					b.logger.Debug("store recheck failed", zap.String("job_id", jobID), zap.Error(err))
				}
				continue
			}
			b.unregister(jobID, ch)
			metrics.ObservePoll(metrics.PollDelivered, time.Since(start))
			return res, nil
		case <-timer.C:
			b.unregister(jobID, ch)
			metrics.ObservePoll(metrics.PollTimeout, time.Since(start))
			b.emitter.Emit(events.Event{
				JobID: jobID,
				TS:    b.clock.Now(),
				Stage: events.StagePollTimeout,
				Dur:   time.Since(start),
			})
			return Result{}, ErrTimeout
		case <-ctx.Done():
			b.unregister(jobID, ch)
			metrics.ObservePoll(metrics.PollCanceled, time.Since(start))
			return Result{}, fmt.Errorf("await result: %w", ctx.Err())
		}
	}
}

// Waiting reports how many polls are suspended on jobID.
func (b *Broker) Waiting(jobID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.waiters[jobID])
}

func (b *Broker) register(jobID string, ch chan Result) {
	b.mu.Lock()
	set := b.waiters[jobID]
	if set == nil {
		set = make(map[chan Result]struct{})
		b.waiters[jobID] = set
	}
	set[ch] = struct{}{}
	b.mu.Unlock()
	metrics.AddWaiters(1)
}

func (b *Broker) unregister(jobID string, ch chan Result) {
	b.mu.Lock()
	set, ok := b.waiters[jobID]
	if ok {
		if _, present := set[ch]; !present {
			ok = false
		} else {
			delete(set, ch)
			if len(set) == 0 {
				delete(b.waiters, jobID)
			}
		}
	}
	b.mu.Unlock()
	if ok {
		metrics.AddWaiters(-1)
	}
}

// Sweep evicts results older than the configured TTL.
func (b *Broker) Sweep(ctx context.Context) (int, error) {
	if b.cfg.ResultTTL <= 0 {
		return 0, nil
	}
	n, err := b.store.Sweep(ctx, b.clock.Now().Add(-b.cfg.ResultTTL))
	if err != nil {
		return n, fmt.Errorf("sweep results: %w", err)
	}
	metrics.ObserveSweep(n)
	return n, nil
}

// RunSweeper evicts expired results every SweepInterval until ctx ends. It
// returns immediately when eviction is disabled.
func (b *Broker) RunSweeper(ctx context.Context) {
	if b.cfg.ResultTTL <= 0 || b.cfg.SweepInterval <= 0 {
		b.logger.Info("result eviction disabled")
		return
	}
	ticker := time.NewTicker(b.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := b.Sweep(ctx)
			if err != nil {
				b.logger.Warn("result sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				b.logger.Info("expired results evicted", zap.Int("count", n))
			}
		}
	}
}
