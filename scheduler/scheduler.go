// Package scheduler drains the mutation queue against the remote endpoint.
//
// Drains are triggered by connectivity restoration, explicit one-shot
// registration, or periodic ticks. At most one drain per tag is in flight at
// any time; drains for different tags run concurrently through a bounded
// worker pool. After a mutation is applied remotely, the scheduler
// reconciles the authoritative remote state with the local cache through the
// conflict resolver.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/syncengine/cachestore"
	"github.com/c360/syncengine/errors"
	"github.com/c360/syncengine/metric"
	"github.com/c360/syncengine/pkg/worker"
	"github.com/c360/syncengine/queue"
	"github.com/c360/syncengine/resolver"
)

// Delivery is the remote's authoritative answer to one applied mutation.
// CacheKey names the cache entry to reconcile; when empty no reconciliation
// happens.
type Delivery struct {
	CacheKey   string
	EntityType string
	Remote     resolver.Document
}

// Transport delivers one queued mutation to the remote endpoint. The item's
// IdempotencyKey must be forwarded so redelivery after a timeout cannot
// duplicate the remote-side effect.
type Transport interface {
	Deliver(ctx context.Context, item *queue.Item) (*Delivery, error)
}

// TransportFunc adapts a function to the Transport interface.
type TransportFunc func(ctx context.Context, item *queue.Item) (*Delivery, error)

// Deliver implements Transport.
func (f TransportFunc) Deliver(ctx context.Context, item *queue.Item) (*Delivery, error) {
	return f(ctx, item)
}

// EntryStore is the slice of the cache store the scheduler writes resolved
// state through.
type EntryStore interface {
	GetStale(ctx context.Context, key string) (*cachestore.Entry, error)
	Put(ctx context.Context, key string, e *cachestore.Entry) error
}

// ConflictResolver reconciles a local cached document against authoritative
// remote state.
type ConflictResolver interface {
	Resolve(entityType string, local, remote resolver.Document) (*resolver.Resolution, error)
}

// State is a tag's position in the drain state machine.
type State string

// Drain states. A tag is Idle between drains and Draining while one is in
// flight; the terminal outcome of the last drain is recorded separately.
const (
	StateIdle     State = "idle"
	StateDraining State = "draining"
)

// Outcome is the terminal result of one drain.
type Outcome string

const (
	// OutcomeSuccess means every eligible item was delivered.
	OutcomeSuccess Outcome = "success"
	// OutcomePartialFailure means at least one item failed and stays queued
	// (or dead-lettered) for a later drain.
	OutcomePartialFailure Outcome = "partial-failure"
)

// DrainResult summarizes one completed drain.
type DrainResult struct {
	Tag       string
	Outcome   Outcome
	Delivered int
	Failed    int
	Err       error
	Duration  time.Duration
}

// TagConfig is the per-tag drain policy. BaseDelay/MaxDelay/MaxAttempts
// mirror the queue's retry budget and are applied there; Cadence enables an
// internal periodic trigger when positive. MinInterval bounds how often
// external Tick calls may start a drain.
//
// SkipFailed selects the alternate ordering mode: a failed item is left for
// the next drain while later items still deliver. The default (false) blocks
// the drain at the first failing item so intra-tag order is preserved.
type TagConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Cadence     time.Duration
	MinInterval time.Duration
	SkipFailed  bool
}

// Config configures the scheduler.
type Config struct {
	Tags map[string]TagConfig

	// NetworkTimeout bounds each delivery attempt. Defaults to 30s.
	NetworkTimeout time.Duration

	// Workers bounds concurrent tag drains. Defaults to 4.
	Workers int

	// NodeID identifies this replica in conflict resolution tiebreaks.
	NodeID string

	// OnDrainDone is notified after every drain. May be nil.
	OnDrainDone func(DrainResult)
}

// TagStatus is a tag's current drain state plus its last terminal outcome.
type TagStatus struct {
	State       State
	LastDrainAt time.Time
	LastOutcome Outcome
	LastError   string
}

// Scheduler owns the drain loop.
type Scheduler struct {
	queue     *queue.Queue
	transport Transport
	cache     EntryStore
	resolver  ConflictResolver
	cfg       Config
	logger    *slog.Logger
	metrics   *metric.Metrics

	pool *worker.Pool[string]

	mu       sync.Mutex
	draining map[string]bool
	status   map[string]*TagStatus

	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a scheduler. The cache store and resolver may be nil, in which
// case remote state is written back without conflict resolution or skipped
// entirely.
func New(q *queue.Queue, transport Transport, cache EntryStore, res ConflictResolver, cfg Config, logger *slog.Logger, metrics *metric.Metrics) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.NetworkTimeout <= 0 {
		cfg.NetworkTimeout = 30 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	s := &Scheduler{
		queue:     q,
		transport: transport,
		cache:     cache,
		resolver:  res,
		cfg:       cfg,
		logger:    logger.With("component", "scheduler"),
		metrics:   metrics,
		draining:  make(map[string]bool),
		status:    make(map[string]*TagStatus),
	}
	s.pool = worker.NewPool(cfg.Workers, 64, func(ctx context.Context, tag string) error {
		_, err := s.DrainTag(ctx, tag)
		if err != nil && !errors.Is(err, errors.ErrDrainInFlight) {
			return err
		}
		return nil
	})
	return s
}

// Start launches the worker pool and the cadence tickers for tags that
// configure one.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	if err := s.pool.Start(runCtx); err != nil {
		cancel()
		return err
	}

	for tag, tc := range s.cfg.Tags {
		if tc.Cadence <= 0 {
			continue
		}
		s.wg.Add(1)
		go s.cadenceLoop(runCtx, tag, tc.Cadence)
	}

	s.started = true
	return nil
}

// Stop cancels the cadence tickers and waits up to timeout for in-flight
// drains to finish.
func (s *Scheduler) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return errors.ErrNotStarted
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	return s.pool.Stop(timeout)
}

func (s *Scheduler) cadenceLoop(ctx context.Context, tag string, cadence time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(cadence)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.submit(tag)
		}
	}
}

// OnConnectivityRestored schedules a drain for every tag with queued items.
func (s *Scheduler) OnConnectivityRestored(ctx context.Context) error {
	tags, err := s.queue.Tags(ctx)
	if err != nil {
		return errors.Wrap(err, "scheduler", "OnConnectivityRestored", "list tags")
	}
	for _, tag := range tags {
		s.submit(tag)
	}
	return nil
}

// Register schedules a one-shot drain for the tag.
func (s *Scheduler) Register(tag string) {
	s.submit(tag)
}

// Tick schedules a periodic drain for the tag. Ticks arriving inside the
// tag's MinInterval since the last drain are dropped; the host environment
// owns the tick cadence itself.
func (s *Scheduler) Tick(tag string) {
	min := s.tagConfig(tag).MinInterval
	if min > 0 {
		s.mu.Lock()
		st, ok := s.status[tag]
		recent := ok && time.Since(st.LastDrainAt) < min
		s.mu.Unlock()
		if recent {
			return
		}
	}
	s.submit(tag)
}

func (s *Scheduler) submit(tag string) {
	if err := s.pool.Submit(tag); err != nil {
		s.logger.Warn("drain submission dropped", "tag", tag, "error", err)
	}
}

func (s *Scheduler) tagConfig(tag string) TagConfig {
	if tc, ok := s.cfg.Tags[tag]; ok {
		return tc
	}
	return TagConfig{}
}

// Status returns the tag's drain status. Unknown tags report Idle.
func (s *Scheduler) Status(tag string) TagStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.status[tag]; ok {
		return *st
	}
	return TagStatus{State: StateIdle}
}

// Statuses returns the drain status of every tag seen so far.
func (s *Scheduler) Statuses() map[string]TagStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]TagStatus, len(s.status))
	for tag, st := range s.status {
		out[tag] = *st
	}
	return out
}

func (s *Scheduler) beginDrain(tag string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draining[tag] {
		return false
	}
	s.draining[tag] = true
	st, ok := s.status[tag]
	if !ok {
		st = &TagStatus{}
		s.status[tag] = st
	}
	st.State = StateDraining
	return true
}

func (s *Scheduler) endDrain(tag string, res DrainResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.draining, tag)
	st := s.status[tag]
	st.State = StateIdle
	st.LastDrainAt = time.Now()
	st.LastOutcome = res.Outcome
	if res.Err != nil {
		st.LastError = res.Err.Error()
	} else {
		st.LastError = ""
	}
}

// DrainTag synchronously drains one tag: eligible items are delivered in
// CreatedAt order. The default mode stops at the first failing item so order
// is preserved; SkipFailed mode leaves the failure for the next drain and
// continues with later items. Returns errors.ErrDrainInFlight when the tag
// is already draining.
func (s *Scheduler) DrainTag(ctx context.Context, tag string) (DrainResult, error) {
	if !s.beginDrain(tag) {
		return DrainResult{Tag: tag}, errors.ErrDrainInFlight
	}

	start := time.Now()
	tc := s.tagConfig(tag)
	res := DrainResult{Tag: tag, Outcome: OutcomeSuccess}
	defer func() {
		res.Duration = time.Since(start)
		s.endDrain(tag, res)
		if s.metrics != nil {
			s.metrics.DrainDuration.WithLabelValues(tag, string(res.Outcome)).Observe(res.Duration.Seconds())
		}
		s.logger.Info("drain finished",
			"tag", tag, "outcome", res.Outcome,
			"delivered", res.Delivered, "failed", res.Failed,
			"duration", res.Duration)
		if s.cfg.OnDrainDone != nil {
			s.cfg.OnDrainDone(res)
		}
	}()

	items, err := s.queue.DequeueBatch(ctx, tag)
	if err != nil {
		res.Outcome = OutcomePartialFailure
		res.Err = err
		return res, err
	}

	for _, it := range items {
		if ctx.Err() != nil {
			res.Outcome = OutcomePartialFailure
			if res.Err == nil {
				res.Err = ctx.Err()
			}
			break
		}
		if err := s.deliver(ctx, it); err != nil {
			res.Failed++
			res.Outcome = OutcomePartialFailure
			if res.Err == nil {
				res.Err = err
			}
			if !tc.SkipFailed {
				break
			}
			continue
		}
		res.Delivered++
	}
	return res, nil
}

// deliver pushes one item to the remote under the network timeout and
// reports the outcome back to the queue. A timeout counts as exactly one
// failed attempt; the item returns to its backoff window untouched
// otherwise.
func (s *Scheduler) deliver(ctx context.Context, it *queue.Item) error {
	if err := s.queue.MarkInFlight(ctx, it.ID); err != nil {
		return err
	}

	dctx, cancel := context.WithTimeout(ctx, s.cfg.NetworkTimeout)
	delivery, err := s.transport.Deliver(dctx, it)
	cancel()
	if err != nil {
		if dctx.Err() == context.DeadlineExceeded {
			err = errors.WrapTransient(errors.ErrNetworkTimeout, "scheduler", "deliver", "delivery timed out")
		}
		if failErr := s.queue.Fail(ctx, it.ID, err); failErr != nil {
			s.logger.Error("recording delivery failure failed",
				"id", it.ID, "tag", it.Tag, "error", failErr)
		}
		return err
	}

	if delivery != nil && delivery.CacheKey != "" && s.cache != nil {
		s.reconcile(ctx, delivery)
	}
	return s.queue.Ack(ctx, it.ID)
}

// reconcile resolves the authoritative remote state against the local cache
// entry and writes the merged result back. A concurrent cache write surfaces
// as a version conflict; the entry is re-read and re-resolved once before
// giving up. Reconciliation failures never undo the delivery itself.
func (s *Scheduler) reconcile(ctx context.Context, d *Delivery) {
	for attempt := 0; attempt < 2; attempt++ {
		merged := d.Remote.Data
		var version uint64
		policyTag := d.EntityType
		var expiresAt time.Time

		local, err := s.cache.GetStale(ctx, d.CacheKey)
		switch {
		case err == nil:
			version = local.Version
			policyTag = local.PolicyTag
			expiresAt = local.ExpiresAt
			if s.resolver != nil {
				localDoc := resolver.Document{
					Data:      local.Body,
					Timestamp: local.StoredAt,
					NodeID:    s.cfg.NodeID,
				}
				res, rerr := s.resolver.Resolve(d.EntityType, localDoc, d.Remote)
				if rerr != nil {
					// Escalated or failed; leave the cache entry alone.
					return
				}
				merged = res.Merged
			}
		case errors.Is(err, errors.ErrKeyNotFound):
			// No local copy; the remote state is authoritative as-is.
		default:
			s.logger.Warn("cache read during reconciliation failed",
				"key", d.CacheKey, "error", err)
			return
		}

		entry := &cachestore.Entry{
			Key:       d.CacheKey,
			Status:    200,
			Body:      merged,
			StoredAt:  time.Now(),
			ExpiresAt: expiresAt,
			PolicyTag: policyTag,
			Version:   version,
		}
		err = s.cache.Put(ctx, d.CacheKey, entry)
		if errors.Is(err, errors.ErrVersionConflict) {
			continue
		}
		if err != nil {
			s.logger.Warn("writing reconciled state failed", "key", d.CacheKey, "error", err)
		}
		return
	}
	s.logger.Warn("reconciliation abandoned after repeated version conflicts", "key", d.CacheKey)
}
