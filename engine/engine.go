// Package engine composes the synchronization engine: durable storage, the
// mutation queue, the sync scheduler, the conflict resolver and the
// generation lifecycle, behind one explicit context object. Nothing in the
// engine is global; every component receives its collaborators at
// construction.
//
// The host environment drives the engine through three entry points:
// Intercept for reads, EnqueueMutation for writes, and OnTrigger for sync
// scheduling. Message carries low-frequency control operations.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/syncengine/cachestore"
	"github.com/c360/syncengine/classify"
	"github.com/c360/syncengine/config"
	"github.com/c360/syncengine/errors"
	"github.com/c360/syncengine/lifecycle"
	"github.com/c360/syncengine/metric"
	"github.com/c360/syncengine/pkg/retry"
	"github.com/c360/syncengine/queue"
	"github.com/c360/syncengine/resolver"
	"github.com/c360/syncengine/router"
	"github.com/c360/syncengine/scheduler"
	"github.com/c360/syncengine/storage"
	"github.com/c360/syncengine/types"
)

// Control message types accepted by Message.
const (
	MsgForceActivate    = "forceActivate"
	MsgFlushQueueNow    = "flushQueueNow"
	MsgReportStatus     = "reportStatus"
	MsgReplayDeadLetter = "replayDeadLetter"
)

// Notifications are the engine's outbound callbacks to the application. Any
// field may be nil.
type Notifications struct {
	QueueDepth          func(tag string, depth int)
	DeadLetter          func(item *queue.Item)
	DrainDone           func(res scheduler.DrainResult)
	ConflictEscalated   func(entityType string, cause error)
	GenerationActivated func(generation uint64)
}

// Options configures an engine.
type Options struct {
	Config *config.Config

	// Store is the durable backend shared by every component. The caller
	// owns its lifetime.
	Store storage.Store

	// Fetcher serves the router's outbound read path.
	Fetcher router.Fetcher

	// Transport delivers queued mutations to the remote endpoint.
	Transport scheduler.Transport

	Logger  *slog.Logger
	Metrics *metric.Metrics

	Notify Notifications
}

// Engine is the composed synchronization engine.
type Engine struct {
	cfg     *config.Config
	store   storage.Store
	fetcher router.Fetcher
	logger  *slog.Logger
	metrics *metric.Metrics
	notify  Notifications

	queue     *queue.Queue
	scheduler *scheduler.Scheduler
	resolver  *resolver.Registry
	lifecycle *lifecycle.Controller

	mu      sync.Mutex
	started bool
}

// New wires an engine from options. Start must be called before use.
func New(opts Options) (*Engine, error) {
	if opts.Config == nil {
		return nil, errors.WrapPermanent(errors.ErrInvalidConfig, "engine", "New", "config is required")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if opts.Store == nil {
		return nil, errors.WrapPermanent(errors.ErrInvalidConfig, "engine", "New", "store is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.WrapPermanent(errors.ErrInvalidConfig, "engine", "New", "fetcher is required")
	}
	if opts.Transport == nil {
		return nil, errors.WrapPermanent(errors.ErrInvalidConfig, "engine", "New", "transport is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		cfg:     opts.Config,
		store:   opts.Store,
		fetcher: opts.Fetcher,
		logger:  logger.With("component", "engine"),
		metrics: opts.Metrics,
		notify:  opts.Notify,
	}

	e.queue = queue.New(opts.Store, queue.Config{
		Policies:      queuePolicies(opts.Config.Tags),
		OnDepthChange: e.notify.QueueDepth,
		OnDeadLetter:  e.notify.DeadLetter,
	}, logger, opts.Metrics)

	e.resolver = resolver.NewRegistry(nil, func(entityType string, _, _ resolver.Document, cause error) {
		if e.notify.ConflictEscalated != nil {
			e.notify.ConflictEscalated(entityType, cause)
		}
	}, logger, opts.Metrics)

	e.lifecycle = lifecycle.NewController(opts.Store, lifecycle.Config{
		UpdatePolicy: lifecycle.UpdatePolicy(opts.Config.Lifecycle.UpdatePolicy),
		TakeoverMode: lifecycle.TakeoverMode(opts.Config.Lifecycle.TakeoverMode),
		OnActivated:  e.notify.GenerationActivated,
	}, logger, opts.Metrics)

	e.scheduler = scheduler.New(e.queue, opts.Transport, activeCache{e}, e.resolver, scheduler.Config{
		Tags:           schedulerTags(opts.Config.Tags),
		NetworkTimeout: opts.Config.Scheduler.NetworkTimeout.Std(),
		Workers:        opts.Config.Scheduler.Workers,
		NodeID:         opts.Config.NodeID,
		OnDrainDone:    e.notify.DrainDone,
	}, logger, opts.Metrics)

	return e, nil
}

func queuePolicies(tags map[string]config.TagConfig) map[string]queue.TagPolicy {
	policies := make(map[string]queue.TagPolicy, len(tags))
	for tag, tc := range tags {
		p := queue.DefaultTagPolicy()
		if tc.MaxAttempts > 0 {
			p.MaxAttempts = tc.MaxAttempts
		}
		if tc.BaseDelay > 0 {
			p.Backoff.InitialDelay = tc.BaseDelay.Std()
		}
		if tc.MaxDelay > 0 {
			p.Backoff.MaxDelay = tc.MaxDelay.Std()
		}
		policies[tag] = p
	}
	return policies
}

func schedulerTags(tags map[string]config.TagConfig) map[string]scheduler.TagConfig {
	out := make(map[string]scheduler.TagConfig, len(tags))
	for tag, tc := range tags {
		out[tag] = scheduler.TagConfig{
			MaxAttempts: tc.MaxAttempts,
			BaseDelay:   tc.BaseDelay.Std(),
			MaxDelay:    tc.MaxDelay.Std(),
			Cadence:     tc.Cadence.Std(),
			MinInterval: tc.MinInterval.Std(),
			SkipFailed:  tc.SkipFailed,
		}
	}
	return out
}

// Resolver returns the conflict resolver registry so the application can
// register per-entity-type strategies before Start.
func (e *Engine) Resolver() *resolver.Registry { return e.resolver }

// Queue exposes the mutation queue for dead-letter inspection and replay.
func (e *Engine) Queue() *queue.Queue { return e.queue }

// Start recovers durable state, starts the scheduler, and installs the
// first generation.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return errors.ErrAlreadyStarted
	}
	e.started = true
	e.mu.Unlock()

	if err := e.queue.Load(ctx); err != nil {
		return err
	}
	if err := e.lifecycle.Load(ctx); err != nil {
		return err
	}
	if err := e.scheduler.Start(ctx); err != nil {
		return err
	}
	if _, err := e.InstallGeneration(ctx); err != nil {
		return err
	}
	e.logger.Info("engine started",
		"node_id", e.cfg.NodeID, "backend", e.cfg.Storage.Backend)
	return nil
}

// Stop shuts the engine down: the scheduler finishes in-flight drains and
// every generation releases its resources. The durable store stays open for
// the caller to close.
func (e *Engine) Stop(ctx context.Context, timeout time.Duration) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return errors.ErrNotStarted
	}
	e.started = false
	e.mu.Unlock()

	if err := e.scheduler.Stop(timeout); err != nil {
		e.logger.Warn("scheduler stop failed", "error", err)
	}
	return e.lifecycle.Close(ctx)
}

// generationRuntime is what one generation controls: a router over a
// generation-scoped cache store.
type generationRuntime struct {
	router *router.Router
	cache  *cachestore.Store
}

func (g *generationRuntime) Activate() error {
	g.router.Activate()
	return nil
}

func (g *generationRuntime) Deactivate() error {
	g.router.Deactivate()
	return nil
}

func (g *generationRuntime) Close() error {
	g.router.Close()
	return nil
}

// InstallGeneration builds, precaches, and promotes a new generation. The
// host calls this when new code or configuration is detected; Start installs
// the first one.
func (e *Engine) InstallGeneration(ctx context.Context) (*lifecycle.Generation, error) {
	var grt *generationRuntime
	build := func(ctx context.Context, generation uint64) (lifecycle.Runtime, error) {
		classifier, err := classify.New(e.cfg.Matchers)
		if err != nil {
			return nil, err
		}
		cs := cachestore.New(e.store, cachestore.Config{
			Generation: generation,
			MaxEntries: e.cfg.Cache.MaxEntries,
			HotSize:    e.cfg.Cache.HotSize,
		}, e.logger, e.metrics)
		if err := cs.Load(ctx); err != nil {
			return nil, err
		}
		rt := router.New(classifier, cs, e.fetcher, router.Config{
			NetworkTimeout: e.cfg.Scheduler.NetworkTimeout.Std(),
		}, e.logger, e.metrics)
		grt = &generationRuntime{router: rt, cache: cs}
		return grt, nil
	}
	precache := func(ctx context.Context) error {
		return e.precache(ctx, grt)
	}
	return e.lifecycle.InstallNew(ctx, build, precache)
}

// precache fetches the configured warm-up URLs into the new generation's
// cache before it installs. Any fetch failure aborts the install.
func (e *Engine) precache(ctx context.Context, grt *generationRuntime) error {
	classifier, err := classify.New(e.cfg.Matchers)
	if err != nil {
		return err
	}
	for _, url := range e.cfg.Precache {
		req := &types.Request{Method: "GET", URL: url}
		resp, err := retry.DoWithResult(ctx, retry.Quick(), func() (*types.Response, error) {
			return e.fetcher.Do(ctx, req)
		})
		if err != nil {
			return errors.Wrap(err, "engine", "precache", "fetch "+url)
		}

		rule := classifier.Classify(req)
		entry := &cachestore.Entry{
			Key:       types.Fingerprint(req),
			Status:    resp.Status,
			Headers:   resp.Headers,
			Body:      resp.Body,
			StoredAt:  time.Now(),
			PolicyTag: rule.PolicyTag,
		}
		if rule.TTLSeconds > 0 {
			entry.ExpiresAt = entry.StoredAt.Add(time.Duration(rule.TTLSeconds) * time.Second)
		}
		if err := grt.cache.Put(ctx, entry.Key, entry); err != nil {
			return errors.Wrap(err, "engine", "precache", "store "+url)
		}
	}
	return nil
}

// Intercept routes a request through the active generation. Requests
// arriving while no generation is active fail with errors.ErrNoGeneration;
// routing through a non-active generation is never permitted.
func (e *Engine) Intercept(ctx context.Context, req *types.Request) (*types.Response, error) {
	rt, err := e.lifecycle.ActiveRuntime()
	if err != nil {
		return nil, err
	}
	return rt.(*generationRuntime).router.Intercept(ctx, req)
}

// EnqueueMutation records an application write for later synchronization.
// The mutation is durable when this returns.
func (e *Engine) EnqueueMutation(ctx context.Context, tag string, payload []byte) (string, error) {
	return e.queue.Enqueue(ctx, tag, payload)
}

// AttachClient pins a new host session to the active generation; the
// returned number must be passed back to DetachClient when the session ends.
func (e *Engine) AttachClient() (uint64, error) {
	return e.lifecycle.AttachClient()
}

// DetachClient releases a host session.
func (e *Engine) DetachClient(ctx context.Context, generation uint64) error {
	return e.lifecycle.DetachClient(ctx, generation)
}

// OnTrigger drives the sync scheduler: an empty tag means connectivity was
// restored and every tag with queued work drains; a named tag registers a
// one-shot drain for it.
func (e *Engine) OnTrigger(ctx context.Context, tag string) error {
	if tag != "" {
		e.scheduler.Register(tag)
		return nil
	}
	if e.cfg.AutoReplayDeadLetter {
		e.replayAllDeadLetters(ctx)
	}
	return e.scheduler.OnConnectivityRestored(ctx)
}

// Tick forwards a host periodic tick for one tag.
func (e *Engine) Tick(tag string) {
	e.scheduler.Tick(tag)
}

func (e *Engine) replayAllDeadLetters(ctx context.Context) {
	tags, err := e.queue.DeadLetterTags(ctx)
	if err != nil {
		e.logger.Warn("listing dead-letter tags failed", "error", err)
		return
	}
	for _, tag := range tags {
		ids, err := e.queue.Replay(ctx, tag)
		if err != nil {
			e.logger.Warn("dead-letter replay failed", "tag", tag, "error", err)
			continue
		}
		e.logger.Info("dead-letter items replayed", "tag", tag, "count", len(ids))
	}
}

// TagStatus is the per-tag slice of a status report.
type TagStatus struct {
	QueueDepth  int       `json:"queue_depth"`
	State       string    `json:"state"`
	LastSyncAt  time.Time `json:"last_sync_at,omitempty"`
	LastOutcome string    `json:"last_outcome,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	DeadLetters int       `json:"dead_letters,omitempty"`
}

// Status is the engine status report returned by the reportStatus message.
type Status struct {
	ActiveGeneration uint64               `json:"active_generation"`
	QueueDepth       int                  `json:"queue_depth"`
	LastSyncAt       time.Time            `json:"last_sync_at,omitempty"`
	LastError        string               `json:"last_error,omitempty"`
	Tags             map[string]TagStatus `json:"tags"`
}

// Message is the control channel: low-frequency operations the host invokes
// by name. Unknown types fail with errors.ErrUnknownMessage.
func (e *Engine) Message(ctx context.Context, msgType string, payload json.RawMessage) (json.RawMessage, error) {
	switch msgType {
	case MsgForceActivate:
		if err := e.lifecycle.ForceActivate(ctx); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]uint64{"active_generation": e.lifecycle.Active().Number})

	case MsgFlushQueueNow:
		var req struct {
			Tag string `json:"tag"`
		}
		if err := json.Unmarshal(payload, &req); err != nil || req.Tag == "" {
			return nil, errors.WrapPermanent(errors.ErrInvalidConfig,
				"engine", "Message", "flushQueueNow requires a tag")
		}
		res, err := e.scheduler.DrainTag(ctx, req.Tag)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]any{
			"tag":       res.Tag,
			"outcome":   res.Outcome,
			"delivered": res.Delivered,
			"failed":    res.Failed,
		})

	case MsgReplayDeadLetter:
		var req struct {
			Tag string `json:"tag"`
		}
		if err := json.Unmarshal(payload, &req); err != nil || req.Tag == "" {
			return nil, errors.WrapPermanent(errors.ErrInvalidConfig,
				"engine", "Message", "replayDeadLetter requires a tag")
		}
		ids, err := e.queue.Replay(ctx, req.Tag)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]any{"replayed": ids})

	case MsgReportStatus:
		status, err := e.status(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(status)

	default:
		return nil, errors.WrapPermanent(errors.ErrUnknownMessage,
			"engine", "Message", "type "+msgType)
	}
}

func (e *Engine) status(ctx context.Context) (*Status, error) {
	st := &Status{Tags: make(map[string]TagStatus)}
	if g := e.lifecycle.Active(); g != nil {
		st.ActiveGeneration = g.Number
	}

	tags, err := e.queue.Tags(ctx)
	if err != nil {
		return nil, err
	}
	deadTags, err := e.queue.DeadLetterTags(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	for _, tag := range append(tags, deadTags...) {
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}

		depth, err := e.queue.Depth(ctx, tag)
		if err != nil {
			return nil, err
		}
		dead, err := e.queue.DeadLetters(ctx, tag)
		if err != nil {
			return nil, err
		}
		ts := TagStatus{QueueDepth: depth, DeadLetters: len(dead)}

		ds := e.scheduler.Status(tag)
		ts.State = string(ds.State)
		ts.LastSyncAt = ds.LastDrainAt
		ts.LastOutcome = string(ds.LastOutcome)
		ts.LastError = ds.LastError

		st.QueueDepth += depth
		if ds.LastDrainAt.After(st.LastSyncAt) {
			st.LastSyncAt = ds.LastDrainAt
		}
		if ds.LastError != "" {
			st.LastError = ds.LastError
		}
		st.Tags[tag] = ts
	}

	// Tags the scheduler has drained but whose queues are now empty
	for tag, ds := range e.scheduler.Statuses() {
		if _, ok := seen[tag]; ok {
			continue
		}
		st.Tags[tag] = TagStatus{
			State:       string(ds.State),
			LastSyncAt:  ds.LastDrainAt,
			LastOutcome: string(ds.LastOutcome),
			LastError:   ds.LastError,
		}
		if ds.LastDrainAt.After(st.LastSyncAt) {
			st.LastSyncAt = ds.LastDrainAt
		}
	}
	return st, nil
}

// activeCache adapts the active generation's cache store to the scheduler's
// EntryStore so post-resolution writes always land in the generation
// currently serving requests.
type activeCache struct {
	e *Engine
}

func (c activeCache) GetStale(ctx context.Context, key string) (*cachestore.Entry, error) {
	rt, err := c.e.lifecycle.ActiveRuntime()
	if err != nil {
		return nil, err
	}
	return rt.(*generationRuntime).cache.GetStale(ctx, key)
}

func (c activeCache) Put(ctx context.Context, key string, entry *cachestore.Entry) error {
	rt, err := c.e.lifecycle.ActiveRuntime()
	if err != nil {
		return err
	}
	return rt.(*generationRuntime).cache.Put(ctx, key, entry)
}
