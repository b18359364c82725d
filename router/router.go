// Package router intercepts application reads and serves them from the
// cache store or network according to the classifier's policy.
package router

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/syncengine/cachestore"
	"github.com/c360/syncengine/classify"
	"github.com/c360/syncengine/errors"
	"github.com/c360/syncengine/metric"
	"github.com/c360/syncengine/types"
)

// Fetcher is the outbound request/response primitive. Implementations wrap
// whatever transport the host uses; the router only requires that failures
// be classifiable as transient or permanent via the errors package.
type Fetcher interface {
	Do(ctx context.Context, req *types.Request) (*types.Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req *types.Request) (*types.Response, error)

// Do implements Fetcher.
func (f FetcherFunc) Do(ctx context.Context, req *types.Request) (*types.Response, error) {
	return f(ctx, req)
}

// Config configures a router.
type Config struct {
	// NetworkTimeout bounds every network fetch. Defaults to 30s.
	NetworkTimeout time.Duration
}

// Router applies cache policies to intercepted requests. A router belongs to
// one generation; Intercept refuses to serve unless the router has been
// activated, so requests can never be routed through a non-active generation.
type Router struct {
	classifier *classify.Classifier
	cache      *cachestore.Store
	fetcher    Fetcher
	cfg        Config
	logger     *slog.Logger
	metrics    *metric.Metrics

	mu     sync.RWMutex
	active bool

	// revalidations tracks in-flight background refreshes so Close can
	// wait for them and duplicate refreshes for one key are suppressed.
	revalMu   sync.Mutex
	inFlight  map[string]struct{}
	revalWG   sync.WaitGroup
	revalCtx  context.Context
	revalStop context.CancelFunc
}

// New creates a router for one generation. The logger and metrics may be nil.
func New(classifier *classify.Classifier, cache *cachestore.Store, fetcher Fetcher, cfg Config, logger *slog.Logger, metrics *metric.Metrics) *Router {
	if cfg.NetworkTimeout <= 0 {
		cfg.NetworkTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Router{
		classifier: classifier,
		cache:      cache,
		fetcher:    fetcher,
		cfg:        cfg,
		logger:     logger.With("component", "router"),
		metrics:    metrics,
		inFlight:   make(map[string]struct{}),
		revalCtx:   ctx,
		revalStop:  cancel,
	}
}

// Activate marks the router as belonging to the active generation.
func (r *Router) Activate() {
	r.mu.Lock()
	r.active = true
	r.mu.Unlock()
}

// Deactivate stops the router from serving; used when its generation
// becomes redundant.
func (r *Router) Deactivate() {
	r.mu.Lock()
	r.active = false
	r.mu.Unlock()
}

// Active reports whether this router serves intercepts.
func (r *Router) Active() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Intercept is the router's entry point: classify the request and satisfy
// it from cache and/or network per the policy.
func (r *Router) Intercept(ctx context.Context, req *types.Request) (*types.Response, error) {
	if !r.Active() {
		return nil, errors.ErrNotActive
	}

	rule := r.classifier.Classify(req)
	key := types.Fingerprint(req)

	start := time.Now()
	resp, err := r.dispatch(ctx, req, rule, key)
	if r.metrics != nil {
		r.metrics.RequestDuration.WithLabelValues(string(rule.Policy)).Observe(time.Since(start).Seconds())
		outcome := "success"
		if err != nil {
			outcome = "error"
		}
		r.metrics.Intercepts.WithLabelValues(string(rule.Policy), outcome).Inc()
	}
	return resp, err
}

func (r *Router) dispatch(ctx context.Context, req *types.Request, rule classify.Rule, key string) (*types.Response, error) {
	switch rule.Policy {
	case classify.CacheFirst:
		return r.cacheFirst(ctx, req, rule, key)
	case classify.NetworkFirst:
		return r.networkFirst(ctx, req, rule, key)
	case classify.StaleWhileRevalidate:
		return r.staleWhileRevalidate(ctx, req, rule, key)
	case classify.CacheOnly:
		return r.cacheOnly(ctx, key)
	default:
		return r.networkOnly(ctx, req)
	}
}

// cacheFirst returns a fresh cached entry when present, otherwise fetches,
// stores, and returns. Offline with no entry fails with ErrOfflineMiss.
func (r *Router) cacheFirst(ctx context.Context, req *types.Request, rule classify.Rule, key string) (*types.Response, error) {
	if e, err := r.cache.Get(ctx, key); err == nil {
		return entryResponse(e), nil
	}

	resp, err := r.fetch(ctx, req)
	if err != nil {
		if errors.IsTransient(err) {
			return nil, errors.WrapTransient(errors.ErrOfflineMiss, "router", "cacheFirst", "no cache entry and network unavailable")
		}
		return nil, err
	}

	r.storeResponse(ctx, key, rule, resp, 0)
	return resp, nil
}

// networkFirst attempts the network and falls back to any cached entry,
// stale included, on failure.
func (r *Router) networkFirst(ctx context.Context, req *types.Request, rule classify.Rule, key string) (*types.Response, error) {
	resp, err := r.fetch(ctx, req)
	if err == nil {
		r.storeResponse(ctx, key, rule, resp, 0)
		return resp, nil
	}
	if errors.IsPermanent(err) {
		return nil, err
	}

	if e, cacheErr := r.cache.GetStale(ctx, key); cacheErr == nil {
		r.logger.Debug("network failed, serving cached entry", "key", key, "error", err)
		return entryResponse(e), nil
	}
	return nil, err
}

// staleWhileRevalidate returns the cached entry immediately (stale included)
// and refreshes it in the background. With no cached entry it behaves like
// networkFirst for this call only.
func (r *Router) staleWhileRevalidate(ctx context.Context, req *types.Request, rule classify.Rule, key string) (*types.Response, error) {
	e, err := r.cache.GetStale(ctx, key)
	if err != nil {
		return r.networkFirst(ctx, req, rule, key)
	}

	r.revalidate(req.Clone(), rule, key, e.Version)
	return entryResponse(e), nil
}

// revalidate refreshes one key in the background. At most one refresh per
// key is in flight; later results replace the entry via optimistic Put.
func (r *Router) revalidate(req *types.Request, rule classify.Rule, key string, version uint64) {
	r.revalMu.Lock()
	if _, busy := r.inFlight[key]; busy {
		r.revalMu.Unlock()
		return
	}
	r.inFlight[key] = struct{}{}
	r.revalWG.Add(1)
	r.revalMu.Unlock()

	go func() {
		defer func() {
			r.revalMu.Lock()
			delete(r.inFlight, key)
			r.revalMu.Unlock()
			r.revalWG.Done()
		}()

		resp, err := r.fetch(r.revalCtx, req)
		if err != nil {
			r.logger.Debug("background revalidation failed", "key", key, "error", err)
			return
		}
		r.storeResponse(r.revalCtx, key, rule, resp, version)
	}()
}

// cacheOnly never contacts the network; absence is a plain miss.
func (r *Router) cacheOnly(ctx context.Context, key string) (*types.Response, error) {
	e, err := r.cache.Get(ctx, key)
	if err != nil {
		return nil, errors.ErrKeyNotFound
	}
	return entryResponse(e), nil
}

// networkOnly never reads or writes the cache store.
func (r *Router) networkOnly(ctx context.Context, req *types.Request) (*types.Response, error) {
	return r.fetch(ctx, req)
}

// fetch performs one bounded network call.
func (r *Router) fetch(ctx context.Context, req *types.Request) (*types.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.NetworkTimeout)
	defer cancel()

	resp, err := r.fetcher.Do(ctx, req)
	if r.metrics != nil {
		r.metrics.NetworkFetches.WithLabelValues(fetchResult(ctx, err)).Inc()
	}
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, errors.WrapTransient(errors.ErrNetworkTimeout, "router", "fetch", req.Method+" "+req.URL)
		}
		return nil, err
	}
	return resp, nil
}

func fetchResult(ctx context.Context, err error) string {
	switch {
	case err == nil:
		return "success"
	case ctx.Err() == context.DeadlineExceeded:
		return "timeout"
	case errors.IsPermanent(err):
		return "permanent"
	default:
		return "transient"
	}
}

// storeResponse writes a fetched response to the cache store. A version
// conflict means a fresher write landed first; the response is discarded
// rather than clobbering it. Quota degradation is logged and swallowed so a
// cache failure never fails the read that produced the response.
func (r *Router) storeResponse(ctx context.Context, key string, rule classify.Rule, resp *types.Response, version uint64) {
	e := &cachestore.Entry{
		Key:       key,
		Status:    resp.Status,
		Headers:   resp.Headers,
		Body:      resp.Body,
		StoredAt:  time.Now(),
		PolicyTag: rule.PolicyTag,
		Version:   version,
	}
	if rule.TTLSeconds > 0 {
		e.ExpiresAt = e.StoredAt.Add(time.Duration(rule.TTLSeconds) * time.Second)
	}

	err := r.cache.Put(ctx, key, e)
	if err == nil {
		return
	}
	if err == errors.ErrVersionConflict {
		r.logger.Debug("discarding stale write, fresher entry present", "key", key)
		return
	}
	r.logger.Warn("cache write degraded, response served from network only", "key", key, "error", err)
}

// Close cancels in-flight background revalidations and waits for them.
func (r *Router) Close() {
	r.Deactivate()
	r.revalStop()
	r.revalWG.Wait()
}

func entryResponse(e *cachestore.Entry) *types.Response {
	return &types.Response{
		Status:    e.Status,
		Headers:   e.Headers,
		Body:      e.Body,
		FromCache: true,
		StoredAt:  e.StoredAt,
	}
}
