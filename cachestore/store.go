// Package cachestore implements the versioned response cache backing the
// request router and the sync scheduler's post-resolution writes.
//
// Entries live in the durable store under the cache namespace, scoped by
// engine generation so two coexisting generations never observe each other's
// entries. An in-memory LRU fronts the durable store for hot reads and
// supplies the eviction order under quota pressure.
package cachestore

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/syncengine/errors"
	"github.com/c360/syncengine/metric"
	"github.com/c360/syncengine/pkg/cache"
	"github.com/c360/syncengine/storage"
)

const lockStripes = 64

// Config configures a cache store.
type Config struct {
	// Generation scopes all keys; entries written by one generation are
	// invisible to every other.
	Generation uint64

	// MaxEntries bounds the total entry count. Zero means unbounded.
	MaxEntries int

	// HotSize bounds the in-memory hot layer.
	HotSize int
}

// Store is the versioned cache store.
type Store struct {
	backend storage.Store
	cfg     Config
	logger  *slog.Logger
	metrics *metric.Metrics

	hot   *cache.LRU[*Entry]
	locks [lockStripes]sync.Mutex

	mu    sync.Mutex
	count int
	// byTag tracks keys per policy tag for tag-scoped quota eviction
	byTag map[string][]string
}

// New creates a cache store over the durable backend. The logger and metrics
// may be nil.
func New(backend storage.Store, cfg Config, logger *slog.Logger, metrics *metric.Metrics) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HotSize <= 0 {
		cfg.HotSize = 256
	}
	s := &Store{
		backend: backend,
		cfg:     cfg,
		logger:  logger.With("component", "cachestore", "generation", cfg.Generation),
		metrics: metrics,
		byTag:   make(map[string][]string),
	}
	s.hot = cache.NewLRU[*Entry](cfg.HotSize, nil)
	return s
}

// Load primes the entry count and tag index from the durable store. Called
// once at generation activation.
func (s *Store) Load(ctx context.Context) error {
	keys, err := s.backend.ListKeys(ctx, storage.NamespaceCache)
	if err != nil {
		return errors.Wrap(err, "cachestore", "Load", "list keys")
	}

	prefix := s.scope("")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count = 0
	s.byTag = make(map[string][]string)
	for _, k := range keys {
		if len(k) < len(prefix) || k[:len(prefix)] != prefix {
			continue
		}
		s.count++
	}
	return nil
}

// scope prefixes a key with the generation scope.
func (s *Store) scope(key string) string {
	return fmt.Sprintf("g%d/%s", s.cfg.Generation, key)
}

func (s *Store) lockFor(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &s.locks[h.Sum32()%lockStripes]
}

// Get retrieves the entry for a key. Expired entries are deleted and
// reported as errors.ErrKeyNotFound. Corrupt entries are dropped and logged,
// never returned as data.
func (s *Store) Get(ctx context.Context, key string) (*Entry, error) {
	if e, ok := s.hot.Get(key); ok {
		if e.Expired(time.Now()) {
			s.evict(ctx, key, e.PolicyTag, "ttl")
			return nil, errors.ErrKeyNotFound
		}
		s.hit(e.PolicyTag)
		return e, nil
	}

	stored, err := s.backend.Get(ctx, storage.NamespaceCache, s.scope(key))
	if err != nil {
		if err == errors.ErrKeyNotFound {
			s.miss("")
			return nil, errors.ErrKeyNotFound
		}
		return nil, errors.WrapTransient(err, "cachestore", "Get", "backend read")
	}

	e, err := decodeEntry(stored.Value, stored.Revision)
	if err != nil {
		s.logger.Warn("dropping corrupt cache entry", "key", key, "error", err)
		_ = s.backend.Delete(ctx, storage.NamespaceCache, s.scope(key))
		s.miss("")
		return nil, errors.ErrKeyNotFound
	}

	if e.Expired(time.Now()) {
		s.evict(ctx, key, e.PolicyTag, "ttl")
		return nil, errors.ErrKeyNotFound
	}

	s.hot.Set(key, e)
	s.hit(e.PolicyTag)
	return e, nil
}

// GetStale retrieves an entry even when logically expired, for the
// stale-while-revalidate path. Hard-missing or corrupt entries still fail.
func (s *Store) GetStale(ctx context.Context, key string) (*Entry, error) {
	if e, ok := s.hot.Get(key); ok {
		s.hit(e.PolicyTag)
		return e, nil
	}

	stored, err := s.backend.Get(ctx, storage.NamespaceCache, s.scope(key))
	if err != nil {
		if err == errors.ErrKeyNotFound {
			s.miss("")
			return nil, errors.ErrKeyNotFound
		}
		return nil, errors.WrapTransient(err, "cachestore", "GetStale", "backend read")
	}

	e, err := decodeEntry(stored.Value, stored.Revision)
	if err != nil {
		s.logger.Warn("dropping corrupt cache entry", "key", key, "error", err)
		_ = s.backend.Delete(ctx, storage.NamespaceCache, s.scope(key))
		s.miss("")
		return nil, errors.ErrKeyNotFound
	}

	s.hot.Set(key, e)
	s.hit(e.PolicyTag)
	return e, nil
}

// Put writes an entry. Entry.Version must be the revision observed at read
// time (zero for a fresh entry); if the stored revision has advanced the
// write is rejected with errors.ErrVersionConflict and the caller re-reads.
//
// Quota pressure evicts least-recently-used entries within the same policy
// tag and retries once; a second failure degrades the operation and is
// logged, never dropped silently.
func (s *Store) Put(ctx context.Context, key string, e *Entry) error {
	lock := s.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	if err := s.ensureQuota(ctx, key, e.PolicyTag); err != nil {
		return err
	}

	data, err := encodeEntry(e)
	if err != nil {
		return err
	}

	newRev, err := s.backend.Update(ctx, storage.NamespaceCache, s.scope(key), data, e.Version)
	if err != nil {
		if err == errors.ErrVersionConflict {
			return errors.ErrVersionConflict
		}
		if err == errors.ErrKeyNotFound {
			// Entry was evicted between read and write; write fresh
			newRev, err = s.backend.Put(ctx, storage.NamespaceCache, s.scope(key), data)
			if err != nil {
				return errors.WrapTransient(err, "cachestore", "Put", "backend write")
			}
		} else if errors.IsQuota(err) {
			return s.retryAfterEviction(ctx, key, e, data)
		} else {
			return errors.WrapTransient(err, "cachestore", "Put", "backend write")
		}
	}

	stored := *e
	stored.Version = newRev
	isNew := e.Version == 0
	s.hot.Set(key, &stored)
	s.track(key, e.PolicyTag, isNew)
	return nil
}

// retryAfterEviction evicts LRU entries in the same policy tag and retries
// the write exactly once.
func (s *Store) retryAfterEviction(ctx context.Context, key string, e *Entry, data []byte) error {
	s.evictTagLRU(ctx, e.PolicyTag, 1)

	if _, err := s.backend.Put(ctx, storage.NamespaceCache, s.scope(key), data); err != nil {
		s.logger.Error("cache write failing after eviction, degrading to network-only",
			"key", key, "error", err)
		return errors.WrapQuota(err, "cachestore", "Put", "write after eviction")
	}
	s.track(key, e.PolicyTag, true)
	return nil
}

// ensureQuota makes room under MaxEntries before a new key is written.
func (s *Store) ensureQuota(ctx context.Context, key, tag string) error {
	if s.cfg.MaxEntries <= 0 {
		return nil
	}
	s.mu.Lock()
	over := s.count >= s.cfg.MaxEntries && !s.tracked(key, tag)
	s.mu.Unlock()
	if over {
		s.evictTagLRU(ctx, tag, 1)
	}
	return nil
}

func (s *Store) tracked(key, tag string) bool {
	for _, k := range s.byTag[tag] {
		if k == key {
			return true
		}
	}
	return false
}

// evictTagLRU removes up to n least-recently-used entries carrying the tag.
// Falls back to global LRU order when the tag has no tracked keys.
func (s *Store) evictTagLRU(ctx context.Context, tag string, n int) {
	victims := make([]string, 0, n)

	s.mu.Lock()
	tagKeys := s.byTag[tag]
	s.mu.Unlock()

	if len(tagKeys) > 0 {
		// Oldest tracked keys first; byTag appends in insertion order
		for _, k := range tagKeys {
			if len(victims) == n {
				break
			}
			victims = append(victims, k)
		}
	} else {
		victims = s.hot.OldestKeys(n)
	}

	for _, k := range victims {
		s.evict(ctx, k, tag, "quota")
	}
}

func (s *Store) evict(ctx context.Context, key, tag, reason string) {
	_ = s.backend.Delete(ctx, storage.NamespaceCache, s.scope(key))
	s.hot.Delete(key)
	s.untrack(key, tag)
	if s.metrics != nil {
		s.metrics.CacheEvictions.WithLabelValues(reason).Inc()
	}
}

func (s *Store) track(key, tag string, isNew bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !isNew {
		return
	}
	for _, k := range s.byTag[tag] {
		if k == key {
			return
		}
	}
	s.byTag[tag] = append(s.byTag[tag], key)
	s.count++
	if s.metrics != nil {
		s.metrics.CacheEntries.Set(float64(s.count))
	}
}

func (s *Store) untrack(key, tag string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := s.byTag[tag]
	for i, k := range keys {
		if k == key {
			s.byTag[tag] = append(keys[:i], keys[i+1:]...)
			s.count--
			if s.metrics != nil {
				s.metrics.CacheEntries.Set(float64(s.count))
			}
			return
		}
	}
}

// Delete removes an entry by key.
func (s *Store) Delete(ctx context.Context, key string) error {
	lock := s.lockFor(key)
	lock.Lock()
	defer lock.Unlock()

	e, _ := s.hot.Get(key)
	tag := ""
	if e != nil {
		tag = e.PolicyTag
	}
	s.evict(ctx, key, tag, "invalidation")
	return nil
}

// Prune removes entries older than maxAge and, when maxEntries > 0, trims
// the store down to maxEntries by LRU order.
func (s *Store) Prune(ctx context.Context, maxAge time.Duration, maxEntries int) (int, error) {
	keys, err := s.backend.ListKeys(ctx, storage.NamespaceCache)
	if err != nil {
		return 0, errors.Wrap(err, "cachestore", "Prune", "list keys")
	}

	prefix := s.scope("")
	now := time.Now()
	removed := 0

	for _, scoped := range keys {
		if len(scoped) < len(prefix) || scoped[:len(prefix)] != prefix {
			continue
		}
		key := scoped[len(prefix):]

		stored, err := s.backend.Get(ctx, storage.NamespaceCache, scoped)
		if err != nil {
			continue
		}
		e, err := decodeEntry(stored.Value, stored.Revision)
		if err != nil {
			s.logger.Warn("pruning corrupt cache entry", "key", key, "error", err)
			s.evict(ctx, key, "", "invalidation")
			removed++
			continue
		}
		if e.Expired(now) || (maxAge > 0 && now.Sub(e.StoredAt) > maxAge) {
			s.evict(ctx, key, e.PolicyTag, "ttl")
			removed++
		}
	}

	if maxEntries > 0 {
		s.mu.Lock()
		over := s.count - maxEntries
		s.mu.Unlock()
		for over > 0 {
			victims := s.hot.OldestKeys(over)
			if len(victims) == 0 {
				break
			}
			for _, k := range victims {
				s.evict(ctx, k, "", "lru")
				removed++
			}
			over -= len(victims)
		}
	}

	return removed, nil
}

// Size returns the tracked entry count for this generation.
func (s *Store) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

func (s *Store) hit(tag string) {
	if s.metrics != nil {
		s.metrics.CacheHits.WithLabelValues(tag).Inc()
	}
}

func (s *Store) miss(tag string) {
	if s.metrics != nil {
		s.metrics.CacheMisses.WithLabelValues(tag).Inc()
	}
}
