// Package queue implements the durable mutation queue: the ordered store of
// writes made while disconnected, grouped by tag and drained by the sync
// scheduler.
//
// Every mutation is persisted before Enqueue returns, so queued writes
// survive process restarts. Items exhaust a per-tag retry budget and then
// move to a dead-letter namespace where they stay visible to the
// application; nothing is discarded silently.
package queue

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360/syncengine/errors"
	"github.com/c360/syncengine/metric"
	"github.com/c360/syncengine/pkg/retry"
	"github.com/c360/syncengine/storage"
)

// TagPolicy is the retry budget for one tag.
type TagPolicy struct {
	MaxAttempts int
	Backoff     retry.Config
}

// DefaultTagPolicy returns the budget applied to tags without explicit
// configuration.
func DefaultTagPolicy() TagPolicy {
	return TagPolicy{
		MaxAttempts: 5,
		Backoff: retry.Config{
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     time.Minute,
			Multiplier:   2.0,
		},
	}
}

// DepthListener is notified whenever a tag's pending depth changes.
type DepthListener func(tag string, depth int)

// DeadLetterListener is notified when an item reaches the dead-letter state.
type DeadLetterListener func(item *Item)

// Config configures a queue.
type Config struct {
	// Policies maps tags to retry budgets; absent tags use DefaultTagPolicy.
	Policies map[string]TagPolicy

	// OnDepthChange and OnDeadLetter surface queue state to the
	// application. Either may be nil.
	OnDepthChange DepthListener
	OnDeadLetter  DeadLetterListener
}

// Queue is the durable mutation queue.
type Queue struct {
	backend storage.Store
	cfg     Config
	logger  *slog.Logger
	metrics *metric.Metrics

	// tagMu serializes mutations per tag so concurrent writers never
	// interleave partial updates.
	mu     sync.Mutex
	tagMus map[string]*sync.Mutex

	// index maps item ID to its storage key.
	indexMu sync.RWMutex
	index   map[string]string
}

// New creates a queue over the durable backend. The logger and metrics may
// be nil.
func New(backend storage.Store, cfg Config, logger *slog.Logger, metrics *metric.Metrics) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		backend: backend,
		cfg:     cfg,
		logger:  logger.With("component", "queue"),
		metrics: metrics,
		tagMus:  make(map[string]*sync.Mutex),
		index:   make(map[string]string),
	}
}

// Load rebuilds the ID index from the durable store after a restart. Items
// left in-flight by a crash are returned to pending; their attempt count is
// untouched because the delivery outcome is unknown.
func (q *Queue) Load(ctx context.Context) error {
	keys, err := q.backend.ListKeys(ctx, storage.NamespaceQueue)
	if err != nil {
		return errors.Wrap(err, "queue", "Load", "list keys")
	}

	q.indexMu.Lock()
	defer q.indexMu.Unlock()
	q.index = make(map[string]string, len(keys))

	for _, key := range keys {
		stored, err := q.backend.Get(ctx, storage.NamespaceQueue, key)
		if err != nil {
			continue
		}
		it, err := decodeItem(stored.Value)
		if err != nil {
			q.logger.Warn("dropping corrupt queue item", "key", key, "error", err)
			_ = q.backend.Delete(ctx, storage.NamespaceQueue, key)
			continue
		}
		if it.Status == StatusInFlight {
			it.Status = StatusPending
			if data, encErr := encodeItem(it); encErr == nil {
				_, _ = q.backend.Put(ctx, storage.NamespaceQueue, key, data)
			}
		}
		q.index[it.ID] = key
	}
	return nil
}

func (q *Queue) tagLock(tag string) *sync.Mutex {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, ok := q.tagMus[tag]
	if !ok {
		m = &sync.Mutex{}
		q.tagMus[tag] = m
	}
	return m
}

func (q *Queue) policy(tag string) TagPolicy {
	if p, ok := q.cfg.Policies[tag]; ok {
		return p
	}
	return DefaultTagPolicy()
}

// Enqueue persists a mutation durably and returns its ID. The idempotency
// key is derived from the ID so redelivery after a timeout cannot duplicate
// the remote-side effect.
func (q *Queue) Enqueue(ctx context.Context, tag string, payload []byte) (string, error) {
	if tag == "" {
		return "", errors.WrapPermanent(errors.ErrUnknownTag, "queue", "Enqueue", "empty tag")
	}

	lock := q.tagLock(tag)
	lock.Lock()
	defer lock.Unlock()

	id := uuid.NewString()
	it := &Item{
		ID:             id,
		Tag:            tag,
		Payload:        payload,
		IdempotencyKey: "sync-" + id,
		CreatedAt:      time.Now(),
		Status:         StatusPending,
	}

	key := storageKey(tag, it.CreatedAt, id)
	data, err := encodeItem(it)
	if err != nil {
		return "", err
	}
	if _, err := q.backend.Put(ctx, storage.NamespaceQueue, key, data); err != nil {
		return "", errors.WrapTransient(err, "queue", "Enqueue", "persist item")
	}

	q.indexMu.Lock()
	q.index[id] = key
	q.indexMu.Unlock()

	if q.metrics != nil {
		q.metrics.ItemsEnqueued.WithLabelValues(tag).Inc()
	}
	q.notifyDepth(ctx, tag)
	return id, nil
}

// DequeueBatch returns the tag's pending and retry-eligible failed items in
// CreatedAt order. The returned items are snapshots; delivery outcomes are
// reported back through Ack and Fail.
func (q *Queue) DequeueBatch(ctx context.Context, tag string) ([]*Item, error) {
	lock := q.tagLock(tag)
	lock.Lock()
	defer lock.Unlock()

	items, err := q.loadTag(ctx, tag)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	eligible := items[:0]
	for _, it := range items {
		if it.eligible(now) {
			eligible = append(eligible, it)
		}
	}
	return eligible, nil
}

// loadTag loads all live items for a tag in storage (CreatedAt) order.
func (q *Queue) loadTag(ctx context.Context, tag string) ([]*Item, error) {
	keys, err := q.backend.ListKeys(ctx, storage.NamespaceQueue)
	if err != nil {
		return nil, errors.WrapTransient(err, "queue", "loadTag", "list keys")
	}

	prefix := tag + "/"
	tagKeys := keys[:0]
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			tagKeys = append(tagKeys, k)
		}
	}
	sort.Strings(tagKeys)

	items := make([]*Item, 0, len(tagKeys))
	for _, key := range tagKeys {
		stored, err := q.backend.Get(ctx, storage.NamespaceQueue, key)
		if err != nil {
			continue
		}
		it, err := decodeItem(stored.Value)
		if err != nil {
			q.logger.Warn("dropping corrupt queue item", "key", key, "error", err)
			_ = q.backend.Delete(ctx, storage.NamespaceQueue, key)
			continue
		}
		items = append(items, it)
	}
	return items, nil
}

// MarkInFlight records that a drain is delivering the item. A timeout that
// aborts the delivery returns the item to its pre-attempt state via Fail.
func (q *Queue) MarkInFlight(ctx context.Context, id string) error {
	return q.mutate(ctx, id, func(it *Item) error {
		it.Status = StatusInFlight
		return nil
	})
}

// Ack transitions an item to done and removes it from the queue.
func (q *Queue) Ack(ctx context.Context, id string) error {
	q.indexMu.RLock()
	key, ok := q.index[id]
	q.indexMu.RUnlock()
	if !ok {
		return errors.ErrItemNotFound
	}

	tag := strings.SplitN(key, "/", 2)[0]
	lock := q.tagLock(tag)
	lock.Lock()
	defer lock.Unlock()

	if err := q.backend.Delete(ctx, storage.NamespaceQueue, key); err != nil {
		return errors.WrapTransient(err, "queue", "Ack", "remove item")
	}

	q.indexMu.Lock()
	delete(q.index, id)
	q.indexMu.Unlock()

	if q.metrics != nil {
		q.metrics.ItemsDelivered.WithLabelValues(tag).Inc()
	}
	q.notifyDepth(ctx, tag)
	return nil
}

// Fail records a delivery failure: attempts increments, the error is
// recorded, and the item either re-queues as failed with a backoff window
// or moves to the dead-letter namespace. Permanent rejections skip the
// budget and dead-letter immediately.
func (q *Queue) Fail(ctx context.Context, id string, deliveryErr error) error {
	q.indexMu.RLock()
	key, ok := q.index[id]
	q.indexMu.RUnlock()
	if !ok {
		return errors.ErrItemNotFound
	}

	tag := strings.SplitN(key, "/", 2)[0]
	lock := q.tagLock(tag)
	lock.Lock()
	defer lock.Unlock()

	stored, err := q.backend.Get(ctx, storage.NamespaceQueue, key)
	if err != nil {
		return errors.ErrItemNotFound
	}
	it, err := decodeItem(stored.Value)
	if err != nil {
		q.logger.Warn("dropping corrupt queue item", "key", key, "error", err)
		_ = q.backend.Delete(ctx, storage.NamespaceQueue, key)
		return err
	}

	it.Attempts++
	if deliveryErr != nil {
		it.LastError = deliveryErr.Error()
	}

	policy := q.policy(tag)
	exhausted := it.Attempts >= policy.MaxAttempts
	permanent := errors.IsPermanent(deliveryErr)

	if permanent || exhausted {
		return q.deadLetterLocked(ctx, key, it)
	}

	it.Status = StatusFailed
	it.NotBefore = time.Now().Add(policy.Backoff.Delay(it.Attempts - 1))
	data, err := encodeItem(it)
	if err != nil {
		return err
	}
	if _, err := q.backend.Put(ctx, storage.NamespaceQueue, key, data); err != nil {
		return errors.WrapTransient(err, "queue", "Fail", "persist failure")
	}
	return nil
}

// deadLetterLocked archives an item in the dead-letter namespace. Caller
// holds the tag lock.
func (q *Queue) deadLetterLocked(ctx context.Context, key string, it *Item) error {
	it.Status = StatusDeadLetter
	data, err := encodeItem(it)
	if err != nil {
		return err
	}

	if _, err := q.backend.Put(ctx, storage.NamespaceDeadLetter, key, data); err != nil {
		return errors.WrapTransient(err, "queue", "deadLetter", "archive item")
	}
	if err := q.backend.Delete(ctx, storage.NamespaceQueue, key); err != nil {
		return errors.WrapTransient(err, "queue", "deadLetter", "remove from queue")
	}

	q.indexMu.Lock()
	delete(q.index, it.ID)
	q.indexMu.Unlock()

	q.logger.Warn("item moved to dead-letter",
		"id", it.ID, "tag", it.Tag, "attempts", it.Attempts, "last_error", it.LastError)
	if q.metrics != nil {
		q.metrics.ItemsDead.WithLabelValues(it.Tag).Inc()
	}
	q.notifyDepth(ctx, it.Tag)
	if q.cfg.OnDeadLetter != nil {
		q.cfg.OnDeadLetter(it)
	}
	return nil
}

// DeadLetters returns the archived items for a tag in CreatedAt order.
func (q *Queue) DeadLetters(ctx context.Context, tag string) ([]*Item, error) {
	keys, err := q.backend.ListKeys(ctx, storage.NamespaceDeadLetter)
	if err != nil {
		return nil, errors.WrapTransient(err, "queue", "DeadLetters", "list keys")
	}

	prefix := tag + "/"
	var matched []string
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			matched = append(matched, k)
		}
	}
	sort.Strings(matched)

	items := make([]*Item, 0, len(matched))
	for _, key := range matched {
		stored, err := q.backend.Get(ctx, storage.NamespaceDeadLetter, key)
		if err != nil {
			continue
		}
		it, err := decodeItem(stored.Value)
		if err != nil {
			q.logger.Warn("dropping corrupt dead-letter item", "key", key, "error", err)
			_ = q.backend.Delete(ctx, storage.NamespaceDeadLetter, key)
			continue
		}
		items = append(items, it)
	}
	return items, nil
}

// Replay re-enqueues a tag's dead-letter items as fresh mutations with new
// IDs and a clean retry budget, referencing the originals via ReplayOf. The
// originals are removed from the archive. Returns the new item IDs.
func (q *Queue) Replay(ctx context.Context, tag string) ([]string, error) {
	dead, err := q.DeadLetters(ctx, tag)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(dead))
	for _, old := range dead {
		lock := q.tagLock(tag)
		lock.Lock()

		id := uuid.NewString()
		it := &Item{
			ID:             id,
			Tag:            tag,
			Payload:        old.Payload,
			IdempotencyKey: old.IdempotencyKey, // same key: replay must not duplicate the effect
			CreatedAt:      time.Now(),
			Status:         StatusPending,
			ReplayOf:       old.ID,
		}
		key := storageKey(tag, it.CreatedAt, id)
		data, encErr := encodeItem(it)
		if encErr != nil {
			lock.Unlock()
			return ids, encErr
		}
		if _, err := q.backend.Put(ctx, storage.NamespaceQueue, key, data); err != nil {
			lock.Unlock()
			return ids, errors.WrapTransient(err, "queue", "Replay", "persist replay")
		}
		oldKey := storageKey(tag, old.CreatedAt, old.ID)
		_ = q.backend.Delete(ctx, storage.NamespaceDeadLetter, oldKey)

		q.indexMu.Lock()
		q.index[id] = key
		q.indexMu.Unlock()

		lock.Unlock()
		ids = append(ids, id)
	}

	if len(ids) > 0 {
		q.notifyDepth(ctx, tag)
	}
	return ids, nil
}

// Depth returns the number of live (pending, failed, in-flight) items for a
// tag.
func (q *Queue) Depth(ctx context.Context, tag string) (int, error) {
	keys, err := q.backend.ListKeys(ctx, storage.NamespaceQueue)
	if err != nil {
		return 0, errors.WrapTransient(err, "queue", "Depth", "list keys")
	}
	prefix := tag + "/"
	count := 0
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) {
			count++
		}
	}
	return count, nil
}

// DeadLetterTags returns every tag with at least one archived item.
func (q *Queue) DeadLetterTags(ctx context.Context) ([]string, error) {
	keys, err := q.backend.ListKeys(ctx, storage.NamespaceDeadLetter)
	if err != nil {
		return nil, errors.WrapTransient(err, "queue", "DeadLetterTags", "list keys")
	}

	seen := make(map[string]struct{})
	var tags []string
	for _, k := range keys {
		tag := strings.SplitN(k, "/", 2)[0]
		if _, ok := seen[tag]; !ok {
			seen[tag] = struct{}{}
			tags = append(tags, tag)
		}
	}
	sort.Strings(tags)
	return tags, nil
}

// Tags returns every tag with at least one live item.
func (q *Queue) Tags(ctx context.Context) ([]string, error) {
	keys, err := q.backend.ListKeys(ctx, storage.NamespaceQueue)
	if err != nil {
		return nil, errors.WrapTransient(err, "queue", "Tags", "list keys")
	}

	seen := make(map[string]struct{})
	var tags []string
	for _, k := range keys {
		tag := strings.SplitN(k, "/", 2)[0]
		if _, ok := seen[tag]; !ok {
			seen[tag] = struct{}{}
			tags = append(tags, tag)
		}
	}
	sort.Strings(tags)
	return tags, nil
}

// mutate applies fn to one item under its tag lock and persists the result.
func (q *Queue) mutate(ctx context.Context, id string, fn func(*Item) error) error {
	q.indexMu.RLock()
	key, ok := q.index[id]
	q.indexMu.RUnlock()
	if !ok {
		return errors.ErrItemNotFound
	}

	tag := strings.SplitN(key, "/", 2)[0]
	lock := q.tagLock(tag)
	lock.Lock()
	defer lock.Unlock()

	stored, err := q.backend.Get(ctx, storage.NamespaceQueue, key)
	if err != nil {
		return errors.ErrItemNotFound
	}
	it, err := decodeItem(stored.Value)
	if err != nil {
		return err
	}
	if err := fn(it); err != nil {
		return err
	}
	data, err := encodeItem(it)
	if err != nil {
		return err
	}
	if _, err := q.backend.Put(ctx, storage.NamespaceQueue, key, data); err != nil {
		return errors.WrapTransient(err, "queue", "mutate", "persist item")
	}
	return nil
}

func (q *Queue) notifyDepth(ctx context.Context, tag string) {
	depth, err := q.Depth(ctx, tag)
	if err != nil {
		return
	}
	if q.metrics != nil {
		q.metrics.QueueDepth.WithLabelValues(tag).Set(float64(depth))
	}
	if q.cfg.OnDepthChange != nil {
		q.cfg.OnDepthChange(tag, depth)
	}
}
