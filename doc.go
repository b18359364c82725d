// Package syncengine provides an offline-first synchronization engine:
// policy-driven request routing through a durable response cache, a durable
// retryable mutation queue, a sync scheduler, pluggable conflict resolution,
// and generational lifecycle management for zero-downtime updates.
//
// # Architecture
//
// The engine sits between an application and its remote endpoint. Reads are
// intercepted and served per-resource policy; writes are queued durably and
// drained when connectivity allows.
//
//	┌─────────────────────────────────────┐
//	│            Engine                   │  explicit context object,
//	│  (intercept, onTrigger, message)    │  no global state
//	└─────────────────────────────────────┘
//	      ↓ reads                ↓ writes
//	┌──────────────┐      ┌──────────────┐
//	│   Router     │      │   Queue      │  durable, per-tag FIFO,
//	│ (classifier +│      │ (idempotency │  attempts-only-increment
//	│  cache store)│      │  keys, dead- │
//	└──────┬───────┘      │  letter)     │
//	       │              └──────┬───────┘
//	       │                     ↓ drains
//	       │              ┌──────────────┐
//	       │              │  Scheduler   │  one drain per tag,
//	       │              │ (+ resolver) │  concurrent across tags
//	       │              └──────┬───────┘
//	       ↓                     ↓
//	┌─────────────────────────────────────┐
//	│        storage.Store                │  memstore | badger | natskv
//	│ (namespaced durable KV, CAS)        │
//	└─────────────────────────────────────┘
//
// During an update two generations may coexist; only the Active generation's
// router serves intercepts. The lifecycle controller drives promotion per
// the configured update policy and takeover mode.
//
// # Packages
//
// Core:
//   - engine: composition root, control channel, status reporting
//   - router: routing policies (cache-first, network-first,
//     stale-while-revalidate, cache-only, network-only)
//   - classify: resource matcher rules, most-specific-match classification
//   - cachestore: versioned generation-scoped response cache
//   - queue: durable mutation queue with backoff and dead-letter
//   - scheduler: drain triggers, per-tag serialization, reconciliation
//   - resolver: last-write-wins, field merge, operational transform, CRDT
//   - lifecycle: generation state machine, update/takeover policies
//
// Persistence:
//   - storage: namespaced durable Store contract with CAS revisions
//   - storage/memstore, storage/badgerstore, storage/natskv
//
// Infrastructure:
//   - errors: classified error taxonomy
//   - config: JSON configuration and validation
//   - metric: Prometheus metrics
//   - pkg/retry, pkg/worker, pkg/cache: retry policies, worker pools, LRU
//
// # Usage
//
// Embedding the engine in a host application:
//
//	store, _ := badgerstore.Open(badgerstore.DefaultConfig("/var/lib/app"))
//	eng, _ := engine.New(engine.Options{
//	    Config:    cfg,
//	    Store:     store,
//	    Fetcher:   fetcher,   // outbound reads
//	    Transport: transport, // mutation delivery
//	})
//	eng.Resolver().Register("order", resolver.FieldMerge{})
//	eng.Start(ctx)
//
//	// Reads go through the active generation's router.
//	resp, err := eng.Intercept(ctx, req)
//
//	// Writes are durable immediately and drain on triggers.
//	id, err := eng.EnqueueMutation(ctx, "orders", payload)
//	eng.OnTrigger(ctx, "") // connectivity restored
//
// # Binary
//
// cmd/syncengine runs the engine as a standalone daemon with an HTTP
// fetcher and transport:
//
//	syncengine --config configs/example.json
//	syncengine --validate --config configs/example.json
package syncengine
