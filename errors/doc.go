// Package errors provides standardized error handling patterns for the sync
// engine.
//
// # Overview
//
// The errors package implements a five-class error taxonomy for offline-first
// synchronization: Transient (temporary, retryable), Permanent (rejected,
// never retried), Quota (storage pressure, evict-then-retry-once),
// Serialization (corrupt persisted data, drop and log), and Unresolvable
// (conflicts escalated to the application).
//
// The taxonomy drives every retry decision in the engine: the mutation queue
// re-queues transient failures with exponential backoff, moves permanent
// rejections straight to the dead-letter archive, and the cache store turns
// quota errors into LRU eviction before degrading a single operation to
// network-only.
//
// The classification system integrates with Go's standard error handling,
// supporting errors.Is(), errors.As(), and error wrapping chains.
//
// # Quick Start
//
// Use standard error variables for known conditions:
//
//	if entry == nil {
//	    return errors.ErrOfflineMiss
//	}
//
// Wrap errors with classification and component context:
//
//	if err := store.Put(ctx, key, data); err != nil {
//	    return errors.WrapTransient(err, "cachestore", "Put", "persist entry")
//	}
//
// Check classification at decision points:
//
//	if errors.IsPermanent(err) {
//	    return q.deadLetter(ctx, item, err)
//	}
package errors
