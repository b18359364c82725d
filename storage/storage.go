// Package storage provides the namespaced durable store contract shared by
// the cache store and mutation queue.
package storage

import "context"

// Namespaces used by the engine. Each component owns its namespace
// exclusively; cross-namespace keys never collide.
const (
	NamespaceCache      = "cache"
	NamespaceQueue      = "queue"
	NamespaceDeadLetter = "deadletter"
	NamespaceLifecycle  = "lifecycle"
)

// Entry is a stored value together with the revision observed at read time.
// The revision feeds compare-and-swap updates: a writer that read revision N
// may only replace the value while it is still at revision N.
type Entry struct {
	Key      string
	Value    []byte
	Revision uint64
}

// Store is the pluggable durable backend interface.
//
// Keys are strings scoped by namespace, values are opaque binary data.
// Implementations must survive process restarts (memstore excepted, which
// exists for tests and explicitly ephemeral deployments) and must be safe
// for concurrent use from multiple goroutines.
//
// Implementations:
//   - memstore.Store: in-memory map, revision counter per key
//   - badgerstore.Store: embedded BadgerDB, no external process required
//   - natskv.Store: NATS JetStream KV bucket per namespace, native revisions
type Store interface {
	// Get retrieves the entry for a key, including its current revision.
	// Returns errors.ErrKeyNotFound if the key does not exist.
	Get(ctx context.Context, namespace, key string) (*Entry, error)

	// Put creates or replaces a value unconditionally (last writer wins)
	// and returns the new revision.
	Put(ctx context.Context, namespace, key string, value []byte) (uint64, error)

	// Update replaces a value only if the key is still at the given
	// revision. Returns errors.ErrVersionConflict if the revision has
	// advanced, and the new revision on success.
	Update(ctx context.Context, namespace, key string, value []byte, revision uint64) (uint64, error)

	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, namespace, key string) error

	// ListKeys returns all keys in a namespace in lexicographic order.
	ListKeys(ctx context.Context, namespace string) ([]string, error)

	// Close releases backend resources.
	Close() error
}
