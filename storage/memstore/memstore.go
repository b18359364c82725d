// Package memstore provides an in-memory implementation of the storage.Store
// contract. It is used by tests and by deployments that explicitly opt out
// of durability.
package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/c360/syncengine/errors"
	"github.com/c360/syncengine/storage"
)

type record struct {
	value    []byte
	revision uint64
}

// Store is a goroutine-safe in-memory storage backend.
type Store struct {
	mu     sync.RWMutex
	data   map[string]map[string]*record // namespace -> key -> record
	nextRev uint64
	closed bool
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		data: make(map[string]map[string]*record),
	}
}

var _ storage.Store = (*Store)(nil)

// Get retrieves the entry for a key.
func (s *Store) Get(_ context.Context, namespace, key string) (*storage.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, errors.ErrShuttingDown
	}
	rec, ok := s.data[namespace][key]
	if !ok {
		return nil, errors.ErrKeyNotFound
	}
	value := make([]byte, len(rec.value))
	copy(value, rec.value)
	return &storage.Entry{Key: key, Value: value, Revision: rec.revision}, nil
}

// Put creates or replaces a value unconditionally.
func (s *Store) Put(_ context.Context, namespace, key string, value []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, errors.ErrShuttingDown
	}
	return s.putLocked(namespace, key, value), nil
}

// Update replaces a value only if it is still at the given revision.
func (s *Store) Update(_ context.Context, namespace, key string, value []byte, revision uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, errors.ErrShuttingDown
	}
	rec, ok := s.data[namespace][key]
	if !ok {
		// Revision 0 means "create if absent"
		if revision == 0 {
			return s.putLocked(namespace, key, value), nil
		}
		return 0, errors.ErrKeyNotFound
	}
	if rec.revision != revision {
		return 0, errors.ErrVersionConflict
	}
	return s.putLocked(namespace, key, value), nil
}

func (s *Store) putLocked(namespace, key string, value []byte) uint64 {
	ns, ok := s.data[namespace]
	if !ok {
		ns = make(map[string]*record)
		s.data[namespace] = ns
	}
	s.nextRev++
	stored := make([]byte, len(value))
	copy(stored, value)
	ns[key] = &record{value: stored, revision: s.nextRev}
	return s.nextRev
}

// Delete removes a key. Absent keys are a no-op.
func (s *Store) Delete(_ context.Context, namespace, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.ErrShuttingDown
	}
	delete(s.data[namespace], key)
	return nil
}

// ListKeys returns all keys in a namespace in lexicographic order.
func (s *Store) ListKeys(_ context.Context, namespace string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, errors.ErrShuttingDown
	}
	ns := s.data[namespace]
	keys := make([]string, 0, len(ns))
	for k := range ns {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Close marks the store closed; subsequent operations fail.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
