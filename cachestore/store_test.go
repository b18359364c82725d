package cachestore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/syncengine/errors"
	"github.com/c360/syncengine/storage"
	"github.com/c360/syncengine/storage/memstore"
)

func newTestStore(t *testing.T, cfg Config) (*Store, *memstore.Store) {
	t.Helper()
	backend := memstore.New()
	t.Cleanup(func() { _ = backend.Close() })
	return New(backend, cfg, nil, nil), backend
}

func entry(key, tag string, ttl time.Duration) *Entry {
	e := &Entry{
		Key:       key,
		Status:    200,
		Body:      []byte("body-" + key),
		StoredAt:  time.Now(),
		PolicyTag: tag,
	}
	if ttl > 0 {
		e.ExpiresAt = time.Now().Add(ttl)
	}
	return e
}

func TestPutGet(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, Config{Generation: 1})

	require.NoError(t, s.Put(ctx, "k", entry("k", "api", time.Minute)))

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("body-k"), got.Body)
	assert.Greater(t, got.Version, uint64(0))
	assert.Equal(t, 1, s.Size())
}

func TestGet_Missing(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, Config{Generation: 1})

	_, err := s.Get(ctx, "absent")
	assert.ErrorIs(t, err, errors.ErrKeyNotFound)
}

func TestGet_ExpiredEntryRemoved(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, Config{Generation: 1})

	e := entry("k", "api", 0)
	e.ExpiresAt = time.Now().Add(-time.Second)
	require.NoError(t, s.Put(ctx, "k", e))

	_, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, errors.ErrKeyNotFound)
	assert.Equal(t, 0, s.Size())
}

func TestGetStale_ReturnsExpired(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, Config{Generation: 1})

	e := entry("k", "api", 0)
	e.ExpiresAt = time.Now().Add(-time.Second)
	require.NoError(t, s.Put(ctx, "k", e))

	got, err := s.GetStale(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("body-k"), got.Body)
}

func TestPut_OptimisticVersioning(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, Config{Generation: 1})

	require.NoError(t, s.Put(ctx, "k", entry("k", "api", time.Minute)))

	reader1, err := s.Get(ctx, "k")
	require.NoError(t, err)

	// First writer updates based on its read
	update1 := *reader1
	update1.Body = []byte("fresh")
	require.NoError(t, s.Put(ctx, "k", &update1))

	// Second writer still holds the old version; its write must be rejected
	update2 := *reader1
	update2.Body = []byte("stale network result")
	err = s.Put(ctx, "k", &update2)
	assert.ErrorIs(t, err, errors.ErrVersionConflict)

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("fresh"), got.Body)
}

func TestPut_FreshWriteOnExistingKeyConflicts(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, Config{Generation: 1})

	require.NoError(t, s.Put(ctx, "k", entry("k", "api", time.Minute)))

	// A Version-0 write against an existing key is a conflict, not an overwrite
	err := s.Put(ctx, "k", entry("k", "api", time.Minute))
	assert.ErrorIs(t, err, errors.ErrVersionConflict)
}

func TestGenerationIsolation(t *testing.T) {
	ctx := context.Background()
	backend := memstore.New()
	defer backend.Close()

	gen1 := New(backend, Config{Generation: 1}, nil, nil)
	gen2 := New(backend, Config{Generation: 2}, nil, nil)

	require.NoError(t, gen1.Put(ctx, "k", entry("k", "api", time.Minute)))

	_, err := gen2.Get(ctx, "k")
	assert.ErrorIs(t, err, errors.ErrKeyNotFound)
}

func TestQuotaEviction_SameTag(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, Config{Generation: 1, MaxEntries: 2})

	require.NoError(t, s.Put(ctx, "a", entry("a", "api", time.Minute)))
	require.NoError(t, s.Put(ctx, "b", entry("b", "api", time.Minute)))
	require.NoError(t, s.Put(ctx, "c", entry("c", "api", time.Minute)))

	// Oldest same-tag entry was evicted to make room
	assert.Equal(t, 2, s.Size())
	_, err := s.Get(ctx, "a")
	assert.ErrorIs(t, err, errors.ErrKeyNotFound)

	got, err := s.Get(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, []byte("body-c"), got.Body)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, Config{Generation: 1})

	require.NoError(t, s.Put(ctx, "k", entry("k", "api", time.Minute)))
	require.NoError(t, s.Delete(ctx, "k"))

	_, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, errors.ErrKeyNotFound)
}

func TestCorruptEntryDroppedAsMiss(t *testing.T) {
	ctx := context.Background()
	s, backend := newTestStore(t, Config{Generation: 1})

	_, err := backend.Put(ctx, storage.NamespaceCache, "g1/bad", []byte("{not json"))
	require.NoError(t, err)

	_, err = s.Get(ctx, "bad")
	assert.ErrorIs(t, err, errors.ErrKeyNotFound)

	// The corrupt record is gone from the backend
	_, err = backend.Get(ctx, storage.NamespaceCache, "g1/bad")
	assert.ErrorIs(t, err, errors.ErrKeyNotFound)
}

func TestPrune_ByAge(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t, Config{Generation: 1})

	old := entry("old", "api", time.Hour)
	old.StoredAt = time.Now().Add(-2 * time.Hour)
	require.NoError(t, s.Put(ctx, "old", old))
	require.NoError(t, s.Put(ctx, "new", entry("new", "api", time.Hour)))

	removed, err := s.Prune(ctx, time.Hour, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = s.Get(ctx, "old")
	assert.ErrorIs(t, err, errors.ErrKeyNotFound)
	_, err = s.Get(ctx, "new")
	assert.NoError(t, err)
}

func TestLoad_CountsExistingEntries(t *testing.T) {
	ctx := context.Background()
	backend := memstore.New()
	defer backend.Close()

	first := New(backend, Config{Generation: 1}, nil, nil)
	require.NoError(t, first.Put(ctx, "a", entry("a", "api", time.Minute)))
	require.NoError(t, first.Put(ctx, "b", entry("b", "api", time.Minute)))

	reopened := New(backend, Config{Generation: 1}, nil, nil)
	require.NoError(t, reopened.Load(ctx))
	assert.Equal(t, 2, reopened.Size())
}
