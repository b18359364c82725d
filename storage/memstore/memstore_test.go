package memstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/syncengine/errors"
	"github.com/c360/syncengine/storage"
)

func TestPutGet(t *testing.T) {
	ctx := context.Background()
	s := New()
	defer s.Close()

	rev, err := s.Put(ctx, storage.NamespaceCache, "a", []byte("hello"))
	require.NoError(t, err)
	assert.Greater(t, rev, uint64(0))

	entry, err := s.Get(ctx, storage.NamespaceCache, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), entry.Value)
	assert.Equal(t, rev, entry.Revision)
}

func TestGet_Missing(t *testing.T) {
	s := New()
	defer s.Close()

	_, err := s.Get(context.Background(), storage.NamespaceCache, "absent")
	assert.ErrorIs(t, err, errors.ErrKeyNotFound)
}

func TestNamespaceIsolation(t *testing.T) {
	ctx := context.Background()
	s := New()
	defer s.Close()

	_, err := s.Put(ctx, storage.NamespaceCache, "k", []byte("cache"))
	require.NoError(t, err)
	_, err = s.Put(ctx, storage.NamespaceQueue, "k", []byte("queue"))
	require.NoError(t, err)

	cacheEntry, err := s.Get(ctx, storage.NamespaceCache, "k")
	require.NoError(t, err)
	queueEntry, err := s.Get(ctx, storage.NamespaceQueue, "k")
	require.NoError(t, err)

	assert.Equal(t, []byte("cache"), cacheEntry.Value)
	assert.Equal(t, []byte("queue"), queueEntry.Value)
}

func TestUpdate_CAS(t *testing.T) {
	ctx := context.Background()
	s := New()
	defer s.Close()

	rev, err := s.Put(ctx, storage.NamespaceCache, "k", []byte("v1"))
	require.NoError(t, err)

	// Update at the observed revision succeeds
	rev2, err := s.Update(ctx, storage.NamespaceCache, "k", []byte("v2"), rev)
	require.NoError(t, err)
	assert.Greater(t, rev2, rev)

	// Update at the stale revision is rejected
	_, err = s.Update(ctx, storage.NamespaceCache, "k", []byte("v3"), rev)
	assert.ErrorIs(t, err, errors.ErrVersionConflict)
}

func TestUpdate_CreateIfAbsent(t *testing.T) {
	ctx := context.Background()
	s := New()
	defer s.Close()

	rev, err := s.Update(ctx, storage.NamespaceQueue, "new", []byte("v"), 0)
	require.NoError(t, err)
	assert.Greater(t, rev, uint64(0))

	_, err = s.Update(ctx, storage.NamespaceQueue, "missing", []byte("v"), 7)
	assert.ErrorIs(t, err, errors.ErrKeyNotFound)
}

func TestDelete_Idempotent(t *testing.T) {
	ctx := context.Background()
	s := New()
	defer s.Close()

	_, err := s.Put(ctx, storage.NamespaceCache, "k", []byte("v"))
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, storage.NamespaceCache, "k"))
	require.NoError(t, s.Delete(ctx, storage.NamespaceCache, "k"))

	_, err = s.Get(ctx, storage.NamespaceCache, "k")
	assert.ErrorIs(t, err, errors.ErrKeyNotFound)
}

func TestListKeys_Sorted(t *testing.T) {
	ctx := context.Background()
	s := New()
	defer s.Close()

	for _, k := range []string{"c", "a", "b"} {
		_, err := s.Put(ctx, storage.NamespaceQueue, k, []byte(k))
		require.NoError(t, err)
	}

	keys, err := s.ListKeys(ctx, storage.NamespaceQueue)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, keys)

	empty, err := s.ListKeys(ctx, "unused")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestGet_ReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := New()
	defer s.Close()

	_, err := s.Put(ctx, storage.NamespaceCache, "k", []byte("abc"))
	require.NoError(t, err)

	entry, err := s.Get(ctx, storage.NamespaceCache, "k")
	require.NoError(t, err)
	entry.Value[0] = 'x'

	again, err := s.Get(ctx, storage.NamespaceCache, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), again.Value)
}

func TestClosedStoreFails(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.Close())

	_, err := s.Put(ctx, storage.NamespaceCache, "k", []byte("v"))
	assert.ErrorIs(t, err, errors.ErrShuttingDown)
}
