package badgerstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/syncengine/errors"
	"github.com/c360/syncengine/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	rev, err := s.Put(ctx, storage.NamespaceQueue, "item-1", []byte(`{"tag":"orders"}`))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rev)

	entry, err := s.Get(ctx, storage.NamespaceQueue, "item-1")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"tag":"orders"}`), entry.Value)
	assert.Equal(t, uint64(1), entry.Revision)
}

func TestPut_IncrementsRevision(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	rev1, err := s.Put(ctx, storage.NamespaceCache, "k", []byte("v1"))
	require.NoError(t, err)
	rev2, err := s.Put(ctx, storage.NamespaceCache, "k", []byte("v2"))
	require.NoError(t, err)
	assert.Equal(t, rev1+1, rev2)
}

func TestUpdate_RejectsStaleRevision(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	rev, err := s.Put(ctx, storage.NamespaceCache, "k", []byte("v1"))
	require.NoError(t, err)

	_, err = s.Update(ctx, storage.NamespaceCache, "k", []byte("v2"), rev)
	require.NoError(t, err)

	_, err = s.Update(ctx, storage.NamespaceCache, "k", []byte("v3"), rev)
	assert.ErrorIs(t, err, errors.ErrVersionConflict)
}

func TestUpdate_CreateOnlyWhenAbsent(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	rev, err := s.Update(ctx, storage.NamespaceQueue, "fresh", []byte("v"), 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rev)

	_, err = s.Update(ctx, storage.NamespaceQueue, "missing", []byte("v"), 3)
	assert.ErrorIs(t, err, errors.ErrKeyNotFound)
}

func TestListKeys_NamespacePrefix(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.Put(ctx, storage.NamespaceQueue, "b", []byte("1"))
	require.NoError(t, err)
	_, err = s.Put(ctx, storage.NamespaceQueue, "a", []byte("2"))
	require.NoError(t, err)
	_, err = s.Put(ctx, storage.NamespaceCache, "c", []byte("3"))
	require.NoError(t, err)

	keys, err := s.ListKeys(ctx, storage.NamespaceQueue)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, keys)
}

func TestDelete_Idempotent(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.Put(ctx, storage.NamespaceCache, "k", []byte("v"))
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, storage.NamespaceCache, "k"))
	require.NoError(t, s.Delete(ctx, storage.NamespaceCache, "k"))

	_, err = s.Get(ctx, storage.NamespaceCache, "k")
	assert.ErrorIs(t, err, errors.ErrKeyNotFound)
}

func TestOpen_PersistentRequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestPersistenceAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(Config{Path: dir, SyncWrites: true})
	require.NoError(t, err)
	_, err = s.Put(ctx, storage.NamespaceQueue, "survivor", []byte("payload"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := Open(Config{Path: dir, SyncWrites: true})
	require.NoError(t, err)
	defer s2.Close()

	entry, err := s2.Get(ctx, storage.NamespaceQueue, "survivor")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), entry.Value)
}
