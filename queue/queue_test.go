package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/syncengine/errors"
	"github.com/c360/syncengine/pkg/retry"
	"github.com/c360/syncengine/storage/memstore"
)

func fastPolicy(maxAttempts int) TagPolicy {
	return TagPolicy{
		MaxAttempts: maxAttempts,
		Backoff: retry.Config{
			InitialDelay: time.Millisecond,
			MaxDelay:     10 * time.Millisecond,
			Multiplier:   2.0,
		},
	}
}

func newTestQueue(t *testing.T, cfg Config) (*Queue, *memstore.Store) {
	t.Helper()
	backend := memstore.New()
	t.Cleanup(func() { _ = backend.Close() })
	return New(backend, cfg, nil, nil), backend
}

func TestEnqueue_DurableAndOrdered(t *testing.T) {
	ctx := context.Background()
	q, backend := newTestQueue(t, Config{})

	id1, err := q.Enqueue(ctx, "orders", []byte(`{"op":"create"}`))
	require.NoError(t, err)
	id2, err := q.Enqueue(ctx, "orders", []byte(`{"op":"update"}`))
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	// Items survive a restart: a fresh queue over the same backend sees them
	q2 := New(backend, Config{}, nil, nil)
	require.NoError(t, q2.Load(ctx))

	batch, err := q2.DequeueBatch(ctx, "orders")
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, id1, batch[0].ID)
	assert.Equal(t, id2, batch[1].ID)
	assert.True(t, batch[0].CreatedAt.Before(batch[1].CreatedAt) ||
		batch[0].CreatedAt.Equal(batch[1].CreatedAt))
}

func TestEnqueue_EmptyTagRejected(t *testing.T) {
	q, _ := newTestQueue(t, Config{})
	_, err := q.Enqueue(context.Background(), "", []byte("x"))
	assert.Error(t, err)
}

func TestIdempotencyKey_StableAcrossRetries(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, Config{Policies: map[string]TagPolicy{"orders": fastPolicy(3)}})

	id, err := q.Enqueue(ctx, "orders", []byte("x"))
	require.NoError(t, err)

	batch, err := q.DequeueBatch(ctx, "orders")
	require.NoError(t, err)
	keyBefore := batch[0].IdempotencyKey

	require.NoError(t, q.Fail(ctx, id, errors.ErrNetworkTimeout))
	time.Sleep(5 * time.Millisecond)

	batch, err = q.DequeueBatch(ctx, "orders")
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, keyBefore, batch[0].IdempotencyKey)
	assert.Equal(t, 1, batch[0].Attempts)
}

func TestAck_RemovesItem(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, Config{})

	id, err := q.Enqueue(ctx, "orders", []byte("x"))
	require.NoError(t, err)
	require.NoError(t, q.Ack(ctx, id))

	depth, err := q.Depth(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, 0, depth)

	assert.ErrorIs(t, q.Ack(ctx, id), errors.ErrItemNotFound)
}

func TestFail_BackoffThenEligible(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, Config{Policies: map[string]TagPolicy{"orders": {
		MaxAttempts: 3,
		Backoff: retry.Config{
			InitialDelay: 50 * time.Millisecond,
			MaxDelay:     time.Second,
			Multiplier:   2.0,
		},
	}}})

	id, err := q.Enqueue(ctx, "orders", []byte("x"))
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, id, errors.ErrNetworkTimeout))

	// Inside the backoff window the item is not eligible
	batch, err := q.DequeueBatch(ctx, "orders")
	require.NoError(t, err)
	assert.Empty(t, batch)

	// After the window it reappears with the attempt recorded
	require.Eventually(t, func() bool {
		batch, err := q.DequeueBatch(ctx, "orders")
		return err == nil && len(batch) == 1
	}, time.Second, 10*time.Millisecond)

	batch, err = q.DequeueBatch(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, 1, batch[0].Attempts)
	assert.Contains(t, batch[0].LastError, "timed out")
}

func TestFail_ExhaustionDeadLetters(t *testing.T) {
	ctx := context.Background()
	var dead []*Item
	q, _ := newTestQueue(t, Config{
		Policies:     map[string]TagPolicy{"orders": fastPolicy(2)},
		OnDeadLetter: func(it *Item) { dead = append(dead, it) },
	})

	id, err := q.Enqueue(ctx, "orders", []byte("x"))
	require.NoError(t, err)

	require.NoError(t, q.Fail(ctx, id, errors.ErrNetworkTimeout))
	require.NoError(t, q.Fail(ctx, id, errors.ErrNetworkTimeout))

	depth, err := q.Depth(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, 0, depth)

	letters, err := q.DeadLetters(ctx, "orders")
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, StatusDeadLetter, letters[0].Status)
	assert.Equal(t, 2, letters[0].Attempts)

	require.Len(t, dead, 1)
	assert.Equal(t, id, dead[0].ID)
}

func TestFail_PermanentRejectionSkipsBudget(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, Config{Policies: map[string]TagPolicy{"orders": fastPolicy(5)}})

	id, err := q.Enqueue(ctx, "orders", []byte("x"))
	require.NoError(t, err)

	rejection := errors.WrapPermanent(errors.ErrRemoteRejected, "transport", "Do", "validation")
	require.NoError(t, q.Fail(ctx, id, rejection))

	letters, err := q.DeadLetters(ctx, "orders")
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, 1, letters[0].Attempts)
}

func TestReplay_FreshIDSameIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, Config{Policies: map[string]TagPolicy{"orders": fastPolicy(1)}})

	id, err := q.Enqueue(ctx, "orders", []byte("x"))
	require.NoError(t, err)
	require.NoError(t, q.Fail(ctx, id, errors.ErrNetworkTimeout))

	letters, err := q.DeadLetters(ctx, "orders")
	require.NoError(t, err)
	require.Len(t, letters, 1)
	originalKey := letters[0].IdempotencyKey

	ids, err := q.Replay(ctx, "orders")
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.NotEqual(t, id, ids[0])

	// Archive is empty, queue has the replay
	letters, err = q.DeadLetters(ctx, "orders")
	require.NoError(t, err)
	assert.Empty(t, letters)

	batch, err := q.DequeueBatch(ctx, "orders")
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, id, batch[0].ReplayOf)
	assert.Equal(t, 0, batch[0].Attempts)
	assert.Equal(t, originalKey, batch[0].IdempotencyKey)
}

func TestLoad_ResetsInFlight(t *testing.T) {
	ctx := context.Background()
	q, backend := newTestQueue(t, Config{})

	id, err := q.Enqueue(ctx, "orders", []byte("x"))
	require.NoError(t, err)
	require.NoError(t, q.MarkInFlight(ctx, id))

	// Simulated crash: a fresh queue recovers the item as pending
	q2 := New(backend, Config{}, nil, nil)
	require.NoError(t, q2.Load(ctx))

	batch, err := q2.DequeueBatch(ctx, "orders")
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, StatusPending, batch[0].Status)
	assert.Equal(t, 0, batch[0].Attempts)
}

func TestDepthNotifications(t *testing.T) {
	ctx := context.Background()
	var depths []int
	q, _ := newTestQueue(t, Config{
		OnDepthChange: func(_ string, depth int) { depths = append(depths, depth) },
	})

	id, err := q.Enqueue(ctx, "orders", []byte("x"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "orders", []byte("y"))
	require.NoError(t, err)
	require.NoError(t, q.Ack(ctx, id))

	assert.Equal(t, []int{1, 2, 1}, depths)
}

func TestTags(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t, Config{})

	_, err := q.Enqueue(ctx, "orders", []byte("x"))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "profile", []byte("y"))
	require.NoError(t, err)

	tags, err := q.Tags(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"orders", "profile"}, tags)
}

func TestCorruptItemDroppedOnLoad(t *testing.T) {
	ctx := context.Background()
	q, backend := newTestQueue(t, Config{})

	_, err := q.Enqueue(ctx, "orders", []byte("x"))
	require.NoError(t, err)
	_, err = backend.Put(ctx, "queue", "orders/99999999999999999999-bad", []byte("{corrupt"))
	require.NoError(t, err)

	q2 := New(backend, Config{}, nil, nil)
	require.NoError(t, q2.Load(ctx))

	batch, err := q2.DequeueBatch(ctx, "orders")
	require.NoError(t, err)
	assert.Len(t, batch, 1)
}
