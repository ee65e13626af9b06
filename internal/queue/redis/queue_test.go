package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/jobintake/internal/posting"
)

func newTestQueue(t *testing.T, now func() time.Time) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	q := New(client, Options{Key: "test", Poll: 50 * time.Millisecond, Now: now})
	t.Cleanup(q.Close)
	return q, mr
}

func TestEnqueueDequeueAck(t *testing.T) {
	t.Parallel()

	q, mr := newTestQueue(t, nil)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, posting.Task{ID: "t1", PostingID: "p1", Kind: posting.TaskURL}))
	require.NoError(t, q.Enqueue(ctx, posting.Task{ID: "t2", PostingID: "p2", Kind: posting.TaskHTML}))

	first, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "t1", first.ID)
	assert.Equal(t, posting.TaskURL, first.Kind)
	assert.NotEmpty(t, first.Receipt)

	inFlight, err := mr.List("test:processing")
	require.NoError(t, err)
	assert.Len(t, inFlight, 1)

	require.NoError(t, q.Ack(ctx, first))
	assert.False(t, mr.Exists("test:processing"))

	second, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "p2", second.PostingID)
}

func TestAckRequiresReceipt(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t, nil)
	err := q.Ack(context.Background(), posting.Task{ID: "t1"})
	require.EqualError(t, err, "ack task t1: missing receipt")
}

func TestDequeueHonorsCancellation(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDelayedTasksWaitForPromote(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	q, mr := newTestQueue(t, clock)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, posting.Task{ID: "later", NotBefore: now.Add(time.Minute)}))
	assert.False(t, mr.Exists("test:ready"))

	moved, err := q.Promote(ctx)
	require.NoError(t, err)
	assert.Zero(t, moved)

	now = now.Add(2 * time.Minute)
	moved, err = q.Promote(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, moved)

	task, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "later", task.ID)
}

func TestRecoverReturnsInFlightTasks(t *testing.T) {
	t.Parallel()

	q, mr := newTestQueue(t, nil)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, posting.Task{ID: "a"}))
	require.NoError(t, q.Enqueue(ctx, posting.Task{ID: "b"}))
	_, err := q.Dequeue(ctx)
	require.NoError(t, err)
	_, err = q.Dequeue(ctx)
	require.NoError(t, err)

	moved, err := q.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, moved)
	assert.False(t, mr.Exists("test:processing"))

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", got.ID)
}

func TestDequeueDropsUndecodablePayload(t *testing.T) {
	t.Parallel()

	q, mr := newTestQueue(t, nil)
	_, err := mr.Lpush("test:ready", "not json")
	require.NoError(t, err)

	_, err = q.Dequeue(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode task")
	assert.False(t, mr.Exists("test:processing"))
}

func TestClosedQueueRejects(t *testing.T) {
	t.Parallel()

	q, _ := newTestQueue(t, nil)
	q.Close()
	q.Close()
	require.ErrorIs(t, q.Enqueue(context.Background(), posting.Task{ID: "x"}), ErrClosed)
	_, err := q.Dequeue(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}
