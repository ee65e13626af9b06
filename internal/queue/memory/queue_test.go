package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/jobintake/internal/posting"
)

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	defer q.Close()
	result := make(chan posting.Task, 1)

	go func() {
		task, err := q.Dequeue(context.Background())
		if err == nil {
			result <- task
		}
	}()

	require.NoError(t, q.Enqueue(context.Background(), posting.Task{ID: "t1", PostingID: "p1"}))
	select {
	case got := <-result:
		assert.Equal(t, "p1", got.PostingID)
		require.NoError(t, q.Ack(context.Background(), got))
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return task")
	}
}

func TestQueueCancelationErrors(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	defer q.Close()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Dequeue(ctx)
	require.EqualError(t, err, "dequeue canceled: context canceled")

	require.NoError(t, q.Enqueue(context.Background(), posting.Task{ID: "primed"}))
	err = q.Enqueue(ctx, posting.Task{ID: "blocked"})
	require.EqualError(t, err, "enqueue canceled: context canceled")
}

func TestQueueDelaysFutureTasks(t *testing.T) {
	t.Parallel()

	q := NewQueue(4)
	defer q.Close()

	notBefore := time.Now().Add(80 * time.Millisecond)
	require.NoError(t, q.Enqueue(context.Background(), posting.Task{ID: "later", NotBefore: notBefore}))
	assert.Equal(t, 1, q.Pending())

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := q.Dequeue(short)
	require.Error(t, err)

	task, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "later", task.ID)
	assert.False(t, time.Now().Before(notBefore))
	assert.Zero(t, q.Pending())
}

func TestQueueCloseUnblocksAndRejects(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	require.NoError(t, q.Enqueue(context.Background(), posting.Task{ID: "delayed", NotBefore: time.Now().Add(time.Hour)}))

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background())
		errCh <- err
	}()
	q.Close()
	q.Close()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("close did not unblock dequeue")
	}
	assert.Zero(t, q.Pending())
	require.ErrorIs(t, q.Enqueue(context.Background(), posting.Task{ID: "late"}), ErrClosed)
	require.ErrorIs(t, q.Enqueue(context.Background(), posting.Task{ID: "later", NotBefore: time.Now().Add(time.Hour)}), ErrClosed)
}
