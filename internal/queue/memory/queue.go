// Package memory provides an in-process task queue for local development.
// Tasks are lost when the process exits.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/jobintake/internal/posting"
)

// ErrClosed is returned once the queue has been closed.
var ErrClosed = posting.ErrQueueClosed

// Queue is a bounded in-memory queue with context-aware operations. Tasks
// whose NotBefore is in the future are held on a timer until due.
type Queue struct {
	ch      chan posting.Task
	done    chan struct{}
	closeMu sync.Mutex
	closed  bool
	timers  map[*time.Timer]struct{}
	now     func() time.Time
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		ch:     make(chan posting.Task, capacity),
		done:   make(chan struct{}),
		timers: make(map[*time.Timer]struct{}),
		now:    time.Now,
	}
}

// Enqueue pushes a task, or schedules it when NotBefore is in the future.
func (q *Queue) Enqueue(ctx context.Context, t posting.Task) error {
	if delay := t.NotBefore.Sub(q.now()); delay > 0 {
		return q.schedule(t, delay)
	}
	return q.push(ctx, t)
}

func (q *Queue) push(ctx context.Context, t posting.Task) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-q.done:
		return ErrClosed
	case q.ch <- t:
		return nil
	}
}

func (q *Queue) schedule(t posting.Task, delay time.Duration) error {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return ErrClosed
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		q.closeMu.Lock()
		delete(q.timers, timer)
		q.closeMu.Unlock()
		_ = q.push(context.Background(), t)
	})
	q.timers[timer] = struct{}{}
	return nil
}

// Dequeue pops the next task, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (posting.Task, error) {
	select {
	case <-ctx.Done():
		return posting.Task{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case <-q.done:
		return posting.Task{}, ErrClosed
	case t := <-q.ch:
		return t, nil
	}
}

// Ack is a no-op; a dequeued task is already gone from memory.
func (q *Queue) Ack(context.Context, posting.Task) error {
	return nil
}

// Pending returns the number of delayed tasks waiting on timers.
func (q *Queue) Pending() int {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	return len(q.timers)
}

// Close stops delayed deliveries and unblocks waiting callers.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for timer := range q.timers {
		timer.Stop()
	}
	q.timers = map[*time.Timer]struct{}{}
	close(q.done)
}
