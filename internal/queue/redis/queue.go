// Package redis implements a durable at-least-once task queue on Redis lists.
//
// Ready tasks live in a list and are moved atomically to a processing list
// when dequeued; Ack removes them from processing. Tasks with a future
// NotBefore wait in a sorted set until Promote moves them to ready.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/jobintake/internal/posting"
)

// ErrClosed is returned once the queue has been closed.
var ErrClosed = posting.ErrQueueClosed

const defaultPoll = time.Second

// Options tune a Queue.
type Options struct {
	// Key prefixes the ready, processing and delayed keys.
	Key string
	// Poll bounds each blocking move so Dequeue notices cancellation.
	Poll time.Duration
	Now  func() time.Time
}

// Queue is a Redis-backed posting.Queue.
type Queue struct {
	client     *goredis.Client
	ready      string
	processing string
	delayed    string
	poll       time.Duration
	now        func() time.Time
	closed     atomic.Bool
}

// Dial parses redisURL and verifies connectivity.
func Dial(ctx context.Context, redisURL string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis.ParseURL: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// New wraps client. The queue owns the client and closes it on Close.
func New(client *goredis.Client, opts Options) *Queue {
	if opts.Key == "" {
		opts.Key = "jobintake:tasks"
	}
	if opts.Poll <= 0 {
		opts.Poll = defaultPoll
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Queue{
		client:     client,
		ready:      opts.Key + ":ready",
		processing: opts.Key + ":processing",
		delayed:    opts.Key + ":delayed",
		poll:       opts.Poll,
		now:        opts.Now,
	}
}

// Enqueue pushes the task onto the ready list, or into the delayed set when
// its NotBefore is still in the future.
func (q *Queue) Enqueue(ctx context.Context, t posting.Task) error {
	if q.closed.Load() {
		return ErrClosed
	}
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if t.NotBefore.After(q.now()) {
		err = q.client.ZAdd(ctx, q.delayed, goredis.Z{
			Score:  float64(t.NotBefore.UnixMilli()),
			Member: string(payload),
		}).Err()
	} else {
		err = q.client.LPush(ctx, q.ready, payload).Err()
	}
	if err != nil {
		return fmt.Errorf("enqueue task %s: %w", t.ID, err)
	}
	return nil
}

// Dequeue blocks until a ready task is moved to the processing list.
func (q *Queue) Dequeue(ctx context.Context) (posting.Task, error) {
	for {
		if q.closed.Load() {
			return posting.Task{}, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return posting.Task{}, fmt.Errorf("dequeue canceled: %w", err)
		}
		raw, err := q.client.BLMove(ctx, q.ready, q.processing, "RIGHT", "LEFT", q.poll).Result()
		switch {
		case errors.Is(err, goredis.Nil):
			continue
		case err != nil:
			if ctx.Err() != nil {
				return posting.Task{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
			}
			if q.closed.Load() {
				return posting.Task{}, ErrClosed
			}
			return posting.Task{}, fmt.Errorf("dequeue: %w", err)
		}
		var t posting.Task
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			// A payload we cannot decode would be redelivered forever.
			_ = q.client.LRem(ctx, q.processing, 1, raw).Err()
			return posting.Task{}, fmt.Errorf("decode task: %w", err)
		}
		t.Receipt = raw
		return t, nil
	}
}

// Ack removes the task from the processing list.
func (q *Queue) Ack(ctx context.Context, t posting.Task) error {
	if t.Receipt == "" {
		return fmt.Errorf("ack task %s: missing receipt", t.ID)
	}
	if err := q.client.LRem(ctx, q.processing, 1, t.Receipt).Err(); err != nil {
		return fmt.Errorf("ack task %s: %w", t.ID, err)
	}
	return nil
}

// Promote moves every delayed task whose NotBefore has passed onto the ready
// list and returns how many it moved.
func (q *Queue) Promote(ctx context.Context) (int, error) {
	due, err := q.client.ZRangeByScore(ctx, q.delayed, &goredis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(q.now().UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("list delayed tasks: %w", err)
	}
	moved := 0
	for _, member := range due {
		removed, err := q.client.ZRem(ctx, q.delayed, member).Result()
		if err != nil {
			return moved, fmt.Errorf("claim delayed task: %w", err)
		}
		if removed == 0 {
			// Another scheduler got there first.
			continue
		}
		if err := q.client.LPush(ctx, q.ready, member).Err(); err != nil {
			return moved, fmt.Errorf("promote delayed task: %w", err)
		}
		moved++
	}
	return moved, nil
}

// Recover returns every task left in the processing list to the ready list.
// It is meant for startup, before any worker of this queue is dequeuing.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	moved := 0
	for {
		err := q.client.LMove(ctx, q.processing, q.ready, "LEFT", "RIGHT").Err()
		if errors.Is(err, goredis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, fmt.Errorf("recover processing tasks: %w", err)
		}
		moved++
	}
}

// Ping checks connectivity.
func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Close closes the client. Blocked Dequeue calls return ErrClosed.
func (q *Queue) Close() {
	if q.closed.Swap(true) {
		return
	}
	_ = q.client.Close()
}
