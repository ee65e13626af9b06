// Package pubsub implements posting.Queue on Google Cloud Pub/Sub.
//
// Enqueue publishes the JSON task to a topic. Dequeue starts a streaming
// subscriber on first use and hands messages to callers one at a time; a
// message stays outstanding until Ack, and is nacked on Close so it is
// redelivered elsewhere.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobintake/internal/posting"
)

// ErrClosed is returned once the queue has been closed.
var ErrClosed = posting.ErrQueueClosed

type delivery struct {
	task posting.Task
	msg  *pubsub.Message
}

// Queue is a Pub/Sub backed posting.Queue.
type Queue struct {
	client     *pubsub.Client
	publisher  *pubsub.Publisher
	subscriber *pubsub.Subscriber
	logger     *zap.Logger

	deliveries chan delivery
	startOnce  sync.Once
	stop       context.CancelFunc
	done       chan struct{}
	closed     chan struct{}
	closeOnce  sync.Once

	mu          sync.Mutex
	outstanding map[string]*pubsub.Message
	receiveErr  error
}

// New builds a queue publishing to topic and receiving from subscription.
// Both accept a short id or a fully qualified resource name. The queue owns
// client and closes it on Close.
func New(client *pubsub.Client, topic, subscription string, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		client:      client,
		publisher:   client.Publisher(topic),
		subscriber:  client.Subscriber(subscription),
		logger:      logger,
		deliveries:  make(chan delivery),
		done:        make(chan struct{}),
		closed:      make(chan struct{}),
		outstanding: make(map[string]*pubsub.Message),
	}
}

// Enqueue publishes the task and waits for the server to accept it.
func (q *Queue) Enqueue(ctx context.Context, t posting.Task) error {
	select {
	case <-q.closed:
		return ErrClosed
	default:
	}
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	result := q.publisher.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{"posting_id": t.PostingID, "kind": string(t.Kind)},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("enqueue task %s: %w", t.ID, err)
	}
	return nil
}

// Dequeue returns the next delivered task.
func (q *Queue) Dequeue(ctx context.Context) (posting.Task, error) {
	q.startOnce.Do(q.startReceive)
	select {
	case <-ctx.Done():
		return posting.Task{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case <-q.closed:
		return posting.Task{}, ErrClosed
	case <-q.done:
		q.mu.Lock()
		err := q.receiveErr
		q.mu.Unlock()
		if err == nil {
			err = ErrClosed
		}
		return posting.Task{}, err
	case d := <-q.deliveries:
		q.mu.Lock()
		q.outstanding[d.msg.ID] = d.msg
		q.mu.Unlock()
		d.task.Receipt = d.msg.ID
		return d.task, nil
	}
}

func (q *Queue) startReceive() {
	ctx, cancel := context.WithCancel(context.Background())
	q.stop = cancel
	go func() {
		defer close(q.done)
		err := q.subscriber.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
			var t posting.Task
			if err := json.Unmarshal(msg.Data, &t); err != nil {
				q.logger.Warn("Dropping undecodable task message",
					zap.String("message_id", msg.ID), zap.Error(err))
				msg.Ack()
				return
			}
			select {
			case q.deliveries <- delivery{task: t, msg: msg}:
			case <-ctx.Done():
				msg.Nack()
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			q.logger.Error("Pub/Sub receive stopped", zap.Error(err))
			q.mu.Lock()
			q.receiveErr = fmt.Errorf("receive: %w", err)
			q.mu.Unlock()
		}
	}()
}

// Ack acknowledges the message that carried t.
func (q *Queue) Ack(_ context.Context, t posting.Task) error {
	q.mu.Lock()
	msg, ok := q.outstanding[t.Receipt]
	delete(q.outstanding, t.Receipt)
	q.mu.Unlock()
	if !ok {
		return fmt.Errorf("ack task %s: unknown receipt %q", t.ID, t.Receipt)
	}
	msg.Ack()
	return nil
}

// Close stops receiving, nacks outstanding messages, flushes the publisher
// and closes the client.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.closed)
		q.startOnce.Do(func() {})
		if q.stop != nil {
			q.stop()
			<-q.done
		}
		q.mu.Lock()
		for id, msg := range q.outstanding {
			msg.Nack()
			delete(q.outstanding, id)
		}
		q.mu.Unlock()
		q.publisher.Stop()
		if err := q.client.Close(); err != nil {
			q.logger.Warn("Failed to close pubsub client", zap.Error(err))
		}
	})
}
