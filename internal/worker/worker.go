// Package worker implements the posting pipeline execution loop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/jobintake/internal/metrics"
	"github.com/JakeFAU/jobintake/internal/pipeline"
	"github.com/JakeFAU/jobintake/internal/posting"
	"github.com/JakeFAU/jobintake/internal/retry"
)

// DefaultTaskTimeout bounds a single pipeline run.
const DefaultTaskTimeout = 300 * time.Second

// settleTimeout bounds the writes that record a run's result after the
// worker context may already be done.
const settleTimeout = 5 * time.Second

// Runner executes the pipeline for one posting.
type Runner interface {
	Run(ctx context.Context, p posting.Posting, kind posting.TaskKind) (pipeline.Outcome, error)
}

// Config controls Worker behavior.
type Config struct {
	Topic       string
	TaskTimeout time.Duration
}

// Worker consumes tasks and drives each posting through the pipeline.
type Worker struct {
	queue     posting.Queue
	store     posting.Store
	publisher posting.Publisher
	runner    Runner
	policy    retry.Policy
	clock     posting.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker.
func New(
	queue posting.Queue,
	store posting.Store,
	publisher posting.Publisher,
	runner Runner,
	policy retry.Policy,
	clock posting.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = DefaultTaskTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:     queue,
		store:     store,
		publisher: publisher,
		runner:    runner,
		policy:    policy,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run blocks, consuming tasks until the context finishes or the queue closes.
func (w *Worker) Run(ctx context.Context) {
	for {
		task, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, posting.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			if !sleep(ctx, 100*time.Millisecond) {
				return
			}
			continue
		}
		w.logger.Debug("dequeued task",
			zap.String("task_id", task.ID),
			zap.String("posting_id", task.PostingID),
			zap.Int("attempt", task.Attempt))
		w.Process(ctx, task)
	}
}

// Process runs one task to completion, including persistence, retry
// scheduling and the queue ack.
func (w *Worker) Process(ctx context.Context, task posting.Task) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	if wait := task.NotBefore.Sub(w.clock.Now()); wait > 0 {
		if !sleep(ctx, wait) {
			// Left unacked so a durable backend redelivers it.
			return
		}
	}

	log := w.logger.With(zap.String("task_id", task.ID), zap.String("posting_id", task.PostingID))
	if err := w.handle(ctx, task, log); err != nil {
		log.Error("task failed", zap.Error(err))
	}
	if err := w.queue.Ack(ctx, task); err != nil {
		log.Error("task ack failed", zap.Error(err))
	}
}

func (w *Worker) handle(ctx context.Context, task posting.Task, log *zap.Logger) error {
	post, err := w.store.Get(ctx, task.PostingID)
	if errors.Is(err, posting.ErrNotFound) {
		log.Warn("posting no longer exists, dropping task")
		return nil
	}
	if err != nil {
		return w.reschedule(ctx, task, fmt.Errorf("load posting: %w", err), log)
	}

	post, claimed, err := w.claim(ctx, post)
	if err != nil {
		return w.reschedule(ctx, task, err, log)
	}
	if !claimed {
		log.Info("posting already processed, skipping stale task", zap.String("status", string(post.Status)))
		return nil
	}

	outcome, err := w.run(ctx, post, task.Kind)
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()
	if err != nil {
		return w.fail(settleCtx, task, post, err, log)
	}

	outcome.Apply(&post)
	saved, err := w.store.Save(settleCtx, post)
	if err != nil {
		return w.fail(settleCtx, task, post, fmt.Errorf("save posting: %w", err), log)
	}
	metrics.ObservePosting(string(saved.Status))
	log.Info("posting processed",
		zap.String("status", string(saved.Status)),
		zap.String("tier", outcome.Tier),
		zap.String("strategy", outcome.Strategy))
	w.publish(settleCtx, saved, log)
	return nil
}

// claim moves the posting into processing. It reports false when the
// posting has already reached a terminal state.
func (w *Worker) claim(ctx context.Context, post posting.Posting) (posting.Posting, bool, error) {
	switch post.Status {
	case posting.StatusCompleted, posting.StatusNeedsReview:
		return post, false, nil
	case posting.StatusFailed:
		reset, err := w.store.Transition(ctx, post.ID, []posting.Status{posting.StatusFailed}, posting.StatusPending, nil)
		if err != nil && !errors.Is(err, posting.ErrInvalidTransition) {
			return post, false, fmt.Errorf("reset failed posting: %w", err)
		}
		if err == nil {
			post = reset
		}
	}
	claimed, err := w.store.Transition(ctx, post.ID,
		[]posting.Status{posting.StatusPending, posting.StatusProcessing}, posting.StatusProcessing, nil)
	if errors.Is(err, posting.ErrInvalidTransition) {
		current, getErr := w.store.Get(ctx, post.ID)
		if getErr != nil {
			return post, false, fmt.Errorf("reload posting: %w", getErr)
		}
		return current, false, nil
	}
	if err != nil {
		return post, false, fmt.Errorf("claim posting: %w", err)
	}
	return claimed, true, nil
}

func (w *Worker) run(ctx context.Context, post posting.Posting, kind posting.TaskKind) (out pipeline.Outcome, err error) {
	taskCtx, cancel := context.WithTimeout(ctx, w.cfg.TaskTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("Unexpected error: %v", r)
		}
	}()
	return w.runner.Run(taskCtx, post, kind)
}

// fail records the failure on the posting and schedules a retry when the
// policy allows one.
func (w *Worker) fail(ctx context.Context, task posting.Task, post posting.Posting, cause error, log *zap.Logger) error {
	msg := cause.Error()
	failed, err := w.store.Transition(ctx, post.ID, []posting.Status{posting.StatusProcessing}, posting.StatusFailed, &msg)
	if err != nil {
		log.Error("mark posting failed", zap.Error(err))
		failed = post
		failed.SetStatus(posting.StatusFailed, msg)
	}
	metrics.ObservePosting(string(posting.StatusFailed))

	retried := w.retry(ctx, task, cause, log)
	if !retried {
		w.publish(ctx, failed, log)
	}
	return cause
}

// reschedule retries a task that failed before the posting was claimed.
func (w *Worker) reschedule(ctx context.Context, task posting.Task, cause error, log *zap.Logger) error {
	w.retry(ctx, task, cause, log)
	return cause
}

func (w *Worker) retry(ctx context.Context, task posting.Task, cause error, log *zap.Logger) bool {
	if w.policy == nil || !w.policy.ShouldRetry(task.Attempt, cause) {
		return false
	}
	next := task
	next.Attempt = task.Attempt + 1
	next.NotBefore = w.clock.Now().Add(w.policy.Backoff(task.Attempt))
	next.Receipt = ""
	if err := w.queue.Enqueue(ctx, next); err != nil {
		log.Error("re-enqueue task failed", zap.Error(err))
		return false
	}
	metrics.IncTaskRetries()
	log.Info("task scheduled for retry",
		zap.Int("attempt", next.Attempt),
		zap.Time("not_before", next.NotBefore))
	return true
}

func (w *Worker) publish(ctx context.Context, post posting.Posting, log *zap.Logger) {
	if w.publisher == nil {
		return
	}
	event := posting.Event{
		PostingID:   post.ID,
		UserID:      post.UserID,
		Status:      post.Status,
		URLHash:     post.URLHash,
		ProcessedAt: w.clock.Now().UTC(),
	}
	if _, err := w.publisher.Publish(ctx, w.cfg.Topic, event); err != nil {
		log.Warn("publish posting event failed", zap.Error(err))
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
