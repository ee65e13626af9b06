package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobintake/internal/pipeline"
	"github.com/JakeFAU/jobintake/internal/posting"
	"github.com/JakeFAU/jobintake/internal/retry"
)

var testNow = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func completeOutcome() pipeline.Outcome {
	return pipeline.Outcome{
		Fields: posting.Fields{
			CompanyName: "Acme",
			JobTitle:    "Backend Engineer",
			Description: "Build and operate the ingestion services that power our hiring tools.",
		},
		Verdict: posting.Verdict{Status: posting.StatusCompleted},
		Tier:    "direct",
	}
}

type harness struct {
	queue     *fakeQueue
	store     *fakeStore
	publisher *fakePublisher
	runner    *fakeRunner
	worker    *Worker
}

func newHarness(t *testing.T, p posting.Posting, runner *fakeRunner, policy retry.Policy) *harness {
	t.Helper()
	h := &harness{
		queue:     &fakeQueue{},
		store:     newFakeStore(p),
		publisher: &fakePublisher{},
		runner:    runner,
	}
	h.worker = New(h.queue, h.store, h.publisher, runner, policy, fakeClock{now: testNow},
		Config{Topic: "postings", TaskTimeout: time.Second}, zap.NewNop())
	return h
}

func TestWorkerProcessSuccess(t *testing.T) {
	t.Parallel()

	h := newHarness(t, posting.Posting{ID: "p1", UserID: "u1", URL: "https://example.com/job", URLHash: "abc", Status: posting.StatusPending},
		&fakeRunner{outcome: completeOutcome()}, retry.NewLinearPolicy(3, time.Minute, time.Hour))

	task := posting.Task{ID: "t1", PostingID: "p1", Kind: posting.TaskURL}
	h.worker.Process(context.Background(), task)

	got := h.store.get("p1")
	assert.Equal(t, posting.StatusCompleted, got.Status)
	assert.Equal(t, "Acme", got.CompanyName)
	assert.Nil(t, got.ErrorMessage)
	assert.Equal(t, []posting.Status{posting.StatusProcessing}, h.store.transitions)

	require.Len(t, h.publisher.messages, 1)
	assert.Equal(t, "postings", h.publisher.messages[0].topic)
	event, ok := h.publisher.messages[0].payload.(posting.Event)
	require.True(t, ok)
	assert.Equal(t, posting.Event{PostingID: "p1", UserID: "u1", Status: posting.StatusCompleted, URLHash: "abc", ProcessedAt: testNow}, event)

	assert.Equal(t, []string{"t1"}, h.queue.ackedIDs())
	assert.Empty(t, h.queue.enqueued)
	assert.Equal(t, posting.TaskURL, h.runner.kinds[0])
}

func TestWorkerNeedsReview(t *testing.T) {
	t.Parallel()

	out := completeOutcome()
	out.Fields.CompanyName = ""
	out.Verdict = posting.Verdict{Status: posting.StatusNeedsReview, ErrorMessage: "Missing required fields: company_name"}
	h := newHarness(t, posting.Posting{ID: "p1", Status: posting.StatusPending}, &fakeRunner{outcome: out}, nil)

	h.worker.Process(context.Background(), posting.Task{ID: "t1", PostingID: "p1", Kind: posting.TaskHTML})

	got := h.store.get("p1")
	assert.Equal(t, posting.StatusNeedsReview, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "Missing required fields: company_name", *got.ErrorMessage)
	require.Len(t, h.publisher.messages, 1)
}

func TestWorkerSkipsStaleTask(t *testing.T) {
	t.Parallel()

	for _, status := range []posting.Status{posting.StatusCompleted, posting.StatusNeedsReview} {
		h := newHarness(t, posting.Posting{ID: "p1", Status: status}, &fakeRunner{outcome: completeOutcome()}, nil)
		h.worker.Process(context.Background(), posting.Task{ID: "t1", PostingID: "p1"})

		assert.Zero(t, h.runner.calls(), status)
		assert.Equal(t, status, h.store.get("p1").Status)
		assert.Equal(t, []string{"t1"}, h.queue.ackedIDs())
		assert.Empty(t, h.publisher.messages)
	}
}

func TestWorkerReclaimsFailedPosting(t *testing.T) {
	t.Parallel()

	msg := "HTTP error: 503"
	h := newHarness(t, posting.Posting{ID: "p1", Status: posting.StatusFailed, ErrorMessage: &msg},
		&fakeRunner{outcome: completeOutcome()}, nil)

	h.worker.Process(context.Background(), posting.Task{ID: "t2", PostingID: "p1", Attempt: 1})

	assert.Equal(t, []posting.Status{posting.StatusPending, posting.StatusProcessing}, h.store.transitions)
	assert.Equal(t, posting.StatusCompleted, h.store.get("p1").Status)
}

func TestWorkerRetriesTransientFailure(t *testing.T) {
	t.Parallel()

	policy := &fakePolicy{retry: true, backoff: 2 * time.Minute}
	h := newHarness(t, posting.Posting{ID: "p1", Status: posting.StatusPending},
		&fakeRunner{err: errors.New("Request timed out")}, policy)

	h.worker.Process(context.Background(), posting.Task{ID: "t1", PostingID: "p1", Attempt: 0, Receipt: "r1"})

	got := h.store.get("p1")
	assert.Equal(t, posting.StatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "Request timed out", *got.ErrorMessage)

	require.Len(t, h.queue.enqueued, 1)
	next := h.queue.enqueued[0]
	assert.Equal(t, 1, next.Attempt)
	assert.Equal(t, testNow.Add(2*time.Minute), next.NotBefore)
	assert.Empty(t, next.Receipt)
	assert.Empty(t, h.publisher.messages, "no event while a retry is pending")
	assert.Equal(t, []string{"t1"}, h.queue.ackedIDs())
}

func TestWorkerDoesNotRetryPermanentFailure(t *testing.T) {
	t.Parallel()

	policy := retry.NewLinearPolicy(3, time.Minute, time.Hour)
	h := newHarness(t, posting.Posting{ID: "p1", UserID: "u1", Status: posting.StatusPending},
		&fakeRunner{err: posting.Permanent(pipeline.ErrNoContent)}, policy)

	h.worker.Process(context.Background(), posting.Task{ID: "t1", PostingID: "p1", Kind: posting.TaskHTML})

	got := h.store.get("p1")
	assert.Equal(t, posting.StatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "No HTML content supplied", *got.ErrorMessage)
	assert.Empty(t, h.queue.enqueued)
	require.Len(t, h.publisher.messages, 1)
	assert.Equal(t, posting.StatusFailed, h.publisher.messages[0].payload.(posting.Event).Status)
}

func TestWorkerStopsRetryingWhenExhausted(t *testing.T) {
	t.Parallel()

	policy := retry.NewLinearPolicy(3, time.Minute, time.Hour)
	h := newHarness(t, posting.Posting{ID: "p1", Status: posting.StatusPending},
		&fakeRunner{err: errors.New("boom")}, policy)

	h.worker.Process(context.Background(), posting.Task{ID: "t1", PostingID: "p1", Attempt: 2})
	require.Len(t, h.queue.enqueued, 1, "third retry is still granted")
	assert.Equal(t, 3, h.queue.enqueued[0].Attempt)

	last := h.queue.enqueued[0]
	last.NotBefore = time.Time{}
	h.worker.Process(context.Background(), last)
	assert.Len(t, h.queue.enqueued, 1, "no retry after the third")
	assert.Equal(t, posting.StatusFailed, h.store.get("p1").Status)
	assert.Equal(t, 2, h.runner.calls())
}

func TestWorkerRecordsFailureAfterShutdown(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runner := &fakeRunner{err: context.Canceled, onRun: cancel}
	h := newHarness(t, posting.Posting{ID: "p1", UserID: "u1", Status: posting.StatusPending},
		runner, retry.NewLinearPolicy(3, time.Minute, time.Hour))
	h.store.honorCtx = true

	h.worker.Process(ctx, posting.Task{ID: "t1", PostingID: "p1"})
	assert.Equal(t, posting.StatusFailed, h.store.get("p1").Status)
	assert.Empty(t, h.queue.enqueued)
	require.Len(t, h.publisher.messages, 1)
}

func TestWorkerSavesOutcomeAfterShutdown(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runner := &fakeRunner{outcome: completeOutcome(), onRun: cancel}
	h := newHarness(t, posting.Posting{ID: "p1", UserID: "u1", Status: posting.StatusPending}, runner, nil)
	h.store.honorCtx = true

	h.worker.Process(ctx, posting.Task{ID: "t1", PostingID: "p1"})
	assert.Equal(t, posting.StatusCompleted, h.store.get("p1").Status)
}

func TestWorkerRecoversPanics(t *testing.T) {
	t.Parallel()

	h := newHarness(t, posting.Posting{ID: "p1", Status: posting.StatusPending}, &fakeRunner{panicWith: "nil map"}, nil)

	require.NotPanics(t, func() {
		h.worker.Process(context.Background(), posting.Task{ID: "t1", PostingID: "p1"})
	})
	got := h.store.get("p1")
	assert.Equal(t, posting.StatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "Unexpected error: nil map", *got.ErrorMessage)
	assert.Equal(t, []string{"t1"}, h.queue.ackedIDs())
}

func TestWorkerDropsTaskForMissingPosting(t *testing.T) {
	t.Parallel()

	h := newHarness(t, posting.Posting{ID: "other", Status: posting.StatusPending},
		&fakeRunner{outcome: completeOutcome()}, &fakePolicy{retry: true})

	h.worker.Process(context.Background(), posting.Task{ID: "t1", PostingID: "gone"})
	assert.Zero(t, h.runner.calls())
	assert.Empty(t, h.queue.enqueued)
	assert.Equal(t, []string{"t1"}, h.queue.ackedIDs())
}

func TestWorkerLeavesDelayedTaskUnackedOnShutdown(t *testing.T) {
	t.Parallel()

	h := newHarness(t, posting.Posting{ID: "p1", Status: posting.StatusPending}, &fakeRunner{outcome: completeOutcome()}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	h.worker.Process(ctx, posting.Task{ID: "t1", PostingID: "p1", NotBefore: testNow.Add(time.Hour)})
	assert.Zero(t, h.runner.calls())
	assert.Empty(t, h.queue.ackedIDs())
}

func TestWorkerRunStopsWhenQueueCloses(t *testing.T) {
	t.Parallel()

	h := newHarness(t, posting.Posting{ID: "p1", Status: posting.StatusPending}, &fakeRunner{outcome: completeOutcome()}, nil)
	h.queue.items = []posting.Task{{ID: "t1", PostingID: "p1"}}

	done := make(chan struct{})
	go func() {
		h.worker.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after queue closed")
	}
	assert.Equal(t, posting.StatusCompleted, h.store.get("p1").Status)
}

// --- fakes ---

type fakeQueue struct {
	mu       sync.Mutex
	items    []posting.Task
	enqueued []posting.Task
	acked    []posting.Task
}

func (q *fakeQueue) Enqueue(_ context.Context, t posting.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueued = append(q.enqueued, t)
	return nil
}

func (q *fakeQueue) Dequeue(ctx context.Context) (posting.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return posting.Task{}, err
	}
	if len(q.items) == 0 {
		return posting.Task{}, posting.ErrQueueClosed
	}
	t := q.items[0]
	q.items = q.items[1:]
	return t, nil
}

func (q *fakeQueue) Ack(_ context.Context, t posting.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked = append(q.acked, t)
	return nil
}

func (q *fakeQueue) Close() {}

func (q *fakeQueue) ackedIDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := []string{}
	for _, t := range q.acked {
		ids = append(ids, t.ID)
	}
	return ids
}

type fakeStore struct {
	mu          sync.Mutex
	postings    map[string]posting.Posting
	transitions []posting.Status
	// honorCtx fails writes on a finished context like a database driver.
	honorCtx bool
}

func newFakeStore(seed ...posting.Posting) *fakeStore {
	s := &fakeStore{postings: map[string]posting.Posting{}}
	for _, p := range seed {
		s.postings[p.ID] = p
	}
	return s
}

func (s *fakeStore) get(id string) posting.Posting {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.postings[id]
}

func (s *fakeStore) Create(_ context.Context, p posting.Posting) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.postings[p.ID] = p
	return nil
}

func (s *fakeStore) Get(_ context.Context, id string) (posting.Posting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.postings[id]
	if !ok {
		return posting.Posting{}, posting.ErrNotFound
	}
	return p, nil
}

func (s *fakeStore) List(context.Context, posting.Filter) ([]posting.Posting, error) {
	return nil, nil
}

func (s *fakeStore) Save(ctx context.Context, p posting.Posting) (posting.Posting, error) {
	if s.honorCtx && ctx.Err() != nil {
		return posting.Posting{}, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p.UpdatedAt = testNow
	s.postings[p.ID] = p
	return p, nil
}

func (s *fakeStore) Transition(ctx context.Context, id string, from []posting.Status, to posting.Status, errMsg *string) (posting.Posting, error) {
	if s.honorCtx && ctx.Err() != nil {
		return posting.Posting{}, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.postings[id]
	if !ok {
		return posting.Posting{}, posting.ErrNotFound
	}
	allowed := false
	for _, f := range from {
		if p.Status == f {
			allowed = true
		}
	}
	if !allowed {
		return p, &posting.TransitionError{ID: id, From: p.Status, To: to}
	}
	msg := ""
	if errMsg != nil {
		msg = *errMsg
	}
	p.SetStatus(to, msg)
	s.postings[id] = p
	s.transitions = append(s.transitions, to)
	return p, nil
}

func (s *fakeStore) ListStale(context.Context, posting.Status, time.Time) ([]posting.Posting, error) {
	return nil, nil
}

func (s *fakeStore) Delete(context.Context, string) error { return nil }

func (s *fakeStore) Ping(context.Context) error { return nil }

type publishedMessage struct {
	topic   string
	payload any
}

type fakePublisher struct {
	mu       sync.Mutex
	messages []publishedMessage
}

func (p *fakePublisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, publishedMessage{topic: topic, payload: payload})
	return "msg", nil
}

type fakeRunner struct {
	mu        sync.Mutex
	outcome   pipeline.Outcome
	err       error
	panicWith string
	// onRun runs before the result is returned.
	onRun func()
	kinds []posting.TaskKind
}

func (r *fakeRunner) Run(_ context.Context, _ posting.Posting, kind posting.TaskKind) (pipeline.Outcome, error) {
	r.mu.Lock()
	r.kinds = append(r.kinds, kind)
	r.mu.Unlock()
	if r.onRun != nil {
		r.onRun()
	}
	if r.panicWith != "" {
		panic(r.panicWith)
	}
	return r.outcome, r.err
}

func (r *fakeRunner) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.kinds)
}

type fakePolicy struct {
	retry   bool
	backoff time.Duration
}

func (p *fakePolicy) ShouldRetry(int, error) bool { return p.retry }

func (p *fakePolicy) Backoff(int) time.Duration { return p.backoff }

type fakeClock struct {
	now time.Time
}

func (c fakeClock) Now() time.Time { return c.now }
