package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobintake/internal/posting"
	"github.com/JakeFAU/jobintake/internal/storage/memory"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func TestSweepStaleFailsOldProcessingPostings(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewPostingStore()
	seed := []posting.Posting{
		{ID: "old", Status: posting.StatusProcessing, UpdatedAt: testNow.Add(-20 * time.Minute)},
		{ID: "fresh", Status: posting.StatusProcessing, UpdatedAt: testNow.Add(-5 * time.Minute)},
		{ID: "done", Status: posting.StatusCompleted, UpdatedAt: testNow.Add(-time.Hour)},
	}
	for _, p := range seed {
		require.NoError(t, store.Create(ctx, p))
	}

	s := New(store, nil, fakeClock{now: testNow}, Config{}, zap.NewNop())
	n, err := s.SweepStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	old, err := store.Get(ctx, "old")
	require.NoError(t, err)
	assert.Equal(t, posting.StatusFailed, old.Status)
	require.NotNil(t, old.ErrorMessage)
	assert.Equal(t, StaleMessage, *old.ErrorMessage)

	fresh, err := store.Get(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, posting.StatusProcessing, fresh.Status)
}

func TestSweepStaleListError(t *testing.T) {
	t.Parallel()

	s := New(failingStore{}, nil, fakeClock{now: testNow}, Config{}, zap.NewNop())
	_, err := s.SweepStale(context.Background())
	require.EqualError(t, err, "list stale postings: db down")
}

func TestSchedulerRunsPromoter(t *testing.T) {
	t.Parallel()

	promoter := &countingPromoter{}
	s := New(memory.NewPostingStore(), promoter, fakeClock{now: testNow},
		Config{PromoteSpec: "@every 10ms", SweepSpec: "@every 1h"}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// cron rounds @every intervals up to one second.
	require.Eventually(t, func() bool { return promoter.calls.Load() >= 2 }, 5*time.Second, 20*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestSchedulerRejectsBadSpec(t *testing.T) {
	t.Parallel()

	s := New(memory.NewPostingStore(), nil, fakeClock{now: testNow}, Config{SweepSpec: "every minute"}, nil)
	require.Error(t, s.Start(context.Background()))
}

// --- fakes ---

type fakeClock struct {
	now time.Time
}

func (c fakeClock) Now() time.Time { return c.now }

type countingPromoter struct {
	calls atomic.Int32
}

func (p *countingPromoter) Promote(context.Context) (int, error) {
	p.calls.Add(1)
	return 0, nil
}

type failingStore struct {
	posting.Store
}

func (failingStore) ListStale(context.Context, posting.Status, time.Time) ([]posting.Posting, error) {
	return nil, errors.New("db down")
}
