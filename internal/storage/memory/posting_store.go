package memory

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/jobintake/internal/posting"
)

// ErrExists is returned when creating a posting whose id is taken.
var ErrExists = errors.New("posting already exists")

// PostingStore is a posting.Store guarded by a RWMutex.
type PostingStore struct {
	mu       sync.RWMutex
	postings map[string]posting.Posting
	now      func() time.Time
}

// Option configures a PostingStore.
type Option func(*PostingStore)

// WithClock overrides the timestamp source.
func WithClock(c posting.Clock) Option {
	return func(s *PostingStore) {
		s.now = c.Now
	}
}

// NewPostingStore constructs an empty store.
func NewPostingStore(opts ...Option) *PostingStore {
	s := &PostingStore{
		postings: make(map[string]posting.Posting),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create stores a new posting. Zero timestamps are filled in.
func (s *PostingStore) Create(_ context.Context, p posting.Posting) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.postings[p.ID]; exists {
		return ErrExists
	}
	now := s.now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}
	p.Normalize()
	s.postings[p.ID] = clone(p)
	return nil
}

// Get fetches a posting by id.
func (s *PostingStore) Get(_ context.Context, id string) (posting.Posting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.postings[id]
	if !ok {
		return posting.Posting{}, posting.ErrNotFound
	}
	return clone(p), nil
}

// List returns matching postings, newest first.
func (s *PostingStore) List(_ context.Context, f posting.Filter) ([]posting.Posting, error) {
	s.mu.RLock()
	out := make([]posting.Posting, 0, len(s.postings))
	for _, p := range s.postings {
		if f.UserID != "" && p.UserID != f.UserID {
			continue
		}
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		out = append(out, clone(p))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Save overwrites the stored posting and bumps UpdatedAt.
func (s *PostingStore) Save(_ context.Context, p posting.Posting) (posting.Posting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.postings[p.ID]
	if !ok {
		return posting.Posting{}, posting.ErrNotFound
	}
	p.CreatedAt = current.CreatedAt
	p.UpdatedAt = s.now().UTC()
	p.Normalize()
	s.postings[p.ID] = clone(p)
	return clone(p), nil
}

// Transition moves the posting to `to` when its status is one of from.
func (s *PostingStore) Transition(
	_ context.Context,
	id string,
	from []posting.Status,
	to posting.Status,
	errMsg *string,
) (posting.Posting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.postings[id]
	if !ok {
		return posting.Posting{}, posting.ErrNotFound
	}
	if !slices.Contains(from, p.Status) {
		return posting.Posting{}, &posting.TransitionError{ID: id, From: p.Status, To: to}
	}
	p.Status = to
	p.ErrorMessage = nil
	if errMsg != nil {
		msg := *errMsg
		p.ErrorMessage = &msg
	}
	p.Normalize()
	p.UpdatedAt = s.now().UTC()
	s.postings[id] = p
	return clone(p), nil
}

// ListStale returns postings in status whose last update is before olderThan.
func (s *PostingStore) ListStale(_ context.Context, status posting.Status, olderThan time.Time) ([]posting.Posting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []posting.Posting
	for _, p := range s.postings {
		if p.Status == status && p.UpdatedAt.Before(olderThan) {
			out = append(out, clone(p))
		}
	}
	return out, nil
}

// Delete removes a posting.
func (s *PostingStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.postings[id]; !ok {
		return posting.ErrNotFound
	}
	delete(s.postings, id)
	return nil
}

// Ping always succeeds.
func (s *PostingStore) Ping(context.Context) error {
	return nil
}

func clone(p posting.Posting) posting.Posting {
	p.Requirements = maps.Clone(p.Requirements)
	p.StructuredData = maps.Clone(p.StructuredData)
	p.Benefits = slices.Clone(p.Benefits)
	if p.ErrorMessage != nil {
		msg := *p.ErrorMessage
		p.ErrorMessage = &msg
	}
	if p.ExtractionConfidence != nil {
		c := *p.ExtractionConfidence
		p.ExtractionConfidence = &c
	}
	return p
}
