// Package ingest implements the user-facing operations on postings: intake,
// retries, manual content, field edits and reads. Every operation is scoped to
// the calling user; another user's posting answers posting.ErrNotFound.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/jobintake/internal/hash/sha256"
	"github.com/JakeFAU/jobintake/internal/metrics"
	"github.com/JakeFAU/jobintake/internal/pipeline"
	"github.com/JakeFAU/jobintake/internal/posting"
)

// MinManualContent is the shortest manual content accepted, in characters.
const MinManualContent = 50

const (
	enqueueTimeout = 5 * time.Second
	settleTimeout  = 5 * time.Second
)

var (
	// ErrContentTooShort rejects manual content before any extraction runs.
	ErrContentTooShort = errors.New("content too short")
	// ErrInvalidInput rejects a malformed request argument.
	ErrInvalidInput = errors.New("invalid input")
	// ErrExtractionFailed reports a structured extraction call that failed.
	ErrExtractionFailed = errors.New("structured extraction failed")
)

// URLValidator rejects unsafe URLs.
type URLValidator interface {
	Validate(ctx context.Context, rawURL string) error
}

// Enqueuer hands tasks to the workers.
type Enqueuer interface {
	Enqueue(ctx context.Context, t posting.Task) error
}

// ManualRunner runs extraction and the gate over user-supplied text.
type ManualRunner interface {
	RunManual(ctx context.Context, post posting.Posting, text string) (pipeline.Outcome, error)
}

// Config holds the event destination.
type Config struct {
	Topic string
}

// Service implements the posting operations.
type Service struct {
	store     posting.Store
	queue     Enqueuer
	validator URLValidator
	runner    ManualRunner
	publisher posting.Publisher
	ids       posting.IDGenerator
	clock     posting.Clock
	cfg       Config
	logger    *zap.Logger
}

// New builds a Service. publisher may be nil.
func New(
	store posting.Store,
	queue Enqueuer,
	validator URLValidator,
	runner ManualRunner,
	publisher posting.Publisher,
	ids posting.IDGenerator,
	clock posting.Clock,
	cfg Config,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:     store,
		queue:     queue,
		validator: validator,
		runner:    runner,
		publisher: publisher,
		ids:       ids,
		clock:     clock,
		cfg:       cfg,
		logger:    logger.Named("ingest"),
	}
}

// Ingest creates one pending posting per URL and enqueues a task for each.
// Every URL is validated first; one unsafe URL rejects the whole batch.
func (s *Service) Ingest(ctx context.Context, userID string, urls []string) ([]string, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}
	if len(urls) == 0 {
		return nil, fmt.Errorf("%w: at least one url is required", ErrInvalidInput)
	}
	cleaned := make([]string, 0, len(urls))
	for _, raw := range urls {
		u := strings.TrimSpace(raw)
		if err := s.validator.Validate(ctx, u); err != nil {
			return nil, fmt.Errorf("validate %q: %w", u, err)
		}
		cleaned = append(cleaned, u)
	}

	ids := make([]string, 0, len(cleaned))
	for _, u := range cleaned {
		hash, err := sha256.URL(u)
		if err != nil {
			return ids, fmt.Errorf("hash url: %w", err)
		}
		p, err := s.create(ctx, posting.Posting{UserID: userID, URL: u, URLHash: hash})
		if err != nil {
			return ids, err
		}
		if err := s.enqueue(ctx, p.ID, posting.TaskURL); err != nil {
			return ids, err
		}
		ids = append(ids, p.ID)
		s.logger.Info("posting ingested",
			zap.String("posting_id", p.ID),
			zap.String("user_id", userID),
			zap.String("url_hash", hash),
		)
	}
	return ids, nil
}

// IngestHTML creates a posting from a page capture. sourceURL is optional and
// only recorded; the capture is never fetched again.
func (s *Service) IngestHTML(ctx context.Context, userID, sourceURL, html string) (string, error) {
	if err := requireUser(userID); err != nil {
		return "", err
	}
	if strings.TrimSpace(html) == "" {
		return "", fmt.Errorf("%w: html is required", ErrInvalidInput)
	}
	p := posting.Posting{UserID: userID, RawText: html}
	if u := strings.TrimSpace(sourceURL); u != "" {
		hash, err := sha256.URL(u)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		p.URL = u
		p.URLHash = hash
	}
	p, err := s.create(ctx, p)
	if err != nil {
		return "", err
	}
	if err := s.enqueue(ctx, p.ID, posting.TaskHTML); err != nil {
		return "", err
	}
	s.logger.Info("capture ingested",
		zap.String("posting_id", p.ID),
		zap.String("user_id", userID),
		zap.Int("bytes", len(html)),
	)
	return p.ID, nil
}

// Retry resets a pending or failed posting and runs the full pipeline again.
func (s *Service) Retry(ctx context.Context, userID, id string) (posting.Posting, error) {
	p, err := s.Get(ctx, userID, id)
	if err != nil {
		return posting.Posting{}, err
	}
	if !posting.CanReenter(p.Status) {
		return posting.Posting{}, &posting.TransitionError{ID: id, From: p.Status, To: posting.StatusPending}
	}
	if p.Status == posting.StatusFailed {
		p, err = s.store.Transition(ctx, id, []posting.Status{posting.StatusFailed}, posting.StatusPending, nil)
		if err != nil {
			return posting.Posting{}, fmt.Errorf("reset posting: %w", err)
		}
	}
	if err := s.enqueue(ctx, p.ID, taskKind(p)); err != nil {
		return posting.Posting{}, err
	}
	s.logger.Info("posting retry requested", zap.String("posting_id", id), zap.String("user_id", userID))
	return p, nil
}

// RetryAllFailed retries every failed posting of the user and returns the ids
// that were re-enqueued.
func (s *Service) RetryAllFailed(ctx context.Context, userID string) ([]string, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}
	failed, err := s.store.List(ctx, posting.Filter{UserID: userID, Status: posting.StatusFailed})
	if err != nil {
		return nil, fmt.Errorf("list failed postings: %w", err)
	}
	ids := make([]string, 0, len(failed))
	for _, p := range failed {
		if _, err := s.Retry(ctx, userID, p.ID); err != nil {
			// A concurrent retry already moved it.
			if errors.Is(err, posting.ErrInvalidTransition) {
				continue
			}
			return ids, err
		}
		ids = append(ids, p.ID)
	}
	return ids, nil
}

// SaveManualContent runs extraction synchronously over text the user pasted
// in, skipping the fetch and text extraction stages.
func (s *Service) SaveManualContent(ctx context.Context, userID, id, text string) (posting.Posting, error) {
	text = strings.TrimSpace(text)
	if len([]rune(text)) < MinManualContent {
		return posting.Posting{}, fmt.Errorf("%w: at least %d characters are required", ErrContentTooShort, MinManualContent)
	}
	p, err := s.Get(ctx, userID, id)
	if err != nil {
		return posting.Posting{}, err
	}
	if !posting.CanReenter(p.Status) {
		return posting.Posting{}, &posting.TransitionError{ID: id, From: p.Status, To: posting.StatusProcessing}
	}
	p, err = s.store.Transition(ctx, id,
		[]posting.Status{posting.StatusPending, posting.StatusFailed}, posting.StatusProcessing, nil)
	if err != nil {
		return posting.Posting{}, fmt.Errorf("claim posting: %w", err)
	}

	out, err := s.runner.RunManual(ctx, p, text)
	// The request context may be spent by now; the posting must still leave
	// processing.
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()
	if err != nil {
		s.markFailed(settleCtx, id, fmt.Sprintf("Extraction failed: %v", err))
		return posting.Posting{}, fmt.Errorf("%w: %v", ErrExtractionFailed, err)
	}

	out.Apply(&p)
	saved, err := s.store.Save(settleCtx, p)
	if err != nil {
		s.markFailed(settleCtx, id, fmt.Sprintf("save posting: %v", err))
		return posting.Posting{}, fmt.Errorf("save posting: %w", err)
	}
	metrics.ObservePosting(string(saved.Status))
	s.publish(settleCtx, saved)
	s.logger.Info("manual content processed",
		zap.String("posting_id", id),
		zap.String("status", string(saved.Status)),
	)
	return saved, nil
}

func (s *Service) markFailed(ctx context.Context, id, msg string) {
	failed, err := s.store.Transition(ctx, id,
		[]posting.Status{posting.StatusProcessing}, posting.StatusFailed, &msg)
	if err != nil {
		s.logger.Error("mark posting failed", zap.String("posting_id", id), zap.Error(err))
	} else {
		s.publish(ctx, failed)
	}
	metrics.ObservePosting(string(posting.StatusFailed))
}

// UpdateFields applies a hand edit to a completed or needs_review posting and
// re-runs only the completeness gate.
func (s *Service) UpdateFields(ctx context.Context, userID, id string, patch posting.FieldPatch) (posting.Posting, error) {
	p, err := s.Get(ctx, userID, id)
	if err != nil {
		return posting.Posting{}, err
	}
	if !posting.CanEdit(p.Status) {
		return posting.Posting{}, &posting.TransitionError{ID: id, From: p.Status, To: posting.StatusCompleted}
	}
	fields := patch.Apply(p.Fields())
	verdict := posting.Evaluate(fields)
	p.ApplyFields(fields)
	p.SetStatus(verdict.Status, verdict.ErrorMessage)
	saved, err := s.store.Save(ctx, p)
	if err != nil {
		return posting.Posting{}, fmt.Errorf("save posting: %w", err)
	}
	return saved, nil
}

// Get returns the posting when it belongs to userID.
func (s *Service) Get(ctx context.Context, userID, id string) (posting.Posting, error) {
	if err := requireUser(userID); err != nil {
		return posting.Posting{}, err
	}
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return posting.Posting{}, fmt.Errorf("get posting %s: %w", id, err)
	}
	if p.UserID != userID {
		return posting.Posting{}, fmt.Errorf("get posting %s: %w", id, posting.ErrNotFound)
	}
	return p, nil
}

// List returns the user's postings, newest first, optionally by status.
func (s *Service) List(ctx context.Context, userID string, status posting.Status) ([]posting.Posting, error) {
	if err := requireUser(userID); err != nil {
		return nil, err
	}
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidInput, status)
	}
	out, err := s.store.List(ctx, posting.Filter{UserID: userID, Status: status})
	if err != nil {
		return nil, fmt.Errorf("list postings: %w", err)
	}
	return out, nil
}

// Delete removes the user's posting.
func (s *Service) Delete(ctx context.Context, userID, id string) error {
	if _, err := s.Get(ctx, userID, id); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete posting %s: %w", id, err)
	}
	s.logger.Info("posting deleted", zap.String("posting_id", id), zap.String("user_id", userID))
	return nil
}

// Ready reports whether the store is reachable.
func (s *Service) Ready(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return fmt.Errorf("store not ready: %w", err)
	}
	return nil
}

func (s *Service) create(ctx context.Context, p posting.Posting) (posting.Posting, error) {
	id, err := s.ids.NewID()
	if err != nil {
		return posting.Posting{}, fmt.Errorf("generate posting id: %w", err)
	}
	now := s.clock.Now().UTC()
	p.ID = id
	p.Status = posting.StatusPending
	p.CreatedAt = now
	p.UpdatedAt = now
	if err := s.store.Create(ctx, p); err != nil {
		return posting.Posting{}, fmt.Errorf("create posting: %w", err)
	}
	return p, nil
}

func (s *Service) enqueue(ctx context.Context, postingID string, kind posting.TaskKind) error {
	taskID, err := s.ids.NewID()
	if err != nil {
		return fmt.Errorf("generate task id: %w", err)
	}
	queueCtx, cancel := context.WithTimeout(ctx, enqueueTimeout)
	defer cancel()
	task := posting.Task{
		ID:        taskID,
		PostingID: postingID,
		Kind:      kind,
		Submitted: s.clock.Now().UTC(),
	}
	if err := s.queue.Enqueue(queueCtx, task); err != nil {
		return fmt.Errorf("enqueue posting %s: %w", postingID, err)
	}
	return nil
}

func (s *Service) publish(ctx context.Context, p posting.Posting) {
	if s.publisher == nil {
		return
	}
	event := posting.Event{
		PostingID:   p.ID,
		UserID:      p.UserID,
		Status:      p.Status,
		URLHash:     p.URLHash,
		ProcessedAt: s.clock.Now().UTC(),
	}
	if _, err := s.publisher.Publish(ctx, s.cfg.Topic, event); err != nil {
		s.logger.Warn("publish event failed", zap.String("posting_id", p.ID), zap.Error(err))
	}
}

func taskKind(p posting.Posting) posting.TaskKind {
	if p.URL == "" {
		return posting.TaskHTML
	}
	return posting.TaskURL
}

func requireUser(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	return nil
}
