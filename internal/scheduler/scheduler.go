// Package scheduler runs the periodic queue and lifecycle maintenance jobs.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobintake/internal/metrics"
	"github.com/JakeFAU/jobintake/internal/posting"
)

// StaleMessage is recorded on postings swept out of processing.
const StaleMessage = "Processing timed out"

// Default schedules.
const (
	DefaultPromoteSpec = "@every 1s"
	DefaultSweepSpec   = "@every 1m"
	DefaultStaleAfter  = 15 * time.Minute
)

// Promoter releases delayed tasks whose time has come.
type Promoter interface {
	Promote(ctx context.Context) (int, error)
}

// Config controls the scheduler.
type Config struct {
	PromoteSpec string
	SweepSpec   string
	StaleAfter  time.Duration
}

// Scheduler wraps robfig/cron and owns the maintenance jobs.
type Scheduler struct {
	cron     *cron.Cron
	store    posting.Store
	promoter Promoter
	clock    posting.Clock
	cfg      Config
	logger   *zap.Logger
}

// New creates a Scheduler. promoter may be nil for backends that deliver
// delayed tasks on their own.
func New(store posting.Store, promoter Promoter, clock posting.Clock, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.PromoteSpec == "" {
		cfg.PromoteSpec = DefaultPromoteSpec
	}
	if cfg.SweepSpec == "" {
		cfg.SweepSpec = DefaultSweepSpec
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cl := cronLogger{logger: logger.Sugar()}
	return &Scheduler{
		cron:     cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		store:    store,
		promoter: promoter,
		clock:    clock,
		cfg:      cfg,
		logger:   logger,
	}
}

// Start registers the jobs and starts the cron loop. Jobs run with ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.promoter != nil {
		if _, err := s.cron.AddFunc(s.cfg.PromoteSpec, func() { s.promote(ctx) }); err != nil {
			return fmt.Errorf("cron.AddFunc promote: %w", err)
		}
	}
	if _, err := s.cron.AddFunc(s.cfg.SweepSpec, func() { s.sweep(ctx) }); err != nil {
		return fmt.Errorf("cron.AddFunc sweep: %w", err)
	}
	s.cron.Start()
	s.logger.Info("scheduler started",
		zap.String("promote", s.cfg.PromoteSpec),
		zap.String("sweep", s.cfg.SweepSpec),
		zap.Duration("stale_after", s.cfg.StaleAfter))
	return nil
}

// Stop halts the cron loop and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// Run starts the scheduler and blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return nil
}

func (s *Scheduler) promote(ctx context.Context) {
	n, err := s.promoter.Promote(ctx)
	if err != nil {
		s.logger.Error("promote delayed tasks failed", zap.Error(err))
		return
	}
	if n > 0 {
		s.logger.Debug("promoted delayed tasks", zap.Int("count", n))
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	n, err := s.SweepStale(ctx)
	if err != nil {
		s.logger.Error("stale sweep failed", zap.Error(err), zap.Int("swept", n))
		return
	}
	if n > 0 {
		s.logger.Warn("swept stale postings", zap.Int("count", n))
	}
}

// SweepStale fails every posting that has been processing for longer than
// StaleAfter, making it retryable. It returns how many it moved.
func (s *Scheduler) SweepStale(ctx context.Context) (int, error) {
	cutoff := s.clock.Now().Add(-s.cfg.StaleAfter)
	stale, err := s.store.ListStale(ctx, posting.StatusProcessing, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stale postings: %w", err)
	}
	msg := StaleMessage
	swept := 0
	for _, p := range stale {
		_, err := s.store.Transition(ctx, p.ID, []posting.Status{posting.StatusProcessing}, posting.StatusFailed, &msg)
		if err != nil {
			// Finished or claimed again since the listing.
			s.logger.Debug("skip stale posting", zap.String("posting_id", p.ID), zap.Error(err))
			continue
		}
		swept++
	}
	metrics.AddStaleSwept(swept)
	return swept, nil
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	logger *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Errorw(msg, append(keysAndValues, "error", err)...)
}
