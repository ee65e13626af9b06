package fetcher

import (
	"bytes"
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobintake/internal/metrics"
)

// DefaultMinContent is the body length below which the next tier is tried.
const DefaultMinContent = 500

// BlockClassifier reports whether a body is an anti-bot page.
type BlockClassifier interface {
	IsBlocked(body []byte) bool
}

// Chain runs tiers in order and returns the first acceptable result.
type Chain struct {
	tiers      []Tier
	blocks     BlockClassifier
	minContent int
	logger     *zap.Logger
}

// ChainConfig tunes Chain acceptance.
type ChainConfig struct {
	MinContent int
}

// NewChain builds a Chain over tiers in priority order. Nil tiers are dropped.
func NewChain(cfg ChainConfig, blocks BlockClassifier, logger *zap.Logger, tiers ...Tier) *Chain {
	if cfg.MinContent <= 0 {
		cfg.MinContent = DefaultMinContent
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	kept := make([]Tier, 0, len(tiers))
	for _, t := range tiers {
		if t != nil {
			kept = append(kept, t)
		}
	}
	return &Chain{tiers: kept, blocks: blocks, minContent: cfg.MinContent, logger: logger}
}

// Tiers returns the configured tier names in order.
func (c *Chain) Tiers() []string {
	names := make([]string, 0, len(c.tiers))
	for _, t := range c.tiers {
		names = append(names, t.Name())
	}
	return names
}

// Fetch tries each tier once. A non-empty, non-blocked body shorter than the
// minimum is kept as a fallback and returned if no later tier does better.
func (c *Chain) Fetch(ctx context.Context, url string) (Result, error) {
	ctx, span := otel.Tracer("jobintake/fetcher").Start(ctx, "fetcher.chain")
	defer span.End()

	var (
		attempts []*TierError
		fallback *Result
	)
	for _, tier := range c.tiers {
		if err := ctx.Err(); err != nil {
			attempts = append(attempts, Classify(tier.Name(), err))
			break
		}
		res, terr := c.try(ctx, tier, url)
		if terr == nil {
			span.SetAttributes(attribute.String("fetch.tier", tier.Name()))
			return res, nil
		}
		if errors.Is(terr, ErrUnavailable) {
			continue
		}
		if terr.Kind == KindShort && (fallback == nil || len(res.Body) > len(fallback.Body)) {
			kept := res
			fallback = &kept
		}
		attempts = append(attempts, terr)
	}

	if fallback != nil {
		c.logger.Info("returning short content after exhausting tiers",
			zap.String("url", url),
			zap.String("tier", fallback.Tier),
			zap.Int("bytes", len(fallback.Body)),
		)
		span.SetAttributes(attribute.String("fetch.tier", fallback.Tier), attribute.Bool("fetch.short", true))
		return *fallback, nil
	}
	chainErr := &ChainError{Attempts: attempts}
	span.RecordError(chainErr)
	span.SetStatus(codes.Error, chainErr.Summary())
	return Result{}, chainErr
}

func (c *Chain) try(ctx context.Context, tier Tier, url string) (Result, *TierError) {
	start := time.Now()
	res, err := tier.Fetch(ctx, url)
	elapsed := time.Since(start)
	if res.Tier == "" {
		res.Tier = tier.Name()
	}
	if res.Duration == 0 {
		res.Duration = elapsed
	}

	var terr *TierError
	switch {
	case errors.Is(err, ErrUnavailable):
		metrics.ObserveFetchTier(tier.Name(), "unavailable", elapsed)
		c.logger.Debug("fetch tier unavailable", zap.String("tier", tier.Name()))
		return res, &TierError{Tier: tier.Name(), Err: err}
	case err != nil:
		terr = Classify(tier.Name(), err)
	case len(bytes.TrimSpace(res.Body)) == 0:
		terr = NewTierError(tier.Name(), KindEmpty, res.StatusCode, "Empty response body")
	case c.blocks != nil && c.blocks.IsBlocked(res.Body):
		terr = NewTierError(tier.Name(), KindBlocked, res.StatusCode, "Blocked by anti-bot protection")
	case len(res.Body) < c.minContent:
		terr = NewTierError(tier.Name(), KindShort, res.StatusCode, "Insufficient content")
	}

	if terr != nil {
		metrics.ObserveFetchTier(tier.Name(), string(terr.Kind), elapsed)
		c.logger.Info("fetch tier failed",
			zap.String("tier", tier.Name()),
			zap.String("url", url),
			zap.String("kind", string(terr.Kind)),
			zap.Int("status_code", terr.StatusCode),
			zap.Error(terr),
		)
		return res, terr
	}
	metrics.ObserveFetchTier(tier.Name(), "ok", elapsed)
	c.logger.Debug("fetch tier succeeded",
		zap.String("tier", tier.Name()),
		zap.String("url", url),
		zap.Int("bytes", len(res.Body)),
		zap.Duration("duration", elapsed),
	)
	return res, nil
}
