// Package retry decides whether and when a failed task runs again.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"
	"time"

	"github.com/JakeFAU/jobintake/internal/posting"
	"github.com/JakeFAU/jobintake/internal/safety"
)

// Policy decides retries for a task that failed on a 0-based attempt.
type Policy interface {
	ShouldRetry(attempt int, err error) bool
	Backoff(attempt int) time.Duration
}

// Defaults for LinearPolicy.
const (
	DefaultMaxRetries = 3
	DefaultBase       = 60 * time.Second
	DefaultMax        = 10 * time.Minute
)

// LinearPolicy allows MaxRetries runs after the first and waits
// Base*(attempt+1) before each, capped at Max, with +-10% jitter.
type LinearPolicy struct {
	MaxRetries int
	Base       time.Duration
	Max        time.Duration
}

// NewLinearPolicy fills a negative maxRetries and zero durations with
// defaults. Zero retries is allowed.
func NewLinearPolicy(maxRetries int, base, maxDelay time.Duration) LinearPolicy {
	p := LinearPolicy{MaxRetries: maxRetries, Base: base, Max: maxDelay}
	if p.MaxRetries < 0 {
		p.MaxRetries = DefaultMaxRetries
	}
	if p.Base <= 0 {
		p.Base = DefaultBase
	}
	if p.Max <= 0 {
		p.Max = DefaultMax
	}
	return p
}

// ShouldRetry reports whether another attempt is allowed.
func (p LinearPolicy) ShouldRetry(attempt int, err error) bool {
	if err == nil {
		return false
	}
	if attempt >= p.MaxRetries {
		return false
	}
	if errors.Is(err, context.Canceled) ||
		errors.Is(err, posting.ErrPermanent) ||
		errors.Is(err, safety.ErrUnsafeURL) {
		return false
	}
	return true
}

// Backoff returns the delay before attempt+1 runs.
func (p LinearPolicy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := p.Base * time.Duration(attempt+1)
	if delay > p.Max || delay <= 0 {
		delay = p.Max
	}
	return delay + jitter(delay/10)
}

// jitter returns a uniform duration in [-limit, limit].
func jitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(2*limit)+1))
	if err != nil {
		return 0
	}
	return time.Duration(n.Int64()) - limit
}
