// Package fetcher retrieves posting markup through an ordered chain of fetch tiers.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrUnavailable is returned by a tier that is not configured in this process.
// The chain skips such tiers instead of counting them as failures.
var ErrUnavailable = errors.New("fetch tier unavailable")

// Result is the content returned by a tier.
type Result struct {
	URL         string
	FinalURL    string
	StatusCode  int
	ContentType string
	Body        []byte
	Tier        string
	Duration    time.Duration
}

// Tier is one fetch strategy.
type Tier interface {
	Name() string
	Fetch(ctx context.Context, url string) (Result, error)
}

// Kind classifies a tier failure.
type Kind string

// Failure kinds, from least to most specific.
const (
	KindEmpty       Kind = "empty"
	KindShort       Kind = "short"
	KindTransport   Kind = "transport"
	KindTimeout     Kind = "timeout"
	KindBlocked     Kind = "blocked"
	KindContentType Kind = "content_type"
	KindHTTPStatus  Kind = "http_status"
)

var specificity = map[Kind]int{
	KindEmpty:       0,
	KindShort:       1,
	KindTransport:   2,
	KindTimeout:     3,
	KindBlocked:     4,
	KindContentType: 5,
	KindHTTPStatus:  6,
}

// TierError describes why a single tier produced no acceptable content.
type TierError struct {
	Tier       string
	Kind       Kind
	StatusCode int
	Err        error
}

func (e *TierError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Tier, e.Kind)
	}
	return e.Err.Error()
}

func (e *TierError) Unwrap() error {
	return e.Err
}

// NewTierError builds a TierError with a message error.
func NewTierError(tier string, kind Kind, status int, msg string) *TierError {
	return &TierError{Tier: tier, Kind: kind, StatusCode: status, Err: errors.New(msg)}
}

// Classify converts an arbitrary tier error into a TierError.
func Classify(tier string, err error) *TierError {
	var te *TierError
	if errors.As(err, &te) {
		if te.Tier == "" {
			te.Tier = tier
		}
		return te
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout(tier, err)
	}
	return &TierError{Tier: tier, Kind: KindTransport, Err: fmt.Errorf("Request error: %w", err)}
}

// causeError keeps a fixed message while still unwrapping to its cause.
type causeError struct {
	msg   string
	cause error
}

func (e *causeError) Error() string { return e.msg }

func (e *causeError) Unwrap() error { return e.cause }

// Timeout wraps cause as a timeout TierError with the standard message.
func Timeout(tier string, cause error) *TierError {
	return &TierError{Tier: tier, Kind: KindTimeout, Err: &causeError{msg: "Request timed out", cause: cause}}
}

// ChainError is returned when no tier produced acceptable content.
type ChainError struct {
	Attempts []*TierError
}

// MostSpecific returns the attempt whose kind carries the most information.
// Ties go to the earliest tier.
func (e *ChainError) MostSpecific() *TierError {
	var best *TierError
	for _, a := range e.Attempts {
		if best == nil || specificity[a.Kind] > specificity[best.Kind] {
			best = a
		}
	}
	return best
}

func (e *ChainError) Error() string {
	best := e.MostSpecific()
	if best == nil {
		return "no fetch tier available"
	}
	return best.Error()
}

// Unwrap exposes the individual tier errors to errors.Is/As.
func (e *ChainError) Unwrap() []error {
	out := make([]error, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		out = append(out, a)
	}
	return out
}

// Summary lists each attempted tier and its failure kind.
func (e *ChainError) Summary() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s=%s", a.Tier, a.Kind))
	}
	return strings.Join(parts, ",")
}
