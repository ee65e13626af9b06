// Package proxy implements the last fetch tier, which routes requests through
// a ScrapingBee-compatible anti-bot API.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/JakeFAU/jobintake/internal/fetcher"
)

// TierName identifies this tier in results, errors and metrics.
const TierName = "proxy"

// DefaultEndpoint is the ScrapingBee HTML API.
const DefaultEndpoint = "https://app.scrapingbee.com/api/v1/"

const maxBodyBytes = 5 << 20

// RateLimiter paces requests per target host.
type RateLimiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Config controls the proxy tier.
type Config struct {
	APIKey       string
	Endpoint     string
	Timeout      time.Duration
	RenderJS     bool
	PremiumProxy bool
	Country      string
}

// Fetcher calls the anti-bot API.
type Fetcher struct {
	cfg     Config
	client  *http.Client
	limiter RateLimiter
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) {
		if c != nil {
			f.client = c
		}
	}
}

// WithRateLimiter paces calls per target host.
func WithRateLimiter(l RateLimiter) Option {
	return func(f *Fetcher) {
		f.limiter = l
	}
}

// New builds the proxy tier. Without an API key every Fetch returns
// fetcher.ErrUnavailable.
func New(cfg Config, opts ...Option) *Fetcher {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	f := &Fetcher{
		cfg:    cfg,
		client: &http.Client{},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Name implements fetcher.Tier.
func (f *Fetcher) Name() string {
	return TierName
}

// Available reports whether credentials are configured.
func (f *Fetcher) Available() bool {
	return f.cfg.APIKey != ""
}

// Fetch retrieves target through the API.
func (f *Fetcher) Fetch(ctx context.Context, target string) (fetcher.Result, error) {
	if !f.Available() {
		return fetcher.Result{}, fetcher.ErrUnavailable
	}
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, target); err != nil {
			return fetcher.Result{}, fetcher.Classify(TierName, err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	reqURL, err := f.requestURL(target)
	if err != nil {
		return fetcher.Result{}, fetcher.Classify(TierName, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fetcher.Result{}, fetcher.Classify(TierName, err)
	}

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return fetcher.Result{}, classifyTransport(err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fetcher.Result{}, classifyTransport(err)
	}
	status := targetStatus(resp)
	if resp.StatusCode >= http.StatusBadRequest || status >= http.StatusBadRequest {
		if status < http.StatusBadRequest {
			status = resp.StatusCode
		}
		return fetcher.Result{}, fetcher.NewTierError(TierName, fetcher.KindHTTPStatus, status,
			fmt.Sprintf("HTTP error: %d", status))
	}

	finalURL := resp.Header.Get("Spb-Resolved-Url")
	if finalURL == "" {
		finalURL = target
	}
	return fetcher.Result{
		URL:         target,
		FinalURL:    finalURL,
		StatusCode:  status,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
		Tier:        TierName,
		Duration:    time.Since(start),
	}, nil
}

func (f *Fetcher) requestURL(target string) (string, error) {
	u, err := url.Parse(f.cfg.Endpoint)
	if err != nil {
		return "", fmt.Errorf("parse proxy endpoint: %w", err)
	}
	q := u.Query()
	q.Set("api_key", f.cfg.APIKey)
	q.Set("url", target)
	q.Set("render_js", strconv.FormatBool(f.cfg.RenderJS))
	if f.cfg.PremiumProxy {
		q.Set("premium_proxy", "true")
	}
	if f.cfg.Country != "" {
		q.Set("country_code", f.cfg.Country)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// targetStatus reads the status the target site returned, which the API
// reports separately from its own.
func targetStatus(resp *http.Response) int {
	if raw := resp.Header.Get("Spb-Initial-Status-Code"); raw != "" {
		if code, err := strconv.Atoi(raw); err == nil {
			return code
		}
	}
	return resp.StatusCode
}

func classifyTransport(err error) *fetcher.TierError {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fetcher.Timeout(TierName, err)
	}
	return fetcher.Classify(TierName, err)
}
