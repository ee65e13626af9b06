// Package collyfetcher implements the direct-fetch tier using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/jobintake/internal/fetcher"
)

// TierName identifies this tier in results, errors and metrics.
const TierName = "direct"

// DefaultUserAgent mimics a desktop Chrome browser.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

const maxRedirects = 10

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// DialControl, when set, vets every outbound connection (see safety.DialControl).
	DialControl  func(network, address string, c syscall.RawConn) error
	MaxBodyBytes int
}

// Fetcher performs a single GET through a Colly collector.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 5 << 20
	}
	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
		colly.MaxBodySize(cfg.MaxBodyBytes),
	)
	c.WithTransport(newHTTPTransport(cfg.DialControl))
	c.SetRequestTimeout(cfg.Timeout)
	c.SetRedirectHandler(func(_ *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("stopped after %d redirects", maxRedirects)
		}
		return nil
	})

	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
	}
}

// Name implements fetcher.Tier.
func (f *Fetcher) Name() string {
	return TierName
}

type outcome struct {
	result     fetcher.Result
	statusCode int
	err        error
}

// Fetch executes a single HTTP GET, following redirects.
func (f *Fetcher) Fetch(ctx context.Context, url string) (fetcher.Result, error) {
	start := time.Now()
	var out outcome
	collector := f.buildCollector(ctx, start, &out)

	if err := f.runCollector(ctx, collector, url); err != nil && out.err == nil {
		out.err = err
	}
	if out.err != nil {
		return fetcher.Result{}, f.classify(ctx, out)
	}

	contentType := out.result.ContentType
	if !isHTML(contentType) {
		return fetcher.Result{}, fetcher.NewTierError(
			TierName, fetcher.KindContentType, out.result.StatusCode,
			fmt.Sprintf("Unexpected content type: %s", contentType),
		)
	}
	out.result.URL = url
	return out.result, nil
}

func (f *Fetcher) buildCollector(ctx context.Context, start time.Time, out *outcome) *colly.Collector {
	collector := f.baseCollector.Clone()
	collector.UserAgent = f.cfg.UserAgent
	collector.Context = ctx
	f.configureCollectorHooks(collector, start, out)
	return collector
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, start time.Time, out *outcome) {
	hooks.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
		r.Headers.Set("Accept-Language", "en-US,en;q=0.9")
	})

	hooks.OnResponse(func(r *colly.Response) {
		contentType := ""
		if r.Headers != nil {
			contentType = r.Headers.Get("Content-Type")
		}
		out.result = fetcher.Result{
			FinalURL:    r.Request.URL.String(),
			StatusCode:  r.StatusCode,
			ContentType: contentType,
			Body:        append([]byte(nil), r.Body...),
			Tier:        TierName,
			Duration:    time.Since(start),
		}
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			out.statusCode = r.StatusCode
		}
		out.err = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func (f *Fetcher) classify(ctx context.Context, out outcome) error {
	if out.statusCode >= http.StatusBadRequest {
		return fetcher.NewTierError(TierName, fetcher.KindHTTPStatus, out.statusCode,
			fmt.Sprintf("HTTP error: %d", out.statusCode))
	}
	var netErr net.Error
	if errors.Is(out.err, context.DeadlineExceeded) ||
		(errors.As(out.err, &netErr) && netErr.Timeout()) ||
		errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fetcher.Timeout(TierName, out.err)
	}
	return fetcher.Classify(TierName, out.err)
}

func isHTML(contentType string) bool {
	ct := strings.ToLower(contentType)
	if ct == "" {
		return true
	}
	return strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml")
}

func newHTTPTransport(control func(network, address string, c syscall.RawConn) error) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
			Control:   control,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
