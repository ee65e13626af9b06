// Package headless implements the render tier, which loads a posting in headless Chrome.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	cdpfetch "github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/jobintake/internal/fetcher"
)

// TierName identifies this tier in results, errors and metrics.
const TierName = "headless"

// Config controls the behavior of the headless fetcher.
type Config struct {
	Enabled           bool
	ExecPath          string
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	IdleTimeout       time.Duration
	// Guard vets every document request the browser makes, redirects
	// included. Nil disables interception.
	Guard URLGuard
}

// URLGuard rejects URLs the browser must not load.
type URLGuard interface {
	Validate(ctx context.Context, rawURL string) error
}

var browserCandidates = []string{
	"headless-shell",
	"chromium",
	"chromium-browser",
	"google-chrome",
	"google-chrome-stable",
	"chrome",
}

// Fetcher renders pages with chromedp. A Fetcher built without a browser
// reports fetcher.ErrUnavailable so the chain skips it.
type Fetcher struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
	reason      string
}

// New creates a headless fetcher. It never fails: when rendering is disabled or
// no browser binary is found the fetcher is returned in an unavailable state.
func New(cfg Config) *Fetcher {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Second
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 1
	}
	f := &Fetcher{cfg: cfg}
	if !cfg.Enabled {
		f.reason = "disabled by configuration"
		return f
	}
	path, err := resolveExecPath(cfg.ExecPath)
	if err != nil {
		f.reason = err.Error()
		return f
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.ExecPath(path),
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	f.allocator, f.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	f.limiter = make(chan struct{}, cfg.MaxParallel)
	return f
}

func resolveExecPath(configured string) (string, error) {
	if configured != "" {
		path, err := exec.LookPath(configured)
		if err != nil {
			return "", fmt.Errorf("browser %q not found: %w", configured, err)
		}
		return path, nil
	}
	for _, name := range browserCandidates {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", errors.New("no chrome or chromium binary on PATH")
}

// Name implements fetcher.Tier.
func (f *Fetcher) Name() string {
	return TierName
}

// Available reports whether a browser is configured, with the reason when it is not.
func (f *Fetcher) Available() (bool, string) {
	return f.allocator != nil, f.reason
}

// Close cancels the allocator context.
func (f *Fetcher) Close() {
	if f.allocCancel != nil {
		f.allocCancel()
	}
}

// Fetch navigates with a headless browser, waits for the network to go idle,
// and returns the rendered DOM.
func (f *Fetcher) Fetch(ctx context.Context, url string) (fetcher.Result, error) {
	if f.allocator == nil {
		return fetcher.Result{}, fetcher.ErrUnavailable
	}
	if err := f.acquire(ctx); err != nil {
		return fetcher.Result{}, fetcher.Classify(TierName, err)
	}
	defer f.release()

	taskCtx, taskCancel := chromedp.NewContext(f.allocator)
	defer taskCancel()

	taskCtx, cancel := context.WithTimeout(taskCtx, f.cfg.NavigationTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	meta := newResponseMeta()
	idle := newIdleWatcher()
	guard := newNavigationGuard(taskCtx, f.cfg.Guard, cancel)
	chromedp.ListenTarget(taskCtx, func(ev any) {
		meta.captureEvent(ev)
		idle.captureEvent(ev)
		guard.captureEvent(ev)
	})

	start := time.Now()
	html, finalURL, err := f.runHeadless(taskCtx, url, idle)
	if blocked := guard.err(); blocked != nil {
		return fetcher.Result{}, blockedError(blocked)
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(taskCtx.Err(), context.DeadlineExceeded) {
			return fetcher.Result{}, fetcher.Timeout(TierName, err)
		}
		return fetcher.Result{}, fetcher.Classify(TierName, err)
	}

	status, headers, responseURL := meta.snapshotWithFallbacks(url, finalURL)
	if err := guard.verify(ctx, responseURL, finalURL); err != nil {
		return fetcher.Result{}, blockedError(err)
	}
	if status >= http.StatusBadRequest {
		return fetcher.Result{}, fetcher.NewTierError(TierName, fetcher.KindHTTPStatus, status,
			fmt.Sprintf("HTTP error: %d", status))
	}

	return fetcher.Result{
		URL:         url,
		FinalURL:    responseURL,
		StatusCode:  status,
		ContentType: headers.Get("Content-Type"),
		Body:        []byte(html),
		Tier:        TierName,
		Duration:    time.Since(start),
	}, nil
}

func (f *Fetcher) runHeadless(ctx context.Context, url string, idle *idleWatcher) (string, string, error) {
	var (
		html     string
		finalURL string
	)
	actions := []chromedp.Action{
		f.networkSetupAction(),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.ActionFunc(func(ctx context.Context) error {
			idle.wait(ctx, f.cfg.IdleTimeout)
			return nil
		}),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(ctx, actions...); err != nil {
		return "", "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, finalURL, nil
}

func (f *Fetcher) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if err := page.SetLifecycleEventsEnabled(true).Do(ctx); err != nil {
			return fmt.Errorf("enable lifecycle events: %w", err)
		}
		if f.cfg.Guard != nil {
			patterns := []*cdpfetch.RequestPattern{{
				URLPattern:   "*",
				ResourceType: network.ResourceTypeDocument,
				RequestStage: cdpfetch.RequestStageRequest,
			}}
			if err := cdpfetch.Enable().WithPatterns(patterns).Do(ctx); err != nil {
				return fmt.Errorf("enable request interception: %w", err)
			}
		}
		if f.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(f.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (f *Fetcher) acquire(ctx context.Context) error {
	select {
	case f.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (f *Fetcher) release() {
	select {
	case <-f.limiter:
	default:
	}
}

func blockedError(err error) *fetcher.TierError {
	return &fetcher.TierError{Tier: TierName, Kind: fetcher.KindTransport, Err: fmt.Errorf("Blocked navigation: %w", err)}
}

// navigationGuard holds every paused document request until the URLGuard
// accepts it. The first rejection fails the request and aborts the render.
type navigationGuard struct {
	ctx   context.Context
	guard URLGuard
	abort context.CancelFunc

	mu      sync.Mutex
	blocked error
}

func newNavigationGuard(ctx context.Context, guard URLGuard, abort context.CancelFunc) *navigationGuard {
	return &navigationGuard{ctx: ctx, guard: guard, abort: abort}
}

func (g *navigationGuard) captureEvent(ev any) {
	e, ok := ev.(*cdpfetch.EventRequestPaused)
	if !ok || g.guard == nil || e.Request == nil {
		return
	}
	// Listener callbacks must not block on CDP calls.
	go g.resolve(e.RequestID, e.Request.URL)
}

func (g *navigationGuard) resolve(id cdpfetch.RequestID, rawURL string) {
	err := g.check(g.ctx, rawURL)
	if err != nil {
		g.abort()
	}
	c := chromedp.FromContext(g.ctx)
	if c == nil || c.Target == nil {
		return
	}
	execCtx := cdp.WithExecutor(g.ctx, c.Target)
	if err != nil {
		_ = cdpfetch.FailRequest(id, network.ErrorReasonBlockedByClient).Do(execCtx)
		return
	}
	_ = cdpfetch.ContinueRequest(id).Do(execCtx)
}

// check validates one URL and remembers the first rejection.
func (g *navigationGuard) check(ctx context.Context, rawURL string) error {
	if g.guard == nil {
		return nil
	}
	err := g.guard.Validate(ctx, rawURL)
	if err != nil {
		g.mu.Lock()
		if g.blocked == nil {
			g.blocked = err
		}
		g.mu.Unlock()
	}
	return err
}

// verify re-checks the http(s) URLs the page ended up on.
func (g *navigationGuard) verify(ctx context.Context, urls ...string) error {
	for _, u := range urls {
		lower := strings.ToLower(u)
		if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
			continue
		}
		if err := g.check(ctx, u); err != nil {
			return err
		}
	}
	return nil
}

func (g *navigationGuard) err() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.blocked
}

// idleWatcher tracks the page's networkIdle lifecycle event. A new document
// load ("init") re-arms it so idleness from about:blank is not mistaken for
// idleness of the posting.
type idleWatcher struct {
	mu    sync.Mutex
	ch    chan struct{}
	fired bool
}

func newIdleWatcher() *idleWatcher {
	return &idleWatcher{ch: make(chan struct{})}
}

func (w *idleWatcher) captureEvent(ev any) {
	e, ok := ev.(*page.EventLifecycleEvent)
	if !ok {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	switch e.Name {
	case "init":
		if w.fired {
			w.ch = make(chan struct{})
			w.fired = false
		}
	case "networkIdle":
		if !w.fired {
			close(w.ch)
			w.fired = true
		}
	}
}

// wait blocks until network idle, the timeout, or ctx is done. Reaching the
// timeout is not an error; the DOM rendered so far is used.
func (w *idleWatcher) wait(ctx context.Context, timeout time.Duration) bool {
	w.mu.Lock()
	ch := w.ch
	w.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

type responseMeta struct {
	mu      sync.RWMutex
	status  int
	headers http.Header
	url     string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{
		headers: http.Header{},
	}
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	headers := http.Header{}
	for key, value := range event.Response.Headers {
		switch v := value.(type) {
		case string:
			headers.Add(key, v)
		case []any:
			for _, entry := range v {
				headers.Add(key, fmt.Sprint(entry))
			}
		default:
			headers.Add(key, fmt.Sprint(v))
		}
	}
	m.mu.Lock()
	m.status = int(event.Response.Status)
	m.headers = headers
	m.url = event.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) captureEvent(ev any) {
	if resp, ok := ev.(*network.EventResponseReceived); ok {
		m.capture(resp)
	}
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, http.Header, string) {
	m.mu.RLock()
	status, headers, url := m.status, m.headers.Clone(), m.url
	m.mu.RUnlock()

	switch {
	case url != "":
	case finalURL != "":
		url = finalURL
	default:
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	if headers == nil {
		headers = http.Header{}
	}
	return status, headers, url
}
