// Package server wires configuration into a running ingestion service.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/jobintake/internal/api"
	"github.com/JakeFAU/jobintake/internal/clock/system"
	"github.com/JakeFAU/jobintake/internal/config"
	"github.com/JakeFAU/jobintake/internal/detector"
	"github.com/JakeFAU/jobintake/internal/dispatcher"
	"github.com/JakeFAU/jobintake/internal/extractor"
	"github.com/JakeFAU/jobintake/internal/fetcher"
	collyfetcher "github.com/JakeFAU/jobintake/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/jobintake/internal/fetcher/headless"
	"github.com/JakeFAU/jobintake/internal/fetcher/proxy"
	"github.com/JakeFAU/jobintake/internal/hash/sha256"
	"github.com/JakeFAU/jobintake/internal/id/uuid"
	"github.com/JakeFAU/jobintake/internal/ingest"
	"github.com/JakeFAU/jobintake/internal/llm"
	"github.com/JakeFAU/jobintake/internal/llm/gemini"
	"github.com/JakeFAU/jobintake/internal/llm/openai"
	"github.com/JakeFAU/jobintake/internal/metrics"
	"github.com/JakeFAU/jobintake/internal/pipeline"
	"github.com/JakeFAU/jobintake/internal/policy/ratelimit"
	"github.com/JakeFAU/jobintake/internal/posting"
	memorypublisher "github.com/JakeFAU/jobintake/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/jobintake/internal/publisher/pubsub"
	"github.com/JakeFAU/jobintake/internal/queue"
	"github.com/JakeFAU/jobintake/internal/retry"
	"github.com/JakeFAU/jobintake/internal/safety"
	"github.com/JakeFAU/jobintake/internal/scheduler"
	gcsstorage "github.com/JakeFAU/jobintake/internal/storage/gcs"
	localstorage "github.com/JakeFAU/jobintake/internal/storage/local"
	memorystorage "github.com/JakeFAU/jobintake/internal/storage/memory"
	pgstore "github.com/JakeFAU/jobintake/internal/storage/postgres"
	"github.com/JakeFAU/jobintake/internal/telemetry"
	"github.com/JakeFAU/jobintake/internal/worker"
)

const (
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 10 * time.Second
	requestTimeout    = 120 * time.Second
)

// Option customizes Build.
type Option func(*options)

type options struct {
	completer llm.Completer
	version   string
}

// WithCompleter replaces the configured LLM provider.
func WithCompleter(c llm.Completer) Option {
	return func(o *options) {
		o.completer = c
	}
}

// WithVersion sets the service version reported to telemetry.
func WithVersion(v string) Option {
	return func(o *options) {
		o.version = v
	}
}

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	clock     posting.Clock
	store     posting.Store
	queue     posting.Queue
	publisher posting.Publisher
	pipeline  *pipeline.Pipeline
	dispatch  *dispatcher.Dispatcher
	scheduler *scheduler.Scheduler
	service   *ingest.Service
	apiServer *api.Server
	headless  *headlessfetcher.Fetcher
	providers *telemetry.Providers
	closers   []func()
}

// Build constructs every dependency named by cfg. The caller owns the
// returned App and must Close it.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	o := options{version: "dev"}
	for _, opt := range opts {
		opt(&o)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()

	app := &App{cfg: cfg, logger: logger, clock: system.New()}
	steps := []func(context.Context, options) error{
		app.setupObservability,
		app.setupStore,
		app.setupPublisher,
		app.setupQueue,
		app.setupPipeline,
		app.setupDispatcher,
		app.setupService,
	}
	for _, step := range steps {
		if err := step(ctx, o); err != nil {
			app.Close()
			return nil, err
		}
	}
	return app, nil
}

func (a *App) setupObservability(ctx context.Context, o options) error {
	providers, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: a.cfg.Telemetry.ServiceName,
		Version:     o.version,
		ProjectID:   a.cfg.Telemetry.ProjectID,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	a.providers = providers
	return nil
}

func (a *App) setupStore(ctx context.Context, _ options) error {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("No database DSN configured, using in-memory posting store")
		a.store = memorystorage.NewPostingStore(memorystorage.WithClock(a.clock))
		return nil
	}
	store, err := pgstore.Open(ctx, pgstore.Config{DSN: a.cfg.DB.DSN, MaxConns: a.cfg.DB.MaxConns})
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	a.closers = append(a.closers, store.Close)
	a.store = store
	return nil
}

func (a *App) setupBlobs(ctx context.Context) (posting.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case "gcs":
		client, err := gcsstorage.Dial(ctx)
		if err != nil {
			return nil, err
		}
		blobs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Storage.Bucket, Prefix: a.cfg.Storage.Prefix})
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		a.closers = append(a.closers, func() {
			if err := blobs.Close(); err != nil {
				a.logger.Warn("close gcs client", zap.Error(err))
			}
		})
		return blobs, nil
	case "local":
		return localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.LocalDir})
	default:
		return memorystorage.NewBlobStore(), nil
	}
}

func (a *App) setupPublisher(ctx context.Context, _ options) error {
	if a.cfg.PubSub.Topic == "" {
		a.logger.Info("No Pub/Sub topic configured, using in-memory publisher")
		a.publisher = memorypublisher.New(memorypublisher.WithLogger(a.logger.Named("events")))
		return nil
	}
	pub, err := gcppublisher.Open(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.Topic)
	if err != nil {
		return fmt.Errorf("open pubsub publisher: %w", err)
	}
	a.closers = append(a.closers, func() {
		if err := pub.Close(); err != nil {
			a.logger.Warn("close pubsub publisher", zap.Error(err))
		}
	})
	a.publisher = pub
	return nil
}

func (a *App) setupQueue(ctx context.Context, _ options) error {
	q, err := queue.Open(ctx, queue.Config{
		Backend:            a.cfg.Queue.Backend,
		Depth:              a.cfg.Queue.Depth,
		RedisURL:           a.cfg.Queue.RedisURL,
		RedisKey:           a.cfg.Queue.RedisKey,
		PubSubProject:      a.cfg.Queue.PubSubProject,
		PubSubTopic:        a.cfg.Queue.PubSubTopic,
		PubSubSubscription: a.cfg.Queue.PubSubSubscription,
	}, a.logger.Named("queue"))
	if err != nil {
		return fmt.Errorf("open queue: %w", err)
	}
	a.closers = append(a.closers, q.Close)
	a.queue = q

	if r, ok := q.(queue.Recoverer); ok {
		n, err := r.Recover(ctx)
		if err != nil {
			return fmt.Errorf("recover in-flight tasks: %w", err)
		}
		if n > 0 {
			a.logger.Info("recovered in-flight tasks", zap.Int("count", n))
		}
	}
	return nil
}

func (a *App) setupCompleter(ctx context.Context, o options) (llm.Completer, error) {
	if o.completer != nil {
		return o.completer, nil
	}
	if err := a.cfg.RequireLLM(); err != nil {
		return nil, err
	}
	switch a.cfg.LLM.Provider {
	case "openai":
		return openai.New(openai.Config{APIKey: a.cfg.LLM.APIKey, Model: a.cfg.LLM.Model, BaseURL: a.cfg.LLM.BaseURL})
	default:
		c, err := gemini.New(ctx, a.cfg.LLM.APIKey, a.cfg.LLM.Model)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = c.Close() })
		return c, nil
	}
}

func (a *App) setupPipeline(ctx context.Context, o options) error {
	completer, err := a.setupCompleter(ctx, o)
	if err != nil {
		return fmt.Errorf("configure llm: %w", err)
	}
	client, err := llm.New(completer, llm.Config{
		MaxInputChars: a.cfg.LLM.MaxInputChars,
		Timeout:       a.cfg.LLM.Timeout,
		Temperature:   a.cfg.LLM.Temperature,
		MaxTokens:     a.cfg.LLM.MaxTokens,
	}, a.logger.Named("llm"))
	if err != nil {
		return err
	}

	blobs, err := a.setupBlobs(ctx)
	if err != nil {
		return fmt.Errorf("configure capture storage: %w", err)
	}

	a.pipeline = pipeline.New(
		safety.New(),
		a.buildChain(),
		extractor.NewRegistry(extractor.Defaults()...),
		client,
		pipeline.Config{MaxRawText: a.cfg.Pipeline.MaxRawText},
		a.logger.Named("pipeline"),
		pipeline.WithCaptureArchive(blobs, sha256.New()),
	)
	return nil
}

func (a *App) buildChain() *fetcher.Chain {
	fc := a.cfg.Fetch
	direct := collyfetcher.New(collyfetcher.Config{
		UserAgent:   fc.UserAgent,
		Timeout:     fc.DirectTimeout,
		DialControl: safety.DialControl,
	})
	a.headless = headlessfetcher.New(headlessfetcher.Config{
		Enabled:           fc.HeadlessEnabled,
		ExecPath:          fc.HeadlessExecPath,
		MaxParallel:       fc.HeadlessMaxParallel,
		UserAgent:         fc.UserAgent,
		NavigationTimeout: fc.HeadlessTimeout,
		IdleTimeout:       fc.HeadlessIdleTimeout,
		Guard:             safety.New(),
	})
	if ok, reason := a.headless.Available(); !ok {
		a.logger.Warn("headless tier unavailable", zap.String("reason", reason))
	}
	a.closers = append(a.closers, a.headless.Close)

	render := proxy.New(proxy.Config{
		APIKey:   fc.ProxyAPIKey,
		Endpoint: fc.ProxyEndpoint,
		Timeout:  fc.ProxyTimeout,
	}, proxy.WithRateLimiter(ratelimit.New(ratelimit.Config{DefaultRPS: fc.ProxyRPS, DefaultBurst: 1})))

	return fetcher.NewChain(
		fetcher.ChainConfig{MinContent: fc.MinContent},
		detector.New(nil, 0),
		a.logger.Named("fetch"),
		direct, a.headless, render,
	)
}

func (a *App) setupDispatcher(_ context.Context, _ options) error {
	policy := retry.NewLinearPolicy(a.cfg.Worker.MaxRetries, a.cfg.Worker.BackoffBase, a.cfg.Worker.BackoffMax)
	workers := make([]dispatcher.Runner, 0, a.cfg.Worker.Concurrency)
	for i := 0; i < a.cfg.Worker.Concurrency; i++ {
		workers = append(workers, worker.New(
			a.queue,
			a.store,
			a.publisher,
			a.pipeline,
			policy,
			a.clock,
			worker.Config{Topic: a.cfg.PubSub.Topic, TaskTimeout: a.cfg.Worker.TaskTimeout},
			a.logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	a.dispatch = dispatcher.New(a.queue, workers)

	var promoter scheduler.Promoter
	if p, ok := a.queue.(queue.Promoter); ok {
		promoter = p
	}
	a.scheduler = scheduler.New(a.store, promoter, a.clock,
		scheduler.Config{StaleAfter: a.cfg.Worker.StaleAfter}, a.logger.Named("scheduler"))
	return nil
}

func (a *App) setupService(_ context.Context, _ options) error {
	a.service = ingest.New(
		a.store,
		a.dispatch,
		safety.New(),
		a.pipeline,
		a.publisher,
		uuid.New(),
		a.clock,
		ingest.Config{Topic: a.cfg.PubSub.Topic},
		a.logger.Named("ingest"),
	)
	a.apiServer = api.NewServer(a.service, api.Config{
		AuthEnabled:    a.cfg.Auth.Enabled,
		APIKey:         a.cfg.Auth.APIKey,
		RequestTimeout: requestTimeout,
	}, a.logger.Named("api"))
	return nil
}

// Handler exposes the HTTP API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Service exposes the posting operations.
func (a *App) Service() *ingest.Service {
	return a.service
}

// Run serves the API, the workers and the maintenance jobs until ctx is
// canceled or SIGINT/SIGTERM arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("HTTP server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("HTTP server shutdown failed", zap.Error(err))
		}
		return nil
	})
	a.runBackground(gctx, g)

	err := g.Wait()
	a.logger.Info("application stopped")
	return err
}

// RunWorkers processes tasks without serving HTTP.
func (a *App) RunWorkers(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	a.runBackground(gctx, g)
	return g.Wait()
}

func (a *App) runBackground(ctx context.Context, g *errgroup.Group) {
	g.Go(func() error {
		a.logger.Info("dispatcher started", zap.Int("workers", a.dispatch.Size()))
		a.dispatch.Run(ctx)
		return nil
	})
	g.Go(func() error {
		return a.scheduler.Run(ctx)
	})
}

// Extract runs the pipeline once for rawURL without persisting anything.
func (a *App) Extract(ctx context.Context, rawURL string) (posting.Posting, pipeline.Outcome, error) {
	now := a.clock.Now()
	post := posting.Posting{
		ID:        "adhoc",
		URL:       rawURL,
		Status:    posting.StatusProcessing,
		CreatedAt: now,
		UpdatedAt: now,
	}
	out, err := a.pipeline.Run(ctx, post, posting.TaskURL)
	if err != nil {
		return post, out, err
	}
	out.Apply(&post)
	return post, out, nil
}

// Close releases infrastructure in reverse order of construction and flushes telemetry.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
	if a.providers != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.providers.Shutdown(ctx); err != nil {
			a.logger.Warn("telemetry shutdown", zap.Error(err))
		}
	}
}
