// Package app builds the crawl engine and its collaborators from
// configuration and runs it as a one-shot crawl or a long-running service.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"golang.org/x/net/http/httpproxy"

	"github.com/JakeFAU/crawl-engine/internal/api"
	"github.com/JakeFAU/crawl-engine/internal/config"
	"github.com/JakeFAU/crawl-engine/internal/crawler"
	"github.com/JakeFAU/crawl-engine/internal/downloader"
	"github.com/JakeFAU/crawl-engine/internal/downloader/middleware"
	"github.com/JakeFAU/crawl-engine/internal/engine"
	collyfetcher "github.com/JakeFAU/crawl-engine/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/crawl-engine/internal/fetcher/headless"
	"github.com/JakeFAU/crawl-engine/internal/headless/detector"
	"github.com/JakeFAU/crawl-engine/internal/id/uuid"
	"github.com/JakeFAU/crawl-engine/internal/metrics"
	"github.com/JakeFAU/crawl-engine/internal/pipeline"
	"github.com/JakeFAU/crawl-engine/internal/policy/ratelimit"
	"github.com/JakeFAU/crawl-engine/internal/processor"
	memorypublisher "github.com/JakeFAU/crawl-engine/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/crawl-engine/internal/publisher/pubsub"
	memoryscheduler "github.com/JakeFAU/crawl-engine/internal/scheduler/memory"
	"github.com/JakeFAU/crawl-engine/internal/signals"
	"github.com/JakeFAU/crawl-engine/internal/spider/links"
	gcsstorage "github.com/JakeFAU/crawl-engine/internal/storage/gcs"
	localstorage "github.com/JakeFAU/crawl-engine/internal/storage/local"
	memorystorage "github.com/JakeFAU/crawl-engine/internal/storage/memory"
	pgstore "github.com/JakeFAU/crawl-engine/internal/storage/postgres"
	"github.com/JakeFAU/crawl-engine/internal/telemetry"
)

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	engine    *engine.Engine
	apiServer *api.Server

	disconnectMetrics func()
	tracerShutdown    func(context.Context) error
}

// Option customizes Build. Options replace config-driven components.
type Option func(*options)

type options struct {
	spider    crawler.Spider
	fetcher   crawler.Fetcher
	blobStore crawler.BlobStore
	publisher crawler.Publisher
	records   crawler.RecordStore
}

// WithSpider replaces the configured links spider.
func WithSpider(s crawler.Spider) Option { return func(o *options) { o.spider = s } }

// WithFetcher replaces the Colly fetcher.
func WithFetcher(f crawler.Fetcher) Option { return func(o *options) { o.fetcher = f } }

// WithBlobStore replaces the configured blob backend.
func WithBlobStore(b crawler.BlobStore) Option { return func(o *options) { o.blobStore = b } }

// WithPublisher replaces the configured publisher.
func WithPublisher(p crawler.Publisher) Option { return func(o *options) { o.publisher = p } }

// WithRecordStore replaces the Postgres page store.
func WithRecordStore(r crawler.RecordStore) Option { return func(o *options) { o.records = r } }

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	app := &App{cfg: cfg, logger: logger}
	// Pipelines own their clients once the processor exists; before that a
	// failed build must release what it opened.
	var opened []crawler.Closer
	defer func() {
		if err == nil {
			return
		}
		for _, c := range opened {
			if cerr := c.Close(ctx); cerr != nil {
				logger.Warn("cleanup after failed build", zap.Error(cerr))
			}
		}
		app.closeObservability(ctx)
	}()

	tp, err := telemetry.InitTracerProvider(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = tp.Shutdown

	logger.Info("building application dependencies")
	bus := signals.NewBus(logger.Named("signals"))
	app.disconnectMetrics = metrics.Connect(bus)

	scheduler := memoryscheduler.New(memoryscheduler.Config{
		Dedup:      cfg.Scheduler.Dedup,
		MaxPending: cfg.Scheduler.MaxPending,
	}, logger.Named("scheduler"))

	dl, err := setupDownloader(cfg, o.fetcher, scheduler, logger.Named("downloader"))
	if err != nil {
		return nil, err
	}
	opened = append(opened, closeFunc(func(context.Context) error { return dl.Close() }))

	blobStore := o.blobStore
	if blobStore == nil {
		if blobStore, err = setupStorage(ctx, cfg, logger); err != nil {
			return nil, err
		}
	}
	pipelines := []processor.Pipeline{}
	blob, err := pipeline.NewBlob(blobStore, logger.Named("pipeline.blob"))
	if err != nil {
		return nil, fmt.Errorf("blob pipeline init failed: %w", err)
	}
	pipelines = append(pipelines, blob)
	opened = append(opened, blob)

	records := o.records
	if records == nil {
		if records, err = setupDatabase(ctx, cfg, logger); err != nil {
			return nil, err
		}
	}
	if records != nil {
		rec, err := pipeline.NewRecord(records, uuid.New())
		if err != nil {
			return nil, fmt.Errorf("record pipeline init failed: %w", err)
		}
		pipelines = append(pipelines, rec)
		opened = append(opened, rec)
	}

	publisher := o.publisher
	if publisher == nil {
		if publisher, err = setupPublisher(ctx, cfg, logger); err != nil {
			return nil, err
		}
	}
	pub, err := pipeline.NewPublish(publisher, pipeline.PublishConfig{
		Topic:  cfg.PubSub.TopicName,
		Strict: cfg.PubSub.Strict,
	}, logger.Named("pipeline.publish"))
	if err != nil {
		return nil, fmt.Errorf("publish pipeline init failed: %w", err)
	}
	pipelines = append(pipelines, pub)
	opened = append(opened, pub)

	proc := processor.New(processor.Config{
		MaxActiveSize: cfg.Processor.MaxActiveSize,
		MaxDepth:      cfg.Processor.MaxDepth,
	}, bus, logger.Named("processor"), pipelines...)

	spider := o.spider
	if spider == nil {
		if spider, err = links.New(cfg.Spider, logger.Named("spider")); err != nil {
			return nil, fmt.Errorf("spider init failed: %w", err)
		}
	}

	app.engine, err = engine.New(engine.Config{
		MaxInFlight:  cfg.Engine.MaxInFlight,
		IdleDebounce: cfg.Engine.IdleDebounce,
		KeepAlive:    cfg.Engine.KeepAlive,
	}, engine.Deps{
		Spider:     spider,
		Scheduler:  scheduler,
		Downloader: dl,
		Processor:  proc,
		Bus:        bus,
		IDs:        uuid.New(),
	}, logger.Named("engine"))
	if err != nil {
		return nil, fmt.Errorf("engine init failed: %w", err)
	}
	app.apiServer = api.NewServer(app.engine, logger.Named("api"), cfg.Server.ShutdownTimeout)
	logger.Info("application dependencies built",
		zap.String("run_id", app.engine.RunID()),
		zap.Strings("middlewares", dl.Middlewares()),
		zap.Int("pipelines", len(pipelines)),
	)
	return app, nil
}

// Engine returns the crawl engine.
func (a *App) Engine() *engine.Engine { return a.engine }

// Handler returns the HTTP control surface.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

// Crawl runs the engine until the spider finishes or ctx ends, then
// releases observability resources.
func (a *App) Crawl(ctx context.Context) error {
	runErr := a.engine.Run(ctx)
	stats := a.engine.Stats()
	a.logger.Info("crawl finished",
		zap.String("reason", stats.CloseReason),
		zap.Int64("responses", stats.Responses),
		zap.Int64("failures", stats.Failures),
	)
	return errors.Join(runErr, a.Close(context.WithoutCancel(ctx)))
}

// Serve starts the engine and the HTTP server and blocks until ctx ends or
// the engine stops. Shutdown drains the engine within
// server.shutdown_timeout.
func (a *App) Serve(ctx context.Context) error {
	if err := a.engine.Start(ctx); err != nil {
		return errors.Join(err, a.Close(context.WithoutCancel(ctx)))
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	srvErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
		close(srvErr)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown initiated")
	case <-a.engine.Done():
		a.logger.Info("engine stopped; shutting down server")
	case err := <-srvErr:
		if err != nil {
			a.logger.Error("http server error", zap.Error(err))
			serveErr = fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	stopErr := a.engine.Stop(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	return errors.Join(serveErr, stopErr, a.Close(shutdownCtx))
}

// Close releases resources not owned by the engine. The engine closes the
// downloader and pipelines itself when it stops.
func (a *App) Close(ctx context.Context) error {
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeObservability(ctx context.Context) {
	if a.disconnectMetrics != nil {
		a.disconnectMetrics()
		a.disconnectMetrics = nil
	}
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
		a.tracerShutdown = nil
	}
}

type closeFunc func(context.Context) error

func (f closeFunc) Close(ctx context.Context) error { return f(ctx) }

func setupDownloader(
	cfg config.Config,
	fetcher crawler.Fetcher,
	enqueuer middleware.Enqueuer,
	logger *zap.Logger,
) (*downloader.Downloader, error) {
	if fetcher == nil {
		fetcher = collyfetcher.New(collyfetcher.Config{
			UserAgent:   cfg.Downloader.UserAgent,
			Timeout:     cfg.Downloader.Timeout,
			MaxBodySize: cfg.Downloader.MaxBodySize,
			TLS:         cfg.Downloader.TLS,
		}, logger.Named("colly"))
		logger.Info("using colly fetcher", zap.String("user_agent", cfg.Downloader.UserAgent))
	}

	var chain []downloader.Middleware
	if cfg.Robots.Obey {
		chain = append(chain, middleware.NewRobots(middleware.RobotsConfig{
			UserAgent: cfg.Downloader.UserAgent,
			Timeout:   cfg.Robots.Timeout,
		}, logger.Named("robots")))
	}
	chain = append(chain, middleware.NewDefaultHeaders(cfg.Downloader.UserAgent, cfg.Downloader.DefaultHeaders))
	if cfg.Retry.Enabled {
		retry, err := middleware.NewRetry(middleware.RetryConfig{
			MaxRetries:     cfg.Retry.MaxRetries,
			HTTPCodes:      cfg.Retry.HTTPCodes,
			PriorityAdjust: cfg.Retry.PriorityAdjust,
		}, enqueuer, logger.Named("retry"))
		if err != nil {
			return nil, fmt.Errorf("retry middleware init failed: %w", err)
		}
		chain = append(chain, retry)
	}
	if cfg.RateLimit.Enabled {
		chain = append(chain, middleware.NewRateLimit(ratelimit.New(ratelimit.Config{
			DefaultRPS:   cfg.RateLimit.DefaultRPS,
			DefaultBurst: cfg.RateLimit.DefaultBurst,
			Domains:      cfg.RateLimit.Domains,
		})))
		logger.Info("rate limiter enabled",
			zap.Float64("default_rps", cfg.RateLimit.DefaultRPS),
			zap.Int("default_burst", cfg.RateLimit.DefaultBurst),
		)
	}
	if cfg.Proxy.Enabled {
		proxyCfg := middleware.HTTPProxyConfig{AuthEncoding: cfg.Proxy.AuthEncoding}
		if !cfg.Proxy.UseEnv {
			proxyCfg.Env = &httpproxy.Config{}
		}
		proxy, err := middleware.NewHTTPProxy(proxyCfg, logger.Named("httpproxy"))
		if err != nil {
			return nil, fmt.Errorf("proxy middleware init failed: %w", err)
		}
		chain = append(chain, proxy)
	}
	if cfg.Headless.Enabled {
		headless, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       cfg.Headless.MaxParallel,
			UserAgent:         cfg.Downloader.UserAgent,
			NavigationTimeout: cfg.Headless.NavTimeout,
			ReadySelector:     cfg.Headless.ReadySelector,
			SettleDelay:       cfg.Headless.SettleDelay,
			ProxyServer:       cfg.Headless.ProxyServer,
		}, logger.Named("headless"))
		if err != nil {
			logger.Warn("headless fetcher init failed; rendering disabled", zap.Error(err))
		} else {
			render, err := middleware.NewRender(headless, detector.NewHeuristic(cfg.Headless.PromotionThreshold), logger.Named("render"))
			if err != nil {
				return nil, fmt.Errorf("render middleware init failed: %w", err)
			}
			chain = append(chain, render)
			logger.Info("using headless fetcher", zap.Int("max_parallel", cfg.Headless.MaxParallel))
		}
	}

	dl, err := downloader.New(downloader.Config{
		Concurrency: cfg.Downloader.Concurrency,
		Timeout:     cfg.Downloader.Timeout,
		Backend:     "colly",
	}, fetcher, logger, chain...)
	if err != nil {
		return nil, fmt.Errorf("downloader init failed: %w", err)
	}
	return dl, nil
}

func setupStorage(ctx context.Context, cfg config.Config, logger *zap.Logger) (crawler.BlobStore, error) {
	switch cfg.Storage.Backend {
	case config.StorageGCS:
		logger.Info("using GCS storage backend", zap.String("bucket", cfg.Storage.GCSBucket))
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		blobStore, err := gcsstorage.New(client, gcsstorage.Config{
			Bucket: cfg.Storage.GCSBucket,
			Prefix: cfg.Storage.Prefix,
		})
		if err != nil {
			return nil, errors.Join(fmt.Errorf("gcs blob store init failed: %w", err), client.Close())
		}
		return blobStore, nil
	case config.StorageLocal:
		logger.Info("using local storage backend", zap.String("path", cfg.Storage.LocalDir))
		blobStore, err := localstorage.New(localstorage.Config{BaseDir: cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		return blobStore, nil
	default:
		logger.Info("using in-memory storage backend")
		return memorystorage.NewBlobStore(), nil
	}
}

func setupDatabase(ctx context.Context, cfg config.Config, logger *zap.Logger) (crawler.RecordStore, error) {
	if cfg.DB.DSN == "" {
		logger.Warn("No DSN specified for database, page records will not be persisted")
		return nil, nil
	}
	store, err := pgstore.NewPageStore(ctx, pgstore.PageStoreConfig{
		DSN:             cfg.DB.DSN,
		Table:           cfg.DB.Table,
		MaxConns:        cfg.DB.MaxConns,
		MinConns:        cfg.DB.MinConns,
		MaxConnLifetime: cfg.DB.MaxConnLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("page store init failed: %w", err)
	}
	logger.Info("page store initialized", zap.String("table", cfg.DB.Table))
	return store, nil
}

func setupPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger) (crawler.Publisher, error) {
	if cfg.PubSub.ProjectID == "" {
		logger.Warn("No Pub/Sub project configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	publisher, err := gcppublisher.New(client, cfg.PubSub.TopicName)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("pubsub publisher init failed: %w", err), client.Close())
	}
	logger.Info("Pub/Sub publisher initialized",
		zap.String("project", cfg.PubSub.ProjectID),
		zap.String("topic", cfg.PubSub.TopicName),
	)
	return publisher, nil
}
