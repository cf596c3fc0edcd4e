// Package downloader executes fetches under a concurrency cap and runs each
// request through an ordered downloader middleware chain.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/crawl-engine/internal/crawler"
	"github.com/JakeFAU/crawl-engine/internal/metrics"
)

// ErrClosed is returned by Fetch after Close.
var ErrClosed = errors.New("downloader closed")

// Middleware is a named downloader hook. A middleware implements any subset
// of RequestProcessor, ResponseProcessor and FailureProcessor.
type Middleware interface {
	Name() string
}

// RequestProcessor runs before the fetch, in chain order. Returning a
// response skips the fetch; returning an error fails the request.
type RequestProcessor interface {
	ProcessRequest(ctx context.Context, req *crawler.Request) (*crawler.Response, error)
}

// ResponseProcessor runs after a successful fetch, in reverse chain order.
// Returning an error turns the response into a failure.
type ResponseProcessor interface {
	ProcessResponse(ctx context.Context, req *crawler.Request, resp *crawler.Response) (*crawler.Response, error)
}

// FailureProcessor runs after a failed fetch, in reverse chain order.
// Returning a response recovers the request; returning an error replaces the
// failure and ends the chain.
type FailureProcessor interface {
	ProcessFailure(ctx context.Context, req *crawler.Request, failure *crawler.FetchFailure) (*crawler.Response, error)
}

// Config controls the downloader.
type Config struct {
	Concurrency int
	Timeout     time.Duration
	// Backend labels fetch metrics and spans.
	Backend string
}

// Downloader implements crawler.Downloader.
type Downloader struct {
	cfg         Config
	fetcher     crawler.Fetcher
	middlewares []Middleware
	sem         *semaphore.Weighted
	active      atomic.Int64
	closed      atomic.Bool
	tracer      trace.Tracer
	logger      *zap.Logger
}

// New builds a Downloader around fetcher.
func New(cfg Config, fetcher crawler.Fetcher, logger *zap.Logger, middlewares ...Middleware) (*Downloader, error) {
	if fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if cfg.Concurrency <= 0 {
		return nil, fmt.Errorf("concurrency must be > 0, got %d", cfg.Concurrency)
	}
	if cfg.Backend == "" {
		cfg.Backend = "http"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Downloader{
		cfg:         cfg,
		fetcher:     fetcher,
		middlewares: append([]Middleware(nil), middlewares...),
		sem:         semaphore.NewWeighted(int64(cfg.Concurrency)),
		tracer:      otel.Tracer("github.com/JakeFAU/crawl-engine/internal/downloader"),
		logger:      logger,
	}, nil
}

// Capacity implements crawler.Downloader.
func (d *Downloader) Capacity() int {
	return d.cfg.Concurrency
}

// Active returns the number of fetches holding a slot.
func (d *Downloader) Active() int {
	return int(d.active.Load())
}

// Middlewares returns the configured chain names in order.
func (d *Downloader) Middlewares() []string {
	names := make([]string, 0, len(d.middlewares))
	for _, mw := range d.middlewares {
		names = append(names, mw.Name())
	}
	return names
}

// Fetch implements crawler.Downloader.
func (d *Downloader) Fetch(ctx context.Context, req *crawler.Request) (*crawler.Response, error) {
	if d.closed.Load() {
		return nil, crawler.NewFetchFailure(req, crawler.FailureCanceled, ErrClosed)
	}
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return nil, crawler.NewFetchFailure(req, "", fmt.Errorf("acquire download slot: %w", err))
	}
	defer d.sem.Release(1)
	d.active.Add(1)
	defer d.active.Add(-1)

	ctx, span := d.tracer.Start(ctx, "downloader.fetch", trace.WithAttributes(
		attribute.String("http.url", req.URL),
		attribute.String("http.method", req.Method),
		attribute.String("crawler.backend", d.cfg.Backend),
	))
	defer span.End()

	if timeout := d.timeoutFor(req); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := d.run(ctx, req)
	metrics.ObserveFetchDuration(d.cfg.Backend, time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
	return resp, nil
}

func (d *Downloader) timeoutFor(req *crawler.Request) time.Duration {
	if req.Meta != nil {
		switch v := req.Meta[crawler.MetaDownloadTimeout].(type) {
		case time.Duration:
			return v
		case float64:
			return time.Duration(v * float64(time.Second))
		case int:
			return time.Duration(v) * time.Second
		}
	}
	return d.cfg.Timeout
}

func (d *Downloader) run(ctx context.Context, req *crawler.Request) (*crawler.Response, error) {
	for _, mw := range d.middlewares {
		rp, ok := mw.(RequestProcessor)
		if !ok {
			continue
		}
		resp, err := rp.ProcessRequest(ctx, req)
		if err != nil {
			return d.fail(ctx, req, fmt.Errorf("%s: %w", mw.Name(), err))
		}
		if resp != nil {
			return d.respond(ctx, req, resp)
		}
	}
	resp, err := d.fetcher.Fetch(ctx, req)
	if err != nil {
		return d.fail(ctx, req, err)
	}
	if resp.Request == nil {
		resp.Request = req
	}
	return d.respond(ctx, req, resp)
}

func (d *Downloader) respond(ctx context.Context, req *crawler.Request, resp *crawler.Response) (*crawler.Response, error) {
	for i := len(d.middlewares) - 1; i >= 0; i-- {
		mw := d.middlewares[i]
		rp, ok := mw.(ResponseProcessor)
		if !ok {
			continue
		}
		next, err := rp.ProcessResponse(ctx, req, resp)
		if err != nil {
			return nil, crawler.AsFetchFailure(req, err)
		}
		if next != nil {
			resp = next
		}
	}
	return resp, nil
}

func (d *Downloader) fail(ctx context.Context, req *crawler.Request, err error) (*crawler.Response, error) {
	failure := crawler.AsFetchFailure(req, err)
	for i := len(d.middlewares) - 1; i >= 0; i-- {
		mw := d.middlewares[i]
		fp, ok := mw.(FailureProcessor)
		if !ok {
			continue
		}
		resp, ferr := fp.ProcessFailure(ctx, req, failure)
		if ferr != nil {
			return nil, crawler.AsFetchFailure(req, ferr)
		}
		if resp != nil {
			d.logger.Debug("middleware recovered failed request",
				zap.String("middleware", mw.Name()),
				zap.String("url", req.URL),
			)
			return d.respond(ctx, req, resp)
		}
	}
	return nil, failure
}

// Close implements crawler.Downloader. In-flight fetches finish; new ones
// fail with ErrClosed.
func (d *Downloader) Close() error {
	if d.closed.Swap(true) {
		return nil
	}
	var errs []error
	for _, mw := range d.middlewares {
		if c, ok := mw.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close middleware %s: %w", mw.Name(), err))
			}
		}
	}
	if c, ok := d.fetcher.(interface{ Close() error }); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close fetcher: %w", err))
		}
	}
	return errors.Join(errs...)
}
