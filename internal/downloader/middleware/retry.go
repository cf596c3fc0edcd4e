package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-engine/internal/crawler"
	"github.com/JakeFAU/crawl-engine/internal/metrics"
)

// DefaultRetryHTTPCodes are retried unless configured otherwise.
var DefaultRetryHTTPCodes = []int{
	http.StatusInternalServerError,
	http.StatusBadGateway,
	http.StatusServiceUnavailable,
	http.StatusGatewayTimeout,
	522,
	524,
	http.StatusRequestTimeout,
	http.StatusTooManyRequests,
}

// Enqueuer accepts re-scheduled requests. The scheduler satisfies it.
type Enqueuer interface {
	Enqueue(req *crawler.Request) bool
}

// RetryConfig controls Retry.
type RetryConfig struct {
	// MaxRetries is the number of extra attempts per request; the
	// retry_times metadata counts attempts already made.
	MaxRetries int
	HTTPCodes  []int
	// PriorityAdjust is added to a retried request's priority.
	PriorityAdjust int
}

// Retry re-schedules requests that failed transiently or came back with a
// retryable status. The current dispatch then ends as a FailureRetried
// failure, so the engine keeps tracking the copy through the scheduler.
type Retry struct {
	cfg      RetryConfig
	enqueuer Enqueuer
	logger   *zap.Logger
}

// NewRetry builds the retry middleware.
func NewRetry(cfg RetryConfig, enqueuer Enqueuer, logger *zap.Logger) (*Retry, error) {
	if enqueuer == nil {
		return nil, errors.New("retry middleware needs an enqueuer")
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("max retries must be >= 0, got %d", cfg.MaxRetries)
	}
	if cfg.HTTPCodes == nil {
		cfg.HTTPCodes = DefaultRetryHTTPCodes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retry{cfg: cfg, enqueuer: enqueuer, logger: logger}, nil
}

// Name implements downloader.Middleware.
func (m *Retry) Name() string { return "retry" }

// ProcessResponse implements downloader.ResponseProcessor.
func (m *Retry) ProcessResponse(_ context.Context, req *crawler.Request, resp *crawler.Response) (*crawler.Response, error) {
	if req.MetaBool(crawler.MetaDontRetry) || !slices.Contains(m.cfg.HTTPCodes, resp.StatusCode) {
		return resp, nil
	}
	reason := fmt.Sprintf("status_%d", resp.StatusCode)
	if !m.retry(req, reason) {
		return resp, nil
	}
	return nil, crawler.NewFetchFailure(req, crawler.FailureRetried, fmt.Errorf("retrying after status %d", resp.StatusCode))
}

// ProcessFailure implements downloader.FailureProcessor.
func (m *Retry) ProcessFailure(_ context.Context, req *crawler.Request, failure *crawler.FetchFailure) (*crawler.Response, error) {
	if req.MetaBool(crawler.MetaDontRetry) || !ShouldRetry(failure) {
		return nil, nil
	}
	if !m.retry(req, string(failure.Kind)) {
		return nil, nil
	}
	return nil, crawler.NewFetchFailure(req, crawler.FailureRetried, failure.Err)
}

// ShouldRetry reports whether a failure is worth another attempt. Timeouts
// and network errors are; cancellation and deliberate drops are not.
func ShouldRetry(failure *crawler.FetchFailure) bool {
	if failure == nil {
		return false
	}
	switch failure.Kind {
	case crawler.FailureTimeout, crawler.FailureNetwork:
		return true
	default:
		return false
	}
}

func (m *Retry) retry(req *crawler.Request, reason string) bool {
	attempts := req.MetaInt(crawler.MetaRetryTimes) + 1
	if attempts > m.cfg.MaxRetries {
		m.logger.Debug("gave up retrying",
			zap.String("url", req.URL),
			zap.Int("retries", attempts-1),
			zap.String("reason", reason),
		)
		return false
	}
	next := req.Copy()
	next.SetMeta(crawler.MetaRetryTimes, attempts)
	next.DontFilter = true
	next.Priority += m.cfg.PriorityAdjust
	if !m.enqueuer.Enqueue(next) {
		m.logger.Warn("scheduler rejected retry", zap.String("url", req.URL))
		return false
	}
	metrics.ObserveRetry(reason)
	m.logger.Debug("retrying request",
		zap.String("url", req.URL),
		zap.Int("attempt", attempts),
		zap.String("reason", reason),
	)
	return true
}
