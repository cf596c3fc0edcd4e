package middleware

import (
	"context"

	"github.com/JakeFAU/crawl-engine/internal/crawler"
)

// Waiter blocks until a request for rawURL may proceed.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// RateLimit throttles requests per domain before they reach the fetcher.
type RateLimit struct {
	waiter Waiter
}

// NewRateLimit wraps a per-domain limiter.
func NewRateLimit(w Waiter) *RateLimit {
	return &RateLimit{waiter: w}
}

// Name implements downloader.Middleware.
func (m *RateLimit) Name() string { return "ratelimit" }

// ProcessRequest implements downloader.RequestProcessor.
func (m *RateLimit) ProcessRequest(ctx context.Context, req *crawler.Request) (*crawler.Response, error) {
	if err := m.waiter.Wait(ctx, req.URL); err != nil {
		return nil, crawler.NewFetchFailure(req, "", err)
	}
	return nil, nil
}
