package middleware

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-engine/internal/crawler"
)

// Promoter decides whether a plain response needs a headless re-fetch.
type Promoter interface {
	ShouldPromote(resp *crawler.Response) bool
}

// Render sends requests through a headless browser when metadata asks for
// it, and re-fetches plain responses that look like client-rendered pages.
type Render struct {
	renderer crawler.Fetcher
	promoter Promoter
	logger   *zap.Logger
}

// NewRender builds the render middleware. A nil promoter only honors the
// render metadata flag.
func NewRender(renderer crawler.Fetcher, promoter Promoter, logger *zap.Logger) (*Render, error) {
	if renderer == nil {
		return nil, errors.New("render middleware needs a headless fetcher")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Render{renderer: renderer, promoter: promoter, logger: logger}, nil
}

// Name implements downloader.Middleware.
func (m *Render) Name() string { return "render" }

// ProcessRequest implements downloader.RequestProcessor.
func (m *Render) ProcessRequest(ctx context.Context, req *crawler.Request) (*crawler.Response, error) {
	if !req.MetaBool(crawler.MetaRender) {
		return nil, nil
	}
	resp, err := m.renderer.Fetch(ctx, req)
	if err != nil {
		return nil, crawler.AsFetchFailure(req, err)
	}
	return resp, nil
}

// ProcessResponse implements downloader.ResponseProcessor.
func (m *Render) ProcessResponse(ctx context.Context, req *crawler.Request, resp *crawler.Response) (*crawler.Response, error) {
	if m.promoter == nil || resp.Rendered {
		return resp, nil
	}
	if v, set := req.Meta[crawler.MetaRender]; set && v == false {
		return resp, nil
	}
	if !m.promoter.ShouldPromote(resp) {
		return resp, nil
	}
	rendered, err := m.renderer.Fetch(ctx, req)
	if err != nil {
		m.logger.Warn("headless promotion failed; keeping plain response",
			zap.String("url", req.URL),
			zap.Error(err),
		)
		return resp, nil
	}
	m.logger.Debug("promoted response to headless render", zap.String("url", req.URL))
	return rendered, nil
}

// Close shuts the headless browser down when the renderer owns one.
func (m *Render) Close() error {
	if c, ok := m.renderer.(interface{ Close() error }); ok {
		if err := c.Close(); err != nil {
			return fmt.Errorf("close renderer: %w", err)
		}
	}
	return nil
}
