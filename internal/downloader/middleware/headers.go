package middleware

import (
	"context"
	"net/http"

	"github.com/JakeFAU/crawl-engine/internal/crawler"
)

// DefaultHeaders fills in the user agent and any configured headers the
// request does not already set.
type DefaultHeaders struct {
	userAgent string
	headers   http.Header
}

// NewDefaultHeaders builds the header middleware. An empty userAgent leaves
// the fetcher's own user agent in place.
func NewDefaultHeaders(userAgent string, headers map[string]string) *DefaultHeaders {
	h := make(http.Header, len(headers))
	for k, v := range headers {
		h.Set(k, v)
	}
	return &DefaultHeaders{userAgent: userAgent, headers: h}
}

// Name implements downloader.Middleware.
func (m *DefaultHeaders) Name() string { return "headers" }

// ProcessRequest implements downloader.RequestProcessor.
func (m *DefaultHeaders) ProcessRequest(_ context.Context, req *crawler.Request) (*crawler.Response, error) {
	if req.Headers == nil {
		req.Headers = http.Header{}
	}
	for k, v := range m.headers {
		if _, ok := req.Headers[k]; !ok {
			req.Headers[k] = append([]string(nil), v...)
		}
	}
	if m.userAgent != "" && req.Headers.Get("User-Agent") == "" {
		req.Headers.Set("User-Agent", m.userAgent)
	}
	return nil, nil
}
