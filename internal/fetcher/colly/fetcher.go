// Package collyfetcher implements Fetcher using gocolly.
package collyfetcher

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-engine/internal/crawler"
)

const proxyAuthorization = "Proxy-Authorization"

// Config controls collector behavior.
type Config struct {
	UserAgent   string
	Timeout     time.Duration
	MaxBodySize int
	TLS         TLSConfig
}

// Fetcher implements crawler.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	transport     *http.Transport
	baseCollector *colly.Collector
	logger        *zap.Logger
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. Robots handling is left to downloader middleware,
// and non-2xx responses are returned as responses rather than errors.
func New(cfg Config, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.IgnoreRobotsTxt = true
	c.ParseHTTPErrorResponse = true
	if cfg.MaxBodySize > 0 {
		c.MaxBodySize = cfg.MaxBodySize
	}
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}

	transport := newHTTPTransport(buildTLSConfig(cfg.TLS, logger))
	c.WithTransport(transport)
	c.SetRequestTimeout(cfg.Timeout)

	return &Fetcher{
		cfg:           cfg,
		transport:     transport,
		baseCollector: c,
		logger:        logger,
	}
}

// Close releases idle connections.
func (f *Fetcher) Close() error {
	f.transport.CloseIdleConnections()
	return nil
}

// Fetch executes a single request using Colly. The proxy chosen by
// downloader middleware travels with the request context.
func (f *Fetcher) Fetch(ctx context.Context, req *crawler.Request) (*crawler.Response, error) {
	var (
		result   *crawler.Response
		fetchErr error
	)
	route, err := routeFor(req)
	if err != nil {
		return nil, crawler.NewFetchFailure(req, crawler.FailureOther, err)
	}
	headers := outgoingHeaders(req, route)

	collector := f.baseCollector.Clone()
	collector.Context = withRoute(ctx, route)
	f.configureCollectorHooks(collector, req, time.Now(), &result, &fetchErr)

	if err := f.runCollector(ctx, collector, req, headers, &fetchErr); err != nil {
		return nil, crawler.NewFetchFailure(req, "", err)
	}
	if result == nil {
		return nil, crawler.NewFetchFailure(req, crawler.FailureOther, fmt.Errorf("no response for %s", req.URL))
	}
	return result, nil
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	request *crawler.Request,
	start time.Time,
	result **crawler.Response,
	fetchErr *error,
) {
	hooks.OnRequest(func(r *colly.Request) {
		f.logger.Debug("fetching", zap.String("url", r.URL.String()), zap.String("method", r.Method))
	})

	hooks.OnResponse(func(r *colly.Response) {
		var headers http.Header
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		*result = &crawler.Response{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    headers,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
			Request:    request,
		}
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (f *Fetcher) runCollector(
	ctx context.Context,
	collector *colly.Collector,
	req *crawler.Request,
	headers http.Header,
	fetchErr *error,
) error {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	done := make(chan error, 1)
	go func() {
		done <- collector.Request(method, req.URL, body, nil, headers)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly request failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

// outgoingHeaders copies the request headers. Proxy credentials for TLS
// targets move to the CONNECT request so the origin never sees them.
func outgoingHeaders(req *crawler.Request, route proxyRoute) http.Header {
	headers := req.Headers.Clone()
	if headers == nil {
		headers = http.Header{}
	}
	if route.proxy == nil || strings.HasPrefix(strings.ToLower(req.URL), "https:") {
		headers.Del(proxyAuthorization)
	}
	return headers
}

type routeKey struct{}

type proxyRoute struct {
	proxy *url.URL
	auth  string
}

func routeFor(req *crawler.Request) (proxyRoute, error) {
	raw, ok := req.MetaString(crawler.MetaProxy)
	if !ok || raw == "" {
		return proxyRoute{}, nil
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return proxyRoute{}, fmt.Errorf("parse proxy %q: %w", raw, err)
	}
	return proxyRoute{proxy: u, auth: req.Headers.Get(proxyAuthorization)}, nil
}

func withRoute(ctx context.Context, route proxyRoute) context.Context {
	return context.WithValue(ctx, routeKey{}, route)
}

func routeFromContext(ctx context.Context) proxyRoute {
	route, _ := ctx.Value(routeKey{}).(proxyRoute)
	return route
}

func proxyFromContext(r *http.Request) (*url.URL, error) {
	return routeFromContext(r.Context()).proxy, nil
}

func proxyConnectHeader(ctx context.Context, _ *url.URL, _ string) (http.Header, error) {
	route := routeFromContext(ctx)
	if route.auth == "" {
		return nil, nil
	}
	return http.Header{proxyAuthorization: {route.auth}}, nil
}

func newHTTPTransport(tlsConfig *tlsOptions) *http.Transport {
	return &http.Transport{
		Proxy:                 proxyFromContext,
		GetProxyConnectHeader: proxyConnectHeader,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig:       tlsConfig.config,
		ForceAttemptHTTP2:     tlsConfig.http2,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
