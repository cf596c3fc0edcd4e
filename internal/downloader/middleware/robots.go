package middleware

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/crawl-engine/internal/crawler"
)

// ErrRobotsDisallowed marks requests dropped by robots.txt.
var ErrRobotsDisallowed = errors.New("forbidden by robots.txt")

var robotsRetryBackoff = []time.Duration{
	250 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
}

// RobotsConfig controls Robots.
type RobotsConfig struct {
	UserAgent string
	Timeout   time.Duration
	// Transport is used for robots.txt fetches. Nil uses http.DefaultTransport.
	Transport http.RoundTripper
}

// Robots drops requests that the target host's robots.txt disallows. Rules
// are fetched once per scheme and host and cached for the crawl.
type Robots struct {
	client    *http.Client
	userAgent string
	cache     sync.Map
	group     singleflight.Group
	backoff   []time.Duration
	logger    *zap.Logger
}

// NewRobots builds the robots.txt middleware.
func NewRobots(cfg RobotsConfig, logger *zap.Logger) *Robots {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "*"
	}
	return &Robots{
		client:    &http.Client{Timeout: cfg.Timeout, Transport: cfg.Transport},
		userAgent: cfg.UserAgent,
		backoff:   robotsRetryBackoff,
		logger:    logger,
	}
}

// Name implements downloader.Middleware.
func (m *Robots) Name() string { return "robots" }

// ProcessRequest implements downloader.RequestProcessor.
func (m *Robots) ProcessRequest(ctx context.Context, req *crawler.Request) (*crawler.Response, error) {
	if m.Allowed(ctx, req.URL) {
		return nil, nil
	}
	m.logger.Debug("request forbidden by robots.txt", zap.String("url", req.URL))
	return nil, crawler.NewFetchFailure(req, crawler.FailureIgnored, ErrRobotsDisallowed)
}

// Allowed reports whether rawURL may be fetched. Unreachable robots.txt
// files allow everything.
func (m *Robots) Allowed(ctx context.Context, rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return true
	}
	if strings.EqualFold(parsed.Path, "/robots.txt") {
		return true
	}
	data, err := m.load(ctx, parsed)
	if err != nil {
		m.logger.Warn("robots fetch failed; allowing access", zap.String("host", parsed.Host), zap.Error(err))
		return true
	}
	group := data.FindGroup(m.userAgent)
	if group == nil {
		return true
	}
	return group.Test(parsed.RequestURI())
}

func (m *Robots) load(ctx context.Context, parsed *url.URL) (*robotstxt.RobotsData, error) {
	key := strings.ToLower(parsed.Scheme + "://" + parsed.Host)
	if data, ok := m.cache.Load(key); ok {
		cached, assertOK := data.(*robotstxt.RobotsData)
		if !assertOK {
			return nil, fmt.Errorf("robots cache type mismatch: %T", data)
		}
		return cached, nil
	}
	v, err, _ := m.group.Do(key, func() (any, error) {
		data, err := m.fetch(ctx, key+"/robots.txt")
		if err != nil {
			return nil, err
		}
		m.cache.Store(key, data)
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*robotstxt.RobotsData), nil
}

func (m *Robots) fetch(ctx context.Context, robotsURL string) (*robotstxt.RobotsData, error) {
	for attempt := 0; ; attempt++ {
		data, err := m.fetchOnce(ctx, robotsURL)
		if err == nil {
			return data, nil
		}
		if !isTransientTLSError(err) || ctx.Err() != nil {
			return nil, err
		}
		if attempt >= len(m.backoff) {
			// Hosts that keep timing out the handshake are treated as
			// having no robots.txt.
			m.logger.Info("robots fetch kept timing out; allowing all", zap.String("url", robotsURL))
			return robotstxt.FromStatusAndBytes(http.StatusNotFound, nil)
		}
		if err := sleepWithContext(ctx, m.backoff[attempt]); err != nil {
			return nil, err
		}
	}
}

func (m *Robots) fetchOnce(ctx context.Context, robotsURL string) (*robotstxt.RobotsData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("new robots request: %w", err)
	}
	req.Header.Set("User-Agent", m.userAgent)
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			m.logger.Debug("failed to close robots response body", zap.Error(cerr))
		}
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read robots body: %w", err)
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}
	return data, nil
}

func isTransientTLSError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "tls: handshake timeout")
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("robots backoff sleep: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
