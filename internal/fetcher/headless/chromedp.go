// Package headless renders pages in a shared headless Chrome instance.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/crawl-engine/internal/crawler"
)

const (
	defaultNavigationTimeout = 45 * time.Second
	defaultSettleDelay       = 500 * time.Millisecond
	defaultReadySelector     = "body"
)

// Config controls the behavior of the headless fetcher.
type Config struct {
	// MaxParallel caps concurrent tabs. Zero means unbounded.
	MaxParallel       int
	UserAgent         string
	NavigationTimeout time.Duration
	// ReadySelector is awaited before the DOM is captured.
	ReadySelector string
	// SettleDelay gives late scripts time to mutate the DOM.
	SettleDelay time.Duration
	// ProxyServer routes the whole browser through one proxy. Chrome cannot
	// switch proxies per navigation, so per-request proxy metadata is ignored.
	ProxyServer string
}

// Fetcher implements crawler.Fetcher by opening one tab per request.
type Fetcher struct {
	cfg         Config
	tabs        *semaphore.Weighted
	allocator   context.Context
	allocCancel context.CancelFunc
	logger      *zap.Logger
}

// NewChromedp creates a headless fetcher backed by chromedp. The browser
// process starts with the first Fetch.
func NewChromedp(cfg Config, logger *zap.Logger) (*Fetcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0, got %d", cfg.MaxParallel)
	}
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = defaultNavigationTimeout
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = defaultSettleDelay
	}
	if cfg.ReadySelector == "" {
		cfg.ReadySelector = defaultReadySelector
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	f := &Fetcher{cfg: cfg, logger: logger}
	if cfg.MaxParallel > 0 {
		f.tabs = semaphore.NewWeighted(int64(cfg.MaxParallel))
	}
	f.allocator, f.allocCancel = chromedp.NewExecAllocator(context.Background(), allocatorOptions(cfg)...)
	return f, nil
}

func allocatorOptions(cfg Config) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if cfg.ProxyServer != "" {
		opts = append(opts, chromedp.ProxyServer(cfg.ProxyServer))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	return opts
}

// Close shuts the browser down.
func (f *Fetcher) Close() error {
	f.allocCancel()
	return nil
}

// Fetch navigates to req.URL and returns the rendered DOM. Cancelling ctx
// aborts the navigation.
func (f *Fetcher) Fetch(ctx context.Context, req *crawler.Request) (*crawler.Response, error) {
	if f.tabs != nil {
		if err := f.tabs.Acquire(ctx, 1); err != nil {
			return nil, crawler.NewFetchFailure(req, "", fmt.Errorf("wait for headless tab: %w", err))
		}
		defer f.tabs.Release(1)
	}

	if proxy, ok := req.MetaString(crawler.MetaProxy); ok && proxy != f.cfg.ProxyServer {
		f.logger.Debug("headless fetch ignores per-request proxy",
			zap.String("url", req.URL),
			zap.String("proxy", proxy),
		)
	}

	tabCtx, closeTab := chromedp.NewContext(f.allocator)
	defer closeTab()
	tabCtx, cancel := context.WithTimeout(tabCtx, f.cfg.NavigationTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	doc := &document{}
	chromedp.ListenTarget(tabCtx, doc.observe)

	start := time.Now()
	var html, location string
	err := chromedp.Run(tabCtx,
		f.prepareTab(withoutProxyAuth(req.Headers)),
		chromedp.Navigate(req.URL),
		chromedp.WaitReady(f.cfg.ReadySelector, chromedp.ByQuery),
		chromedp.Sleep(f.cfg.SettleDelay),
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		err = fmt.Errorf("render %s: %w", req.URL, err)
		if ctx.Err() != nil {
			err = errors.Join(err, ctx.Err())
		}
		return nil, crawler.NewFetchFailure(req, "", err)
	}

	status, headers, finalURL := doc.result(req.URL, location)
	return &crawler.Response{
		URL:        finalURL,
		StatusCode: status,
		Headers:    headers,
		Body:       []byte(html),
		Duration:   time.Since(start),
		Request:    req,
		Rendered:   true,
	}, nil
}

// prepareTab enables network events and applies per-request headers.
func (f *Fetcher) prepareTab(headers http.Header) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if ua := headers.Get("User-Agent"); ua != "" {
			if err := emulation.SetUserAgentOverride(ua).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if len(headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

// document records the first top-level document response seen in a tab.
// Later document responses belong to iframes.
type document struct {
	mu      sync.Mutex
	seen    bool
	status  int
	headers http.Header
	url     string
}

func (d *document) observe(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen {
		return
	}
	d.seen = true
	d.status = int(resp.Response.Status)
	d.url = resp.Response.URL
	d.headers = fromNetworkHeaders(resp.Response.Headers)
}

// result falls back to the browser location, then the request URL, and to
// 200 when no document response was observed.
func (d *document) result(requestURL, location string) (int, http.Header, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	status, url := d.status, d.url
	if status == 0 {
		status = http.StatusOK
	}
	if url == "" {
		url = location
	}
	if url == "" {
		url = requestURL
	}
	headers := d.headers.Clone()
	if headers == nil {
		headers = http.Header{}
	}
	return status, headers, url
}

func fromNetworkHeaders(src network.Headers) http.Header {
	out := make(http.Header, len(src))
	for key, value := range src {
		switch v := value.(type) {
		case string:
			out.Add(key, v)
		case []any:
			for _, entry := range v {
				out.Add(key, fmt.Sprint(entry))
			}
		default:
			out.Add(key, fmt.Sprint(v))
		}
	}
	return out
}

func toNetworkHeaders(h http.Header) network.Headers {
	out := make(network.Headers, len(h))
	for key, values := range h {
		switch len(values) {
		case 0:
		case 1:
			out[key] = values[0]
		default:
			out[key] = append([]string(nil), values...)
		}
	}
	return out
}

// withoutProxyAuth drops proxy credentials, which the browser must never
// forward to the origin.
func withoutProxyAuth(h http.Header) http.Header {
	if h.Get("Proxy-Authorization") == "" {
		return h
	}
	out := h.Clone()
	out.Del("Proxy-Authorization")
	return out
}
