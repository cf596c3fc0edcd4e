// Package middleware contains the bundled downloader middleware: proxy
// selection, default headers, robots.txt enforcement, per-domain rate
// limiting, headless render promotion and retries.
package middleware

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/net/http/httpproxy"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/encoding/unicode"

	"github.com/JakeFAU/crawl-engine/internal/crawler"
)

// ProxyAuthorizationHeader carries proxy credentials.
const ProxyAuthorizationHeader = "Proxy-Authorization"

// DefaultAuthEncoding matches what most proxies expect for Basic credentials.
const DefaultAuthEncoding = "latin-1"

// HTTPProxyConfig controls HTTPProxy.
type HTTPProxyConfig struct {
	// AuthEncoding names the charset used to encode user:password before
	// base64. Empty means DefaultAuthEncoding.
	AuthEncoding string
	// Env supplies environment proxies. Nil reads http_proxy, https_proxy
	// and no_proxy from the process environment.
	Env *httpproxy.Config
}

// HTTPProxy assigns proxies to requests and keeps Proxy-Authorization in
// sync with the proxy a request is actually routed through.
//
// An explicit "proxy" metadata value wins. A present but nil or empty value
// disables proxying. Without the key, environment proxies apply unless the
// target host is excluded by no_proxy.
type HTTPProxy struct {
	encoding  encoding.Encoding
	envProxy  func(*url.URL) (*url.URL, error)
	envActive bool
	logger    *zap.Logger
}

// NewHTTPProxy builds the proxy middleware.
func NewHTTPProxy(cfg HTTPProxyConfig, logger *zap.Logger) (*HTTPProxy, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	name := cfg.AuthEncoding
	if name == "" {
		name = DefaultAuthEncoding
	}
	enc, err := resolveEncoding(name)
	if err != nil {
		return nil, err
	}
	env := cfg.Env
	if env == nil {
		env = httpproxy.FromEnvironment()
	}
	return &HTTPProxy{
		encoding:  enc,
		envProxy:  env.ProxyFunc(),
		envActive: env.HTTPProxy != "" || env.HTTPSProxy != "",
		logger:    logger,
	}, nil
}

func resolveEncoding(name string) (encoding.Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "latin-1", "latin1", "iso-8859-1", "iso8859-1":
		return charmap.ISO8859_1, nil
	case "utf-8", "utf8":
		return unicode.UTF8, nil
	}
	enc, err := ianaindex.IANA.Encoding(name)
	if err != nil {
		return nil, fmt.Errorf("proxy auth encoding %q: %w", name, err)
	}
	if enc == nil {
		return nil, fmt.Errorf("proxy auth encoding %q is not supported", name)
	}
	return enc, nil
}

// Name implements downloader.Middleware.
func (m *HTTPProxy) Name() string { return "httpproxy" }

// ProcessRequest implements downloader.RequestProcessor.
func (m *HTTPProxy) ProcessRequest(_ context.Context, req *crawler.Request) (*crawler.Response, error) {
	if req.Headers == nil {
		req.Headers = http.Header{}
	}
	// An environment proxy picked for an earlier attempt is re-resolved, since
	// the URL scheme may have changed since.
	if req.MetaBool(crawler.MetaSchemeProxy) {
		delete(req.Meta, crawler.MetaProxy)
		delete(req.Meta, crawler.MetaSchemeProxy)
	}

	var creds, proxyURL, scheme string
	if raw, present := req.Meta[crawler.MetaProxy]; present {
		if s, _ := raw.(string); s != "" {
			c, u, err := m.parseProxy(s, "")
			if err != nil {
				return nil, crawler.NewFetchFailure(req, crawler.FailureOther, err)
			}
			creds, proxyURL = c, u
		}
	} else if m.envActive {
		c, u, s, err := m.fromEnvironment(req.URL)
		if err != nil {
			return nil, crawler.NewFetchFailure(req, crawler.FailureOther, err)
		}
		creds, proxyURL, scheme = c, u, s
	}
	m.apply(req, proxyURL, creds, scheme)
	return nil, nil
}

func (m *HTTPProxy) fromEnvironment(rawURL string) (creds, proxyURL, scheme string, err error) {
	target, perr := url.Parse(rawURL)
	if perr != nil {
		return "", "", "", nil
	}
	p, perr := m.envProxy(target)
	if perr != nil {
		return "", "", "", fmt.Errorf("environment proxy: %w", perr)
	}
	if p == nil {
		return "", "", "", nil
	}
	creds, proxyURL, err = m.parseProxy(p.String(), target.Scheme)
	if err != nil {
		return "", "", "", err
	}
	return creds, proxyURL, target.Scheme, nil
}

// parseProxy splits raw into a credential-free proxy URL and the encoded
// Basic credentials, if any. A raw value without a scheme takes fallback,
// then http.
func (m *HTTPProxy) parseProxy(raw, fallback string) (creds, proxyURL string, err error) {
	if !strings.Contains(raw, "://") {
		if fallback == "" {
			fallback = "http"
		}
		raw = fallback + "://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("parse proxy url: %w", err)
	}
	if u.Host == "" {
		return "", "", fmt.Errorf("proxy url %q has no host", raw)
	}
	proxyURL = u.Scheme + "://" + u.Host
	if u.User == nil || u.User.Username() == "" {
		return "", proxyURL, nil
	}
	password, _ := u.User.Password()
	creds, err = m.basicAuth(u.User.Username(), password)
	if err != nil {
		return "", "", err
	}
	return creds, proxyURL, nil
}

func (m *HTTPProxy) basicAuth(user, password string) (string, error) {
	encoded, err := m.encoding.NewEncoder().String(user + ":" + password)
	if err != nil {
		return "", fmt.Errorf("encode proxy credentials: %w", err)
	}
	return base64.StdEncoding.EncodeToString([]byte(encoded)), nil
}

func (m *HTTPProxy) apply(req *crawler.Request, proxyURL, creds, scheme string) {
	if scheme != "" {
		req.SetMeta(crawler.MetaSchemeProxy, true)
	}
	if proxyURL != "" {
		req.SetMeta(crawler.MetaProxy, proxyURL)
	} else if v, ok := req.Meta[crawler.MetaProxy]; ok && v != nil {
		req.Meta[crawler.MetaProxy] = nil
	}

	authProxy, tracked := req.Meta[crawler.MetaAuthProxy]
	switch {
	case creds != "":
		req.Headers.Set(ProxyAuthorizationHeader, "Basic "+creds)
		req.SetMeta(crawler.MetaAuthProxy, proxyURL)
	case tracked:
		if s, _ := authProxy.(string); s != proxyURL {
			if req.Headers.Get(ProxyAuthorizationHeader) != "" {
				m.logger.Debug("dropping proxy credentials after proxy change",
					zap.String("url", req.URL),
					zap.String("proxy", proxyURL),
				)
			}
			req.Headers.Del(ProxyAuthorizationHeader)
			delete(req.Meta, crawler.MetaAuthProxy)
		}
	case req.Headers.Get(ProxyAuthorizationHeader) != "":
		if proxyURL != "" {
			req.SetMeta(crawler.MetaAuthProxy, proxyURL)
		} else {
			req.Headers.Del(ProxyAuthorizationHeader)
		}
	}
}
