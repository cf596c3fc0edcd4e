// Package links implements a breadth-first link-following spider. Each HTML
// page becomes a page item and its in-scope anchors become follow-up
// requests.
package links

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-engine/internal/crawler"
)

const defaultMaxLinksPerPage = 200

// Config controls the spider.
type Config struct {
	Name  string   `mapstructure:"name"`
	Seeds []string `mapstructure:"seeds"`
	// AllowedDomains limits followed links. Empty allows the seed hosts.
	AllowedDomains []string `mapstructure:"allowed_domains"`
	// BlockedDomains are never followed, even when allowed.
	BlockedDomains  []string `mapstructure:"blocked_domains"`
	MaxLinksPerPage int      `mapstructure:"max_links_per_page"`
	// Render marks every request for headless rendering.
	Render bool `mapstructure:"render"`
}

// Spider implements crawler.Spider and crawler.FailureHandler.
type Spider struct {
	name    string
	seeds   []string
	allowed *domainMatcher
	blocked *domainMatcher
	max     int
	render  bool
	logger  *zap.Logger
}

// New validates cfg and builds a Spider.
func New(cfg Config, logger *zap.Logger) (*Spider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		name = "links"
	}
	seeds := make([]string, 0, len(cfg.Seeds))
	seedHosts := make([]string, 0, len(cfg.Seeds))
	for _, raw := range cfg.Seeds {
		u, err := url.Parse(strings.TrimSpace(raw))
		if err != nil || u.Hostname() == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return nil, fmt.Errorf("invalid seed url %q", raw)
		}
		seeds = append(seeds, u.String())
		seedHosts = append(seedHosts, u.Hostname())
	}
	allowed := cfg.AllowedDomains
	if len(allowed) == 0 {
		allowed = seedHosts
	}
	maxLinks := cfg.MaxLinksPerPage
	if maxLinks <= 0 {
		maxLinks = defaultMaxLinksPerPage
	}
	return &Spider{
		name:    name,
		seeds:   seeds,
		allowed: newDomainMatcher(allowed),
		blocked: newDomainMatcher(cfg.BlockedDomains),
		max:     maxLinks,
		render:  cfg.Render,
		logger:  logger,
	}, nil
}

// Name implements crawler.Spider.
func (s *Spider) Name() string { return s.name }

// StartRequests implements crawler.Spider.
func (s *Spider) StartRequests(context.Context) ([]*crawler.Request, error) {
	if len(s.seeds) == 0 {
		return nil, errors.New("no seed urls configured")
	}
	reqs := make([]*crawler.Request, 0, len(s.seeds))
	for _, seed := range s.seeds {
		reqs = append(reqs, s.newRequest(seed))
	}
	return reqs, nil
}

// Allowed reports whether rawURL is in the spider's scope.
func (s *Spider) Allowed(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return s.allowedURL(u)
}

func (s *Spider) allowedURL(u *url.URL) bool {
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	host := u.Hostname()
	if s.blocked.Match(host) {
		return false
	}
	return s.allowed == nil || s.allowed.Match(host)
}

// Parse implements crawler.Spider. Non-2xx responses yield nothing.
func (s *Spider) Parse(_ context.Context, resp *crawler.Response) (crawler.ParseResult, error) {
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.logger.Debug("skipping non-success response",
			zap.String("url", resp.URL),
			zap.Int("status_code", resp.StatusCode),
		)
		return crawler.ParseResult{}, nil
	}
	item := crawler.PageItem(resp)
	if !isHTML(resp) {
		return crawler.ParseResult{Items: []crawler.Item{item}}, nil
	}

	base, err := url.Parse(resp.URL)
	if err != nil {
		return crawler.ParseResult{}, fmt.Errorf("parse response url: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return crawler.ParseResult{}, fmt.Errorf("parse html: %w", err)
	}
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if resolved, err := base.Parse(strings.TrimSpace(href)); err == nil {
			base = resolved
		}
	}

	links := s.extractLinks(doc, base)
	item[crawler.ItemTitle] = strings.TrimSpace(doc.Find("title").First().Text())
	item[crawler.ItemLinks] = links

	reqs := make([]*crawler.Request, 0, len(links))
	for _, link := range links {
		reqs = append(reqs, s.newRequest(link))
	}
	return crawler.ParseResult{Items: []crawler.Item{item}, Requests: reqs}, nil
}

// HandleFailure implements crawler.FailureHandler. Failed pages are logged
// and produce no output.
func (s *Spider) HandleFailure(_ context.Context, failure *crawler.FetchFailure) (crawler.ParseResult, error) {
	s.logger.Info("request failed",
		zap.Stringer("request", failure.Request),
		zap.String("kind", string(failure.Kind)),
		zap.Error(failure.Err),
	)
	return crawler.ParseResult{}, nil
}

func (s *Spider) extractLinks(doc *goquery.Document, base *url.URL) []string {
	seen := make(map[string]struct{})
	links := make([]string, 0, s.max)
	doc.Find("a[href]").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		if rel, _ := sel.Attr("rel"); strings.Contains(strings.ToLower(rel), "nofollow") {
			return true
		}
		href := strings.TrimSpace(sel.AttrOr("href", ""))
		if href == "" || strings.HasPrefix(href, "#") {
			return true
		}
		u, err := base.Parse(href)
		if err != nil {
			return true
		}
		u.Fragment = ""
		u.RawFragment = ""
		if !s.allowedURL(u) {
			return true
		}
		key := u.String()
		if _, dup := seen[key]; dup {
			return true
		}
		seen[key] = struct{}{}
		links = append(links, key)
		return len(links) < s.max
	})
	return links
}

func (s *Spider) newRequest(rawURL string) *crawler.Request {
	req := crawler.NewRequest(rawURL)
	if s.render {
		req.SetMeta(crawler.MetaRender, true)
	}
	return req
}

func isHTML(resp *crawler.Response) bool {
	contentType := resp.Headers.Get("Content-Type")
	if contentType == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}
