// Package ratelimit implements per-domain token bucket throttling.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/crawl-engine/internal/metrics"
)

// Limiter manages per-domain rate limits.
type Limiter struct {
	mu           sync.Mutex
	limiters     map[string]*rate.Limiter
	defaultRate  rate.Limit
	defaultBurst int
	overrides    map[string]DomainLimit
}

// DomainLimit overrides the default rate for one host.
type DomainLimit struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// Config holds rate limiter configuration.
type Config struct {
	// DefaultRPS <= 0 disables throttling for hosts without an override.
	DefaultRPS   float64
	DefaultBurst int
	Domains      map[string]DomainLimit
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	overrides := make(map[string]DomainLimit, len(cfg.Domains))
	for host, lim := range cfg.Domains {
		overrides[strings.ToLower(host)] = lim
	}
	return &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		defaultRate:  limitFor(cfg.DefaultRPS),
		defaultBurst: max(cfg.DefaultBurst, 1),
		overrides:    overrides,
	}
}

func limitFor(rps float64) rate.Limit {
	if rps <= 0 {
		return rate.Inf
	}
	return rate.Limit(rps)
}

// Wait blocks until a token is available for the URL's host, respecting the
// context.
func (l *Limiter) Wait(ctx context.Context, rawURL string) error {
	domain := "unknown"
	if u, err := url.Parse(rawURL); err == nil && u.Hostname() != "" {
		domain = strings.ToLower(u.Hostname())
	}
	limiter := l.limiterFor(domain)

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	// Tokens that were immediately available are not delays.
	if d := time.Since(start); d > time.Millisecond {
		metrics.ObserveRateLimitDelay(domain, d)
	}
	return nil
}

func (l *Limiter) limiterFor(domain string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limiter, ok := l.limiters[domain]; ok {
		return limiter
	}
	r, burst := l.defaultRate, l.defaultBurst
	if o, ok := l.overrides[domain]; ok {
		r, burst = limitFor(o.RPS), max(o.Burst, 1)
	}
	limiter := rate.NewLimiter(r, burst)
	l.limiters[domain] = limiter
	return limiter
}

// Domains returns the number of hosts seen so far.
func (l *Limiter) Domains() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}
