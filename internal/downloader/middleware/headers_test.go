package middleware

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-engine/internal/crawler"
)

func TestDefaultHeadersKeepExplicitValues(t *testing.T) {
	t.Parallel()

	m := NewDefaultHeaders("crawl-engine/1.0", map[string]string{
		"Accept":          "text/html",
		"Accept-Language": "en",
	})
	req := crawler.NewRequest("https://a.test/")
	req.Headers.Set("Accept-Language", "de")
	resp, err := m.ProcessRequest(context.Background(), req)
	require.NoError(t, err)
	require.Nil(t, resp)

	require.Equal(t, "crawl-engine/1.0", req.Headers.Get("User-Agent"))
	require.Equal(t, "text/html", req.Headers.Get("Accept"))
	require.Equal(t, "de", req.Headers.Get("Accept-Language"))

	custom := &crawler.Request{URL: "https://a.test/"}
	custom.Headers = nil
	_, err = m.ProcessRequest(context.Background(), custom)
	require.NoError(t, err)
	require.Equal(t, "crawl-engine/1.0", custom.Headers.Get("User-Agent"))
}

type waiterFunc func(ctx context.Context, rawURL string) error

func (f waiterFunc) Wait(ctx context.Context, rawURL string) error { return f(ctx, rawURL) }

func TestRateLimitWaitsPerRequest(t *testing.T) {
	t.Parallel()

	var seen []string
	m := NewRateLimit(waiterFunc(func(_ context.Context, rawURL string) error {
		seen = append(seen, rawURL)
		return nil
	}))
	_, err := m.ProcessRequest(context.Background(), crawler.NewRequest("https://a.test/1"))
	require.NoError(t, err)
	require.Equal(t, []string{"https://a.test/1"}, seen)

	m = NewRateLimit(waiterFunc(func(ctx context.Context, _ string) error {
		return context.Canceled
	}))
	_, err = m.ProcessRequest(context.Background(), crawler.NewRequest("https://a.test/2"))
	var ff *crawler.FetchFailure
	require.ErrorAs(t, err, &ff)
	require.Equal(t, crawler.FailureCanceled, ff.Kind)
	require.True(t, errors.Is(err, context.Canceled))
}
