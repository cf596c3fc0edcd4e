package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-engine/internal/crawler"
	"github.com/JakeFAU/crawl-engine/internal/engine"
)

type fakeEngine struct {
	mu       sync.Mutex
	state    engine.State
	crawlErr error
	crawled  []*crawler.Request
	stopped  chan struct{}
}

func newFakeEngine(state engine.State) *fakeEngine {
	return &fakeEngine{state: state, stopped: make(chan struct{}, 1)}
}

func (f *fakeEngine) State() engine.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeEngine) Stats() engine.Stats {
	return engine.Stats{RunID: "run-1", Spider: "fake", State: f.State().String(), Scheduled: 3}
}

func (f *fakeEngine) Crawl(_ context.Context, req *crawler.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.crawlErr != nil {
		return f.crawlErr
	}
	f.crawled = append(f.crawled, req)
	return nil
}

func (f *fakeEngine) Stop(context.Context) error {
	f.mu.Lock()
	f.state = engine.StateStopped
	f.mu.Unlock()
	f.stopped <- struct{}{}
	return nil
}

func serve(t *testing.T, s *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestProbes(t *testing.T) {
	t.Parallel()

	eng := newFakeEngine(engine.StateStarting)
	s := NewServer(eng, nil, 0)

	rec := serve(t, s, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = serve(t, s, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "STARTING")

	eng.mu.Lock()
	eng.state = engine.StateRunning
	eng.mu.Unlock()
	rec = serve(t, s, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	s := NewServer(newFakeEngine(engine.StateRunning), nil, 0)
	serve(t, s, http.MethodGet, "/healthz", nil)
	rec := serve(t, s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestGetEngine(t *testing.T) {
	t.Parallel()

	s := NewServer(newFakeEngine(engine.StateRunning), nil, 0)
	rec := serve(t, s, http.MethodGet, "/v1/engine", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats engine.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.Equal(t, "run-1", stats.RunID)
	require.Equal(t, "RUNNING", stats.State)
	require.Equal(t, int64(3), stats.Scheduled)
}

func TestStopEngine(t *testing.T) {
	t.Parallel()

	eng := newFakeEngine(engine.StateRunning)
	s := NewServer(eng, nil, time.Second)
	rec := serve(t, s, http.MethodPost, "/v1/engine/stop", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	select {
	case <-eng.stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("engine was not stopped")
	}

	rec = serve(t, s, http.MethodPost, "/v1/engine/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "STOPPED")
}

func TestSubmitRequest(t *testing.T) {
	t.Parallel()

	eng := newFakeEngine(engine.StateRunning)
	s := NewServer(eng, nil, 0)
	body := []byte(`{"url":"https://a.test/x","priority":5,"dont_filter":true,"headers":{"x-trace":"1"},"meta":{"render":true}}`)
	rec := serve(t, s, http.MethodPost, "/v1/requests", body)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Contains(t, rec.Body.String(), "fingerprint")

	require.Len(t, eng.crawled, 1)
	req := eng.crawled[0]
	require.Equal(t, "https://a.test/x", req.URL)
	require.Equal(t, http.MethodGet, req.Method)
	require.Equal(t, 5, req.Priority)
	require.True(t, req.DontFilter)
	require.Equal(t, "1", req.Headers.Get("X-Trace"))
	require.True(t, req.MetaBool(crawler.MetaRender))
}

func TestSubmitRequestErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		body     string
		crawlErr error
		want     int
	}{
		{name: "invalid json", body: "{", want: http.StatusBadRequest},
		{name: "relative url", body: `{"url":"/x"}`, want: http.StatusBadRequest},
		{name: "bad scheme", body: `{"url":"ftp://a.test/"}`, want: http.StatusBadRequest},
		{name: "not running", body: `{"url":"https://a.test/"}`, crawlErr: engine.ErrNotRunning, want: http.StatusConflict},
		{name: "duplicate", body: `{"url":"https://a.test/"}`, crawlErr: engine.ErrDuplicate, want: http.StatusConflict},
		{name: "other", body: `{"url":"https://a.test/"}`, crawlErr: errors.New("boom"), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			eng := newFakeEngine(engine.StateRunning)
			eng.crawlErr = tt.crawlErr
			rec := serve(t, NewServer(eng, nil, 0), http.MethodPost, "/v1/requests", []byte(tt.body))
			require.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	s := NewServer(newFakeEngine(engine.StateRunning), nil, 0)
	s.router.Get("/panic", func(http.ResponseWriter, *http.Request) { panic("boom") })
	rec := serve(t, s, http.MethodGet, "/panic", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRequestIDIsPropagated(t *testing.T) {
	t.Parallel()

	s := NewServer(newFakeEngine(engine.StateRunning), nil, 0)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, "abc", rec.Header().Get("X-Request-ID"))
}
