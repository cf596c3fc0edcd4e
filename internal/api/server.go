package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-engine/internal/crawler"
	"github.com/JakeFAU/crawl-engine/internal/engine"
	"github.com/JakeFAU/crawl-engine/internal/metrics"
)

const maxBodyBytes = 1 << 20

// Engine is the slice of *engine.Engine the HTTP surface drives.
type Engine interface {
	State() engine.State
	Stats() engine.Stats
	Crawl(ctx context.Context, req *crawler.Request) error
	Stop(ctx context.Context) error
}

// Server wires HTTP handlers to the crawl engine.
type Server struct {
	router      chi.Router
	engine      Engine
	logger      *zap.Logger
	stopTimeout time.Duration
}

// NewServer constructs a Server with middleware and routes. stopTimeout
// bounds the drain started by POST /v1/engine/stop; zero waits for it.
func NewServer(eng Engine, logger *zap.Logger, stopTimeout time.Duration) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		engine:      eng,
		logger:      logger,
		stopTimeout: stopTimeout,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/engine", s.getEngine)
		r.Post("/engine/stop", s.stopEngine)
		r.Post("/requests", s.submitRequest)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.logger, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	state := s.engine.State()
	if state != engine.StateRunning {
		writeJSON(w, s.logger, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "state": state.String()})
		return
	}
	writeJSON(w, s.logger, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) getEngine(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.logger, http.StatusOK, s.engine.Stats())
}

func (s *Server) stopEngine(w http.ResponseWriter, r *http.Request) {
	switch s.engine.State() {
	case engine.StateStopping, engine.StateStopped:
		writeJSON(w, s.logger, http.StatusOK, s.engine.Stats())
		return
	}
	// The drain outlives the HTTP request; the caller polls GET /v1/engine.
	ctx := context.WithoutCancel(r.Context())
	go func() {
		cancel := func() {}
		if s.stopTimeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, s.stopTimeout)
		}
		defer cancel()
		if err := s.engine.Stop(ctx); err != nil {
			s.logger.Warn("engine stop finished with errors", zap.Error(err))
		}
	}()
	writeJSON(w, s.logger, http.StatusAccepted, map[string]string{"status": "stopping"})
}

type submitRequest struct {
	URL        string            `json:"url"`
	Method     string            `json:"method"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
	Priority   int               `json:"priority"`
	DontFilter bool              `json:"dont_filter"`
	Meta       map[string]any    `json:"meta"`
}

func (s *Server) submitRequest(w http.ResponseWriter, r *http.Request) {
	var body submitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&body); err != nil {
		writeError(w, s.logger, http.StatusBadRequest, "invalid JSON")
		return
	}
	req, err := body.toRequest()
	if err != nil {
		writeError(w, s.logger, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.engine.Crawl(r.Context(), req); err != nil {
		switch {
		case errors.Is(err, engine.ErrNotRunning):
			writeError(w, s.logger, http.StatusConflict, err.Error())
		case errors.Is(err, engine.ErrDuplicate):
			writeError(w, s.logger, http.StatusConflict, err.Error())
		default:
			writeError(w, s.logger, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, s.logger, http.StatusAccepted, map[string]string{
		"url":         req.URL,
		"fingerprint": req.Fingerprint(),
	})
}

func (b submitRequest) toRequest() (*crawler.Request, error) {
	u, err := url.Parse(b.URL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, errors.New("url must be an absolute http(s) URL")
	}
	req := crawler.NewRequest(u.String())
	if b.Method != "" {
		req.Method = b.Method
	}
	for k, v := range b.Headers {
		req.Headers.Set(k, v)
	}
	if b.Body != "" {
		req.Body = []byte(b.Body)
	}
	req.Priority = b.Priority
	req.DontFilter = b.DontFilter
	for k, v := range b.Meta {
		req.SetMeta(k, v)
	}
	return req, nil
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
				zap.String("request_id", reqID),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(w, logger, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func writeJSON(w http.ResponseWriter, logger *zap.Logger, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, logger *zap.Logger, status int, msg string) {
	writeJSON(w, logger, status, map[string]string{"error": msg})
}
