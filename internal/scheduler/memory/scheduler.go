// Package memory provides an in-process priority scheduler with request
// deduplication.
package memory

import (
	"container/heap"
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-engine/internal/crawler"
)

// Config controls scheduler behavior.
type Config struct {
	// Dedup drops requests whose fingerprint was already seen, unless the
	// request sets DontFilter.
	Dedup bool
	// MaxPending bounds the queue; zero means unbounded.
	MaxPending int
}

// Scheduler orders requests by priority (higher first) and FIFO within a
// priority. It is safe for concurrent use.
type Scheduler struct {
	mu     sync.Mutex
	cfg    Config
	queue  requestHeap
	seq    uint64
	seen   map[string]struct{}
	logger *zap.Logger
}

// New constructs a Scheduler.
func New(cfg Config, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cfg:    cfg,
		seen:   make(map[string]struct{}),
		logger: logger,
	}
}

// Enqueue implements crawler.Scheduler.
func (s *Scheduler) Enqueue(req *crawler.Request) bool {
	if req == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.MaxPending > 0 && len(s.queue) >= s.cfg.MaxPending {
		s.logger.Debug("scheduler full; dropping request", zap.String("url", req.URL))
		return false
	}
	if s.cfg.Dedup && !req.DontFilter {
		fp := req.Fingerprint()
		if _, dup := s.seen[fp]; dup {
			s.logger.Debug("duplicate request filtered", zap.String("url", req.URL))
			return false
		}
		s.seen[fp] = struct{}{}
	}
	s.seq++
	heap.Push(&s.queue, &entry{req: req, seq: s.seq})
	return true
}

// Next implements crawler.Scheduler.
func (s *Scheduler) Next() *crawler.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil
	}
	e, ok := heap.Pop(&s.queue).(*entry)
	if !ok {
		return nil
	}
	return e.req
}

// HasPending implements crawler.Scheduler.
func (s *Scheduler) HasPending() bool {
	return s.Len() > 0
}

// Len implements crawler.Scheduler.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Seen reports how many distinct fingerprints have been recorded.
func (s *Scheduler) Seen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

// Close drops pending requests. Fingerprints are kept so a closed scheduler
// still rejects duplicates.
func (s *Scheduler) Close(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.queue); n > 0 {
		s.logger.Info("discarding pending requests", zap.Int("pending", n))
	}
	s.queue = nil
	return nil
}

type entry struct {
	req *crawler.Request
	seq uint64
}

type requestHeap []*entry

func (h requestHeap) Len() int { return len(h) }

func (h requestHeap) Less(i, j int) bool {
	if h[i].req.Priority != h[j].req.Priority {
		return h[i].req.Priority > h[j].req.Priority
	}
	return h[i].seq < h[j].seq
}

func (h requestHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *requestHeap) Push(x any) {
	e, ok := x.(*entry)
	if !ok {
		return
	}
	*h = append(*h, e)
}

func (h *requestHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
