// Package signals implements the synchronous lifecycle event bus shared by
// the engine and its collaborators.
package signals

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-engine/internal/crawler"
)

// Signal names a lifecycle notification.
type Signal string

// Lifecycle and traffic signals.
const (
	SpiderOpened       Signal = "spider_opened"
	SpiderIdle         Signal = "spider_idle"
	SpiderClosed       Signal = "spider_closed"
	SpiderError        Signal = "spider_error"
	RequestScheduled   Signal = "request_scheduled"
	RequestDropped     Signal = "request_dropped"
	ResponseReceived   Signal = "response_received"
	RequestFailed      Signal = "request_failed"
	ItemScraped        Signal = "item_scraped"
	ItemDropped        Signal = "item_dropped"
	ItemError          Signal = "item_error"
	EngineStateChanged Signal = "engine_state_changed"
)

// ErrDontCloseSpider is returned by a spider_idle handler to keep the engine
// running after the crawl goes quiet.
var ErrDontCloseSpider = errors.New("dont close spider")

// Event carries the payload of one signal. Only the fields relevant to the
// signal are set.
type Event struct {
	Signal   Signal
	Spider   string
	Request  *crawler.Request
	Response *crawler.Response
	Failure  *crawler.FetchFailure
	Item     crawler.Item
	Reason   string
	Err      error
	// From and To are set on engine_state_changed.
	From string
	To   string
}

// Handler receives a signal. Returning an error does not stop delivery to
// the remaining handlers.
type Handler func(ctx context.Context, evt Event) error

// Outcome is the result of one handler invocation.
type Outcome struct {
	Err error
}

type registration struct {
	id uint64
	fn Handler
}

// Bus delivers events to handlers synchronously, in registration order.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Signal][]registration
	nextID   uint64
	closed   atomic.Bool
	logger   *zap.Logger
}

// NewBus returns an empty Bus.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		handlers: make(map[Signal][]registration),
		logger:   logger,
	}
}

// Connect registers h for sig and returns a function that removes it.
func (b *Bus) Connect(sig Signal, h Handler) (disconnect func()) {
	if h == nil {
		return func() {}
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers[sig] = append(b.handlers[sig], registration{id: id, fn: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(sig, id) })
	}
}

func (b *Bus) remove(sig Signal, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	regs := b.handlers[sig]
	for i, reg := range regs {
		if reg.id == id {
			b.handlers[sig] = append(regs[:i:i], regs[i+1:]...)
			return
		}
	}
}

// Listeners returns the number of handlers connected to sig.
func (b *Bus) Listeners(sig Signal) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[sig])
}

// Send invokes every handler connected to evt.Signal and returns one Outcome
// per handler. Handler errors and panics are logged and reported, never
// propagated. Sends after Close are dropped.
func (b *Bus) Send(ctx context.Context, evt Event) []Outcome {
	if b == nil {
		return nil
	}
	if b.closed.Load() {
		b.logger.Debug("signal dropped after bus close", zap.String("signal", string(evt.Signal)))
		return nil
	}
	b.mu.RLock()
	regs := append([]registration(nil), b.handlers[evt.Signal]...)
	b.mu.RUnlock()

	outcomes := make([]Outcome, 0, len(regs))
	for _, reg := range regs {
		err := b.invoke(ctx, reg.fn, evt)
		if err != nil && !errors.Is(err, ErrDontCloseSpider) {
			b.logger.Warn("signal handler failed",
				zap.String("signal", string(evt.Signal)),
				zap.Error(err),
			)
		}
		outcomes = append(outcomes, Outcome{Err: err})
	}
	return outcomes
}

func (b *Bus) invoke(ctx context.Context, fn Handler, evt Event) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("signal handler panic: %v", rec)
		}
	}()
	return fn(ctx, evt)
}

// Close stops delivery. It is safe to call more than once.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	b.closed.Store(true)
}

// Closed reports whether Close has been called.
func (b *Bus) Closed() bool {
	return b.closed.Load()
}

// Vetoed reports whether any outcome asked the engine not to close.
func Vetoed(outcomes []Outcome) bool {
	for _, o := range outcomes {
		if errors.Is(o.Err, ErrDontCloseSpider) {
			return true
		}
	}
	return false
}

// Errors collects the non-nil handler errors.
func Errors(outcomes []Outcome) []error {
	var errs []error
	for _, o := range outcomes {
		if o.Err != nil {
			errs = append(errs, o.Err)
		}
	}
	return errs
}
