// Package engine drives a crawl: it owns the lifecycle state machine, pulls
// requests from the scheduler into the downloader, hands results to the
// processor and coordinates graceful and forced shutdown.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-engine/internal/crawler"
	"github.com/JakeFAU/crawl-engine/internal/id/uuid"
	"github.com/JakeFAU/crawl-engine/internal/metrics"
	"github.com/JakeFAU/crawl-engine/internal/signals"
)

const (
	defaultIdleDebounce = 250 * time.Millisecond

	// ReasonFinished is the close reason used when the crawl runs out of work.
	ReasonFinished = "finished"
	// ReasonShutdown is the close reason used by Stop.
	ReasonShutdown = "shutdown"
)

var (
	// ErrNotRunning is returned by Crawl when the engine is not RUNNING.
	ErrNotRunning = errors.New("engine is not running")
	// ErrDuplicate is returned by Crawl when the scheduler rejects a request.
	ErrDuplicate = errors.New("request rejected by scheduler")
)

// Config controls dispatch behavior.
type Config struct {
	// MaxInFlight caps requests that are downloading or processing. Zero
	// leaves the downloader capacity as the only cap.
	MaxInFlight int
	// IdleDebounce is how long the crawl must stay quiet before spider_idle.
	IdleDebounce time.Duration
	// KeepAlive keeps the engine running after spider_idle instead of
	// closing with reason "finished".
	KeepAlive bool
}

// Deps are the collaborators the engine drives.
type Deps struct {
	Spider     crawler.Spider
	Scheduler  crawler.Scheduler
	Downloader crawler.Downloader
	Processor  crawler.Processor
	Bus        *signals.Bus
	IDs        crawler.IDGenerator
}

// Stats is a point-in-time view of the engine.
type Stats struct {
	RunID       string    `json:"run_id"`
	Spider      string    `json:"spider"`
	State       string    `json:"state"`
	Scheduled   int64     `json:"scheduled"`
	Dropped     int64     `json:"dropped"`
	Responses   int64     `json:"responses"`
	Failures    int64     `json:"failures"`
	InFlight    int64     `json:"in_flight"`
	Pending     int       `json:"pending"`
	IdleSignals int64     `json:"idle_signals"`
	CloseReason string    `json:"close_reason,omitempty"`
	StartedAt   time.Time `json:"started_at,omitzero"`
	FinishedAt  time.Time `json:"finished_at,omitzero"`
}

// Engine coordinates one crawl. It is single use: once STOPPED it cannot be
// restarted.
type Engine struct {
	cfg        Config
	spider     crawler.Spider
	scheduler  crawler.Scheduler
	downloader crawler.Downloader
	processor  crawler.Processor
	bus        *signals.Bus
	logger     *zap.Logger
	runID      string

	sm *stateMachine

	runCtx    context.Context
	cancelRun context.CancelFunc

	events   chan event
	wake     chan struct{}
	loopDone chan struct{}
	done     chan struct{}

	// openMu is held while the spider's resources are opened so a
	// concurrent close waits for them instead of racing past.
	openMu sync.Mutex

	mu           sync.Mutex
	spiderOpen   bool
	spiderClosed bool
	loopStarted  bool
	stopping     bool
	forceErr     error
	closeReason  string
	startedAt    time.Time
	finishedAt   time.Time
	err          error

	scheduled atomic.Int64
	dropped   atomic.Int64
	responses atomic.Int64
	failures  atomic.Int64
	inFlight  atomic.Int64
	idles     atomic.Int64
}

// New wires an Engine. The bus defaults to a fresh one when nil.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Engine, error) {
	if deps.Spider == nil || deps.Scheduler == nil || deps.Downloader == nil || deps.Processor == nil {
		return nil, errors.New("spider, scheduler, downloader and processor are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.IdleDebounce <= 0 {
		cfg.IdleDebounce = defaultIdleDebounce
	}
	if deps.Bus == nil {
		deps.Bus = signals.NewBus(logger.Named("signals"))
	}
	ids := deps.IDs
	if ids == nil {
		ids = uuid.New()
	}
	runID, err := ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate run id: %w", err)
	}
	logger = logger.With(zap.String("run_id", runID), zap.String("spider", deps.Spider.Name()))
	runCtx, cancel := context.WithCancel(withDelivery(context.Background()))
	e := &Engine{
		cfg:        cfg,
		spider:     deps.Spider,
		scheduler:  deps.Scheduler,
		downloader: deps.Downloader,
		processor:  deps.Processor,
		bus:        deps.Bus,
		logger:     logger,
		runID:      runID,
		sm:         newStateMachine(logger),
		runCtx:     runCtx,
		cancelRun:  cancel,
		events:     make(chan event),
		wake:       make(chan struct{}, 1),
		loopDone:   make(chan struct{}),
		done:       make(chan struct{}),
	}
	metrics.SetEngineState("", StateIdle.String())
	return e, nil
}

// RunID identifies this crawl.
func (e *Engine) RunID() string { return e.runID }

// Bus returns the signal bus the engine publishes on.
func (e *Engine) Bus() *signals.Bus { return e.bus }

// State returns the current lifecycle state.
func (e *Engine) State() State { return e.sm.current() }

// Done is closed once the engine reaches STOPPED.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Err returns the shutdown error, if any, once Done is closed.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Start opens the spider and begins dispatching. Calling Start in any state
// but IDLE logs a warning and does nothing. If the spider fails to open the
// engine is stopped and the open error is returned once it is STOPPED.
func (e *Engine) Start(ctx context.Context) error {
	if _, err := e.transition(ctx, StateStarting); err != nil {
		e.logger.Warn("engine start ignored", zap.Error(err))
		return nil
	}
	e.mu.Lock()
	e.startedAt = time.Now().UTC()
	e.mu.Unlock()
	e.logger.Info("engine starting")

	if err := e.OpenSpider(ctx); err != nil {
		openErr := fmt.Errorf("open spider: %w", err)
		e.logger.Error("engine failed to start", zap.Error(openErr))
		stopErr := e.Stop(ctx)
		<-e.done
		return errors.Join(openErr, stopErr)
	}

	if _, err := e.transition(ctx, StateRunning); err != nil {
		e.logger.Debug("engine stopped before it could run", zap.Error(err))
		return nil
	}
	if !e.startLoop() {
		e.logger.Debug("engine stopped before dispatch began")
		return nil
	}
	e.logger.Info("engine running")
	e.kick()
	return nil
}

// Run starts the engine and blocks until it stops on its own or ctx ends,
// in which case it drains gracefully.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Start(ctx); err != nil {
		return err
	}
	select {
	case <-e.done:
		return e.Err()
	case <-ctx.Done():
		return e.Stop(context.WithoutCancel(ctx))
	}
}

// Stop drains in-flight work, closes the spider and waits for STOPPED. If
// ctx ends while draining, in-flight requests are canceled (forced
// shutdown). A second Stop while one is in progress is a no-op.
//
// Listeners receive a context marked as an engine delivery. Stop called with
// that context begins the shutdown and returns at once; Done reports when it
// completes.
func (e *Engine) Stop(ctx context.Context) error {
	if !e.beginShutdown(ctx, ReasonShutdown) {
		return nil
	}
	if delivering(ctx) {
		return nil
	}
	return e.wait(ctx)
}

// OpenSpider opens the scheduler and processor, sends spider_opened and
// schedules the spider's start requests. It is ignored while STOPPING or
// STOPPED, and a stop that arrives mid-open skips the start requests. The
// dispatch loop starts only once the engine is RUNNING.
func (e *Engine) OpenSpider(ctx context.Context) error {
	if e.closing() {
		e.logger.Warn("open spider ignored", zap.String("state", e.sm.current().String()))
		return nil
	}

	e.openMu.Lock()
	defer e.openMu.Unlock()

	e.mu.Lock()
	switch {
	case e.spiderClosed:
		e.mu.Unlock()
		return errors.New("spider already closed")
	case e.spiderOpen:
		e.mu.Unlock()
		e.logger.Debug("spider already open")
		return nil
	}
	e.spiderOpen = true
	e.mu.Unlock()

	e.logger.Info("opening spider")
	if opener, ok := e.scheduler.(crawler.Opener); ok {
		if err := opener.Open(ctx); err != nil {
			return fmt.Errorf("open scheduler: %w", err)
		}
	}
	if err := e.processor.Open(ctx, e.spider); err != nil {
		return fmt.Errorf("open processor: %w", err)
	}
	dctx := withDelivery(ctx)
	e.bus.Send(dctx, signals.Event{Signal: signals.SpiderOpened, Spider: e.spider.Name()})

	if e.closing() {
		e.logger.Debug("engine stopping; skipping start requests")
		return nil
	}
	seeds, err := e.spider.StartRequests(ctx)
	if err != nil {
		return fmt.Errorf("start requests: %w", err)
	}
	if e.closing() {
		e.logger.Debug("engine stopping; discarding start requests", zap.Int("seeds", len(seeds)))
		return nil
	}
	for _, req := range seeds {
		e.schedule(dctx, req)
	}
	return nil
}

func (e *Engine) closing() bool {
	st := e.sm.current()
	return st == StateStopping || st == StateStopped
}

// CloseSpider closes the spider with the given reason. While STARTING or
// RUNNING it begins a full shutdown and returns without waiting; Done and
// Err report the outcome. After STOPPING begins it is a no-op. In IDLE it
// closes a spider opened directly with OpenSpider.
func (e *Engine) CloseSpider(ctx context.Context, reason string) error {
	switch st := e.sm.current(); st {
	case StateStopped, StateStopping:
		e.logger.Debug("close spider ignored", zap.String("state", st.String()), zap.String("reason", reason))
		return nil
	case StateStarting, StateRunning:
		e.beginShutdown(ctx, reason)
		return nil
	default:
		if delivering(ctx) {
			go func() {
				if err := e.closeSpider(context.WithoutCancel(ctx), reason); err != nil {
					e.logger.Error("close spider failed", zap.Error(err))
				}
			}()
			return nil
		}
		return e.closeSpider(ctx, reason)
	}
}

// Crawl schedules req on a running engine.
func (e *Engine) Crawl(ctx context.Context, req *crawler.Request) error {
	if e.sm.current() != StateRunning {
		return ErrNotRunning
	}
	if !e.schedule(ctx, req) {
		return ErrDuplicate
	}
	e.kick()
	return nil
}

// Stats returns counters for the current run.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	reason, started, finished := e.closeReason, e.startedAt, e.finishedAt
	e.mu.Unlock()
	return Stats{
		RunID:       e.runID,
		Spider:      e.spider.Name(),
		State:       e.sm.current().String(),
		Scheduled:   e.scheduled.Load(),
		Dropped:     e.dropped.Load(),
		Responses:   e.responses.Load(),
		Failures:    e.failures.Load(),
		InFlight:    e.inFlight.Load(),
		Pending:     e.scheduler.Len(),
		IdleSignals: e.idles.Load(),
		CloseReason: reason,
		StartedAt:   started,
		FinishedAt:  finished,
	}
}

func (e *Engine) transition(ctx context.Context, to State) (State, error) {
	from, err := e.sm.transition(to)
	if err != nil {
		return from, err
	}
	e.publishStateChanges(withDelivery(ctx))
	return from, nil
}

// publishStateChanges delivers queued transitions in the order they were
// made. Only one goroutine publishes at a time; a transition made while
// another goroutine is publishing, including from inside a listener, is
// delivered by that goroutine.
func (e *Engine) publishStateChanges(ctx context.Context) {
	for {
		change, ok := e.sm.claim()
		if !ok {
			return
		}
		metrics.SetEngineState(change.from.String(), change.to.String())
		e.bus.Send(ctx, signals.Event{
			Signal: signals.EngineStateChanged,
			Spider: e.spider.Name(),
			From:   change.from.String(),
			To:     change.to.String(),
		})
		if change.to == StateStopped {
			e.bus.Close()
		}
		e.sm.release()
	}
}

func (e *Engine) schedule(ctx context.Context, req *crawler.Request) bool {
	if req == nil {
		return false
	}
	if e.scheduler.Enqueue(req) {
		e.scheduled.Add(1)
		e.bus.Send(ctx, signals.Event{Signal: signals.RequestScheduled, Spider: e.spider.Name(), Request: req})
		return true
	}
	e.dropped.Add(1)
	e.bus.Send(ctx, signals.Event{Signal: signals.RequestDropped, Spider: e.spider.Name(), Request: req})
	return false
}

// beginShutdown moves to STOPPING and runs the drain and close on their own
// goroutine. It reports false when a shutdown is already under way.
func (e *Engine) beginShutdown(ctx context.Context, reason string) bool {
	if _, err := e.transition(ctx, StateStopping); err != nil {
		e.logger.Debug("stop ignored", zap.Error(err))
		return false
	}
	e.logger.Info("engine stopping", zap.String("reason", reason))
	e.mu.Lock()
	e.stopping = true
	e.mu.Unlock()
	go e.runShutdown(context.WithoutCancel(ctx), reason)
	return true
}

// wait blocks until STOPPED. If ctx ends first, in-flight work is canceled
// and the drain error is recorded.
func (e *Engine) wait(ctx context.Context) error {
	select {
	case <-e.done:
		return e.Err()
	case <-ctx.Done():
	}
	e.mu.Lock()
	if e.forceErr == nil {
		e.forceErr = fmt.Errorf("drain: %w", ctx.Err())
	}
	e.mu.Unlock()
	e.logger.Warn("forced shutdown; canceling in-flight requests", zap.Int64("in_flight", e.inFlight.Load()))
	e.cancelRun()
	<-e.done
	return e.Err()
}

// runShutdown always ends in STOPPED, even if closing panicked.
func (e *Engine) runShutdown(ctx context.Context, reason string) {
	var errs []error
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error("shutdown panicked", zap.Any("panic", rec))
			errs = append(errs, fmt.Errorf("shutdown panic: %v", rec))
		}
		e.mu.Lock()
		e.err = errors.Join(append([]error{e.forceErr}, errs...)...)
		e.mu.Unlock()
		e.finish(ctx)
	}()

	e.drain()
	if err := e.closeSpider(ctx, reason); err != nil {
		errs = append(errs, err)
	}
}

func (e *Engine) finish(ctx context.Context) {
	e.mu.Lock()
	e.finishedAt = time.Now().UTC()
	e.mu.Unlock()
	if _, err := e.transition(ctx, StateStopped); err != nil {
		e.logger.Error("failed to reach STOPPED", zap.Error(err))
	}
	e.cancelRun()
	close(e.done)
	e.logger.Info("engine stopped")
}

// drain waits for the dispatch loop to exit. The loop stops pumping as soon
// as the state leaves RUNNING and exits once in-flight work completes.
func (e *Engine) drain() {
	e.mu.Lock()
	started := e.loopStarted
	e.mu.Unlock()
	if !started {
		return
	}
	e.kick()
	<-e.loopDone
}

// closeSpider waits for an open in progress, then closes the downloader,
// processor and scheduler and sends spider_closed once.
func (e *Engine) closeSpider(ctx context.Context, reason string) error {
	e.openMu.Lock()
	defer e.openMu.Unlock()

	e.mu.Lock()
	if !e.spiderOpen || e.spiderClosed {
		e.mu.Unlock()
		e.logger.Debug("close spider skipped", zap.String("reason", reason))
		return nil
	}
	e.spiderClosed = true
	e.closeReason = reason
	e.mu.Unlock()

	ctx = context.WithoutCancel(ctx)
	e.logger.Info("closing spider", zap.String("reason", reason))
	var errs []error
	if err := e.downloader.Close(); err != nil {
		e.logger.Error("downloader close failed", zap.Error(err))
		errs = append(errs, fmt.Errorf("close downloader: %w", err))
	}
	if err := e.processor.Close(ctx); err != nil {
		e.logger.Error("processor close failed", zap.Error(err))
		errs = append(errs, fmt.Errorf("close processor: %w", err))
	}
	if closer, ok := e.scheduler.(crawler.Closer); ok {
		if err := closer.Close(ctx); err != nil {
			e.logger.Error("scheduler close failed", zap.Error(err))
			errs = append(errs, fmt.Errorf("close scheduler: %w", err))
		}
	}
	e.bus.Send(withDelivery(ctx), signals.Event{Signal: signals.SpiderClosed, Spider: e.spider.Name(), Reason: reason})
	return errors.Join(errs...)
}

func (e *Engine) kick() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

type deliveryKey struct{}

// withDelivery marks ctx as the context of a signal delivery made by the
// engine.
func withDelivery(ctx context.Context) context.Context {
	if delivering(ctx) {
		return ctx
	}
	return context.WithValue(ctx, deliveryKey{}, true)
}

func delivering(ctx context.Context) bool {
	v, _ := ctx.Value(deliveryKey{}).(bool)
	return v
}
