package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-engine/internal/crawler"
	"github.com/JakeFAU/crawl-engine/internal/metrics"
	"github.com/JakeFAU/crawl-engine/internal/signals"
)

type eventKind int

const (
	// evFetched frees a download slot; the request stays in flight.
	evFetched eventKind = iota
	// evDone removes the request from the in-flight set.
	evDone
	// evIdle carries the outcome of a spider_idle delivery.
	evIdle
)

type event struct {
	kind   eventKind
	req    *crawler.Request
	follow []*crawler.Request
	veto   bool
}

// startLoop starts the dispatch loop unless it is running or a shutdown has
// begun.
func (e *Engine) startLoop() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.loopStarted || e.stopping {
		return false
	}
	e.loopStarted = true
	d := &dispatcher{
		engine:   e,
		inFlight: make(map[*crawler.Request]struct{}),
	}
	go d.run()
	return true
}

// post delivers ev to the loop, giving up once the loop has exited.
func (e *Engine) post(ev event) {
	select {
	case e.events <- ev:
	case <-e.loopDone:
	}
}

// dispatcher is the loop's private state. Only the loop goroutine touches it.
type dispatcher struct {
	engine      *Engine
	inFlight    map[*crawler.Request]struct{}
	downloading int

	idleTimer   *time.Timer
	idleC       <-chan time.Time
	idlePending bool
	idleSent    bool
}

func (d *dispatcher) run() {
	e := d.engine
	defer close(e.loopDone)
	defer d.disarmIdle()
	for {
		st := e.sm.current()
		if st == StateRunning {
			d.pump()
		}
		e.inFlight.Store(int64(len(d.inFlight)))
		metrics.SetInFlight(len(d.inFlight))
		if (st == StateStopping || st == StateStopped) && len(d.inFlight) == 0 {
			e.logger.Debug("dispatch loop drained")
			return
		}
		if st == StateRunning {
			d.observeIdle()
		} else {
			d.disarmIdle()
		}

		select {
		case ev := <-e.events:
			d.apply(ev)
		case <-e.wake:
		case <-d.idleC:
			d.idleC = nil
			d.fireIdle()
		}
	}
}

// pump dispatches requests while the downloader has free slots and the
// processor is not backed up.
func (d *dispatcher) pump() {
	e := d.engine
	capacity := max(e.downloader.Capacity(), 1)
	for e.sm.current() == StateRunning {
		if d.downloading >= capacity {
			return
		}
		if e.processor.NeedsBackout() {
			return
		}
		if e.cfg.MaxInFlight > 0 && len(d.inFlight) >= e.cfg.MaxInFlight {
			return
		}
		req := e.scheduler.Next()
		if req == nil {
			return
		}
		d.inFlight[req] = struct{}{}
		d.downloading++
		d.disarmIdle()
		d.idleSent = false
		go e.handle(e.runCtx, req)
	}
}

func (d *dispatcher) apply(ev event) {
	e := d.engine
	switch ev.kind {
	case evFetched:
		d.downloading--
	case evDone:
		delete(d.inFlight, ev.req)
		for _, next := range ev.follow {
			e.schedule(e.runCtx, next)
		}
	case evIdle:
		d.idlePending = false
		d.afterIdle(ev.veto)
	}
}

func (d *dispatcher) quiet() bool {
	return len(d.inFlight) == 0 && !d.engine.scheduler.HasPending()
}

// observeIdle arms the debounce timer when the crawl goes quiet and disarms
// it when work shows up again.
func (d *dispatcher) observeIdle() {
	if !d.quiet() {
		d.disarmIdle()
		d.idleSent = false
		return
	}
	if d.idleC != nil || d.idlePending || d.idleSent {
		return
	}
	if d.idleTimer == nil {
		d.idleTimer = time.NewTimer(d.engine.cfg.IdleDebounce)
	} else {
		d.idleTimer.Reset(d.engine.cfg.IdleDebounce)
	}
	d.idleC = d.idleTimer.C
}

func (d *dispatcher) disarmIdle() {
	if d.idleC == nil {
		return
	}
	if !d.idleTimer.Stop() {
		select {
		case <-d.idleTimer.C:
		default:
		}
	}
	d.idleC = nil
}

// fireIdle confirms the crawl is still quiet, then delivers spider_idle off
// the loop so listeners may call back into the engine.
func (d *dispatcher) fireIdle() {
	e := d.engine
	if e.sm.current() != StateRunning || !d.quiet() {
		return
	}
	d.idleSent = true
	d.idlePending = true
	e.idles.Add(1)
	go func() {
		outcomes := e.bus.Send(e.runCtx, signals.Event{Signal: signals.SpiderIdle, Spider: e.spider.Name()})
		e.post(event{kind: evIdle, veto: signals.Vetoed(outcomes)})
	}()
}

func (d *dispatcher) afterIdle(veto bool) {
	e := d.engine
	switch {
	case e.sm.current() != StateRunning:
		return
	case veto:
		e.logger.Debug("spider_idle vetoed; keeping engine alive")
		return
	case !d.quiet():
		e.logger.Debug("idle listeners scheduled more work")
		return
	case e.cfg.KeepAlive:
		return
	}
	e.logger.Info("crawl finished; closing spider")
	e.beginShutdown(e.runCtx, ReasonFinished)
}

// handle runs on a worker goroutine for one request: download, report the
// freed slot, process, report completion. Signals sent from here carry ctx,
// which is marked as a delivery, so a listener that stops the engine does
// not wait on its own request.
func (e *Engine) handle(ctx context.Context, req *crawler.Request) {
	var follow []*crawler.Request
	fetched := false
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error("request handler panicked",
				zap.String("url", req.URL),
				zap.Any("panic", rec),
			)
		}
		if !fetched {
			e.post(event{kind: evFetched, req: req})
		}
		e.post(event{kind: evDone, req: req, follow: follow})
	}()

	result := crawler.Result{Request: req}
	resp, err := e.downloader.Fetch(ctx, req)
	fetched = true
	e.post(event{kind: evFetched, req: req})
	if err == nil && resp == nil {
		err = crawler.NewFetchFailure(req, crawler.FailureOther, errors.New("downloader returned no response"))
	}

	if err != nil {
		failure := crawler.AsFetchFailure(req, err)
		result.Failure = failure
		if failure.Terminal() {
			e.failures.Add(1)
			e.logger.Debug("request failed", zap.String("url", req.URL), zap.Error(failure))
			e.bus.Send(ctx, signals.Event{
				Signal:  signals.RequestFailed,
				Spider:  e.spider.Name(),
				Request: req,
				Failure: failure,
			})
		}
	} else {
		if resp.Request == nil {
			resp.Request = req
		}
		result.Response = resp
		e.responses.Add(1)
		e.bus.Send(ctx, signals.Event{
			Signal:   signals.ResponseReceived,
			Spider:   e.spider.Name(),
			Request:  req,
			Response: resp,
		})
	}

	next, perr := e.processor.Process(ctx, result)
	if perr != nil {
		e.logger.Warn("processing failed", zap.String("url", req.URL), zap.Error(fmt.Errorf("process: %w", perr)))
	}
	follow = next
}
