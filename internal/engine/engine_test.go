package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-engine/internal/crawler"
	"github.com/JakeFAU/crawl-engine/internal/scheduler/memory"
	"github.com/JakeFAU/crawl-engine/internal/signals"
)

type fakeSpider struct {
	seeds []*crawler.Request
	err   error
	calls atomic.Int32
}

func (s *fakeSpider) Name() string { return "fake" }

func (s *fakeSpider) StartRequests(context.Context) ([]*crawler.Request, error) {
	s.calls.Add(1)
	return s.seeds, s.err
}

func (s *fakeSpider) Parse(context.Context, *crawler.Response) (crawler.ParseResult, error) {
	return crawler.ParseResult{}, nil
}

type fakeDownloader struct {
	capacity int
	gate     chan struct{}
	started  chan string
	closeErr error
	closes   atomic.Int32

	mu    sync.Mutex
	order []string
}

func newFakeDownloader(capacity int) *fakeDownloader {
	return &fakeDownloader{capacity: capacity, started: make(chan string, 100)}
}

func (d *fakeDownloader) Fetch(ctx context.Context, req *crawler.Request) (*crawler.Response, error) {
	d.mu.Lock()
	d.order = append(d.order, req.URL)
	d.mu.Unlock()
	d.started <- req.URL
	if d.gate != nil {
		select {
		case <-d.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &crawler.Response{URL: req.URL, StatusCode: 200, Body: []byte("ok"), Request: req}, nil
}

func (d *fakeDownloader) Capacity() int { return d.capacity }

func (d *fakeDownloader) Close() error {
	d.closes.Add(1)
	return d.closeErr
}

func (d *fakeDownloader) fetched() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.order...)
}

type fakeProcessor struct {
	opens       atomic.Int32
	closes      atomic.Int32
	closeErr    error
	backout     atomic.Bool
	opened      atomic.Bool
	closedEarly atomic.Bool

	// openGate and processGate, when set, hold Open and Process until closed.
	openGate    chan struct{}
	opening     chan struct{}
	processGate chan struct{}
	processing  chan struct{}

	mu       sync.Mutex
	results  []crawler.Result
	follow   map[string][]*crawler.Request
	canceled int
}

func (p *fakeProcessor) Open(context.Context, crawler.Spider) error {
	p.opens.Add(1)
	if p.openGate != nil {
		close(p.opening)
		<-p.openGate
	}
	p.opened.Store(true)
	return nil
}

func (p *fakeProcessor) Process(_ context.Context, result crawler.Result) ([]*crawler.Request, error) {
	if p.processGate != nil {
		p.processing <- struct{}{}
		<-p.processGate
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results = append(p.results, result)
	if result.Failure != nil && result.Failure.Kind == crawler.FailureCanceled {
		p.canceled++
	}
	return p.follow[result.Request.URL], nil
}

func (p *fakeProcessor) NeedsBackout() bool { return p.backout.Load() }

func (p *fakeProcessor) Close(context.Context) error {
	if !p.opened.Load() {
		p.closedEarly.Store(true)
	}
	p.closes.Add(1)
	return p.closeErr
}

func (p *fakeProcessor) processed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.results)
}

type fixture struct {
	engine     *Engine
	bus        *signals.Bus
	spider     *fakeSpider
	downloader *fakeDownloader
	processor  *fakeProcessor
	scheduler  *memory.Scheduler
}

func newFixture(t *testing.T, cfg Config, seeds ...*crawler.Request) *fixture {
	t.Helper()
	if cfg.IdleDebounce == 0 {
		cfg.IdleDebounce = 20 * time.Millisecond
	}
	f := &fixture{
		bus:        signals.NewBus(zap.NewNop()),
		spider:     &fakeSpider{seeds: seeds},
		downloader: newFakeDownloader(4),
		processor:  &fakeProcessor{},
		scheduler:  memory.New(memory.Config{Dedup: true}, nil),
	}
	f.build(t, cfg)
	return f
}

func (f *fixture) build(t *testing.T, cfg Config) {
	t.Helper()
	e, err := New(cfg, Deps{
		Spider:     f.spider,
		Scheduler:  f.scheduler,
		Downloader: f.downloader,
		Processor:  f.processor,
		Bus:        f.bus,
	}, zap.NewNop())
	require.NoError(t, err)
	f.engine = e
	t.Cleanup(func() {
		if f.downloader.gate != nil {
			select {
			case <-f.downloader.gate:
			default:
				close(f.downloader.gate)
			}
		}
		_ = e.Stop(context.Background())
	})
}

func (f *fixture) count(sig signals.Signal) *atomic.Int32 {
	var n atomic.Int32
	f.bus.Connect(sig, func(context.Context, signals.Event) error {
		n.Add(1)
		return nil
	})
	return &n
}

func req(url string, priority int) *crawler.Request {
	r := crawler.NewRequest(url)
	r.Priority = priority
	return r
}

func waitDone(t *testing.T, e *Engine) {
	t.Helper()
	select {
	case <-e.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("engine did not stop; state=%s", e.State())
	}
}

func TestTransitionTable(t *testing.T) {
	t.Parallel()

	states := []State{StateIdle, StateStarting, StateRunning, StateStopping, StateStopped}
	legal := map[[2]State]bool{
		{StateIdle, StateStarting}:     true,
		{StateIdle, StateStopping}:     true,
		{StateStarting, StateRunning}:  true,
		{StateStarting, StateStopping}: true,
		{StateRunning, StateStopping}:  true,
		{StateStopping, StateStopped}:  true,
	}
	for _, from := range states {
		for _, to := range states {
			require.Equal(t, legal[[2]State{from, to}], CanTransition(from, to), "%s -> %s", from, to)
		}
	}

	sm := newStateMachine(zap.NewNop())
	_, err := sm.transition(StateRunning)
	var stateErr *StateError
	require.ErrorAs(t, err, &stateErr)
	require.Equal(t, StateIdle, stateErr.From)
	require.Equal(t, StateRunning, stateErr.To)
	require.Equal(t, StateIdle, sm.current())
	require.Equal(t, "State(9)", State(9).String())
}

func TestConcurrentStartOpensSpiderOnce(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{KeepAlive: true})
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, f.engine.Start(context.Background()))
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), f.spider.calls.Load())
	require.Equal(t, int32(1), f.processor.opens.Load())
	require.Equal(t, StateRunning, f.engine.State())
}

func TestStopIsIdempotent(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{KeepAlive: true})
	closed := f.count(signals.SpiderClosed)
	require.NoError(t, f.engine.Start(context.Background()))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, f.engine.Stop(context.Background()))
		}()
	}
	wg.Wait()
	waitDone(t, f.engine)

	require.Equal(t, StateStopped, f.engine.State())
	require.Equal(t, int32(1), f.processor.closes.Load())
	require.Equal(t, int32(1), f.downloader.closes.Load())
	require.Equal(t, int32(1), closed.Load())
	require.NoError(t, f.engine.Stop(context.Background()))
}

func TestDispatchHonorsPriorityThenFIFO(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{},
		req("https://a.test/r2", 5),
		req("https://a.test/r1", 10),
		req("https://a.test/r3", 10),
	)
	f.downloader.capacity = 1
	require.NoError(t, f.engine.Start(context.Background()))
	waitDone(t, f.engine)

	require.Equal(t, []string{
		"https://a.test/r1",
		"https://a.test/r3",
		"https://a.test/r2",
	}, f.downloader.fetched())
}

func TestStartFailureStopsEngine(t *testing.T) {
	t.Parallel()

	boom := errors.New("seed source unavailable")
	f := newFixture(t, Config{})
	f.spider.err = boom
	closed := f.count(signals.SpiderClosed)

	err := f.engine.Start(context.Background())
	require.ErrorIs(t, err, boom)
	require.ErrorContains(t, err, "open spider")
	waitDone(t, f.engine)
	require.Equal(t, StateStopped, f.engine.State())
	require.Equal(t, int32(1), closed.Load())
}

func TestRestartFromStoppedIsRejected(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{KeepAlive: true})
	require.NoError(t, f.engine.Start(context.Background()))
	require.NoError(t, f.engine.Stop(context.Background()))

	require.NoError(t, f.engine.Start(context.Background()))
	require.Equal(t, StateStopped, f.engine.State())
	require.Equal(t, int32(1), f.spider.calls.Load())

	require.NoError(t, f.engine.OpenSpider(context.Background()))
	require.Equal(t, int32(1), f.processor.opens.Load())
}

func TestCloseSpiderTwiceAfterStopped(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{KeepAlive: true})
	closed := f.count(signals.SpiderClosed)
	require.NoError(t, f.engine.Start(context.Background()))
	require.NoError(t, f.engine.CloseSpider(context.Background(), "cancelled"))
	waitDone(t, f.engine)

	require.NoError(t, f.engine.CloseSpider(context.Background(), "again"))
	require.NoError(t, f.engine.CloseSpider(context.Background(), "again"))
	require.Equal(t, int32(1), closed.Load())
	require.Equal(t, "cancelled", f.engine.Stats().CloseReason)
}

func TestCloseErrorStillReachesStopped(t *testing.T) {
	t.Parallel()

	closeErr := errors.New("flush failed")
	f := newFixture(t, Config{KeepAlive: true})
	f.processor.closeErr = closeErr
	f.downloader.closeErr = errors.New("transport busy")
	require.NoError(t, f.engine.Start(context.Background()))

	err := f.engine.Stop(context.Background())
	require.ErrorIs(t, err, closeErr)
	require.ErrorContains(t, err, "transport busy")
	require.Equal(t, StateStopped, f.engine.State())
	require.ErrorIs(t, f.engine.Err(), closeErr)
}

func TestFinishesWhenIdle(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, req("https://a.test/1", 0), req("https://a.test/2", 0))
	f.processor.follow = map[string][]*crawler.Request{
		"https://a.test/1": {req("https://a.test/child", 0), req("https://a.test/2", 0)},
	}
	var reason atomic.Value
	f.bus.Connect(signals.SpiderClosed, func(_ context.Context, evt signals.Event) error {
		reason.Store(evt.Reason)
		return nil
	})
	idle := f.count(signals.SpiderIdle)

	require.NoError(t, f.engine.Start(context.Background()))
	waitDone(t, f.engine)

	stats := f.engine.Stats()
	require.Equal(t, ReasonFinished, reason.Load())
	require.Equal(t, ReasonFinished, stats.CloseReason)
	require.Equal(t, int64(3), stats.Responses)
	require.Equal(t, int64(1), stats.Dropped)
	require.Equal(t, int32(1), idle.Load())
	require.Equal(t, 3, f.processor.processed())
	require.ElementsMatch(t, []string{"https://a.test/1", "https://a.test/2", "https://a.test/child"}, f.downloader.fetched())
}

func TestEnqueueDuringDebounceCancelsIdle(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{IdleDebounce: 150 * time.Millisecond})
	f.downloader.gate = make(chan struct{})
	idle := f.count(signals.SpiderIdle)

	require.NoError(t, f.engine.Start(context.Background()))
	require.NoError(t, f.engine.Crawl(context.Background(), req("https://a.test/late", 0)))
	<-f.downloader.started

	time.Sleep(300 * time.Millisecond)
	require.Zero(t, idle.Load(), "idle must not fire while a request is in flight")
	require.Equal(t, StateRunning, f.engine.State())

	close(f.downloader.gate)
	waitDone(t, f.engine)
	require.Equal(t, int32(1), idle.Load())
}

func TestIdleVetoKeepsEngineRunning(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	idle := f.count(signals.SpiderIdle)
	f.bus.Connect(signals.SpiderIdle, func(context.Context, signals.Event) error {
		return signals.ErrDontCloseSpider
	})

	require.NoError(t, f.engine.Start(context.Background()))
	require.Eventually(t, func() bool { return idle.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, StateRunning, f.engine.State())
	require.Equal(t, int32(1), idle.Load(), "idle fires once per quiet period")

	require.NoError(t, f.engine.Crawl(context.Background(), req("https://a.test/after-veto", 0)))
	require.Eventually(t, func() bool { return idle.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, f.engine.Stop(context.Background()))
}

func TestStopDrainsInFlightWork(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, req("https://a.test/slow", 0))
	f.downloader.gate = make(chan struct{})
	require.NoError(t, f.engine.Start(context.Background()))
	<-f.downloader.started

	stopped := make(chan error, 1)
	go func() { stopped <- f.engine.Stop(context.Background()) }()

	require.Eventually(t, func() bool { return f.engine.State() == StateStopping }, time.Second, time.Millisecond)
	select {
	case <-stopped:
		t.Fatal("stop returned before in-flight request finished")
	case <-time.After(50 * time.Millisecond):
	}
	require.Zero(t, f.processor.closes.Load(), "spider closes only after drain")

	close(f.downloader.gate)
	require.NoError(t, <-stopped)
	require.Equal(t, 1, f.processor.processed())
	require.Equal(t, StateStopped, f.engine.State())
}

func TestForcedShutdownCancelsInFlight(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, req("https://a.test/hang", 0))
	f.downloader.gate = make(chan struct{})
	failed := f.count(signals.RequestFailed)
	require.NoError(t, f.engine.Start(context.Background()))
	<-f.downloader.started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := f.engine.Stop(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, StateStopped, f.engine.State())
	require.Equal(t, int32(1), f.processor.closes.Load())
	require.Equal(t, int32(1), failed.Load())
	f.processor.mu.Lock()
	require.Equal(t, 1, f.processor.canceled)
	f.processor.mu.Unlock()
}

func TestBackoutAndInFlightCapHoldDispatch(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{MaxInFlight: 1, KeepAlive: true},
		req("https://a.test/1", 0),
		req("https://a.test/2", 0),
	)
	f.downloader.gate = make(chan struct{})
	f.processor.backout.Store(true)
	require.NoError(t, f.engine.Start(context.Background()))

	time.Sleep(50 * time.Millisecond)
	require.Empty(t, f.downloader.fetched(), "no dispatch while processor needs backout")

	f.processor.backout.Store(false)
	require.NoError(t, f.engine.Crawl(context.Background(), req("https://a.test/3", 0)))
	<-f.downloader.started
	time.Sleep(50 * time.Millisecond)
	require.Len(t, f.downloader.fetched(), 1, "max in-flight caps dispatch")

	close(f.downloader.gate)
	require.Eventually(t, func() bool { return f.processor.processed() == 3 }, 2*time.Second, 5*time.Millisecond)
}

func TestCrawlSentinels(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{KeepAlive: true})
	require.ErrorIs(t, f.engine.Crawl(context.Background(), req("https://a.test/x", 0)), ErrNotRunning)

	f.downloader.gate = make(chan struct{})
	require.NoError(t, f.engine.Start(context.Background()))
	require.NoError(t, f.engine.Crawl(context.Background(), req("https://a.test/x", 0)))
	require.ErrorIs(t, f.engine.Crawl(context.Background(), req("https://a.test/x", 0)), ErrDuplicate)
	require.Equal(t, int64(1), f.engine.Stats().Dropped)
}

func TestStateChangesAreSignalled(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{KeepAlive: true})
	var mu sync.Mutex
	var seen []string
	f.bus.Connect(signals.EngineStateChanged, func(_ context.Context, evt signals.Event) error {
		mu.Lock()
		seen = append(seen, evt.From+">"+evt.To)
		mu.Unlock()
		return nil
	})
	require.NoError(t, f.engine.Start(context.Background()))
	require.NoError(t, f.engine.Stop(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{
		"IDLE>STARTING",
		"STARTING>RUNNING",
		"RUNNING>STOPPING",
		"STOPPING>STOPPED",
	}, seen)
	require.True(t, f.bus.Closed())
}

func TestStopFromIdle(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{})
	closed := f.count(signals.SpiderClosed)
	require.NoError(t, f.engine.Stop(context.Background()))
	require.Equal(t, StateStopped, f.engine.State())
	require.Zero(t, closed.Load(), "no spider was opened")
	require.Zero(t, f.processor.closes.Load())
}

func TestListenerCanShutDownMidRequest(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		stop   func(e *Engine, ctx context.Context) error
		reason string
	}{
		{
			name:   "close spider",
			stop:   func(e *Engine, ctx context.Context) error { return e.CloseSpider(ctx, "closespider_pagecount") },
			reason: "closespider_pagecount",
		},
		{
			name:   "stop",
			stop:   func(e *Engine, ctx context.Context) error { return e.Stop(ctx) },
			reason: ReasonShutdown,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, Config{KeepAlive: true}, req("https://a.test/1", 0))
			var reason atomic.Value
			f.bus.Connect(signals.SpiderClosed, func(_ context.Context, evt signals.Event) error {
				reason.Store(evt.Reason)
				return nil
			})
			f.bus.Connect(signals.ResponseReceived, func(ctx context.Context, _ signals.Event) error {
				return tt.stop(f.engine, ctx)
			})

			require.NoError(t, f.engine.Start(context.Background()))
			waitDone(t, f.engine)

			require.Equal(t, StateStopped, f.engine.State())
			require.Equal(t, tt.reason, reason.Load())
			require.Equal(t, 1, f.processor.processed(), "the request that triggered the close still completes")
			require.NoError(t, f.engine.Err())
		})
	}
}

func TestStopWaitsForSpiderToOpen(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{KeepAlive: true}, req("https://a.test/seed", 0))
	f.processor.openGate = make(chan struct{})
	f.processor.opening = make(chan struct{})
	opened := f.count(signals.SpiderOpened)
	closed := f.count(signals.SpiderClosed)

	started := make(chan error, 1)
	go func() { started <- f.engine.Start(context.Background()) }()
	<-f.processor.opening

	stopped := make(chan error, 1)
	go func() { stopped <- f.engine.Stop(context.Background()) }()
	require.Eventually(t, func() bool { return f.engine.State() == StateStopping }, time.Second, time.Millisecond)
	select {
	case <-stopped:
		t.Fatal("stop returned while the processor was still opening")
	case <-time.After(50 * time.Millisecond):
	}
	require.Zero(t, f.processor.closes.Load())

	close(f.processor.openGate)
	require.NoError(t, <-stopped)
	require.NoError(t, <-started)

	require.Equal(t, StateStopped, f.engine.State())
	require.Equal(t, int32(1), f.processor.opens.Load())
	require.Equal(t, int32(1), f.processor.closes.Load())
	require.False(t, f.processor.closedEarly.Load(), "processor closed before its open finished")
	require.Equal(t, int32(1), f.downloader.closes.Load())
	require.Equal(t, int32(1), opened.Load())
	require.Equal(t, int32(1), closed.Load())
	require.Zero(t, f.spider.calls.Load(), "start requests are skipped once stopping")
	require.Empty(t, f.downloader.fetched())
}

func TestIdleWaitsForSlowProcessing(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{IdleDebounce: 50 * time.Millisecond}, req("https://a.test/slow-parse", 0))
	f.processor.processGate = make(chan struct{})
	f.processor.processing = make(chan struct{}, 1)
	idle := f.count(signals.SpiderIdle)

	require.NoError(t, f.engine.Start(context.Background()))
	<-f.processor.processing

	time.Sleep(300 * time.Millisecond)
	require.Zero(t, idle.Load(), "idle must not fire while a response is being processed")
	require.Equal(t, StateRunning, f.engine.State())
	require.Equal(t, int64(1), f.engine.Stats().InFlight)

	close(f.processor.processGate)
	waitDone(t, f.engine)
	require.Equal(t, int32(1), idle.Load())
	require.Equal(t, 1, f.processor.processed())
}

func TestStateChangesKeepOrderUnderContention(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{KeepAlive: true})
	entered := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	var seen []signals.Event
	f.bus.Connect(signals.EngineStateChanged, func(_ context.Context, evt signals.Event) error {
		if evt.To == StateStarting.String() {
			close(entered)
			<-release
		}
		mu.Lock()
		seen = append(seen, evt)
		mu.Unlock()
		return nil
	})

	started := make(chan error, 1)
	go func() { started <- f.engine.Start(context.Background()) }()
	<-entered

	stopped := make(chan error, 1)
	go func() { stopped <- f.engine.Stop(context.Background()) }()
	require.NoError(t, <-stopped)
	require.Equal(t, StateStopped, f.engine.State())

	close(release)
	require.NoError(t, <-started)
	require.Eventually(t, func() bool { return f.bus.Closed() }, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	var got []string
	for i, evt := range seen {
		got = append(got, evt.From+">"+evt.To)
		if i > 0 {
			require.Equal(t, seen[i-1].To, evt.From, "records must chain")
		}
	}
	require.Equal(t, []string{"IDLE>STARTING", "STARTING>STOPPING", "STOPPING>STOPPED"}, got)
}

func TestReentrantStopKeepsStateOrder(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{KeepAlive: true})
	var mu sync.Mutex
	var seen []string
	f.bus.Connect(signals.EngineStateChanged, func(ctx context.Context, evt signals.Event) error {
		mu.Lock()
		seen = append(seen, evt.From+">"+evt.To)
		mu.Unlock()
		if evt.To == StateRunning.String() {
			return f.engine.Stop(ctx)
		}
		return nil
	})

	require.NoError(t, f.engine.Start(context.Background()))
	waitDone(t, f.engine)
	require.Eventually(t, func() bool { return f.bus.Closed() }, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{
		"IDLE>STARTING",
		"STARTING>RUNNING",
		"RUNNING>STOPPING",
		"STOPPING>STOPPED",
	}, seen)
}

func TestOpenAndCloseSpiderFromIdle(t *testing.T) {
	t.Parallel()

	f := newFixture(t, Config{}, req("https://a.test/seed", 0))
	closed := f.count(signals.SpiderClosed)

	require.NoError(t, f.engine.OpenSpider(context.Background()))
	require.Equal(t, int32(1), f.processor.opens.Load())
	f.engine.mu.Lock()
	loopStarted := f.engine.loopStarted
	f.engine.mu.Unlock()
	require.False(t, loopStarted, "no dispatch loop before RUNNING")

	require.NoError(t, f.engine.CloseSpider(context.Background(), "cancelled"))
	require.Equal(t, int32(1), f.processor.closes.Load())
	require.Equal(t, int32(1), closed.Load())
	require.Equal(t, StateIdle, f.engine.State())
	require.Empty(t, f.downloader.fetched())

	err := f.engine.Start(context.Background())
	require.ErrorContains(t, err, "spider already closed")
	waitDone(t, f.engine)
	require.Equal(t, int32(1), f.processor.closes.Load())
}
