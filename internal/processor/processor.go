// Package processor turns fetch results into items and follow-up requests.
// It calls the spider, runs items through the pipeline chain and keeps the
// byte backlog the engine uses for backpressure.
package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-engine/internal/crawler"
	"github.com/JakeFAU/crawl-engine/internal/metrics"
	"github.com/JakeFAU/crawl-engine/internal/signals"
)

const (
	// minResponseSize is charged for every result so failures and empty
	// bodies still count against the backlog.
	minResponseSize = 1024
	// DefaultMaxActiveSize is the backlog above which the engine stops
	// pulling new requests.
	DefaultMaxActiveSize = 5_000_000
)

// ErrDropItem is returned by a pipeline to discard an item without error.
var ErrDropItem = errors.New("drop item")

// ErrNotOpen is returned by Process before Open.
var ErrNotOpen = errors.New("processor not open")

// Pipeline processes scraped items in order. Returning ErrDropItem (wrapped
// or not) drops the item; the returned item feeds the next pipeline.
type Pipeline interface {
	Name() string
	ProcessItem(ctx context.Context, spider string, item crawler.Item) (crawler.Item, error)
}

// PipelineOpener is implemented by pipelines with per-spider setup.
type PipelineOpener interface {
	Open(ctx context.Context, spider string) error
}

// Config controls the processor.
type Config struct {
	MaxActiveSize int64
	// MaxDepth drops follow-up requests deeper than this. Zero means no limit.
	MaxDepth int
}

// Processor implements crawler.Processor.
type Processor struct {
	cfg       Config
	pipelines []Pipeline
	bus       *signals.Bus
	logger    *zap.Logger

	mu     sync.RWMutex
	spider crawler.Spider
	opened []Pipeline

	active atomic.Int64
}

// New builds a Processor. A nil bus gets a private one.
func New(cfg Config, bus *signals.Bus, logger *zap.Logger, pipelines ...Pipeline) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if bus == nil {
		bus = signals.NewBus(logger)
	}
	if cfg.MaxActiveSize <= 0 {
		cfg.MaxActiveSize = DefaultMaxActiveSize
	}
	return &Processor{
		cfg:       cfg,
		pipelines: append([]Pipeline(nil), pipelines...),
		bus:       bus,
		logger:    logger,
	}
}

// Open implements crawler.Processor. Pipelines open in order; a failure
// closes the ones already opened.
func (p *Processor) Open(ctx context.Context, spider crawler.Spider) error {
	if spider == nil {
		return errors.New("spider is required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	opened := make([]Pipeline, 0, len(p.pipelines))
	for _, pl := range p.pipelines {
		if o, ok := pl.(PipelineOpener); ok {
			if err := o.Open(ctx, spider.Name()); err != nil {
				closeErr := closePipelines(ctx, opened)
				return errors.Join(fmt.Errorf("open pipeline %s: %w", pl.Name(), err), closeErr)
			}
		}
		opened = append(opened, pl)
	}
	p.spider = spider
	p.opened = opened
	return nil
}

// ActiveSize returns the bytes currently charged to the backlog.
func (p *Processor) ActiveSize() int64 {
	return p.active.Load()
}

// NeedsBackout implements crawler.Processor.
func (p *Processor) NeedsBackout() bool {
	return p.active.Load() > p.cfg.MaxActiveSize
}

// Process implements crawler.Processor.
func (p *Processor) Process(ctx context.Context, result crawler.Result) ([]*crawler.Request, error) {
	p.mu.RLock()
	spider := p.spider
	p.mu.RUnlock()
	if spider == nil {
		return nil, ErrNotOpen
	}

	size := int64(minResponseSize)
	if result.Response != nil {
		size = int64(max(len(result.Response.Body), minResponseSize))
	}
	metrics.SetProcessorActiveBytes(p.active.Add(size))
	defer func() {
		metrics.SetProcessorActiveBytes(p.active.Add(-size))
	}()

	parsed, err := p.callSpider(ctx, spider, result)
	if err != nil {
		p.bus.Send(ctx, signals.Event{
			Signal:   signals.SpiderError,
			Spider:   spider.Name(),
			Request:  result.Request,
			Response: result.Response,
			Failure:  result.Failure,
			Err:      err,
		})
		return nil, err
	}

	for _, item := range parsed.Items {
		p.processItem(ctx, spider.Name(), result, item)
	}
	return p.followUps(result.Request, parsed.Requests), nil
}

func (p *Processor) callSpider(ctx context.Context, spider crawler.Spider, result crawler.Result) (parsed crawler.ParseResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("spider panic: %v", rec)
		}
	}()
	if result.Failure != nil {
		if !result.Failure.Terminal() {
			return crawler.ParseResult{}, nil
		}
		handler, ok := spider.(crawler.FailureHandler)
		if !ok {
			return crawler.ParseResult{}, nil
		}
		parsed, err = handler.HandleFailure(ctx, result.Failure)
		if err != nil {
			return crawler.ParseResult{}, fmt.Errorf("handle failure %s: %w", result.Request, err)
		}
		return parsed, nil
	}
	if result.Response == nil {
		return crawler.ParseResult{}, fmt.Errorf("result for %s has neither response nor failure", result.Request)
	}
	parsed, err = spider.Parse(ctx, result.Response)
	if err != nil {
		return crawler.ParseResult{}, fmt.Errorf("parse %s: %w", result.Response.URL, err)
	}
	return parsed, nil
}

func (p *Processor) processItem(ctx context.Context, spider string, result crawler.Result, item crawler.Item) {
	evt := signals.Event{
		Spider:   spider,
		Request:  result.Request,
		Response: result.Response,
	}
	out, err := p.runPipelines(ctx, spider, item)
	switch {
	case errors.Is(err, ErrDropItem):
		p.logger.Debug("item dropped", zap.String("url", urlOf(result)), zap.Error(err))
		evt.Signal, evt.Item, evt.Err = signals.ItemDropped, item, err
	case err != nil:
		p.logger.Warn("item pipeline failed", zap.String("url", urlOf(result)), zap.Error(err))
		evt.Signal, evt.Item, evt.Err = signals.ItemError, item, err
	default:
		evt.Signal, evt.Item = signals.ItemScraped, out
	}
	p.bus.Send(ctx, evt)
}

func (p *Processor) runPipelines(ctx context.Context, spider string, item crawler.Item) (out crawler.Item, err error) {
	p.mu.RLock()
	pipelines := p.opened
	p.mu.RUnlock()

	var current Pipeline
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("pipeline %s panic: %v", current.Name(), rec)
		}
	}()
	out = item
	for _, current = range pipelines {
		out, err = current.ProcessItem(ctx, spider, out)
		if err != nil {
			return nil, fmt.Errorf("pipeline %s: %w", current.Name(), err)
		}
		if out == nil {
			return nil, fmt.Errorf("pipeline %s returned no item: %w", current.Name(), ErrDropItem)
		}
	}
	return out, nil
}

// followUps stamps depth on child requests and drops the ones past MaxDepth.
func (p *Processor) followUps(parent *crawler.Request, reqs []*crawler.Request) []*crawler.Request {
	if len(reqs) == 0 {
		return nil
	}
	depth := parent.Depth() + 1
	out := make([]*crawler.Request, 0, len(reqs))
	for _, req := range reqs {
		if req == nil {
			continue
		}
		if _, set := req.Meta[crawler.MetaDepth]; !set {
			req.SetMeta(crawler.MetaDepth, depth)
		}
		if p.cfg.MaxDepth > 0 && req.Depth() > p.cfg.MaxDepth {
			p.logger.Debug("dropping request past max depth",
				zap.String("url", req.URL),
				zap.Int("depth", req.Depth()),
			)
			continue
		}
		out = append(out, req)
	}
	return out
}

// Close implements crawler.Processor. Pipelines close in order and every
// error is reported.
func (p *Processor) Close(ctx context.Context) error {
	p.mu.Lock()
	opened := p.opened
	p.opened = nil
	p.mu.Unlock()
	return closePipelines(ctx, opened)
}

func closePipelines(ctx context.Context, pipelines []Pipeline) error {
	var errs []error
	for _, pl := range pipelines {
		if c, ok := pl.(crawler.Closer); ok {
			if err := c.Close(ctx); err != nil {
				errs = append(errs, fmt.Errorf("close pipeline %s: %w", pl.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}

func urlOf(result crawler.Result) string {
	if result.Response != nil {
		return result.Response.URL
	}
	if result.Request != nil {
		return result.Request.URL
	}
	return ""
}
