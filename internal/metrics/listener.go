package metrics

import (
	"context"

	"github.com/JakeFAU/crawl-engine/internal/signals"
)

// Connect subscribes the traffic counters to bus and returns a function that
// unsubscribes them.
func Connect(bus *signals.Bus) (disconnect func()) {
	handlers := map[signals.Signal]signals.Handler{
		signals.RequestScheduled: func(context.Context, signals.Event) error {
			ObserveScheduled()
			return nil
		},
		signals.RequestDropped: func(context.Context, signals.Event) error {
			ObserveDropped()
			return nil
		},
		signals.ResponseReceived: func(_ context.Context, evt signals.Event) error {
			if evt.Response != nil {
				ObserveResponse(evt.Response.URL, evt.Response.StatusCode, len(evt.Response.Body))
			}
			return nil
		},
		signals.RequestFailed: func(_ context.Context, evt signals.Event) error {
			if evt.Failure != nil {
				ObserveFailure(evt.Failure.Kind)
			}
			return nil
		},
		signals.ItemScraped: itemCounter("scraped"),
		signals.ItemDropped: itemCounter("dropped"),
		signals.ItemError:   itemCounter("error"),
		signals.SpiderIdle: func(context.Context, signals.Event) error {
			ObserveIdle()
			return nil
		},
	}
	disconnects := make([]func(), 0, len(handlers))
	for sig, h := range handlers {
		disconnects = append(disconnects, bus.Connect(sig, h))
	}
	return func() {
		for _, d := range disconnects {
			d()
		}
	}
}

func itemCounter(outcome string) signals.Handler {
	return func(context.Context, signals.Event) error {
		ObserveItem(outcome)
		return nil
	}
}
