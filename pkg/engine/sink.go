package engine

import (
	"context"
	"time"

	"github.com/germanamz/panelsync/pkg/devicestate"
)

// sinkTimeout bounds one publish so a dead broker cannot wedge a sink.
const sinkTimeout = 10 * time.Second

// Sink forwards device changes to an external system.
type Sink interface {
	Name() string
	Publish(ctx context.Context, c devicestate.Change) error
	Close() error
}

// runSink feeds device events from sub into s until ctx ends. Changes are
// delivered in the order they were committed.
func (e *Engine) runSink(ctx context.Context, s Sink, sub *Subscription) {
	for {
		var ev Event
		select {
		case <-ctx.Done():
			return
		case got, ok := <-sub.C:
			if !ok {
				return
			}
			ev = got
		}

		c, ok := ev.Data.(devicestate.Change)
		if !ok {
			continue
		}

		pctx, cancel := context.WithTimeout(ctx, sinkTimeout)
		err := s.Publish(pctx, c)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			e.metrics.SinkError(s.Name())
			e.log.Debug("engine: sink publish failed", "sink", s.Name(), "device", c.DeviceID, "error", err)
			continue
		}
		e.metrics.SinkPublished(s.Name())
	}
}
