package tracker

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"fleet-tracker/internal/fleet"
	"fleet-tracker/internal/logging"
)

// Sink receives the events forwarded by the tracker. Implementations must
// be safe for use by a single dispatcher goroutine.
type Sink interface {
	Publish(ctx context.Context, ev fleet.Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev fleet.Event) error

func (f SinkFunc) Publish(ctx context.Context, ev fleet.Event) error { return f(ctx, ev) }

// LogSink writes events to the log. It is the sink used when no broker is
// configured.
type LogSink struct{ Logger *slog.Logger }

func (s LogSink) Publish(_ context.Context, ev fleet.Event) error {
	logger := s.Logger
	if logger == nil {
		logger = logging.Component("events")
	}
	logger.Info("event", "kind", ev.Kind, "trip", ev.TripID, "severity", ev.Severity, "message", ev.Message)
	return nil
}

// outbox is a bounded queue between event producers and the dispatcher.
// Enqueueing never blocks: when the queue is full the event is dropped.
type outbox struct {
	ch      chan fleet.Event
	dropped atomic.Int64
}

func newOutbox(size int) *outbox {
	if size < 1 {
		size = 1
	}
	return &outbox{ch: make(chan fleet.Event, size)}
}

func (o *outbox) offer(ev fleet.Event) bool {
	select {
	case o.ch <- ev:
		return true
	default:
		o.dropped.Add(1)
		return false
	}
}

func (o *outbox) depth() int { return len(o.ch) }

// emit queues events for the sink.
func (m *Manager) emit(evs ...fleet.Event) {
	for _, ev := range evs {
		if ev.Timestamp.IsZero() {
			ev.Timestamp = m.clock.Now()
		}
		if m.outbox.offer(ev) {
			if m.metrics != nil {
				m.metrics.EventsQueued.Inc()
			}
			continue
		}
		if m.metrics != nil {
			m.metrics.EventsDropped.Inc()
		}
		m.logger.Warn("event queue full, dropping event", "kind", ev.Kind, "trip", ev.TripID)
	}
}

// dispatch forwards queued events until ctx is cancelled, then drains what
// is left.
func (m *Manager) dispatch(ctx context.Context) {
	defer m.dispatchWG.Done()
	for {
		select {
		case ev := <-m.outbox.ch:
			m.forward(ctx, ev)
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			for {
				select {
				case ev := <-m.outbox.ch:
					m.forward(flushCtx, ev)
				default:
					return
				}
			}
		}
	}
}

func (m *Manager) forward(ctx context.Context, ev fleet.Event) {
	if err := m.sink.Publish(ctx, ev); err != nil {
		logging.LogError(m.logger, "forward event", err,
			slog.String("kind", string(ev.Kind)), slog.String("trip", ev.TripID))
	}
}
