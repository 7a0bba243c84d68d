// publisher.go -- Buffered, reconnecting publisher fed by manager snapshots.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/MGallo-Code/pennywise/internal/session"
)

// Routing keys, also used as Event.Type.
const (
	TypeSignedIn  = "session.signed_in"
	TypeSignedOut = "session.signed_out"
)

// DefaultBuffer is how many events may wait while the broker is slow or down.
const DefaultBuffer = 64

// Event is the message body. Email is deliberately absent; consumers get the id.
type Event struct {
	Type   string    `json:"type"`
	UserID string    `json:"user_id,omitempty"`
	At     time.Time `json:"at"`
}

// Recorder counts publish outcomes. Satisfied by *metrics.Collector.
type Recorder interface {
	RecordEventPublish(outcome string)
}

type nopRecorder struct{}

func (nopRecorder) RecordEventPublish(string) {}

// Dialer opens a fresh broker connection.
type Dialer func() (Broker, error)

// Publisher turns manager snapshots into events. Observe never blocks (it runs
// on the manager loop); Run owns the broker connection.
type Publisher struct {
	dial   Dialer
	events chan Event
	rec    Recorder
	log    *slog.Logger
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) bool
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithRecorder wires publish metrics.
func WithRecorder(r Recorder) Option {
	return func(p *Publisher) {
		if r != nil {
			p.rec = r
		}
	}
}

// WithBuffer overrides DefaultBuffer.
func WithBuffer(n int) Option {
	return func(p *Publisher) {
		if n > 0 {
			p.events = make(chan Event, n)
		}
	}
}

// NewPublisher returns a Publisher that connects through dial on first use.
func NewPublisher(dial Dialer, opts ...Option) *Publisher {
	p := &Publisher{
		dial:   dial,
		events: make(chan Event, DefaultBuffer),
		rec:    nopRecorder{},
		log:    slog.Default().With("component", "events"),
		now:    time.Now,
		sleep:  sleepCtx,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Observe enqueues the event for s. Initializing snapshots carry no event.
// When the buffer is full the event is dropped and counted.
func (p *Publisher) Observe(s session.Snapshot) {
	var ev Event
	switch s.State {
	case session.Authenticated:
		ev = Event{Type: TypeSignedIn, UserID: s.Session.UserID}
	case session.Unauthenticated:
		ev = Event{Type: TypeSignedOut}
	default:
		return
	}
	ev.At = p.now().UTC()

	select {
	case p.events <- ev:
	default:
		p.rec.RecordEventPublish("dropped")
		p.log.Warn("session event dropped, buffer full", "type", ev.Type)
	}
}

// Run publishes queued events until ctx is done. A failed publish drops the
// connection; the event is retried on a new one after an exponential backoff.
func (p *Publisher) Run(ctx context.Context) error {
	var broker Broker
	defer func() {
		if broker != nil {
			broker.Close()
		}
	}()

	for {
		var ev Event
		select {
		case <-ctx.Done():
			return nil
		case ev = <-p.events:
		}

		body, err := json.Marshal(ev)
		if err != nil {
			p.log.Error("encoding session event", "error", err)
			continue
		}

		for attempt := 0; ; attempt++ {
			if broker == nil {
				broker, err = p.dial()
				if err != nil {
					broker = nil
					p.log.Warn("broker unavailable", "attempt", attempt+1, "error", err)
					if !p.sleep(ctx, exponentialBackoff(attempt)) {
						return nil
					}
					continue
				}
			}

			if err = broker.Publish(ctx, ev.Type, body); err == nil {
				p.rec.RecordEventPublish("ok")
				p.log.Debug("session event published", "type", ev.Type)
				break
			}
			if ctx.Err() != nil {
				return nil
			}
			p.rec.RecordEventPublish("error")
			p.log.Warn("publishing session event", "type", ev.Type, "error", err)
			broker.Close()
			broker = nil
			if !p.sleep(ctx, exponentialBackoff(attempt)) {
				return nil
			}
		}
	}
}

// exponentialBackoff doubles from one second, capped at 30s.
func exponentialBackoff(attempt int) time.Duration {
	if attempt >= 5 {
		return 30 * time.Second
	}
	return time.Second << attempt
}

// sleepCtx waits d; false when ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
