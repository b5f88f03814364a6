package ingestion

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"PerpSettle/internal/engine"
)

// Publisher forwards committed settlement events to the outbound
// stream. It implements engine.EventSink: Publish hands the event to a
// buffered channel and never blocks the engine; the Run loop does the
// actual JetStream writes. Subjects follow perp.settle.events.{type}.
type Publisher struct {
	js  jetstream.JetStream
	log zerolog.Logger
	ch  chan engine.Event
}

func NewPublisher(js jetstream.JetStream, log zerolog.Logger) *Publisher {
	return &Publisher{
		js:  js,
		log: log,
		ch:  make(chan engine.Event, 4096),
	}
}

// Publish enqueues ev for outbound delivery. A full buffer drops the
// event; downstream consumers can recover from the persisted event log.
func (p *Publisher) Publish(ev engine.Event) error {
	select {
	case p.ch <- ev:
		return nil
	default:
		return fmt.Errorf("outbound buffer full, dropped %s", ev.Type)
	}
}

// Run drains the buffer until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-p.ch:
			if !ok {
				return nil
			}
			if err := p.publish(ctx, ev); err != nil {
				// Non-fatal: the event log in Postgres remains authoritative.
				p.log.Warn().Err(err).Str("event", ev.Type).Msg("outbound publish failed")
			}
		}
	}
}

func (p *Publisher) publish(ctx context.Context, ev engine.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subject := fmt.Sprintf(eventSubjectPattern, ev.Type)
	_, err = p.js.Publish(ctx, subject, data)
	return err
}
