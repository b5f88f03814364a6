package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"PerpSettle/internal/market"
	"PerpSettle/internal/observability"
)

// PriceApplier receives validated oracle prices. *engine.Engine
// satisfies it.
type PriceApplier interface {
	SetPrice(pp market.PricePoint) error
}

// RawPrice is an undecoded price message pulled off the stream, ready
// for the subscriber loop to parse and apply.
type RawPrice struct {
	Subject  string
	Data     []byte
	Received time.Time
	AckFunc  func()
	NakFunc  func()
}

// PriceSubscriber consumes oracle prices from the price stream and
// applies them to the engine in arrival order. Stale sequences are
// dropped, gaps are logged and tolerated.
type PriceSubscriber struct {
	js       jetstream.JetStream
	applier  PriceApplier
	log      zerolog.Logger
	metrics  *observability.Metrics
	rawChan  chan RawPrice
	cursor   FeedCursor
	consumer jetstream.ConsumeContext
}

func NewPriceSubscriber(js jetstream.JetStream, applier PriceApplier, log zerolog.Logger, metrics *observability.Metrics) *PriceSubscriber {
	return &PriceSubscriber{
		js:      js,
		applier: applier,
		log:     log,
		metrics: metrics,
		rawChan: make(chan RawPrice, 4096),
	}
}

// Subscribe creates the durable price consumer. Explicit ACK,
// max_deliver=5, ack_wait=30s.
func (ps *PriceSubscriber) Subscribe(ctx context.Context) error {
	consumer, err := ps.js.CreateOrUpdateConsumer(ctx, PriceStream, jetstream.ConsumerConfig{
		Durable:       priceConsumerName,
		FilterSubject: priceSubjects,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", priceConsumerName, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		raw := RawPrice{
			Subject:  msg.Subject(),
			Data:     msg.Data(),
			Received: time.Now(),
			AckFunc:  func() { msg.Ack() },
			NakFunc:  func() { msg.Nak() },
		}
		select {
		case ps.rawChan <- raw:
		case <-ctx.Done():
			msg.Nak()
		}
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", priceConsumerName, err)
	}

	ps.consumer = cc
	ps.log.Info().Str("subject", priceSubjects).Str("consumer", priceConsumerName).Msg("subscribed to price feed")
	return nil
}

// Run drains the raw channel: parse, sequence-check, apply. Messages
// are acked once they have been parsed; unparseable messages are acked
// too, so a poison message cannot wedge the feed in a redelivery loop.
func (ps *PriceSubscriber) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case raw, ok := <-ps.rawChan:
			if !ok {
				return nil
			}
			ps.handle(raw)
		}
	}
}

func (ps *PriceSubscriber) handle(raw RawPrice) {
	defer raw.AckFunc()

	pp, seq, err := ParsePricePoint(raw.Data)
	if err != nil {
		ps.log.Warn().Err(err).Str("subject", raw.Subject).Msg("drop unparseable price")
		if ps.metrics != nil {
			ps.metrics.PriceRejected.WithLabelValues("unparseable").Inc()
		}
		return
	}

	accept, gap := ps.cursor.Observe(seq)
	if !accept {
		// Redelivery or out-of-order oracle push; the applied price is newer.
		if ps.metrics != nil {
			ps.metrics.PriceRejected.WithLabelValues("stale_sequence").Inc()
		}
		return
	}
	if gap {
		ps.log.Warn().Int64("sequence", seq).Int64("gaps_total", ps.cursor.Gaps()).Msg("price feed sequence gap")
	}
	if ps.metrics != nil {
		ps.metrics.PricePublishLag.Observe(raw.Received.Sub(pp.PublishTime).Seconds())
	}

	if err := ps.applier.SetPrice(pp); err != nil {
		ps.log.Warn().Err(err).Int64("sequence", seq).Msg("price rejected by engine")
	}
}

// Stop gracefully stops the consumer.
func (ps *PriceSubscriber) Stop() {
	if ps.consumer != nil {
		ps.consumer.Stop()
	}
	ps.log.Info().Msg("price subscriber stopped")
}
