package ingestion

import (
	"encoding/json"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog"

	"PerpSettle/internal/market"
	"PerpSettle/internal/observability"
)

type capturingApplier struct {
	applied []market.PricePoint
}

func (c *capturingApplier) SetPrice(pp market.PricePoint) error {
	c.applied = append(c.applied, pp)
	return nil
}

func rawPriceMsg(t *testing.T, price string, seq int64, publish, received time.Time) RawPrice {
	t.Helper()
	data, err := json.Marshal(pricePayload{
		PriceNotional: price,
		PriceBase:     price,
		PriceUSD:      "1",
		Sequence:      seq,
		PublishTimeUS: publish.UnixMicro(),
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return RawPrice{
		Subject:  "prices.test",
		Data:     data,
		Received: received,
		AckFunc:  func() {},
		NakFunc:  func() {},
	}
}

func TestHandleObservesPublishLag(t *testing.T) {
	metrics := observability.NewMetrics()
	applier := &capturingApplier{}
	ps := &PriceSubscriber{applier: applier, log: zerolog.Nop(), metrics: metrics}

	publish := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	ps.handle(rawPriceMsg(t, "10", 1, publish, publish.Add(2*time.Second)))
	// A redelivered sequence is dropped before it reaches the lag timer.
	ps.handle(rawPriceMsg(t, "11", 1, publish, publish.Add(5*time.Second)))

	if len(applier.applied) != 1 {
		t.Fatalf("applied %d prices, want 1", len(applier.applied))
	}
	if got := applier.applied[0].PriceNotional.String(); got != "10" {
		t.Errorf("applied price %s, want 10", got)
	}

	var m dto.Metric
	if err := metrics.PricePublishLag.Write(&m); err != nil {
		t.Fatalf("read histogram: %v", err)
	}
	if got := m.GetHistogram().GetSampleCount(); got != 1 {
		t.Fatalf("lag samples = %d, want 1", got)
	}
	if got := m.GetHistogram().GetSampleSum(); got != 2 {
		t.Errorf("lag sum = %vs, want 2s", got)
	}
}
