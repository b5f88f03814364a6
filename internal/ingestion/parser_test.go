package ingestion_test

import (
	"encoding/json"
	"testing"
	"time"

	"PerpSettle/internal/ingestion"
)

func payloadJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestParsePricePoint(t *testing.T) {
	payload := map[string]interface{}{
		"price_notional":  "10.5",
		"price_base":      "10.5",
		"price_usd":       "1",
		"sequence":        int64(42),
		"publish_time_us": int64(1714564800000000),
	}

	pp, seq, err := ingestion.ParsePricePoint(payloadJSON(t, payload))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	if got := pp.PriceNotional.String(); got != "10.5" {
		t.Errorf("price_notional: got %s, want 10.5", got)
	}
	if got := pp.PriceUSD.String(); got != "1" {
		t.Errorf("price_usd: got %s, want 1", got)
	}
	if seq != 42 {
		t.Errorf("sequence: got %d, want 42", seq)
	}
	want := time.UnixMicro(1714564800000000).UTC()
	if !pp.PublishTime.Equal(want) {
		t.Errorf("publish_time: got %s, want %s", pp.PublishTime, want)
	}
}

func TestParseInvalidJSON_Fails(t *testing.T) {
	if _, _, err := ingestion.ParsePricePoint([]byte(`{invalid json`)); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestParseNonPositivePrice_Fails(t *testing.T) {
	payload := map[string]interface{}{
		"price_notional":  "0",
		"price_base":      "10",
		"price_usd":       "1",
		"sequence":        int64(1),
		"publish_time_us": int64(1714564800000000),
	}
	if _, _, err := ingestion.ParsePricePoint(payloadJSON(t, payload)); err == nil {
		t.Fatal("expected error for zero price")
	}
}

func TestParseBadDecimal_Fails(t *testing.T) {
	payload := map[string]interface{}{
		"price_notional":  "ten",
		"price_base":      "10",
		"price_usd":       "1",
		"sequence":        int64(1),
		"publish_time_us": int64(1714564800000000),
	}
	if _, _, err := ingestion.ParsePricePoint(payloadJSON(t, payload)); err == nil {
		t.Fatal("expected error for malformed decimal")
	}
}

func TestParseZeroPublishTime_Fails(t *testing.T) {
	payload := map[string]interface{}{
		"price_notional":  "10",
		"price_base":      "10",
		"price_usd":       "1",
		"sequence":        int64(1),
		"publish_time_us": int64(0),
	}
	if _, _, err := ingestion.ParsePricePoint(payloadJSON(t, payload)); err == nil {
		t.Fatal("expected error for missing publish time")
	}
}

func TestFeedCursorDropsStale(t *testing.T) {
	var c ingestion.FeedCursor

	if accept, _ := c.Observe(10); !accept {
		t.Fatal("first observation should be accepted")
	}
	if accept, _ := c.Observe(10); accept {
		t.Error("duplicate sequence should be dropped")
	}
	if accept, _ := c.Observe(9); accept {
		t.Error("stale sequence should be dropped")
	}
	if accept, _ := c.Observe(11); !accept {
		t.Error("next sequence should be accepted")
	}
}

func TestFeedCursorToleratesGaps(t *testing.T) {
	var c ingestion.FeedCursor

	if _, gap := c.Observe(1); gap {
		t.Error("first observation is never a gap")
	}
	accept, gap := c.Observe(5)
	if !accept {
		t.Error("gapped sequence should still be accepted")
	}
	if !gap {
		t.Error("jump from 1 to 5 should report a gap")
	}
	if c.Gaps() != 1 {
		t.Errorf("gaps: got %d, want 1", c.Gaps())
	}
}
