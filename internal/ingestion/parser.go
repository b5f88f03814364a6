package ingestion

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"PerpSettle/internal/market"
)

// pricePayload is the wire format of one oracle price observation.
// Decimal fields travel as strings so no precision is lost in transit.
type pricePayload struct {
	PriceNotional string `json:"price_notional"`
	PriceBase     string `json:"price_base"`
	PriceUSD      string `json:"price_usd"`
	Sequence      int64  `json:"sequence"`
	PublishTimeUS int64  `json:"publish_time_us"`
}

// ParsePricePoint decodes an oracle price message into a validated
// PricePoint plus its feed sequence number.
func ParsePricePoint(data []byte) (market.PricePoint, int64, error) {
	var raw pricePayload
	if err := json.Unmarshal(data, &raw); err != nil {
		return market.PricePoint{}, 0, fmt.Errorf("decode price payload: %w", err)
	}

	notional, err := decimal.NewFromString(raw.PriceNotional)
	if err != nil {
		return market.PricePoint{}, 0, fmt.Errorf("parse price_notional %q: %w", raw.PriceNotional, err)
	}
	base, err := decimal.NewFromString(raw.PriceBase)
	if err != nil {
		return market.PricePoint{}, 0, fmt.Errorf("parse price_base %q: %w", raw.PriceBase, err)
	}
	usd, err := decimal.NewFromString(raw.PriceUSD)
	if err != nil {
		return market.PricePoint{}, 0, fmt.Errorf("parse price_usd %q: %w", raw.PriceUSD, err)
	}

	pp := market.PricePoint{
		PriceNotional: notional,
		PriceBase:     base,
		PriceUSD:      usd,
	}
	if raw.PublishTimeUS > 0 {
		pp.PublishTime = time.UnixMicro(raw.PublishTimeUS).UTC()
	}
	if err := pp.Validate(); err != nil {
		return market.PricePoint{}, 0, err
	}
	return pp, raw.Sequence, nil
}

// FeedCursor tracks the oracle feed's sequence numbers. Gaps are
// tolerated (the next price supersedes anything missed); stale or
// duplicate sequences are dropped so a redelivered message can never
// rewind the engine's price.
// Not thread-safe; the subscriber loop is its only caller.
type FeedCursor struct {
	last    int64
	started bool
	gaps    int64
}

// Observe records seq and reports whether the message should be
// applied, plus whether a gap preceded it.
func (c *FeedCursor) Observe(seq int64) (accept bool, gap bool) {
	if c.started && seq <= c.last {
		return false, false
	}
	gap = c.started && seq > c.last+1
	if gap {
		c.gaps++
	}
	c.last = seq
	c.started = true
	return true, gap
}

// Gaps returns the number of sequence gaps observed so far.
func (c *FeedCursor) Gaps() int64 {
	return c.gaps
}
