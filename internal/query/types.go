package query

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// ClosedPositionRecord is one row of persisted close history.
type ClosedPositionRecord struct {
	PositionID         int64           `json:"position_id"`
	Owner              string          `json:"owner"`
	Reason             string          `json:"reason"`
	CollateralReturned decimal.Decimal `json:"collateral_returned"`
	NotionalSize       decimal.Decimal `json:"notional_size"`
	BorrowFee          decimal.Decimal `json:"borrow_fee"`
	FundingFee         decimal.Decimal `json:"funding_fee"`
	DeltaNeutralityFee decimal.Decimal `json:"delta_neutrality_fee"`
	ClosedAt           time.Time       `json:"closed_at"`
}

// ExecutedItemRecord is the terminal record of one deferred item.
type ExecutedItemRecord struct {
	QueueID     int64     `json:"queue_id"`
	Owner       string    `json:"owner"`
	Status      string    `json:"status"`
	PositionID  int64     `json:"position_id,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	ProcessedAt time.Time `json:"processed_at"`
}

// EventRecord is one row of the settlement event log.
type EventRecord struct {
	Sequence   int64           `json:"sequence"`
	EventType  string          `json:"event_type"`
	QueueID    int64           `json:"queue_id,omitempty"`
	PositionID int64           `json:"position_id,omitempty"`
	Owner      string          `json:"owner,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	At         time.Time       `json:"at"`
}

// IntegrityReport is the result of an event-log integrity check.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
	LastSequence    int64   `json:"last_sequence"`
}
