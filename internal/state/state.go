// Package state holds the mutable market state threaded through every
// execute and query call: the position ledger, the deferred-execution
// queue, accrual series, and cached derived values. Nothing here reads
// the wall clock; time only advances when a price update is pushed.
package state

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"PerpSettle/internal/accrual"
	"PerpSettle/internal/market"
	"PerpSettle/internal/position"
)

// TokenValue is a cached derived valuation for one collateral token,
// with an explicit validity flag so consumers can distinguish "stale"
// from "never computed".
type TokenValue struct {
	Value      decimal.Decimal
	Valid      bool
	ComputedAt time.Time
}

// MarketWork tracks the crank bookkeeping of one market against a
// collateral token. The work scheduler scans these to decide whether the
// queue may advance.
type MarketWork struct {
	Market          string
	DeferredPending bool
	NeedsReset      bool
	Validated       bool
}

// State is the full market state for one collateral token's market.
// Callers hold exclusive access for the duration of a call; there is no
// internal locking and no partial commit.
type State struct {
	Config market.Config

	price    market.PricePoint
	hasPrice bool

	positions      map[uint64]*position.Position
	nextPositionID uint64
	closed         []position.ClosedPosition

	Queue *Queue

	// Per-second accrual rate series. Borrow applies to every position's
	// counter-collateral; the funding pair is direction-specific over
	// notional, with payments flowing between the two sides.
	Borrow       *accrual.Series
	FundingLong  *accrual.Series
	FundingShort *accrual.Series

	// Unsigned open-interest magnitudes per notional direction.
	OpenLongNotional  decimal.Decimal
	OpenShortNotional decimal.Decimal

	// Running funding aggregates consumed by the capping stage.
	TotalFundingPaid   decimal.Decimal
	TotalFundingMargin decimal.Decimal

	// Accumulated protocol fee income.
	ProtocolFees decimal.Decimal
	CrankFees    decimal.Decimal

	// DeltaNeutralityFund accumulates the non-tax share of collected
	// delta-neutrality fees and funds future rebates.
	DeltaNeutralityFund decimal.Decimal

	// PoolCollateral is the liquidity backing counter-collateral, per
	// token.
	PoolCollateral map[market.Token]decimal.Decimal
	PoolShares     map[market.Token]decimal.Decimal
	tokenValues    map[market.Token]*TokenValue
	Works          map[market.Token][]*MarketWork
}

func New(cfg market.Config) *State {
	return &State{
		Config:         cfg,
		positions:      make(map[uint64]*position.Position),
		nextPositionID: 1,
		Queue:          NewQueue(),
		Borrow:         accrual.NewSeries(),
		FundingLong:    accrual.NewSeries(),
		FundingShort:   accrual.NewSeries(),
		PoolCollateral: make(map[market.Token]decimal.Decimal),
		PoolShares:     make(map[market.Token]decimal.Decimal),
		tokenValues:    make(map[market.Token]*TokenValue),
		Works:          make(map[market.Token][]*MarketWork),
	}
}

// SetPrice installs a new authoritative price. Publish times must not
// move backwards; the latest publish time is the state's notion of
// "now".
func (s *State) SetPrice(pp market.PricePoint) error {
	if err := pp.Validate(); err != nil {
		return err
	}
	if s.hasPrice && pp.PublishTime.Before(s.price.PublishTime) {
		return fmt.Errorf("state: price publish time %s precedes current %s",
			pp.PublishTime, s.price.PublishTime)
	}
	s.price = pp
	s.hasPrice = true
	return nil
}

// CurrentPrice returns the latest price, or false before the first
// update.
func (s *State) CurrentPrice() (market.PricePoint, bool) {
	return s.price, s.hasPrice
}

// Now is the latest price publish time. Zero before the first update.
func (s *State) Now() time.Time {
	return s.price.PublishTime
}

// InsertPosition assigns the next position id and stores p.
func (s *State) InsertPosition(p *position.Position) uint64 {
	p.ID = s.nextPositionID
	s.nextPositionID++
	s.positions[p.ID] = p
	return p.ID
}

// GetPosition returns an open position by id.
func (s *State) GetPosition(id uint64) (*position.Position, bool) {
	p, ok := s.positions[id]
	return p, ok
}

// OpenPositions returns all open positions in increasing id order, so
// crank iteration is deterministic.
func (s *State) OpenPositions() []*position.Position {
	out := make([]*position.Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// OpenPositionCount returns the number of open positions.
func (s *State) OpenPositionCount() int {
	return len(s.positions)
}

// RemovePosition moves an open position to the closed history.
func (s *State) RemovePosition(p *position.Position, reason position.CloseReason, settlement decimal.Decimal, at time.Time) {
	if _, ok := s.positions[p.ID]; !ok {
		panic(fmt.Sprintf("FATAL: closing unknown position %d", p.ID))
	}
	delete(s.positions, p.ID)
	s.closed = append(s.closed, position.ClosedPosition{
		Position:        *p,
		Reason:          reason,
		SettlementPrice: settlement,
		ClosedAt:        at,
	})
}

// ClosedHistory returns the closed-position records, oldest first.
func (s *State) ClosedHistory() []position.ClosedPosition {
	return s.closed
}

// AddOpenInterest records a signed notional amount against the
// direction aggregates.
func (s *State) AddOpenInterest(signedNotional decimal.Decimal) {
	if signedNotional.IsNegative() {
		s.OpenShortNotional = s.OpenShortNotional.Add(signedNotional.Abs())
	} else {
		s.OpenLongNotional = s.OpenLongNotional.Add(signedNotional)
	}
}

// RemoveOpenInterest reverses AddOpenInterest for a closing or shrinking
// position.
func (s *State) RemoveOpenInterest(signedNotional decimal.Decimal) {
	if signedNotional.IsNegative() {
		s.OpenShortNotional = s.OpenShortNotional.Sub(signedNotional.Abs())
	} else {
		s.OpenLongNotional = s.OpenLongNotional.Sub(signedNotional)
	}
}

// NetNotional is the signed system-wide open-interest imbalance.
func (s *State) NetNotional() decimal.Decimal {
	return s.OpenLongNotional.Sub(s.OpenShortNotional)
}

// SetTokenValue caches a freshly computed token valuation.
func (s *State) SetTokenValue(tok market.Token, v decimal.Decimal, at time.Time) {
	s.tokenValues[tok] = &TokenValue{Value: v, Valid: true, ComputedAt: at}
}

// InvalidateTokenValue marks a cached valuation stale without discarding
// the last value.
func (s *State) InvalidateTokenValue(tok market.Token) {
	if tv, ok := s.tokenValues[tok]; ok {
		tv.Valid = false
	}
}

// TokenValue returns the cached valuation for a token.
func (s *State) TokenValue(tok market.Token) (TokenValue, bool) {
	tv, ok := s.tokenValues[tok]
	if !ok {
		return TokenValue{}, false
	}
	return *tv, true
}
