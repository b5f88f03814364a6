// Package position holds the position ledger's data model and the pure
// validation rules applied before any mutation is committed.
package position

import (
	"time"

	"github.com/shopspring/decimal"

	"PerpSettle/internal/market"
)

// TriggerPrice is an optional take-profit or stop-loss override: a
// finite price, "+infinity", or absent. Absent and infinite are distinct
// states and must survive storage round-trips, hence the explicit flags
// instead of a nullable price.
type TriggerPrice struct {
	Set      bool
	Infinite bool
	Price    decimal.Decimal
}

func NoTrigger() TriggerPrice {
	return TriggerPrice{}
}

func FiniteTrigger(p decimal.Decimal) TriggerPrice {
	return TriggerPrice{Set: true, Price: p}
}

func InfiniteTrigger() TriggerPrice {
	return TriggerPrice{Set: true, Infinite: true}
}

// LiquidationMargin decomposes the margin a position must retain into
// independently tracked, non-negative components. Keeping them separate
// lets the aggregate capping clamp each fee category on its own, so no
// single category can drive a position negative without triggering
// liquidation.
type LiquidationMargin struct {
	Borrow          decimal.Decimal
	Funding         decimal.Decimal
	DeltaNeutrality decimal.Decimal
	Crank           decimal.Decimal
	Exposure        decimal.Decimal
}

// Total is the sum of all components.
func (lm LiquidationMargin) Total() decimal.Decimal {
	return lm.Borrow.
		Add(lm.Funding).
		Add(lm.DeltaNeutrality).
		Add(lm.Crank).
		Add(lm.Exposure)
}

// Position is one open leveraged position. Mutated only by the deferred
// execution processor; after every committed mutation
// Collateral > LiquidationMargin.Total() must hold, otherwise the
// position is liquidated as a side-effect.
type Position struct {
	ID    uint64
	Owner string

	Direction market.DirectionToBase

	// Collateral is the trader's active collateral, non-negative,
	// denominated in the market's collateral token.
	Collateral decimal.Decimal

	// CounterCollateral is posted by the liquidity pool side, sized to
	// cover the trader's maximum possible gain.
	CounterCollateral decimal.Decimal

	// NotionalSize is the signed exposure in notional terms; the sign
	// carries the notional direction.
	NotionalSize decimal.Decimal

	// EntryPriceNotional is the spot notional price at open, the basis
	// for PnL on close.
	EntryPriceNotional decimal.Decimal

	LiquidationMargin LiquidationMargin

	// LiquifundedAt is the timestamp up to which funding/borrow accrual
	// has been settled against this position.
	LiquifundedAt time.Time

	TakeProfitOverride TriggerPrice
	StopLossOverride   TriggerPrice

	// Cumulative fee totals, reported in events and close history.
	BorrowFeePaid          decimal.Decimal
	FundingFeePaid         decimal.Decimal
	DeltaNeutralityFeePaid decimal.Decimal

	CreatedAt time.Time
}

// DirectionToNotional derives the notional direction from the sign of
// the notional size.
func (p *Position) DirectionToNotional() market.DirectionToNotional {
	if p.NotionalSize.IsNegative() {
		return market.DirectionToNotionalShort
	}
	return market.DirectionToNotionalLong
}

// NotionalSizeAbs returns the unsigned notional magnitude.
func (p *Position) NotionalSizeAbs() decimal.Decimal {
	return p.NotionalSize.Abs()
}

// NotionalInCollateral converts the unsigned notional exposure into
// collateral terms at the given price.
func (p *Position) NotionalInCollateral(pp market.PricePoint) decimal.Decimal {
	return pp.NotionalToCollateral(p.NotionalSizeAbs())
}

// ActiveLeverage is notional exposure over active collateral at the
// given price. Leverage is derived, never stored independently.
func (p *Position) ActiveLeverage(pp market.PricePoint) (decimal.Decimal, error) {
	return market.DivChecked(p.NotionalInCollateral(pp), p.Collateral)
}

// ShouldLiquidate reports whether the solvency invariant is violated.
func (p *Position) ShouldLiquidate() bool {
	return !p.Collateral.GreaterThan(p.LiquidationMargin.Total())
}

// CloseReason records why a position left the open ledger.
type CloseReason int32

const (
	CloseReasonDirect CloseReason = iota
	CloseReasonLiquidated
)

func (r CloseReason) String() string {
	switch r {
	case CloseReasonDirect:
		return "direct"
	case CloseReasonLiquidated:
		return "liquidated"
	default:
		return "unknown"
	}
}

// ClosedPosition is the terminal record kept after close or liquidation.
type ClosedPosition struct {
	Position
	Reason          CloseReason
	SettlementPrice decimal.Decimal
	ClosedAt        time.Time
}
