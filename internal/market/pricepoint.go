package market

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// PricePoint is one authoritative price observation pushed by the oracle
// bridge. Prices are exposed in three bases so callers never re-derive a
// conversion with the wrong orientation:
//
//	PriceNotional — collateral per one unit of notional
//	PriceBase     — quote per one unit of base
//	PriceUSD      — USD per one unit of collateral
type PricePoint struct {
	PriceNotional decimal.Decimal
	PriceBase     decimal.Decimal
	PriceUSD      decimal.Decimal
	PublishTime   time.Time
}

// Validate rejects non-positive prices. A zero oracle price would poison
// every conversion downstream.
func (pp PricePoint) Validate() error {
	if !pp.PriceNotional.IsPositive() {
		return fmt.Errorf("price point: notional price must be positive, got %s", pp.PriceNotional)
	}
	if !pp.PriceBase.IsPositive() {
		return fmt.Errorf("price point: base price must be positive, got %s", pp.PriceBase)
	}
	if !pp.PriceUSD.IsPositive() {
		return fmt.Errorf("price point: usd price must be positive, got %s", pp.PriceUSD)
	}
	if pp.PublishTime.IsZero() {
		return fmt.Errorf("price point: publish time is zero")
	}
	return nil
}

// NotionalToCollateral converts a notional amount into collateral terms.
func (pp PricePoint) NotionalToCollateral(n decimal.Decimal) decimal.Decimal {
	return n.Mul(pp.PriceNotional)
}

// CollateralToNotional converts a collateral amount into notional terms.
func (pp PricePoint) CollateralToNotional(c decimal.Decimal) (decimal.Decimal, error) {
	return DivChecked(c, pp.PriceNotional)
}

// CollateralToUSD converts a collateral amount into USD.
func (pp PricePoint) CollateralToUSD(c decimal.Decimal) decimal.Decimal {
	return c.Mul(pp.PriceUSD)
}

// IsStale reports whether the price is older than the allowed window at
// the given observation time.
func (pp PricePoint) IsStale(now time.Time, window time.Duration) bool {
	return now.Sub(pp.PublishTime) > window
}
