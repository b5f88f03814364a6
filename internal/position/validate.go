package position

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"PerpSettle/internal/market"
)

// leverageEpsilon is the band around zero inside which a leverage is
// treated as zero and rejected. Sub-epsilon leverage produces positions
// too small to ever cover their own crank fees.
var leverageEpsilon = decimal.New(1, -7)

var one = decimal.NewFromInt(1)

// ErrInvalidInfiniteTakeProfitPrice rejects an infinite take-profit in
// any configuration where the maximum gain is algebraically unbounded.
var ErrInvalidInfiniteTakeProfitPrice = errors.New(
	"position: infinite take-profit requires a base-collateral market and short notional direction")

// TraderLeverageOutOfRangeError reports a requested leverage outside the
// allowed band. Current is nil when validating a brand-new position.
type TraderLeverageOutOfRangeError struct {
	Low     decimal.Decimal
	High    decimal.Decimal
	New     decimal.Decimal
	Current *decimal.Decimal
}

func (e *TraderLeverageOutOfRangeError) Error() string {
	cur := "none"
	if e.Current != nil {
		cur = e.Current.String()
	}
	return fmt.Sprintf("position: trader leverage %s outside allowed range [%s, %s] (current %s)",
		e.New, e.Low, e.High, cur)
}

// MinimumDepositError reports a deposit below the fluctuation-adjusted
// minimum.
type MinimumDepositError struct {
	DepositUSD decimal.Decimal
	MinimumUSD decimal.Decimal
	AllowedUSD decimal.Decimal
}

func (e *MinimumDepositError) Error() string {
	return fmt.Sprintf("position: deposit %s USD below allowed minimum %s USD (configured %s USD)",
		e.DepositUSD, e.AllowedUSD, e.MinimumUSD)
}

// leverageToBase converts a signed notional-terms leverage into base
// terms. In quote-collateral markets the two coincide; in
// base-collateral markets the collateral itself is exposed to the price,
// shifting the effective leverage by one.
func leverageToBase(mt market.MarketType, leverageNotional decimal.Decimal) decimal.Decimal {
	if mt == market.CollateralIsBase {
		return one.Sub(leverageNotional)
	}
	return leverageNotional
}

// ValidateTraderLeverage checks a requested leverage (signed, notional
// terms) against the configured maximum. currentLeverage is nil for new
// positions.
//
// Leverage increases are bounds-checked; decreases and ties always pass
// even when the resulting value is still above the band, so an
// over-leveraged position can always be de-risked.
func ValidateTraderLeverage(mt market.MarketType, maxLeverage, newLeverage decimal.Decimal, currentLeverage *decimal.Decimal) error {
	newBase := leverageToBase(mt, newLeverage).Abs()

	outOfRange := newBase.LessThan(leverageEpsilon)
	if !outOfRange && newBase.GreaterThan(maxLeverage) {
		increasing := currentLeverage == nil
		if !increasing {
			curBase := leverageToBase(mt, *currentLeverage).Abs()
			increasing = curBase.LessThan(newBase)
		}
		outOfRange = increasing
	}

	if outOfRange {
		return &TraderLeverageOutOfRangeError{
			Low:     leverageEpsilon,
			High:    maxLeverage,
			New:     newLeverage,
			Current: currentLeverage,
		}
	}
	return nil
}

// ValidateMinimumDeposit converts a collateral deposit to USD at the
// given price and compares it against 90% of the configured minimum. The
// 10% allowance absorbs price movement between quote and execution.
func ValidateMinimumDeposit(deposit decimal.Decimal, pp market.PricePoint, minimumUSD decimal.Decimal) error {
	depositUSD := pp.CollateralToUSD(deposit)
	allowed := minimumUSD.Mul(decimal.New(9, -1))
	if depositUSD.LessThan(allowed) {
		return &MinimumDepositError{
			DepositUSD: depositUSD,
			MinimumUSD: minimumUSD,
			AllowedUSD: allowed,
		}
	}
	return nil
}

// TakeProfitToCounterCollateral sizes the pool-side counter-collateral
// for a desired take-profit price, clamped to the band where the minimum
// corresponds to the configured max leverage and the maximum to full
// notional conversion at spot.
//
// An infinite take-profit is only meaningful when maximum gains are
// bounded, which requires a base-collateral market with short notional
// direction; it resolves to the maximum counter-collateral.
func TakeProfitToCounterCollateral(
	mt market.MarketType,
	takeProfit TriggerPrice,
	spot market.PricePoint,
	notionalSize decimal.Decimal,
	maxLeverage decimal.Decimal,
) (decimal.Decimal, error) {
	notionalInCollateral := spot.NotionalToCollateral(notionalSize.Abs())
	maxCC := notionalInCollateral
	minCC, err := market.DivChecked(notionalInCollateral, maxLeverage)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("position: counter-collateral floor: %w", err)
	}

	if takeProfit.Infinite {
		if mt != market.CollateralIsBase || !notionalSize.IsNegative() {
			return decimal.Decimal{}, ErrInvalidInfiniteTakeProfitPrice
		}
		return maxCC, nil
	}

	// Price difference is collateral-per-notional, so multiplying by the
	// signed notional size lands directly in collateral terms.
	cc := takeProfit.Price.Sub(spot.PriceNotional).Mul(notionalSize)
	if !cc.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf(
			"position: take-profit price %s is on the losing side of spot %s",
			takeProfit.Price, spot.PriceNotional)
	}

	if cc.LessThan(minCC) {
		cc = minCC
	}
	if cc.GreaterThan(maxCC) {
		cc = maxCC
	}
	return cc, nil
}
