// Package slippage implements the delta-neutrality fee and the
// execution-price assertion run before any notional-changing action.
package slippage

import (
	"fmt"

	"github.com/shopspring/decimal"

	"PerpSettle/internal/market"
)

var (
	one     = decimal.NewFromInt(1)
	two     = decimal.NewFromInt(2)
	hundred = decimal.NewFromInt(100)
)

// FeeParams configures the delta-neutrality fee. Sensitivity is the
// notional imbalance at which the fee rate reaches 1; Cap bounds the
// rate; Tax is the protocol's share of collected fees.
type FeeParams struct {
	Sensitivity decimal.Decimal
	Cap         decimal.Decimal
	Tax         decimal.Decimal
}

// FeeRate returns the dimensionless fee rate charged on a notional delta
// given the current system-wide net open interest. The rate is the
// average imbalance over the trade divided by sensitivity, clamped to
// [-Cap, Cap]. Positive means the trade pays (it worsens imbalance),
// negative means it is rebated.
func FeeRate(netNotional, delta decimal.Decimal, p FeeParams) (decimal.Decimal, error) {
	if delta.IsZero() {
		return decimal.Zero, nil
	}
	avgImbalance := netNotional.Add(netNotional).Add(delta).Div(two)
	rate, err := market.DivChecked(avgImbalance, p.Sensitivity)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("slippage: fee rate: %w", err)
	}
	// A trade that reduces imbalance earns at most what it would have
	// paid; the sign follows the delta, not the imbalance alone.
	if delta.IsNegative() {
		rate = rate.Neg()
	}
	if rate.GreaterThan(p.Cap) {
		rate = p.Cap
	}
	if rate.LessThan(p.Cap.Neg()) {
		rate = p.Cap.Neg()
	}
	return rate, nil
}

// Fee returns the fee rate together with the collateral-denominated fee
// amount for a notional delta. The protocol tax share is reported
// separately so callers can route it to the fee totals instead of the
// liquidity pool.
func Fee(netNotional, delta decimal.Decimal, pp market.PricePoint, p FeeParams) (rate, feeCollateral, protocolTax decimal.Decimal, err error) {
	rate, err = FeeRate(netNotional, delta, p)
	if err != nil {
		return decimal.Decimal{}, decimal.Decimal{}, decimal.Decimal{}, err
	}
	feeCollateral = rate.Mul(delta.Abs()).Mul(pp.PriceNotional)
	if feeCollateral.IsPositive() {
		protocolTax = feeCollateral.Mul(p.Tax)
	}
	return rate, feeCollateral, protocolTax, nil
}

// Error reports an execution price outside the caller's asserted
// tolerance band. DeviationInfinite marks an asserted price of exactly
// zero, where a percentage deviation is undefined.
type Error struct {
	EffectivePrice    decimal.Decimal
	AssertedPrice     decimal.Decimal
	DeviationPercent  decimal.Decimal
	DeviationInfinite bool
}

func (e *Error) Error() string {
	if e.DeviationInfinite {
		return fmt.Sprintf("slippage: effective price %s deviates infinitely from asserted %s",
			e.EffectivePrice, e.AssertedPrice)
	}
	return fmt.Sprintf("slippage: effective price %s deviates %s%% from asserted %s",
		e.EffectivePrice, e.DeviationPercent, e.AssertedPrice)
}

// Assert checks the delta-neutrality-fee-adjusted execution price for a
// notional delta against an asserted price and tolerance. Tolerance
// always widens the acceptable band: a positive delta may execute up to
// asserted*(1+tolerance), a negative delta down to
// asserted*(1-tolerance). A zero delta trivially passes.
func Assert(netNotional, delta, asserted, tolerance decimal.Decimal, pp market.PricePoint, p FeeParams) error {
	if delta.IsZero() {
		return nil
	}

	rate, err := FeeRate(netNotional, delta, p)
	if err != nil {
		return err
	}
	effective := pp.PriceNotional.Mul(one.Add(rate))

	var outside bool
	if delta.IsPositive() {
		outside = effective.GreaterThan(asserted.Mul(one.Add(tolerance)))
	} else {
		outside = effective.LessThan(asserted.Mul(one.Sub(tolerance)))
	}
	if !outside {
		return nil
	}

	if asserted.IsZero() {
		return &Error{
			EffectivePrice:    effective,
			AssertedPrice:     asserted,
			DeviationInfinite: true,
		}
	}
	deviation := effective.Sub(asserted).Div(asserted).Mul(hundred)
	return &Error{
		EffectivePrice:   effective,
		AssertedPrice:    asserted,
		DeviationPercent: deviation,
	}
}
