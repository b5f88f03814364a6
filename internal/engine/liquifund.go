package engine

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"PerpSettle/internal/fees"
	"PerpSettle/internal/market"
	"PerpSettle/internal/position"
)

// liquifund settles accrued borrow and funding fees against p from its
// last settlement up to "until", then runs the trigger and solvency
// checks. Returns true if the position was closed as a side effect.
//
// Fee application mutates the position and aggregates directly; a
// liquifunding settlement stands on its own even when a subsequent
// variant delta fails validation.
func (e *Engine) liquifund(p *position.Position, pp market.PricePoint, until time.Time) (bool, error) {
	if !until.After(p.LiquifundedAt) {
		return e.checkTriggers(p, pp, until)
	}

	borrowSum, err := e.st.Borrow.Sum(p.LiquifundedAt, until)
	if err != nil {
		return false, fmt.Errorf("engine: borrow accrual for position %d: %w", p.ID, err)
	}
	borrowFee := borrowSum.Mul(p.CounterCollateral)

	series := e.st.FundingLong
	if p.DirectionToNotional() == market.DirectionToNotionalShort {
		series = e.st.FundingShort
	}
	fundingSum, err := series.Sum(p.LiquifundedAt, until)
	if err != nil {
		return false, fmt.Errorf("engine: funding accrual for position %d: %w", p.ID, err)
	}
	requested := fundingSum.Mul(p.NotionalInCollateral(pp))

	capped, err := fees.CapPayment(
		e.st.TotalFundingPaid,
		e.st.TotalFundingMargin,
		requested,
		p.LiquidationMargin.Funding,
	)
	if err != nil {
		return false, fmt.Errorf("engine: funding cap for position %d: %w", p.ID, err)
	}
	if capped.Capped && e.metrics != nil {
		e.metrics.FundingPaymentsCapped.Inc()
	}

	p.Collateral = p.Collateral.Sub(borrowFee).Sub(capped.Amount)
	p.BorrowFeePaid = p.BorrowFeePaid.Add(borrowFee)
	p.FundingFeePaid = p.FundingFeePaid.Add(capped.Amount)
	p.LiquifundedAt = until

	e.st.TotalFundingPaid = e.st.TotalFundingPaid.Add(capped.Amount)

	// Borrow fees are pool income after the protocol's cut.
	protocolShare := borrowFee.Mul(e.st.Config.ProtocolTax)
	e.st.ProtocolFees = e.st.ProtocolFees.Add(protocolShare)
	tok := e.st.Config.CollateralToken
	e.st.PoolCollateral[tok] = e.st.PoolCollateral[tok].Add(borrowFee.Sub(protocolShare))
	e.st.InvalidateTokenValue(tok)

	if e.metrics != nil {
		e.metrics.LiquifundsSettled.Inc()
	}
	e.log.Debug().
		Uint64("position_id", p.ID).
		Str("borrow_fee", borrowFee.String()).
		Str("funding_fee", capped.Amount.String()).
		Msg("liquifund settled")

	return e.checkTriggers(p, pp, until)
}

// checkTriggers closes the position if a take-profit or stop-loss
// override has been crossed, or liquidates it if the solvency
// invariant no longer holds.
func (e *Engine) checkTriggers(p *position.Position, pp market.PricePoint, at time.Time) (bool, error) {
	if p.ShouldLiquidate() {
		e.closePosition(p, pp, at, position.CloseReasonLiquidated, 0)
		return true, nil
	}

	if triggerCrossed(p, pp.PriceNotional) {
		e.closePosition(p, pp, at, position.CloseReasonDirect, 0)
		return true, nil
	}
	return false, nil
}

// triggerCrossed reports whether the current price has crossed the
// position's take-profit or stop-loss override. Infinite take-profits
// never trigger.
func triggerCrossed(p *position.Position, price decimal.Decimal) bool {
	long := p.DirectionToNotional() == market.DirectionToNotionalLong

	if tp := p.TakeProfitOverride; tp.Set && !tp.Infinite {
		if (long && price.GreaterThanOrEqual(tp.Price)) || (!long && price.LessThanOrEqual(tp.Price)) {
			return true
		}
	}
	if sl := p.StopLossOverride; sl.Set && !sl.Infinite {
		if (long && price.LessThanOrEqual(sl.Price)) || (!long && price.GreaterThanOrEqual(sl.Price)) {
			return true
		}
	}
	return false
}

// closePosition settles PnL against the counter-collateral, returns the
// pool side, pays the trader, and moves the position to closed history.
// queueID is included in the emitted event when the close came from a
// queue item.
func (e *Engine) closePosition(p *position.Position, pp market.PricePoint, at time.Time, reason position.CloseReason, queueID uint64) {
	pnl := pp.PriceNotional.Sub(p.EntryPriceNotional).Mul(p.NotionalSize)
	if pnl.GreaterThan(p.CounterCollateral) {
		pnl = p.CounterCollateral
	}
	if pnl.LessThan(p.Collateral.Neg()) {
		pnl = p.Collateral.Neg()
	}

	payout := p.Collateral.Add(pnl)
	if payout.IsNegative() {
		payout = decimal.Zero
	}

	tok := e.st.Config.CollateralToken
	e.st.PoolCollateral[tok] = e.st.PoolCollateral[tok].Add(p.CounterCollateral.Sub(pnl))
	e.st.InvalidateTokenValue(tok)

	e.st.RemoveOpenInterest(p.NotionalSize)
	e.st.TotalFundingMargin = e.st.TotalFundingMargin.Sub(p.LiquidationMargin.Funding)
	e.st.RemovePosition(p, reason, pp.PriceNotional, at)

	if e.metrics != nil {
		e.metrics.PositionsClosed.WithLabelValues(reason.String()).Inc()
	}
	e.log.Info().
		Uint64("position_id", p.ID).
		Str("reason", reason.String()).
		Str("payout", payout.String()).
		Msg("position closed")

	if payout.IsPositive() {
		owner := p.Owner
		amount := payout
		e.runTransfer(func() error { return e.transfer.Send(owner, amount) })
	}
	e.emit(Event{
		Type:               EventPositionClosed,
		At:                 at,
		QueueID:            queueID,
		PositionID:         p.ID,
		Owner:              p.Owner,
		Reason:             reason.String(),
		Collateral:         payout,
		Notional:           p.NotionalSize,
		BorrowFee:          p.BorrowFeePaid,
		FundingFee:         p.FundingFeePaid,
		DeltaNeutralityFee: p.DeltaNeutralityFeePaid,
	})
}

// computeMargin sizes the liquidation margin components for a position
// with the given exposure, covering one liquifunding period of worst
// case accrual.
func (e *Engine) computeMargin(notionalInCollateral, counterCollateral decimal.Decimal) position.LiquidationMargin {
	cfg := e.st.Config
	year := decimal.NewFromInt(secondsPerYear)
	period := decimal.NewFromInt(int64(cfg.LiquifundingPeriod / time.Second))

	return position.LiquidationMargin{
		Borrow:          counterCollateral.Mul(cfg.BorrowFeeRate).Div(year).Mul(period),
		Funding:         notionalInCollateral.Mul(cfg.FundingRateMaxAnnualized).Div(year).Mul(period),
		DeltaNeutrality: notionalInCollateral.Mul(cfg.DeltaNeutralityFeeCap),
		Crank:           cfg.CrankFeeCollateral,
		Exposure:        notionalInCollateral.Div(cfg.CarryLeverage),
	}
}
