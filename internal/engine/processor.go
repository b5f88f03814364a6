package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"PerpSettle/internal/market"
	"PerpSettle/internal/position"
	"PerpSettle/internal/slippage"
	"PerpSettle/internal/state"
)

// fatalError marks internal-consistency failures (checked arithmetic,
// broken aggregates, missing accrual entries) that must abort the whole
// call instead of resolving the queue item as Failure.
type fatalError struct {
	err error
}

func (f fatalError) Error() string { return f.err.Error() }
func (f fatalError) Unwrap() error { return f.err }

func fatal(err error) error { return fatalError{err: err} }

func isFatal(err error) bool {
	var fe fatalError
	return errors.As(err, &fe)
}

// CrankResult reports what a single crank invocation did.
type CrankResult struct {
	Work       Work
	QueueID    uint64
	Status     state.ItemStatus
	PositionID uint64
	Reason     string
}

// Crank executes one unit of work: process the next queue item,
// liquifund an overdue position, or refresh derived values. now is the
// caller's wall clock, used only for price staleness; settlement
// timestamps always come from the price feed.
func (e *Engine) Crank(now time.Time) (CrankResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	work := e.getWork()
	res := CrankResult{Work: work}
	var err error

	switch work.Kind {
	case WorkNone:
		res.Reason = work.Reason
	case WorkResetStats:
		e.resetStats(work.Token, work.Market)
	case WorkComputeTokenValue:
		err = e.computeTokenValue(work.Token)
	case WorkLiquifundPosition:
		err = e.crankLiquifund(work.PositionID, now)
		res.PositionID = work.PositionID
	case WorkProcessQueueItem:
		res, err = e.processNext(now)
		if err != nil || res.QueueID != 0 {
			res.Work = work
		} else {
			// The head item was deferred (stale price) or the queue
			// drained between decisions: surface the no-work result so
			// pollers back off instead of spinning.
			res.Reason = res.Work.Reason
		}
	}

	if e.metrics != nil {
		e.metrics.CrankInvocations.WithLabelValues(work.Kind.String()).Inc()
		e.metrics.CrankDuration.Observe(time.Since(start).Seconds())
	}
	e.updateGauges()
	return res, err
}

// crankLiquifund force-settles one overdue position. A stale price
// defers the work instead of settling on bad data.
func (e *Engine) crankLiquifund(pid uint64, now time.Time) error {
	p, ok := e.st.GetPosition(pid)
	if !ok {
		panic(fmt.Sprintf("FATAL: scheduled liquifund for unknown position %d", pid))
	}
	pp, ok := e.st.CurrentPrice()
	if !ok || pp.IsStale(now, e.st.Config.StalenessWindow) {
		e.log.Warn().Uint64("position_id", pid).Msg("liquifund deferred: price stale")
		return nil
	}
	_, err := e.liquifund(p, pp, e.st.Now())
	return err
}

// processNext runs the deferred-execution state machine for the head
// queue item. Validation failures resolve the item as Failure and
// advance the watermark; fatal errors abort without touching it.
func (e *Engine) processNext(now time.Time) (CrankResult, error) {
	item, ok := e.st.Queue.NextPending()
	if !ok {
		return CrankResult{Work: Work{Kind: WorkNone, Reason: "queue drained"}}, nil
	}

	pp, ok := e.st.CurrentPrice()
	if !ok || pp.IsStale(now, e.st.Config.StalenessWindow) {
		// Consistency, not failure: the item stays pending for a retry
		// once a fresh price arrives.
		return CrankResult{Work: Work{Kind: WorkNone, Reason: "price unavailable or stale"}}, nil
	}

	start := time.Now()
	pid, err := e.executeItem(item, pp)
	if e.metrics != nil {
		e.metrics.ItemDuration.WithLabelValues(item.Item.Kind.String()).Observe(time.Since(start).Seconds())
	}

	if err != nil {
		if isFatal(err) {
			return CrankResult{}, err
		}
		e.st.Queue.MarkFailure(item, err.Error(), e.st.Now())
		if e.metrics != nil {
			e.metrics.ItemsProcessed.WithLabelValues(item.Item.Kind.String(), "failure").Inc()
		}
		e.log.Info().
			Uint64("queue_id", item.ID).
			Str("kind", item.Item.Kind.String()).
			Str("reason", err.Error()).
			Msg("item failed")
		e.emit(Event{
			Type:    EventItemFailed,
			At:      e.st.Now(),
			QueueID: item.ID,
			Owner:   item.Item.Owner,
			Reason:  err.Error(),
		})
		return CrankResult{QueueID: item.ID, Status: state.StatusFailure, Reason: err.Error()}, nil
	}

	e.st.Queue.MarkSuccess(item, pid, e.st.Now())
	if e.metrics != nil {
		e.metrics.ItemsProcessed.WithLabelValues(item.Item.Kind.String(), "success").Inc()
	}
	e.log.Info().
		Uint64("queue_id", item.ID).
		Str("kind", item.Item.Kind.String()).
		Uint64("position_id", pid).
		Msg("item processed")
	return CrankResult{QueueID: item.ID, Status: state.StatusSuccess, PositionID: pid}, nil
}

// executeItem dispatches on the closed variant set.
func (e *Engine) executeItem(qi *state.QueueItem, pp market.PricePoint) (uint64, error) {
	switch qi.Item.Kind {
	case state.KindOpenPosition:
		return e.handleOpen(qi, pp)
	case state.KindUpdateCollateralImpactLeverage:
		return e.handleUpdateCollateralImpactLeverage(qi, pp)
	case state.KindUpdateCollateralImpactSize:
		return e.handleUpdateCollateralImpactSize(qi, pp)
	case state.KindUpdateLeverage:
		return e.handleUpdateLeverage(qi, pp)
	case state.KindUpdateMaxGains:
		return e.handleUpdateMaxGains(qi, pp)
	case state.KindClosePosition:
		return e.handleClose(qi, pp)
	default:
		panic(fmt.Sprintf("FATAL: unknown deferred item kind %d", qi.Item.Kind))
	}
}

// dnfQuote is a previewed delta-neutrality fee, computed before any
// mutation and applied only on commit.
type dnfQuote struct {
	fee    decimal.Decimal
	tax    decimal.Decimal
	rebate decimal.Decimal
}

// quoteDeltaNeutralityFee previews the fee for a notional delta. The
// rebate on balance-restoring trades is clamped to what the fund holds.
func (e *Engine) quoteDeltaNeutralityFee(delta decimal.Decimal, pp market.PricePoint) (dnfQuote, error) {
	_, fee, tax, err := slippage.Fee(e.st.NetNotional(), delta, pp, e.feeParams)
	if err != nil {
		return dnfQuote{}, fatal(err)
	}
	q := dnfQuote{fee: fee, tax: tax}
	if fee.IsNegative() {
		q.rebate = fee.Neg()
		if q.rebate.GreaterThan(e.st.DeltaNeutralityFund) {
			q.rebate = e.st.DeltaNeutralityFund
		}
	}
	return q, nil
}

// charge applies the quote to a collateral amount and returns the new
// collateral and the signed fee actually paid.
func (q dnfQuote) charge(collateral decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	if q.fee.IsPositive() {
		return collateral.Sub(q.fee), q.fee
	}
	return collateral.Add(q.rebate), q.rebate.Neg()
}

// commit routes the collected fee into the protocol and fund totals.
func (q dnfQuote) commit(e *Engine) {
	if q.fee.IsPositive() {
		e.st.ProtocolFees = e.st.ProtocolFees.Add(q.tax)
		e.st.DeltaNeutralityFund = e.st.DeltaNeutralityFund.Add(q.fee.Sub(q.tax))
		return
	}
	e.st.DeltaNeutralityFund = e.st.DeltaNeutralityFund.Sub(q.rebate)
}

func (e *Engine) handleOpen(qi *state.QueueItem, pp market.PricePoint) (uint64, error) {
	it := qi.Item
	cfg := e.st.Config
	now := e.st.Now()

	if err := position.ValidateMinimumDeposit(it.Deposit, pp, cfg.MinimumDepositUSD); err != nil {
		return 0, err
	}

	dirNotional := it.Direction.ToNotional(cfg.MarketType)
	signedLev := dirNotional.SignedNotional(it.Leverage.Abs())
	if err := position.ValidateTraderLeverage(cfg.MarketType, cfg.MaxLeverage, signedLev, nil); err != nil {
		return 0, err
	}

	notionalInCollateral := it.Deposit.Mul(it.Leverage.Abs())
	notionalAbs, err := pp.CollateralToNotional(notionalInCollateral)
	if err != nil {
		return 0, fatal(err)
	}
	notionalSize := dirNotional.SignedNotional(notionalAbs)

	if it.Slippage != nil {
		if err := slippage.Assert(e.st.NetNotional(), notionalSize,
			it.Slippage.Price, it.Slippage.Tolerance, pp, e.feeParams); err != nil {
			return 0, err
		}
	}

	counterCollateral := notionalInCollateral
	if it.TakeProfit.Set {
		cc, tpErr := position.TakeProfitToCounterCollateral(
			cfg.MarketType, it.TakeProfit, pp, notionalSize, cfg.MaxLeverage)
		if tpErr != nil {
			if errors.Is(tpErr, market.ErrDivisionByZero) {
				return 0, fatal(tpErr)
			}
			return 0, tpErr
		}
		counterCollateral = cc
	}

	tok := cfg.CollateralToken
	if counterCollateral.GreaterThan(e.st.PoolCollateral[tok]) {
		return 0, fmt.Errorf("insufficient pool liquidity: need %s, have %s",
			counterCollateral, e.st.PoolCollateral[tok])
	}

	quote, err := e.quoteDeltaNeutralityFee(notionalSize, pp)
	if err != nil {
		return 0, err
	}
	collateral, dnfPaid := quote.charge(it.Deposit.Sub(cfg.CrankFeeCollateral))
	if !collateral.IsPositive() {
		return 0, fmt.Errorf("deposit %s does not cover fees", it.Deposit)
	}

	margin := e.computeMargin(notionalInCollateral, counterCollateral)
	if !collateral.GreaterThan(margin.Total()) {
		return 0, fmt.Errorf("collateral %s below required margin %s", collateral, margin.Total())
	}

	// Commit.
	quote.commit(e)
	e.st.CrankFees = e.st.CrankFees.Add(cfg.CrankFeeCollateral)
	e.st.PoolCollateral[tok] = e.st.PoolCollateral[tok].Sub(counterCollateral)
	e.st.InvalidateTokenValue(tok)

	p := &position.Position{
		Owner:                  it.Owner,
		Direction:              it.Direction,
		Collateral:             collateral,
		CounterCollateral:      counterCollateral,
		NotionalSize:           notionalSize,
		EntryPriceNotional:     pp.PriceNotional,
		LiquidationMargin:      margin,
		LiquifundedAt:          now,
		TakeProfitOverride:     it.TakeProfit,
		StopLossOverride:       it.StopLoss,
		DeltaNeutralityFeePaid: dnfPaid,
		CreatedAt:              now,
	}
	pid := e.st.InsertPosition(p)
	e.st.AddOpenInterest(notionalSize)
	e.st.TotalFundingMargin = e.st.TotalFundingMargin.Add(margin.Funding)

	if e.metrics != nil {
		e.metrics.PositionsOpened.Inc()
	}
	owner := it.Owner
	deposit := it.Deposit
	e.runTransfer(func() error { return e.transfer.Collect(owner, deposit) })
	e.emit(Event{
		Type:               EventPositionOpened,
		At:                 now,
		QueueID:            qi.ID,
		PositionID:         pid,
		Owner:              it.Owner,
		Collateral:         collateral,
		Notional:           notionalSize,
		DeltaNeutralityFee: dnfPaid,
	})
	return pid, nil
}

// loadOwnedPosition resolves and authorizes the item's target position.
func (e *Engine) loadOwnedPosition(it state.DeferredExecItem) (*position.Position, error) {
	p, ok := e.st.GetPosition(it.PositionID)
	if !ok {
		return nil, fmt.Errorf("position %d not found", it.PositionID)
	}
	if p.Owner != it.Owner {
		return nil, fmt.Errorf("position %d not owned by %s", it.PositionID, it.Owner)
	}
	return p, nil
}

// updateShared is the prelude for every update variant: authorize, then
// force a liquifunding settlement up to now. The settlement commits
// even if the variant delta later fails validation.
func (e *Engine) updateShared(it state.DeferredExecItem, pp market.PricePoint) (*position.Position, error) {
	p, err := e.loadOwnedPosition(it)
	if err != nil {
		return nil, err
	}
	closed, err := e.liquifund(p, pp, e.st.Now())
	if err != nil {
		return nil, fatal(err)
	}
	if closed {
		return nil, fmt.Errorf("position %d was closed during settlement", p.ID)
	}
	return p, nil
}

func (e *Engine) handleUpdateCollateralImpactLeverage(qi *state.QueueItem, pp market.PricePoint) (uint64, error) {
	it := qi.Item
	cfg := e.st.Config

	p, err := e.updateShared(it, pp)
	if err != nil {
		return 0, err
	}

	newCollateral := p.Collateral.Add(it.Amount)
	if !newCollateral.IsPositive() {
		return 0, fmt.Errorf("collateral delta %s exhausts position collateral %s", it.Amount, p.Collateral)
	}
	if err := position.ValidateMinimumDeposit(newCollateral, pp, cfg.MinimumDepositUSD); err != nil {
		return 0, err
	}

	exposure := pp.NotionalToCollateral(p.NotionalSize)
	newLev, err := market.DivChecked(exposure, newCollateral)
	if err != nil {
		return 0, fatal(err)
	}
	curLev, err := market.DivChecked(exposure, p.Collateral)
	if err != nil {
		return 0, fatal(err)
	}
	if err := position.ValidateTraderLeverage(cfg.MarketType, cfg.MaxLeverage, newLev, &curLev); err != nil {
		return 0, err
	}
	if !newCollateral.GreaterThan(p.LiquidationMargin.Total()) {
		return 0, fmt.Errorf("collateral %s below required margin %s", newCollateral, p.LiquidationMargin.Total())
	}

	// Commit.
	p.Collateral = newCollateral

	owner := it.Owner
	amount := it.Amount
	if amount.IsPositive() {
		e.runTransfer(func() error { return e.transfer.Collect(owner, amount) })
	} else {
		e.runTransfer(func() error { return e.transfer.Send(owner, amount.Neg()) })
	}
	e.emitUpdated(qi.ID, p, decimal.Zero)
	return p.ID, nil
}

func (e *Engine) handleUpdateCollateralImpactSize(qi *state.QueueItem, pp market.PricePoint) (uint64, error) {
	it := qi.Item
	cfg := e.st.Config

	p, err := e.updateShared(it, pp)
	if err != nil {
		return 0, err
	}

	newCollateral := p.Collateral.Add(it.Amount)
	if !newCollateral.IsPositive() {
		return 0, fmt.Errorf("collateral delta %s exhausts position collateral %s", it.Amount, p.Collateral)
	}
	if err := position.ValidateMinimumDeposit(newCollateral, pp, cfg.MinimumDepositUSD); err != nil {
		return 0, err
	}

	factor, err := market.DivChecked(newCollateral, p.Collateral)
	if err != nil {
		return 0, fatal(err)
	}
	newNotional := p.NotionalSize.Mul(factor)
	delta := newNotional.Sub(p.NotionalSize)

	if it.Slippage != nil {
		if err := slippage.Assert(e.st.NetNotional(), delta,
			it.Slippage.Price, it.Slippage.Tolerance, pp, e.feeParams); err != nil {
			return 0, err
		}
	}

	newCC := p.CounterCollateral.Mul(factor)
	ccDelta := newCC.Sub(p.CounterCollateral)
	tok := cfg.CollateralToken
	if ccDelta.GreaterThan(e.st.PoolCollateral[tok]) {
		return 0, fmt.Errorf("insufficient pool liquidity: need %s, have %s", ccDelta, e.st.PoolCollateral[tok])
	}

	quote, err := e.quoteDeltaNeutralityFee(delta, pp)
	if err != nil {
		return 0, err
	}
	collateralAfterFee, dnfPaid := quote.charge(newCollateral)
	if !collateralAfterFee.IsPositive() {
		return 0, fmt.Errorf("collateral %s does not cover delta-neutrality fee", newCollateral)
	}

	margin := e.computeMargin(pp.NotionalToCollateral(newNotional.Abs()), newCC)
	if !collateralAfterFee.GreaterThan(margin.Total()) {
		return 0, fmt.Errorf("collateral %s below required margin %s", collateralAfterFee, margin.Total())
	}

	// Commit.
	quote.commit(e)
	e.st.PoolCollateral[tok] = e.st.PoolCollateral[tok].Sub(ccDelta)
	e.st.InvalidateTokenValue(tok)
	e.st.RemoveOpenInterest(p.NotionalSize)
	e.st.AddOpenInterest(newNotional)
	e.st.TotalFundingMargin = e.st.TotalFundingMargin.
		Sub(p.LiquidationMargin.Funding).
		Add(margin.Funding)

	p.Collateral = collateralAfterFee
	p.NotionalSize = newNotional
	p.CounterCollateral = newCC
	p.LiquidationMargin = margin
	p.DeltaNeutralityFeePaid = p.DeltaNeutralityFeePaid.Add(dnfPaid)

	owner := it.Owner
	amount := it.Amount
	if amount.IsPositive() {
		e.runTransfer(func() error { return e.transfer.Collect(owner, amount) })
	} else {
		e.runTransfer(func() error { return e.transfer.Send(owner, amount.Neg()) })
	}
	e.emitUpdated(qi.ID, p, dnfPaid)
	return p.ID, nil
}

func (e *Engine) handleUpdateLeverage(qi *state.QueueItem, pp market.PricePoint) (uint64, error) {
	it := qi.Item
	cfg := e.st.Config

	p, err := e.updateShared(it, pp)
	if err != nil {
		return 0, err
	}

	dirNotional := p.DirectionToNotional()
	targetCollateralExposure := p.Collateral.Mul(it.Leverage.Abs())
	newAbsNotional, err := pp.CollateralToNotional(targetCollateralExposure)
	if err != nil {
		return 0, fatal(err)
	}
	newNotional := dirNotional.SignedNotional(newAbsNotional)
	delta := newNotional.Sub(p.NotionalSize)

	signedLev := dirNotional.SignedNotional(it.Leverage.Abs())
	curLev, err := market.DivChecked(pp.NotionalToCollateral(p.NotionalSize), p.Collateral)
	if err != nil {
		return 0, fatal(err)
	}
	if err := position.ValidateTraderLeverage(cfg.MarketType, cfg.MaxLeverage, signedLev, &curLev); err != nil {
		return 0, err
	}

	if it.Slippage != nil {
		if err := slippage.Assert(e.st.NetNotional(), delta,
			it.Slippage.Price, it.Slippage.Tolerance, pp, e.feeParams); err != nil {
			return 0, err
		}
	}

	ratio, err := market.DivChecked(newAbsNotional, p.NotionalSizeAbs())
	if err != nil {
		return 0, fatal(err)
	}
	newCC := p.CounterCollateral.Mul(ratio)
	ccDelta := newCC.Sub(p.CounterCollateral)
	tok := cfg.CollateralToken
	if ccDelta.GreaterThan(e.st.PoolCollateral[tok]) {
		return 0, fmt.Errorf("insufficient pool liquidity: need %s, have %s", ccDelta, e.st.PoolCollateral[tok])
	}

	quote, err := e.quoteDeltaNeutralityFee(delta, pp)
	if err != nil {
		return 0, err
	}
	collateralAfterFee, dnfPaid := quote.charge(p.Collateral)
	if !collateralAfterFee.IsPositive() {
		return 0, fmt.Errorf("collateral %s does not cover delta-neutrality fee", p.Collateral)
	}

	margin := e.computeMargin(targetCollateralExposure, newCC)
	if !collateralAfterFee.GreaterThan(margin.Total()) {
		return 0, fmt.Errorf("collateral %s below required margin %s", collateralAfterFee, margin.Total())
	}

	// Commit.
	quote.commit(e)
	e.st.PoolCollateral[tok] = e.st.PoolCollateral[tok].Sub(ccDelta)
	e.st.InvalidateTokenValue(tok)
	e.st.RemoveOpenInterest(p.NotionalSize)
	e.st.AddOpenInterest(newNotional)
	e.st.TotalFundingMargin = e.st.TotalFundingMargin.
		Sub(p.LiquidationMargin.Funding).
		Add(margin.Funding)

	p.Collateral = collateralAfterFee
	p.NotionalSize = newNotional
	p.CounterCollateral = newCC
	p.LiquidationMargin = margin
	p.DeltaNeutralityFeePaid = p.DeltaNeutralityFeePaid.Add(dnfPaid)

	e.emitUpdated(qi.ID, p, dnfPaid)
	return p.ID, nil
}

func (e *Engine) handleUpdateMaxGains(qi *state.QueueItem, pp market.PricePoint) (uint64, error) {
	it := qi.Item
	cfg := e.st.Config

	p, err := e.updateShared(it, pp)
	if err != nil {
		return 0, err
	}

	// Validate the stop-loss before any mutation so a bad pair leaves
	// the position untouched.
	if it.StopLoss.Set {
		if it.StopLoss.Infinite {
			return 0, fmt.Errorf("stop-loss price cannot be infinite")
		}
		long := p.DirectionToNotional() == market.DirectionToNotionalLong
		if (long && !it.StopLoss.Price.LessThan(pp.PriceNotional)) ||
			(!long && !it.StopLoss.Price.GreaterThan(pp.PriceNotional)) {
			return 0, fmt.Errorf("stop-loss price %s is on the winning side of spot %s",
				it.StopLoss.Price, pp.PriceNotional)
		}
	}

	if it.TakeProfit.Set {
		newCC, tpErr := position.TakeProfitToCounterCollateral(
			cfg.MarketType, it.TakeProfit, pp, p.NotionalSize, cfg.MaxLeverage)
		if tpErr != nil {
			if errors.Is(tpErr, market.ErrDivisionByZero) {
				return 0, fatal(tpErr)
			}
			return 0, tpErr
		}
		ccDelta := newCC.Sub(p.CounterCollateral)
		tok := cfg.CollateralToken
		if ccDelta.GreaterThan(e.st.PoolCollateral[tok]) {
			return 0, fmt.Errorf("insufficient pool liquidity: need %s, have %s", ccDelta, e.st.PoolCollateral[tok])
		}
		margin := e.computeMargin(p.NotionalInCollateral(pp), newCC)
		if !p.Collateral.GreaterThan(margin.Total()) {
			return 0, fmt.Errorf("collateral %s below required margin %s", p.Collateral, margin.Total())
		}

		e.st.PoolCollateral[tok] = e.st.PoolCollateral[tok].Sub(ccDelta)
		e.st.InvalidateTokenValue(tok)
		e.st.TotalFundingMargin = e.st.TotalFundingMargin.
			Sub(p.LiquidationMargin.Funding).
			Add(margin.Funding)
		p.CounterCollateral = newCC
		p.LiquidationMargin = margin
		p.TakeProfitOverride = it.TakeProfit
	}

	if it.StopLoss.Set {
		p.StopLossOverride = it.StopLoss
	}

	e.emitUpdated(qi.ID, p, decimal.Zero)
	return p.ID, nil
}

// handleClose settles the position at the current price. Bare closes
// skip the shared prelude: no staleness re-check beyond processNext and
// no forced liquifund.
func (e *Engine) handleClose(qi *state.QueueItem, pp market.PricePoint) (uint64, error) {
	p, err := e.loadOwnedPosition(qi.Item)
	if err != nil {
		return 0, err
	}
	pid := p.ID
	e.closePosition(p, pp, e.st.Now(), position.CloseReasonDirect, qi.ID)
	return pid, nil
}

func (e *Engine) emitUpdated(queueID uint64, p *position.Position, dnfPaid decimal.Decimal) {
	e.emit(Event{
		Type:               EventPositionUpdated,
		At:                 e.st.Now(),
		QueueID:            queueID,
		PositionID:         p.ID,
		Owner:              p.Owner,
		Collateral:         p.Collateral,
		Notional:           p.NotionalSize,
		DeltaNeutralityFee: dnfPaid,
	})
}
