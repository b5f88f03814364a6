// Package engine ties the settlement components together: it owns the
// market state, accepts deferred trader actions and price updates, and
// drives the crank that processes queued work one unit at a time.
//
// Every exported method takes the engine mutex for its full duration.
// Within a call there is no partial commit: handlers validate against a
// scratch view and mutate state only once validation has passed, with
// external side effects (transfers, events) deferred until after the
// mutation is committed.
package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"PerpSettle/internal/market"
	"PerpSettle/internal/observability"
	"PerpSettle/internal/slippage"
	"PerpSettle/internal/state"
)

const secondsPerYear = 365 * 24 * 3600

// FundsTransfer moves collateral between the protocol and external
// wallets. It is invoked only after a mutation has committed; a
// transfer failure is logged and surfaced out-of-band, never rolled
// into the settlement result.
type FundsTransfer interface {
	// Collect pulls collateral from a wallet into the protocol.
	Collect(owner string, amount decimal.Decimal) error
	// Send pays collateral out of the protocol to a wallet.
	Send(owner string, amount decimal.Decimal) error
}

// Event is the record emitted on every committed mutation, consumed by
// off-chain indexers.
type Event struct {
	Type       string          `json:"type"`
	At         time.Time       `json:"at"`
	QueueID    uint64          `json:"queue_id,omitempty"`
	PositionID uint64          `json:"position_id,omitempty"`
	Owner      string          `json:"owner,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	Collateral decimal.Decimal `json:"collateral,omitempty"`
	Notional   decimal.Decimal `json:"notional,omitempty"`

	// Fee-category breakdown for position mutations.
	BorrowFee          decimal.Decimal `json:"borrow_fee,omitempty"`
	FundingFee         decimal.Decimal `json:"funding_fee,omitempty"`
	DeltaNeutralityFee decimal.Decimal `json:"delta_neutrality_fee,omitempty"`
}

// Event types.
const (
	EventItemEnqueued    = "item_enqueued"
	EventItemFailed      = "item_failed"
	EventPositionOpened  = "position_opened"
	EventPositionUpdated = "position_updated"
	EventPositionClosed  = "position_closed"
	EventPriceUpdated    = "price_updated"
	EventLiquidityChange = "liquidity_change"
)

// EventSink receives committed-mutation events. Implementations must
// not block the caller for long; delivery failures are logged and
// dropped.
type EventSink interface {
	Publish(ev Event) error
}

// Engine is the single-threaded settlement core behind a mutex.
type Engine struct {
	mu sync.Mutex

	st        *state.State
	feeParams slippage.FeeParams

	log      zerolog.Logger
	metrics  *observability.Metrics
	transfer FundsTransfer
	sink     EventSink
}

// New wires an engine over st. metrics, transfer, and sink may be nil.
func New(st *state.State, log zerolog.Logger, metrics *observability.Metrics, transfer FundsTransfer, sink EventSink) *Engine {
	return &Engine{
		st: st,
		feeParams: slippage.FeeParams{
			Sensitivity: st.Config.DeltaNeutralityFeeSensitivity,
			Cap:         st.Config.DeltaNeutralityFeeCap,
			Tax:         st.Config.ProtocolTax,
		},
		log:      log,
		metrics:  metrics,
		transfer: transfer,
		sink:     sink,
	}
}

// SetPrice installs a new oracle price, advances the engine's notion of
// time, and samples the accrual rate series at the new timestamp.
func (e *Engine) SetPrice(pp market.PricePoint) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.st.SetPrice(pp); err != nil {
		if e.metrics != nil {
			e.metrics.PriceRejected.WithLabelValues("invalid").Inc()
		}
		return err
	}

	if err := e.sampleRates(pp.PublishTime); err != nil {
		return err
	}

	if e.metrics != nil {
		e.metrics.PriceUpdates.Inc()
	}
	e.log.Debug().
		Str("price_notional", pp.PriceNotional.String()).
		Time("publish_time", pp.PublishTime).
		Msg("price updated")
	e.emit(Event{Type: EventPriceUpdated, At: pp.PublishTime})
	return nil
}

// sampleRates appends the current borrow and funding rates at t. The
// funding pair is balanced so the paying side's total outflow equals
// the receiving side's total inflow.
func (e *Engine) sampleRates(t time.Time) error {
	cfg := e.st.Config
	year := decimal.NewFromInt(secondsPerYear)

	if err := e.st.Borrow.Append(t, cfg.BorrowFeeRate.Div(year)); err != nil {
		return fmt.Errorf("engine: borrow series: %w", err)
	}

	long := e.st.OpenLongNotional
	short := e.st.OpenShortNotional
	total := long.Add(short)

	longRate := decimal.Zero
	shortRate := decimal.Zero
	if total.IsPositive() {
		imbalance := long.Sub(short).Div(total)
		perSec := cfg.FundingRateMaxAnnualized.Mul(imbalance).Div(year)
		switch {
		case perSec.IsPositive():
			longRate = perSec
			if short.IsPositive() {
				shortRate = perSec.Mul(long).Div(short).Neg()
			}
		case perSec.IsNegative():
			shortRate = perSec.Neg()
			if long.IsPositive() {
				longRate = perSec.Mul(short).Div(long)
			}
		}
	}

	if err := e.st.FundingLong.Append(t, longRate); err != nil {
		return fmt.Errorf("engine: funding long series: %w", err)
	}
	if err := e.st.FundingShort.Append(t, shortRate); err != nil {
		return fmt.Errorf("engine: funding short series: %w", err)
	}
	return nil
}

// Enqueue submits a deferred trader action and returns its queue id.
// Only shape checks run here; financial validation happens when the
// item is processed against a settled price.
func (e *Engine) Enqueue(item state.DeferredExecItem) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if item.Owner == "" {
		return 0, fmt.Errorf("engine: item owner is empty")
	}
	switch item.Kind {
	case state.KindOpenPosition:
		if !item.Deposit.IsPositive() {
			return 0, fmt.Errorf("engine: open position deposit must be positive, got %s", item.Deposit)
		}
		if !item.Leverage.Abs().IsPositive() {
			return 0, fmt.Errorf("engine: open position leverage must be non-zero")
		}
	case state.KindUpdateCollateralImpactLeverage, state.KindUpdateCollateralImpactSize:
		if item.PositionID == 0 {
			return 0, fmt.Errorf("engine: %s requires a position id", item.Kind)
		}
		if item.Amount.IsZero() {
			return 0, fmt.Errorf("engine: collateral delta must be non-zero")
		}
	case state.KindUpdateLeverage:
		if item.PositionID == 0 {
			return 0, fmt.Errorf("engine: %s requires a position id", item.Kind)
		}
		if !item.Leverage.Abs().IsPositive() {
			return 0, fmt.Errorf("engine: target leverage must be non-zero")
		}
	case state.KindUpdateMaxGains:
		if item.PositionID == 0 {
			return 0, fmt.Errorf("engine: %s requires a position id", item.Kind)
		}
		if !item.TakeProfit.Set && !item.StopLoss.Set {
			return 0, fmt.Errorf("engine: max gains update carries no trigger")
		}
	case state.KindClosePosition:
		if item.PositionID == 0 {
			return 0, fmt.Errorf("engine: %s requires a position id", item.Kind)
		}
	default:
		return 0, fmt.Errorf("engine: unknown item kind %d", item.Kind)
	}

	id := e.st.Queue.Enqueue(item, e.st.Now())
	if e.metrics != nil {
		e.metrics.ItemsEnqueued.WithLabelValues(item.Kind.String()).Inc()
		e.metrics.QueueDepth.Set(float64(e.st.Queue.Outstanding()))
	}
	e.log.Info().
		Uint64("queue_id", id).
		Str("kind", item.Kind.String()).
		Str("owner", item.Owner).
		Msg("item enqueued")
	e.emit(Event{Type: EventItemEnqueued, At: e.st.Now(), QueueID: id, Owner: item.Owner})
	return id, nil
}

// DepositLiquidity adds pool collateral, minting shares at the current
// token value (1:1 on bootstrap).
func (e *Engine) DepositLiquidity(provider string, amount decimal.Decimal) (decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !amount.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("engine: liquidity deposit must be positive, got %s", amount)
	}

	tok := e.st.Config.CollateralToken
	value := decimal.NewFromInt(1)
	if shares := e.st.PoolShares[tok]; shares.IsPositive() {
		v, err := market.DivChecked(e.st.PoolCollateral[tok].Add(lockedCounterCollateral(e.st)), shares)
		if err != nil {
			return decimal.Decimal{}, err
		}
		value = v
	}
	minted, err := market.DivChecked(amount, value)
	if err != nil {
		return decimal.Decimal{}, err
	}

	e.st.PoolCollateral[tok] = e.st.PoolCollateral[tok].Add(amount)
	e.st.PoolShares[tok] = e.st.PoolShares[tok].Add(minted)
	e.st.InvalidateTokenValue(tok)

	e.runTransfer(func() error { return e.transfer.Collect(provider, amount) })
	e.emit(Event{Type: EventLiquidityChange, At: e.st.Now(), Owner: provider, Collateral: amount})
	return minted, nil
}

// WithdrawLiquidity burns shares and pays out unlocked pool collateral.
func (e *Engine) WithdrawLiquidity(provider string, shares decimal.Decimal) (decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	tok := e.st.Config.CollateralToken
	held := e.st.PoolShares[tok]
	if !shares.IsPositive() || shares.GreaterThan(held) {
		return decimal.Decimal{}, fmt.Errorf("engine: invalid share burn %s of %s", shares, held)
	}
	value, err := market.DivChecked(e.st.PoolCollateral[tok].Add(lockedCounterCollateral(e.st)), held)
	if err != nil {
		return decimal.Decimal{}, err
	}
	amount := shares.Mul(value)
	if amount.GreaterThan(e.st.PoolCollateral[tok]) {
		return decimal.Decimal{}, fmt.Errorf("engine: withdrawal %s exceeds unlocked liquidity %s",
			amount, e.st.PoolCollateral[tok])
	}

	e.st.PoolCollateral[tok] = e.st.PoolCollateral[tok].Sub(amount)
	e.st.PoolShares[tok] = held.Sub(shares)
	e.st.InvalidateTokenValue(tok)

	e.runTransfer(func() error { return e.transfer.Send(provider, amount) })
	e.emit(Event{Type: EventLiquidityChange, At: e.st.Now(), Owner: provider, Collateral: amount.Neg()})
	return amount, nil
}

// lockedCounterCollateral sums the counter-collateral currently backing
// open positions; it belongs to the pool but is not withdrawable.
func lockedCounterCollateral(st *state.State) decimal.Decimal {
	total := decimal.Zero
	for _, p := range st.OpenPositions() {
		total = total.Add(p.CounterCollateral)
	}
	return total
}

// emit publishes an event, logging and dropping on sink failure.
func (e *Engine) emit(ev Event) {
	if e.sink == nil {
		return
	}
	if err := e.sink.Publish(ev); err != nil {
		e.log.Warn().Err(err).Str("event", ev.Type).Msg("event publish failed")
	}
}

// runTransfer executes a post-commit funds movement. Transfer failures
// do not unwind the committed mutation.
func (e *Engine) runTransfer(fn func() error) {
	if e.transfer == nil {
		return
	}
	if err := fn(); err != nil {
		e.log.Error().Err(err).Msg("funds transfer failed")
	}
}

// updateGauges refreshes point-in-time metrics after a mutation.
func (e *Engine) updateGauges() {
	if e.metrics == nil {
		return
	}
	e.metrics.QueueDepth.Set(float64(e.st.Queue.Outstanding()))
	e.metrics.QueueWatermark.Set(float64(e.st.Queue.LastProcessed()))
	e.metrics.OpenPositions.Set(float64(e.st.OpenPositionCount()))
	oiLong, _ := e.st.OpenLongNotional.Float64()
	oiShort, _ := e.st.OpenShortNotional.Float64()
	e.metrics.OpenInterestLong.Set(oiLong)
	e.metrics.OpenInterestShort.Set(oiShort)
	pf, _ := e.st.ProtocolFees.Float64()
	cf, _ := e.st.CrankFees.Float64()
	e.metrics.ProtocolFeesCollected.Set(pf)
	e.metrics.CrankFeesCollected.Set(cf)
}
