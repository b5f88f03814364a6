package engine

import (
	"time"

	"github.com/shopspring/decimal"

	"PerpSettle/internal/market"
)

// WorkKind describes the next unit of crank work.
type WorkKind int32

const (
	WorkNone WorkKind = iota
	WorkProcessQueueItem
	WorkResetStats
	WorkComputeTokenValue
	WorkLiquifundPosition
)

func (k WorkKind) String() string {
	switch k {
	case WorkNone:
		return "none"
	case WorkProcessQueueItem:
		return "process-queue-item"
	case WorkResetStats:
		return "reset-stats"
	case WorkComputeTokenValue:
		return "compute-token-value"
	case WorkLiquifundPosition:
		return "liquifund-position"
	default:
		return "unknown"
	}
}

// Work is the scheduler's decision: what the next crank invocation
// should do.
type Work struct {
	Kind       WorkKind
	QueueID    uint64
	PositionID uint64
	Token      market.Token
	Market     string
	// Reason explains a WorkNone decision.
	Reason string
}

// GetWork reports the next unit of work without performing it.
func (e *Engine) GetWork() Work {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.getWork()
}

// getWork is the scheduler's decision table. Overdue accrual
// settlements outrank the queue; within the queue, safety checks
// (pending executions) outrank recomputation, and recomputation
// outranks advancing the queue, so the queue never advances on stale
// derived data.
func (e *Engine) getWork() Work {
	if pid, ok := e.settlementDue(); ok {
		return Work{Kind: WorkLiquifundPosition, PositionID: pid}
	}

	item, ok := e.st.Queue.NextPending()
	if !ok {
		return Work{Kind: WorkNone, Reason: "queue drained"}
	}

	if !item.Item.RequiresToken() {
		return Work{Kind: WorkProcessQueueItem, QueueID: item.ID}
	}

	tok := e.st.Config.CollateralToken

	// Bootstrap: with zero pool shares a token valuation is meaningless,
	// so the item runs directly.
	if e.st.PoolShares[tok].IsZero() {
		return Work{Kind: WorkProcessQueueItem, QueueID: item.ID}
	}

	if tv, ok := e.st.TokenValue(tok); ok && tv.Valid {
		return Work{Kind: WorkProcessQueueItem, QueueID: item.ID}
	}

	works := e.st.Works[tok]
	for i := len(works) - 1; i >= 0; i-- {
		w := works[i]
		switch {
		case w.DeferredPending:
			// An in-flight settlement elsewhere; do not race ahead of it.
			return Work{Kind: WorkNone, Reason: "deferred execution pending", Market: w.Market}
		case w.NeedsReset:
			return Work{Kind: WorkResetStats, Token: tok, Market: w.Market}
		case !w.Validated:
			return Work{Kind: WorkComputeTokenValue, Token: tok, Market: w.Market}
		}
	}

	// Everything validated: refresh the valuation so the queue item can
	// run on the next crank.
	return Work{Kind: WorkComputeTokenValue, Token: tok}
}

// settlementDue returns the id of a position that needs settlement:
// one whose take-profit or stop-loss has been crossed at the current
// price, or failing that, the one whose forced accrual settlement is
// most overdue.
func (e *Engine) settlementDue() (uint64, bool) {
	pp, hasPrice := e.st.CurrentPrice()
	if !hasPrice {
		return 0, false
	}
	now := e.st.Now()

	var (
		oldest   time.Time
		oldestID uint64
		found    bool
	)
	for _, p := range e.st.OpenPositions() {
		if triggerCrossed(p, pp.PriceNotional) {
			return p.ID, true
		}
		due := p.LiquifundedAt.Add(e.st.Config.LiquifundingPeriod)
		if due.After(now) {
			continue
		}
		if !found || p.LiquifundedAt.Before(oldest) {
			oldest = p.LiquifundedAt
			oldestID = p.ID
			found = true
		}
	}
	return oldestID, found
}

// resetStats clears a market's reset flag and forces revalidation of
// its derived stats.
func (e *Engine) resetStats(tok market.Token, marketName string) {
	for _, w := range e.st.Works[tok] {
		if w.Market == marketName {
			w.NeedsReset = false
			w.Validated = false
		}
	}
	e.st.InvalidateTokenValue(tok)
}

// computeTokenValue refreshes the cached per-token valuation from pool
// collateral (including locked counter-collateral) over outstanding
// shares, and validates all work records for the token.
func (e *Engine) computeTokenValue(tok market.Token) error {
	shares := e.st.PoolShares[tok]
	value := decimal.NewFromInt(1)
	if shares.IsPositive() {
		backing := e.st.PoolCollateral[tok].Add(lockedCounterCollateral(e.st))
		v, err := market.DivChecked(backing, shares)
		if err != nil {
			return err
		}
		value = v
	}
	e.st.SetTokenValue(tok, value, e.st.Now())
	for _, w := range e.st.Works[tok] {
		w.Validated = true
	}
	return nil
}
