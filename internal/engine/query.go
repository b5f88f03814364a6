package engine

import (
	"time"

	"github.com/shopspring/decimal"

	"PerpSettle/internal/position"
)

// StatusResp is the aggregated market state exposed to pollers.
type StatusResp struct {
	Time          time.Time       `json:"time"`
	PriceNotional decimal.Decimal `json:"price_notional"`
	HasPrice      bool            `json:"has_price"`

	OpenLongNotional  decimal.Decimal `json:"open_long_notional"`
	OpenShortNotional decimal.Decimal `json:"open_short_notional"`
	NetNotional       decimal.Decimal `json:"net_notional"`

	ProtocolFees        decimal.Decimal `json:"protocol_fees"`
	CrankFees           decimal.Decimal `json:"crank_fees"`
	DeltaNeutralityFund decimal.Decimal `json:"delta_neutrality_fund"`

	OpenPositions    int    `json:"open_positions"`
	QueueOutstanding uint64 `json:"queue_outstanding"`
	LastProcessed    uint64 `json:"last_processed"`

	// NextWork hints what the next crank invocation would do.
	NextWork string `json:"next_work"`
}

// Status returns the aggregated market state.
func (e *Engine) Status() StatusResp {
	e.mu.Lock()
	defer e.mu.Unlock()

	pp, hasPrice := e.st.CurrentPrice()
	return StatusResp{
		Time:                e.st.Now(),
		PriceNotional:       pp.PriceNotional,
		HasPrice:            hasPrice,
		OpenLongNotional:    e.st.OpenLongNotional,
		OpenShortNotional:   e.st.OpenShortNotional,
		NetNotional:         e.st.NetNotional(),
		ProtocolFees:        e.st.ProtocolFees,
		CrankFees:           e.st.CrankFees,
		DeltaNeutralityFund: e.st.DeltaNeutralityFund,
		OpenPositions:       e.st.OpenPositionCount(),
		QueueOutstanding:    e.st.Queue.Outstanding(),
		LastProcessed:       e.st.Queue.LastProcessed(),
		NextWork:            e.getWork().Kind.String(),
	}
}

// QueueItemResp is one queue entry in a QueueResp page.
type QueueItemResp struct {
	ID               uint64    `json:"id"`
	Kind             string    `json:"kind"`
	Owner            string    `json:"owner"`
	Status           string    `json:"status"`
	ResultPositionID uint64    `json:"result_position_id,omitempty"`
	FailureReason    string    `json:"failure_reason,omitempty"`
	EnqueuedAt       time.Time `json:"enqueued_at"`
	ProcessedAt      time.Time `json:"processed_at,omitempty"`
}

// QueueResp is the contract with the external polling process.
type QueueResp struct {
	Items         []QueueItemResp `json:"items"`
	LastProcessed uint64          `json:"last_processed"`
}

// QueueStatus pages through one owner's queue items, id-ascending,
// starting strictly after afterID.
func (e *Engine) QueueStatus(owner string, afterID uint64, limit int) QueueResp {
	e.mu.Lock()
	defer e.mu.Unlock()

	items := e.st.Queue.ByOwner(owner, afterID, limit)
	resp := QueueResp{
		Items:         make([]QueueItemResp, 0, len(items)),
		LastProcessed: e.st.Queue.LastProcessed(),
	}
	for _, item := range items {
		resp.Items = append(resp.Items, QueueItemResp{
			ID:               item.ID,
			Kind:             item.Item.Kind.String(),
			Owner:            item.Item.Owner,
			Status:           item.Status.String(),
			ResultPositionID: item.ResultPositionID,
			FailureReason:    item.FailureReason,
			EnqueuedAt:       item.EnqueuedAt,
			ProcessedAt:      item.ProcessedAt,
		})
	}
	return resp
}

// PositionResp is a read-only view of one open position.
type PositionResp struct {
	ID                uint64          `json:"id"`
	Owner             string          `json:"owner"`
	Direction         string          `json:"direction"`
	Collateral        decimal.Decimal `json:"collateral"`
	CounterCollateral decimal.Decimal `json:"counter_collateral"`
	NotionalSize      decimal.Decimal `json:"notional_size"`
	MarginTotal       decimal.Decimal `json:"margin_total"`
	LiquifundedAt     time.Time       `json:"liquifunded_at"`
}

// Positions returns all open positions, id-ascending.
func (e *Engine) Positions() []PositionResp {
	e.mu.Lock()
	defer e.mu.Unlock()

	open := e.st.OpenPositions()
	out := make([]PositionResp, 0, len(open))
	for _, p := range open {
		out = append(out, positionResp(p))
	}
	return out
}

// Position returns one open position by id.
func (e *Engine) Position(id uint64) (PositionResp, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.st.GetPosition(id)
	if !ok {
		return PositionResp{}, false
	}
	return positionResp(p), true
}

func positionResp(p *position.Position) PositionResp {
	return PositionResp{
		ID:                p.ID,
		Owner:             p.Owner,
		Direction:         p.Direction.String(),
		Collateral:        p.Collateral,
		CounterCollateral: p.CounterCollateral,
		NotionalSize:      p.NotionalSize,
		MarginTotal:       p.LiquidationMargin.Total(),
		LiquifundedAt:     p.LiquifundedAt,
	}
}

// ClosedPositions returns the closed-position history, oldest first.
func (e *Engine) ClosedPositions() []position.ClosedPosition {
	e.mu.Lock()
	defer e.mu.Unlock()

	hist := e.st.ClosedHistory()
	out := make([]position.ClosedPosition, len(hist))
	copy(out, hist)
	return out
}

// Item returns one queue item by id.
func (e *Engine) Item(id uint64) (QueueItemResp, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	item, ok := e.st.Queue.Get(id)
	if !ok {
		return QueueItemResp{}, false
	}
	return QueueItemResp{
		ID:               item.ID,
		Kind:             item.Item.Kind.String(),
		Owner:            item.Item.Owner,
		Status:           item.Status.String(),
		ResultPositionID: item.ResultPositionID,
		FailureReason:    item.FailureReason,
		EnqueuedAt:       item.EnqueuedAt,
		ProcessedAt:      item.ProcessedAt,
	}, true
}
