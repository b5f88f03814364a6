package state

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"PerpSettle/internal/market"
	"PerpSettle/internal/position"
)

// ItemKind enumerates the deferred action variants. The set is closed;
// the processor dispatches exhaustively over it.
type ItemKind int32

const (
	KindOpenPosition ItemKind = iota
	KindUpdateCollateralImpactLeverage
	KindUpdateCollateralImpactSize
	KindUpdateLeverage
	KindUpdateMaxGains
	KindClosePosition
)

func (k ItemKind) String() string {
	switch k {
	case KindOpenPosition:
		return "open-position"
	case KindUpdateCollateralImpactLeverage:
		return "update-collateral-impact-leverage"
	case KindUpdateCollateralImpactSize:
		return "update-collateral-impact-size"
	case KindUpdateLeverage:
		return "update-leverage"
	case KindUpdateMaxGains:
		return "update-max-gains"
	case KindClosePosition:
		return "close-position"
	default:
		return "unknown"
	}
}

// SlippageAssert is an optional execution-price bound attached by the
// trader at submission time.
type SlippageAssert struct {
	Price     decimal.Decimal
	Tolerance decimal.Decimal
}

// DeferredExecItem carries the parameters of one queued trader action.
// Field usage depends on Kind; unused fields are zero.
type DeferredExecItem struct {
	Kind  ItemKind
	Owner string

	// PositionID is zero for OpenPosition; required for every other kind.
	PositionID uint64

	// OpenPosition.
	Deposit    decimal.Decimal
	Direction  market.DirectionToBase
	TakeProfit position.TriggerPrice
	StopLoss   position.TriggerPrice

	// Signed collateral delta for the UpdateCollateralImpact variants.
	Amount decimal.Decimal

	// Target leverage for OpenPosition and UpdateLeverage, signed in
	// notional terms.
	Leverage decimal.Decimal

	Slippage *SlippageAssert
}

// RequiresToken reports whether processing this item depends on a valid
// collateral-token valuation. Closes only pay out and can always run.
func (i DeferredExecItem) RequiresToken() bool {
	return i.Kind != KindClosePosition
}

// ItemStatus is the lifecycle state of a queued item. Pending items move
// to exactly one terminal state and are never requeued.
type ItemStatus int32

const (
	StatusPending ItemStatus = iota
	StatusSuccess
	StatusFailure
)

func (s ItemStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSuccess:
		return "success"
	case StatusFailure:
		return "failure"
	default:
		return "unknown"
	}
}

// QueueItem is one stored queue entry.
type QueueItem struct {
	ID   uint64
	Item DeferredExecItem

	Status ItemStatus
	// ResultPositionID is set on Success.
	ResultPositionID uint64
	// FailureReason is set on Failure.
	FailureReason string

	EnqueuedAt  time.Time
	ProcessedAt time.Time
}

// Queue is the deferred-execution queue: items keyed by a strictly
// increasing id, with a separate last-processed watermark. The watermark
// only moves forward, one id at a time, and every id it passes is in a
// terminal state.
type Queue struct {
	items         map[uint64]*QueueItem
	nextID        uint64
	lastProcessed uint64
}

func NewQueue() *Queue {
	return &Queue{items: make(map[uint64]*QueueItem), nextID: 1}
}

// Enqueue stores a new pending item and returns its id.
func (q *Queue) Enqueue(item DeferredExecItem, at time.Time) uint64 {
	id := q.nextID
	q.nextID++
	q.items[id] = &QueueItem{ID: id, Item: item, Status: StatusPending, EnqueuedAt: at}
	return id
}

// NextPending returns the item at the head of the unprocessed range, or
// false when the queue is drained. A watermark pointing at a missing
// item is a corrupted-storage condition, not bad input.
func (q *Queue) NextPending() (*QueueItem, bool) {
	id := q.lastProcessed + 1
	if id >= q.nextID {
		return nil, false
	}
	item, ok := q.items[id]
	if !ok {
		panic(fmt.Sprintf("FATAL: queue item %d missing below next id %d", id, q.nextID))
	}
	return item, true
}

// advance moves the watermark past item, which must be the current head.
func (q *Queue) advance(item *QueueItem) {
	if item.ID != q.lastProcessed+1 {
		panic(fmt.Sprintf("FATAL: processing queue item %d out of order, watermark %d",
			item.ID, q.lastProcessed))
	}
	q.lastProcessed = item.ID
}

// MarkSuccess resolves the head item as Success and advances the
// watermark.
func (q *Queue) MarkSuccess(item *QueueItem, positionID uint64, at time.Time) {
	q.advance(item)
	item.Status = StatusSuccess
	item.ResultPositionID = positionID
	item.ProcessedAt = at
}

// MarkFailure resolves the head item as Failure and advances the
// watermark anyway, so a failing item never blocks the ones behind it.
func (q *Queue) MarkFailure(item *QueueItem, reason string, at time.Time) {
	q.advance(item)
	item.Status = StatusFailure
	item.FailureReason = reason
	item.ProcessedAt = at
}

// LastProcessed returns the watermark id, zero when nothing has been
// processed.
func (q *Queue) LastProcessed() uint64 {
	return q.lastProcessed
}

// Outstanding returns the number of items at or above the watermark.
func (q *Queue) Outstanding() uint64 {
	return q.nextID - 1 - q.lastProcessed
}

// ByOwner returns up to limit items owned by owner with id strictly
// greater than afterID, in increasing id order.
func (q *Queue) ByOwner(owner string, afterID uint64, limit int) []*QueueItem {
	var out []*QueueItem
	for id := afterID + 1; id < q.nextID; id++ {
		item, ok := q.items[id]
		if !ok {
			panic(fmt.Sprintf("FATAL: queue item %d missing below next id %d", id, q.nextID))
		}
		if item.Item.Owner != owner {
			continue
		}
		out = append(out, item)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Get returns an item by id.
func (q *Queue) Get(id uint64) (*QueueItem, bool) {
	item, ok := q.items[id]
	return item, ok
}
