package engine

import (
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"PerpSettle/internal/market"
	"PerpSettle/internal/position"
	"PerpSettle/internal/state"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func pricePoint(price string, at time.Time) market.PricePoint {
	p := dec(price)
	return market.PricePoint{
		PriceNotional: p,
		PriceBase:     p,
		PriceUSD:      decimal.NewFromInt(1),
		PublishTime:   at,
	}
}

type recordingSink struct {
	events []Event
}

func (s *recordingSink) Publish(ev Event) error {
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) typesSeen() map[string]int {
	out := make(map[string]int)
	for _, ev := range s.events {
		out[ev.Type]++
	}
	return out
}

type recordingTransfer struct {
	collected decimal.Decimal
	sent      decimal.Decimal
}

func (tr *recordingTransfer) Collect(owner string, amount decimal.Decimal) error {
	tr.collected = tr.collected.Add(amount)
	return nil
}

func (tr *recordingTransfer) Send(owner string, amount decimal.Decimal) error {
	tr.sent = tr.sent.Add(amount)
	return nil
}

type harness struct {
	eng      *Engine
	sink     *recordingSink
	transfer *recordingTransfer
}

// newHarness builds an engine with a seeded price at t0 and pool
// liquidity, so queue items can settle immediately.
func newHarness(t *testing.T, cfg market.Config) *harness {
	t.Helper()
	h := &harness{sink: &recordingSink{}, transfer: &recordingTransfer{}}
	h.eng = New(state.New(cfg), zerolog.Nop(), nil, h.transfer, h.sink)
	if err := h.eng.SetPrice(pricePoint("10", t0)); err != nil {
		t.Fatalf("SetPrice: %v", err)
	}
	if _, err := h.eng.DepositLiquidity("lp", dec("100000")); err != nil {
		t.Fatalf("DepositLiquidity: %v", err)
	}
	return h
}

// crankItem cranks until queue item id resolves. Intermediate cranks
// may recompute derived values before the item itself runs.
func (h *harness) crankItem(t *testing.T, id uint64, now time.Time) QueueItemResp {
	t.Helper()
	for i := 0; i < 10; i++ {
		if _, err := h.eng.Crank(now); err != nil {
			t.Fatalf("Crank: %v", err)
		}
		item, ok := h.eng.Item(id)
		if !ok {
			t.Fatalf("queue item %d not found", id)
		}
		if item.Status != "pending" {
			return item
		}
	}
	t.Fatalf("queue item %d still pending after 10 cranks", id)
	return QueueItemResp{}
}

func (h *harness) open(t *testing.T, owner, deposit, leverage string, dir market.DirectionToBase) uint64 {
	t.Helper()
	id, err := h.eng.Enqueue(state.DeferredExecItem{
		Kind:      state.KindOpenPosition,
		Owner:     owner,
		Deposit:   dec(deposit),
		Leverage:  dec(leverage),
		Direction: dir,
	})
	if err != nil {
		t.Fatalf("Enqueue open: %v", err)
	}
	item := h.crankItem(t, id, t0)
	if item.Status != "success" {
		t.Fatalf("open failed: %s", item.FailureReason)
	}
	return item.ResultPositionID
}

func TestOpenPosition(t *testing.T) {
	h := newHarness(t, market.DefaultConfig())

	pid := h.open(t, "alice", "100", "5", market.DirectionToBaseLong)

	p, ok := h.eng.st.GetPosition(pid)
	if !ok {
		t.Fatalf("position %d not found", pid)
	}
	// deposit 100, crank fee 0.01, delta-neutrality fee
	// (0+50)/2 / 50e6 * 50 * 10 = 0.00025.
	if got, want := p.Collateral, dec("99.98975"); !got.Equal(want) {
		t.Errorf("collateral = %s, want %s", got, want)
	}
	if got, want := p.NotionalSize, dec("50"); !got.Equal(want) {
		t.Errorf("notional size = %s, want %s", got, want)
	}
	if got, want := p.CounterCollateral, dec("500"); !got.Equal(want) {
		t.Errorf("counter collateral = %s, want %s", got, want)
	}
	if got, want := p.EntryPriceNotional, dec("10"); !got.Equal(want) {
		t.Errorf("entry price = %s, want %s", got, want)
	}

	st := h.eng.st
	if got, want := st.OpenLongNotional, dec("50"); !got.Equal(want) {
		t.Errorf("open long notional = %s, want %s", got, want)
	}
	tok := st.Config.CollateralToken
	if got, want := st.PoolCollateral[tok], dec("99500"); !got.Equal(want) {
		t.Errorf("pool collateral = %s, want %s", got, want)
	}
	if got, want := st.CrankFees, dec("0.01"); !got.Equal(want) {
		t.Errorf("crank fees = %s, want %s", got, want)
	}
	// Fee 0.00025 split: 5% tax to protocol, rest to the fund.
	if got, want := st.ProtocolFees, dec("0.0000125"); !got.Equal(want) {
		t.Errorf("protocol fees = %s, want %s", got, want)
	}
	if got, want := st.DeltaNeutralityFund, dec("0.0002375"); !got.Equal(want) {
		t.Errorf("delta neutrality fund = %s, want %s", got, want)
	}

	// Liquidity deposit plus the position deposit were collected.
	if got, want := h.transfer.collected, dec("100100"); !got.Equal(want) {
		t.Errorf("collected = %s, want %s", got, want)
	}
	types := h.sink.typesSeen()
	for _, want := range []string{EventPriceUpdated, EventLiquidityChange, EventItemEnqueued, EventPositionOpened} {
		if types[want] == 0 {
			t.Errorf("no %s event emitted", want)
		}
	}
}

func TestQueueFIFOAndFailureAdvances(t *testing.T) {
	h := newHarness(t, market.DefaultConfig())

	closeID, err := h.eng.Enqueue(state.DeferredExecItem{
		Kind:       state.KindClosePosition,
		Owner:      "alice",
		PositionID: 99,
	})
	if err != nil {
		t.Fatalf("Enqueue close: %v", err)
	}
	openID, err := h.eng.Enqueue(state.DeferredExecItem{
		Kind:      state.KindOpenPosition,
		Owner:     "alice",
		Deposit:   dec("100"),
		Leverage:  dec("5"),
		Direction: market.DirectionToBaseLong,
	})
	if err != nil {
		t.Fatalf("Enqueue open: %v", err)
	}

	closeItem := h.crankItem(t, closeID, t0)
	if closeItem.Status != "failure" {
		t.Fatalf("close of unknown position: status %s, want failure", closeItem.Status)
	}
	if !strings.Contains(closeItem.FailureReason, "not found") {
		t.Errorf("failure reason = %q", closeItem.FailureReason)
	}
	firstProcessed := closeItem.ProcessedAt

	openItem := h.crankItem(t, openID, t0)
	if openItem.Status != "success" {
		t.Fatalf("open after failed head: status %s (%s)", openItem.Status, openItem.FailureReason)
	}
	if got := h.eng.st.Queue.LastProcessed(); got != openID {
		t.Errorf("watermark = %d, want %d", got, openID)
	}

	// The failed item is never revisited.
	res, err := h.eng.Crank(t0)
	if err != nil {
		t.Fatalf("Crank on drained queue: %v", err)
	}
	if res.Work.Kind != WorkNone {
		t.Errorf("drained queue work = %s, want none", res.Work.Kind)
	}
	again, _ := h.eng.Item(closeID)
	if !again.ProcessedAt.Equal(firstProcessed) || again.Status != "failure" {
		t.Errorf("failed item was reprocessed: %+v", again)
	}
}

func TestStalePriceDefersProcessing(t *testing.T) {
	h := newHarness(t, market.DefaultConfig())
	pid := h.open(t, "alice", "100", "5", market.DirectionToBaseLong)

	id, err := h.eng.Enqueue(state.DeferredExecItem{
		Kind:       state.KindClosePosition,
		Owner:      "alice",
		PositionID: pid,
	})
	if err != nil {
		t.Fatalf("Enqueue close: %v", err)
	}

	stale := t0.Add(3 * time.Minute)
	res, err := h.eng.Crank(stale)
	if err != nil {
		t.Fatalf("Crank: %v", err)
	}
	if res.Reason == "" {
		t.Fatalf("expected a no-work reason on stale price, got %+v", res)
	}
	if res.Work.Kind != WorkNone {
		t.Fatalf("deferred crank reported work %s, want none", res.Work.Kind)
	}
	if res.QueueID != 0 {
		t.Errorf("deferred crank reported queue id %d", res.QueueID)
	}
	item, _ := h.eng.Item(id)
	if item.Status != "pending" {
		t.Fatalf("item resolved against stale price: %s", item.Status)
	}
	if got := h.eng.st.Queue.LastProcessed(); got != id-1 {
		t.Errorf("watermark moved to %d on stale price", got)
	}

	// A fresh observation lets the same item through.
	item = h.crankItem(t, id, t0)
	if item.Status != "success" {
		t.Fatalf("close after fresh price: %s (%s)", item.Status, item.FailureReason)
	}
}

func TestOpenBelowMinimumDepositFails(t *testing.T) {
	h := newHarness(t, market.DefaultConfig())

	id, err := h.eng.Enqueue(state.DeferredExecItem{
		Kind:      state.KindOpenPosition,
		Owner:     "alice",
		Deposit:   dec("0.4"),
		Leverage:  dec("5"),
		Direction: market.DirectionToBaseLong,
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	item := h.crankItem(t, id, t0)
	if item.Status != "failure" {
		t.Fatalf("status = %s, want failure", item.Status)
	}
	if h.eng.st.OpenPositionCount() != 0 {
		t.Errorf("position opened despite failed deposit check")
	}
	if got := h.eng.st.Queue.LastProcessed(); got != id {
		t.Errorf("watermark = %d, want %d", got, id)
	}
}

func TestTakeProfitTriggerClosesPosition(t *testing.T) {
	h := newHarness(t, market.DefaultConfig())

	id, err := h.eng.Enqueue(state.DeferredExecItem{
		Kind:       state.KindOpenPosition,
		Owner:      "alice",
		Deposit:    dec("100"),
		Leverage:   dec("5"),
		Direction:  market.DirectionToBaseLong,
		TakeProfit: position.TriggerPrice{Set: true, Price: dec("12")},
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	item := h.crankItem(t, id, t0)
	if item.Status != "success" {
		t.Fatalf("open: %s (%s)", item.Status, item.FailureReason)
	}
	pid := item.ResultPositionID

	p, _ := h.eng.st.GetPosition(pid)
	// (12-10) * 50 in collateral terms.
	if got, want := p.CounterCollateral, dec("100"); !got.Equal(want) {
		t.Fatalf("counter collateral = %s, want %s", got, want)
	}

	t1 := t0.Add(time.Minute)
	if err := h.eng.SetPrice(pricePoint("12", t1)); err != nil {
		t.Fatalf("SetPrice: %v", err)
	}

	work := h.eng.GetWork()
	if work.Kind != WorkLiquifundPosition || work.PositionID != pid {
		t.Fatalf("work = %+v, want liquifund of %d", work, pid)
	}
	if _, err := h.eng.Crank(t1); err != nil {
		t.Fatalf("Crank: %v", err)
	}

	if h.eng.st.OpenPositionCount() != 0 {
		t.Fatalf("position still open after trigger")
	}
	hist := h.eng.ClosedPositions()
	if len(hist) != 1 {
		t.Fatalf("closed history length = %d", len(hist))
	}
	closed := hist[0]
	if closed.Reason != position.CloseReasonDirect {
		t.Errorf("close reason = %s, want direct", closed.Reason)
	}
	if !closed.SettlementPrice.Equal(dec("12")) {
		t.Errorf("settlement price = %s", closed.SettlementPrice)
	}
	if !closed.ClosedAt.Equal(t1) {
		t.Errorf("closed at %s, want price publish time %s", closed.ClosedAt, t1)
	}
	// Gains capped by counter-collateral: payout exceeds the deposit.
	if !h.transfer.sent.GreaterThan(dec("100")) {
		t.Errorf("payout = %s, want more than the deposit", h.transfer.sent)
	}
}

func TestOverdueLiquifundLiquidatesInsolvent(t *testing.T) {
	cfg := market.DefaultConfig()
	cfg.BorrowFeeRate = dec("30")
	h := newHarness(t, cfg)

	pid := h.open(t, "alice", "100", "5", market.DirectionToBaseLong)

	t1 := t0.Add(24*time.Hour + time.Second)
	if err := h.eng.SetPrice(pricePoint("10", t1)); err != nil {
		t.Fatalf("SetPrice: %v", err)
	}

	work := h.eng.GetWork()
	if work.Kind != WorkLiquifundPosition || work.PositionID != pid {
		t.Fatalf("work = %+v, want liquifund of %d", work, pid)
	}
	if _, err := h.eng.Crank(t1); err != nil {
		t.Fatalf("Crank: %v", err)
	}

	hist := h.eng.ClosedPositions()
	if len(hist) != 1 {
		t.Fatalf("closed history length = %d", len(hist))
	}
	if hist[0].Reason != position.CloseReasonLiquidated {
		t.Errorf("close reason = %s, want liquidated", hist[0].Reason)
	}
	if !hist[0].BorrowFeePaid.IsPositive() {
		t.Errorf("borrow fee paid = %s, want positive", hist[0].BorrowFeePaid)
	}
	if h.eng.st.OpenPositionCount() != 0 {
		t.Errorf("position still open after liquidation")
	}
	if !h.eng.st.OpenLongNotional.IsZero() {
		t.Errorf("open interest not released: %s", h.eng.st.OpenLongNotional)
	}
}

func TestOverdueLiquifundDeferredOnStalePrice(t *testing.T) {
	h := newHarness(t, market.DefaultConfig())
	pid := h.open(t, "alice", "100", "5", market.DirectionToBaseLong)

	t1 := t0.Add(24*time.Hour + time.Second)
	if err := h.eng.SetPrice(pricePoint("10", t1)); err != nil {
		t.Fatalf("SetPrice: %v", err)
	}

	// The price is overdue for settlement but stale at crank time.
	res, err := h.eng.Crank(t1.Add(3 * time.Minute))
	if err != nil {
		t.Fatalf("Crank: %v", err)
	}
	if res.Work.Kind != WorkLiquifundPosition {
		t.Fatalf("work = %s", res.Work.Kind)
	}
	p, ok := h.eng.st.GetPosition(pid)
	if !ok {
		t.Fatalf("position gone after deferred settlement")
	}
	if !p.LiquifundedAt.Equal(t0) {
		t.Errorf("settlement advanced against stale price: %s", p.LiquifundedAt)
	}

	// Fresh clock: the settlement goes through.
	if _, err := h.eng.Crank(t1); err != nil {
		t.Fatalf("Crank: %v", err)
	}
	p, _ = h.eng.st.GetPosition(pid)
	if !p.LiquifundedAt.Equal(t1) {
		t.Errorf("liquifunded at %s, want %s", p.LiquifundedAt, t1)
	}
	if !p.BorrowFeePaid.IsPositive() {
		t.Errorf("borrow fee paid = %s, want positive", p.BorrowFeePaid)
	}
}

func TestUpdateCollateralImpactLeverage(t *testing.T) {
	h := newHarness(t, market.DefaultConfig())
	pid := h.open(t, "alice", "100", "5", market.DirectionToBaseLong)
	before, _ := h.eng.st.GetPosition(pid)
	startCollateral := before.Collateral

	id, err := h.eng.Enqueue(state.DeferredExecItem{
		Kind:       state.KindUpdateCollateralImpactLeverage,
		Owner:      "alice",
		PositionID: pid,
		Amount:     dec("50"),
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	item := h.crankItem(t, id, t0)
	if item.Status != "success" {
		t.Fatalf("deposit: %s (%s)", item.Status, item.FailureReason)
	}
	p, _ := h.eng.st.GetPosition(pid)
	if got, want := p.Collateral, startCollateral.Add(dec("50")); !got.Equal(want) {
		t.Errorf("collateral = %s, want %s", got, want)
	}
	// Notional untouched under this variant.
	if !p.NotionalSize.Equal(before.NotionalSize) {
		t.Errorf("notional changed: %s", p.NotionalSize)
	}

	// Withdrawing down to 10 collateral pushes leverage to 50x.
	id, err = h.eng.Enqueue(state.DeferredExecItem{
		Kind:       state.KindUpdateCollateralImpactLeverage,
		Owner:      "alice",
		PositionID: pid,
		Amount:     p.Collateral.Neg().Add(dec("10")),
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	item = h.crankItem(t, id, t0)
	if item.Status != "failure" {
		t.Fatalf("over-leveraged withdrawal: %s", item.Status)
	}
	after, _ := h.eng.st.GetPosition(pid)
	if !after.Collateral.Equal(p.Collateral) {
		t.Errorf("failed item mutated collateral: %s", after.Collateral)
	}
}

func TestUpdateMaxGainsStopLoss(t *testing.T) {
	h := newHarness(t, market.DefaultConfig())
	pid := h.open(t, "alice", "100", "5", market.DirectionToBaseLong)

	// A stop-loss on the winning side of spot is rejected.
	id, err := h.eng.Enqueue(state.DeferredExecItem{
		Kind:       state.KindUpdateMaxGains,
		Owner:      "alice",
		PositionID: pid,
		StopLoss:   position.TriggerPrice{Set: true, Price: dec("11")},
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	item := h.crankItem(t, id, t0)
	if item.Status != "failure" {
		t.Fatalf("winning-side stop-loss accepted: %s", item.Status)
	}

	id, err = h.eng.Enqueue(state.DeferredExecItem{
		Kind:       state.KindUpdateMaxGains,
		Owner:      "alice",
		PositionID: pid,
		StopLoss:   position.TriggerPrice{Set: true, Price: dec("9")},
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	item = h.crankItem(t, id, t0)
	if item.Status != "success" {
		t.Fatalf("stop-loss: %s (%s)", item.Status, item.FailureReason)
	}

	// Price falls through the stop: next crank settles the close.
	t1 := t0.Add(time.Minute)
	if err := h.eng.SetPrice(pricePoint("8.5", t1)); err != nil {
		t.Fatalf("SetPrice: %v", err)
	}
	if _, err := h.eng.Crank(t1); err != nil {
		t.Fatalf("Crank: %v", err)
	}
	hist := h.eng.ClosedPositions()
	if len(hist) != 1 || hist[0].Reason != position.CloseReasonDirect {
		t.Fatalf("stop-loss did not close the position: %+v", hist)
	}
}

func TestCloseSettlesPnL(t *testing.T) {
	h := newHarness(t, market.DefaultConfig())
	pid := h.open(t, "alice", "100", "5", market.DirectionToBaseLong)
	p, _ := h.eng.st.GetPosition(pid)
	collateral := p.Collateral
	sentBefore := h.transfer.sent

	t1 := t0.Add(time.Minute)
	if err := h.eng.SetPrice(pricePoint("10.4", t1)); err != nil {
		t.Fatalf("SetPrice: %v", err)
	}
	id, err := h.eng.Enqueue(state.DeferredExecItem{
		Kind:       state.KindClosePosition,
		Owner:      "alice",
		PositionID: pid,
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	item := h.crankItem(t, id, t1)
	if item.Status != "success" {
		t.Fatalf("close: %s (%s)", item.Status, item.FailureReason)
	}
	if item.ResultPositionID != pid {
		t.Errorf("result position = %d, want %d", item.ResultPositionID, pid)
	}

	// PnL = (10.4-10) * 50 = 20.
	payout := h.transfer.sent.Sub(sentBefore)
	if got, want := payout, collateral.Add(dec("20")); !got.Equal(want) {
		t.Errorf("payout = %s, want %s", got, want)
	}
	// Pool keeps the rest of the locked counter-collateral.
	tok := h.eng.st.Config.CollateralToken
	if got, want := h.eng.st.PoolCollateral[tok], dec("99980"); !got.Equal(want) {
		t.Errorf("pool collateral = %s, want %s", got, want)
	}
	if h.eng.st.OpenPositionCount() != 0 {
		t.Errorf("position still open after close")
	}
}

func TestOpenWithoutLiquidityFails(t *testing.T) {
	h := &harness{sink: &recordingSink{}, transfer: &recordingTransfer{}}
	h.eng = New(state.New(market.DefaultConfig()), zerolog.Nop(), nil, h.transfer, h.sink)
	if err := h.eng.SetPrice(pricePoint("10", t0)); err != nil {
		t.Fatalf("SetPrice: %v", err)
	}

	id, err := h.eng.Enqueue(state.DeferredExecItem{
		Kind:      state.KindOpenPosition,
		Owner:     "alice",
		Deposit:   dec("100"),
		Leverage:  dec("5"),
		Direction: market.DirectionToBaseLong,
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// With zero pool shares the item runs without a token valuation.
	work := h.eng.GetWork()
	if work.Kind != WorkProcessQueueItem {
		t.Fatalf("bootstrap work = %s, want process-queue-item", work.Kind)
	}
	item := h.crankItem(t, id, t0)
	if item.Status != "failure" {
		t.Fatalf("open without liquidity: %s", item.Status)
	}
	if !strings.Contains(item.FailureReason, "liquidity") {
		t.Errorf("failure reason = %q", item.FailureReason)
	}
}

func TestWithdrawLiquidityRespectsLockedCollateral(t *testing.T) {
	h := newHarness(t, market.DefaultConfig())
	h.open(t, "alice", "100", "5", market.DirectionToBaseLong)

	// 500 of the pool is locked as counter-collateral; a full withdrawal
	// cannot be honored.
	if _, err := h.eng.WithdrawLiquidity("lp", dec("100000")); err == nil {
		t.Fatalf("full withdrawal succeeded with locked collateral outstanding")
	}

	amount, err := h.eng.WithdrawLiquidity("lp", dec("1000"))
	if err != nil {
		t.Fatalf("WithdrawLiquidity: %v", err)
	}
	if !amount.Equal(dec("1000")) {
		t.Errorf("withdrawn = %s, want 1000", amount)
	}
	tok := h.eng.st.Config.CollateralToken
	if got, want := h.eng.st.PoolShares[tok], dec("99000"); !got.Equal(want) {
		t.Errorf("shares = %s, want %s", got, want)
	}
}

func TestStatusReportsNextWork(t *testing.T) {
	h := newHarness(t, market.DefaultConfig())

	st := h.eng.Status()
	if !st.HasPrice {
		t.Fatalf("status reports no price")
	}
	if st.NextWork != WorkNone.String() {
		t.Errorf("next work = %s, want none", st.NextWork)
	}

	if _, err := h.eng.Enqueue(state.DeferredExecItem{
		Kind:      state.KindOpenPosition,
		Owner:     "alice",
		Deposit:   dec("100"),
		Leverage:  dec("5"),
		Direction: market.DirectionToBaseLong,
	}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	st = h.eng.Status()
	if st.QueueOutstanding != 1 {
		t.Errorf("outstanding = %d, want 1", st.QueueOutstanding)
	}
	if st.NextWork == WorkNone.String() {
		t.Errorf("next work = none with a pending item")
	}
}

func TestItemLookup(t *testing.T) {
	h := newHarness(t, market.DefaultConfig())

	id, err := h.eng.Enqueue(state.DeferredExecItem{
		Kind:      state.KindOpenPosition,
		Owner:     "alice",
		Deposit:   dec("100"),
		Leverage:  dec("5"),
		Direction: market.DirectionToBaseLong,
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	item, ok := h.eng.Item(id)
	if !ok {
		t.Fatalf("item %d not found", id)
	}
	if item.ID != id || item.Kind != "open-position" || item.Owner != "alice" {
		t.Errorf("item = %+v", item)
	}
	if item.Status != "pending" {
		t.Errorf("status = %s, want pending", item.Status)
	}
	if _, ok := h.eng.Item(id + 1); ok {
		t.Errorf("lookup of unknown item succeeded")
	}

	resolved := h.crankItem(t, id, t0)
	if resolved.Status != "success" || resolved.ResultPositionID == 0 {
		t.Errorf("resolved item = %+v", resolved)
	}
}

func TestUpdateLeverageResizesPosition(t *testing.T) {
	h := newHarness(t, market.DefaultConfig())
	pid := h.open(t, "alice", "100", "5", market.DirectionToBaseLong)

	id, err := h.eng.Enqueue(state.DeferredExecItem{
		Kind:       state.KindUpdateLeverage,
		Owner:      "alice",
		PositionID: pid,
		Leverage:   dec("10"),
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	item := h.crankItem(t, id, t0)
	if item.Status != "success" {
		t.Fatalf("update leverage: %s (%s)", item.Status, item.FailureReason)
	}

	p, _ := h.eng.st.GetPosition(pid)
	// Collateral 99.98975 at 10x, price 10.
	if got, want := p.NotionalSize, dec("99.98975"); !got.Equal(want) {
		t.Errorf("notional size = %s, want %s", got, want)
	}
	// Counter-collateral scales with the notional: 500 * 99.98975/50.
	if got, want := p.CounterCollateral, dec("999.8975"); !got.Equal(want) {
		t.Errorf("counter collateral = %s, want %s", got, want)
	}
	if !p.Collateral.LessThan(dec("99.98975")) {
		t.Errorf("no delta-neutrality fee charged on increase: collateral = %s", p.Collateral)
	}
	if !p.Collateral.GreaterThan(p.LiquidationMargin.Total()) {
		t.Errorf("solvency invariant broken: collateral %s, margin %s",
			p.Collateral, p.LiquidationMargin.Total())
	}

	st := h.eng.st
	tok := st.Config.CollateralToken
	// Pool funds the extra counter-collateral: 99500 - 499.8975.
	if got, want := st.PoolCollateral[tok], dec("99000.1025"); !got.Equal(want) {
		t.Errorf("pool collateral = %s, want %s", got, want)
	}
	if got, want := st.OpenLongNotional, dec("99.98975"); !got.Equal(want) {
		t.Errorf("open long notional = %s, want %s", got, want)
	}
}

func TestUpdateCollateralImpactSizeScalesNotional(t *testing.T) {
	h := newHarness(t, market.DefaultConfig())
	pid := h.open(t, "alice", "100", "5", market.DirectionToBaseLong)

	// Doubling the collateral doubles the exposure at constant leverage.
	id, err := h.eng.Enqueue(state.DeferredExecItem{
		Kind:       state.KindUpdateCollateralImpactSize,
		Owner:      "alice",
		PositionID: pid,
		Amount:     dec("99.98975"),
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	item := h.crankItem(t, id, t0)
	if item.Status != "success" {
		t.Fatalf("update collateral: %s (%s)", item.Status, item.FailureReason)
	}

	p, _ := h.eng.st.GetPosition(pid)
	if got, want := p.NotionalSize, dec("100"); !got.Equal(want) {
		t.Errorf("notional size = %s, want %s", got, want)
	}
	if got, want := p.CounterCollateral, dec("1000"); !got.Equal(want) {
		t.Errorf("counter collateral = %s, want %s", got, want)
	}
	// New collateral 199.9795 minus the fee on the +50 notional delta:
	// (50+100)/2 / 50e6 * 50 * 10 = 0.00075.
	if got, want := p.Collateral, dec("199.97875"); !got.Equal(want) {
		t.Errorf("collateral = %s, want %s", got, want)
	}

	st := h.eng.st
	tok := st.Config.CollateralToken
	if got, want := st.PoolCollateral[tok], dec("99000"); !got.Equal(want) {
		t.Errorf("pool collateral = %s, want %s", got, want)
	}
	if got, want := st.OpenLongNotional, dec("100"); !got.Equal(want) {
		t.Errorf("open long notional = %s, want %s", got, want)
	}
	// The positive collateral delta was collected from the owner:
	// 100000 liquidity + 100 deposit + 99.98975 top-up.
	if got, want := h.transfer.collected, dec("100199.98975"); !got.Equal(want) {
		t.Errorf("collected = %s, want %s", got, want)
	}
}

func TestSlippageAssertRejectsOutsideTolerance(t *testing.T) {
	h := newHarness(t, market.DefaultConfig())

	// Opening long moves the effective price above spot; a zero-tolerance
	// assertion at spot must fail and resolve the item as Failure.
	id, err := h.eng.Enqueue(state.DeferredExecItem{
		Kind:      state.KindOpenPosition,
		Owner:     "alice",
		Deposit:   dec("100"),
		Leverage:  dec("5"),
		Direction: market.DirectionToBaseLong,
		Slippage:  &state.SlippageAssert{Price: dec("10"), Tolerance: decimal.Zero},
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	item := h.crankItem(t, id, t0)
	if item.Status != "failure" {
		t.Fatalf("status = %s, want failure", item.Status)
	}
	if !strings.Contains(item.FailureReason, "slippage") {
		t.Errorf("failure reason = %q", item.FailureReason)
	}
	if h.eng.st.OpenPositionCount() != 0 {
		t.Errorf("position opened despite slippage failure")
	}
	if got := h.eng.st.Queue.LastProcessed(); got != id {
		t.Errorf("watermark = %d, want %d", got, id)
	}

	// A tolerance covering the fee-adjusted price lets the same trade in.
	id2, err := h.eng.Enqueue(state.DeferredExecItem{
		Kind:      state.KindOpenPosition,
		Owner:     "alice",
		Deposit:   dec("100"),
		Leverage:  dec("5"),
		Direction: market.DirectionToBaseLong,
		Slippage:  &state.SlippageAssert{Price: dec("10"), Tolerance: dec("0.001")},
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	item = h.crankItem(t, id2, t0)
	if item.Status != "success" {
		t.Fatalf("tolerant open: %s (%s)", item.Status, item.FailureReason)
	}
}
