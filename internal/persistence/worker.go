package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"PerpSettle/internal/engine"
	"PerpSettle/internal/observability"
)

// Worker drains committed engine events and batch-writes settlement
// history to Postgres. It implements engine.EventSink with a blocking
// Publish: if the worker falls behind, the engine stalls rather than
// losing history.
type Worker struct {
	writer       *HistoryWriter
	chain        *EventChain
	nextSeq      int64
	inputChan    chan engine.Event
	batchSize    int
	flushTimeout time.Duration
	log          zerolog.Logger
	metrics      *observability.Metrics
}

func NewWorker(db *sql.DB, batchSize int, flushTimeout time.Duration, log zerolog.Logger, metrics *observability.Metrics) *Worker {
	return &Worker{
		writer:       NewHistoryWriter(db),
		chain:        NewEventChain(),
		nextSeq:      1,
		inputChan:    make(chan engine.Event, 1024),
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		log:          log,
		metrics:      metrics,
	}
}

// Start resumes sequencing and the hash chain from the persisted log.
// Must be called before Run and before the first Publish.
func (w *Worker) Start(ctx context.Context) error {
	seq, hash, err := w.writer.LastEvent(ctx)
	if err != nil {
		return err
	}
	if seq > 0 {
		w.nextSeq = seq + 1
		w.chain.Restore(hash)
		w.log.Info().Int64("sequence", seq).Msg("resumed event log")
	}
	return nil
}

// Publish hands a committed event to the worker. Blocks when the
// buffer is full.
func (w *Worker) Publish(ev engine.Event) error {
	w.inputChan <- ev
	return nil
}

// Run batches incoming events and flushes when the batch fills or the
// flush timeout expires. Blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	var (
		events []EventRow
		closed []ClosedRow
		items  []ItemRow
	)

	timer := time.NewTimer(w.flushTimeout)
	defer timer.Stop()

	flush := func(fctx context.Context) {
		if len(events) == 0 {
			return
		}
		if err := w.flushWithRetry(fctx, events, closed, items); err != nil {
			w.log.Error().Err(err).Msg("history flush failed after retries")
		}
		events = events[:0]
		closed = closed[:0]
		items = items[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush(context.Background())
			return ctx.Err()

		case ev, ok := <-w.inputChan:
			if !ok {
				flush(context.Background())
				return nil
			}

			row, err := w.eventRow(ev)
			if err != nil {
				w.log.Warn().Err(err).Str("event", ev.Type).Msg("drop unencodable event")
				continue
			}
			events = append(events, row)
			if cr, ok := closedRow(ev); ok {
				closed = append(closed, cr)
			}
			if ir, ok := itemRow(ev); ok {
				items = append(items, ir)
			}

			if len(events) >= w.batchSize {
				flush(ctx)
				timer.Reset(w.flushTimeout)
			}

		case <-timer.C:
			flush(ctx)
			timer.Reset(w.flushTimeout)
		}
	}
}

// eventRow sequences and hash-chains one event.
func (w *Worker) eventRow(ev engine.Event) (EventRow, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return EventRow{}, fmt.Errorf("marshal event payload: %w", err)
	}

	seq := w.nextSeq
	w.nextSeq++
	hash, prev := w.chain.Next(seq, payload)

	return EventRow{
		Sequence:   seq,
		EventType:  ev.Type,
		QueueID:    int64(ev.QueueID),
		PositionID: int64(ev.PositionID),
		Owner:      ev.Owner,
		Payload:    payload,
		StateHash:  hash[:],
		PrevHash:   prev[:],
		At:         ev.At,
	}, nil
}

func closedRow(ev engine.Event) (ClosedRow, bool) {
	if ev.Type != engine.EventPositionClosed {
		return ClosedRow{}, false
	}
	return ClosedRow{
		PositionID:         int64(ev.PositionID),
		Owner:              ev.Owner,
		Reason:             ev.Reason,
		CollateralReturned: ev.Collateral,
		NotionalSize:       ev.Notional,
		BorrowFee:          ev.BorrowFee,
		FundingFee:         ev.FundingFee,
		DeltaNeutralityFee: ev.DeltaNeutralityFee,
		ClosedAt:           ev.At,
	}, true
}

// itemRow derives the terminal record of a queue item. Failures carry
// their reason; successes are recognized by the position mutation that
// resolved the item.
func itemRow(ev engine.Event) (ItemRow, bool) {
	switch ev.Type {
	case engine.EventItemFailed:
		return ItemRow{
			QueueID:     int64(ev.QueueID),
			Owner:       ev.Owner,
			Status:      "failure",
			Reason:      ev.Reason,
			ProcessedAt: ev.At,
		}, true
	case engine.EventPositionOpened, engine.EventPositionUpdated, engine.EventPositionClosed:
		if ev.QueueID == 0 {
			return ItemRow{}, false
		}
		return ItemRow{
			QueueID:     int64(ev.QueueID),
			Owner:       ev.Owner,
			Status:      "success",
			PositionID:  int64(ev.PositionID),
			ProcessedAt: ev.At,
		}, true
	}
	return ItemRow{}, false
}

// flushWithRetry writes one batch with exponential backoff. The worker
// never drops history: it retries until the write succeeds, falling
// back to one final attempt when the context is cancelled.
func (w *Worker) flushWithRetry(ctx context.Context, events []EventRow, closed []ClosedRow, items []ItemRow) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			w.log.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("events", len(events)).
				Msg("history flush retry")
			select {
			case <-ctx.Done():
				if err := w.flush(context.Background(), events, closed, items); err != nil {
					return fmt.Errorf("final flush on shutdown: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := w.flush(ctx, events, closed, items)
		if err == nil {
			if attempt > 0 {
				w.log.Info().Int("attempts", attempt).Msg("history flush recovered")
			}
			return nil
		}

		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("retry").Inc()
		}
	}
}

func (w *Worker) flush(ctx context.Context, events []EventRow, closed []ClosedRow, items []ItemRow) error {
	start := time.Now()

	tx, err := w.writer.db.BeginTx(ctx, nil)
	if err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("tx_begin").Inc()
		}
		return err
	}
	defer tx.Rollback()

	if err := w.writer.WriteEventBatch(ctx, tx, events); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("write_events").Inc()
		}
		return err
	}
	if err := w.writer.WriteClosedBatch(ctx, tx, closed); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("write_closed").Inc()
		}
		return err
	}
	if err := w.writer.WriteItemBatch(ctx, tx, items); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("write_items").Inc()
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		if w.metrics != nil {
			w.metrics.PersistErrors.WithLabelValues("tx_commit").Inc()
		}
		return err
	}

	if w.metrics != nil {
		w.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		w.metrics.PersistRowsWritten.WithLabelValues("events").Add(float64(len(events)))
		w.metrics.PersistRowsWritten.WithLabelValues("closed_positions").Add(float64(len(closed)))
		w.metrics.PersistRowsWritten.WithLabelValues("executed_items").Add(float64(len(items)))
	}
	return nil
}
