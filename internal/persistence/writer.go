// Package persistence appends the engine's committed history to
// Postgres: the hash-chained settlement event log, closed positions,
// and executed queue items. Writes are batched multi-row INSERTs with
// ON CONFLICT DO NOTHING so redelivered batches stay idempotent.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// HistoryWriter writes settlement history rows. All batch writers take
// an open transaction so one flush commits atomically.
type HistoryWriter struct {
	db *sql.DB
}

// EventRow is a row in settlement.events.
type EventRow struct {
	Sequence   int64
	EventType  string
	QueueID    int64
	PositionID int64
	Owner      string
	Payload    []byte
	StateHash  []byte
	PrevHash   []byte
	At         time.Time
}

// ClosedRow is a row in settlement.closed_positions.
type ClosedRow struct {
	PositionID         int64
	Owner              string
	Reason             string
	CollateralReturned decimal.Decimal
	NotionalSize       decimal.Decimal
	BorrowFee          decimal.Decimal
	FundingFee         decimal.Decimal
	DeltaNeutralityFee decimal.Decimal
	ClosedAt           time.Time
}

// ItemRow is a row in settlement.executed_items: the terminal record of
// one deferred queue item.
type ItemRow struct {
	QueueID     int64
	Owner       string
	Status      string
	PositionID  int64
	Reason      string
	ProcessedAt time.Time
}

func NewHistoryWriter(db *sql.DB) *HistoryWriter {
	return &HistoryWriter{db: db}
}

// WriteEventBatch appends events to settlement.events.
func (w *HistoryWriter) WriteEventBatch(ctx context.Context, tx *sql.Tx, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO settlement.events
		(sequence, event_type, queue_id, position_id, owner, payload, state_hash, prev_hash, at)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*9)

	for i, e := range events {
		base := i * 9
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9,
		))
		args = append(args,
			e.Sequence, e.EventType, e.QueueID, e.PositionID, e.Owner,
			e.Payload, e.StateHash, e.PrevHash, e.At,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteClosedBatch appends closed positions to settlement.closed_positions.
func (w *HistoryWriter) WriteClosedBatch(ctx context.Context, tx *sql.Tx, rows []ClosedRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO settlement.closed_positions
		(position_id, owner, reason, collateral_returned, notional_size, borrow_fee, funding_fee, delta_neutrality_fee, closed_at)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*9)

	for i, r := range rows {
		base := i * 9
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9,
		))
		args = append(args,
			r.PositionID, r.Owner, r.Reason,
			r.CollateralReturned.String(), r.NotionalSize.String(),
			r.BorrowFee.String(), r.FundingFee.String(), r.DeltaNeutralityFee.String(),
			r.ClosedAt,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (position_id) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteItemBatch appends executed queue items to settlement.executed_items.
func (w *HistoryWriter) WriteItemBatch(ctx context.Context, tx *sql.Tx, rows []ItemRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO settlement.executed_items
		(queue_id, owner, status, position_id, reason, processed_at)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*6)

	for i, r := range rows {
		base := i * 6
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6,
		))
		args = append(args, r.QueueID, r.Owner, r.Status, r.PositionID, r.Reason, r.ProcessedAt)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (queue_id) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// LastEvent returns the highest persisted sequence and its state hash,
// or (0, nil) on an empty log. Used to resume the chain on restart.
func (w *HistoryWriter) LastEvent(ctx context.Context) (int64, []byte, error) {
	var seq int64
	var hash []byte
	err := w.db.QueryRowContext(ctx,
		`SELECT sequence, state_hash FROM settlement.events ORDER BY sequence DESC LIMIT 1`,
	).Scan(&seq, &hash)
	if err == sql.ErrNoRows {
		return 0, nil, nil
	}
	if err != nil {
		return 0, nil, fmt.Errorf("load last event: %w", err)
	}
	return seq, hash, nil
}
