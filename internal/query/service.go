// Package query serves read-only settlement history from Postgres:
// closed positions, executed queue items, and the hash-chained event
// log written by the persistence worker.
package query

import (
	"context"
	"database/sql"
	"fmt"
)

// HistoryService provides read-only access to the settlement history
// tables. Cursor pagination throughout: afterID/fromSeq bound the page,
// never OFFSET.
type HistoryService struct {
	db *sql.DB
}

func NewHistoryService(db *sql.DB) *HistoryService {
	return &HistoryService{db: db}
}

// ClosedPositions pages through close history, newest first. owner ""
// returns all owners.
func (hs *HistoryService) ClosedPositions(ctx context.Context, owner string, limit int, beforeID int64) ([]ClosedPositionRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := `
		SELECT position_id, owner, reason, collateral_returned, notional_size,
		       borrow_fee, funding_fee, delta_neutrality_fee, closed_at
		FROM settlement.closed_positions
		WHERE 1=1
	`
	args := []interface{}{}
	argIdx := 1

	if owner != "" {
		query += fmt.Sprintf(" AND owner = $%d", argIdx)
		args = append(args, owner)
		argIdx++
	}
	if beforeID > 0 {
		query += fmt.Sprintf(" AND position_id < $%d", argIdx)
		args = append(args, beforeID)
		argIdx++
	}

	query += fmt.Sprintf(" ORDER BY position_id DESC LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := hs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ClosedPositionRecord
	for rows.Next() {
		var r ClosedPositionRecord
		if err := rows.Scan(
			&r.PositionID, &r.Owner, &r.Reason, &r.CollateralReturned, &r.NotionalSize,
			&r.BorrowFee, &r.FundingFee, &r.DeltaNeutralityFee, &r.ClosedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ExecutedItems pages through one owner's processed queue items,
// id-ascending, starting strictly after afterID.
func (hs *HistoryService) ExecutedItems(ctx context.Context, owner string, limit int, afterID int64) ([]ExecutedItemRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	rows, err := hs.db.QueryContext(ctx, `
		SELECT queue_id, owner, status, position_id, reason, processed_at
		FROM settlement.executed_items
		WHERE owner = $1 AND queue_id > $2
		ORDER BY queue_id ASC
		LIMIT $3
	`, owner, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ExecutedItemRecord
	for rows.Next() {
		var r ExecutedItemRecord
		if err := rows.Scan(&r.QueueID, &r.Owner, &r.Status, &r.PositionID, &r.Reason, &r.ProcessedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Events pages through the event log, sequence-ascending from fromSeq.
func (hs *HistoryService) Events(ctx context.Context, fromSeq int64, limit int) ([]EventRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := hs.db.QueryContext(ctx, `
		SELECT sequence, event_type, queue_id, position_id, owner, payload, at
		FROM settlement.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var r EventRecord
		if err := rows.Scan(&r.Sequence, &r.EventType, &r.QueueID, &r.PositionID, &r.Owner, &r.Payload, &r.At); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// VerifyIntegrity checks hash chain continuity over the event log.
func (hs *HistoryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := hs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM settlement.events e1
		JOIN settlement.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash != e2.state_hash
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	err = hs.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM settlement.events`,
	).Scan(&report.LastSequence)
	if err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0
	return report, nil
}
