package repo

import (
	"context"
	"database/sql"

	"ledgerflow/internal/domain"
)

func (r Repo) InsertOverlay(ctx context.Context, tx *sql.Tx, entries []domain.OverlayEntry) error {
	for _, e := range entries {
		if _, err := tx.ExecContext(ctx, `INSERT INTO overlay(operation_id,account,field,delta,created_at) VALUES (?,?,?,?,?)
ON CONFLICT(operation_id, field) DO UPDATE SET delta=excluded.delta`,
			e.OperationID, e.Account, e.Field, e.Delta.String(), e.CreatedAt); err != nil {
			return err
		}
	}
	return nil
}

// ClearOverlay drops every entry owned by an operation.
func (r Repo) ClearOverlay(ctx context.Context, tx *sql.Tx, operationID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM overlay WHERE operation_id=?`, operationID)
	return err
}

// DiscardStaleOverlay removes entries whose owning operation is no longer
// submitted and reports how many were dropped.
func (r Repo) DiscardStaleOverlay(ctx context.Context, tx *sql.Tx, account string) (int64, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM overlay WHERE account=? AND operation_id NOT IN (SELECT id FROM operations WHERE status='submitted')`, account)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListOverlay returns the live entries for an account.
func (r Repo) ListOverlay(ctx context.Context, tx *sql.Tx, account string) ([]domain.OverlayEntry, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT o.account,o.field,o.delta,o.operation_id,o.created_at FROM overlay o
JOIN operations op ON op.id=o.operation_id AND op.status='submitted'
WHERE o.account=? ORDER BY o.created_at, o.field`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.OverlayEntry
	for rows.Next() {
		var e domain.OverlayEntry
		var delta string
		if err := rows.Scan(&e.Account, &e.Field, &delta, &e.OperationID, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Delta = domain.Amount(delta)
		res = append(res, e)
	}
	return res, rows.Err()
}
