package repo

import (
	"context"
	"database/sql"

	"ledgerflow/internal/domain"
)

func (r Repo) InsertDelegate(ctx context.Context, tx *sql.Tx, d domain.Delegate) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO account_delegates(account,actor_id,created_at) VALUES (?,?,?)
ON CONFLICT(account, actor_id) DO NOTHING`, d.Account, d.ActorID, d.CreatedAt)
	return err
}

func (r Repo) DeleteDelegate(ctx context.Context, tx *sql.Tx, account, actorID string) error {
	res, err := r.q(tx).ExecContext(ctx, `DELETE FROM account_delegates WHERE account=? AND actor_id=?`, account, actorID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) IsDelegate(ctx context.Context, account, actorID string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM account_delegates WHERE account=? AND actor_id=?`, account, actorID).Scan(&n)
	return n > 0, err
}

func (r Repo) ListDelegates(ctx context.Context, account string) ([]domain.Delegate, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT account,actor_id,created_at FROM account_delegates WHERE account=? ORDER BY actor_id`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Delegate
	for rows.Next() {
		var d domain.Delegate
		if err := rows.Scan(&d.Account, &d.ActorID, &d.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}
