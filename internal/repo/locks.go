package repo

import (
	"context"
	"database/sql"
	"errors"

	"ledgerflow/internal/domain"
)

// ErrLocked is returned when a target is already held by another owner.
var ErrLocked = errors.New("target locked")

const lockColumns = `target_key,owner_kind,owner_id,acquired_at,lease_holder,lease_expires_at`

// AcquireTargetLock inserts the lock or fails with ErrLocked when another
// owner holds it. Re-acquiring an owned lock is a no-op.
func (r Repo) AcquireTargetLock(ctx context.Context, tx *sql.Tx, lock domain.TargetLock) error {
	res, err := tx.ExecContext(ctx, `INSERT INTO target_locks(target_key,owner_kind,owner_id,acquired_at) VALUES (?,?,?,?)
ON CONFLICT(target_key) DO NOTHING`, lock.TargetKey, lock.OwnerKind, lock.OwnerID, lock.AcquiredAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	held, err := r.GetTargetLockTx(ctx, tx, lock.TargetKey)
	if err != nil {
		return err
	}
	if held.OwnerKind == lock.OwnerKind && held.OwnerID == lock.OwnerID {
		return nil
	}
	return ErrLocked
}

// ReleaseTargetLock deletes the lock only if ownerID still holds it.
func (r Repo) ReleaseTargetLock(ctx context.Context, tx *sql.Tx, targetKey, ownerID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM target_locks WHERE target_key=? AND owner_id=?`, targetKey, ownerID)
	return err
}

// RenewTargetLease records that holder is driving ownerID until expiresAt.
// It reports false when ownerID no longer holds the target.
func (r Repo) RenewTargetLease(ctx context.Context, tx *sql.Tx, targetKey, ownerID, holder, expiresAt string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE target_locks SET lease_holder=?, lease_expires_at=? WHERE target_key=? AND owner_id=?`,
		holder, expiresAt, targetKey, ownerID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// DropTargetLease clears a lease, but only the one holder took.
func (r Repo) DropTargetLease(ctx context.Context, tx *sql.Tx, targetKey, ownerID, holder string) error {
	_, err := r.q(tx).ExecContext(ctx, `UPDATE target_locks SET lease_holder=NULL, lease_expires_at=NULL WHERE target_key=? AND owner_id=? AND lease_holder=?`,
		targetKey, ownerID, holder)
	return err
}

func (r Repo) GetTargetLock(ctx context.Context, targetKey string) (domain.TargetLock, error) {
	return r.GetTargetLockTx(ctx, nil, targetKey)
}

func (r Repo) GetTargetLockTx(ctx context.Context, tx *sql.Tx, targetKey string) (domain.TargetLock, error) {
	l, err := scanLock(r.q(tx).QueryRowContext(ctx, `SELECT `+lockColumns+` FROM target_locks WHERE target_key=?`, targetKey))
	if err == sql.ErrNoRows {
		return l, ErrNotFound
	}
	return l, err
}

// ListTargetLocks returns locks whose key starts with prefix.
func (r Repo) ListTargetLocks(ctx context.Context, prefix string) ([]domain.TargetLock, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+lockColumns+` FROM target_locks WHERE substr(target_key,1,?)=? ORDER BY target_key`, len(prefix), prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TargetLock
	for rows.Next() {
		l, err := scanLock(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

func scanLock(row scanner) (domain.TargetLock, error) {
	var (
		l       domain.TargetLock
		holder  sql.NullString
		expires sql.NullString
	)
	if err := row.Scan(&l.TargetKey, &l.OwnerKind, &l.OwnerID, &l.AcquiredAt, &holder, &expires); err != nil {
		return l, err
	}
	l.LeaseHolder = holder.String
	l.LeaseExpiresAt = stringPtr(expires)
	return l, nil
}
