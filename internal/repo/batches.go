package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"ledgerflow/internal/domain"
)

const batchColumns = `id,account,target_key,method,items_json,current_index,state,status,COALESCE(reason,''),abandoned,COALESCE(triggered_by,''),resumes,actor_id,created_at,updated_at,completed_at`

func scanBatch(row scanner) (domain.BatchJob, error) {
	var b domain.BatchJob
	var items string
	var abandoned int
	var completedAt sql.NullString
	err := row.Scan(&b.ID, &b.Account, &b.TargetKey, &b.Method, &items, &b.CurrentIndex, &b.State, &b.Status, &b.Reason,
		&abandoned, &b.TriggeredBy, &b.Resumes, &b.ActorID, &b.CreatedAt, &b.UpdatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	if err != nil {
		return b, err
	}
	if err := json.Unmarshal([]byte(items), &b.Items); err != nil {
		return b, fmt.Errorf("decode batch %s items: %w", b.ID, err)
	}
	b.Abandoned = abandoned == 1
	b.CompletedAt = stringPtr(completedAt)
	return b, nil
}

func (r Repo) InsertBatch(ctx context.Context, tx *sql.Tx, b domain.BatchJob) error {
	items, err := marshalJSON(b.Items)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO batch_jobs(id,account,target_key,method,items_json,current_index,state,status,reason,abandoned,triggered_by,resumes,actor_id,created_at,updated_at,completed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		b.ID, b.Account, b.TargetKey, b.Method, items, b.CurrentIndex, b.State, b.Status, nullable(b.Reason), boolInt(b.Abandoned),
		nullable(b.TriggeredBy), b.Resumes, b.ActorID, b.CreatedAt, b.UpdatedAt, nullableStringPtr(b.CompletedAt))
	return err
}

// UpdateBatch stores progress if the row is still at from. Items are
// rewritten because a resume may rebuild them from the ledger.
func (r Repo) UpdateBatch(ctx context.Context, tx *sql.Tx, b domain.BatchJob, from Expect) error {
	items, err := marshalJSON(b.Items)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE batch_jobs SET items_json=?, current_index=?, state=?, status=?, reason=?, abandoned=?, resumes=?, updated_at=?, completed_at=?
WHERE id=? AND state=? AND current_index=?`,
		items, b.CurrentIndex, b.State, b.Status, nullable(b.Reason), boolInt(b.Abandoned), b.Resumes, b.UpdatedAt, nullableStringPtr(b.CompletedAt),
		b.ID, from.State, from.Index)
	if err != nil {
		return err
	}
	return r.checkApplied(ctx, tx, res, "batch_jobs", b.ID)
}

func (r Repo) GetBatch(ctx context.Context, id string) (domain.BatchJob, error) {
	return r.GetBatchTx(ctx, nil, id)
}

func (r Repo) GetBatchTx(ctx context.Context, tx *sql.Tx, id string) (domain.BatchJob, error) {
	b, err := scanBatch(r.q(tx).QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batch_jobs WHERE id=?`, id))
	if err != nil {
		return b, err
	}
	ops, err := r.ListOperationsTx(ctx, tx, domain.OwnerBatch, b.ID)
	if err != nil {
		return b, err
	}
	b.Operations = ops
	return b, nil
}

type BatchFilters struct {
	Account string
	Status  string
	Limit   int
}

func (r Repo) ListBatches(ctx context.Context, f BatchFilters) ([]domain.BatchJob, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Account != "" {
		clauses = append(clauses, "account=?")
		args = append(args, f.Account)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	query := `SELECT ` + batchColumns + ` FROM batch_jobs WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.BatchJob
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}
