package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"ledgerflow/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrStale is returned when a row no longer has the state a write expected.
var ErrStale = errors.New("stale write")

// Expect is the state and index a workflow or batch row must still have for
// an update to apply.
type Expect struct {
	State string
	Index int
}

// checkApplied turns a zero-row conditional update into ErrNotFound or
// ErrStale.
func (r Repo) checkApplied(ctx context.Context, tx *sql.Tx, res sql.Result, table, id string) error {
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var one int
	err := r.q(tx).QueryRowContext(ctx, `SELECT 1 FROM `+table+` WHERE id=?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s %s", ErrStale, table, id)
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// q returns tx when set so reads inside a transaction see its writes.
func (r Repo) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func marshalJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// --- workflows ---

const workflowColumns = `id,account,action,target_key,steps_json,current_index,state,status,COALESCE(reason,''),abandoned,actor_id,created_at,updated_at,completed_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row scanner) (domain.Workflow, error) {
	var wf domain.Workflow
	var steps string
	var abandoned int
	var completedAt sql.NullString
	err := row.Scan(&wf.ID, &wf.Account, &wf.Action, &wf.TargetKey, &steps, &wf.CurrentIndex, &wf.State, &wf.Status,
		&wf.Reason, &abandoned, &wf.ActorID, &wf.CreatedAt, &wf.UpdatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return wf, ErrNotFound
	}
	if err != nil {
		return wf, err
	}
	if err := json.Unmarshal([]byte(steps), &wf.Steps); err != nil {
		return wf, fmt.Errorf("decode workflow %s steps: %w", wf.ID, err)
	}
	wf.Abandoned = abandoned == 1
	wf.CompletedAt = stringPtr(completedAt)
	return wf, nil
}

func (r Repo) InsertWorkflow(ctx context.Context, tx *sql.Tx, wf domain.Workflow) error {
	steps, err := marshalJSON(wf.Steps)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO workflows(id,account,action,target_key,steps_json,current_index,state,status,reason,abandoned,actor_id,created_at,updated_at,completed_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		wf.ID, wf.Account, wf.Action, wf.TargetKey, steps, wf.CurrentIndex, wf.State, wf.Status, nullable(wf.Reason),
		boolInt(wf.Abandoned), wf.ActorID, wf.CreatedAt, wf.UpdatedAt, nullableStringPtr(wf.CompletedAt))
	return err
}

// UpdateWorkflow stores wf if the row is still at from.
func (r Repo) UpdateWorkflow(ctx context.Context, tx *sql.Tx, wf domain.Workflow, from Expect) error {
	res, err := tx.ExecContext(ctx, `UPDATE workflows SET current_index=?, state=?, status=?, reason=?, abandoned=?, updated_at=?, completed_at=?
WHERE id=? AND state=? AND current_index=?`,
		wf.CurrentIndex, wf.State, wf.Status, nullable(wf.Reason), boolInt(wf.Abandoned), wf.UpdatedAt, nullableStringPtr(wf.CompletedAt),
		wf.ID, from.State, from.Index)
	if err != nil {
		return err
	}
	return r.checkApplied(ctx, tx, res, "workflows", wf.ID)
}

// GetWorkflow loads a workflow with its operations.
func (r Repo) GetWorkflow(ctx context.Context, id string) (domain.Workflow, error) {
	return r.GetWorkflowTx(ctx, nil, id)
}

func (r Repo) GetWorkflowTx(ctx context.Context, tx *sql.Tx, id string) (domain.Workflow, error) {
	wf, err := scanWorkflow(r.q(tx).QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id=?`, id))
	if err != nil {
		return wf, err
	}
	ops, err := r.ListOperationsTx(ctx, tx, domain.OwnerWorkflow, wf.ID)
	if err != nil {
		return wf, err
	}
	wf.Operations = ops
	return wf, nil
}

type WorkflowFilters struct {
	Account string
	Status  string
	Action  string
	Limit   int
}

// ListWorkflows returns workflows newest first, without operations.
func (r Repo) ListWorkflows(ctx context.Context, f WorkflowFilters) ([]domain.Workflow, error) {
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
	if f.Action != "" {
		clauses = append(clauses, "action=?")
		args = append(args, f.Action)
	}
	query := `SELECT ` + workflowColumns + ` FROM workflows WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, wf)
	}
	return res, rows.Err()
}

// ListWorkflowIDsInState returns IDs of an account's workflows whose machine
// is in state.
func (r Repo) ListWorkflowIDsInState(ctx context.Context, account, state string) ([]string, error) {
	return r.listIDs(ctx, `SELECT id FROM workflows WHERE account=? AND state=? ORDER BY created_at`, account, state)
}

// ListBatchIDsInState is ListWorkflowIDsInState for batch jobs.
func (r Repo) ListBatchIDsInState(ctx context.Context, account, state string) ([]string, error) {
	return r.listIDs(ctx, `SELECT id FROM batch_jobs WHERE account=? AND state=? ORDER BY created_at`, account, state)
}

func (r Repo) listIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- operations ---

const operationColumns = `id,owner_kind,owner_id,step_index,account,target_key,kind,method,args_json,status,COALESCE(handle,''),COALESCE(reason,''),created_at,submitted_at,resolved_at`

func scanOperation(row scanner) (domain.Operation, error) {
	var op domain.Operation
	var args, submittedAt, resolvedAt sql.NullString
	err := row.Scan(&op.ID, &op.OwnerKind, &op.OwnerID, &op.StepIndex, &op.Account, &op.TargetKey, &op.Kind, &op.Method,
		&args, &op.Status, &op.Handle, &op.Reason, &op.CreatedAt, &submittedAt, &resolvedAt)
	if err == sql.ErrNoRows {
		return op, ErrNotFound
	}
	if err != nil {
		return op, err
	}
	if args.Valid && args.String != "" {
		if err := json.Unmarshal([]byte(args.String), &op.Args); err != nil {
			return op, fmt.Errorf("decode operation %s args: %w", op.ID, err)
		}
	}
	op.SubmittedAt = stringPtr(submittedAt)
	op.ResolvedAt = stringPtr(resolvedAt)
	return op, nil
}

func (r Repo) InsertOperation(ctx context.Context, tx *sql.Tx, op domain.Operation) error {
	args, err := marshalJSON(op.Args)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO operations(id,owner_kind,owner_id,step_index,account,target_key,kind,method,args_json,status,handle,reason,created_at,submitted_at,resolved_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		op.ID, op.OwnerKind, op.OwnerID, op.StepIndex, op.Account, op.TargetKey, op.Kind, op.Method, args, op.Status,
		nullable(op.Handle), nullable(op.Reason), op.CreatedAt, nullableStringPtr(op.SubmittedAt), nullableStringPtr(op.ResolvedAt))
	return err
}

func (r Repo) UpdateOperation(ctx context.Context, tx *sql.Tx, op domain.Operation) error {
	res, err := tx.ExecContext(ctx, `UPDATE operations SET status=?, handle=?, reason=?, submitted_at=?, resolved_at=? WHERE id=?`,
		op.Status, nullable(op.Handle), nullable(op.Reason), nullableStringPtr(op.SubmittedAt), nullableStringPtr(op.ResolvedAt), op.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetOperation(ctx context.Context, id string) (domain.Operation, error) {
	return r.GetOperationTx(ctx, nil, id)
}

func (r Repo) GetOperationTx(ctx context.Context, tx *sql.Tx, id string) (domain.Operation, error) {
	return scanOperation(r.q(tx).QueryRowContext(ctx, `SELECT `+operationColumns+` FROM operations WHERE id=?`, id))
}

func (r Repo) ListOperations(ctx context.Context, ownerKind, ownerID string) ([]domain.Operation, error) {
	return r.ListOperationsTx(ctx, nil, ownerKind, ownerID)
}

func (r Repo) ListOperationsTx(ctx context.Context, tx *sql.Tx, ownerKind, ownerID string) ([]domain.Operation, error) {
	return r.queryOperations(ctx, tx, `SELECT `+operationColumns+` FROM operations WHERE owner_kind=? AND owner_id=? ORDER BY step_index, created_at, rowid`, ownerKind, ownerID)
}

// ListUnresolvedOperations returns submitted and timed-out operations for an
// account, oldest first.
func (r Repo) ListUnresolvedOperations(ctx context.Context, account string) ([]domain.Operation, error) {
	return r.queryOperations(ctx, nil, `SELECT `+operationColumns+` FROM operations WHERE account=? AND status IN ('submitted','timed_out') ORDER BY created_at, id`, account)
}

// ListAccountsWithUnresolved returns every account that has unresolved operations.
func (r Repo) ListAccountsWithUnresolved(ctx context.Context) ([]string, error) {
	return r.listIDs(ctx, `SELECT DISTINCT account FROM operations WHERE status IN ('submitted','timed_out') ORDER BY account`)
}

func (r Repo) queryOperations(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]domain.Operation, error) {
	rows, err := r.q(tx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, op)
	}
	return res, rows.Err()
}
