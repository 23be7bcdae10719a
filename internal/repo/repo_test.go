package repo

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"ledgerflow/internal/db"
	"ledgerflow/internal/domain"
	"ledgerflow/internal/migrate"
)

const ts = "2026-01-02T03:04:05Z"

func setupRepo(t *testing.T) Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return Repo{DB: conn}
}

func inTx(t *testing.T, r Repo, fn func(tx *sql.Tx) error) {
	t.Helper()
	tx, err := r.DB.BeginTx(context.Background(), nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		t.Fatalf("tx: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func sampleWorkflow() domain.Workflow {
	return domain.Workflow{
		ID: "wf-1", Account: "acct", Action: "deposit", TargetKey: "acct|pool",
		Steps: []domain.StepSpec{
			{Kind: domain.KindAuthorize, Method: "authorize", Args: map[string]string{"amount": "100"}},
			{Kind: domain.KindAct, Method: "depositCollateral", Deltas: []domain.FieldDelta{{Field: "collateral:X", Delta: "100"}}},
		},
		State: "idle", Status: domain.StatusIdle, ActorID: "acct", CreatedAt: ts, UpdatedAt: ts,
	}
}

func sampleOp(id, status string) domain.Operation {
	return domain.Operation{
		ID: id, OwnerKind: domain.OwnerWorkflow, OwnerID: "wf-1", Account: "acct", TargetKey: "acct|pool",
		Kind: domain.KindAct, Method: "depositCollateral", Args: map[string]string{"amount": "100"},
		Status: status, CreatedAt: ts,
	}
}

func TestWorkflowRoundTrip(t *testing.T) {
	ctx := context.Background()
	r := setupRepo(t)
	wf := sampleWorkflow()
	inTx(t, r, func(tx *sql.Tx) error {
		if err := r.InsertWorkflow(ctx, tx, wf); err != nil {
			return err
		}
		return r.InsertOperation(ctx, tx, sampleOp("op-1", domain.OpSubmitted))
	})

	got, err := r.GetWorkflow(ctx, "wf-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Steps) != 2 || got.Steps[1].Deltas[0].Delta != "100" {
		t.Fatalf("steps not decoded: %+v", got.Steps)
	}
	if len(got.Operations) != 1 || got.Operations[0].Args["amount"] != "100" {
		t.Fatalf("operations not loaded: %+v", got.Operations)
	}

	done := ts
	got.Status = domain.StatusCompleted
	got.State = "completed"
	got.CurrentIndex = 2
	got.CompletedAt = &done
	inTx(t, r, func(tx *sql.Tx) error { return r.UpdateWorkflow(ctx, tx, got, Expect{State: "idle"}) })

	list, err := r.ListWorkflows(ctx, WorkflowFilters{Account: "acct", Status: domain.StatusCompleted})
	if err != nil || len(list) != 1 || list[0].CompletedAt == nil {
		t.Fatalf("list = %+v, %v", list, err)
	}
	if _, err := r.GetWorkflow(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateWorkflowRejectsStaleWrites(t *testing.T) {
	ctx := context.Background()
	r := setupRepo(t)
	wf := sampleWorkflow()
	inTx(t, r, func(tx *sql.Tx) error { return r.InsertWorkflow(ctx, tx, wf) })

	failed := wf
	failed.State, failed.Status, failed.Reason = "failed", domain.StatusFailed, "not found on ledger"
	inTx(t, r, func(tx *sql.Tx) error { return r.UpdateWorkflow(ctx, tx, failed, Expect{State: "idle"}) })

	late := wf
	late.State, late.Status, late.CurrentIndex = "idle", domain.StatusIdle, 1
	tx, _ := r.DB.BeginTx(ctx, nil)
	defer tx.Rollback()
	if err := r.UpdateWorkflow(ctx, tx, late, Expect{State: "step_confirming"}); !errors.Is(err, ErrStale) {
		t.Fatalf("expected ErrStale, got %v", err)
	}
	missing := wf
	missing.ID = "wf-missing"
	if err := r.UpdateWorkflow(ctx, tx, missing, Expect{State: "idle"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	tx.Rollback()

	got, err := r.GetWorkflow(ctx, wf.ID)
	if err != nil || got.State != "failed" {
		t.Fatalf("stale write must not land: %+v, %v", got, err)
	}
}

func TestOneSubmittedOperationPerTarget(t *testing.T) {
	ctx := context.Background()
	r := setupRepo(t)
	inTx(t, r, func(tx *sql.Tx) error {
		if err := r.InsertWorkflow(ctx, tx, sampleWorkflow()); err != nil {
			return err
		}
		return r.InsertOperation(ctx, tx, sampleOp("op-1", domain.OpSubmitted))
	})
	tx, _ := r.DB.BeginTx(ctx, nil)
	defer tx.Rollback()
	if err := r.InsertOperation(ctx, tx, sampleOp("op-2", domain.OpSubmitted)); err == nil {
		t.Fatalf("expected unique violation for second submitted operation")
	}
}

func TestTargetLocks(t *testing.T) {
	ctx := context.Background()
	r := setupRepo(t)
	lock := domain.TargetLock{TargetKey: "acct|pool", OwnerKind: domain.OwnerWorkflow, OwnerID: "wf-1", AcquiredAt: ts}
	inTx(t, r, func(tx *sql.Tx) error { return r.AcquireTargetLock(ctx, tx, lock) })
	inTx(t, r, func(tx *sql.Tx) error { return r.AcquireTargetLock(ctx, tx, lock) })

	tx, _ := r.DB.BeginTx(ctx, nil)
	other := lock
	other.OwnerID = "wf-2"
	if err := r.AcquireTargetLock(ctx, tx, other); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	if err := r.ReleaseTargetLock(ctx, tx, lock.TargetKey, "wf-2"); err != nil {
		t.Fatal(err)
	}
	tx.Commit()

	if _, err := r.GetTargetLock(ctx, lock.TargetKey); err != nil {
		t.Fatalf("non-owner release must not drop the lock: %v", err)
	}
	locks, err := r.ListTargetLocks(ctx, "acct|")
	if err != nil || len(locks) != 1 {
		t.Fatalf("locks = %+v, %v", locks, err)
	}
	if locks[0].LeaseExpiresAt != nil {
		t.Fatalf("fresh lock carries no lease: %+v", locks[0])
	}

	expires := "2024-01-01T00:00:30Z"
	if ok, err := r.RenewTargetLease(ctx, nil, lock.TargetKey, "wf-2", "proc-a", expires); err != nil || ok {
		t.Fatalf("non-owner lease = %v, %v", ok, err)
	}
	if ok, err := r.RenewTargetLease(ctx, nil, lock.TargetKey, "wf-1", "proc-a", expires); err != nil || !ok {
		t.Fatalf("renew = %v, %v", ok, err)
	}
	held, err := r.GetTargetLock(ctx, lock.TargetKey)
	if err != nil || held.LeaseHolder != "proc-a" || held.LeaseExpiresAt == nil || *held.LeaseExpiresAt != expires {
		t.Fatalf("lease not stored: %+v, %v", held, err)
	}
	if err := r.DropTargetLease(ctx, nil, lock.TargetKey, "wf-1", "proc-b"); err != nil {
		t.Fatal(err)
	}
	if held, _ = r.GetTargetLock(ctx, lock.TargetKey); held.LeaseHolder != "proc-a" {
		t.Fatalf("another holder must not drop the lease: %+v", held)
	}
	if err := r.DropTargetLease(ctx, nil, lock.TargetKey, "wf-1", "proc-a"); err != nil {
		t.Fatal(err)
	}
	if held, _ = r.GetTargetLock(ctx, lock.TargetKey); held.LeaseHolder != "" || held.LeaseExpiresAt != nil {
		t.Fatalf("lease not dropped: %+v", held)
	}

	inTx(t, r, func(tx *sql.Tx) error { return r.ReleaseTargetLock(ctx, tx, lock.TargetKey, "wf-1") })
	if _, err := r.GetTargetLock(ctx, lock.TargetKey); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected lock gone, got %v", err)
	}
}

func TestOverlayOnlyLiveWhileSubmitted(t *testing.T) {
	ctx := context.Background()
	r := setupRepo(t)
	op := sampleOp("op-1", domain.OpSubmitted)
	inTx(t, r, func(tx *sql.Tx) error {
		if err := r.InsertWorkflow(ctx, tx, sampleWorkflow()); err != nil {
			return err
		}
		if err := r.InsertOperation(ctx, tx, op); err != nil {
			return err
		}
		return r.InsertOverlay(ctx, tx, []domain.OverlayEntry{
			{Account: "acct", Field: "collateral:X", Delta: "100", OperationID: op.ID, CreatedAt: ts},
		})
	})
	live, err := r.ListOverlay(ctx, nil, "acct")
	if err != nil || len(live) != 1 {
		t.Fatalf("overlay = %+v, %v", live, err)
	}

	op.Status = domain.OpConfirmed
	inTx(t, r, func(tx *sql.Tx) error { return r.UpdateOperation(ctx, tx, op) })
	live, _ = r.ListOverlay(ctx, nil, "acct")
	if len(live) != 0 {
		t.Fatalf("overlay for resolved operation must not be live: %+v", live)
	}
	var dropped int64
	inTx(t, r, func(tx *sql.Tx) error {
		var err error
		dropped, err = r.DiscardStaleOverlay(ctx, tx, "acct")
		return err
	})
	if dropped != 1 {
		t.Fatalf("dropped = %d", dropped)
	}
}

func TestBatchRoundTripAndEvents(t *testing.T) {
	ctx := context.Background()
	r := setupRepo(t)
	b := domain.BatchJob{
		ID: "b-1", Account: "acct", TargetKey: "acct|pool", Method: "releaseLockedItem",
		Items: []string{"a", "b", "c"}, State: "idle", Status: domain.StatusIdle, ActorID: "system",
		TriggeredBy: "wf-1", CreatedAt: ts, UpdatedAt: ts,
	}
	inTx(t, r, func(tx *sql.Tx) error {
		if err := r.InsertBatch(ctx, tx, b); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO events(ts,type,account,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
			ts, "batch.created", "acct", "batch", "b-1", "system", "{}")
		return err
	})
	b.Items = []string{"b", "c"}
	b.CurrentIndex = 0
	b.Resumes = 1
	inTx(t, r, func(tx *sql.Tx) error { return r.UpdateBatch(ctx, tx, b, Expect{State: "idle"}) })
	got, err := r.GetBatch(ctx, "b-1")
	if err != nil || len(got.Items) != 2 || got.Resumes != 1 || got.TriggeredBy != "wf-1" {
		t.Fatalf("batch = %+v, %v", got, err)
	}

	evts, err := r.EventsAfter(ctx, 10, 0, "acct")
	if err != nil || len(evts) != 1 || evts[0].EntityID != "b-1" {
		t.Fatalf("events = %+v, %v", evts, err)
	}
	latest, _ := r.LatestEventID(ctx, "")
	if latest != evts[0].ID {
		t.Fatalf("latest id = %d", latest)
	}
	if err := r.SetWebhookCursor(ctx, "http://hook", latest); err != nil {
		t.Fatal(err)
	}
	if c, err := r.WebhookCursor(ctx, "http://hook"); err != nil || c != latest {
		t.Fatalf("cursor = %d, %v", c, err)
	}
}

func TestAPIKeysAndDelegates(t *testing.T) {
	ctx := context.Background()
	r := setupRepo(t)
	plain, err := GenerateAPIKey()
	if err != nil {
		t.Fatal(err)
	}
	if err := r.InsertAPIKey(ctx, nil, domain.APIKey{ID: "k1", ActorID: "alice", KeyHash: HashAPIKey(plain)}); err != nil {
		t.Fatal(err)
	}
	key, err := r.GetAPIKeyByHash(ctx, HashAPIKey(" "+plain+" "))
	if err != nil || key.ActorID != "alice" {
		t.Fatalf("key = %+v, %v", key, err)
	}
	if err := r.DeleteAPIKey(ctx, "k1"); err != nil {
		t.Fatal(err)
	}
	if err := r.DeleteAPIKey(ctx, "k1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := r.InsertDelegate(ctx, nil, domain.Delegate{Account: "acct", ActorID: "alice", CreatedAt: ts}); err != nil {
		t.Fatal(err)
	}
	ok, err := r.IsDelegate(ctx, "acct", "alice")
	if err != nil || !ok {
		t.Fatalf("expected delegate, %v", err)
	}
	if ok, _ := r.IsDelegate(ctx, "acct", "bob"); ok {
		t.Fatalf("bob is not a delegate")
	}
}
