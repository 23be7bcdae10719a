package engine_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ledgerflow/internal/config"
	"ledgerflow/internal/db"
	"ledgerflow/internal/domain"
	"ledgerflow/internal/engine"
	"ledgerflow/internal/flow"
	"ledgerflow/internal/ledger"
	"ledgerflow/internal/migrate"
	"ledgerflow/internal/repo"
)

const acct = "0xa11ce"

type testEnv struct {
	Engine engine.Engine
	Ledger *ledger.Memory
	Ctx    context.Context
}

type tickClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *tickClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Millisecond)
	return c.t
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default(acct)
	cfg.Confirmation.Timeout = 5 * time.Second
	cfg.Confirmation.PollInterval = time.Millisecond
	mem := ledger.NewMemory(cfg.Ledger.DebtAsset)
	eng := engine.New(conn, cfg, mem)
	clock := &tickClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	eng.Now = clock.Now
	eng.Log = slog.New(slog.NewTextHandler(io.Discard, nil))
	return testEnv{Engine: eng, Ledger: mem, Ctx: context.Background()}
}

func amt(v int64) domain.Amount { return domain.AmountFromInt64(v) }

func methods(calls []ledger.Call) []string {
	out := make([]string, 0, len(calls))
	for _, c := range calls {
		out = append(out, c.Method)
	}
	return out
}

func handleOf(t *testing.T, mem *ledger.Memory, method string) ledger.Handle {
	t.Helper()
	calls := mem.Submissions()
	handles := mem.Handles()
	for i := len(calls) - 1; i >= 0; i-- {
		if calls[i].Method == method {
			return handles[i]
		}
	}
	t.Fatalf("no %s submission", method)
	return ""
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func submitted(mem *ledger.Memory, method string) func() bool {
	return func() bool {
		for _, c := range mem.Submissions() {
			if c.Method == method {
				return true
			}
		}
		return false
	}
}

// workflowIn reports whether some workflow of the account sits in state.
func workflowIn(env testEnv, state string) func() bool {
	return func() bool {
		wfs, err := env.Engine.Repo.ListWorkflows(env.Ctx, repo.WorkflowFilters{Account: acct})
		if err != nil {
			return false
		}
		for _, wf := range wfs {
			if wf.State == state {
				return true
			}
		}
		return false
	}
}

func onlyWorkflow(t *testing.T, env testEnv) domain.Workflow {
	t.Helper()
	wfs, err := env.Engine.Repo.ListWorkflows(env.Ctx, repo.WorkflowFilters{Account: acct})
	if err != nil || len(wfs) != 1 {
		t.Fatalf("list workflows: %v %d", err, len(wfs))
	}
	return wfs[0]
}

// gatedLedger parks Submit calls for one method inside the ledger until
// the gate opens.
type gatedLedger struct {
	*ledger.Memory
	method  string
	entered chan struct{}
	gate    chan struct{}
	once    sync.Once
}

func gate(mem *ledger.Memory, method string) *gatedLedger {
	return &gatedLedger{Memory: mem, method: method, entered: make(chan struct{}), gate: make(chan struct{})}
}

func (g *gatedLedger) Submit(ctx context.Context, c ledger.Call) (ledger.Handle, error) {
	if c.Method == g.method {
		g.once.Do(func() { close(g.entered) })
		<-g.gate
	}
	return g.Memory.Submit(ctx, c)
}

// forgetfulLedger answers status reads as a ledger that never saw the
// handle while forget is set.
type forgetfulLedger struct {
	*ledger.Memory
	forget atomic.Bool
}

func (f *forgetfulLedger) Status(ctx context.Context, h ledger.Handle) (ledger.Receipt, error) {
	if f.forget.Load() {
		return ledger.Receipt{Handle: h, Status: ledger.TxUnknown}, nil
	}
	return f.Memory.Status(ctx, h)
}

func assertUnlocked(t *testing.T, env testEnv, scope string) {
	t.Helper()
	_, err := env.Engine.Repo.GetTargetLock(env.Ctx, engine.TargetKey(acct, scope))
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected %s unlocked, got %v", scope, err)
	}
}

func TestDepositAuthorizesThenChains(t *testing.T) {
	env := newTestEnv(t)
	env.Ledger.SetBalance(acct, "WETH", amt(1000))

	res, err := env.Engine.Execute(env.Ctx, engine.ActionRequest{Account: acct, Action: engine.ActionDeposit, Amount: amt(400), Asset: "WETH"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	wf := res.Workflow
	if wf.Status != domain.StatusCompleted || wf.CompletedAt == nil {
		t.Fatalf("expected completed, got %s", wf.State)
	}
	if got := methods(env.Ledger.Submissions()); !reflect.DeepEqual(got, []string{ledger.MethodAuthorize, ledger.MethodDepositCollateral}) {
		t.Fatalf("unexpected submissions %v", got)
	}
	if len(wf.Operations) != 2 {
		t.Fatalf("expected 2 operations, got %d", len(wf.Operations))
	}
	for _, op := range wf.Operations {
		if op.Status != domain.OpConfirmed {
			t.Fatalf("operation %d is %s", op.StepIndex, op.Status)
		}
	}
	view, err := env.Engine.Reconcile(env.Ctx, acct)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if got := view.Authoritative(domain.BalanceField("WETH")); got != amt(600) {
		t.Fatalf("expected WETH balance 600, got %s", got)
	}
	if len(view.Overlay) != 0 || view.Blocked() {
		t.Fatalf("expected clean view, got %+v", view)
	}
	if got := env.Ledger.Collateral(acct, "WETH"); got != amt(400) {
		t.Fatalf("expected collateral 400, got %s", got)
	}
	assertUnlocked(t, env, "pool")
}

func TestSufficientAllowanceSkipsAuthorize(t *testing.T) {
	env := newTestEnv(t)
	env.Ledger.SetBalance(acct, "WETH", amt(1000))
	env.Ledger.SetAllowance(acct, "0xpool", "WETH", amt(400))

	plan, err := env.Engine.BuildPlan(env.Ctx, engine.ActionRequest{Account: acct, Action: engine.ActionDeposit, Amount: amt(400), Asset: "WETH"})
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Steps) != 1 || plan.Steps[0].Method != ledger.MethodDepositCollateral {
		t.Fatalf("expected single deposit step, got %+v", plan.Steps)
	}

	plan, err = env.Engine.BuildPlan(env.Ctx, engine.ActionRequest{Account: acct, Action: engine.ActionDeposit, Amount: amt(401), Asset: "WETH"})
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Steps) != 2 || plan.Steps[0].Kind != domain.KindAuthorize {
		t.Fatalf("expected authorize first, got %+v", plan.Steps)
	}
}

func TestPlanScopes(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		req   engine.ActionRequest
		scope string
	}{
		{engine.ActionRequest{Account: acct, Action: engine.ActionBorrow, Amount: amt(1)}, "pool"},
		{engine.ActionRequest{Account: acct, Action: engine.ActionInvest, Amount: amt(1), Tranche: "senior"}, "tranche:senior"},
		{engine.ActionRequest{Account: acct, Action: engine.ActionFinance, Amount: amt(1), Item: "inv-7"}, "item:inv-7"},
	}
	for _, tc := range cases {
		plan, err := env.Engine.BuildPlan(env.Ctx, tc.req)
		if err != nil {
			t.Fatalf("%s: %v", tc.req.Action, err)
		}
		if plan.Scope != tc.scope {
			t.Fatalf("%s: expected scope %s, got %s", tc.req.Action, tc.scope, plan.Scope)
		}
	}
}

func TestRequestValidation(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Execute(env.Ctx, engine.ActionRequest{Account: acct, Action: engine.ActionBorrow, Amount: amt(0)})
	var verr *engine.ValidationError
	if !errors.As(err, &verr) || verr.Field != "amount" {
		t.Fatalf("expected amount validation error, got %v", err)
	}
	_, err = env.Engine.Execute(env.Ctx, engine.ActionRequest{Account: acct, Action: "stake", Amount: amt(1)})
	if !errors.Is(err, engine.ErrUnknownAction) {
		t.Fatalf("expected unknown action, got %v", err)
	}
	if len(env.Ledger.Submissions()) != 0 {
		t.Fatalf("nothing should be submitted")
	}
}

func TestAtMostOneInFlightPerTarget(t *testing.T) {
	env := newTestEnv(t)
	env.Ledger.SetBalance(acct, "WETH", amt(1000))
	env.Ledger.SetBalance(acct, "USDC", amt(100))
	env.Ledger.HoldWhen(func(c ledger.Call) bool { return c.Method == ledger.MethodDepositCollateral })

	done := make(chan error, 1)
	var first engine.ActionResult
	go func() {
		var err error
		first, err = env.Engine.Execute(env.Ctx, engine.ActionRequest{Account: acct, Action: engine.ActionDeposit, Amount: amt(10), Asset: "WETH"})
		done <- err
	}()
	waitFor(t, "deposit submission", submitted(env.Ledger, ledger.MethodDepositCollateral))
	held := handleOf(t, env.Ledger, ledger.MethodDepositCollateral)

	_, err := env.Engine.Execute(env.Ctx, engine.ActionRequest{Account: acct, Action: engine.ActionBorrow, Amount: amt(5)})
	if !errors.Is(err, engine.ErrAlreadyInFlight) {
		t.Fatalf("expected already in flight for pool, got %v", err)
	}
	_, err = env.Engine.CreateBatch(env.Ctx, engine.BatchSpec{Account: acct, Items: []string{"x"}})
	if !errors.Is(err, engine.ErrAlreadyInFlight) {
		t.Fatalf("expected release batch to be blocked, got %v", err)
	}

	other, err := env.Engine.Execute(env.Ctx, engine.ActionRequest{Account: acct, Action: engine.ActionInvest, Amount: amt(50), Tranche: "senior"})
	if err != nil {
		t.Fatalf("other target should run: %v", err)
	}
	if other.Workflow.Status != domain.StatusCompleted {
		t.Fatalf("invest not completed: %s", other.Workflow.State)
	}

	view, err := env.Engine.Reconcile(env.Ctx, acct)
	if err != nil {
		t.Fatal(err)
	}
	if len(view.InFlight) != 1 {
		t.Fatalf("expected one in-flight operation, got %v", view.InFlight)
	}
	if got := view.Effective(domain.BalanceField("WETH")); got != amt(990) {
		t.Fatalf("expected optimistic WETH 990, got %s", got)
	}
	if got := view.Authoritative(domain.BalanceField("WETH")); got != amt(1000) {
		t.Fatalf("authoritative WETH must not move before confirmation, got %s", got)
	}

	if _, err := env.Ledger.Settle(held); err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if first.Workflow.Status != domain.StatusCompleted {
		t.Fatalf("deposit not completed: %s", first.Workflow.State)
	}
	if _, err := env.Engine.Execute(env.Ctx, engine.ActionRequest{Account: acct, Action: engine.ActionBorrow, Amount: amt(5)}); err != nil {
		t.Fatalf("borrow after release: %v", err)
	}
}

func TestRevertStopsChain(t *testing.T) {
	env := newTestEnv(t)
	env.Ledger.RevertWhen(func(c ledger.Call) string {
		if c.Method == ledger.MethodFinanceAsset {
			return "item frozen"
		}
		return ""
	})
	res, err := env.Engine.Execute(env.Ctx, engine.ActionRequest{Account: acct, Action: engine.ActionFinance, Amount: amt(100), Item: "inv-1"})
	var rev *engine.RevertedError
	if !errors.As(err, &rev) || rev.Reason != "item frozen" || rev.Method != ledger.MethodFinanceAsset {
		t.Fatalf("expected finance revert, got %v", err)
	}
	wf := res.Workflow
	if wf.Status != domain.StatusFailed || wf.CurrentIndex != 1 || wf.Reason != "item frozen" {
		t.Fatalf("unexpected workflow %+v", wf)
	}
	if wf.Operations[0].Status != domain.OpConfirmed || wf.Operations[1].Status != domain.OpReverted {
		t.Fatalf("unexpected operations %+v", wf.Operations)
	}
	view, err := env.Engine.Reconcile(env.Ctx, acct)
	if err != nil {
		t.Fatal(err)
	}
	if len(view.Overlay) != 0 || view.Authoritative(domain.FieldObligation).Sign() != 0 {
		t.Fatalf("revert must leave no trace, got %+v", view)
	}
	assertUnlocked(t, env, "item:inv-1")
}

func TestSubmissionRejectedFailsWithoutChaining(t *testing.T) {
	env := newTestEnv(t)
	env.Ledger.SetBalance(acct, "WETH", amt(10))
	env.Ledger.RejectNext(ledger.MethodAuthorize, "user declined")

	res, err := env.Engine.Execute(env.Ctx, engine.ActionRequest{Account: acct, Action: engine.ActionDeposit, Amount: amt(10), Asset: "WETH"})
	if !ledger.IsRejected(err) {
		t.Fatalf("expected rejection, got %v", err)
	}
	if res.Workflow.Status != domain.StatusFailed || res.Workflow.CurrentIndex != 0 {
		t.Fatalf("unexpected workflow %+v", res.Workflow)
	}
	if !strings.Contains(res.Workflow.Reason, "user declined") {
		t.Fatalf("reason lost: %q", res.Workflow.Reason)
	}
	if len(env.Ledger.Submissions()) != 0 {
		t.Fatalf("nothing should reach the ledger")
	}
	assertUnlocked(t, env, "pool")
}

func TestTimeoutBlocksRetryUntilReconciled(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Confirmation.Timeout = 30 * time.Millisecond
	env.Ledger.HoldWhen(func(c ledger.Call) bool { return c.Method == ledger.MethodBorrow })
	req := engine.ActionRequest{Account: acct, Action: engine.ActionBorrow, Amount: amt(100)}

	res, err := env.Engine.Execute(env.Ctx, req)
	if !errors.Is(err, engine.ErrTimedOut) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if res.Workflow.State != "awaiting_reconciliation" {
		t.Fatalf("expected awaiting reconciliation, got %s", res.Workflow.State)
	}
	op := res.Workflow.Operations[0]
	if op.Status != domain.OpTimedOut {
		t.Fatalf("expected timed_out operation, got %s", op.Status)
	}

	if _, err := env.Engine.Execute(env.Ctx, req); !errors.Is(err, engine.ErrAlreadyInFlight) {
		t.Fatalf("stale retry must be rejected, got %v", err)
	}
	if n := len(env.Ledger.Submissions()); n != 1 {
		t.Fatalf("expected one submission, got %d", n)
	}

	first, err := env.Engine.Reconcile(env.Ctx, acct)
	if err != nil {
		t.Fatal(err)
	}
	second, err := env.Engine.Reconcile(env.Ctx, acct)
	if err != nil {
		t.Fatal(err)
	}
	first.ReadAt, second.ReadAt = "", ""
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("reconcile not idempotent:\n%+v\n%+v", first, second)
	}
	if !reflect.DeepEqual(first.Unresolved, []string{op.ID}) {
		t.Fatalf("expected %s unresolved, got %v", op.ID, first.Unresolved)
	}
	if got := first.Effective(domain.FieldObligation); got.Sign() != 0 {
		t.Fatalf("timed-out delta must not count, got %s", got)
	}

	env.Ledger.HoldWhen(nil)
	if _, err := env.Ledger.Settle(ledger.Handle(op.Handle)); err != nil {
		t.Fatal(err)
	}
	view, err := env.Engine.Reconcile(env.Ctx, acct)
	if err != nil {
		t.Fatal(err)
	}
	if view.Blocked() || view.Authoritative(domain.FieldObligation) != amt(100) {
		t.Fatalf("expected obligation 100 and no blockers, got %+v", view)
	}
	wf, err := env.Engine.Repo.GetWorkflow(env.Ctx, res.Workflow.ID)
	if err != nil {
		t.Fatal(err)
	}
	if wf.Status != domain.StatusCompleted {
		t.Fatalf("expected reconciled completion, got %s", wf.State)
	}
	assertUnlocked(t, env, "pool")
	if _, err := env.Engine.Execute(env.Ctx, req); err != nil {
		t.Fatalf("retry after reconciliation: %v", err)
	}
}

func TestReconciledConfirmationParksUntilResume(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Confirmation.Timeout = 30 * time.Millisecond
	env.Ledger.SetBalance(acct, "WETH", amt(50))
	env.Ledger.HoldWhen(func(c ledger.Call) bool { return c.Method == ledger.MethodAuthorize })

	res, err := env.Engine.Execute(env.Ctx, engine.ActionRequest{Account: acct, Action: engine.ActionDeposit, Amount: amt(50), Asset: "WETH"})
	if !errors.Is(err, engine.ErrTimedOut) {
		t.Fatalf("expected timeout, got %v", err)
	}
	id := res.Workflow.ID
	if _, err := env.Engine.Resume(env.Ctx, id, acct); !errors.Is(err, engine.ErrAwaitingReconciliation) {
		t.Fatalf("resume while pending must block, got %v", err)
	}

	env.Ledger.HoldWhen(nil)
	if _, err := env.Ledger.Settle(handleOf(t, env.Ledger, ledger.MethodAuthorize)); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Reconcile(env.Ctx, acct); err != nil {
		t.Fatal(err)
	}
	wf, err := env.Engine.Repo.GetWorkflow(env.Ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if wf.State != "idle" || wf.CurrentIndex != 1 {
		t.Fatalf("expected parked at step 1, got %s/%d", wf.State, wf.CurrentIndex)
	}
	if n := len(env.Ledger.Submissions()); n != 1 {
		t.Fatalf("reconciliation must not chain, got %d submissions", n)
	}

	env.Engine.Config.Confirmation.Timeout = 5 * time.Second
	res, err = env.Engine.Resume(env.Ctx, id, acct)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if res.Workflow.Status != domain.StatusCompleted {
		t.Fatalf("expected completed after resume, got %s", res.Workflow.State)
	}
	if _, err := env.Engine.Resume(env.Ctx, id, acct); err != nil {
		t.Fatalf("resume of completed workflow is a no-op, got %v", err)
	}
}

func TestReconciledRevertFailsWorkflow(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Confirmation.Timeout = 30 * time.Millisecond
	env.Ledger.HoldWhen(func(c ledger.Call) bool { return true })

	res, err := env.Engine.Execute(env.Ctx, engine.ActionRequest{Account: acct, Action: engine.ActionBorrow, Amount: amt(7)})
	if !errors.Is(err, engine.ErrTimedOut) {
		t.Fatalf("expected timeout, got %v", err)
	}
	env.Ledger.HoldWhen(nil)
	env.Ledger.RevertWhen(func(ledger.Call) string { return "pool paused" })
	if _, err := env.Ledger.Settle(ledger.Handle(res.Workflow.Operations[0].Handle)); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Reconcile(env.Ctx, acct); err != nil {
		t.Fatal(err)
	}
	wf, err := env.Engine.Repo.GetWorkflow(env.Ctx, res.Workflow.ID)
	if err != nil {
		t.Fatal(err)
	}
	if wf.Status != domain.StatusFailed || wf.Reason != "pool paused" {
		t.Fatalf("expected failed with ledger reason, got %s %q", wf.State, wf.Reason)
	}
	assertUnlocked(t, env, "pool")
}

func TestFullRepayReleasesItemsInOrder(t *testing.T) {
	env := newTestEnv(t)
	env.Ledger.SetObligation(acct, amt(500))
	env.Ledger.SetBalance(acct, "USDC", amt(500))
	env.Ledger.SetAllowance(acct, "0xpool", "USDC", amt(500))
	env.Ledger.SetLockedItems(acct, []string{"item-1", "item-2", "item-3"})
	env.Ledger.RevertWhen(func(c ledger.Call) string {
		if c.Method == ledger.MethodReleaseLockedItem && c.Arg("item") == "item-2" {
			return "item frozen"
		}
		return ""
	})

	res, err := env.Engine.Execute(env.Ctx, engine.ActionRequest{Account: acct, Action: engine.ActionRepay, Amount: amt(500)})
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if res.Workflow.Status != domain.StatusCompleted {
		t.Fatalf("repay not completed: %s", res.Workflow.State)
	}
	if res.Release == nil {
		t.Fatalf("expected release batch")
	}
	job := *res.Release
	if job.Status != domain.StatusFailed || job.CurrentIndex != 1 || job.TriggeredBy != res.Workflow.ID {
		t.Fatalf("unexpected batch %+v", job)
	}
	if !strings.Contains(res.ReleaseError, "item-2") {
		t.Fatalf("release error should name the halting item: %q", res.ReleaseError)
	}
	var released []string
	for _, c := range env.Ledger.Submissions() {
		if c.Method == ledger.MethodReleaseLockedItem {
			released = append(released, c.Arg("item"))
		}
	}
	if !reflect.DeepEqual(released, []string{"item-1", "item-2"}) {
		t.Fatalf("expected in-order release halting at item-2, got %v", released)
	}
	locked, _ := env.Ledger.LockedItems(env.Ctx, acct)
	if !reflect.DeepEqual(locked, []string{"item-2", "item-3"}) {
		t.Fatalf("unexpected locked items %v", locked)
	}
	assertUnlocked(t, env, "pool")

	env.Ledger.RevertWhen(nil)
	job, err = env.Engine.ResumeBatch(env.Ctx, job.ID, acct)
	if err != nil {
		t.Fatalf("resume batch: %v", err)
	}
	if job.Status != domain.StatusCompleted || job.Resumes != 1 {
		t.Fatalf("expected completed after one resume, got %+v", job)
	}
	if !reflect.DeepEqual(job.Items, []string{"item-1", "item-2", "item-3"}) {
		t.Fatalf("unexpected items %v", job.Items)
	}
	locked, _ = env.Ledger.LockedItems(env.Ctx, acct)
	if len(locked) != 0 {
		t.Fatalf("expected nothing locked, got %v", locked)
	}
}

func TestPartialBatchError(t *testing.T) {
	env := newTestEnv(t)
	env.Ledger.SetLockedItems(acct, []string{"a", "b"})
	job, err := env.Engine.CreateBatch(env.Ctx, engine.BatchSpec{Account: acct, Items: []string{"a", "missing", "b", "a"}, ActorID: acct})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(job.Items, []string{"a", "missing", "b"}) {
		t.Fatalf("items should be deduplicated in order: %v", job.Items)
	}
	job, err = env.Engine.RunBatch(env.Ctx, job.ID)
	var partial *engine.PartialBatchError
	if !errors.As(err, &partial) {
		t.Fatalf("expected partial batch error, got %v", err)
	}
	var rev *engine.RevertedError
	if partial.Index != 1 || partial.Item != "missing" || !errors.As(err, &rev) || rev.Reason != "item not locked" {
		t.Fatalf("unexpected halt %+v", partial)
	}
	if len(job.Remaining()) != 2 {
		t.Fatalf("expected two remaining items, got %v", job.Remaining())
	}
}

func TestAbandon(t *testing.T) {
	t.Run("idle workflow fails and frees target", func(t *testing.T) {
		env := newTestEnv(t)
		wf, err := env.Engine.CreateWorkflow(env.Ctx, engine.WorkflowSpec{
			Account: acct,
			Action:  engine.ActionBorrow,
			Scope:   "pool",
			Steps:   []domain.StepSpec{{Kind: domain.KindAct, Method: ledger.MethodBorrow}},
		})
		if err != nil {
			t.Fatal(err)
		}
		wf, err = env.Engine.Abandon(env.Ctx, wf.ID, acct)
		if err != nil {
			t.Fatal(err)
		}
		if wf.Status != domain.StatusFailed || wf.Reason != "abandoned" || !wf.Abandoned {
			t.Fatalf("unexpected workflow %+v", wf)
		}
		assertUnlocked(t, env, "pool")
	})

	t.Run("in-flight workflow keeps target", func(t *testing.T) {
		env := newTestEnv(t)
		env.Ledger.HoldWhen(func(c ledger.Call) bool { return c.Method == ledger.MethodBorrow })
		done := make(chan error, 1)
		go func() {
			_, err := env.Engine.Execute(env.Ctx, engine.ActionRequest{Account: acct, Action: engine.ActionBorrow, Amount: amt(3)})
			done <- err
		}()
		waitFor(t, "borrow confirming", workflowIn(env, "step_confirming"))
		wf, err := env.Engine.Abandon(env.Ctx, onlyWorkflow(t, env).ID, acct)
		if err != nil {
			t.Fatal(err)
		}
		if err := <-done; !errors.Is(err, engine.ErrAwaitingReconciliation) {
			t.Fatalf("driver should stop awaiting reconciliation, got %v", err)
		}
		if wf.State != "awaiting_reconciliation" || !wf.Abandoned {
			t.Fatalf("unexpected workflow %+v", wf)
		}
		if _, err := env.Engine.Repo.GetTargetLock(env.Ctx, engine.TargetKey(acct, "pool")); err != nil {
			t.Fatalf("target must stay locked: %v", err)
		}
	})

	t.Run("submitting workflow is refused and its submission lands", func(t *testing.T) {
		env := newTestEnv(t)
		gl := gate(env.Ledger, ledger.MethodBorrow)
		env.Engine.Ledger = gl
		done := make(chan error, 1)
		go func() {
			_, err := env.Engine.Execute(env.Ctx, engine.ActionRequest{Account: acct, Action: engine.ActionBorrow, Amount: amt(3)})
			done <- err
		}()
		select {
		case <-gl.entered:
		case <-time.After(5 * time.Second):
			t.Fatal("borrow never reached the ledger")
		}
		wf := onlyWorkflow(t, env)
		if wf.State != "step_submitting" {
			t.Fatalf("expected step_submitting, got %s", wf.State)
		}

		_, err := env.Engine.Abandon(env.Ctx, wf.ID, acct)
		var te *flow.TransitionError
		if !errors.As(err, &te) || te.From != flow.StepSubmitting {
			t.Fatalf("expected transition error from step_submitting, got %v", err)
		}
		if _, err := env.Engine.Repo.GetTargetLock(env.Ctx, engine.TargetKey(acct, "pool")); err != nil {
			t.Fatalf("target must stay locked while submitting: %v", err)
		}
		if _, err := env.Engine.Execute(env.Ctx, engine.ActionRequest{Account: acct, Action: engine.ActionBorrow, Amount: amt(3)}); !errors.Is(err, engine.ErrAlreadyInFlight) {
			t.Fatalf("retry during submission must be rejected, got %v", err)
		}

		close(gl.gate)
		if err := <-done; err != nil {
			t.Fatalf("borrow: %v", err)
		}
		wf, err = env.Engine.Repo.GetWorkflow(env.Ctx, wf.ID)
		if err != nil {
			t.Fatal(err)
		}
		if wf.Status != domain.StatusCompleted || wf.Abandoned {
			t.Fatalf("expected completed, got %s abandoned=%v", wf.State, wf.Abandoned)
		}
		if n := len(env.Ledger.Submissions()); n != 1 {
			t.Fatalf("expected one submission, got %d", n)
		}
	})
}

func TestSubmissionUnavailableFreesTarget(t *testing.T) {
	env := newTestEnv(t)
	req := engine.ActionRequest{Account: acct, Action: engine.ActionBorrow, Amount: amt(10)}
	wf, err := env.Engine.Prepare(env.Ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	env.Ledger.SetUnavailable(true)
	res, err := env.Engine.RunWorkflow(env.Ctx, wf.ID)
	if !ledger.IsUnavailable(err) {
		t.Fatalf("expected ledger unavailable, got %v", err)
	}
	if res.Workflow.Status != domain.StatusFailed || res.Workflow.CurrentIndex != 0 {
		t.Fatalf("unexpected workflow %+v", res.Workflow)
	}
	if n := len(env.Ledger.Submissions()); n != 0 {
		t.Fatalf("nothing should reach the ledger, got %d", n)
	}
	assertUnlocked(t, env, "pool")

	env.Ledger.SetUnavailable(false)
	res, err = env.Engine.Execute(env.Ctx, req)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if res.Workflow.Status != domain.StatusCompleted {
		t.Fatalf("retry not completed: %s", res.Workflow.State)
	}
	if n := len(env.Ledger.Submissions()); n != 1 {
		t.Fatalf("expected one submission, got %d", n)
	}
}

func TestUnknownHandleAfterTimeoutIsReverted(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Confirmation.Timeout = 30 * time.Millisecond
	fl := &forgetfulLedger{Memory: env.Ledger}
	env.Engine.Ledger = fl
	env.Ledger.HoldWhen(func(c ledger.Call) bool { return c.Method == ledger.MethodBorrow })
	req := engine.ActionRequest{Account: acct, Action: engine.ActionBorrow, Amount: amt(10)}

	res, err := env.Engine.Execute(env.Ctx, req)
	if !errors.Is(err, engine.ErrTimedOut) {
		t.Fatalf("expected timeout, got %v", err)
	}
	fl.forget.Store(true)
	view, err := env.Engine.Reconcile(env.Ctx, acct)
	if err != nil {
		t.Fatal(err)
	}
	if view.Blocked() || len(view.Overlay) != 0 {
		t.Fatalf("dropped operation must leave nothing behind: %+v", view)
	}
	wf, err := env.Engine.Repo.GetWorkflow(env.Ctx, res.Workflow.ID)
	if err != nil {
		t.Fatal(err)
	}
	if wf.Status != domain.StatusFailed || wf.Reason != "not found on ledger" {
		t.Fatalf("expected failed as not found, got %s %q", wf.State, wf.Reason)
	}
	if wf.Operations[0].Status != domain.OpReverted {
		t.Fatalf("expected reverted operation, got %s", wf.Operations[0].Status)
	}
	assertUnlocked(t, env, "pool")
	again, err := env.Engine.Reconcile(env.Ctx, acct)
	if err != nil {
		t.Fatal(err)
	}
	view.ReadAt, again.ReadAt = "", ""
	if !reflect.DeepEqual(view, again) {
		t.Fatalf("reconcile not idempotent:\n%+v\n%+v", view, again)
	}
}

func TestLeasedOwnerIsLeftToItsDriver(t *testing.T) {
	env := newTestEnv(t)
	env.Ledger.HoldWhen(func(c ledger.Call) bool { return c.Method == ledger.MethodBorrow })

	fl := &forgetfulLedger{Memory: env.Ledger}
	fl.forget.Store(true)
	other := engine.New(env.Engine.DB, env.Engine.Config, fl)
	other.Now = env.Engine.Now
	other.Log = env.Engine.Log

	done := make(chan error, 1)
	go func() {
		_, err := env.Engine.Execute(env.Ctx, engine.ActionRequest{Account: acct, Action: engine.ActionBorrow, Amount: amt(4)})
		done <- err
	}()
	waitFor(t, "borrow confirming", workflowIn(env, "step_confirming"))
	wf := onlyWorkflow(t, env)

	lock, err := env.Engine.Repo.GetTargetLock(env.Ctx, wf.TargetKey)
	if err != nil || lock.OwnerID != wf.ID || lock.LeaseHolder == "" || lock.LeaseExpiresAt == nil {
		t.Fatalf("expected a leased lock for %s, got %+v, %v", wf.ID, lock, err)
	}

	if _, err := other.Reconcile(env.Ctx, acct); err != nil {
		t.Fatalf("reconcile from second engine: %v", err)
	}
	got, err := env.Engine.Repo.GetWorkflow(env.Ctx, wf.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.State != "step_confirming" {
		t.Fatalf("live workflow must be left alone, got %s %q", got.State, got.Reason)
	}
	if _, err := other.Execute(env.Ctx, engine.ActionRequest{Account: acct, Action: engine.ActionBorrow, Amount: amt(4)}); !errors.Is(err, engine.ErrAlreadyInFlight) {
		t.Fatalf("second engine must see the target in flight, got %v", err)
	}
	if n := len(env.Ledger.Submissions()); n != 1 {
		t.Fatalf("expected one submission, got %d", n)
	}

	if _, err := env.Ledger.Settle(handleOf(t, env.Ledger, ledger.MethodBorrow)); err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if got, _ = env.Engine.Repo.GetWorkflow(env.Ctx, wf.ID); got.Status != domain.StatusCompleted {
		t.Fatalf("expected completed, got %s", got.State)
	}
}

func TestExpiredLeaseIsReconciled(t *testing.T) {
	tests := []struct {
		name      string
		expiresAt string
		wantState string
	}{
		{name: "expired lease", expiresAt: "2023-12-31T23:00:00Z", wantState: "failed"},
		{name: "unexpired lease", expiresAt: "2024-01-01T01:00:00Z", wantState: "step_confirming"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			wf, err := env.Engine.CreateWorkflow(env.Ctx, engine.WorkflowSpec{
				Account: acct,
				Action:  engine.ActionBorrow,
				Scope:   "pool",
				Steps:   []domain.StepSpec{{Kind: domain.KindAct, Method: ledger.MethodBorrow, Args: map[string]string{"amount": "1"}}},
			})
			if err != nil {
				t.Fatal(err)
			}
			tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
			if err != nil {
				t.Fatal(err)
			}
			op := domain.Operation{ID: "op-1", OwnerKind: domain.OwnerWorkflow, OwnerID: wf.ID, Account: acct, TargetKey: wf.TargetKey,
				Kind: domain.KindAct, Method: ledger.MethodBorrow, Status: domain.OpSubmitted, Handle: "0xdead", CreatedAt: wf.CreatedAt}
			if err := env.Engine.Repo.InsertOperation(env.Ctx, tx, op); err != nil {
				t.Fatal(err)
			}
			wf.State, wf.Status = "step_confirming", domain.StatusRunning
			if err := env.Engine.Repo.UpdateWorkflow(env.Ctx, tx, wf, repo.Expect{State: "idle"}); err != nil {
				t.Fatal(err)
			}
			if _, err := env.Engine.Repo.RenewTargetLease(env.Ctx, tx, wf.TargetKey, wf.ID, "elsewhere", tt.expiresAt); err != nil {
				t.Fatal(err)
			}
			if err := tx.Commit(); err != nil {
				t.Fatal(err)
			}

			if _, err := env.Engine.Reconcile(env.Ctx, acct); err != nil {
				t.Fatal(err)
			}
			got, err := env.Engine.Repo.GetWorkflow(env.Ctx, wf.ID)
			if err != nil {
				t.Fatal(err)
			}
			if got.State != tt.wantState {
				t.Fatalf("expected %s, got %s %q", tt.wantState, got.State, got.Reason)
			}
			_, lockErr := env.Engine.Repo.GetTargetLock(env.Ctx, wf.TargetKey)
			if released := errors.Is(lockErr, repo.ErrNotFound); released != (tt.wantState == "failed") {
				t.Fatalf("lock released = %v for %s", released, tt.wantState)
			}
		})
	}
}

func TestResumeBatchRequiresZeroObligation(t *testing.T) {
	env := newTestEnv(t)
	env.Ledger.SetLockedItems(acct, []string{"a", "b"})
	env.Ledger.RevertWhen(func(c ledger.Call) string {
		if c.Arg("item") == "a" {
			return "item frozen"
		}
		return ""
	})
	job, err := env.Engine.CreateBatch(env.Ctx, engine.BatchSpec{Account: acct, Items: []string{"a", "b"}, ActorID: acct})
	if err != nil {
		t.Fatal(err)
	}
	job, err = env.Engine.RunBatch(env.Ctx, job.ID)
	var partial *engine.PartialBatchError
	if !errors.As(err, &partial) || job.Status != domain.StatusFailed {
		t.Fatalf("expected halted batch, got %v %s", err, job.State)
	}

	env.Ledger.RevertWhen(nil)
	env.Ledger.SetObligation(acct, amt(25))
	_, err = env.Engine.ResumeBatch(env.Ctx, job.ID, acct)
	var verr *engine.ValidationError
	if !errors.As(err, &verr) || verr.Field != "account" || !strings.Contains(verr.Message, "obligation outstanding") {
		t.Fatalf("expected outstanding obligation error, got %v", err)
	}
	var released int
	for _, c := range env.Ledger.Submissions() {
		if c.Method == ledger.MethodReleaseLockedItem {
			released++
		}
	}
	if released != 1 {
		t.Fatalf("resume must not release anything while owing, got %d releases", released)
	}

	env.Ledger.SetObligation(acct, amt(0))
	job, err = env.Engine.ResumeBatch(env.Ctx, job.ID, acct)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if job.Status != domain.StatusCompleted {
		t.Fatalf("expected completed, got %s", job.State)
	}
}

func TestReconciledRepayTriggersRelease(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Confirmation.Timeout = 30 * time.Millisecond
	env.Ledger.SetObligation(acct, amt(200))
	env.Ledger.SetBalance(acct, "USDC", amt(200))
	env.Ledger.SetAllowance(acct, "0xpool", "USDC", amt(200))
	env.Ledger.SetLockedItems(acct, []string{"item-1", "item-2"})
	env.Ledger.HoldWhen(func(c ledger.Call) bool { return c.Method == ledger.MethodRepay })

	res, err := env.Engine.Execute(env.Ctx, engine.ActionRequest{Account: acct, Action: engine.ActionRepay, Amount: amt(200)})
	if !errors.Is(err, engine.ErrTimedOut) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if res.Release != nil {
		t.Fatalf("nothing is released before the repay lands")
	}

	env.Ledger.HoldWhen(nil)
	if _, err := env.Ledger.Settle(handleOf(t, env.Ledger, ledger.MethodRepay)); err != nil {
		t.Fatal(err)
	}
	view, err := env.Engine.Reconcile(env.Ctx, acct)
	if err != nil {
		t.Fatal(err)
	}
	if len(view.LockedItems) != 0 || view.Authoritative(domain.FieldObligation).Sign() != 0 {
		t.Fatalf("expected everything released, got %+v", view)
	}
	jobs, err := env.Engine.Repo.ListBatches(env.Ctx, repo.BatchFilters{Account: acct})
	if err != nil || len(jobs) != 1 {
		t.Fatalf("expected one release batch, got %d, %v", len(jobs), err)
	}
	if jobs[0].TriggeredBy != res.Workflow.ID || jobs[0].Status != domain.StatusCompleted {
		t.Fatalf("unexpected batch %+v", jobs[0])
	}
}

func TestInterruptedSubmissionIsFailedByReconcile(t *testing.T) {
	env := newTestEnv(t)
	wf, err := env.Engine.CreateWorkflow(env.Ctx, engine.WorkflowSpec{
		Account: acct,
		Action:  engine.ActionBorrow,
		Scope:   "pool",
		Steps:   []domain.StepSpec{{Kind: domain.KindAct, Method: ledger.MethodBorrow, Args: map[string]string{"amount": "1"}}},
	})
	if err != nil {
		t.Fatal(err)
	}
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	op := domain.Operation{ID: "op-1", OwnerKind: domain.OwnerWorkflow, OwnerID: wf.ID, Account: acct, TargetKey: wf.TargetKey,
		Kind: domain.KindAct, Method: ledger.MethodBorrow, Status: domain.OpUnsubmitted, CreatedAt: wf.CreatedAt}
	if err := env.Engine.Repo.InsertOperation(env.Ctx, tx, op); err != nil {
		t.Fatal(err)
	}
	wf.State, wf.Status = "step_submitting", domain.StatusRunning
	if err := env.Engine.Repo.UpdateWorkflow(env.Ctx, tx, wf, repo.Expect{State: "idle"}); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	if _, err := env.Engine.Reconcile(env.Ctx, acct); err != nil {
		t.Fatal(err)
	}
	wf, err = env.Engine.Repo.GetWorkflow(env.Ctx, wf.ID)
	if err != nil {
		t.Fatal(err)
	}
	if wf.Status != domain.StatusFailed || !strings.Contains(wf.Reason, "interrupted") {
		t.Fatalf("unexpected workflow %s %q", wf.State, wf.Reason)
	}
	assertUnlocked(t, env, "pool")
}

func TestEventsRecordLifecycle(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.Execute(env.Ctx, engine.ActionRequest{Account: acct, Action: engine.ActionBorrow, Amount: amt(1)}); err != nil {
		t.Fatal(err)
	}
	evs, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilters{Account: acct, Limit: 20})
	if err != nil {
		t.Fatal(err)
	}
	seen := map[string]bool{}
	for _, e := range evs {
		seen[e.Type] = true
	}
	for _, want := range []string{"workflow.started", "operation.submitted", "operation.confirmed", "workflow.completed"} {
		if !seen[want] {
			t.Fatalf("missing %s in %v", want, seen)
		}
	}
}
