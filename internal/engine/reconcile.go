package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"ledgerflow/internal/domain"
	"ledgerflow/internal/events"
	"ledgerflow/internal/flow"
	"ledgerflow/internal/ledger"
	"ledgerflow/internal/repo"
)

const (
	interruptedReason = "interrupted before submission was recorded"
	notFoundReason    = "not found on ledger"
)

// Reconcile settles every unresolved operation of an account against the
// ledger, drops overlay entries that no longer belong to a submitted
// operation and returns the account's authoritative view. Operations whose
// owner is still being driven, here or under another process's unexpired
// lease, are left alone. Running it twice in a row changes nothing the
// second time. A repayment it completes may start the auto-release batch.
func (e Engine) Reconcile(ctx context.Context, account string) (domain.ReconciledView, error) {
	if strings.TrimSpace(account) == "" {
		return domain.ReconciledView{}, invalid("account", "required")
	}
	ops, err := e.Repo.ListUnresolvedOperations(ctx, account)
	if err != nil {
		return domain.ReconciledView{}, err
	}
	resolved := 0
	var repays []string
	for _, op := range ops {
		if op.Handle == "" || e.live.watched(op.ID) {
			continue
		}
		live, err := e.ownerLive(ctx, op.TargetKey, op.OwnerID)
		if err != nil {
			return domain.ReconciledView{}, err
		}
		if live {
			continue
		}
		rcpt, err := e.Ledger.Status(ctx, ledger.Handle(op.Handle))
		if err != nil {
			e.Metrics.Reconciliation("unavailable")
			return domain.ReconciledView{}, fmt.Errorf("reconcile operation %s: %w", op.ID, err)
		}
		changed, err := e.resolve(ctx, op, rcpt)
		if err != nil {
			e.Metrics.Reconciliation("error")
			return domain.ReconciledView{}, err
		}
		if !changed {
			continue
		}
		resolved++
		if id, ok := e.completedRepay(ctx, op); ok {
			repays = append(repays, id)
		}
	}
	if err := e.recoverInterrupted(ctx, account); err != nil {
		e.Metrics.Reconciliation("error")
		return domain.ReconciledView{}, err
	}

	var dropped int64
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		dropped, err = e.Repo.DiscardStaleOverlay(ctx, tx, account)
		return err
	})
	if err != nil {
		return domain.ReconciledView{}, err
	}
	view, err := e.readView(ctx, account)
	if err != nil {
		e.Metrics.Reconciliation("unavailable")
		return view, err
	}
	e.Metrics.Reconciliation("ok")
	if resolved > 0 || dropped > 0 {
		e.log().Info("reconciled", "account", account, "resolved", resolved, "overlay_dropped", dropped)
		payload := events.EventPayload{"resolved": resolved, "overlay_dropped": dropped, "unresolved": len(view.Unresolved)}
		entry := events.Entry{Type: events.ReconcileResolved, Account: account, EntityKind: "account", EntityID: account}
		if err := e.appendEvent(ctx, entry, payload); err != nil {
			return view, err
		}
	}
	for _, id := range repays {
		job, err := e.MaybeTriggerRelease(ctx, account, id)
		if err != nil {
			e.log().Warn("release batch did not finish", "workflow_id", id, "err", err)
		}
		if job == nil {
			continue
		}
		if view, err = e.readView(ctx, account); err != nil {
			return view, err
		}
	}
	return view, nil
}

// completedRepay reports the workflow op belongs to when resolving op just
// completed a repayment.
func (e Engine) completedRepay(ctx context.Context, op domain.Operation) (string, bool) {
	if op.OwnerKind != domain.OwnerWorkflow {
		return "", false
	}
	wf, err := e.Repo.GetWorkflow(ctx, op.OwnerID)
	if err != nil {
		return "", false
	}
	return wf.ID, wf.Action == ActionRepay && flow.State(wf.State) == flow.Completed
}

// ReconcileAll reconciles every account with unresolved operations.
func (e Engine) ReconcileAll(ctx context.Context) ([]domain.ReconciledView, error) {
	accounts, err := e.Repo.ListAccountsWithUnresolved(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]domain.ReconciledView, 0, len(accounts))
	for _, account := range accounts {
		v, err := e.Reconcile(ctx, account)
		if err != nil {
			return views, fmt.Errorf("account %s: %w", account, err)
		}
		views = append(views, v)
	}
	return views, nil
}

// resolve applies one ledger receipt to the operation's owner. It reports
// whether anything changed.
func (e Engine) resolve(ctx context.Context, op domain.Operation, rcpt ledger.Receipt) (bool, error) {
	r, err := e.loadRun(ctx, op.OwnerKind, op.OwnerID)
	if err != nil {
		return false, err
	}
	state := r.machine().State
	var ev flow.Event
	switch rcpt.Status {
	case ledger.TxConfirmed:
		ev = flow.Event{Type: flow.ReconciledConfirmed}
	case ledger.TxReverted:
		ev = flow.Event{Type: flow.ReconciledReverted, Reason: rcpt.Reason}
	case ledger.TxUnknown:
		// Nothing in this process is waiting for the handle to appear.
		if op.Status == domain.OpTimedOut || state == flow.StepConfirming {
			ev = flow.Event{Type: flow.ReconciledReverted, Reason: notFoundReason}
		} else {
			ev = flow.Event{Type: flow.ReconciledPending}
		}
	default:
		ev = flow.Event{Type: flow.ReconciledPending}
	}

	var evs []flow.Event
	switch state {
	case flow.StepConfirming:
		// The driver that submitted op is gone.
		evs = append(evs, flow.Event{Type: flow.Abandon})
	case flow.AwaitingReconciliation:
	default:
		if ev.Type == flow.ReconciledPending {
			return false, nil
		}
		return true, e.settleDetached(ctx, op, ev)
	}
	if ev.Type != flow.ReconciledPending {
		evs = append(evs, ev)
	}
	if len(evs) == 0 {
		return false, nil
	}
	current := op
	for _, ev := range evs {
		if _, err := e.drive(ctx, r, &current, ev); err != nil {
			if errors.Is(err, ErrAlreadyInFlight) || errors.Is(err, repo.ErrStale) {
				return false, nil
			}
			return false, fmt.Errorf("resolve operation %s: %w", op.ID, err)
		}
	}
	e.log().Info("operation resolved", "operation_id", op.ID, r.kind()+"_id", r.id(), "ledger_status", rcpt.Status, "state", r.machine().State)
	return true, nil
}

// settleDetached records an outcome for an operation whose owner no longer
// waits on it.
func (e Engine) settleDetached(ctx context.Context, op domain.Operation, ev flow.Event) error {
	ts := e.stamp()
	typ := events.OperationConfirmed
	op.Status = domain.OpConfirmed
	if ev.Type == flow.ReconciledReverted {
		typ = events.OperationReverted
		op.Status = domain.OpReverted
		op.Reason = ev.Reason
	}
	op.ResolvedAt = &ts
	return e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.UpdateOperation(ctx, tx, op); err != nil {
			return err
		}
		if err := e.Repo.ClearOverlay(ctx, tx, op.ID); err != nil {
			return err
		}
		entry := events.Entry{Type: typ, Account: op.Account, EntityKind: op.OwnerKind, EntityID: op.OwnerID}
		payload := events.EventPayload{"operation_id": op.ID, "index": op.StepIndex, "method": op.Method, "handle": op.Handle, "reconciled": true, "detached": true}
		if op.Reason != "" {
			payload["reason"] = op.Reason
		}
		return e.emit(ctx, tx, entry, payload)
	})
}

// recoverInterrupted fails owners that stopped between recording a step as
// submitting and recording its handle. With no handle there is nothing to
// ask the ledger about.
func (e Engine) recoverInterrupted(ctx context.Context, account string) error {
	state := string(flow.StepSubmitting)
	wfIDs, err := e.Repo.ListWorkflowIDsInState(ctx, account, state)
	if err != nil {
		return err
	}
	batchIDs, err := e.Repo.ListBatchIDsInState(ctx, account, state)
	if err != nil {
		return err
	}
	fail := func(kind string, ids []string) error {
		for _, id := range ids {
			r, err := e.loadRun(ctx, kind, id)
			if err != nil {
				return err
			}
			live, err := e.ownerLive(ctx, r.target(), id)
			if err != nil {
				return err
			}
			if live {
				continue
			}
			op := currentOperation(r.operations(), r.machine().Index)
			if op == nil || op.Status != domain.OpUnsubmitted {
				continue
			}
			ev := flow.Event{Type: flow.SubmissionFailed, Reason: interruptedReason}
			_, err = e.drive(ctx, r, op, ev)
			if errors.Is(err, ErrAlreadyInFlight) || errors.Is(err, repo.ErrStale) {
				continue
			}
			if err != nil {
				return fmt.Errorf("recover %s %s: %w", kind, id, err)
			}
			e.log().Warn("recovered interrupted submission", kind+"_id", id, "operation_id", op.ID)
		}
		return nil
	}
	if err := fail(domain.OwnerWorkflow, wfIDs); err != nil {
		return err
	}
	return fail(domain.OwnerBatch, batchIDs)
}

type loadedRun interface {
	run
	operations() []domain.Operation
}

func (w workflowRun) operations() []domain.Operation { return w.wf.Operations }
func (b batchRun) operations() []domain.Operation    { return b.job.Operations }

func (e Engine) loadRun(ctx context.Context, kind, id string) (loadedRun, error) {
	switch kind {
	case domain.OwnerWorkflow:
		wf, err := e.Repo.GetWorkflow(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load workflow %s: %w", id, err)
		}
		return workflowRun{wf: &wf}, nil
	case domain.OwnerBatch:
		job, err := e.Repo.GetBatch(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load batch %s: %w", id, err)
		}
		return batchRun{job: &job}, nil
	}
	return nil, fmt.Errorf("unknown owner kind %q", kind)
}

// readView reads authoritative values from the ledger and the overlay of
// still-submitted operations.
func (e Engine) readView(ctx context.Context, account string) (domain.ReconciledView, error) {
	view := domain.ReconciledView{Account: account, Fields: map[string]domain.Amount{}, Overlay: map[string]domain.Amount{}}
	cfg, err := e.config()
	if err != nil {
		return view, err
	}
	obligation, err := e.Ledger.OutstandingObligation(ctx, account)
	if err != nil {
		return view, fmt.Errorf("read obligation: %w", err)
	}
	items, err := e.Ledger.LockedItems(ctx, account)
	if err != nil {
		return view, fmt.Errorf("read locked items: %w", err)
	}
	if items == nil {
		items = []string{}
	}
	view.Fields[domain.FieldObligation] = obligation
	view.Fields[domain.FieldLockedCount] = domain.AmountFromInt64(int64(len(items)))
	view.LockedItems = items

	overlay, err := e.Repo.ListOverlay(ctx, nil, account)
	if err != nil {
		return view, err
	}
	assets := append([]string{}, cfg.Account.Assets...)
	assets = append(assets, cfg.Ledger.DebtAsset)
	for _, entry := range overlay {
		view.Overlay[entry.Field] = view.Overlay[entry.Field].Add(entry.Delta)
		if asset, ok := strings.CutPrefix(entry.Field, "balance:"); ok {
			assets = append(assets, asset)
		}
	}
	for _, asset := range assets {
		field := domain.BalanceField(asset)
		if _, done := view.Fields[field]; done || asset == "" {
			continue
		}
		bal, err := e.Ledger.Balance(ctx, account, asset)
		if err != nil {
			return view, fmt.Errorf("read %s balance: %w", asset, err)
		}
		view.Fields[field] = bal
	}

	ops, err := e.Repo.ListUnresolvedOperations(ctx, account)
	if err != nil {
		return view, err
	}
	for _, op := range ops {
		switch op.Status {
		case domain.OpSubmitted:
			view.InFlight = append(view.InFlight, op.ID)
		case domain.OpTimedOut:
			view.Unresolved = append(view.Unresolved, op.ID)
		}
	}
	sort.Strings(view.InFlight)
	sort.Strings(view.Unresolved)
	view.ReadAt = e.stamp()
	return view, nil
}
