package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"ledgerflow/internal/domain"
	"ledgerflow/internal/events"
	"ledgerflow/internal/flow"
	"ledgerflow/internal/repo"
)

type workflowRun struct{ wf *domain.Workflow }

func (w workflowRun) kind() string    { return domain.OwnerWorkflow }
func (w workflowRun) id() string      { return w.wf.ID }
func (w workflowRun) account() string { return w.wf.Account }
func (w workflowRun) target() string  { return w.wf.TargetKey }
func (w workflowRun) actor() string   { return w.wf.ActorID }
func (w workflowRun) reason() string  { return w.wf.Reason }

func (w workflowRun) label(i int) string {
	if i < 0 || i >= len(w.wf.Steps) {
		return ""
	}
	return w.wf.Steps[i].Method
}

func (w workflowRun) machine() flow.Machine {
	state := flow.State(w.wf.State)
	return flow.Machine{State: state, Index: w.wf.CurrentIndex, Length: len(w.wf.Steps), InFlight: state == flow.StepConfirming}
}

func (w workflowRun) step(i int) (domain.StepSpec, error) {
	if i < 0 || i >= len(w.wf.Steps) {
		return domain.StepSpec{}, fmt.Errorf("workflow %s has no step %d", w.wf.ID, i)
	}
	return w.wf.Steps[i], nil
}

func (w workflowRun) setMachine(m flow.Machine, ts string) {
	w.wf.State = string(m.State)
	w.wf.CurrentIndex = m.Index
	w.wf.Status = m.State.Status()
	w.wf.UpdatedAt = ts
}

func (w workflowRun) setReason(reason string) { w.wf.Reason = reason }

func (w workflowRun) markCompleted(ts string) {
	w.wf.CompletedAt = &ts
	w.wf.Reason = ""
}

func (w workflowRun) save(ctx context.Context, r repo.Repo, tx *sql.Tx, from flow.Machine) error {
	return r.UpdateWorkflow(ctx, tx, *w.wf, expect(from))
}

func (w workflowRun) lifecycle() lifecycleEvents {
	return lifecycleEvents{
		completed: events.WorkflowCompleted,
		failed:    events.WorkflowFailed,
		awaiting:  events.WorkflowAwaiting,
		abandoned: events.WorkflowAbandoned,
	}
}

// WorkflowSpec describes a workflow to create.
type WorkflowSpec struct {
	Account string
	Action  string
	Scope   string
	Steps   []domain.StepSpec
	ActorID string
}

// ActionResult is the outcome of running a workflow, including the release
// batch a completed repayment may have triggered.
type ActionResult struct {
	Workflow     domain.Workflow  `json:"workflow"`
	Release      *domain.BatchJob `json:"release,omitempty"`
	ReleaseError string           `json:"release_error,omitempty"`
}

// CreateWorkflow persists a workflow in Idle and takes its target lock. A
// target already locked by other work yields ErrAlreadyInFlight.
func (e Engine) CreateWorkflow(ctx context.Context, spec WorkflowSpec) (domain.Workflow, error) {
	if len(spec.Steps) == 0 {
		return domain.Workflow{}, invalid("steps", "at least one step required")
	}
	if spec.ActorID == "" {
		spec.ActorID = spec.Account
	}
	ts := e.stamp()
	wf := domain.Workflow{
		ID:        newID(),
		Account:   spec.Account,
		Action:    spec.Action,
		TargetKey: TargetKey(spec.Account, spec.Scope),
		Steps:     spec.Steps,
		State:     string(flow.Idle),
		Status:    domain.StatusIdle,
		ActorID:   spec.ActorID,
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Workflow{}, err
	}
	defer tx.Rollback()
	if err := e.acquireTarget(ctx, tx, wf.TargetKey, spec.Scope, domain.OwnerWorkflow, wf.ID, ts); err != nil {
		return domain.Workflow{}, err
	}
	if err := e.Repo.InsertWorkflow(ctx, tx, wf); err != nil {
		return domain.Workflow{}, fmt.Errorf("insert workflow: %w", err)
	}
	methods := make([]string, 0, len(wf.Steps))
	for _, s := range wf.Steps {
		methods = append(methods, s.Method)
	}
	entry := events.Entry{Type: events.WorkflowStarted, Account: wf.Account, EntityKind: domain.OwnerWorkflow, EntityID: wf.ID, ActorID: wf.ActorID}
	if err := e.emit(ctx, tx, entry, events.EventPayload{"action": wf.Action, "steps": methods, "target": wf.TargetKey}); err != nil {
		return domain.Workflow{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Workflow{}, err
	}
	e.log().Info("workflow created", "workflow_id", wf.ID, "action", wf.Action, "target", wf.TargetKey, "steps", len(wf.Steps))
	return wf, nil
}

// Prepare reconciles the account, plans the action and creates its workflow
// without running it.
func (e Engine) Prepare(ctx context.Context, req ActionRequest) (domain.Workflow, error) {
	if err := req.validate(); err != nil {
		return domain.Workflow{}, err
	}
	if _, err := e.Reconcile(ctx, req.Account); err != nil {
		return domain.Workflow{}, err
	}
	plan, err := e.BuildPlan(ctx, req)
	if err != nil {
		return domain.Workflow{}, err
	}
	return e.CreateWorkflow(ctx, WorkflowSpec{
		Account: req.Account,
		Action:  req.Action,
		Scope:   plan.Scope,
		Steps:   plan.Steps,
		ActorID: req.ActorID,
	})
}

// Execute prepares and runs an action to a resting state.
func (e Engine) Execute(ctx context.Context, req ActionRequest) (ActionResult, error) {
	wf, err := e.Prepare(ctx, req)
	if err != nil {
		return ActionResult{Workflow: wf}, err
	}
	return e.RunWorkflow(ctx, wf.ID)
}

// RunWorkflow starts an Idle workflow from its current index and drives it
// until it completes, fails, parks or waits for reconciliation.
func (e Engine) RunWorkflow(ctx context.Context, id string) (ActionResult, error) {
	wf, err := e.Repo.GetWorkflow(ctx, id)
	if err != nil {
		return ActionResult{}, err
	}
	if flow.State(wf.State) != flow.Idle {
		return ActionResult{Workflow: wf}, fmt.Errorf("%w: workflow %s is %s", ErrNotResumable, wf.ID, wf.State)
	}
	r := workflowRun{wf: &wf}
	res, err := e.drive(ctx, r, nil, flow.Event{Type: flow.Start})
	if err != nil {
		return ActionResult{Workflow: wf}, err
	}
	result := ActionResult{Workflow: e.reloadWorkflow(ctx, wf)}
	outErr := outcomeErr(r, res)
	e.log().Info("workflow run finished", "workflow_id", wf.ID, "state", wf.State, "index", wf.CurrentIndex, "err", outErr)

	if flow.State(wf.State) == flow.Completed && wf.Action == ActionRepay {
		job, err := e.MaybeTriggerRelease(ctx, wf.Account, wf.ID)
		result.Release = job
		if err != nil {
			result.ReleaseError = err.Error()
			e.log().Warn("release batch did not finish", "workflow_id", wf.ID, "err", err)
		}
	}
	return result, outErr
}

func (e Engine) reloadWorkflow(ctx context.Context, wf domain.Workflow) domain.Workflow {
	fresh, err := e.Repo.GetWorkflow(context.WithoutCancel(ctx), wf.ID)
	if err != nil {
		return wf
	}
	return fresh
}

// Resume continues a workflow parked in Idle after reconciliation found its
// in-flight step confirmed. A workflow still awaiting reconciliation is
// reconciled first and stays blocked while the ledger reports it pending.
func (e Engine) Resume(ctx context.Context, id, actorID string) (ActionResult, error) {
	wf, err := e.Repo.GetWorkflow(ctx, id)
	if err != nil {
		return ActionResult{}, err
	}
	live, err := e.ownerLive(ctx, wf.TargetKey, id)
	if err != nil {
		return ActionResult{Workflow: wf}, err
	}
	if live {
		return ActionResult{Workflow: wf}, ErrAlreadyInFlight
	}
	switch flow.State(wf.State) {
	case flow.AwaitingReconciliation, flow.StepConfirming, flow.StepSubmitting:
		if _, err := e.Reconcile(ctx, wf.Account); err != nil {
			return ActionResult{Workflow: wf}, err
		}
		if wf, err = e.Repo.GetWorkflow(ctx, id); err != nil {
			return ActionResult{}, err
		}
	}
	switch flow.State(wf.State) {
	case flow.Idle:
	case flow.AwaitingReconciliation:
		return ActionResult{Workflow: wf}, ErrAwaitingReconciliation
	case flow.Completed:
		return ActionResult{Workflow: wf}, nil
	default:
		return ActionResult{Workflow: wf}, fmt.Errorf("%w: workflow %s is %s", ErrNotResumable, wf.ID, wf.State)
	}
	entry := events.Entry{Type: events.WorkflowResumed, Account: wf.Account, EntityKind: domain.OwnerWorkflow, EntityID: wf.ID, ActorID: actorID}
	if err := e.appendEvent(ctx, entry, events.EventPayload{"index": wf.CurrentIndex}); err != nil {
		return ActionResult{Workflow: wf}, err
	}
	return e.RunWorkflow(ctx, id)
}

// Abandon stops local tracking of a workflow. With nothing in flight it
// fails and frees its target; with an operation submitted it waits for
// reconciliation and keeps the target. A step being submitted cannot be
// abandoned: its handle is not recorded yet.
func (e Engine) Abandon(ctx context.Context, id, actorID string) (domain.Workflow, error) {
	wf, err := e.Repo.GetWorkflow(ctx, id)
	if err != nil {
		return wf, err
	}
	switch flow.State(wf.State) {
	case flow.Completed, flow.Failed:
		return wf, nil
	case flow.StepSubmitting:
		return wf, &flow.TransitionError{From: flow.StepSubmitting, Event: flow.Abandon}
	}
	if e.live.stop(ctx, id) {
		if wf, err = e.Repo.GetWorkflow(ctx, id); err != nil {
			return wf, err
		}
	}
	switch flow.State(wf.State) {
	case flow.Idle, flow.StepConfirming:
		r := workflowRun{wf: &wf}
		op := currentOperation(wf.Operations, wf.CurrentIndex)
		if _, err := e.drive(ctx, r, op, flow.Event{Type: flow.Abandon}); err != nil {
			return wf, err
		}
	case flow.StepSubmitting:
		return wf, &flow.TransitionError{From: flow.StepSubmitting, Event: flow.Abandon}
	}
	from := repo.Expect{State: wf.State, Index: wf.CurrentIndex}
	wf.Abandoned = true
	wf.UpdatedAt = e.stamp()
	if err := e.inTx(ctx, func(tx *sql.Tx) error { return e.Repo.UpdateWorkflow(ctx, tx, wf, from) }); err != nil {
		return wf, err
	}
	e.log().Info("workflow abandoned", "workflow_id", wf.ID, "state", wf.State, "actor", actorID)
	return e.Repo.GetWorkflow(ctx, id)
}

func (e Engine) acquireTarget(ctx context.Context, tx *sql.Tx, key, scope, ownerKind, ownerID, ts string) error {
	lock := domain.TargetLock{TargetKey: key, OwnerKind: ownerKind, OwnerID: ownerID, AcquiredAt: ts}
	err := e.Repo.AcquireTargetLock(ctx, tx, lock)
	if errors.Is(err, repo.ErrLocked) {
		e.Metrics.GuardRejection(scope)
		e.log().Info("start rejected: target in flight", "target", key, "owner_kind", ownerKind)
		return ErrAlreadyInFlight
	}
	return err
}

func (e Engine) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) appendEvent(ctx context.Context, entry events.Entry, payload events.EventPayload) error {
	return e.inTx(ctx, func(tx *sql.Tx) error { return e.emit(ctx, tx, entry, payload) })
}
