package engine

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"ledgerflow/internal/domain"
	"ledgerflow/internal/events"
	"ledgerflow/internal/flow"
	"ledgerflow/internal/ledger"
	"ledgerflow/internal/repo"
)

const abandonedReason = "abandoned"

// run is the persisted half of a state machine: a workflow or a batch job.
type run interface {
	kind() string
	id() string
	account() string
	target() string
	actor() string
	reason() string
	label(index int) string
	machine() flow.Machine
	step(index int) (domain.StepSpec, error)
	setMachine(m flow.Machine, ts string)
	setReason(reason string)
	markCompleted(ts string)
	save(ctx context.Context, r repo.Repo, tx *sql.Tx, from flow.Machine) error
	lifecycle() lifecycleEvents
}

type lifecycleEvents struct {
	completed, failed, awaiting, abandoned, advanced string
}

type driveResult struct {
	last      flow.EventType
	submitErr error
	op        *domain.Operation
}

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}

func expect(m flow.Machine) repo.Expect {
	return repo.Expect{State: string(m.State), Index: m.Index}
}

// drive feeds ev to the machine and keeps going while transitions ask for a
// submission or a watch. It returns once the machine needs outside input:
// terminal, parked in Idle, or awaiting reconciliation.
func (e Engine) drive(ctx context.Context, r run, op *domain.Operation, ev flow.Event) (driveResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	release, ok := e.live.claim(r.id(), cancel)
	if !ok {
		return driveResult{}, ErrAlreadyInFlight
	}
	defer release()
	// Transitions after a cancelled watch still have to be stored, and a
	// submission already under way has to come back with its handle.
	persist := context.WithoutCancel(ctx)
	dropLease, err := e.holdLease(persist, r)
	if err != nil {
		return driveResult{}, err
	}
	defer dropLease()

	var res driveResult
	for {
		next, effects, err := flow.Transition(r.machine(), ev)
		if err != nil {
			return res, err
		}
		res.last = ev.Type
		op, err = e.commit(persist, r, op, ev, next, effects)
		if err != nil {
			return res, err
		}
		res.op = op

		external := false
		for _, eff := range effects {
			switch eff.Type {
			case flow.Submit:
				if ctx.Err() != nil {
					ev = flow.Event{Type: flow.SubmissionFailed, Reason: abandonedReason}
				} else {
					ev, res.submitErr = e.submit(persist, op)
				}
				external = true
			case flow.Watch:
				ev = e.watch(ctx, r, op)
				external = true
			}
		}
		if !external {
			return res, nil
		}
	}
}

func (e Engine) submit(ctx context.Context, op *domain.Operation) (flow.Event, error) {
	h, err := e.executor().Submit(ctx, ledger.Call{Method: op.Method, Account: op.Account, Args: op.Args})
	if err != nil {
		return flow.Event{Type: flow.SubmissionFailed, Reason: err.Error()}, err
	}
	return flow.Event{Type: flow.SubmissionSucceeded, Handle: string(h)}, nil
}

func (e Engine) watch(ctx context.Context, r run, op *domain.Operation) flow.Event {
	stop := e.live.watch(op.ID)
	defer stop()
	log := e.log().With(r.kind()+"_id", r.id(), "operation_id", op.ID, "target", r.target(), "handle", op.Handle)
	out, err := e.watcher().Await(ctx, ledger.Handle(op.Handle))
	if err != nil {
		log.Info("stopped watching", "err", err)
		return flow.Event{Type: flow.Abandon}
	}
	e.Metrics.Outcome(op.Method, out.Status, out.Elapsed)
	switch out.Status {
	case domain.OpConfirmed:
		log.Info("operation confirmed", "block", out.Block, "polls", out.Polls)
		return flow.Event{Type: flow.OutcomeConfirmed}
	case domain.OpReverted:
		log.Warn("operation reverted", "reason", out.Reason)
		return flow.Event{Type: flow.OutcomeReverted, Reason: out.Reason}
	default:
		log.Warn("confirmation timed out", "polls", out.Polls, "elapsed", out.Elapsed)
		return flow.Event{Type: flow.OutcomeTimedOut}
	}
}

// commit stores one transition and its local effects atomically and returns
// the operation now at the machine's index.
func (e Engine) commit(ctx context.Context, r run, op *domain.Operation, ev flow.Event, next flow.Machine, effects []flow.Effect) (*domain.Operation, error) {
	prev := r.machine()
	ts := e.stamp()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return op, err
	}
	defer tx.Rollback()

	entry := func(typ string) events.Entry {
		return events.Entry{Type: typ, Account: r.account(), EntityKind: r.kind(), EntityID: r.id(), ActorID: r.actor()}
	}
	opPayload := func(extra events.EventPayload) events.EventPayload {
		p := events.EventPayload{"operation_id": op.ID, "index": op.StepIndex, "method": op.Method}
		if op.Handle != "" {
			p["handle"] = op.Handle
		}
		for k, v := range extra {
			p[k] = v
		}
		return p
	}
	life := r.lifecycle()

	switch ev.Type {
	case flow.SubmissionSucceeded:
		op.Status = domain.OpSubmitted
		op.Handle = ev.Handle
		op.SubmittedAt = &ts
		if err := e.Repo.UpdateOperation(ctx, tx, *op); err != nil {
			return op, fmt.Errorf("record submission: %w", err)
		}
		step, err := r.step(prev.Index)
		if err != nil {
			return op, err
		}
		var overlay []domain.OverlayEntry
		for _, d := range step.Deltas {
			overlay = append(overlay, domain.OverlayEntry{Account: op.Account, Field: d.Field, Delta: d.Delta, OperationID: op.ID, CreatedAt: ts})
		}
		if err := e.Repo.InsertOverlay(ctx, tx, overlay); err != nil {
			return op, err
		}
		if err := e.emit(ctx, tx, entry(events.OperationSubmitted), opPayload(nil)); err != nil {
			return op, err
		}
	case flow.SubmissionFailed:
		op.Reason = ev.Reason
		if err := e.Repo.UpdateOperation(ctx, tx, *op); err != nil {
			return op, err
		}
		if err := e.emit(ctx, tx, entry(events.OperationRejected), opPayload(events.EventPayload{"reason": ev.Reason})); err != nil {
			return op, err
		}
	case flow.OutcomeConfirmed, flow.ReconciledConfirmed:
		op.Status = domain.OpConfirmed
		op.ResolvedAt = &ts
		if err := e.Repo.UpdateOperation(ctx, tx, *op); err != nil {
			return op, err
		}
		payload := opPayload(events.EventPayload{"reconciled": ev.Type == flow.ReconciledConfirmed})
		if err := e.emit(ctx, tx, entry(events.OperationConfirmed), payload); err != nil {
			return op, err
		}
	case flow.OutcomeReverted, flow.ReconciledReverted:
		reason := ev.Reason
		if reason == "" {
			reason = flow.GenericRevertReason
		}
		op.Status = domain.OpReverted
		op.Reason = reason
		op.ResolvedAt = &ts
		if err := e.Repo.UpdateOperation(ctx, tx, *op); err != nil {
			return op, err
		}
		payload := opPayload(events.EventPayload{"reason": reason, "reconciled": ev.Type == flow.ReconciledReverted})
		if err := e.emit(ctx, tx, entry(events.OperationReverted), payload); err != nil {
			return op, err
		}
	case flow.OutcomeTimedOut:
		if err := e.emit(ctx, tx, entry(events.OperationTimedOut), opPayload(nil)); err != nil {
			return op, err
		}
	case flow.Abandon:
		if err := e.emit(ctx, tx, entry(life.abandoned), events.EventPayload{"state": string(prev.State), "index": prev.Index}); err != nil {
			return op, err
		}
	}

	for _, eff := range effects {
		switch eff.Type {
		case flow.ClearOverlay:
			if op != nil {
				if err := e.Repo.ClearOverlay(ctx, tx, op.ID); err != nil {
					return op, err
				}
			}
		case flow.MarkUnresolved:
			if op == nil {
				continue
			}
			op.Status = domain.OpTimedOut
			if err := e.Repo.UpdateOperation(ctx, tx, *op); err != nil {
				return op, err
			}
		case flow.Complete:
			r.markCompleted(ts)
			if err := e.emit(ctx, tx, entry(life.completed), events.EventPayload{"length": next.Length}); err != nil {
				return op, err
			}
		case flow.Fail:
			r.setReason(eff.Reason)
			payload := events.EventPayload{"reason": eff.Reason, "index": eff.Index, "label": r.label(eff.Index)}
			if err := e.emit(ctx, tx, entry(life.failed), payload); err != nil {
				return op, err
			}
		case flow.ReleaseTarget:
			if err := e.Repo.ReleaseTargetLock(ctx, tx, r.target(), r.id()); err != nil {
				return op, err
			}
		case flow.Submit:
			step, err := r.step(eff.Index)
			if err != nil {
				return op, err
			}
			op = &domain.Operation{
				ID:        newID(),
				OwnerKind: r.kind(),
				OwnerID:   r.id(),
				StepIndex: eff.Index,
				Account:   r.account(),
				TargetKey: r.target(),
				Kind:      step.Kind,
				Method:    step.Method,
				Args:      step.Args,
				Status:    domain.OpUnsubmitted,
				CreatedAt: ts,
			}
			if err := e.Repo.InsertOperation(ctx, tx, *op); err != nil {
				return op, fmt.Errorf("record operation: %w", err)
			}
		}
	}

	if next.State == flow.AwaitingReconciliation && prev.State != flow.AwaitingReconciliation {
		if err := e.emit(ctx, tx, entry(life.awaiting), events.EventPayload{"index": next.Index}); err != nil {
			return op, err
		}
	}
	if life.advanced != "" && next.Index > prev.Index && !next.State.Terminal() {
		if err := e.emit(ctx, tx, entry(life.advanced), events.EventPayload{"index": next.Index, "label": r.label(next.Index)}); err != nil {
			return op, err
		}
	}
	r.setMachine(next, ts)
	if err := r.save(ctx, e.Repo, tx, prev); err != nil {
		return op, fmt.Errorf("save %s %s: %w", r.kind(), r.id(), err)
	}
	if err := tx.Commit(); err != nil {
		return op, err
	}
	return op, nil
}

// outcomeErr classifies where a drive left the machine.
func outcomeErr(r run, res driveResult) error {
	m := r.machine()
	switch m.State {
	case flow.Failed:
		if res.submitErr != nil {
			return res.submitErr
		}
		if r.reason() == abandonedReason {
			return nil
		}
		method := ""
		if res.op != nil {
			method = res.op.Method
		}
		reverted := &RevertedError{Method: method, Reason: r.reason()}
		if r.kind() == domain.OwnerBatch {
			return &PartialBatchError{JobID: r.id(), Index: m.Index, Item: r.label(m.Index), Err: reverted}
		}
		return reverted
	case flow.AwaitingReconciliation:
		err := ErrAwaitingReconciliation
		if res.last == flow.OutcomeTimedOut {
			err = ErrTimedOut
		}
		if r.kind() == domain.OwnerBatch {
			return &PartialBatchError{JobID: r.id(), Index: m.Index, Item: r.label(m.Index), Err: err}
		}
		return err
	}
	return nil
}

// currentOperation returns the newest operation recorded for index.
func currentOperation(ops []domain.Operation, index int) *domain.Operation {
	for i := len(ops) - 1; i >= 0; i-- {
		if ops[i].StepIndex == index {
			op := ops[i]
			return &op
		}
	}
	return nil
}
