package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"ledgerflow/internal/domain"
	"ledgerflow/internal/events"
	"ledgerflow/internal/flow"
	"ledgerflow/internal/ledger"
	"ledgerflow/internal/repo"
)

type batchRun struct{ job *domain.BatchJob }

func (b batchRun) kind() string    { return domain.OwnerBatch }
func (b batchRun) id() string      { return b.job.ID }
func (b batchRun) account() string { return b.job.Account }
func (b batchRun) target() string  { return b.job.TargetKey }
func (b batchRun) actor() string   { return b.job.ActorID }
func (b batchRun) reason() string  { return b.job.Reason }

func (b batchRun) label(i int) string {
	if i < 0 || i >= len(b.job.Items) {
		return ""
	}
	return b.job.Items[i]
}

func (b batchRun) machine() flow.Machine {
	state := flow.State(b.job.State)
	return flow.Machine{State: state, Index: b.job.CurrentIndex, Length: len(b.job.Items), InFlight: state == flow.StepConfirming}
}

func (b batchRun) step(i int) (domain.StepSpec, error) {
	if i < 0 || i >= len(b.job.Items) {
		return domain.StepSpec{}, fmt.Errorf("batch %s has no item %d", b.job.ID, i)
	}
	switch b.job.Method {
	case ledger.MethodReleaseLockedItem:
		c := ledger.ReleaseLockedItem(b.job.Account, b.job.Items[i])
		return stepFromCall(domain.KindAct, c, delta(domain.FieldLockedCount, domain.AmountFromInt64(-1))), nil
	default:
		return domain.StepSpec{}, fmt.Errorf("batch %s: unsupported method %q", b.job.ID, b.job.Method)
	}
}

func (b batchRun) setMachine(m flow.Machine, ts string) {
	b.job.State = string(m.State)
	b.job.CurrentIndex = m.Index
	b.job.Status = m.State.Status()
	b.job.UpdatedAt = ts
}

func (b batchRun) setReason(reason string) { b.job.Reason = reason }

func (b batchRun) markCompleted(ts string) {
	b.job.CompletedAt = &ts
	b.job.Reason = ""
}

func (b batchRun) save(ctx context.Context, r repo.Repo, tx *sql.Tx, from flow.Machine) error {
	return r.UpdateBatch(ctx, tx, *b.job, expect(from))
}

func (b batchRun) lifecycle() lifecycleEvents {
	return lifecycleEvents{
		completed: events.BatchCompleted,
		failed:    events.BatchHalted,
		awaiting:  events.BatchAwaiting,
		abandoned: events.BatchAbandoned,
		advanced:  events.BatchAdvanced,
	}
}

// BatchSpec describes a batch job to create.
type BatchSpec struct {
	Account     string
	Method      string
	Items       []string
	TriggeredBy string
	ActorID     string
}

// CreateBatch persists a batch job in Idle under the release target lock.
// Duplicate items are dropped, keeping first occurrence order.
func (e Engine) CreateBatch(ctx context.Context, spec BatchSpec) (domain.BatchJob, error) {
	if spec.Account == "" {
		return domain.BatchJob{}, invalid("account", "required")
	}
	if spec.Method == "" {
		spec.Method = ledger.MethodReleaseLockedItem
	}
	if spec.Method != ledger.MethodReleaseLockedItem {
		return domain.BatchJob{}, invalid("method", "unsupported batch method %q", spec.Method)
	}
	items := dedupe(spec.Items)
	if len(items) == 0 {
		return domain.BatchJob{}, invalid("items", "at least one item required")
	}
	if spec.ActorID == "" {
		spec.ActorID = "system"
	}
	ts := e.stamp()
	job := domain.BatchJob{
		ID:          newID(),
		Account:     spec.Account,
		TargetKey:   TargetKey(spec.Account, ReleaseScope),
		Method:      spec.Method,
		Items:       items,
		State:       string(flow.Idle),
		Status:      domain.StatusIdle,
		TriggeredBy: spec.TriggeredBy,
		ActorID:     spec.ActorID,
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.acquireTarget(ctx, tx, job.TargetKey, ReleaseScope, domain.OwnerBatch, job.ID, ts); err != nil {
			return err
		}
		if err := e.Repo.InsertBatch(ctx, tx, job); err != nil {
			return fmt.Errorf("insert batch: %w", err)
		}
		entry := events.Entry{Type: events.BatchCreated, Account: job.Account, EntityKind: domain.OwnerBatch, EntityID: job.ID, ActorID: job.ActorID}
		payload := events.EventPayload{"method": job.Method, "items": job.Items}
		if job.TriggeredBy != "" {
			payload["triggered_by"] = job.TriggeredBy
		}
		return e.emit(ctx, tx, entry, payload)
	})
	if err != nil {
		return domain.BatchJob{}, err
	}
	e.log().Info("batch created", "batch_id", job.ID, "items", len(job.Items), "triggered_by", job.TriggeredBy)
	return job, nil
}

// RunBatch processes an Idle batch from its current item in order, stopping
// at the first item that does not confirm.
func (e Engine) RunBatch(ctx context.Context, id string) (domain.BatchJob, error) {
	job, err := e.Repo.GetBatch(ctx, id)
	if err != nil {
		return job, err
	}
	if flow.State(job.State) != flow.Idle {
		return job, fmt.Errorf("%w: batch %s is %s", ErrNotResumable, job.ID, job.State)
	}
	r := batchRun{job: &job}
	res, err := e.drive(ctx, r, nil, flow.Event{Type: flow.Start})
	if err != nil {
		return job, err
	}
	outErr := outcomeErr(r, res)
	var partial *PartialBatchError
	if errors.As(outErr, &partial) {
		e.Metrics.BatchHalt()
		e.log().Warn("batch halted", "batch_id", job.ID, "index", partial.Index, "item", partial.Item, "err", partial.Err)
	} else {
		e.log().Info("batch run finished", "batch_id", job.ID, "state", job.State, "index", job.CurrentIndex)
	}
	fresh, err := e.Repo.GetBatch(context.WithoutCancel(ctx), id)
	if err != nil {
		return job, outErr
	}
	return fresh, outErr
}

// StartRelease releases locked items once the account owes nothing. With no
// items given every currently locked item is released.
func (e Engine) StartRelease(ctx context.Context, account string, items []string, actorID string) (domain.BatchJob, error) {
	view, err := e.Reconcile(ctx, account)
	if err != nil {
		return domain.BatchJob{}, err
	}
	if view.Authoritative(domain.FieldObligation).Sign() != 0 {
		return domain.BatchJob{}, invalid("account", "obligation outstanding: %s", view.Authoritative(domain.FieldObligation))
	}
	if len(items) == 0 {
		items = view.LockedItems
	}
	if len(items) == 0 {
		return domain.BatchJob{}, invalid("items", "no locked items to release")
	}
	job, err := e.CreateBatch(ctx, BatchSpec{Account: account, Items: items, ActorID: actorID})
	if err != nil {
		return job, err
	}
	return e.RunBatch(ctx, job.ID)
}

// MaybeTriggerRelease starts a release batch when auto release is on, the
// obligation is zero and items remain locked. It returns nil when nothing
// was triggered.
func (e Engine) MaybeTriggerRelease(ctx context.Context, account, triggeredBy string) (*domain.BatchJob, error) {
	cfg, err := e.config()
	if err != nil {
		return nil, err
	}
	if !cfg.AutoRelease() {
		return nil, nil
	}
	view, err := e.Reconcile(ctx, account)
	if err != nil {
		return nil, err
	}
	if view.Authoritative(domain.FieldObligation).Sign() != 0 || len(view.LockedItems) == 0 {
		return nil, nil
	}
	job, err := e.CreateBatch(ctx, BatchSpec{Account: account, Items: view.LockedItems, TriggeredBy: triggeredBy})
	if err != nil {
		return nil, err
	}
	job, err = e.RunBatch(ctx, job.ID)
	return &job, err
}

// ResumeBatch re-reads the ledger's locked items and continues a halted or
// parked batch with the ones still locked. Items before the halt that the
// ledger no longer lists count as done.
func (e Engine) ResumeBatch(ctx context.Context, id, actorID string) (domain.BatchJob, error) {
	job, err := e.Repo.GetBatch(ctx, id)
	if err != nil {
		return job, err
	}
	live, err := e.ownerLive(ctx, job.TargetKey, id)
	if err != nil {
		return job, err
	}
	if live {
		return job, ErrAlreadyInFlight
	}
	view, err := e.Reconcile(ctx, job.Account)
	if err != nil {
		return job, err
	}
	if job, err = e.Repo.GetBatch(ctx, id); err != nil {
		return job, err
	}
	switch flow.State(job.State) {
	case flow.Completed:
		return job, nil
	case flow.AwaitingReconciliation:
		return job, ErrAwaitingReconciliation
	case flow.Idle, flow.Failed:
	default:
		return job, fmt.Errorf("%w: batch %s is %s", ErrNotResumable, job.ID, job.State)
	}
	if view.Authoritative(domain.FieldObligation).Sign() != 0 {
		return job, invalid("account", "obligation outstanding: %s", view.Authoritative(domain.FieldObligation))
	}

	done, remaining := splitRemaining(job.Items, job.CurrentIndex, view.LockedItems)

	from := repo.Expect{State: job.State, Index: job.CurrentIndex}
	ts := e.stamp()
	job.Items = append(done, remaining...)
	job.CurrentIndex = len(done)
	job.State = string(flow.Idle)
	job.Status = domain.StatusIdle
	job.Reason = ""
	job.Abandoned = false
	job.CompletedAt = nil
	job.Resumes++
	job.UpdatedAt = ts
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.acquireTarget(ctx, tx, job.TargetKey, ReleaseScope, domain.OwnerBatch, job.ID, ts); err != nil {
			return err
		}
		if err := e.Repo.UpdateBatch(ctx, tx, job, from); err != nil {
			return err
		}
		entry := events.Entry{Type: events.BatchResumed, Account: job.Account, EntityKind: domain.OwnerBatch, EntityID: job.ID, ActorID: actorID}
		return e.emit(ctx, tx, entry, events.EventPayload{"remaining": remaining, "resumes": job.Resumes})
	})
	if err != nil {
		return job, err
	}
	return e.RunBatch(ctx, id)
}

// splitRemaining partitions a batch's items against the ledger's locked
// set: done are items before index that are no longer locked; remaining are
// the still-locked items in job order followed by newly locked ones.
func splitRemaining(items []string, index int, locked []string) (done, remaining []string) {
	isLocked := make(map[string]bool, len(locked))
	for _, it := range locked {
		isLocked[it] = true
	}
	if index > len(items) {
		index = len(items)
	}
	done = []string{}
	for _, it := range items[:index] {
		if !isLocked[it] {
			done = append(done, it)
		}
	}
	seen := make(map[string]bool, len(items))
	remaining = []string{}
	for _, it := range items {
		if isLocked[it] && !seen[it] {
			remaining = append(remaining, it)
		}
		seen[it] = true
	}
	for _, it := range locked {
		if !seen[it] {
			remaining = append(remaining, it)
			seen[it] = true
		}
	}
	return done, remaining
}

// AbandonBatch stops local tracking of a batch job. Like Abandon it refuses
// while an item is being submitted.
func (e Engine) AbandonBatch(ctx context.Context, id, actorID string) (domain.BatchJob, error) {
	job, err := e.Repo.GetBatch(ctx, id)
	if err != nil {
		return job, err
	}
	switch flow.State(job.State) {
	case flow.Completed, flow.Failed:
		return job, nil
	case flow.StepSubmitting:
		return job, &flow.TransitionError{From: flow.StepSubmitting, Event: flow.Abandon}
	}
	if e.live.stop(ctx, id) {
		if job, err = e.Repo.GetBatch(ctx, id); err != nil {
			return job, err
		}
	}
	switch flow.State(job.State) {
	case flow.Idle, flow.StepConfirming:
		r := batchRun{job: &job}
		op := currentOperation(job.Operations, job.CurrentIndex)
		if _, err := e.drive(ctx, r, op, flow.Event{Type: flow.Abandon}); err != nil {
			return job, err
		}
	case flow.StepSubmitting:
		return job, &flow.TransitionError{From: flow.StepSubmitting, Event: flow.Abandon}
	}
	from := repo.Expect{State: job.State, Index: job.CurrentIndex}
	job.Abandoned = true
	job.UpdatedAt = e.stamp()
	if err := e.inTx(ctx, func(tx *sql.Tx) error { return e.Repo.UpdateBatch(ctx, tx, job, from) }); err != nil {
		return job, err
	}
	e.log().Info("batch abandoned", "batch_id", job.ID, "state", job.State, "actor", actorID)
	return e.Repo.GetBatch(ctx, id)
}

func dedupe(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := make([]string, 0, len(items))
	for _, it := range items {
		if it == "" || seen[it] {
			continue
		}
		seen[it] = true
		out = append(out, it)
	}
	return out
}
