// Package flow is the state machine shared by workflows and batch jobs.
//
// Transition is a pure function: it takes a snapshot and one event and returns
// the next snapshot plus the effects the caller must carry out. It performs no
// I/O and reads no clock, so every path can be tested without a ledger.
package flow

import (
	"fmt"

	"ledgerflow/internal/domain"
)

type State string

const (
	Idle                   State = "idle"
	StepSubmitting         State = "step_submitting"
	StepConfirming         State = "step_confirming"
	AwaitingReconciliation State = "awaiting_reconciliation"
	Completed              State = "completed"
	Failed                 State = "failed"
)

// Status maps a machine state onto the coarse workflow status.
func (s State) Status() string {
	switch s {
	case Idle:
		return domain.StatusIdle
	case Completed:
		return domain.StatusCompleted
	case Failed:
		return domain.StatusFailed
	default:
		return domain.StatusRunning
	}
}

// Terminal reports whether no further event is accepted.
func (s State) Terminal() bool {
	return s == Completed || s == Failed
}

type EventType string

const (
	Start               EventType = "start"
	SubmissionSucceeded EventType = "submission_succeeded"
	SubmissionFailed    EventType = "submission_failed"
	OutcomeConfirmed    EventType = "outcome_confirmed"
	OutcomeReverted     EventType = "outcome_reverted"
	OutcomeTimedOut     EventType = "outcome_timed_out"
	ReconciledConfirmed EventType = "reconciled_confirmed"
	ReconciledReverted  EventType = "reconciled_reverted"
	ReconciledPending   EventType = "reconciled_pending"
	Abandon             EventType = "abandon"
)

type Event struct {
	Type   EventType
	Handle string
	Reason string
}

type EffectType string

const (
	// Submit asks the caller to submit the operation at Index.
	Submit EffectType = "submit"
	// Watch asks the caller to await the outcome of Handle.
	Watch EffectType = "watch"
	// ClearOverlay drops the optimistic delta owned by the operation at Index.
	ClearOverlay EffectType = "clear_overlay"
	// MarkUnresolved records that the operation at Index has an unknown outcome.
	MarkUnresolved EffectType = "mark_unresolved"
	Complete       EffectType = "complete"
	Fail           EffectType = "fail"
	// ReleaseTarget frees the target lock held by the machine.
	ReleaseTarget EffectType = "release_target"
)

type Effect struct {
	Type   EffectType
	Index  int
	Handle string
	Reason string
}

// Machine is the persisted snapshot of one workflow or batch job. Length is
// the number of steps (or items); Index is the step pending or in flight.
type Machine struct {
	State    State
	Index    int
	Length   int
	InFlight bool
}

// TransitionError reports an event that the current state does not accept.
type TransitionError struct {
	From  State
	Event EventType
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.Event)
}

// GenericRevertReason is used when the ledger gives no reason.
const GenericRevertReason = "rejected by ledger"

// Transition applies ev to m.
func Transition(m Machine, ev Event) (Machine, []Effect, error) {
	invalid := func() (Machine, []Effect, error) {
		return m, nil, &TransitionError{From: m.State, Event: ev.Type}
	}
	switch m.State {
	case Idle:
		switch ev.Type {
		case Start:
			if m.Index >= m.Length {
				m.State = Completed
				return m, []Effect{{Type: Complete}, {Type: ReleaseTarget}}, nil
			}
			m.State = StepSubmitting
			return m, []Effect{{Type: Submit, Index: m.Index}}, nil
		case Abandon:
			m.State = Failed
			return m, []Effect{{Type: Fail, Index: m.Index, Reason: "abandoned"}, {Type: ReleaseTarget}}, nil
		}
	case StepSubmitting:
		switch ev.Type {
		case SubmissionSucceeded:
			m.State = StepConfirming
			m.InFlight = true
			return m, []Effect{{Type: Watch, Index: m.Index, Handle: ev.Handle}}, nil
		case SubmissionFailed:
			m.State = Failed
			return m, []Effect{{Type: Fail, Index: m.Index, Reason: ev.Reason}, {Type: ReleaseTarget}}, nil
		}
	case StepConfirming:
		switch ev.Type {
		case OutcomeConfirmed:
			return confirmed(m, true)
		case OutcomeReverted:
			return reverted(m, ev.Reason)
		case OutcomeTimedOut, Abandon:
			m.State = AwaitingReconciliation
			return m, []Effect{{Type: ClearOverlay, Index: m.Index}, {Type: MarkUnresolved, Index: m.Index}}, nil
		}
	case AwaitingReconciliation:
		switch ev.Type {
		case ReconciledConfirmed:
			return confirmed(m, false)
		case ReconciledReverted:
			return reverted(m, ev.Reason)
		case ReconciledPending, Abandon:
			return m, nil, nil
		}
	}
	return invalid()
}

// confirmed advances past the current index. When chain is set (a live
// watcher saw the confirmation) the next step is submitted immediately;
// otherwise the machine parks in Idle until it is resumed.
func confirmed(m Machine, chain bool) (Machine, []Effect, error) {
	effects := []Effect{{Type: ClearOverlay, Index: m.Index}}
	m.InFlight = false
	if m.Index+1 >= m.Length {
		m.State = Completed
		return m, append(effects, Effect{Type: Complete, Index: m.Index}, Effect{Type: ReleaseTarget}), nil
	}
	m.Index++
	if !chain {
		m.State = Idle
		return m, effects, nil
	}
	m.State = StepSubmitting
	return m, append(effects, Effect{Type: Submit, Index: m.Index}), nil
}

func reverted(m Machine, reason string) (Machine, []Effect, error) {
	if reason == "" {
		reason = GenericRevertReason
	}
	m.InFlight = false
	m.State = Failed
	return m, []Effect{
		{Type: ClearOverlay, Index: m.Index},
		{Type: Fail, Index: m.Index, Reason: reason},
		{Type: ReleaseTarget},
	}, nil
}

// HoldsTarget reports whether a machine in state s must keep its target lock.
func HoldsTarget(s State) bool {
	return !s.Terminal()
}
