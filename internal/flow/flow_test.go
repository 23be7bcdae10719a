package flow

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func effectTypes(effects []Effect) []EffectType {
	out := make([]EffectType, 0, len(effects))
	for _, e := range effects {
		out = append(out, e.Type)
	}
	return out
}

func TestAuthorizeThenActChainsExactlyOnce(t *testing.T) {
	m := Machine{State: Idle, Length: 2}

	m, eff, err := Transition(m, Event{Type: Start})
	require.NoError(t, err)
	require.Equal(t, StepSubmitting, m.State)
	require.Equal(t, []Effect{{Type: Submit, Index: 0}}, eff)

	m, eff, err = Transition(m, Event{Type: SubmissionSucceeded, Handle: "h0"})
	require.NoError(t, err)
	require.Equal(t, StepConfirming, m.State)
	require.True(t, m.InFlight)
	require.Equal(t, []Effect{{Type: Watch, Index: 0, Handle: "h0"}}, eff)

	m, eff, err = Transition(m, Event{Type: OutcomeConfirmed})
	require.NoError(t, err)
	require.Equal(t, StepSubmitting, m.State)
	require.Equal(t, 1, m.Index)
	require.Equal(t, []EffectType{ClearOverlay, Submit}, effectTypes(eff))
	require.Equal(t, 1, eff[1].Index)

	m, _, err = Transition(m, Event{Type: SubmissionSucceeded, Handle: "h1"})
	require.NoError(t, err)
	m, eff, err = Transition(m, Event{Type: OutcomeConfirmed})
	require.NoError(t, err)
	require.Equal(t, Completed, m.State)
	require.Equal(t, []EffectType{ClearOverlay, Complete, ReleaseTarget}, effectTypes(eff))

	_, _, err = Transition(m, Event{Type: Start})
	var te *TransitionError
	require.ErrorAs(t, err, &te)
}

func TestSubmissionFailureIsTerminal(t *testing.T) {
	m := Machine{State: StepSubmitting, Length: 2}
	m, eff, err := Transition(m, Event{Type: SubmissionFailed, Reason: "user declined"})
	require.NoError(t, err)
	require.Equal(t, Failed, m.State)
	require.Equal(t, "failed", m.State.Status())
	require.Equal(t, []EffectType{Fail, ReleaseTarget}, effectTypes(eff))
	require.Equal(t, "user declined", eff[0].Reason)
}

func TestRevertWithoutReasonUsesGenericMessage(t *testing.T) {
	m := Machine{State: StepConfirming, Index: 1, Length: 3, InFlight: true}
	m, eff, err := Transition(m, Event{Type: OutcomeReverted})
	require.NoError(t, err)
	require.Equal(t, Failed, m.State)
	require.Equal(t, 1, m.Index)
	require.False(t, m.InFlight)
	require.Equal(t, GenericRevertReason, eff[1].Reason)
}

func TestTimeoutNeverResubmits(t *testing.T) {
	m := Machine{State: StepConfirming, Index: 0, Length: 2, InFlight: true}
	m, eff, err := Transition(m, Event{Type: OutcomeTimedOut})
	require.NoError(t, err)
	require.Equal(t, AwaitingReconciliation, m.State)
	require.True(t, m.InFlight)
	require.NotContains(t, effectTypes(eff), Submit)
	require.NotContains(t, effectTypes(eff), ReleaseTarget)
	require.True(t, HoldsTarget(m.State))

	_, _, err = Transition(m, Event{Type: Start})
	require.Error(t, err)

	same, eff, err := Transition(m, Event{Type: ReconciledPending})
	require.NoError(t, err)
	require.Equal(t, m, same)
	require.Empty(t, eff)
}

func TestReconciledConfirmationParksBeforeNextStep(t *testing.T) {
	m := Machine{State: AwaitingReconciliation, Index: 0, Length: 2, InFlight: true}
	m, eff, err := Transition(m, Event{Type: ReconciledConfirmed})
	require.NoError(t, err)
	require.Equal(t, Idle, m.State)
	require.Equal(t, 1, m.Index)
	require.Equal(t, []EffectType{ClearOverlay}, effectTypes(eff))

	m, eff, err = Transition(m, Event{Type: Start})
	require.NoError(t, err)
	require.Equal(t, StepSubmitting, m.State)
	require.Equal(t, []Effect{{Type: Submit, Index: 1}}, eff)
}

func TestReconciledConfirmationOfLastStepCompletes(t *testing.T) {
	m := Machine{State: AwaitingReconciliation, Index: 1, Length: 2, InFlight: true}
	m, eff, err := Transition(m, Event{Type: ReconciledConfirmed})
	require.NoError(t, err)
	require.Equal(t, Completed, m.State)
	require.Contains(t, effectTypes(eff), ReleaseTarget)
}

func TestBatchHaltsAtRevertedItem(t *testing.T) {
	m := Machine{State: Idle, Length: 3}
	var submitted []int
	step := func(ev Event) {
		var eff []Effect
		var err error
		m, eff, err = Transition(m, ev)
		require.NoError(t, err)
		for _, e := range eff {
			if e.Type == Submit {
				submitted = append(submitted, e.Index)
			}
		}
	}
	step(Event{Type: Start})
	step(Event{Type: SubmissionSucceeded, Handle: "a"})
	step(Event{Type: OutcomeConfirmed})
	step(Event{Type: SubmissionSucceeded, Handle: "b"})
	step(Event{Type: OutcomeReverted, Reason: "item still pledged"})

	require.Equal(t, Failed, m.State)
	require.Equal(t, 1, m.Index)
	require.Equal(t, []int{0, 1}, submitted)
}

func TestAbandon(t *testing.T) {
	m, eff, err := Transition(Machine{State: Idle, Length: 1}, Event{Type: Abandon})
	require.NoError(t, err)
	require.Equal(t, Failed, m.State)
	require.Equal(t, "abandoned", eff[0].Reason)

	m, eff, err = Transition(Machine{State: StepConfirming, Length: 1, InFlight: true}, Event{Type: Abandon})
	require.NoError(t, err)
	require.Equal(t, AwaitingReconciliation, m.State)
	require.NotContains(t, effectTypes(eff), ReleaseTarget)
}

func TestEmptyMachineCompletesOnStart(t *testing.T) {
	m, eff, err := Transition(Machine{State: Idle}, Event{Type: Start})
	require.NoError(t, err)
	require.Equal(t, Completed, m.State)
	require.Equal(t, []EffectType{Complete, ReleaseTarget}, effectTypes(eff))
}
