// Package fallback implements the pure, deterministic Fake→Real→Default
// TLS-SNI fallback state machine described in spec.md §4.3. It performs no
// I/O and holds no locks; callers own synchronization if a Decision is
// shared across goroutines (in practice each subtransport action owns one).
package fallback

// Stage is a position in the {Fake, Real, Default} chain.
type Stage string

const (
	StageNone    Stage = "none"
	StageFake    Stage = "fake"
	StageReal    Stage = "real"
	StageDefault Stage = "default"
)

// Reason explains why a transition happened.
type Reason string

const (
	ReasonEnterFake          Reason = "enter_fake"
	ReasonFakeHandshakeError Reason = "fake_handshake_error"
	ReasonSkipFakePolicy     Reason = "skip_fake_policy"
	ReasonRealFailed         Reason = "real_failed"
)

// Transition records one entry in a Decision's history.
type Transition struct {
	Stage  Stage
	Reason Reason
}

// Decision holds the current stage plus an append-only transition history
// for diagnostic emission. Default is terminal: once reached (directly via
// SkipFakePolicy or via the Fake→Real→Default chain) advance_on_error is a
// permanent no-op.
type Decision struct {
	stage   Stage
	history []Transition
}

// Initial constructs a Decision. When fake SNI is permitted by both the
// static policy and the current runtime toggle, the initial stage is Fake
// with reason EnterFake; otherwise the decision starts and ends at Default
// with reason SkipFakePolicy (terminal — there is nothing to advance from).
func Initial(policyAllowsFake, runtimeFakeDisabled bool) *Decision {
	if policyAllowsFake && !runtimeFakeDisabled {
		return &Decision{
			stage:   StageFake,
			history: []Transition{{Stage: StageFake, Reason: ReasonEnterFake}},
		}
	}
	return &Decision{
		stage:   StageDefault,
		history: []Transition{{Stage: StageDefault, Reason: ReasonSkipFakePolicy}},
	}
}

// Stage returns the current stage.
func (d *Decision) Stage() Stage { return d.stage }

// History returns a copy of the transition history in order.
func (d *Decision) History() []Transition {
	out := make([]Transition, len(d.history))
	copy(out, d.history)
	return out
}

// AdvanceOnError transitions Fake→Real (reason FakeHandshakeError) or
// Real→Default (reason RealFailed). It is a no-op in terminal states
// (Default, or the unreachable None), preserving stage and history length —
// this is invariant 13 of spec.md §8: advancing from Default must not grow
// the history.
func (d *Decision) AdvanceOnError() {
	switch d.stage {
	case StageFake:
		d.stage = StageReal
		d.history = append(d.history, Transition{Stage: StageReal, Reason: ReasonFakeHandshakeError})
	case StageReal:
		d.stage = StageDefault
		d.history = append(d.history, Transition{Stage: StageDefault, Reason: ReasonRealFailed})
	default:
		// Default and None are terminal; advancing further is a no-op.
	}
}
