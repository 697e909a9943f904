package risk

import (
	"errors"
	"fmt"
)

// ErrGateTripped is returned (wrapped) whenever the safety gate denies, so a
// caller cannot fall through to the spend path by ignoring the decision value
// alone.
var ErrGateTripped = errors.New("safety gate tripped")

// GateDecision reports the gate's verdict.
type GateDecision struct {
	Allowed bool
	Reason  string
}

// RunGate evaluates the snapshot against the limits and fails closed: on any
// denial the onTrip hook (if set) fires and a non-nil error is returned.
func RunGate(snap Snapshot, limits Limits, onTrip func(GateDecision)) (GateDecision, error) {
	return RunGateWith(LimitsEvaluator{Limits: limits}, snap, onTrip)
}

// RunGateWith is RunGate against a pluggable risk evaluator.
func RunGateWith(eval Evaluator, snap Snapshot, onTrip func(GateDecision)) (GateDecision, error) {
	out := eval.EvaluateRisk(snap)

	reason := out.Reason()
	if reason == "" {
		if out.Allowed() {
			reason = ReasonOK
		} else {
			reason = ReasonGenericViolation
		}
	}

	decision := GateDecision{Allowed: out.Allowed(), Reason: reason}
	if !decision.Allowed {
		if onTrip != nil {
			onTrip(decision)
		}
		return decision, fmt.Errorf("%w: %s", ErrGateTripped, decision.Reason)
	}
	return decision, nil
}
