package risk

import (
	"errors"
	"testing"
)

func TestRunGateAllows(t *testing.T) {
	dec, err := RunGate(snap("1000.00", "10.00", "5.00", "10.00"), DefaultLimits(), nil)
	if err != nil {
		t.Fatalf("正常快照不应 trip: %v", err)
	}
	if !dec.Allowed || dec.Reason != ReasonOK {
		t.Fatalf("期望放行, 实际 %+v", dec)
	}
}

func TestRunGateTripsAndInvokesHook(t *testing.T) {
	var tripped *GateDecision
	dec, err := RunGate(snap("1000.00", "10", "5", "900.00"), DefaultLimits(), func(d GateDecision) {
		tripped = &d
	})

	if !errors.Is(err, ErrGateTripped) {
		t.Fatalf("应返回 ErrGateTripped, 实际 %v", err)
	}
	if dec.Allowed {
		t.Fatal("trip 时 decision.Allowed 应为 false")
	}
	if tripped == nil || tripped.Reason != ReasonAutoKillswitch {
		t.Fatalf("on_trip 回调应收到决策, 实际 %+v", tripped)
	}
}

type alwaysDeny struct{}

func (alwaysDeny) EvaluateRisk(Snapshot) Outcome {
	return Decision{Permit: false, Code: ""}
}

type alwaysAllow struct{}

func (alwaysAllow) EvaluateRisk(Snapshot) Outcome {
	return Decision{Permit: true, Code: ""}
}

func TestRunGateWithAlternativeEvaluator(t *testing.T) {
	_, err := RunGateWith(alwaysDeny{}, Snapshot{}, nil)
	if !errors.Is(err, ErrGateTripped) {
		t.Fatalf("自定义 evaluator 拒绝时应 trip: %v", err)
	}

	dec, err := RunGateWith(alwaysAllow{}, Snapshot{}, nil)
	if err != nil {
		t.Fatalf("自定义 evaluator 放行时不应失败: %v", err)
	}
	if dec.Reason != ReasonOK {
		t.Fatalf("空 reason 放行应回落为 OK, 实际 %s", dec.Reason)
	}
}

func TestRunGateFallbackReasonOnDeny(t *testing.T) {
	dec, err := RunGateWith(alwaysDeny{}, Snapshot{}, nil)
	if err == nil {
		t.Fatal("应 trip")
	}
	if dec.Reason != ReasonGenericViolation {
		t.Fatalf("空 reason 拒绝应回落为 RISK_VIOLATION, 实际 %s", dec.Reason)
	}
}
