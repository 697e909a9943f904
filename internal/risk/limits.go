package risk

import (
	"github.com/shopspring/decimal"
)

// Deny reason codes, machine readable.
const (
	ReasonNonpositiveBudget = "NONPOSITIVE_BUDGET"
	ReasonAutoKillswitch    = "AUTO_KILLSWITCH_THRESHOLD_EXCEEDED"
	ReasonDailyLossLimit    = "DAILY_LOSS_LIMIT_EXCEEDED"
	ReasonSpendRateAnomaly  = "SPEND_RATE_ANOMALY"
	ReasonOK                = "OK"
	ReasonGenericViolation  = "RISK_VIOLATION"
)

func qMoney(d decimal.Decimal) decimal.Decimal { return d.Round(2) }
func qRatio(d decimal.Decimal) decimal.Decimal { return d.Round(4) }

// Limits 定义资金保护阈值，全部为比例（不是百分数）。
type Limits struct {
	// DailyLossLimit is the soft daily-loss ceiling as a fraction of the
	// monthly budget.
	DailyLossLimit decimal.Decimal
	// SpendRateAnomalyMult flags spend running this multiple over the
	// expected 4h rate.
	SpendRateAnomalyMult decimal.Decimal
	// MaxSingleCampaignShare is reserved for a future concentration cap.
	MaxSingleCampaignShare decimal.Decimal
	// AutoKillswitchThreshold is the hard ceiling; reaching it trips the
	// system kill switch.
	AutoKillswitchThreshold decimal.Decimal
}

// DefaultLimits returns the standard protection thresholds.
func DefaultLimits() Limits {
	return Limits{
		DailyLossLimit:          decimal.NewFromFloat(0.05),
		SpendRateAnomalyMult:    decimal.NewFromFloat(3.0),
		MaxSingleCampaignShare:  decimal.NewFromFloat(0.25),
		AutoKillswitchThreshold: decimal.NewFromFloat(0.80),
	}
}

// Normalize quantizes all thresholds to 4 decimal places.
func (l Limits) Normalize() Limits {
	return Limits{
		DailyLossLimit:          qRatio(l.DailyLossLimit),
		SpendRateAnomalyMult:    qRatio(l.SpendRateAnomalyMult),
		MaxSingleCampaignShare:  qRatio(l.MaxSingleCampaignShare),
		AutoKillswitchThreshold: qRatio(l.AutoKillswitchThreshold),
	}
}

// Snapshot is a point-in-time view of spend telemetry, constructed fresh per
// evaluation. Money fields are quantized to cents.
type Snapshot struct {
	MonthlyBudget       decimal.Decimal
	ExpectedSpendRate4h decimal.Decimal
	ActualSpend4h       decimal.Decimal
	DailyLoss           decimal.Decimal
}

// NewSnapshot quantizes the given telemetry into a Snapshot.
func NewSnapshot(monthlyBudget, expectedRate4h, actualSpend4h, dailyLoss decimal.Decimal) Snapshot {
	return Snapshot{
		MonthlyBudget:       qMoney(monthlyBudget),
		ExpectedSpendRate4h: qMoney(expectedRate4h),
		ActualSpend4h:       qMoney(actualSpend4h),
		DailyLoss:           qMoney(dailyLoss),
	}
}

// Decision is the outcome of one risk evaluation.
type Decision struct {
	Permit bool
	Code   string
}

// Allowed implements Outcome.
func (d Decision) Allowed() bool { return d.Permit }

// Reason implements Outcome.
func (d Decision) Reason() string { return d.Code }

// Outcome is what any risk evaluator must produce. It replaces the loose
// attribute scanning of earlier engines with one explicit contract.
type Outcome interface {
	Allowed() bool
	Reason() string
}

// Evaluator produces an Outcome for a telemetry snapshot. The gate works
// against any implementation, not just Evaluate below.
type Evaluator interface {
	EvaluateRisk(snap Snapshot) Outcome
}

// Evaluate applies the limits to a snapshot. Pure; first matching rule wins.
func Evaluate(limits Limits, snap Snapshot) Decision {
	l := limits.Normalize()

	if snap.MonthlyBudget.LessThanOrEqual(decimal.Zero) {
		return Decision{Permit: false, Code: ReasonNonpositiveBudget}
	}

	// Hard ceiling first: at or beyond it the softer daily limit is moot.
	autoCap := snap.MonthlyBudget.Mul(l.AutoKillswitchThreshold)
	if snap.DailyLoss.GreaterThanOrEqual(autoCap) {
		return Decision{Permit: false, Code: ReasonAutoKillswitch}
	}

	dailyCap := snap.MonthlyBudget.Mul(l.DailyLossLimit)
	if snap.DailyLoss.GreaterThan(dailyCap) {
		return Decision{Permit: false, Code: ReasonDailyLossLimit}
	}

	if snap.ExpectedSpendRate4h.GreaterThan(decimal.Zero) {
		anomalyCap := snap.ExpectedSpendRate4h.Mul(l.SpendRateAnomalyMult)
		if snap.ActualSpend4h.GreaterThan(anomalyCap) {
			return Decision{Permit: false, Code: ReasonSpendRateAnomaly}
		}
	}

	return Decision{Permit: true, Code: ReasonOK}
}

// LimitsEvaluator adapts Evaluate into the Evaluator interface.
type LimitsEvaluator struct {
	Limits Limits
}

// EvaluateRisk implements Evaluator.
func (e LimitsEvaluator) EvaluateRisk(snap Snapshot) Outcome {
	return Evaluate(e.Limits, snap)
}

var _ Evaluator = LimitsEvaluator{}
var _ Outcome = Decision{}
