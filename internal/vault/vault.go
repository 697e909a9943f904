package vault

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// Bucket names one of the three capital pools.
type Bucket string

const (
	BucketLearning    Bucket = "learning"
	BucketOperational Bucket = "operational"
	BucketReserve     Bucket = "reserve"
)

var (
	// ErrInvalidAmount indicates a non-positive or unparsable amount.
	ErrInvalidAmount = errors.New("vault: invalid amount")
	// ErrInvalidBucket indicates a bucket other than learning/operational.
	ErrInvalidBucket = errors.New("vault: invalid bucket")
	// ErrInsufficientBucketBudget indicates the bucket balance cannot cover the amount.
	ErrInsufficientBucketBudget = errors.New("vault: insufficient bucket budget")
	// ErrInsufficientTotalBudget indicates the total remaining balance cannot cover the amount.
	ErrInsufficientTotalBudget = errors.New("vault: insufficient total budget")
)

var (
	one     = decimal.NewFromInt(1)
	zeroAmt = decimal.Zero
)

// q2 金额量化：2 位小数，四舍五入（round half up）。
func q2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// Ratios describe how a total budget is split across the three buckets.
type Ratios struct {
	Learning    decimal.Decimal
	Operational decimal.Decimal
	Reserve     decimal.Decimal
}

// DefaultRatios returns the standard 30/55/15 split.
func DefaultRatios() Ratios {
	return Ratios{
		Learning:    decimal.NewFromFloat(0.30),
		Operational: decimal.NewFromFloat(0.55),
		Reserve:     decimal.NewFromFloat(0.15),
	}
}

// Vault tracks spend against three capital buckets. Reserve is never
// decremented by any operation; only learning and operational are spendable.
// Safe for concurrent callers within one process.
type Vault struct {
	mu sync.Mutex

	totalBudget       decimal.Decimal
	learningBudget    decimal.Decimal
	operationalBudget decimal.Decimal
	reserveBudget     decimal.Decimal
	spentLearning     decimal.Decimal
	spentOperational  decimal.Decimal
}

// FromTotal splits a total budget into the three buckets. The reserve bucket
// is computed as the remainder so cent-level rounding error lands there and
// never in learning/operational.
func FromTotal(total decimal.Decimal, r Ratios) (*Vault, error) {
	if total.IsNegative() {
		return nil, fmt.Errorf("%w: total %s is negative", ErrInvalidAmount, total)
	}
	if r.Learning.IsNegative() || r.Operational.IsNegative() || r.Reserve.IsNegative() {
		return nil, fmt.Errorf("%w: ratios must be non-negative", ErrInvalidAmount)
	}
	if !r.Learning.Add(r.Operational).Add(r.Reserve).Equal(one) {
		return nil, fmt.Errorf("%w: ratios must sum to exactly 1", ErrInvalidAmount)
	}

	totalQ := q2(total)
	learning := q2(totalQ.Mul(r.Learning))
	operational := q2(totalQ.Mul(r.Operational))
	reserve := q2(totalQ.Sub(learning).Sub(operational))
	if reserve.IsNegative() {
		return nil, fmt.Errorf("%w: computed reserve %s is negative", ErrInvalidAmount, reserve)
	}

	return &Vault{
		totalBudget:       totalQ,
		learningBudget:    learning,
		operationalBudget: operational,
		reserveBudget:     reserve,
		spentLearning:     zeroAmt,
		spentOperational:  zeroAmt,
	}, nil
}

// ParseAmount converts a boundary value into a spend amount. Only decimals,
// integers, and numeric strings are accepted; booleans are rejected outright
// because truthy coercion of amounts is a classic upstream bug.
func ParseAmount(v any) (decimal.Decimal, error) {
	switch x := v.(type) {
	case decimal.Decimal:
		return x, nil
	case int:
		return decimal.NewFromInt(int64(x)), nil
	case int64:
		return decimal.NewFromInt(x), nil
	case json.Number:
		d, err := decimal.NewFromString(x.String())
		if err != nil {
			return decimal.Decimal{}, fmt.Errorf("%w: %q", ErrInvalidAmount, x.String())
		}
		return d, nil
	case string:
		d, err := decimal.NewFromString(x)
		if err != nil {
			return decimal.Decimal{}, fmt.Errorf("%w: %q", ErrInvalidAmount, x)
		}
		return d, nil
	case bool:
		return decimal.Decimal{}, fmt.Errorf("%w: boolean is not an amount", ErrInvalidAmount)
	default:
		return decimal.Decimal{}, fmt.Errorf("%w: unsupported type %T", ErrInvalidAmount, v)
	}
}

// RequestSpend attempts to spend amount from the given bucket. On success the
// bucket's spent counter is incremented and the quantized amount is returned.
// Business denials come back as sentinel errors; the vault never panics for
// them and never mutates state on a denial.
func (v *Vault) RequestSpend(amount decimal.Decimal, bucket Bucket) (decimal.Decimal, error) {
	amt := q2(amount)

	if amt.LessThanOrEqual(zeroAmt) {
		return decimal.Decimal{}, fmt.Errorf("%w: amount must be > 0, got %s", ErrInvalidAmount, amt)
	}
	if bucket != BucketLearning && bucket != BucketOperational {
		return decimal.Decimal{}, fmt.Errorf("%w: %q", ErrInvalidBucket, bucket)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	switch bucket {
	case BucketLearning:
		if amt.GreaterThan(v.remainingLearningLocked()) {
			return decimal.Decimal{}, fmt.Errorf("%w: learning remaining %s < %s", ErrInsufficientBucketBudget, v.remainingLearningLocked(), amt)
		}
	case BucketOperational:
		if amt.GreaterThan(v.remainingOperationalLocked()) {
			return decimal.Decimal{}, fmt.Errorf("%w: operational remaining %s < %s", ErrInsufficientBucketBudget, v.remainingOperationalLocked(), amt)
		}
	}

	// Defensive double-check against the whole budget.
	if amt.GreaterThan(v.remainingTotalLocked()) {
		return decimal.Decimal{}, fmt.Errorf("%w: total remaining %s < %s", ErrInsufficientTotalBudget, v.remainingTotalLocked(), amt)
	}

	if bucket == BucketLearning {
		v.spentLearning = q2(v.spentLearning.Add(amt))
	} else {
		v.spentOperational = q2(v.spentOperational.Add(amt))
	}
	return amt, nil
}

// CanSpend reports whether RequestSpend would succeed, without mutating state.
func (v *Vault) CanSpend(amount decimal.Decimal, bucket Bucket) bool {
	clone := v.Snapshot().Restore()
	_, err := clone.RequestSpend(amount, bucket)
	return err == nil
}

func (v *Vault) remainingLearningLocked() decimal.Decimal {
	return q2(v.learningBudget.Sub(v.spentLearning))
}

func (v *Vault) remainingOperationalLocked() decimal.Decimal {
	return q2(v.operationalBudget.Sub(v.spentOperational))
}

func (v *Vault) remainingTotalLocked() decimal.Decimal {
	return q2(v.totalBudget.Sub(v.spentLearning).Sub(v.spentOperational))
}

// Snapshot returns an immutable view of the current state.
func (v *Vault) Snapshot() Snapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	return Snapshot{
		TotalBudget:       v.totalBudget,
		LearningBudget:    v.learningBudget,
		OperationalBudget: v.operationalBudget,
		ReserveBudget:     v.reserveBudget,
		SpentLearning:     v.spentLearning,
		SpentOperational:  v.spentOperational,
	}
}

// Snapshot 是 vault 状态的只读视图，用于日志与分析。
type Snapshot struct {
	TotalBudget       decimal.Decimal `json:"total_budget"`
	LearningBudget    decimal.Decimal `json:"learning_budget"`
	OperationalBudget decimal.Decimal `json:"operational_budget"`
	ReserveBudget     decimal.Decimal `json:"reserve_budget"`
	SpentLearning     decimal.Decimal `json:"spent_learning"`
	SpentOperational  decimal.Decimal `json:"spent_operational"`
}

// TotalSpent is the sum of both spendable buckets' counters.
func (s Snapshot) TotalSpent() decimal.Decimal {
	return q2(s.SpentLearning.Add(s.SpentOperational))
}

// RemainingLearning is the unspent learning balance.
func (s Snapshot) RemainingLearning() decimal.Decimal {
	return q2(s.LearningBudget.Sub(s.SpentLearning))
}

// RemainingOperational is the unspent operational balance.
func (s Snapshot) RemainingOperational() decimal.Decimal {
	return q2(s.OperationalBudget.Sub(s.SpentOperational))
}

// RemainingTotal is the unspent total balance, reserve included.
func (s Snapshot) RemainingTotal() decimal.Decimal {
	return q2(s.TotalBudget.Sub(s.TotalSpent()))
}

// Restore rebuilds a live Vault from a snapshot. Callers persisting snapshots
// across restarts use this to resume a session.
func (s Snapshot) Restore() *Vault {
	return &Vault{
		totalBudget:       s.TotalBudget,
		learningBudget:    s.LearningBudget,
		operationalBudget: s.OperationalBudget,
		reserveBudget:     s.ReserveBudget,
		spentLearning:     s.SpentLearning,
		spentOperational:  s.SpentOperational,
	}
}
