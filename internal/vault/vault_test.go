package vault

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestFromTotalDefaultSplit(t *testing.T) {
	v, err := FromTotal(d("1000.00"), DefaultRatios())
	if err != nil {
		t.Fatalf("FromTotal 不应失败: %v", err)
	}

	snap := v.Snapshot()
	if !snap.LearningBudget.Equal(d("300.00")) {
		t.Fatalf("learning 应为 300.00, 实际 %s", snap.LearningBudget)
	}
	if !snap.OperationalBudget.Equal(d("550.00")) {
		t.Fatalf("operational 应为 550.00, 实际 %s", snap.OperationalBudget)
	}
	if !snap.ReserveBudget.Equal(d("150.00")) {
		t.Fatalf("reserve 应为 150.00, 实际 %s", snap.ReserveBudget)
	}
}

func TestFromTotalBucketsAlwaysSumToTotal(t *testing.T) {
	totals := []string{"0", "0.01", "1", "99.99", "123.45", "1000", "33333.33"}
	for _, total := range totals {
		v, err := FromTotal(d(total), DefaultRatios())
		if err != nil {
			t.Fatalf("total=%s 构造失败: %v", total, err)
		}
		snap := v.Snapshot()
		sum := snap.LearningBudget.Add(snap.OperationalBudget).Add(snap.ReserveBudget)
		if !sum.Equal(snap.TotalBudget) {
			t.Fatalf("total=%s 三桶之和 %s != %s", total, sum, snap.TotalBudget)
		}
	}
}

func TestFromTotalRejectsBadInputs(t *testing.T) {
	if _, err := FromTotal(d("-1"), DefaultRatios()); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("负数 total 应返回 ErrInvalidAmount, 实际 %v", err)
	}

	bad := Ratios{Learning: d("0.5"), Operational: d("0.5"), Reserve: d("0.1")}
	if _, err := FromTotal(d("100"), bad); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("比例和不为 1 应返回 ErrInvalidAmount, 实际 %v", err)
	}

	negative := Ratios{Learning: d("-0.1"), Operational: d("0.6"), Reserve: d("0.5")}
	if _, err := FromTotal(d("100"), negative); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("负比例应返回 ErrInvalidAmount, 实际 %v", err)
	}
}

func TestRequestSpendHappyPath(t *testing.T) {
	v, _ := FromTotal(d("1000.00"), DefaultRatios())

	spent, err := v.RequestSpend(d("300.00"), BucketLearning)
	if err != nil {
		t.Fatalf("第一次 learning 花费应成功: %v", err)
	}
	if !spent.Equal(d("300.00")) {
		t.Fatalf("返回的花费额应为 300.00, 实际 %s", spent)
	}

	if _, err := v.RequestSpend(d("0.01"), BucketLearning); !errors.Is(err, ErrInsufficientBucketBudget) {
		t.Fatalf("learning 用尽后应返回 ErrInsufficientBucketBudget, 实际 %v", err)
	}
}

func TestRequestSpendRejectsInvalidInputs(t *testing.T) {
	v, _ := FromTotal(d("100.00"), DefaultRatios())

	if _, err := v.RequestSpend(d("0"), BucketLearning); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("amount=0 应返回 ErrInvalidAmount, 实际 %v", err)
	}
	if _, err := v.RequestSpend(d("-5"), BucketOperational); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("负 amount 应返回 ErrInvalidAmount, 实际 %v", err)
	}
	if _, err := v.RequestSpend(d("1"), BucketReserve); !errors.Is(err, ErrInvalidBucket) {
		t.Fatalf("reserve 桶应返回 ErrInvalidBucket, 实际 %v", err)
	}
	if _, err := v.RequestSpend(d("1"), Bucket("savings")); !errors.Is(err, ErrInvalidBucket) {
		t.Fatalf("未知桶应返回 ErrInvalidBucket, 实际 %v", err)
	}
}

func TestReserveNeverTouched(t *testing.T) {
	v, _ := FromTotal(d("1000.00"), DefaultRatios())
	before := v.Snapshot().ReserveBudget

	amounts := []string{"100", "200", "0.01", "550", "9999"}
	buckets := []Bucket{BucketLearning, BucketOperational, BucketReserve}
	for _, a := range amounts {
		for _, b := range buckets {
			_, _ = v.RequestSpend(d(a), b)
		}
	}

	snap := v.Snapshot()
	if !snap.ReserveBudget.Equal(before) {
		t.Fatalf("reserve 不应被改动: %s -> %s", before, snap.ReserveBudget)
	}
	if snap.TotalSpent().GreaterThan(snap.TotalBudget) {
		t.Fatalf("total_spent %s 不应超过 total_budget %s", snap.TotalSpent(), snap.TotalBudget)
	}
}

func TestQuantizationRoundHalfUp(t *testing.T) {
	v, _ := FromTotal(d("1000.00"), DefaultRatios())

	spent, err := v.RequestSpend(d("10.005"), BucketOperational)
	if err != nil {
		t.Fatalf("花费应成功: %v", err)
	}
	if !spent.Equal(d("10.01")) {
		t.Fatalf("10.005 应量化为 10.01, 实际 %s", spent)
	}
}

func TestCanSpendDoesNotMutate(t *testing.T) {
	v, _ := FromTotal(d("1000.00"), DefaultRatios())

	if !v.CanSpend(d("300.00"), BucketLearning) {
		t.Fatal("CanSpend 应允许 300.00 learning")
	}
	if v.CanSpend(d("300.01"), BucketLearning) {
		t.Fatal("CanSpend 不应允许超额")
	}

	snap := v.Snapshot()
	if !snap.SpentLearning.IsZero() {
		t.Fatalf("CanSpend 不应改动状态, spent_learning=%s", snap.SpentLearning)
	}
}

func TestParseAmount(t *testing.T) {
	if _, err := ParseAmount(true); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("bool 应被拒绝, 实际 %v", err)
	}
	if _, err := ParseAmount("not-a-number"); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("非数字字符串应被拒绝, 实际 %v", err)
	}
	if _, err := ParseAmount(3.14); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("float64 应被拒绝, 实际 %v", err)
	}

	got, err := ParseAmount(json.Number("12.50"))
	if err != nil {
		t.Fatalf("json.Number 应被接受: %v", err)
	}
	if !got.Equal(d("12.50")) {
		t.Fatalf("期望 12.50, 实际 %s", got)
	}

	got, err = ParseAmount(int64(7))
	if err != nil || !got.Equal(d("7")) {
		t.Fatalf("int64 应被接受, got=%s err=%v", got, err)
	}
}

func TestSnapshotRestoreRoundtrip(t *testing.T) {
	v, _ := FromTotal(d("500.00"), DefaultRatios())
	if _, err := v.RequestSpend(d("25.00"), BucketLearning); err != nil {
		t.Fatalf("花费应成功: %v", err)
	}

	restored := v.Snapshot().Restore()
	a, b := v.Snapshot(), restored.Snapshot()
	if !a.SpentLearning.Equal(b.SpentLearning) || !a.RemainingTotal().Equal(b.RemainingTotal()) {
		t.Fatalf("恢复后的状态应一致: %+v vs %+v", a, b)
	}
}
