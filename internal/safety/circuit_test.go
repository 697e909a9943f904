package safety

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// fakeClock lets tests march time forward deterministically.
type fakeClock struct {
	t time.Time
}

func (f *fakeClock) now() time.Time          { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestBreaker(t *testing.T, cfg CircuitConfig, path string) (*CircuitBreaker, *fakeClock) {
	t.Helper()
	cb := NewCircuitBreaker(cfg, path, testLogger())
	clk := &fakeClock{t: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)}
	cb.now = clk.now
	return cb, clk
}

func TestCircuitOpensAfterThreshold(t *testing.T) {
	cb, _ := newTestBreaker(t, DefaultCircuitConfig(), "")

	for i := 0; i < 2; i++ {
		cb.RecordFailure()
		if !cb.CanExecute() {
			t.Fatalf("第 %d 次失败后仍应允许执行", i+1)
		}
	}

	cb.RecordFailure()
	if cb.State() != StateOpen {
		t.Fatalf("达到阈值应 OPEN, 实际 %s", cb.State())
	}
	if cb.CanExecute() {
		t.Fatal("OPEN 且冷却未过, 不应允许执行")
	}
}

func TestCircuitHalfOpenAfterCooldown(t *testing.T) {
	cb, clk := newTestBreaker(t, DefaultCircuitConfig(), "")

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	if cb.CanExecute() {
		t.Fatal("冷却前不应放行")
	}

	clk.advance(DefaultCircuitConfig().Cooldown)
	if !cb.CanExecute() {
		t.Fatal("冷却结束应放行单次试探")
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("放行后应处于 HALF_OPEN, 实际 %s", cb.State())
	}
}

func TestCircuitBackoffDoublesAndCaps(t *testing.T) {
	cfg := CircuitConfig{FailureThreshold: 1, SuccessThreshold: 1, Cooldown: time.Minute, MaxCooldown: 4 * time.Minute}
	cb, clk := newTestBreaker(t, cfg, "")

	cb.RecordFailure() // CLOSED -> OPEN
	prev := cb.CurrentCooldown()

	for i := 0; i < 5; i++ {
		clk.advance(cb.CurrentCooldown())
		if !cb.CanExecute() {
			t.Fatalf("第 %d 轮冷却后应放行试探", i+1)
		}
		cb.RecordFailure() // HALF_OPEN -> OPEN, 退避翻倍

		cur := cb.CurrentCooldown()
		if cur < prev {
			t.Fatalf("退避不应缩短: %s -> %s", prev, cur)
		}
		if cur > cfg.MaxCooldown {
			t.Fatalf("退避 %s 超过上限 %s", cur, cfg.MaxCooldown)
		}
		prev = cur
	}

	if cb.CurrentCooldown() != cfg.MaxCooldown {
		t.Fatalf("多次退避后应到达上限, 实际 %s", cb.CurrentCooldown())
	}
}

func TestCircuitSuccessInHalfOpenResetsCooldown(t *testing.T) {
	cfg := CircuitConfig{FailureThreshold: 1, SuccessThreshold: 1, Cooldown: time.Minute, MaxCooldown: time.Hour}
	cb, clk := newTestBreaker(t, cfg, "")

	cb.RecordFailure()
	clk.advance(time.Minute)
	if !cb.CanExecute() {
		t.Fatal("应进入 HALF_OPEN")
	}
	cb.RecordFailure() // 翻倍到 2m
	clk.advance(2 * time.Minute)
	if !cb.CanExecute() {
		t.Fatal("第二次试探应放行")
	}

	cb.RecordSuccess()
	if cb.State() != StateClosed {
		t.Fatalf("成功试探应 CLOSED, 实际 %s", cb.State())
	}
	if cb.CurrentCooldown() != cfg.Cooldown {
		t.Fatalf("CLOSED 后冷却应重置为初始值, 实际 %s", cb.CurrentCooldown())
	}
}

func TestCircuitPersistsAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "circuit.json")
	cfg := DefaultCircuitConfig()

	cb, clk := newTestBreaker(t, cfg, path)
	for i := 0; i < cfg.FailureThreshold; i++ {
		cb.RecordFailure()
	}

	cb2 := NewCircuitBreaker(cfg, path, testLogger())
	cb2.now = clk.now
	if cb2.State() != StateOpen {
		t.Fatalf("重启后应仍为 OPEN, 实际 %s", cb2.State())
	}
	if cb2.CanExecute() {
		t.Fatal("重启后冷却未过不应放行")
	}
}

func TestCircuitCorruptedStateFailsClosed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "circuit.json")
	if err := os.WriteFile(path, []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := DefaultCircuitConfig()
	cb := NewCircuitBreaker(cfg, path, testLogger())

	if cb.State() != StateOpen {
		t.Fatalf("损坏状态必须加载为 OPEN, 实际 %s", cb.State())
	}
	if cb.CanExecute() {
		t.Fatal("损坏状态不应放行")
	}
	if cb.CurrentCooldown() != cfg.MaxCooldown {
		t.Fatalf("损坏状态冷却应取最大值, 实际 %s", cb.CurrentCooldown())
	}
}
