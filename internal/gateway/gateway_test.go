package gateway

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"capital-guard/internal/idempo"
	"capital-guard/internal/ledger"
	"capital-guard/internal/risk"
	"capital-guard/internal/safety"
	"capital-guard/internal/vault"
)

func mustVault(t *testing.T, total int64) *vault.Vault {
	t.Helper()
	v, err := vault.FromTotal(decimal.NewFromInt(total), vault.DefaultRatios())
	if err != nil {
		t.Fatalf("构造 Vault 失败: %v", err)
	}
	return v
}

func mustLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	l, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.ndjson"))
	if err != nil {
		t.Fatalf("打开账本失败: %v", err)
	}
	return l
}

func newGateway(t *testing.T, cfg Config) *Gateway {
	t.Helper()
	if cfg.Vault == nil {
		cfg.Vault = mustVault(t, 1000)
	}
	if cfg.Idempotency == nil {
		cfg.Idempotency = idempo.NewMemoryStore(0)
	}
	if cfg.Ledger == nil {
		cfg.Ledger = mustLedger(t)
	}
	if cfg.Limits == (risk.Limits{}) {
		cfg.Limits = risk.DefaultLimits()
	}
	cfg.Logger = zerolog.Nop()
	g, err := New(cfg)
	if err != nil {
		t.Fatalf("构造 Gateway 失败: %v", err)
	}
	return g
}

func TestDecideApprovesAndLogs(t *testing.T) {
	led := mustLedger(t)
	g := newGateway(t, Config{Ledger: led})

	dec, err := g.Decide(Request{
		Amount:    decimal.RequireFromString("10.00"),
		Pool:      vault.BucketLearning,
		ProductID: "p1",
		RequestID: "r1",
		Day:       1,
	}, "")
	if err != nil {
		t.Fatalf("Decide 失败: %v", err)
	}
	if !dec.Allowed || dec.Reason != ReasonApproved {
		t.Fatalf("应批准, got %+v", dec)
	}
	if got := g.ProductSpentLearning("p1"); !got.Equal(decimal.RequireFromString("10.00")) {
		t.Fatalf("学习池累计错误: %s", got)
	}

	events, err := led.Tail(1)
	if err != nil {
		t.Fatalf("Tail 失败: %v", err)
	}
	if len(events) != 1 || events[0].EventType != EventApproved {
		t.Fatalf("应写入一条 SPEND_APPROVED, got %+v", events)
	}
}

func TestDecideReserveAlwaysProtected(t *testing.T) {
	g := newGateway(t, Config{})
	dec, err := g.Decide(Request{
		Amount: decimal.RequireFromString("1.00"),
		Pool:   vault.BucketReserve,
	}, "")
	if err != nil {
		t.Fatalf("Decide 失败: %v", err)
	}
	if dec.Allowed || dec.Reason != ReasonReserveProtected {
		t.Fatalf("预备金请求必须被拒绝, got %+v", dec)
	}
}

func TestDecideLearningCaps(t *testing.T) {
	g := newGateway(t, Config{})

	// total cap wins over day-1 cap when both would trip
	dec, err := g.Decide(Request{
		Amount:    decimal.RequireFromString("31.00"),
		Pool:      vault.BucketLearning,
		ProductID: "p1",
		RequestID: "r-total",
		Day:       1,
	}, "")
	if err != nil {
		t.Fatalf("Decide 失败: %v", err)
	}
	if dec.Reason != ReasonCapLearningTotal {
		t.Fatalf("应命中总量上限, got %s", dec.Reason)
	}
	if dec.Meta["cap"] != "30.00" || dec.Meta["spent"] != "0.00" {
		t.Fatalf("元数据缺少上限信息: %v", dec.Meta)
	}

	dec, err = g.Decide(Request{
		Amount:    decimal.RequireFromString("10.01"),
		Pool:      vault.BucketLearning,
		ProductID: "p1",
		RequestID: "r-day1",
		Day:       1,
	}, "")
	if err != nil {
		t.Fatalf("Decide 失败: %v", err)
	}
	if dec.Reason != ReasonCapLearningDay1 {
		t.Fatalf("应命中首日上限, got %s", dec.Reason)
	}

	// day 2 the same amount is fine
	dec, err = g.Decide(Request{
		Amount:    decimal.RequireFromString("10.01"),
		Pool:      vault.BucketLearning,
		ProductID: "p1",
		RequestID: "r-day2",
		Day:       2,
	}, "")
	if err != nil {
		t.Fatalf("Decide 失败: %v", err)
	}
	if !dec.Allowed {
		t.Fatalf("第二天同额应批准, got %+v", dec)
	}
}

func TestDecideKillswitchBlocks(t *testing.T) {
	ks := safety.NewKillSwitch(filepath.Join(t.TempDir(), "ks.json"), zerolog.Nop())
	ks.Activate(safety.Activation{Level: safety.LevelSystem, Reason: "manual", TriggeredBy: "test"})
	led := mustLedger(t)
	g := newGateway(t, Config{KillSwitch: ks, Ledger: led})

	dec, err := g.Decide(Request{
		Amount: decimal.RequireFromString("5.00"),
		Pool:   vault.BucketOperational,
	}, "")
	if err != nil {
		t.Fatalf("Decide 失败: %v", err)
	}
	if dec.Allowed || dec.Reason != ReasonKillswitchActive {
		t.Fatalf("系统级开关应拦截, got %+v", dec)
	}
	events, _ := led.Tail(1)
	if len(events) != 1 || events[0].EventType != EventBlockedSafety {
		t.Fatalf("应写入 SPEND_BLOCKED_SAFETY, got %+v", events)
	}
}

func TestDecideCampaignKillswitchScopedToProduct(t *testing.T) {
	ks := safety.NewKillSwitch(filepath.Join(t.TempDir(), "ks.json"), zerolog.Nop())
	ks.Activate(safety.Activation{Level: safety.LevelCampaign, TargetID: "p-bad", Reason: "manual", TriggeredBy: "test"})
	g := newGateway(t, Config{KillSwitch: ks})

	dec, _ := g.Decide(Request{Amount: decimal.NewFromInt(5), Pool: vault.BucketLearning, ProductID: "p-bad", RequestID: "a"}, "")
	if dec.Reason != ReasonKillswitchActive {
		t.Fatalf("命中产品应被拦截, got %s", dec.Reason)
	}
	dec, _ = g.Decide(Request{Amount: decimal.NewFromInt(5), Pool: vault.BucketLearning, ProductID: "p-ok", RequestID: "b"}, "")
	if !dec.Allowed {
		t.Fatalf("其他产品不应受影响, got %+v", dec)
	}
}

func TestDecideCircuitOpenBlocks(t *testing.T) {
	cfg := safety.DefaultCircuitConfig()
	cb := safety.NewCircuitBreaker(cfg, filepath.Join(t.TempDir(), "cb.json"), zerolog.Nop())
	for i := 0; i < cfg.FailureThreshold; i++ {
		cb.RecordFailure()
	}
	g := newGateway(t, Config{Breaker: cb})

	dec, err := g.Decide(Request{Amount: decimal.NewFromInt(5), Pool: vault.BucketOperational}, "")
	if err != nil {
		t.Fatalf("Decide 失败: %v", err)
	}
	if dec.Allowed || dec.Reason != ReasonCircuitOpen {
		t.Fatalf("熔断打开应拦截, got %+v", dec)
	}
}

func TestDecideGateDenialTripsKillswitch(t *testing.T) {
	ks := safety.NewKillSwitch(filepath.Join(t.TempDir(), "ks.json"), zerolog.Nop())
	g := newGateway(t, Config{KillSwitch: ks, TripKillswitchOnGate: true})

	snap := risk.NewSnapshot(
		decimal.NewFromInt(1000),
		decimal.NewFromInt(10),
		decimal.NewFromInt(10),
		decimal.NewFromInt(900), // >= 80% of monthly budget
	)
	dec, err := g.Decide(Request{
		Amount: decimal.NewFromInt(5),
		Pool:   vault.BucketOperational,
		Risk:   &snap,
	}, "")
	if err != nil {
		t.Fatalf("Decide 失败: %v", err)
	}
	if dec.Allowed || dec.Reason != risk.ReasonAutoKillswitch {
		t.Fatalf("风险闸门应拦截, got %+v", dec)
	}
	if !ks.IsActive(safety.LevelSystem, "") {
		t.Fatal("闸门命中自动熔断阈值后应激活系统级开关")
	}
}

func TestDecideIdempotentReplay(t *testing.T) {
	v := mustVault(t, 1000)
	g := newGateway(t, Config{Vault: v})

	first, err := g.Decide(Request{
		Amount:    decimal.RequireFromString("10.00"),
		Pool:      vault.BucketOperational,
		ProductID: "p1",
		RequestID: "r1",
	}, "fixed-key")
	if err != nil {
		t.Fatalf("Decide 失败: %v", err)
	}
	if !first.Allowed {
		t.Fatalf("首次应批准: %+v", first)
	}
	spentAfterFirst := v.Snapshot().TotalSpent()

	// identical replay: first decision comes back unchanged and the vault
	// is not touched again
	second, err := g.Decide(Request{
		Amount:    decimal.RequireFromString("10.00"),
		Pool:      vault.BucketOperational,
		ProductID: "p1",
		RequestID: "r1",
	}, "fixed-key")
	if err != nil {
		t.Fatalf("重放失败: %v", err)
	}
	if !second.Amount.Equal(first.Amount) || second.Reason != first.Reason {
		t.Fatalf("重放应返回原决策, got %+v", second)
	}
	if !v.Snapshot().TotalSpent().Equal(spentAfterFirst) {
		t.Fatal("重放不得再次扣减 Vault")
	}
}

func TestDecideReplayDriftSurfacesError(t *testing.T) {
	v := mustVault(t, 1000)
	g := newGateway(t, Config{Vault: v})

	first, err := g.Decide(Request{
		Amount:    decimal.RequireFromString("5.00"),
		Pool:      vault.BucketOperational,
		ProductID: "p1",
		RequestID: "r1",
	}, "fixed-key")
	if err != nil {
		t.Fatalf("Decide 失败: %v", err)
	}
	spentAfterFirst := v.Snapshot().TotalSpent()

	// same key, different amount: the first decision still comes back, but
	// the drift is a hard error and the vault is not touched again
	second, err := g.Decide(Request{
		Amount:    decimal.RequireFromString("500.00"),
		Pool:      vault.BucketOperational,
		ProductID: "p1",
		RequestID: "r1",
	}, "fixed-key")
	if !errors.Is(err, ErrLedgerDrift) {
		t.Fatalf("漂移重放应返回 ErrLedgerDrift, got %v", err)
	}
	if !second.Amount.Equal(first.Amount) || second.Reason != first.Reason {
		t.Fatalf("漂移重放仍应携带原决策, got %+v", second)
	}
	if !v.Snapshot().TotalSpent().Equal(spentAfterFirst) {
		t.Fatal("漂移重放不得再次扣减 Vault")
	}
}

func TestDecideVaultDenialMapsReason(t *testing.T) {
	g := newGateway(t, Config{Vault: mustVault(t, 1000)})

	// operational budget is 550.00
	dec, err := g.Decide(Request{
		Amount:    decimal.RequireFromString("550.01"),
		Pool:      vault.BucketOperational,
		RequestID: "r1",
	}, "")
	if err != nil {
		t.Fatalf("Decide 失败: %v", err)
	}
	if dec.Allowed || dec.Reason != ReasonInsufficientBucket {
		t.Fatalf("超出运营池余额应拒绝, got %+v", dec)
	}
}

func TestDecodeRequestAliasesAndRejections(t *testing.T) {
	req, err := DecodeRequest(json.RawMessage(`{"spend":"12.50","budget":"learning","sku":"p9","req_id":"r9","day":2}`))
	if err != nil {
		t.Fatalf("别名解码失败: %v", err)
	}
	if !req.Amount.Equal(decimal.RequireFromString("12.50")) || req.Pool != vault.BucketLearning ||
		req.ProductID != "p9" || req.RequestID != "r9" || req.Day != 2 {
		t.Fatalf("解码结果错误: %+v", req)
	}

	if _, err := DecodeRequest(json.RawMessage(`{"amount":true,"pool":"learning"}`)); err == nil {
		t.Fatal("布尔金额必须被拒绝")
	}
	if _, err := DecodeRequest(json.RawMessage(`{"pool":"learning"}`)); err == nil {
		t.Fatal("缺少金额必须报错")
	}
	if _, err := DecodeRequest(json.RawMessage(`{"amount":"5"}`)); err == nil {
		t.Fatal("缺少池名必须报错")
	}
}
