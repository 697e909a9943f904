// Package gateway is the single entry point for spend approvals. Every
// attempt runs the same gauntlet: idempotency lookup, kill switch, circuit
// breaker, safety gate, reserve protection, per-product learning caps, then
// the vault itself. Each branch writes exactly one ledger event and caches
// the decision before returning it.
//
// 业务拒绝以决策值返回，绝不以 error 返回；error 只用于基础设施故障。
package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"capital-guard/internal/audit"
	"capital-guard/internal/idempo"
	"capital-guard/internal/ledger"
	"capital-guard/internal/risk"
	"capital-guard/internal/safety"
	"capital-guard/internal/vault"
)

// Reason codes carried by decisions.
const (
	ReasonApproved           = "APPROVED"
	ReasonKillswitchActive   = "KILLSWITCH_ACTIVE"
	ReasonCircuitOpen        = "CIRCUIT_OPEN"
	ReasonReserveProtected   = "RESERVE_PROTECTED"
	ReasonCapLearningTotal   = "CAP_LEARNING_TOTAL"
	ReasonCapLearningDay1    = "CAP_LEARNING_DAY1"
	ReasonInvalidAmount      = "INVALID_AMOUNT"
	ReasonInvalidBucket      = "INVALID_BUCKET"
	ReasonInsufficientBucket = "INSUFFICIENT_BUCKET_BUDGET"
	ReasonInsufficientTotal  = "INSUFFICIENT_TOTAL_BUDGET"
)

// Ledger event types, one per decision branch.
const (
	EventApproved      = "SPEND_APPROVED"
	EventDenied        = "SPEND_DENIED"
	EventBlockedSafety = "SPEND_BLOCKED_SAFETY"
)

// ErrLedgerDrift means a replayed idempotency key carried different request
// content. The first decision is still returned alongside the error.
var ErrLedgerDrift = errors.New("gateway: idempotency replay with drifted request content")

// Decision is the sole output of a spend attempt.
type Decision struct {
	Allowed   bool              `json:"allowed"`
	Reason    string            `json:"reason"`
	Amount    decimal.Decimal   `json:"amount"`
	Pool      vault.Bucket      `json:"pool"`
	ProductID string            `json:"product_id,omitempty"`
	Day       int               `json:"day,omitempty"`
	Meta      map[string]string `json:"meta,omitempty"`
}

// Caps bound per-product learning spend.
type Caps struct {
	MaxTotalLearning decimal.Decimal
	MaxDay1Learning  decimal.Decimal
}

// DefaultCaps returns the standard per-product learning caps.
func DefaultCaps() Caps {
	return Caps{
		MaxTotalLearning: decimal.NewFromInt(30),
		MaxDay1Learning:  decimal.NewFromInt(10),
	}
}

// Config wires the gateway's collaborators. Vault, Idempotency and Ledger are
// required; KillSwitch, Breaker and Audit are optional (their checks are
// skipped when nil).
type Config struct {
	Vault       *vault.Vault
	Limits      risk.Limits
	KillSwitch  *safety.KillSwitch
	Breaker     *safety.CircuitBreaker
	Idempotency idempo.Store
	Ledger      *ledger.Ledger
	Audit       *audit.Trail
	Caps        Caps
	Logger      zerolog.Logger

	// TripKillswitchOnGate activates a system-level kill switch when the
	// safety gate denies with the auto-killswitch reason.
	TripKillswitchOnGate bool

	// SeedLearningSpent pre-loads the per-product learning accumulators,
	// typically replayed from the ledger at startup.
	SeedLearningSpent map[string]decimal.Decimal
}

// Gateway serializes all spend decisions behind one mutex; the vault and the
// per-product accumulators are only ever touched while it is held.
type Gateway struct {
	mu sync.Mutex

	vault    *vault.Vault
	limits   risk.Limits
	kill     *safety.KillSwitch
	breaker  *safety.CircuitBreaker
	store    idempo.Store
	ledger   *ledger.Ledger
	audit    *audit.Trail
	caps     Caps
	logger   zerolog.Logger
	tripGate bool

	learningSpent map[string]decimal.Decimal
}

// New validates the wiring and returns a gateway.
func New(cfg Config) (*Gateway, error) {
	if cfg.Vault == nil {
		return nil, fmt.Errorf("gateway: vault is required")
	}
	if cfg.Idempotency == nil {
		return nil, fmt.Errorf("gateway: idempotency store is required")
	}
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("gateway: ledger is required")
	}
	caps := cfg.Caps
	if caps.MaxTotalLearning.IsZero() && caps.MaxDay1Learning.IsZero() {
		caps = DefaultCaps()
	}
	seeded := make(map[string]decimal.Decimal, len(cfg.SeedLearningSpent))
	for product, amount := range cfg.SeedLearningSpent {
		seeded[product] = amount
	}
	return &Gateway{
		vault:         cfg.Vault,
		limits:        cfg.Limits.Normalize(),
		kill:          cfg.KillSwitch,
		breaker:       cfg.Breaker,
		store:         cfg.Idempotency,
		ledger:        cfg.Ledger,
		audit:         cfg.Audit,
		caps:          caps,
		logger:        cfg.Logger.With().Str("component", "gateway").Logger(),
		tripGate:      cfg.TripKillswitchOnGate,
		learningSpent: seeded,
	}, nil
}

// ProductSpentLearning reports the learning spend accumulated for a product.
func (g *Gateway) ProductSpentLearning(productID string) decimal.Decimal {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.learningSpent[productID]
}

type cachedEntry struct {
	Fingerprint string   `json:"fingerprint"`
	Decision    Decision `json:"decision"`
}

// Decide runs one spend attempt. idempotencyKey may be empty, in which case
// it is derived from the request identity. A replay returns the original
// decision without side effects; a replay whose content changed returns
// ErrLedgerDrift.
func (g *Gateway) Decide(req Request, idempotencyKey string) (Decision, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := idempotencyKey
	if key == "" {
		derived, err := idempo.Key("spend", req.identity())
		if err != nil {
			return Decision{}, err
		}
		key = derived
	}
	fp := req.fingerprint()

	if raw, ok := g.store.Get(key); ok {
		var entry cachedEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return Decision{}, fmt.Errorf("gateway: corrupted idempotency entry for %s: %w", key, err)
		}
		// A replay never re-executes the spend. Drift under the same key
		// surfaces as ErrLedgerDrift with the first decision attached.
		if entry.Fingerprint != fp {
			g.logger.Error().Str("key", key).Msg("idempotency replay with drifted request content")
			return entry.Decision, ErrLedgerDrift
		}
		g.logger.Debug().Str("key", key).Msg("idempotent replay, returning cached decision")
		return entry.Decision, nil
	}

	dec, event := g.decideLocked(req)
	if err := g.record(req, key, fp, dec, event); err != nil {
		return Decision{}, err
	}
	return dec, nil
}

// decideLocked runs the check chain and returns the decision plus the ledger
// event type for its branch. The order is fixed: safety mechanisms first,
// hard business rules second, the vault last.
func (g *Gateway) decideLocked(req Request) (Decision, string) {
	deny := func(reason string, meta map[string]string) Decision {
		return Decision{
			Allowed:   false,
			Reason:    reason,
			Amount:    req.Amount,
			Pool:      req.Pool,
			ProductID: req.ProductID,
			Day:       req.Day,
			Meta:      meta,
		}
	}

	if g.kill != nil {
		tripped := g.kill.IsActive(safety.LevelSystem, "")
		if !tripped && req.ProductID != "" {
			tripped = g.kill.IsActive(safety.LevelCampaign, req.ProductID)
		}
		if tripped {
			g.logger.Warn().Str("product_id", req.ProductID).Msg("spend blocked: kill switch active")
			return deny(ReasonKillswitchActive, nil), EventBlockedSafety
		}
	}

	if g.breaker != nil && !g.breaker.CanExecute() {
		g.logger.Warn().Str("state", string(g.breaker.State())).Msg("spend blocked: circuit open")
		return deny(ReasonCircuitOpen, nil), EventBlockedSafety
	}

	if req.Risk != nil {
		gate, err := risk.RunGate(*req.Risk, g.limits, nil)
		if err != nil {
			g.logger.Warn().Str("reason", gate.Reason).Msg("spend blocked: safety gate")
			if g.tripGate && g.kill != nil && gate.Reason == risk.ReasonAutoKillswitch {
				g.kill.Activate(safety.Activation{
					Level:       safety.LevelSystem,
					Reason:      gate.Reason,
					TriggeredBy: "safety_gate",
				})
			}
			return deny(gate.Reason, nil), EventBlockedSafety
		}
	}

	// Hard rule: the reserve is never spendable through the gateway,
	// regardless of balance. Not delegated to the vault.
	if req.Pool == vault.BucketReserve {
		return deny(ReasonReserveProtected, nil), EventDenied
	}

	if req.Pool == vault.BucketLearning {
		spent := g.learningSpent[req.ProductID]
		if spent.Add(req.Amount).GreaterThan(g.caps.MaxTotalLearning) {
			return deny(ReasonCapLearningTotal, map[string]string{
				"cap":   g.caps.MaxTotalLearning.StringFixed(2),
				"spent": spent.StringFixed(2),
			}), EventDenied
		}
		if req.Day == 1 && spent.Add(req.Amount).GreaterThan(g.caps.MaxDay1Learning) {
			return deny(ReasonCapLearningDay1, map[string]string{
				"cap":   g.caps.MaxDay1Learning.StringFixed(2),
				"spent": spent.StringFixed(2),
			}), EventDenied
		}
	}

	spent, err := g.vault.RequestSpend(req.Amount, req.Pool)
	if err != nil {
		return deny(vaultReason(err), nil), EventDenied
	}

	if req.Pool == vault.BucketLearning {
		g.learningSpent[req.ProductID] = g.learningSpent[req.ProductID].Add(spent)
	}
	g.logger.Info().
		Str("product_id", req.ProductID).
		Str("pool", string(req.Pool)).
		Str("amount", spent.StringFixed(2)).
		Msg("spend approved")
	return Decision{
		Allowed:   true,
		Reason:    ReasonApproved,
		Amount:    spent,
		Pool:      req.Pool,
		ProductID: req.ProductID,
		Day:       req.Day,
	}, EventApproved
}

// record writes the branch's single ledger event, mirrors it into the audit
// chain when one is wired, and caches the decision. Called with g.mu held.
func (g *Gateway) record(req Request, key, fp string, dec Decision, event string) error {
	payload := map[string]any{
		"budget":     string(req.Pool),
		"amount":     req.Amount.StringFixed(2),
		"reason":     dec.Reason,
		"product_id": req.ProductID,
		"day":        req.Day,
	}
	for k, v := range dec.Meta {
		payload[k] = v
	}
	if _, err := g.ledger.Append(event, payload, req.RequestID); err != nil {
		return fmt.Errorf("gateway: ledger append: %w", err)
	}
	if g.audit != nil {
		if _, err := g.audit.Append(event, payload, "gateway", req.RequestID); err != nil {
			return fmt.Errorf("gateway: audit append: %w", err)
		}
	}

	entry, err := json.Marshal(cachedEntry{Fingerprint: fp, Decision: dec})
	if err != nil {
		return fmt.Errorf("gateway: encode decision: %w", err)
	}
	if err := g.store.Put(key, string(entry)); err != nil {
		return fmt.Errorf("gateway: cache decision: %w", err)
	}
	return nil
}

func vaultReason(err error) string {
	switch {
	case errors.Is(err, vault.ErrInvalidAmount):
		return ReasonInvalidAmount
	case errors.Is(err, vault.ErrInvalidBucket):
		return ReasonInvalidBucket
	case errors.Is(err, vault.ErrInsufficientBucketBudget):
		return ReasonInsufficientBucket
	case errors.Is(err, vault.ErrInsufficientTotalBudget):
		return ReasonInsufficientTotal
	default:
		return ReasonInvalidAmount
	}
}
