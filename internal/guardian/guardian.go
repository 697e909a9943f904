// Package guardian runs the periodic integrity sweep: every tick it verifies
// the audit hash chain and logs a vault snapshot. A broken chain means the
// decision history can no longer be trusted, so the guardian trips the
// system-level kill switch and records a breaker failure.
package guardian

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"capital-guard/internal/alerting"
	"capital-guard/internal/audit"
	"capital-guard/internal/safety"
	"capital-guard/internal/scheduler"
	"capital-guard/internal/storage"
	"capital-guard/internal/vault"
)

// ReasonChainBroken is the kill switch reason installed on verify failure.
const ReasonChainBroken = "AUDIT_CHAIN_BROKEN"

// Guardian orchestrates verification, safety trips, and alert fan-out.
type Guardian struct {
	scheduler *scheduler.Scheduler
	trail     *audit.Trail
	vault     *vault.Vault
	kill      *safety.KillSwitch
	breaker   *safety.CircuitBreaker
	notifier  alerting.Notifier
	trips     storage.TripStore
	channels  []string
	cooldown  time.Duration
	lastAlert time.Time
	logger    zerolog.Logger
}

// Config wires the guardian's collaborators. Trail and Vault are required;
// the rest are optional and skipped when nil. AlertCooldown suppresses
// repeat notifications inside the window; zero means every trip alerts.
type Config struct {
	Scheduler     *scheduler.Scheduler
	Trail         *audit.Trail
	Vault         *vault.Vault
	Kill          *safety.KillSwitch
	Breaker       *safety.CircuitBreaker
	Notifier      alerting.Notifier
	Trips         storage.TripStore
	Channels      []string
	AlertCooldown time.Duration
	Logger        zerolog.Logger
}

// New constructs the guardian.
func New(cfg Config) (*Guardian, error) {
	if cfg.Trail == nil {
		return nil, fmt.Errorf("guardian: audit trail is required")
	}
	if cfg.Vault == nil {
		return nil, fmt.Errorf("guardian: vault is required")
	}
	return &Guardian{
		scheduler: cfg.Scheduler,
		trail:     cfg.Trail,
		vault:     cfg.Vault,
		kill:      cfg.Kill,
		breaker:   cfg.Breaker,
		notifier:  cfg.Notifier,
		trips:     cfg.Trips,
		channels:  cfg.Channels,
		cooldown:  cfg.AlertCooldown,
		logger:    cfg.Logger.With().Str("component", "guardian").Logger(),
	}, nil
}

// Run begins the aligned sweep loop.
func (g *Guardian) Run(ctx context.Context) error {
	if g.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return g.scheduler.Run(ctx, g.Sweep)
}

// Sweep 执行单个时间桶的完整性检查。
func (g *Guardian) Sweep(ctx context.Context, bucket time.Time) error {
	snap := g.vault.Snapshot()
	g.logger.Info().Time("bucket", bucket).
		Str("total_spent", snap.TotalSpent().StringFixed(2)).
		Str("remaining_total", snap.RemainingTotal().StringFixed(2)).
		Msg("vault snapshot")

	ok, err := g.trail.Verify()
	if err != nil {
		return fmt.Errorf("verify audit chain: %w", err)
	}
	if ok {
		if g.breaker != nil {
			g.breaker.RecordSuccess()
		}
		g.logger.Debug().Time("bucket", bucket).Msg("audit chain intact")
		return nil
	}

	g.logger.Error().Time("bucket", bucket).Msg("audit chain verification failed")
	g.trip(ctx, bucket, snap)
	return nil
}

// trip fails closed: kill switch first, then breaker, then best-effort
// archive and alert.
func (g *Guardian) trip(ctx context.Context, bucket time.Time, snap vault.Snapshot) {
	if g.kill != nil {
		g.kill.Activate(safety.Activation{
			Level:       safety.LevelSystem,
			Reason:      ReasonChainBroken,
			TriggeredBy: "guardian",
		})
	}
	if g.breaker != nil {
		g.breaker.RecordFailure()
	}

	if g.trips != nil {
		detail, _ := json.Marshal(map[string]string{
			"bucket":          bucket.UTC().Format(time.RFC3339),
			"remaining_total": snap.RemainingTotal().StringFixed(2),
		})
		record := storage.TripRecord{
			TrippedAt: bucket,
			Source:    "guardian",
			Scope:     "system:*",
			Reason:    ReasonChainBroken,
			Detail:    detail,
		}
		if _, err := g.trips.InsertTrip(ctx, record); err != nil {
			g.logger.Error().Err(err).Msg("failed to archive safety trip")
		}
	}

	if g.notifier != nil && g.alertDue(bucket) {
		note := alerting.Notification{
			TrippedAt:      bucket,
			Source:         "guardian",
			Scope:          "system:*",
			Reason:         ReasonChainBroken,
			RemainingTotal: snap.RemainingTotal(),
			Channels:       g.channels,
		}
		if err := g.notifier.Notify(ctx, note); err != nil {
			g.logger.Error().Err(err).Msg("failed to dispatch alert")
		} else {
			g.lastAlert = bucket
		}
	}
}

// alertDue reports whether enough time passed since the last dispatched
// alert. 冷却窗口内的重复熔断只记日志，不重复打扰。
func (g *Guardian) alertDue(bucket time.Time) bool {
	if g.cooldown <= 0 || g.lastAlert.IsZero() {
		return true
	}
	return bucket.Sub(g.lastAlert) >= g.cooldown
}
