package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"capital-guard/internal/alerting"
	"capital-guard/internal/audit"
	"capital-guard/internal/config"
	"capital-guard/internal/gateway"
	"capital-guard/internal/guardian"
	"capital-guard/internal/idempo"
	"capital-guard/internal/ledger"
	"capital-guard/internal/risk"
	"capital-guard/internal/safety"
	"capital-guard/internal/scheduler"
	"capital-guard/internal/storage"
	"capital-guard/internal/vault"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// core bundles the wired safety components for one invocation.
type core struct {
	vault   *vault.Vault
	kill    *safety.KillSwitch
	breaker *safety.CircuitBreaker
	trail   *audit.Trail
	ledger  *ledger.Ledger
	gateway *gateway.Gateway
}

func (a *App) statePath(name string) string {
	return filepath.Join(a.Config.State.Dir, name)
}

// buildCore wires the vault, safety mechanisms, durable logs, and gateway.
// The vault's spent counters and the per-product learning accumulators are
// rebuilt by replaying approved events from the ledger, so restarts never
// forget money that already left.
func (a *App) buildCore() (*core, error) {
	total, err := a.Config.TotalBudget()
	if err != nil {
		return nil, err
	}
	ratios, err := a.parseRatios()
	if err != nil {
		return nil, err
	}
	v, err := vault.FromTotal(total, ratios)
	if err != nil {
		return nil, err
	}

	led, err := ledger.Open(a.statePath(a.Config.State.LedgerFile))
	if err != nil {
		return nil, err
	}
	learningSpent, err := replaySpent(led, v)
	if err != nil {
		return nil, err
	}

	trail, err := audit.Open(a.statePath(a.Config.State.AuditFile))
	if err != nil {
		return nil, err
	}

	kill := safety.NewKillSwitch(a.statePath(a.Config.State.KillswitchFile), a.Logger)
	breaker := safety.NewCircuitBreaker(safety.CircuitConfig{
		FailureThreshold: a.Config.Safety.FailureThreshold,
		SuccessThreshold: a.Config.Safety.SuccessThreshold,
		Cooldown:         a.Config.Safety.Cooldown,
		MaxCooldown:      a.Config.Safety.MaxCooldown,
	}, a.statePath(a.Config.State.CircuitFile), a.Logger)

	// 空文件名表示只在进程内去重，此时 TTL 生效。
	var store idempo.Store
	if a.Config.State.IdempotencyFile == "" {
		store = idempo.NewMemoryStore(a.Config.State.IdempotencyTTL)
	} else {
		fileStore, err := idempo.OpenFileStore(a.statePath(a.Config.State.IdempotencyFile))
		if err != nil {
			return nil, err
		}
		store = fileStore
	}

	limits, err := a.parseLimits()
	if err != nil {
		return nil, err
	}
	caps, err := a.parseCaps()
	if err != nil {
		return nil, err
	}

	gw, err := gateway.New(gateway.Config{
		Vault:                v,
		Limits:               limits,
		KillSwitch:           kill,
		Breaker:              breaker,
		Idempotency:          store,
		Ledger:               led,
		Audit:                trail,
		Caps:                 caps,
		Logger:               a.Logger,
		TripKillswitchOnGate: a.Config.Safety.TripKillswitchOnGate,
		SeedLearningSpent:    learningSpent,
	})
	if err != nil {
		return nil, err
	}

	return &core{
		vault:   v,
		kill:    kill,
		breaker: breaker,
		trail:   trail,
		ledger:  led,
		gateway: gw,
	}, nil
}

// replaySpent re-applies every approved spend to a fresh vault and returns
// the per-product learning totals.
func replaySpent(led *ledger.Ledger, v *vault.Vault) (map[string]decimal.Decimal, error) {
	learning := make(map[string]decimal.Decimal)
	err := led.Replay(func(evt ledger.Event) error {
		if evt.EventType != gateway.EventApproved {
			return nil
		}
		rawAmount, _ := evt.Payload["amount"].(string)
		amount, err := decimal.NewFromString(rawAmount)
		if err != nil {
			return fmt.Errorf("replay %s: bad amount %q", evt.TraceID, rawAmount)
		}
		pool, _ := evt.Payload["budget"].(string)
		if _, err := v.RequestSpend(amount, vault.Bucket(pool)); err != nil {
			return fmt.Errorf("replay %s: %w", evt.TraceID, err)
		}
		if vault.Bucket(pool) == vault.BucketLearning {
			product, _ := evt.Payload["product_id"].(string)
			learning[product] = learning[product].Add(amount)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return learning, nil
}

func (a *App) parseRatios() (vault.Ratios, error) {
	learning, err := decimal.NewFromString(a.Config.Vault.LearningRatio)
	if err != nil {
		return vault.Ratios{}, fmt.Errorf("vault.learning_ratio: %w", err)
	}
	operational, err := decimal.NewFromString(a.Config.Vault.OperationalRatio)
	if err != nil {
		return vault.Ratios{}, fmt.Errorf("vault.operational_ratio: %w", err)
	}
	reserve, err := decimal.NewFromString(a.Config.Vault.ReserveRatio)
	if err != nil {
		return vault.Ratios{}, fmt.Errorf("vault.reserve_ratio: %w", err)
	}
	return vault.Ratios{Learning: learning, Operational: operational, Reserve: reserve}, nil
}

func (a *App) parseLimits() (risk.Limits, error) {
	limits := risk.DefaultLimits()
	assign := func(name, raw string, dst *decimal.Decimal) error {
		if raw == "" {
			return nil
		}
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = d
		return nil
	}
	if err := assign("risk.daily_loss_limit", a.Config.Risk.DailyLossLimit, &limits.DailyLossLimit); err != nil {
		return risk.Limits{}, err
	}
	if err := assign("risk.spend_rate_anomaly_mult", a.Config.Risk.SpendRateAnomalyMult, &limits.SpendRateAnomalyMult); err != nil {
		return risk.Limits{}, err
	}
	if err := assign("risk.max_single_campaign_share", a.Config.Risk.MaxSingleCampaignShare, &limits.MaxSingleCampaignShare); err != nil {
		return risk.Limits{}, err
	}
	if err := assign("risk.auto_killswitch_threshold", a.Config.Risk.AutoKillswitchThreshold, &limits.AutoKillswitchThreshold); err != nil {
		return risk.Limits{}, err
	}
	return limits, nil
}

func (a *App) parseCaps() (gateway.Caps, error) {
	caps := gateway.DefaultCaps()
	if raw := a.Config.Caps.MaxTotalLearning; raw != "" {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return gateway.Caps{}, fmt.Errorf("caps.max_total_learning: %w", err)
		}
		caps.MaxTotalLearning = d
	}
	if raw := a.Config.Caps.MaxDay1Learning; raw != "" {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return gateway.Caps{}, fmt.Errorf("caps.max_day1_learning: %w", err)
		}
		caps.MaxDay1Learning = d
	}
	return caps, nil
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// Run executes the long-running guardian loop.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c, err := a.buildCore()
	if err != nil {
		return err
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; trip archive disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Guardian.Interval,
		AlignToStart: a.Config.Guardian.AlignToBucket,
		StartupDelay: a.Config.Guardian.StartupDelay,
		Jitter:       a.Config.Guardian.Jitter,
	}, a.Logger)

	var trips storage.TripStore
	if store != nil {
		trips = store
	}

	guard, err := guardian.New(guardian.Config{
		Scheduler:     sched,
		Trail:         c.trail,
		Vault:         c.vault,
		Kill:          c.kill,
		Breaker:       c.breaker,
		Notifier:      a.newNotifier(),
		Trips:         trips,
		Channels:      a.Config.Alerting.Channels,
		AlertCooldown: a.Config.Alerting.Cooldown,
		Logger:        a.Logger,
	})
	if err != nil {
		return err
	}

	a.Logger.Info().Msg("starting guardian loop")
	err = guard.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("guardian terminated with error")
		return err
	}

	a.Logger.Info().Msg("guardian stopped")
	return nil
}

// ExportOptions hold parameters for exporting archived decisions.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// SpendOptions configure one spend attempt.
type SpendOptions struct {
	Amount    string
	Pool      string
	ProductID string
	RequestID string
	Day       int
	Key       string

	// Optional risk snapshot inputs; all four must be set together.
	MonthlyBudget string
	Expected4h    string
	Actual4h      string
	DailyLoss     string
}
