package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"capital-guard/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Logging  logging.Config `mapstructure:"logging"`
	Database DatabaseConfig `mapstructure:"database"`
	Vault    VaultConfig    `mapstructure:"vault"`
	Risk     RiskConfig     `mapstructure:"risk"`
	Caps     CapsConfig     `mapstructure:"caps"`
	Safety   SafetyConfig   `mapstructure:"safety"`
	Guardian GuardianConfig `mapstructure:"guardian"`
	State    StateConfig    `mapstructure:"state"`
	Alerting AlertingConfig `mapstructure:"alerting"`
	Export   ExportConfig   `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates optional PostgreSQL archival. An empty DSN
// disables the archive entirely.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// VaultConfig sets the capital pools. Amounts and ratios are decimal strings
// so no precision is lost on the way in.
type VaultConfig struct {
	TotalBudget      string `mapstructure:"total_budget"`
	LearningRatio    string `mapstructure:"learning_ratio"`
	OperationalRatio string `mapstructure:"operational_ratio"`
	ReserveRatio     string `mapstructure:"reserve_ratio"`
}

// RiskConfig 资金保护阈值，全部为小数字符串。
type RiskConfig struct {
	DailyLossLimit          string `mapstructure:"daily_loss_limit"`
	SpendRateAnomalyMult    string `mapstructure:"spend_rate_anomaly_mult"`
	MaxSingleCampaignShare  string `mapstructure:"max_single_campaign_share"`
	AutoKillswitchThreshold string `mapstructure:"auto_killswitch_threshold"`
}

// CapsConfig bounds per-product learning spend.
type CapsConfig struct {
	MaxTotalLearning string `mapstructure:"max_total_learning"`
	MaxDay1Learning  string `mapstructure:"max_day1_learning"`
}

// SafetyConfig governs the circuit breaker and gate coupling.
type SafetyConfig struct {
	FailureThreshold     int           `mapstructure:"failure_threshold"`
	SuccessThreshold     int           `mapstructure:"success_threshold"`
	Cooldown             time.Duration `mapstructure:"cooldown"`
	MaxCooldown          time.Duration `mapstructure:"max_cooldown"`
	TripKillswitchOnGate bool          `mapstructure:"trip_killswitch_on_gate"`
}

// GuardianConfig governs the periodic integrity loop.
type GuardianConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	AlignToBucket bool          `mapstructure:"align_to_bucket"`
	StartupDelay  time.Duration `mapstructure:"startup_delay"`
	Jitter        time.Duration `mapstructure:"jitter"`
}

// StateConfig locates the durable files this process owns. An empty
// IdempotencyFile selects an in-process store with IdempotencyTTL applied.
type StateConfig struct {
	Dir             string        `mapstructure:"dir"`
	LedgerFile      string        `mapstructure:"ledger_file"`
	AuditFile       string        `mapstructure:"audit_file"`
	KillswitchFile  string        `mapstructure:"killswitch_file"`
	CircuitFile     string        `mapstructure:"circuit_file"`
	IdempotencyFile string        `mapstructure:"idempotency_file"`
	IdempotencyTTL  time.Duration `mapstructure:"idempotency_ttl"`
}

// AlertingConfig defines alert routing for safety trips.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Cooldown time.Duration  `mapstructure:"cooldown"`
	Channels []string       `mapstructure:"channels"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CAPGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "capitalguard")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("vault.total_budget", "1000.00")
	v.SetDefault("vault.learning_ratio", "0.30")
	v.SetDefault("vault.operational_ratio", "0.55")
	v.SetDefault("vault.reserve_ratio", "0.15")

	v.SetDefault("risk.daily_loss_limit", "0.05")
	v.SetDefault("risk.spend_rate_anomaly_mult", "3.0")
	v.SetDefault("risk.max_single_campaign_share", "0.25")
	v.SetDefault("risk.auto_killswitch_threshold", "0.80")

	v.SetDefault("caps.max_total_learning", "30")
	v.SetDefault("caps.max_day1_learning", "10")

	v.SetDefault("safety.failure_threshold", 3)
	v.SetDefault("safety.success_threshold", 1)
	v.SetDefault("safety.cooldown", "60s")
	v.SetDefault("safety.max_cooldown", "1h")
	v.SetDefault("safety.trip_killswitch_on_gate", true)

	v.SetDefault("guardian.interval", "5m")
	v.SetDefault("guardian.align_to_bucket", true)
	v.SetDefault("guardian.startup_delay", "0s")
	v.SetDefault("guardian.jitter", "0s")

	v.SetDefault("state.dir", "state")
	v.SetDefault("state.ledger_file", "ledger.ndjson")
	v.SetDefault("state.audit_file", "audit.ndjson")
	v.SetDefault("state.killswitch_file", "killswitch.json")
	v.SetDefault("state.circuit_file", "circuit.json")
	v.SetDefault("state.idempotency_file", "idempotency.json")
	v.SetDefault("state.idempotency_ttl", "1h")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.cooldown", "30m")
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if _, err := c.TotalBudget(); err != nil {
		return err
	}
	ratios := map[string]string{
		"vault.learning_ratio":    c.Vault.LearningRatio,
		"vault.operational_ratio": c.Vault.OperationalRatio,
		"vault.reserve_ratio":     c.Vault.ReserveRatio,
	}
	for key, raw := range ratios {
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return fmt.Errorf("%s 不是合法小数: %w", key, err)
		}
		if d.IsNegative() {
			return fmt.Errorf("%s cannot be negative", key)
		}
	}
	if c.Safety.FailureThreshold <= 0 {
		return fmt.Errorf("safety.failure_threshold must be greater than zero")
	}
	if c.Safety.Cooldown <= 0 || c.Safety.MaxCooldown < c.Safety.Cooldown {
		return fmt.Errorf("safety cooldown window is invalid")
	}
	if c.Guardian.Interval <= 0 {
		return fmt.Errorf("guardian.interval must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

// TotalBudget parses the configured vault total.
func (c *Config) TotalBudget() (decimal.Decimal, error) {
	d, err := decimal.NewFromString(c.Vault.TotalBudget)
	if err != nil {
		return decimal.Zero, fmt.Errorf("vault.total_budget 不是合法小数: %w", err)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("vault.total_budget cannot be negative")
	}
	return d, nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
