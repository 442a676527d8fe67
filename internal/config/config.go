// Package config loads the core's runtime configuration, generalizing the
// teacher's internal/config/config.go (YAML file + Default() fallback +
// ApplyEnv() credential overrides) from Polymarket maker/taker knobs to the
// option groups spec §6 enumerates: Data, Engine, Risk, Exec, Idem, Stop,
// Reconcile.
package config

import (
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full set of options the core recognizes.
type Config struct {
	BrokerAPIKey    string `yaml:"broker_api_key"`
	BrokerAPISecret string `yaml:"broker_api_secret"`

	LogLevel string `yaml:"log_level"`

	Data       DataConfig       `yaml:"data"`
	Engine     EngineConfig     `yaml:"engine"`
	Risk       RiskConfig       `yaml:"risk"`
	Exec       ExecConfig       `yaml:"exec"`
	Idempotent IdempotentConfig `yaml:"idem"`
	Stop       StopConfig       `yaml:"stop"`
	Reconcile  ReconcileConfig  `yaml:"reconcile"`
	Telegram   TelegramConfig   `yaml:"telegram"`
}

// DataConfig drives the Bar Processor and exchange-calendar lookups.
type DataConfig struct {
	WarmupBars          int    `yaml:"warmup_bars"`
	EnforceTradingHours bool   `yaml:"enforce_trading_hours"`
	Exchange            string `yaml:"exchange"`
	AllowExtendedHours  bool   `yaml:"allow_extended_hours"`
}

// EngineConfig holds the Coordinator's own knobs.
type EngineConfig struct {
	InitialEquity     float64 `yaml:"initial_equity"`
	CommissionPerTrade float64 `yaml:"commission_per_trade"`
}

// RiskConfig drives the Risk Engine's pre-trade gates.
type RiskConfig struct {
	MaxPositionFraction     float64       `yaml:"max_position_fraction"`
	PerSymbolNotionalCap    float64       `yaml:"per_symbol_notional_cap"`
	MaxSinglePositionUnits  float64       `yaml:"max_single_position_units"`
	MaxDailyLoss            float64       `yaml:"max_daily_loss"`
	MaxDrawdown             float64       `yaml:"max_drawdown"`
	MaxOrdersPerMinute      int           `yaml:"max_orders_per_minute"`
	MaxOrdersPerDay         int           `yaml:"max_orders_per_day"`
	MaxConsecutiveLosses    int           `yaml:"max_consecutive_losses"`
	ConsecutiveLossCooldown time.Duration `yaml:"consecutive_loss_cooldown"`
}

// ExecConfig drives the paper broker.
type ExecConfig struct {
	SlipBpsLimit           float64 `yaml:"slip_bps_limit"`
	PartialFillProbability float64 `yaml:"partial_fill_probability"`
}

// IdempotentConfig drives the idempotency tracker's dedup window.
type IdempotentConfig struct {
	ExpirationMinutes int `yaml:"expiration_minutes"`
}

// StopConfig drives the stop controller.
type StopConfig struct {
	EnableManualStop            bool          `yaml:"enable_manual_stop"`
	EnableEODFlatten            bool          `yaml:"enable_eod_flatten"`
	EODFlattenTimeET            string        `yaml:"eod_flatten_time_et"` // "HH:MM"
	EmergencyLiquidationTimeout time.Duration `yaml:"emergency_liquidation_timeout"`
}

// ReconcileConfig drives the position reconciler.
type ReconcileConfig struct {
	IntervalMinutes int `yaml:"interval_minutes"`
}

// TelegramConfig mirrors the teacher's alert-channel knobs.
type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
}

// Default returns the core's built-in defaults, following spec §6's stated
// defaults (expiration_minutes=5, interval_minutes=60,
// emergency_liquidation_timeout=30s, slip_bps_limit/partial_fill_probability=0).
func Default() Config {
	return Config{
		LogLevel: "info",
		Data: DataConfig{
			WarmupBars:          20,
			EnforceTradingHours: true,
			Exchange:            "XNYS",
		},
		Engine: EngineConfig{
			InitialEquity: 100000,
		},
		Risk: RiskConfig{
			MaxPositionFraction:     0.25,
			MaxDailyLoss:            0.02,
			MaxDrawdown:             0.10,
			MaxOrdersPerMinute:      10,
			MaxOrdersPerDay:         200,
			MaxConsecutiveLosses:    0,
			ConsecutiveLossCooldown: 15 * time.Minute,
		},
		Idempotent: IdempotentConfig{
			ExpirationMinutes: 5,
		},
		Stop: StopConfig{
			EnableManualStop:            true,
			EnableEODFlatten:            false,
			EODFlattenTimeET:            "15:45",
			EmergencyLiquidationTimeout: 30 * time.Second,
		},
		Reconcile: ReconcileConfig{
			IntervalMinutes: 60,
		},
	}
}

// LoadFile reads a YAML config file, falling back to Default() fields for
// anything unset.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnv overrides credential fields from the environment, the way the
// teacher keeps secrets out of the YAML file entirely.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("TRADINGCORE_BROKER_API_KEY"); v != "" {
		c.BrokerAPIKey = v
	}
	if v := os.Getenv("TRADINGCORE_BROKER_API_SECRET"); v != "" {
		c.BrokerAPISecret = v
	}
	if v := strings.TrimSpace(os.Getenv("TRADINGCORE_LOG_LEVEL")); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("TRADINGCORE_TELEGRAM_BOT_TOKEN"); v != "" {
		c.Telegram.BotToken = v
	}
	if v := os.Getenv("TRADINGCORE_TELEGRAM_CHAT_ID"); v != "" {
		c.Telegram.ChatID = v
	}
}
