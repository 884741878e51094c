// Package types provides configuration types for the intraday orchestrator.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Config is the single frozen configuration struct bound once at process
// startup (see internal/config). No component reads viper or the
// environment directly after this struct is constructed.
type Config struct {
	TickPeriod       time.Duration `mapstructure:"tick_period_ms"`
	MonitorPeriod    time.Duration `mapstructure:"monitor_period_ms"`
	WarmupDays       int           `mapstructure:"warmup_days"`
	WarmupSymbolsMin int           `mapstructure:"warmup_symbols_min"`

	MaxSignalsPerCycle int           `mapstructure:"max_signals_per_cycle"`
	InterOrderDelay    time.Duration `mapstructure:"inter_order_delay_ms"`

	RateLimitOrdersPerSec int `mapstructure:"rate_limit_orders_per_sec"`
	RateLimitBurst        int `mapstructure:"rate_limit_burst"`

	OptionsExposureCapPct  decimal.Decimal `mapstructure:"options_exposure_cap_pct"`
	TotalExposureCapPct    decimal.Decimal `mapstructure:"total_exposure_cap_pct"`
	TotalExposureSoftPct   decimal.Decimal `mapstructure:"total_exposure_soft_pct"`
	PerTradeRiskPct        decimal.Decimal `mapstructure:"per_trade_risk_pct"`
	PerPositionOptionPct   decimal.Decimal `mapstructure:"per_position_option_pct"`
	PerPositionEquityPct   decimal.Decimal `mapstructure:"per_position_equity_pct"`
	DailyLossBrakePct      decimal.Decimal `mapstructure:"daily_loss_brake_pct"`
	EmergencyLossPct       decimal.Decimal `mapstructure:"emergency_loss_pct"`

	SquareOffUrgent    string `mapstructure:"square_off_urgent"`
	SquareOffMandatory string `mapstructure:"square_off_mandatory"`
	MarketOpen         string `mapstructure:"market_open"`
	MarketClose        string `mapstructure:"market_close"`

	StaleTick         time.Duration `mapstructure:"stale_tick_ms"`
	FeedHeartbeat     time.Duration `mapstructure:"feed_heartbeat_ms"`
	SkipAutoInit      bool          `mapstructure:"skip_auto_init"`
	FlattenOnShutdown bool          `mapstructure:"flatten_on_shutdown"`

	DrainTimeout       time.Duration `mapstructure:"drain_timeout_ms"`
	RateLimitAcquireTO time.Duration `mapstructure:"rate_limit_acquire_timeout_ms"`
	MaxUnprotectedAge  time.Duration `mapstructure:"max_unprotected_age_ms"`
	TakeoverGrace      time.Duration `mapstructure:"takeover_grace_ms"`

	MinQuality    decimal.Decimal `mapstructure:"min_quality"`
	DedupTTL      time.Duration   `mapstructure:"dedup_ttl_hours"`
	ReconcilePeriod time.Duration `mapstructure:"reconcile_period_ms"`

	Store      StoreConfig      `mapstructure:"store"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	UserID     string           `mapstructure:"user_id"`
}

// StoreConfig configures the file-backed idempotency KV store and trade ledger (A6).
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// TelemetryConfig configures the metrics/event-bus ambient stack (A2/A3).
type TelemetryConfig struct {
	MetricsEnabled bool   `mapstructure:"metrics_enabled"`
	MetricsAddr    string `mapstructure:"metrics_addr"`
	EventWorkers   int    `mapstructure:"event_workers"`
	EventBuffer    int    `mapstructure:"event_buffer"`
}

// Default returns the configuration defaults named in §6 of the specification.
func Default() Config {
	return Config{
		TickPeriod:       1000 * time.Millisecond,
		MonitorPeriod:    5000 * time.Millisecond,
		WarmupDays:       3,
		WarmupSymbolsMin: 5,

		MaxSignalsPerCycle: 5,
		InterOrderDelay:    1500 * time.Millisecond,

		RateLimitOrdersPerSec: 7,
		RateLimitBurst:        9,

		OptionsExposureCapPct: decimal.NewFromInt(50),
		TotalExposureCapPct:   decimal.NewFromInt(70),
		TotalExposureSoftPct:  decimal.NewFromInt(80),
		PerTradeRiskPct:       decimal.NewFromInt(2),
		PerPositionOptionPct:  decimal.NewFromInt(5),
		PerPositionEquityPct:  decimal.NewFromInt(2),
		DailyLossBrakePct:     decimal.NewFromInt(2),
		EmergencyLossPct:      decimal.NewFromInt(3),

		SquareOffUrgent:    "15:15",
		SquareOffMandatory: "15:20",
		MarketOpen:         "09:15",
		MarketClose:        "15:00",

		StaleTick:     30 * time.Second,
		FeedHeartbeat: 300 * time.Second,

		DrainTimeout:       10 * time.Second,
		RateLimitAcquireTO: 2 * time.Second,
		MaxUnprotectedAge:  2 * time.Second,
		TakeoverGrace:      15 * time.Second,

		MinQuality:      decimal.NewFromFloat(0.60),
		DedupTTL:        24 * time.Hour,
		ReconcilePeriod: 30 * time.Second,

		Store: StoreConfig{DataDir: "./data"},
		Telemetry: TelemetryConfig{
			MetricsEnabled: true,
			MetricsAddr:    ":9090",
			EventWorkers:   8,
			EventBuffer:    4096,
		},
		UserID: "master",
	}
}
