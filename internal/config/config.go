// Package config loads the orchestrator's single frozen configuration
// struct at process startup: flag > environment (ORCH_ prefix) > optional
// config file > coded defaults. No component reads viper or the
// environment directly after Load returns.
package config

import (
	"flag"
	"fmt"
	"reflect"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/atlas-quant/intraday-orchestrator/pkg/types"
)

// decimalHook converts string/float config values into decimal.Decimal so
// the percentage/threshold fields in types.Config can be set from env vars
// or a YAML file without losing fixed-point precision.
func decimalHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(decimal.Decimal{}) {
			return data, nil
		}
		switch from.Kind() {
		case reflect.String:
			return decimal.NewFromString(data.(string))
		case reflect.Float32, reflect.Float64:
			return decimal.NewFromFloat(reflect.ValueOf(data).Float()), nil
		case reflect.Int, reflect.Int32, reflect.Int64:
			return decimal.NewFromInt(reflect.ValueOf(data).Int()), nil
		default:
			return data, nil
		}
	}
}

// Flags holds the command-line overrides recognized at bootstrap.
type Flags struct {
	ConfigFile string
	DataDir    string
	LogLevel   string
	Symbols    string
	Paper      bool
}

// ParseFlags registers the bootstrap flags on fs and returns the Flags
// they bind to; the caller runs fs.Parse, then Load.
func ParseFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{}
	fs.StringVar(&f.ConfigFile, "config", "", "path to config.yaml (optional)")
	fs.StringVar(&f.DataDir, "data", "./data", "data directory for the KV store and trade ledger")
	fs.StringVar(&f.LogLevel, "log-level", "info", "log level (debug, info, warn, error)")
	fs.StringVar(&f.Symbols, "symbols", "NIFTY-I,BANKNIFTY-I", "comma-separated symbol universe")
	fs.BoolVar(&f.Paper, "paper", true, "use the paper BrokerClient instead of a live broker")
	return f
}

// Load binds the layered configuration and returns the frozen struct plus
// the derived symbol universe. It never panics on a missing config file;
// an absent file simply falls through to defaults+env+flags.
func Load(f *Flags) (types.Config, []string, error) {
	defaults := types.Default()

	v := viper.New()
	v.SetEnvPrefix("ORCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindDefaults(v, defaults)

	if f.ConfigFile != "" {
		v.SetConfigFile(f.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return types.Config{}, nil, fmt.Errorf("reading config file %s: %w", f.ConfigFile, err)
		}
	}

	if f.DataDir != "" {
		v.Set("store.data_dir", f.DataDir)
	}

	var cfg types.Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		decimalHook(),
	))); err != nil {
		return types.Config{}, nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	symbols := splitSymbols(f.Symbols)
	return cfg, symbols, nil
}

func splitSymbols(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// bindDefaults seeds viper with the coded defaults so any key the
// environment/file/flags don't touch still resolves.
func bindDefaults(v *viper.Viper, d types.Config) {
	v.SetDefault("tick_period_ms", d.TickPeriod)
	v.SetDefault("monitor_period_ms", d.MonitorPeriod)
	v.SetDefault("warmup_days", d.WarmupDays)
	v.SetDefault("warmup_symbols_min", d.WarmupSymbolsMin)
	v.SetDefault("max_signals_per_cycle", d.MaxSignalsPerCycle)
	v.SetDefault("inter_order_delay_ms", d.InterOrderDelay)
	v.SetDefault("rate_limit_orders_per_sec", d.RateLimitOrdersPerSec)
	v.SetDefault("rate_limit_burst", d.RateLimitBurst)
	v.SetDefault("options_exposure_cap_pct", d.OptionsExposureCapPct.String())
	v.SetDefault("total_exposure_cap_pct", d.TotalExposureCapPct.String())
	v.SetDefault("total_exposure_soft_pct", d.TotalExposureSoftPct.String())
	v.SetDefault("per_trade_risk_pct", d.PerTradeRiskPct.String())
	v.SetDefault("per_position_option_pct", d.PerPositionOptionPct.String())
	v.SetDefault("per_position_equity_pct", d.PerPositionEquityPct.String())
	v.SetDefault("daily_loss_brake_pct", d.DailyLossBrakePct.String())
	v.SetDefault("emergency_loss_pct", d.EmergencyLossPct.String())
	v.SetDefault("square_off_urgent", d.SquareOffUrgent)
	v.SetDefault("square_off_mandatory", d.SquareOffMandatory)
	v.SetDefault("market_open", d.MarketOpen)
	v.SetDefault("market_close", d.MarketClose)
	v.SetDefault("stale_tick_ms", d.StaleTick)
	v.SetDefault("feed_heartbeat_ms", d.FeedHeartbeat)
	v.SetDefault("skip_auto_init", d.SkipAutoInit)
	v.SetDefault("flatten_on_shutdown", d.FlattenOnShutdown)
	v.SetDefault("drain_timeout_ms", d.DrainTimeout)
	v.SetDefault("rate_limit_acquire_timeout_ms", d.RateLimitAcquireTO)
	v.SetDefault("max_unprotected_age_ms", d.MaxUnprotectedAge)
	v.SetDefault("takeover_grace_ms", d.TakeoverGrace)
	v.SetDefault("min_quality", d.MinQuality.String())
	v.SetDefault("dedup_ttl_hours", d.DedupTTL)
	v.SetDefault("reconcile_period_ms", d.ReconcilePeriod)
	v.SetDefault("store.data_dir", d.Store.DataDir)
	v.SetDefault("telemetry.metrics_enabled", d.Telemetry.MetricsEnabled)
	v.SetDefault("telemetry.metrics_addr", d.Telemetry.MetricsAddr)
	v.SetDefault("telemetry.event_workers", d.Telemetry.EventWorkers)
	v.SetDefault("telemetry.event_buffer", d.Telemetry.EventBuffer)
	v.SetDefault("user_id", d.UserID)
}
