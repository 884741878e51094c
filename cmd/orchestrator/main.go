// Package main wires the orchestrator's components together and runs
// the process: FeedIngestor and PositionMonitor run as independent
// goroutines per the specification's concurrency model, Orchestrator
// drives its own tick loop, and all three share the cache, broker
// client and telemetry built once here at startup.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/atlas-quant/intraday-orchestrator/internal/broker"
	"github.com/atlas-quant/intraday-orchestrator/internal/cache"
	"github.com/atlas-quant/intraday-orchestrator/internal/config"
	"github.com/atlas-quant/intraday-orchestrator/internal/dedup"
	"github.com/atlas-quant/intraday-orchestrator/internal/execmodel"
	"github.com/atlas-quant/intraday-orchestrator/internal/feed"
	"github.com/atlas-quant/intraday-orchestrator/internal/orchestrator"
	"github.com/atlas-quant/intraday-orchestrator/internal/portfolio"
	"github.com/atlas-quant/intraday-orchestrator/internal/positionmonitor"
	"github.com/atlas-quant/intraday-orchestrator/internal/positiontracker"
	"github.com/atlas-quant/intraday-orchestrator/internal/ratelimit"
	"github.com/atlas-quant/intraday-orchestrator/internal/regime"
	"github.com/atlas-quant/intraday-orchestrator/internal/store"
	"github.com/atlas-quant/intraday-orchestrator/internal/strategy"
	"github.com/atlas-quant/intraday-orchestrator/internal/telemetry"
	"github.com/atlas-quant/intraday-orchestrator/internal/tradeengine"
	"github.com/atlas-quant/intraday-orchestrator/internal/workers"
	"github.com/atlas-quant/intraday-orchestrator/pkg/types"
)

// benchmarkIndex is the instrument MarketRegime tracks, matching the
// specification's S1 walkthrough universe.
const benchmarkIndex = "NIFTY-I"

func main() {
	fs := flag.NewFlagSet("orchestrator", flag.ExitOnError)
	f := config.ParseFlags(fs)
	fs.Parse(os.Args[1:])

	cfg, universe, err := config.Load(f)
	if err != nil {
		panic(err)
	}
	if !contains(universe, benchmarkIndex) {
		universe = append(universe, benchmarkIndex)
	}

	logger := setupLogger(f.LogLevel)
	defer logger.Sync()

	logger.Info("starting orchestrator",
		zap.Strings("universe", universe),
		zap.Bool("paper", f.Paper),
		zap.String("data_dir", cfg.Store.DataDir),
	)
	if !f.Paper {
		logger.Warn("live broker trading is not implemented; running the paper client regardless of -paper")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := telemetry.New(logger, telemetry.DefaultConfig())
	metrics := telemetry.NewMetrics()
	if cfg.Telemetry.MetricsEnabled {
		metrics.ServeBackground(cfg.Telemetry.MetricsAddr, logger)
	}

	kv, err := store.NewKVStore(logger, cfg.Store.DataDir)
	if err != nil {
		logger.Fatal("failed to open idempotency store", zap.Error(err))
	}
	if _, err := store.NewLedger(logger, cfg.Store.DataDir); err != nil {
		logger.Fatal("failed to open trade ledger", zap.Error(err))
	}

	c := cache.New(logger, cfg.StaleTick)
	for _, sym := range universe {
		c.RegisterRing(sym, types.Bar1m, 180)
		c.RegisterRing(sym, types.Bar5m, 60)
	}

	limiter := ratelimit.New(logger, ratelimit.Config{
		Soft:           float64(cfg.RateLimitOrdersPerSec),
		Hard:           cfg.RateLimitBurst,
		AcquireTimeout: cfg.RateLimitAcquireTO,
	})
	model := execmodel.New(logger, execmodel.DefaultConfig())
	client := broker.NewPaperClient(logger, c, limiter, model, broker.Config{
		InitialCapital: initialCapital(),
	})

	dial := feed.Dialer(func(ctx context.Context, url string) (*websocket.Conn, error) {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		return conn, err
	})
	feedCfg := feed.DefaultConfig(os.Getenv("ORCH_FEED_URL"))
	feedCfg.SkipAutoInit = cfg.SkipAutoInit
	feedCfg.DataTimeout = cfg.FeedHeartbeat
	feedCfg.TakeoverGrace = cfg.TakeoverGrace
	ingestor := feed.New(logger, bus, c, dial, feedCfg)

	regimeDet := regime.New(logger, regime.DefaultConfig())

	lotSize := instrumentLotSizes(universe)
	tickSize := instrumentTickSizes(universe)
	underlyings := underlyingsOf(universe)

	tracker := positiontracker.New(logger, bus)

	chains := newChainCache(client, underlyings, 10*time.Second)
	go chains.run(ctx)

	sources := []strategy.Strategy{
		strategy.NewMomentum(logger, c, universe, lotSize, tickSize),
		strategy.NewOptionsScalper(logger, c, underlyings, chains.lookup, lotSize, tickSize),
		strategy.NewMicrostructure(logger, c, universe, lotSize, tickSize),
	}
	adaptive := strategy.NewAdaptive(logger, sources, 30)

	capitalSetters := make([]capitalSetter, 0, len(sources))
	for _, s := range sources {
		if cs, ok := s.(capitalSetter); ok {
			capitalSetters = append(capitalSetters, cs)
		}
	}
	go refreshStrategyCapital(ctx, logger, client, capitalSetters, cfg.MonitorPeriod)

	perf := dedup.NewPerformanceTracker()
	dd := dedup.New(logger, kv, perf, cfg.MinQuality, cfg.DedupTTL)

	gate := portfolio.New(logger, portfolio.FromAppConfig(cfg))

	engineCfg := tradeengine.DefaultConfig()
	engineCfg.InterOrderDelayMin = cfg.InterOrderDelay / 2
	engineCfg.InterOrderDelayMax = cfg.InterOrderDelay
	engine := tradeengine.New(logger, client, tracker, bus, engineCfg)

	accountFn := func() orchestrator.AccountSnapshot {
		margin, err := client.Margins(ctx)
		if err != nil {
			logger.Warn("margins lookup failed", zap.Error(err))
			return orchestrator.AccountSnapshot{}
		}
		return orchestrator.AccountSnapshot{Capital: margin.Capital}
	}

	monCfg := positionmonitor.DefaultConfig()
	monCfg.Period = cfg.MonitorPeriod
	monCfg.URGENTCloseClock = cfg.SquareOffUrgent
	monCfg.SquareOffClock = cfg.SquareOffMandatory
	monCfg.EmergencyLossPct = cfg.EmergencyLossPct
	monitor := positionmonitor.New(logger, client, tracker, c, bus, monCfg, func() positionmonitor.AccountSnapshot {
		snap := accountFn()
		return positionmonitor.AccountSnapshot{
			Capital:            snap.Capital,
			RealizedPnLToday:   snap.RealizedPnLToday,
			UnrealizedPnLToday: snap.UnrealizedPnLToday,
		}
	})

	pool := workers.NewPool(logger, workers.DefaultPoolConfig("strategies", len(sources)))

	orchCfg := orchestrator.FromAppConfig(cfg, universe, benchmarkIndex)
	orch := orchestrator.New(
		logger, orchCfg, c, ingestor, client, regimeDet,
		[]strategy.Strategy{adaptive}, pool, dd, gate, engine, tracker, monitor, metrics, accountFn, lotSize,
	)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		ingestor.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		monitor.Run(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	if err := orch.Run(ctx); err != nil {
		logger.Error("orchestrator exited with error", zap.Error(err))
	}
	ingestor.Shutdown()
	wg.Wait()
	logger.Info("orchestrator stopped")
}

// capitalSetter is satisfied by every source strategy (each embeds
// strategy.Base, which carries SetCapital) but not by Adaptive, which
// wraps sources rather than sizing its own stops.
type capitalSetter interface {
	SetCapital(capital decimal.Decimal)
}

// refreshStrategyCapital keeps every source strategy's sizing capital in
// step with the account's live margin figure, polling at the same
// cadence as PositionMonitor rather than on every tick since capital
// moves slowly relative to the tick period.
func refreshStrategyCapital(ctx context.Context, logger *zap.Logger, client broker.Client, setters []capitalSetter, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			margin, err := client.Margins(ctx)
			if err != nil {
				logger.Warn("capital refresh: margins lookup failed", zap.Error(err))
				continue
			}
			for _, s := range setters {
				s.SetCapital(margin.Capital)
			}
		}
	}
}

// chainCache is a synchronous option-chain lookup backed by a
// periodically-refreshed snapshot, satisfying strategy.ChainSource
// without letting OnTick perform broker I/O.
type chainCache struct {
	client      broker.Client
	underlyings []string
	period      time.Duration

	mu   sync.RWMutex
	data map[string]types.Chain
}

func newChainCache(client broker.Client, underlyings []string, period time.Duration) *chainCache {
	return &chainCache{client: client, underlyings: underlyings, period: period, data: make(map[string]types.Chain)}
}

func (cc *chainCache) run(ctx context.Context) {
	cc.refresh(ctx)
	ticker := time.NewTicker(cc.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cc.refresh(ctx)
		}
	}
}

func (cc *chainCache) refresh(ctx context.Context) {
	for _, u := range cc.underlyings {
		chain, err := cc.client.OptionChain(ctx, u)
		if err != nil {
			continue
		}
		cc.mu.Lock()
		cc.data[u] = chain
		cc.mu.Unlock()
	}
}

func (cc *chainCache) lookup(underlying string) (types.Chain, bool) {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	chain, ok := cc.data[underlying]
	return chain, ok
}

// instrumentLotSizes/instrumentTickSizes stand in for the Symbol master
// record's lot_size/tick_size fields: the specification describes Symbol
// as an immutable registered instrument, but no external symbol-master
// feed is wired, so these default every equity to a 1-share lot and a
// 0.05 tick, matching NSE's standard cash-market tick, and special-case
// the two index futures named in the specification's walkthrough.
func instrumentLotSizes(universe []string) map[string]int64 {
	out := make(map[string]int64, len(universe))
	for _, sym := range universe {
		switch sym {
		case "NIFTY-I":
			out[sym] = 50
		case "BANKNIFTY-I":
			out[sym] = 15
		default:
			out[sym] = 1
		}
	}
	return out
}

func instrumentTickSizes(universe []string) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(universe))
	tick := decimal.NewFromFloat(0.05)
	for _, sym := range universe {
		out[sym] = tick
	}
	return out
}

// underlyingsOf returns the universe members OptionsScalper treats as
// option-chain underlyings, excluding the benchmark index itself (no
// strategy trades the index's own option chain in this deployment).
func underlyingsOf(universe []string) []string {
	out := make([]string, 0, len(universe))
	for _, sym := range universe {
		if sym == benchmarkIndex {
			continue
		}
		out = append(out, sym)
	}
	return out
}

func initialCapital() decimal.Decimal {
	if v := os.Getenv("ORCH_INITIAL_CAPITAL"); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
	}
	return decimal.NewFromInt(1000000)
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
