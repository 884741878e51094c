// Package orchestrator implements Orchestrator (C9): the single
// cooperative per-tick loop that snapshots the cache, recomputes
// MarketRegime, runs every strategy in parallel over a bounded worker
// pool, routes the combined candidate set through SignalDeduplicator
// and PortfolioGate, and hands survivors to TradeEngine. Grounded on
// the teacher's TradingOrchestrator coordination shape in
// internal/orchestrator/orchestrator.go (teacher) — a mutex-guarded
// aggregate constructed once at startup, started/stopped explicitly,
// driving its own ticker loops rather than relying on global state —
// generalized from the teacher's event-driven HMM/Kelly/Monte-Carlo
// pipeline into the specification's health→snapshot→regime→strategy→
// route→observe tick sequence.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-quant/intraday-orchestrator/internal/broker"
	"github.com/atlas-quant/intraday-orchestrator/internal/cache"
	"github.com/atlas-quant/intraday-orchestrator/internal/dedup"
	"github.com/atlas-quant/intraday-orchestrator/internal/feed"
	"github.com/atlas-quant/intraday-orchestrator/internal/portfolio"
	"github.com/atlas-quant/intraday-orchestrator/internal/positiontracker"
	"github.com/atlas-quant/intraday-orchestrator/internal/regime"
	"github.com/atlas-quant/intraday-orchestrator/internal/strategy"
	"github.com/atlas-quant/intraday-orchestrator/internal/telemetry"
	"github.com/atlas-quant/intraday-orchestrator/internal/tradeengine"
	"github.com/atlas-quant/intraday-orchestrator/internal/workers"
	"github.com/atlas-quant/intraday-orchestrator/pkg/types"
)

// AccountSnapshot is the capital/P&L figures the gate and engine need
// each tick; supplied by whatever owns the margin/ledger read (the
// caller wires this from the same source PositionMonitor uses).
type AccountSnapshot struct {
	Capital            decimal.Decimal
	RealizedPnLToday   decimal.Decimal
	UnrealizedPnLToday decimal.Decimal
}

// Config carries the orchestrator's own tick-loop knobs, distinct from
// the per-component configs each dependency already owns.
type Config struct {
	TickPeriod        time.Duration
	DrainTimeout      time.Duration
	FlattenOnShutdown bool
	Universe          []string
	IndexSymbol       string
}

// FromAppConfig builds a Config from the loaded types.Config.
func FromAppConfig(c types.Config, universe []string, indexSymbol string) Config {
	return Config{
		TickPeriod:        c.TickPeriod,
		DrainTimeout:      c.DrainTimeout,
		FlattenOnShutdown: c.FlattenOnShutdown,
		Universe:          universe,
		IndexSymbol:       indexSymbol,
	}
}

// Flattener is the narrow surface the orchestrator needs from
// PositionMonitor on shutdown; it never depends on the monitor's full
// type so the two loops stay independently testable.
type Flattener interface {
	FlattenAll(ctx context.Context, reason string)
}

// Orchestrator is the aggregate that owns the tick loop. It never
// starts PositionMonitor or FeedIngestor itself — those run as
// independent goroutines per the specification's concurrency model —
// but reads their state for the per-tick health check.
type Orchestrator struct {
	logger *zap.Logger
	cfg    Config

	cache      *cache.Cache
	feed       *feed.Ingestor
	client     broker.Client
	regimeDet  *regime.Detector
	strategies []strategy.Strategy
	pool       *workers.Pool
	dedup      *dedup.Deduplicator
	gate       *portfolio.Gate
	engine     *tradeengine.Engine
	tracker    *positiontracker.Tracker
	monitor    Flattener
	metrics    *telemetry.Metrics
	accountFn  func() AccountSnapshot
	lotSize    map[string]int64

	mu        sync.Mutex
	accepting bool
	inFlight  sync.WaitGroup
}

// New constructs the Orchestrator from its already-built dependencies.
func New(
	logger *zap.Logger,
	cfg Config,
	c *cache.Cache,
	f *feed.Ingestor,
	client broker.Client,
	regimeDet *regime.Detector,
	strategies []strategy.Strategy,
	pool *workers.Pool,
	dd *dedup.Deduplicator,
	gate *portfolio.Gate,
	engine *tradeengine.Engine,
	tracker *positiontracker.Tracker,
	monitor Flattener,
	metrics *telemetry.Metrics,
	accountFn func() AccountSnapshot,
	lotSize map[string]int64,
) *Orchestrator {
	return &Orchestrator{
		logger:     logger.Named("orchestrator"),
		cfg:        cfg,
		cache:      c,
		feed:       f,
		client:     client,
		regimeDet:  regimeDet,
		strategies: strategies,
		pool:       pool,
		dedup:      dd,
		gate:       gate,
		engine:     engine,
		tracker:    tracker,
		monitor:    monitor,
		metrics:    metrics,
		accountFn:  accountFn,
		lotSize:    lotSize,
		accepting:  true,
	}
}

// Run drives the tick loop until ctx is cancelled, then drains
// in-flight work through shutdown: new ticks are no longer accepted and
// the ones in flight are given up to DrainTimeout to finish.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.pool.Start()
	ticker := time.NewTicker(o.cfg.TickPeriod)
	defer ticker.Stop()

	o.logger.Info("orchestrator started",
		zap.Duration("tick_period", o.cfg.TickPeriod),
		zap.Int("strategies", len(o.strategies)),
		zap.Int("universe", len(o.cfg.Universe)),
	)

	for {
		select {
		case <-ctx.Done():
			return o.shutdown()
		case now := <-ticker.C:
			o.tick(ctx, now)
		}
	}
}

func (o *Orchestrator) shutdown() error {
	o.mu.Lock()
	o.accepting = false
	o.mu.Unlock()

	o.logger.Info("orchestrator draining in-flight work", zap.Duration("drain_timeout", o.cfg.DrainTimeout))
	drained := make(chan struct{})
	go func() {
		o.inFlight.Wait()
		close(drained)
	}()

	select {
	case <-drained:
	case <-time.After(o.cfg.DrainTimeout):
		o.logger.Warn("drain timed out, proceeding with shutdown")
	}

	if err := o.pool.Stop(); err != nil {
		o.logger.Warn("worker pool stop error", zap.Error(err))
	}

	if o.cfg.FlattenOnShutdown && o.monitor != nil {
		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.DrainTimeout)
		defer cancel()
		o.monitor.FlattenAll(ctx, "shutdown_flatten")
	}

	o.logger.Info("orchestrator stopped")
	return nil
}

// healthy reports whether the tick should run strategy execution at
// all: ingestor connected, broker reachable, index data fresh.
func (o *Orchestrator) healthy(ctx context.Context) bool {
	if o.feed != nil && !o.feed.Connected() {
		return false
	}
	tick, age, ok := o.cache.Latest(o.cfg.IndexSymbol)
	if !ok || o.cache.IsStale(age) {
		return false
	}
	_ = tick
	if o.client != nil {
		if _, err := o.client.Margins(ctx); err != nil {
			o.logger.Warn("broker health check failed", zap.Error(err))
			return false
		}
	}
	return true
}

func (o *Orchestrator) tick(ctx context.Context, now time.Time) {
	o.mu.Lock()
	accepting := o.accepting
	o.mu.Unlock()
	if !accepting {
		return
	}

	start := time.Now()
	defer func() {
		if o.metrics != nil {
			o.metrics.TickLatency.Observe(time.Since(start).Seconds())
		}
	}()

	if !o.healthy(ctx) {
		o.logger.Debug("heartbeat: unhealthy tick, skipping strategy execution",
			zap.Time("tick_time", now))
		return
	}

	snapshot := o.cache.Snapshot(o.cfg.Universe)

	indexTick, _, _ := o.cache.Latest(o.cfg.IndexSymbol)
	recentBars, _ := o.cache.History(o.cfg.IndexSymbol, types.Bar5m, 30)
	r := o.regimeDet.Update(indexTick, recentBars)

	positions := o.tracker.Snapshot()

	var candidates []dedup.Candidate

	for _, s := range o.strategies {
		s.SyncPositions(positions)
		for _, mgmt := range s.ManageExisting(snapshot) {
			candidates = append(candidates, dedup.Candidate{Signal: mgmt, StrategyPriority: 0})
		}
	}

	// entryByPriority holds each strategy's OnTick output at its own index so
	// the flatten below preserves configured strategy priority regardless of
	// which goroutine in the pool finishes first.
	entryByPriority := make([][]dedup.Candidate, len(o.strategies))
	fns := make([]func() error, len(o.strategies))
	for i, s := range o.strategies {
		i, s := i, s
		priority := i
		fns[i] = func() error {
			entries := s.OnTick(snapshot, r)
			if len(entries) == 0 {
				return nil
			}
			out := make([]dedup.Candidate, 0, len(entries))
			for _, sig := range entries {
				tick := snapshot[sig.Symbol]
				out = append(out, dedup.Candidate{
					Signal:           sig,
					Quality:          o.qualityFactors(sig, tick, r),
					StrategyPriority: priority,
				})
			}
			entryByPriority[i] = out
			return nil
		}
	}
	o.pool.RunAll(fns)
	for _, entries := range entryByPriority {
		candidates = append(candidates, entries...)
	}

	if o.metrics != nil {
		o.metrics.SignalsProposed.Add(float64(len(candidates)))
	}

	approved, dropped := o.dedup.Process(now, candidates)
	if o.metrics != nil {
		o.metrics.SignalsFiltered.Add(float64(len(dropped)))
	}

	account := o.accountFn()
	snap := o.buildPortfolio(positions, account, r, now)

	var toSubmit []types.Signal
	for _, sig := range approved {
		snap.LotSize = o.lot(sig.Symbol)
		decision := o.gate.Evaluate(sig, snap)
		if !decision.Accepted {
			if o.metrics != nil {
				o.metrics.SignalsRejected.WithLabelValues(string(decision.Reason)).Inc()
			}
			continue
		}
		sig.Quantity = decision.Quantity
		toSubmit = append(toSubmit, sig)
	}

	if len(toSubmit) == 0 {
		return
	}

	o.mu.Lock()
	if !o.accepting {
		o.mu.Unlock()
		return
	}
	o.inFlight.Add(1)
	o.mu.Unlock()
	defer o.inFlight.Done()

	results := o.engine.Submit(ctx, toSubmit)
	submitted := 0
	for _, res := range results {
		if res.Submitted {
			submitted++
		}
	}
	if o.metrics != nil {
		o.metrics.SignalsSubmitted.Add(float64(submitted))
	}
}

// qualityFactors derives the four composite-quality inputs from data
// already on hand this tick: regime strength stands in for confluence
// (a strong, directionally consistent regime corroborates the signal),
// the signal's own confidence stands in for timeframe alignment (each
// strategy already blends multiple timeframes into that figure), bid/
// ask spread stands in for microstructure quality, and the tick's
// traded volume relative to its own recent history stands in for
// volume quality.
func (o *Orchestrator) qualityFactors(sig types.Signal, tick types.Tick, r types.Regime) dedup.QualityFactors {
	confluence := clamp01(r.Strength.Div(decimal.NewFromInt(10)))
	timeframeAlignment := clamp01(sig.Confidence.Div(decimal.NewFromInt(10)))

	spreadBps := decimal.Zero
	if !tick.LTP.IsZero() && tick.Ask.GreaterThan(tick.Bid) {
		spreadBps = tick.Ask.Sub(tick.Bid).Div(tick.LTP).Mul(decimal.NewFromInt(10000))
	}
	microstructure := clamp01(decimal.NewFromInt(1).Sub(spreadBps.Div(decimal.NewFromInt(50))))

	volumeQuality := decimal.NewFromFloat(0.5)
	if bars, err := o.cache.History(sig.Symbol, types.Bar1m, 20); err == nil && len(bars) > 0 {
		var sum decimal.Decimal
		for _, b := range bars {
			sum = sum.Add(b.Volume)
		}
		avg := sum.Div(decimal.NewFromInt(int64(len(bars))))
		if avg.GreaterThan(decimal.Zero) {
			volumeQuality = clamp01(tick.Volume.Div(avg).Div(decimal.NewFromInt(2)))
		}
	}

	return dedup.QualityFactors{
		Confluence:         confluence,
		VolumeQuality:      volumeQuality,
		Microstructure:     microstructure,
		TimeframeAlignment: timeframeAlignment,
	}
}

func clamp01(d decimal.Decimal) decimal.Decimal {
	if d.LessThan(decimal.Zero) {
		return decimal.Zero
	}
	if d.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.NewFromInt(1)
	}
	return d
}

func (o *Orchestrator) lot(symbol string) int64 {
	if l, ok := o.lotSize[symbol]; ok && l > 0 {
		return l
	}
	return 1
}

func (o *Orchestrator) buildPortfolio(positions []types.Position, account AccountSnapshot, r types.Regime, now time.Time) portfolio.Portfolio {
	var optionNotional, totalNotional decimal.Decimal
	for _, p := range positions {
		notional := p.EntryPrice.Mul(decimal.NewFromInt(p.Quantity)).Abs()
		totalNotional = totalNotional.Add(notional)
		if p.IsOption {
			optionNotional = optionNotional.Add(notional)
		}
	}
	return portfolio.Portfolio{
		Positions:          positions,
		Capital:            account.Capital,
		RealizedPnLToday:   account.RealizedPnLToday,
		UnrealizedPnLToday: account.UnrealizedPnLToday,
		OptionNotional:     optionNotional,
		TotalNotional:      totalNotional,
		Regime:             r,
		Now:                now,
	}
}

// Status summarizes health for diagnostics/status endpoints.
type Status struct {
	FeedConnected   bool
	BrokerReachable bool
	OpenPositions   int
	CurrentRegime   types.Regime
}

// Status returns the current health snapshot of C1-C12.
func (o *Orchestrator) Status(ctx context.Context) Status {
	brokerOK := true
	if o.client != nil {
		if _, err := o.client.Margins(ctx); err != nil {
			brokerOK = false
		}
	}
	return Status{
		FeedConnected:   o.feed == nil || o.feed.Connected(),
		BrokerReachable: brokerOK,
		OpenPositions:   len(o.tracker.Snapshot()),
		CurrentRegime:   o.regimeDet.Current(),
	}
}
