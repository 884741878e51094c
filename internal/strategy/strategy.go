// Package strategy implements Strategy (C8): the capability interface
// and shared toolkit (stop sizing, dynamic R:R, signal-level
// validation) four concrete variants compose rather than inherit. The
// toolkit has no trailing or partial-booking helpers; PositionMonitor
// does both. Grounded on the teacher's
// StrategyRegistry/BaseStrategy pattern in internal/strategy/strategy.go
// (factory-registered strategies sharing a small embedded base), kept
// for its registration shape and generalized from OHLCV/tick crypto
// strategies into the snapshot+regime-driven NSE/NFO interface the
// specification requires.
package strategy

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-quant/intraday-orchestrator/internal/cache"
	"github.com/atlas-quant/intraday-orchestrator/internal/portfolio"
	"github.com/atlas-quant/intraday-orchestrator/internal/regime"
	"github.com/atlas-quant/intraday-orchestrator/pkg/types"
)

// Strategy is the capability interface every variant implements.
// Orchestrator calls SyncPositions before ManageExisting/OnTick each
// cycle so the strategy mirrors PositionTracker's view of reality.
type Strategy interface {
	ID() string
	WarmupRequirements() []types.HistoryReq
	SyncPositions(positions []types.Position)
	ManageExisting(snapshot map[string]types.Tick) []types.Signal
	OnTick(snapshot map[string]types.Tick, r types.Regime) []types.Signal
}

// riskBand is the per-trade capital-risk target range the toolkit sizes
// stops to, expressed as a fraction of capital.
var riskBand = [2]decimal.Decimal{decimal.NewFromFloat(0.008), decimal.NewFromFloat(0.01)}

// rrByRating maps a regime's coarse rating to the dynamic reward:risk
// ratio used for target placement.
var rrByRating = map[types.RegimeRating]decimal.Decimal{
	types.RegimeRanging:  decimal.NewFromFloat(1.8),
	types.RegimeModerate: decimal.NewFromFloat(2.0),
	types.RegimeTrending: decimal.NewFromFloat(2.5),
}

// Base provides the shared toolkit every variant embeds: stop-loss
// sizing, dynamic R:R target placement, and a read-only mirror of live
// positions kept current via SyncPositions.
type Base struct {
	logger   *zap.Logger
	cache    *cache.Cache
	lotSize  map[string]int64
	tickSize map[string]decimal.Decimal

	mu        sync.RWMutex
	capital   decimal.Decimal
	positions map[string]types.Position
}

// NewBase constructs the shared toolkit state for one strategy instance.
func NewBase(logger *zap.Logger, c *cache.Cache, lotSize map[string]int64, tickSize map[string]decimal.Decimal) Base {
	return Base{
		logger: logger, cache: c, lotSize: lotSize, tickSize: tickSize,
		positions: make(map[string]types.Position),
	}
}

// SetCapital updates the capital figure stop-sizing is computed against;
// called by the orchestrator once per cycle before strategies run.
func (b *Base) SetCapital(capital decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.capital = capital
}

// SyncPositions replaces the toolkit's position mirror.
func (b *Base) SyncPositions(positions []types.Position) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.positions = make(map[string]types.Position, len(positions))
	for _, p := range positions {
		b.positions[p.Symbol] = p
	}
}

// HasPosition reports whether the strategy already holds a position in symbol.
func (b *Base) HasPosition(symbol string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.positions[symbol]
	return ok
}

func (b *Base) tick(symbol string) decimal.Decimal {
	if t, ok := b.tickSize[symbol]; ok && !t.IsZero() {
		return t
	}
	return decimal.NewFromFloat(0.05)
}

func (b *Base) lot(symbol string) int64 {
	if l, ok := b.lotSize[symbol]; ok && l > 0 {
		return l
	}
	return 1
}

// SizeStop computes a quantity (rounded to the symbol's lot size) and a
// tick-rounded stop distance such that (stop_distance * quantity) sits
// within the [0.8%, 1.0%] per-trade capital-risk band.
func (b *Base) SizeStop(symbol string) (quantity int64, stopDistance decimal.Decimal) {
	b.mu.RLock()
	capital := b.capital
	b.mu.RUnlock()
	if capital.IsZero() {
		return 0, decimal.Zero
	}

	lot := b.lot(symbol)
	riskAmount := capital.Mul(riskBand[0].Add(riskBand[1]).Div(decimal.NewFromInt(2)))
	quantity = lot
	stopDistance = riskAmount.Div(decimal.NewFromInt(quantity))

	tick := b.tick(symbol)
	stopDistance = stopDistance.Div(tick).Floor().Mul(tick)
	if stopDistance.LessThanOrEqual(decimal.Zero) {
		stopDistance = tick
	}
	return quantity, stopDistance
}

// TargetFor returns entry ± (stopDistance * R:R) per the regime's rating.
func TargetFor(entry, stopDistance decimal.Decimal, side types.Side, rating types.RegimeRating) decimal.Decimal {
	rr, ok := rrByRating[rating]
	if !ok {
		rr = decimal.NewFromFloat(1.8)
	}
	move := stopDistance.Mul(rr)
	if side == types.SideBuy {
		return entry.Add(move)
	}
	return entry.Sub(move)
}

// StopFor returns entry ∓ stopDistance per side.
func StopFor(entry, stopDistance decimal.Decimal, side types.Side) decimal.Decimal {
	if side == types.SideBuy {
		return entry.Sub(stopDistance)
	}
	return entry.Add(stopDistance)
}

// ValidateSignalLevels delegates to the PortfolioGate's shared invariant
// check so strategies and the gate never disagree about what a valid
// signal looks like.
func (b *Base) ValidateSignalLevels(s types.Signal, symbol string) bool {
	return portfolio.ValidateSignalLevels(s, b.lot(symbol))
}

// History returns the trailing n bars of size for symbol, or nil if
// unavailable — strategies must tolerate a cold cache during warmup.
func (b *Base) History(symbol string, size types.BarSize, n int) []types.Bar {
	bars, err := b.cache.History(symbol, size, n)
	if err != nil {
		return nil
	}
	return bars
}

// baseSignal stamps the fields every emitted signal shares.
func baseSignal(strategyID, symbol string, action types.Side, entry, stop, target decimal.Decimal, qty int64, confidence decimal.Decimal) types.Signal {
	return types.Signal{
		Symbol: symbol, Action: action, EntryPrice: entry, StopLoss: stop, Target: target,
		Quantity: qty, Confidence: confidence, StrategyID: strategyID, GeneratedAt: time.Now(),
		Tag: strategyID,
	}
}

// managementSignal stamps a manage_existing-originated signal (always
// bypasses dedup/gate per the specification).
func managementSignal(strategyID, symbol string, action types.Side, qty int64, closing bool) types.Signal {
	return types.Signal{
		Symbol: symbol, Action: action, Quantity: qty, StrategyID: strategyID,
		GeneratedAt: time.Now(), ManagementAction: true, ClosingAction: closing, Tag: strategyID,
	}
}

// RegimeLookup is the read-only surface strategies need from
// MarketRegime beyond the Regime value itself (the chase/fade table).
type RegimeLookup interface {
	Current() types.Regime
}

var _ RegimeLookup = (*regime.Detector)(nil)
