package strategy

import (
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-quant/intraday-orchestrator/internal/cache"
	"github.com/atlas-quant/intraday-orchestrator/internal/regime"
	"github.com/atlas-quant/intraday-orchestrator/pkg/types"
	"github.com/atlas-quant/intraday-orchestrator/pkg/utils"
)

// Microstructure is V3: a mean-reversion scalper acting on bid/ask
// spread compression and a 20-bar z-score, grounded on the teacher's
// SmartSlippageCalculator order-book-pressure read in
// internal/execution/slippage.go, generalized from slippage estimation
// into an entry signal and combined with the MarketRegime's fade/chase
// table for zone-aware sizing and confidence gating.
type Microstructure struct {
	Base
	strategyID string
	universe   []string
	zPeriod    int
	zEntry     decimal.Decimal
}

// NewMicrostructure constructs V3.
func NewMicrostructure(logger *zap.Logger, c *cache.Cache, universe []string, lotSize map[string]int64, tickSize map[string]decimal.Decimal) *Microstructure {
	return &Microstructure{
		Base:       NewBase(logger.Named("strategy.v3"), c, lotSize, tickSize),
		strategyID: "V3_MICROSTRUCTURE",
		universe:   universe,
		zPeriod:    20,
		zEntry:     decimal.NewFromFloat(1.5),
	}
}

func (ms *Microstructure) ID() string { return ms.strategyID }

func (ms *Microstructure) WarmupRequirements() []types.HistoryReq {
	reqs := make([]types.HistoryReq, 0, len(ms.universe))
	for _, sym := range ms.universe {
		reqs = append(reqs, types.HistoryReq{Symbol: sym, Size: types.Bar1m, Bars: ms.zPeriod + 1})
	}
	return reqs
}

func (ms *Microstructure) ManageExisting(snapshot map[string]types.Tick) []types.Signal { return nil }

func zScore(closes []decimal.Decimal, latest decimal.Decimal) decimal.Decimal {
	mean := utils.CalculateMean(closes)
	stddev := utils.CalculateStdDev(closes)
	if stddev.IsZero() {
		return decimal.Zero
	}
	return latest.Sub(mean).Div(stddev)
}

func spreadBps(tick types.Tick) decimal.Decimal {
	if tick.LTP.IsZero() || tick.Ask.LessThanOrEqual(tick.Bid) {
		return decimal.Zero
	}
	return tick.Ask.Sub(tick.Bid).Div(tick.LTP).Mul(decimal.NewFromInt(10000))
}

func (ms *Microstructure) OnTick(snapshot map[string]types.Tick, r types.Regime) []types.Signal {
	var signals []types.Signal
	for _, sym := range ms.universe {
		tick, ok := snapshot[sym]
		if !ok || ms.HasPosition(sym) {
			continue
		}
		// a wide spread means the fill itself would eat the edge; skip.
		if spreadBps(tick).GreaterThan(decimal.NewFromInt(15)) {
			continue
		}

		bars := ms.History(sym, types.Bar1m, ms.zPeriod+1)
		if len(bars) < ms.zPeriod+1 {
			continue
		}
		closes := closesOf(bars)
		z := zScore(closes[:len(closes)-1], tick.LTP)

		var action types.Side
		switch {
		case z.LessThan(ms.zEntry.Neg()):
			action = types.SideBuy // oversold, fade back up
		case z.GreaterThan(ms.zEntry):
			action = types.SideSell // overbought, fade back down
		default:
			continue
		}

		chase := (action == types.SideBuy && r.Bias == types.BiasBullish) || (action == types.SideSell && r.Bias == types.BiasBearish)
		mrAction := regime.ActionFor(r.MoveZone, chase)
		if mrAction == types.ActionBlockChase {
			continue
		}

		qty, stopDist := ms.SizeStop(sym)
		if qty == 0 {
			continue
		}
		if !chase {
			if boost := regime.FadeSizeBoost(r.MoveZone, r.Strength); boost.GreaterThan(decimal.NewFromInt(1)) {
				qty = decimal.NewFromInt(qty).Mul(boost).Div(decimal.NewFromInt(ms.lot(sym))).Floor().
					Mul(decimal.NewFromInt(ms.lot(sym))).IntPart()
			}
		}

		entry := tick.LTP
		stop := StopFor(entry, stopDist, action)
		target := TargetFor(entry, stopDist, action, r.Rating)
		minConf := regime.MinConfidenceFor(r.MoveZone, chase)
		confidence := decimal.NewFromInt(5).Add(z.Abs().Mul(decimal.NewFromInt(1)))
		if confidence.LessThan(minConf) {
			continue
		}

		sig := baseSignal(ms.strategyID, sym, action, entry, stop, target, qty, confidence)
		if !ms.ValidateSignalLevels(sig, sym) {
			continue
		}
		signals = append(signals, sig)
	}
	return signals
}
