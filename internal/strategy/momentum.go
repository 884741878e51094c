package strategy

import (
	"go.uber.org/zap"

	"github.com/shopspring/decimal"

	"github.com/atlas-quant/intraday-orchestrator/internal/cache"
	"github.com/atlas-quant/intraday-orchestrator/pkg/types"
	"github.com/atlas-quant/intraday-orchestrator/pkg/utils"
)

// Momentum is V1: multi-timeframe momentum confirmed by RSI, grounded on
// the teacher's RSIDivergenceStrategy Wilder-smoothed RSI calculation in
// internal/strategy/strategy.go, combined with a fast/slow EMA crossover
// read across the 1m and 5m bar rings instead of a single OHLCV stream.
type Momentum struct {
	Base
	strategyID  string
	universe    []string
	rsiPeriod   int
	minConfRSI  decimal.Decimal
}

// NewMomentum constructs V1 for the given universe.
func NewMomentum(logger *zap.Logger, c *cache.Cache, universe []string, lotSize map[string]int64, tickSize map[string]decimal.Decimal) *Momentum {
	return &Momentum{
		Base:       NewBase(logger.Named("strategy.v1"), c, lotSize, tickSize),
		strategyID: "V1_MOMENTUM",
		universe:   universe,
		rsiPeriod:  14,
		minConfRSI: decimal.NewFromInt(55),
	}
}

func (m *Momentum) ID() string { return m.strategyID }

func (m *Momentum) WarmupRequirements() []types.HistoryReq {
	reqs := make([]types.HistoryReq, 0, len(m.universe)*2)
	for _, sym := range m.universe {
		reqs = append(reqs, types.HistoryReq{Symbol: sym, Size: types.Bar1m, Bars: 60})
		reqs = append(reqs, types.HistoryReq{Symbol: sym, Size: types.Bar5m, Bars: 30})
	}
	return reqs
}

// ManageExisting never self-originates closes for V1; trailing/partial
// booking/time exits are owned exclusively by PositionMonitor.
func (m *Momentum) ManageExisting(snapshot map[string]types.Tick) []types.Signal { return nil }

func closesOf(bars []types.Bar) []decimal.Decimal {
	out := make([]decimal.Decimal, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

// wilderRSI computes the standard 0-100 RSI over a close-price series
// using Wilder smoothing, matching the teacher's avgGain/avgLoss update.
func wilderRSI(closes []decimal.Decimal, period int) decimal.Decimal {
	if len(closes) <= period {
		return decimal.NewFromInt(50)
	}
	var avgGain, avgLoss decimal.Decimal
	for i := 1; i <= period; i++ {
		change := closes[i].Sub(closes[i-1])
		if change.GreaterThan(decimal.Zero) {
			avgGain = avgGain.Add(change)
		} else {
			avgLoss = avgLoss.Add(change.Abs())
		}
	}
	periodDec := decimal.NewFromInt(int64(period))
	avgGain = avgGain.Div(periodDec)
	avgLoss = avgLoss.Div(periodDec)

	for i := period + 1; i < len(closes); i++ {
		change := closes[i].Sub(closes[i-1])
		gain, loss := decimal.Zero, decimal.Zero
		if change.GreaterThan(decimal.Zero) {
			gain = change
		} else {
			loss = change.Abs()
		}
		avgGain = avgGain.Mul(periodDec.Sub(decimal.NewFromInt(1))).Add(gain).Div(periodDec)
		avgLoss = avgLoss.Mul(periodDec.Sub(decimal.NewFromInt(1))).Add(loss).Div(periodDec)
	}

	if avgLoss.IsZero() {
		return decimal.NewFromInt(100)
	}
	rs := avgGain.Div(avgLoss)
	return decimal.NewFromInt(100).Sub(decimal.NewFromInt(100).Div(decimal.NewFromInt(1).Add(rs)))
}

func emaOf(closes []decimal.Decimal, period int) decimal.Decimal {
	e := utils.NewEMA(period)
	var v decimal.Decimal
	for _, c := range closes {
		v = e.Add(c)
	}
	return v
}

func (m *Momentum) OnTick(snapshot map[string]types.Tick, r types.Regime) []types.Signal {
	var signals []types.Signal
	for _, sym := range m.universe {
		tick, ok := snapshot[sym]
		if !ok || m.HasPosition(sym) {
			continue
		}
		bars1m := m.History(sym, types.Bar1m, 60)
		bars5m := m.History(sym, types.Bar5m, 30)
		if len(bars1m) < 21 || len(bars5m) < 10 {
			continue
		}

		closes1m := closesOf(bars1m)
		fast, slow := emaOf(closes1m, 8), emaOf(closes1m, 21)
		trendUp := fast.GreaterThan(slow)

		closes5m := closesOf(bars5m)
		htfUp := closes5m[len(closes5m)-1].GreaterThan(emaOf(closes5m, 10))

		rsi := wilderRSI(closes1m, m.rsiPeriod)

		var action types.Side
		switch {
		case trendUp && htfUp && rsi.GreaterThan(m.minConfRSI) && r.Bias != types.BiasBearish:
			action = types.SideBuy
		case !trendUp && !htfUp && rsi.LessThan(decimal.NewFromInt(100).Sub(m.minConfRSI)) && r.Bias != types.BiasBullish:
			action = types.SideSell
		default:
			continue
		}

		qty, stopDist := m.SizeStop(sym)
		if qty == 0 {
			continue
		}
		entry := tick.LTP
		stop := StopFor(entry, stopDist, action)
		target := TargetFor(entry, stopDist, action, r.Rating)
		confidence := decimal.NewFromInt(5).Add(r.Strength.Mul(decimal.NewFromFloat(0.3)))

		sig := baseSignal(m.strategyID, sym, action, entry, stop, target, qty, confidence)
		if !m.ValidateSignalLevels(sig, sym) {
			continue
		}
		signals = append(signals, sig)
	}
	return signals
}
