package strategy_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-quant/intraday-orchestrator/internal/cache"
	"github.com/atlas-quant/intraday-orchestrator/internal/strategy"
	"github.com/atlas-quant/intraday-orchestrator/pkg/types"
)

func TestSizeStopStaysWithinRiskBand(t *testing.T) {
	c := cache.New(zap.NewNop(), time.Minute)
	base := strategy.NewBase(zap.NewNop(), c, map[string]int64{"RELIANCE": 1}, map[string]decimal.Decimal{"RELIANCE": decimal.NewFromFloat(0.05)})
	base.SetCapital(decimal.NewFromInt(1000000))

	qty, stopDist := base.SizeStop("RELIANCE")
	if qty != 1 {
		t.Fatalf("expected lot-sized quantity 1, got %d", qty)
	}
	riskAmount := stopDist.Mul(decimal.NewFromInt(qty))
	pct := riskAmount.Div(decimal.NewFromInt(1000000))
	if pct.LessThan(decimal.NewFromFloat(0.005)) || pct.GreaterThan(decimal.NewFromFloat(0.015)) {
		t.Fatalf("expected risk near 0.9%%, got %s", pct)
	}
}

func TestTargetForScalesWithRegimeRating(t *testing.T) {
	entry := decimal.NewFromInt(100)
	stopDist := decimal.NewFromInt(1)
	rangingTarget := strategy.TargetFor(entry, stopDist, types.SideBuy, types.RegimeRanging)
	trendingTarget := strategy.TargetFor(entry, stopDist, types.SideBuy, types.RegimeTrending)
	if !rangingTarget.Equal(decimal.NewFromFloat(101.8)) {
		t.Fatalf("expected 101.8 for RANGING 1.8R:R, got %s", rangingTarget)
	}
	if !trendingTarget.Equal(decimal.NewFromFloat(102.5)) {
		t.Fatalf("expected 102.5 for TRENDING 2.5R:R, got %s", trendingTarget)
	}
}

func seedTrendingBars(c *cache.Cache, symbol string, start decimal.Decimal) {
	c.RegisterRing(symbol, types.Bar1m, 120)
	c.RegisterRing(symbol, types.Bar5m, 60)
	price := start
	now := time.Now().Add(-60 * time.Minute)
	for i := 0; i < 60; i++ {
		price = price.Add(decimal.NewFromFloat(2))
		c.AppendBar(symbol, types.Bar1m, types.Bar{Start: now.Add(time.Duration(i) * time.Minute), Size: types.Bar1m, Open: price, High: price, Low: price, Close: price})
	}
	price5 := start
	for i := 0; i < 30; i++ {
		price5 = price5.Add(decimal.NewFromFloat(8))
		c.AppendBar(symbol, types.Bar5m, types.Bar{Start: now.Add(time.Duration(i) * 5 * time.Minute), Size: types.Bar5m, Open: price5, High: price5, Low: price5, Close: price5})
	}
}

func TestMomentumEmitsBuyOnSustainedUptrend(t *testing.T) {
	c := cache.New(zap.NewNop(), time.Minute)
	seedTrendingBars(c, "RELIANCE", decimal.NewFromInt(2000))

	mom := strategy.NewMomentum(zap.NewNop(), c, []string{"RELIANCE"},
		map[string]int64{"RELIANCE": 1}, map[string]decimal.Decimal{"RELIANCE": decimal.NewFromFloat(0.05)})
	mom.SetCapital(decimal.NewFromInt(1000000))

	snapshot := map[string]types.Tick{"RELIANCE": {Symbol: "RELIANCE", LTP: decimal.NewFromInt(2200), High: decimal.NewFromInt(2200), Low: decimal.NewFromInt(1900)}}
	signals := mom.OnTick(snapshot, types.Regime{Bias: types.BiasBullish, Strength: decimal.NewFromInt(6), Rating: types.RegimeModerate})

	if len(signals) != 1 || signals[0].Action != types.SideBuy {
		t.Fatalf("expected one BUY signal on sustained uptrend, got %+v", signals)
	}
}

func TestMomentumSkipsSymbolAlreadyHeld(t *testing.T) {
	c := cache.New(zap.NewNop(), time.Minute)
	seedTrendingBars(c, "RELIANCE", decimal.NewFromInt(2000))

	mom := strategy.NewMomentum(zap.NewNop(), c, []string{"RELIANCE"},
		map[string]int64{"RELIANCE": 1}, map[string]decimal.Decimal{"RELIANCE": decimal.NewFromFloat(0.05)})
	mom.SetCapital(decimal.NewFromInt(1000000))
	mom.SyncPositions([]types.Position{{Symbol: "RELIANCE", Side: types.PositionLong, Quantity: 1}})

	snapshot := map[string]types.Tick{"RELIANCE": {Symbol: "RELIANCE", LTP: decimal.NewFromInt(2200), High: decimal.NewFromInt(2200), Low: decimal.NewFromInt(1900)}}
	signals := mom.OnTick(snapshot, types.Regime{Bias: types.BiasBullish, Strength: decimal.NewFromInt(6), Rating: types.RegimeModerate})

	if len(signals) != 0 {
		t.Fatalf("expected no new signal for a symbol already held, got %+v", signals)
	}
}

func TestAdaptiveToleratesColdStart(t *testing.T) {
	c := cache.New(zap.NewNop(), time.Minute)
	seedTrendingBars(c, "RELIANCE", decimal.NewFromInt(2000))
	mom := strategy.NewMomentum(zap.NewNop(), c, []string{"RELIANCE"},
		map[string]int64{"RELIANCE": 1}, map[string]decimal.Decimal{"RELIANCE": decimal.NewFromFloat(0.05)})
	mom.SetCapital(decimal.NewFromInt(1000000))

	adaptive := strategy.NewAdaptive(zap.NewNop(), []strategy.Strategy{mom}, 50)
	snapshot := map[string]types.Tick{"RELIANCE": {Symbol: "RELIANCE", LTP: decimal.NewFromInt(2200), High: decimal.NewFromInt(2200), Low: decimal.NewFromInt(1900)}}
	r := types.Regime{Bias: types.BiasBullish, Strength: decimal.NewFromInt(6), Rating: types.RegimeModerate}

	signals := adaptive.OnTick(snapshot, r)
	if len(signals) != 1 || !signals[0].Confidence.Equal(decimal.NewFromInt(5).Add(r.Strength.Mul(decimal.NewFromFloat(0.3)))) {
		t.Fatalf("expected unweighted pass-through during cold start, got %+v", signals)
	}
}
