package strategy

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-quant/intraday-orchestrator/internal/cache"
	"github.com/atlas-quant/intraday-orchestrator/pkg/types"
)

// ChainSource is a synchronous, already-cached option-chain lookup.
// OnTick must not perform broker I/O, so the chain snapshot is
// refreshed elsewhere (the orchestrator's feed/broker poll) and merely
// read here.
type ChainSource func(underlying string) (types.Chain, bool)

// defaultImpliedVol is used when the chain carries no usable IV quote.
var defaultImpliedVol = decimal.NewFromFloat(0.22)

// OptionsScalper is V2: a short-dated options scalper that prices each
// leg with Black-Scholes against the chain's live (or default) implied
// vol and compares it to the leg's quoted LTP. Grounded on the
// teacher's SmartSlippageCalculator-style "compute theoretical value,
// compare to quote" pattern in internal/execution/slippage.go,
// generalized from a crypto order-book mid-price model into an
// options theoretical-edge model.
type OptionsScalper struct {
	Base
	strategyID   string
	underlyings  []string
	chain        ChainSource
	riskFreeRate decimal.Decimal
	minEdgeBps   decimal.Decimal
}

// NewOptionsScalper constructs V2.
func NewOptionsScalper(logger *zap.Logger, c *cache.Cache, underlyings []string, chain ChainSource, lotSize map[string]int64, tickSize map[string]decimal.Decimal) *OptionsScalper {
	return &OptionsScalper{
		Base:         NewBase(logger.Named("strategy.v2"), c, lotSize, tickSize),
		strategyID:   "V2_OPTIONS_SCALPER",
		underlyings:  underlyings,
		chain:        chain,
		riskFreeRate: decimal.NewFromFloat(0.065),
		minEdgeBps:   decimal.NewFromInt(40),
	}
}

func (o *OptionsScalper) ID() string { return o.strategyID }

func (o *OptionsScalper) WarmupRequirements() []types.HistoryReq {
	reqs := make([]types.HistoryReq, 0, len(o.underlyings))
	for _, u := range o.underlyings {
		reqs = append(reqs, types.HistoryReq{Symbol: u, Size: types.Bar1m, Bars: 20})
	}
	return reqs
}

func (o *OptionsScalper) ManageExisting(snapshot map[string]types.Tick) []types.Signal { return nil }

func normCDF(x float64) float64 {
	return 0.5 * (1 + math.Erf(x/math.Sqrt2))
}

// blackScholes returns the theoretical price of a European option.
func blackScholes(spot, strike, rate, vol, yearsToExpiry float64, isCall bool) float64 {
	if yearsToExpiry <= 0 || vol <= 0 {
		if isCall {
			return math.Max(spot-strike, 0)
		}
		return math.Max(strike-spot, 0)
	}
	d1 := (math.Log(spot/strike) + (rate+0.5*vol*vol)*yearsToExpiry) / (vol * math.Sqrt(yearsToExpiry))
	d2 := d1 - vol*math.Sqrt(yearsToExpiry)
	if isCall {
		return spot*normCDF(d1) - strike*math.Exp(-rate*yearsToExpiry)*normCDF(d2)
	}
	return strike*math.Exp(-rate*yearsToExpiry)*normCDF(-d2) - spot*normCDF(-d1)
}

func (o *OptionsScalper) OnTick(snapshot map[string]types.Tick, r types.Regime) []types.Signal {
	var signals []types.Signal
	for _, underlying := range o.underlyings {
		chain, ok := o.chain(underlying)
		if !ok || len(chain.Legs) == 0 {
			continue
		}
		rate, _ := o.riskFreeRate.Float64()
		now := time.Now()

		for _, leg := range chain.Legs {
			if o.HasPosition(leg.Symbol) {
				continue
			}
			tick, ok := snapshot[leg.Symbol]
			if !ok || tick.LTP.IsZero() {
				continue
			}
			yearsToExpiry := leg.Expiry.Sub(now).Hours() / (24 * 365)
			if yearsToExpiry <= 0 {
				continue
			}

			iv := leg.ImpliedVol
			if iv.IsZero() {
				iv = defaultImpliedVol
			}
			spot, _ := chain.Spot.Float64()
			strike, _ := leg.Strike.Float64()
			vol, _ := iv.Float64()

			theo := blackScholes(spot, strike, rate, vol, yearsToExpiry, leg.IsCall)
			theoretical := decimal.NewFromFloat(theo)
			edge := theoretical.Sub(tick.LTP).Div(tick.LTP).Mul(decimal.NewFromInt(10000))

			var action types.Side
			switch {
			case edge.GreaterThan(o.minEdgeBps):
				action = types.SideBuy
			case edge.LessThan(o.minEdgeBps.Neg()):
				action = types.SideSell
			default:
				continue
			}
			if directionMisalignedForOptions(leg.IsCall, action, r) {
				continue
			}

			qty, stopDist := o.SizeStop(leg.Symbol)
			if qty == 0 {
				continue
			}
			entry := tick.LTP
			stop := StopFor(entry, stopDist, action)
			target := TargetFor(entry, stopDist, action, r.Rating)
			confidence := decimal.NewFromInt(5).Add(edge.Abs().Div(decimal.NewFromInt(20)))

			sig := baseSignal(o.strategyID, leg.Symbol, action, entry, stop, target, qty, confidence)
			sig.IsOption = true
			if !o.ValidateSignalLevels(sig, leg.Symbol) {
				continue
			}
			signals = append(signals, sig)
		}
	}
	return signals
}

// directionMisalignedForOptions keeps the scalper from buying calls
// into a bearish regime or puts into a bullish one, mirroring how V1
// respects bias.
func directionMisalignedForOptions(isCall bool, action types.Side, r types.Regime) bool {
	if action != types.SideBuy {
		return false
	}
	if isCall && r.Bias == types.BiasBearish {
		return true
	}
	if !isCall && r.Bias == types.BiasBullish {
		return true
	}
	return false
}
