// Package portfolio implements PortfolioGate (C6): the ordered sequence
// of risk checks every entry signal must clear before TradeEngine ever
// sees it, adapted from the teacher's RiskCheckResult/OrderAdjustments
// shape and ordered-violation-check style in
// internal/execution/risk_manager.go, generalized from the teacher's
// position/symbol/correlation exposure caps into the specification's
// nine-check NSE/NFO sequence.
package portfolio

import (
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-quant/intraday-orchestrator/internal/regime"
	"github.com/atlas-quant/intraday-orchestrator/pkg/types"
	"github.com/atlas-quant/intraday-orchestrator/pkg/utils"
)

// ReasonTag names which check rejected (or, on acceptance, "ACCEPTED").
type ReasonTag string

const (
	ReasonAccepted           ReasonTag = "ACCEPTED"
	ReasonInvalidLevels      ReasonTag = "INVALID_SIGNAL_LEVELS"
	ReasonMarketClosed       ReasonTag = "OUTSIDE_ENTRY_WINDOW"
	ReasonDuplicatePosition  ReasonTag = "DUPLICATE_POSITION"
	ReasonRegimeMisaligned   ReasonTag = "REGIME_MISALIGNED"
	ReasonPerTradeRisk       ReasonTag = "PER_TRADE_RISK_EXCEEDED"
	ReasonSinglePositionCap  ReasonTag = "SINGLE_POSITION_CAP_EXCEEDED"
	ReasonOptionsExposureCap ReasonTag = "OPTIONS_EXPOSURE_CAP_EXCEEDED"
	ReasonTotalExposureCap   ReasonTag = "TOTAL_EXPOSURE_CAP_EXCEEDED"
	ReasonDailyLossBrake     ReasonTag = "DAILY_LOSS_BRAKE"
	ReasonInsufficientQty    ReasonTag = "QUANTITY_ROUNDS_TO_ZERO"
)

// Decision is the gate's verdict on one candidate signal.
type Decision struct {
	Accepted bool
	Quantity int64 // possibly shrunk from the input signal's quantity
	Reason   ReasonTag
}

// Config carries every percentage/window limit named in §4.8.
type Config struct {
	PerTradeRiskPct      decimal.Decimal
	PerPositionOptionPct decimal.Decimal
	PerPositionEquityPct decimal.Decimal
	OptionsExposureCapPct decimal.Decimal
	TotalExposureCapPct  decimal.Decimal
	TotalExposureSoftPct decimal.Decimal
	DailyLossBrakePct    decimal.Decimal
	EntryWindowStart     string // "HH:MM"
	EntryWindowEnd       string
}

// FromAppConfig builds a portfolio Config from the loaded types.Config.
func FromAppConfig(c types.Config) Config {
	return Config{
		PerTradeRiskPct:       c.PerTradeRiskPct,
		PerPositionOptionPct:  c.PerPositionOptionPct,
		PerPositionEquityPct:  c.PerPositionEquityPct,
		OptionsExposureCapPct: c.OptionsExposureCapPct,
		TotalExposureCapPct:   c.TotalExposureCapPct,
		TotalExposureSoftPct:  c.TotalExposureSoftPct,
		DailyLossBrakePct:     c.DailyLossBrakePct,
		EntryWindowStart:      "09:15",
		EntryWindowEnd:        "15:00",
	}
}

// Gate is PortfolioGate (C6).
type Gate struct {
	logger *zap.Logger
	cfg    Config
}

// New creates a Gate.
func New(logger *zap.Logger, cfg Config) *Gate {
	return &Gate{logger: logger.Named("portfolio"), cfg: cfg}
}

// Portfolio is the point-in-time state the gate evaluates a signal against.
type Portfolio struct {
	Positions         []types.Position
	Capital           decimal.Decimal
	RealizedPnLToday  decimal.Decimal
	UnrealizedPnLToday decimal.Decimal
	OptionNotional    decimal.Decimal // sum across current option positions
	TotalNotional     decimal.Decimal // sum across all current positions
	Regime            types.Regime
	Now               time.Time
	LotSize           int64
}

// ValidateSignalLevels enforces the §3 Signal invariants: correct
// ordering of stop/entry/target by side, minimum stop distance 0.3%,
// minimum target distance 0.5%, quantity a positive multiple of lot_size.
func ValidateSignalLevels(s types.Signal, lotSize int64) bool {
	if s.Quantity <= 0 || lotSize <= 0 || s.Quantity%lotSize != 0 {
		return false
	}
	if s.EntryPrice.IsZero() {
		return false
	}
	switch s.Action {
	case types.SideBuy:
		if !(s.StopLoss.LessThan(s.EntryPrice) && s.EntryPrice.LessThan(s.Target)) {
			return false
		}
	case types.SideSell:
		if !(s.Target.LessThan(s.EntryPrice) && s.EntryPrice.LessThan(s.StopLoss)) {
			return false
		}
	default:
		return false
	}

	stopDist := s.EntryPrice.Sub(s.StopLoss).Abs().Div(s.EntryPrice)
	if stopDist.LessThan(decimal.NewFromFloat(0.003)) {
		return false
	}
	targetDist := s.Target.Sub(s.EntryPrice).Abs().Div(s.EntryPrice)
	if targetDist.LessThan(decimal.NewFromFloat(0.005)) {
		return false
	}
	return true
}

func withinEntryWindow(now time.Time, start, end string) bool {
	layout := "15:04"
	s, err1 := time.ParseInLocation(layout, start, now.Location())
	e, err2 := time.ParseInLocation(layout, end, now.Location())
	if err1 != nil || err2 != nil {
		return true
	}
	cur := time.Date(0, 1, 1, now.Hour(), now.Minute(), 0, 0, now.Location())
	s = time.Date(0, 1, 1, s.Hour(), s.Minute(), 0, 0, now.Location())
	e = time.Date(0, 1, 1, e.Hour(), e.Minute(), 0, 0, now.Location())
	return !cur.Before(s) && !cur.After(e)
}

func notionalOf(p types.Position) decimal.Decimal {
	return p.EntryPrice.Mul(decimal.NewFromInt(p.Quantity))
}

// Evaluate runs the ordered §4.8 check sequence for one candidate signal
// and returns a Decision. Management/closing signals (Bypass()==true)
// skip every check, level validation included, and are accepted at
// their own quantity, mirroring the SignalDeduplicator bypass rule, so
// the gate never blocks a closing action.
func (g *Gate) Evaluate(signal types.Signal, snapshot Portfolio) Decision {
	if signal.Bypass() {
		return Decision{Accepted: true, Quantity: signal.Quantity, Reason: ReasonAccepted}
	}

	if !ValidateSignalLevels(signal, snapshot.LotSize) {
		return Decision{Reason: ReasonInvalidLevels}
	}
	if !withinEntryWindow(snapshot.Now, g.cfg.EntryWindowStart, g.cfg.EntryWindowEnd) {
		return Decision{Reason: ReasonMarketClosed}
	}

	for _, p := range snapshot.Positions {
		sameDirection := (signal.Action == types.SideBuy && p.Side == types.PositionLong) ||
			(signal.Action == types.SideSell && p.Side == types.PositionShort)
		if p.Symbol == signal.Symbol && sameDirection {
			return Decision{Reason: ReasonDuplicatePosition}
		}
	}

	bias := snapshot.Regime.Bias
	strength := snapshot.Regime.Strength
	if signal.Action == types.SideBuy && bias == types.BiasBearish && strength.GreaterThanOrEqual(decimal.NewFromInt(3)) {
		return Decision{Reason: ReasonRegimeMisaligned}
	}
	if signal.Action == types.SideSell && bias == types.BiasBullish && strength.GreaterThanOrEqual(decimal.NewFromInt(3)) {
		return Decision{Reason: ReasonRegimeMisaligned}
	}

	qty := signal.Quantity
	riskPerShare := signal.EntryPrice.Sub(signal.StopLoss).Abs()
	maxRiskCapital := snapshot.Capital.Mul(g.cfg.PerTradeRiskPct).Div(decimal.NewFromInt(100))
	if !riskPerShare.IsZero() {
		maxQtyByRisk := maxRiskCapital.Div(riskPerShare).IntPart()
		qty = utils.MinInt64(qty, utils.RoundToLotSize(maxQtyByRisk, snapshot.LotSize))
	}
	if qty <= 0 {
		return Decision{Reason: ReasonInsufficientQty}
	}

	singleCapPct := g.cfg.PerPositionEquityPct
	if signal.IsOption {
		singleCapPct = g.cfg.PerPositionOptionPct
	}
	singleCap := snapshot.Capital.Mul(singleCapPct).Div(decimal.NewFromInt(100))
	if notional := signal.EntryPrice.Mul(decimal.NewFromInt(qty)); notional.GreaterThan(singleCap) && !signal.EntryPrice.IsZero() {
		maxQty := singleCap.Div(signal.EntryPrice).IntPart()
		qty = utils.MinInt64(qty, utils.RoundToLotSize(maxQty, snapshot.LotSize))
		if qty <= 0 {
			return Decision{Reason: ReasonSinglePositionCap}
		}
	}

	notional := signal.EntryPrice.Mul(decimal.NewFromInt(qty))

	if signal.IsOption {
		optionsCap := snapshot.Capital.Mul(g.cfg.OptionsExposureCapPct).Div(decimal.NewFromInt(100))
		projected := snapshot.OptionNotional.Add(notional)
		if projected.GreaterThan(optionsCap) {
			room := optionsCap.Sub(snapshot.OptionNotional)
			if room.LessThanOrEqual(decimal.Zero) {
				return Decision{Reason: ReasonOptionsExposureCap}
			}
			maxQty := room.Div(signal.EntryPrice).IntPart()
			qty = utils.MinInt64(qty, utils.RoundToLotSize(maxQty, snapshot.LotSize))
			if qty <= 0 {
				return Decision{Reason: ReasonOptionsExposureCap}
			}
			notional = signal.EntryPrice.Mul(decimal.NewFromInt(qty))
		}
	}

	hardCap := snapshot.Capital.Mul(g.cfg.TotalExposureCapPct).Div(decimal.NewFromInt(100))
	softCap := snapshot.Capital.Mul(g.cfg.TotalExposureSoftPct).Div(decimal.NewFromInt(100))
	projectedTotal := snapshot.TotalNotional.Add(notional)
	if projectedTotal.GreaterThan(hardCap) {
		room := hardCap.Sub(snapshot.TotalNotional)
		if room.LessThanOrEqual(decimal.Zero) {
			return Decision{Reason: ReasonTotalExposureCap}
		}
		maxQty := room.Div(signal.EntryPrice).IntPart()
		qty = utils.MinInt64(qty, utils.RoundToLotSize(maxQty, snapshot.LotSize))
		if qty <= 0 {
			return Decision{Reason: ReasonTotalExposureCap}
		}
	} else if projectedTotal.GreaterThan(softCap) {
		g.logger.Warn("total exposure above soft cap",
			zap.String("symbol", signal.Symbol), zap.String("projected", projectedTotal.String()))
	}

	totalPnL := snapshot.RealizedPnLToday.Add(snapshot.UnrealizedPnLToday)
	lossBrake := snapshot.Capital.Mul(g.cfg.DailyLossBrakePct).Div(decimal.NewFromInt(100)).Neg()
	if totalPnL.LessThanOrEqual(lossBrake) {
		return Decision{Reason: ReasonDailyLossBrake}
	}

	zone := snapshot.Regime.MoveZone
	chase := (signal.Action == types.SideBuy && bias == types.BiasBullish) || (signal.Action == types.SideSell && bias == types.BiasBearish)
	minConfidence := regime.MinConfidenceFor(zone, chase)
	if minConfidence.GreaterThan(decimal.Zero) && signal.Confidence.LessThan(minConfidence) {
		return Decision{Reason: ReasonRegimeMisaligned}
	}
	if !chase {
		boost := regime.FadeSizeBoost(zone, strength)
		if boost.GreaterThan(decimal.NewFromInt(1)) {
			boosted := decimal.NewFromInt(qty).Mul(boost).IntPart()
			capped := hardCap.Sub(snapshot.TotalNotional)
			maxQtyByCap := qty
			if !signal.EntryPrice.IsZero() && capped.GreaterThan(decimal.Zero) {
				maxQtyByCap = capped.Div(signal.EntryPrice).IntPart()
			}
			qty = utils.MinInt64(utils.RoundToLotSize(boosted, snapshot.LotSize), utils.RoundToLotSize(maxQtyByCap, snapshot.LotSize))
			if qty <= 0 {
				return Decision{Reason: ReasonTotalExposureCap}
			}
		}
	}

	return Decision{Accepted: true, Quantity: qty, Reason: ReasonAccepted}
}
