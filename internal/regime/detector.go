// Package regime implements MarketRegime (C7): a deterministic, every-tick
// read of the benchmark index's bias/strength/move-zone/mr-action, adapted
// from the teacher's HMM-flavored RegimeDetector (buffered-return, rolling
// volatility, mutex-guarded state machine) but replacing the learned HMM
// transition model with the specification's closed-form momentum/ATR
// computation.
package regime

import (
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-quant/intraday-orchestrator/pkg/types"
	"github.com/atlas-quant/intraday-orchestrator/pkg/utils"
)

// Config tunes the momentum/ATR windows and the neutral-bias deadband.
type Config struct {
	MomentumShortPeriod int
	MomentumLongPeriod  int
	ATRPeriod           int
	NeutralDeadband     float64 // momentum/ATR ratio below which bias is NEUTRAL
	StrengthScale       float64 // multiplier mapping momentum/ATR onto [0,10]
}

// DefaultConfig matches the periods implied by the specification's
// 1-minute-history + daily-pivot inputs.
func DefaultConfig() Config {
	return Config{
		MomentumShortPeriod: 8,
		MomentumLongPeriod:  21,
		ATRPeriod:           14,
		NeutralDeadband:     0.05,
		StrengthScale:       4.0,
	}
}

// Detector is MarketRegime (C7). One Detector tracks one benchmark index
// (NIFTY) across the trading session.
type Detector struct {
	logger *zap.Logger
	cfg    Config

	mu          sync.RWMutex
	shortEMA    *utils.EMA
	longEMA     *utils.EMA
	atr         decimal.Decimal
	prevClose   decimal.Decimal
	dailyOpen   decimal.Decimal
	haveATR     bool
	current     types.Regime
}

// New creates a Detector.
func New(logger *zap.Logger, cfg Config) *Detector {
	return &Detector{
		logger:   logger.Named("regime"),
		cfg:      cfg,
		shortEMA: utils.NewEMA(cfg.MomentumShortPeriod),
		longEMA:  utils.NewEMA(cfg.MomentumLongPeriod),
	}
}

// SetDailyOpen records the benchmark's opening print, the baseline for
// today's cumulative move used by move_zone.
func (d *Detector) SetDailyOpen(open decimal.Decimal) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dailyOpen = open
}

// Seed warms the detector from historical 1-minute bars without emitting
// a regime (used during warmup, before the first live tick).
func (d *Detector) Seed(bars []types.Bar) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, b := range bars {
		d.absorbBar(b)
		d.shortEMA.Add(b.Close)
		d.longEMA.Add(b.Close)
	}
}

// Update recomputes the regime from the latest tick and recent 1-minute
// history. Called once per orchestrator tick per §4.4.
func (d *Detector) Update(tick types.Tick, recentBars []types.Bar) types.Regime {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.dailyOpen.IsZero() {
		d.dailyOpen = tick.Open
	}

	for _, b := range recentBars {
		d.absorbBar(b)
	}

	shortVal := d.shortEMA.Add(tick.LTP)
	longVal := d.longEMA.Add(tick.LTP)
	momentum := shortVal.Sub(longVal)

	atr := d.atr
	if atr.IsZero() {
		atr = decimal.NewFromFloat(1)
	}

	ratio := momentum.Div(atr).InexactFloat64()

	bias := types.BiasNeutral
	switch {
	case ratio > d.cfg.NeutralDeadband:
		bias = types.BiasBullish
	case ratio < -d.cfg.NeutralDeadband:
		bias = types.BiasBearish
	}

	strength := utils.ClampDecimal(
		decimal.NewFromFloat(math.Abs(ratio)*d.cfg.StrengthScale),
		decimal.Zero, decimal.NewFromInt(10),
	)

	move := tick.LTP.Sub(d.dailyOpen).Abs()
	zone := moveZone(move, atr)

	action := ActionFor(zone, bias != types.BiasNeutral)

	d.current = types.Regime{
		Bias:      bias,
		Strength:  strength,
		MoveZone:  zone,
		MRAction:  action,
		Rating:    rating(strength),
		UpdatedAt: tick.Timestamp,
	}
	if d.current.UpdatedAt.IsZero() {
		d.current.UpdatedAt = time.Now()
	}
	return d.current
}

// Current returns the last computed regime without recomputation.
func (d *Detector) Current() types.Regime {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.current
}

// absorbBar updates the Wilder-style ATR from one closed bar. Must be
// called under d.mu.
func (d *Detector) absorbBar(b types.Bar) {
	trueRange := b.High.Sub(b.Low)
	if !d.prevClose.IsZero() {
		trueRange = utils.MaxDecimal(trueRange, b.High.Sub(d.prevClose).Abs())
		trueRange = utils.MaxDecimal(trueRange, b.Low.Sub(d.prevClose).Abs())
	}
	d.prevClose = b.Close

	period := decimal.NewFromInt(int64(d.cfg.ATRPeriod))
	if !d.haveATR {
		d.atr = trueRange
		d.haveATR = true
		return
	}
	d.atr = d.atr.Mul(period.Sub(decimal.NewFromInt(1))).Add(trueRange).Div(period)
}

// moveZone buckets today's cumulative move against ATR bands per §4.4.
func moveZone(move, atr decimal.Decimal) types.MoveZone {
	if atr.IsZero() {
		return types.ZoneEarly
	}
	ratio := move.Div(atr).InexactFloat64()
	switch {
	case ratio < 0.5:
		return types.ZoneEarly
	case ratio < 1.0:
		return types.ZoneNormal
	case ratio < 1.5:
		return types.ZoneExtended
	default:
		return types.ZoneExtreme
	}
}

// ActionFor implements §4.4's two-column mr_action table. chase is true
// when the candidate signal trades in the direction of the prevailing
// move (bias non-neutral and the signal agrees with it); fade is the
// opposite. Strategies and PortfolioGate call this per-signal rather than
// relying solely on the Regime struct's own chase-side MRAction field.
func ActionFor(zone types.MoveZone, chase bool) types.MRAction {
	switch zone {
	case types.ZoneEarly, types.ZoneNormal:
		if chase {
			return types.ActionTrendFollow
		}
		return types.ActionCaution
	case types.ZoneExtended:
		if chase {
			return types.ActionCaution
		}
		return types.ActionFade
	case types.ZoneExtreme:
		if chase {
			return types.ActionBlockChase
		}
		return types.ActionFade
	default:
		return types.ActionCaution
	}
}

// MinConfidenceFor returns the confidence floor §4.4 imposes on chase-side
// entries in EXTENDED/EXTREME zones (0 for zones with no floor).
func MinConfidenceFor(zone types.MoveZone, chase bool) decimal.Decimal {
	if !chase {
		return decimal.Zero
	}
	switch zone {
	case types.ZoneExtended:
		return decimal.NewFromFloat(9.0)
	case types.ZoneExtreme:
		return decimal.NewFromFloat(9.5)
	default:
		return decimal.Zero
	}
}

// FadeSizeBoost returns the EXTREME-zone fade-side size multiplier range
// §4.4 and the Open Question resolution (§9) describe, linearly scaled by
// strength within [1.1, 1.3].
func FadeSizeBoost(zone types.MoveZone, strength decimal.Decimal) decimal.Decimal {
	if zone != types.ZoneExtreme {
		return decimal.NewFromInt(1)
	}
	s := strength.InexactFloat64() / 10.0
	if s < 0 {
		s = 0
	}
	if s > 1 {
		s = 1
	}
	boost := 1.1 + 0.2*s
	return decimal.NewFromFloat(boost)
}

// rating coarsens strength into the RANGING/MODERATE/TRENDING band the
// strategy toolkit uses for R:R selection.
func rating(strength decimal.Decimal) types.RegimeRating {
	s := strength.InexactFloat64()
	switch {
	case s < 3:
		return types.RegimeRanging
	case s < 7:
		return types.RegimeModerate
	default:
		return types.RegimeTrending
	}
}
