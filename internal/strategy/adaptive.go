package strategy

import (
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-quant/intraday-orchestrator/pkg/types"
)

// componentWeightFloor/Ceil bound how far a discrete regime-state bucket
// can push a source strategy's weight.
var (
	componentWeightFloor = decimal.NewFromFloat(0.4)
	componentWeightCeil  = decimal.NewFromFloat(1.3)
)

// regimeBucket is a discrete state the adaptive controller tracks
// performance against: (rating, bias) pairs, coarser than the full
// continuous Regime value so the estimator has a chance to accumulate
// enough observations per bucket to be meaningful intraday.
type regimeBucket struct {
	rating types.RegimeRating
	bias   types.Bias
}

// sourceStats accumulates win/loss counts per (bucket, source strategy).
type sourceStats struct {
	wins, losses int
}

// Adaptive is V4: a discrete state estimator over (rating, bias)
// buckets (the move zone is not part of the bucket) that reweights the other three strategies' candidate signals
// rather than emitting its own. Grounded on the teacher's
// PatternPerformance win-rate bucket in internal/learning/feedback.go,
// generalized from a single flat pattern-performance table into a
// per-regime-bucket, per-source-strategy weight table.
type Adaptive struct {
	strategyID string
	minWarmup  int

	sources []Strategy

	mu    sync.Mutex
	stats map[regimeBucket]map[string]*sourceStats
	seen  int
}

// NewAdaptive constructs V4 wrapping the given source strategies. It
// must tolerate cold start: OnTick passes sources through unweighted
// until minWarmup observations accrue.
func NewAdaptive(logger *zap.Logger, sources []Strategy, minWarmup int) *Adaptive {
	return &Adaptive{
		strategyID: "V4_REGIME_ADAPTIVE",
		minWarmup:  minWarmup,
		sources:    sources,
		stats:      make(map[regimeBucket]map[string]*sourceStats),
	}
}

func (a *Adaptive) ID() string { return a.strategyID }

func (a *Adaptive) WarmupRequirements() []types.HistoryReq {
	var reqs []types.HistoryReq
	for _, s := range a.sources {
		reqs = append(reqs, s.WarmupRequirements()...)
	}
	return reqs
}

func (a *Adaptive) SyncPositions(positions []types.Position) {
	for _, s := range a.sources {
		s.SyncPositions(positions)
	}
}

func (a *Adaptive) ManageExisting(snapshot map[string]types.Tick) []types.Signal {
	var out []types.Signal
	for _, s := range a.sources {
		out = append(out, s.ManageExisting(snapshot)...)
	}
	return out
}

func bucketFor(r types.Regime) regimeBucket {
	return regimeBucket{rating: r.Rating, bias: r.Bias}
}

// RecordOutcome feeds a closed trade's win/loss back into the bucket
// the signal's regime snapshot belonged to, re-training the estimator.
func (a *Adaptive) RecordOutcome(r types.Regime, sourceID string, won bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b := bucketFor(r)
	if a.stats[b] == nil {
		a.stats[b] = make(map[string]*sourceStats)
	}
	st := a.stats[b][sourceID]
	if st == nil {
		st = &sourceStats{}
		a.stats[b][sourceID] = st
	}
	if won {
		st.wins++
	} else {
		st.losses++
	}
	a.seen++
}

func (a *Adaptive) weightFor(r types.Regime, sourceID string) decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.seen < a.minWarmup {
		return decimal.NewFromInt(1)
	}
	bucketStats, ok := a.stats[bucketFor(r)]
	if !ok {
		return decimal.NewFromInt(1)
	}
	st, ok := bucketStats[sourceID]
	if !ok || st.wins+st.losses == 0 {
		return decimal.NewFromInt(1)
	}
	winRate := decimal.NewFromInt(int64(st.wins)).Div(decimal.NewFromInt(int64(st.wins + st.losses)))
	// map [0,1] win rate linearly onto [floor, ceil] weight; 0.5 -> 0.85
	span := componentWeightCeil.Sub(componentWeightFloor)
	return componentWeightFloor.Add(winRate.Mul(span))
}

// OnTick collects each source's candidate signals and rescales
// confidence by that source's learned weight for the current regime
// bucket, then drops anything whose rescaled confidence no longer
// clears a floor of 3 (keeping the candidate set from ballooning with
// low-conviction noise the reweighting itself surfaced).
func (a *Adaptive) OnTick(snapshot map[string]types.Tick, r types.Regime) []types.Signal {
	var out []types.Signal
	for _, s := range a.sources {
		weight := a.weightFor(r, s.ID())
		for _, sig := range s.OnTick(snapshot, r) {
			sig.Confidence = sig.Confidence.Mul(weight)
			if sig.Confidence.LessThan(decimal.NewFromInt(3)) {
				continue
			}
			out = append(out, sig)
		}
	}
	return out
}
