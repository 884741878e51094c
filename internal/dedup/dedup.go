// Package dedup implements SignalDeduplicator (C5): the
// history-check/quality-filter/symbol-dedup pipeline with the critical
// management/closing bypass rule, adapted from the teacher's
// internal/signals/aggregator.go multi-factor weighted scoring and
// internal/learning/feedback.go rolling pattern-performance tracker,
// repurposed here into a per-strategy win-rate threshold adjuster.
package dedup

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-quant/intraday-orchestrator/internal/store"
	"github.com/atlas-quant/intraday-orchestrator/pkg/types"
)

// Reason is why a signal was dropped from the batch.
type Reason string

const (
	ReasonDuplicateToday Reason = "DUPLICATE_TODAY"
	ReasonLowQuality     Reason = "LOW_QUALITY"
	ReasonSymbolDedup    Reason = "SYMBOL_DEDUP"
)

// QualityFactors are the four [0,1] inputs to the composite quality score,
// each computed by the caller (strategies or the orchestrator) from the
// snapshot the signal was generated against.
type QualityFactors struct {
	Confluence         decimal.Decimal
	VolumeQuality      decimal.Decimal
	Microstructure     decimal.Decimal
	TimeframeAlignment decimal.Decimal
}

var (
	weightConfluence = decimal.NewFromFloat(0.30)
	weightVolume     = decimal.NewFromFloat(0.25)
	weightMicro      = decimal.NewFromFloat(0.25)
	weightTimeframe  = decimal.NewFromFloat(0.20)
)

// CompositeQuality computes the weighted-average quality score in [0,1].
func CompositeQuality(f QualityFactors) decimal.Decimal {
	return f.Confluence.Mul(weightConfluence).
		Add(f.VolumeQuality.Mul(weightVolume)).
		Add(f.Microstructure.Mul(weightMicro)).
		Add(f.TimeframeAlignment.Mul(weightTimeframe))
}

// Candidate is one signal entering the pipeline alongside the quality
// factors it was scored with and the strategy priority used to break
// confidence ties during symbol dedup (lower value = higher priority).
type Candidate struct {
	Signal         types.Signal
	Quality        QualityFactors
	StrategyPriority int
}

// Dropped records one rejected candidate and why.
type Dropped struct {
	Signal types.Signal
	Reason Reason
}

// PerformanceTracker maintains a rolling last-100-executed-signal win
// record per strategy, adapted from the teacher's PatternPerformance
// rolling stats into a pure win-rate-to-threshold-multiplier mapping.
type PerformanceTracker struct {
	mu      sync.Mutex
	results map[string][]bool // strategyID -> ring of win(true)/loss(false), oldest first
}

// NewPerformanceTracker creates an empty tracker.
func NewPerformanceTracker() *PerformanceTracker {
	return &PerformanceTracker{results: make(map[string][]bool)}
}

const performanceWindow = 100

// RecordOutcome appends one executed signal's outcome for strategyID.
func (pt *PerformanceTracker) RecordOutcome(strategyID string, won bool) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	hist := append(pt.results[strategyID], won)
	if len(hist) > performanceWindow {
		hist = hist[len(hist)-performanceWindow:]
	}
	pt.results[strategyID] = hist
}

// WinRate returns the strategy's rolling win rate, or -1 if no history yet
// (callers treat that as the neutral 1.00 multiplier).
func (pt *PerformanceTracker) WinRate(strategyID string) decimal.Decimal {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	hist := pt.results[strategyID]
	if len(hist) == 0 {
		return decimal.NewFromInt(-1)
	}
	wins := 0
	for _, w := range hist {
		if w {
			wins++
		}
	}
	return decimal.NewFromInt(int64(wins)).Div(decimal.NewFromInt(int64(len(hist))))
}

// ThresholdMultiplier maps a strategy's rolling win rate onto the quality
// threshold multiplier table in §4.7.
func (pt *PerformanceTracker) ThresholdMultiplier(strategyID string) decimal.Decimal {
	wr := pt.WinRate(strategyID)
	if wr.LessThan(decimal.Zero) {
		return decimal.NewFromFloat(1.00)
	}
	f := wr.InexactFloat64()
	switch {
	case f >= 0.65:
		return decimal.NewFromFloat(0.85)
	case f >= 0.55:
		return decimal.NewFromFloat(0.95)
	case f >= 0.45:
		return decimal.NewFromFloat(1.00)
	case f >= 0.35:
		return decimal.NewFromFloat(1.10)
	default:
		return decimal.NewFromFloat(1.20)
	}
}

// Deduplicator is SignalDeduplicator (C5).
type Deduplicator struct {
	logger     *zap.Logger
	primary    *store.KVStore
	fallback   *store.LocalFallback
	degraded   bool
	degradedMu sync.Mutex
	perf       *PerformanceTracker
	minQuality decimal.Decimal
	dedupTTL   time.Duration
}

// New creates a Deduplicator backed by primary, degrading to an in-memory
// fallback if primary calls start failing.
func New(logger *zap.Logger, primary *store.KVStore, perf *PerformanceTracker, minQuality decimal.Decimal, dedupTTL time.Duration) *Deduplicator {
	return &Deduplicator{
		logger:     logger.Named("dedup"),
		primary:    primary,
		fallback:   store.NewLocalFallback(),
		perf:       perf,
		minQuality: minQuality,
		dedupTTL:   dedupTTL,
	}
}

func (d *Deduplicator) setNX(key string, now time.Time) bool {
	d.degradedMu.Lock()
	degraded := d.degraded
	d.degradedMu.Unlock()

	if !degraded {
		ok, err := d.primary.SetNX(key, now.Format(time.RFC3339), d.dedupTTL)
		if err != nil {
			d.logger.Warn("idempotency store unreachable, degrading to local fallback", zap.Error(err))
			d.degradedMu.Lock()
			d.degraded = true
			d.degradedMu.Unlock()
		} else {
			return ok
		}
	}
	return d.fallback.SetNX(key, now.Format(time.RFC3339), d.dedupTTL)
}

// Process runs one orchestrator tick's candidate batch through the
// pipeline, returning the approved signals in symbol-dedup order and the
// dropped signals with reasons.
func (d *Deduplicator) Process(now time.Time, candidates []Candidate) (approved []types.Signal, dropped []Dropped) {
	var bypassed []types.Signal
	var regular []Candidate

	for _, c := range candidates {
		if c.Signal.Bypass() {
			bypassed = append(bypassed, c.Signal)
			continue
		}
		regular = append(regular, c)
	}

	survivors := make([]Candidate, 0, len(regular))
	for _, c := range regular {
		key := fmt.Sprintf("dedup:%s:%s:%s", now.Format("2006-01-02"), c.Signal.Symbol, c.Signal.Action)
		if !d.setNX(key, now) {
			dropped = append(dropped, Dropped{Signal: c.Signal, Reason: ReasonDuplicateToday})
			continue
		}

		quality := CompositeQuality(c.Quality)
		threshold := d.minQuality.Mul(d.perf.ThresholdMultiplier(c.Signal.StrategyID))
		if quality.LessThan(threshold) {
			dropped = append(dropped, Dropped{Signal: c.Signal, Reason: ReasonLowQuality})
			continue
		}
		survivors = append(survivors, c)
	}

	bySymbol := make(map[string][]Candidate)
	for _, c := range survivors {
		bySymbol[c.Signal.Symbol] = append(bySymbol[c.Signal.Symbol], c)
	}

	// Walk survivors (already in strategy-priority order) rather than
	// ranging over bySymbol directly: map iteration order is randomized,
	// which would make cross-strategy signal ordering nondeterministic.
	seenSymbol := make(map[string]bool, len(bySymbol))
	for _, c := range survivors {
		symbol := c.Signal.Symbol
		if seenSymbol[symbol] {
			continue
		}
		seenSymbol[symbol] = true

		group := bySymbol[symbol]
		if len(group) == 1 {
			approved = append(approved, group[0].Signal)
			continue
		}
		sort.Slice(group, func(i, j int) bool {
			a, b := group[i], group[j]
			if !a.Signal.Confidence.Equal(b.Signal.Confidence) {
				return a.Signal.Confidence.GreaterThan(b.Signal.Confidence)
			}
			if !a.Signal.GeneratedAt.Equal(b.Signal.GeneratedAt) {
				return a.Signal.GeneratedAt.Before(b.Signal.GeneratedAt)
			}
			return a.StrategyPriority < b.StrategyPriority
		})
		approved = append(approved, group[0].Signal)
		for _, loser := range group[1:] {
			dropped = append(dropped, Dropped{Signal: loser.Signal, Reason: ReasonSymbolDedup})
		}
	}

	approved = append(approved, bypassed...)
	return approved, dropped
}
