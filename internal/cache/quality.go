package cache

import (
	"go.uber.org/zap"

	"github.com/atlas-quant/intraday-orchestrator/pkg/types"
)

// TickValidator screens inbound ticks for OHLC-consistency and volume
// anomalies inside PutTick, before a tick becomes the latest, tightening the bare
// low<=ltp<=high invariant with the checks the teacher's historical
// DataQualityValidator already ran against OHLCV bars.
type TickValidator struct {
	logger            *zap.Logger
	maxIntradayMove   float64 // circuit-breaker-scale move vs close_prev, e.g. 0.20
	maxVolumeMultiple float64 // spike detection vs a rolling average
}

// NewTickValidator returns a validator tuned for NSE/NFO circuit-breaker
// bands (20% move, 10x average volume), matching the teacher's stock
// defaults rather than its crypto defaults.
func NewTickValidator(logger *zap.Logger) *TickValidator {
	return &TickValidator{
		logger:            logger.Named("cache.quality"),
		maxIntradayMove:   0.20,
		maxVolumeMultiple: 10.0,
	}
}

// Issue describes one rejected or flagged tick.
type Issue struct {
	Symbol   string
	Severity string // critical, high, medium
	Message  string
}

// Validate returns the list of issues found; a non-empty result with any
// "critical" severity means the caller should not accept the tick as the
// new authoritative latest.
func (v *TickValidator) Validate(t types.Tick, avgVolume float64) []Issue {
	var issues []Issue

	if !t.Valid() {
		issues = append(issues, Issue{
			Symbol: t.Symbol, Severity: "critical",
			Message: "low <= ltp <= high invariant violated",
		})
	}

	if t.High.LessThan(t.Low) {
		issues = append(issues, Issue{
			Symbol: t.Symbol, Severity: "critical",
			Message: "high < low",
		})
	}

	if !t.ClosePrev.IsZero() {
		move := t.LTP.Sub(t.ClosePrev).Div(t.ClosePrev).Abs().InexactFloat64()
		if move > v.maxIntradayMove {
			issues = append(issues, Issue{
				Symbol: t.Symbol, Severity: "high",
				Message: "intraday move exceeds circuit-breaker band",
			})
		}
	}

	if avgVolume > 0 && t.Volume.InexactFloat64() > avgVolume*v.maxVolumeMultiple {
		issues = append(issues, Issue{
			Symbol: t.Symbol, Severity: "medium",
			Message: "volume spike beyond configured multiple of average",
		})
	}

	return issues
}

// HasCritical reports whether any issue is critical-severity.
func HasCritical(issues []Issue) bool {
	for _, i := range issues {
		if i.Severity == "critical" {
			return true
		}
	}
	return false
}
