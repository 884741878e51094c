package dedup_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-quant/intraday-orchestrator/internal/dedup"
	"github.com/atlas-quant/intraday-orchestrator/internal/store"
	"github.com/atlas-quant/intraday-orchestrator/pkg/types"
)

func goodFactors() dedup.QualityFactors {
	return dedup.QualityFactors{
		Confluence:         decimal.NewFromFloat(0.9),
		VolumeQuality:      decimal.NewFromFloat(0.9),
		Microstructure:     decimal.NewFromFloat(0.9),
		TimeframeAlignment: decimal.NewFromFloat(0.9),
	}
}

func newDeduplicator(t *testing.T) *dedup.Deduplicator {
	t.Helper()
	kv, err := store.NewKVStore(zap.NewNop(), t.TempDir())
	if err != nil {
		t.Fatalf("failed to create kv store: %v", err)
	}
	perf := dedup.NewPerformanceTracker()
	return dedup.New(zap.NewNop(), kv, perf, decimal.NewFromFloat(0.60), time.Hour)
}

func TestDuplicateTodayDropped(t *testing.T) {
	d := newDeduplicator(t)
	now := time.Now()
	sig := types.Signal{Symbol: "RELIANCE", Action: types.SideBuy, Confidence: decimal.NewFromInt(8), GeneratedAt: now, StrategyID: "v1"}

	approved1, dropped1 := d.Process(now, []dedup.Candidate{{Signal: sig, Quality: goodFactors()}})
	if len(approved1) != 1 || len(dropped1) != 0 {
		t.Fatalf("expected first signal approved, got approved=%d dropped=%d", len(approved1), len(dropped1))
	}

	approved2, dropped2 := d.Process(now, []dedup.Candidate{{Signal: sig, Quality: goodFactors()}})
	if len(approved2) != 0 || len(dropped2) != 1 || dropped2[0].Reason != dedup.ReasonDuplicateToday {
		t.Fatalf("expected duplicate dropped, got approved=%d dropped=%+v", len(approved2), dropped2)
	}
}

func TestLowQualityDropped(t *testing.T) {
	d := newDeduplicator(t)
	now := time.Now()
	sig := types.Signal{Symbol: "TCS", Action: types.SideBuy, Confidence: decimal.NewFromInt(8), GeneratedAt: now, StrategyID: "v1"}
	lowQuality := dedup.QualityFactors{
		Confluence: decimal.NewFromFloat(0.1), VolumeQuality: decimal.NewFromFloat(0.1),
		Microstructure: decimal.NewFromFloat(0.1), TimeframeAlignment: decimal.NewFromFloat(0.1),
	}
	approved, dropped := d.Process(now, []dedup.Candidate{{Signal: sig, Quality: lowQuality}})
	if len(approved) != 0 || len(dropped) != 1 || dropped[0].Reason != dedup.ReasonLowQuality {
		t.Fatalf("expected low-quality drop, got approved=%d dropped=%+v", len(approved), dropped)
	}
}

func TestSymbolDedupKeepsHighestConfidence(t *testing.T) {
	d := newDeduplicator(t)
	now := time.Now()
	low := types.Signal{Symbol: "INFY", Action: types.SideBuy, Confidence: decimal.NewFromInt(6), GeneratedAt: now, StrategyID: "v1"}
	high := types.Signal{Symbol: "INFY", Action: types.SideSell, Confidence: decimal.NewFromInt(9), GeneratedAt: now, StrategyID: "v2"}

	approved, dropped := d.Process(now, []dedup.Candidate{
		{Signal: low, Quality: goodFactors()},
		{Signal: high, Quality: goodFactors()},
	})
	if len(approved) != 1 || !approved[0].Confidence.Equal(decimal.NewFromInt(9)) {
		t.Fatalf("expected highest-confidence survivor, got %+v", approved)
	}
	if len(dropped) != 1 || dropped[0].Reason != dedup.ReasonSymbolDedup {
		t.Fatalf("expected symbol-dedup drop, got %+v", dropped)
	}
}

func TestApprovedOrderMatchesSurvivorOrderAcrossSymbols(t *testing.T) {
	now := time.Now()
	// Distinct symbols, one candidate each, so nothing here is dropped by
	// symbol-dedup; approved order must still track input order rather
	// than Go's randomized map-iteration order over an internal grouping.
	symbols := []string{"RELIANCE", "TCS", "INFY", "HDFC", "WIPRO", "AXISBANK"}
	var candidates []dedup.Candidate
	for i, sym := range symbols {
		sig := types.Signal{Symbol: sym, Action: types.SideBuy, Confidence: decimal.NewFromInt(8), GeneratedAt: now, StrategyID: "v1"}
		candidates = append(candidates, dedup.Candidate{Signal: sig, Quality: goodFactors(), StrategyPriority: i})
	}

	for attempt := 0; attempt < 5; attempt++ {
		d := newDeduplicator(t)
		approved, _ := d.Process(now, candidates)
		if len(approved) != len(symbols) {
			t.Fatalf("expected all %d candidates approved, got %d", len(symbols), len(approved))
		}
		for i, sym := range symbols {
			if approved[i].Symbol != sym {
				t.Fatalf("attempt %d: expected approved order %v, got order starting %+v", attempt, symbols, approved)
			}
		}
	}
}

func TestManagementSignalsAlwaysBypass(t *testing.T) {
	d := newDeduplicator(t)
	now := time.Now()
	mgmt1 := types.Signal{Symbol: "HDFC", Action: types.SideSell, ManagementAction: true, StrategyID: "v1", GeneratedAt: now}
	mgmt2 := types.Signal{Symbol: "HDFC", Action: types.SideSell, ManagementAction: true, StrategyID: "v1", GeneratedAt: now}

	approved, dropped := d.Process(now, []dedup.Candidate{
		{Signal: mgmt1, Quality: dedup.QualityFactors{}},
		{Signal: mgmt2, Quality: dedup.QualityFactors{}},
	})
	if len(approved) != 2 || len(dropped) != 0 {
		t.Fatalf("expected both management signals to bypass filtering, got approved=%d dropped=%d", len(approved), len(dropped))
	}
}
