package portfolio_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-quant/intraday-orchestrator/internal/portfolio"
	"github.com/atlas-quant/intraday-orchestrator/pkg/types"
)

func baseConfig() portfolio.Config {
	return portfolio.Config{
		PerTradeRiskPct:       decimal.NewFromInt(2),
		PerPositionOptionPct:  decimal.NewFromInt(5),
		PerPositionEquityPct:  decimal.NewFromInt(2),
		OptionsExposureCapPct: decimal.NewFromInt(50),
		TotalExposureCapPct:   decimal.NewFromInt(70),
		TotalExposureSoftPct:  decimal.NewFromInt(80),
		DailyLossBrakePct:     decimal.NewFromInt(2),
		EntryWindowStart:      "09:15",
		EntryWindowEnd:        "15:00",
	}
}

func midSessionNow() time.Time {
	return time.Date(2026, 7, 30, 11, 0, 0, 0, time.Local)
}

func validBuySignal() types.Signal {
	return types.Signal{
		Symbol: "RELIANCE", Action: types.SideBuy,
		EntryPrice: decimal.NewFromInt(2500), StopLoss: decimal.NewFromInt(2490), Target: decimal.NewFromInt(2525),
		Quantity: 100, Confidence: decimal.NewFromInt(7), GeneratedAt: midSessionNow(),
	}
}

func TestAcceptsValidSignalWithinCaps(t *testing.T) {
	g := portfolio.New(zap.NewNop(), baseConfig())
	decision := g.Evaluate(validBuySignal(), portfolio.Portfolio{
		Capital: decimal.NewFromInt(1000000), Now: midSessionNow(), LotSize: 1,
		Regime: types.Regime{Bias: types.BiasNeutral, MoveZone: types.ZoneNormal},
	})
	if !decision.Accepted {
		t.Fatalf("expected acceptance, got reason %s", decision.Reason)
	}
}

func TestRejectsDuplicatePosition(t *testing.T) {
	g := portfolio.New(zap.NewNop(), baseConfig())
	decision := g.Evaluate(validBuySignal(), portfolio.Portfolio{
		Capital: decimal.NewFromInt(1000000), Now: midSessionNow(), LotSize: 1,
		Regime:    types.Regime{Bias: types.BiasNeutral, MoveZone: types.ZoneNormal},
		Positions: []types.Position{{Symbol: "RELIANCE", Side: types.PositionLong, Quantity: 50}},
	})
	if decision.Accepted || decision.Reason != portfolio.ReasonDuplicatePosition {
		t.Fatalf("expected ReasonDuplicatePosition, got %+v", decision)
	}
}

func TestRejectsOnRegimeMisalignment(t *testing.T) {
	g := portfolio.New(zap.NewNop(), baseConfig())
	decision := g.Evaluate(validBuySignal(), portfolio.Portfolio{
		Capital: decimal.NewFromInt(1000000), Now: midSessionNow(), LotSize: 1,
		Regime: types.Regime{Bias: types.BiasBearish, Strength: decimal.NewFromInt(5), MoveZone: types.ZoneNormal},
	})
	if decision.Accepted || decision.Reason != portfolio.ReasonRegimeMisaligned {
		t.Fatalf("expected ReasonRegimeMisaligned, got %+v", decision)
	}
}

func TestShrinksOversizedQuantityThroughRiskAndPositionCaps(t *testing.T) {
	g := portfolio.New(zap.NewNop(), baseConfig())
	sig := validBuySignal()
	sig.Quantity = 100000 // wildly oversized vs the 2% risk cap
	decision := g.Evaluate(sig, portfolio.Portfolio{
		Capital: decimal.NewFromInt(1000000), Now: midSessionNow(), LotSize: 1,
		Regime: types.Regime{Bias: types.BiasNeutral, MoveZone: types.ZoneNormal},
	})
	if !decision.Accepted {
		t.Fatalf("expected acceptance with shrunk quantity, got reason %s", decision.Reason)
	}
	// risk_amount = 2% * 1,000,000 = 20,000; risk_per_share = 10 -> 2000;
	// then the 2% equity single-position cap: 20,000 / 2500 entry -> 8
	if decision.Quantity != 8 {
		t.Fatalf("expected shrunk quantity 8, got %d", decision.Quantity)
	}
}

func TestRejectsOnDailyLossBrake(t *testing.T) {
	g := portfolio.New(zap.NewNop(), baseConfig())
	decision := g.Evaluate(validBuySignal(), portfolio.Portfolio{
		Capital: decimal.NewFromInt(1000000), Now: midSessionNow(), LotSize: 1,
		Regime:            types.Regime{Bias: types.BiasNeutral, MoveZone: types.ZoneNormal},
		RealizedPnLToday:  decimal.NewFromInt(-25000),
		UnrealizedPnLToday: decimal.Zero,
	})
	if decision.Accepted || decision.Reason != portfolio.ReasonDailyLossBrake {
		t.Fatalf("expected ReasonDailyLossBrake, got %+v", decision)
	}
}

func TestManagementSignalBypassesAllChecks(t *testing.T) {
	g := portfolio.New(zap.NewNop(), baseConfig())
	sig := types.Signal{Symbol: "X", Action: types.SideSell, ManagementAction: true, Quantity: 7}
	decision := g.Evaluate(sig, portfolio.Portfolio{Capital: decimal.NewFromInt(1000000), Now: midSessionNow()})
	if !decision.Accepted || decision.Quantity != 7 {
		t.Fatalf("expected bypass acceptance, got %+v", decision)
	}
}
