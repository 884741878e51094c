package positiontracker_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-quant/intraday-orchestrator/internal/positiontracker"
	"github.com/atlas-quant/intraday-orchestrator/internal/telemetry"
	"github.com/atlas-quant/intraday-orchestrator/pkg/types"
)

func newTracker() *positiontracker.Tracker {
	return positiontracker.New(zap.NewNop(), telemetry.New(zap.NewNop(), telemetry.DefaultConfig()))
}

func TestAddAndSnapshot(t *testing.T) {
	tr := newTracker()
	tr.Add(types.Position{Symbol: "RELIANCE", Side: types.PositionLong, Quantity: 50, EntryPrice: decimal.NewFromInt(2500)})
	snap := tr.Snapshot()
	if len(snap) != 1 || snap[0].Symbol != "RELIANCE" {
		t.Fatalf("expected one tracked position, got %+v", snap)
	}
}

func TestUpdateClosesPositionAtZeroNet(t *testing.T) {
	tr := newTracker()
	tr.Add(types.Position{Symbol: "TCS", Side: types.PositionLong, Quantity: 100})
	tr.Update("TCS", positiontracker.FillEvent{Quantity: -100, FillPrice: decimal.NewFromInt(3500), FilledAt: time.Now()})
	if _, ok := tr.Get("TCS"); ok {
		t.Fatalf("expected position removed after net-zero fill")
	}
}

func TestUpdateFlipsSideOnOvershoot(t *testing.T) {
	tr := newTracker()
	tr.Add(types.Position{Symbol: "INFY", Side: types.PositionLong, Quantity: 50})
	tr.Update("INFY", positiontracker.FillEvent{Quantity: -80, FilledAt: time.Now()})
	p, ok := tr.Get("INFY")
	if !ok || p.Side != types.PositionShort || p.Quantity != 30 {
		t.Fatalf("expected flipped short position qty 30, got %+v ok=%v", p, ok)
	}
}

func TestReconcileCorrectsDivergentQuantity(t *testing.T) {
	tr := newTracker()
	tr.Add(types.Position{Symbol: "HDFC", Side: types.PositionLong, Quantity: 100})
	tr.Reconcile([]types.BrokerPosition{{Symbol: "HDFC", Side: types.PositionLong, Quantity: 60}})
	p, ok := tr.Get("HDFC")
	if !ok || p.Quantity != 60 {
		t.Fatalf("expected quantity corrected to broker's 60, got %+v", p)
	}
}

func TestReconcileRemovesPhantomLocalPosition(t *testing.T) {
	tr := newTracker()
	tr.Add(types.Position{Symbol: "WIPRO", Side: types.PositionLong, Quantity: 10})
	tr.Reconcile(nil)
	if _, ok := tr.Get("WIPRO"); ok {
		t.Fatalf("expected phantom position removed")
	}
}

func TestReconcileAdoptsUnmanagedBrokerPosition(t *testing.T) {
	tr := newTracker()
	tr.Reconcile([]types.BrokerPosition{{Symbol: "SBIN", Side: types.PositionShort, Quantity: 200, EntryPrice: decimal.NewFromInt(600)}})
	p, ok := tr.Get("SBIN")
	if !ok || !p.Unprotected || p.Quantity != 200 {
		t.Fatalf("expected adopted unprotected position, got %+v ok=%v", p, ok)
	}
}

func TestMarkPartialAndModifySL(t *testing.T) {
	tr := newTracker()
	tr.Add(types.Position{Symbol: "AXISBANK", Side: types.PositionLong, Quantity: 100, StopLoss: decimal.NewFromInt(990)})
	tr.MarkPartial("AXISBANK", 50)
	tr.ModifySL("AXISBANK", decimal.NewFromInt(1000), "sl-order-2")
	p, _ := tr.Get("AXISBANK")
	if !p.PartialBooked || !p.StopLoss.Equal(decimal.NewFromInt(1000)) || p.SLOrderID != "sl-order-2" {
		t.Fatalf("expected partial booked and SL modified, got %+v", p)
	}
	if p.Quantity != 50 {
		t.Fatalf("expected tracked quantity reduced to the unbooked remainder 50, got %d", p.Quantity)
	}
}
