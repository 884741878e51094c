package positionmonitor_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-quant/intraday-orchestrator/internal/broker"
	"github.com/atlas-quant/intraday-orchestrator/internal/cache"
	"github.com/atlas-quant/intraday-orchestrator/internal/positionmonitor"
	"github.com/atlas-quant/intraday-orchestrator/internal/positiontracker"
	"github.com/atlas-quant/intraday-orchestrator/internal/telemetry"
	"github.com/atlas-quant/intraday-orchestrator/pkg/types"
)

type fakeClient struct {
	mu        sync.Mutex
	modifies  []decimal.Decimal
	cancelled []string
	placed    []broker.PlaceOrderRequest
	ltp       decimal.Decimal
}

func (f *fakeClient) PlaceOrder(ctx context.Context, req broker.PlaceOrderRequest) (types.BrokerOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.placed = append(f.placed, req)
	return types.BrokerOrder{OrderID: "ord-1", Status: types.OrderComplete}, nil
}
func (f *fakeClient) ModifyOrder(ctx context.Context, orderID string, price, trigger decimal.Decimal, quantity int64) (types.BrokerOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.modifies = append(f.modifies, trigger)
	return types.BrokerOrder{OrderID: "sl-2", Status: types.OrderOpen}, nil
}
func (f *fakeClient) CancelOrder(ctx context.Context, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, orderID)
	return nil
}
func (f *fakeClient) Orders(ctx context.Context) ([]types.BrokerOrder, error)       { return nil, nil }
func (f *fakeClient) Positions(ctx context.Context) ([]types.BrokerPosition, error) { return nil, nil }
func (f *fakeClient) Margins(ctx context.Context) (types.Margin, error)             { return types.Margin{}, nil }
func (f *fakeClient) OptionChain(ctx context.Context, underlying string) (types.Chain, error) {
	return types.Chain{}, broker.ErrBrokerReject
}
func (f *fakeClient) LTP(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return f.ltp, nil
}

func newFixture(t *testing.T) (*positionmonitor.Monitor, *positiontracker.Tracker, *fakeClient, *cache.Cache) {
	t.Helper()
	tracker := positiontracker.New(zap.NewNop(), telemetry.New(zap.NewNop(), telemetry.DefaultConfig()))
	c := cache.New(zap.NewNop(), time.Minute)
	client := &fakeClient{ltp: decimal.NewFromInt(2560)}
	cfg := positionmonitor.DefaultConfig()
	cfg.URGENTCloseClock = "" // disabled for unit tests not exercising clock logic
	mon := positionmonitor.New(zap.NewNop(), client, tracker, c, nil, cfg, func() positionmonitor.AccountSnapshot {
		return positionmonitor.AccountSnapshot{Capital: decimal.NewFromInt(1000000)}
	})
	return mon, tracker, client, c
}

func TestTrailingStopRaisesOnSufficientProfit(t *testing.T) {
	mon, tracker, client, c := newFixture(t)
	tracker.Add(types.Position{
		Symbol: "RELIANCE", Side: types.PositionLong, Quantity: 100,
		EntryPrice: decimal.NewFromInt(2500), StopLoss: decimal.NewFromInt(2480), Target: decimal.NewFromInt(3000),
		SLOrderID: "sl-1",
	})
	c.PutTick("RELIANCE", types.Tick{Symbol: "RELIANCE", LTP: decimal.NewFromInt(2760), High: decimal.NewFromInt(2760), Low: decimal.NewFromInt(2500), Timestamp: time.Now()})

	mon.Sweep(context.Background())

	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.modifies) != 1 {
		t.Fatalf("expected one trailing stop modify, got %d", len(client.modifies))
	}
	p, _ := tracker.Get("RELIANCE")
	if !p.StopLoss.Equal(decimal.NewFromInt(2630)) {
		t.Fatalf("expected trailed stop 2630 (entry+0.5*(2760-2500)), got %s", p.StopLoss)
	}
}

func TestPartialBookThenSecondTargetTouchFlattensRemainder(t *testing.T) {
	mon, tracker, client, c := newFixture(t)
	tracker.Add(types.Position{
		Symbol: "RELIANCE", Side: types.PositionLong, Quantity: 100,
		EntryPrice: decimal.NewFromInt(2500), StopLoss: decimal.NewFromInt(2480), Target: decimal.NewFromInt(2700),
		SLOrderID: "sl-1",
	})
	c.PutTick("RELIANCE", types.Tick{Symbol: "RELIANCE", LTP: decimal.NewFromInt(2700), High: decimal.NewFromInt(2700), Low: decimal.NewFromInt(2500), Timestamp: time.Now()})

	mon.Sweep(context.Background())

	p, ok := tracker.Get("RELIANCE")
	if !ok {
		t.Fatalf("expected position to survive first target touch with only a partial booked")
	}
	if !p.PartialBooked {
		t.Fatalf("expected PartialBooked set after first target touch")
	}
	if p.Quantity != 50 {
		t.Fatalf("expected remaining quantity 50 after booking half of 100, got %d", p.Quantity)
	}

	// Second sweep at the same touched target must flatten what remains
	// instead of booking a partial again.
	mon.Sweep(context.Background())

	if _, ok := tracker.Get("RELIANCE"); ok {
		t.Fatalf("expected position fully closed after second target touch")
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.placed) != 2 {
		t.Fatalf("expected one partial-booking order and one remainder-flatten order, got %d", len(client.placed))
	}
	if client.placed[0].Quantity != 50 {
		t.Fatalf("expected first order to book 50, got %d", client.placed[0].Quantity)
	}
	if client.placed[1].Quantity != 50 {
		t.Fatalf("expected second order to flatten the remaining 50, got %d", client.placed[1].Quantity)
	}
}

func TestEmergencyLossFlattensAllPositions(t *testing.T) {
	tracker := positiontracker.New(zap.NewNop(), telemetry.New(zap.NewNop(), telemetry.DefaultConfig()))
	c := cache.New(zap.NewNop(), time.Minute)
	client := &fakeClient{ltp: decimal.NewFromInt(2400)}
	cfg := positionmonitor.DefaultConfig()
	cfg.URGENTCloseClock, cfg.SquareOffClock = "", ""
	mon := positionmonitor.New(zap.NewNop(), client, tracker, c, nil, cfg, func() positionmonitor.AccountSnapshot {
		return positionmonitor.AccountSnapshot{Capital: decimal.NewFromInt(1000000), RealizedPnLToday: decimal.NewFromInt(-35000)}
	})
	tracker.Add(types.Position{Symbol: "TCS", Side: types.PositionLong, Quantity: 50, EntryPrice: decimal.NewFromInt(3500)})

	mon.Sweep(context.Background())

	if _, ok := tracker.Get("TCS"); ok {
		t.Fatalf("expected position flattened on emergency loss breach")
	}
	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.placed) != 1 {
		t.Fatalf("expected one flatten order placed, got %d", len(client.placed))
	}
}
