package tradeengine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-quant/intraday-orchestrator/internal/broker"
	"github.com/atlas-quant/intraday-orchestrator/internal/positiontracker"
	"github.com/atlas-quant/intraday-orchestrator/internal/telemetry"
	"github.com/atlas-quant/intraday-orchestrator/internal/tradeengine"
	"github.com/atlas-quant/intraday-orchestrator/pkg/types"
)

// fakeClient is a minimal in-memory broker.Client double for TradeEngine tests.
type fakeClient struct {
	mu       sync.Mutex
	orders   []broker.PlaceOrderRequest
	rejectOn string // symbol to reject
	seq      int
}

func (f *fakeClient) PlaceOrder(ctx context.Context, req broker.PlaceOrderRequest) (types.BrokerOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if req.Symbol == f.rejectOn {
		return types.BrokerOrder{}, broker.ErrBrokerReject
	}
	f.seq++
	f.orders = append(f.orders, req)
	return types.BrokerOrder{OrderID: "ord-" + req.ClientOrderID, Status: types.OrderComplete, Price: decimal.NewFromInt(2500)}, nil
}

func (f *fakeClient) ModifyOrder(ctx context.Context, orderID string, price, trigger decimal.Decimal, quantity int64) (types.BrokerOrder, error) {
	return types.BrokerOrder{OrderID: orderID, Status: types.OrderOpen}, nil
}
func (f *fakeClient) CancelOrder(ctx context.Context, orderID string) error { return nil }
func (f *fakeClient) Orders(ctx context.Context) ([]types.BrokerOrder, error) {
	return nil, nil
}
func (f *fakeClient) Positions(ctx context.Context) ([]types.BrokerPosition, error) { return nil, nil }
func (f *fakeClient) Margins(ctx context.Context) (types.Margin, error)             { return types.Margin{}, nil }
func (f *fakeClient) OptionChain(ctx context.Context, underlying string) (types.Chain, error) {
	return types.Chain{}, broker.ErrBrokerReject
}
func (f *fakeClient) LTP(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return decimal.NewFromInt(2500), nil
}

func newEngine(client broker.Client) *tradeengine.Engine {
	tracker := positiontracker.New(zap.NewNop(), telemetry.New(zap.NewNop(), telemetry.DefaultConfig()))
	cfg := tradeengine.DefaultConfig()
	cfg.InterOrderDelayMin, cfg.InterOrderDelayMax = time.Millisecond, 2*time.Millisecond
	cfg.ConfirmTimeout = 50 * time.Millisecond
	return tradeengine.New(zap.NewNop(), client, tracker, nil, cfg)
}

func buySignal() types.Signal {
	return types.Signal{
		Symbol: "RELIANCE", Action: types.SideBuy, StrategyID: "v1",
		EntryPrice: decimal.NewFromInt(2500), StopLoss: decimal.NewFromInt(2480), Target: decimal.NewFromInt(2540),
		Quantity: 100, Confidence: decimal.NewFromInt(8), GeneratedAt: time.Now(),
	}
}

func TestSubmitPlacesEntryAndProtectiveOrders(t *testing.T) {
	client := &fakeClient{}
	eng := newEngine(client)
	results := eng.Submit(context.Background(), []types.Signal{buySignal()})
	if len(results) != 1 || !results[0].Submitted {
		t.Fatalf("expected one submitted result, got %+v", results)
	}
	if results[0].SLOrderID == "" || results[0].TargetOrderID == "" {
		t.Fatalf("expected protective orders placed, got %+v", results[0])
	}
	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.orders) != 3 { // entry + SL + TGT
		t.Fatalf("expected 3 orders placed (entry+SL+TGT), got %d", len(client.orders))
	}
}

func TestSubmitHandlesRejectWithoutRetry(t *testing.T) {
	client := &fakeClient{rejectOn: "TCS"}
	eng := newEngine(client)
	results := eng.Submit(context.Background(), []types.Signal{{
		Symbol: "TCS", Action: types.SideBuy, StrategyID: "v1", Quantity: 50,
		EntryPrice: decimal.NewFromInt(3500), StopLoss: decimal.NewFromInt(3480), Target: decimal.NewFromInt(3550),
	}})
	if len(results) != 1 || results[0].Submitted || results[0].Err == nil {
		t.Fatalf("expected rejected result, got %+v", results)
	}
}

func TestSubmitTruncatesToMaxPerCycle(t *testing.T) {
	client := &fakeClient{}
	eng := newEngine(client)
	signals := make([]types.Signal, 0, 8)
	for i := 0; i < 8; i++ {
		sig := buySignal()
		sig.Symbol = buySignal().Symbol + string(rune('A'+i))
		signals = append(signals, sig)
	}
	results := eng.Submit(context.Background(), signals)
	if len(results) != tradeengine.MaxSignalsPerCycle {
		t.Fatalf("expected batch truncated to %d, got %d", tradeengine.MaxSignalsPerCycle, len(results))
	}
}

func TestSubmitSkipsSymbolActionOnCooldown(t *testing.T) {
	client := &fakeClient{}
	eng := newEngine(client)
	sig := buySignal()
	eng.Submit(context.Background(), []types.Signal{sig})
	results := eng.Submit(context.Background(), []types.Signal{sig})
	if len(results) != 0 {
		t.Fatalf("expected second submission suppressed by cooldown, got %+v", results)
	}
}
