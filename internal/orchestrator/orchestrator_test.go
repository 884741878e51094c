package orchestrator_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-quant/intraday-orchestrator/internal/broker"
	"github.com/atlas-quant/intraday-orchestrator/internal/cache"
	"github.com/atlas-quant/intraday-orchestrator/internal/dedup"
	"github.com/atlas-quant/intraday-orchestrator/internal/orchestrator"
	"github.com/atlas-quant/intraday-orchestrator/internal/portfolio"
	"github.com/atlas-quant/intraday-orchestrator/internal/positiontracker"
	"github.com/atlas-quant/intraday-orchestrator/internal/regime"
	"github.com/atlas-quant/intraday-orchestrator/internal/store"
	"github.com/atlas-quant/intraday-orchestrator/internal/strategy"
	"github.com/atlas-quant/intraday-orchestrator/internal/telemetry"
	"github.com/atlas-quant/intraday-orchestrator/internal/tradeengine"
	"github.com/atlas-quant/intraday-orchestrator/internal/workers"
	"github.com/atlas-quant/intraday-orchestrator/pkg/types"
)

// fakeClient is a minimal in-memory broker.Client double, mirroring
// tradeengine's test double.
type fakeClient struct {
	mu     sync.Mutex
	orders []broker.PlaceOrderRequest
}

func (f *fakeClient) PlaceOrder(ctx context.Context, req broker.PlaceOrderRequest) (types.BrokerOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
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

func (f *fakeClient) orderCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.orders)
}

// stubStrategy emits a single fixed BUY candidate the first time OnTick
// is called and nothing thereafter, so tests can assert the pipeline ran
// the signal through to submission exactly once.
type stubStrategy struct {
	mu     sync.Mutex
	fired  bool
	signal types.Signal
}

func (s *stubStrategy) ID() string                                 { return "stub" }
func (s *stubStrategy) WarmupRequirements() []types.HistoryReq      { return nil }
func (s *stubStrategy) SyncPositions(positions []types.Position)    {}
func (s *stubStrategy) ManageExisting(snapshot map[string]types.Tick) []types.Signal {
	return nil
}
func (s *stubStrategy) OnTick(snapshot map[string]types.Tick, r types.Regime) []types.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fired {
		return nil
	}
	s.fired = true
	return []types.Signal{s.signal}
}

type fakeFlattener struct {
	called bool
	reason string
}

func (f *fakeFlattener) FlattenAll(ctx context.Context, reason string) {
	f.called = true
	f.reason = reason
}

func buildOrchestrator(t *testing.T, strat *stubStrategy, client *fakeClient, flattener *fakeFlattener, cfg orchestrator.Config) *orchestrator.Orchestrator {
	t.Helper()
	logger := zap.NewNop()

	c := cache.New(logger, time.Minute)
	c.RegisterRing(cfg.IndexSymbol, types.Bar5m, 30)
	c.PutTick(cfg.IndexSymbol, types.Tick{Symbol: cfg.IndexSymbol, LTP: decimal.NewFromInt(20000), High: decimal.NewFromInt(20000), Low: decimal.NewFromInt(20000)})
	for _, sym := range cfg.Universe {
		c.PutTick(sym, types.Tick{Symbol: sym, LTP: decimal.NewFromInt(2500), High: decimal.NewFromInt(2500), Low: decimal.NewFromInt(2500), Bid: decimal.NewFromInt(2499), Ask: decimal.NewFromInt(2501)})
	}

	regimeDet := regime.New(logger, regime.DefaultConfig())

	kv, err := store.NewKVStore(logger, t.TempDir())
	if err != nil {
		t.Fatalf("new kvstore: %v", err)
	}
	dd := dedup.New(logger, kv, dedup.NewPerformanceTracker(), decimal.NewFromFloat(0.3), time.Minute)

	gate := portfolio.New(logger, portfolio.Config{
		PerTradeRiskPct:       decimal.NewFromInt(2),
		PerPositionOptionPct:  decimal.NewFromInt(5),
		PerPositionEquityPct:  decimal.NewFromInt(20),
		OptionsExposureCapPct: decimal.NewFromInt(30),
		TotalExposureCapPct:   decimal.NewFromInt(80),
		TotalExposureSoftPct:  decimal.NewFromInt(60),
		DailyLossBrakePct:     decimal.NewFromInt(5),
		EntryWindowStart:      "00:00",
		EntryWindowEnd:        "23:59",
	})

	bus := telemetry.New(logger, telemetry.DefaultConfig())
	tracker := positiontracker.New(logger, bus)

	engineCfg := tradeengine.DefaultConfig()
	engineCfg.InterOrderDelayMin, engineCfg.InterOrderDelayMax = time.Millisecond, 2*time.Millisecond
	engineCfg.ConfirmTimeout = 50 * time.Millisecond
	engine := tradeengine.New(logger, client, tracker, nil, engineCfg)

	pool := workers.NewPool(logger, workers.DefaultPoolConfig("strategies", 1))

	metrics := telemetry.NewMetrics()

	account := func() orchestrator.AccountSnapshot {
		return orchestrator.AccountSnapshot{Capital: decimal.NewFromInt(1000000)}
	}

	return orchestrator.New(
		logger, cfg, c, nil, client, regimeDet,
		[]strategy.Strategy{strat},
		pool, dd, gate, engine, tracker, flattener, metrics, account,
		map[string]int64{"RELIANCE": 1},
	)
}

func TestTickRoutesApprovedSignalToEngine(t *testing.T) {
	client := &fakeClient{}
	strat := &stubStrategy{signal: types.Signal{
		Symbol: "RELIANCE", Action: types.SideBuy, StrategyID: "stub",
		EntryPrice: decimal.NewFromInt(2500), StopLoss: decimal.NewFromInt(2480), Target: decimal.NewFromInt(2540),
		Quantity: 1, Confidence: decimal.NewFromInt(8), GeneratedAt: time.Now(),
	}}
	cfg := orchestrator.Config{
		TickPeriod:  20 * time.Millisecond,
		DrainTimeout: 200 * time.Millisecond,
		Universe:    []string{"RELIANCE"},
		IndexSymbol: "NIFTY",
	}
	orch := buildOrchestrator(t, strat, client, &fakeFlattener{}, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- orch.Run(ctx) }()

	time.Sleep(80 * time.Millisecond)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if client.orderCount() == 0 {
		t.Fatalf("expected the stub strategy's signal to be submitted as an order, got none")
	}
}

func TestShutdownFlattensWhenConfigured(t *testing.T) {
	client := &fakeClient{}
	strat := &stubStrategy{fired: true} // never emits, isolates drain/flatten behavior
	flattener := &fakeFlattener{}
	cfg := orchestrator.Config{
		TickPeriod:        10 * time.Millisecond,
		DrainTimeout:      100 * time.Millisecond,
		FlattenOnShutdown: true,
		Universe:          []string{"RELIANCE"},
		IndexSymbol:       "NIFTY",
	}
	orch := buildOrchestrator(t, strat, client, flattener, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- orch.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	if !flattener.called {
		t.Fatalf("expected FlattenAll to be called on shutdown when FlattenOnShutdown is set")
	}
	if flattener.reason != "shutdown_flatten" {
		t.Fatalf("expected shutdown_flatten reason, got %q", flattener.reason)
	}
}

func TestStatusReportsHealthAndOpenPositions(t *testing.T) {
	client := &fakeClient{}
	strat := &stubStrategy{fired: true}
	cfg := orchestrator.Config{
		TickPeriod:   10 * time.Millisecond,
		DrainTimeout: 50 * time.Millisecond,
		Universe:     []string{"RELIANCE"},
		IndexSymbol:  "NIFTY",
	}
	orch := buildOrchestrator(t, strat, client, &fakeFlattener{}, cfg)

	status := orch.Status(context.Background())
	if !status.FeedConnected {
		t.Fatalf("expected feed reported connected when no feed is wired")
	}
	if !status.BrokerReachable {
		t.Fatalf("expected broker reachable via the fake client")
	}
	if status.OpenPositions != 0 {
		t.Fatalf("expected zero open positions initially, got %d", status.OpenPositions)
	}
}
