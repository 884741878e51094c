package broker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-quant/intraday-orchestrator/internal/broker"
	"github.com/atlas-quant/intraday-orchestrator/internal/cache"
	"github.com/atlas-quant/intraday-orchestrator/internal/execmodel"
	"github.com/atlas-quant/intraday-orchestrator/internal/ratelimit"
	"github.com/atlas-quant/intraday-orchestrator/pkg/types"
	"github.com/atlas-quant/intraday-orchestrator/pkg/utils"
)

func newTestClient(t *testing.T) *broker.PaperClient {
	t.Helper()
	c := cache.New(zap.NewNop(), 30*time.Second)
	c.PutTick("NIFTY-I", types.Tick{
		Symbol: "NIFTY-I", LTP: decimal.NewFromInt(20000), High: decimal.NewFromInt(20000), Low: decimal.NewFromInt(20000), Bid: decimal.NewFromInt(19999),
		Ask: decimal.NewFromInt(20001), Volume: decimal.NewFromInt(1000000), Timestamp: time.Now(),
	})
	limiter := ratelimit.New(zap.NewNop(), ratelimit.DefaultConfig())
	model := execmodel.New(zap.NewNop(), execmodel.DefaultConfig())
	return broker.NewPaperClient(zap.NewNop(), c, limiter, model, broker.Config{InitialCapital: decimal.NewFromInt(1000000)})
}

func TestPlaceMarketOrderFillsImmediately(t *testing.T) {
	bc := newTestClient(t)
	order, err := bc.PlaceOrder(context.Background(), broker.PlaceOrderRequest{
		Symbol: "NIFTY-I", Side: types.SideBuy, Quantity: 50, Type: types.OrderTypeMarket,
		Product: types.ProductMIS, Validity: types.ValidityDay,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if order.Status != types.OrderComplete {
		t.Fatalf("expected immediate fill, got status %s", order.Status)
	}
	if order.Price.IsZero() {
		t.Fatalf("expected a nonzero modeled fill price")
	}

	positions, err := bc.Positions(context.Background())
	if err != nil {
		t.Fatalf("unexpected error listing positions: %v", err)
	}
	if len(positions) != 1 || positions[0].Quantity != 50 {
		t.Fatalf("expected one 50-lot position, got %+v", positions)
	}
}

func TestPlaceOrderUnknownSymbolRejects(t *testing.T) {
	bc := newTestClient(t)
	_, err := bc.PlaceOrder(context.Background(), broker.PlaceOrderRequest{
		Symbol: "NOPE", Side: types.SideBuy, Quantity: 1, Type: types.OrderTypeMarket,
	})
	if !errors.Is(err, broker.ErrBrokerReject) {
		t.Fatalf("expected ErrBrokerReject, got %v", err)
	}
}

func TestWithRetryStopsOnTerminalError(t *testing.T) {
	attempts := 0
	_, err := broker.WithRetry(utils.DefaultRetryConfig(), func() (int, error) {
		attempts++
		return 0, broker.ErrBrokerReject
	})
	if !errors.Is(err, broker.ErrBrokerReject) {
		t.Fatalf("expected ErrBrokerReject, got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected exactly 1 attempt for a terminal error, got %d", attempts)
	}
}

func TestWithRetryRetriesTransientError(t *testing.T) {
	attempts := 0
	_, err := broker.WithRetry(utils.DefaultRetryConfig(), func() (int, error) {
		attempts++
		if attempts < 3 {
			return 0, broker.ErrBrokerTransient
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}
