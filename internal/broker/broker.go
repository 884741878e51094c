// Package broker defines BrokerClient (C3): the narrow interface every
// downstream component uses to reach the exchange, plus a paper-trading
// implementation that fills orders against the MarketDataCache using the
// execmodel cost model. Grounded on the teacher's broker-facing surface
// in internal/execution/executor.go and internal/execution/order_manager.go,
// generalized from a single-exchange crypto adapter into the NSE/NFO
// order-type and product vocabulary.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-quant/intraday-orchestrator/internal/cache"
	"github.com/atlas-quant/intraday-orchestrator/internal/execmodel"
	"github.com/atlas-quant/intraday-orchestrator/internal/ratelimit"
	"github.com/atlas-quant/intraday-orchestrator/pkg/types"
	"github.com/atlas-quant/intraday-orchestrator/pkg/utils"
)

// ErrBrokerTransient marks a retryable failure (timeout, 5xx, connection reset).
var ErrBrokerTransient = errors.New("broker: transient error")

// ErrBrokerReject marks a terminal rejection (margin, invalid instrument,
// circuit limit) that must never be retried.
var ErrBrokerReject = errors.New("broker: order rejected")

// ErrAuth marks an authentication/session failure that must never be retried.
var ErrAuth = errors.New("broker: authentication failed")

// PlaceOrderRequest is the input to Client.PlaceOrder.
type PlaceOrderRequest struct {
	ClientOrderID string
	Symbol        string
	Side          types.Side
	Quantity      int64
	Type          types.OrderType
	Price         decimal.Decimal // limit price, zero for MARKET
	Trigger       decimal.Decimal // SL/SL-M trigger price
	Product       types.Product
	Validity      types.Validity
	Tag           string
}

// Client is the interface every component (TradeEngine, PositionTracker,
// PositionMonitor, strategies needing the option chain) depends on.
type Client interface {
	PlaceOrder(ctx context.Context, req PlaceOrderRequest) (types.BrokerOrder, error)
	ModifyOrder(ctx context.Context, orderID string, price, trigger decimal.Decimal, quantity int64) (types.BrokerOrder, error)
	CancelOrder(ctx context.Context, orderID string) error
	Orders(ctx context.Context) ([]types.BrokerOrder, error)
	Positions(ctx context.Context) ([]types.BrokerPosition, error)
	Margins(ctx context.Context) (types.Margin, error)
	OptionChain(ctx context.Context, underlying string) (types.Chain, error)
	LTP(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// PaperClient simulates broker behavior against the MarketDataCache,
// applying execmodel's cost model to derive realistic fill prices instead
// of filling at the naive LTP.
type PaperClient struct {
	logger  *zap.Logger
	cache   *cache.Cache
	limiter *ratelimit.Limiter
	model   *execmodel.Model
	retry   utils.RetryConfig
	capital decimal.Decimal

	mu       sync.Mutex
	orders   map[string]types.BrokerOrder
	positions map[string]types.BrokerPosition
	usedMargin decimal.Decimal
}

// Config configures a PaperClient.
type Config struct {
	InitialCapital decimal.Decimal
}

// NewPaperClient wires a paper-trading BrokerClient through limiter (every
// call acquires a token first, per §4.3) and model (every fill is costed).
func NewPaperClient(logger *zap.Logger, c *cache.Cache, limiter *ratelimit.Limiter, model *execmodel.Model, cfg Config) *PaperClient {
	return &PaperClient{
		logger:    logger.Named("broker.paper"),
		cache:     c,
		limiter:   limiter,
		model:     model,
		retry:     utils.DefaultRetryConfig(),
		capital:   cfg.InitialCapital,
		orders:    make(map[string]types.BrokerOrder),
		positions: make(map[string]types.BrokerPosition),
	}
}

func (p *PaperClient) acquire(ctx context.Context) error {
	if err := p.limiter.Acquire(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrBrokerTransient, err)
	}
	return nil
}

// PlaceOrder simulates submission and, for MARKET orders, an immediate
// fill against the cached LTP run through the execution cost model. LIMIT
// and SL/SL-M orders rest OPEN until a separate tick-driven fill check
// (not modeled here; PositionMonitor/TradeEngine poll Orders()).
func (p *PaperClient) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (types.BrokerOrder, error) {
	if err := p.acquire(ctx); err != nil {
		return types.BrokerOrder{}, err
	}
	if req.Quantity <= 0 {
		return types.BrokerOrder{}, fmt.Errorf("%w: non-positive quantity", ErrBrokerReject)
	}

	tick, _, ok := p.cache.Latest(req.Symbol)
	if !ok {
		return types.BrokerOrder{}, fmt.Errorf("%w: no market data for %s", ErrBrokerReject, req.Symbol)
	}

	clientOrderID := req.ClientOrderID
	if clientOrderID == "" {
		clientOrderID = uuid.NewString()
	}

	order := types.BrokerOrder{
		OrderID:       utils.GenerateID("ord"),
		ClientOrderID: clientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Quantity:      req.Quantity,
		Type:          req.Type,
		Trigger:       req.Trigger,
		Price:         req.Price,
		Tag:           req.Tag,
		Product:       req.Product,
		Validity:      req.Validity,
		CreatedAt:     time.Now(),
		Status:        types.OrderOpen,
	}

	if req.Type == types.OrderTypeMarket {
		result := p.model.Simulate(execmodel.Order{Side: req.Side, Quantity: decimal.NewFromInt(req.Quantity)}, execmodel.MarketContext{
			Price: tick.LTP, BidPrice: tick.Bid, AskPrice: tick.Ask, Volume: tick.Volume,
		})
		order.Price = result.FillPrice
		order.Status = types.OrderComplete
		p.applyFill(order)
	}

	p.mu.Lock()
	p.orders[order.OrderID] = order
	p.mu.Unlock()

	p.logger.Info("order placed",
		zap.String("order_id", order.OrderID), zap.String("symbol", order.Symbol),
		zap.String("side", string(order.Side)), zap.Int64("quantity", order.Quantity),
		zap.String("type", string(order.Type)), zap.String("status", string(order.Status)))

	return order, nil
}

func (p *PaperClient) applyFill(order types.BrokerOrder) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pos, exists := p.positions[order.Symbol]
	signedQty := order.Quantity
	if order.Side == types.SideSell {
		signedQty = -signedQty
	}

	if !exists {
		side := types.PositionLong
		if signedQty < 0 {
			side = types.PositionShort
		}
		p.positions[order.Symbol] = types.BrokerPosition{
			Symbol: order.Symbol, Side: side, Quantity: abs64(signedQty), EntryPrice: order.Price,
		}
		return
	}

	existingSigned := pos.Quantity
	if pos.Side == types.PositionShort {
		existingSigned = -existingSigned
	}
	netSigned := existingSigned + signedQty
	if netSigned == 0 {
		delete(p.positions, order.Symbol)
		return
	}
	side := types.PositionLong
	if netSigned < 0 {
		side = types.PositionShort
	}
	p.positions[order.Symbol] = types.BrokerPosition{Symbol: order.Symbol, Side: side, Quantity: abs64(netSigned), EntryPrice: order.Price}
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// ModifyOrder updates a resting order's price/trigger/quantity.
func (p *PaperClient) ModifyOrder(ctx context.Context, orderID string, price, trigger decimal.Decimal, quantity int64) (types.BrokerOrder, error) {
	if err := p.acquire(ctx); err != nil {
		return types.BrokerOrder{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	order, ok := p.orders[orderID]
	if !ok {
		return types.BrokerOrder{}, fmt.Errorf("%w: unknown order %s", ErrBrokerReject, orderID)
	}
	if order.Status != types.OrderOpen && order.Status != types.OrderPending {
		return types.BrokerOrder{}, fmt.Errorf("%w: order %s not modifiable in status %s", ErrBrokerReject, orderID, order.Status)
	}
	order.Price = price
	order.Trigger = trigger
	order.Quantity = quantity
	p.orders[orderID] = order
	return order, nil
}

// CancelOrder cancels a resting order.
func (p *PaperClient) CancelOrder(ctx context.Context, orderID string) error {
	if err := p.acquire(ctx); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	order, ok := p.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: unknown order %s", ErrBrokerReject, orderID)
	}
	order.Status = types.OrderCancelled
	p.orders[orderID] = order
	return nil
}

// Orders returns the current set of broker-known orders.
func (p *PaperClient) Orders(ctx context.Context) ([]types.BrokerOrder, error) {
	if err := p.acquire(ctx); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.BrokerOrder, 0, len(p.orders))
	for _, o := range p.orders {
		out = append(out, o)
	}
	return out, nil
}

// Positions returns the broker's view of net positions, for reconciliation.
func (p *PaperClient) Positions(ctx context.Context) ([]types.BrokerPosition, error) {
	if err := p.acquire(ctx); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.BrokerPosition, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, pos)
	}
	return out, nil
}

// Margins returns the simulated capital/margin snapshot.
func (p *PaperClient) Margins(ctx context.Context) (types.Margin, error) {
	if err := p.acquire(ctx); err != nil {
		return types.Margin{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return types.Margin{
		AvailableCash: p.capital.Sub(p.usedMargin),
		UsedMargin:    p.usedMargin,
		Capital:       p.capital,
	}, nil
}

// OptionChain is not modeled for paper trading without a real chain
// provider; callers (V2 options strategy) must treat ErrBrokerReject from
// this as "no chain available this cycle" and skip rather than fail hard.
func (p *PaperClient) OptionChain(ctx context.Context, underlying string) (types.Chain, error) {
	if err := p.acquire(ctx); err != nil {
		return types.Chain{}, err
	}
	return types.Chain{}, fmt.Errorf("%w: option chain not available in paper mode for %s", ErrBrokerReject, underlying)
}

// LTP returns the cached last traded price.
func (p *PaperClient) LTP(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if err := p.acquire(ctx); err != nil {
		return decimal.Zero, err
	}
	tick, _, ok := p.cache.Latest(symbol)
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: no market data for %s", ErrBrokerReject, symbol)
	}
	return tick.LTP, nil
}

// WithRetry wraps a broker call with the configured retry policy: up to
// MaxAttempts, backoff capped at MaxDelay, and stops immediately without
// retrying on ErrBrokerReject or ErrAuth, both terminal per §4.3.
func WithRetry[T any](retry utils.RetryConfig, fn func() (T, error)) (T, error) {
	var result T
	var err error
	delay := retry.InitialDelay

	for attempt := 1; attempt <= retry.MaxAttempts; attempt++ {
		result, err = fn()
		if err == nil {
			return result, nil
		}
		if errors.Is(err, ErrBrokerReject) || errors.Is(err, ErrAuth) {
			return result, err
		}
		if attempt == retry.MaxAttempts {
			break
		}
		time.Sleep(delay)
		delay = time.Duration(float64(delay) * retry.Multiplier)
		if delay > retry.MaxDelay {
			delay = retry.MaxDelay
		}
	}
	return result, fmt.Errorf("after %d attempts: %w", retry.MaxAttempts, err)
}
