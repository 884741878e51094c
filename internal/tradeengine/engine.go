// Package tradeengine implements TradeEngine (C10): the sole component
// that turns an accepted, sized Signal into broker orders. Grounded on
// the teacher's Executor.ExecuteWithSLTP in
// internal/execution/executor.go, generalized from a single aggressive
// order plus stop-loss/take-profit pair into the NSE/NFO order-type
// selection, client-order-id/tag lineage, batching, and failure-handling
// rules the specification requires.
package tradeengine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-quant/intraday-orchestrator/internal/broker"
	"github.com/atlas-quant/intraday-orchestrator/internal/positiontracker"
	"github.com/atlas-quant/intraday-orchestrator/internal/ratelimit"
	"github.com/atlas-quant/intraday-orchestrator/internal/telemetry"
	"github.com/atlas-quant/intraday-orchestrator/pkg/types"
	"github.com/atlas-quant/intraday-orchestrator/pkg/utils"
)

// MaxSignalsPerCycle bounds how many signals the engine will submit in a
// single Submit call, independent of how many the orchestrator passes in.
const MaxSignalsPerCycle = 5

// Config tunes inter-order pacing and per-(symbol,action) cooldown.
type Config struct {
	MaxSignalsPerCycle  int
	InterOrderDelayMin  time.Duration
	InterOrderDelayMax  time.Duration
	Cooldown            time.Duration
	ConfirmTimeout      time.Duration // how long a non-market entry is polled for COMPLETE; past it no protective orders are placed and no position is recorded, partial fill or not
	StockOptionCollarPct decimal.Decimal
}

// DefaultConfig matches the specification's stated defaults.
func DefaultConfig() Config {
	return Config{
		MaxSignalsPerCycle:   MaxSignalsPerCycle,
		InterOrderDelayMin:   time.Second,
		InterOrderDelayMax:   2 * time.Second,
		Cooldown:             30 * time.Second,
		ConfirmTimeout:       5 * time.Second,
		StockOptionCollarPct: decimal.NewFromFloat(0.005),
	}
}

// Result records what happened to one submitted signal.
type Result struct {
	Signal        types.Signal
	Submitted     bool
	OrderID       string
	SLOrderID     string
	TargetOrderID string
	Unprotected   bool
	Err           error
}

// Engine is TradeEngine (C10).
type Engine struct {
	logger  *zap.Logger
	client  broker.Client
	tracker *positiontracker.Tracker
	bus     *telemetry.EventBus
	cfg     Config

	mu        sync.Mutex
	cooldowns map[string]time.Time // key: symbol|action
}

// New constructs an Engine.
func New(logger *zap.Logger, client broker.Client, tracker *positiontracker.Tracker, bus *telemetry.EventBus, cfg Config) *Engine {
	return &Engine{
		logger:    logger.Named("tradeengine"),
		client:    client,
		tracker:   tracker,
		bus:       bus,
		cfg:       cfg,
		cooldowns: make(map[string]time.Time),
	}
}

func cooldownKey(symbol string, action types.Side) string {
	return symbol + "|" + string(action)
}

// Submit places orders for up to Config.MaxSignalsPerCycle signals,
// pacing inter-order delay and honoring the per-(symbol,action) cooldown.
// It never blocks past ctx cancellation mid-batch.
func (e *Engine) Submit(ctx context.Context, signals []types.Signal) []Result {
	batch := signals
	if len(batch) > e.cfg.MaxSignalsPerCycle {
		e.logger.Warn("signal batch truncated to max per cycle",
			zap.Int("received", len(batch)), zap.Int("max", e.cfg.MaxSignalsPerCycle))
		batch = batch[:e.cfg.MaxSignalsPerCycle]
	}

	results := make([]Result, 0, len(batch))
	for i, sig := range batch {
		if ctx.Err() != nil {
			results = append(results, Result{Signal: sig, Err: ctx.Err()})
			continue
		}

		if e.onCooldown(sig) {
			e.logger.Debug("signal skipped, symbol/action on cooldown",
				zap.String("symbol", sig.Symbol), zap.String("action", string(sig.Action)))
			continue
		}

		res := e.submitOne(ctx, sig)
		results = append(results, res)
		e.setCooldown(sig)

		if i < len(batch)-1 {
			e.pace(ctx)
		}
	}
	return results
}

func (e *Engine) onCooldown(sig types.Signal) bool {
	if sig.Bypass() {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	last, ok := e.cooldowns[cooldownKey(sig.Symbol, sig.Action)]
	return ok && time.Since(last) < e.cfg.Cooldown
}

func (e *Engine) setCooldown(sig types.Signal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cooldowns[cooldownKey(sig.Symbol, sig.Action)] = time.Now()
}

func (e *Engine) pace(ctx context.Context) {
	span := e.cfg.InterOrderDelayMax - e.cfg.InterOrderDelayMin
	delay := e.cfg.InterOrderDelayMin
	if span > 0 {
		delay += time.Duration(rand.Int63n(int64(span)))
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// orderType picks MARKET for equity/index underlyings and index options,
// and a collared LIMIT for single-stock options where slippage risk on a
// thin order book is materially higher.
func (e *Engine) orderType(sig types.Signal) types.OrderType {
	if sig.IsOption && !isIndexUnderlying(sig.Symbol) {
		return types.OrderTypeLimit
	}
	return types.OrderTypeMarket
}

func isIndexUnderlying(symbol string) bool {
	switch {
	case len(symbol) >= 5 && symbol[:5] == "NIFTY":
		return true
	case len(symbol) >= 6 && symbol[:6] == "BANKNI":
		return true
	default:
		return false
	}
}

func (e *Engine) collaredLimitPrice(sig types.Signal) decimal.Decimal {
	collar := e.cfg.StockOptionCollarPct
	one := decimal.NewFromInt(1)
	if sig.Action == types.SideBuy {
		return sig.EntryPrice.Mul(one.Add(collar))
	}
	return sig.EntryPrice.Mul(one.Sub(collar))
}

func (e *Engine) submitOne(ctx context.Context, sig types.Signal) Result {
	clientOrderID := uuid.NewString()
	tag := fmt.Sprintf("%s:%s", sig.StrategyID, clientOrderID)

	req := broker.PlaceOrderRequest{
		ClientOrderID: clientOrderID,
		Symbol:        sig.Symbol,
		Side:          sig.Action,
		Quantity:      sig.Quantity,
		Type:          e.orderType(sig),
		Product:       types.ProductMIS,
		Validity:      types.ValidityDay,
		Tag:           tag,
	}
	if req.Type == types.OrderTypeLimit {
		req.Price = e.collaredLimitPrice(sig)
	}

	order, err := broker.WithRetry(brokerRetryConfig, func() (types.BrokerOrder, error) {
		return e.client.PlaceOrder(ctx, req)
	})
	if err != nil {
		e.handleEntryFailure(sig, err)
		return Result{Signal: sig, Err: err}
	}

	res := Result{Signal: sig, Submitted: true, OrderID: order.OrderID}

	if sig.Bypass() {
		// management/closing signals are flattening or adjusting existing
		// positions; PositionTracker observes their effect via Update/Reconcile,
		// not via fresh protective-order lineage.
		return res
	}

	confirmed := order.Status == types.OrderComplete
	if !confirmed {
		confirmed = e.awaitConfirmation(ctx, order.OrderID)
	}
	if !confirmed {
		e.logger.Warn("entry order unconfirmed past timeout, skipping protective orders this cycle",
			zap.String("orderId", order.OrderID), zap.String("symbol", sig.Symbol))
		return res
	}

	e.tracker.Add(types.Position{
		Symbol: sig.Symbol, Side: sideToPosition(sig.Action), Quantity: sig.Quantity,
		EntryPrice: nonZero(order.Price, sig.EntryPrice), EntryTime: time.Now(),
		StopLoss: sig.StopLoss, Target: sig.Target, StrategyID: sig.StrategyID, IsOption: sig.IsOption,
	})

	slID, slErr := e.placeProtective(ctx, sig, tag, "SL", types.OrderTypeSLMarket, sig.StopLoss)
	tgtID, tgtErr := e.placeProtective(ctx, sig, tag, "TGT", types.OrderTypeLimit, sig.Target)

	if slErr != nil || tgtErr != nil {
		e.tracker.MarkUnprotected(sig.Symbol)
		res.Unprotected = true
		e.logger.Error("protective order placement failed after entry fill",
			zap.String("symbol", sig.Symbol), zap.Error(slErr), zap.Error(tgtErr))
	}
	res.SLOrderID, res.TargetOrderID = slID, tgtID

	p, _ := e.tracker.Get(sig.Symbol)
	p.SLOrderID, p.TargetOrderID = slID, tgtID
	e.tracker.Add(p)

	return res
}

func nonZero(a, b decimal.Decimal) decimal.Decimal {
	if a.IsZero() {
		return b
	}
	return a
}

func sideToPosition(s types.Side) types.PositionSide {
	if s == types.SideBuy {
		return types.PositionLong
	}
	return types.PositionShort
}

func oppositeSide(s types.Side) types.Side {
	if s == types.SideBuy {
		return types.SideSell
	}
	return types.SideBuy
}

func (e *Engine) placeProtective(ctx context.Context, sig types.Signal, parentTag, subTag string, orderType types.OrderType, level decimal.Decimal) (string, error) {
	if level.IsZero() {
		return "", nil
	}
	req := broker.PlaceOrderRequest{
		ClientOrderID: uuid.NewString(),
		Symbol:        sig.Symbol,
		Side:          oppositeSide(sig.Action),
		Quantity:      sig.Quantity,
		Type:          orderType,
		Product:       types.ProductMIS,
		Validity:      types.ValidityDay,
		Tag:           parentTag + ":" + subTag,
	}
	if orderType == types.OrderTypeSLMarket {
		req.Trigger = level
	} else {
		req.Price = level
	}
	order, err := broker.WithRetry(brokerRetryConfig, func() (types.BrokerOrder, error) {
		return e.client.PlaceOrder(ctx, req)
	})
	if err != nil {
		return "", err
	}
	return order.OrderID, nil
}

// awaitConfirmation polls the broker for the entry order reaching
// COMPLETE, up to Config.ConfirmTimeout, before giving up on protective
// orders for this entry. Nothing places them later: PositionTracker.Reconcile
// adopts the broker's position as unprotected and places no orders.
func (e *Engine) awaitConfirmation(ctx context.Context, orderID string) bool {
	deadline := time.Now().Add(e.cfg.ConfirmTimeout)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
		orders, err := e.client.Orders(ctx)
		if err != nil {
			continue
		}
		for _, o := range orders {
			if o.OrderID == orderID && o.Status == types.OrderComplete {
				return true
			}
		}
	}
	return false
}

func (e *Engine) handleEntryFailure(sig types.Signal, err error) {
	switch {
	case errors.Is(err, broker.ErrBrokerReject):
		e.logger.Error("order rejected by broker, no retry",
			zap.String("symbol", sig.Symbol), zap.Error(err))
	case errors.Is(err, ratelimit.ErrRateLimited):
		e.logger.Warn("order placement throttled, rate limiter saturated",
			zap.String("symbol", sig.Symbol), zap.Error(err))
	default:
		e.logger.Error("order placement failed",
			zap.String("symbol", sig.Symbol), zap.Error(err))
	}
	if e.bus != nil {
		e.bus.Publish(telemetry.NewRiskAlertEvent(time.Now(), "order_failed", "warning", sig.Symbol, err.Error()))
	}
}

var brokerRetryConfig = utils.RetryConfig{MaxAttempts: 2, InitialDelay: 200 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2.0}
