// Package positiontracker implements PositionTracker (C11): the
// exclusive owner of live Position records, adapted from the teacher's
// ManagedOrder/OrderManager lifecycle bookkeeping in
// internal/execution/order_manager.go, generalized from order-centric
// tracking into the specification's position-centric add/update/modify_sl
// /mark_partial/remove/snapshot/reconcile API.
package positiontracker

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-quant/intraday-orchestrator/internal/telemetry"
	"github.com/atlas-quant/intraday-orchestrator/pkg/types"
)

// FillEvent carries a broker fill applied to an existing position.
type FillEvent struct {
	Quantity   int64 // signed: positive adds to the position's side, negative reduces it
	FillPrice  decimal.Decimal
	FilledAt   time.Time
}

// Tracker is PositionTracker (C11). All mutation methods are
// synchronized; Snapshot returns copies so callers never observe
// in-progress mutation and never hold a reference into tracker state.
type Tracker struct {
	logger *zap.Logger
	bus    *telemetry.EventBus

	mu        sync.RWMutex
	positions map[string]types.Position
}

// New creates an empty Tracker.
func New(logger *zap.Logger, bus *telemetry.EventBus) *Tracker {
	return &Tracker{
		logger:    logger.Named("positiontracker"),
		bus:       bus,
		positions: make(map[string]types.Position),
	}
}

// Add registers a brand-new position. Overwrites any existing record for
// the same symbol (the orchestrator must not call Add for a symbol that
// already has an open position; PortfolioGate's duplicate-position check
// exists precisely to prevent that).
func (t *Tracker) Add(p types.Position) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.positions[p.Symbol] = p
}

// Update applies a fill to an existing position, closing (removing) it if
// the net quantity reaches zero.
func (t *Tracker) Update(symbol string, fill FillEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.positions[symbol]
	if !ok {
		t.logger.Warn("fill for unknown position", zap.String("symbol", symbol))
		return
	}

	signedExisting := p.Quantity
	if p.Side == types.PositionShort {
		signedExisting = -signedExisting
	}
	signedNext := signedExisting + fill.Quantity
	if signedNext == 0 {
		delete(t.positions, symbol)
		return
	}
	if signedNext > 0 {
		p.Side = types.PositionLong
		p.Quantity = signedNext
	} else {
		p.Side = types.PositionShort
		p.Quantity = -signedNext
	}
	t.positions[symbol] = p
}

// ModifySL records a new protective stop order id and level after a
// successful broker modify_order, and only if the caller already verified
// the new level strictly improves the old one (PositionMonitor's job).
func (t *Tracker) ModifySL(symbol string, newSL decimal.Decimal, newOrderID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.positions[symbol]
	if !ok {
		return
	}
	p.StopLoss = newSL
	p.SLOrderID = newOrderID
	t.positions[symbol] = p
}

// MarkPartial flags that the first target touch's partial booking has
// executed and shrinks the tracked quantity by the booked amount, so a
// later target touch on the remainder flattens only what is still open.
func (t *Tracker) MarkPartial(symbol string, bookedQty int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.positions[symbol]
	if !ok {
		return
	}
	p.PartialBooked = true
	p.Quantity -= bookedQty
	if p.Quantity < 0 {
		p.Quantity = 0
	}
	t.positions[symbol] = p
}

// MarkUnprotected flags a position whose protective orders failed to
// place after an entry fill — the critical condition §4.9 describes.
func (t *Tracker) MarkUnprotected(symbol string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.positions[symbol]
	if !ok {
		return
	}
	p.Unprotected = true
	t.positions[symbol] = p
	if t.bus != nil {
		t.bus.Publish(telemetry.NewRiskAlertEvent(time.Now(), "unprotected_position", "critical", symbol,
			"protective orders failed to place after entry fill"))
	}
}

// UpdateMaxFavorableExcursion records the best unrealized-profit level
// seen so far, input to the trailing-stop computation in PositionMonitor.
func (t *Tracker) UpdateMaxFavorableExcursion(symbol string, mfe decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.positions[symbol]
	if !ok || mfe.LessThanOrEqual(p.MaxFavorableExcursion) {
		return
	}
	p.MaxFavorableExcursion = mfe
	t.positions[symbol] = p
}

// Remove deletes a position record outright (used after a confirmed full
// flatten, bypassing the signed-quantity bookkeeping in Update).
func (t *Tracker) Remove(symbol string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.positions, symbol)
}

// Get returns a copy of one position, if present.
func (t *Tracker) Get(symbol string) (types.Position, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.positions[symbol]
	return p, ok
}

// Snapshot returns copies of every live position — the only form in
// which strategies and PositionMonitor are allowed to observe tracker state.
func (t *Tracker) Snapshot() []types.Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]types.Position, 0, len(t.positions))
	for _, p := range t.positions {
		out = append(out, p)
	}
	return out
}

// Reconcile compares the broker's reported positions to the local set.
// Broker wins on any divergence: quantities are corrected to match, and
// local-only ("phantom") or broker-only positions are flagged via
// telemetry rather than silently dropped or fabricated. Reconcile never
// places protective orders; it only adjusts bookkeeping.
func (t *Tracker) Reconcile(brokerPositions []types.BrokerPosition) {
	t.mu.Lock()
	defer t.mu.Unlock()

	brokerBySymbol := make(map[string]types.BrokerPosition, len(brokerPositions))
	for _, bp := range brokerPositions {
		brokerBySymbol[bp.Symbol] = bp
	}

	for symbol, local := range t.positions {
		bp, ok := brokerBySymbol[symbol]
		if !ok {
			t.logger.Warn("phantom local position absent from broker, removing",
				zap.String("symbol", symbol), zap.Int64("local_quantity", local.Quantity))
			if t.bus != nil {
				t.bus.Publish(telemetry.NewRiskAlertEvent(time.Now(), "phantom_position", "warning", symbol,
					"local position has no broker-side counterpart, removed on reconcile"))
			}
			delete(t.positions, symbol)
			continue
		}
		if bp.Quantity != local.Quantity || bp.Side != local.Side {
			t.logger.Warn("position quantity diverged from broker, correcting",
				zap.String("symbol", symbol), zap.Int64("local", local.Quantity), zap.Int64("broker", bp.Quantity))
			if t.bus != nil {
				t.bus.Publish(telemetry.NewRiskAlertEvent(time.Now(), "position_divergence", "warning", symbol,
					"local/broker quantity mismatch corrected in favor of broker"))
			}
			local.Quantity = bp.Quantity
			local.Side = bp.Side
			t.positions[symbol] = local
		}
	}

	for symbol, bp := range brokerBySymbol {
		if _, ok := t.positions[symbol]; !ok {
			t.logger.Warn("broker position with no local record, adopting",
				zap.String("symbol", symbol), zap.Int64("quantity", bp.Quantity))
			t.positions[symbol] = types.Position{
				Symbol: symbol, Side: bp.Side, Quantity: bp.Quantity,
				EntryPrice: bp.EntryPrice, EntryTime: time.Now(), Unprotected: true,
			}
			if t.bus != nil {
				t.bus.Publish(telemetry.NewRiskAlertEvent(time.Now(), "unmanaged_broker_position", "critical", symbol,
					"broker position adopted with no protective orders; treat as unprotected"))
			}
		}
	}
}
