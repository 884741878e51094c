// Package positionmonitor implements PositionMonitor (C12): an
// independent periodic loop that manages live positions without
// going through strategy/gate/dedup — trailing stops, partial booking,
// time-based exits, and the account-level emergency flatten. Grounded
// on the teacher's periodic risk-sweep loop in
// internal/execution/risk_manager.go, generalized from a single
// drawdown-kill-switch check into the specification's §4.11 rules.
package positionmonitor

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-quant/intraday-orchestrator/internal/broker"
	"github.com/atlas-quant/intraday-orchestrator/internal/cache"
	"github.com/atlas-quant/intraday-orchestrator/internal/positiontracker"
	"github.com/atlas-quant/intraday-orchestrator/internal/telemetry"
	"github.com/atlas-quant/intraday-orchestrator/pkg/types"
)

// Config tunes the monitor loop's cadence and thresholds.
type Config struct {
	Period                 time.Duration
	TrailTriggerProfitPct   decimal.Decimal // profit_pct at which trailing starts (10)
	TrailRatio              decimal.Decimal // 0.5
	PartialBookRatio        decimal.Decimal // fraction of qty booked at first target touch (0.5)
	PartialBookTrailRatio   decimal.Decimal // stop raise ratio after partial (0.3)
	URGENTCloseClock        string          // "15:15"
	SquareOffClock          string          // "15:20"
	EmergencyLossPct        decimal.Decimal // -3% of capital
}

// DefaultConfig matches the specification's stated defaults.
func DefaultConfig() Config {
	return Config{
		Period:                5 * time.Second,
		TrailTriggerProfitPct: decimal.NewFromInt(10),
		TrailRatio:            decimal.NewFromFloat(0.5),
		PartialBookRatio:      decimal.NewFromFloat(0.5),
		PartialBookTrailRatio: decimal.NewFromFloat(0.3),
		URGENTCloseClock:      "15:15",
		SquareOffClock:        "15:20",
		EmergencyLossPct:      decimal.NewFromInt(3),
	}
}

// AccountSnapshot carries the capital/PnL figures needed for the
// account-level emergency exit check.
type AccountSnapshot struct {
	Capital            decimal.Decimal
	RealizedPnLToday   decimal.Decimal
	UnrealizedPnLToday decimal.Decimal
}

// Monitor is PositionMonitor (C12).
type Monitor struct {
	logger  *zap.Logger
	client  broker.Client
	tracker *positiontracker.Tracker
	cache   *cache.Cache
	bus     *telemetry.EventBus
	cfg     Config

	accountFn func() AccountSnapshot

	mu          sync.Mutex
	urgentClose bool
}

// New constructs a Monitor. accountFn supplies the latest capital/PnL
// snapshot on each cycle (owned by the orchestrator, not the monitor).
func New(logger *zap.Logger, client broker.Client, tracker *positiontracker.Tracker, c *cache.Cache, bus *telemetry.EventBus, cfg Config, accountFn func() AccountSnapshot) *Monitor {
	return &Monitor{
		logger: logger.Named("positionmonitor"), client: client, tracker: tracker,
		cache: c, bus: bus, cfg: cfg, accountFn: accountFn,
	}
}

// Run loops at Config.Period until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// URGENTCloseActive reports whether the loop has already entered
// urgent-close mode this session; the orchestrator consults this to
// suppress new entries without duplicating the clock check.
func (m *Monitor) URGENTCloseActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.urgentClose
}

// Sweep runs one monitoring pass over all tracked positions. Exported
// so tests can drive a deterministic pass without waiting on the ticker.
func (m *Monitor) Sweep(ctx context.Context) {
	now := time.Now()

	if account := m.accountFn(); !account.Capital.IsZero() {
		lossPct := account.RealizedPnLToday.Add(account.UnrealizedPnLToday).Neg().
			Div(account.Capital).Mul(decimal.NewFromInt(100))
		if lossPct.GreaterThanOrEqual(m.cfg.EmergencyLossPct) {
			m.logger.Error("account-level emergency loss threshold breached, flattening all positions",
				zap.String("loss_pct", lossPct.String()))
			m.FlattenAll(ctx, "emergency_loss")
			return
		}
	}

	if clockAtOrAfter(now, m.cfg.SquareOffClock) {
		m.FlattenAll(ctx, "mandatory_square_off")
		return
	}

	if clockAtOrAfter(now, m.cfg.URGENTCloseClock) {
		m.mu.Lock()
		m.urgentClose = true
		m.mu.Unlock()
	}

	for _, p := range m.tracker.Snapshot() {
		m.manageOne(ctx, p, now)
	}
}

func clockAtOrAfter(now time.Time, clock string) bool {
	t, err := time.ParseInLocation("15:04", clock, now.Location())
	if err != nil {
		return false
	}
	boundary := time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), 0, 0, now.Location())
	return !now.Before(boundary)
}

func (m *Monitor) latest(symbol string) (decimal.Decimal, bool) {
	if tick, age, ok := m.cache.Latest(symbol); ok && !m.cache.IsStale(age) {
		return tick.LTP, true
	}
	if ltp, err := m.client.LTP(context.Background(), symbol); err == nil {
		return ltp, true
	}
	return decimal.Zero, false
}

func profitPct(p types.Position, current decimal.Decimal) decimal.Decimal {
	if p.EntryPrice.IsZero() {
		return decimal.Zero
	}
	diff := current.Sub(p.EntryPrice)
	if p.Side == types.PositionShort {
		diff = diff.Neg()
	}
	return diff.Div(p.EntryPrice).Mul(decimal.NewFromInt(100))
}

func (m *Monitor) manageOne(ctx context.Context, p types.Position, now time.Time) {
	current, ok := m.latest(p.Symbol)
	if !ok {
		return
	}
	pct := profitPct(p, current)
	m.tracker.UpdateMaxFavorableExcursion(p.Symbol, pct)

	if m.cfg.URGENTCloseClock != "" && clockAtOrAfter(now, m.cfg.URGENTCloseClock) {
		m.flattenOne(ctx, p, "urgent_close")
		return
	}

	if pct.GreaterThanOrEqual(m.cfg.TrailTriggerProfitPct) {
		m.trailStop(ctx, p, current)
	}

	if p.Target.GreaterThan(decimal.Zero) && targetTouched(p, current) {
		if !p.PartialBooked {
			m.bookPartial(ctx, p, current)
		} else {
			m.flattenOne(ctx, p, "target_remainder")
		}
	}
}

func targetTouched(p types.Position, current decimal.Decimal) bool {
	if p.Side == types.PositionLong {
		return current.GreaterThanOrEqual(p.Target)
	}
	return current.LessThanOrEqual(p.Target)
}

func (m *Monitor) trailStop(ctx context.Context, p types.Position, current decimal.Decimal) {
	var trail decimal.Decimal
	if p.Side == types.PositionLong {
		trail = p.EntryPrice.Add(current.Sub(p.EntryPrice).Mul(m.cfg.TrailRatio))
		if trail.LessThanOrEqual(p.StopLoss) {
			return
		}
	} else {
		trail = p.EntryPrice.Sub(p.EntryPrice.Sub(current).Mul(m.cfg.TrailRatio))
		if p.StopLoss.GreaterThan(decimal.Zero) && trail.GreaterThanOrEqual(p.StopLoss) {
			return
		}
	}

	if p.SLOrderID == "" {
		return
	}
	order, err := m.client.ModifyOrder(ctx, p.SLOrderID, decimal.Zero, trail, p.Quantity)
	if err != nil {
		m.logger.Warn("trailing stop modify failed, retrying next cycle",
			zap.String("symbol", p.Symbol), zap.Error(err))
		return
	}
	m.tracker.ModifySL(p.Symbol, trail, order.OrderID)
}

func (m *Monitor) bookPartial(ctx context.Context, p types.Position, current decimal.Decimal) {
	bookQty := decimal.NewFromInt(p.Quantity).Mul(m.cfg.PartialBookRatio).Round(0).IntPart()
	if bookQty <= 0 {
		return
	}
	sig := managementSignal(p.Symbol, oppositeSide(p.Side), bookQty)
	if err := m.submitManagement(ctx, sig); err != nil {
		m.logger.Warn("partial booking order failed", zap.String("symbol", p.Symbol), zap.Error(err))
		return
	}
	m.tracker.MarkPartial(p.Symbol, bookQty)

	var newStop decimal.Decimal
	if p.Side == types.PositionLong {
		newStop = p.EntryPrice.Add(current.Sub(p.EntryPrice).Mul(m.cfg.PartialBookTrailRatio))
	} else {
		newStop = p.EntryPrice.Sub(p.EntryPrice.Sub(current).Mul(m.cfg.PartialBookTrailRatio))
	}
	if p.SLOrderID != "" {
		if order, err := m.client.ModifyOrder(ctx, p.SLOrderID, decimal.Zero, newStop, p.Quantity-bookQty); err == nil {
			m.tracker.ModifySL(p.Symbol, newStop, order.OrderID)
		}
	}
}

func oppositeSide(side types.PositionSide) types.Side {
	if side == types.PositionLong {
		return types.SideSell
	}
	return types.SideBuy
}

func managementSignal(symbol string, action types.Side, qty int64) broker.PlaceOrderRequest {
	return broker.PlaceOrderRequest{
		Symbol: symbol, Side: action, Quantity: qty, Type: types.OrderTypeMarket,
		Product: types.ProductMIS, Validity: types.ValidityDay, Tag: "monitor:close",
	}
}

func (m *Monitor) submitManagement(ctx context.Context, req broker.PlaceOrderRequest) error {
	_, err := m.client.PlaceOrder(ctx, req)
	return err
}

func (m *Monitor) flattenOne(ctx context.Context, p types.Position, reason string) {
	req := managementSignal(p.Symbol, oppositeSide(p.Side), p.Quantity)
	req.Tag = "monitor:" + reason
	if p.SLOrderID != "" {
		_ = m.client.CancelOrder(ctx, p.SLOrderID)
	}
	if p.TargetOrderID != "" {
		_ = m.client.CancelOrder(ctx, p.TargetOrderID)
	}
	if err := m.submitManagement(ctx, req); err != nil {
		m.logger.Error("flatten order failed", zap.String("symbol", p.Symbol), zap.String("reason", reason), zap.Error(err))
		return
	}
	m.tracker.Remove(p.Symbol)
	if m.bus != nil {
		m.bus.Publish(telemetry.NewRiskAlertEvent(time.Now(), reason, "critical", p.Symbol, "position flattened by monitor"))
	}
}

// FlattenAll closes every tracked position, tagging each flatten order
// with reason. Exported so the orchestrator can trigger it directly on
// shutdown when flatten_on_shutdown is set, without depending on the
// rest of Monitor's surface.
func (m *Monitor) FlattenAll(ctx context.Context, reason string) {
	for _, p := range m.tracker.Snapshot() {
		m.flattenOne(ctx, p, reason)
	}
}
