// Package execmodel provides the paper-trading execution cost model (A5):
// commission, bid-ask spread, slippage and Almgren-Chriss market impact,
// adapted from the teacher's internal/execution/execution_model.go with
// the crypto-only MEV term dropped (no MEV exists on NSE/NFO) and the
// commission/spread/slippage bands recalibrated to the teacher's own
// StockExecutionModelConfig rather than its crypto defaults.
package execmodel

import (
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-quant/intraday-orchestrator/pkg/types"
)

// Config tunes the cost model's component coefficients.
type Config struct {
	CommissionRate   decimal.Decimal
	CommissionMin    decimal.Decimal
	CommissionMax    decimal.Decimal
	BaseSlippageBps  decimal.Decimal
	VolatilityFactor decimal.Decimal
	BaseSpreadBps    decimal.Decimal
	SpreadVolFactor  decimal.Decimal
	PermanentImpact  decimal.Decimal
	TemporaryImpact  decimal.Decimal
	LinearImpact     decimal.Decimal
	BaseLatencyMs    int64
	LatencyJitterMs  int64
}

// DefaultConfig mirrors the teacher's StockExecutionModelConfig: tight
// spreads and low slippage relative to its crypto/MEV defaults.
func DefaultConfig() Config {
	return Config{
		CommissionRate:   decimal.NewFromFloat(0.0001),
		CommissionMin:    decimal.NewFromFloat(1),
		CommissionMax:    decimal.NewFromFloat(50),
		BaseSlippageBps:  decimal.NewFromFloat(2),
		VolatilityFactor: decimal.NewFromFloat(0.3),
		BaseSpreadBps:    decimal.NewFromFloat(5),
		SpreadVolFactor:  decimal.NewFromFloat(0.2),
		PermanentImpact:  decimal.NewFromFloat(0.05),
		TemporaryImpact:  decimal.NewFromFloat(0.02),
		LinearImpact:     decimal.NewFromFloat(0.005),
		BaseLatencyMs:    10,
		LatencyJitterMs:  5,
	}
}

// OptionsConfig widens spread/slippage/impact for the thinner options
// order book, matching §4.9's LIMIT-with-collar treatment of option legs.
func OptionsConfig() Config {
	c := DefaultConfig()
	c.BaseSlippageBps = decimal.NewFromFloat(8)
	c.BaseSpreadBps = decimal.NewFromFloat(25)
	c.PermanentImpact = decimal.NewFromFloat(0.15)
	c.TemporaryImpact = decimal.NewFromFloat(0.08)
	return c
}

// Model simulates realistic paper-trading fills for the BrokerClient.
type Model struct {
	logger *zap.Logger
	cfg    Config

	mu              sync.Mutex
	totalCommission decimal.Decimal
	totalSlippage   decimal.Decimal
	totalImpact     decimal.Decimal
	count           int64
}

// New builds a Model from cfg.
func New(logger *zap.Logger, cfg Config) *Model {
	return &Model{logger: logger.Named("execmodel"), cfg: cfg}
}

// Order is the minimal order shape the model needs; BrokerClient
// constructs it from the order it is about to fill.
type Order struct {
	Side     types.Side
	Quantity decimal.Decimal
}

// MarketContext carries the pricing/liquidity inputs for one fill.
type MarketContext struct {
	Price      decimal.Decimal
	BidPrice   decimal.Decimal
	AskPrice   decimal.Decimal
	Volume     decimal.Decimal
	Volatility decimal.Decimal
}

// Result is the simulated outcome of one order fill.
type Result struct {
	FillPrice    decimal.Decimal
	Commission   decimal.Decimal
	Slippage     decimal.Decimal
	Spread       decimal.Decimal
	MarketImpact decimal.Decimal
	TotalCost    decimal.Decimal
	LatencyMs    int64
	ExecutedAt   time.Time
}

// Simulate computes a fill price and cost breakdown for order against market.
func (m *Model) Simulate(order Order, market MarketContext) Result {
	res := Result{ExecutedAt: time.Now()}

	res.Commission = m.commission(order, market)
	res.Spread = m.spreadCost(order, market)
	res.Slippage = m.slippage(order, market)
	res.MarketImpact = m.marketImpact(order, market)
	res.TotalCost = res.Commission.Add(res.Spread).Add(res.Slippage).Add(res.MarketImpact)
	res.FillPrice = m.fillPrice(order, market, res)
	res.LatencyMs = m.cfg.BaseLatencyMs + m.cfg.LatencyJitterMs/2

	m.mu.Lock()
	m.totalCommission = m.totalCommission.Add(res.Commission)
	m.totalSlippage = m.totalSlippage.Add(res.Slippage)
	m.totalImpact = m.totalImpact.Add(res.MarketImpact)
	m.count++
	m.mu.Unlock()

	return res
}

func (m *Model) commission(order Order, market MarketContext) decimal.Decimal {
	notional := market.Price.Mul(order.Quantity)
	c := notional.Mul(m.cfg.CommissionRate)
	if c.LessThan(m.cfg.CommissionMin) {
		c = m.cfg.CommissionMin
	}
	if c.GreaterThan(m.cfg.CommissionMax) {
		c = m.cfg.CommissionMax
	}
	return c
}

func (m *Model) spreadCost(order Order, market MarketContext) decimal.Decimal {
	var spreadBps decimal.Decimal
	if !market.BidPrice.IsZero() && !market.AskPrice.IsZero() {
		spread := market.AskPrice.Sub(market.BidPrice)
		mid := market.BidPrice.Add(market.AskPrice).Div(decimal.NewFromInt(2))
		if !mid.IsZero() {
			spreadBps = spread.Div(mid).Mul(decimal.NewFromInt(10000))
		}
	} else {
		spreadBps = m.cfg.BaseSpreadBps
		if !market.Volatility.IsZero() {
			spreadBps = spreadBps.Mul(decimal.NewFromInt(1).Add(market.Volatility.Mul(m.cfg.SpreadVolFactor)))
		}
	}
	half := spreadBps.Div(decimal.NewFromInt(2))
	notional := market.Price.Mul(order.Quantity)
	return notional.Mul(half).Div(decimal.NewFromInt(10000))
}

func (m *Model) slippage(order Order, market MarketContext) decimal.Decimal {
	bps := m.cfg.BaseSlippageBps
	if !market.Volatility.IsZero() {
		bps = bps.Mul(decimal.NewFromInt(1).Add(market.Volatility.Mul(m.cfg.VolatilityFactor)))
	}
	if !market.Volume.IsZero() {
		participation := order.Quantity.Div(market.Volume)
		pf, _ := participation.Float64()
		if pf > 0 {
			bps = bps.Mul(decimal.NewFromInt(1).Add(decimal.NewFromFloat(math.Sqrt(pf))))
		}
	}
	notional := market.Price.Mul(order.Quantity)
	return notional.Mul(bps).Div(decimal.NewFromInt(10000))
}

// marketImpact implements the Almgren-Chriss components the teacher uses:
// gamma*sigma*sqrt(participation) permanent + eta*participation temporary
// + a small linear term, scaled by notional.
func (m *Model) marketImpact(order Order, market MarketContext) decimal.Decimal {
	if market.Volume.IsZero() {
		return decimal.Zero
	}
	participation := order.Quantity.Div(market.Volume)
	pf, _ := participation.Float64()
	if pf <= 0 {
		return decimal.Zero
	}
	vol, _ := market.Volatility.Float64()
	if vol <= 0 {
		vol = 0.20
	}
	gamma, _ := m.cfg.PermanentImpact.Float64()
	eta, _ := m.cfg.TemporaryImpact.Float64()
	linear, _ := m.cfg.LinearImpact.Float64()

	total := gamma*vol*math.Sqrt(pf) + eta*pf + linear*pf
	notional := market.Price.Mul(order.Quantity)
	return notional.Mul(decimal.NewFromFloat(total))
}

func (m *Model) fillPrice(order Order, market MarketContext, res Result) decimal.Decimal {
	base := market.Price
	if order.Side == types.SideBuy && !market.AskPrice.IsZero() {
		base = market.AskPrice
	} else if order.Side == types.SideSell && !market.BidPrice.IsZero() {
		base = market.BidPrice
	}
	notional := base.Mul(order.Quantity)
	if notional.IsZero() {
		return base
	}
	costs := res.Slippage.Add(res.MarketImpact)
	ratio := costs.Div(notional)
	if order.Side == types.SideBuy {
		return base.Mul(decimal.NewFromInt(1).Add(ratio))
	}
	return base.Mul(decimal.NewFromInt(1).Sub(ratio))
}

// Stats is a point-in-time snapshot of accumulated cost totals.
type Stats struct {
	Count           int64
	TotalCommission decimal.Decimal
	TotalSlippage   decimal.Decimal
	TotalImpact     decimal.Decimal
}

// Snapshot returns the model's running cost totals.
func (m *Model) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{Count: m.count, TotalCommission: m.totalCommission, TotalSlippage: m.totalSlippage, TotalImpact: m.totalImpact}
}
