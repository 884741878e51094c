// Package types provides shared domain types for the intraday orchestrator.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Segment identifies which exchange segment a symbol trades on.
type Segment string

const (
	SegmentEquityNSE Segment = "EQ_NSE"
	SegmentFnONFO    Segment = "FO_NFO"
)

// Side is the transaction direction of a signal or order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// PositionSide is the net direction of a held position.
type PositionSide string

const (
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
)

// OrderType mirrors the broker's order-type vocabulary.
type OrderType string

const (
	OrderTypeMarket    OrderType = "MKT"
	OrderTypeLimit     OrderType = "LIMIT"
	OrderTypeSL        OrderType = "SL"
	OrderTypeSLMarket  OrderType = "SL-M"
)

// OrderStatus is the broker-reflected lifecycle state of an order.
type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderOpen      OrderStatus = "OPEN"
	OrderTriggered OrderStatus = "TRIGGERED"
	OrderComplete  OrderStatus = "COMPLETE"
	OrderCancelled OrderStatus = "CANCELLED"
	OrderRejected  OrderStatus = "REJECTED"
)

// Product and Validity are required fields on place_order per the broker contract.
type Product string

const (
	ProductMIS  Product = "MIS"
	ProductNRML Product = "NRML"
)

type Validity string

const (
	ValidityDay Validity = "DAY"
	ValidityIOC Validity = "IOC"
)

// Bias is the directional read of the benchmark index.
type Bias string

const (
	BiasBullish Bias = "BULLISH"
	BiasBearish Bias = "BEARISH"
	BiasNeutral Bias = "NEUTRAL"
)

// MoveZone partitions today's cumulative move relative to recent volatility.
type MoveZone string

const (
	ZoneEarly    MoveZone = "EARLY"
	ZoneNormal   MoveZone = "NORMAL"
	ZoneExtended MoveZone = "EXTENDED"
	ZoneExtreme  MoveZone = "EXTREME"
)

// MRAction is the table-driven recommendation for chase vs fade entries.
type MRAction string

const (
	ActionTrendFollow MRAction = "TREND_FOLLOW"
	ActionCaution     MRAction = "CAUTION"
	ActionFade        MRAction = "FADE"
	ActionBlockChase  MRAction = "BLOCK_CHASE"
)

// RegimeRating coarsens strength/zone into the band the strategy toolkit
// uses for R:R selection (RANGING / MODERATE / TRENDING).
type RegimeRating string

const (
	RegimeRanging  RegimeRating = "RANGING"
	RegimeModerate RegimeRating = "MODERATE"
	RegimeTrending RegimeRating = "TRENDING"
)

// BarSize names a supported aggregation window for HistoryRing.
type BarSize string

const (
	Bar1m BarSize = "1m"
	Bar5m BarSize = "5m"
)

// Symbol is a registered, immutable instrument identity.
type Symbol struct {
	Name     string          `json:"name"`
	Segment  Segment         `json:"segment"`
	LotSize  int64           `json:"lotSize"`
	TickSize decimal.Decimal `json:"tickSize"`
}

// Tick is the latest trade/quote state for a symbol.
type Tick struct {
	Symbol    string          `json:"symbol"`
	LTP       decimal.Decimal `json:"ltp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	ClosePrev decimal.Decimal `json:"closePrev"`
	Volume    decimal.Decimal `json:"volume"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	OI        *decimal.Decimal `json:"oi,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Valid reports whether the tick satisfies the low<=ltp<=high invariant.
func (t Tick) Valid() bool {
	return t.Low.LessThanOrEqual(t.LTP) && t.LTP.LessThanOrEqual(t.High)
}

// Bar is one closed OHLCV candle in a HistoryRing.
type Bar struct {
	Start  time.Time       `json:"start"`
	Size   BarSize         `json:"size"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume decimal.Decimal `json:"volume"`
}

// Regime is the recomputed-per-tick characterization of the benchmark index.
type Regime struct {
	Bias      Bias         `json:"bias"`
	Strength  decimal.Decimal `json:"strength"`
	MoveZone  MoveZone     `json:"moveZone"`
	MRAction  MRAction     `json:"mrAction"`
	Rating    RegimeRating `json:"rating"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// Signal is a transient trade proposal emitted by a strategy.
type Signal struct {
	Symbol           string          `json:"symbol"`
	Action           Side            `json:"action"`
	EntryPrice       decimal.Decimal `json:"entryPrice"`
	StopLoss         decimal.Decimal `json:"stopLoss"`
	Target           decimal.Decimal `json:"target"`
	Quantity         int64           `json:"quantity"`
	Confidence       decimal.Decimal `json:"confidence"`
	StrategyID       string          `json:"strategyId"`
	GeneratedAt      time.Time       `json:"generatedAt"`
	Tag              string          `json:"tag"`
	ManagementAction bool            `json:"managementAction"`
	ClosingAction    bool            `json:"closingAction"`
	IsOption         bool            `json:"isOption"`
}

// Bypass reports whether the signal skips dedup/quality/symbol filtering.
func (s Signal) Bypass() bool {
	return s.ManagementAction || s.ClosingAction
}

// Position is the exclusive, PositionTracker-owned record of a live holding.
type Position struct {
	Symbol                string          `json:"symbol"`
	Side                  PositionSide    `json:"side"`
	Quantity              int64           `json:"quantity"`
	EntryPrice            decimal.Decimal `json:"entryPrice"`
	EntryTime             time.Time       `json:"entryTime"`
	StopLoss              decimal.Decimal `json:"stopLoss"`
	Target                decimal.Decimal `json:"target"`
	SLOrderID             string          `json:"slOrderId,omitempty"`
	TargetOrderID         string          `json:"targetOrderId,omitempty"`
	PartialBooked         bool            `json:"partialBooked"`
	MaxFavorableExcursion decimal.Decimal `json:"maxFavorableExcursion"`
	StrategyID            string          `json:"strategyId"`
	Unprotected           bool            `json:"unprotected"`
	SLModStuck            bool            `json:"slModStuck"`
	IsOption              bool            `json:"isOption"`
}

// BrokerOrder is the broker-reflected state of a placed order.
type BrokerOrder struct {
	OrderID       string          `json:"orderId"`
	ClientOrderID string          `json:"clientOrderId"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Quantity      int64           `json:"quantity"`
	Type          OrderType       `json:"type"`
	Trigger       decimal.Decimal `json:"trigger,omitempty"`
	Price         decimal.Decimal `json:"price,omitempty"`
	Status        OrderStatus     `json:"status"`
	Tag           string          `json:"tag"`
	Product       Product         `json:"product"`
	Validity      Validity        `json:"validity"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// BrokerPosition is the broker's view of a net position, used for reconciliation.
type BrokerPosition struct {
	Symbol     string          `json:"symbol"`
	Side       PositionSide    `json:"side"`
	Quantity   int64           `json:"quantity"`
	EntryPrice decimal.Decimal `json:"entryPrice"`
}

// Margin is the broker's current capital/margin snapshot.
type Margin struct {
	AvailableCash decimal.Decimal `json:"availableCash"`
	UsedMargin    decimal.Decimal `json:"usedMargin"`
	Capital       decimal.Decimal `json:"capital"`
}

// OptionLeg is one strike/expiry row of an option_chain() response.
type OptionLeg struct {
	Symbol        string          `json:"symbol"`
	Strike        decimal.Decimal `json:"strike"`
	Expiry        time.Time       `json:"expiry"`
	IsCall        bool            `json:"isCall"`
	LTP           decimal.Decimal `json:"ltp"`
	Bid           decimal.Decimal `json:"bid"`
	Ask           decimal.Decimal `json:"ask"`
	OI            decimal.Decimal `json:"oi"`
	ImpliedVol    decimal.Decimal `json:"impliedVol"`
}

// Chain is the option_chain() response for one underlying+expiry.
type Chain struct {
	Underlying string      `json:"underlying"`
	Expiry     time.Time   `json:"expiry"`
	Spot       decimal.Decimal `json:"spot"`
	Legs       []OptionLeg `json:"legs"`
}

// ExecutionRecord is the idempotency key stored per (date,symbol,action).
type ExecutionRecord struct {
	Date                  string    `json:"date"`
	Symbol                string    `json:"symbol"`
	Action                Side      `json:"action"`
	Tag                   string    `json:"tag"`
	BucketTimestampMinute int64     `json:"bucketTimestampMinute"`
	BrokerOrderID         string    `json:"brokerOrderId,omitempty"`
	RecordedAt            time.Time `json:"recordedAt"`
}

// TradeRecord is one row written to the analytics position store (§6).
type TradeRecord struct {
	TradeID       string          `json:"tradeId"`
	UserID        string          `json:"userId"`
	Symbol        string          `json:"symbol"`
	Side          Side            `json:"side"`
	Quantity      int64           `json:"quantity"`
	EntryPrice    decimal.Decimal `json:"entryPrice"`
	Stop          decimal.Decimal `json:"stop"`
	Target        decimal.Decimal `json:"target"`
	BrokerOrderID string          `json:"brokerOrderId"`
	StrategyID    string          `json:"strategyId"`
	Tag           string          `json:"tag"`
	GeneratedAt   time.Time       `json:"generatedAt"`
	SubmittedAt   time.Time       `json:"submittedAt"`
	FilledAt      *time.Time      `json:"filledAt,omitempty"`
	Status        OrderStatus     `json:"status"`
	PnL           *decimal.Decimal `json:"pnl,omitempty"`
}

// HistoryReq is one entry of a strategy's warmup_requirements() response.
type HistoryReq struct {
	Symbol string
	Size   BarSize
	Bars   int
}
