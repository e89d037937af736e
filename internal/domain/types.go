// Package domain defines the core types shared across the trading engine:
// orders, fills, positions, account state, and market-data bars.
package domain

import "time"

// Market identifies a trading venue's market.
type Market string

const (
	MarketUS Market = "us"
	MarketCN Market = "cn"
)

// OrderSide is the direction of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Opposite returns the other side.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderType is the execution type of an order.
type OrderType string

const (
	OrderTypeMarket       OrderType = "market"
	OrderTypeLimit        OrderType = "limit"
	OrderTypeStop         OrderType = "stop"
	OrderTypeStopLimit    OrderType = "stop_limit"
	OrderTypeTrailingStop OrderType = "trailing_stop"
)

// TimeInForce controls how long an order remains active.
type TimeInForce string

const (
	TimeInForceDay TimeInForce = "day"
	TimeInForceGTC TimeInForce = "gtc"
	TimeInForceIOC TimeInForce = "ioc"
	TimeInForceFOK TimeInForce = "fok"
)

// OrderClass distinguishes simple orders from multi-leg groups.
type OrderClass string

const (
	OrderClassSimple  OrderClass = "simple"
	OrderClassBracket OrderClass = "bracket"
	OrderClassOTO     OrderClass = "oto"
	OrderClassOCO     OrderClass = "oco"
)

// OrderStatus is the lifecycle state of an order. The vocabulary follows the
// Alpaca order state machine.
type OrderStatus string

const (
	OrderStatusPendingNew         OrderStatus = "pending_new"
	OrderStatusAccepted           OrderStatus = "accepted"
	OrderStatusAcceptedForBidding OrderStatus = "accepted_for_bidding"
	OrderStatusNew                OrderStatus = "new"
	OrderStatusHeld               OrderStatus = "held"
	OrderStatusPartiallyFilled    OrderStatus = "partially_filled"
	OrderStatusFilled             OrderStatus = "filled"
	OrderStatusPendingCancel      OrderStatus = "pending_cancel"
	OrderStatusPendingReplace     OrderStatus = "pending_replace"
	OrderStatusReplaced           OrderStatus = "replaced"
	OrderStatusCanceled           OrderStatus = "canceled"
	OrderStatusExpired            OrderStatus = "expired"
	OrderStatusRejected           OrderStatus = "rejected"
	OrderStatusStopped            OrderStatus = "stopped"
	OrderStatusSuspended          OrderStatus = "suspended"
	OrderStatusDoneForDay         OrderStatus = "done_for_day"
)

// Terminal reports whether no further transition can occur from this status.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusExpired,
		OrderStatusRejected, OrderStatusStopped, OrderStatusSuspended,
		OrderStatusReplaced:
		return true
	}
	return false
}

// Open reports whether the order is live and still fillable by the exchange
// or the matching engine.
func (s OrderStatus) Open() bool {
	switch s {
	case OrderStatusNew, OrderStatusAccepted, OrderStatusPartiallyFilled:
		return true
	}
	return false
}

// Pending reports whether the order is still waiting for initial acceptance.
func (s OrderStatus) Pending() bool {
	switch s {
	case OrderStatusPendingNew, OrderStatusAccepted, OrderStatusAcceptedForBidding:
		return true
	}
	return false
}

// Failed reports whether the status belongs to the cancel/reject family, in
// which an operation expecting success must report an explicit failure.
func (s OrderStatus) Failed() bool {
	switch s {
	case OrderStatusPendingCancel, OrderStatusCanceled, OrderStatusExpired,
		OrderStatusRejected, OrderStatusStopped, OrderStatusSuspended:
		return true
	}
	return false
}

// Order is a single order record. LimitPrice, StopPrice, TrailPercent,
// TrailPrice, HWM and FilledAvgPrice are pointers because they are absent
// until the order kind or lifecycle defines them.
type Order struct {
	ID            string
	ClientOrderID string

	Symbol      string
	Side        OrderSide
	Type        OrderType
	Class       OrderClass
	TimeInForce TimeInForce

	Qty            float64
	FilledQty      float64
	FilledAvgPrice *float64

	LimitPrice   *float64
	StopPrice    *float64
	TrailPercent *float64
	TrailPrice   *float64
	// HWM is the extreme price observed since a trailing-stop order became
	// active: high-water mark for sell trails, low-water mark for buy trails.
	HWM *float64

	Status OrderStatus

	// Legs holds child order ids when this order is a bracket/OTO parent.
	// ParentID back-references the parent on a leg.
	Legs     []string
	ParentID string

	CreatedAt   time.Time
	UpdatedAt   *time.Time
	SubmittedAt *time.Time
	FilledAt    *time.Time
	CanceledAt  *time.Time
	ExpiredAt   *time.Time
	FailedAt    *time.Time
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() float64 {
	return o.Qty - o.FilledQty
}

// Fill is one execution against an order. Append-only.
type Fill struct {
	ID        int64
	OrderID   string
	Timestamp time.Time
	Price     float64
	Qty       float64
}

// PositionSide tags a position as long or short; Qty is stored as magnitude.
type PositionSide string

const (
	PositionSideLong  PositionSide = "long"
	PositionSideShort PositionSide = "short"
)

// Position is the single open position for a symbol. Qty is always > 0; a
// position that reaches zero is deleted, not stored.
type Position struct {
	Symbol        string
	Side          PositionSide
	Qty           float64
	AvgEntryPrice float64
	CurrentPrice  float64
	UpdatedAt     time.Time
}

// MarketValue returns the position's value at the current price.
func (p *Position) MarketValue() float64 {
	return p.Qty * p.CurrentPrice
}

// UnrealizedPL returns the open profit-and-loss, signed by side.
func (p *Position) UnrealizedPL() float64 {
	pl := (p.CurrentPrice - p.AvgEntryPrice) * p.Qty
	if p.Side == PositionSideShort {
		pl = -pl
	}
	return pl
}

// UnrealizedPLPct returns the open P&L as a fraction of cost basis. Zero
// when the cost basis is zero.
func (p *Position) UnrealizedPLPct() float64 {
	basis := p.AvgEntryPrice * p.Qty
	if basis == 0 {
		return 0
	}
	return p.UnrealizedPL() / basis
}

// Account is the singleton account row.
type Account struct {
	ID               string
	Cash             float64
	BuyingPower      float64
	Equity           float64
	Currency         string
	Status           string
	PatternDayTrader bool
	TradingBlocked   bool
	TransfersBlocked bool
	AccountBlocked   bool
	CreatedAt        time.Time
}

// Timeframe identifies a bar aggregation interval.
type Timeframe string

const (
	TimeframeMinute Timeframe = "1Min"
	TimeframeDay    Timeframe = "1Day"
)

// Bar is one OHLCV bar, unique per (symbol, timestamp, timeframe).
type Bar struct {
	Symbol     string
	Timestamp  time.Time
	Timeframe  Timeframe
	Open       float64
	High       float64
	Low        float64
	Close      float64
	Volume     int64
	TradeCount int64
	VWAP       float64
}

// Asset is a tradable instrument known to the simulator.
type Asset struct {
	ID       string
	Symbol   string
	Name     string
	Exchange string
	Class    string
	Status   string
	Tradable bool
}
