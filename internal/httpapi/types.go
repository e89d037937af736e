package httpapi

import (
	"time"

	"papertrade/internal/domain"
	"papertrade/internal/engine"
)

// ---------------------------------------------------------------------------
// Requests
// ---------------------------------------------------------------------------

// SubmitOrderRequest is the order submission payload. A nil limit_price
// means a market order; take_profit/stop_loss turn the submission into an
// OTO or bracket.
type SubmitOrderRequest struct {
	Symbol        string   `json:"symbol"`
	Qty           float64  `json:"qty"`
	Side          string   `json:"side"`
	LimitPrice    *float64 `json:"limit_price,omitempty"`
	TakeProfit    *float64 `json:"take_profit,omitempty"`
	StopLoss      *float64 `json:"stop_loss,omitempty"`
	TimeInForce   string   `json:"time_in_force,omitempty"`
	ClientOrderID string   `json:"client_order_id,omitempty"`
}

// TrailingStopRequest is the trailing-stop payload. Exactly one of
// trail_percent/trail_price must be set.
type TrailingStopRequest struct {
	Symbol       string   `json:"symbol"`
	Qty          float64  `json:"qty"`
	Side         string   `json:"side"`
	TrailPercent *float64 `json:"trail_percent,omitempty"`
	TrailPrice   *float64 `json:"trail_price,omitempty"`
}

// ModifyOrderRequest is the order modification payload. limit_price and
// stop_price are mutually exclusive; at least one field must be present.
type ModifyOrderRequest struct {
	LimitPrice *float64 `json:"limit_price,omitempty"`
	StopPrice  *float64 `json:"stop_price,omitempty"`
	Qty        *float64 `json:"qty,omitempty"`
}

// ---------------------------------------------------------------------------
// Responses
// ---------------------------------------------------------------------------

// ErrorBody is the structured failure payload every handler returns on
// error.
type ErrorBody struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

// ErrorResponse wraps ErrorBody.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// OrderJSON is the wire form of an order.
type OrderJSON struct {
	ID             string     `json:"id"`
	ClientOrderID  string     `json:"client_order_id"`
	Symbol         string     `json:"symbol"`
	Side           string     `json:"side"`
	Type           string     `json:"type"`
	Class          string     `json:"order_class"`
	TimeInForce    string     `json:"time_in_force"`
	Qty            float64    `json:"qty"`
	FilledQty      float64    `json:"filled_qty"`
	FilledAvgPrice *float64   `json:"filled_avg_price,omitempty"`
	LimitPrice     *float64   `json:"limit_price,omitempty"`
	StopPrice      *float64   `json:"stop_price,omitempty"`
	TrailPercent   *float64   `json:"trail_percent,omitempty"`
	TrailPrice     *float64   `json:"trail_price,omitempty"`
	Status         string     `json:"status"`
	Legs           []string   `json:"legs,omitempty"`
	ParentID       string     `json:"parent_id,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	SubmittedAt    *time.Time `json:"submitted_at,omitempty"`
	FilledAt       *time.Time `json:"filled_at,omitempty"`
	CanceledAt     *time.Time `json:"canceled_at,omitempty"`
}

// SubmitOrderResponse carries the parent order and its contingent legs.
type SubmitOrderResponse struct {
	Order OrderJSON   `json:"order"`
	Legs  []OrderJSON `json:"legs,omitempty"`
}

// CancelOrderResponse reports the terminal state the cancel ended in.
type CancelOrderResponse struct {
	OrderID  string `json:"order_id"`
	Status   string `json:"status"`
	Canceled bool   `json:"canceled"`
}

// CancelOutcomeJSON is one order's result within a liquidation.
type CancelOutcomeJSON struct {
	OrderID string `json:"order_id"`
	Error   string `json:"error,omitempty"`
}

// LiquidateResponse aggregates a liquidation's partial results.
type LiquidateResponse struct {
	Symbol       string              `json:"symbol"`
	Success      bool                `json:"success"`
	Cancels      []CancelOutcomeJSON `json:"cancels"`
	ClosingOrder *OrderJSON          `json:"closing_order,omitempty"`
}

// PositionJSON is the wire form of a position with derived P&L.
type PositionJSON struct {
	Symbol          string  `json:"symbol"`
	Side            string  `json:"side"`
	Qty             float64 `json:"qty"`
	AvgEntryPrice   float64 `json:"avg_entry_price"`
	CurrentPrice    float64 `json:"current_price"`
	MarketValue     float64 `json:"market_value"`
	UnrealizedPL    float64 `json:"unrealized_pl"`
	UnrealizedPLPct float64 `json:"unrealized_pl_pct"`
}

// PortfolioResponse lists positions.
type PortfolioResponse struct {
	Positions []PositionJSON `json:"positions"`
}

// AccountResponse is the account snapshot.
type AccountResponse struct {
	ID               string  `json:"id"`
	Cash             float64 `json:"cash"`
	BuyingPower      float64 `json:"buying_power"`
	Equity           float64 `json:"equity"`
	Currency         string  `json:"currency"`
	Status           string  `json:"status"`
	PatternDayTrader bool    `json:"pattern_day_trader"`
	TradingBlocked   bool    `json:"trading_blocked"`
}

// OrdersResponse lists orders.
type OrdersResponse struct {
	Orders []OrderJSON `json:"orders"`
}

// ---------------------------------------------------------------------------
// Conversions
// ---------------------------------------------------------------------------

func convertOrder(o *domain.Order) OrderJSON {
	return OrderJSON{
		ID:             o.ID,
		ClientOrderID:  o.ClientOrderID,
		Symbol:         o.Symbol,
		Side:           string(o.Side),
		Type:           string(o.Type),
		Class:          string(o.Class),
		TimeInForce:    string(o.TimeInForce),
		Qty:            o.Qty,
		FilledQty:      o.FilledQty,
		FilledAvgPrice: o.FilledAvgPrice,
		LimitPrice:     o.LimitPrice,
		StopPrice:      o.StopPrice,
		TrailPercent:   o.TrailPercent,
		TrailPrice:     o.TrailPrice,
		Status:         string(o.Status),
		Legs:           o.Legs,
		ParentID:       o.ParentID,
		CreatedAt:      o.CreatedAt,
		SubmittedAt:    o.SubmittedAt,
		FilledAt:       o.FilledAt,
		CanceledAt:     o.CanceledAt,
	}
}

func convertOrders(orders []domain.Order) []OrderJSON {
	out := make([]OrderJSON, 0, len(orders))
	for i := range orders {
		out = append(out, convertOrder(&orders[i]))
	}
	return out
}

func convertPosition(p *domain.Position) PositionJSON {
	return PositionJSON{
		Symbol:          p.Symbol,
		Side:            string(p.Side),
		Qty:             p.Qty,
		AvgEntryPrice:   p.AvgEntryPrice,
		CurrentPrice:    p.CurrentPrice,
		MarketValue:     p.MarketValue(),
		UnrealizedPL:    p.UnrealizedPL(),
		UnrealizedPLPct: p.UnrealizedPLPct(),
	}
}

func convertSubmit(res *engine.SubmitResult) SubmitOrderResponse {
	resp := SubmitOrderResponse{Order: convertOrder(res.Order)}
	for i := range res.Legs {
		resp.Legs = append(resp.Legs, convertOrder(&res.Legs[i]))
	}
	return resp
}

func convertAccount(a *domain.Account) AccountResponse {
	return AccountResponse{
		ID:               a.ID,
		Cash:             a.Cash,
		BuyingPower:      a.BuyingPower,
		Equity:           a.Equity,
		Currency:         a.Currency,
		Status:           a.Status,
		PatternDayTrader: a.PatternDayTrader,
		TradingBlocked:   a.TradingBlocked,
	}
}
