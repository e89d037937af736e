// Package broker defines the Broker interface and provides implementations
// for executing orders and managing accounts: a live Alpaca-backed broker and
// a simulated exchange that settles against local storage.
package broker

import (
	"context"
	"errors"
	"fmt"

	"papertrade/internal/domain"
)

// ErrNoPosition is returned when a position operation references a symbol
// with no open position.
var ErrNoPosition = errors.New("broker: no open position")

// ErrInvalidRequest is returned when an order request fails validation
// before it reaches the exchange.
var ErrInvalidRequest = errors.New("broker: invalid order request")

// StopLossSpec describes the stop-loss leg of a bracket or OCO group.
// LimitPrice turns the leg into a stop-limit order when set.
type StopLossSpec struct {
	StopPrice  float64
	LimitPrice *float64
}

// OrderRequest is a broker-agnostic order submission.
type OrderRequest struct {
	Symbol        string
	Qty           float64
	Side          domain.OrderSide
	Type          domain.OrderType
	TimeInForce   domain.TimeInForce
	OrderClass    domain.OrderClass
	ClientOrderID string

	LimitPrice   *float64
	StopPrice    *float64
	TrailPercent *float64
	TrailPrice   *float64

	// TakeProfit and StopLoss describe the exit legs for bracket, OTO and
	// OCO order classes. TakeProfit is the limit price of the profit leg.
	TakeProfit *float64
	StopLoss   *StopLossSpec
}

// ReplaceRequest carries the updatable parameters of an open order. Nil
// fields keep their current values.
type ReplaceRequest struct {
	Qty        *float64
	LimitPrice *float64
	StopPrice  *float64
	Trail      *float64
}

// OrderView selects which lifecycle bucket ListOrders returns.
type OrderView string

const (
	OrdersOpen   OrderView = "open"
	OrdersClosed OrderView = "closed"
	OrdersAll    OrderView = "all"
)

// Broker abstracts brokerage operations for order execution and account
// management. The simulator and the live Alpaca client implement the same
// contract so the lifecycle engine never knows which one it is driving.
type Broker interface {
	// Name returns the broker identifier (e.g. "alpaca", "simulator").
	Name() string

	// SubmitOrder sends an order for execution and returns the created
	// order record, legs included for multi-leg classes.
	SubmitOrder(ctx context.Context, req OrderRequest) (*domain.Order, error)

	// ReplaceOrder updates the given parameters of an open order.
	ReplaceOrder(ctx context.Context, orderID string, req ReplaceRequest) (*domain.Order, error)

	// CancelOrder requests cancellation of an open order by its ID.
	CancelOrder(ctx context.Context, orderID string) error

	// CancelAllOrders requests cancellation of every open order.
	CancelAllOrders(ctx context.Context) error

	// GetOrder retrieves a single order by its ID.
	GetOrder(ctx context.Context, orderID string) (*domain.Order, error)

	// GetOrderByClientID retrieves an order by its client-supplied id.
	GetOrderByClientID(ctx context.Context, clientID string) (*domain.Order, error)

	// ListOrders returns orders in the given view, optionally filtered by
	// symbol. limit <= 0 means no limit.
	ListOrders(ctx context.Context, view OrderView, symbol string, limit int) ([]domain.Order, error)

	// GetPosition returns the open position for a symbol, or ErrNoPosition.
	GetPosition(ctx context.Context, symbol string) (*domain.Position, error)

	// ListPositions returns all open positions.
	ListPositions(ctx context.Context) ([]domain.Position, error)

	// ClosePosition submits a market order closing pct percent (0, 100] of
	// the position and returns the closing order.
	ClosePosition(ctx context.Context, symbol string, pct float64) (*domain.Order, error)

	// CloseAllPositions submits closing orders for every open position.
	CloseAllPositions(ctx context.Context) ([]domain.Order, error)

	// GetAccount returns a snapshot of the account's financial metrics.
	GetAccount(ctx context.Context) (*domain.Account, error)

	// IsMarketOpen reports whether the regular trading session is open.
	IsMarketOpen(ctx context.Context) (bool, error)
}

// validateRequest rejects malformed order requests before they reach any
// exchange, simulated or live.
func validateRequest(req *OrderRequest) error {
	if req.Symbol == "" {
		return fmt.Errorf("%w: symbol is required", ErrInvalidRequest)
	}
	if req.Qty <= 0 {
		return fmt.Errorf("%w: qty must be positive", ErrInvalidRequest)
	}
	if req.Side != domain.OrderSideBuy && req.Side != domain.OrderSideSell {
		return fmt.Errorf("%w: side must be buy or sell", ErrInvalidRequest)
	}

	// OCO carries no entry order: its shape is fixed by the take-profit and
	// stop-loss parameters, so the entry-type rules below do not apply.
	if req.OrderClass == domain.OrderClassOCO {
		if req.TakeProfit == nil || req.StopLoss == nil {
			return fmt.Errorf("%w: oco orders require take_profit and stop_loss", ErrInvalidRequest)
		}
		return nil
	}

	switch req.Type {
	case domain.OrderTypeMarket:
	case domain.OrderTypeLimit:
		if req.LimitPrice == nil || *req.LimitPrice <= 0 {
			return fmt.Errorf("%w: limit orders require a positive limit_price", ErrInvalidRequest)
		}
	case domain.OrderTypeStop:
		if req.StopPrice == nil || *req.StopPrice <= 0 {
			return fmt.Errorf("%w: stop orders require a positive stop_price", ErrInvalidRequest)
		}
	case domain.OrderTypeStopLimit:
		if req.LimitPrice == nil || *req.LimitPrice <= 0 || req.StopPrice == nil || *req.StopPrice <= 0 {
			return fmt.Errorf("%w: stop_limit orders require positive limit_price and stop_price", ErrInvalidRequest)
		}
	case domain.OrderTypeTrailingStop:
		if err := domain.ValidateTrailParams(req.TrailPercent, req.TrailPrice); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
	default:
		return fmt.Errorf("%w: unknown order type", ErrInvalidRequest)
	}

	switch req.OrderClass {
	case "", domain.OrderClassSimple:
	case domain.OrderClassBracket:
		if req.TakeProfit == nil || req.StopLoss == nil {
			return fmt.Errorf("%w: bracket orders require take_profit and stop_loss", ErrInvalidRequest)
		}
	case domain.OrderClassOTO:
		if (req.TakeProfit == nil) == (req.StopLoss == nil) {
			return fmt.Errorf("%w: oto orders require exactly one of take_profit or stop_loss", ErrInvalidRequest)
		}
	default:
		return fmt.Errorf("%w: unknown order class", ErrInvalidRequest)
	}

	return nil
}
