package broker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"

	"papertrade/internal/domain"
	"papertrade/internal/util"
)

const (
	requestRetries    = 3
	requestRetryDelay = 250 * time.Millisecond
)

// Compile-time interface check.
var _ Broker = (*AlpacaBroker)(nil)

// AlpacaBroker implements the Broker interface against the Alpaca trading
// API. All monetary values cross the SDK boundary as decimals and live in the
// domain as float64.
type AlpacaBroker struct {
	client *alpaca.Client
	logger *slog.Logger
}

// NewAlpacaBroker creates an AlpacaBroker configured with the given
// credentials and API endpoint.
func NewAlpacaBroker(apiKey, apiSecret, baseURL string, logger *slog.Logger) *AlpacaBroker {
	client := alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
		BaseURL:   baseURL,
	})
	return &AlpacaBroker{client: client, logger: logger}
}

// Name returns "alpaca".
func (b *AlpacaBroker) Name() string {
	return "alpaca"
}

// withRetry bounds transient API failures on idempotent calls. Mutating
// submissions are never retried: a timed-out submit may have landed.
func (b *AlpacaBroker) withRetry(ctx context.Context, fn func() error) error {
	return util.Retry(ctx, requestRetries, requestRetryDelay, fn)
}

// SubmitOrder places the order through the Alpaca API.
func (b *AlpacaBroker) SubmitOrder(_ context.Context, req OrderRequest) (*domain.Order, error) {
	if err := validateRequest(&req); err != nil {
		return nil, err
	}

	qty := decimal.NewFromFloat(req.Qty)
	placeReq := alpaca.PlaceOrderRequest{
		Symbol:        req.Symbol,
		Qty:           &qty,
		Side:          alpaca.Side(req.Side),
		Type:          alpaca.OrderType(req.Type),
		TimeInForce:   alpaca.TimeInForce(req.TimeInForce),
		ClientOrderID: req.ClientOrderID,
		LimitPrice:    decimalPtr(req.LimitPrice),
		StopPrice:     decimalPtr(req.StopPrice),
		TrailPercent:  decimalPtr(req.TrailPercent),
		TrailPrice:    decimalPtr(req.TrailPrice),
	}
	if req.OrderClass != "" && req.OrderClass != domain.OrderClassSimple {
		placeReq.OrderClass = alpaca.OrderClass(req.OrderClass)
	}
	if req.TakeProfit != nil {
		placeReq.TakeProfit = &alpaca.TakeProfit{LimitPrice: decimalPtr(req.TakeProfit)}
	}
	if req.StopLoss != nil {
		stop := decimal.NewFromFloat(req.StopLoss.StopPrice)
		placeReq.StopLoss = &alpaca.StopLoss{
			StopPrice:  &stop,
			LimitPrice: decimalPtr(req.StopLoss.LimitPrice),
		}
	}

	order, err := b.client.PlaceOrder(placeReq)
	if err != nil {
		return nil, fmt.Errorf("place order: %w", err)
	}

	b.logger.Info("order placed",
		"id", order.ID,
		"symbol", order.Symbol,
		"side", order.Side,
		"type", order.Type,
		"status", order.Status)

	return convertOrder(order), nil
}

// ReplaceOrder updates the given parameters of an open order.
func (b *AlpacaBroker) ReplaceOrder(_ context.Context, orderID string, req ReplaceRequest) (*domain.Order, error) {
	order, err := b.client.ReplaceOrder(orderID, alpaca.ReplaceOrderRequest{
		Qty:        decimalPtr(req.Qty),
		LimitPrice: decimalPtr(req.LimitPrice),
		StopPrice:  decimalPtr(req.StopPrice),
		Trail:      decimalPtr(req.Trail),
	})
	if err != nil {
		return nil, fmt.Errorf("replace order %s: %w", orderID, err)
	}
	return convertOrder(order), nil
}

// CancelOrder requests cancellation of an open order.
func (b *AlpacaBroker) CancelOrder(ctx context.Context, orderID string) error {
	err := b.withRetry(ctx, func() error {
		return b.client.CancelOrder(orderID)
	})
	if err != nil {
		return fmt.Errorf("cancel order %s: %w", orderID, err)
	}
	return nil
}

// CancelAllOrders requests cancellation of every open order.
func (b *AlpacaBroker) CancelAllOrders(ctx context.Context) error {
	err := b.withRetry(ctx, func() error {
		return b.client.CancelAllOrders()
	})
	if err != nil {
		return fmt.Errorf("cancel all orders: %w", err)
	}
	return nil
}

// GetOrder retrieves a single order by its ID.
func (b *AlpacaBroker) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	var order *alpaca.Order
	err := b.withRetry(ctx, func() error {
		var err error
		order, err = b.client.GetOrder(orderID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", orderID, err)
	}
	return convertOrder(order), nil
}

// GetOrderByClientID retrieves an order by its client order id.
func (b *AlpacaBroker) GetOrderByClientID(ctx context.Context, clientID string) (*domain.Order, error) {
	var order *alpaca.Order
	err := b.withRetry(ctx, func() error {
		var err error
		order, err = b.client.GetOrderByClientOrderID(clientID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get order by client id %s: %w", clientID, err)
	}
	return convertOrder(order), nil
}

// ListOrders returns orders in the given lifecycle view.
func (b *AlpacaBroker) ListOrders(ctx context.Context, view OrderView, symbol string, limit int) ([]domain.Order, error) {
	req := alpaca.GetOrdersRequest{
		Status: string(view),
		Nested: true,
	}
	if symbol != "" {
		req.Symbols = []string{symbol}
	}
	if limit > 0 {
		req.Limit = limit
	}

	var orders []alpaca.Order
	err := b.withRetry(ctx, func() error {
		var err error
		orders, err = b.client.GetOrders(req)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}

	out := make([]domain.Order, 0, len(orders))
	for i := range orders {
		out = append(out, *convertOrder(&orders[i]))
	}
	return out, nil
}

// GetPosition returns the open position for a symbol.
func (b *AlpacaBroker) GetPosition(_ context.Context, symbol string) (*domain.Position, error) {
	pos, err := b.client.GetPosition(symbol)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNoPosition, symbol)
	}
	return convertPosition(pos), nil
}

// ListPositions returns all open positions.
func (b *AlpacaBroker) ListPositions(ctx context.Context) ([]domain.Position, error) {
	var positions []alpaca.Position
	err := b.withRetry(ctx, func() error {
		var err error
		positions, err = b.client.GetPositions()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}

	out := make([]domain.Position, 0, len(positions))
	for i := range positions {
		out = append(out, *convertPosition(&positions[i]))
	}
	return out, nil
}

// ClosePosition liquidates pct percent of the position via a market order.
func (b *AlpacaBroker) ClosePosition(_ context.Context, symbol string, pct float64) (*domain.Order, error) {
	if pct <= 0 || pct > 100 {
		return nil, fmt.Errorf("%w: close percentage must be in (0, 100]", ErrInvalidRequest)
	}

	order, err := b.client.ClosePosition(symbol, alpaca.ClosePositionRequest{
		Percentage: decimal.NewFromFloat(pct),
	})
	if err != nil {
		return nil, fmt.Errorf("close position %s: %w", symbol, err)
	}
	return convertOrder(order), nil
}

// CloseAllPositions liquidates every open position.
func (b *AlpacaBroker) CloseAllPositions(_ context.Context) ([]domain.Order, error) {
	orders, err := b.client.CloseAllPositions(alpaca.CloseAllPositionsRequest{})
	if err != nil {
		return nil, fmt.Errorf("close all positions: %w", err)
	}

	out := make([]domain.Order, 0, len(orders))
	for i := range orders {
		out = append(out, *convertOrder(&orders[i]))
	}
	return out, nil
}

// GetAccount returns the current account information.
func (b *AlpacaBroker) GetAccount(ctx context.Context) (*domain.Account, error) {
	var acct *alpaca.Account
	err := b.withRetry(ctx, func() error {
		var err error
		acct, err = b.client.GetAccount()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}

	return &domain.Account{
		ID:               acct.ID,
		Cash:             acct.Cash.InexactFloat64(),
		BuyingPower:      acct.BuyingPower.InexactFloat64(),
		Equity:           acct.Equity.InexactFloat64(),
		Currency:         acct.Currency,
		Status:           string(acct.Status),
		PatternDayTrader: acct.PatternDayTrader,
		TradingBlocked:   acct.TradingBlocked,
		TransfersBlocked: acct.TransfersBlocked,
		AccountBlocked:   acct.AccountBlocked,
		CreatedAt:        acct.CreatedAt,
	}, nil
}

// IsMarketOpen reports whether Alpaca's trading clock says the market is
// open.
func (b *AlpacaBroker) IsMarketOpen(ctx context.Context) (bool, error) {
	var clock *alpaca.Clock
	err := b.withRetry(ctx, func() error {
		var err error
		clock, err = b.client.GetClock()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("get clock: %w", err)
	}
	return clock.IsOpen, nil
}

// ---------------------------------------------------------------------------
// SDK conversions
// ---------------------------------------------------------------------------

func convertOrder(o *alpaca.Order) *domain.Order {
	order := &domain.Order{
		ID:             o.ID,
		ClientOrderID:  o.ClientOrderID,
		Symbol:         o.Symbol,
		Side:           domain.OrderSide(o.Side),
		Type:           domain.OrderType(o.Type),
		Class:          domain.OrderClass(o.OrderClass),
		TimeInForce:    domain.TimeInForce(o.TimeInForce),
		FilledQty:      o.FilledQty.InexactFloat64(),
		FilledAvgPrice: floatPtr(o.FilledAvgPrice),
		LimitPrice:     floatPtr(o.LimitPrice),
		StopPrice:      floatPtr(o.StopPrice),
		TrailPercent:   floatPtr(o.TrailPercent),
		TrailPrice:     floatPtr(o.TrailPrice),
		HWM:            floatPtr(o.HWM),
		Status:         domain.OrderStatus(o.Status),
		CreatedAt:      o.CreatedAt,
		FilledAt:       o.FilledAt,
		CanceledAt:     o.CanceledAt,
		ExpiredAt:      o.ExpiredAt,
		FailedAt:       o.FailedAt,
	}
	if o.Qty != nil {
		order.Qty = o.Qty.InexactFloat64()
	}
	if order.Class == "" {
		order.Class = domain.OrderClassSimple
	}
	updatedAt := o.UpdatedAt
	order.UpdatedAt = &updatedAt
	submittedAt := o.SubmittedAt
	order.SubmittedAt = &submittedAt
	for i := range o.Legs {
		order.Legs = append(order.Legs, o.Legs[i].ID)
	}
	return order
}

func convertPosition(p *alpaca.Position) *domain.Position {
	qty := p.Qty.InexactFloat64()
	side := domain.PositionSideLong
	if qty < 0 {
		qty = -qty
		side = domain.PositionSideShort
	}

	pos := &domain.Position{
		Symbol:        p.Symbol,
		Side:          side,
		Qty:           qty,
		AvgEntryPrice: p.AvgEntryPrice.InexactFloat64(),
	}
	if p.CurrentPrice != nil {
		pos.CurrentPrice = p.CurrentPrice.InexactFloat64()
	}
	return pos
}

func decimalPtr(f *float64) *decimal.Decimal {
	if f == nil {
		return nil
	}
	d := decimal.NewFromFloat(*f)
	return &d
}

func floatPtr(d *decimal.Decimal) *float64 {
	if d == nil {
		return nil
	}
	f := d.InexactFloat64()
	return &f
}
