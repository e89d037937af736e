package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"papertrade/internal/domain"
	"papertrade/internal/store"
	"papertrade/internal/util"
)

// Compile-time interface check.
var _ Broker = (*SimulatorBroker)(nil)

// openStatuses is the family of statuses a cancel may still win against.
var openStatuses = []domain.OrderStatus{
	domain.OrderStatusPendingNew,
	domain.OrderStatusAccepted,
	domain.OrderStatusAcceptedForBidding,
	domain.OrderStatusNew,
	domain.OrderStatusHeld,
	domain.OrderStatusPartiallyFilled,
	domain.OrderStatusPendingCancel,
	domain.OrderStatusPendingReplace,
}

// closedStatuses is everything that will never trade again.
var closedStatuses = []domain.OrderStatus{
	domain.OrderStatusFilled,
	domain.OrderStatusCanceled,
	domain.OrderStatusExpired,
	domain.OrderStatusRejected,
	domain.OrderStatusReplaced,
	domain.OrderStatusStopped,
	domain.OrderStatusSuspended,
	domain.OrderStatusDoneForDay,
}

// SimulatorBroker implements the Broker interface against local SQLite
// storage. Orders it accepts become visible to the matching engine, which
// settles them against stored market data.
type SimulatorBroker struct {
	store    *store.SQLiteStore
	calendar *util.TradingCalendar
	logger   *slog.Logger

	// now is swappable for tests.
	now func() time.Time
}

// NewSimulatorBroker creates a simulated broker backed by the given store.
func NewSimulatorBroker(st *store.SQLiteStore, cal *util.TradingCalendar, logger *slog.Logger) *SimulatorBroker {
	return &SimulatorBroker{
		store:    st,
		calendar: cal,
		logger:   logger,
		now:      time.Now,
	}
}

// Name returns "simulator".
func (b *SimulatorBroker) Name() string {
	return "simulator"
}

// SubmitOrder validates the request, writes the parent order with status
// "new", and for multi-leg classes writes the exit legs with status "held".
// Held legs are released by the matching engine when the parent fills.
func (b *SimulatorBroker) SubmitOrder(ctx context.Context, req OrderRequest) (*domain.Order, error) {
	if err := validateRequest(&req); err != nil {
		return nil, err
	}
	if asset, err := b.store.GetAsset(ctx, req.Symbol); err == nil && !asset.Tradable {
		return nil, fmt.Errorf("%w: asset %s is not tradable", ErrInvalidRequest, req.Symbol)
	}

	now := b.now().UTC()
	order := &domain.Order{
		ID:            uuid.NewString(),
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Class:         req.OrderClass,
		TimeInForce:   req.TimeInForce,
		Qty:           req.Qty,
		LimitPrice:    req.LimitPrice,
		StopPrice:     req.StopPrice,
		TrailPercent:  req.TrailPercent,
		TrailPrice:    req.TrailPrice,
		Status:        domain.OrderStatusNew,
		CreatedAt:     now,
		SubmittedAt:   &now,
	}
	if order.ClientOrderID == "" {
		order.ClientOrderID = uuid.NewString()
	}
	if order.Class == "" {
		order.Class = domain.OrderClassSimple
	}
	if order.TimeInForce == "" {
		order.TimeInForce = domain.TimeInForceDay
	}

	// OCO has no entry order: the take-profit limit becomes the primary
	// order and the stop-loss rides as a live sibling. When either fills
	// the matcher cancels the survivor.
	if req.OrderClass == domain.OrderClassOCO {
		order.Type = domain.OrderTypeLimit
		order.LimitPrice = req.TakeProfit
		order.StopPrice = nil
	}

	// Trailing stops start their water mark, and so their effective stop,
	// from the last known price. Without one the tracker seeds the mark on
	// the first tick instead.
	if req.Type == domain.OrderTypeTrailingStop {
		if price, err := b.store.LatestClose(ctx, req.Symbol); err == nil {
			hwm := price
			stop := domain.TrailingStopPrice(req.Side, hwm, req.TrailPercent, req.TrailPrice)
			order.HWM = &hwm
			order.StopPrice = &stop
		}
	}

	legs := b.buildLegs(order, &req, now)
	for _, leg := range legs {
		order.Legs = append(order.Legs, leg.ID)
	}

	if err := b.store.CreateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	for _, leg := range legs {
		if err := b.store.CreateOrder(ctx, leg); err != nil {
			return nil, fmt.Errorf("create leg: %w", err)
		}
	}

	b.logger.Info("order accepted",
		"id", order.ID,
		"symbol", order.Symbol,
		"side", order.Side,
		"type", order.Type,
		"class", order.Class,
		"qty", order.Qty,
		"legs", len(legs))

	return order, nil
}

// buildLegs materializes the exit legs for bracket/OTO/OCO requests. Legs
// trade the opposite side of the entry for the same quantity and are born
// held.
func (b *SimulatorBroker) buildLegs(parent *domain.Order, req *OrderRequest, now time.Time) []*domain.Order {
	if req.OrderClass == "" || req.OrderClass == domain.OrderClassSimple {
		return nil
	}

	var legs []*domain.Order

	// Exit legs outlive the session the entry was placed in, so they are
	// good-till-canceled regardless of the parent's time in force.
	newLeg := func() *domain.Order {
		return &domain.Order{
			ID:            uuid.NewString(),
			ClientOrderID: uuid.NewString(),
			Symbol:        parent.Symbol,
			Side:          parent.Side.Opposite(),
			Class:         parent.Class,
			TimeInForce:   domain.TimeInForceGTC,
			Qty:           parent.Qty,
			Status:        domain.OrderStatusHeld,
			ParentID:      parent.ID,
			CreatedAt:     now,
			SubmittedAt:   &now,
		}
	}

	// The OCO stop-loss sibling is live from the start and closes on the
	// same side as the primary take-profit order.
	if req.OrderClass == domain.OrderClassOCO {
		sl := newLeg()
		sl.Side = parent.Side
		sl.Status = domain.OrderStatusNew
		stop := req.StopLoss.StopPrice
		sl.StopPrice = &stop
		if req.StopLoss.LimitPrice != nil {
			limit := *req.StopLoss.LimitPrice
			sl.Type = domain.OrderTypeStopLimit
			sl.LimitPrice = &limit
		} else {
			sl.Type = domain.OrderTypeStop
		}
		return []*domain.Order{sl}
	}

	if req.TakeProfit != nil {
		tp := newLeg()
		tp.Type = domain.OrderTypeLimit
		limit := *req.TakeProfit
		tp.LimitPrice = &limit
		legs = append(legs, tp)
	}
	if req.StopLoss != nil {
		sl := newLeg()
		stop := req.StopLoss.StopPrice
		sl.StopPrice = &stop
		if req.StopLoss.LimitPrice != nil {
			limit := *req.StopLoss.LimitPrice
			sl.Type = domain.OrderTypeStopLimit
			sl.LimitPrice = &limit
		} else {
			sl.Type = domain.OrderTypeStop
		}
		legs = append(legs, sl)
	}

	return legs
}

// ReplaceOrder applies the requested parameter changes to an order that is
// still open. The caller drives the pending_replace flow; here the update is
// a single guarded step so a concurrent fill cannot be overwritten.
func (b *SimulatorBroker) ReplaceOrder(ctx context.Context, orderID string, req ReplaceRequest) (*domain.Order, error) {
	order, err := b.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status.Terminal() {
		return nil, store.ErrOrderDone
	}

	now := b.now().UTC()
	u := store.OrderUpdate{UpdatedAt: &now}
	if req.Qty != nil {
		if *req.Qty <= order.FilledQty {
			return nil, fmt.Errorf("%w: new qty %v does not exceed filled qty %v", ErrInvalidRequest, *req.Qty, order.FilledQty)
		}
		u.Qty = req.Qty
	}
	if req.LimitPrice != nil {
		u.LimitPrice = req.LimitPrice
	}
	if req.StopPrice != nil {
		u.StopPrice = req.StopPrice
	}
	if req.Trail != nil && order.HWM != nil {
		stop := domain.TrailingStopPrice(order.Side, *order.HWM, nil, req.Trail)
		u.StopPrice = &stop
	}

	if err := b.store.ReplaceOrder(ctx, orderID, u); err != nil {
		return nil, err
	}
	return b.store.GetOrder(ctx, orderID)
}

// CancelOrder cancels an order if it has not already reached a terminal
// state. Held exit legs of a canceled parent are canceled with it.
func (b *SimulatorBroker) CancelOrder(ctx context.Context, orderID string) error {
	order, err := b.store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}

	if err := b.store.TransitionOrder(ctx, orderID, openStatuses, domain.OrderStatusCanceled, b.now().UTC()); err != nil {
		return err
	}

	for _, legID := range order.Legs {
		err := b.store.TransitionOrder(ctx, legID, openStatuses, domain.OrderStatusCanceled, b.now().UTC())
		if err != nil && !errors.Is(err, store.ErrOrderDone) {
			b.logger.Warn("cancel leg failed", "order_id", orderID, "leg_id", legID, "error", err)
		}
	}

	b.logger.Info("order canceled", "id", orderID)
	return nil
}

// CancelAllOrders cancels every open order. Orders that finish racing fills
// are skipped rather than reported as errors.
func (b *SimulatorBroker) CancelAllOrders(ctx context.Context) error {
	orders, err := b.store.ListOrders(ctx, store.OrderFilter{Statuses: openStatuses})
	if err != nil {
		return err
	}
	for i := range orders {
		err := b.store.TransitionOrder(ctx, orders[i].ID, openStatuses, domain.OrderStatusCanceled, b.now().UTC())
		if err != nil && !errors.Is(err, store.ErrOrderDone) {
			return fmt.Errorf("cancel %s: %w", orders[i].ID, err)
		}
	}
	return nil
}

// GetOrder retrieves a single order by ID.
func (b *SimulatorBroker) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	return b.store.GetOrder(ctx, orderID)
}

// GetOrderByClientID retrieves an order by its client-supplied id.
func (b *SimulatorBroker) GetOrderByClientID(ctx context.Context, clientID string) (*domain.Order, error) {
	return b.store.GetOrderByClientID(ctx, clientID)
}

// ListOrders returns orders in the given lifecycle view.
func (b *SimulatorBroker) ListOrders(ctx context.Context, view OrderView, symbol string, limit int) ([]domain.Order, error) {
	f := store.OrderFilter{Symbol: symbol, Limit: limit}
	switch view {
	case OrdersOpen:
		f.Statuses = openStatuses
	case OrdersClosed:
		f.Statuses = closedStatuses
	case OrdersAll:
	default:
		return nil, fmt.Errorf("%w: unknown order view %q", ErrInvalidRequest, view)
	}
	return b.store.ListOrders(ctx, f)
}

// GetPosition returns the open position for a symbol.
func (b *SimulatorBroker) GetPosition(ctx context.Context, symbol string) (*domain.Position, error) {
	pos, err := b.store.GetPosition(ctx, symbol)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNoPosition, symbol)
	}
	return pos, err
}

// ListPositions returns all open positions.
func (b *SimulatorBroker) ListPositions(ctx context.Context) ([]domain.Position, error) {
	return b.store.ListPositions(ctx)
}

// ClosePosition submits a market order on the opposite side for pct percent
// of the position's quantity.
func (b *SimulatorBroker) ClosePosition(ctx context.Context, symbol string, pct float64) (*domain.Order, error) {
	if pct <= 0 || pct > 100 {
		return nil, fmt.Errorf("%w: close percentage must be in (0, 100]", ErrInvalidRequest)
	}

	pos, err := b.GetPosition(ctx, symbol)
	if err != nil {
		return nil, err
	}

	side := domain.OrderSideSell
	if pos.Side == domain.PositionSideShort {
		side = domain.OrderSideBuy
	}

	return b.SubmitOrder(ctx, OrderRequest{
		Symbol:      symbol,
		Qty:         pos.Qty * pct / 100,
		Side:        side,
		Type:        domain.OrderTypeMarket,
		TimeInForce: domain.TimeInForceDay,
	})
}

// CloseAllPositions submits a full-size closing order for every open
// position.
func (b *SimulatorBroker) CloseAllPositions(ctx context.Context) ([]domain.Order, error) {
	positions, err := b.store.ListPositions(ctx)
	if err != nil {
		return nil, err
	}

	var orders []domain.Order
	for i := range positions {
		order, err := b.ClosePosition(ctx, positions[i].Symbol, 100)
		if err != nil {
			return orders, fmt.Errorf("close %s: %w", positions[i].Symbol, err)
		}
		orders = append(orders, *order)
	}
	return orders, nil
}

// GetAccount returns the account with equity recomputed from current
// positions: cash plus signed market value.
func (b *SimulatorBroker) GetAccount(ctx context.Context) (*domain.Account, error) {
	acct, err := b.store.GetAccount(ctx)
	if err != nil {
		return nil, err
	}

	positions, err := b.store.ListPositions(ctx)
	if err != nil {
		return nil, err
	}

	equity := acct.Cash
	for i := range positions {
		mv := positions[i].MarketValue()
		if positions[i].Side == domain.PositionSideShort {
			mv = -mv
		}
		equity += mv
	}
	acct.Equity = equity

	return acct, nil
}

// IsMarketOpen reports whether the simulated session is open using the
// regular NYSE schedule.
func (b *SimulatorBroker) IsMarketOpen(_ context.Context) (bool, error) {
	return b.calendar.IsMarketOpen(b.now()), nil
}
