// Package sim contains the simulated exchange: a matching engine that
// settles open orders against the latest stored prices, a trailing-stop
// tracker that ratchets stop triggers, and a periodic equity recompute job.
package sim

import (
	"context"
	"errors"
	"log/slog"
	"time"

	tomb "gopkg.in/tomb.v2"

	"papertrade/internal/domain"
	"papertrade/internal/store"
)

// matchableStatuses is the family of statuses the matcher evaluates. An
// order leaves this family atomically with fill application, so overlapping
// ticks can never double-fill it.
var matchableStatuses = []domain.OrderStatus{
	domain.OrderStatusNew,
	domain.OrderStatusAccepted,
	domain.OrderStatusPartiallyFilled,
}

// cancelableStatuses is what a sibling cancel may still win against.
var cancelableStatuses = []domain.OrderStatus{
	domain.OrderStatusNew,
	domain.OrderStatusAccepted,
	domain.OrderStatusHeld,
	domain.OrderStatusPartiallyFilled,
}

// Matcher is the simulation matching engine. Each tick it evaluates every
// open order against the most recent close for its symbol and applies full
// fills through the store's atomic fill operation.
type Matcher struct {
	store    *store.SQLiteStore
	logger   *slog.Logger
	interval time.Duration

	t   *tomb.Tomb
	now func() time.Time
}

// NewMatcher creates a matcher ticking at the given interval.
func NewMatcher(st *store.SQLiteStore, logger *slog.Logger, interval time.Duration) *Matcher {
	return &Matcher{
		store:    st,
		logger:   logger,
		interval: interval,
		now:      time.Now,
	}
}

// Start launches the matching loop. It runs until Stop is called or the
// context is canceled.
func (m *Matcher) Start(ctx context.Context) {
	m.t, ctx = tomb.WithContext(ctx)
	m.t.Go(func() error {
		return m.loop(ctx)
	})
	m.logger.Info("matcher started", "interval", m.interval)
}

// Stop terminates the loop and waits for the in-flight tick to finish.
func (m *Matcher) Stop() error {
	if m.t == nil {
		return nil
	}
	m.t.Kill(nil)
	return m.t.Wait()
}

func (m *Matcher) loop(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.t.Dying():
			return nil
		case <-ticker.C:
			if err := m.Tick(ctx); err != nil {
				m.logger.Error("matcher tick failed", "error", err)
			}
		}
	}
}

// Tick evaluates every matchable order once. Orders whose symbol has no
// known price yet are skipped, not failed; they are retried next tick.
func (m *Matcher) Tick(ctx context.Context) error {
	orders, err := m.store.ListOrders(ctx, store.OrderFilter{Statuses: matchableStatuses})
	if err != nil {
		return err
	}

	for i := range orders {
		order := &orders[i]

		price, err := m.store.LatestClose(ctx, order.Symbol)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			m.logger.Warn("price lookup failed", "symbol", order.Symbol, "error", err)
			continue
		}

		fillPrice, ok := evalFill(order, price)
		if !ok {
			continue
		}

		if err := m.fill(ctx, order, fillPrice); err != nil {
			m.logger.Warn("fill failed", "order_id", order.ID, "error", err)
		}
	}
	return nil
}

// evalFill decides whether an order is fillable at the latest price and at
// what price. Touch-based fills only: no book depth, no slippage.
func evalFill(order *domain.Order, latest float64) (float64, bool) {
	switch order.Type {
	case domain.OrderTypeMarket:
		return latest, true

	case domain.OrderTypeLimit:
		if order.LimitPrice == nil {
			return 0, false
		}
		limit := *order.LimitPrice
		if order.Side == domain.OrderSideBuy && latest <= limit {
			return limit, true
		}
		if order.Side == domain.OrderSideSell && latest >= limit {
			return limit, true
		}

	case domain.OrderTypeStop, domain.OrderTypeTrailingStop:
		if order.StopPrice == nil {
			return 0, false
		}
		if stopTriggered(order.Side, latest, *order.StopPrice) {
			return latest, true
		}

	case domain.OrderTypeStopLimit:
		if order.StopPrice == nil || order.LimitPrice == nil {
			return 0, false
		}
		if !stopTriggered(order.Side, latest, *order.StopPrice) {
			return 0, false
		}
		// Armed: behaves as a limit order at the latest price.
		limit := *order.LimitPrice
		if order.Side == domain.OrderSideBuy && latest <= limit {
			return limit, true
		}
		if order.Side == domain.OrderSideSell && latest >= limit {
			return limit, true
		}
	}
	return 0, false
}

// stopTriggered reports whether the latest price crossed the stop trigger:
// sell stops trigger at or below, buy stops at or above.
func stopTriggered(side domain.OrderSide, latest, stop float64) bool {
	if side == domain.OrderSideSell {
		return latest <= stop
	}
	return latest >= stop
}

// fill applies a full fill for the remaining quantity and reconciles the
// order's contingent legs: a filled parent releases its held legs, a filled
// leg cancels its siblings.
func (m *Matcher) fill(ctx context.Context, order *domain.Order, price float64) error {
	now := m.now().UTC()
	err := m.store.ApplyFill(ctx, order.ID, price, order.Remaining(), now)
	if errors.Is(err, store.ErrOrderDone) {
		// A cancel won the race; the order's new terminal state stands.
		return nil
	}
	if err != nil {
		return err
	}

	m.logger.Info("order filled",
		"id", order.ID,
		"symbol", order.Symbol,
		"side", order.Side,
		"qty", order.Remaining(),
		"price", price)

	for _, legID := range order.Legs {
		if order.Class == domain.OrderClassOCO {
			// The filled OCO primary cancels its live sibling.
			err := m.store.TransitionOrder(ctx, legID, cancelableStatuses, domain.OrderStatusCanceled, now)
			if err != nil && !errors.Is(err, store.ErrOrderDone) {
				m.logger.Warn("sibling cancel failed", "order_id", order.ID, "sibling_id", legID, "error", err)
			}
			continue
		}
		err := m.store.TransitionOrder(ctx, legID,
			[]domain.OrderStatus{domain.OrderStatusHeld}, domain.OrderStatusNew, now)
		if err != nil && !errors.Is(err, store.ErrOrderDone) {
			m.logger.Warn("leg release failed", "order_id", order.ID, "leg_id", legID, "error", err)
		}
	}

	if order.ParentID != "" {
		m.cancelSiblings(ctx, order, now)
	}
	return nil
}

// cancelSiblings enforces one-cancels-other: when a contingent leg fills,
// every other leg of the same parent is canceled.
func (m *Matcher) cancelSiblings(ctx context.Context, order *domain.Order, now time.Time) {
	parent, err := m.store.GetOrder(ctx, order.ParentID)
	if err != nil {
		m.logger.Warn("parent lookup failed", "order_id", order.ID, "parent_id", order.ParentID, "error", err)
		return
	}

	for _, legID := range parent.Legs {
		if legID == order.ID {
			continue
		}
		err := m.store.TransitionOrder(ctx, legID, cancelableStatuses, domain.OrderStatusCanceled, now)
		if err != nil && !errors.Is(err, store.ErrOrderDone) {
			m.logger.Warn("sibling cancel failed", "order_id", order.ID, "sibling_id", legID, "error", err)
		}
	}

	// An OCO pair's primary is itself a live sibling of the filled leg.
	if order.ParentID != "" && parent.Status.Open() {
		err := m.store.TransitionOrder(ctx, parent.ID, cancelableStatuses, domain.OrderStatusCanceled, now)
		if err != nil && !errors.Is(err, store.ErrOrderDone) {
			m.logger.Warn("oco primary cancel failed", "order_id", order.ID, "primary_id", parent.ID, "error", err)
		}
	}
}
