package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"papertrade/internal/broker"
	"papertrade/internal/domain"
	"papertrade/internal/store"
)

// ModifyParams carries the fields a modify may change. LimitPrice and
// StopPrice are mutually exclusive; at least one field must be set.
type ModifyParams struct {
	LimitPrice *float64
	StopPrice  *float64
	Qty        *float64
}

// ModifyOrder validates the parameter combination, replaces the order, and
// polls through pending_replace to a stable outcome. A replace that lands in
// the cancel/reject family is a failure; because a fill can complete while
// the replace is in flight, the order is re-read before reporting so the
// caller learns what actually happened to it.
func (e *Engine) ModifyOrder(ctx context.Context, orderID string, p ModifyParams) (*domain.Order, error) {
	if p.LimitPrice != nil && p.StopPrice != nil {
		return nil, failf(FailValidation, "limit_price and stop_price are mutually exclusive")
	}
	if p.LimitPrice == nil && p.StopPrice == nil && p.Qty == nil {
		return nil, failf(FailValidation, "at least one of limit_price, stop_price, qty is required")
	}

	order, err := e.broker.GetOrder(ctx, orderID)
	if err != nil {
		return nil, failErr(FailNotFound, "order not found", err)
	}
	if order.Status.Terminal() {
		return nil, failf(FailBrokerReject, "order %s already %s, cannot modify", orderID, order.Status)
	}

	replaced, err := e.broker.ReplaceOrder(ctx, orderID, broker.ReplaceRequest{
		Qty:        p.Qty,
		LimitPrice: p.LimitPrice,
		StopPrice:  p.StopPrice,
	})
	if err != nil {
		if errors.Is(err, store.ErrOrderDone) {
			// The fill won the race; report the order's real fate.
			if current, gerr := e.broker.GetOrder(ctx, orderID); gerr == nil {
				return nil, failf(FailBrokerReject, "order %s reached %s before the replace landed", orderID, current.Status)
			}
		}
		return nil, classifySubmitErr(err)
	}

	// Live brokers answer a replace with a pending_replace order; wait for
	// it to settle within the same budget a submission gets.
	for attempt := 0; replaced.Status == domain.OrderStatusPendingReplace && attempt < e.opts.PollAttempts; attempt++ {
		if err := e.wait(ctx, e.opts.PollBackoff); err != nil {
			return nil, failErr(FailTimeout, "replace poll interrupted", err)
		}
		refreshed, err := e.broker.GetOrder(ctx, replaced.ID)
		if err != nil {
			e.logger.Warn("replace poll read failed", "order_id", replaced.ID, "error", err)
			continue
		}
		replaced = refreshed
	}

	if replaced.Status.Failed() {
		return nil, failf(FailBrokerReject, "replace of %s ended %s", orderID, replaced.Status)
	}

	e.logger.Info("order modified", "id", replaced.ID, "status", replaced.Status)
	return replaced, nil
}

// CancelOrder initiates a cancel and polls until the order is terminal or
// the cancel deadline passes. When a fill wins the race the result carries
// status "filled" truthfully; a double cancel reports "canceled" again with
// no further side effects. The deadline is a hard liveness bound: hitting it
// is a distinct timeout failure.
func (e *Engine) CancelOrder(ctx context.Context, orderID string) (*CancelResult, error) {
	if err := e.broker.CancelOrder(ctx, orderID); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return nil, failErr(FailNotFound, "order not found", err)
		case errors.Is(err, store.ErrOrderDone):
			// Already terminal; report the existing state.
			order, gerr := e.broker.GetOrder(ctx, orderID)
			if gerr != nil {
				return nil, failErr(FailNotFound, "order not found", gerr)
			}
			return &CancelResult{
				OrderID:  orderID,
				Status:   order.Status,
				Canceled: order.Status == domain.OrderStatusCanceled,
			}, nil
		default:
			return nil, failErr(FailBrokerReject, "cancel request failed", err)
		}
	}

	deadline := time.Now().Add(e.opts.CancelDeadline)
	for {
		order, err := e.broker.GetOrder(ctx, orderID)
		if err != nil {
			return nil, failErr(FailNotFound, "order not found", err)
		}
		if order.Status.Terminal() {
			e.logger.Info("cancel resolved", "id", orderID, "status", order.Status)
			return &CancelResult{
				OrderID:  orderID,
				Status:   order.Status,
				Canceled: order.Status == domain.OrderStatusCanceled,
			}, nil
		}
		if time.Now().After(deadline) {
			return nil, failf(FailTimeout, "order %s not terminal after %s", orderID, e.opts.CancelDeadline)
		}
		if err := e.wait(ctx, e.opts.PollBackoff); err != nil {
			return nil, failErr(FailTimeout, "cancel poll interrupted", err)
		}
	}
}

// LiquidatePosition cancels the symbol's open orders concurrently, then
// submits a full-size market close. Individual cancel failures (an order
// filled before its cancel landed) are collected in the result instead of
// aborting the liquidation.
func (e *Engine) LiquidatePosition(ctx context.Context, symbol string) (*LiquidateResult, error) {
	if _, err := e.broker.GetPosition(ctx, symbol); err != nil {
		return nil, failErr(FailNotFound, "no open position", err)
	}

	open, err := e.broker.ListOrders(ctx, broker.OrdersOpen, symbol, 0)
	if err != nil {
		return nil, failErr(FailBrokerReject, "listing open orders failed", err)
	}

	res := &LiquidateResult{Symbol: symbol, Success: true}
	res.Cancels = make([]CancelOutcome, len(open))

	var wg sync.WaitGroup
	for i := range open {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := open[i].ID
			err := e.broker.CancelOrder(ctx, id)
			res.Cancels[i] = CancelOutcome{OrderID: id, Err: err}
		}(i)
	}
	wg.Wait()

	for _, c := range res.Cancels {
		if c.Err != nil {
			res.Success = false
			e.logger.Warn("liquidation cancel failed", "symbol", symbol, "order_id", c.OrderID, "error", c.Err)
		}
	}

	closing, err := e.broker.ClosePosition(ctx, symbol, 100)
	if err != nil {
		res.Success = false
		e.logger.Error("liquidation close failed", "symbol", symbol, "error", err)
		return res, nil
	}
	res.ClosingOrder = closing

	e.logger.Info("position liquidated",
		"symbol", symbol,
		"closing_order", closing.ID,
		"cancels", len(res.Cancels),
		"success", res.Success)
	return res, nil
}

// Portfolio returns the open positions, optionally narrowed to one symbol.
func (e *Engine) Portfolio(ctx context.Context, symbol string) ([]domain.Position, error) {
	if symbol != "" && symbol != "all" {
		pos, err := e.broker.GetPosition(ctx, symbol)
		if err != nil {
			return nil, failErr(FailNotFound, "no open position", err)
		}
		return []domain.Position{*pos}, nil
	}
	positions, err := e.broker.ListPositions(ctx)
	if err != nil {
		return nil, failErr(FailBrokerReject, "listing positions failed", err)
	}
	return positions, nil
}

// AccountSummary returns the account snapshot.
func (e *Engine) AccountSummary(ctx context.Context) (*domain.Account, error) {
	acct, err := e.broker.GetAccount(ctx)
	if err != nil {
		return nil, failErr(FailBrokerReject, "account fetch failed", err)
	}
	return acct, nil
}

// Orders lists orders in the given lifecycle view, optionally narrowed to
// one symbol ("" and "all" mean every symbol).
func (e *Engine) Orders(ctx context.Context, view broker.OrderView, symbol string) ([]domain.Order, error) {
	if symbol == "all" {
		symbol = ""
	}
	orders, err := e.broker.ListOrders(ctx, view, symbol, 0)
	if err != nil {
		return nil, failErr(FailBrokerReject, "listing orders failed", err)
	}
	return orders, nil
}

// GetOrder retrieves one order by id.
func (e *Engine) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	order, err := e.broker.GetOrder(ctx, orderID)
	if err != nil {
		return nil, failErr(FailNotFound, "order not found", err)
	}
	return order, nil
}
