// Package engine implements the order lifecycle controller: the public
// submit/modify/cancel/liquidate operations that drive orders through their
// state machine against either broker backend, polling with explicit bounds.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"papertrade/internal/broker"
	"papertrade/internal/domain"
	"papertrade/internal/store"
)

// Options tune the controller's polling behaviour. Zero values fall back to
// the defaults below.
type Options struct {
	// PollAttempts bounds the initial-acceptance poll after a submission.
	PollAttempts int
	// PollBackoff is the fixed delay between status checks.
	PollBackoff time.Duration
	// CancelDeadline bounds how long a cancel waits for a terminal state.
	CancelDeadline time.Duration
}

const (
	defaultPollAttempts   = 5
	defaultPollBackoff    = 200 * time.Millisecond
	defaultCancelDeadline = 10 * time.Second
)

// Engine is the order lifecycle controller. It owns no state of its own:
// every operation reads and writes through the broker, which is the single
// source of truth.
type Engine struct {
	broker broker.Broker
	logger *slog.Logger
	opts   Options
}

// New creates an Engine driving the given broker.
func New(b broker.Broker, logger *slog.Logger, opts Options) *Engine {
	if opts.PollAttempts <= 0 {
		opts.PollAttempts = defaultPollAttempts
	}
	if opts.PollBackoff <= 0 {
		opts.PollBackoff = defaultPollBackoff
	}
	if opts.CancelDeadline <= 0 {
		opts.CancelDeadline = defaultCancelDeadline
	}
	return &Engine{broker: b, logger: logger, opts: opts}
}

// SubmitParams describes an order intent. LimitPrice nil means a market
// order. TakeProfit/StopLoss, when present, turn the submission into an OTO
// (one set) or a bracket (both set).
type SubmitParams struct {
	Symbol        string
	Qty           float64
	Side          domain.OrderSide
	LimitPrice    *float64
	TakeProfit    *float64
	StopLoss      *float64
	TimeInForce   domain.TimeInForce
	ClientOrderID string
}

// SubmitOrder gates on market hours, composes the order graph, submits it,
// and polls with a bounded budget until the order leaves the pending family.
// Exhausting the budget is not a failure: the order is returned in its last
// observed state. Landing in the cancel/reject family is an explicit failure.
func (e *Engine) SubmitOrder(ctx context.Context, p SubmitParams) (*SubmitResult, error) {
	if err := e.requireMarketOpen(ctx); err != nil {
		return nil, err
	}

	req := composeOrder(p)
	order, err := e.broker.SubmitOrder(ctx, req)
	if err != nil {
		return nil, classifySubmitErr(err)
	}

	order, err = e.pollAcceptance(ctx, order)
	if err != nil {
		return nil, err
	}

	return e.submitResult(ctx, order)
}

// TrailingParams describes a trailing-stop intent. Exactly one of
// TrailPercent/TrailPrice must be set.
type TrailingParams struct {
	Symbol       string
	Qty          float64
	Side         domain.OrderSide
	TrailPercent *float64
	TrailPrice   *float64
}

// PlaceTrailingStop validates the trailing parameters, then submits and
// polls exactly like a plain order. The initial stop derives from the last
// known price; the tracker ratchets it from there.
func (e *Engine) PlaceTrailingStop(ctx context.Context, p TrailingParams) (*SubmitResult, error) {
	if err := domain.ValidateTrailParams(p.TrailPercent, p.TrailPrice); err != nil {
		return nil, failErr(FailValidation, "invalid trailing parameters", err)
	}
	if err := e.requireMarketOpen(ctx); err != nil {
		return nil, err
	}

	order, err := e.broker.SubmitOrder(ctx, broker.OrderRequest{
		Symbol:       p.Symbol,
		Qty:          p.Qty,
		Side:         p.Side,
		Type:         domain.OrderTypeTrailingStop,
		TimeInForce:  domain.TimeInForceDay,
		TrailPercent: p.TrailPercent,
		TrailPrice:   p.TrailPrice,
	})
	if err != nil {
		return nil, classifySubmitErr(err)
	}

	order, err = e.pollAcceptance(ctx, order)
	if err != nil {
		return nil, err
	}

	return e.submitResult(ctx, order)
}

// composeOrder builds the broker request for a simple, OTO, or bracket
// submission depending on which exit parameters are present.
func composeOrder(p SubmitParams) broker.OrderRequest {
	req := broker.OrderRequest{
		Symbol:        p.Symbol,
		Qty:           p.Qty,
		Side:          p.Side,
		Type:          domain.OrderTypeMarket,
		TimeInForce:   p.TimeInForce,
		ClientOrderID: p.ClientOrderID,
	}
	if req.TimeInForce == "" {
		req.TimeInForce = domain.TimeInForceDay
	}
	if p.LimitPrice != nil {
		req.Type = domain.OrderTypeLimit
		req.LimitPrice = p.LimitPrice
	}

	switch {
	case p.TakeProfit != nil && p.StopLoss != nil:
		req.OrderClass = domain.OrderClassBracket
	case p.TakeProfit != nil || p.StopLoss != nil:
		req.OrderClass = domain.OrderClassOTO
	default:
		req.OrderClass = domain.OrderClassSimple
	}
	if p.TakeProfit != nil {
		req.TakeProfit = p.TakeProfit
	}
	if p.StopLoss != nil {
		req.StopLoss = &broker.StopLossSpec{StopPrice: *p.StopLoss}
	}
	return req
}

// pollAcceptance re-checks the order until it leaves the pending family or
// the attempt budget runs out. A cancel/reject observation is an explicit
// failure.
func (e *Engine) pollAcceptance(ctx context.Context, order *domain.Order) (*domain.Order, error) {
	for attempt := 0; attempt < e.opts.PollAttempts; attempt++ {
		if order.Status.Failed() {
			return nil, failf(FailBrokerReject, "order %s ended %s", order.ID, order.Status)
		}
		if !order.Status.Pending() {
			return order, nil
		}

		if err := e.wait(ctx, e.opts.PollBackoff); err != nil {
			return nil, failErr(FailTimeout, "acceptance poll interrupted", err)
		}

		refreshed, err := e.broker.GetOrder(ctx, order.ID)
		if err != nil {
			e.logger.Warn("acceptance poll read failed", "order_id", order.ID, "error", err)
			continue
		}
		order = refreshed
	}

	// Budget exhausted: report the last observed state rather than hanging.
	if order.Status.Failed() {
		return nil, failf(FailBrokerReject, "order %s ended %s", order.ID, order.Status)
	}
	return order, nil
}

// submitResult loads the contingent legs so the caller sees the whole graph.
func (e *Engine) submitResult(ctx context.Context, order *domain.Order) (*SubmitResult, error) {
	res := &SubmitResult{Order: order}
	for _, legID := range order.Legs {
		leg, err := e.broker.GetOrder(ctx, legID)
		if err != nil {
			e.logger.Warn("leg read failed", "order_id", order.ID, "leg_id", legID, "error", err)
			continue
		}
		res.Legs = append(res.Legs, *leg)
	}

	e.logger.Info("order submitted",
		"id", order.ID,
		"symbol", order.Symbol,
		"status", order.Status,
		"class", order.Class,
		"legs", len(res.Legs))
	return res, nil
}

func (e *Engine) requireMarketOpen(ctx context.Context) error {
	open, err := e.broker.IsMarketOpen(ctx)
	if err != nil {
		return failErr(FailBrokerReject, "market clock unavailable", err)
	}
	if !open {
		return failf(FailMarketClosed, "market is closed")
	}
	return nil
}

// wait sleeps cooperatively; it never holds any store-level resource.
func (e *Engine) wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func classifySubmitErr(err error) error {
	if errors.Is(err, broker.ErrInvalidRequest) {
		return failErr(FailValidation, "invalid order request", err)
	}
	if errors.Is(err, store.ErrNotFound) {
		return failErr(FailNotFound, "not found", err)
	}
	return failErr(FailBrokerReject, "broker rejected the request", err)
}
