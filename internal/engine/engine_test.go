package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"papertrade/internal/broker"
	"papertrade/internal/domain"
	"papertrade/internal/store"
)

// fakeBroker scripts broker behaviour so the controller's polling and
// failure handling can be exercised without a real exchange.
type fakeBroker struct {
	mu sync.Mutex

	marketOpen    bool
	initialStatus domain.OrderStatus

	orders    map[string]*domain.Order
	statusSeq map[string][]domain.OrderStatus
	cancelErr map[string]error
	positions map[string]*domain.Position
	submitted []broker.OrderRequest

	nextID int
}

var _ broker.Broker = (*fakeBroker)(nil)

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		marketOpen:    true,
		initialStatus: domain.OrderStatusNew,
		orders:        make(map[string]*domain.Order),
		statusSeq:     make(map[string][]domain.OrderStatus),
		cancelErr:     make(map[string]error),
		positions:     make(map[string]*domain.Position),
	}
}

func (f *fakeBroker) Name() string { return "fake" }

func (f *fakeBroker) SubmitOrder(_ context.Context, req broker.OrderRequest) (*domain.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, req)
	f.nextID++
	order := &domain.Order{
		ID:     fmt.Sprintf("order-%d", f.nextID),
		Symbol: req.Symbol,
		Side:   req.Side,
		Type:   req.Type,
		Class:  req.OrderClass,
		Qty:    req.Qty,
		Status: f.initialStatus,
	}
	f.orders[order.ID] = order
	return order, nil
}

func (f *fakeBroker) GetOrder(_ context.Context, id string) (*domain.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.orders[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if seq := f.statusSeq[id]; len(seq) > 0 {
		order.Status = seq[0]
		f.statusSeq[id] = seq[1:]
	}
	cp := *order
	return &cp, nil
}

func (f *fakeBroker) GetOrderByClientID(ctx context.Context, clientID string) (*domain.Order, error) {
	return nil, store.ErrNotFound
}

func (f *fakeBroker) ReplaceOrder(_ context.Context, id string, req broker.ReplaceRequest) (*domain.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.orders[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if order.Status.Terminal() {
		return nil, store.ErrOrderDone
	}
	if req.Qty != nil {
		order.Qty = *req.Qty
	}
	if req.LimitPrice != nil {
		order.LimitPrice = req.LimitPrice
	}
	if req.StopPrice != nil {
		order.StopPrice = req.StopPrice
	}
	cp := *order
	return &cp, nil
}

func (f *fakeBroker) CancelOrder(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.cancelErr[id]; ok {
		return err
	}
	order, ok := f.orders[id]
	if !ok {
		return store.ErrNotFound
	}
	if order.Status.Terminal() {
		return store.ErrOrderDone
	}
	if len(f.statusSeq[id]) == 0 {
		order.Status = domain.OrderStatusCanceled
	}
	return nil
}

func (f *fakeBroker) CancelAllOrders(context.Context) error { return nil }

func (f *fakeBroker) ListOrders(_ context.Context, view broker.OrderView, symbol string, _ int) ([]domain.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Order
	for _, o := range f.orders {
		if symbol != "" && o.Symbol != symbol {
			continue
		}
		switch view {
		case broker.OrdersOpen:
			if o.Status.Terminal() {
				continue
			}
		case broker.OrdersClosed:
			if !o.Status.Terminal() {
				continue
			}
		}
		out = append(out, *o)
	}
	return out, nil
}

func (f *fakeBroker) GetPosition(_ context.Context, symbol string) (*domain.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pos, ok := f.positions[symbol]
	if !ok {
		return nil, broker.ErrNoPosition
	}
	cp := *pos
	return &cp, nil
}

func (f *fakeBroker) ListPositions(context.Context) ([]domain.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Position
	for _, p := range f.positions {
		out = append(out, *p)
	}
	return out, nil
}

func (f *fakeBroker) ClosePosition(ctx context.Context, symbol string, pct float64) (*domain.Order, error) {
	pos, err := f.GetPosition(ctx, symbol)
	if err != nil {
		return nil, err
	}
	return f.SubmitOrder(ctx, broker.OrderRequest{
		Symbol: symbol,
		Qty:    pos.Qty * pct / 100,
		Side:   domain.OrderSideSell,
		Type:   domain.OrderTypeMarket,
	})
}

func (f *fakeBroker) CloseAllPositions(context.Context) ([]domain.Order, error) { return nil, nil }

func (f *fakeBroker) GetAccount(context.Context) (*domain.Account, error) {
	return &domain.Account{Cash: 100000, Equity: 100000}, nil
}

func (f *fakeBroker) IsMarketOpen(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.marketOpen, nil
}

func newTestEngine(f *fakeBroker) *Engine {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(f, logger, Options{
		PollAttempts:   5,
		PollBackoff:    time.Millisecond,
		CancelDeadline: 100 * time.Millisecond,
	})
}

func fp(v float64) *float64 { return &v }

func requireKind(t *testing.T, err error, kind FailureKind) {
	t.Helper()
	var oe *OpError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, kind, oe.Kind)
}

func TestSubmitRejectsWhenMarketClosed(t *testing.T) {
	f := newFakeBroker()
	f.marketOpen = false
	e := newTestEngine(f)

	_, err := e.SubmitOrder(context.Background(), SubmitParams{
		Symbol: "AAPL", Qty: 10, Side: domain.OrderSideBuy,
	})
	requireKind(t, err, FailMarketClosed)
	assert.Empty(t, f.submitted, "nothing may reach the broker when the market is closed")
}

func TestSubmitComposesOrderClass(t *testing.T) {
	cases := []struct {
		name      string
		p         SubmitParams
		wantClass domain.OrderClass
		wantType  domain.OrderType
	}{
		{"simple market", SubmitParams{Symbol: "AAPL", Qty: 10, Side: domain.OrderSideBuy},
			domain.OrderClassSimple, domain.OrderTypeMarket},
		{"simple limit", SubmitParams{Symbol: "AAPL", Qty: 10, Side: domain.OrderSideBuy, LimitPrice: fp(150)},
			domain.OrderClassSimple, domain.OrderTypeLimit},
		{"oto take profit", SubmitParams{Symbol: "AAPL", Qty: 10, Side: domain.OrderSideBuy, TakeProfit: fp(160)},
			domain.OrderClassOTO, domain.OrderTypeMarket},
		{"oto stop loss", SubmitParams{Symbol: "AAPL", Qty: 10, Side: domain.OrderSideBuy, StopLoss: fp(145)},
			domain.OrderClassOTO, domain.OrderTypeMarket},
		{"bracket", SubmitParams{Symbol: "AAPL", Qty: 10, Side: domain.OrderSideBuy, LimitPrice: fp(150), TakeProfit: fp(160), StopLoss: fp(145)},
			domain.OrderClassBracket, domain.OrderTypeLimit},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFakeBroker()
			e := newTestEngine(f)

			_, err := e.SubmitOrder(context.Background(), tc.p)
			require.NoError(t, err)
			require.Len(t, f.submitted, 1)
			assert.Equal(t, tc.wantClass, f.submitted[0].OrderClass)
			assert.Equal(t, tc.wantType, f.submitted[0].Type)
		})
	}
}

func TestSubmitPollsThroughPendingFamily(t *testing.T) {
	f := newFakeBroker()
	f.initialStatus = domain.OrderStatusPendingNew
	e := newTestEngine(f)

	f.nextID = 0
	// The order will be order-1; script its acceptance.
	f.statusSeq["order-1"] = []domain.OrderStatus{domain.OrderStatusPendingNew, domain.OrderStatusNew}

	res, err := e.SubmitOrder(context.Background(), SubmitParams{
		Symbol: "AAPL", Qty: 10, Side: domain.OrderSideBuy,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusNew, res.Order.Status)
}

func TestSubmitReportsRejectFamilyAsFailure(t *testing.T) {
	f := newFakeBroker()
	f.initialStatus = domain.OrderStatusPendingNew
	e := newTestEngine(f)
	f.statusSeq["order-1"] = []domain.OrderStatus{domain.OrderStatusRejected}

	_, err := e.SubmitOrder(context.Background(), SubmitParams{
		Symbol: "AAPL", Qty: 10, Side: domain.OrderSideBuy,
	})
	requireKind(t, err, FailBrokerReject)
}

func TestSubmitExhaustedBudgetReturnsLastState(t *testing.T) {
	f := newFakeBroker()
	f.initialStatus = domain.OrderStatusPendingNew
	e := newTestEngine(f)
	// Never leaves pending; the budget runs out and the caller still gets
	// the order back.
	res, err := e.SubmitOrder(context.Background(), SubmitParams{
		Symbol: "AAPL", Qty: 10, Side: domain.OrderSideBuy,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPendingNew, res.Order.Status)
}

func TestPlaceTrailingStopValidation(t *testing.T) {
	f := newFakeBroker()
	e := newTestEngine(f)
	ctx := context.Background()

	_, err := e.PlaceTrailingStop(ctx, TrailingParams{
		Symbol: "MSFT", Qty: 10, Side: domain.OrderSideSell,
		TrailPercent: fp(5), TrailPrice: fp(3),
	})
	requireKind(t, err, FailValidation)

	_, err = e.PlaceTrailingStop(ctx, TrailingParams{
		Symbol: "MSFT", Qty: 10, Side: domain.OrderSideSell,
	})
	requireKind(t, err, FailValidation)

	res, err := e.PlaceTrailingStop(ctx, TrailingParams{
		Symbol: "MSFT", Qty: 10, Side: domain.OrderSideSell, TrailPercent: fp(5),
	})
	require.NoError(t, err)
	require.Len(t, f.submitted, 1)
	assert.Equal(t, domain.OrderTypeTrailingStop, f.submitted[0].Type)
	assert.Equal(t, res.Order.Symbol, "MSFT")
}

func TestModifyOrderValidation(t *testing.T) {
	f := newFakeBroker()
	e := newTestEngine(f)
	ctx := context.Background()

	_, err := e.ModifyOrder(ctx, "order-1", ModifyParams{LimitPrice: fp(100), StopPrice: fp(90)})
	requireKind(t, err, FailValidation)

	_, err = e.ModifyOrder(ctx, "order-1", ModifyParams{})
	requireKind(t, err, FailValidation)

	_, err = e.ModifyOrder(ctx, "missing", ModifyParams{Qty: fp(20)})
	requireKind(t, err, FailNotFound)
}

func TestModifyOrderApplies(t *testing.T) {
	f := newFakeBroker()
	e := newTestEngine(f)
	ctx := context.Background()

	res, err := e.SubmitOrder(ctx, SubmitParams{
		Symbol: "AAPL", Qty: 10, Side: domain.OrderSideBuy, LimitPrice: fp(150),
	})
	require.NoError(t, err)

	modified, err := e.ModifyOrder(ctx, res.Order.ID, ModifyParams{LimitPrice: fp(155), Qty: fp(20)})
	require.NoError(t, err)
	require.NotNil(t, modified.LimitPrice)
	assert.Equal(t, 155.0, *modified.LimitPrice)
	assert.Equal(t, 20.0, modified.Qty)
}

func TestModifyOrderFillRace(t *testing.T) {
	f := newFakeBroker()
	e := newTestEngine(f)
	ctx := context.Background()

	res, err := e.SubmitOrder(ctx, SubmitParams{
		Symbol: "AAPL", Qty: 10, Side: domain.OrderSideBuy, LimitPrice: fp(150),
	})
	require.NoError(t, err)

	// The order fills before the replace lands.
	f.mu.Lock()
	f.orders[res.Order.ID].Status = domain.OrderStatusFilled
	f.mu.Unlock()

	_, err = e.ModifyOrder(ctx, res.Order.ID, ModifyParams{LimitPrice: fp(155)})
	requireKind(t, err, FailBrokerReject)
	assert.Contains(t, err.Error(), "filled")
}

func TestCancelOrderResolves(t *testing.T) {
	f := newFakeBroker()
	e := newTestEngine(f)
	ctx := context.Background()

	res, err := e.SubmitOrder(ctx, SubmitParams{
		Symbol: "AAPL", Qty: 10, Side: domain.OrderSideBuy, LimitPrice: fp(150),
	})
	require.NoError(t, err)

	cr, err := e.CancelOrder(ctx, res.Order.ID)
	require.NoError(t, err)
	assert.True(t, cr.Canceled)
	assert.Equal(t, domain.OrderStatusCanceled, cr.Status)

	// A second cancel is idempotent: same terminal status, no error.
	cr2, err := e.CancelOrder(ctx, res.Order.ID)
	require.NoError(t, err)
	assert.True(t, cr2.Canceled)
	assert.Equal(t, domain.OrderStatusCanceled, cr2.Status)
}

func TestCancelOrderReportsFillTruthfully(t *testing.T) {
	f := newFakeBroker()
	e := newTestEngine(f)
	ctx := context.Background()

	res, err := e.SubmitOrder(ctx, SubmitParams{
		Symbol: "AAPL", Qty: 10, Side: domain.OrderSideBuy, LimitPrice: fp(150),
	})
	require.NoError(t, err)

	f.mu.Lock()
	f.orders[res.Order.ID].Status = domain.OrderStatusFilled
	f.mu.Unlock()

	cr, err := e.CancelOrder(ctx, res.Order.ID)
	require.NoError(t, err)
	assert.False(t, cr.Canceled)
	assert.Equal(t, domain.OrderStatusFilled, cr.Status)
}

func TestCancelOrderTimeout(t *testing.T) {
	f := newFakeBroker()
	e := newTestEngine(f)
	ctx := context.Background()

	res, err := e.SubmitOrder(ctx, SubmitParams{
		Symbol: "AAPL", Qty: 10, Side: domain.OrderSideBuy, LimitPrice: fp(150),
	})
	require.NoError(t, err)

	// The cancel request lands but the order never turns terminal.
	f.mu.Lock()
	id := res.Order.ID
	f.statusSeq[id] = nil
	f.orders[id].Status = domain.OrderStatusPendingCancel
	f.cancelErr[id] = nil
	f.mu.Unlock()
	for i := 0; i < 1000; i++ {
		f.statusSeq[id] = append(f.statusSeq[id], domain.OrderStatusPendingCancel)
	}

	_, err = e.CancelOrder(ctx, id)
	requireKind(t, err, FailTimeout)
}

func TestCancelOrderNotFound(t *testing.T) {
	f := newFakeBroker()
	e := newTestEngine(f)

	_, err := e.CancelOrder(context.Background(), "missing")
	requireKind(t, err, FailNotFound)
}

func TestLiquidatePositionAggregatesPartialFailure(t *testing.T) {
	f := newFakeBroker()
	e := newTestEngine(f)
	ctx := context.Background()

	f.positions["TSLA"] = &domain.Position{
		Symbol: "TSLA", Side: domain.PositionSideLong, Qty: 50, AvgEntryPrice: 200, CurrentPrice: 210,
	}

	a, err := e.SubmitOrder(ctx, SubmitParams{Symbol: "TSLA", Qty: 10, Side: domain.OrderSideSell, LimitPrice: fp(220)})
	require.NoError(t, err)
	b, err := e.SubmitOrder(ctx, SubmitParams{Symbol: "TSLA", Qty: 5, Side: domain.OrderSideSell, LimitPrice: fp(230)})
	require.NoError(t, err)

	// One open order already filled: its cancel fails.
	f.mu.Lock()
	f.cancelErr[b.Order.ID] = store.ErrOrderDone
	f.mu.Unlock()

	res, err := e.LiquidatePosition(ctx, "TSLA")
	require.NoError(t, err)
	assert.False(t, res.Success)
	require.NotNil(t, res.ClosingOrder)
	assert.Equal(t, 50.0, res.ClosingOrder.Qty)

	require.Len(t, res.Cancels, 2)
	byID := map[string]error{}
	for _, c := range res.Cancels {
		byID[c.OrderID] = c.Err
	}
	assert.NoError(t, byID[a.Order.ID])
	assert.ErrorIs(t, byID[b.Order.ID], store.ErrOrderDone)
}

func TestLiquidatePositionNotFound(t *testing.T) {
	f := newFakeBroker()
	e := newTestEngine(f)

	_, err := e.LiquidatePosition(context.Background(), "MSFT")
	requireKind(t, err, FailNotFound)
}

func TestPortfolioAndAccount(t *testing.T) {
	f := newFakeBroker()
	e := newTestEngine(f)
	ctx := context.Background()

	f.positions["AAPL"] = &domain.Position{Symbol: "AAPL", Side: domain.PositionSideLong, Qty: 10, AvgEntryPrice: 150, CurrentPrice: 160}

	all, err := e.Portfolio(ctx, "all")
	require.NoError(t, err)
	assert.Len(t, all, 1)

	one, err := e.Portfolio(ctx, "AAPL")
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.InDelta(t, 100, one[0].UnrealizedPL(), 1e-9)

	_, err = e.Portfolio(ctx, "MSFT")
	requireKind(t, err, FailNotFound)

	acct, err := e.AccountSummary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 100000.0, acct.Cash)
}
