package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"papertrade/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), 100000)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestOrder(symbol string, side domain.OrderSide, qty float64, status domain.OrderStatus) *domain.Order {
	limit := 150.0
	return &domain.Order{
		ID:            uuid.NewString(),
		ClientOrderID: uuid.NewString(),
		Symbol:        symbol,
		Side:          side,
		Type:          domain.OrderTypeLimit,
		Class:         domain.OrderClassSimple,
		TimeInForce:   domain.TimeInForceDay,
		Qty:           qty,
		LimitPrice:    &limit,
		Status:        status,
		CreatedAt:     time.Now().UTC(),
	}
}

func TestCreateAndGetOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	o := newTestOrder("AAPL", domain.OrderSideBuy, 100, domain.OrderStatusNew)
	o.Legs = []string{"leg-1", "leg-2"}
	require.NoError(t, s.CreateOrder(ctx, o))

	got, err := s.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, o.Symbol, got.Symbol)
	assert.Equal(t, domain.OrderStatusNew, got.Status)
	assert.Equal(t, []string{"leg-1", "leg-2"}, got.Legs)
	require.NotNil(t, got.LimitPrice)
	assert.Equal(t, 150.0, *got.LimitPrice)

	byClient, err := s.GetOrderByClientID(ctx, o.ClientOrderID)
	require.NoError(t, err)
	assert.Equal(t, o.ID, byClient.ID)

	_, err = s.GetOrder(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListOrdersFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	open := newTestOrder("AAPL", domain.OrderSideBuy, 10, domain.OrderStatusNew)
	done := newTestOrder("AAPL", domain.OrderSideBuy, 10, domain.OrderStatusFilled)
	other := newTestOrder("TSLA", domain.OrderSideSell, 5, domain.OrderStatusNew)
	for _, o := range []*domain.Order{open, done, other} {
		require.NoError(t, s.CreateOrder(ctx, o))
	}

	got, err := s.ListOrders(ctx, OrderFilter{
		Statuses: []domain.OrderStatus{domain.OrderStatusNew},
		Symbol:   "AAPL",
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, open.ID, got[0].ID)

	all, err := s.ListOrders(ctx, OrderFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestTransitionOrderGuards(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	o := newTestOrder("AAPL", domain.OrderSideBuy, 10, domain.OrderStatusNew)
	require.NoError(t, s.CreateOrder(ctx, o))

	openStatuses := []domain.OrderStatus{
		domain.OrderStatusNew, domain.OrderStatusAccepted, domain.OrderStatusPartiallyFilled,
	}
	require.NoError(t, s.TransitionOrder(ctx, o.ID, openStatuses, domain.OrderStatusCanceled, now))

	got, err := s.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCanceled, got.Status)
	assert.NotNil(t, got.CanceledAt)

	// Second cancel loses the guard: the order already left the open family.
	err = s.TransitionOrder(ctx, o.ID, openStatuses, domain.OrderStatusCanceled, now)
	assert.ErrorIs(t, err, ErrOrderDone)

	err = s.TransitionOrder(ctx, "missing", openStatuses, domain.OrderStatusCanceled, now)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestApplyFillFullLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	o := newTestOrder("AAPL", domain.OrderSideBuy, 100, domain.OrderStatusNew)
	require.NoError(t, s.CreateOrder(ctx, o))

	require.NoError(t, s.ApplyFill(ctx, o.ID, 150, 100, now))

	got, err := s.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, got.Status)
	assert.Equal(t, 100.0, got.FilledQty)
	require.NotNil(t, got.FilledAvgPrice)
	assert.Equal(t, 150.0, *got.FilledAvgPrice)
	assert.NotNil(t, got.FilledAt)

	fills, err := s.ListFills(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.Equal(t, 150.0, fills[0].Price)

	pos, err := s.GetPosition(ctx, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, domain.PositionSideLong, pos.Side)
	assert.Equal(t, 100.0, pos.Qty)
	assert.Equal(t, 150.0, pos.AvgEntryPrice)

	acct, err := s.GetAccount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 100000.0-15000.0, acct.Cash)
}

func TestApplyFillPartialThenComplete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	o := newTestOrder("AAPL", domain.OrderSideBuy, 100, domain.OrderStatusNew)
	require.NoError(t, s.CreateOrder(ctx, o))

	require.NoError(t, s.ApplyFill(ctx, o.ID, 150, 40, now))

	got, err := s.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPartiallyFilled, got.Status)
	assert.Equal(t, 40.0, got.FilledQty)

	require.NoError(t, s.ApplyFill(ctx, o.ID, 152, 60, now))

	got, err = s.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusFilled, got.Status)
	assert.Equal(t, 100.0, got.FilledQty)
	// (150*40 + 152*60) / 100 = 151.2
	assert.InDelta(t, 151.2, *got.FilledAvgPrice, 1e-9)

	// Sum of fill rows always equals filled qty.
	fills, err := s.ListFills(ctx, o.ID)
	require.NoError(t, err)
	var sum float64
	for _, f := range fills {
		sum += f.Qty
	}
	assert.Equal(t, got.FilledQty, sum)
}

func TestApplyFillClosesAndDeletesPosition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	buy := newTestOrder("AAPL", domain.OrderSideBuy, 50, domain.OrderStatusNew)
	require.NoError(t, s.CreateOrder(ctx, buy))
	require.NoError(t, s.ApplyFill(ctx, buy.ID, 150, 50, now))

	sell := newTestOrder("AAPL", domain.OrderSideSell, 50, domain.OrderStatusNew)
	require.NoError(t, s.CreateOrder(ctx, sell))
	require.NoError(t, s.ApplyFill(ctx, sell.ID, 160, 50, now))

	_, err := s.GetPosition(ctx, "AAPL")
	assert.ErrorIs(t, err, ErrNotFound)

	// Round trip banked the 10-point gain.
	acct, err := s.GetAccount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 100000.0+500.0, acct.Cash)
}

func TestApplyFillRejectsDoneOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	o := newTestOrder("AAPL", domain.OrderSideBuy, 10, domain.OrderStatusCanceled)
	require.NoError(t, s.CreateOrder(ctx, o))

	err := s.ApplyFill(ctx, o.ID, 150, 10, now)
	assert.ErrorIs(t, err, ErrOrderDone)

	fills, err := s.ListFills(ctx, o.ID)
	require.NoError(t, err)
	assert.Empty(t, fills)
}

// A cancel and a fill racing on the same order must produce exactly one
// outcome: filled with a fill row, or canceled with none.
func TestCancelFillRace(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 20; i++ {
		o := newTestOrder("AAPL", domain.OrderSideBuy, 10, domain.OrderStatusNew)
		require.NoError(t, s.CreateOrder(ctx, o))

		var wg sync.WaitGroup
		var fillErr, cancelErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			fillErr = s.ApplyFill(ctx, o.ID, 150, 10, now)
		}()
		go func() {
			defer wg.Done()
			cancelErr = s.TransitionOrder(ctx, o.ID,
				[]domain.OrderStatus{domain.OrderStatusNew, domain.OrderStatusAccepted, domain.OrderStatusPartiallyFilled},
				domain.OrderStatusCanceled, now)
		}()
		wg.Wait()

		got, err := s.GetOrder(ctx, o.ID)
		require.NoError(t, err)
		fills, err := s.ListFills(ctx, o.ID)
		require.NoError(t, err)

		switch got.Status {
		case domain.OrderStatusFilled:
			require.NoError(t, fillErr)
			assert.ErrorIs(t, cancelErr, ErrOrderDone)
			assert.Len(t, fills, 1)
		case domain.OrderStatusCanceled:
			require.NoError(t, cancelErr)
			assert.ErrorIs(t, fillErr, ErrOrderDone)
			assert.Empty(t, fills)
		default:
			t.Fatalf("order ended in unexpected status %s", got.Status)
		}
	}
}

func TestGetAccountCreatesDefault(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	acct, err := s.GetAccount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 100000.0, acct.Cash)
	assert.Equal(t, "USD", acct.Currency)
	assert.Equal(t, "ACTIVE", acct.Status)
	assert.False(t, acct.TradingBlocked)

	// Second read returns the same row, not a new one.
	again, err := s.GetAccount(ctx)
	require.NoError(t, err)
	assert.Equal(t, acct.ID, again.ID)
}

func TestBarsUpsertAndLatestClose(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.LatestClose(ctx, "AAPL")
	assert.ErrorIs(t, err, ErrNotFound)

	ts1 := time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)
	ts2 := ts1.Add(time.Minute)
	bars := []domain.Bar{
		{Symbol: "AAPL", Timestamp: ts1, Timeframe: domain.TimeframeMinute, Open: 150, High: 151, Low: 149, Close: 150.5, Volume: 1000},
		{Symbol: "AAPL", Timestamp: ts2, Timeframe: domain.TimeframeMinute, Open: 150.5, High: 152, Low: 150, Close: 151.5, Volume: 1200},
	}
	require.NoError(t, s.UpsertBars(ctx, bars))

	c, err := s.LatestClose(ctx, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, 151.5, c)

	// Re-upserting the same key replaces, not duplicates.
	bars[1].Close = 151.75
	require.NoError(t, s.UpsertBars(ctx, bars))

	all, err := s.ListBars(ctx, "AAPL", domain.TimeframeMinute, ts1, ts2)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, 151.75, all[1].Close)
}

func TestAssetsUpsertAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertAsset(ctx, &domain.Asset{
		Symbol: "AAPL", Name: "Apple Inc.", Exchange: "NASDAQ",
		Class: "us_equity", Status: "active", Tradable: true,
	}))

	a, err := s.GetAsset(ctx, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, "Apple Inc.", a.Name)
	assert.True(t, a.Tradable)

	_, err = s.GetAsset(ctx, "ZZZZ")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMarkPrice(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	o := newTestOrder("AAPL", domain.OrderSideBuy, 10, domain.OrderStatusNew)
	require.NoError(t, s.CreateOrder(ctx, o))
	require.NoError(t, s.ApplyFill(ctx, o.ID, 150, 10, now))

	require.NoError(t, s.MarkPrice(ctx, "AAPL", 155, now))
	pos, err := s.GetPosition(ctx, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, 155.0, pos.CurrentPrice)

	assert.ErrorIs(t, s.MarkPrice(ctx, "ZZZZ", 1, now), ErrNotFound)
}

func TestReplaceOrderGuards(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	t.Run("fill beats replace", func(t *testing.T) {
		o := newTestOrder("AAPL", domain.OrderSideBuy, 10, domain.OrderStatusNew)
		require.NoError(t, s.CreateOrder(ctx, o))

		// The order fills completely after a caller read it as open but
		// before its shrinking replace lands.
		require.NoError(t, s.ApplyFill(ctx, o.ID, 150, 10, now))

		qty := 5.0
		err := s.ReplaceOrder(ctx, o.ID, OrderUpdate{Qty: &qty, UpdatedAt: &now})
		require.ErrorIs(t, err, ErrOrderDone)

		got, err := s.GetOrder(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.OrderStatusFilled, got.Status)
		assert.Equal(t, 10.0, got.Qty)
		assert.Equal(t, 10.0, got.FilledQty)
	})

	t.Run("partial fill caps the new qty", func(t *testing.T) {
		o := newTestOrder("MSFT", domain.OrderSideBuy, 10, domain.OrderStatusNew)
		require.NoError(t, s.CreateOrder(ctx, o))
		require.NoError(t, s.ApplyFill(ctx, o.ID, 150, 6, now))

		qty := 5.0
		err := s.ReplaceOrder(ctx, o.ID, OrderUpdate{Qty: &qty, UpdatedAt: &now})
		require.ErrorIs(t, err, ErrOrderDone)

		qty = 8.0
		require.NoError(t, s.ReplaceOrder(ctx, o.ID, OrderUpdate{Qty: &qty, UpdatedAt: &now}))

		got, err := s.GetOrder(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, 8.0, got.Qty)
		assert.Equal(t, 6.0, got.FilledQty)
	})

	t.Run("price-only replace on a canceled order", func(t *testing.T) {
		o := newTestOrder("TSLA", domain.OrderSideBuy, 10, domain.OrderStatusNew)
		require.NoError(t, s.CreateOrder(ctx, o))
		require.NoError(t, s.TransitionOrder(ctx, o.ID, []domain.OrderStatus{domain.OrderStatusNew}, domain.OrderStatusCanceled, now))

		limit := 140.0
		err := s.ReplaceOrder(ctx, o.ID, OrderUpdate{LimitPrice: &limit, UpdatedAt: &now})
		require.ErrorIs(t, err, ErrOrderDone)
	})

	t.Run("missing order", func(t *testing.T) {
		qty := 5.0
		err := s.ReplaceOrder(ctx, "no-such-order", OrderUpdate{Qty: &qty, UpdatedAt: &now})
		require.ErrorIs(t, err, ErrNotFound)
	})
}
