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

// TrailingTracker ratchets the water mark and derived stop trigger of every
// active trailing-stop order as new prices arrive. The stop only ever moves
// in the position's favor; a price that sets no new extreme changes nothing.
type TrailingTracker struct {
	store    *store.SQLiteStore
	logger   *slog.Logger
	interval time.Duration

	t   *tomb.Tomb
	now func() time.Time
}

// NewTrailingTracker creates a tracker ticking at the given interval.
func NewTrailingTracker(st *store.SQLiteStore, logger *slog.Logger, interval time.Duration) *TrailingTracker {
	return &TrailingTracker{
		store:    st,
		logger:   logger,
		interval: interval,
		now:      time.Now,
	}
}

// Start launches the tracking loop.
func (tr *TrailingTracker) Start(ctx context.Context) {
	tr.t, ctx = tomb.WithContext(ctx)
	tr.t.Go(func() error {
		return tr.loop(ctx)
	})
	tr.logger.Info("trailing tracker started", "interval", tr.interval)
}

// Stop terminates the loop and waits for the in-flight tick.
func (tr *TrailingTracker) Stop() error {
	if tr.t == nil {
		return nil
	}
	tr.t.Kill(nil)
	return tr.t.Wait()
}

func (tr *TrailingTracker) loop(ctx context.Context) error {
	ticker := time.NewTicker(tr.interval)
	defer ticker.Stop()

	for {
		select {
		case <-tr.t.Dying():
			return nil
		case <-ticker.C:
			if err := tr.Tick(ctx); err != nil {
				tr.logger.Error("trailing tick failed", "error", err)
			}
		}
	}
}

// Tick updates the water mark of every active trailing-stop order from the
// latest price. Orders whose symbol has no price yet are skipped.
func (tr *TrailingTracker) Tick(ctx context.Context) error {
	orders, err := tr.store.ListOrders(ctx, store.OrderFilter{Statuses: matchableStatuses})
	if err != nil {
		return err
	}

	for i := range orders {
		order := &orders[i]
		if order.Type != domain.OrderTypeTrailingStop {
			continue
		}

		price, err := tr.store.LatestClose(ctx, order.Symbol)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			tr.logger.Warn("price lookup failed", "symbol", order.Symbol, "error", err)
			continue
		}

		if err := tr.track(ctx, order, price); err != nil {
			tr.logger.Warn("trailing update failed", "order_id", order.ID, "error", err)
		}
	}
	return nil
}

// track seeds the water mark on first sight and ratchets it afterwards,
// persisting the mark and its derived stop when they move.
func (tr *TrailingTracker) track(ctx context.Context, order *domain.Order, price float64) error {
	hwm := price
	if order.HWM != nil {
		hwm = domain.RatchetHWM(order.Side, *order.HWM, price)
		if hwm == *order.HWM {
			return nil
		}
	}

	stop := domain.TrailingStopPrice(order.Side, hwm, order.TrailPercent, order.TrailPrice)
	now := tr.now().UTC()

	err := tr.store.UpdateOrder(ctx, order.ID, store.OrderUpdate{
		HWM:       &hwm,
		StopPrice: &stop,
		UpdatedAt: &now,
	})
	if err != nil {
		return err
	}

	tr.logger.Debug("trailing stop ratcheted",
		"order_id", order.ID,
		"symbol", order.Symbol,
		"hwm", hwm,
		"stop", stop)
	return nil
}
