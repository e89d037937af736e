// Package store defines storage interfaces for persisting and retrieving
// orders, fills, positions, account state, and market-data bars, and
// provides a SQLite-backed implementation that owns all entity mutation.
package store

import (
	"context"
	"errors"
	"time"

	"papertrade/internal/domain"
)

// ErrNotFound is returned when a referenced order, position, or asset does
// not exist. Mutating operations never silently no-op on missing rows.
var ErrNotFound = errors.New("store: not found")

// ErrOrderDone is returned when a guarded status transition loses a race:
// the order already left the open/pending family. The caller must re-read
// the order to observe the winning terminal state.
var ErrOrderDone = errors.New("store: order already in a terminal state")

// OrderFilter narrows ListOrders. Zero values match everything.
type OrderFilter struct {
	Statuses []domain.OrderStatus
	Symbol   string
	Limit    int
}

// OrderUpdate is a partial update applied to an order. Nil fields are left
// untouched.
type OrderUpdate struct {
	Status     *domain.OrderStatus
	Qty        *float64
	LimitPrice *float64
	StopPrice  *float64
	HWM        *float64
	UpdatedAt  *time.Time
	CanceledAt *time.Time
	ExpiredAt  *time.Time
	FailedAt   *time.Time
}

// OrderStore persists and retrieves order records.
type OrderStore interface {
	// CreateOrder inserts a new order (and nothing else) into storage.
	CreateOrder(ctx context.Context, order *domain.Order) error

	// GetOrder retrieves a single order by its ID.
	GetOrder(ctx context.Context, id string) (*domain.Order, error)

	// GetOrderByClientID retrieves an order by its client-supplied id.
	GetOrderByClientID(ctx context.Context, clientID string) (*domain.Order, error)

	// ListOrders returns orders matching the filter, oldest first.
	ListOrders(ctx context.Context, f OrderFilter) ([]domain.Order, error)

	// UpdateOrder applies a partial update to an existing order.
	UpdateOrder(ctx context.Context, id string, u OrderUpdate) error

	// ReplaceOrder applies qty/price changes in a single guarded statement:
	// the write lands only while the order is still replaceable and, when
	// qty changes, only while the new qty exceeds the filled quantity.
	// Returns ErrOrderDone when a fill or cancel won the race.
	ReplaceOrder(ctx context.Context, id string, u OrderUpdate) error

	// TransitionOrder moves an order from any of the given statuses to the
	// target status. Returns ErrOrderDone when the order is no longer in
	// one of them; this is the only way to cancel or fail an open order.
	TransitionOrder(ctx context.Context, id string, from []domain.OrderStatus, to domain.OrderStatus, at time.Time) error
}

// FillStore records executions. Fills are append-only and only ever written
// through ApplyFill.
type FillStore interface {
	// ApplyFill atomically records a fill: the fill row is inserted, the
	// order's status/filled_qty/filled_avg_price advance, the position is
	// upserted (or deleted at zero), and account cash is adjusted - all in
	// one transaction. Returns ErrOrderDone when the order has already left
	// the fillable statuses.
	ApplyFill(ctx context.Context, orderID string, price, qty float64, at time.Time) error

	// ListFills returns the fills for an order, oldest first.
	ListFills(ctx context.Context, orderID string) ([]domain.Fill, error)
}

// PositionStore reads position records. All mutation goes through ApplyFill.
type PositionStore interface {
	// GetPosition retrieves the open position for a symbol.
	GetPosition(ctx context.Context, symbol string) (*domain.Position, error)

	// ListPositions returns all open positions.
	ListPositions(ctx context.Context) ([]domain.Position, error)

	// MarkPrice refreshes a position's current price.
	MarkPrice(ctx context.Context, symbol string, price float64, at time.Time) error
}

// AccountStore reads and maintains the singleton account row.
type AccountStore interface {
	// GetAccount returns the account, creating it with the default starting
	// balance when absent.
	GetAccount(ctx context.Context) (*domain.Account, error)

	// UpdateEquity overwrites the account's equity snapshot.
	UpdateEquity(ctx context.Context, equity float64) error
}

// BarStore persists and queries market-data bars.
type BarStore interface {
	// UpsertBars inserts bars keyed on (symbol, timestamp, timeframe),
	// replacing rows that already exist for the key.
	UpsertBars(ctx context.Context, bars []domain.Bar) error

	// LatestClose returns the close of the most recent bar for the symbol,
	// or ErrNotFound when no bar has been ingested yet.
	LatestClose(ctx context.Context, symbol string) (float64, error)

	// ListBars returns bars for a symbol within [start, end], oldest first.
	ListBars(ctx context.Context, symbol string, tf domain.Timeframe, start, end time.Time) ([]domain.Bar, error)
}

// AssetStore maintains the tradable-instrument reference table.
type AssetStore interface {
	// UpsertAsset inserts or replaces an asset keyed on symbol.
	UpsertAsset(ctx context.Context, a *domain.Asset) error

	// GetAsset retrieves an asset by symbol.
	GetAsset(ctx context.Context, symbol string) (*domain.Asset, error)
}
