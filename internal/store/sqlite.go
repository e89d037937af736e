package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"papertrade/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var _ OrderStore = (*SQLiteStore)(nil)
var _ FillStore = (*SQLiteStore)(nil)
var _ PositionStore = (*SQLiteStore)(nil)
var _ AccountStore = (*SQLiteStore)(nil)
var _ BarStore = (*SQLiteStore)(nil)
var _ AssetStore = (*SQLiteStore)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS orders (
	id               TEXT PRIMARY KEY,
	client_order_id  TEXT NOT NULL UNIQUE,
	symbol           TEXT NOT NULL,
	side             TEXT NOT NULL,
	type             TEXT NOT NULL,
	class            TEXT NOT NULL DEFAULT 'simple',
	time_in_force    TEXT NOT NULL,
	qty              REAL NOT NULL,
	filled_qty       REAL NOT NULL DEFAULT 0,
	filled_avg_price REAL,
	limit_price      REAL,
	stop_price       REAL,
	trail_percent    REAL,
	trail_price      REAL,
	hwm              REAL,
	status           TEXT NOT NULL,
	legs             TEXT,
	parent_id        TEXT,
	created_at       TIMESTAMP NOT NULL,
	updated_at       TIMESTAMP,
	submitted_at     TIMESTAMP,
	filled_at        TIMESTAMP,
	canceled_at      TIMESTAMP,
	expired_at       TIMESTAMP,
	failed_at        TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);
CREATE INDEX IF NOT EXISTS idx_orders_symbol ON orders(symbol);

CREATE TABLE IF NOT EXISTS order_fills (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	order_id  TEXT NOT NULL REFERENCES orders(id),
	timestamp TIMESTAMP NOT NULL,
	price     REAL NOT NULL,
	qty       REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_order_fills_order ON order_fills(order_id);

CREATE TABLE IF NOT EXISTS positions (
	symbol          TEXT PRIMARY KEY,
	side            TEXT NOT NULL,
	qty             REAL NOT NULL,
	avg_entry_price REAL NOT NULL,
	current_price   REAL NOT NULL,
	updated_at      TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS assets (
	id       TEXT PRIMARY KEY,
	symbol   TEXT NOT NULL UNIQUE,
	name     TEXT NOT NULL,
	exchange TEXT NOT NULL,
	class    TEXT NOT NULL,
	status   TEXT NOT NULL,
	tradable BOOLEAN NOT NULL
);

CREATE TABLE IF NOT EXISTS account (
	id                TEXT PRIMARY KEY,
	cash              REAL NOT NULL,
	buying_power      REAL NOT NULL,
	equity            REAL NOT NULL,
	currency          TEXT NOT NULL,
	status            TEXT NOT NULL,
	pattern_day_trader BOOLEAN NOT NULL,
	trading_blocked   BOOLEAN NOT NULL,
	transfers_blocked BOOLEAN NOT NULL,
	account_blocked   BOOLEAN NOT NULL,
	created_at        TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS market_data (
	symbol      TEXT NOT NULL,
	timestamp   TIMESTAMP NOT NULL,
	timeframe   TEXT NOT NULL,
	open        REAL NOT NULL,
	high        REAL NOT NULL,
	low         REAL NOT NULL,
	close       REAL NOT NULL,
	volume      INTEGER NOT NULL,
	trade_count INTEGER NOT NULL,
	vwap        REAL NOT NULL,
	PRIMARY KEY (symbol, timestamp, timeframe)
);
`

// SQLiteStore implements every store interface atop a single SQLite
// database. It is the sole owner of all entity mutation: the matching
// engine and the lifecycle controller never mutate rows except through
// its methods.
type SQLiteStore struct {
	db           *sql.DB
	startingCash float64
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, creates
// the schema, and returns a ready-to-use store. startingCash seeds the
// default account when no account row exists yet.
func NewSQLiteStore(dbPath string, startingCash float64) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// Writes must be serialized; a single connection avoids SQLITE_BUSY
	// between the matching engine and the controller.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("configuring sqlite: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return &SQLiteStore{db: db, startingCash: startingCash}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// OrderStore implementation
// ---------------------------------------------------------------------------

const orderColumns = `id, client_order_id, symbol, side, type, class, time_in_force,
	qty, filled_qty, filled_avg_price, limit_price, stop_price,
	trail_percent, trail_price, hwm, status, legs, parent_id,
	created_at, updated_at, submitted_at, filled_at, canceled_at, expired_at, failed_at`

// CreateOrder inserts a new order row.
func (s *SQLiteStore) CreateOrder(ctx context.Context, o *domain.Order) error {
	return s.insertOrder(ctx, s.db, o)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) insertOrder(ctx context.Context, db execer, o *domain.Order) error {
	var legs sql.NullString
	if len(o.Legs) > 0 {
		b, err := json.Marshal(o.Legs)
		if err != nil {
			return fmt.Errorf("encoding legs: %w", err)
		}
		legs = sql.NullString{String: string(b), Valid: true}
	}

	_, err := db.ExecContext(ctx, `INSERT INTO orders (`+orderColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		o.ID, o.ClientOrderID, o.Symbol, string(o.Side), string(o.Type), string(o.Class),
		string(o.TimeInForce), o.Qty, o.FilledQty, nullFloat(o.FilledAvgPrice),
		nullFloat(o.LimitPrice), nullFloat(o.StopPrice),
		nullFloat(o.TrailPercent), nullFloat(o.TrailPrice), nullFloat(o.HWM),
		string(o.Status), legs, nullString(o.ParentID),
		o.CreatedAt, nullTime(o.UpdatedAt), nullTime(o.SubmittedAt), nullTime(o.FilledAt),
		nullTime(o.CanceledAt), nullTime(o.ExpiredAt), nullTime(o.FailedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting order %s: %w", o.ID, err)
	}
	return nil
}

// GetOrder retrieves a single order by its ID.
func (s *SQLiteStore) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	return scanOrder(row)
}

// GetOrderByClientID retrieves an order by its client-supplied id.
func (s *SQLiteStore) GetOrderByClientID(ctx context.Context, clientID string) (*domain.Order, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE client_order_id = ?`, clientID)
	return scanOrder(row)
}

// ListOrders returns orders matching the filter, oldest first.
func (s *SQLiteStore) ListOrders(ctx context.Context, f OrderFilter) ([]domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders`
	var conds []string
	var args []any

	if len(f.Statuses) > 0 {
		ph := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			ph[i] = "?"
			args = append(args, string(st))
		}
		conds = append(conds, "status IN ("+strings.Join(ph, ",")+")")
	}
	if f.Symbol != "" {
		conds = append(conds, "symbol = ?")
		args = append(args, f.Symbol)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing orders: %w", err)
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

// UpdateOrder applies a partial update.
func (s *SQLiteStore) UpdateOrder(ctx context.Context, id string, u OrderUpdate) error {
	var sets []string
	var args []any

	if u.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*u.Status))
	}
	if u.Qty != nil {
		sets = append(sets, "qty = ?")
		args = append(args, *u.Qty)
	}
	if u.LimitPrice != nil {
		sets = append(sets, "limit_price = ?")
		args = append(args, *u.LimitPrice)
	}
	if u.StopPrice != nil {
		sets = append(sets, "stop_price = ?")
		args = append(args, *u.StopPrice)
	}
	if u.HWM != nil {
		sets = append(sets, "hwm = ?")
		args = append(args, *u.HWM)
	}
	if u.UpdatedAt != nil {
		sets = append(sets, "updated_at = ?")
		args = append(args, *u.UpdatedAt)
	}
	if u.CanceledAt != nil {
		sets = append(sets, "canceled_at = ?")
		args = append(args, *u.CanceledAt)
	}
	if u.ExpiredAt != nil {
		sets = append(sets, "expired_at = ?")
		args = append(args, *u.ExpiredAt)
	}
	if u.FailedAt != nil {
		sets = append(sets, "failed_at = ?")
		args = append(args, *u.FailedAt)
	}
	if len(sets) == 0 {
		return nil
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx, "UPDATE orders SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return fmt.Errorf("updating order %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	return nil
}

// replaceableStatuses are the states a replace may still land in. A fill or
// cancel moves the order out of this set and wins any race.
var replaceableStatuses = []domain.OrderStatus{
	domain.OrderStatusNew,
	domain.OrderStatusAccepted,
	domain.OrderStatusHeld,
	domain.OrderStatusPartiallyFilled,
}

// ReplaceOrder is the guarded counterpart of UpdateOrder for the replace
// path: guard and write are one statement, so a fill landing between the
// caller's read and this write leaves the row untouched.
func (s *SQLiteStore) ReplaceOrder(ctx context.Context, id string, u OrderUpdate) error {
	var sets []string
	var args []any

	if u.Qty != nil {
		sets = append(sets, "qty = ?")
		args = append(args, *u.Qty)
	}
	if u.LimitPrice != nil {
		sets = append(sets, "limit_price = ?")
		args = append(args, *u.LimitPrice)
	}
	if u.StopPrice != nil {
		sets = append(sets, "stop_price = ?")
		args = append(args, *u.StopPrice)
	}
	if u.UpdatedAt != nil {
		sets = append(sets, "updated_at = ?")
		args = append(args, *u.UpdatedAt)
	}
	if len(sets) == 0 {
		return nil
	}

	ph := make([]string, len(replaceableStatuses))
	args = append(args, id)
	for i, st := range replaceableStatuses {
		ph[i] = "?"
		args = append(args, string(st))
	}

	query := "UPDATE orders SET " + strings.Join(sets, ", ") +
		" WHERE id = ? AND status IN (" + strings.Join(ph, ",") + ")"
	if u.Qty != nil {
		query += " AND ? > filled_qty"
		args = append(args, *u.Qty)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("replacing order %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	// Distinguish a lost race from a missing order.
	var exists int
	if err := s.db.QueryRowContext(ctx, "SELECT 1 FROM orders WHERE id = ?", id).Scan(&exists); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("order %s: %w", id, ErrNotFound)
		}
		return err
	}
	return fmt.Errorf("order %s: %w", id, ErrOrderDone)
}

// TransitionOrder is the guarded status transition. The status check and the
// write are one statement, so racing callers see exactly one winner.
func (s *SQLiteStore) TransitionOrder(ctx context.Context, id string, from []domain.OrderStatus, to domain.OrderStatus, at time.Time) error {
	if len(from) == 0 {
		return fmt.Errorf("transition for order %s: empty source status set", id)
	}

	ph := make([]string, len(from))
	args := []any{string(to), at}
	// Stamp the matching lifecycle timestamp alongside the transition.
	tsCol := ""
	switch to {
	case domain.OrderStatusCanceled:
		tsCol = ", canceled_at = ?"
		args = append(args, at)
	case domain.OrderStatusExpired:
		tsCol = ", expired_at = ?"
		args = append(args, at)
	case domain.OrderStatusRejected:
		tsCol = ", failed_at = ?"
		args = append(args, at)
	}
	for i, st := range from {
		ph[i] = "?"
		args = append(args, string(st))
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		"UPDATE orders SET status = ?, updated_at = ?"+tsCol+
			" WHERE status IN ("+strings.Join(ph, ",")+") AND id = ?", args...)
	if err != nil {
		return fmt.Errorf("transitioning order %s to %s: %w", id, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	// Distinguish a lost race from a missing order.
	var exists int
	if err := s.db.QueryRowContext(ctx, "SELECT 1 FROM orders WHERE id = ?", id).Scan(&exists); err != nil {
		if err == sql.ErrNoRows {
			return fmt.Errorf("order %s: %w", id, ErrNotFound)
		}
		return err
	}
	return fmt.Errorf("order %s: %w", id, ErrOrderDone)
}

// ---------------------------------------------------------------------------
// FillStore implementation
// ---------------------------------------------------------------------------

// ApplyFill records a fill atomically: fill row, order advance, position
// upsert, account cash. Either all four land or none do.
func (s *SQLiteStore) ApplyFill(ctx context.Context, orderID string, price, qty float64, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning fill tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, orderID)
	o, err := scanOrder(row)
	if err != nil {
		return err
	}
	if !o.Status.Open() {
		return fmt.Errorf("order %s is %s: %w", orderID, o.Status, ErrOrderDone)
	}
	if qty <= 0 || qty > o.Remaining() {
		return fmt.Errorf("fill qty %v exceeds remaining %v on order %s", qty, o.Remaining(), orderID)
	}

	// Weighted-average fill price across partial fills.
	newFilled := o.FilledQty + qty
	avg := price
	if o.FilledAvgPrice != nil {
		avg = (*o.FilledAvgPrice*o.FilledQty + price*qty) / newFilled
	}
	newStatus := domain.OrderStatusPartiallyFilled
	var filledAt any
	if newFilled >= o.Qty {
		newStatus = domain.OrderStatusFilled
		filledAt = at
	}

	// Guarded advance: a concurrent cancel or a second matcher tick that
	// already moved the order makes this touch zero rows.
	res, err := tx.ExecContext(ctx, `UPDATE orders
		SET status = ?, filled_qty = ?, filled_avg_price = ?, filled_at = COALESCE(?, filled_at), updated_at = ?
		WHERE id = ? AND status IN ('new','accepted','partially_filled')`,
		string(newStatus), newFilled, avg, filledAt, at, orderID)
	if err != nil {
		return fmt.Errorf("advancing order %s: %w", orderID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("order %s: %w", orderID, ErrOrderDone)
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO order_fills (order_id, timestamp, price, qty) VALUES (?,?,?,?)",
		orderID, at, price, qty); err != nil {
		return fmt.Errorf("inserting fill for order %s: %w", orderID, err)
	}

	// Position: read, recompute, write back.
	pos, err := s.getPositionTx(ctx, tx, o.Symbol)
	if err != nil && err != sql.ErrNoRows {
		return err
	}
	if err == sql.ErrNoRows {
		pos = nil
	}
	next, err := domain.ApplyFillToPosition(pos, o.Symbol, o.Side, qty, price, at)
	if err != nil {
		return fmt.Errorf("recomputing position %s: %w", o.Symbol, err)
	}
	if next == nil {
		if _, err := tx.ExecContext(ctx, "DELETE FROM positions WHERE symbol = ?", o.Symbol); err != nil {
			return fmt.Errorf("deleting flat position %s: %w", o.Symbol, err)
		}
	} else {
		if _, err := tx.ExecContext(ctx, `INSERT INTO positions
			(symbol, side, qty, avg_entry_price, current_price, updated_at)
			VALUES (?,?,?,?,?,?)
			ON CONFLICT(symbol) DO UPDATE SET
				side = excluded.side, qty = excluded.qty,
				avg_entry_price = excluded.avg_entry_price,
				current_price = excluded.current_price,
				updated_at = excluded.updated_at`,
			next.Symbol, string(next.Side), next.Qty, next.AvgEntryPrice,
			next.CurrentPrice, next.UpdatedAt); err != nil {
			return fmt.Errorf("upserting position %s: %w", o.Symbol, err)
		}
	}

	if err := s.ensureAccountTx(ctx, tx, at); err != nil {
		return err
	}
	delta := domain.CashDelta(o.Side, qty, price)
	if _, err := tx.ExecContext(ctx,
		"UPDATE account SET cash = cash + ?, buying_power = buying_power + ?", delta, delta); err != nil {
		return fmt.Errorf("adjusting account cash: %w", err)
	}

	return tx.Commit()
}

// ListFills returns the fills for an order, oldest first.
func (s *SQLiteStore) ListFills(ctx context.Context, orderID string) ([]domain.Fill, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, order_id, timestamp, price, qty FROM order_fills WHERE order_id = ? ORDER BY id ASC", orderID)
	if err != nil {
		return nil, fmt.Errorf("listing fills for order %s: %w", orderID, err)
	}
	defer rows.Close()

	var fills []domain.Fill
	for rows.Next() {
		var f domain.Fill
		if err := rows.Scan(&f.ID, &f.OrderID, &f.Timestamp, &f.Price, &f.Qty); err != nil {
			return nil, err
		}
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

// ---------------------------------------------------------------------------
// PositionStore implementation
// ---------------------------------------------------------------------------

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPosition(row rowScanner) (*domain.Position, error) {
	var p domain.Position
	var side string
	if err := row.Scan(&p.Symbol, &side, &p.Qty, &p.AvgEntryPrice, &p.CurrentPrice, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Side = domain.PositionSide(side)
	return &p, nil
}

func (s *SQLiteStore) getPositionTx(ctx context.Context, tx *sql.Tx, symbol string) (*domain.Position, error) {
	row := tx.QueryRowContext(ctx,
		"SELECT symbol, side, qty, avg_entry_price, current_price, updated_at FROM positions WHERE symbol = ?", symbol)
	return scanPosition(row)
}

// GetPosition retrieves the open position for a symbol.
func (s *SQLiteStore) GetPosition(ctx context.Context, symbol string) (*domain.Position, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT symbol, side, qty, avg_entry_price, current_price, updated_at FROM positions WHERE symbol = ?", symbol)
	p, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("position %s: %w", symbol, ErrNotFound)
	}
	return p, err
}

// ListPositions returns all open positions.
func (s *SQLiteStore) ListPositions(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT symbol, side, qty, avg_entry_price, current_price, updated_at FROM positions ORDER BY symbol ASC")
	if err != nil {
		return nil, fmt.Errorf("listing positions: %w", err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

// MarkPrice refreshes a position's current price.
func (s *SQLiteStore) MarkPrice(ctx context.Context, symbol string, price float64, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE positions SET current_price = ?, updated_at = ? WHERE symbol = ?", price, at, symbol)
	if err != nil {
		return fmt.Errorf("marking price for %s: %w", symbol, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("position %s: %w", symbol, ErrNotFound)
	}
	return nil
}

// ---------------------------------------------------------------------------
// AccountStore implementation
// ---------------------------------------------------------------------------

func (s *SQLiteStore) ensureAccountTx(ctx context.Context, db execer, now time.Time) error {
	_, err := db.ExecContext(ctx, `INSERT INTO account
		(id, cash, buying_power, equity, currency, status,
		 pattern_day_trader, trading_blocked, transfers_blocked, account_blocked, created_at)
		SELECT ?, ?, ?, ?, 'USD', 'ACTIVE', 0, 0, 0, 0, ?
		WHERE NOT EXISTS (SELECT 1 FROM account)`,
		uuid.NewString(), s.startingCash, s.startingCash, s.startingCash, now)
	if err != nil {
		return fmt.Errorf("ensuring account row: %w", err)
	}
	return nil
}

// GetAccount returns the account, creating it with the default starting
// balance when absent.
func (s *SQLiteStore) GetAccount(ctx context.Context) (*domain.Account, error) {
	if err := s.ensureAccountTx(ctx, s.db, time.Now().UTC()); err != nil {
		return nil, err
	}

	var a domain.Account
	err := s.db.QueryRowContext(ctx, `SELECT id, cash, buying_power, equity, currency, status,
		pattern_day_trader, trading_blocked, transfers_blocked, account_blocked, created_at
		FROM account LIMIT 1`).Scan(
		&a.ID, &a.Cash, &a.BuyingPower, &a.Equity, &a.Currency, &a.Status,
		&a.PatternDayTrader, &a.TradingBlocked, &a.TransfersBlocked, &a.AccountBlocked, &a.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("reading account: %w", err)
	}
	return &a, nil
}

// UpdateEquity overwrites the account's equity snapshot.
func (s *SQLiteStore) UpdateEquity(ctx context.Context, equity float64) error {
	if _, err := s.db.ExecContext(ctx, "UPDATE account SET equity = ?", equity); err != nil {
		return fmt.Errorf("updating equity: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// BarStore implementation
// ---------------------------------------------------------------------------

// UpsertBars inserts bars keyed on (symbol, timestamp, timeframe).
func (s *SQLiteStore) UpsertBars(ctx context.Context, bars []domain.Bar) error {
	if len(bars) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning bar tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO market_data
		(symbol, timestamp, timeframe, open, high, low, close, volume, trade_count, vwap)
		VALUES (?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(symbol, timestamp, timeframe) DO UPDATE SET
			open = excluded.open, high = excluded.high, low = excluded.low,
			close = excluded.close, volume = excluded.volume,
			trade_count = excluded.trade_count, vwap = excluded.vwap`)
	if err != nil {
		return fmt.Errorf("preparing bar upsert: %w", err)
	}
	defer stmt.Close()

	for _, b := range bars {
		if _, err := stmt.ExecContext(ctx, b.Symbol, b.Timestamp, string(b.Timeframe),
			b.Open, b.High, b.Low, b.Close, b.Volume, b.TradeCount, b.VWAP); err != nil {
			return fmt.Errorf("upserting bar %s@%s: %w", b.Symbol, b.Timestamp, err)
		}
	}
	return tx.Commit()
}

// LatestClose returns the close of the most recent bar for the symbol.
func (s *SQLiteStore) LatestClose(ctx context.Context, symbol string) (float64, error) {
	var c float64
	err := s.db.QueryRowContext(ctx,
		"SELECT close FROM market_data WHERE symbol = ? ORDER BY timestamp DESC LIMIT 1", symbol).Scan(&c)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("no bars for %s: %w", symbol, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("reading latest close for %s: %w", symbol, err)
	}
	return c, nil
}

// ListBars returns bars for a symbol within [start, end], oldest first.
func (s *SQLiteStore) ListBars(ctx context.Context, symbol string, tf domain.Timeframe, start, end time.Time) ([]domain.Bar, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT symbol, timestamp, timeframe, open, high, low, close, volume, trade_count, vwap
		FROM market_data WHERE symbol = ? AND timeframe = ? AND timestamp BETWEEN ? AND ?
		ORDER BY timestamp ASC`, symbol, string(tf), start, end)
	if err != nil {
		return nil, fmt.Errorf("listing bars for %s: %w", symbol, err)
	}
	defer rows.Close()

	var bars []domain.Bar
	for rows.Next() {
		var b domain.Bar
		var tfs string
		if err := rows.Scan(&b.Symbol, &b.Timestamp, &tfs, &b.Open, &b.High, &b.Low,
			&b.Close, &b.Volume, &b.TradeCount, &b.VWAP); err != nil {
			return nil, err
		}
		b.Timeframe = domain.Timeframe(tfs)
		bars = append(bars, b)
	}
	return bars, rows.Err()
}

// ---------------------------------------------------------------------------
// AssetStore implementation
// ---------------------------------------------------------------------------

// UpsertAsset inserts or replaces an asset keyed on symbol.
func (s *SQLiteStore) UpsertAsset(ctx context.Context, a *domain.Asset) error {
	id := a.ID
	if id == "" {
		id = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO assets (id, symbol, name, exchange, class, status, tradable)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(symbol) DO UPDATE SET
			name = excluded.name, exchange = excluded.exchange, class = excluded.class,
			status = excluded.status, tradable = excluded.tradable`,
		id, a.Symbol, a.Name, a.Exchange, a.Class, a.Status, a.Tradable)
	if err != nil {
		return fmt.Errorf("upserting asset %s: %w", a.Symbol, err)
	}
	return nil
}

// GetAsset retrieves an asset by symbol.
func (s *SQLiteStore) GetAsset(ctx context.Context, symbol string) (*domain.Asset, error) {
	var a domain.Asset
	err := s.db.QueryRowContext(ctx,
		"SELECT id, symbol, name, exchange, class, status, tradable FROM assets WHERE symbol = ?", symbol).
		Scan(&a.ID, &a.Symbol, &a.Name, &a.Exchange, &a.Class, &a.Status, &a.Tradable)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("asset %s: %w", symbol, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading asset %s: %w", symbol, err)
	}
	return &a, nil
}

// ---------------------------------------------------------------------------
// scan helpers
// ---------------------------------------------------------------------------

func scanOrder(row rowScanner) (*domain.Order, error) {
	var o domain.Order
	var side, typ, class, tif, status string
	var filledAvg, limit, stop, trailPct, trailPrice, hwm sql.NullFloat64
	var legs, parent sql.NullString
	var updated, submitted, filled, canceled, expired, failed sql.NullTime

	err := row.Scan(&o.ID, &o.ClientOrderID, &o.Symbol, &side, &typ, &class, &tif,
		&o.Qty, &o.FilledQty, &filledAvg, &limit, &stop,
		&trailPct, &trailPrice, &hwm, &status, &legs, &parent,
		&o.CreatedAt, &updated, &submitted, &filled, &canceled, &expired, &failed)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("order: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scanning order: %w", err)
	}

	o.Side = domain.OrderSide(side)
	o.Type = domain.OrderType(typ)
	o.Class = domain.OrderClass(class)
	o.TimeInForce = domain.TimeInForce(tif)
	o.Status = domain.OrderStatus(status)
	o.FilledAvgPrice = floatPtr(filledAvg)
	o.LimitPrice = floatPtr(limit)
	o.StopPrice = floatPtr(stop)
	o.TrailPercent = floatPtr(trailPct)
	o.TrailPrice = floatPtr(trailPrice)
	o.HWM = floatPtr(hwm)
	o.ParentID = parent.String
	o.UpdatedAt = timePtr(updated)
	o.SubmittedAt = timePtr(submitted)
	o.FilledAt = timePtr(filled)
	o.CanceledAt = timePtr(canceled)
	o.ExpiredAt = timePtr(expired)
	o.FailedAt = timePtr(failed)

	if legs.Valid && legs.String != "" {
		if err := json.Unmarshal([]byte(legs.String), &o.Legs); err != nil {
			return nil, fmt.Errorf("decoding legs for order %s: %w", o.ID, err)
		}
	}
	return &o, nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

func nullTime(v *time.Time) sql.NullTime {
	if v == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func timePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}
