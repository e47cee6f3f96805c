package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"tradeEngine/internal/domain"
	"tradeEngine/internal/ports"

	"github.com/mattn/go-sqlite3"
)

// Repository implements ports.TradeRepository using SQLite.
type Repository struct {
	db     *sql.DB
	logger ports.Logger
}

// Config holds configuration for the SQLite repository.
type Config struct {
	DBPath string
	Logger ports.Logger
}

// NewRepository creates a new SQLite repository instance.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite repository")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/trades.db"
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("%w: failed to create data directory '%s': %w", ports.ErrDBConnection, filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		err = fmt.Errorf("%w: failed to open database at '%s': %w", ports.ErrDBConnection, dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("%w: failed to ping database at '%s': %w", ports.ErrDBConnection, dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// A single connection serializes writers; Update relies on this.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	repo := &Repository{db: db, logger: cfg.Logger}
	if err := repo.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("%w: failed to initialize database schema: %w", ports.ErrDBConnection, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}
	cfg.Logger.Info(context.Background(), "Trade store ready", map[string]interface{}{"path": dbPath})

	return repo, nil
}

func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS trades (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		pair TEXT NOT NULL,
		direction TEXT NOT NULL,
		status TEXT NOT NULL,
		stake_amount REAL NOT NULL,
		leverage REAL NOT NULL,
		amount REAL NOT NULL DEFAULT 0,
		open_rate REAL NOT NULL DEFAULT 0,
		close_rate REAL NOT NULL DEFAULT 0,
		opened_at TIMESTAMP NOT NULL,
		closed_at TIMESTAMP DEFAULT NULL,
		stop_loss REAL NOT NULL DEFAULT 0,
		initial_stop_loss REAL NOT NULL DEFAULT 0,
		stop_loss_ratio REAL NOT NULL DEFAULT 0,
		trailing_active INTEGER NOT NULL DEFAULT 0,
		max_rate REAL NOT NULL DEFAULT 0,
		min_rate REAL NOT NULL DEFAULT 0,
		realized_profit REAL NOT NULL DEFAULT 0,
		fees_paid REAL NOT NULL DEFAULT 0,
		exit_reason TEXT NOT NULL DEFAULT '',
		entry_tag TEXT NOT NULL DEFAULT '',
		exit_timeout_count INTEGER NOT NULL DEFAULT 0,
		unmanaged_reason TEXT NOT NULL DEFAULT '',
		force_exit_pending INTEGER NOT NULL DEFAULT 0,
		updated_at TIMESTAMP NOT NULL
	);

	-- one active (open or unmanaged) trade per pair
	CREATE UNIQUE INDEX IF NOT EXISTS idx_trades_active_pair ON trades (pair) WHERE status IN ('open', 'unmanaged');
	CREATE INDEX IF NOT EXISTS idx_trades_pair_closed ON trades (pair, closed_at);

	CREATE TABLE IF NOT EXISTS orders (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		trade_id INTEGER NOT NULL REFERENCES trades(id),
		client_order_id TEXT NOT NULL UNIQUE,
		exchange_order_id TEXT NOT NULL DEFAULT '',
		side TEXT NOT NULL,
		type TEXT NOT NULL,
		price REAL NOT NULL DEFAULT 0,
		amount REAL NOT NULL,
		filled REAL NOT NULL DEFAULT 0,
		avg_price REAL NOT NULL DEFAULT 0,
		fee REAL NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		tag TEXT NOT NULL DEFAULT '',
		cancel_requested INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		closed_at TIMESTAMP DEFAULT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_orders_trade ON orders (trade_id, id);
	`
	_, err := r.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if r.db != nil {
		r.logger.Info(context.Background(), "Closing SQLite database connection")
		return r.db.Close()
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

// Create saves a new trade and its initial orders.
func (r *Repository) Create(ctx context.Context, trade *domain.Trade) (int64, error) {
	if trade.Status == "" {
		trade.Status = domain.StatusOpen
	}
	trade.Recalculate()
	if err := trade.Validate(); err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	trade.UpdatedAt = now

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: failed to begin transaction: %w", ports.ErrDBConnection, err)
	}
	defer tx.Rollback()

	const query = `
	INSERT INTO trades (pair, direction, status, stake_amount, leverage, amount, open_rate, close_rate,
		opened_at, closed_at, stop_loss, initial_stop_loss, stop_loss_ratio, trailing_active, max_rate, min_rate,
		realized_profit, fees_paid, exit_reason, entry_tag, exit_timeout_count, unmanaged_reason, force_exit_pending,
		updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := tx.ExecContext(ctx, query,
		trade.Pair, trade.Direction, trade.Status, trade.StakeAmount, trade.Leverage, trade.Amount,
		trade.OpenRate, trade.CloseRate, trade.OpenedAt.UTC(), nullTime(trade.ClosedAt), trade.StopLoss,
		trade.InitialStopLoss, trade.StopLossRatio, trade.TrailingActive, trade.MaxRate, trade.MinRate,
		trade.RealizedProfit, trade.FeesPaid, trade.ExitReason, trade.EntryTag, trade.ExitTimeoutCount,
		trade.UnmanagedReason, trade.ForceExitPending, now)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("%w: pair %s", ports.ErrConflict, trade.Pair)
		}
		return 0, fmt.Errorf("%w: failed to insert trade: %w", ports.ErrUpdateFailed, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%w: failed to get last insert ID for trade: %w", ports.ErrQueryFailed, err)
	}
	trade.ID = id

	for _, o := range trade.Orders {
		if err := insertOrder(ctx, tx, id, o); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: failed to commit trade: %w", ports.ErrUpdateFailed, err)
	}

	r.logger.Debug(ctx, "Trade created", map[string]interface{}{"tradeID": id, "pair": trade.Pair, "orders": len(trade.Orders)})
	return id, nil
}

// Update applies mutate to the stored trade inside one transaction.
func (r *Repository) Update(ctx context.Context, id int64, mutate func(*domain.Trade) error) (*domain.Trade, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to begin transaction: %w", ports.ErrDBConnection, err)
	}
	defer tx.Rollback()

	trade, err := loadTrade(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if trade == nil {
		return nil, fmt.Errorf("%w: trade %d", ports.ErrNotFound, id)
	}

	before := snapshotOrders(trade.Orders)
	if err := mutate(trade); err != nil {
		return nil, err
	}
	trade.Recalculate()
	if err := checkAppendOnly(before, trade.Orders); err != nil {
		return nil, err
	}
	if err := trade.Validate(); err != nil {
		return nil, err
	}
	trade.UpdatedAt = time.Now().UTC()

	const query = `
	UPDATE trades SET status = ?, stake_amount = ?, leverage = ?, amount = ?, open_rate = ?, close_rate = ?,
		closed_at = ?, stop_loss = ?, initial_stop_loss = ?, stop_loss_ratio = ?, trailing_active = ?,
		max_rate = ?, min_rate = ?, realized_profit = ?, fees_paid = ?, exit_reason = ?, entry_tag = ?,
		exit_timeout_count = ?, unmanaged_reason = ?, force_exit_pending = ?, updated_at = ?
	WHERE id = ?`
	res, err := tx.ExecContext(ctx, query,
		trade.Status, trade.StakeAmount, trade.Leverage, trade.Amount, trade.OpenRate, trade.CloseRate,
		nullTime(trade.ClosedAt), trade.StopLoss, trade.InitialStopLoss, trade.StopLossRatio, trade.TrailingActive,
		trade.MaxRate, trade.MinRate, trade.RealizedProfit, trade.FeesPaid, trade.ExitReason, trade.EntryTag,
		trade.ExitTimeoutCount, trade.UnmanagedReason, trade.ForceExitPending, trade.UpdatedAt, trade.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: pair %s", ports.ErrConflict, trade.Pair)
		}
		return nil, fmt.Errorf("%w: failed to update trade %d: %w", ports.ErrUpdateFailed, trade.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("%w: trade %d", ports.ErrNotFound, trade.ID)
	}

	for _, o := range trade.Orders {
		if o.ID == 0 {
			err = insertOrder(ctx, tx, trade.ID, o)
		} else {
			err = updateOrder(ctx, tx, o)
		}
		if err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: failed to commit trade %d: %w", ports.ErrUpdateFailed, trade.ID, err)
	}

	r.logger.Debug(ctx, "Trade updated", map[string]interface{}{"tradeID": trade.ID, "status": trade.Status, "amount": trade.Amount})
	return trade, nil
}

// CloseTrade finalizes a flat trade.
func (r *Repository) CloseTrade(ctx context.Context, id int64, reason domain.ExitReason, at time.Time) (*domain.Trade, error) {
	return r.Update(ctx, id, func(t *domain.Trade) error {
		t.Recalculate()
		return t.Close(reason, at.UTC())
	})
}

// GetActiveByPair retrieves the open or unmanaged trade for pair. Returns nil, nil if none.
func (r *Repository) GetActiveByPair(ctx context.Context, pair string) (*domain.Trade, error) {
	return r.findOne(ctx, tradeColumns+` WHERE pair = ? AND status IN ('open', 'unmanaged')`, pair)
}

// FindByID retrieves a trade by ID. Returns nil, nil if not found.
func (r *Repository) FindByID(ctx context.Context, id int64) (*domain.Trade, error) {
	return r.findOne(ctx, tradeColumns+` WHERE id = ?`, id)
}

// LastClosedByPair retrieves the latest closed trade on pair. Returns nil, nil if none.
func (r *Repository) LastClosedByPair(ctx context.Context, pair string) (*domain.Trade, error) {
	return r.findOne(ctx, tradeColumns+` WHERE pair = ? AND status = 'closed' ORDER BY closed_at DESC LIMIT 1`, pair)
}

// ListOpen retrieves all trades with status open.
func (r *Repository) ListOpen(ctx context.Context) ([]*domain.Trade, error) {
	return r.findMany(ctx, tradeColumns+` WHERE status = 'open' ORDER BY id`)
}

// ListUnmanaged retrieves all trades flagged for manual handling.
func (r *Repository) ListUnmanaged(ctx context.Context) ([]*domain.Trade, error) {
	return r.findMany(ctx, tradeColumns+` WHERE status = 'unmanaged' ORDER BY id`)
}

// ListClosed retrieves trades closed at or after since, oldest first.
func (r *Repository) ListClosed(ctx context.Context, since time.Time) ([]*domain.Trade, error) {
	return r.findMany(ctx, tradeColumns+` WHERE status = 'closed' AND closed_at >= ? ORDER BY closed_at, id`, since.UTC())
}

// CountActive counts open and unmanaged trades.
func (r *Repository) CountActive(ctx context.Context) (int, error) {
	const query = `SELECT COUNT(*) FROM trades WHERE status IN ('open', 'unmanaged')`
	var count int
	if err := r.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("%w: failed to count active trades: %w", ports.ErrQueryFailed, err)
	}
	return count, nil
}

// GetTotalProfit sums realized profit of closed trades.
func (r *Repository) GetTotalProfit(ctx context.Context) (float64, error) {
	const query = `SELECT COALESCE(SUM(realized_profit), 0) FROM trades WHERE status = 'closed'`
	var total float64
	if err := r.db.QueryRowContext(ctx, query).Scan(&total); err != nil {
		return 0, fmt.Errorf("%w: failed to calculate total profit: %w", ports.ErrQueryFailed, err)
	}
	return total, nil
}

func (r *Repository) findOne(ctx context.Context, query string, args ...interface{}) (*domain.Trade, error) {
	t, err := scanTrade(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: failed to load trade: %w", ports.ErrQueryFailed, err)
	}
	if t.Orders, err = loadOrders(ctx, r.db, t.ID); err != nil {
		return nil, err
	}
	return t, nil
}

func (r *Repository) findMany(ctx context.Context, query string, args ...interface{}) ([]*domain.Trade, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query trades: %w", ports.ErrQueryFailed, err)
	}
	trades := make([]*domain.Trade, 0)
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("%w: failed to scan trade: %w", ports.ErrQueryFailed, err)
		}
		trades = append(trades, t)
	}
	err = rows.Err()
	rows.Close() // release the single connection before loading orders
	if err != nil {
		return nil, fmt.Errorf("%w: error iterating trade rows: %w", ports.ErrQueryFailed, err)
	}

	for _, t := range trades {
		if t.Orders, err = loadOrders(ctx, r.db, t.ID); err != nil {
			return nil, err
		}
	}
	return trades, nil
}

// --- Helpers ---

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// scanner defines an interface compatible with *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

const tradeColumns = `
	SELECT id, pair, direction, status, stake_amount, leverage, amount, open_rate, close_rate,
		opened_at, closed_at, stop_loss, initial_stop_loss, stop_loss_ratio, trailing_active, max_rate, min_rate,
		realized_profit, fees_paid, exit_reason, entry_tag, exit_timeout_count, unmanaged_reason, force_exit_pending,
		updated_at
	FROM trades`

const orderColumns = `
	SELECT id, trade_id, client_order_id, exchange_order_id, side, type, price, amount, filled, avg_price,
		fee, status, tag, cancel_requested, created_at, updated_at, closed_at
	FROM orders`

func loadTrade(ctx context.Context, q queryer, id int64) (*domain.Trade, error) {
	t, err := scanTrade(q.QueryRowContext(ctx, tradeColumns+` WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: failed to load trade %d: %w", ports.ErrQueryFailed, id, err)
	}
	if t.Orders, err = loadOrders(ctx, q, id); err != nil {
		return nil, err
	}
	return t, nil
}

func loadOrders(ctx context.Context, q queryer, tradeID int64) ([]*domain.Order, error) {
	rows, err := q.QueryContext(ctx, orderColumns+` WHERE trade_id = ? ORDER BY id`, tradeID)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to query orders of trade %d: %w", ports.ErrQueryFailed, tradeID, err)
	}
	defer rows.Close()

	orders := make([]*domain.Order, 0)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to scan order: %w", ports.ErrQueryFailed, err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: error iterating order rows: %w", ports.ErrQueryFailed, err)
	}
	return orders, nil
}

func insertOrder(ctx context.Context, tx *sql.Tx, tradeID int64, o *domain.Order) error {
	const query = `
	INSERT INTO orders (trade_id, client_order_id, exchange_order_id, side, type, price, amount, filled,
		avg_price, fee, status, tag, cancel_requested, created_at, updated_at, closed_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = o.CreatedAt
	}
	res, err := tx.ExecContext(ctx, query,
		tradeID, o.ClientOrderID, o.ExchangeOrderID, o.Side, o.Type, o.Price, o.Amount, o.Filled,
		o.AvgPrice, o.Fee, o.Status, o.Tag, o.CancelRequested, o.CreatedAt.UTC(), o.UpdatedAt.UTC(), nullTime(o.ClosedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: client order id %s already recorded", ports.ErrConflict, o.ClientOrderID)
		}
		return fmt.Errorf("%w: failed to insert order %s: %w", ports.ErrUpdateFailed, o.ClientOrderID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("%w: failed to get last insert ID for order: %w", ports.ErrQueryFailed, err)
	}
	o.ID = id
	o.TradeID = tradeID
	return nil
}

func updateOrder(ctx context.Context, tx *sql.Tx, o *domain.Order) error {
	const query = `
	UPDATE orders SET exchange_order_id = ?, filled = ?, avg_price = ?, fee = ?, status = ?, tag = ?,
		cancel_requested = ?, updated_at = ?, closed_at = ?
	WHERE id = ?`
	_, err := tx.ExecContext(ctx, query,
		o.ExchangeOrderID, o.Filled, o.AvgPrice, o.Fee, o.Status, o.Tag, o.CancelRequested,
		o.UpdatedAt.UTC(), nullTime(o.ClosedAt), o.ID)
	if err != nil {
		return fmt.Errorf("%w: failed to update order %s: %w", ports.ErrUpdateFailed, o.ClientOrderID, err)
	}
	return nil
}

type orderState struct {
	clientID string
	status   domain.OrderStatus
	filled   float64
}

func snapshotOrders(orders []*domain.Order) []orderState {
	out := make([]orderState, len(orders))
	for i, o := range orders {
		out[i] = orderState{clientID: o.ClientOrderID, status: o.Status, filled: o.Filled}
	}
	return out
}

// checkAppendOnly rejects mutations that drop, reorder or roll back orders.
func checkAppendOnly(before []orderState, after []*domain.Order) error {
	if len(after) < len(before) {
		return fmt.Errorf("%w: orders removed (%d -> %d)", domain.ErrInvariant, len(before), len(after))
	}
	for i, prev := range before {
		cur := after[i]
		if cur.ClientOrderID != prev.clientID {
			return fmt.Errorf("%w: order %s replaced by %s", domain.ErrInvariant, prev.clientID, cur.ClientOrderID)
		}
		if cur.Filled < prev.filled-domain.AmountEpsilon {
			return fmt.Errorf("%w: order %s fill decreased", domain.ErrInvariant, prev.clientID)
		}
		if prev.status.IsTerminal() && cur.Status != prev.status {
			return fmt.Errorf("%w: order %s left terminal state %s", domain.ErrInvariant, prev.clientID, prev.status)
		}
	}
	return nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func scanTrade(s scanner) (*domain.Trade, error) {
	t := &domain.Trade{}
	var closedAt sql.NullTime
	var direction, status, exitReason string
	err := s.Scan(
		&t.ID, &t.Pair, &direction, &status, &t.StakeAmount, &t.Leverage, &t.Amount, &t.OpenRate, &t.CloseRate,
		&t.OpenedAt, &closedAt, &t.StopLoss, &t.InitialStopLoss, &t.StopLossRatio, &t.TrailingActive,
		&t.MaxRate, &t.MinRate, &t.RealizedProfit, &t.FeesPaid, &exitReason, &t.EntryTag, &t.ExitTimeoutCount,
		&t.UnmanagedReason, &t.ForceExitPending, &t.UpdatedAt)
	if err != nil {
		return nil, err // Handle sql.ErrNoRows in the caller
	}
	if closedAt.Valid {
		t.ClosedAt = closedAt.Time
	}
	t.Direction = domain.Direction(direction)
	t.Status = domain.TradeStatus(status)
	t.ExitReason = domain.ExitReason(exitReason)
	return t, nil
}

func scanOrder(s scanner) (*domain.Order, error) {
	o := &domain.Order{}
	var closedAt sql.NullTime
	var side, typ, status string
	err := s.Scan(
		&o.ID, &o.TradeID, &o.ClientOrderID, &o.ExchangeOrderID, &side, &typ, &o.Price, &o.Amount, &o.Filled,
		&o.AvgPrice, &o.Fee, &status, &o.Tag, &o.CancelRequested, &o.CreatedAt, &o.UpdatedAt, &closedAt)
	if err != nil {
		return nil, err
	}
	if closedAt.Valid {
		o.ClosedAt = closedAt.Time
	}
	o.Side = domain.OrderSide(side)
	o.Type = domain.OrderType(typ)
	o.Status = domain.OrderStatus(status)
	return o, nil
}
