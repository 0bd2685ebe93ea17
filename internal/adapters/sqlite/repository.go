package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"polyMonitorBot/internal/domain"
	"polyMonitorBot/internal/ports"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Repository implements ports.TradeRepository using SQLite.
//
// The engine process is the single writer; the dashboard opens the same file
// read-only from another process. WAL journal mode lets those readers run
// without blocking behind the writer, and the partial unique index on open
// slots enforces the one-open-trade-per-slot invariant at the storage layer,
// below any in-memory guard.
type Repository struct {
	db     *sql.DB
	logger ports.Logger
}

// Config holds configuration for the SQLite repository.
type Config struct {
	DBPath string
	Logger ports.Logger
	// ReadOnly opens the database without write access. Used by the dashboard
	// so it can never interfere with the engine's writes.
	ReadOnly bool
}

// NewRepository opens (or creates) the trade store. An existing store is
// attached as-is: the engine never recreates or truncates it, only an explicit
// operator reset removes the file.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite repository")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/trades.db"
	}

	if !cfg.ReadOnly {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
			cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
			return nil, err
		}
	}

	// WAL allows the dashboard's readers to proceed while a write commits.
	dsn := dbPath + "?_journal_mode=WAL&_busy_timeout=5000"
	if cfg.ReadOnly {
		dsn += "&mode=ro"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("failed to ping database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	// One connection per process keeps the Go driver from contending with
	// itself; cross-process concurrency is handled by SQLite.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	repo := &Repository{db: db, logger: cfg.Logger}

	if !cfg.ReadOnly {
		if err := repo.initializeSchema(context.Background()); err != nil {
			db.Close()
			err = fmt.Errorf("failed to initialize database schema: %w", err)
			cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
			return nil, err
		}
	}
	cfg.Logger.Info(context.Background(), "SQLite trade store ready", map[string]interface{}{"path": dbPath, "readOnly": cfg.ReadOnly})

	return repo, nil
}

// initializeSchema creates the trades table if it doesn't exist. Existing data
// is never touched.
func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS trades (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		asset TEXT NOT NULL,
		slot_id TEXT NOT NULL,
		side TEXT NOT NULL,
		entry_price REAL NOT NULL,
		entry_time TIMESTAMP NOT NULL,
		exit_price REAL DEFAULT NULL,
		exit_time TIMESTAMP DEFAULT NULL,
		outcome TEXT DEFAULT NULL
	);
	-- At most one open trade per slot, enforced below the engine.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_trades_open_slot
		ON trades (slot_id) WHERE exit_price IS NULL;
	CREATE INDEX IF NOT EXISTS idx_trades_asset_entry_time ON trades (asset, entry_time);
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
		r.logger.Info(context.Background(), "Closing SQLite trade store")
		return r.db.Close()
	}
	return nil
}

// Create inserts a new open trade and returns its assigned ID.
func (r *Repository) Create(ctx context.Context, trade *domain.Trade) (int64, error) {
	const query = `
	INSERT INTO trades (asset, slot_id, side, entry_price, entry_time)
	VALUES (?, ?, ?, ?, ?)`

	result, err := r.db.ExecContext(ctx, query,
		trade.Asset, trade.SlotID, trade.Side, trade.EntryPrice, trade.EntryTime)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return 0, fmt.Errorf("slot %s: %w", trade.SlotID, ports.ErrDuplicateSlot)
		}
		return 0, fmt.Errorf("failed to insert trade for slot %s: %w", trade.SlotID, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID for slot %s: %w", trade.SlotID, err)
	}
	trade.ID = id
	r.logger.Debug(ctx, "Trade created", map[string]interface{}{"tradeID": id, "slotID": trade.SlotID, "side": trade.Side})
	return id, nil
}

// CloseTrade sets the exit fields on an open trade. The guard in the WHERE
// clause makes the open-to-closed transition a single atomic statement; a
// second close can never overwrite the first.
func (r *Repository) CloseTrade(ctx context.Context, id int64, exitPrice float64, exitTime time.Time, outcome domain.Outcome) error {
	const query = `
	UPDATE trades
	SET exit_price = ?, exit_time = ?, outcome = ?
	WHERE id = ? AND exit_price IS NULL`

	result, err := r.db.ExecContext(ctx, query, exitPrice, exitTime, outcome, id)
	if err != nil {
		return fmt.Errorf("failed to close trade ID %d: %w", id, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected for close of trade ID %d: %w", id, err)
	}
	if rowsAffected == 0 {
		// Distinguish a missing record from a repeated close.
		existing, findErr := r.FindByID(ctx, id)
		if findErr != nil {
			return findErr
		}
		if existing == nil {
			return fmt.Errorf("trade ID %d: %w", id, ports.ErrNotFound)
		}
		return fmt.Errorf("trade ID %d: %w", id, ports.ErrAlreadyClosed)
	}
	r.logger.Debug(ctx, "Trade closed", map[string]interface{}{"tradeID": id, "exitPrice": exitPrice, "outcome": outcome})
	return nil
}

// FindOpenBySlot retrieves the open trade for a slot, if any.
func (r *Repository) FindOpenBySlot(ctx context.Context, slotID string) (*domain.Trade, error) {
	const query = `
	SELECT id, asset, slot_id, side, entry_price, entry_time, exit_price, exit_time, outcome
	FROM trades
	WHERE slot_id = ? AND exit_price IS NULL`

	row := r.db.QueryRowContext(ctx, query, slotID)
	trade, err := scanTrade(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not an error, just not found
		}
		return nil, fmt.Errorf("failed to query open trade for slot %s: %w", slotID, err)
	}
	return trade, nil
}

// FindByID retrieves a trade by its unique ID.
func (r *Repository) FindByID(ctx context.Context, id int64) (*domain.Trade, error) {
	const query = `
	SELECT id, asset, slot_id, side, entry_price, entry_time, exit_price, exit_time, outcome
	FROM trades
	WHERE id = ?`

	row := r.db.QueryRowContext(ctx, query, id)
	trade, err := scanTrade(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query trade by ID %d: %w", id, err)
	}
	return trade, nil
}

// List retrieves trades matching the filter, newest entries first.
func (r *Repository) List(ctx context.Context, filter ports.TradeFilter) ([]*domain.Trade, error) {
	query := `
	SELECT id, asset, slot_id, side, entry_price, entry_time, exit_price, exit_time, outcome
	FROM trades`

	var conds []string
	var args []interface{}
	switch filter.Status {
	case domain.StatusOpen:
		conds = append(conds, "exit_price IS NULL")
	case domain.StatusClosed:
		conds = append(conds, "exit_price IS NOT NULL")
	}
	if filter.Asset != "" {
		conds = append(conds, "asset = ?")
		args = append(args, filter.Asset)
	}
	if filter.SlotID != "" {
		conds = append(conds, "slot_id = ?")
		args = append(args, filter.SlotID)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY entry_time DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	trades := make([]*domain.Trade, 0)
	for rows.Next() {
		trade, err := scanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade during List: %w", err)
		}
		trades = append(trades, trade)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trade rows: %w", err)
	}
	return trades, nil
}

// Counts returns the number of open and closed trades.
func (r *Repository) Counts(ctx context.Context) (int, int, error) {
	const query = `
	SELECT
		COUNT(CASE WHEN exit_price IS NULL THEN 1 END),
		COUNT(CASE WHEN exit_price IS NOT NULL THEN 1 END)
	FROM trades`

	var open, closed int
	if err := r.db.QueryRowContext(ctx, query).Scan(&open, &closed); err != nil {
		return 0, 0, fmt.Errorf("failed to count trades: %w", err)
	}
	return open, closed, nil
}

// scanner defines an interface compatible with *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanTrade scans a row into a domain.Trade struct.
func scanTrade(s scanner) (*domain.Trade, error) {
	t := &domain.Trade{}
	var side string
	var exitPrice sql.NullFloat64
	var exitTime sql.NullTime
	var outcome sql.NullString
	err := s.Scan(
		&t.ID, &t.Asset, &t.SlotID, &side, &t.EntryPrice, &t.EntryTime,
		&exitPrice, &exitTime, &outcome)
	if err != nil {
		return nil, err // Handle sql.ErrNoRows in the caller
	}
	t.Side = domain.Side(side)
	if exitPrice.Valid {
		t.ExitPrice = &exitPrice.Float64
	}
	if exitTime.Valid {
		t.ExitTime = &exitTime.Time
	}
	if outcome.Valid {
		t.Outcome = domain.Outcome(outcome.String)
	}
	return t, nil
}
