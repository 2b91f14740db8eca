// Package store is the sqlite persistence layer: paper trades with
// optimistic versioning, the append-only transition audit trail, price
// snapshots, per-user settings and scan history. Every read and write is
// scoped to one username; there is no unscoped query path.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS paper_trades (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    username          TEXT NOT NULL,
    ticker            TEXT NOT NULL,
    option_type       TEXT NOT NULL CHECK (option_type IN ('call', 'put')),
    strike            REAL NOT NULL,
    expiry            TEXT NOT NULL,
    direction         TEXT NOT NULL DEFAULT 'buy',
    entry_price       REAL NOT NULL,
    quantity          INTEGER NOT NULL,
    stop_loss         REAL NOT NULL DEFAULT 0,
    take_profit       REAL NOT NULL DEFAULT 0,
    current_price     REAL NOT NULL DEFAULT 0,
    unrealized_pnl    REAL NOT NULL DEFAULT 0,
    realized_pnl      REAL,
    status            TEXT NOT NULL CHECK (status IN
        ('PENDING','OPEN','PARTIALLY_FILLED','CLOSING','CLOSED','EXPIRED','CANCELED')),
    exit_price        REAL,
    close_reason      TEXT NOT NULL DEFAULT '',
    context           TEXT,
    broker_mode       TEXT NOT NULL DEFAULT 'sandbox',
    entry_order_id    TEXT NOT NULL DEFAULT '',
    stop_order_id     TEXT NOT NULL DEFAULT '',
    target_order_id   TEXT NOT NULL DEFAULT '',
    broker_fill_price REAL NOT NULL DEFAULT 0,
    broker_fill_time  TEXT,
    version           INTEGER NOT NULL DEFAULT 1,
    idempotency_key   TEXT,
    created_at        TEXT NOT NULL,
    updated_at        TEXT NOT NULL,
    closed_at         TEXT
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_trades_idempotency
    ON paper_trades (username, idempotency_key)
    WHERE idempotency_key IS NOT NULL;

CREATE INDEX IF NOT EXISTS idx_trades_user_status
    ON paper_trades (username, status);

CREATE TABLE IF NOT EXISTS state_transitions (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    trade_id    INTEGER NOT NULL REFERENCES paper_trades (id) ON DELETE CASCADE,
    from_status TEXT,
    to_status   TEXT NOT NULL,
    trigger     TEXT NOT NULL,
    metadata    TEXT,
    created_at  TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transitions_trade
    ON state_transitions (trade_id, id);

CREATE TABLE IF NOT EXISTS price_snapshots (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    trade_id   INTEGER NOT NULL REFERENCES paper_trades (id) ON DELETE CASCADE,
    username   TEXT NOT NULL,
    ts         TEXT NOT NULL,
    mark       REAL NOT NULL,
    bid        REAL NOT NULL DEFAULT 0,
    ask        REAL NOT NULL DEFAULT 0,
    delta      REAL NOT NULL DEFAULT 0,
    iv         REAL NOT NULL DEFAULT 0,
    underlying REAL NOT NULL DEFAULT 0,
    kind       TEXT NOT NULL CHECK (kind IN
        ('PERIODIC','PRE_SESSION','POST_SESSION','ON_CLOSE'))
);

CREATE INDEX IF NOT EXISTS idx_snapshots_trade_ts
    ON price_snapshots (trade_id, ts);
CREATE INDEX IF NOT EXISTS idx_snapshots_user_ts
    ON price_snapshots (username, ts);

CREATE TABLE IF NOT EXISTS user_settings (
    username                TEXT PRIMARY KEY,
    broker_mode             TEXT NOT NULL DEFAULT 'sandbox',
    sandbox_token_enc       TEXT NOT NULL DEFAULT '',
    live_token_enc          TEXT NOT NULL DEFAULT '',
    broker_account_id       TEXT NOT NULL DEFAULT '',
    account_balance         REAL NOT NULL DEFAULT 0,
    max_positions           INTEGER NOT NULL DEFAULT 10,
    daily_loss_limit        REAL NOT NULL DEFAULT 0,
    portfolio_heat_limit    REAL NOT NULL DEFAULT 0,
    default_stop_loss_pct   REAL NOT NULL DEFAULT 0,
    default_take_profit_pct REAL NOT NULL DEFAULT 0,
    ui_preferences          TEXT NOT NULL DEFAULT '',
    updated_at              TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS scan_history (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    username   TEXT NOT NULL,
    ticker     TEXT NOT NULL,
    strategy   TEXT NOT NULL,
    option_type TEXT NOT NULL,
    verdict    TEXT NOT NULL,
    score      REAL NOT NULL DEFAULT 0,
    result     TEXT,
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_scans_user_ts
    ON scan_history (username, created_at);
`

// Store owns the sqlite connection. Repositories hang off a UserScope.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

// Open opens (creating if needed) the database at path, applies the WAL and
// foreign-key pragmas, and runs the schema migration. An in-memory database
// may be requested with a "file:...mode=memory" URI.
func Open(path string, log zerolog.Logger) (*Store, error) {
	if !strings.HasPrefix(path, "file:") {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("store: resolve path: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return nil, fmt.Errorf("store: create data dir: %w", err)
		}
		path = abs
	}

	dsn := path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=foreign_keys(1)" +
		"&_pragma=busy_timeout(5000)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	// The version check-and-set update depends on writers serializing; a
	// single connection avoids SQLITE_BUSY races inside transactions.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	s := &Store{db: db, log: log.With().Str("component", "store").Logger()}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin migration: %w", err)
	}
	if _, err := tx.ExecContext(ctx, schema); err != nil {
		tx.Rollback()
		return fmt.Errorf("store: apply schema: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit migration: %w", err)
	}
	return nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// HealthCheck pings the database and runs an integrity check.
func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("store: ping: %w", err)
	}
	var result string
	if err := s.db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("store: integrity check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("store: integrity check failed: %s", result)
	}
	return nil
}

// ForUser returns the scope all queries for one user run through.
func (s *Store) ForUser(username string) *UserScope {
	return &UserScope{s: s, username: username}
}

// withTx runs fn inside a transaction, rolling back on error or panic.
func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			err = fmt.Errorf("store: panic in transaction: %v", p)
		} else if err != nil {
			tx.Rollback()
		} else {
			err = tx.Commit()
		}
	}()
	err = fn(tx)
	return err
}
