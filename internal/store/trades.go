package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/papertrade/optionscout/internal/models"
)

// UserScope binds every query to one username. All repository methods live
// here so no code path can touch another user's rows.
type UserScope struct {
	s        *Store
	username string
}

// Username returns the scope's owner.
func (u *UserScope) Username() string { return u.username }

// Store returns the underlying store, e.g. to derive another user's scope.
func (u *UserScope) Store() *Store { return u.s }

const tradeColumns = `id, username, ticker, option_type, strike, expiry, direction,
	entry_price, quantity, stop_loss, take_profit, current_price, unrealized_pnl,
	realized_pnl, status, exit_price, close_reason, context, broker_mode,
	entry_order_id, stop_order_id, target_order_id, broker_fill_price,
	broker_fill_time, version, idempotency_key, created_at, updated_at, closed_at`

// CreateTrade inserts a new trade at version 1 and records the creation
// transition (no prior status) in the same transaction. A duplicate
// idempotency key surfaces ErrDuplicateIdempotencyKey.
func (u *UserScope) CreateTrade(ctx context.Context, t *models.Trade, trigger string, metadata map[string]string) error {
	now := time.Now().UTC()
	t.Username = u.username
	t.Version = 1
	t.CreatedAt = now
	t.UpdatedAt = now

	ctxJSON, err := marshalContext(t.Context)
	if err != nil {
		return err
	}
	metaJSON, err := marshalMetadata(metadata)
	if err != nil {
		return err
	}

	return u.s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO paper_trades (
				username, ticker, option_type, strike, expiry, direction,
				entry_price, quantity, stop_loss, take_profit, current_price,
				unrealized_pnl, realized_pnl, status, exit_price, close_reason,
				context, broker_mode, entry_order_id, stop_order_id,
				target_order_id, broker_fill_price, broker_fill_time, version,
				idempotency_key, created_at, updated_at, closed_at
			) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			u.username, t.Ticker, string(t.OptionType), t.Strike, fmtTime(t.Expiry),
			string(t.Direction), t.EntryPrice, t.Quantity, t.StopLoss, t.TakeProfit,
			t.CurrentPrice, t.UnrealizedPnL, t.RealizedPnL, string(t.Status),
			t.ExitPrice, t.CloseReason, ctxJSON, string(t.BrokerMode),
			t.EntryOrderID, t.StopOrderID, t.TargetOrderID, t.BrokerFillPrice,
			fmtTimePtr(t.BrokerFillTime), t.Version, nullString(t.IdempotencyKey),
			fmtTime(t.CreatedAt), fmtTime(t.UpdatedAt), fmtTimePtr(t.ClosedAt),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateIdempotencyKey
			}
			return fmt.Errorf("store: insert trade: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("store: trade id: %w", err)
		}
		t.ID = id

		_, err = tx.ExecContext(ctx, `
			INSERT INTO state_transitions (trade_id, from_status, to_status, trigger, metadata, created_at)
			VALUES (?, NULL, ?, ?, ?, ?)`,
			t.ID, string(t.Status), trigger, metaJSON, fmtTime(now))
		if err != nil {
			return fmt.Errorf("store: insert creation transition: %w", err)
		}
		return nil
	})
}

// SaveTrade performs a version-checked write of the trade's mutable fields
// without touching the audit trail; used for price refreshes. The version
// bumps by one on success.
func (u *UserScope) SaveTrade(ctx context.Context, t *models.Trade) error {
	return u.s.withTx(ctx, func(tx *sql.Tx) error {
		return u.updateLocked(ctx, tx, t)
	})
}

// TransitionTrade performs a version-checked write and appends the audit row
// for a status change from -> t.Status, atomically. Exactly one concurrent
// writer wins; losers receive ErrConcurrentModification and the row stays
// unchanged.
func (u *UserScope) TransitionTrade(ctx context.Context, t *models.Trade, from models.TradeStatus, trigger string, metadata map[string]string) error {
	metaJSON, err := marshalMetadata(metadata)
	if err != nil {
		return err
	}
	return u.s.withTx(ctx, func(tx *sql.Tx) error {
		if err := u.updateLocked(ctx, tx, t); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO state_transitions (trade_id, from_status, to_status, trigger, metadata, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			t.ID, string(from), string(t.Status), trigger, metaJSON, fmtTime(time.Now().UTC()))
		if err != nil {
			return fmt.Errorf("store: insert transition: %w", err)
		}
		return nil
	})
}

// updateLocked is the optimistic check-and-set: exactly one row must match
// (id, username, version). On success the in-memory version advances.
func (u *UserScope) updateLocked(ctx context.Context, tx *sql.Tx, t *models.Trade) error {
	ctxJSON, err := marshalContext(t.Context)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	res, err := tx.ExecContext(ctx, `
		UPDATE paper_trades SET
			entry_price = ?, quantity = ?, stop_loss = ?, take_profit = ?,
			current_price = ?, unrealized_pnl = ?, realized_pnl = ?, status = ?,
			exit_price = ?, close_reason = ?, context = ?, entry_order_id = ?,
			stop_order_id = ?, target_order_id = ?, broker_fill_price = ?,
			broker_fill_time = ?, closed_at = ?,
			version = version + 1, updated_at = ?
		WHERE id = ? AND username = ? AND version = ?`,
		t.EntryPrice, t.Quantity, t.StopLoss, t.TakeProfit,
		t.CurrentPrice, t.UnrealizedPnL, t.RealizedPnL, string(t.Status),
		t.ExitPrice, t.CloseReason, ctxJSON, t.EntryOrderID,
		t.StopOrderID, t.TargetOrderID, t.BrokerFillPrice,
		fmtTimePtr(t.BrokerFillTime), fmtTimePtr(t.ClosedAt),
		fmtTime(now),
		t.ID, u.username, t.Version,
	)
	if err != nil {
		return fmt.Errorf("store: update trade %d: %w", t.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: update trade %d: %w", t.ID, err)
	}
	if n != 1 {
		// Distinguish a stale version from a row that never existed here.
		var exists int
		err := tx.QueryRowContext(ctx,
			`SELECT 1 FROM paper_trades WHERE id = ? AND username = ?`,
			t.ID, u.username).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("store: update trade %d: %w", t.ID, err)
		}
		return ErrConcurrentModification
	}
	t.Version++
	t.UpdatedAt = now
	return nil
}

// GetTrade fetches one trade by id within the scope.
func (u *UserScope) GetTrade(ctx context.Context, id int64) (*models.Trade, error) {
	row := u.s.db.QueryRowContext(ctx,
		`SELECT `+tradeColumns+` FROM paper_trades WHERE id = ? AND username = ?`,
		id, u.username)
	return scanTrade(row)
}

// FindByIdempotencyKey returns the trade created under key, or ErrNotFound.
func (u *UserScope) FindByIdempotencyKey(ctx context.Context, key string) (*models.Trade, error) {
	row := u.s.db.QueryRowContext(ctx,
		`SELECT `+tradeColumns+` FROM paper_trades WHERE username = ? AND idempotency_key = ?`,
		u.username, key)
	return scanTrade(row)
}

// ListTrades returns the user's trades, newest first, optionally filtered to
// a set of statuses.
func (u *UserScope) ListTrades(ctx context.Context, statuses ...models.TradeStatus) ([]models.Trade, error) {
	query := `SELECT ` + tradeColumns + ` FROM paper_trades WHERE username = ?`
	args := []any{u.username}
	if len(statuses) > 0 {
		query += ` AND status IN (?` + strings.Repeat(",?", len(statuses)-1) + `)`
		for _, s := range statuses {
			args = append(args, string(s))
		}
	}
	query += ` ORDER BY id DESC`

	rows, err := u.s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list trades: %w", err)
	}
	defer rows.Close()

	var out []models.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// LiveTrades returns trades whose status is non-terminal.
func (u *UserScope) LiveTrades(ctx context.Context) ([]models.Trade, error) {
	return u.ListTrades(ctx,
		models.StatusPending, models.StatusOpen,
		models.StatusPartiallyFilled, models.StatusClosing)
}

// OpenExposure sums the premium at risk across filled trades, in dollars.
// Pending and closing trades are excluded: their premium is either not yet
// committed or already on its way back.
func (u *UserScope) OpenExposure(ctx context.Context) (float64, error) {
	trades, err := u.ListTrades(ctx, models.StatusOpen, models.StatusPartiallyFilled)
	if err != nil {
		return 0, err
	}
	total := 0.0
	for i := range trades {
		total += trades[i].ContractCost()
	}
	return total, nil
}

// Transitions returns the audit trail for one trade, oldest first. The join
// keeps the scope: transitions are only visible through an owned trade.
func (u *UserScope) Transitions(ctx context.Context, tradeID int64) ([]models.StateTransition, error) {
	rows, err := u.s.db.QueryContext(ctx, `
		SELECT st.id, st.trade_id, st.from_status, st.to_status, st.trigger, st.metadata, st.created_at
		FROM state_transitions st
		JOIN paper_trades pt ON pt.id = st.trade_id
		WHERE st.trade_id = ? AND pt.username = ?
		ORDER BY st.id`,
		tradeID, u.username)
	if err != nil {
		return nil, fmt.Errorf("store: list transitions: %w", err)
	}
	defer rows.Close()

	var out []models.StateTransition
	for rows.Next() {
		var (
			st       models.StateTransition
			from     sql.NullString
			metaJSON sql.NullString
			created  string
		)
		if err := rows.Scan(&st.ID, &st.TradeID, &from, &st.To, &st.Trigger, &metaJSON, &created); err != nil {
			return nil, fmt.Errorf("store: scan transition: %w", err)
		}
		if from.Valid {
			s := models.TradeStatus(from.String)
			st.From = &s
		}
		if metaJSON.Valid && metaJSON.String != "" {
			if err := json.Unmarshal([]byte(metaJSON.String), &st.Metadata); err != nil {
				return nil, fmt.Errorf("store: transition metadata: %w", err)
			}
		}
		st.CreatedAt = parseTime(created)
		out = append(out, st)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrade(row rowScanner) (*models.Trade, error) {
	var (
		t          models.Trade
		optType    string
		expiry     string
		direction  string
		status     string
		mode       string
		ctxJSON    sql.NullString
		fillTime   sql.NullString
		idemKey    sql.NullString
		createdAt  string
		updatedAt  string
		closedAt   sql.NullString
		realized   sql.NullFloat64
		exitPrice  sql.NullFloat64
	)
	err := row.Scan(
		&t.ID, &t.Username, &t.Ticker, &optType, &t.Strike, &expiry, &direction,
		&t.EntryPrice, &t.Quantity, &t.StopLoss, &t.TakeProfit, &t.CurrentPrice,
		&t.UnrealizedPnL, &realized, &status, &exitPrice, &t.CloseReason,
		&ctxJSON, &mode, &t.EntryOrderID, &t.StopOrderID, &t.TargetOrderID,
		&t.BrokerFillPrice, &fillTime, &t.Version, &idemKey,
		&createdAt, &updatedAt, &closedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan trade: %w", err)
	}

	t.OptionType = models.OptionType(optType)
	t.Direction = models.Direction(direction)
	t.Status = models.TradeStatus(status)
	t.BrokerMode = models.BrokerMode(mode)
	t.Expiry = parseTime(expiry)
	t.CreatedAt = parseTime(createdAt)
	t.UpdatedAt = parseTime(updatedAt)
	if realized.Valid {
		t.RealizedPnL = &realized.Float64
	}
	if exitPrice.Valid {
		t.ExitPrice = &exitPrice.Float64
	}
	if idemKey.Valid {
		t.IdempotencyKey = idemKey.String
	}
	if fillTime.Valid {
		ts := parseTime(fillTime.String)
		t.BrokerFillTime = &ts
	}
	if closedAt.Valid {
		ts := parseTime(closedAt.String)
		t.ClosedAt = &ts
	}
	if ctxJSON.Valid && ctxJSON.String != "" {
		var tc models.TradeContext
		if err := json.Unmarshal([]byte(ctxJSON.String), &tc); err != nil {
			return nil, fmt.Errorf("store: trade context: %w", err)
		}
		t.Context = &tc
	}
	return &t, nil
}

func marshalContext(tc *models.TradeContext) (any, error) {
	if tc == nil {
		return nil, nil
	}
	b, err := json.Marshal(tc)
	if err != nil {
		return nil, fmt.Errorf("store: marshal trade context: %w", err)
	}
	return string(b), nil
}

func marshalMetadata(m map[string]string) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("store: marshal metadata: %w", err)
	}
	return string(b), nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
