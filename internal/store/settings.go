package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/papertrade/optionscout/internal/models"
)

// Settings returns the user's settings row, or ErrNotFound before first save.
func (u *UserScope) Settings(ctx context.Context) (*models.UserSettings, error) {
	var (
		s       models.UserSettings
		mode    string
		updated string
	)
	err := u.s.db.QueryRowContext(ctx, `
		SELECT username, broker_mode, sandbox_token_enc, live_token_enc,
		       broker_account_id, account_balance, max_positions,
		       daily_loss_limit, portfolio_heat_limit, default_stop_loss_pct,
		       default_take_profit_pct, ui_preferences, updated_at
		FROM user_settings WHERE username = ?`,
		u.username).Scan(
		&s.Username, &mode, &s.SandboxTokenEnc, &s.LiveTokenEnc,
		&s.BrokerAccountID, &s.AccountBalance, &s.MaxPositions,
		&s.DailyLossLimit, &s.PortfolioHeatLimit, &s.DefaultStopLossPct,
		&s.DefaultTakeProfitPct, &s.UIPreferences, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: load settings: %w", err)
	}
	s.BrokerMode = models.BrokerMode(mode)
	s.UpdatedAt = parseTime(updated)
	return &s, nil
}

// SaveSettings upserts the user's settings row.
func (u *UserScope) SaveSettings(ctx context.Context, s *models.UserSettings) error {
	s.Username = u.username
	s.UpdatedAt = time.Now().UTC()
	_, err := u.s.db.ExecContext(ctx, `
		INSERT INTO user_settings (
			username, broker_mode, sandbox_token_enc, live_token_enc,
			broker_account_id, account_balance, max_positions, daily_loss_limit,
			portfolio_heat_limit, default_stop_loss_pct, default_take_profit_pct,
			ui_preferences, updated_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT (username) DO UPDATE SET
			broker_mode = excluded.broker_mode,
			sandbox_token_enc = excluded.sandbox_token_enc,
			live_token_enc = excluded.live_token_enc,
			broker_account_id = excluded.broker_account_id,
			account_balance = excluded.account_balance,
			max_positions = excluded.max_positions,
			daily_loss_limit = excluded.daily_loss_limit,
			portfolio_heat_limit = excluded.portfolio_heat_limit,
			default_stop_loss_pct = excluded.default_stop_loss_pct,
			default_take_profit_pct = excluded.default_take_profit_pct,
			ui_preferences = excluded.ui_preferences,
			updated_at = excluded.updated_at`,
		u.username, string(s.BrokerMode), s.SandboxTokenEnc, s.LiveTokenEnc,
		s.BrokerAccountID, s.AccountBalance, s.MaxPositions, s.DailyLossLimit,
		s.PortfolioHeatLimit, s.DefaultStopLossPct, s.DefaultTakeProfitPct,
		s.UIPreferences, fmtTime(s.UpdatedAt))
	if err != nil {
		return fmt.Errorf("store: save settings: %w", err)
	}
	return nil
}
