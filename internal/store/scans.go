package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/papertrade/optionscout/internal/models"
)

// ScanRecord is one persisted scan outcome: either a ranked opportunity or
// the gate verdict that rejected the ticker.
type ScanRecord struct {
	ID        int64               `json:"id"`
	Username  string              `json:"username"`
	Ticker    string              `json:"ticker"`
	Strategy  models.Strategy     `json:"strategy"`
	OptionType models.OptionType  `json:"option_type"`
	Verdict   string              `json:"verdict"` // "ok" or a gate name
	Score     float64             `json:"score"`
	Result    *models.Opportunity `json:"result,omitempty"`
	CreatedAt time.Time           `json:"created_at"`
}

// RecordScan appends one scan outcome to the history.
func (u *UserScope) RecordScan(ctx context.Context, rec *ScanRecord) error {
	rec.Username = u.username
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	var resultJSON any
	if rec.Result != nil {
		b, err := json.Marshal(rec.Result)
		if err != nil {
			return fmt.Errorf("store: marshal scan result: %w", err)
		}
		resultJSON = string(b)
	}

	res, err := u.s.db.ExecContext(ctx, `
		INSERT INTO scan_history (username, ticker, strategy, option_type, verdict, score, result, created_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		u.username, rec.Ticker, string(rec.Strategy), string(rec.OptionType),
		rec.Verdict, rec.Score, resultJSON, fmtTime(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: insert scan record: %w", err)
	}
	rec.ID, _ = res.LastInsertId()
	return nil
}

// ScanHistory returns the user's most recent scan records, newest first.
func (u *UserScope) ScanHistory(ctx context.Context, limit int) ([]ScanRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := u.s.db.QueryContext(ctx, `
		SELECT id, username, ticker, strategy, option_type, verdict, score, result, created_at
		FROM scan_history WHERE username = ?
		ORDER BY id DESC LIMIT ?`,
		u.username, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list scan history: %w", err)
	}
	defer rows.Close()

	var out []ScanRecord
	for rows.Next() {
		var (
			rec        ScanRecord
			strategy   string
			optType    string
			resultJSON sql.NullString
			created    string
		)
		if err := rows.Scan(&rec.ID, &rec.Username, &rec.Ticker, &strategy,
			&optType, &rec.Verdict, &rec.Score, &resultJSON, &created); err != nil {
			return nil, fmt.Errorf("store: scan history row: %w", err)
		}
		rec.Strategy = models.Strategy(strategy)
		rec.OptionType = models.OptionType(optType)
		rec.CreatedAt = parseTime(created)
		if resultJSON.Valid && resultJSON.String != "" {
			var opp models.Opportunity
			if err := json.Unmarshal([]byte(resultJSON.String), &opp); err != nil {
				return nil, fmt.Errorf("store: scan result: %w", err)
			}
			rec.Result = &opp
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
