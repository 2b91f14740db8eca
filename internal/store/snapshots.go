package store

import (
	"context"
	"fmt"
	"time"

	"github.com/papertrade/optionscout/internal/models"
)

// AddSnapshot appends a price snapshot. Username is denormalized onto the
// row so time-series reads never need the trade join.
func (u *UserScope) AddSnapshot(ctx context.Context, snap *models.PriceSnapshot) error {
	snap.Username = u.username
	if snap.Timestamp.IsZero() {
		snap.Timestamp = time.Now().UTC()
	}
	res, err := u.s.db.ExecContext(ctx, `
		INSERT INTO price_snapshots (trade_id, username, ts, mark, bid, ask, delta, iv, underlying, kind)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		snap.TradeID, u.username, fmtTime(snap.Timestamp), snap.Mark,
		snap.Bid, snap.Ask, snap.Delta, snap.IV, snap.Underlying, string(snap.Kind))
	if err != nil {
		return fmt.Errorf("store: insert snapshot: %w", err)
	}
	snap.ID, _ = res.LastInsertId()
	return nil
}

// Snapshots returns a trade's snapshots since the given time, oldest first.
// A zero since returns the full series.
func (u *UserScope) Snapshots(ctx context.Context, tradeID int64, since time.Time) ([]models.PriceSnapshot, error) {
	rows, err := u.s.db.QueryContext(ctx, `
		SELECT id, trade_id, username, ts, mark, bid, ask, delta, iv, underlying, kind
		FROM price_snapshots
		WHERE trade_id = ? AND username = ? AND ts >= ?
		ORDER BY ts, id`,
		tradeID, u.username, fmtTime(since))
	if err != nil {
		return nil, fmt.Errorf("store: list snapshots: %w", err)
	}
	defer rows.Close()

	var out []models.PriceSnapshot
	for rows.Next() {
		var (
			snap models.PriceSnapshot
			ts   string
			kind string
		)
		if err := rows.Scan(&snap.ID, &snap.TradeID, &snap.Username, &ts,
			&snap.Mark, &snap.Bid, &snap.Ask, &snap.Delta, &snap.IV,
			&snap.Underlying, &kind); err != nil {
			return nil, fmt.Errorf("store: scan snapshot: %w", err)
		}
		snap.Timestamp = parseTime(ts)
		snap.Kind = models.SnapshotKind(kind)
		out = append(out, snap)
	}
	return out, rows.Err()
}

// PruneSnapshots deletes periodic snapshots older than the cutoff; session
// bookends and close marks are kept. Returns rows deleted.
func (u *UserScope) PruneSnapshots(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := u.s.db.ExecContext(ctx, `
		DELETE FROM price_snapshots
		WHERE username = ? AND kind = ? AND ts < ?`,
		u.username, string(models.SnapshotPeriodic), fmtTime(olderThan))
	if err != nil {
		return 0, fmt.Errorf("store: prune snapshots: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
