// Package analytics aggregates realized performance over a user's settled
// trades: headline summary, equity curve with drawdown, and attribution by
// strategy and ticker.
package analytics

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/papertrade/optionscout/internal/models"
	"github.com/papertrade/optionscout/internal/store"
)

// Service reads settled trades through the user's scope.
type Service struct {
	scope *store.UserScope
	log   zerolog.Logger
}

func New(scope *store.UserScope, log zerolog.Logger) *Service {
	return &Service{
		scope: scope,
		log:   log.With().Str("component", "analytics").Logger(),
	}
}

// Summary is the headline realized-performance report.
type Summary struct {
	Trades       int     `json:"trades"`
	Wins         int     `json:"wins"`
	Losses       int     `json:"losses"`
	WinRate      float64 `json:"win_rate"` // fraction, 0-1
	TotalPnL     float64 `json:"total_pnl"`
	AvgWin       float64 `json:"avg_win"`
	AvgLoss      float64 `json:"avg_loss"` // negative
	ProfitFactor float64 `json:"profit_factor"`
	Expectancy   float64 `json:"expectancy"` // mean P&L per trade
	PnLStdDev    float64 `json:"pnl_std_dev"`
	BestTrade    float64 `json:"best_trade"`
	WorstTrade   float64 `json:"worst_trade"`
	AvgHoldDays  float64 `json:"avg_hold_days"`
}

// EquityPoint is one step of the realized equity curve, in close order.
type EquityPoint struct {
	Time       time.Time `json:"time"`
	TradeID    int64     `json:"trade_id"`
	PnL        float64   `json:"pnl"`
	Cumulative float64   `json:"cumulative"`
	Equity     float64   `json:"equity"`
}

// Curve is the equity series plus its drawdown statistics.
type Curve struct {
	StartingBalance float64       `json:"starting_balance"`
	Points          []EquityPoint `json:"points"`
	MaxDrawdown     float64       `json:"max_drawdown"`     // dollars, >= 0
	MaxDrawdownPct  float64       `json:"max_drawdown_pct"` // fraction of peak
}

// Bucket is one attribution row.
type Bucket struct {
	Key     string  `json:"key"`
	Trades  int     `json:"trades"`
	Wins    int     `json:"wins"`
	WinRate float64 `json:"win_rate"`
	PnL     float64 `json:"pnl"`
}

// Attribution groups realized results by strategy and by ticker.
type Attribution struct {
	ByStrategy []Bucket `json:"by_strategy"`
	ByTicker   []Bucket `json:"by_ticker"`
}

// settled returns CLOSED and EXPIRED trades that carry a realized P&L,
// ordered by close time ascending.
func (s *Service) settled(ctx context.Context) ([]models.Trade, error) {
	trades, err := s.scope.ListTrades(ctx, models.StatusClosed, models.StatusExpired)
	if err != nil {
		return nil, err
	}
	out := trades[:0]
	for _, t := range trades {
		if t.RealizedPnL == nil || t.ClosedAt == nil {
			// A terminal row without settlement data is a store invariant
			// violation; skip it rather than poison the aggregates.
			s.log.Warn().Int64("trade_id", t.ID).Msg("terminal trade missing settlement")
			continue
		}
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ClosedAt.Before(*out[j].ClosedAt)
	})
	return out, nil
}

// Summarize computes the headline report over all settled trades.
func (s *Service) Summarize(ctx context.Context) (*Summary, error) {
	trades, err := s.settled(ctx)
	if err != nil {
		return nil, err
	}

	sum := &Summary{Trades: len(trades)}
	if len(trades) == 0 {
		return sum, nil
	}

	pnls := make([]float64, len(trades))
	var grossWin, grossLoss, holdDays float64
	sum.BestTrade = math.Inf(-1)
	sum.WorstTrade = math.Inf(1)

	for i, t := range trades {
		pnl := *t.RealizedPnL
		pnls[i] = pnl
		if pnl > 0 {
			sum.Wins++
			grossWin += pnl
		} else {
			sum.Losses++
			grossLoss += pnl
		}
		sum.BestTrade = math.Max(sum.BestTrade, pnl)
		sum.WorstTrade = math.Min(sum.WorstTrade, pnl)
		holdDays += t.ClosedAt.Sub(t.CreatedAt).Hours() / 24
	}

	sum.TotalPnL = grossWin + grossLoss
	sum.WinRate = float64(sum.Wins) / float64(sum.Trades)
	if sum.Wins > 0 {
		sum.AvgWin = grossWin / float64(sum.Wins)
	}
	if sum.Losses > 0 {
		sum.AvgLoss = grossLoss / float64(sum.Losses)
	}
	if grossLoss != 0 {
		sum.ProfitFactor = grossWin / -grossLoss
	} else if grossWin > 0 {
		sum.ProfitFactor = math.Inf(1)
	}
	sum.Expectancy = stat.Mean(pnls, nil)
	if len(pnls) > 1 {
		sum.PnLStdDev = stat.StdDev(pnls, nil)
	}
	sum.AvgHoldDays = holdDays / float64(sum.Trades)
	return sum, nil
}

// EquityCurve builds the realized equity series from a starting balance and
// computes the maximum peak-to-trough drawdown along it.
func (s *Service) EquityCurve(ctx context.Context, startingBalance float64) (*Curve, error) {
	trades, err := s.settled(ctx)
	if err != nil {
		return nil, err
	}

	curve := &Curve{StartingBalance: startingBalance}
	equity := startingBalance
	peak := startingBalance
	cumulative := 0.0

	for _, t := range trades {
		pnl := *t.RealizedPnL
		cumulative += pnl
		equity += pnl
		curve.Points = append(curve.Points, EquityPoint{
			Time:       *t.ClosedAt,
			TradeID:    t.ID,
			PnL:        pnl,
			Cumulative: cumulative,
			Equity:     equity,
		})
		if equity > peak {
			peak = equity
		}
		if dd := peak - equity; dd > curve.MaxDrawdown {
			curve.MaxDrawdown = dd
			if peak > 0 {
				curve.MaxDrawdownPct = dd / peak
			}
		}
	}
	return curve, nil
}

// Attribute groups realized P&L by strategy label and by ticker. Buckets are
// ordered by P&L descending.
func (s *Service) Attribute(ctx context.Context) (*Attribution, error) {
	trades, err := s.settled(ctx)
	if err != nil {
		return nil, err
	}

	byStrategy := map[string]*Bucket{}
	byTicker := map[string]*Bucket{}
	for _, t := range trades {
		strategy := "unlabeled"
		if t.Context != nil && t.Context.Strategy != "" {
			strategy = string(t.Context.Strategy)
		}
		accumulate(byStrategy, strategy, *t.RealizedPnL)
		accumulate(byTicker, t.Ticker, *t.RealizedPnL)
	}

	return &Attribution{
		ByStrategy: flatten(byStrategy),
		ByTicker:   flatten(byTicker),
	}, nil
}

func accumulate(m map[string]*Bucket, key string, pnl float64) {
	b := m[key]
	if b == nil {
		b = &Bucket{Key: key}
		m[key] = b
	}
	b.Trades++
	if pnl > 0 {
		b.Wins++
	}
	b.PnL += pnl
	b.WinRate = float64(b.Wins) / float64(b.Trades)
}

func flatten(m map[string]*Bucket) []Bucket {
	out := make([]Bucket, 0, len(m))
	for _, b := range m {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PnL != out[j].PnL {
			return out[i].PnL > out[j].PnL
		}
		return out[i].Key < out[j].Key
	})
	return out
}
