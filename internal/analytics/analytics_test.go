package analytics

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/papertrade/optionscout/internal/models"
	"github.com/papertrade/optionscout/internal/store"
)

func newTestService(t *testing.T) (*Service, *store.UserScope) {
	t.Helper()
	st, err := store.Open("file::memory:", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	scope := st.ForUser("alice")
	return New(scope, zerolog.Nop()), scope
}

// settle seeds one settled trade. closeOffset orders the equity curve.
func settle(t *testing.T, scope *store.UserScope, ticker string, strategy models.Strategy, pnl float64, closeOffset time.Duration) {
	t.Helper()
	ctx := context.Background()

	tr := &models.Trade{
		Ticker:     ticker,
		OptionType: models.OptionCall,
		Strike:     200,
		Expiry:     time.Now().UTC().AddDate(1, 0, 0),
		Direction:  models.DirectionBuy,
		EntryPrice: 10,
		Quantity:   1,
		Status:     models.StatusPending,
		BrokerMode: models.ModeSandbox,
		Context:    &models.TradeContext{Strategy: strategy},
	}
	require.NoError(t, scope.CreateTrade(ctx, tr, "trade_created", nil))

	exit := tr.EntryPrice + pnl/100
	closedAt := time.Now().UTC().Add(closeOffset)
	tr.Status = models.StatusClosed
	tr.ExitPrice = &exit
	tr.RealizedPnL = &pnl
	tr.CloseReason = "profit_target"
	tr.ClosedAt = &closedAt
	require.NoError(t, scope.SaveTrade(ctx, tr))
}

func TestSummarize(t *testing.T) {
	svc, scope := newTestService(t)
	ctx := context.Background()

	settle(t, scope, "AAPL", models.StrategyLEAP, 600, time.Hour)
	settle(t, scope, "MSFT", models.StrategyLEAP, 200, 2*time.Hour)
	settle(t, scope, "NVDA", models.StrategyWeekly, -400, 3*time.Hour)

	sum, err := svc.Summarize(ctx)
	require.NoError(t, err)

	assert.Equal(t, 3, sum.Trades)
	assert.Equal(t, 2, sum.Wins)
	assert.Equal(t, 1, sum.Losses)
	assert.InDelta(t, 2.0/3.0, sum.WinRate, 1e-9)
	assert.InDelta(t, 400.0, sum.TotalPnL, 1e-9)
	assert.InDelta(t, 400.0, sum.AvgWin, 1e-9)
	assert.InDelta(t, -400.0, sum.AvgLoss, 1e-9)
	assert.InDelta(t, 2.0, sum.ProfitFactor, 1e-9, "800 won over 400 lost")
	assert.InDelta(t, 400.0/3.0, sum.Expectancy, 1e-9)
	assert.Equal(t, 600.0, sum.BestTrade)
	assert.Equal(t, -400.0, sum.WorstTrade)
	assert.Greater(t, sum.PnLStdDev, 0.0)
}

func TestSummarizeEmptyAndAllWinners(t *testing.T) {
	svc, scope := newTestService(t)
	ctx := context.Background()

	sum, err := svc.Summarize(ctx)
	require.NoError(t, err)
	assert.Zero(t, sum.Trades)
	assert.Zero(t, sum.WinRate)

	settle(t, scope, "AAPL", models.StrategyLEAP, 300, time.Hour)
	sum, err = svc.Summarize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1.0, sum.WinRate)
	assert.True(t, math.IsInf(sum.ProfitFactor, 1), "no losses yet")
	assert.Zero(t, sum.AvgLoss)
}

func TestSummarizeIgnoresOpenTrades(t *testing.T) {
	svc, scope := newTestService(t)
	ctx := context.Background()

	open := &models.Trade{
		Ticker:     "TSLA",
		OptionType: models.OptionCall,
		Strike:     300,
		Expiry:     time.Now().UTC().AddDate(1, 0, 0),
		Direction:  models.DirectionBuy,
		EntryPrice: 8,
		Quantity:   1,
		Status:     models.StatusPending,
		BrokerMode: models.ModeSandbox,
	}
	require.NoError(t, scope.CreateTrade(ctx, open, "trade_created", nil))
	settle(t, scope, "AAPL", models.StrategyLEAP, 100, time.Hour)

	sum, err := svc.Summarize(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Trades)
}

func TestEquityCurveDrawdown(t *testing.T) {
	svc, scope := newTestService(t)
	ctx := context.Background()

	// Equity path from 10,000: 10,600 -> 10,200 -> 9,900 -> 10,400.
	settle(t, scope, "AAPL", models.StrategyLEAP, 600, 1*time.Hour)
	settle(t, scope, "MSFT", models.StrategyLEAP, -400, 2*time.Hour)
	settle(t, scope, "NVDA", models.StrategyLEAP, -300, 3*time.Hour)
	settle(t, scope, "AMD", models.StrategyLEAP, 500, 4*time.Hour)

	curve, err := svc.EquityCurve(ctx, 10_000)
	require.NoError(t, err)
	require.Len(t, curve.Points, 4)

	assert.Equal(t, 10_600.0, curve.Points[0].Equity)
	assert.Equal(t, 9_900.0, curve.Points[2].Equity)
	assert.Equal(t, 10_400.0, curve.Points[3].Equity)
	assert.InDelta(t, 400.0, curve.Points[3].Cumulative, 1e-9)

	// Peak 10,600 to trough 9,900.
	assert.InDelta(t, 700.0, curve.MaxDrawdown, 1e-9)
	assert.InDelta(t, 700.0/10_600.0, curve.MaxDrawdownPct, 1e-9)
}

func TestAttributeGroupsByStrategyAndTicker(t *testing.T) {
	svc, scope := newTestService(t)
	ctx := context.Background()

	settle(t, scope, "AAPL", models.StrategyLEAP, 600, 1*time.Hour)
	settle(t, scope, "AAPL", models.StrategyLEAP, -200, 2*time.Hour)
	settle(t, scope, "NVDA", models.StrategyWeekly, 300, 3*time.Hour)

	attr, err := svc.Attribute(ctx)
	require.NoError(t, err)

	require.Len(t, attr.ByStrategy, 2)
	assert.Equal(t, string(models.StrategyLEAP), attr.ByStrategy[0].Key, "ordered by P&L")
	assert.InDelta(t, 400.0, attr.ByStrategy[0].PnL, 1e-9)
	assert.Equal(t, 2, attr.ByStrategy[0].Trades)
	assert.InDelta(t, 0.5, attr.ByStrategy[0].WinRate, 1e-9)
	assert.Equal(t, string(models.StrategyWeekly), attr.ByStrategy[1].Key)

	require.Len(t, attr.ByTicker, 2)
	assert.Equal(t, "AAPL", attr.ByTicker[0].Key)
	assert.InDelta(t, 400.0, attr.ByTicker[0].PnL, 1e-9)
	assert.Equal(t, "NVDA", attr.ByTicker[1].Key)
}

func TestAttributeIsolatedPerUser(t *testing.T) {
	_, scope := newTestService(t)
	ctx := context.Background()

	settle(t, scope, "AAPL", models.StrategyLEAP, 100, time.Hour)

	other := New(scopeForOther(t, scope), zerolog.Nop())
	attr, err := other.Attribute(ctx)
	require.NoError(t, err)
	assert.Empty(t, attr.ByTicker)
}

func scopeForOther(t *testing.T, scope *store.UserScope) *store.UserScope {
	t.Helper()
	return scope.Store().ForUser("bob")
}
