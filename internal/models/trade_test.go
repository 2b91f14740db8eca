package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTradeStatusValid(t *testing.T) {
	for _, s := range AllStatuses {
		assert.True(t, s.Valid(), "status %s should be valid", s)
	}
	assert.False(t, TradeStatus("BOGUS").Valid())
	assert.False(t, TradeStatus("").Valid())
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from TradeStatus
		to   TradeStatus
		want bool
	}{
		{"pending to open", StatusPending, StatusOpen, true},
		{"pending to canceled", StatusPending, StatusCanceled, true},
		{"open to partial", StatusOpen, StatusPartiallyFilled, true},
		{"partial back to open", StatusPartiallyFilled, StatusOpen, true},
		{"open to closing", StatusOpen, StatusClosing, true},
		{"open to expired", StatusOpen, StatusExpired, true},
		{"closing to closed", StatusClosing, StatusClosed, true},
		{"closing back to open", StatusClosing, StatusOpen, true},
		{"any non-terminal to canceled", StatusClosing, StatusCanceled, true},
		{"pending cannot skip to closed", StatusPending, StatusClosed, false},
		{"closed is terminal", StatusClosed, StatusOpen, false},
		{"canceled is terminal", StatusCanceled, StatusCanceled, false},
		{"expired cannot reopen", StatusExpired, StatusOpen, false},
		{"open cannot jump to closed", StatusOpen, StatusClosed, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestTradeValidate(t *testing.T) {
	base := func() *Trade {
		return &Trade{
			ID:         1,
			Username:   "alice",
			Ticker:     "AAPL",
			OptionType: OptionCall,
			Status:     StatusOpen,
		}
	}

	t.Run("valid open trade", func(t *testing.T) {
		require.NoError(t, base().Validate())
	})

	t.Run("live trade must not carry realized pnl", func(t *testing.T) {
		tr := base()
		pnl := 120.0
		tr.RealizedPnL = &pnl
		assert.Error(t, tr.Validate())
	})

	t.Run("closed trade requires full exit data", func(t *testing.T) {
		tr := base()
		tr.Status = StatusClosed
		assert.Error(t, tr.Validate())

		exit := 7.5
		pnl := 150.0
		now := time.Now().UTC()
		tr.ExitPrice = &exit
		tr.RealizedPnL = &pnl
		tr.CloseReason = "profit_target"
		tr.ClosedAt = &now
		assert.NoError(t, tr.Validate())
	})

	t.Run("missing username rejected", func(t *testing.T) {
		tr := base()
		tr.Username = ""
		assert.Error(t, tr.Validate())
	})
}

func TestTradePnL(t *testing.T) {
	tr := &Trade{EntryPrice: 5.0, Quantity: 2, Direction: DirectionBuy}

	assert.InDelta(t, 400.0, tr.PnLAt(7.0), 1e-9)
	assert.InDelta(t, 40.0, tr.PnLPercent(7.0), 1e-9)
	assert.InDelta(t, -200.0, tr.PnLAt(4.0), 1e-9)

	short := &Trade{EntryPrice: 5.0, Quantity: 1, Direction: DirectionSell}
	assert.InDelta(t, -200.0, short.PnLAt(7.0), 1e-9)
}

func TestTradeDTE(t *testing.T) {
	now := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	tr := &Trade{Expiry: time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC)}
	assert.Equal(t, 18, tr.DTE(now))

	past := &Trade{Expiry: time.Date(2026, 2, 20, 0, 0, 0, 0, time.UTC)}
	assert.Equal(t, 0, past.DTE(now))
}

func TestWeeklyExpiry(t *testing.T) {
	// 2026-03-06 is a Friday: weeks_out=0 must return today.
	friday := time.Date(2026, 3, 6, 10, 30, 0, 0, time.UTC)
	got := WeeklyExpiry(friday, 0)
	assert.Equal(t, time.Friday, got.Weekday())
	assert.Equal(t, friday.Truncate(24*time.Hour), got)

	// Mid-week resolves to the Friday of the same week.
	wednesday := time.Date(2026, 3, 4, 10, 30, 0, 0, time.UTC)
	got = WeeklyExpiry(wednesday, 0)
	assert.Equal(t, time.Friday, got.Weekday())
	assert.Equal(t, time.Date(2026, 3, 6, 0, 0, 0, 0, time.UTC), got)

	// weeks_out shifts by whole weeks and stays a Friday.
	got = WeeklyExpiry(wednesday, 2)
	assert.Equal(t, time.Friday, got.Weekday())
	assert.Equal(t, time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC), got)
}

func TestRegimeFromVIX(t *testing.T) {
	assert.Equal(t, RegimeCalm, RegimeFromVIX(12))
	assert.Equal(t, RegimeNormal, RegimeFromVIX(17))
	assert.Equal(t, RegimeElevated, RegimeFromVIX(24))
	assert.Equal(t, RegimeCrisis, RegimeFromVIX(35))
	// Unknown level routes through as Normal so adjustments are no-ops.
	assert.Equal(t, RegimeNormal, RegimeFromVIX(0))
}

func TestClampScore(t *testing.T) {
	assert.Equal(t, 0.0, ClampScore(-5))
	assert.Equal(t, 100.0, ClampScore(104))
	assert.Equal(t, 55.5, ClampScore(55.5))
}

func TestOptionChainAdd(t *testing.T) {
	chain := NewOptionChain("SPY")
	exp := time.Date(2026, 6, 19, 0, 0, 0, 0, time.UTC)
	chain.Add(OptionContract{PutCall: OptionCall, StrikePrice: 500, ExpirationDate: exp})
	chain.Add(OptionContract{PutCall: OptionPut, StrikePrice: 480, ExpirationDate: exp})

	require.Len(t, chain.Calls["2026-06-19"][500.0], 1)
	require.Len(t, chain.Puts["2026-06-19"][480.0], 1)
	assert.Empty(t, chain.Calls["2026-06-19"][480.0])
}
