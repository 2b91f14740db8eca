package backtest

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/papertrade/optionscout/internal/models"
)

// dipSeries rises steadily, takes a sharp multi-day dip at dipAt, then
// resumes the climb. The dip drives RSI-2 to the floor while price stays
// above the long average.
func dipSeries(n, dipAt int) models.CandleSeries {
	out := make(models.CandleSeries, n)
	day := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	price := 100.0
	for i := range out {
		switch {
		case i >= dipAt && i < dipAt+3:
			price *= 0.98
		case i%7 == 3:
			price *= 0.997 // mild chop so realized vol is non-zero
		default:
			price *= 1.004
		}
		out[i] = models.Candle{
			Date: day.AddDate(0, 0, i), Open: price, High: price * 1.01,
			Low: price * 0.99, Close: price, Volume: 1_000_000,
		}
	}
	return out
}

func TestRunTooShortSeries(t *testing.T) {
	res := Run(dipSeries(150, 100), DefaultConfig(), zerolog.Nop())
	assert.Empty(t, res.Trades)
	assert.Equal(t, DefaultConfig().StartingBalance, res.EndingBalance)
}

func TestRunEntersOnDipAndSettles(t *testing.T) {
	cfg := DefaultConfig()
	series := dipSeries(320, 260)

	res := Run(series, cfg, zerolog.Nop())
	require.NotEmpty(t, res.Trades, "the dip should trigger an entry")

	first := res.Trades[0]
	assert.GreaterOrEqual(t, first.EntryBar, 260, "entry comes from the dip")
	assert.Greater(t, first.ExitBar, first.EntryBar)
	assert.Greater(t, first.EntryPrice, 0.0)
	assert.NotEmpty(t, first.Reason)
	assert.Greater(t, first.Strike, series.Closes()[first.EntryBar], "call struck above spot")

	total := 0.0
	for _, tr := range res.Trades {
		total += tr.PnL
	}
	assert.InDelta(t, cfg.StartingBalance+total, res.EndingBalance, 1e-6)
	assert.GreaterOrEqual(t, res.WinRate, 0.0)
	assert.LessOrEqual(t, res.WinRate, 1.0)
	assert.GreaterOrEqual(t, res.MaxDrawdown, 0.0)
	assert.Greater(t, res.AnnualizedVol, 0.0)
}

func TestRunFlatSeriesHasNoVolNoTrades(t *testing.T) {
	flat := make(models.CandleSeries, 260)
	day := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	for i := range flat {
		flat[i] = models.Candle{Date: day.AddDate(0, 0, i), Open: 100, High: 100, Low: 100, Close: 100, Volume: 1}
	}
	res := Run(flat, DefaultConfig(), zerolog.Nop())
	assert.Empty(t, res.Trades, "zero realized vol aborts the run")
	assert.Zero(t, res.AnnualizedVol)
}

func TestEntrySignalDirectionAware(t *testing.T) {
	up := dipSeries(320, 260).Closes()[:263] // just after the dip
	assert.True(t, entrySignal(up, models.OptionCall), "oversold dip in an uptrend")
	assert.False(t, entrySignal(up, models.OptionPut), "puts need a downtrend")
}

func TestStrikeFor(t *testing.T) {
	assert.Equal(t, 105.0, strikeFor(100, 0.05, models.OptionCall))
	assert.Equal(t, 95.0, strikeFor(100, 0.05, models.OptionPut))
}

func TestRealizedVolPct(t *testing.T) {
	alternating := []float64{100, 102, 100, 102, 100, 102, 100, 102}
	vol := realizedVolPct(alternating)
	assert.Greater(t, vol, 0.0)

	assert.Zero(t, realizedVolPct([]float64{100}))
	assert.Zero(t, realizedVolPct([]float64{100, 100, 100}))
}
