// Package backtest replays a daily candle series through a synthetic
// single-position options strategy: entries from the same trend and RSI-2
// signals the scanner uses, contracts priced with the Black-Scholes helper,
// exits driven by the strategy's exit plan.
package backtest

import (
	"math"

	"github.com/markcheno/go-talib"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/papertrade/optionscout/internal/analysis"
	"github.com/papertrade/optionscout/internal/models"
	"github.com/papertrade/optionscout/internal/recommend"
)

// Config shapes one simulation run.
type Config struct {
	Strategy        models.Strategy
	OptionType      models.OptionType
	StartingBalance float64
	EntryDTE        int     // contract life bought at entry
	StrikeOTMPct    float64 // strike distance from spot, e.g. 0.05
	Contracts       int     // fixed size per entry
}

// DefaultConfig is a long-dated call run.
func DefaultConfig() Config {
	return Config{
		Strategy:        models.StrategyLEAP,
		OptionType:      models.OptionCall,
		StartingBalance: 25_000,
		EntryDTE:        365,
		StrikeOTMPct:    0.05,
		Contracts:       1,
	}
}

// SimTrade is one simulated round trip.
type SimTrade struct {
	EntryBar   int     `json:"entry_bar"`
	ExitBar    int     `json:"exit_bar"`
	Strike     float64 `json:"strike"`
	EntryPrice float64 `json:"entry_price"`
	ExitPrice  float64 `json:"exit_price"`
	PnL        float64 `json:"pnl"`
	PnLPct     float64 `json:"pnl_pct"`
	Reason     string  `json:"reason"`
}

// Result aggregates the run.
type Result struct {
	Trades         []SimTrade `json:"trades"`
	EndingBalance  float64    `json:"ending_balance"`
	TotalReturnPct float64    `json:"total_return_pct"`
	WinRate        float64    `json:"win_rate"`
	Expectancy     float64    `json:"expectancy"`
	PnLStdDev      float64    `json:"pnl_std_dev"`
	MaxDrawdown    float64    `json:"max_drawdown"`
	AnnualizedVol  float64    `json:"annualized_vol_pct"` // realized, of the underlying
}

const (
	warmupBars        = 200
	sharesPerContract = 100
	tradingDaysYear   = 252
)

// Run walks the series bar by bar holding at most one position.
func Run(series models.CandleSeries, cfg Config, log zerolog.Logger) *Result {
	res := &Result{EndingBalance: cfg.StartingBalance}
	if len(series) <= warmupBars || cfg.StartingBalance <= 0 {
		return res
	}
	if cfg.Contracts <= 0 {
		cfg.Contracts = 1
	}

	closes := series.Closes()
	res.AnnualizedVol = realizedVolPct(closes)
	iv := res.AnnualizedVol
	if iv <= 0 {
		return res
	}

	plan := recommend.BuildExitPlan(recommend.PlanRequest{Strategy: cfg.Strategy})

	equity := cfg.StartingBalance
	peak := equity
	var open *SimTrade
	dte := 0

	for i := warmupBars; i < len(series); i++ {
		spot := closes[i]

		if open != nil {
			dte--
			mark := analysis.TheoreticalPrice(spot, open.Strike, dte, iv, cfg.OptionType)
			pnlPct := (mark - open.EntryPrice) / open.EntryPrice * 100
			decision := recommend.ShouldExit(plan, pnlPct, dte, 0)
			if dte <= 0 && !decision.Exit {
				decision = recommend.ExitDecision{Exit: true, Reason: "expired"}
			}
			if decision.Exit {
				open.ExitBar = i
				open.ExitPrice = mark
				open.PnL = (mark - open.EntryPrice) * float64(cfg.Contracts) * sharesPerContract
				open.PnLPct = pnlPct
				open.Reason = string(decision.Reason)
				equity += open.PnL
				res.Trades = append(res.Trades, *open)
				open = nil

				if equity > peak {
					peak = equity
				}
				if dd := peak - equity; dd > res.MaxDrawdown {
					res.MaxDrawdown = dd
				}
			}
			continue
		}

		if !entrySignal(closes[:i+1], cfg.OptionType) {
			continue
		}
		strike := strikeFor(spot, cfg.StrikeOTMPct, cfg.OptionType)
		premium := analysis.TheoreticalPrice(spot, strike, cfg.EntryDTE, iv, cfg.OptionType)
		cost := premium * float64(cfg.Contracts) * sharesPerContract
		if premium <= 0 || cost > equity {
			continue
		}
		open = &SimTrade{EntryBar: i, Strike: strike, EntryPrice: premium}
		dte = cfg.EntryDTE
	}

	// Force-close anything still open at the last bar.
	if open != nil {
		last := closes[len(closes)-1]
		mark := analysis.TheoreticalPrice(last, open.Strike, dte, iv, cfg.OptionType)
		open.ExitBar = len(series) - 1
		open.ExitPrice = mark
		open.PnL = (mark - open.EntryPrice) * float64(cfg.Contracts) * sharesPerContract
		open.PnLPct = (mark - open.EntryPrice) / open.EntryPrice * 100
		open.Reason = "end_of_data"
		equity += open.PnL
		res.Trades = append(res.Trades, *open)
	}

	res.EndingBalance = equity
	res.TotalReturnPct = (equity - cfg.StartingBalance) / cfg.StartingBalance * 100
	summarize(res)

	log.Info().Int("trades", len(res.Trades)).
		Float64("return_pct", res.TotalReturnPct).
		Float64("win_rate", res.WinRate).Msg("backtest complete")
	return res
}

// entrySignal mirrors the scanner's direction gates: price on the right side
// of the long average, with the 2-period RSI at an extreme in our favor.
func entrySignal(closes []float64, optType models.OptionType) bool {
	sma := mean(closes[len(closes)-warmupBars:])
	price := closes[len(closes)-1]
	rsi2 := lastRSI(closes, 2)

	if optType == models.OptionPut {
		return price < sma && rsi2 >= 90
	}
	return price > sma && rsi2 <= 10
}

func strikeFor(spot, otmPct float64, optType models.OptionType) float64 {
	if optType == models.OptionPut {
		return math.Round(spot * (1 - otmPct))
	}
	return math.Round(spot * (1 + otmPct))
}

// realizedVolPct annualizes the close-to-close log-return volatility.
func realizedVolPct(closes []float64) float64 {
	if len(closes) < 2 {
		return 0
	}
	rets := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] <= 0 || closes[i] <= 0 {
			continue
		}
		rets = append(rets, math.Log(closes[i]/closes[i-1]))
	}
	if len(rets) < 2 {
		return 0
	}
	return stat.StdDev(rets, nil) * math.Sqrt(tradingDaysYear) * 100
}

func summarize(res *Result) {
	if len(res.Trades) == 0 {
		return
	}
	pnls := make([]float64, len(res.Trades))
	wins := 0
	for i, tr := range res.Trades {
		pnls[i] = tr.PnL
		if tr.PnL > 0 {
			wins++
		}
	}
	res.WinRate = float64(wins) / float64(len(res.Trades))
	res.Expectancy = stat.Mean(pnls, nil)
	if len(pnls) > 1 {
		res.PnLStdDev = stat.StdDev(pnls, nil)
	}
}

func mean(xs []float64) float64 {
	return stat.Mean(xs, nil)
}

func lastRSI(closes []float64, period int) float64 {
	if len(closes) <= period {
		return 50
	}
	values := talib.Rsi(closes, period)
	for i := len(values) - 1; i >= 0; i-- {
		if !math.IsNaN(values[i]) {
			return values[i]
		}
	}
	return 50
}
