package analysis

import (
	"errors"
	"math"

	"github.com/markcheno/go-talib"

	"github.com/papertrade/optionscout/internal/models"
)

// Minimum bars for the long moving average; below this the 50-bar fallback
// applies, and below minBarsShort the series is unusable.
const (
	minBarsLong  = 200
	minBarsShort = 50
	vwapWindow   = 20
)

// ErrInsufficientHistory means the candle series is too short to compute
// the trend gate or indicators.
var ErrInsufficientHistory = errors.New("insufficient candle history")

// RSI2Band labels the 2-period RSI extreme zones used by the scanner's
// direction-aware adjustments.
type RSI2Band string

const (
	RSI2ExtremeOversold   RSI2Band = "extreme_oversold"   // <= 5
	RSI2Oversold          RSI2Band = "oversold"           // <= 10
	RSI2Low               RSI2Band = "low"                // <= 25
	RSI2Neutral           RSI2Band = "neutral"
	RSI2High              RSI2Band = "high"               // >= 75
	RSI2Overbought        RSI2Band = "overbought"         // >= 90
	RSI2ExtremeOverbought RSI2Band = "extreme_overbought" // >= 95
)

// VWAPPosition classifies price against the short-horizon VWAP.
type VWAPPosition string

const (
	VWAPAtSupport    VWAPPosition = "at_support"    // within 0.5% above
	VWAPAboveVWAP    VWAPPosition = "above"
	VWAPAtResistance VWAPPosition = "at_resistance" // within 0.5% below
	VWAPBelowVWAP    VWAPPosition = "below"
)

// MinerviniStage is the 1-4 stage-analysis bucket.
type MinerviniStage int

const (
	StageBasing       MinerviniStage = 1
	StageAdvancing    MinerviniStage = 2
	StageTopping      MinerviniStage = 3
	StageDeclining    MinerviniStage = 4
)

// Indicators is the full technical bundle for one ticker.
type Indicators struct {
	Price          float64        `json:"price"`
	RSI14          float64        `json:"rsi_14"`
	RSI2           float64        `json:"rsi_2"`
	RSI2Band       RSI2Band       `json:"rsi_2_band"`
	MACD           float64        `json:"macd"`
	MACDSignal     float64        `json:"macd_signal"`
	MACDHistogram  float64        `json:"macd_histogram"`
	SMA50          float64        `json:"sma_50"`
	SMA200         float64        `json:"sma_200"` // 0 when the series is short
	VolumeRatio    float64        `json:"volume_ratio"` // last volume / 20-bar average
	VWAP           float64        `json:"vwap"`
	VWAPPosition   VWAPPosition   `json:"vwap_position"`
	VWAPDeviation  float64        `json:"vwap_deviation_pct"`
	Stage          MinerviniStage `json:"minervini_stage"`
	TechnicalScore float64        `json:"technical_score"`
}

// ComputeIndicators computes the indicator bundle from an ascending daily
// series. Requires at least minBarsShort bars.
func ComputeIndicators(series models.CandleSeries) (*Indicators, error) {
	if len(series) < minBarsShort {
		return nil, ErrInsufficientHistory
	}

	closes := series.Closes()
	price := series.LastClose()

	ind := &Indicators{Price: price}

	ind.RSI14 = lastValid(talib.Rsi(closes, 14))
	ind.RSI2 = lastValid(talib.Rsi(closes, 2))
	ind.RSI2Band = classifyRSI2(ind.RSI2)

	macd, signal, hist := talib.Macd(closes, 12, 26, 9)
	ind.MACD = lastValid(macd)
	ind.MACDSignal = lastValid(signal)
	ind.MACDHistogram = lastValid(hist)

	ind.SMA50 = lastValid(talib.Sma(closes, 50))
	if len(closes) >= minBarsLong {
		ind.SMA200 = lastValid(talib.Sma(closes, 200))
	}

	ind.VolumeRatio = volumeRatio(series)
	ind.VWAP, ind.VWAPDeviation, ind.VWAPPosition = shortVWAP(series, price)
	ind.Stage = classifyStage(series, price, ind.SMA50, ind.SMA200)
	ind.TechnicalScore = aggregateScore(ind)

	return ind, nil
}

// TrendSMA returns the moving average the trend gate compares against:
// the 200-bar SMA, falling back to the 50-bar when history is short.
func (ind *Indicators) TrendSMA() float64 {
	if ind.SMA200 > 0 {
		return ind.SMA200
	}
	return ind.SMA50
}

// TrendAllows applies the direction-aware trend gate: calls need price
// above the long SMA, puts need price below it.
func (ind *Indicators) TrendAllows(optType models.OptionType) bool {
	sma := ind.TrendSMA()
	if sma <= 0 {
		return false
	}
	if optType == models.OptionPut {
		return ind.Price < sma
	}
	return ind.Price > sma
}

func classifyRSI2(v float64) RSI2Band {
	switch {
	case v <= 5:
		return RSI2ExtremeOversold
	case v <= 10:
		return RSI2Oversold
	case v <= 25:
		return RSI2Low
	case v >= 95:
		return RSI2ExtremeOverbought
	case v >= 90:
		return RSI2Overbought
	case v >= 75:
		return RSI2High
	default:
		return RSI2Neutral
	}
}

func volumeRatio(series models.CandleSeries) float64 {
	n := len(series)
	window := 20
	if n < window+1 {
		return 1
	}
	var sum float64
	for _, c := range series[n-window-1 : n-1] {
		sum += float64(c.Volume)
	}
	avg := sum / float64(window)
	if avg <= 0 {
		return 1
	}
	return float64(series[n-1].Volume) / avg
}

// shortVWAP computes a rolling typical-price VWAP over the last vwapWindow
// bars and classifies where price sits relative to it.
func shortVWAP(series models.CandleSeries, price float64) (vwap, deviationPct float64, pos VWAPPosition) {
	n := len(series)
	window := vwapWindow
	if n < window {
		window = n
	}

	var pvSum, volSum float64
	for _, c := range series[n-window:] {
		typical := (c.High + c.Low + c.Close) / 3
		pvSum += typical * float64(c.Volume)
		volSum += float64(c.Volume)
	}
	if volSum <= 0 {
		return 0, 0, VWAPBelowVWAP
	}
	vwap = pvSum / volSum
	deviationPct = (price - vwap) / vwap * 100

	switch {
	case deviationPct >= 0 && deviationPct <= 0.5:
		pos = VWAPAtSupport
	case deviationPct > 0.5:
		pos = VWAPAboveVWAP
	case deviationPct < 0 && deviationPct >= -0.5:
		pos = VWAPAtResistance
	default:
		pos = VWAPBelowVWAP
	}
	return vwap, deviationPct, pos
}

// classifyStage implements the Minervini-style stage rules over the price /
// 50 / 200 moving-average stack and the long average's slope.
func classifyStage(series models.CandleSeries, price, sma50, sma200 float64) MinerviniStage {
	if sma200 <= 0 {
		// Short history: use the 50 alone for a coarse call.
		if price > sma50 {
			return StageAdvancing
		}
		return StageBasing
	}

	sma200Rising := longAverageRising(series)
	switch {
	case price > sma50 && sma50 > sma200 && sma200Rising:
		return StageAdvancing
	case price < sma50 && sma50 < sma200 && !sma200Rising:
		return StageDeclining
	case price < sma50 && price > sma200:
		return StageTopping
	default:
		return StageBasing
	}
}

func longAverageRising(series models.CandleSeries) bool {
	closes := series.Closes()
	sma := talib.Sma(closes, 200)
	if len(sma) < 21 {
		return false
	}
	now := sma[len(sma)-1]
	prior := sma[len(sma)-21]
	return !math.IsNaN(now) && !math.IsNaN(prior) && now > prior
}

// aggregateScore folds the bundle into a [0,100] technical score. Neutral
// inputs land near 50; the components carry fixed weights.
func aggregateScore(ind *Indicators) float64 {
	score := 50.0

	// RSI(14): favor the middle, penalize exhaustion.
	switch {
	case ind.RSI14 >= 45 && ind.RSI14 <= 65:
		score += 10
	case ind.RSI14 > 70:
		score -= 10
	case ind.RSI14 < 30:
		score -= 5
	}

	// MACD momentum.
	if ind.MACDHistogram > 0 {
		score += 10
	} else if ind.MACDHistogram < 0 {
		score -= 10
	}

	// Moving-average stack.
	if ind.Price > ind.SMA50 {
		score += 10
	} else {
		score -= 10
	}
	if ind.SMA200 > 0 {
		if ind.Price > ind.SMA200 {
			score += 10
		} else {
			score -= 10
		}
	}

	// Volume confirmation.
	if ind.VolumeRatio >= 1.5 {
		score += 5
	} else if ind.VolumeRatio < 0.5 {
		score -= 5
	}

	// Stage analysis.
	switch ind.Stage {
	case StageAdvancing:
		score += 10
	case StageDeclining:
		score -= 10
	case StageTopping:
		score -= 5
	}

	return models.ClampScore(score)
}

func lastValid(values []float64) float64 {
	for i := len(values) - 1; i >= 0; i-- {
		if !math.IsNaN(values[i]) {
			return values[i]
		}
	}
	return 0
}
