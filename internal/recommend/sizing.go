package recommend

import (
	"fmt"
	"math"

	"github.com/papertrade/optionscout/internal/models"
)

// kellyCap bounds the raw Kelly fraction before the per-strategy fraction
// and regime multiplier are applied.
const kellyCap = 0.25

// avgLossPct is the assumed average loss on a losing trade, as a percent of
// premium, used for the Kelly payoff ratio.
const avgLossPct = 30.0

// strategySizing is the per-strategy risk envelope.
type strategySizing struct {
	kellyFraction float64 // fraction of capped Kelly actually deployed
	maxTradePct   float64 // per-trade cap as percent of account
	maxContracts  int
}

var sizingDefaults = map[models.Strategy]strategySizing{
	models.StrategyLEAP:    {kellyFraction: 0.5, maxTradePct: 5, maxContracts: 10},
	models.StrategyWeekly:  {kellyFraction: 1.0 / 3.0, maxTradePct: 3, maxContracts: 20},
	models.StrategyZeroDTE: {kellyFraction: 0.25, maxTradePct: 2, maxContracts: 10},
}

// regimeMultiplier scales deployed size by volatility regime.
func regimeMultiplier(regime models.VolRegime) float64 {
	switch regime {
	case models.RegimeCrisis:
		return 0.5
	case models.RegimeElevated:
		return 0.75
	default:
		return 1.0
	}
}

// SizeRequest carries what the sizer needs for one opportunity.
type SizeRequest struct {
	Strategy        models.Strategy
	AccountValue    float64
	Premium         float64 // per share
	Delta           float64
	Score           float64 // opportunity score, 0-100
	ProfitPotential float64 // percent; payoff ratio numerator
	Regime          models.VolRegime
	OpenExposure    float64 // dollars already at risk in open trades
	MaxExposurePct  float64 // portfolio-wide cap; <= 0 disables
}

// WinProbability estimates p for Kelly: the option's delta as a baseline
// probability, shifted by how far the opportunity score sits from neutral.
// Without a delta the score alone serves. Clamped to [0.05, 0.95].
func WinProbability(delta, score float64) float64 {
	p := math.Abs(delta)
	if p == 0 {
		p = score / 100
	} else {
		p += (score - 50) / 200
	}
	return math.Min(0.95, math.Max(0.05, p))
}

// Size computes the Kelly-based contract count. The raw Kelly fraction
// f = (p*b - q) / b is capped, scaled by the strategy fraction and regime
// multiplier, converted to contracts at premium*100 each, then bounded by
// the per-trade and portfolio caps.
func Size(req SizeRequest) *models.SizingResult {
	res := &models.SizingResult{Method: "fractional_kelly"}
	if req.AccountValue <= 0 || req.Premium <= 0 {
		return res
	}

	params, ok := sizingDefaults[req.Strategy]
	if !ok {
		params = sizingDefaults[models.StrategyLEAP]
	}

	p := WinProbability(req.Delta, req.Score)
	res.WinProbability = p

	b := req.ProfitPotential / avgLossPct
	if b <= 0 {
		return res
	}

	raw := (p*b - (1 - p)) / b
	if raw <= 0 {
		res.Adjustments = append(res.Adjustments, "negative edge: no position")
		return res
	}
	if raw > kellyCap {
		raw = kellyCap
		res.Adjustments = append(res.Adjustments, fmt.Sprintf("kelly capped at %.0f%%", kellyCap*100))
	}
	res.KellyRaw = raw

	mult := regimeMultiplier(req.Regime)
	adjusted := raw * params.kellyFraction * mult
	res.KellyAdjusted = adjusted
	if mult < 1 {
		res.Adjustments = append(res.Adjustments, fmt.Sprintf("%s regime: size x%.2f", req.Regime, mult))
	}

	dollars := adjusted * req.AccountValue

	// Per-trade cap.
	tradeCap := params.maxTradePct / 100 * req.AccountValue
	if dollars > tradeCap {
		dollars = tradeCap
		res.Adjustments = append(res.Adjustments,
			fmt.Sprintf("per-trade cap %.0f%% of account", params.maxTradePct))
	}

	// Portfolio exposure cap.
	if req.MaxExposurePct > 0 {
		remaining := req.MaxExposurePct/100*req.AccountValue - req.OpenExposure
		if remaining <= 0 {
			res.Adjustments = append(res.Adjustments, "portfolio exposure cap reached")
			return res
		}
		if dollars > remaining {
			dollars = remaining
			res.Adjustments = append(res.Adjustments, "trimmed to remaining portfolio exposure")
		}
	}

	cost := req.Premium * 100
	contracts := int(math.Floor(dollars / cost))
	if contracts < 1 {
		res.Adjustments = append(res.Adjustments, "sized below one contract")
		return res
	}
	if contracts > params.maxContracts {
		contracts = params.maxContracts
		res.Adjustments = append(res.Adjustments,
			fmt.Sprintf("contract cap %d", params.maxContracts))
	}

	res.Contracts = contracts
	res.TotalCost = float64(contracts) * cost
	res.PctOfAccount = res.TotalCost / req.AccountValue * 100
	return res
}
