// Package analysis computes technical indicators, option analytics and
// theoretical pricing used by the scanner and the snapshot pipeline.
package analysis

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/papertrade/optionscout/internal/models"
)

// RiskFreeRate is the annualized rate used for all theoretical pricing.
const RiskFreeRate = 0.045

var stdNormal = distuv.UnitNormal

// NormalizeIVPercent converts an implied volatility reading to percent.
// Providers are inconsistent about units per endpoint; a value above 10 is
// treated as already-percent, anything else as a fraction.
func NormalizeIVPercent(iv float64) float64 {
	if iv > 10 {
		return iv
	}
	return iv * 100
}

// BSInput bundles the Black-Scholes parameters. Volatility is a fraction
// (0.35 for 35%), timeYears the fraction of a year to expiry.
type BSInput struct {
	Spot       float64
	Strike     float64
	TimeYears  float64
	Volatility float64
	OptionType models.OptionType
}

// BSResult carries the theoretical price and greeks. Theta is per calendar
// day, vega and rho per whole point of volatility / rate.
type BSResult struct {
	Price  float64
	Greeks models.Greeks
}

// BlackScholes prices a European option at the standing risk-free rate.
// Degenerate inputs (expired, zero vol, non-positive spot or strike) return
// intrinsic value with zeroed greeks.
func BlackScholes(in BSInput) BSResult {
	if in.TimeYears <= 0 || in.Volatility <= 0 || in.Spot <= 0 || in.Strike <= 0 {
		return BSResult{Price: intrinsic(in)}
	}

	s, k, t, sigma := in.Spot, in.Strike, in.TimeYears, in.Volatility
	r := RiskFreeRate

	sqrtT := math.Sqrt(t)
	d1 := (math.Log(s/k) + (r+sigma*sigma/2)*t) / (sigma * sqrtT)
	d2 := d1 - sigma*sqrtT
	discount := math.Exp(-r * t)
	pdfD1 := stdNormal.Prob(d1)

	var price, delta, theta, rho float64
	if in.OptionType == models.OptionPut {
		price = k*discount*stdNormal.CDF(-d2) - s*stdNormal.CDF(-d1)
		delta = stdNormal.CDF(d1) - 1
		theta = (-s*pdfD1*sigma/(2*sqrtT) + r*k*discount*stdNormal.CDF(-d2)) / 365
		rho = -k * t * discount * stdNormal.CDF(-d2) / 100
	} else {
		price = s*stdNormal.CDF(d1) - k*discount*stdNormal.CDF(d2)
		delta = stdNormal.CDF(d1)
		theta = (-s*pdfD1*sigma/(2*sqrtT) - r*k*discount*stdNormal.CDF(d2)) / 365
		rho = k * t * discount * stdNormal.CDF(d2) / 100
	}

	return BSResult{
		Price: price,
		Greeks: models.Greeks{
			Delta: delta,
			Gamma: pdfD1 / (s * sigma * sqrtT),
			Theta: theta,
			Vega:  s * pdfD1 * sqrtT / 100,
			Rho:   rho,
		},
	}
}

// TheoreticalPrice is a convenience wrapper taking IV in percent and DTE in
// calendar days, the units the quote pipeline works in.
func TheoreticalPrice(spot, strike float64, dte int, ivPercent float64, optType models.OptionType) float64 {
	if dte < 0 {
		dte = 0
	}
	res := BlackScholes(BSInput{
		Spot:       spot,
		Strike:     strike,
		TimeYears:  float64(dte) / 365,
		Volatility: NormalizeIVPercent(ivPercent) / 100,
		OptionType: optType,
	})
	return res.Price
}

func intrinsic(in BSInput) float64 {
	if in.OptionType == models.OptionPut {
		return math.Max(0, in.Strike-in.Spot)
	}
	return math.Max(0, in.Spot-in.Strike)
}
