package analysis

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/papertrade/optionscout/internal/models"
)

func TestBlackScholesATMCall(t *testing.T) {
	// S=100, K=100, T=1y, sigma=20%. Textbook value with r=4.5% is ~9.73.
	res := BlackScholes(BSInput{
		Spot:       100,
		Strike:     100,
		TimeYears:  1,
		Volatility: 0.20,
		OptionType: models.OptionCall,
	})

	assert.InDelta(t, 9.73, res.Price, 0.05)
	assert.InDelta(t, 0.61, res.Greeks.Delta, 0.02)
	assert.Greater(t, res.Greeks.Gamma, 0.0)
	assert.Less(t, res.Greeks.Theta, 0.0, "long option decays")
	assert.Greater(t, res.Greeks.Vega, 0.0)
	assert.Greater(t, res.Greeks.Rho, 0.0, "call rho positive")
}

func TestBlackScholesPutForms(t *testing.T) {
	in := BSInput{
		Spot:       100,
		Strike:     100,
		TimeYears:  1,
		Volatility: 0.20,
		OptionType: models.OptionPut,
	}
	put := BlackScholes(in)

	in.OptionType = models.OptionCall
	call := BlackScholes(in)

	// Put-call parity: C - P = S - K*e^{-rT}.
	assert.InDelta(t, call.Price-put.Price, 100-100*discountFactor(1), 1e-6)

	assert.Less(t, put.Greeks.Delta, 0.0, "put delta negative")
	assert.InDelta(t, call.Greeks.Delta-1, put.Greeks.Delta, 1e-9)
	assert.Less(t, put.Greeks.Rho, 0.0, "put rho negative")
	assert.InDelta(t, call.Greeks.Gamma, put.Greeks.Gamma, 1e-9, "gamma shared")
	assert.InDelta(t, call.Greeks.Vega, put.Greeks.Vega, 1e-9, "vega shared")
}

func TestBlackScholesThetaIsPerDay(t *testing.T) {
	res := BlackScholes(BSInput{
		Spot:       100,
		Strike:     100,
		TimeYears:  0.5,
		Volatility: 0.30,
		OptionType: models.OptionCall,
	})
	// Annualized theta for this contract is several dollars; the per-day
	// figure must be well under one dollar.
	assert.Greater(t, res.Greeks.Theta, -0.10)
	assert.Less(t, res.Greeks.Theta, 0.0)
}

func TestBlackScholesDegenerateInputs(t *testing.T) {
	expired := BlackScholes(BSInput{Spot: 110, Strike: 100, TimeYears: 0, Volatility: 0.2, OptionType: models.OptionCall})
	assert.Equal(t, 10.0, expired.Price, "intrinsic at expiry")
	assert.Zero(t, expired.Greeks.Delta)

	otmPut := BlackScholes(BSInput{Spot: 110, Strike: 100, TimeYears: 0, Volatility: 0.2, OptionType: models.OptionPut})
	assert.Zero(t, otmPut.Price)

	noVol := BlackScholes(BSInput{Spot: 90, Strike: 100, TimeYears: 1, Volatility: 0, OptionType: models.OptionPut})
	assert.Equal(t, 10.0, noVol.Price)
}

func TestNormalizeIVPercent(t *testing.T) {
	assert.InDelta(t, 35.0, NormalizeIVPercent(0.35), 1e-9, "fraction scales up")
	assert.InDelta(t, 35.0, NormalizeIVPercent(35.0), 1e-9, "percent passes through")
	assert.InDelta(t, 9.5*100, NormalizeIVPercent(9.5), 1e-9, "<=10 treated as fraction")
	assert.InDelta(t, 10.5, NormalizeIVPercent(10.5), 1e-9, ">10 treated as percent")
}

func TestTheoreticalPriceUsesDTE(t *testing.T) {
	far := TheoreticalPrice(100, 100, 365, 20, models.OptionCall)
	near := TheoreticalPrice(100, 100, 30, 20, models.OptionCall)
	assert.Greater(t, far, near, "more time, more value")

	assert.Equal(t, 0.0, TheoreticalPrice(100, 110, -5, 20, models.OptionCall), "negative DTE clamps to intrinsic")
}

func discountFactor(tYears float64) float64 {
	return math.Exp(-RiskFreeRate * tYears)
}
