package analysis

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/papertrade/optionscout/internal/models"
)

func testContract(optType models.OptionType, strike float64, dte int, iv, delta float64, oi int64) models.OptionContract {
	return models.OptionContract{
		PutCall:        optType,
		Symbol:         "TST",
		Bid:            4.9,
		Ask:            5.1,
		Mark:           5.0,
		TotalVolume:    500,
		OpenInterest:   oi,
		Volatility:     iv,
		Delta:          delta,
		StrikePrice:    strike,
		ExpirationDate: time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC),
		DaysToExpiry:   dte,
	}
}

func TestSkewFromSlope(t *testing.T) {
	assert.Equal(t, 50.0, SkewFromSlope(0))
	assert.Equal(t, 75.0, SkewFromSlope(0.05))
	assert.Equal(t, 0.0, SkewFromSlope(-0.2), "clamped at floor")
	assert.Equal(t, 100.0, SkewFromSlope(0.2), "clamped at ceiling")
}

func TestSkewFromChainComparesNearMoneyIVs(t *testing.T) {
	chain := models.NewOptionChain("TST")
	chain.Add(testContract(models.OptionCall, 100, 60, 30, 0.5, 500))
	chain.Add(testContract(models.OptionPut, 100, 60, 38, -0.5, 500))

	score := SkewFromChain(chain, 100)
	assert.InDelta(t, 70.0, score, 1e-9, "put IV 8 points rich: 50 + 8*2.5")

	empty := models.NewOptionChain("TST")
	assert.Equal(t, 50.0, SkewFromChain(empty, 100), "missing side is neutral")
}

func TestProfitPotential(t *testing.T) {
	c := testContract(models.OptionCall, 100, 365, 40, 0.55, 500)
	// Expected move = 100 * 0.40 * 1 = 40; captured 40*0.55 = 22 on a 5.00
	// premium = 440%.
	assert.InDelta(t, 440, ProfitPotential(&c, 100), 1)

	expired := testContract(models.OptionCall, 100, 0, 40, 0.55, 500)
	assert.Zero(t, ProfitPotential(&expired, 100))
}

func TestFillGreeksOnlyWhenMissing(t *testing.T) {
	c := testContract(models.OptionCall, 100, 180, 35, 0, 500)
	FillGreeks(&c, 100)
	assert.Greater(t, c.Delta, 0.0, "greeks computed from IV")
	assert.Greater(t, c.Gamma, 0.0)

	provided := testContract(models.OptionPut, 100, 180, 35, -0.45, 500)
	FillGreeks(&provided, 100)
	assert.Equal(t, -0.45, provided.Delta, "provider greeks untouched")
}

func TestRankFiltersIlliquidAndShortDTE(t *testing.T) {
	chain := models.NewOptionChain("TST")
	chain.Add(testContract(models.OptionCall, 100, 200, 35, 0.55, 2000)) // good
	chain.Add(testContract(models.OptionCall, 105, 200, 35, 0.50, 10))  // thin OI
	chain.Add(testContract(models.OptionCall, 110, 30, 35, 0.45, 2000)) // short DTE

	wide := testContract(models.OptionCall, 115, 200, 35, 0.40, 2000)
	wide.Bid, wide.Ask, wide.Mark = 1.0, 2.0, 1.5 // ~66% spread
	chain.Add(wide)

	out := Rank(RankRequest{
		Chain:      chain,
		OptionType: models.OptionCall,
		Underlying: 100,
		Scores:     ScanScores{Technical: 60, Sentiment: 55, Fundamental: 50, Skew: 50},
		MinDTE:     150,
	})

	require.Len(t, out, 1)
	assert.Equal(t, 100.0, out[0].Strike)
	assert.GreaterOrEqual(t, out[0].Score, 0.0)
	assert.LessOrEqual(t, out[0].Score, 100.0)
}

func TestRankProfitFloor(t *testing.T) {
	chain := models.NewOptionChain("TST")
	lowIV := testContract(models.OptionCall, 100, 200, 5, 0.10, 2000) // tiny expected move
	chain.Add(lowIV)

	out := Rank(RankRequest{
		Chain:       chain,
		OptionType:  models.OptionCall,
		Underlying:  100,
		Scores:      ScanScores{Technical: 60, Sentiment: 55, Fundamental: 50, Skew: 50},
		ProfitFloor: DefaultProfitFloor,
	})
	assert.Empty(t, out, "below the 30%% profit floor")
}

func TestRankTieBreaksByLiquidity(t *testing.T) {
	chain := models.NewOptionChain("TST")
	chain.Add(testContract(models.OptionCall, 100, 200, 35, 0.55, 500))
	chain.Add(testContract(models.OptionCall, 101, 200, 35, 0.55, 5000))

	out := Rank(RankRequest{
		Chain:      chain,
		OptionType: models.OptionCall,
		Underlying: 100.5,
		Scores:     ScanScores{Technical: 60, Sentiment: 55, Fundamental: 50, Skew: 50},
	})
	require.Len(t, out, 2)

	if out[0].Score == out[1].Score {
		assert.Greater(t, out[0].OpenInterest, out[1].OpenInterest)
	}
}

func TestRankRespectsMaxResults(t *testing.T) {
	chain := models.NewOptionChain("TST")
	for i := 0; i < 10; i++ {
		chain.Add(testContract(models.OptionCall, 100+float64(i), 200, 35, 0.55, 1000))
	}

	out := Rank(RankRequest{
		Chain:      chain,
		OptionType: models.OptionCall,
		Underlying: 104,
		Scores:     ScanScores{Technical: 60, Sentiment: 55, Fundamental: 50, Skew: 50},
		MaxResults: 3,
	})
	assert.Len(t, out, 3)
}
