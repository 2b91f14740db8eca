package analysis

import (
	"math"
	"sort"

	"github.com/papertrade/optionscout/internal/models"
	"github.com/papertrade/optionscout/internal/util"
)

// DefaultProfitFloor is the minimum expected-profit percent a contract must
// clear for the long-dated scan; other strategies pass 0 to disable.
const DefaultProfitFloor = 30.0

// Liquidity floors for candidate contracts.
const (
	minOpenInterest = 50
	maxSpreadPct    = 0.15
)

// ScanScores carries the adjusted component scores into ranking.
type ScanScores struct {
	Technical    float64
	Sentiment    float64
	Fundamental  float64
	Skew         float64
	Regime       models.VolRegime
	IVPercentile float64
}

// SkewFromSlope maps a provider's pre-computed skew slope onto [0,100]
// around a neutral 50 with a slope*500 bias.
func SkewFromSlope(slope float64) float64 {
	return models.ClampScore(50 + slope*500)
}

// SkewFromChain derives the skew score from the chain itself: near-the-money
// put IV richer than call IV reads as downside fear. Returns neutral 50 when
// either side is missing.
func SkewFromChain(chain *models.OptionChain, underlying float64) float64 {
	callIV := nearTheMoneyIV(chain.Calls, underlying)
	putIV := nearTheMoneyIV(chain.Puts, underlying)
	if callIV <= 0 || putIV <= 0 {
		return 50
	}
	// Each IV point of put-over-call bias shifts the score 2.5 points.
	return models.ClampScore(50 + (putIV-callIV)*2.5)
}

func nearTheMoneyIV(side map[string]map[float64][]models.OptionContract, underlying float64) float64 {
	if underlying <= 0 {
		return 0
	}
	best := 0.0
	bestDist := math.MaxFloat64
	for _, strikes := range side {
		for strike, contracts := range strikes {
			dist := math.Abs(strike-underlying) / underlying
			if dist > 0.05 || dist >= bestDist {
				continue
			}
			for _, c := range contracts {
				if c.Volatility > 0 {
					best = c.Volatility
					bestDist = dist
					break
				}
			}
		}
	}
	return best
}

// ProfitPotential estimates the percent gain if the underlying makes one
// expected move (sigma-scaled over the remaining life) captured at the
// contract's delta.
func ProfitPotential(c *models.OptionContract, underlying float64) float64 {
	premium := c.Mark
	if premium <= 0 {
		premium = c.MidPrice()
	}
	if premium <= 0 || underlying <= 0 || c.DaysToExpiry <= 0 {
		return 0
	}
	expectedMove := underlying * (c.Volatility / 100) * math.Sqrt(float64(c.DaysToExpiry)/365)
	return expectedMove * math.Abs(c.Delta) / premium * 100
}

// FillGreeks computes Black-Scholes greeks for contracts whose provider
// greeks are absent, using the contract's own IV.
func FillGreeks(c *models.OptionContract, underlying float64) {
	if c.Delta != 0 || c.Volatility <= 0 || underlying <= 0 {
		return
	}
	res := BlackScholes(BSInput{
		Spot:       underlying,
		Strike:     c.StrikePrice,
		TimeYears:  float64(c.DaysToExpiry) / 365,
		Volatility: c.Volatility / 100,
		OptionType: c.PutCall,
	})
	c.Delta = res.Greeks.Delta
	c.Gamma = res.Greeks.Gamma
	c.Theta = res.Greeks.Theta
	c.Vega = res.Greeks.Vega
	c.Rho = res.Greeks.Rho
	if c.Mark <= 0 {
		c.Mark = res.Price
	}
}

// RankRequest is the options analyzer input for one (ticker, direction) scan.
type RankRequest struct {
	Chain       *models.OptionChain
	OptionType  models.OptionType
	Underlying  float64
	Scores      ScanScores
	ProfitFloor float64 // percent; <= 0 disables
	MinDTE      int     // client-side DTE floor (150 for long-dated)
	MaxResults  int     // 0 means all
}

// Rank filters, scores and orders candidate contracts. Ties break by open
// interest, then volume, then tighter spread.
func Rank(req RankRequest) []models.Opportunity {
	if req.Chain == nil || req.Underlying <= 0 {
		return nil
	}

	var out []models.Opportunity
	for _, strikes := range req.Chain.Side(req.OptionType) {
		for _, contracts := range strikes {
			for i := range contracts {
				c := contracts[i]
				if req.MinDTE > 0 && c.DaysToExpiry < req.MinDTE {
					continue
				}
				FillGreeks(&c, req.Underlying)
				if !liquid(&c) {
					continue
				}
				profit := ProfitPotential(&c, req.Underlying)
				if req.ProfitFloor > 0 && profit < req.ProfitFloor {
					continue
				}

				premium := c.Mark
				if premium <= 0 {
					premium = c.MidPrice()
				}

				optionsScore := intrinsicScore(&c, req.Scores.Skew)
				score := compositeScore(req.Scores, optionsScore)

				out = append(out, models.Opportunity{
					Ticker:          req.Chain.Ticker,
					OptionType:      c.PutCall,
					Strike:          c.StrikePrice,
					Expiration:      c.ExpirationDate,
					DaysToExpiry:    c.DaysToExpiry,
					Premium:         premium,
					Bid:             c.Bid,
					Ask:             c.Ask,
					Greeks: models.Greeks{
						Delta: c.Delta, Gamma: c.Gamma, Theta: c.Theta, Vega: c.Vega, Rho: c.Rho,
					},
					IV:              c.Volatility,
					OpenInterest:    c.OpenInterest,
					Volume:          c.TotalVolume,
					UnderlyingPrice: req.Underlying,
					Score:           score,
					Breakdown: models.ScoreBreakdown{
						Technical:   req.Scores.Technical,
						Sentiment:   req.Scores.Sentiment,
						Options:     optionsScore,
						Fundamental: req.Scores.Fundamental,
					},
					ProfitPotential: profit,
				})
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].OpenInterest != out[j].OpenInterest {
			return out[i].OpenInterest > out[j].OpenInterest
		}
		if out[i].Volume != out[j].Volume {
			return out[i].Volume > out[j].Volume
		}
		return spreadOf(&out[i]) < spreadOf(&out[j])
	})

	if req.MaxResults > 0 && len(out) > req.MaxResults {
		out = out[:req.MaxResults]
	}
	return out
}

func liquid(c *models.OptionContract) bool {
	if c.OpenInterest < minOpenInterest {
		return false
	}
	if c.Bid <= 0 || c.Ask <= 0 {
		return false
	}
	return util.SpreadPct(c.Bid, c.Ask) <= maxSpreadPct
}

func spreadOf(o *models.Opportunity) float64 {
	return util.SpreadPct(o.Bid, o.Ask)
}

// intrinsicScore is the options-specific component: liquidity, greeks
// profile and skew folded into [0,100].
func intrinsicScore(c *models.OptionContract, skew float64) float64 {
	score := 50.0

	// Liquidity.
	switch {
	case c.OpenInterest >= 1000:
		score += 15
	case c.OpenInterest >= 250:
		score += 8
	}
	if c.TotalVolume >= 100 {
		score += 5
	}
	if util.SpreadPct(c.Bid, c.Ask) <= 0.05 {
		score += 5
	}

	// Delta sweet spot: directional exposure without pure-premium gamble.
	absDelta := math.Abs(c.Delta)
	switch {
	case absDelta >= 0.40 && absDelta <= 0.70:
		score += 10
	case absDelta < 0.15 || absDelta > 0.90:
		score -= 10
	}

	// Skew bias contributes around its neutral point.
	score += (skew - 50) / 5

	return models.ClampScore(score)
}

// compositeScore folds the component scores into the opportunity score.
// Weights: technical 0.35, options 0.30, sentiment 0.20, fundamental 0.15.
func compositeScore(s ScanScores, optionsScore float64) float64 {
	return models.ClampScore(
		0.35*s.Technical + 0.30*optionsScore + 0.20*s.Sentiment + 0.15*s.Fundamental,
	)
}
