package models

import "time"

// Strategy identifies the scan variant an opportunity or trade belongs to.
type Strategy string

const (
	StrategyLEAP    Strategy = "LEAP"     // long-dated, DTE >= 150
	StrategyWeekly  Strategy = "WEEKLY"   // nearest weekly expiries
	StrategyZeroDTE Strategy = "ZERO_DTE" // same-day expiry
)

// Valid returns true if the strategy is one of the defined constants.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyLEAP, StrategyWeekly, StrategyZeroDTE:
		return true
	default:
		return false
	}
}

// VolRegime buckets the volatility-index level the scan ran under.
type VolRegime string

const (
	RegimeCalm     VolRegime = "CALM"
	RegimeNormal   VolRegime = "NORMAL"
	RegimeElevated VolRegime = "ELEVATED"
	RegimeCrisis   VolRegime = "CRISIS"
)

// RegimeFromVIX classifies a volatility-index level. Unknown (zero or
// negative) levels classify as Normal so downstream adjustments are no-ops.
func RegimeFromVIX(level float64) VolRegime {
	switch {
	case level <= 0:
		return RegimeNormal
	case level < 15:
		return RegimeCalm
	case level < 20:
		return RegimeNormal
	case level < 28:
		return RegimeElevated
	default:
		return RegimeCrisis
	}
}

// Greeks holds the option sensitivity measures.
type Greeks struct {
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Theta float64 `json:"theta"`
	Vega  float64 `json:"vega"`
	Rho   float64 `json:"rho"`
}

// OptionContract is the normalized per-contract record emitted by the
// provider adapters and the broker gateway.
type OptionContract struct {
	PutCall        OptionType `json:"putCall"`
	Symbol         string     `json:"symbol"`
	Description    string     `json:"description"`
	Bid            float64    `json:"bid"`
	Ask            float64    `json:"ask"`
	Last           float64    `json:"last"`
	Mark           float64    `json:"mark"`
	TotalVolume    int64      `json:"totalVolume"`
	OpenInterest   int64      `json:"openInterest"`
	Volatility     float64    `json:"volatility"` // IV expressed as percent
	Delta          float64    `json:"delta"`
	Gamma          float64    `json:"gamma"`
	Theta          float64    `json:"theta"`
	Vega           float64    `json:"vega"`
	Rho            float64    `json:"rho"`
	StrikePrice    float64    `json:"strikePrice"`
	ExpirationDate time.Time  `json:"expirationDate"`
	DaysToExpiry   int        `json:"daysToExpiration"`
}

// Spread returns the bid/ask spread in dollars, never negative.
func (c *OptionContract) Spread() float64 {
	s := c.Ask - c.Bid
	if s < 0 {
		return 0
	}
	return s
}

// MidPrice returns the bid/ask midpoint.
func (c *OptionContract) MidPrice() float64 {
	return (c.Bid + c.Ask) / 2
}

// OptionChain is a standardized chain: expiry key (YYYY-MM-DD) -> strike ->
// contracts at that strike, split per side.
type OptionChain struct {
	Ticker string
	Calls  map[string]map[float64][]OptionContract
	Puts   map[string]map[float64][]OptionContract
}

// NewOptionChain allocates an empty standardized chain for a ticker.
func NewOptionChain(ticker string) *OptionChain {
	return &OptionChain{
		Ticker: ticker,
		Calls:  make(map[string]map[float64][]OptionContract),
		Puts:   make(map[string]map[float64][]OptionContract),
	}
}

// Add inserts a contract into the appropriate side of the chain.
func (oc *OptionChain) Add(c OptionContract) {
	side := oc.Calls
	if c.PutCall == OptionPut {
		side = oc.Puts
	}
	key := c.ExpirationDate.Format("2006-01-02")
	if side[key] == nil {
		side[key] = make(map[float64][]OptionContract)
	}
	side[key][c.StrikePrice] = append(side[key][c.StrikePrice], c)
}

// Side returns the requested side of the chain.
func (oc *OptionChain) Side(t OptionType) map[string]map[float64][]OptionContract {
	if t == OptionPut {
		return oc.Puts
	}
	return oc.Calls
}

// Quote is a normalized underlying quote.
type Quote struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
	Volume int64   `json:"volume"`
	Bid    float64 `json:"bid"`
	Ask    float64 `json:"ask"`
}

// OptionQuote is the snapshot-oriented quote for a single contract.
type OptionQuote struct {
	Bid          float64 `json:"bid"`
	Ask          float64 `json:"ask"`
	Mark         float64 `json:"mark"`
	Underlying   float64 `json:"underlying"`
	Volume       int64   `json:"volume"`
	OpenInterest int64   `json:"oi"`
	Delta        float64 `json:"delta"`
	Gamma        float64 `json:"gamma"`
	Theta        float64 `json:"theta"`
	Vega         float64 `json:"vega"`
	IV           float64 `json:"iv"`
}

// ScoreBreakdown records the weighted components behind an opportunity score.
type ScoreBreakdown struct {
	Technical   float64 `json:"technical"`
	Sentiment   float64 `json:"sentiment"`
	Options     float64 `json:"options"`
	Fundamental float64 `json:"fundamental"`
}

// ProfitTargetAction is what to do when a tiered profit target hits.
type ProfitTargetAction string

const (
	ActionSellThird     ProfitTargetAction = "sell_33"
	ActionSellHalf      ProfitTargetAction = "sell_50"
	ActionSellRemaining ProfitTargetAction = "sell_remaining"
)

// EarningsRule states how a strategy treats an upcoming earnings event.
type EarningsRule string

const (
	EarningsHoldThrough EarningsRule = "hold_through"
	EarningsCloseBefore EarningsRule = "close_before"
)

// ProfitTarget is one tier of the exit plan's profit ladder.
type ProfitTarget struct {
	Percent float64            `json:"percent"`
	Action  ProfitTargetAction `json:"action"`
	Label   string             `json:"label"`
	Dollars float64            `json:"dollars,omitempty"`
}

// ExitPlan is the full exit recommendation attached to an opportunity.
type ExitPlan struct {
	Strategy        Strategy       `json:"strategy"`
	StopLossPct     float64        `json:"stop_loss_pct"` // negative, e.g. -30
	ProfitTargets   []ProfitTarget `json:"profit_targets"`
	TimeStopDTE     int            `json:"time_stop_dte"` // 0 disables the time stop
	TrailingStopPct float64        `json:"trailing_stop_pct"`
	EarningsRule    EarningsRule   `json:"earnings_rule"`
	ContractCost    float64        `json:"contract_cost,omitempty"`
	StopLossDollars float64        `json:"stop_loss_dollars,omitempty"`
	Adjustments     []string       `json:"adjustments,omitempty"`
	Summary         string         `json:"summary"`
}

// SizingResult is the Kelly-based position size recommendation.
type SizingResult struct {
	Contracts      int      `json:"contracts"`
	TotalCost      float64  `json:"total_cost"`
	PctOfAccount   float64  `json:"pct_of_account"`
	KellyRaw       float64  `json:"kelly_raw"`
	KellyAdjusted  float64  `json:"kelly_adjusted"`
	WinProbability float64  `json:"win_probability"`
	Method         string   `json:"method"`
	Adjustments    []string `json:"adjustments,omitempty"`
}

// Opportunity is an immutable candidate contract produced by a scan.
type Opportunity struct {
	Ticker          string         `json:"ticker"`
	OptionType      OptionType     `json:"option_type"`
	Strike          float64        `json:"strike"`
	Expiration      time.Time      `json:"expiration"`
	DaysToExpiry    int            `json:"days_to_expiry"`
	Premium         float64        `json:"premium"`
	Bid             float64        `json:"bid"`
	Ask             float64        `json:"ask"`
	Greeks          Greeks         `json:"greeks"`
	IV              float64        `json:"iv"` // percent
	OpenInterest    int64          `json:"open_interest"`
	Volume          int64          `json:"volume"`
	UnderlyingPrice float64        `json:"underlying_price"`
	Score           float64        `json:"opportunity_score"`
	Breakdown       ScoreBreakdown `json:"score_breakdown"`
	ProfitPotential float64        `json:"profit_potential_pct"`
	ExitPlan        *ExitPlan      `json:"exit_plan,omitempty"`
	Sizing          *SizingResult  `json:"sizing,omitempty"`
}

// TradeContext is the scanner snapshot persisted with a trade. The schema is
// explicit so reads and writes validate the same shape; optional fields stay
// forward compatible.
type TradeContext struct {
	Strategy          Strategy  `json:"strategy"`
	OpportunityScore  float64   `json:"opportunity_score"`
	TechnicalScore    float64   `json:"technical_score"`
	SentimentScore    float64   `json:"sentiment_score"`
	FundamentalScore  float64   `json:"fundamental_score"`
	SkewScore         float64   `json:"skew_score,omitempty"`
	Greeks            Greeks    `json:"greeks"`
	IVAtEntry         float64   `json:"iv_at_entry"`
	IVPercentile      float64   `json:"iv_percentile,omitempty"`
	VolRegime         VolRegime `json:"vol_regime,omitempty"`
	DaysToEarnings    int       `json:"days_to_earnings,omitempty"`
	Verdicts          []string  `json:"verdicts,omitempty"`
	PriceSource       string    `json:"price_source,omitempty"` // "live" or "t1_close"
}
