// Package scanner runs the per-ticker opportunity pipeline: coverage and
// quality gates, trend filter, indicator and sentiment scoring, context
// adjustments, chain ranking, and exit-plan / sizing annotation.
package scanner

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/papertrade/optionscout/internal/analysis"
	"github.com/papertrade/optionscout/internal/models"
	"github.com/papertrade/optionscout/internal/providers"
	"github.com/papertrade/optionscout/internal/recommend"
	"github.com/papertrade/optionscout/internal/store"
)

// Verdict labels why a scan aborted, or "ok".
type Verdict string

const (
	VerdictOK            Verdict = "ok"
	VerdictNotCovered    Verdict = "not_covered"
	VerdictQualityFailed Verdict = "quality_failed"
	VerdictWrongTrend    Verdict = "wrong_trend"
	VerdictNoHistory     Verdict = "no_history"
	VerdictNoPrice       Verdict = "no_price"
)

// Quality gate floors for corporate tickers.
const (
	defaultROEFloor         = 15.0
	defaultGrossMarginFloor = 40.0
	historyDays             = 400
	longDatedMinDTE         = 150
)

// MarketDataAPI is the slice of the options-data provider the scanner uses.
type MarketDataAPI interface {
	Covers(ctx context.Context, ticker string) (bool, error)
	GetQuote(ctx context.Context, ticker string) (*models.Quote, error)
	GetHistory(ctx context.Context, ticker string, days int) (models.CandleSeries, error)
	GetChain(ctx context.Context, ticker string) (*models.OptionChain, error)
	GetIVPercentile(ctx context.Context, ticker string) (float64, error)
	GetEarnings(ctx context.Context, ticker string) (*providers.EarningsInfo, error)
	GetVIXLevel(ctx context.Context) (float64, error)
	GetPutCallRatio(ctx context.Context, ticker string) (float64, error)
	GetSkew(ctx context.Context, ticker string) (*providers.SkewFields, error)
}

// FundamentalsAPI is the fundamentals/rating provider surface.
type FundamentalsAPI interface {
	GetMetrics(ctx context.Context, ticker string) (*providers.Metrics, error)
	GetRating(ctx context.Context, ticker string) (int, error)
}

// SentimentAPI produces a [0,100] sentiment score with internal fallbacks.
type SentimentAPI interface {
	Sentiment(ctx context.Context, ticker string) float64
}

// Config tunes the pipeline.
type Config struct {
	Strict           bool // quality-gate failures abort instead of flagging
	ROEFloor         float64
	GrossMarginFloor float64
	MaxResults       int
	ProfitFloor      float64 // long-dated only; <= 0 uses the default
	// MaxExposurePct caps total open premium as a percent of account value
	// (e.g. 20 for 20%); <= 0 disables the portfolio cap.
	MaxExposurePct float64
	// SectorMomentum maps ticker -> bucket ("leading", "lagging", anything
	// else neutral), typically loaded from config.
	SectorMomentum map[string]string
}

// Scanner composes the providers into the scan pipeline.
type Scanner struct {
	md   MarketDataAPI
	fund FundamentalsAPI
	news SentimentAPI
	cfg  Config
	log  zerolog.Logger
}

// New builds a scanner. scope may be nil for one-shot informational scans.
func New(md MarketDataAPI, fund FundamentalsAPI, news SentimentAPI, cfg Config, log zerolog.Logger) *Scanner {
	if cfg.ROEFloor == 0 {
		cfg.ROEFloor = defaultROEFloor
	}
	if cfg.GrossMarginFloor == 0 {
		cfg.GrossMarginFloor = defaultGrossMarginFloor
	}
	return &Scanner{
		md:   md,
		fund: fund,
		news: news,
		cfg:  cfg,
		log:  log.With().Str("component", "scanner").Logger(),
	}
}

// Request is one (ticker, strategy, direction) scan.
type Request struct {
	Ticker     string
	Strategy   models.Strategy
	OptionType models.OptionType
	// Chain may be injected (e.g. from the broker gateway); when nil the
	// market-data provider's chain is fetched.
	Chain        *models.OptionChain
	AccountValue float64
	OpenExposure float64
}

// Context is the trading-system context returned alongside opportunities.
type Context struct {
	Price            float64              `json:"price"`
	PriceSource      string               `json:"price_source"` // "live" or "t1_close"
	VIX              float64              `json:"vix"`
	Regime           models.VolRegime     `json:"regime"`
	PutCallRatio     float64              `json:"put_call_ratio"`
	IVPercentile     float64              `json:"iv_percentile"`
	DaysToEarnings   int                  `json:"days_to_earnings"`
	ImpliedMovePct   float64              `json:"implied_move_pct"`
	SectorBucket     string               `json:"sector_bucket,omitempty"`
	Indicators       *analysis.Indicators `json:"indicators,omitempty"`
	TechnicalRaw     float64              `json:"technical_raw"`
	TechnicalScore   float64              `json:"technical_score"`
	SentimentRaw     float64              `json:"sentiment_raw"`
	SentimentScore   float64              `json:"sentiment_score"`
	FundamentalScore float64              `json:"fundamental_score"`
	SkewScore        float64              `json:"skew_score"`
	Degraded         []string             `json:"degraded,omitempty"`
	Speculative      bool                 `json:"speculative,omitempty"`
}

// Result is the scan envelope: either ranked opportunities or the verdict
// that stopped the pipeline.
type Result struct {
	Ticker        string               `json:"ticker"`
	Strategy      models.Strategy      `json:"strategy"`
	OptionType    models.OptionType    `json:"option_type"`
	Verdict       Verdict              `json:"verdict"`
	Opportunities []models.Opportunity `json:"opportunities,omitempty"`
	Context       Context              `json:"context"`
}

func abort(req Request, v Verdict, sctx Context) *Result {
	return &Result{
		Ticker: req.Ticker, Strategy: req.Strategy, OptionType: req.OptionType,
		Verdict: v, Context: sctx,
	}
}

// Scan runs the pipeline. Provider failures on optional components degrade
// the scan instead of aborting it; only the gates abort.
func (s *Scanner) Scan(ctx context.Context, req Request) (*Result, error) {
	ticker := providers.CanonicalSymbol(req.Ticker)
	req.Ticker = ticker
	var sctx Context

	// Universe gate.
	covered, err := s.md.Covers(ctx, ticker)
	if err != nil {
		// Coverage unknown: note it and keep going rather than reject.
		sctx.Degraded = append(sctx.Degraded, "universe")
		s.log.Warn().Err(err).Str("ticker", ticker).Msg("universe check degraded")
	} else if !covered {
		return abort(req, VerdictNotCovered, sctx), nil
	}

	// Quality gate. Indices and ETFs have no corporate fundamentals.
	if !providers.IsNonCorporate(ticker) {
		metrics, err := s.fund.GetMetrics(ctx, ticker)
		if err != nil {
			sctx.Degraded = append(sctx.Degraded, "fundamentals")
		} else if belowQualityFloors(metrics, s.cfg.ROEFloor, s.cfg.GrossMarginFloor) {
			if s.cfg.Strict {
				return abort(req, VerdictQualityFailed, sctx), nil
			}
			sctx.Speculative = true
		}
	}

	// Trend gate.
	series, err := s.md.GetHistory(ctx, ticker, historyDays)
	if err != nil || len(series) == 0 {
		return abort(req, VerdictNoHistory, sctx), nil
	}
	ind, err := analysis.ComputeIndicators(series)
	if err != nil {
		if errors.Is(err, analysis.ErrInsufficientHistory) {
			return abort(req, VerdictNoHistory, sctx), nil
		}
		return nil, err
	}
	sctx.Indicators = ind
	if !ind.TrendAllows(req.OptionType) {
		return abort(req, VerdictWrongTrend, sctx), nil
	}

	// Price: live quote preferred, T-1 close fallback.
	if quote, err := s.md.GetQuote(ctx, ticker); err == nil && quote.Price > 0 {
		sctx.Price = quote.Price
		sctx.PriceSource = "live"
	} else if last := series.LastClose(); last > 0 {
		sctx.Price = last
		sctx.PriceSource = "t1_close"
		sctx.Degraded = append(sctx.Degraded, "live_quote")
	} else {
		return abort(req, VerdictNoPrice, sctx), nil
	}

	// Fundamentals score: neutral base plus the analyst-rating bump.
	sctx.FundamentalScore = 50
	if rating, err := s.fund.GetRating(ctx, ticker); err == nil {
		sctx.FundamentalScore = models.ClampScore(50 + providers.RatingScoreAdjustment(rating))
	} else {
		sctx.Degraded = append(sctx.Degraded, "rating")
	}

	// Sentiment carries its own degradation chain down to neutral 50.
	sctx.SentimentRaw = s.news.Sentiment(ctx, ticker)
	sctx.TechnicalRaw = ind.TechnicalScore

	s.fetchContext(ctx, ticker, &sctx)
	s.applyAdjustments(req, ind, &sctx)

	// Chain.
	chain := req.Chain
	if chain == nil {
		chain, err = s.md.GetChain(ctx, ticker)
		if err != nil {
			return nil, err
		}
	}

	minDTE, profitFloor := 0, 0.0
	if req.Strategy == models.StrategyLEAP {
		minDTE = longDatedMinDTE
		profitFloor = s.cfg.ProfitFloor
		if profitFloor <= 0 {
			profitFloor = analysis.DefaultProfitFloor
		}
	}

	opps := analysis.Rank(analysis.RankRequest{
		Chain:      chain,
		OptionType: req.OptionType,
		Underlying: sctx.Price,
		Scores: analysis.ScanScores{
			Technical:    sctx.TechnicalScore,
			Sentiment:    sctx.SentimentScore,
			Fundamental:  sctx.FundamentalScore,
			Skew:         sctx.SkewScore,
			Regime:       sctx.Regime,
			IVPercentile: sctx.IVPercentile,
		},
		ProfitFloor: profitFloor,
		MinDTE:      minDTE,
		MaxResults:  s.cfg.MaxResults,
	})

	for i := range opps {
		s.annotate(&opps[i], req, &sctx)
	}

	return &Result{
		Ticker: ticker, Strategy: req.Strategy, OptionType: req.OptionType,
		Verdict: VerdictOK, Opportunities: opps, Context: sctx,
	}, nil
}

// fetchContext pulls the optional context fields; each failure degrades.
func (s *Scanner) fetchContext(ctx context.Context, ticker string, sctx *Context) {
	if pct, err := s.md.GetIVPercentile(ctx, ticker); err == nil {
		sctx.IVPercentile = pct
	} else {
		sctx.Degraded = append(sctx.Degraded, "iv_percentile")
	}

	if info, err := s.md.GetEarnings(ctx, ticker); err == nil {
		sctx.DaysToEarnings = info.DaysToEarnings
		sctx.ImpliedMovePct = info.ImpliedMovePct
	} else {
		sctx.Degraded = append(sctx.Degraded, "earnings")
	}

	if vix, err := s.md.GetVIXLevel(ctx); err == nil {
		sctx.VIX = vix
	}
	sctx.Regime = models.RegimeFromVIX(sctx.VIX)

	if ratio, err := s.md.GetPutCallRatio(ctx, ticker); err == nil {
		sctx.PutCallRatio = ratio
	}

	if skew, err := s.md.GetSkew(ctx, ticker); err == nil {
		sctx.SkewScore = analysis.SkewFromSlope(skew.Slope)
	} else {
		sctx.SkewScore = 50
		sctx.Degraded = append(sctx.Degraded, "skew")
	}

	if bucket, ok := s.cfg.SectorMomentum[ticker]; ok {
		sctx.SectorBucket = bucket
	}
}

// applyAdjustments folds the context into the adjusted technical and
// sentiment scores, each bounded to [0,100].
func (s *Scanner) applyAdjustments(req Request, ind *analysis.Indicators, sctx *Context) {
	tech := sctx.TechnicalRaw
	sent := sctx.SentimentRaw

	// Regime penalty.
	switch sctx.Regime {
	case models.RegimeCrisis:
		tech -= 10
	case models.RegimeElevated:
		tech -= 5
	}

	// Put/call contrarian: an extreme ratio fades the crowd.
	if sctx.PutCallRatio > 0 {
		switch {
		case sctx.PutCallRatio >= 1.2: // crowd is bearish
			if req.OptionType == models.OptionCall {
				sent += 5
			} else {
				sent -= 5
			}
		case sctx.PutCallRatio <= 0.7: // crowd is bullish
			if req.OptionType == models.OptionPut {
				sent += 5
			} else {
				sent -= 5
			}
		}
	}

	// Sector momentum.
	switch sctx.SectorBucket {
	case "leading":
		tech += 5
	case "lagging":
		tech -= 5
	}

	// RSI-2 extreme bands, direction-aware: oversold favors calls,
	// overbought favors puts; the opposite side is penalized.
	tech += rsi2Adjustment(ind.RSI2Band, req.OptionType)

	// VWAP institutional level.
	if (req.OptionType == models.OptionCall && ind.VWAPPosition == analysis.VWAPAtSupport) ||
		(req.OptionType == models.OptionPut && ind.VWAPPosition == analysis.VWAPAtResistance) {
		tech += 4
	}

	// Minervini stage filter.
	switch ind.Stage {
	case analysis.StageAdvancing:
		tech += 8
	case analysis.StageTopping, analysis.StageDeclining:
		tech -= 10
	}

	sctx.TechnicalScore = models.ClampScore(tech)
	sctx.SentimentScore = models.ClampScore(sent)
}

func rsi2Adjustment(band analysis.RSI2Band, optType models.OptionType) float64 {
	var adj float64
	switch band {
	case analysis.RSI2ExtremeOversold:
		adj = 12
	case analysis.RSI2Oversold:
		adj = 8
	case analysis.RSI2Low:
		adj = 6
	case analysis.RSI2ExtremeOverbought:
		adj = -12
	case analysis.RSI2Overbought:
		adj = -8
	case analysis.RSI2High:
		adj = -6
	default:
		return 0
	}
	if optType == models.OptionPut {
		adj = -adj
	}
	return adj
}

// annotate attaches the exit plan and sizing to one ranked opportunity.
func (s *Scanner) annotate(opp *models.Opportunity, req Request, sctx *Context) {
	opp.ExitPlan = recommend.BuildExitPlan(recommend.PlanRequest{
		Strategy:       req.Strategy,
		Regime:         sctx.Regime,
		IVPercentile:   sctx.IVPercentile,
		DaysToEarnings: sctx.DaysToEarnings,
		Premium:        opp.Premium,
	})
	if req.AccountValue > 0 {
		opp.Sizing = recommend.Size(recommend.SizeRequest{
			Strategy:        req.Strategy,
			AccountValue:    req.AccountValue,
			Premium:         opp.Premium,
			Delta:           opp.Greeks.Delta,
			Score:           opp.Score,
			ProfitPotential: opp.ProfitPotential,
			Regime:          sctx.Regime,
			OpenExposure:    req.OpenExposure,
			MaxExposurePct:  s.cfg.MaxExposurePct,
		})
	}
}

// Persist writes the scan outcome into the user's history: one row per
// opportunity, or a single verdict row for aborted scans.
func Persist(ctx context.Context, scope *store.UserScope, res *Result) error {
	if res.Verdict != VerdictOK || len(res.Opportunities) == 0 {
		return scope.RecordScan(ctx, &store.ScanRecord{
			Ticker:     res.Ticker,
			Strategy:   res.Strategy,
			OptionType: res.OptionType,
			Verdict:    string(res.Verdict),
		})
	}
	for i := range res.Opportunities {
		opp := res.Opportunities[i]
		if err := scope.RecordScan(ctx, &store.ScanRecord{
			Ticker:     res.Ticker,
			Strategy:   res.Strategy,
			OptionType: res.OptionType,
			Verdict:    string(VerdictOK),
			Score:      opp.Score,
			Result:     &opp,
		}); err != nil {
			return err
		}
	}
	return nil
}

// ScanMany fans a batch of tickers through the pipeline with the bounded
// batch fetcher; per-ticker failures drop out of the result set.
func (s *Scanner) ScanMany(ctx context.Context, bf *providers.BatchFetcher, tickers []string, strategy models.Strategy, optType models.OptionType, accountValue, openExposure float64) map[string]*Result {
	return providers.FetchAll(ctx, bf, tickers, func(ctx context.Context, ticker string) (*Result, error) {
		return s.Scan(ctx, Request{
			Ticker:       ticker,
			Strategy:     strategy,
			OptionType:   optType,
			AccountValue: accountValue,
			OpenExposure: openExposure,
		})
	})
}

func belowQualityFloors(m *providers.Metrics, roeFloor, gmFloor float64) bool {
	if m == nil || m.ReturnOnEquity == nil || m.GrossMargin == nil {
		return false
	}
	return *m.ReturnOnEquity < roeFloor && *m.GrossMargin < gmFloor
}

// MakeTradeContext snapshots the scan context onto a trade request.
func MakeTradeContext(res *Result, opp *models.Opportunity) *models.TradeContext {
	verdicts := make([]string, 0, len(res.Context.Degraded))
	verdicts = append(verdicts, res.Context.Degraded...)
	return &models.TradeContext{
		Strategy:         res.Strategy,
		OpportunityScore: opp.Score,
		TechnicalScore:   res.Context.TechnicalScore,
		SentimentScore:   res.Context.SentimentScore,
		FundamentalScore: res.Context.FundamentalScore,
		SkewScore:        res.Context.SkewScore,
		Greeks:           opp.Greeks,
		IVAtEntry:        opp.IV,
		IVPercentile:     res.Context.IVPercentile,
		VolRegime:        res.Context.Regime,
		DaysToEarnings:   res.Context.DaysToEarnings,
		Verdicts:         verdicts,
		PriceSource:      res.Context.PriceSource,
	}
}
