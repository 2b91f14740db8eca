package providers

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/papertrade/optionscout/internal/analysis"
	"github.com/papertrade/optionscout/internal/models"
	"github.com/papertrade/optionscout/internal/ratelimit"
	"github.com/papertrade/optionscout/internal/retry"
	"github.com/papertrade/optionscout/internal/util"
)

const marketDataName = "marketdata"

// MarketDataConfig configures the options/IV provider adapter.
type MarketDataConfig struct {
	APIKey  string
	BaseURL string
	// CallsPerMinute for the shared gate; defaults to 120.
	CallsPerMinute int
}

// MarketData is the options/IV provider adapter: quotes, candles, wide-form
// option chains, IV percentile and the market-context endpoints.
type MarketData struct {
	http    *resty.Client
	limiter *ratelimit.Limiter
	policy  retry.Policy
	log     zerolog.Logger
	apiKey  string
}

// NewMarketData builds the adapter. A nil limiter gets a fresh 120/min gate;
// pass a shared instance so scanner and scheduler draw from one window.
func NewMarketData(cfg MarketDataConfig, limiter *ratelimit.Limiter, log zerolog.Logger) *MarketData {
	if limiter == nil {
		perMin := cfg.CallsPerMinute
		if perMin <= 0 {
			perMin = 120
		}
		limiter = ratelimit.New(perMin, time.Minute)
	}
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(30 * time.Second).
		SetHeader("Accept", "application/json").
		SetAuthToken(cfg.APIKey)

	return &MarketData{
		http:    httpClient,
		limiter: limiter,
		policy:  retry.DefaultPolicy,
		log:     log.With().Str("component", "provider").Str("provider", marketDataName).Logger(),
		apiKey:  cfg.APIKey,
	}
}

// IsConfigured reports whether credentials are present.
func (m *MarketData) IsConfigured() bool { return m.apiKey != "" }

// getJSON runs one idempotent GET under the rate gate and the retry policy.
// Non-idempotent provider calls do not exist on this adapter.
func getJSON[T any](ctx context.Context, m *MarketData, path string, params map[string]string) (*T, error) {
	if !m.IsConfigured() {
		return nil, ErrNotConfigured
	}

	result, err := retry.Do(ctx, m.policy, m.log, path, func(ctx context.Context) (*T, error) {
		if _, err := m.limiter.Wait(ctx); err != nil {
			return nil, retry.Permanent(err)
		}

		var out T
		resp, err := m.http.R().
			SetContext(ctx).
			SetQueryParams(params).
			SetResult(&out).
			Get(path)
		if err != nil {
			return nil, err
		}
		m.limiter.ObserveHeaders(resp.Header())
		if resp.StatusCode() != http.StatusOK {
			return nil, classifyStatus(marketDataName, resp.StatusCode(), resp.String())
		}
		return &out, nil
	})
	if err != nil {
		return nil, markUnavailable(err)
	}
	return result, nil
}

// Covers reports whether the provider's option universe includes the ticker.
func (m *MarketData) Covers(ctx context.Context, ticker string) (bool, error) {
	type coverage struct {
		Covered bool `json:"covered"`
	}
	out, err := getJSON[coverage](ctx, m, "/v1/universe/"+CanonicalSymbol(ticker), nil)
	if err != nil {
		return false, err
	}
	return out.Covered, nil
}

// GetQuote returns the normalized live quote.
func (m *MarketData) GetQuote(ctx context.Context, ticker string) (*models.Quote, error) {
	type wireQuote struct {
		Symbol string  `json:"symbol"`
		Last   float64 `json:"last"`
		Bid    float64 `json:"bid"`
		Ask    float64 `json:"ask"`
		Volume int64   `json:"volume"`
	}
	out, err := getJSON[wireQuote](ctx, m, "/v1/quotes/"+CanonicalSymbol(ticker), nil)
	if err != nil {
		return nil, err
	}
	if out.Last <= 0 && out.Bid <= 0 && out.Ask <= 0 {
		return nil, fmt.Errorf("empty quote for %s", ticker)
	}
	price := out.Last
	if price <= 0 {
		price = util.MidPrice(out.Bid, out.Ask)
	}
	return &models.Quote{
		Symbol: CanonicalSymbol(ticker),
		Price:  price,
		Volume: out.Volume,
		Bid:    out.Bid,
		Ask:    out.Ask,
	}, nil
}

// GetHistory returns up to days calendar days of daily candles, ascending.
func (m *MarketData) GetHistory(ctx context.Context, ticker string, days int) (models.CandleSeries, error) {
	type wireCandle struct {
		Date   string  `json:"date"`
		Open   float64 `json:"open"`
		High   float64 `json:"high"`
		Low    float64 `json:"low"`
		Close  float64 `json:"close"`
		Volume int64   `json:"volume"`
	}
	type wireHistory struct {
		Candles []wireCandle `json:"candles"`
	}

	out, err := getJSON[wireHistory](ctx, m, "/v1/history/"+CanonicalSymbol(ticker), map[string]string{
		"days":     fmt.Sprintf("%d", days),
		"interval": "daily",
	})
	if err != nil {
		return nil, err
	}

	series := make(models.CandleSeries, 0, len(out.Candles))
	for _, c := range out.Candles {
		date, err := time.Parse("2006-01-02", c.Date)
		if err != nil {
			continue
		}
		series = append(series, models.Candle{
			Date: date, Open: c.Open, High: c.High, Low: c.Low, Close: c.Close, Volume: c.Volume,
		})
	}
	return series, nil
}

// WideRow is the provider's both-sides-per-strike chain row.
type WideRow struct {
	Strike           float64 `json:"strikePrice"`
	ExpirationDate   string  `json:"expirationDate"`
	DaysToExpiration int     `json:"daysToExpiration"`

	CallSymbol       string  `json:"callSymbol"`
	CallDescription  string  `json:"callDescription"`
	CallBid          float64 `json:"callBid"`
	CallAsk          float64 `json:"callAsk"`
	CallLast         float64 `json:"callLast"`
	CallMark         float64 `json:"callMark"`
	CallVolume       int64   `json:"callTotalVolume"`
	CallOpenInterest int64   `json:"callOpenInterest"`
	CallVolatility   float64 `json:"callVolatility"`
	CallDelta        float64 `json:"callDelta"`
	CallGamma        float64 `json:"callGamma"`
	CallTheta        float64 `json:"callTheta"`
	CallVega         float64 `json:"callVega"`
	CallRho          float64 `json:"callRho"`

	PutSymbol       string  `json:"putSymbol"`
	PutDescription  string  `json:"putDescription"`
	PutBid          float64 `json:"putBid"`
	PutAsk          float64 `json:"putAsk"`
	PutLast         float64 `json:"putLast"`
	PutMark         float64 `json:"putMark"`
	PutVolume       int64   `json:"putTotalVolume"`
	PutOpenInterest int64   `json:"putOpenInterest"`
	PutVolatility   float64 `json:"putVolatility"`
	PutDelta        float64 `json:"putDelta"`
	PutGamma        float64 `json:"putGamma"`
	PutTheta        float64 `json:"putTheta"`
	PutVega         float64 `json:"putVega"`
	PutRho          float64 `json:"putRho"`
}

// SplitWideRow re-emits a wide row as one call and one put record. IV is
// normalized to percent; put delta is forced negative and put rho negative,
// matching the sign conventions the analyzers assume.
func SplitWideRow(row WideRow) (call, put models.OptionContract, err error) {
	expiry, perr := time.Parse("2006-01-02", row.ExpirationDate)
	if perr != nil {
		return call, put, fmt.Errorf("wide row expiration %q: %w", row.ExpirationDate, perr)
	}

	call = models.OptionContract{
		PutCall:        models.OptionCall,
		Symbol:         row.CallSymbol,
		Description:    row.CallDescription,
		Bid:            row.CallBid,
		Ask:            row.CallAsk,
		Last:           row.CallLast,
		Mark:           row.CallMark,
		TotalVolume:    row.CallVolume,
		OpenInterest:   row.CallOpenInterest,
		Volatility:     analysis.NormalizeIVPercent(row.CallVolatility),
		Delta:          row.CallDelta,
		Gamma:          row.CallGamma,
		Theta:          row.CallTheta,
		Vega:           row.CallVega,
		Rho:            row.CallRho,
		StrikePrice:    row.Strike,
		ExpirationDate: expiry,
		DaysToExpiry:   row.DaysToExpiration,
	}

	put = models.OptionContract{
		PutCall:        models.OptionPut,
		Symbol:         row.PutSymbol,
		Description:    row.PutDescription,
		Bid:            row.PutBid,
		Ask:            row.PutAsk,
		Last:           row.PutLast,
		Mark:           row.PutMark,
		TotalVolume:    row.PutVolume,
		OpenInterest:   row.PutOpenInterest,
		Volatility:     analysis.NormalizeIVPercent(row.PutVolatility),
		Delta:          -math.Abs(row.PutDelta),
		Gamma:          row.PutGamma,
		Theta:          row.PutTheta,
		Vega:           row.PutVega,
		Rho:            -math.Abs(row.PutRho),
		StrikePrice:    row.Strike,
		ExpirationDate: expiry,
		DaysToExpiry:   row.DaysToExpiration,
	}
	return call, put, nil
}

// GetChain fetches the wide-form chain and standardizes it per side.
func (m *MarketData) GetChain(ctx context.Context, ticker string) (*models.OptionChain, error) {
	type wireChain struct {
		Rows []WideRow `json:"rows"`
	}
	out, err := getJSON[wireChain](ctx, m, "/v1/options/chain/"+CanonicalSymbol(ticker), nil)
	if err != nil {
		return nil, err
	}

	chain := models.NewOptionChain(CanonicalSymbol(ticker))
	for _, row := range out.Rows {
		call, put, err := SplitWideRow(row)
		if err != nil {
			m.log.Debug().Err(err).Str("ticker", ticker).Msg("skipping malformed chain row")
			continue
		}
		chain.Add(call)
		chain.Add(put)
	}
	return chain, nil
}

// GetIVPercentile returns the 1-year IV percentile (0-100).
func (m *MarketData) GetIVPercentile(ctx context.Context, ticker string) (float64, error) {
	type wireIV struct {
		Percentile float64 `json:"percentile"`
	}
	out, err := getJSON[wireIV](ctx, m, "/v1/iv/percentile/"+CanonicalSymbol(ticker), map[string]string{"window": "1y"})
	if err != nil {
		return 0, err
	}
	return out.Percentile, nil
}

// EarningsInfo carries the earnings-proximity context for a ticker.
type EarningsInfo struct {
	DaysToEarnings int     `json:"days_to_earnings"`
	ImpliedMovePct float64 `json:"implied_move_pct"`
}

// GetEarnings returns days-to-earnings and the option-implied move.
func (m *MarketData) GetEarnings(ctx context.Context, ticker string) (*EarningsInfo, error) {
	return getJSON[EarningsInfo](ctx, m, "/v1/earnings/"+CanonicalSymbol(ticker), nil)
}

// GetNextDividend returns the next ex-dividend date, zero time when none.
func (m *MarketData) GetNextDividend(ctx context.Context, ticker string) (time.Time, error) {
	type wireDividend struct {
		ExDate string `json:"ex_date"`
	}
	out, err := getJSON[wireDividend](ctx, m, "/v1/dividends/"+CanonicalSymbol(ticker), nil)
	if err != nil {
		return time.Time{}, err
	}
	if out.ExDate == "" {
		return time.Time{}, nil
	}
	return time.Parse("2006-01-02", out.ExDate)
}

// GetVIXLevel returns the current volatility-index level.
func (m *MarketData) GetVIXLevel(ctx context.Context) (float64, error) {
	type wireVIX struct {
		Level float64 `json:"level"`
	}
	out, err := getJSON[wireVIX](ctx, m, "/v1/indices/vix", nil)
	if err != nil {
		return 0, err
	}
	return out.Level, nil
}

// GetPutCallRatio returns the equity put/call ratio for the ticker.
func (m *MarketData) GetPutCallRatio(ctx context.Context, ticker string) (float64, error) {
	type wirePCR struct {
		Ratio float64 `json:"ratio"`
	}
	out, err := getJSON[wirePCR](ctx, m, "/v1/putcall/"+CanonicalSymbol(ticker), nil)
	if err != nil {
		return 0, err
	}
	return out.Ratio, nil
}

// SkewFields is the provider's pre-computed volatility-skew summary.
type SkewFields struct {
	Slope    float64 `json:"slope"`
	CallSkew float64 `json:"call_skew"`
	PutSkew  float64 `json:"put_skew"`
}

// GetSkew returns pre-computed skew fields. ErrForbidden is common here on
// lower tiers; callers fall back to chain-derived skew.
func (m *MarketData) GetSkew(ctx context.Context, ticker string) (*SkewFields, error) {
	return getJSON[SkewFields](ctx, m, "/v1/skew/"+CanonicalSymbol(ticker), nil)
}
