package providers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/papertrade/optionscout/internal/models"
	"github.com/papertrade/optionscout/internal/ratelimit"
	"github.com/papertrade/optionscout/internal/retry"
)

const fundamentalsName = "fundamentals"

// FundamentalsConfig configures the fundamentals/rating adapter.
type FundamentalsConfig struct {
	APIKey         string
	BaseURL        string
	CallsPerMinute int
}

// Metrics is the quality-gate subset of corporate fundamentals. Pointers
// distinguish "not reported" from zero.
type Metrics struct {
	ReturnOnEquity *float64 `json:"roe"`
	GrossMargin    *float64 `json:"gross_margin"`
}

// Fundamentals wraps the fundamentals, analyst-rating and quote-fallback
// provider.
type Fundamentals struct {
	http    *resty.Client
	limiter *ratelimit.Limiter
	policy  retry.Policy
	log     zerolog.Logger
	apiKey  string
}

// NewFundamentals builds the adapter with its own 60/min gate unless a
// shared limiter is supplied.
func NewFundamentals(cfg FundamentalsConfig, limiter *ratelimit.Limiter, log zerolog.Logger) *Fundamentals {
	if limiter == nil {
		perMin := cfg.CallsPerMinute
		if perMin <= 0 {
			perMin = 60
		}
		limiter = ratelimit.New(perMin, time.Minute)
	}
	return &Fundamentals{
		http: resty.New().
			SetBaseURL(cfg.BaseURL).
			SetTimeout(15 * time.Second).
			SetHeader("Accept", "application/json").
			SetQueryParam("token", cfg.APIKey),
		limiter: limiter,
		policy:  retry.DefaultPolicy,
		log:     log.With().Str("component", "provider").Str("provider", fundamentalsName).Logger(),
		apiKey:  cfg.APIKey,
	}
}

// IsConfigured reports whether credentials are present.
func (f *Fundamentals) IsConfigured() bool { return f.apiKey != "" }

func fundGet[T any](ctx context.Context, f *Fundamentals, path string, params map[string]string) (*T, error) {
	if !f.IsConfigured() {
		return nil, ErrNotConfigured
	}
	result, err := retry.Do(ctx, f.policy, f.log, path, func(ctx context.Context) (*T, error) {
		if _, err := f.limiter.Wait(ctx); err != nil {
			return nil, retry.Permanent(err)
		}
		var out T
		resp, err := f.http.R().
			SetContext(ctx).
			SetQueryParams(params).
			SetResult(&out).
			Get(path)
		if err != nil {
			return nil, err
		}
		f.limiter.ObserveHeaders(resp.Header())
		if resp.StatusCode() != http.StatusOK {
			return nil, classifyStatus(fundamentalsName, resp.StatusCode(), resp.String())
		}
		return &out, nil
	})
	if err != nil {
		return nil, markUnavailable(err)
	}
	return result, nil
}

// GetMetrics fetches the quality-gate metrics. Missing fields come back nil.
func (f *Fundamentals) GetMetrics(ctx context.Context, ticker string) (*Metrics, error) {
	type wireMetrics struct {
		Metric Metrics `json:"metric"`
	}
	out, err := fundGet[wireMetrics](ctx, f, "/stock/metric", map[string]string{
		"symbol": CanonicalSymbol(ticker),
	})
	if err != nil {
		return nil, err
	}
	return &out.Metric, nil
}

// GetRating returns the analyst consensus on a 1 (strong buy) to 5 (sell)
// scale, 0 when unrated.
func (f *Fundamentals) GetRating(ctx context.Context, ticker string) (int, error) {
	type wireRating struct {
		Consensus int `json:"consensus"`
	}
	out, err := fundGet[wireRating](ctx, f, "/stock/rating", map[string]string{
		"symbol": CanonicalSymbol(ticker),
	})
	if err != nil {
		return 0, err
	}
	return out.Consensus, nil
}

// RatingScoreAdjustment maps the 1..5 consensus to the additive fundamental
// score: strong buy +15, buy +10, anything else 0.
func RatingScoreAdjustment(rating int) float64 {
	switch rating {
	case 1:
		return 15
	case 2:
		return 10
	default:
		return 0
	}
}

// GetQuote is the fallback quote source when the options provider has none.
func (f *Fundamentals) GetQuote(ctx context.Context, ticker string) (*models.Quote, error) {
	type wireQuote struct {
		Current float64 `json:"c"`
		Volume  int64   `json:"v"`
	}
	out, err := fundGet[wireQuote](ctx, f, "/quote", map[string]string{
		"symbol": CanonicalSymbol(ticker),
	})
	if err != nil {
		return nil, err
	}
	if out.Current <= 0 {
		return nil, ErrUnavailable
	}
	return &models.Quote{Symbol: CanonicalSymbol(ticker), Price: out.Current, Volume: out.Volume}, nil
}
