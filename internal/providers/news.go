package providers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/papertrade/optionscout/internal/models"
	"github.com/papertrade/optionscout/internal/ratelimit"
	"github.com/papertrade/optionscout/internal/retry"
)

const newsName = "news"

// maxHeadlines bounds the local-sentiment fallback workload.
const maxHeadlines = 15

// NewsConfig configures the news/sentiment adapter.
type NewsConfig struct {
	APIKey         string
	BaseURL        string
	CallsPerMinute int
}

// News wraps the news/sentiment provider. Sentiment resolution order:
// provider aggregate, then local headline analysis, then neutral 50.
type News struct {
	http    *resty.Client
	limiter *ratelimit.Limiter
	policy  retry.Policy
	log     zerolog.Logger
	apiKey  string
}

// NewNews builds the adapter.
func NewNews(cfg NewsConfig, limiter *ratelimit.Limiter, log zerolog.Logger) *News {
	if limiter == nil {
		perMin := cfg.CallsPerMinute
		if perMin <= 0 {
			perMin = 60
		}
		limiter = ratelimit.New(perMin, time.Minute)
	}
	return &News{
		http: resty.New().
			SetBaseURL(cfg.BaseURL).
			SetTimeout(15 * time.Second).
			SetHeader("Accept", "application/json").
			SetQueryParam("token", cfg.APIKey),
		limiter: limiter,
		policy:  retry.DefaultPolicy,
		log:     log.With().Str("component", "provider").Str("provider", newsName).Logger(),
		apiKey:  cfg.APIKey,
	}
}

// IsConfigured reports whether credentials are present.
func (n *News) IsConfigured() bool { return n.apiKey != "" }

func newsGet[T any](ctx context.Context, n *News, path string, params map[string]string) (*T, error) {
	if !n.IsConfigured() {
		return nil, ErrNotConfigured
	}
	result, err := retry.Do(ctx, n.policy, n.log, path, func(ctx context.Context) (*T, error) {
		if _, err := n.limiter.Wait(ctx); err != nil {
			return nil, retry.Permanent(err)
		}
		var out T
		resp, err := n.http.R().
			SetContext(ctx).
			SetQueryParams(params).
			SetResult(&out).
			Get(path)
		if err != nil {
			return nil, err
		}
		n.limiter.ObserveHeaders(resp.Header())
		if resp.StatusCode() != http.StatusOK {
			return nil, classifyStatus(newsName, resp.StatusCode(), resp.String())
		}
		return &out, nil
	})
	if err != nil {
		return nil, markUnavailable(err)
	}
	return result, nil
}

// GetAggregateSentiment returns the provider's bullish-percent style score
// scaled to [0,100]. ErrForbidden is expected on lower tiers.
func (n *News) GetAggregateSentiment(ctx context.Context, ticker string) (float64, error) {
	type wireSentiment struct {
		BullishPercent float64 `json:"bullish_percent"`
		CompanyScore   float64 `json:"company_news_score"`
	}
	out, err := newsGet[wireSentiment](ctx, n, "/news-sentiment", map[string]string{
		"symbol": CanonicalSymbol(ticker),
	})
	if err != nil {
		return 0, err
	}
	if out.BullishPercent > 0 {
		return models.ClampScore(out.BullishPercent * 100), nil
	}
	if out.CompanyScore > 0 {
		return models.ClampScore(out.CompanyScore * 100), nil
	}
	return 0, ErrUnavailable
}

// GetHeadlines returns up to maxHeadlines recent headlines for the ticker.
func (n *News) GetHeadlines(ctx context.Context, ticker string) ([]string, error) {
	type wireArticle struct {
		Headline string `json:"headline"`
	}
	out, err := newsGet[[]wireArticle](ctx, n, "/company-news", map[string]string{
		"symbol": CanonicalSymbol(ticker),
	})
	if err != nil {
		return nil, err
	}
	headlines := make([]string, 0, maxHeadlines)
	for _, a := range *out {
		if a.Headline == "" {
			continue
		}
		headlines = append(headlines, a.Headline)
		if len(headlines) == maxHeadlines {
			break
		}
	}
	return headlines, nil
}

// Sentiment resolves a [0,100] sentiment score with graceful degradation:
// aggregate endpoint, then local headline scoring, then neutral 50.
func (n *News) Sentiment(ctx context.Context, ticker string) float64 {
	if score, err := n.GetAggregateSentiment(ctx, ticker); err == nil {
		return score
	}

	headlines, err := n.GetHeadlines(ctx, ticker)
	if err != nil || len(headlines) == 0 {
		n.log.Debug().Str("ticker", ticker).Msg("no sentiment source, defaulting to neutral")
		return 50
	}
	return ScoreHeadlines(headlines)
}

var bullishWords = []string{
	"beat", "beats", "surge", "surges", "soar", "soars", "rally", "record",
	"upgrade", "upgraded", "strong", "growth", "profit", "outperform",
	"raises", "buyback", "bullish", "gains", "jumps",
}

var bearishWords = []string{
	"miss", "misses", "plunge", "plunges", "fall", "falls", "drop", "drops",
	"downgrade", "downgraded", "weak", "loss", "losses", "lawsuit", "probe",
	"cuts", "layoffs", "bearish", "slump", "warns", "warning", "recall",
}

// ScoreHeadlines is the local sentiment routine: counts polarity keywords
// per headline and maps the net ratio onto [0,100] around a neutral 50.
func ScoreHeadlines(headlines []string) float64 {
	if len(headlines) == 0 {
		return 50
	}
	if len(headlines) > maxHeadlines {
		headlines = headlines[:maxHeadlines]
	}

	var bullish, bearish int
	for _, h := range headlines {
		lower := strings.ToLower(h)
		for _, w := range bullishWords {
			if strings.Contains(lower, w) {
				bullish++
				break
			}
		}
		for _, w := range bearishWords {
			if strings.Contains(lower, w) {
				bearish++
				break
			}
		}
	}

	total := bullish + bearish
	if total == 0 {
		return 50
	}
	// Net polarity in [-1,1] scaled to a +/-40 band around neutral.
	net := float64(bullish-bearish) / float64(total)
	return models.ClampScore(50 + net*40)
}
