package providers

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/papertrade/optionscout/internal/ratelimit"
)

// progressEvery is how many completions pass between progress log lines.
const progressEvery = 10

// BatchFetcher fans a per-ticker operation across a bounded worker pool,
// pacing admission through a shared rate gate. Per-ticker failures are
// logged and excluded from the result map.
type BatchFetcher struct {
	workers int
	limiter *ratelimit.Limiter
	log     zerolog.Logger
}

// NewBatchFetcher builds a fetcher. workers <= 0 defaults to 8; a nil
// limiter gets a 120/min gate.
func NewBatchFetcher(workers int, limiter *ratelimit.Limiter, log zerolog.Logger) *BatchFetcher {
	if workers <= 0 {
		workers = 8
	}
	if limiter == nil {
		limiter = ratelimit.New(120, time.Minute)
	}
	return &BatchFetcher{
		workers: workers,
		limiter: limiter,
		log:     log.With().Str("component", "batch_fetcher").Logger(),
	}
}

// FetchAll runs fn for every ticker and returns results keyed by ticker.
// Only context cancellation aborts the batch; individual failures drop out
// of the map. The same generic shape serves chains, quotes and context
// lookups.
func FetchAll[T any](ctx context.Context, bf *BatchFetcher, tickers []string, fn func(ctx context.Context, ticker string) (T, error)) map[string]T {
	results := make(map[string]T, len(tickers))
	var mu sync.Mutex
	var completed int

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(bf.workers)

	start := time.Now()
	for _, ticker := range tickers {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			if _, err := bf.limiter.Wait(gctx); err != nil {
				return err
			}

			value, err := fn(gctx, ticker)

			mu.Lock()
			defer mu.Unlock()
			completed++
			if completed%progressEvery == 0 {
				bf.log.Info().
					Int("completed", completed).
					Int("total", len(tickers)).
					Dur("elapsed", time.Since(start)).
					Msg("batch progress")
			}
			if err != nil {
				bf.log.Warn().Err(err).Str("ticker", ticker).Msg("batch item failed, excluding")
				return nil
			}
			results[ticker] = value
			return nil
		})
	}

	// The only propagated error is context cancellation; partial results
	// are still returned so callers can work with what completed.
	if err := g.Wait(); err != nil {
		bf.log.Warn().Err(err).Int("completed", completed).Msg("batch aborted")
	}
	return results
}
