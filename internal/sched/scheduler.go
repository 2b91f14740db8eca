// Package sched runs the background jobs that keep open trades current:
// live price polls with exit-rule evaluation, session bookend snapshots,
// orphan-order cleanup and end-of-day expiry reconciliation.
package sched

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/papertrade/optionscout/internal/broker"
	"github.com/papertrade/optionscout/internal/lifecycle"
	"github.com/papertrade/optionscout/internal/metrics"
	"github.com/papertrade/optionscout/internal/models"
	"github.com/papertrade/optionscout/internal/recommend"
	"github.com/papertrade/optionscout/internal/store"
)

const jobTimeout = 2 * time.Minute

// Config holds the cron specs for each job. Session bookends are pinned to
// the exchange's local clock.
type Config struct {
	PricePollSpec   string
	PreSessionSpec  string
	PostSessionSpec string
	OrphanGuardSpec string
	ExpirySpec      string
	Location        *time.Location
}

// DefaultConfig returns the production schedule in US market time.
func DefaultConfig() Config {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.UTC
	}
	return Config{
		PricePollSpec:   "@every 30s",
		PreSessionSpec:  "31 9 * * 1-5",
		PostSessionSpec: "5 16 * * 1-5",
		OrphanGuardSpec: "@every 10m",
		ExpirySpec:      "15 16 * * 1-5",
		Location:        loc,
	}
}

// Scheduler drives one user's jobs. Each job is wrapped so it never
// overlaps itself and never panics the process.
type Scheduler struct {
	cron    *cron.Cron
	engine  *lifecycle.Engine
	scope   *store.UserScope
	broker  broker.Broker
	log     zerolog.Logger
	now     func() time.Time
	metrics *metrics.Metrics
}

// WithMetrics attaches the instrumentation bundle.
func (s *Scheduler) WithMetrics(m *metrics.Metrics) *Scheduler {
	s.metrics = m
	return s
}

// New builds the scheduler; Start registers and begins the jobs.
func New(engine *lifecycle.Engine, scope *store.UserScope, brk broker.Broker, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		engine: engine,
		scope:  scope,
		broker: brk,
		log:    log.With().Str("component", "sched").Str("user", scope.Username()).Logger(),
		now:    time.Now,
	}
}

// Start registers all jobs under the config and starts the dispatcher.
func (s *Scheduler) Start(cfg Config) error {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	s.cron = cron.New(
		cron.WithLocation(loc),
		cron.WithChain(cron.Recover(cronLogger{s.log}), cron.SkipIfStillRunning(cronLogger{s.log})),
	)

	jobs := []struct {
		spec string
		name string
		fn   func(context.Context)
	}{
		{cfg.PricePollSpec, "price_poll", s.PollPrices},
		{cfg.PreSessionSpec, "pre_session", func(ctx context.Context) { s.Bookend(ctx, models.SnapshotPreSession) }},
		{cfg.PostSessionSpec, "post_session", func(ctx context.Context) { s.Bookend(ctx, models.SnapshotPostSession) }},
		{cfg.OrphanGuardSpec, "orphan_guard", s.OrphanGuard},
		{cfg.ExpirySpec, "expiry_reconcile", s.ReconcileExpired},
	}
	for _, j := range jobs {
		name, fn := j.name, j.fn
		if _, err := s.cron.AddFunc(j.spec, func() {
			ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
			defer cancel()
			started := s.now()
			fn(ctx)
			took := s.now().Sub(started)
			if s.metrics != nil {
				s.metrics.RecordJob(name, took)
			}
			s.log.Debug().Str("job", name).Dur("took", took).Msg("job finished")
		}); err != nil {
			return fmt.Errorf("sched: register %s: %w", name, err)
		}
	}

	s.cron.Start()
	s.log.Info().Msg("scheduler started")
	return nil
}

// Stop drains in-flight jobs before returning.
func (s *Scheduler) Stop() {
	if s.cron == nil {
		return
	}
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info().Msg("scheduler drained")
}

// PollPrices refreshes every open trade's mark, appends a periodic snapshot
// and evaluates the exit rules. Trades whose rules fire are submitted for
// close through the lifecycle engine. Skipped outside market hours.
func (s *Scheduler) PollPrices(ctx context.Context) {
	open, err := s.openTrades(ctx)
	if err != nil || len(open) == 0 {
		return
	}

	if isOpen, err := s.broker.IsMarketOpen(ctx); err != nil {
		s.log.Warn().Err(err).Msg("market clock unavailable, skipping poll")
		return
	} else if !isOpen {
		return
	}

	for i := range open {
		trade := &open[i]
		if err := s.pollTrade(ctx, trade); err != nil {
			s.log.Error().Err(err).Int64("trade_id", trade.ID).Msg("price poll failed")
		}
	}
}

func (s *Scheduler) pollTrade(ctx context.Context, trade *models.Trade) error {
	quote, err := s.broker.GetOptionQuote(ctx, trade.Ticker, trade.Strike, trade.Expiry, trade.OptionType)
	if err != nil {
		return err
	}

	if err := s.scope.AddSnapshot(ctx, &models.PriceSnapshot{
		TradeID:    trade.ID,
		Mark:       quote.Mark,
		Bid:        quote.Bid,
		Ask:        quote.Ask,
		Delta:      quote.Delta,
		IV:         quote.IV,
		Underlying: quote.Underlying,
		Kind:       models.SnapshotPeriodic,
	}); err != nil {
		return err
	}

	if err := s.engine.RefreshPrice(ctx, trade, quote.Mark); err != nil {
		return err
	}

	decision := s.evaluateExit(trade, quote.Mark)
	if !decision.Exit {
		return nil
	}
	s.log.Info().Int64("trade_id", trade.ID).Str("reason", string(decision.Reason)).
		Str("detail", decision.Detail).Msg("exit rule fired")
	return s.engine.Close(ctx, trade, string(decision.Reason))
}

// evaluateExit rebuilds the trade's exit plan from its scan context and runs
// the prioritized rules against the live mark.
func (s *Scheduler) evaluateExit(trade *models.Trade, mark float64) recommend.ExitDecision {
	req := recommend.PlanRequest{Strategy: models.StrategyLEAP}
	daysToEarnings := 0
	if tc := trade.Context; tc != nil {
		req.Strategy = tc.Strategy
		req.Regime = tc.VolRegime
		req.IVPercentile = tc.IVPercentile
		// The earnings distance was frozen at entry; age it against the
		// implied date so the close-before window tracks the calendar. A
		// date already past reads as none scheduled.
		if tc.DaysToEarnings > 0 {
			earningsDate := trade.CreatedAt.AddDate(0, 0, tc.DaysToEarnings)
			daysToEarnings = models.DaysToExpiry(s.now(), earningsDate)
		}
		req.DaysToEarnings = daysToEarnings
	}
	plan := recommend.BuildExitPlan(req)
	return recommend.ShouldExit(plan, trade.PnLPercent(mark), trade.DTE(s.now()), daysToEarnings)
}

// Bookend captures a session-edge snapshot for every open trade.
func (s *Scheduler) Bookend(ctx context.Context, kind models.SnapshotKind) {
	open, err := s.openTrades(ctx)
	if err != nil {
		return
	}
	for i := range open {
		trade := &open[i]
		quote, err := s.broker.GetOptionQuote(ctx, trade.Ticker, trade.Strike, trade.Expiry, trade.OptionType)
		if err != nil {
			s.log.Warn().Err(err).Int64("trade_id", trade.ID).Msg("bookend quote failed")
			continue
		}
		if err := s.scope.AddSnapshot(ctx, &models.PriceSnapshot{
			TradeID:    trade.ID,
			Mark:       quote.Mark,
			Bid:        quote.Bid,
			Ask:        quote.Ask,
			Delta:      quote.Delta,
			IV:         quote.IV,
			Underlying: quote.Underlying,
			Kind:       kind,
		}); err != nil {
			s.log.Error().Err(err).Int64("trade_id", trade.ID).Msg("bookend snapshot failed")
		}
	}
}

// OrphanGuard cancels protective legs still working at the broker for
// trades that have already reached a terminal status.
func (s *Scheduler) OrphanGuard(ctx context.Context) {
	terminal, err := s.scope.ListTrades(ctx,
		models.StatusClosed, models.StatusExpired, models.StatusCanceled)
	if err != nil {
		s.log.Error().Err(err).Msg("orphan guard list failed")
		return
	}

	for i := range terminal {
		trade := &terminal[i]
		cleared := false
		for _, raw := range []string{trade.StopOrderID, trade.TargetOrderID} {
			id, err := strconv.Atoi(raw)
			if err != nil || id <= 0 {
				continue
			}
			if s.broker.CancelOrder(ctx, id) {
				cleared = true
				s.log.Info().Int64("trade_id", trade.ID).Int("order_id", id).
					Msg("canceled orphaned leg")
			}
		}
		if cleared {
			trade.StopOrderID = ""
			trade.TargetOrderID = ""
			if err := s.scope.SaveTrade(ctx, trade); err != nil {
				s.log.Error().Err(err).Int64("trade_id", trade.ID).Msg("orphan clear failed")
			}
		}
	}
}

// ReconcileExpired settles open trades whose option expiry has passed.
func (s *Scheduler) ReconcileExpired(ctx context.Context) {
	open, err := s.openTrades(ctx)
	if err != nil {
		return
	}
	today := s.now().UTC().Truncate(24 * time.Hour)
	for i := range open {
		trade := &open[i]
		if !trade.Expiry.UTC().Truncate(24 * time.Hour).Before(today) {
			continue
		}
		if err := s.engine.Settle(ctx, trade, trade.CurrentPrice, "expired",
			models.StatusExpired, "contract_expired"); err != nil {
			s.log.Error().Err(err).Int64("trade_id", trade.ID).Msg("expiry reconcile failed")
		}
	}
}

func (s *Scheduler) openTrades(ctx context.Context) ([]models.Trade, error) {
	trades, err := s.scope.ListTrades(ctx, models.StatusOpen, models.StatusPartiallyFilled)
	if err != nil {
		s.log.Error().Err(err).Msg("listing open trades failed")
		return nil, err
	}
	return trades, nil
}

// cronLogger adapts zerolog to the cron logger interface.
type cronLogger struct {
	log zerolog.Logger
}

func (c cronLogger) Info(msg string, kv ...interface{}) {
	c.log.Debug().Fields(kv).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, kv ...interface{}) {
	c.log.Error().Err(err).Fields(kv).Msg(msg)
}
