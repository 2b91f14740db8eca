// Command server runs the full platform for one user: the scheduler that
// keeps paper trades current, and optionally the dashboard HTTP surface.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/sirupsen/logrus"

	"github.com/papertrade/optionscout/internal/analytics"
	"github.com/papertrade/optionscout/internal/broker"
	"github.com/papertrade/optionscout/internal/config"
	"github.com/papertrade/optionscout/internal/dashboard"
	"github.com/papertrade/optionscout/internal/lifecycle"
	"github.com/papertrade/optionscout/internal/metrics"
	"github.com/papertrade/optionscout/internal/models"
	"github.com/papertrade/optionscout/internal/providers"
	"github.com/papertrade/optionscout/internal/scanner"
	"github.com/papertrade/optionscout/internal/sched"
	"github.com/papertrade/optionscout/internal/store"
	"github.com/papertrade/optionscout/internal/vault"
	"github.com/papertrade/optionscout/pkg/logger"
)

const shutdownTimeout = 10 * time.Second

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	log := logger.New(logger.Config{
		Level:  cfg.Environment.LogLevel,
		Pretty: os.Getenv("DEBUG") != "",
	})
	logger.SetGlobalLogger(log)

	log.Info().Str("mode", cfg.Environment.Mode).Str("user", cfg.Environment.Username).
		Msg("starting optionscout")

	st, err := store.Open(cfg.Storage.Path, log)
	if err != nil {
		log.Fatal().Err(err).Msg("opening store")
	}
	defer st.Close()
	scope := st.ForUser(cfg.Environment.Username)

	brokerToken := cfg.Broker.APIKey
	if os.Getenv(vault.EnvKey) != "" {
		v, err := vault.NewFromEnv()
		if err != nil {
			log.Fatal().Err(err).Msg("loading vault key")
		}
		if brokerToken, err = v.Decrypt(cfg.Broker.APIKey); err != nil {
			log.Fatal().Err(err).Msg("decrypting broker token")
		}
	}

	env := broker.EnvSandbox
	if !cfg.IsSandbox() {
		env = broker.EnvLive
	}
	client := broker.NewClient(brokerToken, cfg.Broker.AccountID, env, nil, log)
	if cfg.Broker.APIEndpoint != "" {
		client = client.WithBaseURL(cfg.Broker.APIEndpoint)
	}
	brk := broker.NewCircuitBreakerBroker(client, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := brk.TestConnection(ctx); err != nil {
		log.Fatal().Err(err).Msg("broker connection check failed")
	}
	mode := models.ModeSandbox
	if !cfg.IsSandbox() {
		mode = models.ModeLive
	}
	syncBalance(ctx, scope, brk, mode, log)

	md := providers.NewMarketData(providers.MarketDataConfig{
		APIKey:         cfg.Providers.MarketData.APIKey,
		BaseURL:        cfg.Providers.MarketData.BaseURL,
		CallsPerMinute: cfg.Providers.MarketData.CallsPerMinute,
	}, nil, log)
	fund := providers.NewFundamentals(providers.FundamentalsConfig{
		APIKey:         cfg.Providers.Fundamentals.APIKey,
		BaseURL:        cfg.Providers.Fundamentals.BaseURL,
		CallsPerMinute: cfg.Providers.Fundamentals.CallsPerMinute,
	}, nil, log)
	news := providers.NewNews(providers.NewsConfig{
		APIKey:         cfg.Providers.News.APIKey,
		BaseURL:        cfg.Providers.News.BaseURL,
		CallsPerMinute: cfg.Providers.News.CallsPerMinute,
	}, nil, log)

	scn := scanner.New(md, fund, news, scanner.Config{
		Strict:           cfg.Scanner.Strict,
		ROEFloor:         cfg.Scanner.ROEFloor,
		GrossMarginFloor: cfg.Scanner.GrossMarginFloor,
		MaxResults:       cfg.Scanner.MaxResults,
		ProfitFloor:      cfg.Scanner.ProfitFloor,
		SectorMomentum:   cfg.Scanner.SectorMomentum,
		// Config stores the cap as a fraction; the sizer works in percent.
		MaxExposurePct: cfg.Risk.MaxExposurePct * 100,
	}, log)

	m := metrics.New()
	m.RegisterGauge("oscout_open_trades", "Trades in a non-terminal status", func() float64 {
		trades, err := scope.LiveTrades(context.Background())
		if err != nil {
			return -1
		}
		return float64(len(trades))
	})
	m.RegisterGauge("oscout_open_exposure_dollars", "Premium at risk across live trades", func() float64 {
		total, err := scope.OpenExposure(context.Background())
		if err != nil {
			return -1
		}
		return total
	})

	engine := lifecycle.NewEngine(scope, brk, log).WithMetrics(m)

	scheduler := sched.New(engine, scope, brk, log).WithMetrics(m)
	schedCfg := sched.Config{
		PricePollSpec:   cfg.Schedule.PricePoll,
		PreSessionSpec:  cfg.Schedule.PreSession,
		PostSessionSpec: cfg.Schedule.PostSession,
		OrphanGuardSpec: cfg.Schedule.OrphanGuard,
		ExpirySpec:      cfg.Schedule.Expiry,
		Location:        cfg.Location(),
	}
	if err := scheduler.Start(schedCfg); err != nil {
		log.Fatal().Err(err).Msg("starting scheduler")
	}

	var dash *dashboard.Server
	if cfg.Dashboard.Enabled {
		dashLog := logrus.New()
		if lvl, err := logrus.ParseLevel(cfg.Environment.LogLevel); err == nil {
			dashLog.SetLevel(lvl)
		}
		dash = dashboard.NewServer(
			dashboard.Config{Addr: cfg.Dashboard.Listen, AuthToken: os.Getenv("DASHBOARD_TOKEN")},
			scope,
			analytics.New(scope, log),
			scn,
			brk,
			m,
			dashLog,
		)
		go func() {
			if err := dash.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("dashboard server failed")
				cancel()
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case <-ctx.Done():
	}

	if dash != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := dash.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("dashboard shutdown")
		}
		shutdownCancel()
	}
	scheduler.Stop()
	log.Info().Msg("stopped")
}

// syncBalance refreshes the persisted account balance from the broker. The
// sizer falls back to the configured account_value when this never ran.
func syncBalance(ctx context.Context, scope *store.UserScope, brk broker.Broker, mode models.BrokerMode, log zerolog.Logger) {
	balance, err := brk.GetAccountBalance(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("balance sync skipped")
		return
	}
	settings, err := scope.Settings(ctx)
	if errors.Is(err, store.ErrNotFound) {
		settings = &models.UserSettings{BrokerMode: mode}
	} else if err != nil {
		log.Warn().Err(err).Msg("balance sync: loading settings")
		return
	}
	settings.AccountBalance = balance
	if err := scope.SaveSettings(ctx, settings); err != nil {
		log.Warn().Err(err).Msg("balance sync: saving settings")
		return
	}
	log.Info().Float64("balance", balance).Msg("account balance synced")
}
