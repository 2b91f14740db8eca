// Command scan runs the opportunity pipeline once for a ticker (or the whole
// configured universe) and prints the result as JSON. Informational only: it
// never places orders. Exits 0 when at least one opportunity surfaced.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/papertrade/optionscout/internal/config"
	"github.com/papertrade/optionscout/internal/models"
	"github.com/papertrade/optionscout/internal/providers"
	"github.com/papertrade/optionscout/internal/scanner"
	"github.com/papertrade/optionscout/internal/store"
	"github.com/papertrade/optionscout/pkg/logger"
)

const scanTimeout = 5 * time.Minute

func main() {
	var (
		configPath string
		ticker     string
		strategy   string
		optType    string
	)
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.StringVar(&ticker, "ticker", "", "Ticker to scan; empty scans the configured universe")
	flag.StringVar(&strategy, "strategy", string(models.StrategyLEAP), "Strategy (LEAP, WEEKLY, ZERO_DTE)")
	flag.StringVar(&optType, "type", string(models.OptionCall), "Option type (call or put)")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	// Scan output goes to stdout; keep the log channel on stderr.
	log := logger.New(logger.Config{Level: cfg.Environment.LogLevel}).
		Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})

	strat := models.Strategy(strategy)
	side := models.OptionType(optType)
	if !strat.Valid() || !side.Valid() {
		log.Error().Str("strategy", strategy).Str("type", optType).Msg("invalid strategy or option type")
		os.Exit(1)
	}

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

	ctx, cancel := context.WithTimeout(context.Background(), scanTimeout)
	defer cancel()

	// Sizing respects premium already committed to live trades; a missing or
	// fresh store just means zero exposure.
	exposure := 0.0
	if st, err := store.Open(cfg.Storage.Path, log); err == nil {
		if total, err := st.ForUser(cfg.Environment.Username).OpenExposure(ctx); err == nil {
			exposure = total
		}
		st.Close()
	} else {
		log.Warn().Err(err).Msg("store unavailable, sizing against zero open exposure")
	}

	found := 0
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	if ticker != "" {
		res, err := scn.Scan(ctx, scanner.Request{
			Ticker:       ticker,
			Strategy:     strat,
			OptionType:   side,
			AccountValue: cfg.Risk.AccountValue,
			OpenExposure: exposure,
		})
		if err != nil {
			log.Error().Err(err).Str("ticker", ticker).Msg("scan failed")
			os.Exit(1)
		}
		found = len(res.Opportunities)
		if err := enc.Encode(res); err != nil {
			log.Error().Err(err).Msg("encoding result")
			os.Exit(1)
		}
	} else {
		if len(cfg.Scanner.Universe) == 0 {
			log.Error().Msg("no ticker given and scanner.universe is empty")
			os.Exit(1)
		}
		bf := providers.NewBatchFetcher(4, nil, log)
		results := scn.ScanMany(ctx, bf, cfg.Scanner.Universe, strat, side, cfg.Risk.AccountValue, exposure)
		for _, res := range results {
			found += len(res.Opportunities)
			if err := enc.Encode(res); err != nil {
				log.Error().Err(err).Msg("encoding result")
				os.Exit(1)
			}
		}
	}

	if found == 0 {
		os.Exit(1)
	}
}
