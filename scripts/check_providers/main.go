// Command check_providers verifies connectivity and credentials for every
// configured upstream: broker gateway, market data, fundamentals and news.
// Informational only; exits 1 when any required provider fails.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/papertrade/optionscout/internal/broker"
	"github.com/papertrade/optionscout/internal/config"
	"github.com/papertrade/optionscout/internal/providers"
)

const checkTimeout = 30 * time.Second

func main() {
	var (
		configPath string
		ticker     string
	)
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.StringVar(&ticker, "ticker", "SPY", "Probe ticker")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Printf("❌ config: %v\n", err)
		os.Exit(1)
	}

	log := zerolog.Nop()
	ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
	defer cancel()

	failed := false

	fmt.Println("=== Provider Connectivity Check ===")
	fmt.Println()

	env := broker.EnvSandbox
	if !cfg.IsSandbox() {
		env = broker.EnvLive
	}
	client := broker.NewClient(cfg.Broker.APIKey, cfg.Broker.AccountID, env, nil, log)
	if cfg.Broker.APIEndpoint != "" {
		client = client.WithBaseURL(cfg.Broker.APIEndpoint)
	}

	fmt.Printf("Broker (%s, %s)\n", cfg.Broker.Provider, env)
	if err := client.TestConnection(ctx); err != nil {
		fmt.Printf("  ❌ %v\n", err)
		failed = true
	} else {
		balance, err := client.GetAccountBalance(ctx)
		if err != nil {
			fmt.Printf("  ❌ balance: %v\n", err)
			failed = true
		} else {
			fmt.Printf("  ✓ connected, balance $%.2f\n", balance)
		}
		if state, _, err := client.GetMarketClock(ctx); err == nil {
			fmt.Printf("  ✓ market clock: %s\n", state)
		}
	}
	fmt.Println()

	md := providers.NewMarketData(providers.MarketDataConfig{
		APIKey:         cfg.Providers.MarketData.APIKey,
		BaseURL:        cfg.Providers.MarketData.BaseURL,
		CallsPerMinute: cfg.Providers.MarketData.CallsPerMinute,
	}, nil, log)

	fmt.Println("Market data")
	if quote, err := md.GetQuote(ctx, ticker); err != nil {
		fmt.Printf("  ❌ quote %s: %v\n", ticker, err)
		failed = true
	} else {
		fmt.Printf("  ✓ %s last $%.2f\n", ticker, quote.Price)
	}
	if vix, err := md.GetVIXLevel(ctx); err != nil {
		fmt.Printf("  ⚠️  vix: %v\n", err)
	} else {
		fmt.Printf("  ✓ vix %.1f\n", vix)
	}
	fmt.Println()

	// Fundamentals and news are optional; the scanner degrades without them.
	fund := providers.NewFundamentals(providers.FundamentalsConfig{
		APIKey:         cfg.Providers.Fundamentals.APIKey,
		BaseURL:        cfg.Providers.Fundamentals.BaseURL,
		CallsPerMinute: cfg.Providers.Fundamentals.CallsPerMinute,
	}, nil, log)

	fmt.Println("Fundamentals (optional)")
	if !fund.IsConfigured() {
		fmt.Println("  - not configured")
	} else if rating, err := fund.GetRating(ctx, ticker); err != nil {
		fmt.Printf("  ⚠️  rating %s: %v\n", ticker, err)
	} else {
		fmt.Printf("  ✓ %s analyst rating %d\n", ticker, rating)
	}
	fmt.Println()

	news := providers.NewNews(providers.NewsConfig{
		APIKey:         cfg.Providers.News.APIKey,
		BaseURL:        cfg.Providers.News.BaseURL,
		CallsPerMinute: cfg.Providers.News.CallsPerMinute,
	}, nil, log)

	fmt.Println("News (optional)")
	if !news.IsConfigured() {
		fmt.Println("  - not configured")
	} else {
		fmt.Printf("  ✓ %s sentiment %.0f\n", ticker, news.Sentiment(ctx, ticker))
	}
	fmt.Println()

	if failed {
		fmt.Println("❌ One or more required providers failed")
		os.Exit(1)
	}
	fmt.Println("✓ All required providers reachable")
}
