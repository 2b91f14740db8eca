// Package config provides configuration management for the platform.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

const (
	defaultROEFloor         = 15.0
	defaultGrossMarginFloor = 40.0
	defaultMaxExposurePct   = 0.20
	defaultTimezone         = "America/New_York"
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Broker      BrokerConfig      `yaml:"broker"`
	Providers   ProvidersConfig   `yaml:"providers"`
	Scanner     ScannerConfig     `yaml:"scanner"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Risk        RiskConfig        `yaml:"risk"`
	Storage     StorageConfig     `yaml:"storage"`
	Dashboard   DashboardConfig   `yaml:"dashboard"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // sandbox | live
	Username string `yaml:"username"`  // owner of trades and settings
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// BrokerConfig defines broker API settings.
type BrokerConfig struct {
	Provider    string `yaml:"provider"`
	APIKey      string `yaml:"api_key"`
	APIEndpoint string `yaml:"api_endpoint"`
	AccountID   string `yaml:"account_id"`
	UseOCO      bool   `yaml:"use_oco"` // place protective brackets as one OCO order
}

// ProviderConfig is one upstream data source.
type ProviderConfig struct {
	APIKey         string `yaml:"api_key"`
	BaseURL        string `yaml:"base_url"`
	CallsPerMinute int    `yaml:"calls_per_minute"`
}

// ProvidersConfig groups the upstream data sources.
type ProvidersConfig struct {
	MarketData   ProviderConfig `yaml:"market_data"`
	Fundamentals ProviderConfig `yaml:"fundamentals"`
	News         ProviderConfig `yaml:"news"`
}

// ScannerConfig defines scan pipeline parameters.
type ScannerConfig struct {
	Universe         []string          `yaml:"universe"`
	Strict           bool              `yaml:"strict"`
	ROEFloor         float64           `yaml:"roe_floor"`
	GrossMarginFloor float64           `yaml:"gross_margin_floor"`
	MaxResults       int               `yaml:"max_results"`
	ProfitFloor      float64           `yaml:"profit_floor"`
	SectorMomentum   map[string]string `yaml:"sector_momentum"` // ticker -> leading|lagging
}

// ScheduleConfig defines the cron specs and the trading window.
type ScheduleConfig struct {
	PricePoll    string `yaml:"price_poll"`
	PreSession   string `yaml:"pre_session"`
	PostSession  string `yaml:"post_session"`
	OrphanGuard  string `yaml:"orphan_guard"`
	Expiry       string `yaml:"expiry"`
	Timezone     string `yaml:"timezone"`      // e.g., "America/New_York"
	TradingStart string `yaml:"trading_start"` // "HH:MM"
	TradingEnd   string `yaml:"trading_end"`   // "HH:MM"
}

// RiskConfig defines account-level risk parameters.
type RiskConfig struct {
	AccountValue   float64 `yaml:"account_value"`    // used until broker sync overwrites it
	MaxExposurePct float64 `yaml:"max_exposure_pct"` // fraction of account in open premium
}

// StorageConfig defines the sqlite location.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// DashboardConfig defines the read-only HTTP surface.
type DashboardConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"` // e.g., ":8080"
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate checks that all configuration values are valid and consistent,
// applying defaults for optional sections.
func (c *Config) Validate() error {
	if c.Environment.Mode != "sandbox" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'sandbox' or 'live'")
	}
	if c.Environment.Username == "" {
		return fmt.Errorf("environment.username is required")
	}

	if c.Broker.APIKey == "" {
		return fmt.Errorf("broker.api_key is required")
	}
	if c.Broker.AccountID == "" {
		return fmt.Errorf("broker.account_id is required")
	}

	if c.Providers.MarketData.APIKey == "" {
		return fmt.Errorf("providers.market_data.api_key is required")
	}
	// Fundamentals and news are optional; the scanner degrades without them.

	c.normalize()

	if c.Scanner.ROEFloor < 0 || c.Scanner.ROEFloor > 100 {
		return fmt.Errorf("scanner.roe_floor must be between 0 and 100")
	}
	if c.Scanner.GrossMarginFloor < 0 || c.Scanner.GrossMarginFloor > 100 {
		return fmt.Errorf("scanner.gross_margin_floor must be between 0 and 100")
	}
	for ticker, bucket := range c.Scanner.SectorMomentum {
		if bucket != "leading" && bucket != "lagging" && bucket != "neutral" {
			return fmt.Errorf("scanner.sector_momentum[%s] must be leading, lagging or neutral", ticker)
		}
	}

	if c.Risk.AccountValue < 0 {
		return fmt.Errorf("risk.account_value must be >= 0")
	}
	if c.Risk.MaxExposurePct <= 0 || c.Risk.MaxExposurePct > 1 {
		return fmt.Errorf("risk.max_exposure_pct must be in (0,1]")
	}

	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}

	if c.Dashboard.Enabled && c.Dashboard.Listen == "" {
		return fmt.Errorf("dashboard.listen is required when the dashboard is enabled")
	}

	loc, err := time.LoadLocation(c.Schedule.Timezone)
	if err != nil {
		// Fallback for minimal containers
		loc = time.FixedZone("ET", -5*60*60)
	}
	s, err1 := time.ParseInLocation("15:04", c.Schedule.TradingStart, loc)
	e, err2 := time.ParseInLocation("15:04", c.Schedule.TradingEnd, loc)
	if err1 != nil || err2 != nil || (s.Hour() > e.Hour() || (s.Hour() == e.Hour() && s.Minute() >= e.Minute())) {
		return fmt.Errorf("schedule trading window invalid (start/end parse/order)")
	}

	return nil
}

// IsSandbox returns true when the broker session should hit the paper
// endpoint.
func (c *Config) IsSandbox() bool {
	return c.Environment.Mode == "sandbox"
}

// Location resolves the schedule's timezone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Schedule.Timezone)
	if err != nil {
		return time.FixedZone("ET", -5*60*60)
	}
	return loc
}

// IsWithinTradingHours checks if the given time falls within configured
// trading hours, Monday through Friday.
func (c *Config) IsWithinTradingHours(now time.Time) bool {
	loc := c.Location()
	today := now.In(loc)

	if today.Weekday() == time.Saturday || today.Weekday() == time.Sunday {
		return false
	}

	startClock, err1 := time.ParseInLocation("15:04", c.Schedule.TradingStart, loc)
	endClock, err2 := time.ParseInLocation("15:04", c.Schedule.TradingEnd, loc)
	if err1 != nil || err2 != nil {
		// Safe defaults if misconfigured
		startClock = time.Date(0, 1, 1, 9, 30, 0, 0, loc)
		endClock = time.Date(0, 1, 1, 16, 0, 0, 0, loc)
	}
	start := time.Date(today.Year(), today.Month(), today.Day(),
		startClock.Hour(), startClock.Minute(), 0, 0, loc)
	end := time.Date(today.Year(), today.Month(), today.Day(),
		endClock.Hour(), endClock.Minute(), 0, 0, loc)

	// Inclusive start, exclusive end
	return !today.Before(start) && today.Before(end)
}

// normalize applies defaults for optional settings.
func (c *Config) normalize() {
	if c.Scanner.ROEFloor == 0 {
		c.Scanner.ROEFloor = defaultROEFloor
	}
	if c.Scanner.GrossMarginFloor == 0 {
		c.Scanner.GrossMarginFloor = defaultGrossMarginFloor
	}
	if c.Risk.MaxExposurePct == 0 {
		c.Risk.MaxExposurePct = defaultMaxExposurePct
	}
	if c.Schedule.Timezone == "" {
		c.Schedule.Timezone = defaultTimezone
	}
	if c.Schedule.PricePoll == "" {
		c.Schedule.PricePoll = "@every 30s"
	}
	if c.Schedule.PreSession == "" {
		c.Schedule.PreSession = "31 9 * * 1-5"
	}
	if c.Schedule.PostSession == "" {
		c.Schedule.PostSession = "5 16 * * 1-5"
	}
	if c.Schedule.OrphanGuard == "" {
		c.Schedule.OrphanGuard = "@every 10m"
	}
	if c.Schedule.Expiry == "" {
		c.Schedule.Expiry = "15 16 * * 1-5"
	}
	if c.Schedule.TradingStart == "" {
		c.Schedule.TradingStart = "09:30"
	}
	if c.Schedule.TradingEnd == "" {
		c.Schedule.TradingEnd = "16:00"
	}
	if c.Environment.LogLevel == "" {
		c.Environment.LogLevel = "info"
	}
}
