package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // market timezone must resolve on minimal images

	"github.com/joho/godotenv"
)

// Upstream holds provider connection settings.
type Upstream struct {
	APIKey         string
	BaseURL        string
	QuoteTimeout   time.Duration
	HistoryTimeout time.Duration
	RatePerMinute  int
}

// Resolver holds the symbol-correction policy.
type Resolver struct {
	PreferredTickers []string
	PrimarySuffix    string
	SecondarySuffix  string
}

type Config struct {
	HTTPPort    int
	MetricsPort int
	RedisURL    string

	Upstream Upstream
	Resolver Resolver

	Watchlist        []string
	RefresherEnabled bool
	RefreshInterval  time.Duration
	SymbolPause      time.Duration
	BackfillWindow   string
	StartupSymbol    string

	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	ReplayDelay       time.Duration

	MarketTimezone string
	MarketLocation *time.Location
}

// Load reads an optional .env file, application flags (via a local FlagSet,
// ignoring any -test.* flags) and environment variables, then validates
// required fields.
func Load() (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	fs := flag.NewFlagSet("config", flag.ContinueOnError)

	var redisURL string
	var httpPort int
	var metricsPort int
	fs.StringVar(&redisURL, "redis", os.Getenv("REDIS_URL"), "Redis connection URL (optional)")
	fs.IntVar(&httpPort, "port", 8000, "HTTP listen port")
	fs.IntVar(&metricsPort, "metrics-port", 8082, "Metrics server port")

	var appArgs []string
	for _, arg := range os.Args[1:] {
		if strings.HasPrefix(arg, "-test.") {
			continue
		}
		appArgs = append(appArgs, arg)
	}
	if err := fs.Parse(appArgs); err != nil {
		return nil, err
	}

	cfg := &Config{
		HTTPPort:    httpPort,
		MetricsPort: metricsPort,
		RedisURL:    redisURL,
		Upstream: Upstream{
			APIKey:         os.Getenv("ALPHA_VANTAGE_API_KEY"),
			BaseURL:        getEnvOrDefault("ALPHA_VANTAGE_URL", "https://www.alphavantage.co/query"),
			QuoteTimeout:   getDurationEnvOrDefault("QUOTE_TIMEOUT", 10*time.Second),
			HistoryTimeout: getDurationEnvOrDefault("HISTORY_TIMEOUT", 15*time.Second),
			RatePerMinute:  5,
		},
		Resolver: Resolver{
			PreferredTickers: splitAndTrim(getEnvOrDefault("PREFERRED_TICKERS", "TCS,RELIANCE,INFY,HDFCBANK,ICICIBANK"), ","),
			PrimarySuffix:    getEnvOrDefault("PRIMARY_SUFFIX", ".NS"),
			SecondarySuffix:  getEnvOrDefault("SECONDARY_SUFFIX", ".BO"),
		},
		Watchlist:         splitAndTrim(getEnvOrDefault("WATCHLIST", "IBM,AAPL,MSFT,GOOGL"), ","),
		RefresherEnabled:  getEnvOrDefault("REFRESHER_ENABLED", "true") != "false",
		RefreshInterval:   getDurationEnvOrDefault("REFRESH_INTERVAL", 5*time.Minute),
		SymbolPause:       getDurationEnvOrDefault("SYMBOL_PAUSE", time.Second),
		BackfillWindow:    getEnvOrDefault("BACKFILL_WINDOW", "compact"),
		StartupSymbol:     strings.ToUpper(getEnvOrDefault("STARTUP_SYMBOL", "IBM")),
		PollInterval:      getDurationEnvOrDefault("POLL_INTERVAL", 10*time.Second),
		HeartbeatInterval: getDurationEnvOrDefault("HEARTBEAT_INTERVAL", 30*time.Second),
		ReplayDelay:       getDurationEnvOrDefault("REPLAY_DELAY", 500*time.Millisecond),
		MarketTimezone:    getEnvOrDefault("MARKET_TIMEZONE", "Asia/Kolkata"),
	}

	// PORT env var overrides flag/default if set
	if portEnv := os.Getenv("PORT"); portEnv != "" {
		portVal, err := strconv.Atoi(portEnv)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT env var: %v", err)
		}
		cfg.HTTPPort = portVal
	}

	if rate := os.Getenv("RATE_LIMIT_PER_MIN"); rate != "" {
		n, err := strconv.Atoi(rate)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid RATE_LIMIT_PER_MIN %q", rate)
		}
		cfg.Upstream.RatePerMinute = n
	}

	if err := cfg.validateDurations(); err != nil {
		return nil, err
	}

	for i, s := range cfg.Watchlist {
		cfg.Watchlist[i] = strings.ToUpper(s)
	}
	for i, s := range cfg.Resolver.PreferredTickers {
		cfg.Resolver.PreferredTickers[i] = strings.ToUpper(s)
	}

	loc, err := time.LoadLocation(cfg.MarketTimezone)
	if err != nil {
		return nil, fmt.Errorf("invalid MARKET_TIMEZONE %q: %w", cfg.MarketTimezone, err)
	}
	cfg.MarketLocation = loc

	if cfg.Upstream.APIKey == "" {
		return nil, fmt.Errorf("missing required config: ALPHA_VANTAGE_API_KEY")
	}

	return cfg, nil
}

// validateDurations rejects intervals that would panic a ticker or spin a
// loop. Pauses and delays may be zero.
func (c *Config) validateDurations() error {
	positive := []struct {
		name string
		d    time.Duration
	}{
		{"POLL_INTERVAL", c.PollInterval},
		{"REFRESH_INTERVAL", c.RefreshInterval},
		{"HEARTBEAT_INTERVAL", c.HeartbeatInterval},
		{"QUOTE_TIMEOUT", c.Upstream.QuoteTimeout},
		{"HISTORY_TIMEOUT", c.Upstream.HistoryTimeout},
	}
	for _, p := range positive {
		if p.d <= 0 {
			return fmt.Errorf("invalid %s %v: must be positive", p.name, p.d)
		}
	}
	if c.SymbolPause < 0 {
		return fmt.Errorf("invalid SYMBOL_PAUSE %v: must not be negative", c.SymbolPause)
	}
	if c.ReplayDelay < 0 {
		return fmt.Errorf("invalid REPLAY_DELAY %v: must not be negative", c.ReplayDelay)
	}
	return nil
}

// splitAndTrim splits s on sep, trims spaces, and drops empty entries.
func splitAndTrim(s, sep string) []string {
	parts := []string{}
	for _, p := range strings.Split(s, sep) {
		if t := strings.TrimSpace(p); t != "" {
			parts = append(parts, t)
		}
	}
	return parts
}

// getEnvOrDefault returns environment variable value or default
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getDurationEnvOrDefault returns environment variable as duration or default
func getDurationEnvOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
