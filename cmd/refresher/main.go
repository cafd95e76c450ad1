// Command refresher runs the watchlist refresh loop as its own process and
// publishes each fresh quote to Redis, where API instances relay it to
// their WebSocket subscribers.
package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/alim08/quote_relay/pkg/alphavantage"
	"github.com/alim08/quote_relay/pkg/config"
	"github.com/alim08/quote_relay/pkg/database"
	"github.com/alim08/quote_relay/pkg/fanout"
	"github.com/alim08/quote_relay/pkg/logger"
	"github.com/alim08/quote_relay/pkg/marketcache"
	"github.com/alim08/quote_relay/pkg/models"
	"github.com/alim08/quote_relay/pkg/redisclient"
	"github.com/alim08/quote_relay/pkg/refresher"
	"github.com/alim08/quote_relay/pkg/resolver"
)

func main() {
	// 1. Initialize structured logging
	if err := logger.Init(); err != nil {
		panic("logger init error: " + err.Error())
	}
	log := logger.Log
	defer log.Sync()

	// 2. Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("config load error", zap.Error(err))
	}
	if cfg.RedisURL == "" {
		log.Fatal("REDIS_URL is required for the standalone refresher")
	}
	window, err := models.ParseWindow(cfg.BackfillWindow)
	if err != nil {
		log.Fatal("invalid BACKFILL_WINDOW", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. Open the store
	db, err := database.New(ctx, database.NewConfig())
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	migrateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = db.RunMigrations(migrateCtx)
	cancel()
	if err != nil {
		log.Fatal("failed to run database migrations", zap.Error(err))
	}

	// 4. Connect to Redis
	rc, err := redisclient.New(cfg.RedisURL, logger.Named("redis"))
	if err != nil {
		log.Fatal("failed to configure Redis", zap.Error(err))
	}
	defer rc.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := rc.Ping(pingCtx); err != nil {
		log.Warn("redis not reachable yet, publishes will retry", zap.Error(err))
	}
	cancel()

	// 5. Build the cache the refresher drives
	client := alphavantage.NewClient(cfg.Upstream.APIKey,
		alphavantage.WithBaseURL(cfg.Upstream.BaseURL),
		alphavantage.WithRateLimit(cfg.Upstream.RatePerMinute),
		alphavantage.WithTimeouts(cfg.Upstream.QuoteTimeout, cfg.Upstream.HistoryTimeout),
		alphavantage.WithLogger(logger.Named("alphavantage")),
	)
	symbols := resolver.New(client, resolver.Policy{
		Preferred:       cfg.Resolver.PreferredTickers,
		PrimarySuffix:   cfg.Resolver.PrimarySuffix,
		SecondarySuffix: cfg.Resolver.SecondarySuffix,
	}, logger.Named("resolver"))
	cache := marketcache.New(database.NewMarketRepository(db), client, symbols,
		marketcache.WithLocation(cfg.MarketLocation),
		marketcache.WithDefaultWindow(window),
		marketcache.WithLogger(logger.Named("marketcache")),
	)

	ref := refresher.New(cache, fanout.NewRedisPublisher(rc, logger.Named("fanout")), refresher.Config{
		Watchlist:   cfg.Watchlist,
		Interval:    cfg.RefreshInterval,
		SymbolPause: cfg.SymbolPause,
		Window:      window,
	}, logger.Named("refresher"))

	// 6. Run until SIGINT/SIGTERM
	log.Info("refresher starting",
		zap.Strings("watchlist", cfg.Watchlist),
		zap.Duration("interval", cfg.RefreshInterval))
	if err := ref.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("refresher stopped", zap.Error(err))
	}
	log.Info("shutdown signal received, exiting")
}
