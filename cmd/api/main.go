package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/alim08/quote_relay/pkg/alphavantage"
	"github.com/alim08/quote_relay/pkg/broadcaster"
	"github.com/alim08/quote_relay/pkg/config"
	"github.com/alim08/quote_relay/pkg/database"
	"github.com/alim08/quote_relay/pkg/fanout"
	"github.com/alim08/quote_relay/pkg/feed"
	"github.com/alim08/quote_relay/pkg/logger"
	"github.com/alim08/quote_relay/pkg/marketcache"
	"github.com/alim08/quote_relay/pkg/markethours"
	"github.com/alim08/quote_relay/pkg/metrics"
	"github.com/alim08/quote_relay/pkg/models"
	"github.com/alim08/quote_relay/pkg/redisclient"
	"github.com/alim08/quote_relay/pkg/refresher"
	"github.com/alim08/quote_relay/pkg/resolver"
)

func main() {
	// Initialize logger
	if err := logger.Init(); err != nil {
		panic("logger init error: " + err.Error())
	}
	log := logger.Log
	defer log.Sync()

	log.Info("starting quote relay API server")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load configuration", zap.Error(err))
	}
	window, err := models.ParseWindow(cfg.BackfillWindow)
	if err != nil {
		log.Fatal("invalid BACKFILL_WINDOW", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize database
	dbConfig := database.NewConfig()
	db, err := database.New(ctx, dbConfig)
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	migrateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	if err := db.RunMigrations(migrateCtx); err != nil {
		cancel()
		log.Fatal("failed to run database migrations", zap.Error(err))
	}
	cancel()
	log.Info("database migrations completed", zap.String("driver", db.Driver()))

	repo := database.NewMarketRepository(db)

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

	cache := marketcache.New(repo, client, symbols,
		marketcache.WithLocation(cfg.MarketLocation),
		marketcache.WithDefaultWindow(window),
		marketcache.WithLogger(logger.Named("marketcache")),
	)

	var feeds *feed.Manager
	bc := broadcaster.New(
		broadcaster.WithLogger(logger.Named("broadcaster")),
		broadcaster.WithOnEmpty(func(symbol string) { feeds.StopIfIdle(symbol) }),
	)
	feeds = feed.NewManager(ctx, cache, bc, cfg.PollInterval, logger.Named("feed"))
	defer feeds.Close()

	var publisher refresher.Publisher = fanout.NewLocal(bc)
	var redisHealth HealthChecker
	var snapshots SnapshotSource
	if cfg.RedisURL != "" {
		rc, err := redisclient.New(cfg.RedisURL, logger.Named("redis"))
		if err != nil {
			log.Fatal("failed to configure Redis", zap.Error(err))
		}
		defer rc.Close()

		redisPub := fanout.NewRedisPublisher(rc, logger.Named("fanout"))
		publisher = redisPub
		snapshots = redisPub
		redisHealth = rc

		bridge := fanout.NewBridge(rc, bc, logger.Named("bridge"))
		go func() {
			if err := bridge.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("redis bridge stopped", zap.Error(err))
			}
		}()
	}

	ref := refresher.New(cache, publisher, refresher.Config{
		Watchlist:   cfg.Watchlist,
		Interval:    cfg.RefreshInterval,
		SymbolPause: cfg.SymbolPause,
		Window:      window,
	}, logger.Named("refresher"))

	warmUp(ctx, cache, cfg.StartupSymbol, log)

	if cfg.RefresherEnabled {
		go func() {
			if err := ref.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("refresher stopped", zap.Error(err))
			}
		}()
	}

	server, err := NewServer(cache, repo, client, feeds, ref, ServerConfig{
		APIKey:      cfg.Upstream.APIKey,
		Session:     markethours.NSE(cfg.MarketLocation),
		Heartbeat:   cfg.HeartbeatInterval,
		ReplayDelay: cfg.ReplayDelay,
	}, logger.Named("api"))
	if err != nil {
		log.Fatal("failed to build server", zap.Error(err))
	}
	server.AddHealthCheck("database", db)
	server.SetSchemaSource(db)
	if redisHealth != nil {
		server.AddHealthCheck("redis", redisHealth)
		server.SetSnapshotSource(snapshots)
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      server.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	metricsServer := newMetricsServer(cfg.MetricsPort)

	go func() {
		log.Info("starting metrics server", zap.String("addr", metricsServer.Addr))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server failed", zap.Error(err))
		}
	}()

	go func() {
		log.Info("starting HTTP server", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Error("metrics server forced to shutdown", zap.Error(err))
	}

	log.Info("server exited")
}

// warmUp loads the full history window for symbol before serving. Failure
// only means the first request for it fetches on demand.
func warmUp(ctx context.Context, cache *marketcache.Cache, symbol string, log *zap.Logger) {
	if symbol == "" {
		return
	}
	n, err := cache.Backfill(ctx, symbol, models.WindowFull)
	if err != nil {
		log.Warn("startup backfill failed, will fetch on demand", zap.String("symbol", symbol), zap.Error(err))
		return
	}
	log.Info("startup backfill complete", zap.String("symbol", symbol), zap.Int("bars", n))
}

func newMetricsServer(port int) *http.Server {
	r := chi.NewRouter()
	r.Handle("/metrics", metrics.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: r,
	}
}
