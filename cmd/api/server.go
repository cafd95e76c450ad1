package main

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/graphql-go/graphql"
	"go.uber.org/zap"

	"github.com/alim08/quote_relay/pkg/broadcaster"
	"github.com/alim08/quote_relay/pkg/marketcache"
	"github.com/alim08/quote_relay/pkg/markethours"
	"github.com/alim08/quote_relay/pkg/metrics"
	"github.com/alim08/quote_relay/pkg/models"
	"github.com/alim08/quote_relay/pkg/refresher"
)

// MarketData is the read-through cache.
type MarketData interface {
	GetQuote(ctx context.Context, symbol string) (models.Quote, error)
	GetHistory(ctx context.Context, symbol string, start, end *time.Time) (*marketcache.History, error)
}

// Catalog reads what is already stored without touching upstream.
type Catalog interface {
	ListSymbols(ctx context.Context) ([]string, error)
	ReadQuote(ctx context.Context, symbol string) (*models.Quote, error)
	CountBars(ctx context.Context, symbol string) (int64, error)
}

// Probe calls the upstream provider directly.
type Probe interface {
	LiveQuote(ctx context.Context, symbol string) (models.Quote, error)
	History(ctx context.Context, symbol string, window models.Window) ([]models.Bar, error)
}

// LiveFeed attaches subscribers to per-symbol pollers.
type LiveFeed interface {
	Join(symbol string, sub broadcaster.Subscriber)
	Leave(symbol string, sub broadcaster.Subscriber)
	Active() int
	Symbols() []string
}

// WatchStatus describes the background refresher.
type WatchStatus interface {
	Watchlist() []string
	Interval() time.Duration
	Running() bool
	LastCycle() (refresher.CycleStats, time.Time)
}

// HealthChecker is anything with a liveness probe.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// SchemaSource reports the applied store migration.
type SchemaSource interface {
	SchemaVersion(ctx context.Context) (int, error)
}

// SnapshotSource reads the last quote published for a symbol.
type SnapshotSource interface {
	Snapshot(ctx context.Context, symbol string) (*models.Quote, error)
}

type ServerConfig struct {
	APIKey      string
	Session     markethours.Session
	Heartbeat   time.Duration
	ReplayDelay time.Duration
}

type Server struct {
	data    MarketData
	catalog Catalog
	probe   Probe
	feeds   LiveFeed
	watch   WatchStatus
	health  map[string]HealthChecker

	schemaSrc SchemaSource
	snapshots SnapshotSource

	cfg      ServerConfig
	schema   graphql.Schema
	upgrader websocket.Upgrader
	now      func() time.Time
	log      *zap.Logger
}

func NewServer(data MarketData, catalog Catalog, probe Probe, feeds LiveFeed, watch WatchStatus, cfg ServerConfig, log *zap.Logger) (*Server, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 30 * time.Second
	}
	if cfg.Session.Location == nil {
		cfg.Session = markethours.NSE(time.UTC)
	}
	s := &Server{
		data:    data,
		catalog: catalog,
		probe:   probe,
		feeds:   feeds,
		watch:   watch,
		health:  make(map[string]HealthChecker),
		cfg:     cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		now: time.Now,
		log: log,
	}
	schema, err := s.buildSchema()
	if err != nil {
		return nil, err
	}
	s.schema = schema
	return s, nil
}

// AddHealthCheck registers a named dependency for /health.
func (s *Server) AddHealthCheck(name string, hc HealthChecker) {
	s.health[name] = hc
}

// SetSchemaSource adds the store schema version to /health.
func (s *Server) SetSchemaSource(src SchemaSource) {
	s.schemaSrc = src
}

// SetSnapshotSource adds last published quotes to /system/status.
func (s *Server) SetSnapshotSource(src SnapshotSource) {
	s.snapshots = src
}

func (s *Server) Routes() http.Handler {
	router := mux.NewRouter()

	router.Use(s.loggingMiddleware)
	router.Use(corsMiddleware)
	router.Use(metricsMiddleware)

	router.HandleFunc("/", s.rootHandler).Methods(http.MethodGet)
	router.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)

	router.HandleFunc("/stocks", s.listStocksHandler).Methods(http.MethodGet)
	router.HandleFunc("/stocks/{symbol}", s.getStockHandler).Methods(http.MethodGet)
	router.HandleFunc("/stocks/{symbol}/history", s.getHistoryHandler).Methods(http.MethodGet)

	router.HandleFunc("/market/status", s.marketStatusHandler).Methods(http.MethodGet)
	router.HandleFunc("/system/status", s.systemStatusHandler).Methods(http.MethodGet)
	router.HandleFunc("/debug/api-test", s.apiTestHandler).Methods(http.MethodGet)

	router.HandleFunc("/graphql", s.graphqlHandler).Methods(http.MethodGet, http.MethodPost)

	router.HandleFunc("/ws/stocks/{symbol}", s.liveSocketHandler)
	router.HandleFunc("/ws/stocks/{symbol}/history", s.historySocketHandler)

	router.Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return router
}

// Middleware functions
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Info("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote_addr", r.RemoteAddr),
			zap.Duration("duration", time.Since(start)))
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tmpl
			}
		}
		status := strconv.Itoa(rec.status)
		metrics.APIRequestDuration.WithLabelValues(r.Method, endpoint, status).Observe(time.Since(start).Seconds())
		metrics.APIRequestTotal.WithLabelValues(r.Method, endpoint, status).Inc()
	})
}

// statusRecorder captures the response code. It forwards Hijack so
// WebSocket upgrades still work behind the middleware.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
