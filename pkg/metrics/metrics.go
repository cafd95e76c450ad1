package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Upstream provider metrics
	UpstreamRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_upstream_requests_total",
			Help: "Upstream provider calls by call and outcome",
		},
		[]string{"call", "status"},
	)
	UpstreamLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_upstream_latency_seconds",
			Help:    "Upstream provider call latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"call"},
	)
	UpstreamRateLimitNotes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_upstream_rate_limit_notes_total",
			Help: "Rate-limit advisories returned by the provider",
		})
	UpstreamDroppedRows = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_upstream_dropped_rows_total",
			Help: "Malformed upstream records dropped during parsing",
		},
		[]string{"call"},
	)

	// Cache metrics
	CacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_cache_lookups_total",
			Help: "Cache lookups by operation and result (hit, fetched, corrected, not_found)",
		},
		[]string{"operation", "result"},
	)

	// Refresher metrics
	RefreshCycles = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_refresh_cycles_total",
			Help: "Completed refresh cycles",
		})
	RefreshCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_refresh_cycle_duration_seconds",
			Help:    "Time to refresh the whole watch-list once",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
		})
	RefreshSymbols = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_refresh_symbols_total",
			Help: "Per-symbol refresh outcomes (updated, backfilled, failed)",
		},
		[]string{"result"},
	)

	// Broadcaster metrics
	BroadcastSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_broadcast_subscribers",
			Help: "Registered subscribers across all symbols",
		})
	BroadcastDeliveries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_broadcast_deliveries_total",
			Help: "Messages delivered to subscribers",
		})
	BroadcastFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_broadcast_delivery_failures_total",
			Help: "Failed deliveries; each removes its subscriber",
		})
	ActivePollers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_live_pollers",
			Help: "Per-symbol live quote pollers running",
		})

	// API metrics
	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "API request duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)
	APIRequestTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total API requests",
		},
		[]string{"method", "endpoint", "status"},
	)
	ActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "system_active_connections",
			Help: "Number of open WebSocket connections",
		})

	// Redis metrics
	RedisOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "redis_operation_duration_seconds",
			Help:    "Redis operation duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "status"},
	)
	RedisErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redis_errors_total",
			Help: "Total Redis errors",
		},
		[]string{"operation"},
	)

	// Database metrics
	DatabaseHealthCheckDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "database_health_check_duration_seconds",
			Help:    "Database health check duration",
			Buckets: prometheus.DefBuckets,
		})
	DatabaseHealthCheckErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "database_health_check_errors_total",
			Help: "Total database health check errors",
		})
	DatabaseOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "database_operation_duration_seconds",
			Help:    "Database operation duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "status"},
	)
	DatabaseErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "database_errors_total",
			Help: "Total database errors",
		},
		[]string{"operation"},
	)
)

func init() {
	// MustRegister panics if registration fails (e.g. duplicate)
	prometheus.MustRegister(
		UpstreamRequests, UpstreamLatency, UpstreamRateLimitNotes, UpstreamDroppedRows,
		CacheLookups,
		RefreshCycles, RefreshCycleDuration, RefreshSymbols,
		BroadcastSubscribers, BroadcastDeliveries, BroadcastFailures, ActivePollers,
		APIRequestDuration, APIRequestTotal, ActiveConnections,
		RedisOperationDuration, RedisErrors,
		DatabaseHealthCheckDuration, DatabaseHealthCheckErrors,
		DatabaseOperationDuration, DatabaseErrors,
	)
}

// Handler exposes the default registry for scraping.
func Handler() http.Handler {
	return promhttp.Handler()
}
