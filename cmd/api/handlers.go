package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/alim08/quote_relay/pkg/marketcache"
	"github.com/alim08/quote_relay/pkg/models"
	"github.com/alim08/quote_relay/pkg/validation"
)

const (
	serviceName    = "Stock Market API"
	serviceVersion = "1.0.0"
	probeSymbol    = "IBM"
	dateLayout     = "2006-01-02"
)

// Response represents a standard API error response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// StockResponse is the latest price for one symbol.
type StockResponse struct {
	Symbol        string  `json:"symbol"`
	Price         float64 `json:"price"`
	ChangePercent float64 `json:"change_percent"`
	Volume        int64   `json:"volume"`
	LastUpdated   string  `json:"last_updated"`
}

// BarResponse is one row of /stocks/{symbol}/history.
type BarResponse struct {
	Timestamp string  `json:"timestamp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    int64   `json:"volume"`
}

type HistoryResponse struct {
	Symbol string        `json:"symbol"`
	Data   []BarResponse `json:"data"`
}

func newStockResponse(q models.Quote) StockResponse {
	return StockResponse{
		Symbol:        q.Symbol,
		Price:         q.Price,
		ChangePercent: q.ChangePercent,
		Volume:        q.Volume,
		LastUpdated:   q.ObservedAt.UTC().Format(time.RFC3339),
	}
}

func newBarResponse(b models.Bar) BarResponse {
	return BarResponse{
		Timestamp: b.Timestamp.UTC().Format(time.RFC3339),
		Open:      b.Open,
		High:      b.High,
		Low:       b.Low,
		Close:     b.Close,
		Volume:    b.Volume,
	}
}

// writeJSON writes a JSON response with proper headers
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error("JSON encoding error", zap.Error(err))
	}
}

// writeError writes an error response
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, Response{
		Success: false,
		Error:   message,
	})
}

// writeLookupError maps cache errors to status codes.
func (s *Server) writeLookupError(w http.ResponseWriter, op, symbol string, err error) {
	var nf *marketcache.NotFoundError
	if errors.As(err, &nf) {
		if nf.Cause != nil {
			s.log.Info("lookup not found", zap.String("op", op), zap.String("symbol", symbol), zap.Error(nf.Cause))
		}
		s.writeError(w, http.StatusNotFound, nf.Message())
		return
	}
	s.log.Error("lookup failed", zap.String("op", op), zap.String("symbol", symbol), zap.Error(err))
	s.writeError(w, http.StatusInternalServerError, fmt.Sprintf("Error fetching %s: %v", op, err))
}

// symbolParam reads and validates the {symbol} route variable.
func symbolParam(r *http.Request) (string, bool) {
	symbol := validation.NormalizeSymbol(mux.Vars(r)["symbol"])
	return symbol, validation.IsSymbol(symbol)
}

func (s *Server) rootHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"message": serviceName,
		"version": serviceVersion,
	})
}

// healthHandler returns dependency health
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string, len(s.health))
	healthy := true
	for name, hc := range s.health {
		if err := hc.HealthCheck(ctx); err != nil {
			s.log.Warn("health check failed", zap.String("dependency", name), zap.Error(err))
			checks[name] = "unhealthy"
			healthy = false
			continue
		}
		checks[name] = "healthy"
	}

	status := http.StatusOK
	overall := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		overall = "unhealthy"
	}
	body := map[string]interface{}{
		"status":    overall,
		"checks":    checks,
		"timestamp": s.now().Unix(),
		"version":   serviceVersion,
	}
	if s.schemaSrc != nil {
		if v, err := s.schemaSrc.SchemaVersion(ctx); err != nil {
			s.log.Warn("schema version lookup failed", zap.Error(err))
		} else {
			body["schema_version"] = v
		}
	}
	s.writeJSON(w, status, body)
}

func (s *Server) getStockHandler(w http.ResponseWriter, r *http.Request) {
	symbol, ok := symbolParam(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "Invalid symbol: "+mux.Vars(r)["symbol"])
		return
	}

	q, err := s.data.GetQuote(r.Context(), symbol)
	if err != nil {
		s.writeLookupError(w, "stock data", symbol, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newStockResponse(q))
}

func (s *Server) getHistoryHandler(w http.ResponseWriter, r *http.Request) {
	symbol, ok := symbolParam(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "Invalid symbol: "+mux.Vars(r)["symbol"])
		return
	}

	start, err := parseDateParam(r, "start_date")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	end, err := parseDateParam(r, "end_date")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if start != nil && end != nil && end.Before(*start) {
		s.writeError(w, http.StatusBadRequest, "end_date must not be before start_date")
		return
	}

	hist, err := s.data.GetHistory(r.Context(), symbol, start, end)
	if err != nil {
		s.writeLookupError(w, "historic data", symbol, err)
		return
	}

	resp := HistoryResponse{Symbol: hist.Symbol, Data: make([]BarResponse, 0, len(hist.Bars))}
	for _, b := range hist.Bars {
		resp.Data = append(resp.Data, newBarResponse(b))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// parseDateParam reads an optional YYYY-MM-DD query parameter as UTC midnight.
func parseDateParam(r *http.Request, name string) (*time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, nil
	}
	t, err := time.ParseInLocation(dateLayout, raw, time.UTC)
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q, expected YYYY-MM-DD", name, raw)
	}
	return &t, nil
}

func (s *Server) listStocksHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	symbols, err := s.catalog.ListSymbols(ctx)
	if err != nil {
		s.log.Error("failed to list symbols", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "Failed to retrieve symbols")
		return
	}
	if symbols == nil {
		symbols = []string{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"available_stocks": symbols})
}

func (s *Server) marketStatusHandler(w http.ResponseWriter, r *http.Request) {
	now := s.now()
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"market_open":    s.cfg.Session.IsOpen(now),
		"data_available": true,
		"current_time":   now.In(s.cfg.Session.Location).Format(time.RFC3339),
		"timezone":       "IST",
		"note":           "Latest available data can be fetched anytime, even when market is closed",
	})
}

func (s *Server) systemStatusHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	watchlist := s.watch.Watchlist()
	last, lastAt := s.watch.LastCycle()

	background := map[string]interface{}{
		"active":                  s.watch.Running(),
		"update_interval_minutes": s.watch.Interval().Minutes(),
		"symbols_per_cycle":       len(watchlist),
	}
	if !lastAt.IsZero() {
		background["last_cycle"] = map[string]interface{}{
			"finished_at":      lastAt.UTC().Format(time.RFC3339),
			"updated":          last.Updated,
			"backfilled":       last.Backfilled,
			"failed":           last.Failed,
			"duration_seconds": last.Duration.Seconds(),
		}
	}

	dataStatus := make(map[string]interface{}, len(watchlist))
	for _, symbol := range watchlist {
		dataStatus[symbol] = s.symbolStatus(ctx, symbol)
	}

	live := s.feeds.Symbols()
	if live == nil {
		live = []string{}
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data_source":             "Alpha Vantage API",
		"popular_symbols_tracked": watchlist,
		"background_task":         background,
		"api_limits": map[string]string{
			"alpha_vantage_free_tier": "25 calls/day, 5 calls/minute",
		},
		"data_status": dataStatus,
		"live_feeds": map[string]interface{}{
			"symbols":        live,
			"active_pollers": s.feeds.Active(),
		},
	})
}

func (s *Server) symbolStatus(ctx context.Context, symbol string) map[string]interface{} {
	q, err := s.catalog.ReadQuote(ctx, symbol)
	if err != nil {
		return map[string]interface{}{"error": err.Error()}
	}
	if q == nil {
		return map[string]interface{}{"status": "no_data"}
	}
	count, err := s.catalog.CountBars(ctx, symbol)
	if err != nil {
		return map[string]interface{}{"error": err.Error()}
	}
	hours := s.now().Sub(q.ObservedAt).Hours()
	status := map[string]interface{}{
		"price":                  q.Price,
		"last_updated_hours_ago": math.Round(hours*10) / 10,
		"historic_records":       count,
	}
	if s.snapshots != nil {
		snap, err := s.snapshots.Snapshot(ctx, symbol)
		switch {
		case err != nil:
			s.log.Warn("snapshot read failed", zap.String("symbol", symbol), zap.Error(err))
		case snap != nil:
			status["last_published"] = map[string]interface{}{
				"price":        snap.Price,
				"published_at": snap.ObservedAt.UTC().Format(time.RFC3339),
			}
		}
	}
	return status
}

// apiTestHandler probes the upstream provider directly, bypassing the store.
func (s *Server) apiTestHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	result := map[string]interface{}{
		"api_key_configured": s.cfg.APIKey != "",
		"api_key_length":     len(s.cfg.APIKey),
		"test_symbol":        probeSymbol,
	}

	q, err := s.probe.LiveQuote(ctx, probeSymbol)
	if err != nil {
		s.log.Warn("live price probe failed", zap.Error(err))
		result["live_price_test"] = "Failed"
		result["live_price_error"] = err.Error()
	} else {
		result["live_price_test"] = "Success"
		result["sample_price"] = q.Price
	}

	bars, err := s.probe.History(ctx, probeSymbol, models.WindowCompact)
	if err != nil {
		s.log.Warn("history probe failed", zap.Error(err))
		result["historical_data_test"] = "Failed"
		result["historical_data_error"] = err.Error()
	} else {
		result["historical_data_test"] = "Success"
		result["sample_records"] = len(bars)
	}

	result["timestamp"] = s.now().UTC().Format(time.RFC3339)
	s.writeJSON(w, http.StatusOK, result)
}
