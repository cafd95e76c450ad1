// Package refresher keeps the watch-list warm: every cycle it refreshes each
// symbol's quote, publishes it, and backfills daily bars when today's bar is
// missing.
package refresher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/alim08/quote_relay/pkg/metrics"
	"github.com/alim08/quote_relay/pkg/models"
)

// Cache is the subset of the market cache the refresher drives.
type Cache interface {
	NeedsBackfill(ctx context.Context, symbol string) bool
	RefreshQuote(ctx context.Context, symbol string) (models.Quote, error)
	Backfill(ctx context.Context, symbol string, window models.Window) (int, error)
}

// Publisher forwards a freshly fetched quote to live subscribers.
type Publisher interface {
	PublishQuote(ctx context.Context, q models.Quote) error
}

type Config struct {
	Watchlist   []string
	Interval    time.Duration
	SymbolPause time.Duration
	Window      models.Window
}

// CycleStats summarises one pass over the watch-list.
type CycleStats struct {
	Updated    int           `json:"updated"`
	Backfilled int           `json:"backfilled"`
	Failed     int           `json:"failed"`
	Duration   time.Duration `json:"duration"`
}

type Refresher struct {
	cache     Cache
	publisher Publisher
	cfg       Config
	log       *zap.Logger

	mu        sync.RWMutex
	running   bool
	last      CycleStats
	lastEnded time.Time
}

// New builds a Refresher. publisher may be nil.
func New(cache Cache, publisher Publisher, cfg Config, log *zap.Logger) *Refresher {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Window == "" {
		cfg.Window = models.WindowCompact
	}
	return &Refresher{cache: cache, publisher: publisher, cfg: cfg, log: log}
}

// Watchlist returns a copy of the configured symbols.
func (r *Refresher) Watchlist() []string {
	return append([]string(nil), r.cfg.Watchlist...)
}

func (r *Refresher) Interval() time.Duration { return r.cfg.Interval }

// Running reports whether Run is active.
func (r *Refresher) Running() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running
}

// LastCycle returns the most recent cycle summary and when it finished.
// The time is zero before the first cycle completes.
func (r *Refresher) LastCycle() (CycleStats, time.Time) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last, r.lastEnded
}

// Run executes cycles until ctx is cancelled.
func (r *Refresher) Run(ctx context.Context) error {
	r.setRunning(true)
	defer r.setRunning(false)

	r.log.Info("refresher started",
		zap.Strings("watchlist", r.cfg.Watchlist),
		zap.Duration("interval", r.cfg.Interval))

	for {
		r.RunCycle(ctx)

		select {
		case <-ctx.Done():
			r.log.Info("refresher stopped")
			return ctx.Err()
		case <-time.After(r.cfg.Interval):
		}
	}
}

func (r *Refresher) setRunning(v bool) {
	r.mu.Lock()
	r.running = v
	r.mu.Unlock()
}

// RunCycle processes every watch-list symbol once. A failure or panic on one
// symbol is counted and the cycle moves on.
func (r *Refresher) RunCycle(ctx context.Context) CycleStats {
	start := time.Now()
	var stats CycleStats

	for i, symbol := range r.cfg.Watchlist {
		if ctx.Err() != nil {
			break
		}
		if i > 0 && r.cfg.SymbolPause > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(r.cfg.SymbolPause):
			}
			if ctx.Err() != nil {
				break
			}
		}

		updated, backfilled, err := r.processSymbol(ctx, symbol)
		if updated {
			stats.Updated++
		}
		if backfilled {
			stats.Backfilled++
		}
		if err != nil {
			stats.Failed++
			metrics.RefreshSymbols.WithLabelValues("failed").Inc()
			r.log.Warn("symbol refresh failed", zap.String("symbol", symbol), zap.Error(err))
		} else {
			metrics.RefreshSymbols.WithLabelValues("ok").Inc()
		}
	}

	stats.Duration = time.Since(start)
	metrics.RefreshCycles.Inc()
	metrics.RefreshCycleDuration.Observe(stats.Duration.Seconds())

	r.mu.Lock()
	r.last = stats
	r.lastEnded = time.Now()
	r.mu.Unlock()

	r.log.Info("refresh cycle complete",
		zap.Int("updated", stats.Updated),
		zap.Int("backfilled", stats.Backfilled),
		zap.Int("failed", stats.Failed),
		zap.Duration("duration", stats.Duration))
	return stats
}

func (r *Refresher) processSymbol(ctx context.Context, symbol string) (updated, backfilled bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic refreshing %s: %v", symbol, p)
		}
	}()

	needsBackfill := r.cache.NeedsBackfill(ctx, symbol)

	var errs []error
	q, qerr := r.cache.RefreshQuote(ctx, symbol)
	if qerr != nil {
		errs = append(errs, fmt.Errorf("quote: %w", qerr))
	} else {
		updated = true
		if r.publisher != nil {
			if perr := r.publisher.PublishQuote(ctx, q); perr != nil {
				r.log.Warn("quote publish failed", zap.String("symbol", symbol), zap.Error(perr))
			}
		}
	}

	if needsBackfill {
		n, berr := r.cache.Backfill(ctx, symbol, r.cfg.Window)
		if berr != nil {
			errs = append(errs, fmt.Errorf("backfill: %w", berr))
		} else {
			backfilled = true
			r.log.Debug("backfilled", zap.String("symbol", symbol), zap.Int("bars", n))
		}
	}

	return updated, backfilled, errors.Join(errs...)
}
