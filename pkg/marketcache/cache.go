// Package marketcache answers quote and history requests from the local
// store, fetching upstream on a miss and retrying once under a corrected
// symbol when the first fetch fails.
package marketcache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/alim08/quote_relay/pkg/metrics"
	"github.com/alim08/quote_relay/pkg/models"
)

// Gateway is the upstream data source.
type Gateway interface {
	LiveQuote(ctx context.Context, symbol string) (models.Quote, error)
	History(ctx context.Context, symbol string, window models.Window) ([]models.Bar, error)
	HistoryRange(ctx context.Context, symbol string, start, end time.Time) ([]models.Bar, error)
}

// Resolver corrects a possibly wrong symbol.
type Resolver interface {
	Resolve(ctx context.Context, text string) (string, error)
}

// Store is the durable side of the cache.
type Store interface {
	UpsertBars(ctx context.Context, symbol string, bars []models.Bar) error
	UpsertQuote(ctx context.Context, quote models.Quote) error
	ReadBars(ctx context.Context, symbol string, start, end *time.Time) ([]models.Bar, error)
	ReadQuote(ctx context.Context, symbol string) (*models.Quote, error)
	LatestBar(ctx context.Context, symbol string) (*models.Bar, error)
}

// History is a store-backed bar sequence. Symbol is the one the bars are
// stored under, which may be a corrected form of the request.
type History struct {
	Symbol string       `json:"symbol"`
	Bars   []models.Bar `json:"data"`
}

// fetchTimeout bounds one shared upstream fetch, including the corrected
// retry and the store writes.
const fetchTimeout = time.Minute

type Cache struct {
	store    Store
	gateway  Gateway
	resolver Resolver

	window   models.Window
	location *time.Location
	now      func() time.Time
	log      *zap.Logger

	flight singleflight.Group
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithLocation sets the market timezone used to decide what "today" is.
func WithLocation(loc *time.Location) Option {
	return func(c *Cache) {
		if loc != nil {
			c.location = loc
		}
	}
}

// WithDefaultWindow sets the window fetched for unbounded history requests.
func WithDefaultWindow(w models.Window) Option {
	return func(c *Cache) { c.window = w }
}

func WithLogger(log *zap.Logger) Option {
	return func(c *Cache) { c.log = log }
}

func New(store Store, gateway Gateway, resolver Resolver, opts ...Option) *Cache {
	c := &Cache{
		store:    store,
		gateway:  gateway,
		resolver: resolver,
		window:   models.WindowCompact,
		location: time.UTC,
		now:      time.Now,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetQuote serves the stored quote, or fetches, stores and returns it.
func (c *Cache) GetQuote(ctx context.Context, symbol string) (models.Quote, error) {
	symbol = normalize(symbol)

	stored, err := c.store.ReadQuote(ctx, symbol)
	if err != nil {
		c.log.Warn("quote read failed, treating as miss", zap.String("symbol", symbol), zap.Error(err))
	} else if stored != nil {
		metrics.CacheLookups.WithLabelValues("quote", "hit").Inc()
		return *stored, nil
	}

	v, err := c.shared(ctx, "quote:"+symbol, func(fctx context.Context) (interface{}, error) {
		return c.fetchQuote(fctx, symbol)
	})
	if err != nil {
		return models.Quote{}, err
	}
	return v.(models.Quote), nil
}

func (c *Cache) fetchQuote(ctx context.Context, symbol string) (models.Quote, error) {
	q, err := c.gateway.LiveQuote(ctx, symbol)
	if err == nil {
		if err := c.store.UpsertQuote(ctx, q); err != nil {
			return models.Quote{}, err
		}
		metrics.CacheLookups.WithLabelValues("quote", "fetched").Inc()
		return q, nil
	}
	c.log.Info("quote fetch failed, attempting symbol correction", zap.String("symbol", symbol), zap.Error(err))

	corrected, resolved := c.correct(ctx, symbol)
	if corrected != "" {
		q, retryErr := c.gateway.LiveQuote(ctx, corrected)
		if retryErr == nil {
			q.Symbol = corrected
			if err := c.store.UpsertQuote(ctx, q); err != nil {
				return models.Quote{}, err
			}
			metrics.CacheLookups.WithLabelValues("quote", "corrected").Inc()
			c.log.Info("quote served under corrected symbol", zap.String("symbol", symbol), zap.String("corrected", corrected))
			return q, nil
		}
		err = retryErr
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return models.Quote{}, ctxErr
	}
	metrics.CacheLookups.WithLabelValues("quote", "not_found").Inc()
	return models.Quote{}, &NotFoundError{Symbol: symbol, Suggestion: corrected, Resolved: resolved, Cause: err}
}

// GetHistory serves stored bars in [start, end] (nil bounds are open). On an
// empty range it fetches, writes through and re-reads, so every result comes
// from the store.
func (c *Cache) GetHistory(ctx context.Context, symbol string, start, end *time.Time) (*History, error) {
	symbol = normalize(symbol)

	bars, err := c.store.ReadBars(ctx, symbol, start, end)
	if err != nil {
		c.log.Warn("bar read failed, treating as miss", zap.String("symbol", symbol), zap.Error(err))
	} else if len(bars) > 0 {
		metrics.CacheLookups.WithLabelValues("history", "hit").Inc()
		return &History{Symbol: symbol, Bars: bars}, nil
	}

	key := fmt.Sprintf("history:%s:%s:%s", symbol, boundKey(start), boundKey(end))
	v, err := c.shared(ctx, key, func(fctx context.Context) (interface{}, error) {
		return c.fetchHistory(fctx, symbol, start, end)
	})
	if err != nil {
		return nil, err
	}
	return v.(*History), nil
}

// shared runs fn once per key for all concurrent callers. fn runs detached
// from any single caller's cancellation, bounded by fetchTimeout; each caller
// still stops waiting when its own ctx is done.
func (c *Cache) shared(ctx context.Context, key string, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	ch := c.flight.DoChan(key, func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fetchTimeout)
		defer cancel()
		return fn(fctx)
	})
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Cache) fetchHistory(ctx context.Context, symbol string, start, end *time.Time) (*History, error) {
	result := "fetched"
	target := symbol

	bars, err := c.fetchBars(ctx, symbol, start, end)
	var corrected string
	resolved := true
	if err != nil || len(bars) == 0 {
		c.log.Info("history fetch failed, attempting symbol correction", zap.String("symbol", symbol), zap.Error(err))
		corrected, resolved = c.correct(ctx, symbol)
		if corrected != "" {
			retry, retryErr := c.fetchBars(ctx, corrected, start, end)
			if retryErr == nil && len(retry) > 0 {
				bars, err = retry, nil
				target = corrected
				result = "corrected"
			} else {
				err = retryErr
			}
		}
	}

	if err == nil && len(bars) > 0 {
		for i := range bars {
			bars[i].Symbol = target
		}
		if err := c.store.UpsertBars(ctx, target, bars); err != nil {
			return nil, err
		}
	}

	stored, readErr := c.store.ReadBars(ctx, target, start, end)
	if readErr != nil {
		return nil, fmt.Errorf("read back %s: %w", target, readErr)
	}
	if len(stored) == 0 {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		metrics.CacheLookups.WithLabelValues("history", "not_found").Inc()
		return nil, &NotFoundError{Symbol: symbol, Suggestion: corrected, Resolved: resolved, Cause: err}
	}

	metrics.CacheLookups.WithLabelValues("history", result).Inc()
	return &History{Symbol: target, Bars: stored}, nil
}

func (c *Cache) fetchBars(ctx context.Context, symbol string, start, end *time.Time) ([]models.Bar, error) {
	if start != nil && end != nil {
		return c.gateway.HistoryRange(ctx, symbol, *start, *end)
	}
	return c.gateway.History(ctx, symbol, c.window)
}

// correct asks the resolver for a different symbol. It returns "" when there
// is nothing new to try; resolved reports whether search produced a match.
func (c *Cache) correct(ctx context.Context, symbol string) (corrected string, resolved bool) {
	if c.resolver == nil {
		return "", false
	}
	sym, err := c.resolver.Resolve(ctx, symbol)
	if err != nil {
		c.log.Info("symbol correction failed", zap.String("symbol", symbol), zap.Error(err))
		return "", false
	}
	sym = normalize(sym)
	if sym == "" {
		return "", false
	}
	if sym == symbol {
		return "", true
	}
	return sym, true
}

// NeedsBackfill reports whether symbol lacks a bar dated today in the market
// timezone. Any read failure counts as needing a backfill.
func (c *Cache) NeedsBackfill(ctx context.Context, symbol string) bool {
	latest, err := c.store.LatestBar(ctx, normalize(symbol))
	if err != nil {
		c.log.Warn("latest bar read failed, assuming backfill needed", zap.String("symbol", symbol), zap.Error(err))
		return true
	}
	if latest == nil {
		return true
	}
	today := c.now().In(c.location).Format("2006-01-02")
	// daily bars are stamped at UTC midnight of their trading day
	return latest.Date(time.UTC) != today
}

// RefreshQuote always fetches, stores and returns the live quote.
func (c *Cache) RefreshQuote(ctx context.Context, symbol string) (models.Quote, error) {
	symbol = normalize(symbol)
	q, err := c.gateway.LiveQuote(ctx, symbol)
	if err != nil {
		return models.Quote{}, err
	}
	if err := c.store.UpsertQuote(ctx, q); err != nil {
		return models.Quote{}, err
	}
	return q, nil
}

// Backfill fetches window worth of bars and writes them through. It returns
// the number of bars written.
func (c *Cache) Backfill(ctx context.Context, symbol string, window models.Window) (int, error) {
	symbol = normalize(symbol)
	bars, err := c.gateway.History(ctx, symbol, window)
	if err != nil {
		return 0, err
	}
	if err := c.store.UpsertBars(ctx, symbol, bars); err != nil {
		return 0, err
	}
	return len(bars), nil
}

func normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

func boundKey(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
