// Package feed runs one live-quote poller per symbol that has subscribers and
// pushes each result through the broadcaster.
package feed

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/alim08/quote_relay/pkg/broadcaster"
	"github.com/alim08/quote_relay/pkg/metrics"
	"github.com/alim08/quote_relay/pkg/models"
)

// QuoteSource fetches a fresh quote, storing it as a side effect.
type QuoteSource interface {
	RefreshQuote(ctx context.Context, symbol string) (models.Quote, error)
}

// LiveUpdate is the payload pushed to live subscribers.
type LiveUpdate struct {
	Symbol        string  `json:"symbol"`
	Price         float64 `json:"price"`
	ChangePercent float64 `json:"change_percent"`
	Volume        int64   `json:"volume"`
	LastUpdated   string  `json:"last_updated"`
}

// ErrorUpdate is pushed when a poll fails.
type ErrorUpdate struct {
	Error string `json:"error"`
}

func NewLiveUpdate(q models.Quote) LiveUpdate {
	return LiveUpdate{
		Symbol:        q.Symbol,
		Price:         q.Price,
		ChangePercent: q.ChangePercent,
		Volume:        q.Volume,
		LastUpdated:   q.ObservedAt.UTC().Format(time.RFC3339),
	}
}

type Manager struct {
	source   QuoteSource
	bc       *broadcaster.Broadcaster
	interval time.Duration
	log      *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pollers map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// DefaultInterval is used when NewManager gets a non-positive interval.
const DefaultInterval = 10 * time.Second

func NewManager(ctx context.Context, source QuoteSource, bc *broadcaster.Broadcaster, interval time.Duration, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Manager{
		source:   source,
		bc:       bc,
		interval: interval,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
		pollers:  make(map[string]context.CancelFunc),
	}
}

// Join subscribes sub to symbol and starts the symbol's poller if none runs.
func (m *Manager) Join(symbol string, sub broadcaster.Subscriber) {
	m.bc.Subscribe(symbol, sub)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx.Err() != nil {
		return
	}
	if _, running := m.pollers[symbol]; running {
		return
	}
	pctx, cancel := context.WithCancel(m.ctx)
	m.pollers[symbol] = cancel
	metrics.ActivePollers.Inc()
	m.wg.Add(1)
	go m.poll(pctx, symbol)
	m.log.Info("poller started", zap.String("symbol", symbol))
}

// Leave unsubscribes sub. The poller stops once the group is empty.
func (m *Manager) Leave(symbol string, sub broadcaster.Subscriber) {
	m.bc.Unsubscribe(symbol, sub)
	m.StopIfIdle(symbol)
}

// StopIfIdle cancels symbol's poller when it has no subscribers left.
// Install it as the broadcaster's empty-group hook.
func (m *Manager) StopIfIdle(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopLocked(symbol)
}

func (m *Manager) stopLocked(symbol string) bool {
	if m.bc.Count(symbol) > 0 {
		return false
	}
	cancel, ok := m.pollers[symbol]
	if !ok {
		return true
	}
	cancel()
	delete(m.pollers, symbol)
	metrics.ActivePollers.Dec()
	m.log.Info("poller stopped", zap.String("symbol", symbol))
	return true
}

// Active returns the number of running pollers.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pollers)
}

// Symbols lists symbols with live subscribers.
func (m *Manager) Symbols() []string {
	return m.bc.Symbols()
}

// Close stops every poller and waits for them to exit.
func (m *Manager) Close() {
	m.cancel()
	m.mu.Lock()
	for symbol, cancel := range m.pollers {
		cancel()
		delete(m.pollers, symbol)
		metrics.ActivePollers.Dec()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Manager) poll(ctx context.Context, symbol string) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		m.pushOnce(ctx, symbol)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		m.mu.Lock()
		idle := m.stopLocked(symbol)
		m.mu.Unlock()
		if idle {
			return
		}
	}
}

func (m *Manager) pushOnce(ctx context.Context, symbol string) {
	var payload interface{}
	q, err := m.source.RefreshQuote(ctx, symbol)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.log.Warn("live poll failed", zap.String("symbol", symbol), zap.Error(err))
		payload = ErrorUpdate{Error: "No data for " + symbol}
	} else {
		payload = NewLiveUpdate(q)
	}
	if _, err := m.bc.PublishJSON(ctx, symbol, payload); err != nil {
		m.log.Error("encode live update", zap.String("symbol", symbol), zap.Error(err))
	}
}
