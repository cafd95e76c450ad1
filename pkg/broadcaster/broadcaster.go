// Package broadcaster fans messages out to per-symbol groups of subscribers.
package broadcaster

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/alim08/quote_relay/pkg/metrics"
)

// Subscriber is one delivery endpoint, typically a WebSocket connection.
// Send must honour ctx.
type Subscriber interface {
	ID() string
	Send(ctx context.Context, msg []byte) error
}

const (
	DefaultSendTimeout = 5 * time.Second
	DefaultConcurrency = 64
)

type Broadcaster struct {
	mu     sync.RWMutex
	groups map[string]map[Subscriber]struct{}

	sendTimeout time.Duration
	concurrency int
	onEmpty     func(symbol string)
	log         *zap.Logger
}

// Option configures a Broadcaster.
type Option func(*Broadcaster)

// WithSendTimeout bounds each individual delivery. Non-positive values keep
// DefaultSendTimeout.
func WithSendTimeout(d time.Duration) Option {
	return func(b *Broadcaster) {
		if d > 0 {
			b.sendTimeout = d
		}
	}
}

// WithConcurrency caps in-flight deliveries per Publish. Non-positive values
// keep DefaultConcurrency.
func WithConcurrency(n int) Option {
	return func(b *Broadcaster) {
		if n > 0 {
			b.concurrency = n
		}
	}
}

// WithOnEmpty registers a hook run after a symbol's last subscriber leaves.
// It runs outside the registry lock.
func WithOnEmpty(fn func(symbol string)) Option {
	return func(b *Broadcaster) { b.onEmpty = fn }
}

func WithLogger(log *zap.Logger) Option {
	return func(b *Broadcaster) { b.log = log }
}

func New(opts ...Option) *Broadcaster {
	b := &Broadcaster{
		groups:      make(map[string]map[Subscriber]struct{}),
		sendTimeout: DefaultSendTimeout,
		concurrency: DefaultConcurrency,
		log:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe adds sub to symbol's group, creating the group if needed.
func (b *Broadcaster) Subscribe(symbol string, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	group, ok := b.groups[symbol]
	if !ok {
		group = make(map[Subscriber]struct{})
		b.groups[symbol] = group
	}
	if _, exists := group[sub]; exists {
		return
	}
	group[sub] = struct{}{}
	metrics.BroadcastSubscribers.Inc()
	b.log.Debug("subscriber joined", zap.String("symbol", symbol), zap.String("subscriber", sub.ID()), zap.Int("group_size", len(group)))
}

// Unsubscribe removes sub from symbol's group and drops the group once empty.
func (b *Broadcaster) Unsubscribe(symbol string, sub Subscriber) {
	if b.remove(symbol, sub) && b.onEmpty != nil {
		b.onEmpty(symbol)
	}
}

// remove reports whether the group became empty.
func (b *Broadcaster) remove(symbol string, sub Subscriber) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	group, ok := b.groups[symbol]
	if !ok {
		return false
	}
	if _, exists := group[sub]; !exists {
		return false
	}
	delete(group, sub)
	metrics.BroadcastSubscribers.Dec()
	b.log.Debug("subscriber left", zap.String("symbol", symbol), zap.String("subscriber", sub.ID()))

	if len(group) == 0 {
		delete(b.groups, symbol)
		return true
	}
	return false
}

// Publish delivers msg to every subscriber of symbol concurrently. A failed
// delivery removes that subscriber and does not affect the others. It
// returns the number of successful deliveries.
func (b *Broadcaster) Publish(ctx context.Context, symbol string, msg []byte) int {
	b.mu.RLock()
	group := b.groups[symbol]
	targets := make([]Subscriber, 0, len(group))
	for sub := range group {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	if len(targets) == 0 {
		return 0
	}

	var (
		delivered int64
		failedMu  sync.Mutex
		failed    []Subscriber
	)

	var g errgroup.Group
	g.SetLimit(b.concurrency)
	for _, sub := range targets {
		sub := sub
		g.Go(func() error {
			sendCtx, cancel := context.WithTimeout(ctx, b.sendTimeout)
			defer cancel()
			if err := sub.Send(sendCtx, msg); err != nil {
				b.log.Info("delivery failed, dropping subscriber",
					zap.String("symbol", symbol), zap.String("subscriber", sub.ID()), zap.Error(err))
				failedMu.Lock()
				failed = append(failed, sub)
				failedMu.Unlock()
				return nil
			}
			atomic.AddInt64(&delivered, 1)
			return nil
		})
	}
	_ = g.Wait()

	metrics.BroadcastDeliveries.Add(float64(delivered))
	metrics.BroadcastFailures.Add(float64(len(failed)))
	for _, sub := range failed {
		b.Unsubscribe(symbol, sub)
	}
	return int(delivered)
}

// PublishJSON marshals v and publishes it.
func (b *Broadcaster) PublishJSON(ctx context.Context, symbol string, v interface{}) (int, error) {
	msg, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("marshal %s payload: %w", symbol, err)
	}
	return b.Publish(ctx, symbol, msg), nil
}

// Count returns the number of subscribers for symbol.
func (b *Broadcaster) Count(symbol string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.groups[symbol])
}

// Symbols lists symbols with at least one subscriber, sorted.
func (b *Broadcaster) Symbols() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.groups))
	for sym := range b.groups {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}
