// Package fanout moves fresh quotes to live subscribers, either directly
// through the in-process broadcaster or across processes through Redis.
package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/alim08/quote_relay/pkg/broadcaster"
	"github.com/alim08/quote_relay/pkg/feed"
	"github.com/alim08/quote_relay/pkg/models"
)

const (
	LatestKeyPrefix = "quotes:latest:"
	ChannelPrefix   = "quotes:live:"
	ChannelPattern  = ChannelPrefix + "*"
)

func LatestKey(symbol string) string { return LatestKeyPrefix + symbol }

func Channel(symbol string) string { return ChannelPrefix + symbol }

// Local publishes straight into an in-process broadcaster.
type Local struct {
	bc *broadcaster.Broadcaster
}

func NewLocal(bc *broadcaster.Broadcaster) *Local {
	return &Local{bc: bc}
}

func (l *Local) PublishQuote(ctx context.Context, q models.Quote) error {
	_, err := l.bc.PublishJSON(ctx, q.Symbol, feed.NewLiveUpdate(q))
	return err
}

// Conn is the Redis surface the publisher needs.
type Conn interface {
	SetAndPublish(ctx context.Context, key string, fields []interface{}, channel string, msg interface{}) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
}

// RedisPublisher stores each quote in a per-symbol hash and announces it on
// the symbol's channel.
type RedisPublisher struct {
	conn Conn
	log  *zap.Logger
}

func NewRedisPublisher(conn Conn, log *zap.Logger) *RedisPublisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisPublisher{conn: conn, log: log}
}

func (p *RedisPublisher) PublishQuote(ctx context.Context, q models.Quote) error {
	if err := q.Validate(); err != nil {
		return fmt.Errorf("refusing to publish invalid quote: %w", err)
	}
	payload, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("marshal quote: %w", err)
	}
	if err := p.conn.SetAndPublish(ctx, LatestKey(q.Symbol), fieldPairs(q), Channel(q.Symbol), payload); err != nil {
		return fmt.Errorf("publish %s: %w", q.Symbol, err)
	}
	return nil
}

// Snapshot returns the last published quote for symbol, or nil if none.
func (p *RedisPublisher) Snapshot(ctx context.Context, symbol string) (*models.Quote, error) {
	fields, err := p.conn.HGetAll(ctx, LatestKey(symbol))
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	q, err := models.QuoteFromMap(fields)
	if err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", symbol, err)
	}
	return &q, nil
}

// fieldPairs flattens a quote into field/value pairs in a stable order.
func fieldPairs(q models.Quote) []interface{} {
	m := q.ToMap()
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]interface{}, 0, 2*len(keys))
	for _, k := range keys {
		out = append(out, k, m[k])
	}
	return out
}

// PatternSubscriber opens a Redis pattern subscription.
type PatternSubscriber interface {
	PSubscribe(ctx context.Context, patterns ...string) *redis.PubSub
}

// Bridge relays quotes published by other processes into the local
// broadcaster.
type Bridge struct {
	sub PatternSubscriber
	bc  *broadcaster.Broadcaster
	log *zap.Logger
}

func NewBridge(sub PatternSubscriber, bc *broadcaster.Broadcaster, log *zap.Logger) *Bridge {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bridge{sub: sub, bc: bc, log: log}
}

// Run subscribes to every quote channel and relays until ctx is done.
func (b *Bridge) Run(ctx context.Context) error {
	ps := b.sub.PSubscribe(ctx, ChannelPattern)
	defer ps.Close()

	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", ChannelPattern, err)
	}
	b.log.Info("redis bridge subscribed", zap.String("pattern", ChannelPattern))
	return b.consume(ctx, ps.Channel())
}

func (b *Bridge) consume(ctx context.Context, msgs <-chan *redis.Message) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("redis subscription closed")
			}
			if err := b.relay(ctx, msg); err != nil {
				b.log.Warn("dropping bridged message", zap.String("channel", msg.Channel), zap.Error(err))
			}
		}
	}
}

func (b *Bridge) relay(ctx context.Context, msg *redis.Message) error {
	symbol := strings.TrimPrefix(msg.Channel, ChannelPrefix)
	if symbol == "" || symbol == msg.Channel {
		return fmt.Errorf("unexpected channel %q", msg.Channel)
	}
	if b.bc.Count(symbol) == 0 {
		return nil
	}
	var q models.Quote
	if err := json.Unmarshal([]byte(msg.Payload), &q); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	if q.Symbol != symbol {
		return fmt.Errorf("payload symbol %q does not match channel", q.Symbol)
	}
	_, err := b.bc.PublishJSON(ctx, symbol, feed.NewLiveUpdate(q))
	return err
}
