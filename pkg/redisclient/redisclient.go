package redisclient

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/alim08/quote_relay/pkg/metrics"
)

var (
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
)

const (
	breakerThreshold = 5
	breakerCooldown  = 30 * time.Second

	stateClosed   int32 = 0
	stateOpen     int32 = 1
	stateHalfOpen int32 = 2
)

type Client struct {
	rdb *redis.Client
	log *zap.Logger

	opTimeout time.Duration

	// Circuit breaker state
	failureCount int64
	lastFailure  int64
	state        int32
}

// New parses redisURL and constructs a pooled Client.
func New(redisURL string, log *zap.Logger) (*Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	opt.PoolSize = 20
	opt.MinIdleConns = 2
	opt.MaxRetries = 3
	opt.DialTimeout = 5 * time.Second
	opt.ReadTimeout = 3 * time.Second
	opt.WriteTimeout = 3 * time.Second
	opt.IdleTimeout = 5 * time.Minute
	return NewFromClient(redis.NewClient(opt), log), nil
}

// NewFromClient wraps an existing go-redis client.
func NewFromClient(rdb *redis.Client, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{rdb: rdb, log: log, opTimeout: 500 * time.Millisecond}
}

// withMetrics wraps operations with metrics collection
func (c *Client) withMetrics(operation string, fn func() error) error {
	start := time.Now()
	err := fn()
	metrics.RedisOperationDuration.WithLabelValues(operation, getStatus(err)).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.RedisErrors.WithLabelValues(operation).Inc()
	}
	return err
}

func getStatus(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// allow reports whether a call may proceed. An open breaker lets one probe
// through once the cooldown has passed.
func (c *Client) allow() bool {
	if atomic.LoadInt32(&c.state) != stateOpen {
		return true
	}
	since := time.Since(time.Unix(atomic.LoadInt64(&c.lastFailure), 0))
	if since < breakerCooldown {
		return false
	}
	return atomic.CompareAndSwapInt32(&c.state, stateOpen, stateHalfOpen)
}

func (c *Client) record(err error) {
	if err != nil {
		atomic.StoreInt64(&c.lastFailure, time.Now().Unix())
		if atomic.AddInt64(&c.failureCount, 1) >= breakerThreshold || atomic.LoadInt32(&c.state) == stateHalfOpen {
			if atomic.SwapInt32(&c.state, stateOpen) != stateOpen {
				c.log.Warn("circuit breaker opened", zap.String("operation", "redis"), zap.Error(err))
			}
		}
		return
	}
	atomic.StoreInt64(&c.failureCount, 0)
	if atomic.SwapInt32(&c.state, stateClosed) != stateClosed {
		c.log.Info("circuit breaker closed", zap.String("operation", "redis"))
	}
}

// Open reports whether the breaker is currently rejecting calls.
func (c *Client) Open() bool {
	return atomic.LoadInt32(&c.state) == stateOpen
}

// SetAndPublish writes fields (alternating field/value pairs) to key and
// publishes msg on channel in one pipeline, retried as a unit.
func (c *Client) SetAndPublish(ctx context.Context, key string, fields []interface{}, channel string, msg interface{}) error {
	return c.withMetrics("set_publish", func() error {
		if !c.allow() {
			return ErrCircuitBreakerOpen
		}
		op := func() error {
			ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
			defer cancel()
			_, err := c.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, key, fields...)
				pipe.Publish(ctx, channel, msg)
				return nil
			})
			c.record(err)
			return err
		}
		return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx))
	})
}

// HGetAll retrieves all fields from a hash. A missing key yields an empty map.
func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	var out map[string]string
	err := c.withMetrics("hgetall", func() error {
		if !c.allow() {
			return ErrCircuitBreakerOpen
		}
		ctx, cancel := context.WithTimeout(ctx, c.opTimeout)
		defer cancel()
		var err error
		out, err = c.rdb.HGetAll(ctx, key).Result()
		c.record(err)
		return err
	})
	return out, err
}

// PSubscribe creates a pattern subscription.
func (c *Client) PSubscribe(ctx context.Context, patterns ...string) *redis.PubSub {
	return c.rdb.PSubscribe(ctx, patterns...)
}

// Ping checks connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return c.withMetrics("ping", func() error {
		return c.rdb.Ping(ctx).Err()
	})
}

// HealthCheck fails while the breaker is open, otherwise pings.
func (c *Client) HealthCheck(ctx context.Context) error {
	if c.Open() {
		return ErrCircuitBreakerOpen
	}
	return c.Ping(ctx)
}

// Close closes the underlying connection pool
func (c *Client) Close() error {
	return c.rdb.Close()
}
