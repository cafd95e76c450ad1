// Package alphavantage is the upstream gateway: live quotes, daily history
// and symbol search, each converted into validated models at this boundary.
package alphavantage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/alim08/quote_relay/pkg/metrics"
	"github.com/alim08/quote_relay/pkg/models"
)

const (
	DefaultBaseURL        = "https://www.alphavantage.co/query"
	DefaultQuoteTimeout   = 10 * time.Second
	DefaultHistoryTimeout = 15 * time.Second
	DefaultRatePerMinute  = 5
)

// Client calls the provider. Safe for concurrent use.
type Client struct {
	baseURL        string
	apiKey         string
	httpClient     *http.Client
	limiter        *rate.Limiter
	quoteTimeout   time.Duration
	historyTimeout time.Duration
	log            *zap.Logger
	now            func() time.Time
}

// ClientOption configures the client
type ClientOption func(*Client)

// WithBaseURL sets the base URL
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = baseURL
	}
}

// WithLogger sets the logger
func WithLogger(log *zap.Logger) ClientOption {
	return func(c *Client) {
		c.log = log
	}
}

// WithRateLimit paces calls to perMinute with an equal burst. Zero or less disables pacing.
func WithRateLimit(perMinute int) ClientOption {
	return func(c *Client) {
		if perMinute <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		c.limiter = rate.NewLimiter(rate.Limit(float64(perMinute)/60), perMinute)
	}
}

// WithTimeouts sets the per-call deadlines for quote/search and history calls.
func WithTimeouts(quote, history time.Duration) ClientOption {
	return func(c *Client) {
		if quote > 0 {
			c.quoteTimeout = quote
		}
		if history > 0 {
			c.historyTimeout = history
		}
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// NewClient creates a new provider client
func NewClient(apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:        DefaultBaseURL,
		apiKey:         apiKey,
		httpClient:     &http.Client{},
		limiter:        rate.NewLimiter(rate.Limit(float64(DefaultRatePerMinute)/60), DefaultRatePerMinute),
		quoteTimeout:   DefaultQuoteTimeout,
		historyTimeout: DefaultHistoryTimeout,
		log:            zap.NewNop(),
		now:            time.Now,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// LiveQuote fetches the latest quote for symbol.
func (c *Client) LiveQuote(ctx context.Context, symbol string) (q models.Quote, err error) {
	defer c.observe("quote", time.Now(), &err)

	params := url.Values{}
	params.Set("function", "GLOBAL_QUOTE")
	params.Set("symbol", symbol)

	var resp quoteResponse
	if err := c.get(ctx, "quote", c.quoteTimeout, params, &resp); err != nil {
		return models.Quote{}, err
	}
	if err := c.checkEnvelope("quote", symbol, resp.envelope, resp.Quote.Price != ""); err != nil {
		return models.Quote{}, err
	}
	if resp.Quote.Price == "" {
		return models.Quote{}, ErrNoData
	}
	return resp.Quote.toQuote(symbol, c.now())
}

// History fetches daily bars for the given window, ascending by date.
func (c *Client) History(ctx context.Context, symbol string, window models.Window) (bars []models.Bar, err error) {
	defer c.observe("history", time.Now(), &err)
	return c.daily(ctx, symbol, window)
}

// HistoryRange fetches the full daily series and keeps bars within
// [start, end] inclusive; the provider has no native range query.
func (c *Client) HistoryRange(ctx context.Context, symbol string, start, end time.Time) (bars []models.Bar, err error) {
	defer c.observe("history_range", time.Now(), &err)

	all, err := c.daily(ctx, symbol, models.WindowFull)
	if err != nil {
		return nil, err
	}
	bars = filterRange(all, start, end)
	if len(bars) == 0 {
		return nil, ErrNoData
	}
	return bars, nil
}

// Search returns the provider's symbol matches in upstream order.
func (c *Client) Search(ctx context.Context, text string) (candidates []models.Candidate, err error) {
	defer c.observe("search", time.Now(), &err)

	params := url.Values{}
	params.Set("function", "SYMBOL_SEARCH")
	params.Set("keywords", text)

	var resp searchResponse
	if err := c.get(ctx, "search", c.quoteTimeout, params, &resp); err != nil {
		return nil, err
	}
	if err := c.checkEnvelope("search", text, resp.envelope, resp.BestMatches != nil); err != nil {
		return nil, err
	}

	candidates = make([]models.Candidate, 0, len(resp.BestMatches))
	for _, m := range resp.BestMatches {
		sym := strings.TrimSpace(m.Symbol)
		if sym == "" {
			metrics.UpstreamDroppedRows.WithLabelValues("search").Inc()
			continue
		}
		candidates = append(candidates, models.Candidate{Symbol: sym, Name: m.Name, Region: m.Region})
	}
	return candidates, nil
}

func (c *Client) daily(ctx context.Context, symbol string, window models.Window) ([]models.Bar, error) {
	if window == "" {
		window = models.WindowCompact
	}
	params := url.Values{}
	params.Set("function", "TIME_SERIES_DAILY")
	params.Set("symbol", symbol)
	params.Set("outputsize", string(window))

	var resp dailyResponse
	if err := c.get(ctx, "history", c.historyTimeout, params, &resp); err != nil {
		return nil, err
	}
	if err := c.checkEnvelope("history", symbol, resp.envelope, resp.Series != nil); err != nil {
		return nil, err
	}
	if resp.Series == nil {
		return nil, ErrNoData
	}

	bars, dropped := toBars(symbol, resp.Series)
	if dropped > 0 {
		metrics.UpstreamDroppedRows.WithLabelValues("history").Add(float64(dropped))
		c.log.Warn("dropped malformed history rows",
			zap.String("symbol", symbol), zap.Int("dropped", dropped), zap.Int("kept", len(bars)))
	}
	if len(bars) == 0 {
		return nil, ErrNoData
	}
	return bars, nil
}

// checkEnvelope handles provider-level errors and advisories. A rate-limit
// note is only fatal when no payload came with it.
func (c *Client) checkEnvelope(call, subject string, env envelope, hasPayload bool) error {
	if env.ErrorMessage != "" {
		return &UpstreamError{StatusCode: http.StatusOK, Message: env.ErrorMessage, Call: call}
	}
	if note := env.advisory(); note != "" {
		metrics.UpstreamRateLimitNotes.Inc()
		c.log.Warn("provider advisory",
			zap.String("call", call), zap.String("subject", subject), zap.String("note", note))
		if !hasPayload {
			return fmt.Errorf("%w: %s", ErrRateLimited, note)
		}
	}
	return nil
}

// get performs a paced GET bounded by timeout and decodes the JSON body.
func (c *Client) get(ctx context.Context, call string, timeout time.Duration, params url.Values, result interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrRateLimited, err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	params.Set("apikey", c.apiKey)
	reqURL := c.baseURL + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	c.log.Debug("provider request", zap.String("call", call), zap.String("function", params.Get("function")))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return classifyTransport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &UpstreamError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body)), Call: call}
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		if ctx.Err() != nil {
			return classifyTransport(ctx.Err())
		}
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

func (c *Client) observe(call string, start time.Time, err *error) {
	metrics.UpstreamLatency.WithLabelValues(call).Observe(time.Since(start).Seconds())
	metrics.UpstreamRequests.WithLabelValues(call, status(*err)).Inc()
	if *err != nil {
		c.log.Debug("provider call failed", zap.String("call", call), zap.Error(*err))
	}
}
