package alphavantage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alim08/quote_relay/pkg/models"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...ClientOption) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	opts = append([]ClientOption{WithBaseURL(srv.URL), WithRateLimit(0)}, opts...)
	return NewClient("test-key", opts...)
}

func writeBody(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, body)
	}
}

func TestLiveQuote_ParsesResponse(t *testing.T) {
	var gotQuery map[string]string
	handler := func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		gotQuery = map[string]string{"function": q.Get("function"), "symbol": q.Get("symbol"), "apikey": q.Get("apikey")}
		writeBody(`{"Global Quote": {"01. symbol": "IBM", "05. price": "110.0000", "06. volume": "4120023", "08. previous close": "100.0000"}}`)(w, r)
	}
	c := newTestClient(t, handler)
	fixed := time.Date(2025, 3, 3, 10, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return fixed }

	q, err := c.LiveQuote(context.Background(), "IBM")
	require.NoError(t, err)

	assert.Equal(t, map[string]string{"function": "GLOBAL_QUOTE", "symbol": "IBM", "apikey": "test-key"}, gotQuery)
	assert.Equal(t, "IBM", q.Symbol)
	assert.Equal(t, 110.0, q.Price)
	assert.InDelta(t, 10.0, q.ChangePercent, 1e-9)
	assert.Equal(t, int64(4120023), q.Volume)
	assert.True(t, q.ObservedAt.Equal(fixed))
}

func TestLiveQuote_NoPreviousCloseGivesZeroChange(t *testing.T) {
	c := newTestClient(t, writeBody(`{"Global Quote": {"05. price": "42.5"}}`))

	q, err := c.LiveQuote(context.Background(), "TCS.NS")
	require.NoError(t, err)
	assert.Equal(t, 0.0, q.ChangePercent)
	assert.Equal(t, int64(0), q.Volume)
}

func TestLiveQuote_Failures(t *testing.T) {
	cases := []struct {
		name   string
		body   string
		status int
		check  func(t *testing.T, err error)
	}{
		{
			name: "empty quote",
			body: `{"Global Quote": {}}`,
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrNoData)
			},
		},
		{
			name: "zero price",
			body: `{"Global Quote": {"05. price": "0.0000"}}`,
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrNoData)
			},
		},
		{
			name: "provider error message",
			body: `{"Error Message": "Invalid API call."}`,
			check: func(t *testing.T, err error) {
				var upErr *UpstreamError
				require.True(t, errors.As(err, &upErr))
				assert.Equal(t, "Invalid API call.", upErr.Message)
				assert.NotErrorIs(t, err, ErrUnavailable)
			},
		},
		{
			name: "rate limit note without payload",
			body: `{"Note": "Thank you for using Alpha Vantage! Our standard API call frequency is 5 calls per minute."}`,
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrRateLimited)
				assert.ErrorIs(t, err, ErrUnavailable)
			},
		},
		{
			name: "unparseable price",
			body: `{"Global Quote": {"05. price": "abc"}}`,
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrMalformed)
			},
		},
		{
			name: "invalid json",
			body: `{"Global Quote": `,
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrMalformed)
			},
		},
		{
			name:   "non-200 status",
			body:   `service down`,
			status: http.StatusServiceUnavailable,
			check: func(t *testing.T, err error) {
				var upErr *UpstreamError
				require.True(t, errors.As(err, &upErr))
				assert.Equal(t, http.StatusServiceUnavailable, upErr.StatusCode)
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if tc.status != 0 {
					w.WriteHeader(tc.status)
				}
				fmt.Fprint(w, tc.body)
			})
			_, err := c.LiveQuote(context.Background(), "IBM")
			require.Error(t, err)
			tc.check(t, err)
		})
	}
}

func TestLiveQuote_NoteWithPayloadIsNotFatal(t *testing.T) {
	c := newTestClient(t, writeBody(`{"Note": "slow down", "Global Quote": {"05. price": "12.5", "08. previous close": "10"}}`))

	q, err := c.LiveQuote(context.Background(), "IBM")
	require.NoError(t, err)
	assert.Equal(t, 12.5, q.Price)
	assert.InDelta(t, 25.0, q.ChangePercent, 1e-9)
}

func TestLiveQuote_Timeout(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}, WithTimeouts(50*time.Millisecond, 50*time.Millisecond))

	_, err := c.LiveQuote(context.Background(), "IBM")
	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestLiveQuote_ConnectionFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	baseURL := srv.URL
	srv.Close()

	c := NewClient("k", WithBaseURL(baseURL), WithRateLimit(0))
	_, err := c.LiveQuote(context.Background(), "IBM")
	assert.ErrorIs(t, err, ErrConnection)
	assert.ErrorIs(t, err, ErrUnavailable)
}

const dailyBody = `{
  "Meta Data": {"2. Symbol": "IBM"},
  "Time Series (Daily)": {
    "2025-01-03": {"1. open": "12", "2. high": "13", "3. low": "11", "4. close": "12.5", "5. volume": "300"},
    "2025-01-01": {"1. open": "10", "2. high": "11", "3. low": "9", "4. close": "10.5", "5. volume": "100"},
    "2025-01-02": {"1. open": "11", "2. high": "12", "3. low": "10", "4. close": "11.5", "5. volume": "200"},
    "2025-01-04": {"1. open": "bad", "2. high": "13", "3. low": "11", "4. close": "12.5", "5. volume": "300"},
    "2025-01-05": {"1. open": "12", "2. high": "10", "3. low": "11", "4. close": "12.5", "5. volume": "300"}
  }
}`

func TestHistory_SortsAndDropsMalformedRows(t *testing.T) {
	var outputsize string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		outputsize = r.URL.Query().Get("outputsize")
		fmt.Fprint(w, dailyBody)
	})

	bars, err := c.History(context.Background(), "IBM", models.WindowFull)
	require.NoError(t, err)
	assert.Equal(t, "full", outputsize)
	require.Len(t, bars, 3)
	for i, day := range []int{1, 2, 3} {
		assert.Equal(t, time.Date(2025, 1, day, 0, 0, 0, 0, time.UTC), bars[i].Timestamp)
		assert.Equal(t, "IBM", bars[i].Symbol)
	}
	assert.Equal(t, int64(100), bars[0].Volume)
}

func TestHistory_AllRowsMalformedIsNoData(t *testing.T) {
	c := newTestClient(t, writeBody(`{"Time Series (Daily)": {"2025-01-01": {"1. open": "x"}}}`))

	_, err := c.History(context.Background(), "IBM", models.WindowCompact)
	assert.ErrorIs(t, err, ErrNoData)
}

func TestHistoryRange_FiltersInclusive(t *testing.T) {
	c := newTestClient(t, writeBody(dailyBody))

	start := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC)
	bars, err := c.HistoryRange(context.Background(), "IBM", start, end)
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, start, bars[0].Timestamp)
	assert.Equal(t, end, bars[1].Timestamp)

	_, err = c.HistoryRange(context.Background(), "IBM", end.AddDate(1, 0, 0), end.AddDate(2, 0, 0))
	assert.ErrorIs(t, err, ErrNoData)
}

func TestSearch_PreservesOrder(t *testing.T) {
	var keywords string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		keywords = r.URL.Query().Get("keywords")
		fmt.Fprint(w, `{"bestMatches": [
			{"1. symbol": "TCS.BO", "2. name": "Tata Consultancy", "4. region": "India/Bombay"},
			{"1. symbol": "", "2. name": "broken"},
			{"1. symbol": "TCS.NS", "2. name": "Tata Consultancy", "4. region": "India/NSE"}
		]}`)
	})

	got, err := c.Search(context.Background(), "tcs")
	require.NoError(t, err)
	assert.Equal(t, "tcs", keywords)
	assert.Equal(t, []models.Candidate{
		{Symbol: "TCS.BO", Name: "Tata Consultancy", Region: "India/Bombay"},
		{Symbol: "TCS.NS", Name: "Tata Consultancy", Region: "India/NSE"},
	}, got)
}

func TestSearch_NoMatches(t *testing.T) {
	c := newTestClient(t, writeBody(`{"bestMatches": []}`))

	got, err := c.Search(context.Background(), "zzzz")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRateLimiter_HonoursContext(t *testing.T) {
	c := newTestClient(t, writeBody(`{"Global Quote": {"05. price": "1"}}`), WithRateLimit(1))

	_, err := c.LiveQuote(context.Background(), "IBM")
	require.NoError(t, err)

	// Second call must wait ~60s for a token; the deadline is far shorter.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.LiveQuote(ctx, "IBM")
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestStatusLabels(t *testing.T) {
	assert.Equal(t, "ok", status(nil))
	assert.Equal(t, "timeout", status(fmt.Errorf("%w: x", ErrTimeout)))
	assert.Equal(t, "connection", status(fmt.Errorf("%w: x", ErrConnection)))
	assert.Equal(t, "rate_limited", status(ErrRateLimited))
	assert.Equal(t, "upstream_error", status(&UpstreamError{}))
	assert.Equal(t, "malformed", status(ErrMalformed))
	assert.Equal(t, "no_data", status(ErrNoData))
}
