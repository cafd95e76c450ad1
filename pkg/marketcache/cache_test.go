package marketcache

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alim08/quote_relay/pkg/models"
)

type memStore struct {
	mu       sync.Mutex
	quotes   map[string]models.Quote
	bars     map[string]map[time.Time]models.Bar
	readErr  error
	writeErr error
}

func newMemStore() *memStore {
	return &memStore{quotes: map[string]models.Quote{}, bars: map[string]map[time.Time]models.Bar{}}
}

func (s *memStore) UpsertBars(_ context.Context, symbol string, bars []models.Bar) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	if s.bars[symbol] == nil {
		s.bars[symbol] = map[time.Time]models.Bar{}
	}
	for _, b := range bars {
		b.Symbol = symbol
		s.bars[symbol][b.Timestamp.UTC()] = b
	}
	return nil
}

func (s *memStore) UpsertQuote(_ context.Context, q models.Quote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	s.quotes[q.Symbol] = q
	return nil
}

func (s *memStore) ReadBars(_ context.Context, symbol string, start, end *time.Time) ([]models.Bar, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr != nil {
		return nil, s.readErr
	}
	var out []models.Bar
	for ts, b := range s.bars[symbol] {
		if start != nil && ts.Before(*start) {
			continue
		}
		if end != nil && ts.After(*end) {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (s *memStore) ReadQuote(_ context.Context, symbol string) (*models.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr != nil {
		return nil, s.readErr
	}
	q, ok := s.quotes[symbol]
	if !ok {
		return nil, nil
	}
	return &q, nil
}

func (s *memStore) LatestBar(ctx context.Context, symbol string) (*models.Bar, error) {
	bars, err := s.ReadBars(ctx, symbol, nil, nil)
	if err != nil || len(bars) == 0 {
		return nil, err
	}
	return &bars[len(bars)-1], nil
}

func (s *memStore) quote(symbol string) (models.Quote, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quotes[symbol]
	return q, ok
}

type fakeGateway struct {
	mu         sync.Mutex
	quotes     map[string]models.Quote
	history    map[string][]models.Bar
	quoteCalls []string
	histCalls  []string
	rangeCalls []string
}

var errUpstream = errors.New("upstream: no data")

func (g *fakeGateway) LiveQuote(_ context.Context, symbol string) (models.Quote, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.quoteCalls = append(g.quoteCalls, symbol)
	q, ok := g.quotes[symbol]
	if !ok {
		return models.Quote{}, errUpstream
	}
	return q, nil
}

func (g *fakeGateway) History(_ context.Context, symbol string, _ models.Window) ([]models.Bar, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.histCalls = append(g.histCalls, symbol)
	bars, ok := g.history[symbol]
	if !ok {
		return nil, errUpstream
	}
	return append([]models.Bar(nil), bars...), nil
}

func (g *fakeGateway) HistoryRange(_ context.Context, symbol string, start, end time.Time) ([]models.Bar, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rangeCalls = append(g.rangeCalls, symbol)
	var out []models.Bar
	for _, b := range g.history[symbol] {
		if !b.Timestamp.Before(start) && !b.Timestamp.After(end) {
			out = append(out, b)
		}
	}
	if len(out) == 0 {
		return nil, errUpstream
	}
	return out, nil
}

type fakeResolver struct {
	result string
	err    error
	calls  int
}

func (r *fakeResolver) Resolve(_ context.Context, _ string) (string, error) {
	r.calls++
	return r.result, r.err
}

func quoteOf(symbol string, price float64) models.Quote {
	return models.Quote{Symbol: symbol, Price: price, Volume: 1, ObservedAt: time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)}
}

func dailyBars(symbol string, n int, from time.Time) []models.Bar {
	bars := make([]models.Bar, n)
	for i := range bars {
		p := float64(100 + i)
		bars[i] = models.Bar{Symbol: symbol, Timestamp: from.AddDate(0, 0, i), Open: p, High: p + 1, Low: p - 1, Close: p, Volume: int64(1000 + i)}
	}
	return bars
}

func TestGetQuote_MissFetchesOnceAndStores(t *testing.T) {
	store := newMemStore()
	gw := &fakeGateway{quotes: map[string]models.Quote{"IBM": quoteOf("IBM", 180)}}
	c := New(store, gw, &fakeResolver{})

	q, err := c.GetQuote(context.Background(), "ibm")
	require.NoError(t, err)
	assert.Equal(t, 180.0, q.Price)
	assert.Equal(t, []string{"IBM"}, gw.quoteCalls)

	stored, ok := store.quote("IBM")
	require.True(t, ok)
	assert.Equal(t, q, stored)
}

func TestGetQuote_HitSkipsGateway(t *testing.T) {
	store := newMemStore()
	require.NoError(t, store.UpsertQuote(context.Background(), quoteOf("IBM", 150)))
	gw := &fakeGateway{quotes: map[string]models.Quote{"IBM": quoteOf("IBM", 999)}}
	c := New(store, gw, &fakeResolver{})

	q, err := c.GetQuote(context.Background(), "IBM")
	require.NoError(t, err)
	assert.Equal(t, 150.0, q.Price)
	assert.Empty(t, gw.quoteCalls)
}

func TestGetQuote_CorrectedSymbolIsPersistedUnderCorrection(t *testing.T) {
	store := newMemStore()
	gw := &fakeGateway{quotes: map[string]models.Quote{"TCS.NS": quoteOf("TCS.NS", 3900)}}
	res := &fakeResolver{result: "TCS.NS"}
	c := New(store, gw, res)

	q, err := c.GetQuote(context.Background(), "TCS")
	require.NoError(t, err)
	assert.Equal(t, "TCS.NS", q.Symbol)
	assert.Equal(t, []string{"TCS", "TCS.NS"}, gw.quoteCalls)

	_, ok := store.quote("TCS.NS")
	assert.True(t, ok)
	_, ok = store.quote("TCS")
	assert.False(t, ok)
}

func TestGetQuote_NotFoundWithSuggestion(t *testing.T) {
	gw := &fakeGateway{}
	c := New(newMemStore(), gw, &fakeResolver{result: "TCS.NS"})

	_, err := c.GetQuote(context.Background(), "TCS")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, err, errUpstream)

	var nf *NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "TCS", nf.Symbol)
	assert.Equal(t, "TCS.NS", nf.Suggestion)
	assert.Equal(t, "Stock data not found for symbol: TCS. Did you mean: TCS.NS?", nf.Message())
	assert.Equal(t, []string{"TCS", "TCS.NS"}, gw.quoteCalls)
}

func TestGetQuote_NotFoundWithoutCandidates(t *testing.T) {
	gw := &fakeGateway{}
	c := New(newMemStore(), gw, &fakeResolver{err: errors.New("no matching symbol")})

	_, err := c.GetQuote(context.Background(), "ZZZZ")
	var nf *NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Empty(t, nf.Suggestion)
	assert.False(t, nf.Resolved)
	assert.Contains(t, nf.Message(), "Please check the symbol format (e.g., TCS.NS for NSE stocks)")
	assert.Equal(t, []string{"ZZZZ"}, gw.quoteCalls)
}

func TestGetQuote_SameSymbolFromResolverIsNotRetried(t *testing.T) {
	gw := &fakeGateway{}
	c := New(newMemStore(), gw, &fakeResolver{result: "ibm"})

	_, err := c.GetQuote(context.Background(), "IBM")
	var nf *NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.True(t, nf.Resolved)
	assert.Equal(t, "Stock data not found for symbol: IBM", nf.Message())
	assert.Equal(t, []string{"IBM"}, gw.quoteCalls)
}

func TestGetQuote_StoreReadErrorIsAMiss(t *testing.T) {
	store := newMemStore()
	store.readErr = errors.New("db down")
	gw := &fakeGateway{quotes: map[string]models.Quote{"IBM": quoteOf("IBM", 1)}}
	c := New(store, gw, &fakeResolver{})

	_, err := c.GetQuote(context.Background(), "IBM")
	require.NoError(t, err)
	assert.Len(t, gw.quoteCalls, 1)
}

func TestGetQuote_StoreWriteErrorIsReturned(t *testing.T) {
	store := newMemStore()
	store.writeErr = errors.New("read-only")
	gw := &fakeGateway{quotes: map[string]models.Quote{"IBM": quoteOf("IBM", 1)}}
	c := New(store, gw, &fakeResolver{})

	_, err := c.GetQuote(context.Background(), "IBM")
	assert.ErrorIs(t, err, store.writeErr)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestGetHistory_FetchOnceThenServeFromStore(t *testing.T) {
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	gw := &fakeGateway{history: map[string][]models.Bar{"IBM": dailyBars("IBM", 252, from)}}
	c := New(newMemStore(), gw, &fakeResolver{})

	first, err := c.GetHistory(context.Background(), "IBM", nil, nil)
	require.NoError(t, err)
	require.Len(t, first.Bars, 252)
	assert.Equal(t, "IBM", first.Symbol)
	for i := 1; i < len(first.Bars); i++ {
		require.True(t, first.Bars[i-1].Timestamp.Before(first.Bars[i].Timestamp), "bars must ascend at %d", i)
	}

	second, err := c.GetHistory(context.Background(), "IBM", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, []string{"IBM"}, gw.histCalls)
}

func TestGetHistory_BoundedUsesRangeFetch(t *testing.T) {
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	gw := &fakeGateway{history: map[string][]models.Bar{"IBM": dailyBars("IBM", 30, from)}}
	c := New(newMemStore(), gw, &fakeResolver{})

	start, end := from.AddDate(0, 0, 5), from.AddDate(0, 0, 9)
	h, err := c.GetHistory(context.Background(), "IBM", &start, &end)
	require.NoError(t, err)
	assert.Len(t, h.Bars, 5)
	assert.Equal(t, []string{"IBM"}, gw.rangeCalls)
	assert.Empty(t, gw.histCalls)
}

func TestGetHistory_CorrectionStoresUnderCorrectedSymbol(t *testing.T) {
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store := newMemStore()
	gw := &fakeGateway{history: map[string][]models.Bar{"RELIANCE.NS": dailyBars("RELIANCE.NS", 10, from)}}
	c := New(store, gw, &fakeResolver{result: "RELIANCE.NS"})

	h, err := c.GetHistory(context.Background(), "reliance", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "RELIANCE.NS", h.Symbol)
	assert.Len(t, h.Bars, 10)
	for _, b := range h.Bars {
		assert.Equal(t, "RELIANCE.NS", b.Symbol)
	}

	raw, _ := store.ReadBars(context.Background(), "RELIANCE", nil, nil)
	assert.Empty(t, raw)
}

func TestGetHistory_NotFound(t *testing.T) {
	c := New(newMemStore(), &fakeGateway{}, &fakeResolver{result: "XYZ.NS"})

	_, err := c.GetHistory(context.Background(), "XYZ", nil, nil)
	var nf *NotFoundError
	require.True(t, errors.As(err, &nf))
	assert.Equal(t, "XYZ.NS", nf.Suggestion)
}

func TestGetHistory_EmptyFetchStillCorrects(t *testing.T) {
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	gw := &fakeGateway{history: map[string][]models.Bar{
		"TATA":    {},
		"TATA.NS": dailyBars("TATA.NS", 3, from),
	}}
	res := &fakeResolver{result: "TATA.NS"}
	c := New(newMemStore(), gw, res)

	h, err := c.GetHistory(context.Background(), "TATA", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "TATA.NS", h.Symbol)
	assert.Len(t, h.Bars, 3)
	assert.Equal(t, 1, res.calls)
	assert.Equal(t, []string{"TATA", "TATA.NS"}, gw.histCalls)
}

// gatedGateway holds LiveQuote until release is closed or ctx ends.
type gatedGateway struct {
	*fakeGateway
	started chan struct{}
	release chan struct{}
}

func (g *gatedGateway) LiveQuote(ctx context.Context, symbol string) (models.Quote, error) {
	g.started <- struct{}{}
	select {
	case <-g.release:
	case <-ctx.Done():
		return models.Quote{}, ctx.Err()
	}
	return g.fakeGateway.LiveQuote(ctx, symbol)
}

func TestGetQuote_CancelledCallerDoesNotFailSharedFetch(t *testing.T) {
	gw := &gatedGateway{
		fakeGateway: &fakeGateway{quotes: map[string]models.Quote{"IBM": quoteOf("IBM", 180)}},
		started:     make(chan struct{}, 4),
		release:     make(chan struct{}),
	}
	c := New(newMemStore(), gw, &fakeResolver{})

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := c.GetQuote(ctxA, "IBM")
		errA <- err
	}()
	<-gw.started

	type result struct {
		q   models.Quote
		err error
	}
	resB := make(chan result, 1)
	go func() {
		q, err := c.GetQuote(context.Background(), "IBM")
		resB <- result{q, err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancelA()
	select {
	case err := <-errA:
		assert.ErrorIs(t, err, context.Canceled)
		assert.NotErrorIs(t, err, ErrNotFound)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled caller did not return")
	}

	close(gw.release)
	select {
	case r := <-resB:
		require.NoError(t, r.err)
		assert.Equal(t, 180.0, r.q.Price)
	case <-time.After(2 * time.Second):
		t.Fatal("second caller did not return")
	}
	assert.Len(t, gw.quoteCalls, 1)
}

func TestGetQuote_ConcurrentMissesShareOneFetch(t *testing.T) {
	gw := &gatedGateway{
		fakeGateway: &fakeGateway{quotes: map[string]models.Quote{"IBM": quoteOf("IBM", 180)}},
		started:     make(chan struct{}, 8),
		release:     make(chan struct{}),
	}
	c := New(newMemStore(), gw, &fakeResolver{})

	const callers = 5
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.GetQuote(context.Background(), "IBM")
			errs <- err
		}()
	}
	<-gw.started
	time.Sleep(50 * time.Millisecond)
	close(gw.release)
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Len(t, gw.quoteCalls, 1)
}

func TestNeedsBackfill(t *testing.T) {
	ist := time.FixedZone("IST", 5*3600+1800)
	// 10:00 IST on 2025-03-04
	now := time.Date(2025, 3, 4, 10, 0, 0, 0, ist)

	cases := []struct {
		name   string
		latest *time.Time
		want   bool
	}{
		{"no bars", nil, true},
		{"latest is yesterday", ptr(time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)), true},
		{"latest is today", ptr(time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC)), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := newMemStore()
			if tc.latest != nil {
				b := dailyBars("IBM", 1, *tc.latest)
				require.NoError(t, store.UpsertBars(context.Background(), "IBM", b))
			}
			c := New(store, &fakeGateway{}, nil, WithClock(func() time.Time { return now }), WithLocation(ist))
			assert.Equal(t, tc.want, c.NeedsBackfill(context.Background(), "IBM"))
		})
	}

	t.Run("read failure", func(t *testing.T) {
		store := newMemStore()
		store.readErr = errors.New("boom")
		c := New(store, &fakeGateway{}, nil)
		assert.True(t, c.NeedsBackfill(context.Background(), "IBM"))
	})
}

func TestRefreshQuote_AlwaysFetches(t *testing.T) {
	store := newMemStore()
	require.NoError(t, store.UpsertQuote(context.Background(), quoteOf("IBM", 1)))
	gw := &fakeGateway{quotes: map[string]models.Quote{"IBM": quoteOf("IBM", 2)}}
	c := New(store, gw, nil)

	q, err := c.RefreshQuote(context.Background(), "IBM")
	require.NoError(t, err)
	assert.Equal(t, 2.0, q.Price)
	stored, _ := store.quote("IBM")
	assert.Equal(t, 2.0, stored.Price)
}

func TestBackfill(t *testing.T) {
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store := newMemStore()
	gw := &fakeGateway{history: map[string][]models.Bar{"IBM": dailyBars("IBM", 7, from)}}
	c := New(store, gw, nil)

	n, err := c.Backfill(context.Background(), "IBM", models.WindowFull)
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	_, err = c.Backfill(context.Background(), "MSFT", models.WindowFull)
	assert.ErrorIs(t, err, errUpstream)
}

func ptr(t time.Time) *time.Time { return &t }
