package feed

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alim08/quote_relay/pkg/broadcaster"
	"github.com/alim08/quote_relay/pkg/models"
)

type stubSource struct {
	calls int64
	err   error
}

func (s *stubSource) RefreshQuote(_ context.Context, symbol string) (models.Quote, error) {
	atomic.AddInt64(&s.calls, 1)
	if s.err != nil {
		return models.Quote{}, s.err
	}
	return models.Quote{
		Symbol:        symbol,
		Price:         101.5,
		ChangePercent: 1.5,
		Volume:        1000,
		ObservedAt:    time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
	}, nil
}

type chanSub struct {
	id   string
	fail bool
	msgs chan []byte
}

func newChanSub(id string) *chanSub {
	return &chanSub{id: id, msgs: make(chan []byte, 16)}
}

func (c *chanSub) ID() string { return c.id }

func (c *chanSub) Send(ctx context.Context, msg []byte) error {
	if c.fail {
		return errors.New("closed")
	}
	select {
	case c.msgs <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *chanSub) next(t *testing.T) map[string]interface{} {
	t.Helper()
	select {
	case raw := <-c.msgs:
		var out map[string]interface{}
		require.NoError(t, json.Unmarshal(raw, &out))
		return out
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
		return nil
	}
}

func newTestManager(t *testing.T, src QuoteSource, interval time.Duration) (*Manager, *broadcaster.Broadcaster) {
	t.Helper()
	var m *Manager
	bc := broadcaster.New(broadcaster.WithOnEmpty(func(symbol string) { m.StopIfIdle(symbol) }))
	m = NewManager(context.Background(), src, bc, interval, nil)
	t.Cleanup(m.Close)
	return m, bc
}

func TestJoin_PushesLiveUpdateImmediately(t *testing.T) {
	m, _ := newTestManager(t, &stubSource{}, time.Hour)
	sub := newChanSub("a")
	m.Join("IBM", sub)

	msg := sub.next(t)
	assert.Equal(t, "IBM", msg["symbol"])
	assert.Equal(t, 101.5, msg["price"])
	assert.Equal(t, 1.5, msg["change_percent"])
	assert.Equal(t, float64(1000), msg["volume"])
	assert.Equal(t, "2024-03-01T10:00:00Z", msg["last_updated"])
}

func TestJoin_OnePollerPerSymbol(t *testing.T) {
	m, bc := newTestManager(t, &stubSource{}, time.Hour)
	m.Join("IBM", newChanSub("a"))
	m.Join("IBM", newChanSub("b"))
	m.Join("AAPL", newChanSub("c"))

	assert.Equal(t, 2, m.Active())
	assert.Equal(t, 2, bc.Count("IBM"))
}

func TestLeave_StopsPollerWhenGroupEmpties(t *testing.T) {
	m, _ := newTestManager(t, &stubSource{}, time.Hour)
	a, b := newChanSub("a"), newChanSub("b")
	m.Join("IBM", a)
	m.Join("IBM", b)

	m.Leave("IBM", a)
	assert.Equal(t, 1, m.Active())
	m.Leave("IBM", b)
	assert.Equal(t, 0, m.Active())
}

func TestPoll_ErrorPayloadOnFailure(t *testing.T) {
	m, _ := newTestManager(t, &stubSource{err: errors.New("upstream down")}, time.Hour)
	sub := newChanSub("a")
	m.Join("XYZ", sub)

	msg := sub.next(t)
	assert.Equal(t, map[string]interface{}{"error": "No data for XYZ"}, msg)
	assert.Equal(t, 1, m.Active())
}

func TestPoll_RepeatsOnInterval(t *testing.T) {
	src := &stubSource{}
	m, _ := newTestManager(t, src, 20*time.Millisecond)
	sub := newChanSub("a")
	m.Join("IBM", sub)

	sub.next(t)
	sub.next(t)
	assert.GreaterOrEqual(t, atomic.LoadInt64(&src.calls), int64(2))
}

func TestPoll_FailedSubscriberStopsPoller(t *testing.T) {
	m, bc := newTestManager(t, &stubSource{}, time.Hour)
	dead := newChanSub("dead")
	dead.fail = true
	m.Join("IBM", dead)

	assert.Eventually(t, func() bool { return m.Active() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, bc.Count("IBM"))
}

func TestClose_StopsEverything(t *testing.T) {
	var m *Manager
	bc := broadcaster.New(broadcaster.WithOnEmpty(func(symbol string) { m.StopIfIdle(symbol) }))
	m = NewManager(context.Background(), &stubSource{}, bc, 10*time.Millisecond, nil)
	m.Join("IBM", newChanSub("a"))
	m.Join("MSFT", newChanSub("b"))

	done := make(chan struct{})
	go func() {
		m.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
	assert.Equal(t, 0, m.Active())

	// joins after Close do not start pollers
	m.Join("AAPL", newChanSub("c"))
	assert.Equal(t, 0, m.Active())
}

func TestNewManager_ZeroIntervalFallsBackToDefault(t *testing.T) {
	src := &stubSource{}
	m, _ := newTestManager(t, src, 0)
	assert.Equal(t, DefaultInterval, m.interval)

	sub := newChanSub("a")
	m.Join("IBM", sub)
	assert.Equal(t, "IBM", sub.next(t)["symbol"])
	assert.Equal(t, 1, m.Active())
}

func TestSymbols_ListsSubscribedSymbols(t *testing.T) {
	m, _ := newTestManager(t, &stubSource{}, time.Hour)
	assert.Empty(t, m.Symbols())

	a, b := newChanSub("a"), newChanSub("b")
	m.Join("MSFT", a)
	m.Join("IBM", b)
	assert.Equal(t, []string{"IBM", "MSFT"}, m.Symbols())

	m.Leave("MSFT", a)
	assert.Equal(t, []string{"IBM"}, m.Symbols())
}
