package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/alim08/quote_relay/pkg/marketcache"
	"github.com/alim08/quote_relay/pkg/metrics"
	"github.com/alim08/quote_relay/pkg/models"
)

const (
	writeWait      = 5 * time.Second
	maxMessageSize = 512
	sendBuffer     = 256
)

var errConnClosed = errors.New("connection closed")

var connSeq uint64

// wsConn adapts a WebSocket to broadcaster.Subscriber. Writes go through a
// buffered queue drained by writePump; readPump only watches for close.
type wsConn struct {
	id   string
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once

	pingPeriod time.Duration
	pongWait   time.Duration
	log        *zap.Logger
}

func newWSConn(ws *websocket.Conn, heartbeat time.Duration, log *zap.Logger) *wsConn {
	id := fmt.Sprintf("ws-%d", atomic.AddUint64(&connSeq, 1))
	return &wsConn{
		id:         id,
		ws:         ws,
		send:       make(chan []byte, sendBuffer),
		done:       make(chan struct{}),
		pingPeriod: heartbeat,
		pongWait:   2 * heartbeat,
		log:        log.With(zap.String("conn", id), zap.String("remote_addr", ws.RemoteAddr().String())),
	}
}

func (c *wsConn) ID() string { return c.id }

// Send queues msg for writing. It fails once the connection is closed.
func (c *wsConn) Send(ctx context.Context, msg []byte) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	case <-c.done:
		return errConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *wsConn) sendJSON(ctx context.Context, v interface{}) error {
	msg, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Send(ctx, msg)
}

// Close marks the connection finished; writePump closes the socket.
func (c *wsConn) Close() {
	c.once.Do(func() { close(c.done) })
}

// Done is closed when the peer disconnects or the connection is closed.
func (c *wsConn) Done() <-chan struct{} { return c.done }

func (c *wsConn) readPump() {
	defer c.Close()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
	})

	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Info("websocket read error", zap.Error(err))
			}
			return
		}
	}
}

func (c *wsConn) writePump() {
	ticker := time.NewTicker(c.pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.Info("websocket write failed", zap.Error(err))
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			c.drain()
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

// drain flushes messages queued before Close.
func (c *wsConn) drain() {
	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *Server) upgrade(w http.ResponseWriter, r *http.Request) (*wsConn, bool) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return nil, false
	}
	metrics.ActiveConnections.Inc()
	conn := newWSConn(ws, s.cfg.Heartbeat, s.log)
	go func() {
		conn.writePump()
		metrics.ActiveConnections.Dec()
	}()
	return conn, true
}

// liveSocketHandler streams the symbol's live quote until the client leaves.
func (s *Server) liveSocketHandler(w http.ResponseWriter, r *http.Request) {
	symbol, ok := symbolParam(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "Invalid symbol: "+symbol)
		return
	}
	conn, ok := s.upgrade(w, r)
	if !ok {
		return
	}
	s.log.Info("live subscriber connected", zap.String("symbol", symbol), zap.String("conn", conn.ID()))

	s.feeds.Join(symbol, conn)
	conn.readPump()
	s.feeds.Leave(symbol, conn)

	s.log.Info("live subscriber disconnected", zap.String("symbol", symbol), zap.String("conn", conn.ID()))
}

// historySocketHandler replays stored bars newest-first to this connection
// only, then keeps it open with heartbeats.
func (s *Server) historySocketHandler(w http.ResponseWriter, r *http.Request) {
	symbol, ok := symbolParam(r)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "Invalid symbol: "+symbol)
		return
	}
	conn, ok := s.upgrade(w, r)
	if !ok {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		conn.readPump()
		cancel()
	}()

	if err := s.replayHistory(ctx, conn, symbol); err != nil {
		if ctx.Err() == nil {
			s.log.Info("history replay ended early", zap.String("symbol", symbol), zap.Error(err))
		}
		return
	}
	<-ctx.Done()
}

func (s *Server) replayHistory(ctx context.Context, conn *wsConn, symbol string) error {
	hist, err := s.data.GetHistory(ctx, symbol, nil, nil)
	if err != nil {
		var nf *marketcache.NotFoundError
		if errors.As(err, &nf) {
			_ = conn.sendJSON(ctx, map[string]string{"error": "No historical data for " + symbol})
			return err
		}
		_ = conn.sendJSON(ctx, map[string]string{"error": "server_error: " + err.Error()})
		return err
	}

	for i := len(hist.Bars) - 1; i >= 0; i-- {
		if err := conn.sendJSON(ctx, historyFrame(hist.Symbol, hist.Bars[i])); err != nil {
			return err
		}
		if s.cfg.ReplayDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.cfg.ReplayDelay):
			}
		}
	}
	return conn.sendJSON(ctx, map[string]string{"info": "history_end"})
}

type historyMessage struct {
	Symbol string `json:"symbol"`
	BarResponse
}

func historyFrame(symbol string, b models.Bar) historyMessage {
	return historyMessage{Symbol: symbol, BarResponse: newBarResponse(b)}
}
