package gateway

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second    // time allowed to write a message to the peer
	pongWait       = 60 * time.Second    // time allowed to read the next pong from the peer
	pingPeriod     = (pongWait * 9) / 10 // must be less than pongWait
	maxMessageSize = 8 * 1024
)

// Session is one WebSocket connection: the transport handle behind the
// registry's Sink interface. Outbound messages go through a buffered
// channel drained by the write pump; inbound messages are posted to the
// dispatch loop by the read pump.
type Session struct {
	id      string
	conn    *websocket.Conn
	send    chan []byte
	loop    *Loop
	limiter *rate.Limiter // nil disables per-connection throttling
	logger  *slog.Logger

	// mu guards send against a Close racing a Push from the read pump's
	// rate-limit reply; everything else goes through the dispatch loop.
	mu     sync.RWMutex
	closed atomic.Bool
}

func newSession(conn *websocket.Conn, loop *Loop, limiter *rate.Limiter, buffer int, logger *slog.Logger) *Session {
	return &Session{
		id:      uuid.NewString(),
		conn:    conn,
		send:    make(chan []byte, buffer),
		loop:    loop,
		limiter: limiter,
		logger:  logger,
	}
}

// ID returns the connection identifier.
func (s *Session) ID() string { return s.id }

// Open reports whether the transport still accepts messages.
func (s *Session) Open() bool { return !s.closed.Load() }

// Push enqueues an outbound payload without blocking. Returns false when
// the session is closed or its buffer is full.
func (s *Session) Push(payload []byte) bool {
	if payload == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed.Load() {
		return false
	}
	select {
	case s.send <- payload:
		return true
	default:
		return false
	}
}

// Close marks the session closed and stops the write pump. Safe to call
// more than once.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.CompareAndSwap(false, true) {
		close(s.send)
	}
}

// readPump delivers inbound messages to the dispatch loop until the peer
// disconnects, then posts the close event.
func (s *Session) readPump() {
	defer func() {
		s.loop.post(evClosed{from: s})
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warn("WebSocket read error", "session_id", s.id, "error", err)
			}
			return
		}
		if s.limiter != nil && !s.limiter.Allow() {
			s.Push(encode(ErrorMsg{Type: TypeError, Message: "Rate limit exceeded"}))
			continue
		}
		s.loop.post(evInbound{from: s, raw: raw})
	}
}

// writePump drains the send channel onto the wire and keeps the connection
// alive with periodic pings.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.logger.Warn("WebSocket write error", "session_id", s.id, "error", err)
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
