package apiserver

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/skeinhq/skein/internal/logging"
)

const (
	// Time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// Transport-level ping period, must be less than pongWait. The
	// session layer runs its own JSON ping for liveness accounting;
	// this one keeps idle TCP paths open.
	pingPeriod = (pongWait * 9) / 10

	// Maximum inbound frame size. Batch creates can carry whole
	// subgraphs, so this is generous.
	maxMessageSize = 1 << 20

	// Outbound queue per socket.
	sendBufferSize = 256
)

var (
	errSocketClosed   = errors.New("socket closed")
	errSendBufferFull = errors.New("send buffer full")
)

// wsConn adapts a gorilla socket to the session layer's Conn. Sends are
// queued on a buffered channel and drained by a single writer goroutine,
// so fan-out never blocks on a slow peer. A peer that cannot drain its
// queue is cut off.
type wsConn struct {
	ws     *websocket.Conn
	send   chan []byte
	done   chan struct{}
	closed atomic.Bool
	once   sync.Once
	logger *logging.Logger
}

func newWSConn(ws *websocket.Conn, logger *logging.Logger) *wsConn {
	c := &wsConn{
		ws:     ws,
		send:   make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
		logger: logger,
	}
	go c.writePump()
	return c
}

// Send queues msg for delivery. It never blocks; a full queue means the
// peer stopped reading, and the socket is torn down.
func (c *wsConn) Send(msg []byte) error {
	if c.closed.Load() {
		return errSocketClosed
	}
	select {
	case c.send <- msg:
		return nil
	default:
		c.logger.Warn("Closing socket %s: send buffer full", c.ws.RemoteAddr())
		_ = c.Close()
		return errSendBufferFull
	}
}

// Close tears the socket down. Safe to call repeatedly and concurrently
// with Send.
func (c *wsConn) Close() error {
	c.once.Do(func() {
		c.closed.Store(true)
		close(c.done)
	})
	return nil
}

// Alive reports whether the socket can still deliver messages.
func (c *wsConn) Alive() bool {
	return !c.closed.Load()
}

// writePump is the sole writer on the underlying socket. It exits on
// Close or on the first write error, closing the socket either way,
// which also unblocks the read loop.
func (c *wsConn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closed.Store(true)
		c.ws.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// handleWS authenticates the upgrade request, promotes the connection
// and runs the read loop until the peer goes away. The handler does not
// return while the socket lives, so the request context stays valid for
// everything the session layer does on its behalf.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id, err := s.auth.Authenticate(r)
	if err != nil {
		s.logger.Warn("Rejected WebSocket upgrade from %s: %v", r.RemoteAddr, err)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		s.logger.Warn("WebSocket upgrade failed for %s: %v", r.RemoteAddr, err)
		return
	}

	conn := newWSConn(ws, s.logger)
	s.trackConn(conn)
	defer s.untrackConn(conn)

	if id.UserID != "" {
		s.logger.Info("WebSocket connected: %s (user %s)", r.RemoteAddr, id.UserID)
	} else {
		s.logger.Info("WebSocket connected: %s", r.RemoteAddr)
	}

	s.readLoop(r.Context(), conn)
	s.logger.Debug("WebSocket disconnected: %s", r.RemoteAddr)
}

// readLoop is the sole reader on the underlying socket. Every frame goes
// to the session dispatcher; when the loop ends the session layer gets
// the chance to announce the departure.
func (s *Server) readLoop(ctx context.Context, conn *wsConn) {
	defer func() {
		conn.Close()
		s.sessions.Disconnect(conn)
	}()

	conn.ws.SetReadLimit(maxMessageSize)
	conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	conn.ws.SetPongHandler(func(string) error {
		conn.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Debug("WebSocket read ended: %v", err)
			}
			return
		}
		s.sessions.Dispatch(ctx, conn, raw)
	}
}

func (s *Server) trackConn(c *wsConn) {
	s.connMu.Lock()
	s.conns[c] = struct{}{}
	s.connMu.Unlock()
}

func (s *Server) untrackConn(c *wsConn) {
	s.connMu.Lock()
	delete(s.conns, c)
	s.connMu.Unlock()
}

// closeConns drops every live socket. Shutdown does not wait for
// hijacked connections, so Stop calls this to unblock their read loops.
func (s *Server) closeConns() {
	s.connMu.Lock()
	conns := make([]*wsConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.connMu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}
