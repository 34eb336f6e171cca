package cluster

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/skeinhq/skein/internal/logging"
)

// directHandler serves one direct request and returns the response
// envelope, or nil when the request deserves no reply.
type directHandler func(env *Envelope) *Envelope

// directServer owns the direct channel listener. Each accepted
// connection is served sequentially: read a request, handle it, write
// the response.
type directServer struct {
	listener net.Listener
	handler  directHandler
	logger   *logging.Logger

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool

	wg sync.WaitGroup
}

func newDirectServer(addr string, handler directHandler, logger *logging.Logger) (*directServer, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	s := &directServer{
		listener: listener,
		handler:  handler,
		logger:   logger,
		conns:    make(map[net.Conn]struct{}),
	}
	s.wg.Add(1)
	go s.acceptLoop()
	return s, nil
}

func (s *directServer) Addr() net.Addr {
	return s.listener.Addr()
}

func (s *directServer) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *directServer) serve(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		env, err := ReadFrame(conn)
		if err != nil {
			return
		}
		resp := s.handler(env)
		if resp == nil {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := WriteFrame(conn, resp); err != nil {
			s.logger.Warn("Failed to answer %s on direct channel: %v", conn.RemoteAddr(), err)
			return
		}
	}
}

func (s *directServer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]net.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	err := s.listener.Close()
	for _, conn := range conns {
		conn.Close()
	}
	s.wg.Wait()
	return err
}

// directClient is the dialing side of a peer's direct channel. Requests
// carry fresh IDs; a single read loop routes responses back to waiting
// callers through the pending table.
type directClient struct {
	conn    net.Conn
	timeout time.Duration
	logger  *logging.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan *Envelope
	closed  bool

	done chan struct{}
}

func dialDirect(addr string, dialTimeout, requestTimeout time.Duration, logger *logging.Logger) (*directClient, error) {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, err
	}
	c := &directClient{
		conn:    conn,
		timeout: requestTimeout,
		logger:  logger,
		pending: make(map[string]chan *Envelope),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *directClient) readLoop() {
	for {
		env, err := ReadFrame(c.conn)
		if err != nil {
			c.shutdown()
			return
		}
		if env.ResponseID == "" {
			c.logger.Warn("Unsolicited message %s on direct channel, dropping", env.ID)
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[env.ResponseID]
		delete(c.pending, env.ResponseID)
		c.mu.Unlock()
		if ok {
			ch <- env
		}
	}
}

// Request sends the envelope and blocks until the response, the
// timeout or ctx cancellation.
func (c *directClient) Request(ctx context.Context, env *Envelope) (*Envelope, error) {
	ch := make(chan *Envelope, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("direct channel closed")
	}
	c.pending[env.ID] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err := WriteFrame(c.conn, env)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(env.ID)
		return nil, fmt.Errorf("failed to send request: %w", err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		c.forget(env.ID)
		return nil, fmt.Errorf("request %s timed out after %s", env.ID, c.timeout)
	case <-ctx.Done():
		c.forget(env.ID)
		return nil, ctx.Err()
	case <-c.done:
		return nil, fmt.Errorf("direct channel closed")
	}
}

func (c *directClient) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *directClient) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.pending = make(map[string]chan *Envelope)
	c.mu.Unlock()

	close(c.done)
	c.conn.Close()
}

func (c *directClient) Close() error {
	c.shutdown()
	return nil
}
