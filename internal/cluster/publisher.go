package cluster

import (
	"net"
	"sync"
	"time"

	"github.com/skeinhq/skein/internal/logging"
)

const writeTimeout = 5 * time.Second

// publisher owns the publish channel listener. Peers dial in to
// subscribe; Broadcast writes every envelope to all of them. A peer
// that cannot keep up is dropped and re-subscribes on its next
// discovery round.
type publisher struct {
	listener net.Listener
	logger   *logging.Logger

	mu     sync.Mutex
	subs   map[net.Conn]struct{}
	closed bool

	wg sync.WaitGroup
}

func newPublisher(addr string, logger *logging.Logger) (*publisher, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	p := &publisher{
		listener: listener,
		logger:   logger,
		subs:     make(map[net.Conn]struct{}),
	}
	p.wg.Add(1)
	go p.acceptLoop()
	return p, nil
}

func (p *publisher) Addr() net.Addr {
	return p.listener.Addr()
}

func (p *publisher) acceptLoop() {
	defer p.wg.Done()
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			return
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			conn.Close()
			return
		}
		p.subs[conn] = struct{}{}
		count := len(p.subs)
		p.mu.Unlock()

		p.logger.Debug("Subscriber connected from %s (%d total)", conn.RemoteAddr(), count)
		p.wg.Add(1)
		go p.drain(conn)
	}
}

// drain discards anything the subscriber writes and detects the close.
func (p *publisher) drain(conn net.Conn) {
	defer p.wg.Done()
	buf := make([]byte, 256)
	for {
		if _, err := conn.Read(buf); err != nil {
			p.remove(conn)
			return
		}
	}
}

func (p *publisher) remove(conn net.Conn) {
	p.mu.Lock()
	_, ok := p.subs[conn]
	delete(p.subs, conn)
	p.mu.Unlock()
	if ok {
		conn.Close()
		p.logger.Debug("Subscriber %s disconnected", conn.RemoteAddr())
	}
}

// Broadcast sends the envelope to every subscriber and returns the
// delivered count. Failed subscribers are dropped.
func (p *publisher) Broadcast(env *Envelope) int {
	p.mu.Lock()
	conns := make([]net.Conn, 0, len(p.subs))
	for conn := range p.subs {
		conns = append(conns, conn)
	}
	p.mu.Unlock()

	delivered := 0
	for _, conn := range conns {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := WriteFrame(conn, env); err != nil {
			p.logger.Warn("Dropping subscriber %s: %v", conn.RemoteAddr(), err)
			p.remove(conn)
			continue
		}
		delivered++
	}
	return delivered
}

func (p *publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	conns := make([]net.Conn, 0, len(p.subs))
	for conn := range p.subs {
		conns = append(conns, conn)
	}
	p.subs = make(map[net.Conn]struct{})
	p.mu.Unlock()

	err := p.listener.Close()
	for _, conn := range conns {
		conn.Close()
	}
	p.wg.Wait()
	return err
}
