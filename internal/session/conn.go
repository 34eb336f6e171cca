package session

// Conn is the transport face of one client socket. The API server's
// websocket wrapper implements it; tests substitute an in-memory fake.
type Conn interface {
	// Send queues msg for delivery without blocking on the peer. An
	// error means the socket is beyond saving.
	Send(msg []byte) error

	// Close tears the socket down. Safe to call repeatedly.
	Close() error

	// Alive reports whether the socket can still deliver messages.
	Alive() bool
}
