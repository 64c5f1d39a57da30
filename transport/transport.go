// Package transport provides the duplex message transports the control-plane
// protocol runs over.
//
// A transport delivers whole messages (JSON documents) in both directions
// over a single connection. Two implementations are provided: length-prefixed
// framing over TCP, and WebSocket. Both expose bounded, timeout-based reads
// so the server and client loops remain responsive to stop signals.
package transport

import (
	"context"
	"errors"
	"net"
	"time"
)

// MaxMessageSize is the maximum accepted size of a single wire message.
const MaxMessageSize = 16 * 1024 * 1024

var (
	// ErrTimeout indicates that no message arrived within the read timeout.
	// A timeout leaves the connection usable; any other read error is fatal.
	ErrTimeout = errors.New("transport: read timeout")

	// ErrClosed indicates the connection or listener is closed.
	ErrClosed = errors.New("transport: closed")
)

// IsTimeout reports whether err is a bounded-wait expiry rather than a
// connection failure.
func IsTimeout(err error) bool {
	if errors.Is(err, ErrTimeout) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Conn is a duplex message connection.
//
// ReadMessage and WriteMessage are safe for one concurrent reader and one
// concurrent writer, matching the single-receiver/single-sender design of
// the server and client loops.
type Conn interface {
	// ReadMessage returns the next whole message, waiting at most timeout.
	// It returns ErrTimeout when the wait expires with the connection still
	// healthy, and a permanent error (ErrClosed or the underlying failure)
	// once the connection is dead.
	ReadMessage(timeout time.Duration) ([]byte, error)

	// WriteMessage writes one whole message, waiting at most timeout.
	WriteMessage(data []byte, timeout time.Duration) error

	// Close closes the connection. Safe to call more than once.
	Close() error

	// RemoteAddr returns the remote network address.
	RemoteAddr() net.Addr
}

// Listener accepts inbound message connections.
type Listener interface {
	// Accept returns the next inbound connection, waiting at most timeout.
	// It returns ErrTimeout when the wait expires, and ErrClosed once the
	// listener is closed.
	Accept(timeout time.Duration) (Conn, error)

	// Close stops listening. Safe to call more than once.
	Close() error

	// Addr returns the bound network address.
	Addr() net.Addr
}

// Dialer opens outbound message connections.
type Dialer interface {
	// Dial opens a connection to the configured remote endpoint.
	Dial(ctx context.Context, timeout time.Duration) (Conn, error)
}
