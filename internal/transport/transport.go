// Package transport provides the CSI stream transports of an ESPARGOS
// controller: a low-latency UDP datagram path and a reliable WebSocket
// fallback. Both deliver raw stream frames; decoding is the caller's job.
package transport

import (
	"context"
	"errors"
	"time"
)

// Stream is one connected CSI stream transport. Implementations are not safe
// for concurrent Receive calls; a board link owns exactly one receive loop.
type Stream interface {
	// Connect establishes the stream, including the controller handshake.
	Connect(ctx context.Context) error

	// Receive blocks until the next raw frame arrives or the context is
	// cancelled. A stream that stays silent beyond the idle timeout returns
	// ErrStreamIdle; the caller treats that as a dropped connection.
	Receive(ctx context.Context) ([]byte, error)

	// Close tears the stream down. Safe to call more than once.
	Close() error

	// Kind names the transport for logs ("udp", "websocket").
	Kind() string
}

// Transport connection errors.
var (
	// ErrHandshake means the controller did not confirm the stream with the
	// expected magic packet within the handshake timeout.
	ErrHandshake = errors.New("csi stream handshake failed")

	// ErrStreamIdle means no frame (not even a keepalive) arrived within the
	// idle timeout while connected.
	ErrStreamIdle = errors.New("csi stream idle timeout")

	// ErrRejected means the controller explicitly refused the stream request.
	ErrRejected = errors.New("csi stream request rejected")
)

// Defaults shared by both transports.
const (
	DefaultHandshakeTimeout = 3 * time.Second
	DefaultIdleTimeout      = 5 * time.Second

	// KeepaliveInterval is the fixed cadence of client keepalive frames on
	// the datagram path, independent of data traffic. The reliable transport
	// needs none.
	KeepaliveInterval = 1 * time.Second

	// pollInterval bounds how long a blocked read can outlive a cancelled
	// context on the datagram path.
	pollInterval = 200 * time.Millisecond
)

// LinkState is the connection state of one board link. The failover sequence
// is modelled explicitly so tests can drive each transition.
type LinkState int32

const (
	StateUnconnected LinkState = iota
	StateTryingFast
	StateTryingFallback
	StateConnected
	StateReconnecting
	StateLost
)

func (s LinkState) String() string {
	switch s {
	case StateUnconnected:
		return "unconnected"
	case StateTryingFast:
		return "trying-fast"
	case StateTryingFallback:
		return "trying-fallback"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateLost:
		return "lost"
	}
	return "unknown"
}
