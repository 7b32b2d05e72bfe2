package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/espargos/goespargos/internal/wire"
)

// WS is the reliable fallback stream transport. The controller serves the
// same frame schema as binary WebSocket messages on /csi; no keepalives are
// required on this path.
type WS struct {
	url              string
	handshakeTimeout time.Duration
	idleTimeout      time.Duration

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWS creates an unconnected WebSocket transport for the controller at
// host (e.g. "192.168.1.2" or "board:8080").
func NewWS(host string) *WS {
	return &WS{
		url:              "ws://" + host + "/csi",
		handshakeTimeout: DefaultHandshakeTimeout,
		idleTimeout:      DefaultIdleTimeout,
	}
}

func (w *WS) Kind() string { return "websocket" }

// Connect dials the stream endpoint and waits for the handshake magic as the
// first message.
func (w *WS) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: w.handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", w.url, err)
	}

	conn.SetReadDeadline(time.Now().Add(w.handshakeTimeout))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	if !wire.IsHandshake(msg) {
		conn.Close()
		return fmt.Errorf("%w: invalid magic message from %s", ErrHandshake, w.url)
	}

	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()
	return nil
}

// Receive returns the next binary message. A read deadline equal to the idle
// timeout doubles as the silence detector: a WebSocket read deadline expiry
// poisons the connection, which is exactly the dropped-stream semantic the
// caller reconnects on. Context cancellation closes the connection to
// unblock the read.
func (w *WS) Receive(ctx context.Context) ([]byte, error) {
	w.mu.Lock()
	conn := w.conn
	w.mu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("websocket %s: not connected", w.url)
	}

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()
	defer close(stop)

	conn.SetReadDeadline(time.Now().Add(w.idleTimeout))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if netErr, ok := err.(interface{ Timeout() bool }); ok && netErr.Timeout() {
			return nil, ErrStreamIdle
		}
		return nil, fmt.Errorf("websocket read from %s: %w", w.url, err)
	}
	return msg, nil
}

// Close shuts the connection down.
func (w *WS) Close() error {
	w.mu.Lock()
	conn := w.conn
	w.conn = nil
	w.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}
