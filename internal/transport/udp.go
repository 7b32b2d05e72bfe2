package transport

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/espargos/goespargos/internal/wire"
)

// EnableFunc asks the controller (over its control channel) to start or stop
// streaming CSI datagrams to the given local port. The transport does not
// speak HTTP itself; the board link supplies this hook.
type EnableFunc func(ctx context.Context, port int, enable bool) error

// UDP is the low-latency stream transport. It binds an ephemeral local
// socket, asks the controller to stream to it, waits for the handshake magic
// and then sends periodic keepalives to hold intermediate firewall/NAT state
// open.
type UDP struct {
	host             string
	enable           EnableFunc
	handshakeTimeout time.Duration
	idleTimeout      time.Duration

	conn   *net.UDPConn
	remote *net.UDPAddr
	buf    []byte

	mu        sync.Mutex
	stopKeep  chan struct{}
	keepEnded chan struct{}
	closed    bool
}

// NewUDP creates an unconnected UDP transport for the controller at host.
func NewUDP(host string, enable EnableFunc) *UDP {
	return &UDP{
		host:             host,
		enable:           enable,
		handshakeTimeout: DefaultHandshakeTimeout,
		idleTimeout:      DefaultIdleTimeout,
		buf:              make([]byte, 65535),
	}
}

func (u *UDP) Kind() string { return "udp" }

// Connect binds the local socket, triggers controller-side streaming and
// waits for the handshake packet. On any failure the controller-side stream
// is disabled again (best effort).
func (u *UDP) Connect(ctx context.Context) error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return fmt.Errorf("bind local UDP socket: %w", err)
	}
	port := conn.LocalAddr().(*net.UDPAddr).Port

	if err := u.enable(ctx, port, true); err != nil {
		conn.Close()
		return fmt.Errorf("enable UDP stream on %s: %w", u.host, err)
	}

	// Wait for the handshake magic so we know datagrams actually make it
	// through; without it the stream request may have been blackholed.
	deadline := time.Now().Add(u.handshakeTimeout)
	conn.SetReadDeadline(deadline)
	for {
		n, addr, err := conn.ReadFromUDP(u.buf)
		if err != nil {
			conn.Close()
			u.disable(context.WithoutCancel(ctx))
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				return fmt.Errorf("%w: no magic packet from %s within %v", ErrHandshake, u.host, u.handshakeTimeout)
			}
			return fmt.Errorf("%w: %v", ErrHandshake, err)
		}
		if !wire.IsHandshake(u.buf[:n]) {
			// Stray datagram on a freshly bound ephemeral port; keep waiting
			// until the deadline.
			if time.Now().After(deadline) {
				conn.Close()
				u.disable(context.WithoutCancel(ctx))
				return fmt.Errorf("%w: invalid magic packet from %s", ErrHandshake, u.host)
			}
			continue
		}
		u.remote = addr
		break
	}

	u.mu.Lock()
	u.conn = conn
	u.closed = false
	u.stopKeep = make(chan struct{})
	u.keepEnded = make(chan struct{})
	u.mu.Unlock()

	go u.keepaliveLoop(u.stopKeep, u.keepEnded)
	return nil
}

// keepaliveLoop sends a keepalive frame to the controller on a fixed
// interval. Absence of keepalives closes NAT pinholes on some networks even
// while downstream data keeps flowing.
func (u *UDP) keepaliveLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(KeepaliveInterval)
	defer ticker.Stop()

	frame := wire.EncodeKeepalive()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if _, err := u.conn.WriteToUDP(frame, u.remote); err != nil {
				log.Printf("[transport] keepalive to %s failed: %v", u.host, err)
			}
		}
	}
}

// Receive returns the next datagram payload. Reads use short deadlines so a
// cancelled context is honoured promptly; accumulated silence beyond the idle
// timeout is reported as ErrStreamIdle.
func (u *UDP) Receive(ctx context.Context) ([]byte, error) {
	idle := time.Duration(0)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		u.conn.SetReadDeadline(time.Now().Add(pollInterval))
		n, _, err := u.conn.ReadFromUDP(u.buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				idle += pollInterval
				if idle >= u.idleTimeout {
					return nil, ErrStreamIdle
				}
				continue
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("udp read from %s: %w", u.host, err)
		}
		payload := make([]byte, n)
		copy(payload, u.buf[:n])
		return payload, nil
	}
}

// Close stops the keepalive loop, closes the socket and asks the controller
// to stop streaming.
func (u *UDP) Close() error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return nil
	}
	u.closed = true
	stop, ended := u.stopKeep, u.keepEnded
	conn := u.conn
	u.mu.Unlock()

	if stop != nil {
		close(stop)
		<-ended
	}
	var err error
	if conn != nil {
		err = conn.Close()
	}
	u.disable(context.Background())
	return err
}

func (u *UDP) disable(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := u.enable(ctx, 0, false); err != nil {
		log.Printf("[transport] disabling UDP stream on %s failed: %v", u.host, err)
	}
}
