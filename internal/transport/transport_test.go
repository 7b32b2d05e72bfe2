package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/espargos/goespargos/internal/wire"
)

// fakeBoard is a loopback UDP peer that answers an enable request with the
// handshake magic and then streams the given payloads.
type fakeBoard struct {
	t        *testing.T
	conn     *net.UDPConn
	mu       sync.Mutex
	client   *net.UDPAddr
	rejected bool
}

func newFakeBoard(t *testing.T) *fakeBoard {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return &fakeBoard{t: t, conn: conn}
}

// enable is the EnableFunc the transport calls; on enable it sends the magic
// to the client port.
func (fb *fakeBoard) enable(ctx context.Context, port int, enable bool) error {
	if !enable {
		return nil
	}
	if fb.rejected {
		return ErrRejected
	}
	fb.mu.Lock()
	fb.client = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
	fb.mu.Unlock()
	_, err := fb.conn.WriteToUDP(wire.HandshakeMagic(), fb.client)
	return err
}

func (fb *fakeBoard) send(payload []byte) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if _, err := fb.conn.WriteToUDP(payload, fb.client); err != nil {
		fb.t.Errorf("fake board send: %v", err)
	}
}

func TestUDPConnectAndReceive(t *testing.T) {
	fb := newFakeBoard(t)
	u := NewUDP("127.0.0.1", fb.enable)

	if err := u.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer u.Close()

	want := []byte{1, 2, 3, 4}
	fb.send(want)

	got, err := u.Receive(context.Background())
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if string(got) != string(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestUDPConnectRejected(t *testing.T) {
	fb := newFakeBoard(t)
	fb.rejected = true
	u := NewUDP("127.0.0.1", fb.enable)

	err := u.Connect(context.Background())
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("got %v, want ErrRejected", err)
	}
}

func TestUDPHandshakeTimeout(t *testing.T) {
	// Enable succeeds but no magic ever arrives.
	u := NewUDP("127.0.0.1", func(ctx context.Context, port int, enable bool) error { return nil })
	u.handshakeTimeout = 50 * time.Millisecond

	err := u.Connect(context.Background())
	if !errors.Is(err, ErrHandshake) {
		t.Fatalf("got %v, want ErrHandshake", err)
	}
}

func TestUDPToleratesStrayDatagramBeforeMagic(t *testing.T) {
	fb := newFakeBoard(t)
	u := NewUDP("127.0.0.1", func(ctx context.Context, port int, enable bool) error {
		if !enable {
			return nil
		}
		client := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
		fb.conn.WriteToUDP([]byte("noise"), client)
		fb.mu.Lock()
		fb.client = client
		fb.mu.Unlock()
		_, err := fb.conn.WriteToUDP(wire.HandshakeMagic(), client)
		return err
	})

	if err := u.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	u.Close()
}

func TestUDPReceiveHonoursContext(t *testing.T) {
	fb := newFakeBoard(t)
	u := NewUDP("127.0.0.1", fb.enable)
	if err := u.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer u.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := u.Receive(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("cancellation took %v, read deadline polling is broken", elapsed)
	}
}

func TestUDPIdleTimeout(t *testing.T) {
	fb := newFakeBoard(t)
	u := NewUDP("127.0.0.1", fb.enable)
	u.idleTimeout = pollInterval // one silent poll is enough
	if err := u.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer u.Close()

	_, err := u.Receive(context.Background())
	if !errors.Is(err, ErrStreamIdle) {
		t.Fatalf("got %v, want ErrStreamIdle", err)
	}
}

// wsBoard serves /csi: magic first, then the scripted payloads.
func wsBoard(t *testing.T, magic bool, payloads ...[]byte) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/csi" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if magic {
			conn.WriteMessage(websocket.BinaryMessage, wire.HandshakeMagic())
		} else {
			conn.WriteMessage(websocket.BinaryMessage, []byte("nope"))
		}
		for _, p := range payloads {
			conn.WriteMessage(websocket.BinaryMessage, p)
		}
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return strings.TrimPrefix(srv.URL, "http://")
}

func TestWSConnectAndReceive(t *testing.T) {
	host := wsBoard(t, true, []byte{9, 8, 7})
	w := NewWS(host)

	if err := w.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer w.Close()

	got, err := w.Receive(context.Background())
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if string(got) != string([]byte{9, 8, 7}) {
		t.Errorf("got %v", got)
	}
}

func TestWSRejectsBadMagic(t *testing.T) {
	host := wsBoard(t, false)
	w := NewWS(host)

	err := w.Connect(context.Background())
	if !errors.Is(err, ErrHandshake) {
		t.Fatalf("got %v, want ErrHandshake", err)
	}
}

func TestWSConnectRefused(t *testing.T) {
	w := NewWS("127.0.0.1:1")
	if err := w.Connect(context.Background()); err == nil {
		t.Fatal("expected dial error")
	}
}

func TestWSIdleTimeout(t *testing.T) {
	host := wsBoard(t, true)
	w := NewWS(host)
	w.idleTimeout = 50 * time.Millisecond

	if err := w.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer w.Close()

	_, err := w.Receive(context.Background())
	if !errors.Is(err, ErrStreamIdle) {
		t.Fatalf("got %v, want ErrStreamIdle", err)
	}
}

func TestWSReceiveHonoursContext(t *testing.T) {
	host := wsBoard(t, true)
	w := NewWS(host)
	if err := w.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := w.Receive(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}
