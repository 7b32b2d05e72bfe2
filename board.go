package espargos

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/espargos/goespargos/internal/transport"
	"github.com/espargos/goespargos/internal/wire"
)

// LinkState re-exports the transport connection state machine.
type LinkState = transport.LinkState

const (
	StateUnconnected    = transport.StateUnconnected
	StateTryingFast     = transport.StateTryingFast
	StateTryingFallback = transport.StateTryingFallback
	StateConnected      = transport.StateConnected
	StateReconnecting   = transport.StateReconnecting
	StateLost           = transport.StateLost
)

// BoardEventKind classifies board link lifecycle events.
type BoardEventKind int

const (
	// EventConnected fires on every successful stream establishment,
	// including reconnects.
	EventConnected BoardEventKind = iota
	// EventReconnecting fires when a connected stream drops and the link
	// starts its reconnect attempts.
	EventReconnecting
	// EventLost fires once when reconnect attempts are exhausted. Terminal
	// for the link; other boards are unaffected.
	EventLost
)

func (k BoardEventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventReconnecting:
		return "reconnecting"
	case EventLost:
		return "lost"
	}
	return "unknown"
}

// BoardEvent is a per-board status change, delivered through the Pool's
// event channel.
type BoardEvent struct {
	Board     string
	Kind      BoardEventKind
	State     LinkState
	Transport string    // "udp" or "websocket", empty when not connected
	Session   uuid.UUID // stream session, regenerated on every connect
	Err       error     // cause, for EventReconnecting and EventLost
}

// BoardLinkConfig configures one board link.
type BoardLinkConfig struct {
	// Name identifies the board in antennas, logs and events. Defaults to
	// Host.
	Name string

	// Host is the controller address.
	Host string

	// Transports is the connection preference order, drawn from "udp" and
	// "websocket". Default: UDP first, WebSocket fallback.
	Transports []string

	// MaxReconnects bounds the reconnect attempts after a dropped
	// connection before the link is declared lost.
	MaxReconnects int

	// ReconnectBackoff is the delay before the first reconnect attempt; it
	// doubles on every further attempt.
	ReconnectBackoff time.Duration

	// StatsInterval is the cadence of the periodic stream statistics log
	// line. Zero disables it.
	StatsInterval time.Duration
}

const (
	defaultMaxReconnects    = 5
	defaultReconnectBackoff = time.Second
)

// BoardLink maintains the CSI stream of one board: transport selection with
// fallback, frame decoding, reconnects and loss reporting. Decoded reports go
// to the sink callback; lifecycle changes go to the event callback.
type BoardLink struct {
	name    string
	host    string
	cfg     BoardLinkConfig
	control *Control

	sink   func(*CSIReport)
	events func(BoardEvent)

	state   atomic.Int32
	session atomic.Pointer[uuid.UUID]

	revision Revision
	apiInfo  APIInfo

	streamMu sync.Mutex
	stream   transport.Stream
	started  atomic.Bool
	stop     chan struct{}
	done     chan struct{}

	frames atomic.Uint64
	bytes  atomic.Uint64
	drops  atomic.Uint64

	// newStream builds a transport by kind; replaced in tests.
	newStream func(kind string) transport.Stream
}

// NewBoardLink creates an unconnected link. sink receives every decoded CSI
// report; events receives lifecycle changes. Both must be non-nil and are
// called from the link's goroutines.
func NewBoardLink(cfg BoardLinkConfig, sink func(*CSIReport), events func(BoardEvent)) *BoardLink {
	if cfg.Name == "" {
		cfg.Name = cfg.Host
	}
	if len(cfg.Transports) == 0 {
		cfg.Transports = []string{"udp", "websocket"}
	}
	if cfg.MaxReconnects <= 0 {
		cfg.MaxReconnects = defaultMaxReconnects
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = defaultReconnectBackoff
	}

	b := &BoardLink{
		name:    cfg.Name,
		host:    cfg.Host,
		cfg:     cfg,
		control: NewControl(cfg.Host),
		sink:    sink,
		events:  events,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	b.newStream = b.buildStream
	return b
}

// Name returns the board identifier used in antennas and events.
func (b *BoardLink) Name() string { return b.name }

// Control returns the board's HTTP control client.
func (b *BoardLink) Control() *Control { return b.control }

// Revision returns the board's hardware revision, valid after Connect.
func (b *BoardLink) Revision() Revision { return b.revision }

// State returns the current connection state.
func (b *BoardLink) State() LinkState { return LinkState(b.state.Load()) }

// Session returns the current stream session ID, zero when not connected.
func (b *BoardLink) Session() uuid.UUID {
	if s := b.session.Load(); s != nil {
		return *s
	}
	return uuid.UUID{}
}

// Antennas enumerates the link's antennas, valid after Connect.
func (b *BoardLink) Antennas() []Antenna {
	ants := make([]Antenna, b.revision.Antennas)
	for i := range ants {
		ants[i] = Antenna{Board: b.name, Index: i}
	}
	return ants
}

func (b *BoardLink) setState(s LinkState) {
	b.state.Store(int32(s))
}

func (b *BoardLink) buildStream(kind string) transport.Stream {
	switch kind {
	case "udp":
		return transport.NewUDP(b.host, func(ctx context.Context, port int, enable bool) error {
			if enable {
				return b.control.EnableUDPStream(ctx, port)
			}
			return b.control.DisableUDPStream(ctx)
		})
	case "websocket":
		return transport.NewWS(b.host)
	}
	return nil
}

// Connect identifies the controller, establishes the CSI stream over the
// preferred transport and starts the receive loop. Returns ErrUnreachable
// when no transport succeeds.
func (b *BoardLink) Connect(ctx context.Context) error {
	if err := b.identify(ctx); err != nil {
		return err
	}

	if err := b.establish(ctx); err != nil {
		b.setState(StateUnconnected)
		return err
	}

	b.started.Store(true)
	go b.run()
	return nil
}

// currentStream returns the live stream under the lock.
func (b *BoardLink) currentStream() transport.Stream {
	b.streamMu.Lock()
	defer b.streamMu.Unlock()
	return b.stream
}

// identify verifies the controller and resolves its hardware revision.
func (b *BoardLink) identify(ctx context.Context) error {
	if _, err := b.control.Identify(ctx); err != nil {
		return fmt.Errorf("%w: board %s: %v", ErrUnreachable, b.name, err)
	}
	info, err := b.control.APIInfo(ctx)
	if err != nil {
		return fmt.Errorf("board %s: %w", b.name, err)
	}
	rev, ok := LookupRevision(info.Revision)
	if !ok {
		return fmt.Errorf("%w: board %s reports unknown revision %q", ErrUnexpectedResponse, b.name, info.Revision)
	}
	b.apiInfo = info
	b.revision = rev
	return nil
}

// establish tries each configured transport in order and keeps the first
// stream whose handshake succeeds.
func (b *BoardLink) establish(ctx context.Context) error {
	var errs []error
	for _, kind := range b.cfg.Transports {
		if kind == "udp" && b.apiInfo.APIMajor < 1 {
			// Pre-1.0 firmware has no UDP streaming endpoint.
			errs = append(errs, fmt.Errorf("udp: unsupported by API %d.%d", b.apiInfo.APIMajor, b.apiInfo.APIMinor))
			continue
		}
		stream := b.newStream(kind)
		if stream == nil {
			errs = append(errs, fmt.Errorf("unknown transport %q", kind))
			continue
		}

		if kind == "udp" {
			b.setState(StateTryingFast)
		} else {
			b.setState(StateTryingFallback)
		}
		if err := stream.Connect(ctx); err != nil {
			log.Printf("[BoardLink] %s: %s stream failed: %v", b.name, stream.Kind(), err)
			errs = append(errs, fmt.Errorf("%s: %w", stream.Kind(), err))
			continue
		}

		session := uuid.New()
		b.session.Store(&session)
		b.streamMu.Lock()
		b.stream = stream
		b.streamMu.Unlock()
		b.setState(StateConnected)
		log.Printf("[BoardLink] %s: connected via %s, session %s", b.name, stream.Kind(), session)
		b.events(BoardEvent{
			Board: b.name, Kind: EventConnected, State: StateConnected,
			Transport: stream.Kind(), Session: session,
		})
		return nil
	}
	return fmt.Errorf("%w: board %s: %v", ErrUnreachable, b.name, errors.Join(errs...))
}

// run is the receive loop: decode frames, hand reports to the sink, absorb
// keepalives, survive reconnects, declare loss when attempts run out.
func (b *BoardLink) run() {
	defer close(b.done)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-b.stop
		cancel()
	}()

	var statsC <-chan time.Time
	if b.cfg.StatsInterval > 0 {
		ticker := time.NewTicker(b.cfg.StatsInterval)
		defer ticker.Stop()
		statsC = ticker.C
	}

	for {
		select {
		case <-b.stop:
			return
		case <-statsC:
			b.logStats()
		default:
		}

		payload, err := b.currentStream().Receive(ctx)
		if err != nil {
			select {
			case <-b.stop:
				return
			default:
			}
			log.Printf("[BoardLink] %s: stream dropped: %v", b.name, err)
			if !b.reconnect(ctx, err) {
				return
			}
			continue
		}
		b.handlePayload(payload)
	}
}

func (b *BoardLink) handlePayload(payload []byte) {
	frame, err := wire.DecodeFrame(payload)
	if err != nil {
		// Local damage only: drop the payload, keep the stream.
		b.drops.Add(1)
		log.Printf("[BoardLink] %s: dropping frame: %v", b.name, err)
		return
	}
	if frame.Keepalive {
		return
	}
	b.frames.Add(1)
	b.bytes.Add(uint64(len(payload)))
	b.sink(reportFromWire(b.name, frame.Report))
}

// reconnect runs the bounded backoff loop after a dropped stream. Returns
// false when the link is lost.
func (b *BoardLink) reconnect(ctx context.Context, cause error) bool {
	b.setState(StateReconnecting)
	b.currentStream().Close()
	b.events(BoardEvent{
		Board: b.name, Kind: EventReconnecting, State: StateReconnecting,
		Session: b.Session(), Err: cause,
	})

	backoff := b.cfg.ReconnectBackoff
	for attempt := 1; attempt <= b.cfg.MaxReconnects; attempt++ {
		select {
		case <-b.stop:
			return false
		case <-time.After(backoff):
		}
		backoff *= 2

		log.Printf("[BoardLink] %s: reconnect attempt %d/%d", b.name, attempt, b.cfg.MaxReconnects)
		if err := b.establish(ctx); err != nil {
			log.Printf("[BoardLink] %s: reconnect failed: %v", b.name, err)
			b.setState(StateReconnecting)
			continue
		}
		return true
	}

	b.setState(StateLost)
	log.Printf("[BoardLink] %s: lost after %d reconnect attempts", b.name, b.cfg.MaxReconnects)
	b.events(BoardEvent{
		Board: b.name, Kind: EventLost, State: StateLost,
		Err: fmt.Errorf("%w: board %s: %v", ErrUnreachable, b.name, cause),
	})
	return false
}

func (b *BoardLink) logStats() {
	log.Printf("[BoardLink] %s: %s frames, %s received, %s dropped",
		b.name,
		humanize.Comma(int64(b.frames.Load())),
		humanize.Bytes(b.bytes.Load()),
		humanize.Comma(int64(b.drops.Load())))
}

// Stop tears the link down. The Pool calls it exactly once per link.
func (b *BoardLink) Stop() {
	close(b.stop)
	if s := b.currentStream(); s != nil {
		s.Close()
	}
	if b.started.Load() {
		<-b.done
	}
	b.setState(StateUnconnected)
}
