package espargos

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// CalibrationResult records the outcome of the most recent calibration run.
type CalibrationResult struct {
	Time         time.Time
	Duration     time.Duration
	Reference    Antenna
	Coefficients *Coefficients // nil when the run failed
	Err          error
}

// Pool owns the whole array: one BoardLink per configured board, the shared
// clusterer, the current calibration coefficients and the event stream.
type Pool struct {
	cfg       *Config
	links     []*BoardLink
	clusterer *Clusterer

	coeff   atomic.Pointer[Coefficients]
	lastCal atomic.Pointer[CalibrationResult]

	events  chan BoardEvent
	stopped atomic.Bool

	mu        sync.Mutex
	connected []*BoardLink
	antennas  []Antenna
	physDelay map[Antenna]float64

	calMu sync.Mutex // one calibration run at a time
}

// NewPool creates an unconnected pool from a validated configuration.
func NewPool(cfg *Config) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := &Pool{
		cfg: cfg,
		clusterer: NewClusterer(ClustererConfig{
			Window:        cfg.Clusterer.Window.Std(),
			GraceMultiple: cfg.Clusterer.GraceMultiple,
			QueueSize:     cfg.Clusterer.QueueSize,
		}),
		events: make(chan BoardEvent, 64),
	}

	for _, bc := range cfg.Boards {
		p.links = append(p.links, NewBoardLink(BoardLinkConfig{
			Name:       bc.Name,
			Host:       bc.Host,
			Transports: bc.Transports,
		}, p.clusterer.Ingest, p.publishEvent))
	}
	return p, nil
}

// publishEvent forwards a board event without ever blocking a link goroutine.
func (p *Pool) publishEvent(e BoardEvent) {
	select {
	case p.events <- e:
	default:
		log.Printf("[Pool] event channel full, dropping %s event for %s", e.Kind, e.Board)
	}
}

// Events delivers per-board lifecycle events. The channel is buffered;
// consumers that fall behind lose events, never block the array.
func (p *Pool) Events() <-chan BoardEvent {
	return p.events
}

// Start connects all boards in parallel and begins clustering. Boards that
// fail to connect put the pool in degraded mode and surface as EventLost;
// Start fails only when not a single board connects.
func (p *Pool) Start(ctx context.Context) error {
	if p.stopped.Load() {
		return ErrStopped
	}
	p.clusterer.Start()

	var g errgroup.Group
	results := make([]error, len(p.links))
	for i, link := range p.links {
		i, link := i, link
		g.Go(func() error {
			results[i] = link.Connect(ctx)
			return nil
		})
	}
	g.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	for i, link := range p.links {
		if err := results[i]; err != nil {
			log.Printf("[Pool] board %s failed to connect: %v", link.Name(), err)
			p.publishEvent(BoardEvent{Board: link.Name(), Kind: EventLost, State: StateUnconnected, Err: err})
			continue
		}
		p.connected = append(p.connected, link)
	}
	if len(p.connected) == 0 {
		return fmt.Errorf("%w: no board of %d connected", ErrUnreachable, len(p.links))
	}
	if len(p.connected) < len(p.links) {
		log.Printf("[Pool] degraded: %d of %d boards connected", len(p.connected), len(p.links))
	}

	p.antennas = nil
	p.physDelay = make(map[Antenna]float64)
	for _, link := range p.connected {
		cableDelay := p.boardConfig(link.Name()).CableDelay()
		rev := link.Revision()
		for _, a := range link.Antennas() {
			p.antennas = append(p.antennas, a)
			delay := cableDelay
			if a.Index < len(rev.TraceDelays) {
				delay += rev.TraceDelays[a.Index]
			}
			p.physDelay[a] = delay
		}
	}
	return nil
}

func (p *Pool) boardConfig(name string) BoardConfig {
	for _, bc := range p.cfg.Boards {
		if bc.Name == name {
			return bc
		}
	}
	return BoardConfig{CableVelocityFactor: 1}
}

// Antennas returns all antennas of the connected boards, valid after Start.
func (p *Pool) Antennas() []Antenna {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Antenna, len(p.antennas))
	copy(out, p.antennas)
	return out
}

// RegisterClusterConsumer subscribes to emitted clusters, optionally reduced
// to an antenna subset. The returned function unsubscribes.
func (p *Pool) RegisterClusterConsumer(cb func(*Cluster), antennas ...Antenna) func() {
	return p.clusterer.Register(cb, antennas...)
}

// Coefficients returns the calibration currently in effect, nil before the
// first successful run. The pointer is swapped atomically; a loaded set stays
// internally consistent forever.
func (p *Pool) Coefficients() *Coefficients {
	return p.coeff.Load()
}

// LastCalibration returns the outcome record of the most recent run, nil
// before the first.
func (p *Pool) LastCalibration() *CalibrationResult {
	return p.lastCal.Load()
}

// Calibrate switches every connected board's RF path to the shared phase
// reference, collects clusters for the given duration, computes coefficients
// relative to the first antenna and swaps them in atomically. The previous
// RF switch state is restored afterwards. On any failure the last known good
// coefficients stay in effect.
func (p *Pool) Calibrate(ctx context.Context, duration time.Duration) (*Coefficients, error) {
	if p.stopped.Load() {
		return nil, ErrStopped
	}
	p.calMu.Lock()
	defer p.calMu.Unlock()

	p.mu.Lock()
	links := append([]*BoardLink(nil), p.connected...)
	antennas := append([]Antenna(nil), p.antennas...)
	physDelay := p.physDelay
	p.mu.Unlock()
	if len(antennas) == 0 {
		return nil, fmt.Errorf("%w: pool not started", ErrCalibrationFailed)
	}
	reference := antennas[0]

	restore, err := p.enterCalibrationMode(ctx, links)
	if err != nil {
		p.recordCalibration(duration, reference, nil, err)
		return nil, err
	}
	defer restore()

	clusters := make(chan *Cluster, 256)
	unregister := p.clusterer.Register(func(c *Cluster) {
		select {
		case clusters <- c:
		default:
			// Calibration that cannot keep up just sees fewer clusters.
		}
	})
	defer unregister()

	ca := NewCalibrator(antennas, physDelay, CalibratorConfig{
		MinClusters:     p.cfg.Calibration.MinClusters,
		CenterFrequency: p.cfg.Calibration.CenterFrequency(),
	})
	coeff, err := ca.Run(ctx, clusters, duration, reference)
	p.recordCalibration(duration, reference, coeff, err)
	if err != nil {
		log.Printf("[Pool] calibration failed, keeping previous coefficients: %v", err)
		return nil, err
	}

	p.coeff.Store(coeff)
	log.Printf("[Pool] calibration complete: %d antennas relative to %s", len(antennas), reference)
	return coeff, nil
}

// enterCalibrationMode routes every board's receivers to the phase reference
// and returns a function restoring the previous switch states.
func (p *Pool) enterCalibrationMode(ctx context.Context, links []*BoardLink) (func(), error) {
	previous := make(map[*BoardLink]RFSwitchState, len(links))
	for _, link := range links {
		state, err := link.Control().RFSwitch(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: board %s: %v", ErrCalibrationFailed, link.Name(), err)
		}
		previous[link] = state
	}
	for _, link := range links {
		if err := link.Control().SetRFSwitch(ctx, RFSwitchReference); err != nil {
			p.restoreRFSwitch(previous)
			return nil, fmt.Errorf("%w: board %s: %v", ErrCalibrationFailed, link.Name(), err)
		}
	}
	return func() { p.restoreRFSwitch(previous) }, nil
}

func (p *Pool) restoreRFSwitch(previous map[*BoardLink]RFSwitchState) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for link, state := range previous {
		if state == RFSwitchUnknown {
			continue
		}
		if err := link.Control().SetRFSwitch(ctx, state); err != nil {
			log.Printf("[Pool] board %s: could not restore RF switch: %v", link.Name(), err)
		}
	}
}

func (p *Pool) recordCalibration(duration time.Duration, reference Antenna, coeff *Coefficients, err error) {
	p.lastCal.Store(&CalibrationResult{
		Time:         time.Now(),
		Duration:     duration,
		Reference:    reference,
		Coefficients: coeff,
		Err:          err,
	})
}

// Stop disconnects all boards, drains the clusterer (in-flight candidates
// are emitted as partial clusters) and closes the event channel. The pool
// cannot be restarted.
func (p *Pool) Stop() {
	if !p.stopped.CompareAndSwap(false, true) {
		return
	}

	p.mu.Lock()
	links := append([]*BoardLink(nil), p.connected...)
	p.mu.Unlock()

	var g errgroup.Group
	for _, link := range links {
		link := link
		g.Go(func() error {
			link.Stop()
			return nil
		})
	}
	g.Wait()

	p.clusterer.Stop()
	close(p.events)
}
