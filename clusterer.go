package espargos

import (
	"container/heap"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// ClustererConfig contains configuration for the Clusterer.
type ClustererConfig struct {
	// Window is the alignment window W: reports of the same frame (same
	// transmitter and sequence hint) match only while their reception
	// timestamps stay within W of each other. Empirically tuned per
	// deployment; the default is only a starting point.
	Window time.Duration

	// GraceMultiple bounds worst-case memory under packet storms: a candidate
	// whose deadline is exceeded by more than GraceMultiple×Window is
	// discarded without being emitted.
	GraceMultiple int

	// SweepInterval is the cadence of the wall-clock expiry sweep that
	// flushes candidates when the stream goes quiet.
	SweepInterval time.Duration

	// QueueSize is the capacity of the ingestion channel all board links
	// feed into.
	QueueSize int
}

const (
	defaultWindow        = 50 * time.Microsecond
	defaultGraceMultiple = 8
	defaultQueueSize     = 1024
)

// clusterConsumer delivers emitted clusters, optionally reduced to an
// antenna subset.
type clusterConsumer struct {
	cb     func(*Cluster)
	subset []Antenna
}

func (cc *clusterConsumer) deliver(c *Cluster) {
	if len(cc.subset) > 0 {
		if c = c.subset(cc.subset); c == nil {
			return
		}
	}
	cc.cb(c)
}

// candidate is one in-flight cluster under construction. Its lifecycle is
// open → closing (expired, queued for emission) → emitted, or open →
// discarded when it overstays the grace bound.
type candidate struct {
	key      candidateKey
	deadline uint64 // reception-clock ns: first report timestamp + window
	latest   uint64 // highest constituent timestamp; bounds the span check
	arrived  time.Time
	cluster  *Cluster
	index    int // heap index
}

// candidateKey identifies one over-the-air frame: transmitter, board-assigned
// sequence hint and the alignment bucket of the report that opened the
// candidate. Lookups probe the neighboring buckets too, so a frame whose
// reports straddle a bucket edge still matches one candidate.
type candidateKey struct {
	mac    MAC
	seq    uint16
	bucket uint64
}

// candidateHeap orders candidates by deadline so expired candidates are
// emitted in timestamp order, not arrival order.
type candidateHeap []*candidate

func (h candidateHeap) Len() int            { return len(h) }
func (h candidateHeap) Less(i, j int) bool  { return h[i].deadline < h[j].deadline }
func (h candidateHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *candidateHeap) Push(x interface{}) { c := x.(*candidate); c.index = len(*h); *h = append(*h, c) }
func (h *candidateHeap) Pop() interface{} {
	old := *h
	n := len(old)
	c := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return c
}

// Clusterer groups per-antenna CSI reports from all board links into
// per-frame clusters and emits them to registered consumers in timestamp
// order. A single goroutine owns all candidate state; board links only send
// into the ingestion channel, so no per-report locking serializes the links
// against each other.
type Clusterer struct {
	window  uint64 // ns
	grace   uint64 // ns, GraceMultiple × window
	sweep   time.Duration
	in      chan *CSIReport
	started atomic.Bool
	stop    chan struct{}
	stopped chan struct{}

	mu        sync.RWMutex
	consumers []*clusterConsumer

	// Owned by the run goroutine.
	candidates map[candidateKey]*candidate
	deadlines  candidateHeap
	maxSeen    uint64 // highest reception timestamp observed
	emitted    map[candidateKey]time.Time

	dispatch     chan *Cluster
	dispatchDone chan struct{}
}

// NewClusterer creates a clusterer. Call Start to begin processing.
func NewClusterer(cfg ClustererConfig) *Clusterer {
	if cfg.Window <= 0 {
		cfg.Window = defaultWindow
	}
	if cfg.GraceMultiple <= 0 {
		cfg.GraceMultiple = defaultGraceMultiple
	}
	if cfg.SweepInterval <= 0 {
		// Flush quiet candidates with bounded latency even when no further
		// reports arrive to push the reception clock forward.
		cfg.SweepInterval = 4 * cfg.Window
		if cfg.SweepInterval < time.Millisecond {
			cfg.SweepInterval = time.Millisecond
		}
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}

	return &Clusterer{
		window:       uint64(cfg.Window.Nanoseconds()),
		grace:        uint64(cfg.GraceMultiple) * uint64(cfg.Window.Nanoseconds()),
		sweep:        cfg.SweepInterval,
		in:           make(chan *CSIReport, cfg.QueueSize),
		stop:         make(chan struct{}),
		stopped:      make(chan struct{}),
		candidates:   make(map[candidateKey]*candidate),
		emitted:      make(map[candidateKey]time.Time),
		dispatch:     make(chan *Cluster, 64),
		dispatchDone: make(chan struct{}),
	}
}

// Register adds a consumer callback and returns a function that removes it
// again. If antennas is non-empty, each cluster is reduced to that subset
// before delivery and skipped entirely when none of the subset contributed.
// Callbacks run on a single dispatch goroutine, one cluster at a time, in
// emission order.
func (ce *Clusterer) Register(cb func(*Cluster), antennas ...Antenna) (unregister func()) {
	cc := &clusterConsumer{cb: cb, subset: antennas}
	ce.mu.Lock()
	ce.consumers = append(ce.consumers, cc)
	ce.mu.Unlock()

	return func() {
		ce.mu.Lock()
		defer ce.mu.Unlock()
		for i, existing := range ce.consumers {
			if existing == cc {
				ce.consumers = append(ce.consumers[:i:i], ce.consumers[i+1:]...)
				return
			}
		}
	}
}

// Ingest queues one report for clustering. Safe to call from any number of
// board link goroutines. Reports arriving after Stop are dropped.
func (ce *Clusterer) Ingest(r *CSIReport) {
	select {
	case ce.in <- r:
	case <-ce.stopped:
	}
}

// Start launches the clustering goroutine and the consumer dispatch worker.
func (ce *Clusterer) Start() {
	if !ce.started.CompareAndSwap(false, true) {
		return
	}
	go ce.dispatchWorker()
	go ce.run()
}

// Stop drains the ingestion queue, emits all in-flight candidates as partial
// clusters in deadline order and waits for consumers to observe them.
func (ce *Clusterer) Stop() {
	if !ce.started.Load() {
		return
	}
	close(ce.stop)
	<-ce.stopped
}

func (ce *Clusterer) run() {
	ticker := time.NewTicker(ce.sweep)
	defer ticker.Stop()

	for {
		select {
		case r := <-ce.in:
			ce.add(r)
			ce.expire(false)
		case <-ticker.C:
			ce.expire(true)
		case <-ce.stop:
			// Drain whatever the links managed to queue before stopping.
			for {
				select {
				case r := <-ce.in:
					ce.add(r)
				default:
					ce.drain()
					close(ce.dispatch)
					<-ce.dispatchDone
					close(ce.stopped)
					return
				}
			}
		}
	}
}

// neighborhood returns the candidate keys a report can match: its own bucket
// and the two adjacent ones.
func (ce *Clusterer) neighborhood(mac MAC, seq uint16, bucket uint64) []candidateKey {
	keys := make([]candidateKey, 0, 3)
	keys = append(keys, candidateKey{mac: mac, seq: seq, bucket: bucket})
	if bucket > 0 {
		keys = append(keys, candidateKey{mac: mac, seq: seq, bucket: bucket - 1})
	}
	return append(keys, candidateKey{mac: mac, seq: seq, bucket: bucket + 1})
}

// add routes one report into its candidate, creating it if needed. Matching
// follows the transmitter MAC and the board-assigned sequence hint; the
// bucket scopes the search so hint reuse across distant frames cannot
// collide, and the window bounds the span of any one cluster.
func (ce *Clusterer) add(r *CSIReport) {
	if r.Timestamp > ce.maxSeen {
		ce.maxSeen = r.Timestamp
	}

	keys := ce.neighborhood(r.SourceMAC, r.SeqHint, r.Timestamp/ce.window)
	for _, key := range keys {
		if _, done := ce.emitted[key]; done {
			// Same frame re-delivered after its cluster was already emitted,
			// e.g. by a link that re-synchronized after a transient drop.
			return
		}
	}

	var c *candidate
	for _, key := range keys {
		cand, ok := ce.candidates[key]
		if !ok {
			continue
		}
		lo, hi := cand.cluster.Timestamp, cand.latest
		if r.Timestamp < lo {
			lo = r.Timestamp
		}
		if r.Timestamp > hi {
			hi = r.Timestamp
		}
		if hi-lo > ce.window {
			continue
		}
		c = cand
		break
	}
	if c == nil {
		c = &candidate{
			key:      keys[0],
			deadline: r.Timestamp + ce.window,
			latest:   r.Timestamp,
			arrived:  time.Now(),
			cluster: &Cluster{
				SourceMAC: r.SourceMAC,
				Timestamp: r.Timestamp,
				Reports:   map[Antenna]*CSIReport{r.Antenna: r},
			},
		}
		ce.candidates[c.key] = c
		heap.Push(&ce.deadlines, c)
		return
	}

	// First-seen wins per antenna; boards that double-send are ignored.
	if _, dup := c.cluster.Reports[r.Antenna]; dup {
		return
	}
	c.cluster.Reports[r.Antenna] = r
	if r.Timestamp < c.cluster.Timestamp {
		c.cluster.Timestamp = r.Timestamp
	}
	if r.Timestamp > c.latest {
		c.latest = r.Timestamp
	}
}

// expire finalizes candidates whose deadline has passed on the reception
// clock and, on periodic sweeps, candidates that have sat untouched on the
// wall clock (a quiet stream never advances maxSeen). Candidates that
// overstayed the grace bound are discarded unemitted.
func (ce *Clusterer) expire(wallSweep bool) {
	now := time.Now()
	for ce.deadlines.Len() > 0 {
		c := ce.deadlines[0]
		byClock := ce.maxSeen >= c.deadline
		byWall := wallSweep && now.Sub(c.arrived) >= ce.sweep
		if !byClock && !byWall {
			break
		}
		heap.Pop(&ce.deadlines)
		delete(ce.candidates, c.key)
		ce.emitted[c.key] = now

		if byClock && ce.maxSeen > c.deadline+ce.grace {
			// Deadline overshot by more than the grace bound: a packet storm
			// or a wildly late sweep. Discard to bound memory.
			log.Printf("[Clusterer] discarding stale candidate mac=%s ts=%d (deadline exceeded by %dns)",
				c.cluster.SourceMAC, c.cluster.Timestamp, ce.maxSeen-c.deadline)
			continue
		}
		ce.dispatch <- c.cluster
	}

	if wallSweep {
		ce.pruneEmitted(now)
	}
}

// pruneEmitted forgets emitted-cluster keys once re-delivery is no longer
// plausible, so the duplicate guard does not grow without bound.
func (ce *Clusterer) pruneEmitted(now time.Time) {
	cutoff := 16 * ce.sweep
	for key, at := range ce.emitted {
		if now.Sub(at) > cutoff {
			delete(ce.emitted, key)
		}
	}
}

// drain emits every remaining candidate, partial or not, in deadline order.
func (ce *Clusterer) drain() {
	for ce.deadlines.Len() > 0 {
		c := heap.Pop(&ce.deadlines).(*candidate)
		delete(ce.candidates, c.key)
		ce.dispatch <- c.cluster
	}
}

// dispatchWorker serializes consumer callbacks so clusters arrive in
// emission order and no consumer observes two clusters concurrently.
func (ce *Clusterer) dispatchWorker() {
	defer close(ce.dispatchDone)
	for c := range ce.dispatch {
		ce.mu.RLock()
		consumers := ce.consumers
		ce.mu.RUnlock()
		for _, cc := range consumers {
			cc.deliver(c)
		}
	}
}
