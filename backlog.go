package espargos

import (
	"fmt"
	"sync"
)

// BacklogField selects which parts of a cluster a Backlog retains.
type BacklogField string

const (
	FieldLLTF      BacklogField = "lltf"
	FieldHT20      BacklogField = "ht20"
	FieldHT40      BacklogField = "ht40"
	FieldRSSI      BacklogField = "rssi"
	FieldTimestamp BacklogField = "timestamp"
	FieldMAC       BacklogField = "mac"
)

var validBacklogFields = map[BacklogField]bool{
	FieldLLTF: true, FieldHT20: true, FieldHT40: true,
	FieldRSSI: true, FieldTimestamp: true, FieldMAC: true,
}

// BacklogOptions contains optional Backlog behaviour.
type BacklogOptions struct {
	// MACFilter, when non-empty, retains only clusters from these
	// transmitters; everything else is dropped at ingestion, before it
	// occupies a ring slot.
	MACFilter []MAC

	// Antennas restricts the backlog to a subset of the array. Empty means
	// all antennas.
	Antennas []Antenna

	// OnUpdate, when set, is called after every entry written to the ring,
	// so consumers need not poll. Runs on the cluster dispatch goroutine;
	// keep it short.
	OnUpdate func()
}

// BacklogEntry is one field-reduced, calibrated cluster in the ring. Maps for
// unconfigured fields are nil; antennas that did not contribute are absent
// keys, never zero values.
type BacklogEntry struct {
	LLTF       map[Antenna][]complex64
	HT20       map[Antenna][]complex64
	HT40       map[Antenna][]complex64
	RSSI       map[Antenna]float64
	Timestamps map[Antenna]uint64
	MAC        MAC
}

// Backlog is a fixed-capacity ring of the most recent clusters, reduced to a
// configured field set, with the pool's current calibration applied at
// ingestion. One writer (the cluster consumer), any number of snapshot
// readers.
type Backlog struct {
	size     int
	fields   map[BacklogField]bool
	filter   map[MAC]bool // nil means no filtering
	onUpdate func()
	coeff    func() *Coefficients

	mu      sync.RWMutex
	entries []BacklogEntry
	next    int
	count   int

	unregister func()
}

// NewBacklog creates a backlog fed by the pool's cluster stream. size must be
// at least 1 and every field must be known, otherwise ErrBacklogMisconfigured.
// Close releases the cluster subscription.
func NewBacklog(pool *Pool, size int, fields []BacklogField, opts BacklogOptions) (*Backlog, error) {
	b, err := newBacklog(size, fields, opts, pool.Coefficients)
	if err != nil {
		return nil, err
	}
	b.unregister = pool.RegisterClusterConsumer(b.onCluster, opts.Antennas...)
	return b, nil
}

func newBacklog(size int, fields []BacklogField, opts BacklogOptions, coeff func() *Coefficients) (*Backlog, error) {
	if size < 1 {
		return nil, fmt.Errorf("%w: size %d, need at least 1", ErrBacklogMisconfigured, size)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: empty field set", ErrBacklogMisconfigured)
	}
	fieldSet := make(map[BacklogField]bool, len(fields))
	for _, f := range fields {
		if !validBacklogFields[f] {
			return nil, fmt.Errorf("%w: unknown field %q", ErrBacklogMisconfigured, f)
		}
		fieldSet[f] = true
	}
	if coeff == nil {
		coeff = func() *Coefficients { return nil }
	}
	var filter map[MAC]bool
	if len(opts.MACFilter) > 0 {
		filter = make(map[MAC]bool, len(opts.MACFilter))
		for _, m := range opts.MACFilter {
			filter[m] = true
		}
	}
	return &Backlog{
		size:     size,
		fields:   fieldSet,
		filter:   filter,
		onUpdate: opts.OnUpdate,
		coeff:    coeff,
		entries:  make([]BacklogEntry, size),
	}, nil
}

// Close stops feeding the backlog. Retained entries stay readable.
func (b *Backlog) Close() {
	if b.unregister != nil {
		b.unregister()
	}
}

// onCluster reduces one cluster to the configured fields and writes the next
// ring slot. Calibration coefficients are loaded once per cluster; the entry
// is assembled outside the lock so readers only ever wait for the slot write.
func (b *Backlog) onCluster(c *Cluster) {
	if b.filter != nil && !b.filter[c.SourceMAC] {
		return
	}

	coeff := b.coeff()
	entry := BacklogEntry{}
	if b.fields[FieldLLTF] {
		entry.LLTF = b.reduceSamples(c, LLTF, coeff)
	}
	if b.fields[FieldHT20] {
		entry.HT20 = b.reduceSamples(c, HT20, coeff)
	}
	if b.fields[FieldHT40] {
		entry.HT40 = b.reduceSamples(c, HT40, coeff)
	}
	if b.fields[FieldRSSI] {
		entry.RSSI = c.RSSI()
	}
	if b.fields[FieldTimestamp] {
		entry.Timestamps = c.Timestamps()
	}
	if b.fields[FieldMAC] {
		entry.MAC = c.SourceMAC
	}

	b.mu.Lock()
	b.entries[b.next] = entry
	b.next = (b.next + 1) % b.size
	if b.count < b.size {
		b.count++
	}
	b.mu.Unlock()

	if b.onUpdate != nil {
		b.onUpdate()
	}
}

func (b *Backlog) reduceSamples(c *Cluster, kind PreambleKind, coeff *Coefficients) map[Antenna][]complex64 {
	out := make(map[Antenna][]complex64)
	for a, r := range c.Reports {
		samples, ok := r.Samples[kind]
		if !ok {
			continue
		}
		out[a] = coeff.Apply(kind, a, samples)
	}
	return out
}

// snapshot returns the retained entries oldest to newest.
func (b *Backlog) snapshot() []BacklogEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]BacklogEntry, 0, b.count)
	start := (b.next - b.count + b.size) % b.size
	for i := 0; i < b.count; i++ {
		out = append(out, b.entries[(start+i)%b.size])
	}
	return out
}

// Len returns the number of retained entries.
func (b *Backlog) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

// Latest returns the newest entry, or false when the backlog is empty.
func (b *Backlog) Latest() (BacklogEntry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.count == 0 {
		return BacklogEntry{}, false
	}
	return b.entries[(b.next-1+b.size)%b.size], true
}

// LLTF returns per-entry LLTF samples, oldest to newest. Nil maps when the
// field is not configured.
func (b *Backlog) LLTF() []map[Antenna][]complex64 {
	return collectField(b, func(e BacklogEntry) map[Antenna][]complex64 { return e.LLTF })
}

// HT20 returns per-entry HT20 samples, oldest to newest.
func (b *Backlog) HT20() []map[Antenna][]complex64 {
	return collectField(b, func(e BacklogEntry) map[Antenna][]complex64 { return e.HT20 })
}

// HT40 returns per-entry HT40 samples, oldest to newest.
func (b *Backlog) HT40() []map[Antenna][]complex64 {
	return collectField(b, func(e BacklogEntry) map[Antenna][]complex64 { return e.HT40 })
}

// RSSI returns per-entry RSSI maps, oldest to newest.
func (b *Backlog) RSSI() []map[Antenna]float64 {
	return collectField(b, func(e BacklogEntry) map[Antenna]float64 { return e.RSSI })
}

// Timestamps returns per-entry reception timestamps, oldest to newest.
func (b *Backlog) Timestamps() []map[Antenna]uint64 {
	return collectField(b, func(e BacklogEntry) map[Antenna]uint64 { return e.Timestamps })
}

// MACs returns per-entry transmitter addresses, oldest to newest.
func (b *Backlog) MACs() []MAC {
	return collectField(b, func(e BacklogEntry) MAC { return e.MAC })
}

// Entries returns full snapshots, oldest to newest.
func (b *Backlog) Entries() []BacklogEntry {
	return b.snapshot()
}

func collectField[T any](b *Backlog, get func(BacklogEntry) T) []T {
	entries := b.snapshot()
	out := make([]T, len(entries))
	for i, e := range entries {
		out[i] = get(e)
	}
	return out
}
