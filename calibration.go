package espargos

import (
	"context"
	"fmt"
	"math"
	"math/cmplx"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/espargos/goespargos/csiutil"
)

// Coefficients holds per-antenna phase and delay corrections relative to a
// reference antenna. The reference maps to the identity correction.
// Immutable; the Pool swaps a pointer to the current set atomically.
type Coefficients struct {
	Reference Antenna

	// Phase is the unit-magnitude rotation that aligns each antenna's carrier
	// phase to the reference.
	Phase map[Antenna]complex64

	// Delay is the sampling/propagation delay [s] of each antenna relative to
	// the reference, to be removed as a per-subcarrier phase ramp.
	Delay map[Antenna]float64
}

// PhaseFor returns the phase correction for an antenna, identity when the
// antenna is unknown or the receiver is nil.
func (c *Coefficients) PhaseFor(a Antenna) complex64 {
	if c == nil {
		return 1
	}
	if p, ok := c.Phase[a]; ok {
		return p
	}
	return 1
}

// DelayFor returns the delay correction for an antenna, zero when the antenna
// is unknown or the receiver is nil.
func (c *Coefficients) DelayFor(a Antenna) float64 {
	if c == nil {
		return 0
	}
	return c.Delay[a]
}

// Apply returns the samples of one antenna with phase and delay corrections
// applied, on the grid of the given preamble kind. A nil receiver passes
// samples through unchanged.
func (c *Coefficients) Apply(kind PreambleKind, a Antenna, samples []complex64) []complex64 {
	phase := c.PhaseFor(a)
	delay := c.DelayFor(a)
	if phase == 1 && delay == 0 {
		return samples
	}

	// Removing a delay is multiplying by the inverse ramp.
	ramp := csiutil.DelayPhaseRamp(-delay, csiutil.SubcarrierGrid(kind))
	out := make([]complex64, len(samples))
	for i, s := range samples {
		out[i] = s * phase * ramp[i]
	}
	return out
}

// CalibratorConfig contains configuration for the Calibrator.
type CalibratorConfig struct {
	// MinClusters is the number of qualifying clusters (all antennas present)
	// a calibration window must observe.
	MinClusters int

	// CenterFrequency is the tuned channel center [Hz], needed to convert the
	// physical trace and cable delays into carrier phase.
	CenterFrequency float64
}

const defaultMinClusters = 10

// Calibrator estimates per-antenna phase and delay offsets from clusters of a
// shared calibration transmitter. The array's antennas all overhear the same
// over-the-air frame; after removing the known physical delay of each
// antenna's trace and cable path, any remaining offset against the reference
// antenna is the board's oscillator and sampling misalignment.
type Calibrator struct {
	antennas    []Antenna
	physDelay   map[Antenna]float64
	minClusters int
	centerFreq  float64
}

// NewCalibrator creates a calibrator for a fixed antenna set. physDelay
// carries the known trace plus cable delay [s] per antenna; missing entries
// are treated as zero.
func NewCalibrator(antennas []Antenna, physDelay map[Antenna]float64, cfg CalibratorConfig) *Calibrator {
	if cfg.MinClusters <= 0 {
		cfg.MinClusters = defaultMinClusters
	}
	if cfg.CenterFrequency <= 0 {
		cfg.CenterFrequency = WifiChannel1Frequency
	}
	if physDelay == nil {
		physDelay = map[Antenna]float64{}
	}
	return &Calibrator{
		antennas:    antennas,
		physDelay:   physDelay,
		minClusters: cfg.MinClusters,
		centerFreq:  cfg.CenterFrequency,
	}
}

// kindPreference orders preamble kinds by bandwidth; calibration uses the
// widest kind present on every report of a cluster.
var kindPreference = []PreambleKind{HT40, HT20, LLTF}

// Run consumes clusters from the channel for the given duration and computes
// coefficients relative to the reference antenna. Returns ErrUnreachable when
// a board contributed nothing at all, ErrInsufficientData when fewer than
// MinClusters clusters contained every antenna, and ErrCalibrationFailed on
// cancellation. The cluster channel keeps flowing; Run simply stops reading
// when its window closes.
func (ca *Calibrator) Run(ctx context.Context, clusters <-chan *Cluster, duration time.Duration, reference Antenna) (*Coefficients, error) {
	phases := make(map[Antenna][]float64)
	delays := make(map[Antenna]float64)
	seen := make(map[string]bool)
	qualifying := 0

	deadline := time.NewTimer(duration)
	defer deadline.Stop()

window:
	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrCalibrationFailed, ctx.Err())
		case <-deadline.C:
			break window
		case c, ok := <-clusters:
			if !ok {
				break window
			}
			for a := range c.Reports {
				seen[a.Board] = true
			}
			if !c.Complete(ca.antennas) {
				continue
			}
			if ca.measure(c, reference, phases, delays) {
				qualifying++
			}
		}
	}

	if missing := ca.missingBoards(seen); len(missing) > 0 {
		return nil, fmt.Errorf("%w: no reports from %v during calibration window", ErrUnreachable, missing)
	}
	if qualifying < ca.minClusters {
		return nil, fmt.Errorf("%w: %d qualifying clusters, need %d", ErrInsufficientData, qualifying, ca.minClusters)
	}

	coeff := &Coefficients{
		Reference: reference,
		Phase:     make(map[Antenna]complex64, len(ca.antennas)),
		Delay:     make(map[Antenna]float64, len(ca.antennas)),
	}
	for _, a := range ca.antennas {
		if a == reference {
			coeff.Phase[a] = 1
			coeff.Delay[a] = 0
			continue
		}
		meanPhase := stat.CircularMean(phases[a], nil)
		coeff.Phase[a] = complex64(cmplx.Exp(complex(0, -meanPhase)))
		coeff.Delay[a] = delays[a] / float64(qualifying)
	}
	return coeff, nil
}

// measure extracts one phase and delay observation per antenna from a
// qualifying cluster. Returns false when the cluster carries no preamble kind
// common to all antennas.
func (ca *Calibrator) measure(c *Cluster, reference Antenna, phases map[Antenna][]float64, delays map[Antenna]float64) bool {
	kind, ok := ca.commonKind(c)
	if !ok {
		return false
	}
	grid := csiutil.SubcarrierGrid(kind)

	ref := ca.correctPhysical(c.Reports[reference].Samples[kind], reference, grid)
	for _, a := range ca.antennas {
		if a == reference {
			continue
		}
		samples := ca.correctPhysical(c.Reports[a].Samples[kind], a, grid)

		// Relative channel against the reference antenna.
		rel := make([]complex128, len(samples))
		for i := range samples {
			rel[i] = complex128(samples[i]) * cmplx.Conj(complex128(ref[i]))
		}

		// Delay first: the average phase advance between adjacent subcarriers
		// is the residual sampling offset. Only unit-spaced pairs count; the
		// DC gap would bias the estimate.
		var step complex128
		for i := 1; i < len(rel); i++ {
			if grid[i]-grid[i-1] == 1 {
				step += rel[i] * cmplx.Conj(rel[i-1])
			}
		}
		delay := -cmplx.Phase(step) / (2 * math.Pi * csiutil.SubcarrierSpacing)

		// Flatten the delay ramp out, then average what remains into a single
		// carrier-phase observation.
		ramp := csiutil.DelayPhaseRamp(-delay, grid)
		var flat complex128
		for i := range rel {
			flat += rel[i] * complex128(ramp[i])
		}

		phases[a] = append(phases[a], cmplx.Phase(flat))
		delays[a] += delay
	}
	return true
}

// correctPhysical removes the known trace and cable delay of an antenna: a
// per-subcarrier ramp plus the carrier phase the delay accumulates at the
// channel center frequency.
func (ca *Calibrator) correctPhysical(samples []complex64, a Antenna, grid []float64) []complex64 {
	tau := ca.physDelay[a]
	if tau == 0 {
		return samples
	}
	ramp := csiutil.DelayPhaseRamp(-tau, grid)
	carrier := complex64(cmplx.Exp(complex(0, 2*math.Pi*ca.centerFreq*tau)))
	out := make([]complex64, len(samples))
	for i, s := range samples {
		out[i] = s * carrier * ramp[i]
	}
	return out
}

func (ca *Calibrator) commonKind(c *Cluster) (PreambleKind, bool) {
	for _, kind := range kindPreference {
		common := true
		for _, a := range ca.antennas {
			if _, ok := c.Reports[a].Samples[kind]; !ok {
				common = false
				break
			}
		}
		if common {
			return kind, true
		}
	}
	return 0, false
}

func (ca *Calibrator) missingBoards(seen map[string]bool) []string {
	var missing []string
	for _, a := range ca.antennas {
		if !seen[a.Board] {
			seen[a.Board] = true // report each board once
			missing = append(missing, a.Board)
		}
	}
	sort.Strings(missing)
	return missing
}
