// Package csiutil provides subcarrier-grid arithmetic for CSI consumers:
// grid definitions per preamble kind, complex-linear resampling between
// grids, and delay/phase helpers shared by calibration and the backlog.
package csiutil

import (
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/interp"

	"github.com/espargos/goespargos/internal/wire"
)

// SubcarrierSpacing is the OFDM subcarrier spacing [Hz]. Identical for 20MHz
// and 40MHz channels.
const SubcarrierSpacing = 312.5e3

// ht20HalfOffset is the subcarrier offset of the two 20MHz channel centers
// within an HT40 channel.
const ht20HalfOffset = 32.0

// SubcarrierGrid returns the occupied subcarrier indices of a preamble kind,
// relative to the channel center, in ascending order. DC is never occupied.
func SubcarrierGrid(kind wire.PreambleKind) []float64 {
	half := kind.SubcarrierCount() / 2
	grid := make([]float64, 0, 2*half)
	for i := -half; i <= half; i++ {
		if i == 0 {
			continue
		}
		grid = append(grid, float64(i))
	}
	return grid
}

// Interpolate resamples channel coefficients from one subcarrier grid onto
// another, linearly and independently in the real and imaginary parts.
// Destination points outside the source grid clamp to the nearest edge
// subcarrier. Source grid values must be strictly increasing.
func Interpolate(samples []complex64, src, dst []float64) ([]complex64, error) {
	if len(samples) != len(src) {
		return nil, fmt.Errorf("interpolate: %d samples on a %d-point grid", len(samples), len(src))
	}
	if len(src) < 2 {
		return nil, fmt.Errorf("interpolate: source grid needs at least 2 points, got %d", len(src))
	}

	re := make([]float64, len(samples))
	im := make([]float64, len(samples))
	for i, s := range samples {
		re[i] = float64(real(s))
		im[i] = float64(imag(s))
	}

	var reFit, imFit interp.PiecewiseLinear
	if err := reFit.Fit(src, re); err != nil {
		return nil, fmt.Errorf("interpolate: %w", err)
	}
	if err := imFit.Fit(src, im); err != nil {
		return nil, fmt.Errorf("interpolate: %w", err)
	}

	lo, hi := src[0], src[len(src)-1]
	out := make([]complex64, len(dst))
	for i, x := range dst {
		x = math.Max(lo, math.Min(hi, x))
		out[i] = complex(float32(reFit.Predict(x)), float32(imFit.Predict(x)))
	}
	return out, nil
}

// ExtractHT20FromHT40 resamples one 20MHz half of an HT40 capture onto the
// HT20 subcarrier grid, so HT20 views can be compared against HT40 captures
// of the same channel. The outermost HT20 subcarriers fall just outside the
// occupied HT40 grid and clamp to its edge.
func ExtractHT20FromHT40(samples []complex64, upper bool) ([]complex64, error) {
	if len(samples) != wire.HT40.SubcarrierCount() {
		return nil, fmt.Errorf("extract ht20: want %d HT40 samples, got %d",
			wire.HT40.SubcarrierCount(), len(samples))
	}

	offset := -ht20HalfOffset
	if upper {
		offset = ht20HalfOffset
	}
	dst := SubcarrierGrid(wire.HT20)
	for i := range dst {
		dst[i] += offset
	}
	return Interpolate(samples, SubcarrierGrid(wire.HT40), dst)
}

// DelayPhaseRamp returns the per-subcarrier phase factor a propagation delay
// [s] imposes on the given grid: exp(-2πj · spacing · grid[k] · delay).
// Removing a delay means multiplying samples by the conjugate ramp, i.e.
// DelayPhaseRamp(-delay, grid).
func DelayPhaseRamp(delay float64, grid []float64) []complex64 {
	ramp := make([]complex64, len(grid))
	for i, g := range grid {
		ramp[i] = complex64(cmplx.Exp(complex(0, -2*math.Pi*SubcarrierSpacing*g*delay)))
	}
	return ramp
}
