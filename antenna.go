package espargos

import (
	"fmt"
	"net"

	"github.com/espargos/goespargos/internal/wire"
)

// Type aliases re-export the wire codec's preamble vocabulary so consumers
// never import internal packages.

// PreambleKind selects which WiFi training field CSI was estimated from.
type PreambleKind = wire.PreambleKind

const (
	LLTF = wire.LLTF
	HT20 = wire.HT20
	HT40 = wire.HT40
)

// Subcarrier counts per preamble kind.
const (
	LLTFSubcarriers = wire.LLTFSubcarriers
	HT20Subcarriers = wire.HT20Subcarriers
	HT40Subcarriers = wire.HT40Subcarriers
)

// Antenna identifies one receive antenna in the array: which board it sits
// on and its index within that board. The set of antennas is fixed once the
// Pool is constructed.
type Antenna struct {
	Board string // board identifier (config name)
	Index int    // antenna index within the board
}

func (a Antenna) String() string {
	return fmt.Sprintf("%s/%d", a.Board, a.Index)
}

// MAC is a transmitter MAC address.
type MAC [6]byte

func (m MAC) String() string {
	return net.HardwareAddr(m[:]).String()
}

// ParseMAC parses a textual MAC address ("02:11:22:33:44:55").
func ParseMAC(s string) (MAC, error) {
	hw, err := net.ParseMAC(s)
	if err != nil {
		return MAC{}, err
	}
	if len(hw) != 6 {
		return MAC{}, fmt.Errorf("MAC %q: need 6 bytes, got %d", s, len(hw))
	}
	var m MAC
	copy(m[:], hw)
	return m, nil
}

// CSIReport is one antenna's measurement of one overheard WiFi frame.
// Reports are immutable; ownership passes from the board link to the
// clusterer to the emitted Cluster.
type CSIReport struct {
	Antenna    Antenna
	Timestamp  uint64 // reception time, board-local monotonic clock, ns
	SeqHint    uint16 // board-assigned, used for same-frame matching
	SourceMAC  MAC
	RSSI       int8
	NoiseFloor int8

	// Samples holds channel coefficients per preamble kind. Only the kinds
	// the board was configured to extract are present.
	Samples map[PreambleKind][]complex64
}

// reportFromWire binds a decoded wire report to its board identity.
func reportFromWire(board string, r *wire.Report) *CSIReport {
	return &CSIReport{
		Antenna:    Antenna{Board: board, Index: r.AntennaIndex},
		Timestamp:  r.Timestamp,
		SeqHint:    r.SeqHint,
		SourceMAC:  MAC(r.SourceMAC),
		RSSI:       r.RSSI,
		NoiseFloor: r.NoiseFloor,
		Samples:    r.Samples,
	}
}
