package espargos

import "math"

// SpeedOfLight in vacuum [m/s].
const SpeedOfLight = 299792458.0

// WiFi channel plan constants.
const (
	WifiChannel1Frequency = 2.412e9 // channel 1 center frequency [Hz]
	WifiChannelSpacing    = 5e6     // channel spacing [Hz]
	WifiSubcarrierSpacing = 312.5e3 // subcarrier spacing [Hz]
)

// Revision describes one board hardware revision. Revision quirks are data,
// not behaviour: the calibration engine looks the record up by tag and reads
// the numbers out.
type Revision struct {
	Tag      string // tag used in configuration files
	Device   string // identification string reported by the controller
	Name     string
	Antennas int // antennas per board

	// TraceDelays is the per-antenna propagation delay of the calibration
	// distribution trace on the PCB [s], indexed by antenna index.
	TraceDelays []float64
}

// microstripTraceDelays converts PCB trace lengths [m] to group delays [s]
// using the effective dielectric constant of a microstrip of the given
// geometry (width and substrate height in mm).
func microstripTraceDelays(lengths []float64, dielectric, widthMM, heightMM float64) []float64 {
	effective := (dielectric+1)/2 + (dielectric-1)/2*math.Pow(1+12*(heightMM/widthMM), -0.5)
	groupVelocity := SpeedOfLight / math.Sqrt(effective)

	delays := make([]float64, len(lengths))
	for i, l := range lengths {
		delays[i] = l / groupVelocity
	}
	return delays
}

// RevisionDensiflorus is the 8-antenna 2025/2026 PCB revision.
var RevisionDensiflorus = Revision{
	Tag:      "densiflorus",
	Device:   "espargos",
	Name:     "ESPARGOS-DENSIFLORUS",
	Antennas: 8,
	TraceDelays: microstripTraceDelays([]float64{
		0.0604561, 0.0373554, 0.1070395, 0.1770280,
		0.1076842, 0.0554654, 0.0806678, 0.1462569,
	}, 4.3, 0.2, 0.119),
}

var revisionsByTag = map[string]Revision{
	RevisionDensiflorus.Tag: RevisionDensiflorus,
}

// LookupRevision returns the revision record for a configuration tag.
func LookupRevision(tag string) (Revision, bool) {
	rev, ok := revisionsByTag[tag]
	return rev, ok
}
