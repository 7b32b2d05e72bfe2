package espargos

// Cluster is the aligned set of CSI reports, from possibly multiple boards,
// that correspond to one physical over-the-air WiFi frame. Immutable after
// emission.
type Cluster struct {
	SourceMAC MAC

	// Timestamp is the representative time of the cluster: the earliest
	// constituent reception timestamp [ns]. It is the common time axis for
	// downstream consumers.
	Timestamp uint64

	// Reports maps each contributing antenna to its report. Partial clusters
	// are valid: not every antenna of the array need be present.
	Reports map[Antenna]*CSIReport
}

// Antennas returns the contributing antennas in unspecified order.
func (c *Cluster) Antennas() []Antenna {
	ants := make([]Antenna, 0, len(c.Reports))
	for a := range c.Reports {
		ants = append(ants, a)
	}
	return ants
}

// Complete reports whether the cluster contains a report for every antenna
// in the given set.
func (c *Cluster) Complete(antennas []Antenna) bool {
	for _, a := range antennas {
		if _, ok := c.Reports[a]; !ok {
			return false
		}
	}
	return true
}

// SamplesFor returns the per-antenna channel coefficients of one preamble
// kind. Antennas whose report does not carry that kind are absent from the
// result.
func (c *Cluster) SamplesFor(kind PreambleKind) map[Antenna][]complex64 {
	out := make(map[Antenna][]complex64)
	for a, r := range c.Reports {
		if samples, ok := r.Samples[kind]; ok {
			out[a] = samples
		}
	}
	return out
}

// RSSI returns the per-antenna RSSI values [dB].
func (c *Cluster) RSSI() map[Antenna]float64 {
	out := make(map[Antenna]float64, len(c.Reports))
	for a, r := range c.Reports {
		out[a] = float64(r.RSSI)
	}
	return out
}

// Timestamps returns the per-antenna reception timestamps [ns].
func (c *Cluster) Timestamps() map[Antenna]uint64 {
	out := make(map[Antenna]uint64, len(c.Reports))
	for a, r := range c.Reports {
		out[a] = r.Timestamp
	}
	return out
}

// subset returns a view of the cluster reduced to the given antennas, or nil
// if none of them contributed.
func (c *Cluster) subset(antennas []Antenna) *Cluster {
	reports := make(map[Antenna]*CSIReport, len(antennas))
	ts := uint64(0)
	for _, a := range antennas {
		r, ok := c.Reports[a]
		if !ok {
			continue
		}
		reports[a] = r
		if ts == 0 || r.Timestamp < ts {
			ts = r.Timestamp
		}
	}
	if len(reports) == 0 {
		return nil
	}
	return &Cluster{SourceMAC: c.SourceMAC, Timestamp: ts, Reports: reports}
}
