package espargos

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMAC(last byte) MAC {
	return MAC{0x02, 0x11, 0x22, 0x33, 0x44, last}
}

func makeReport(board string, index int, ts uint64, mac MAC) *CSIReport {
	return &CSIReport{
		Antenna:   Antenna{Board: board, Index: index},
		Timestamp: ts,
		SourceMAC: mac,
		RSSI:      -40,
		Samples: map[PreambleKind][]complex64{
			LLTF: make([]complex64, LLTFSubcarriers),
		},
	}
}

// collectClusters runs a clusterer over the given reports, stops it and
// returns everything that was emitted, in emission order.
func collectClusters(t *testing.T, cfg ClustererConfig, reports []*CSIReport, antennas ...Antenna) []*Cluster {
	t.Helper()

	ce := NewClusterer(cfg)
	var got []*Cluster
	ce.Register(func(c *Cluster) { got = append(got, c) }, antennas...)
	ce.Start()
	for _, r := range reports {
		ce.Ingest(r)
	}
	// Stop drains the queue and flushes all in-flight candidates, so no
	// settling sleep is needed.
	ce.Stop()
	return got
}

func TestClustererGroupsAcrossBoards(t *testing.T) {
	// Three boards with four antennas each report the same frame within 5µs.
	mac := testMAC(0x01)
	base := uint64(1_000_000_000)
	var reports []*CSIReport
	for b, board := range []string{"north", "east", "south"} {
		for i := 0; i < 4; i++ {
			ts := base + uint64(b)*1500 + uint64(i)*300 // all within 5µs
			reports = append(reports, makeReport(board, i, ts, mac))
		}
	}

	got := collectClusters(t, ClustererConfig{Window: 10 * time.Microsecond}, reports)

	require.Len(t, got, 1)
	c := got[0]
	assert.Equal(t, mac, c.SourceMAC)
	assert.Len(t, c.Reports, 12)
	assert.Equal(t, base, c.Timestamp, "cluster timestamp must be the earliest constituent")
	assert.True(t, c.Complete([]Antenna{{Board: "east", Index: 3}, {Board: "south", Index: 0}}))
}

func TestClustererSplitsDistantFrames(t *testing.T) {
	// Two frames from the same transmitter 50µs apart must not merge when the
	// window is 10µs.
	mac := testMAC(0x02)
	base := uint64(5_000_000_000)
	reports := []*CSIReport{
		makeReport("north", 0, base, mac),
		makeReport("north", 1, base+2_000, mac),
		makeReport("north", 0, base+50_000, mac),
		makeReport("north", 1, base+52_000, mac),
	}

	got := collectClusters(t, ClustererConfig{Window: 10 * time.Microsecond}, reports)

	require.Len(t, got, 2)
	assert.Len(t, got[0].Reports, 2)
	assert.Len(t, got[1].Reports, 2)
	assert.Less(t, got[0].Timestamp, got[1].Timestamp, "emission must follow timestamp order")
}

func TestClustererMatchesAcrossBucketBoundary(t *testing.T) {
	// Reports of one frame whose timestamps straddle a bucket edge must still
	// form a single cluster: matching follows the sequence hint, the bucket
	// only scopes the search.
	mac := testMAC(0x10)
	a := makeReport("north", 0, 49_000, mac)
	b := makeReport("north", 1, 51_000, mac)
	a.SeqHint, b.SeqHint = 900, 900

	got := collectClusters(t, ClustererConfig{Window: 10 * time.Microsecond}, []*CSIReport{a, b})

	require.Len(t, got, 1)
	assert.Len(t, got[0].Reports, 2)
	assert.Equal(t, uint64(49_000), got[0].Timestamp)
}

func TestClustererSeparatesFramesBySeqHint(t *testing.T) {
	// A retransmission burst lands two distinct frames from one transmitter
	// inside the same bucket; the sequence hint keeps them apart instead of
	// the second frame's reports being swallowed as duplicates.
	mac := testMAC(0x11)
	base := uint64(21_000_000_000)
	first := makeReport("north", 0, base, mac)
	first.SeqHint = 7
	second := makeReport("north", 0, base+500, mac)
	second.SeqHint = 8

	got := collectClusters(t, ClustererConfig{Window: 10 * time.Microsecond}, []*CSIReport{first, second})

	require.Len(t, got, 2)
	for _, c := range got {
		assert.Len(t, c.Reports, 1)
	}
}

func TestClustererSeparatesTransmitters(t *testing.T) {
	// Identical timestamps but different source MACs never share a cluster.
	base := uint64(2_000_000_000)
	reports := []*CSIReport{
		makeReport("north", 0, base, testMAC(0x0a)),
		makeReport("north", 1, base+100, testMAC(0x0b)),
	}

	got := collectClusters(t, ClustererConfig{Window: 10 * time.Microsecond}, reports)

	require.Len(t, got, 2)
	assert.NotEqual(t, got[0].SourceMAC, got[1].SourceMAC)
	for _, c := range got {
		assert.Len(t, c.Reports, 1, "single-report clusters are valid")
	}
}

func TestClustererFirstSeenWinsPerAntenna(t *testing.T) {
	mac := testMAC(0x03)
	base := uint64(3_000_000_000)
	first := makeReport("north", 0, base, mac)
	first.RSSI = -30
	dup := makeReport("north", 0, base+500, mac)
	dup.RSSI = -90

	got := collectClusters(t, ClustererConfig{Window: 10 * time.Microsecond}, []*CSIReport{first, dup})

	require.Len(t, got, 1)
	require.Len(t, got[0].Reports, 1)
	assert.Equal(t, int8(-30), got[0].Reports[Antenna{Board: "north", Index: 0}].RSSI)
}

func TestClustererEmitsOnReceptionClock(t *testing.T) {
	// A later report from another transmitter advances the reception clock
	// past the first candidate's deadline, so the first cluster is emitted
	// without waiting for the wall-clock sweep.
	mac := testMAC(0x04)
	base := uint64(7_000_000_000)

	ce := NewClusterer(ClustererConfig{
		Window:        10 * time.Microsecond,
		SweepInterval: time.Hour, // make sure only the reception clock can emit
	})
	emitted := make(chan *Cluster, 4)
	ce.Register(func(c *Cluster) { emitted <- c })
	ce.Start()
	defer ce.Stop()

	ce.Ingest(makeReport("north", 0, base, mac))
	ce.Ingest(makeReport("north", 0, base+50_000, testMAC(0x05)))

	select {
	case c := <-emitted:
		assert.Equal(t, mac, c.SourceMAC)
	case <-time.After(2 * time.Second):
		t.Fatal("cluster was not emitted after the reception clock passed its deadline")
	}
}

func TestClustererWallClockSweepFlushesQuietStream(t *testing.T) {
	// With no further traffic the reception clock never advances; the sweep
	// must still flush the candidate.
	ce := NewClusterer(ClustererConfig{
		Window:        10 * time.Microsecond,
		SweepInterval: 20 * time.Millisecond,
	})
	emitted := make(chan *Cluster, 1)
	ce.Register(func(c *Cluster) { emitted <- c })
	ce.Start()
	defer ce.Stop()

	ce.Ingest(makeReport("north", 0, 9_000_000_000, testMAC(0x06)))

	select {
	case <-emitted:
	case <-time.After(2 * time.Second):
		t.Fatal("quiet candidate was not flushed by the sweep")
	}
}

func TestClustererDiscardsBeyondGrace(t *testing.T) {
	// A candidate whose deadline is exceeded by more than grace×window when
	// the clock finally sweeps past it is dropped, not emitted.
	mac := testMAC(0x07)
	base := uint64(11_000_000_000)

	ce := NewClusterer(ClustererConfig{
		Window:        10 * time.Microsecond,
		GraceMultiple: 2,
		SweepInterval: time.Hour,
	})
	emitted := make(chan *Cluster, 4)
	ce.Register(func(c *Cluster) { emitted <- c })
	ce.Start()

	ce.Ingest(makeReport("north", 0, base, mac))
	// Jump the reception clock far past deadline+grace in one step.
	ce.Ingest(makeReport("north", 0, base+1_000_000, testMAC(0x08)))
	ce.Stop()

	var macs []MAC
	for len(emitted) > 0 {
		macs = append(macs, (<-emitted).SourceMAC)
	}
	assert.NotContains(t, macs, mac, "stale candidate must be discarded, not emitted")
	assert.Contains(t, macs, testMAC(0x08))
}

func TestClustererStopDrainsPartials(t *testing.T) {
	// Stop must emit in-flight candidates as partial clusters, in deadline
	// order, even though none of them expired.
	mac := testMAC(0x09)
	base := uint64(13_000_000_000)
	reports := []*CSIReport{
		makeReport("north", 0, base+50_000, mac),
		makeReport("north", 1, base, mac),
	}

	got := collectClusters(t, ClustererConfig{Window: 10 * time.Microsecond, SweepInterval: time.Hour}, reports)

	require.Len(t, got, 2)
	assert.Equal(t, base, got[0].Timestamp)
	assert.Equal(t, base+50_000, got[1].Timestamp)
}

func TestClustererIgnoresRedeliveredFrames(t *testing.T) {
	// After a link re-synchronizes it may replay frames it already delivered.
	// A report for an already-emitted cluster must be dropped, not start a
	// second cluster for the same frame.
	mac := testMAC(0x0b)
	base := uint64(15_000_000_000)

	ce := NewClusterer(ClustererConfig{
		Window:        10 * time.Microsecond,
		SweepInterval: time.Hour,
	})
	emitted := make(chan *Cluster, 4)
	ce.Register(func(c *Cluster) { emitted <- c })
	ce.Start()

	replayed := makeReport("north", 0, base, mac)
	ce.Ingest(replayed)
	ce.Ingest(makeReport("north", 0, base+50_000, testMAC(0x0e))) // advances the clock

	select {
	case c := <-emitted:
		require.Equal(t, mac, c.SourceMAC)
	case <-time.After(2 * time.Second):
		t.Fatal("first cluster never emitted")
	}

	ce.Ingest(replayed)
	ce.Stop()

	var macs []MAC
	for len(emitted) > 0 {
		macs = append(macs, (<-emitted).SourceMAC)
	}
	assert.Equal(t, []MAC{testMAC(0x0e)}, macs, "replayed frame must not re-emit its cluster")
}

func TestClustererConsumerSubset(t *testing.T) {
	mac := testMAC(0x0c)
	base := uint64(17_000_000_000)
	reports := []*CSIReport{
		makeReport("north", 0, base, mac),
		makeReport("north", 1, base+100, mac),
		makeReport("east", 0, base+200, mac),
	}
	want := Antenna{Board: "east", Index: 0}

	got := collectClusters(t, ClustererConfig{Window: 10 * time.Microsecond}, reports, want)

	require.Len(t, got, 1)
	require.Len(t, got[0].Reports, 1)
	assert.Contains(t, got[0].Reports, want)
	assert.Equal(t, base+200, got[0].Timestamp, "subset cluster recomputes its earliest timestamp")
}

func TestClustererSubsetWithoutContributionSkipsDelivery(t *testing.T) {
	mac := testMAC(0x0d)
	reports := []*CSIReport{makeReport("north", 0, 19_000_000_000, mac)}

	got := collectClusters(t, ClustererConfig{Window: 10 * time.Microsecond}, reports,
		Antenna{Board: "west", Index: 5})

	assert.Empty(t, got)
}
