package espargos

import (
	"math/cmplx"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/espargos/goespargos/csiutil"
)

func backlogCluster(seq uint64, mac MAC, antennas ...Antenna) *Cluster {
	reports := make(map[Antenna]*CSIReport, len(antennas))
	for _, a := range antennas {
		samples := make([]complex64, LLTFSubcarriers)
		for i := range samples {
			samples[i] = complex(float32(seq), 0)
		}
		reports[a] = &CSIReport{
			Antenna:   a,
			Timestamp: seq * 1000,
			SourceMAC: mac,
			RSSI:      int8(-40 - int64(seq%10)),
			Samples:   map[PreambleKind][]complex64{LLTF: samples},
		}
	}
	return &Cluster{SourceMAC: mac, Timestamp: seq * 1000, Reports: reports}
}

func TestBacklogValidation(t *testing.T) {
	cases := []struct {
		name   string
		size   int
		fields []BacklogField
	}{
		{"zero size", 0, []BacklogField{FieldLLTF}},
		{"negative size", -3, []BacklogField{FieldLLTF}},
		{"no fields", 5, nil},
		{"unknown field", 5, []BacklogField{FieldLLTF, "phase"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := newBacklog(tc.size, tc.fields, BacklogOptions{}, nil)
			require.ErrorIs(t, err, ErrBacklogMisconfigured)
		})
	}
}

func TestBacklogRingRetention(t *testing.T) {
	// 25 pushes into a 20-slot ring must retain exactly pushes 6 through 25,
	// oldest first.
	b, err := newBacklog(20, []BacklogField{FieldTimestamp, FieldMAC}, BacklogOptions{}, nil)
	require.NoError(t, err)

	ant := Antenna{Board: "north", Index: 0}
	for seq := uint64(1); seq <= 25; seq++ {
		b.onCluster(backlogCluster(seq, testMAC(0x20), ant))
	}

	require.Equal(t, 20, b.Len())
	stamps := b.Timestamps()
	require.Len(t, stamps, 20)
	for i, m := range stamps {
		want := (uint64(i) + 6) * 1000
		assert.Equal(t, want, m[ant], "entry %d", i)
	}

	latest, ok := b.Latest()
	require.True(t, ok)
	assert.Equal(t, uint64(25_000), latest.Timestamps[ant])
}

func TestBacklogFieldSelection(t *testing.T) {
	b, err := newBacklog(4, []BacklogField{FieldLLTF, FieldRSSI}, BacklogOptions{}, nil)
	require.NoError(t, err)

	ant := Antenna{Board: "north", Index: 1}
	b.onCluster(backlogCluster(1, testMAC(0x21), ant))

	entry, ok := b.Latest()
	require.True(t, ok)
	assert.NotNil(t, entry.LLTF)
	assert.NotNil(t, entry.RSSI)
	assert.Nil(t, entry.HT20, "unconfigured field must stay nil")
	assert.Nil(t, entry.Timestamps, "unconfigured field must stay nil")
	assert.Equal(t, MAC{}, entry.MAC)
}

func TestBacklogAbsentAntennasAbsentKeys(t *testing.T) {
	b, err := newBacklog(4, []BacklogField{FieldLLTF, FieldRSSI}, BacklogOptions{}, nil)
	require.NoError(t, err)

	present := Antenna{Board: "north", Index: 0}
	absent := Antenna{Board: "north", Index: 1}
	b.onCluster(backlogCluster(1, testMAC(0x22), present))

	entry, _ := b.Latest()
	assert.Contains(t, entry.LLTF, present)
	assert.NotContains(t, entry.LLTF, absent)
	assert.NotContains(t, entry.RSSI, absent)
}

func TestBacklogMACFilter(t *testing.T) {
	keepA := testMAC(0x23)
	keepB := testMAC(0x26)
	other := testMAC(0x24)
	b, err := newBacklog(8, []BacklogField{FieldMAC}, BacklogOptions{MACFilter: []MAC{keepA, keepB}}, nil)
	require.NoError(t, err)

	ant := Antenna{Board: "north", Index: 0}
	b.onCluster(backlogCluster(1, keepA, ant))
	b.onCluster(backlogCluster(2, other, ant))
	b.onCluster(backlogCluster(3, keepB, ant))

	macs := b.MACs()
	require.Len(t, macs, 2)
	assert.Equal(t, []MAC{keepA, keepB}, macs)
}

func TestBacklogUpdateCallback(t *testing.T) {
	wanted := testMAC(0x27)
	var updates int
	b, err := newBacklog(4, []BacklogField{FieldMAC}, BacklogOptions{
		MACFilter: []MAC{wanted},
		OnUpdate:  func() { updates++ },
	}, nil)
	require.NoError(t, err)

	ant := Antenna{Board: "north", Index: 0}
	b.onCluster(backlogCluster(1, wanted, ant))
	b.onCluster(backlogCluster(2, testMAC(0x28), ant)) // filtered, no notification
	b.onCluster(backlogCluster(3, wanted, ant))

	assert.Equal(t, 2, updates, "one notification per retained entry")
}

func TestBacklogAppliesCalibration(t *testing.T) {
	ant := Antenna{Board: "north", Index: 0}
	coeff := &Coefficients{
		Reference: Antenna{Board: "north", Index: 1},
		Phase:     map[Antenna]complex64{ant: complex64(cmplx.Exp(complex(0, 0.5)))},
		Delay:     map[Antenna]float64{ant: 4e-9},
	}
	b, err := newBacklog(2, []BacklogField{FieldLLTF}, BacklogOptions{}, func() *Coefficients { return coeff })
	require.NoError(t, err)

	c := backlogCluster(3, testMAC(0x25), ant)
	b.onCluster(c)

	entry, _ := b.Latest()
	got := entry.LLTF[ant]
	require.Len(t, got, LLTFSubcarriers)

	grid := csiutil.SubcarrierGrid(LLTF)
	ramp := csiutil.DelayPhaseRamp(-4e-9, grid)
	phase := complex64(cmplx.Exp(complex(0, 0.5)))
	for i := range got {
		want := complex(float32(3), 0) * phase * ramp[i]
		assert.InDelta(t, real(want), real(got[i]), 1e-5, "subcarrier %d", i)
		assert.InDelta(t, imag(want), imag(got[i]), 1e-5, "subcarrier %d", i)
	}
}

func TestBacklogEmpty(t *testing.T) {
	b, err := newBacklog(4, []BacklogField{FieldMAC}, BacklogOptions{}, nil)
	require.NoError(t, err)

	assert.Equal(t, 0, b.Len())
	assert.Empty(t, b.MACs())
	_, ok := b.Latest()
	assert.False(t, ok)
}
