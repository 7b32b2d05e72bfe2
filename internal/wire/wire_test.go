package wire

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func testReport(kinds ...PreambleKind) *Report {
	r := &Report{
		AntennaIndex: 3,
		Timestamp:    1234567890123,
		SeqHint:      0x0bad,
		SourceMAC:    [6]byte{0x02, 0x11, 0x22, 0x33, 0x44, 0x55},
		RSSI:         -47,
		NoiseFloor:   -95,
		Samples:      make(map[PreambleKind][]complex64),
	}
	for _, kind := range kinds {
		samples := make([]complex64, kind.SubcarrierCount())
		for i := range samples {
			samples[i] = complex(float32(i-20), float32(2*i%40-10))
		}
		r.Samples[kind] = samples
	}
	return r
}

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		kinds []PreambleKind
	}{
		{"lltf only", []PreambleKind{LLTF}},
		{"ht20 only", []PreambleKind{HT20}},
		{"ht40 only", []PreambleKind{HT40}},
		{"lltf and ht40", []PreambleKind{LLTF, HT40}},
		{"all kinds", []PreambleKind{LLTF, HT20, HT40}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			want := testReport(tt.kinds...)
			buf, err := EncodeFrame(want)
			if err != nil {
				t.Fatalf("EncodeFrame: %v", err)
			}
			frame, err := DecodeFrame(buf)
			if err != nil {
				t.Fatalf("DecodeFrame: %v", err)
			}
			if frame.Keepalive {
				t.Fatal("data frame decoded as keepalive")
			}
			if diff := cmp.Diff(want, frame.Report); diff != "" {
				t.Errorf("report mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecodeKeepalive(t *testing.T) {
	frame, err := DecodeFrame(EncodeKeepalive())
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if !frame.Keepalive {
		t.Error("keepalive frame not flagged")
	}
	if frame.Report != nil {
		t.Error("keepalive frame produced a report")
	}
}

func TestDecodeMalformed(t *testing.T) {
	valid, err := EncodeFrame(testReport(HT20))
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}

	badMagic := append([]byte(nil), valid...)
	binary.LittleEndian.PutUint32(badMagic[0:4], 0xdeadbeef)

	badVersion := append([]byte(nil), valid...)
	badVersion[4] = 99

	badType := append([]byte(nil), valid...)
	badType[5] = 7

	// Declared subcarrier count does not match the HT20 kind.
	badCount := append([]byte(nil), valid...)
	binary.LittleEndian.PutUint16(badCount[headerSize+dataHeaderSize+2:], HT20Subcarriers+1)

	// Segment kind nobody defined.
	badKind := append([]byte(nil), valid...)
	badKind[headerSize+dataHeaderSize] = 0x7f

	tests := []struct {
		name string
		buf  []byte
	}{
		{"empty", nil},
		{"short header", valid[:5]},
		{"bad magic", badMagic},
		{"unsupported version", badVersion},
		{"unknown frame type", badType},
		{"truncated body", valid[:len(valid)-3]},
		{"trailing bytes", append(append([]byte(nil), valid...), 0x00)},
		{"count mismatch", badCount},
		{"unknown preamble kind", badKind},
		{"keepalive with payload", append(EncodeKeepalive(), 0x01)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeFrame(tt.buf)
			if !errors.Is(err, ErrMalformedFrame) {
				t.Errorf("DecodeFrame() err = %v, want ErrMalformedFrame", err)
			}
		})
	}
}

func TestEncodeRejectsWrongSubcarrierCount(t *testing.T) {
	r := testReport(LLTF)
	r.Samples[LLTF] = r.Samples[LLTF][:10]
	if _, err := EncodeFrame(r); !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("EncodeFrame() err = %v, want ErrMalformedFrame", err)
	}
}

func TestEncodeRejectsEmptyReport(t *testing.T) {
	r := testReport()
	if _, err := EncodeFrame(r); !errors.Is(err, ErrMalformedFrame) {
		t.Errorf("EncodeFrame() err = %v, want ErrMalformedFrame", err)
	}
}

func TestHandshake(t *testing.T) {
	if !IsHandshake(HandshakeMagic()) {
		t.Error("HandshakeMagic not recognised by IsHandshake")
	}
	if IsHandshake([]byte{0xe5, 0xa7, 0x60}) {
		t.Error("short buffer accepted as handshake")
	}
	if IsHandshake(EncodeKeepalive()) {
		t.Error("keepalive frame accepted as handshake")
	}
}

func TestSubcarrierCounts(t *testing.T) {
	tests := []struct {
		kind PreambleKind
		want int
	}{
		{LLTF, 52},
		{HT20, 56},
		{HT40, 114},
		{PreambleKind(9), 0},
	}
	for _, tt := range tests {
		if got := tt.kind.SubcarrierCount(); got != tt.want {
			t.Errorf("SubcarrierCount(%s) = %d, want %d", tt.kind, got, tt.want)
		}
	}
}
