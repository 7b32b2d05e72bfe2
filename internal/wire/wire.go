package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

/*
ESPARGOS CSI stream frame format

Every message on the CSI stream (UDP datagram payload or WebSocket binary
message) is one frame. All multi-byte fields are little-endian.

FRAME HEADER (8 bytes):
├── magic     uint32  0x0060A7E5 (bytes E5 A7 60 00 on the wire)
├── version   uint8   1
├── ftype     uint8   1 = data, 2 = keepalive
└── reserved  uint16  always zero

Keepalive frames are the header only. They hold firewall/NAT state open on
the datagram path and carry no antenna payload.

DATA FRAME BODY (after header):
├── antennaIndex uint8   board-local antenna number
├── nsegments    uint8   number of preamble segments that follow
├── seqHint      uint16  board-assigned sequence hint for same-frame matching
├── timestamp    uint64  reception time, board-local monotonic clock, ns
├── sourceMAC    [6]byte transmitter MAC
├── rssi         int8    signed dB
└── noiseFloor   int8    signed dB

SEGMENT (one per preamble kind the board extracted):
├── kind     uint8   1 = L-LTF, 2 = HT20, 3 = HT40
├── reserved uint8
├── count    uint16  subcarrier count, must match the kind exactly
└── count × (i int16, q int16) channel coefficients
*/

const (
	// Magic identifies a CSI stream frame. The same four bytes are sent by
	// the controller as the connection handshake packet.
	Magic uint32 = 0x0060A7E5

	// Version is the only supported stream format version.
	Version uint8 = 1

	FrameData      uint8 = 1
	FrameKeepalive uint8 = 2

	headerSize     = 8
	dataHeaderSize = 20
	segmentHeader  = 4
	bytesPerSubc   = 4
)

// ErrMalformedFrame is returned (wrapped) for any byte sequence that does not
// parse as a valid stream frame. The payload is dropped; the stream continues.
var ErrMalformedFrame = errors.New("malformed CSI frame")

// PreambleKind selects which WiFi training field the CSI was estimated from.
// The kind determines the subcarrier count.
type PreambleKind uint8

const (
	LLTF PreambleKind = 1
	HT20 PreambleKind = 2
	HT40 PreambleKind = 3
)

// Subcarrier counts per preamble kind.
const (
	LLTFSubcarriers = 52
	HT20Subcarriers = 56
	HT40Subcarriers = 114
)

// SubcarrierCount returns the number of channel coefficients a frame of this
// kind must carry, or 0 for an unknown kind.
func (k PreambleKind) SubcarrierCount() int {
	switch k {
	case LLTF:
		return LLTFSubcarriers
	case HT20:
		return HT20Subcarriers
	case HT40:
		return HT40Subcarriers
	}
	return 0
}

func (k PreambleKind) String() string {
	switch k {
	case LLTF:
		return "lltf"
	case HT20:
		return "ht20"
	case HT40:
		return "ht40"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Kinds lists all valid preamble kinds in wire order.
var Kinds = []PreambleKind{LLTF, HT20, HT40}

// Report is one antenna's decoded measurement of one overheard WiFi frame.
// Reports are immutable after decode.
type Report struct {
	AntennaIndex int
	Timestamp    uint64 // ns, board-local monotonic clock
	SeqHint      uint16
	SourceMAC    [6]byte
	RSSI         int8
	NoiseFloor   int8

	// Samples holds the channel coefficients per preamble kind. Only kinds
	// the board was configured to extract are present.
	Samples map[PreambleKind][]complex64
}

// Frame is one decoded stream message: either a keepalive or a report.
type Frame struct {
	Keepalive bool
	Report    *Report
}

// DecodeFrame parses one stream message. It is a pure function with no shared
// state and is safe to call concurrently from every board link.
func DecodeFrame(buf []byte) (Frame, error) {
	if len(buf) < headerSize {
		return Frame{}, fmt.Errorf("%w: %d bytes, need at least %d", ErrMalformedFrame, len(buf), headerSize)
	}
	if magic := binary.LittleEndian.Uint32(buf[0:4]); magic != Magic {
		return Frame{}, fmt.Errorf("%w: bad magic 0x%08x", ErrMalformedFrame, magic)
	}
	if buf[4] != Version {
		return Frame{}, fmt.Errorf("%w: unsupported version %d", ErrMalformedFrame, buf[4])
	}

	switch buf[5] {
	case FrameKeepalive:
		if len(buf) != headerSize {
			return Frame{}, fmt.Errorf("%w: keepalive with %d trailing bytes", ErrMalformedFrame, len(buf)-headerSize)
		}
		return Frame{Keepalive: true}, nil
	case FrameData:
		r, err := decodeData(buf[headerSize:])
		if err != nil {
			return Frame{}, err
		}
		return Frame{Report: r}, nil
	}
	return Frame{}, fmt.Errorf("%w: unknown frame type %d", ErrMalformedFrame, buf[5])
}

func decodeData(body []byte) (*Report, error) {
	if len(body) < dataHeaderSize {
		return nil, fmt.Errorf("%w: truncated data header (%d bytes)", ErrMalformedFrame, len(body))
	}

	r := &Report{
		AntennaIndex: int(body[0]),
		SeqHint:      binary.LittleEndian.Uint16(body[2:4]),
		Timestamp:    binary.LittleEndian.Uint64(body[4:12]),
		RSSI:         int8(body[18]),
		NoiseFloor:   int8(body[19]),
		Samples:      make(map[PreambleKind][]complex64),
	}
	copy(r.SourceMAC[:], body[12:18])

	nsegments := int(body[1])
	if nsegments == 0 {
		return nil, fmt.Errorf("%w: data frame without preamble segments", ErrMalformedFrame)
	}

	off := dataHeaderSize
	for s := 0; s < nsegments; s++ {
		if len(body) < off+segmentHeader {
			return nil, fmt.Errorf("%w: truncated segment header", ErrMalformedFrame)
		}
		kind := PreambleKind(body[off])
		count := int(binary.LittleEndian.Uint16(body[off+2 : off+4]))
		want := kind.SubcarrierCount()
		if want == 0 {
			return nil, fmt.Errorf("%w: unknown preamble kind %d", ErrMalformedFrame, body[off])
		}
		if count != want {
			return nil, fmt.Errorf("%w: %s segment declares %d subcarriers, expected %d", ErrMalformedFrame, kind, count, want)
		}
		if _, dup := r.Samples[kind]; dup {
			return nil, fmt.Errorf("%w: duplicate %s segment", ErrMalformedFrame, kind)
		}
		off += segmentHeader

		if len(body) < off+count*bytesPerSubc {
			return nil, fmt.Errorf("%w: %s segment truncated", ErrMalformedFrame, kind)
		}
		samples := make([]complex64, count)
		for i := 0; i < count; i++ {
			re := int16(binary.LittleEndian.Uint16(body[off : off+2]))
			im := int16(binary.LittleEndian.Uint16(body[off+2 : off+4]))
			samples[i] = complex(float32(re), float32(im))
			off += bytesPerSubc
		}
		r.Samples[kind] = samples
	}

	if off != len(body) {
		return nil, fmt.Errorf("%w: %d trailing bytes after last segment", ErrMalformedFrame, len(body)-off)
	}
	return r, nil
}

// EncodeFrame serializes a report into a data frame. Segments are written in
// wire order (L-LTF, HT20, HT40) so encoding is deterministic. Sample values
// outside the int16 range are an encoding error.
func EncodeFrame(r *Report) ([]byte, error) {
	nsegments := 0
	size := headerSize + dataHeaderSize
	for _, kind := range Kinds {
		samples, ok := r.Samples[kind]
		if !ok {
			continue
		}
		if len(samples) != kind.SubcarrierCount() {
			return nil, fmt.Errorf("%w: %s has %d subcarriers, expected %d", ErrMalformedFrame, kind, len(samples), kind.SubcarrierCount())
		}
		nsegments++
		size += segmentHeader + len(samples)*bytesPerSubc
	}
	if nsegments == 0 {
		return nil, fmt.Errorf("%w: report carries no preamble samples", ErrMalformedFrame)
	}
	if r.AntennaIndex < 0 || r.AntennaIndex > 255 {
		return nil, fmt.Errorf("%w: antenna index %d out of range", ErrMalformedFrame, r.AntennaIndex)
	}

	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf[0:4], Magic)
	buf[4] = Version
	buf[5] = FrameData

	body := buf[headerSize:]
	body[0] = uint8(r.AntennaIndex)
	body[1] = uint8(nsegments)
	binary.LittleEndian.PutUint16(body[2:4], r.SeqHint)
	binary.LittleEndian.PutUint64(body[4:12], r.Timestamp)
	copy(body[12:18], r.SourceMAC[:])
	body[18] = uint8(r.RSSI)
	body[19] = uint8(r.NoiseFloor)

	off := dataHeaderSize
	for _, kind := range Kinds {
		samples, ok := r.Samples[kind]
		if !ok {
			continue
		}
		body[off] = uint8(kind)
		binary.LittleEndian.PutUint16(body[off+2:off+4], uint16(len(samples)))
		off += segmentHeader
		for _, c := range samples {
			re, im := real(c), imag(c)
			if re < -32768 || re > 32767 || im < -32768 || im > 32767 {
				return nil, fmt.Errorf("%w: %s sample %v exceeds int16 range", ErrMalformedFrame, kind, c)
			}
			binary.LittleEndian.PutUint16(body[off:off+2], uint16(int16(re)))
			binary.LittleEndian.PutUint16(body[off+2:off+4], uint16(int16(im)))
			off += bytesPerSubc
		}
	}
	return buf, nil
}

// EncodeKeepalive returns a keepalive frame.
func EncodeKeepalive() []byte {
	buf := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(buf[0:4], Magic)
	buf[4] = Version
	buf[5] = FrameKeepalive
	return buf
}

// HandshakeMagic returns the four magic bytes the controller sends as the
// first message to confirm a valid CSI stream connection.
func HandshakeMagic() []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, Magic)
	return buf
}

// IsHandshake reports whether buf is exactly the stream handshake packet.
func IsHandshake(buf []byte) bool {
	return len(buf) == 4 && binary.LittleEndian.Uint32(buf) == Magic
}
