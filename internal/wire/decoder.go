// Package wire decodes transport frames into typed market ticks.
//
// The backend feed speaks two binary frame layouts plus JSON text
// messages over the same transport:
//
//   - The standard layout is big-endian with a leading null-terminated
//     symbol followed by a fixed-width numeric payload whose length
//     selects the tick shape (36 bytes = snapshot, 20 bytes = update).
//   - The legacy layout is little-endian with a fixed 48-byte prefix of
//     float64 fields followed by a trailing null-terminated symbol. It
//     exists for an alternate ingestion path and is selected purely by
//     transport configuration, never by content sniffing: the two
//     layouts are ambiguous at the byte level, so guessing would
//     silently misdecode frames.
//
// A frame that fits neither rule fails with ErrMalformedFrame; the
// caller drops the frame and keeps the transport loop alive.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"chartfeed/internal/model"
)

// ErrMalformedFrame indicates a binary frame that cannot be decoded:
// no null terminator, or a payload length that matches no known layout.
var ErrMalformedFrame = errors.New("malformed frame")

// Format selects which binary frame layout a transport emits.
type Format int

const (
	// FormatStandard is the primary big-endian layout with the leading
	// symbol field.
	FormatStandard Format = iota

	// FormatLegacy is the little-endian fixed-doubles layout with the
	// trailing symbol field, used by the alternate ingestion path.
	FormatLegacy
)

// String returns the configuration name of the format.
func (f Format) String() string {
	switch f {
	case FormatStandard:
		return "standard"
	case FormatLegacy:
		return "legacy"
	default:
		return fmt.Sprintf("Format(%d)", int(f))
	}
}

// ParseFormat maps a configuration string onto a Format.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "", "standard":
		return FormatStandard, nil
	case "legacy":
		return FormatLegacy, nil
	default:
		return 0, fmt.Errorf("unknown frame format: %q", s)
	}
}

// Fixed payload sizes of the standard layout and the prefix size of the
// legacy layout.
const (
	snapshotPayloadLen = 36 // int64 + 5*float32 + uint64
	updatePayloadLen   = 20 // int64 + float32 + uint64
	legacyPrefixLen    = 48 // 6*float64
)

// millisThreshold is the boundary above which a timestamp is taken to
// be milliseconds rather than seconds. It corresponds to the year 3000
// in seconds: no plausible second-resolution market timestamp exceeds
// it, and every millisecond-resolution one does.
const millisThreshold = 32503680000

// NormalizeTimestamp collapses the ambiguous seconds-vs-milliseconds
// unit of upstream timestamps to seconds. The unit is determined by
// magnitude, not declared, so this must be applied at every site that
// consumes a raw timestamp, not only at decode time.
func NormalizeTimestamp(ts int64) int64 {
	if ts > millisThreshold {
		return ts / 1000
	}
	return ts
}

// Decoder turns binary frames of one configured layout into ticks.
type Decoder struct {
	format Format
}

// NewDecoder returns a decoder for the given frame layout.
func NewDecoder(format Format) *Decoder {
	return &Decoder{format: format}
}

// Format returns the layout this decoder was configured with.
func (d *Decoder) Format() Format { return d.format }

// Decode parses one binary frame into a tick. The returned tick's
// timestamp is already unit-normalized to seconds. Failures wrap
// ErrMalformedFrame.
func (d *Decoder) Decode(frame []byte) (model.Tick, error) {
	switch d.format {
	case FormatLegacy:
		return decodeLegacy(frame)
	default:
		return decodeStandard(frame)
	}
}

// decodeStandard parses the big-endian symbol-first layout. The bytes
// before the first 0x00 are the UTF-8 symbol; the remaining byte count
// deterministically selects the tick shape.
func decodeStandard(frame []byte) (model.Tick, error) {
	sep := bytes.IndexByte(frame, 0x00)
	if sep < 0 {
		return model.Tick{}, fmt.Errorf("%w: no symbol terminator in %d-byte frame",
			ErrMalformedFrame, len(frame))
	}

	symbol := string(frame[:sep])
	payload := frame[sep+1:]

	switch len(payload) {
	case snapshotPayloadLen:
		return model.Tick{
			Kind:      model.TickSnapshot,
			Symbol:    symbol,
			Timestamp: NormalizeTimestamp(int64(binary.BigEndian.Uint64(payload[0:8]))),
			Open:      float64(math.Float32frombits(binary.BigEndian.Uint32(payload[8:12]))),
			High:      float64(math.Float32frombits(binary.BigEndian.Uint32(payload[12:16]))),
			Low:       float64(math.Float32frombits(binary.BigEndian.Uint32(payload[16:20]))),
			Close:     float64(math.Float32frombits(binary.BigEndian.Uint32(payload[20:24]))),
			PrevClose: float64(math.Float32frombits(binary.BigEndian.Uint32(payload[24:28]))),
			Volume:    float64(binary.BigEndian.Uint64(payload[28:36])),
		}, nil

	case updatePayloadLen:
		return model.Tick{
			Kind:      model.TickUpdate,
			Symbol:    symbol,
			Timestamp: NormalizeTimestamp(int64(binary.BigEndian.Uint64(payload[0:8]))),
			Price:     float64(math.Float32frombits(binary.BigEndian.Uint32(payload[8:12]))),
			Volume:    float64(binary.BigEndian.Uint64(payload[12:20])),
		}, nil

	default:
		return model.Tick{}, fmt.Errorf("%w: payload length %d matches no known layout",
			ErrMalformedFrame, len(payload))
	}
}

// decodeLegacy parses the little-endian fixed-doubles layout: 48 bytes
// of float64 fields (timestamp, OHLC, volume) followed by the trailing
// null-terminated symbol. There is no update shape on this path; every
// frame decodes as a snapshot with no previous close.
func decodeLegacy(frame []byte) (model.Tick, error) {
	if len(frame) <= legacyPrefixLen {
		return model.Tick{}, fmt.Errorf("%w: legacy frame too short (%d bytes)",
			ErrMalformedFrame, len(frame))
	}

	tail := frame[legacyPrefixLen:]
	sep := bytes.IndexByte(tail, 0x00)
	if sep < 0 {
		return model.Tick{}, fmt.Errorf("%w: no symbol terminator in legacy frame",
			ErrMalformedFrame)
	}

	f64 := func(off int) float64 {
		return math.Float64frombits(binary.LittleEndian.Uint64(frame[off : off+8]))
	}

	return model.Tick{
		Kind:      model.TickSnapshot,
		Symbol:    string(tail[:sep]),
		Timestamp: NormalizeTimestamp(int64(f64(0))),
		Open:      f64(8),
		High:      f64(16),
		Low:       f64(24),
		Close:     f64(32),
		Volume:    f64(40),
	}, nil
}
