package wire

import (
	"encoding/binary"
	"math"
)

// EncodeSnapshot builds a standard-layout snapshot frame. Used by the
// replay tool and tests; the production transport only decodes.
func EncodeSnapshot(symbol string, ts int64, open, high, low, close, prevClose float32, volume uint64) []byte {
	buf := make([]byte, 0, len(symbol)+1+snapshotPayloadLen)
	buf = append(buf, symbol...)
	buf = append(buf, 0x00)
	buf = binary.BigEndian.AppendUint64(buf, uint64(ts))
	for _, f := range []float32{open, high, low, close, prevClose} {
		buf = binary.BigEndian.AppendUint32(buf, math.Float32bits(f))
	}
	return binary.BigEndian.AppendUint64(buf, volume)
}

// EncodeUpdate builds a standard-layout update frame.
func EncodeUpdate(symbol string, ts int64, price float32, volume uint64) []byte {
	buf := make([]byte, 0, len(symbol)+1+updatePayloadLen)
	buf = append(buf, symbol...)
	buf = append(buf, 0x00)
	buf = binary.BigEndian.AppendUint64(buf, uint64(ts))
	buf = binary.BigEndian.AppendUint32(buf, math.Float32bits(price))
	return binary.BigEndian.AppendUint64(buf, volume)
}

// EncodeLegacy builds a legacy-layout frame: six little-endian float64
// fields then the trailing null-terminated symbol.
func EncodeLegacy(symbol string, ts, open, high, low, close, volume float64) []byte {
	buf := make([]byte, 0, legacyPrefixLen+len(symbol)+1)
	for _, f := range []float64{ts, open, high, low, close, volume} {
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(f))
	}
	buf = append(buf, symbol...)
	return append(buf, 0x00)
}
