package gridstore

import (
	"encoding/binary"
	"fmt"
)

// framePieces concatenates pieces with a uint32 length prefix per piece,
// so a sub-rect list composed of multiple disjoint rectangles (spec.md
// §4.2) round-trips through a single buffer without replaying the rect
// list on the decode side.
func framePieces(pieces [][]byte) []byte {
	total := 4
	for _, p := range pieces {
		total += 4 + len(p)
	}
	out := make([]byte, total)
	binary.LittleEndian.PutUint32(out, uint32(len(pieces)))
	off := 4
	for _, p := range pieces {
		binary.LittleEndian.PutUint32(out[off:], uint32(len(p)))
		off += 4
		copy(out[off:], p)
		off += len(p)
	}
	return out
}

// unframePieces is the inverse of framePieces.
func unframePieces(data []byte) ([][]byte, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("gridstore: frame too short: %d bytes", len(data))
	}
	n := int(binary.LittleEndian.Uint32(data))
	off := 4
	pieces := make([][]byte, n)
	for i := 0; i < n; i++ {
		if off+4 > len(data) {
			return nil, fmt.Errorf("gridstore: frame truncated reading piece %d length", i)
		}
		l := int(binary.LittleEndian.Uint32(data[off:]))
		off += 4
		if off+l > len(data) {
			return nil, fmt.Errorf("gridstore: frame truncated reading piece %d body", i)
		}
		pieces[i] = data[off : off+l]
		off += l
	}
	return pieces, nil
}
