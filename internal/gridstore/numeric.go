package gridstore

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/dreamware/meshfield/internal/geom"
)

// Numeric is the set of element types NumericGrid accepts: anything whose
// bit pattern round-trips through a fixed-width little-endian encoding, per
// spec.md's "endianness and floating-point representation must be fixed."
type Numeric interface {
	~int32 | ~int64 | ~float32 | ~float64
}

// NumericGrid is the dense-array GridStorage strategy for primitive
// numeric element types. Pack and Unpack encode every sub-rect cell by
// cell; contiguous spans take the same path, with no zero-copy shortcut.
type NumericGrid[T Numeric] struct {
	rect geom.IntHyperRect
	data []T
}

// NewNumericGrid allocates a NumericGrid over rect, zero-initialized.
func NewNumericGrid[T Numeric](rect geom.IntHyperRect) *NumericGrid[T] {
	g := &NumericGrid[T]{}
	g.Reshape(rect)
	return g
}

func (g *NumericGrid[T]) Get(flat int) T          { return g.data[flat] }
func (g *NumericGrid[T]) Set(flat int, v T)       { g.data[flat] = v }
func (g *NumericGrid[T]) Rect() geom.IntHyperRect { return g.rect }

// New allocates a fresh NumericGrid[T] over rect.
func (g *NumericGrid[T]) New(rect geom.IntHyperRect) GridStorage[T] {
	return NewNumericGrid[T](rect)
}

func (g *NumericGrid[T]) Reshape(r geom.IntHyperRect) {
	g.rect = r
	g.data = make([]T, r.Area())
}

func (g *NumericGrid[T]) Pack(subs []geom.IntHyperRect) ([]byte, error) {
	pieces := make([][]byte, len(subs))
	for i, sub := range subs {
		idxs, err := cellsIn(g.rect, sub)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, len(idxs)*numericWidth[T]())
		for j, idx := range idxs {
			putNumeric(buf[j*numericWidth[T]():], g.data[idx])
		}
		pieces[i] = buf
	}
	return framePieces(pieces), nil
}

func (g *NumericGrid[T]) Unpack(subs []geom.IntHyperRect, data []byte) error {
	pieces, err := unframePieces(data)
	if err != nil {
		return err
	}
	if len(pieces) != len(subs) {
		return fmt.Errorf("gridstore: unpack got %d pieces, expected %d sub-rects", len(pieces), len(subs))
	}
	width := numericWidth[T]()
	for i, sub := range subs {
		idxs, err := cellsIn(g.rect, sub)
		if err != nil {
			return err
		}
		piece := pieces[i]
		if len(piece) != len(idxs)*width {
			return fmt.Errorf("gridstore: sub-rect %v expects %d bytes, got %d", sub, len(idxs)*width, len(piece))
		}
		for j, idx := range idxs {
			g.data[idx] = numericFromBytes[T](piece[j*width:])
		}
	}
	return nil
}

func numericWidth[T Numeric]() int {
	var zero T
	switch any(zero).(type) {
	case int32, float32:
		return 4
	default:
		return 8
	}
}

func putNumeric[T Numeric](buf []byte, v T) {
	switch x := any(v).(type) {
	case int32:
		binary.LittleEndian.PutUint32(buf, uint32(x))
	case int64:
		binary.LittleEndian.PutUint64(buf, uint64(x))
	case float32:
		binary.LittleEndian.PutUint32(buf, math.Float32bits(x))
	case float64:
		binary.LittleEndian.PutUint64(buf, math.Float64bits(x))
	default:
		panic(fmt.Sprintf("gridstore: unsupported numeric type %T", v))
	}
}

func numericFromBytes[T Numeric](buf []byte) T {
	var zero T
	switch any(zero).(type) {
	case int32:
		return T(int32(binary.LittleEndian.Uint32(buf)))
	case int64:
		return T(int64(binary.LittleEndian.Uint64(buf)))
	case float32:
		return T(math.Float32frombits(binary.LittleEndian.Uint32(buf)))
	case float64:
		return T(math.Float64frombits(binary.LittleEndian.Uint64(buf)))
	default:
		panic(fmt.Sprintf("gridstore: unsupported numeric type %T", zero))
	}
}
