// Package gridstore implements dense per-cell storage over an integer
// hyperrectangle, generalizing the teacher's internal/storage.Store
// key-value interface from a fixed []byte value type to an arbitrary
// element type T, with two concrete strategies: a contiguous array for
// numeric element types, and a reference array plus pluggable byte
// serialization for opaque object types.
package gridstore

import (
	"fmt"

	"github.com/dreamware/meshfield/internal/geom"
)

// GridStorage is a dense row-major buffer of length equal to the product
// of the rect's per-dimension size, over an arbitrary element type T.
type GridStorage[T any] interface {
	// Get returns the value at a flat (row-major) index.
	Get(flat int) T
	// Set stores the value at a flat index.
	Set(flat int, v T)
	// Rect returns the hyperrectangle this storage is indexed over; flat
	// index 0 corresponds to Rect().UL.
	Rect() geom.IntHyperRect
	// Reshape re-allocates the storage over a new rect, discarding all
	// existing data.
	Reshape(r geom.IntHyperRect)
	// Pack serializes the cells covered by subs (each relative to Rect())
	// into a single self-delimiting byte buffer.
	Pack(subs []geom.IntHyperRect) ([]byte, error)
	// Unpack writes data back into the cells covered by subs, in the same
	// order Pack would have produced them.
	Unpack(subs []geom.IntHyperRect, data []byte) error
	// New allocates a fresh, zero-initialized storage of the same concrete
	// strategy over a different rect, per spec.md §3's new_storage(rect).
	// Used by the repartition protocol's group master to size a
	// scratch buffer without knowing the caller's concrete grid type.
	New(rect geom.IntHyperRect) GridStorage[T]
}

// FlatIndex converts a point within rect into a flat row-major index, or
// -1 if the point falls outside rect. Exported for callers (HaloField)
// that need to translate a world point into a storage index without
// reimplementing the row-major convention.
func FlatIndex(rect geom.IntHyperRect, p geom.IntPoint) int {
	return flatIndex(rect, p)
}

// flatIndex converts a point within rect into a flat row-major index, or
// -1 if the point falls outside rect.
func flatIndex(rect geom.IntHyperRect, p geom.IntPoint) int {
	if !rect.Contains(p) {
		return -1
	}
	size := rect.Size()
	idx := 0
	stride := 1
	for i := len(size) - 1; i >= 0; i-- {
		idx += (p[i] - rect.UL[i]) * stride
		stride *= size[i]
	}
	return idx
}

// pointFromFlat converts a flat row-major index back into a point within
// rect, the inverse of flatIndex.
func pointFromFlat(rect geom.IntHyperRect, flat int) geom.IntPoint {
	size := rect.Size()
	p := make(geom.IntPoint, len(size))
	for i := len(size) - 1; i >= 0; i-- {
		p[i] = rect.UL[i] + flat%size[i]
		flat /= size[i]
	}
	return p
}

// cellsIn enumerates the flat indices of sub, expressed in rect's index
// space, in row-major order. sub must be contained in rect.
func cellsIn(rect, sub geom.IntHyperRect) ([]int, error) {
	if rect.Dim() != sub.Dim() {
		return nil, fmt.Errorf("gridstore: dimension mismatch: rect has %d, sub has %d", rect.Dim(), sub.Dim())
	}
	clipped := rect.Intersection(sub)
	if !clipped.Equal(sub) {
		return nil, fmt.Errorf("gridstore: sub-rect %v is not contained in storage rect %v", sub, rect)
	}
	size := sub.Size()
	total := sub.Area()
	out := make([]int, 0, total)
	p := sub.UL.Clone()
	for n := 0; n < total; n++ {
		out = append(out, flatIndex(rect, p))
		for i := len(p) - 1; i >= 0; i-- {
			p[i]++
			if p[i] < sub.UL[i]+size[i] {
				break
			}
			p[i] = sub.UL[i]
		}
	}
	return out, nil
}
