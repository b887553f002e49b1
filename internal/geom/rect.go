package geom

// WorldID is the stable id reserved for the world rectangle, per spec.
const WorldID = -1

// IntHyperRect is an axis-aligned integer hyperrectangle [UL, BR), carrying
// a stable id. The world rectangle has ID == WorldID; quadtree nodes carry
// their own node id here once assigned.
type IntHyperRect struct {
	ID int
	UL IntPoint
	BR IntPoint
}

// NewRect builds a rect from corners with the given id.
func NewRect(id int, ul, br IntPoint) IntHyperRect {
	return IntHyperRect{ID: id, UL: ul.Clone(), BR: br.Clone()}
}

// Dim returns the dimensionality of the rect.
func (r IntHyperRect) Dim() int {
	return len(r.UL)
}

// Size returns the per-dimension extent (BR - UL).
func (r IntHyperRect) Size() IntPoint {
	return r.BR.Sub(r.UL)
}

// Area returns the product of the per-dimension extents, zero if the rect
// is degenerate or inverted in any dimension.
func (r IntHyperRect) Area() int {
	size := r.Size()
	area := 1
	for _, s := range size {
		if s <= 0 {
			return 0
		}
		area *= s
	}
	return area
}

// Contains reports whether p falls within [UL, BR) in every dimension.
func (r IntHyperRect) Contains(p IntPoint) bool {
	for i := range r.UL {
		if p[i] < r.UL[i] || p[i] >= r.BR[i] {
			return false
		}
	}
	return true
}

// Intersects reports whether r and o share any cell.
func (r IntHyperRect) Intersects(o IntHyperRect) bool {
	return r.Intersection(o).Area() > 0
}

// Intersection returns the overlapping rect of r and o: element-wise max of
// the lower corners and min of the upper corners. The result is degenerate
// (zero area) if the rects don't overlap in some dimension. The returned
// rect inherits r's id.
func (r IntHyperRect) Intersection(o IntHyperRect) IntHyperRect {
	ul := make(IntPoint, len(r.UL))
	br := make(IntPoint, len(r.BR))
	for i := range r.UL {
		ul[i] = max(r.UL[i], o.UL[i])
		br[i] = min(r.BR[i], o.BR[i])
	}
	return IntHyperRect{ID: r.ID, UL: ul, BR: br}
}



// Shift translates r by delta, keeping its id.
func (r IntHyperRect) Shift(delta IntPoint) IntHyperRect {
	return IntHyperRect{ID: r.ID, UL: r.UL.Add(delta), BR: r.BR.Add(delta)}
}

// Resize expands (positive aoi) or shrinks (negative aoi) r symmetrically:
// the lower corner moves by -aoi[i] and the upper corner by +aoi[i] in each
// dimension.
func (r IntHyperRect) Resize(aoi IntPoint) IntHyperRect {
	ul := make(IntPoint, len(r.UL))
	br := make(IntPoint, len(r.BR))
	for i := range r.UL {
		ul[i] = r.UL[i] - aoi[i]
		br[i] = r.BR[i] + aoi[i]
	}
	return IntHyperRect{ID: r.ID, UL: ul, BR: br}
}

// Equal reports whether r and o have the same corners (ids are ignored).
func (r IntHyperRect) Equal(o IntHyperRect) bool {
	return r.UL.Equal(o.UL) && r.BR.Equal(o.BR)
}
