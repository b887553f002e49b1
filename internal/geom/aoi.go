package geom

import "fmt"

// AreaOfInterest is the per-dimension halo thickness: how many cells of
// ghost region a partition keeps around its owned rectangle in each
// dimension.
type AreaOfInterest IntPoint

// AsPoint views the AOI as a plain IntPoint, for use with Resize/Shift.
func (a AreaOfInterest) AsPoint() IntPoint {
	return IntPoint(a)
}

// Negated returns the AOI negated per dimension, for shrinking a rect with
// Resize instead of expanding it.
func (a AreaOfInterest) Negated() IntPoint {
	out := make(IntPoint, len(a))
	for i, v := range a {
		out[i] = -v
	}
	return out
}

// Validate checks the spec's AOI-sufficiency invariant: every side of
// partSize must be at least 2*aoi so the private sub-region is non-empty.
func (a AreaOfInterest) Validate(partSize IntPoint) error {
	if len(a) != len(partSize) {
		return fmt.Errorf("geom: aoi dimension %d does not match partition dimension %d", len(a), len(partSize))
	}
	for i, v := range a {
		if v < 0 {
			return fmt.Errorf("geom: aoi[%d] = %d is negative", i, v)
		}
		if partSize[i] < 2*v {
			return fmt.Errorf("geom: partition side %d (%d) is smaller than 2*aoi (%d)", i, partSize[i], 2*v)
		}
	}
	return nil
}
