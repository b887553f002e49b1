package partition

import (
	"fmt"
	"sort"

	"github.com/dreamware/meshfield/internal/geom"
)

// Neighbors returns the leaves, other than leafID itself, whose
// rectangles intersect leafID's halo (its rect resized by aoi), under the
// toroidal topology: the halo is replicated by every world-sized shift
// (3^D - 1 non-zero shifts plus the unshifted halo itself) and a leaf
// counts as a neighbor if any shifted copy intersects it. Results are
// deduplicated by leaf id and sorted ascending, matching spec.md §4.3 and
// the characterization in §8 property 10.
func (t *QuadTree) Neighbors(leafID int, aoi geom.AreaOfInterest) ([]*Node, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	leaf, ok := t.nodes[leafID]
	if !ok {
		return nil, fmt.Errorf("partition: no node with id %d", leafID)
	}
	if !leaf.IsLeaf() {
		return nil, fmt.Errorf("partition: node %d is not a leaf", leafID)
	}

	halo := leaf.Rect.Resize(aoi.AsPoint())
	shifts := geom.ToroidalShifts(t.world.Size(), t.dim)

	seen := map[int]*Node{}
	for _, n := range t.nodes {
		if !n.IsLeaf() || n.ID == leafID {
			continue
		}
		for _, shift := range shifts {
			if halo.Shift(shift).Intersects(n.Rect) {
				seen[n.ID] = n
				break
			}
		}
	}

	out := make([]*Node, 0, len(seen))
	for _, n := range seen {
		out = append(out, n.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
