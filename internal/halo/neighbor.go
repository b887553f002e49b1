package halo

import (
	"sort"

	"github.com/dreamware/meshfield/internal/geom"
	"github.com/dreamware/meshfield/internal/partition"
)

// Neighbor describes one direct neighbor of this field's owned leaf:
// WorkerID, the sub-rectangles of origPart to send it (SendOverlaps), and
// the sub-rectangles of haloPart it will write into (RecvOverlaps). Per
// spec.md §3, the two lists are sorted into correspondence: SendOverlaps
// ascending, RecvOverlaps descending, so paired by index, each send
// sub-rect matches the recv sub-rect the neighbor fills from it.
type Neighbor struct {
	WorkerID     int
	SendOverlaps []geom.IntHyperRect
	RecvOverlaps []geom.IntHyperRect
}

// computeNeighbors derives the Neighbor list for a leaf from the
// partition manager, given the leaf's origPart/haloPart. It replicates
// every other leaf's rectangle by each toroidal shift before intersecting,
// per spec.md §3's "overlaps are computed over all 3^D - 1 world-shifted
// copies of the neighbor rect and unioned."
func computeNeighbors(pm *partition.QuadTree, leafID int, aoi geom.AreaOfInterest, origPart, haloPart geom.IntHyperRect) ([]Neighbor, error) {
	leaves, err := pm.Neighbors(leafID, aoi)
	if err != nil {
		return nil, err
	}
	worldSize := pm.World().Size()
	dim := pm.Dim()
	shifts := geom.ToroidalShifts(worldSize, dim)

	out := make([]Neighbor, 0, len(leaves))
	for _, n := range leaves {
		sendHalo := n.Rect.Resize(aoi.AsPoint())
		var sendOverlaps, recvOverlaps []geom.IntHyperRect
		for _, shift := range shifts {
			shifted := sendHalo.Shift(shift)
			if inter := origPart.Intersection(shifted); inter.Area() > 0 {
				sendOverlaps = append(sendOverlaps, inter)
			}
		}
		for _, shift := range shifts {
			shifted := n.Rect.Shift(shift)
			if inter := haloPart.Intersection(shifted); inter.Area() > 0 {
				recvOverlaps = append(recvOverlaps, inter)
			}
		}
		sort.Slice(sendOverlaps, func(i, j int) bool { return rectLess(sendOverlaps[i], sendOverlaps[j]) })
		sort.Slice(recvOverlaps, func(i, j int) bool { return rectLess(recvOverlaps[j], recvOverlaps[i]) })
		out = append(out, Neighbor{WorkerID: n.WorkerID, SendOverlaps: sendOverlaps, RecvOverlaps: recvOverlaps})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out, nil
}

// rectLess orders rects lexicographically by UL then BR, giving a stable
// ascending order for pairing send/recv overlap lists.
func rectLess(a, b geom.IntHyperRect) bool {
	for i := range a.UL {
		if a.UL[i] != b.UL[i] {
			return a.UL[i] < b.UL[i]
		}
	}
	for i := range a.BR {
		if a.BR[i] != b.BR[i] {
			return a.BR[i] < b.BR[i]
		}
	}
	return false
}
