package partition

import (
	"fmt"

	"golang.org/x/exp/slices"

	"github.com/dreamware/meshfield/internal/geom"
)

// Split locates the leaf containing origin and subdivides it into 2^D
// children at that point, each a fresh leaf assigned a fresh id from the
// pool and the worker id from the matching entry of assignments. Returns
// the new children's ids, ascending, in the same order as assignments.
//
// assignments must carry exactly 2^D entries and is applied to every new
// child before the post-commit callbacks run, so registered HaloFields'
// Reload (which calls LeafForWorker(ctx.Rank)) always sees a leaf for
// every worker the caller intends to end up owning one — an in-between
// state where children are still stamped with the old leaf's worker id
// would otherwise starve some workers' reloads. origin must be strictly
// interior to the leaf's rect in every dimension (spec.md §4.3);
// splitting on a boundary, a mismatched assignments count, or an
// exhausted pool is a TopologyError.
func (t *QuadTree) Split(origin geom.IntPoint, assignments []int) ([]int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	leaf, err := t.getLeafLocked(origin)
	if err != nil {
		return nil, err
	}
	if !leaf.IsLeaf() {
		return nil, fmt.Errorf("partition: TopologyError: node %d is not a leaf", leaf.ID)
	}
	if !strictlyInterior(origin, leaf.Rect) {
		return nil, fmt.Errorf("partition: TopologyError: origin %v is not strictly interior to leaf %d (%v)", origin, leaf.ID, leaf.Rect)
	}

	numChildren := 1 << t.dim
	if len(assignments) != numChildren {
		return nil, fmt.Errorf("partition: TopologyError: split needs %d worker assignments, got %d", numChildren, len(assignments))
	}
	if len(t.availIDs) < numChildren {
		return nil, fmt.Errorf("partition: TopologyError: id pool exhausted, need %d ids, have %d", numChildren, len(t.availIDs))
	}

	t.runPreCommit(CommitEvent{Phase: PreCommit, Level: leaf.Level, NodeID: leaf.ID})

	childIDs := make([]int, numChildren)
	for i := 0; i < numChildren; i++ {
		childIDs[i] = t.availIDs[i]
	}
	t.availIDs = t.availIDs[numChildren:]

	for i := 0; i < numChildren; i++ {
		rect := childRect(leaf.Rect, origin, i, t.dim)
		rect.ID = childIDs[i]
		t.nodes[childIDs[i]] = &Node{
			ID:       childIDs[i],
			Rect:     rect,
			Level:    leaf.Level + 1,
			ParentID: leaf.ID,
			WorkerID: assignments[i],
		}
	}

	leaf.ChildIDs = append([]int(nil), childIDs...)
	leaf.WorkerID = -1
	t.nodes[leaf.ID] = leaf

	t.runPostCommit(CommitEvent{Phase: PostCommit, Level: leaf.Level, NodeID: leaf.ID})

	out := append([]int(nil), childIDs...)
	return out, nil
}

// Merge removes all descendants of node, freeing their ids back to the
// pool, and turns node back into a leaf with the given worker id.
func (t *QuadTree) Merge(nodeID int, worker int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.nodes[nodeID]
	if !ok {
		return fmt.Errorf("partition: no node with id %d", nodeID)
	}
	if n.IsLeaf() {
		return fmt.Errorf("partition: node %d is already a leaf", nodeID)
	}

	t.runPreCommit(CommitEvent{Phase: PreCommit, Level: n.Level, NodeID: n.ID})

	freed := t.collectDescendantIDsLocked(n)
	for _, id := range freed {
		delete(t.nodes, id)
	}
	t.availIDs = append(t.availIDs, freed...)
	slices.Sort(t.availIDs)

	n.ChildIDs = nil
	n.WorkerID = worker
	t.nodes[n.ID] = n

	t.runPostCommit(CommitEvent{Phase: PostCommit, Level: n.Level, NodeID: n.ID})
	return nil
}

// MoveOrigin is equivalent to Merge(node) followed by re-splitting node's
// rect at newOrigin, but preserves node's id and runs as a single commit
// so registered clients see one mutation, not two, per spec.md §4.3.
//
// assignments must carry exactly 2^D entries, one per new child in
// ascending id order, and — as Split does — is applied before the
// post-commit callbacks run: a registered HaloField's post-commit Reload
// calls LeafForWorker(ctx.Rank) against the mutated tree immediately, so
// every child must already carry its final worker id by that point, not
// a placeholder a caller intends to overwrite afterward.
func (t *QuadTree) MoveOrigin(nodeID int, newOrigin geom.IntPoint, assignments []int) ([]int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.nodes[nodeID]
	if !ok {
		return nil, fmt.Errorf("partition: no node with id %d", nodeID)
	}
	if n.IsLeaf() {
		return nil, fmt.Errorf("partition: node %d is a leaf; use Split instead", nodeID)
	}
	if !strictlyInterior(newOrigin, n.Rect) {
		return nil, fmt.Errorf("partition: TopologyError: origin %v is not strictly interior to node %d (%v)", newOrigin, n.ID, n.Rect)
	}

	numChildren := 1 << t.dim
	if len(assignments) != numChildren {
		return nil, fmt.Errorf("partition: TopologyError: move_origin needs %d worker assignments, got %d", numChildren, len(assignments))
	}

	t.runPreCommit(CommitEvent{Phase: PreCommit, Level: n.Level, NodeID: n.ID})

	freed := t.collectDescendantIDsLocked(n)
	for _, id := range freed {
		delete(t.nodes, id)
	}
	t.availIDs = append(t.availIDs, freed...)
	slices.Sort(t.availIDs)

	if len(t.availIDs) < numChildren {
		return nil, fmt.Errorf("partition: TopologyError: id pool exhausted after merge, need %d ids, have %d", numChildren, len(t.availIDs))
	}
	childIDs := make([]int, numChildren)
	for i := 0; i < numChildren; i++ {
		childIDs[i] = t.availIDs[i]
	}
	t.availIDs = t.availIDs[numChildren:]

	for i := 0; i < numChildren; i++ {
		rect := childRect(n.Rect, newOrigin, i, t.dim)
		rect.ID = childIDs[i]
		t.nodes[childIDs[i]] = &Node{
			ID:       childIDs[i],
			Rect:     rect,
			Level:    n.Level + 1,
			ParentID: n.ID,
			WorkerID: assignments[i],
		}
	}
	n.ChildIDs = append([]int(nil), childIDs...)
	n.WorkerID = -1
	t.nodes[n.ID] = n

	t.runPostCommit(CommitEvent{Phase: PostCommit, Level: n.Level, NodeID: n.ID})

	out := append([]int(nil), childIDs...)
	return out, nil
}

func (t *QuadTree) collectDescendantIDsLocked(n *Node) []int {
	var out []int
	var walk func(id int)
	walk = func(id int) {
		node := t.nodes[id]
		for _, c := range node.ChildIDs {
			out = append(out, c)
			walk(c)
		}
	}
	walk(n.ID)
	return out
}

// strictlyInterior reports whether p lies strictly inside rect in every
// dimension (not on any boundary).
func strictlyInterior(p geom.IntPoint, rect geom.IntHyperRect) bool {
	for i := range rect.UL {
		if p[i] <= rect.UL[i] || p[i] >= rect.BR[i] {
			return false
		}
	}
	return true
}

// childRect computes the i-th child's rectangle when splitting rect at
// origin: bit b of i selects, per dimension b, the low half [UL, origin)
// when 0 or the high half [origin, BR) when 1.
func childRect(rect geom.IntHyperRect, origin geom.IntPoint, i, dim int) geom.IntHyperRect {
	ul := make(geom.IntPoint, dim)
	br := make(geom.IntPoint, dim)
	for d := 0; d < dim; d++ {
		if i&(1<<d) == 0 {
			ul[d] = rect.UL[d]
			br[d] = origin[d]
		} else {
			ul[d] = origin[d]
			br[d] = rect.BR[d]
		}
	}
	return geom.IntHyperRect{UL: ul, BR: br}
}
