package partition

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dreamware/meshfield/internal/geom"
)

// Owner returns the worker id of the leaf containing p.
func (t *QuadTree) Owner(p geom.IntPoint) (int, error) {
	n, err := t.GetLeaf(p)
	if err != nil {
		return -1, err
	}
	return n.WorkerID, nil
}

// LeafForWorker returns the leaf node currently assigned to worker, or an
// error if no leaf is assigned to it.
func (t *QuadTree) LeafForWorker(worker int) (*Node, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, n := range t.nodes {
		if n.IsLeaf() && n.WorkerID == worker {
			return n.clone(), nil
		}
	}
	return nil, fmt.Errorf("partition: no leaf assigned to worker %d", worker)
}

// DebugString renders an indented per-node listing (rect, level, worker
// id), grounded on the original Java implementation's QuadTree.toString
// (see SPEC_FULL.md §10).
func (t *QuadTree) DebugString() string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var b strings.Builder
	var walk func(id int, depth int)
	walk = func(id int, depth int) {
		n := t.nodes[id]
		indent := strings.Repeat("  ", depth)
		if n.IsLeaf() {
			fmt.Fprintf(&b, "%sleaf %d: rect=%v worker=%d\n", indent, n.ID, n.Rect, n.WorkerID)
			return
		}
		fmt.Fprintf(&b, "%snode %d: rect=%v\n", indent, n.ID, n.Rect)
		children := append([]int(nil), n.ChildIDs...)
		sort.Ints(children)
		for _, c := range children {
			walk(c, depth+1)
		}
	}
	walk(RootID, 0)
	return b.String()
}
