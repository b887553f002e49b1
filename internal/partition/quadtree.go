// Package partition implements the quadtree partition manager: a
// recursive rectangular decomposition of the world rectangle, with
// leaves assigned to worker ids and online rebalance via split, merge,
// and move_origin.
//
// The shape — an id-keyed map of nodes behind a mutex, with copy-out
// accessors and explicit lookup/assign operations — is lifted directly
// from the teacher's internal/coordinator.ShardRegistry, generalized from
// a flat shard-id table to a tree. Cyclic ownership (parent/child) is
// resolved the way spec.md §9 prescribes: the map is the arena, child
// links are strong (by id), parent links are weak (an id looked up in the
// arena, -1 at the root).
package partition

import (
	"fmt"
	"sort"
	"sync"

	"github.com/dreamware/meshfield/internal/geom"
)

// RootID is the fixed id of the root node.
const RootID = 0

// Node is one entry in the quadtree arena: either internal (len(ChildIDs)
// == 2^D, WorkerID == -1) or a leaf (ChildIDs empty, WorkerID >= 0).
type Node struct {
	ID       int
	Rect     geom.IntHyperRect
	Level    int
	ParentID int // -1 at the root
	ChildIDs []int
	WorkerID int // -1 for internal nodes
}

// IsLeaf reports whether n has no children.
func (n *Node) IsLeaf() bool {
	return len(n.ChildIDs) == 0
}

// clone returns a deep copy of n, safe to hand to a caller.
func (n *Node) clone() *Node {
	c := *n
	c.Rect = geom.NewRect(n.Rect.ID, n.Rect.UL, n.Rect.BR)
	c.ChildIDs = append([]int(nil), n.ChildIDs...)
	return &c
}

// CommitCallback is invoked around every topology mutation: once before
// (with phase PreCommit) and once after (PostCommit), on every registered
// client, in registration order, per spec.md §4.3/§5's ordering
// guarantees.
type CommitCallback func(event CommitEvent)

// CommitPhase distinguishes the two halves of a mutation.
type CommitPhase int

const (
	PreCommit CommitPhase = iota
	PostCommit
)

// CommitEvent describes one topology mutation to registered callbacks.
type CommitEvent struct {
	Phase CommitPhase
	// Level is the level of the node being mutated (the split/merge/move
	// target), used to scope group-communicator bookkeeping.
	Level int
	// NodeID is the node being mutated.
	NodeID int
}

// QuadTree is the partition manager: a fixed-dimension, fixed-capacity
// arena of Nodes rooted at RootID, plus a pool of ids available for new
// nodes.
type QuadTree struct {
	mu    sync.RWMutex
	dim   int
	world geom.IntHyperRect

	nodes    map[int]*Node
	availIDs []int

	preCommit  []CommitCallback
	postCommit []CommitCallback
}

// New constructs a QuadTree over world, with capacity for at most
// maxPartitions leaves. world.Dim() fixes D; maxPartitions must satisfy
// maxPartitions ≡ 1 (mod 2^D - 1), per spec.md §3.
func New(world geom.IntHyperRect, maxPartitions int) (*QuadTree, error) {
	dim := world.Dim()
	if dim == 0 {
		return nil, fmt.Errorf("partition: world rect has zero dimensions")
	}
	denom := (1 << dim) - 1
	if maxPartitions < 1 || (maxPartitions-1)%denom != 0 {
		return nil, fmt.Errorf("partition: maxPartitions %d must be >= 1 and ≡ 1 (mod %d) for dimension %d", maxPartitions, denom, dim)
	}
	kMax := (maxPartitions - 1) / denom
	poolSize := kMax * (1 << dim)

	avail := make([]int, poolSize)
	for i := range avail {
		avail[i] = i + 1
	}

	worldRect := geom.NewRect(geom.WorldID, world.UL, world.BR)
	root := &Node{ID: RootID, Rect: worldRect, Level: 0, ParentID: -1, WorkerID: 0}

	return &QuadTree{
		dim:      dim,
		world:    worldRect,
		nodes:    map[int]*Node{RootID: root},
		availIDs: avail,
	}, nil
}

// World returns the world rectangle.
func (t *QuadTree) World() geom.IntHyperRect {
	return t.world
}

// Dim returns the tree's fixed dimensionality.
func (t *QuadTree) Dim() int {
	return t.dim
}

// Node returns a copy of the node with the given id, or an error if it
// does not exist.
func (t *QuadTree) Node(id int) (*Node, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[id]
	if !ok {
		return nil, fmt.Errorf("partition: no node with id %d", id)
	}
	return n.clone(), nil
}

// Leaves returns all current leaf nodes, ascending by id.
func (t *QuadTree) Leaves() []*Node {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.leavesLocked()
}

func (t *QuadTree) leavesLocked() []*Node {
	out := make([]*Node, 0, len(t.nodes))
	for _, n := range t.nodes {
		if n.IsLeaf() {
			out = append(out, n.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AvailableIDs returns the number of ids remaining in the pool.
func (t *QuadTree) AvailableIDs() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.availIDs)
}

// RegisterPreCommit registers cb to run, in registration order, before
// every topology mutation.
func (t *QuadTree) RegisterPreCommit(cb CommitCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.preCommit = append(t.preCommit, cb)
}

// RegisterPostCommit registers cb to run, in registration order, after
// every topology mutation.
func (t *QuadTree) RegisterPostCommit(cb CommitCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.postCommit = append(t.postCommit, cb)
}

func (t *QuadTree) runPreCommit(ev CommitEvent) {
	for _, cb := range t.preCommit {
		cb(ev)
	}
}

// runPostCommit is called with t.mu held for writing; it releases the lock
// while the callbacks run, so they can read the mutated tree (a HaloField's
// Reload calls LeafForWorker), and takes it again before returning.
func (t *QuadTree) runPostCommit(ev CommitEvent) {
	cbs := t.postCommit
	t.mu.Unlock()
	defer t.mu.Lock()
	for _, cb := range cbs {
		cb(ev)
	}
}

// GetLeaf descends from the root to the leaf containing p, choosing a
// child at each internal node by comparing p against that node's split
// origin.
func (t *QuadTree) GetLeaf(p geom.IntPoint) (*Node, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, err := t.getLeafLocked(p)
	if err != nil {
		return nil, err
	}
	return n.clone(), nil
}

func (t *QuadTree) getLeafLocked(p geom.IntPoint) (*Node, error) {
	cur := t.nodes[RootID]
	for !cur.IsLeaf() {
		origin := t.splitOrigin(cur)
		childIdx := t.childIndex(p, origin)
		cur = t.nodes[cur.ChildIDs[childIdx]]
	}
	return cur, nil
}

// splitOrigin recovers the origin point a node was split at, from its
// first child's upper-right-most corner pattern: child 0 (all-low) shares
// its BR with the origin.
func (t *QuadTree) splitOrigin(n *Node) geom.IntPoint {
	child0 := t.nodes[n.ChildIDs[0]]
	return child0.Rect.BR
}

// childIndex computes which of a node's 2^D children contains p, given
// the split origin: bit i of the index is 1 iff p[i] >= origin[i].
func (t *QuadTree) childIndex(p, origin geom.IntPoint) int {
	idx := 0
	for i := range origin {
		if p[i] >= origin[i] {
			idx |= 1 << i
		}
	}
	return idx
}
