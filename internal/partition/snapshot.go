package partition

import "github.com/dreamware/meshfield/internal/geom"

// NodeDTO is the wire form of a Node, used to ship the coordinator's
// authoritative topology to a worker over HTTP (spec.md §0's replicated
// partition manager).
type NodeDTO struct {
	ID       int             `json:"id"`
	Rect     geom.IntHyperRect `json:"rect"`
	Level    int             `json:"level"`
	ParentID int             `json:"parent_id"`
	ChildIDs []int           `json:"child_ids"`
	WorkerID int             `json:"worker_id"`
}

// Snapshot is the wire form of a whole QuadTree.
type Snapshot struct {
	Dim      int               `json:"dim"`
	World    geom.IntHyperRect `json:"world"`
	Nodes    []NodeDTO         `json:"nodes"`
	AvailIDs []int             `json:"avail_ids"`
}

// Snapshot captures t's current state for transmission to a worker.
func (t *QuadTree) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	nodes := make([]NodeDTO, 0, len(t.nodes))
	for _, n := range t.nodes {
		nodes = append(nodes, NodeDTO{
			ID:       n.ID,
			Rect:     n.Rect,
			Level:    n.Level,
			ParentID: n.ParentID,
			ChildIDs: append([]int(nil), n.ChildIDs...),
			WorkerID: n.WorkerID,
		})
	}
	return Snapshot{
		Dim:      t.dim,
		World:    t.world,
		Nodes:    nodes,
		AvailIDs: append([]int(nil), t.availIDs...),
	}
}

// FromSnapshot rebuilds a QuadTree from a Snapshot, with no registered
// commit callbacks. Used by a worker adopting the coordinator's topology
// for the first time; subsequent mutations arrive as individual
// Split/Merge/MoveOrigin calls so each worker's own callbacks fire locally.
func FromSnapshot(s Snapshot) *QuadTree {
	nodes := make(map[int]*Node, len(s.Nodes))
	for _, dto := range s.Nodes {
		nodes[dto.ID] = &Node{
			ID:       dto.ID,
			Rect:     dto.Rect,
			Level:    dto.Level,
			ParentID: dto.ParentID,
			ChildIDs: append([]int(nil), dto.ChildIDs...),
			WorkerID: dto.WorkerID,
		}
	}
	return &QuadTree{
		dim:      s.Dim,
		world:    s.World,
		nodes:    nodes,
		availIDs: append([]int(nil), s.AvailIDs...),
	}
}
