package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/dreamware/meshfield/internal/geom"
	"github.com/dreamware/meshfield/internal/partition"
)

// precommitNotice, splitApply, mergeRequest, and moveOriginRequest mirror
// cmd/coordinator's broadcast payload shapes exactly (see
// cmd/coordinator/registry.go): a worker only needs to decode what the
// coordinator sends, not share a package with it.
type precommitNotice struct {
	Level  int `json:"level"`
	NodeID int `json:"node_id"`
}

type splitApply struct {
	Origin      geom.IntPoint `json:"origin"`
	Assignments []int         `json:"assignments"`
}

type mergeRequest struct {
	NodeID int `json:"node_id"`
	Worker int `json:"worker"`
}

type moveOriginRequest struct {
	NodeID      int           `json:"node_id"`
	Origin      geom.IntPoint `json:"origin"`
	Assignments []int         `json:"assignments"`
}

// pendingGroup is the state a precommit handler stashes for its matching
// apply handler: the pre-mutation member set and chosen group master,
// computed while the replica was still in its old shape (CollectGroup
// resolves every member's rect via the *current* topology, so it must run
// before the replica's Split/Merge/MoveOrigin call).
type pendingGroup struct {
	oldMembers []int
	masterRank int
	groupRect  geom.IntHyperRect
}

// topologyHandlers runs the spec's pre/post-commit repartition sequence
// around every mutation the coordinator broadcasts to this worker. The
// replica is mutated directly by replaying the same Split/Merge/MoveOrigin
// call the coordinator made — internal/partition's mutate.go already fires
// every registered HaloField's pre/post-commit callback (which reloads its
// cached partition-derived state) from inside those calls, so there is no
// separate "apply a snapshot" step to drive here. Each apply handler also
// calls w.refreshNeighbors right after the mutation, before finishGroup, so
// the Transporter's direct-neighbor link set (and any group data exchange
// finishGroup triggers) reflects the new topology rather than the one the
// mutation just replaced.
type topologyHandlers struct {
	w *worker

	mu      sync.Mutex
	pending map[int]*pendingGroup // keyed by node id
}

func newTopologyHandlers(w *worker) *topologyHandlers {
	return &topologyHandlers{w: w, pending: make(map[int]*pendingGroup)}
}

// collectLeavesUnder returns every leaf reachable from nodeID, descending
// ChildIDs; partition.QuadTree has no such accessor of its own since
// ordinary operation never needs a subtree's leaf set, only the whole
// tree's (Leaves) or one worker's (LeafForWorker).
func collectLeavesUnder(t *partition.QuadTree, nodeID int) ([]*partition.Node, error) {
	node, err := t.Node(nodeID)
	if err != nil {
		return nil, err
	}
	if node.IsLeaf() {
		return []*partition.Node{node}, nil
	}
	var leaves []*partition.Node
	for _, childID := range node.ChildIDs {
		childLeaves, err := collectLeavesUnder(t, childID)
		if err != nil {
			return nil, err
		}
		leaves = append(leaves, childLeaves...)
	}
	return leaves, nil
}

func minInt(vals []int) int {
	m := vals[0]
	for _, v := range vals[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

func containsInt(vals []int, v int) bool {
	for _, x := range vals {
		if x == v {
			return true
		}
	}
	return false
}

// handlePrecommit resolves the pre-mutation owner set under the named
// node and, if this worker is one of those owners, runs CollectGroup for
// every registered field: POST /topology/precommit.
func (h *topologyHandlers) handlePrecommit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req precommitNotice
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}

	leaves, err := collectLeavesUnder(h.w.replica, req.NodeID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	node, err := h.w.replica.Node(req.NodeID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	oldMembers := make([]int, len(leaves))
	for i, l := range leaves {
		oldMembers[i] = l.WorkerID
	}
	masterRank := minInt(oldMembers)

	h.mu.Lock()
	h.pending[req.NodeID] = &pendingGroup{oldMembers: oldMembers, masterRank: masterRank, groupRect: node.Rect}
	h.mu.Unlock()

	if containsInt(oldMembers, h.w.ctx.Rank) {
		ctx := r.Context()
		for _, f := range h.w.fields {
			groupID := fmt.Sprintf("repartition-%d-node%d", f.FieldIndex(), req.NodeID)
			if err := f.CollectGroup(ctx, groupID, node.Rect, oldMembers, masterRank); err != nil {
				http.Error(w, fmt.Sprintf("collect field %d: %v", f.FieldIndex(), err), http.StatusInternalServerError)
				return
			}
		}
	}

	w.WriteHeader(http.StatusOK)
}

// finishGroup runs the group-distribute half after the replica has
// replayed a mutation and every field has reloaded via its own
// post-commit callback: for every member of newMembers this worker is, it
// fetches and unpacks its new slice via DistributeGroup.
//
// masterRank carries over from the matching precommit. DistributeGroup's
// tempStor handoff only works if the rank that ran CollectGroup's master
// branch is also a participant in DistributeGroup's call, so this assumes
// the coordinator keeps that worker (the lowest pre-mutation owner under
// the node) as one of the post-mutation assignees. A mutation that
// reassigns every pre-existing owner away from the subtree violates that
// assumption and is not handled here.
func (h *topologyHandlers) finishGroup(ctx context.Context, nodeID int, newMembers []int) error {
	h.mu.Lock()
	pg, ok := h.pending[nodeID]
	delete(h.pending, nodeID)
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("topology: no pending group for node %d", nodeID)
	}

	if !containsInt(newMembers, h.w.ctx.Rank) {
		return nil
	}
	for _, f := range h.w.fields {
		groupID := fmt.Sprintf("repartition-%d-node%d", f.FieldIndex(), nodeID)
		if err := f.DistributeGroup(ctx, groupID, newMembers, pg.masterRank); err != nil {
			return fmt.Errorf("distribute field %d: %w", f.FieldIndex(), err)
		}
	}
	return nil
}

// handleApplySplit replays a coordinator-broadcast Split against this
// worker's replica: POST /topology/apply-split.
func (h *topologyHandlers) handleApplySplit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req splitApply
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}

	leaf, err := h.w.replica.GetLeaf(req.Origin)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	nodeID := leaf.ID

	if _, err := h.w.replica.Split(req.Origin, req.Assignments); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.w.refreshNeighbors(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if err := h.finishGroup(r.Context(), nodeID, req.Assignments); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleApplyMerge replays a coordinator-broadcast Merge: POST
// /topology/apply-merge.
func (h *topologyHandlers) handleApplyMerge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req mergeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}

	if err := h.w.replica.Merge(req.NodeID, req.Worker); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.w.refreshNeighbors(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if err := h.finishGroup(r.Context(), req.NodeID, []int{req.Worker}); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleApplyMoveOrigin replays a coordinator-broadcast MoveOrigin: POST
// /topology/apply-move-origin.
func (h *topologyHandlers) handleApplyMoveOrigin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req moveOriginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}

	if _, err := h.w.replica.MoveOrigin(req.NodeID, req.Origin, req.Assignments); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.w.refreshNeighbors(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if err := h.finishGroup(r.Context(), req.NodeID, req.Assignments); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}
