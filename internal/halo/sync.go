package halo

import (
	"context"
	"fmt"

	"github.com/dreamware/meshfield/internal/partition"
	"github.com/dreamware/meshfield/internal/rtctx"
)

// Reload recomputes origPart, haloPart, privatePart, and neighbors from
// the (possibly just-mutated) partition manager, and reshapes storage to
// haloPart. Spec.md §4.4.2 calls this from the post-commit callback; it is
// exported so tests and callers outside the commit machinery can force a
// refresh after directly mutating the partition manager.
func (f *HaloField[T]) Reload() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reloadLocked()
}

func (f *HaloField[T]) reloadLocked() error {
	leaf, err := f.partition.LeafForWorker(f.ctx.Rank)
	if err != nil {
		return fmt.Errorf("halo: reload: %w", err)
	}
	origPart := leaf.Rect
	haloPart := origPart.Resize(f.aoi.AsPoint())
	privatePart := origPart.Resize(f.aoi.Negated())

	neighbors, err := computeNeighbors(f.partition, leaf.ID, f.aoi, origPart, haloPart)
	if err != nil {
		return fmt.Errorf("halo: reload: compute neighbors: %w", err)
	}

	f.leafID = leaf.ID
	f.origPart = origPart
	f.haloPart = haloPart
	f.privatePart = privatePart
	f.neighbors = neighbors
	f.storage.Reshape(haloPart)
	return nil
}

// preCommit runs before a topology mutation. The actual gather-to-
// group-master is driven by CollectGroup, invoked by cmd/worker's
// pre-commit topology handler; preCommit here only logs the event, matching
// the teacher's habit of a log line at each lifecycle transition.
func (f *HaloField[T]) preCommit(ev partition.CommitEvent) {
	f.ctx.Logger.Printf("halo: field %d pre-commit at level %d (node %d)", f.fieldIndex, ev.Level, ev.NodeID)
}

// postCommit reloads cached partition-derived state after a topology
// mutation, per spec.md §4.4.2 step 3.
func (f *HaloField[T]) postCommit(ev partition.CommitEvent) {
	if err := f.Reload(); err != nil {
		rtctx.Fatalf(f.ctx, "halo: field %d post-commit reload failed: %v", f.fieldIndex, err)
	}
}

// Sync executes the §4.4.1 halo exchange: pack sendOverlaps per neighbor,
// exchange over that neighbor's persistent link, unpack the reply into
// recvOverlaps.
func (f *HaloField[T]) Sync(ctx context.Context) error {
	f.mu.Lock()
	neighbors := append([]Neighbor(nil), f.neighbors...)
	sendBufs := make(map[int][]byte, len(neighbors))
	for _, n := range neighbors {
		buf, err := f.storage.Pack(n.SendOverlaps)
		if err != nil {
			f.mu.Unlock()
			return fmt.Errorf("halo: pack for neighbor %d: %w", n.WorkerID, err)
		}
		sendBufs[n.WorkerID] = buf
	}
	f.mu.Unlock()

	recvBufs := make(map[int][]byte, len(neighbors))
	for _, n := range neighbors {
		link, ok := f.transporter.Link(n.WorkerID)
		if !ok {
			return fmt.Errorf("halo: no direct link to neighbor %d", n.WorkerID)
		}
		recv, err := link.AllToAll(ctx, sendBufs[n.WorkerID])
		if err != nil {
			return fmt.Errorf("halo: exchange with neighbor %d: %w", n.WorkerID, err)
		}
		recvBufs[n.WorkerID] = recv
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range neighbors {
		if err := f.storage.Unpack(n.RecvOverlaps, recvBufs[n.WorkerID]); err != nil {
			return fmt.Errorf("halo: unpack from neighbor %d: %w", n.WorkerID, err)
		}
	}
	f.stats.Syncs++
	return nil
}
