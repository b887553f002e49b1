package halo

import (
	"context"
	"fmt"

	"github.com/dreamware/meshfield/internal/collective"
	"github.com/dreamware/meshfield/internal/geom"
	"github.com/dreamware/meshfield/internal/gridstore"
)

// tempStor is the per-field LIFO spec.md §4.4.2 names: the group master's
// combined storage lives here from pre-commit (CollectGroup) until
// post-commit pops it (DistributeGroup).
type tempStorEntry[T any] struct {
	groupID string
	storage gridstore.GridStorage[T]
}

func (f *HaloField[T]) pushTempStor(groupID string, storage gridstore.GridStorage[T]) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tempStor = append(f.tempStor, tempStorEntry[T]{groupID: groupID, storage: storage})
}

func (f *HaloField[T]) popTempStor() (tempStorEntry[T], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.tempStor)
	if n == 0 {
		var zero tempStorEntry[T]
		return zero, fmt.Errorf("halo: field %d tempStor is empty", f.fieldIndex)
	}
	entry := f.tempStor[n-1]
	f.tempStor = f.tempStor[:n-1]
	return entry, nil
}

// CollectGroup implements the pre-commit half of spec.md §4.4.2: every
// member of the group identified by groupID packs its origPart and
// gathers to masterRank via the coordinator relay; the master assembles
// groupRect's full storage and stashes it on tempStor.
func (f *HaloField[T]) CollectGroup(ctx context.Context, groupID string, groupRect geom.IntHyperRect, members []int, masterRank int) error {
	f.mu.RLock()
	local, err := f.storage.Pack([]geom.IntHyperRect{f.origPart})
	origPart := f.origPart
	f.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("halo: CollectGroup: pack local origPart: %w", err)
	}

	if err := f.collective.Gather(ctx, collective.GatherRequest{GroupID: groupID, Rank: f.ctx.Rank, Data: local}); err != nil {
		return fmt.Errorf("halo: CollectGroup: gather: %w", err)
	}
	if err := f.collective.Barrier(ctx, collective.BarrierRequest{Rank: f.ctx.Rank, Participants: members}); err != nil {
		return fmt.Errorf("halo: CollectGroup: barrier: %w", err)
	}

	if f.ctx.Rank != masterRank {
		return nil
	}

	f.mu.RLock()
	groupStorage := f.storage.New(groupRect)
	f.mu.RUnlock()

	for _, member := range members {
		var memberRect geom.IntHyperRect
		if member == f.ctx.Rank {
			memberRect = origPart
			if err := groupStorage.Unpack([]geom.IntHyperRect{memberRect}, local); err != nil {
				return fmt.Errorf("halo: CollectGroup: unpack own contribution: %w", err)
			}
			continue
		}
		leaf, err := f.partition.LeafForWorker(member)
		if err != nil {
			return fmt.Errorf("halo: CollectGroup: locate member %d: %w", member, err)
		}
		data, err := f.collective.Scatter(ctx, collective.ScatterRequest{GroupID: groupID, Rank: member})
		if err != nil {
			return fmt.Errorf("halo: CollectGroup: fetch member %d's contribution: %w", member, err)
		}
		if err := groupStorage.Unpack([]geom.IntHyperRect{leaf.Rect}, data); err != nil {
			return fmt.Errorf("halo: CollectGroup: unpack member %d: %w", member, err)
		}
	}

	f.pushTempStor(groupID, groupStorage)
	return nil
}

// DistributeGroup implements the post-commit half: after Reload has
// recomputed origPart under the new topology, the master pops tempStor,
// stages each member's new sub-rect, and every member (master included)
// fetches and unpacks its slice.
func (f *HaloField[T]) DistributeGroup(ctx context.Context, groupID string, members []int, masterRank int) error {
	scatterGroup := groupID + ":scatter"

	if f.ctx.Rank == masterRank {
		entry, err := f.popTempStor()
		if err != nil {
			return fmt.Errorf("halo: DistributeGroup: %w", err)
		}
		if entry.groupID != groupID {
			return fmt.Errorf("halo: DistributeGroup: tempStor LIFO mismatch: popped %q, want %q", entry.groupID, groupID)
		}
		for _, member := range members {
			leaf, err := f.partition.LeafForWorker(member)
			if err != nil {
				return fmt.Errorf("halo: DistributeGroup: locate member %d: %w", member, err)
			}
			slice, err := entry.storage.Pack([]geom.IntHyperRect{leaf.Rect})
			if err != nil {
				return fmt.Errorf("halo: DistributeGroup: pack slice for member %d: %w", member, err)
			}
			if err := f.collective.Gather(ctx, collective.GatherRequest{GroupID: scatterGroup, Rank: member, Data: slice}); err != nil {
				return fmt.Errorf("halo: DistributeGroup: stage slice for member %d: %w", member, err)
			}
		}
	}

	if err := f.collective.Barrier(ctx, collective.BarrierRequest{Rank: f.ctx.Rank, Participants: members}); err != nil {
		return fmt.Errorf("halo: DistributeGroup: barrier: %w", err)
	}

	data, err := f.collective.Scatter(ctx, collective.ScatterRequest{GroupID: scatterGroup, Rank: f.ctx.Rank})
	if err != nil {
		return fmt.Errorf("halo: DistributeGroup: fetch own slice: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.storage.Unpack([]geom.IntHyperRect{f.origPart}, data)
}

// Collect assembles the full world grid at dstRank, for I/O, by running
// CollectGroup over every current leaf worker with the world rect as the
// group rect.
func (f *HaloField[T]) Collect(ctx context.Context, dstRank int) (gridstore.GridStorage[T], error) {
	members := f.allWorkerRanks()
	groupID := fmt.Sprintf("field-%d-world-collect", f.fieldIndex)
	if err := f.CollectGroup(ctx, groupID, f.partition.World(), members, dstRank); err != nil {
		return nil, err
	}
	if f.ctx.Rank != dstRank {
		return nil, nil
	}
	entry, err := f.popTempStor()
	if err != nil {
		return nil, fmt.Errorf("halo: Collect: %w", err)
	}
	return entry.storage, nil
}

// Distribute scatters full, a full-world storage held at srcRank, so that
// every worker's origPart is populated from it. It mirrors DistributeGroup
// but with the caller supplying the data to stage directly instead of
// relying on a tempStor entry pushed by CollectGroup.
func (f *HaloField[T]) Distribute(ctx context.Context, srcRank int, full gridstore.GridStorage[T]) error {
	members := f.allWorkerRanks()
	groupID := fmt.Sprintf("field-%d-world-distribute", f.fieldIndex)

	if f.ctx.Rank == srcRank {
		f.pushTempStor(groupID, full)
	}
	return f.DistributeGroup(ctx, groupID, members, srcRank)
}

func (f *HaloField[T]) allWorkerRanks() []int {
	leaves := f.partition.Leaves()
	out := make([]int, len(leaves))
	for i, l := range leaves {
		out[i] = l.WorkerID
	}
	return out
}
