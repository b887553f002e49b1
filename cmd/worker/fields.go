package main

import (
	"context"

	"github.com/dreamware/meshfield/internal/geom"
)

// repartitionField is the subset of *halo.HaloField[T] a topology mutation
// needs, defined locally instead of importing a concrete element type:
// every registered field, whatever T is, drives through this interface
// during a Split/Merge/MoveOrigin's group collect/distribute.
type repartitionField interface {
	FieldIndex() int
	CollectGroup(ctx context.Context, groupID string, groupRect geom.IntHyperRect, members []int, masterRank int) error
	DistributeGroup(ctx context.Context, groupID string, members []int, masterRank int) error
}
