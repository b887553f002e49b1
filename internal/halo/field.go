// Package halo implements HaloField[T]: a grid storage bound to a
// partition, caching the owned/halo/private sub-rectangles and the
// per-neighbor send/recv overlap lists, and executing the halo-sync and
// repartition protocols spec.md §4.4 defines.
//
// Grounded on the teacher's internal/shard.Shard, which keeps the same
// "owns storage + derived metadata + explicit state" shape (a Store, a
// state machine, stats behind a mutex); HaloField generalizes that shape
// from a flat keyspace shard to a geometric partition.
package halo

import (
	"context"
	"fmt"
	"sync"

	"github.com/dreamware/meshfield/internal/collective"
	"github.com/dreamware/meshfield/internal/geom"
	"github.com/dreamware/meshfield/internal/gridstore"
	"github.com/dreamware/meshfield/internal/partition"
	"github.com/dreamware/meshfield/internal/proxy"
	"github.com/dreamware/meshfield/internal/rtctx"
	"github.com/dreamware/meshfield/internal/transport"
)

// Stats mirrors the teacher's ShardStats shape: simple operation counters,
// useful for diagnostics and tests, not read by the core protocol itself.
type Stats struct {
	Syncs   uint64
	Adds    uint64
	Removes uint64
	Moves   uint64
}

// HaloField binds a GridStorage[T] to a partition leaf. migratable marks
// whether out-of-origPart writes should auto-migrate (object grids) or are
// a fatal programming error (numeric grids), per spec.md §7.
type HaloField[T any] struct {
	ctx         *rtctx.Context
	partition   *partition.QuadTree
	aoi         geom.AreaOfInterest
	serializer  gridstore.Serializer[T]
	proxyClient *proxy.Client
	transporter *transport.Transporter
	collective  *collective.Client
	migratable  bool

	mu          sync.RWMutex
	storage     gridstore.GridStorage[T]
	leafID      int
	origPart    geom.IntHyperRect
	haloPart    geom.IntHyperRect
	privatePart geom.IntHyperRect
	neighbors   []Neighbor
	tempStor    []tempStorEntry[T]

	fieldIndex int
	initVal    T
	stats      Stats
}

// NewHaloField constructs a HaloField bound to pm (this worker's partition
// replica), self-registering its pre/post-commit callbacks and obtaining a
// stable field_index from ctx. migratable should be true for object grids
// (auto-migrate on OutOfLocalWrite) and false for numeric grids (fatal).
func NewHaloField[T any](
	ctx *rtctx.Context,
	pm *partition.QuadTree,
	aoi geom.AreaOfInterest,
	storage gridstore.GridStorage[T],
	serializer gridstore.Serializer[T],
	proxyClient *proxy.Client,
	transporter *transport.Transporter,
	collectiveClient *collective.Client,
	initVal T,
	migratable bool,
) (*HaloField[T], error) {
	if serializer == nil {
		serializer = gridstore.JSONSerializer[T]{}
	}
	f := &HaloField[T]{
		ctx:         ctx,
		partition:   pm,
		aoi:         aoi,
		serializer:  serializer,
		proxyClient: proxyClient,
		transporter: transporter,
		collective:  collectiveClient,
		migratable:  migratable,
		storage:     storage,
		initVal:     initVal,
		fieldIndex:  ctx.NextFieldIndex(),
	}
	if err := f.reloadLocked(); err != nil {
		return nil, err
	}

	pm.RegisterPreCommit(func(ev partition.CommitEvent) { f.preCommit(ev) })
	pm.RegisterPostCommit(func(ev partition.CommitEvent) { f.postCommit(ev) })

	return f, nil
}

// FieldIndex returns the stable small integer this field registered with.
func (f *HaloField[T]) FieldIndex() int {
	return f.fieldIndex
}

// OrigPart returns the worker's owned rectangle.
func (f *HaloField[T]) OrigPart() geom.IntHyperRect {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.origPart
}

// HaloPart returns origPart expanded by the field's AOI.
func (f *HaloField[T]) HaloPart() geom.IntHyperRect {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.haloPart
}

// PrivatePart returns origPart shrunk by the field's AOI.
func (f *HaloField[T]) PrivatePart() geom.IntHyperRect {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.privatePart
}

// Neighbors returns the current neighbor descriptors.
func (f *HaloField[T]) Neighbors() []Neighbor {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]Neighbor(nil), f.neighbors...)
}

// AddObject writes value at point if point is local; otherwise it
// migrates value to the owning worker, per spec.md §4.4.
func (f *HaloField[T]) AddObject(ctx context.Context, point geom.IntPoint, value T) error {
	f.mu.Lock()
	local := f.origPart.Contains(point)
	if local {
		flat := gridstore.FlatIndex(f.storage.Rect(), point)
		if flat < 0 {
			f.mu.Unlock()
			return fmt.Errorf("halo: point %v is in origPart but not in storage rect %v", point, f.storage.Rect())
		}
		f.storage.Set(flat, value)
		f.stats.Adds++
		f.mu.Unlock()
		return nil
	}
	f.mu.Unlock()

	if !f.migratable {
		rtctx.Fatalf(f.ctx, "halo: OutOfLocalWrite at %v on a non-migratable (numeric) field %d", point, f.fieldIndex)
		return fmt.Errorf("halo: OutOfLocalWrite at %v on numeric field %d", point, f.fieldIndex)
	}

	owner, err := f.partition.Owner(point)
	if err != nil {
		return fmt.Errorf("halo: resolve owner of %v: %w", point, err)
	}
	data, err := f.serializer.Marshal(value)
	if err != nil {
		return fmt.Errorf("halo: marshal value for migration: %w", err)
	}
	if err := f.transporter.Migrate(owner, transport.BareObject{Data: data}, point, f.fieldIndex); err != nil {
		return fmt.Errorf("halo: migrate to owner %d: %w", owner, err)
	}
	return nil
}

// AddEncoded decodes data via the field's serializer and calls AddObject,
// implementing the coordination loop's inbox-drain step (spec.md §4.5): a
// bare object or scheduled agent arriving from the transporter is added
// to its field at the envelope's location.
func (f *HaloField[T]) AddEncoded(ctx context.Context, point geom.IntPoint, data []byte) error {
	value, err := f.serializer.Unmarshal(data)
	if err != nil {
		return fmt.Errorf("halo: decode arrival at %v: %w", point, err)
	}
	return f.AddObject(ctx, point, value)
}

// RemoveObject resets the cell at point to the field's initVal, if point
// is local.
func (f *HaloField[T]) RemoveObject(point geom.IntPoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.origPart.Contains(point) {
		return fmt.Errorf("halo: RemoveObject at %v: not in origPart %v", point, f.origPart)
	}
	flat := gridstore.FlatIndex(f.storage.Rect(), point)
	if flat < 0 {
		return fmt.Errorf("halo: point %v is in origPart but not in storage rect %v", point, f.storage.Rect())
	}
	f.storage.Set(flat, f.initVal)
	f.stats.Removes++
	return nil
}

// MoveObject is RemoveObject(from) followed by AddObject(to, value).
func (f *HaloField[T]) MoveObject(ctx context.Context, from, to geom.IntPoint, value T) error {
	if err := f.RemoveObject(from); err != nil {
		return err
	}
	if err := f.AddObject(ctx, to, value); err != nil {
		return err
	}
	f.mu.Lock()
	f.stats.Moves++
	f.mu.Unlock()
	return nil
}

// Get returns the value at point: a local read if point is within
// haloPart, otherwise a blocking remote read via the proxy (spec.md
// §4.4's explicitly slow path).
func (f *HaloField[T]) Get(ctx context.Context, point geom.IntPoint) (T, error) {
	f.mu.RLock()
	inHalo := f.haloPart.Contains(point)
	var zero T
	if inHalo {
		flat := gridstore.FlatIndex(f.storage.Rect(), point)
		if flat < 0 {
			f.mu.RUnlock()
			return zero, fmt.Errorf("halo: point %v is in haloPart but not in storage rect %v", point, f.storage.Rect())
		}
		v := f.storage.Get(flat)
		f.mu.RUnlock()
		return v, nil
	}
	f.mu.RUnlock()

	data, err := f.proxyClient.GetCell(ctx, f.fieldIndex, point)
	if err != nil {
		return zero, fmt.Errorf("halo: remote read of %v: %w", point, err)
	}
	return f.serializer.Unmarshal(data)
}

// ReadLocalCell implements proxy.CellReader: it serves a remote read from
// another worker's proxy client, refusing points outside origPart.
func (f *HaloField[T]) ReadLocalCell(point geom.IntPoint) ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.origPart.Contains(point) {
		return nil, fmt.Errorf("halo: %v is not in origPart %v", point, f.origPart)
	}
	flat := gridstore.FlatIndex(f.storage.Rect(), point)
	if flat < 0 {
		return nil, fmt.Errorf("halo: point %v is in origPart but not in storage rect %v", point, f.storage.Rect())
	}
	return f.serializer.Marshal(f.storage.Get(flat))
}
