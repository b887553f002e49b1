package gridstore

import (
	"encoding/json"
	"fmt"

	"github.com/dreamware/meshfield/internal/geom"
)

// Serializer converts a grid element to and from bytes for the opaque
// object storage strategy. The default, JSONSerializer, matches the
// JSON-per-record convention used throughout the retrieval pack's own
// wire protocols.
type Serializer[T any] interface {
	Marshal(v T) ([]byte, error)
	Unmarshal(data []byte) (T, error)
}

// JSONSerializer is the default Serializer, using encoding/json.
type JSONSerializer[T any] struct{}

func (JSONSerializer[T]) Marshal(v T) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONSerializer[T]) Unmarshal(data []byte) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return v, err
	}
	return v, nil
}

// ObjectGrid is the reference-array GridStorage strategy for opaque
// element types, serialized via a pluggable Serializer.
type ObjectGrid[T any] struct {
	rect       geom.IntHyperRect
	data       []T
	serializer Serializer[T]
}

// NewObjectGrid allocates an ObjectGrid over rect using the given
// serializer. Passing a nil serializer selects JSONSerializer.
func NewObjectGrid[T any](rect geom.IntHyperRect, serializer Serializer[T]) *ObjectGrid[T] {
	if serializer == nil {
		serializer = JSONSerializer[T]{}
	}
	g := &ObjectGrid[T]{serializer: serializer}
	g.Reshape(rect)
	return g
}

func (g *ObjectGrid[T]) Get(flat int) T           { return g.data[flat] }
func (g *ObjectGrid[T]) Set(flat int, v T)        { g.data[flat] = v }
func (g *ObjectGrid[T]) Rect() geom.IntHyperRect  { return g.rect }

// New allocates a fresh ObjectGrid[T] over rect, reusing this grid's
// serializer.
func (g *ObjectGrid[T]) New(rect geom.IntHyperRect) GridStorage[T] {
	return NewObjectGrid[T](rect, g.serializer)
}

func (g *ObjectGrid[T]) Reshape(r geom.IntHyperRect) {
	g.rect = r
	g.data = make([]T, r.Area())
}

func (g *ObjectGrid[T]) Pack(subs []geom.IntHyperRect) ([]byte, error) {
	pieces := make([][]byte, len(subs))
	for i, sub := range subs {
		idxs, err := cellsIn(g.rect, sub)
		if err != nil {
			return nil, err
		}
		cellPieces := make([][]byte, len(idxs))
		for j, idx := range idxs {
			enc, err := g.serializer.Marshal(g.data[idx])
			if err != nil {
				return nil, fmt.Errorf("gridstore: marshal cell %d: %w", idx, err)
			}
			cellPieces[j] = enc
		}
		pieces[i] = framePieces(cellPieces)
	}
	return framePieces(pieces), nil
}

func (g *ObjectGrid[T]) Unpack(subs []geom.IntHyperRect, data []byte) error {
	pieces, err := unframePieces(data)
	if err != nil {
		return err
	}
	if len(pieces) != len(subs) {
		return fmt.Errorf("gridstore: unpack got %d pieces, expected %d sub-rects", len(pieces), len(subs))
	}
	for i, sub := range subs {
		idxs, err := cellsIn(g.rect, sub)
		if err != nil {
			return err
		}
		cellPieces, err := unframePieces(pieces[i])
		if err != nil {
			return err
		}
		if len(cellPieces) != len(idxs) {
			return fmt.Errorf("gridstore: sub-rect %v expects %d cells, got %d", sub, len(idxs), len(cellPieces))
		}
		for j, idx := range idxs {
			v, err := g.serializer.Unmarshal(cellPieces[j])
			if err != nil {
				return fmt.Errorf("gridstore: unmarshal cell %d: %w", idx, err)
			}
			g.data[idx] = v
		}
	}
	return nil
}
