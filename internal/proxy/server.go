// Package proxy implements the remote read proxy: one HTTP endpoint per
// worker answering point queries for cells outside the caller's
// local+halo region, and a client that looks up the owning worker via the
// caller's own partition replica and issues a blocking request.
//
// Grounded on the teacher's cmd/coordinator handleData/forwardGet
// request-forwarding pattern (cmd/coordinator/main.go), reused here for
// the read-only, single-cell case: no method dispatch is needed because
// the proxy only ever serves GET.
package proxy

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/dreamware/meshfield/internal/geom"
	"github.com/dreamware/meshfield/internal/partition"
	"github.com/dreamware/meshfield/internal/rtctx"
)

// CellReader is the subset of HaloField[T] the proxy server needs: read a
// cell by point if it is within origPart, returning the serialized value.
// Kept as an interface (rather than importing internal/halo directly) so
// the proxy package has no dependency on the generic HaloField type.
type CellReader interface {
	ReadLocalCell(p geom.IntPoint) ([]byte, error)
}

// OutOfLocal is returned, as a JSON body with HTTP 409, when the
// requested point does not belong to this worker's origPart; it names the
// rank that does own it so the client can retry there.
type OutOfLocal struct {
	FieldIndex int           `json:"field_index"`
	Point      geom.IntPoint `json:"point"`
	OwnerRank  int           `json:"owner_rank"`
}

func (e *OutOfLocal) Error() string {
	return fmt.Sprintf("proxy: point %v of field %d is owned by rank %d, not local", e.Point, e.FieldIndex, e.OwnerRank)
}

// Server answers GET /proxy/{fieldIndex}/{point} for every field this
// worker registered, consulting the partition replica to build the
// OutOfLocal error's owner_rank when asked about a point it doesn't own.
type Server struct {
	ctx       *rtctx.Context
	partition *partition.QuadTree
	fields    map[int]CellReader
}

// NewServer builds a Server bound to pm, the worker's partition replica,
// used to resolve OutOfLocal's owner_rank.
func NewServer(ctx *rtctx.Context, pm *partition.QuadTree) *Server {
	return &Server{ctx: ctx, partition: pm, fields: map[int]CellReader{}}
}

// Register binds fieldIndex (the stable id HaloField received at
// construction) to the reader that answers queries for it.
func (s *Server) Register(fieldIndex int, reader CellReader) {
	s.fields[fieldIndex] = reader
}

// Handler returns the http.Handler for "/proxy/", to be mounted on the
// worker's mux.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleGetCell)
}

func (s *Server) handleGetCell(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	fieldIndex, p, err := parsePath(r.URL.Path)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	reader, ok := s.fields[fieldIndex]
	if !ok {
		http.Error(w, fmt.Sprintf("no field registered with index %d", fieldIndex), http.StatusNotFound)
		return
	}

	data, err := reader.ReadLocalCell(p)
	if err == nil {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(data)
		return
	}

	owner, lookupErr := s.partition.Owner(p)
	if lookupErr != nil {
		s.ctx.Logger.Printf("proxy: owner lookup for %v failed: %v", p, lookupErr)
		http.Error(w, lookupErr.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusConflict)
	json.NewEncoder(w).Encode(&OutOfLocal{FieldIndex: fieldIndex, Point: p, OwnerRank: owner})
}

// parsePath extracts {fieldIndex} and {point} from "/proxy/{fieldIndex}/{point}",
// where point is encoded as comma-separated integers ("x,y" or "x,y,z").
func parsePath(path string) (int, geom.IntPoint, error) {
	parts := strings.Split(strings.TrimPrefix(path, "/proxy/"), "/")
	if len(parts) != 2 {
		return 0, nil, fmt.Errorf("proxy: malformed path %q", path)
	}
	fieldIndex, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, nil, fmt.Errorf("proxy: bad field index %q: %w", parts[0], err)
	}
	p, err := parsePoint(parts[1])
	if err != nil {
		return 0, nil, err
	}
	return fieldIndex, p, nil
}

func parsePoint(s string) (geom.IntPoint, error) {
	coords := strings.Split(s, ",")
	p := make(geom.IntPoint, len(coords))
	for i, c := range coords {
		v, err := strconv.Atoi(c)
		if err != nil {
			return nil, fmt.Errorf("proxy: bad point component %q: %w", c, err)
		}
		p[i] = v
	}
	return p, nil
}

func formatPoint(p geom.IntPoint) string {
	parts := make([]string, len(p))
	for i, v := range p {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}
