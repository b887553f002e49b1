package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/dreamware/meshfield/internal/geom"
	"github.com/dreamware/meshfield/internal/partition"
	"github.com/dreamware/meshfield/internal/rtctx"
	"github.com/dreamware/meshfield/internal/transport"
)

// worker bundles the state cmd/worker's handlers and main loop share: the
// RuntimeContext, this worker's replica of the coordinator's authoritative
// topology, and the fields registered for group repartition. Shaped like
// the teacher's cmd/node.Node (a small struct carrying only what request
// handlers need, built once in main and closed over by HandlerFuncs).
type worker struct {
	ctx     *rtctx.Context
	replica *partition.QuadTree
	fields  []repartitionField
	aoi     geom.AreaOfInterest

	// transporter and addrByRank are nil until main has dialed the initial
	// neighbor set; refreshNeighbors returns early when transporter is nil,
	// so topology.go's apply handlers can call it unconditionally and a
	// worker built for a test without them (no network, no repartition
	// follow-up) behaves like before.
	transporter *transport.Transporter
	addrByRank  map[int]string

	linkMu sync.Mutex
	links  map[int]*transport.NeighborLink
}

// neighborRanks returns the distinct worker ranks owning a leaf within
// rank's halo under aoi (partition.QuadTree.Neighbors), ascending. Used to
// scope link dialing/accepting to the direct-neighbor graph spec.md §4.5's
// bounded-hop routing assumes, instead of a full mesh across every rank.
func neighborRanks(t *partition.QuadTree, rank int, aoi geom.AreaOfInterest) ([]int, error) {
	leaf, err := t.LeafForWorker(rank)
	if err != nil {
		return nil, fmt.Errorf("worker: no leaf owned by rank %d: %w", rank, err)
	}
	neighbors, err := t.Neighbors(leaf.ID, aoi)
	if err != nil {
		return nil, fmt.Errorf("worker: neighbors of leaf %d: %w", leaf.ID, err)
	}
	seen := make(map[int]bool, len(neighbors))
	out := make([]int, 0, len(neighbors))
	for _, n := range neighbors {
		if seen[n.WorkerID] {
			continue
		}
		seen[n.WorkerID] = true
		out = append(out, n.WorkerID)
	}
	sort.Ints(out)
	return out, nil
}

// addLink records a NeighborLink (dialed or accepted) and, once the
// Transporter exists, pushes the updated link set to it immediately. Safe
// to call before the Transporter is built: main.go seeds w.links this way
// during startup, then assigns w.transporter once it's constructed from
// the same map.
func (w *worker) addLink(rank int, link *transport.NeighborLink) {
	w.linkMu.Lock()
	if w.links == nil {
		w.links = make(map[int]*transport.NeighborLink)
	}
	w.links[rank] = link
	snapshot := w.linksSnapshotLocked()
	w.linkMu.Unlock()
	if w.transporter != nil {
		w.transporter.SetNeighbors(snapshot)
	}
}

func (w *worker) linksSnapshotLocked() map[int]*transport.NeighborLink {
	snapshot := make(map[int]*transport.NeighborLink, len(w.links))
	for r, l := range w.links {
		snapshot[r] = l
	}
	return snapshot
}

// refreshNeighbors recomputes this worker's direct-neighbor ranks against
// the (already mutated) replica and aoi, after a topology apply handler has
// replayed a Split/Merge/MoveOrigin: it dials any new lower-ranked
// neighbor (a higher-ranked new neighbor is expected to dial us, the same
// dial-lower/accept-higher convention main.go's startup dialing uses),
// closes links to workers that are no longer neighbors, and pushes the
// result to the Transporter. A worker with no Transporter (the
// stubField-based tests in topology_test.go) has nothing to refresh.
func (w *worker) refreshNeighbors(ctx context.Context) error {
	if w.transporter == nil {
		return nil
	}
	wanted, err := neighborRanks(w.replica, w.ctx.Rank, w.aoi)
	if err != nil {
		return err
	}
	wantSet := make(map[int]bool, len(wanted))
	for _, r := range wanted {
		wantSet[r] = true
	}

	w.linkMu.Lock()
	kept := make(map[int]*transport.NeighborLink, len(wanted))
	var stale []*transport.NeighborLink
	for rank, link := range w.links {
		if wantSet[rank] {
			kept[rank] = link
		} else {
			stale = append(stale, link)
		}
	}
	w.links = kept
	snapshot := w.linksSnapshotLocked()
	w.linkMu.Unlock()
	w.transporter.SetNeighbors(snapshot)

	for _, link := range stale {
		link.Close()
	}

	for _, rank := range wanted {
		if rank >= w.ctx.Rank {
			continue
		}
		w.linkMu.Lock()
		_, have := w.links[rank]
		w.linkMu.Unlock()
		if have {
			continue
		}
		addr, ok := w.addrByRank[rank]
		if !ok {
			return fmt.Errorf("worker: no address known for new neighbor rank %d", rank)
		}
		link, err := transport.DialNeighbor(ctx, addr, "/links/connect", w.ctx.Rank, rank)
		if err != nil {
			return fmt.Errorf("worker: dial new neighbor %d: %w", rank, err)
		}
		if w.ctx.CompressLinks {
			if err := link.EnableCompression(); err != nil {
				return fmt.Errorf("worker: enable compression for new neighbor %d: %w", rank, err)
			}
		}
		w.addLink(rank, link)
	}
	return nil
}

// workerInfo mirrors cmd/coordinator's rank-table entry. The two binaries
// don't share a package for their wire types (neither does the teacher's
// cluster.RegisterRequest/NodeInfo split serve a purely internal shape
// like this one); each speaks the same JSON independently.
type workerInfo struct {
	Rank int    `json:"rank"`
	Addr string `json:"addr"`
}

type registerRequest struct {
	Addr string `json:"addr"`
}

type registerResponse struct {
	Rank      int `json:"rank"`
	WorldSize int `json:"world_size"`
}

// registerWithCoordinator posts this worker's public address to the
// coordinator, retrying on failure to absorb coordinator startup delays,
// exactly like the teacher's cmd/node.register.
func registerWithCoordinator(ctx context.Context, coordAddr, publicAddr string, logger *log.Logger) (registerResponse, error) {
	body, err := json.Marshal(registerRequest{Addr: publicAddr})
	if err != nil {
		return registerResponse{}, err
	}

	var lastErr error
	for i := 0; i < 10; i++ {
		resp, err := postJSON(ctx, coordAddr+"/register", body)
		if err == nil {
			var out registerResponse
			if decErr := json.Unmarshal(resp, &out); decErr != nil {
				return registerResponse{}, fmt.Errorf("worker: decode register response: %w", decErr)
			}
			return out, nil
		}
		lastErr = err
		logger.Printf("register retry %d: %v", i+1, err)
		time.Sleep(400 * time.Millisecond)
	}
	return registerResponse{}, fmt.Errorf("worker: failed to register with coordinator: %w", lastErr)
}

// fetchNodes retrieves the coordinator's current rank table.
func fetchNodes(ctx context.Context, coordAddr string) ([]workerInfo, error) {
	body, err := getJSON(ctx, coordAddr+"/nodes")
	if err != nil {
		return nil, err
	}
	var out struct {
		Workers []workerInfo `json:"workers"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("worker: decode nodes response: %w", err)
	}
	return out.Workers, nil
}

// fetchTopology retrieves and rebuilds the coordinator's authoritative
// topology as this worker's own replica, with no commit callbacks
// registered yet (callers register them via pm.RegisterPreCommit/
// RegisterPostCommit once their fields are constructed).
func fetchTopology(ctx context.Context, coordAddr string) (*partition.QuadTree, error) {
	body, err := getJSON(ctx, coordAddr+"/topology")
	if err != nil {
		return nil, err
	}
	var snap partition.Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return nil, fmt.Errorf("worker: decode topology snapshot: %w", err)
	}
	return partition.FromSnapshot(snap), nil
}

func postJSON(ctx context.Context, url string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("worker: POST %s: http %d", url, resp.StatusCode)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func getJSON(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("worker: GET %s: http %d", url, resp.StatusCode)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
