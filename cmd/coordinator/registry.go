package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/meshfield/internal/config"
	"github.com/dreamware/meshfield/internal/geom"
	"github.com/dreamware/meshfield/internal/partition"
)

// workerInfo is one registered worker's rank table entry.
type workerInfo struct {
	Rank int    `json:"rank"`
	Addr string `json:"addr"`
}

// server is the coordinator's state: the rank table, the authoritative
// partition topology (see SPEC_FULL.md §0 — workers hold replicas kept in
// sync by the broadcasts this server issues), and the collective-relay
// buffers. Shaped like the teacher's server (mu + slice of registrants),
// generalized from a flat node list to a rank-ordered one and given a
// second piece of authoritative state, the topology.
type server struct {
	mu        sync.RWMutex
	workers   []workerInfo
	worldSize int // 0 means unbounded: ranks are handed out as workers arrive

	topology *partition.QuadTree

	collectives *collectiveRegistry
}

func newServer(cfg *config.File) *server {
	s := &server{
		worldSize:   cfg.WorldSize,
		collectives: newCollectiveRegistry(),
	}
	if len(cfg.WorldUL) > 0 {
		t, err := partition.New(geom.NewRect(geom.WorldID, cfg.WorldUL, cfg.WorldBR), cfg.MaxPartitions)
		if err != nil {
			log.Fatalf("build initial topology: %v", err)
		}
		if err := applyInitialSplits(t, cfg.InitialSplits); err != nil {
			log.Fatalf("apply initial splits: %v", err)
		}
		s.topology = t
	}
	return s
}

func applyInitialSplits(t *partition.QuadTree, plans []config.SplitPlan) error {
	for _, plan := range plans {
		if _, err := t.Split(plan.Origin, plan.Workers); err != nil {
			return err
		}
	}
	return nil
}

// applyEnvOverrides layers environment variables over a loaded config file,
// matching the teacher's "env wins" precedence.
func applyEnvOverrides(cfg *config.File) {
	if v := os.Getenv("WORLD_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WorldSize = n
		}
	}
	if v := os.Getenv("MAX_PARTITIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxPartitions = n
		}
	}
}

type registerRequest struct {
	Addr string `json:"addr"`
}

type registerResponse struct {
	Rank      int `json:"rank"`
	WorldSize int `json:"world_size"`
}

func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if req.Addr == "" {
		http.Error(w, "missing addr", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if i := slices.IndexFunc(s.workers, func(wk workerInfo) bool { return wk.Addr == req.Addr }); i >= 0 {
		json.NewEncoder(w).Encode(registerResponse{Rank: s.workers[i].Rank, WorldSize: s.worldSize})
		return
	}
	if s.worldSize > 0 && len(s.workers) >= s.worldSize {
		http.Error(w, "world is full", http.StatusConflict)
		return
	}
	rank := len(s.workers)
	s.workers = append(s.workers, workerInfo{Rank: rank, Addr: req.Addr})
	json.NewEncoder(w).Encode(registerResponse{Rank: rank, WorldSize: s.worldSize})
}

func (s *server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	json.NewEncoder(w).Encode(struct {
		Workers []workerInfo `json:"workers"`
	}{Workers: append([]workerInfo(nil), s.workers...)})
}

// handleTopology returns a snapshot of the current authoritative topology,
// used by a worker at startup to build its replica.
func (s *server) handleTopology(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	t := s.topology
	s.mu.RUnlock()
	if t == nil {
		http.Error(w, "topology not initialized", http.StatusServiceUnavailable)
		return
	}
	json.NewEncoder(w).Encode(t.Snapshot())
}

type topologyInitRequest struct {
	WorldUL       geom.IntPoint `json:"world_ul"`
	WorldBR       geom.IntPoint `json:"world_br"`
	MaxPartitions int           `json:"max_partitions"`
}

// handleTopologyInit builds the topology when it wasn't supplied by
// startup config, for deployments that decide the world rectangle at
// runtime. A no-op (200) if the topology already exists.
func (s *server) handleTopologyInit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req topologyInitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.topology != nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	t, err := partition.New(geom.NewRect(geom.WorldID, req.WorldUL, req.WorldBR), req.MaxPartitions)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.topology = t
	w.WriteHeader(http.StatusCreated)
}

// precommitNotice is broadcast to every worker before a topology mutation
// is applied, per spec.md §4.3/§5's ordering guarantees and DESIGN.md's
// decision to sequence mutations through the coordinator (see SPEC_FULL.md
// §0). Each worker's handler runs its own registered fields' group-commit
// collect step before acknowledging.
type precommitNotice struct {
	Level  int `json:"level"`
	NodeID int `json:"node_id"`
}

type splitRequest struct {
	Origin      geom.IntPoint `json:"origin"`
	Assignments []int         `json:"assignments"`
}

type splitApply struct {
	Origin      geom.IntPoint `json:"origin"`
	Assignments []int         `json:"assignments"`
}

// handleSplit sequences a Split mutation: broadcast pre-commit, mutate the
// authoritative topology, broadcast the same mutation for every worker to
// replay against its own replica.
func (s *server) handleSplit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req splitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	t := s.topology
	workers := append([]workerInfo(nil), s.workers...)
	s.mu.Unlock()
	if t == nil {
		http.Error(w, "topology not initialized", http.StatusServiceUnavailable)
		return
	}

	leaf, err := t.GetLeaf(req.Origin)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if err := s.broadcastAndAwait(ctx, workers, "/topology/precommit", precommitNotice{Level: leaf.Level, NodeID: leaf.ID}); err != nil {
		http.Error(w, fmt.Sprintf("precommit: %v", err), http.StatusBadGateway)
		return
	}

	if _, err := t.Split(req.Origin, req.Assignments); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.broadcastAndAwait(ctx, workers, "/topology/apply-split", splitApply{Origin: req.Origin, Assignments: req.Assignments}); err != nil {
		http.Error(w, fmt.Sprintf("apply: %v", err), http.StatusBadGateway)
		return
	}

	json.NewEncoder(w).Encode(t.Snapshot())
}

type mergeRequest struct {
	NodeID int `json:"node_id"`
	Worker int `json:"worker"`
}

func (s *server) handleMerge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req mergeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	t := s.topology
	workers := append([]workerInfo(nil), s.workers...)
	s.mu.Unlock()
	if t == nil {
		http.Error(w, "topology not initialized", http.StatusServiceUnavailable)
		return
	}

	node, err := t.Node(req.NodeID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if err := s.broadcastAndAwait(ctx, workers, "/topology/precommit", precommitNotice{Level: node.Level, NodeID: node.ID}); err != nil {
		http.Error(w, fmt.Sprintf("precommit: %v", err), http.StatusBadGateway)
		return
	}

	if err := t.Merge(req.NodeID, req.Worker); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.broadcastAndAwait(ctx, workers, "/topology/apply-merge", req); err != nil {
		http.Error(w, fmt.Sprintf("apply: %v", err), http.StatusBadGateway)
		return
	}

	json.NewEncoder(w).Encode(t.Snapshot())
}

type moveOriginRequest struct {
	NodeID      int           `json:"node_id"`
	Origin      geom.IntPoint `json:"origin"`
	Assignments []int         `json:"assignments"`
}

func (s *server) handleMoveOrigin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req moveOriginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	t := s.topology
	workers := append([]workerInfo(nil), s.workers...)
	s.mu.Unlock()
	if t == nil {
		http.Error(w, "topology not initialized", http.StatusServiceUnavailable)
		return
	}

	node, err := t.Node(req.NodeID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if err := s.broadcastAndAwait(ctx, workers, "/topology/precommit", precommitNotice{Level: node.Level, NodeID: node.ID}); err != nil {
		http.Error(w, fmt.Sprintf("precommit: %v", err), http.StatusBadGateway)
		return
	}

	if _, err := t.MoveOrigin(req.NodeID, req.Origin, req.Assignments); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.broadcastAndAwait(ctx, workers, "/topology/apply-move-origin", moveOriginRequest{NodeID: req.NodeID, Origin: req.Origin, Assignments: req.Assignments}); err != nil {
		http.Error(w, fmt.Sprintf("apply: %v", err), http.StatusBadGateway)
		return
	}

	json.NewEncoder(w).Encode(t.Snapshot())
}

// broadcastAndAwait POSTs payload to path on every worker, in parallel, and
// blocks until every one of them has answered with a non-error status.
// Generalizes the teacher's fire-and-forget handleBroadcast into a
// blocking rendezvous, since a topology mutation is unsafe to apply until
// every worker has finished its pre-commit (or replayed its apply) step.
func (s *server) broadcastAndAwait(ctx context.Context, workers []workerInfo, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	errs := make(chan error, len(workers))
	for _, wk := range workers {
		wk := wk
		go func() {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, wk.Addr+path, bytes.NewReader(body))
			if err != nil {
				errs <- fmt.Errorf("worker %d: %w", wk.Rank, err)
				return
			}
			req.Header.Set("Content-Type", "application/json")
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				errs <- fmt.Errorf("worker %d: %w", wk.Rank, err)
				return
			}
			defer resp.Body.Close()
			if resp.StatusCode >= 300 {
				errs <- fmt.Errorf("worker %d: http %d", wk.Rank, resp.StatusCode)
				return
			}
			errs <- nil
		}()
	}

	var firstErr error
	for range workers {
		if err := <-errs; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
