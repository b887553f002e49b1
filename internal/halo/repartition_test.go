package halo

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/dreamware/meshfield/internal/collective"
	"github.com/dreamware/meshfield/internal/geom"
	"github.com/dreamware/meshfield/internal/gridstore"
	"github.com/dreamware/meshfield/internal/partition"
	"github.com/dreamware/meshfield/internal/rtctx"
)

// testCollectiveServer is a minimal stand-in for cmd/coordinator's
// collectiveRegistry, covering only the gather/scatter/barrier endpoints
// CollectGroup/DistributeGroup drive. It can't import cmd/coordinator
// (an unimportable main package), so it re-implements just enough of the
// same rendezvous semantics: Gather stages a rank's bytes under
// (groupID, rank), Scatter retrieves them, Barrier blocks every
// participant until they've all arrived.
type testCollectiveServer struct {
	mu       sync.Mutex
	gathered map[string][]byte
	barriers map[string]*testBarrier
}

type testBarrier struct {
	mu      sync.Mutex
	want    int
	arrived int
	done    chan struct{}
}

func newTestCollectiveServer() *testCollectiveServer {
	return &testCollectiveServer{
		gathered: make(map[string][]byte),
		barriers: make(map[string]*testBarrier),
	}
}

func gatherKeyStr(groupID string, rank int) string {
	return groupID + "/" + strconv.Itoa(rank)
}

func (s *testCollectiveServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/collective/gather", func(w http.ResponseWriter, r *http.Request) {
		var req collective.GatherRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.gathered[gatherKeyStr(req.GroupID, req.Rank)] = req.Data
		s.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/collective/scatter/", func(w http.ResponseWriter, r *http.Request) {
		path := strings.TrimPrefix(r.URL.Path, "/collective/scatter/")
		parts := strings.SplitN(path, "/", 2)
		if len(parts) != 2 {
			http.Error(w, "bad path", http.StatusBadRequest)
			return
		}
		rank, err := strconv.Atoi(parts[1])
		if err != nil {
			http.Error(w, "bad rank", http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		data, ok := s.gathered[gatherKeyStr(parts[0], rank)]
		s.mu.Unlock()
		if !ok {
			http.Error(w, "no data", http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(collective.ScatterResponse{Data: data})
	})
	mux.HandleFunc("/collective/barrier", func(w http.ResponseWriter, r *http.Request) {
		var req collective.BarrierRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		key := barrierKeyStr(req.Participants)
		s.mu.Lock()
		st, ok := s.barriers[key]
		if !ok {
			st = &testBarrier{want: len(req.Participants), done: make(chan struct{})}
			s.barriers[key] = st
		}
		s.mu.Unlock()

		st.mu.Lock()
		st.arrived++
		ready := st.arrived >= st.want
		if ready {
			close(st.done)
		}
		st.mu.Unlock()

		<-st.done
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func barrierKeyStr(participants []int) string {
	sorted := append([]int(nil), participants...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1] > sorted[j]; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	parts := make([]string, len(sorted))
	for i, p := range sorted {
		parts[i] = strconv.Itoa(p)
	}
	return strings.Join(parts, ",")
}

// twoWorkerNumericFields builds a two-leaf 1-D world (as twoWorkerPartitions
// does) plus a HaloField[int32] per worker, both talking to the same
// testCollectiveServer, and no transporter/proxy since this test never
// exercises sync or migration.
func twoWorkerNumericFields(t *testing.T) (*HaloField[int32], *HaloField[int32], *testCollectiveServer) {
	t.Helper()
	pmA, pmB := twoWorkerPartitions(t)

	srv := newTestCollectiveServer()
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	clientA := collective.New(ts.URL, ts.Client())
	clientB := collective.New(ts.URL, ts.Client())

	aoi := geom.AreaOfInterest{2}
	ctxA := rtctx.New(0, 2, "http://coordinator")
	ctxB := rtctx.New(1, 2, "http://coordinator")

	storageA := gridstore.NewNumericGrid[int32](geom.IntHyperRect{})
	storageB := gridstore.NewNumericGrid[int32](geom.IntHyperRect{})

	fieldA, err := NewHaloField[int32](ctxA, pmA, aoi, storageA, nil, nil, nil, clientA, 0, false)
	if err != nil {
		t.Fatalf("NewHaloField A: %v", err)
	}
	fieldB, err := NewHaloField[int32](ctxB, pmB, aoi, storageB, nil, nil, nil, clientB, 0, false)
	if err != nil {
		t.Fatalf("NewHaloField B: %v", err)
	}
	return fieldA, fieldB, srv
}

// TestCollectGroupAssemblesFullRectFromAllMembers exercises spec.md
// §4.4.2 step 1: every member packs its origPart and gathers to the
// group master, which assembles the group's full rectangle and stashes
// it on tempStor.
func TestCollectGroupAssemblesFullRectFromAllMembers(t *testing.T) {
	fieldA, fieldB, _ := twoWorkerNumericFields(t)

	origA := fieldA.OrigPart()
	origB := fieldB.OrigPart()
	if err := fieldA.AddObject(context.Background(), origA.UL, 11); err != nil {
		t.Fatalf("AddObject A: %v", err)
	}
	if err := fieldB.AddObject(context.Background(), origB.UL, 22); err != nil {
		t.Fatalf("AddObject B: %v", err)
	}

	world := geom.NewRect(geom.WorldID, geom.IntPoint{0}, geom.IntPoint{100})
	members := []int{0, 1}
	groupID := "test-collect"

	var wg sync.WaitGroup
	var errB error
	wg.Add(1)
	go func() {
		defer wg.Done()
		errB = fieldB.CollectGroup(context.Background(), groupID, world, members, 0)
	}()
	if err := fieldA.CollectGroup(context.Background(), groupID, world, members, 0); err != nil {
		t.Fatalf("fieldA.CollectGroup: %v", err)
	}
	wg.Wait()
	if errB != nil {
		t.Fatalf("fieldB.CollectGroup: %v", errB)
	}

	entry, err := fieldA.popTempStor()
	if err != nil {
		t.Fatalf("popTempStor on master: %v", err)
	}
	if entry.groupID != groupID {
		t.Errorf("tempStor groupID = %q, want %q", entry.groupID, groupID)
	}
	gotA := entry.storage.Get(gridstore.FlatIndex(world, origA.UL))
	if gotA != 11 {
		t.Errorf("assembled storage at A's origin = %d, want 11", gotA)
	}
	gotB := entry.storage.Get(gridstore.FlatIndex(world, origB.UL))
	if gotB != 22 {
		t.Errorf("assembled storage at B's origin = %d, want 22", gotB)
	}

	// The non-master never pushes to its own tempStor.
	if _, err := fieldB.popTempStor(); err == nil {
		t.Error("fieldB (non-master) unexpectedly had a tempStor entry")
	}
}

// TestCollectGroupThenDistributeGroupRoundTrips runs the full pre-commit
// / post-commit pair spec.md §4.4.2 describes: collect to the master,
// simulate a topology mutation by reloading each replica against a new
// partition, then distribute back out. Every worker's new origPart must
// see the values that used to live there before the mutation.
func TestCollectGroupThenDistributeGroupRoundTrips(t *testing.T) {
	fieldA, fieldB, _ := twoWorkerNumericFields(t)

	origA := fieldA.OrigPart()
	origB := fieldB.OrigPart()
	if err := fieldA.AddObject(context.Background(), origA.UL, 111); err != nil {
		t.Fatalf("AddObject A: %v", err)
	}
	if err := fieldB.AddObject(context.Background(), origB.UL, 222); err != nil {
		t.Fatalf("AddObject B: %v", err)
	}

	world := geom.NewRect(geom.WorldID, geom.IntPoint{0}, geom.IntPoint{100})
	members := []int{0, 1}
	groupID := "test-repartition"

	var wg sync.WaitGroup
	var errB error
	wg.Add(1)
	go func() {
		defer wg.Done()
		errB = fieldB.CollectGroup(context.Background(), groupID, world, members, 0)
	}()
	if err := fieldA.CollectGroup(context.Background(), groupID, world, members, 0); err != nil {
		t.Fatalf("fieldA.CollectGroup: %v", err)
	}
	wg.Wait()
	if errB != nil {
		t.Fatalf("fieldB.CollectGroup: %v", errB)
	}

	// Simulate the topology mutation: swap which half of the world each
	// worker owns, then let both replicas reload their derived state.
	moveOriginBothReplicas(t, fieldA, fieldB)

	wg.Add(1)
	go func() {
		defer wg.Done()
		errB = fieldB.DistributeGroup(context.Background(), groupID, members, 0)
	}()
	if err := fieldA.DistributeGroup(context.Background(), groupID, members, 0); err != nil {
		t.Fatalf("fieldA.DistributeGroup: %v", err)
	}
	wg.Wait()
	if errB != nil {
		t.Fatalf("fieldB.DistributeGroup: %v", errB)
	}

	// Whichever worker now owns each of the two written-to world points
	// must see the value written there before the mutation, regardless
	// of which worker used to own it.
	checkSurvived := func(point geom.IntPoint, want int32) {
		t.Helper()
		owner, err := fieldA.partition.Owner(point)
		if err != nil {
			t.Fatalf("Owner(%v): %v", point, err)
		}
		var got int32
		switch owner {
		case 0:
			got, err = fieldA.Get(context.Background(), point)
		case 1:
			got, err = fieldB.Get(context.Background(), point)
		default:
			t.Fatalf("unexpected owner %d for %v", owner, point)
		}
		if err != nil {
			t.Fatalf("Get(%v) on owner %d: %v", point, owner, err)
		}
		if got != want {
			t.Errorf("Get(%v) on owner %d after DistributeGroup = %d, want %d", point, owner, got, want)
		}
	}
	checkSurvived(origA.UL, 111)
	checkSurvived(origB.UL, 222)
}

// moveOriginBothReplicas mutates both workers' partition replicas
// identically (matching cmd/worker/topology.go's replay-the-coordinator's-
// mutation pattern) so the post-commit reload each HaloField's callback
// runs sees the same new tiling on every worker.
func moveOriginBothReplicas(t *testing.T, fieldA, fieldB *HaloField[int32]) {
	t.Helper()
	// Swap ownership across the two new leaves so each field's origPart
	// changes, exercising the redistribution DistributeGroup performs.
	if _, err := fieldA.partition.MoveOrigin(partition.RootID, geom.IntPoint{20}, []int{1, 0}); err != nil {
		t.Fatalf("MoveOrigin on A's replica: %v", err)
	}
	if _, err := fieldB.partition.MoveOrigin(partition.RootID, geom.IntPoint{20}, []int{1, 0}); err != nil {
		t.Fatalf("MoveOrigin on B's replica: %v", err)
	}
}
