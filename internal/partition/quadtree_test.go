package partition

import (
	"sort"
	"testing"

	"github.com/dreamware/meshfield/internal/geom"
)

func mustNewTestTree(t *testing.T, maxPartitions int) *QuadTree {
	t.Helper()
	world := geom.NewRect(geom.WorldID, geom.Pt(0, 0), geom.Pt(100, 100))
	qt, err := New(world, maxPartitions)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return qt
}

func TestNewRejectsBadPartitionCount(t *testing.T) {
	world := geom.NewRect(geom.WorldID, geom.Pt(0, 0), geom.Pt(100, 100))
	for _, n := range []int{0, 2, 3, 8} {
		if _, err := New(world, n); err == nil {
			t.Errorf("New(world, %d): want error, got nil", n)
		}
	}
	for _, n := range []int{1, 4, 7, 22} {
		if _, err := New(world, n); err != nil {
			t.Errorf("New(world, %d): unexpected error: %v", n, err)
		}
	}
}

func TestNewSeedsIDPool(t *testing.T) {
	qt := mustNewTestTree(t, 22)
	if got, want := qt.AvailableIDs(), 28; got != want {
		t.Fatalf("AvailableIDs() = %d, want %d", got, want)
	}
	root, err := qt.Node(RootID)
	if err != nil {
		t.Fatalf("Node(RootID): %v", err)
	}
	if !root.IsLeaf() || root.WorkerID != 0 {
		t.Errorf("fresh root = %+v, want a leaf owned by worker 0", root)
	}
}

// splitPoints reproduces the split sequence from the original implementation's
// neighbor-finding test harness, which builds a 22-leaf tree over a 100x100
// toroidal world.
var splitPoints = []geom.IntPoint{
	geom.Pt(50, 50),
	geom.Pt(25, 25),
	geom.Pt(25, 75),
	geom.Pt(75, 25),
	geom.Pt(75, 75),
	geom.Pt(35, 15),
	geom.Pt(40, 35),
}

// quadAssignments is the worker assignment 2-D Split/MoveOrigin needs: four
// children per call, cycled across whatever pool of workers a test cares
// about (most tests here don't care which worker owns what, only that the
// tiling stays valid).
var quadAssignments = []int{0, 1, 2, 3}

func buildReferenceTree(t *testing.T) *QuadTree {
	t.Helper()
	qt := mustNewTestTree(t, 22)
	for _, p := range splitPoints {
		if _, err := qt.Split(p, quadAssignments); err != nil {
			t.Fatalf("Split(%v): %v", p, err)
		}
	}
	return qt
}

func TestSplitProducesTilingCover(t *testing.T) {
	qt := buildReferenceTree(t)
	leaves := qt.Leaves()
	if got, want := len(leaves), 22; got != want {
		t.Fatalf("len(Leaves()) = %d, want %d", got, want)
	}
	assertTilesWorld(t, qt.World(), leaves)
}

func TestSplitAssignsDisjointIDs(t *testing.T) {
	qt := buildReferenceTree(t)
	seen := map[int]bool{}
	for id := range qt.nodes {
		if seen[id] {
			t.Fatalf("duplicate node id %d", id)
		}
		seen[id] = true
	}
	for _, id := range qt.availIDs {
		if seen[id] {
			t.Fatalf("id %d is both assigned and available", id)
		}
	}
}

func TestSplitRejectsBoundaryOrigin(t *testing.T) {
	qt := mustNewTestTree(t, 22)
	if _, err := qt.Split(geom.Pt(0, 50), quadAssignments); err == nil {
		t.Error("Split on world boundary: want error, got nil")
	}
}

func TestSplitExhaustsPool(t *testing.T) {
	qt := mustNewTestTree(t, 4)
	if _, err := qt.Split(geom.Pt(50, 50), quadAssignments); err != nil {
		t.Fatalf("first Split: %v", err)
	}
	if _, err := qt.Split(geom.Pt(25, 25), quadAssignments); err == nil {
		t.Error("Split with exhausted pool: want error, got nil")
	}
}

// TestNeighborsAreSymmetric checks the defining property a toroidal halo
// intersection test must have: if B is in A's neighbor set under aoi, A must
// be in B's, since the halo relation is built from the same shift set on both
// sides (spec.md §8 property 10).
func TestNeighborsAreSymmetric(t *testing.T) {
	qt := buildReferenceTree(t)
	aoi := geom.AreaOfInterest{1, 1}

	leaves := qt.Leaves()
	for _, a := range leaves {
		neighbors, err := qt.Neighbors(a.ID, aoi)
		if err != nil {
			t.Fatalf("Neighbors(%d): %v", a.ID, err)
		}
		for _, b := range neighbors {
			back, err := qt.Neighbors(b.ID, aoi)
			if err != nil {
				t.Fatalf("Neighbors(%d): %v", b.ID, err)
			}
			if !containsID(back, a.ID) {
				t.Errorf("Neighbors(%d) contains %d, but Neighbors(%d) does not contain %d", a.ID, b.ID, b.ID, a.ID)
			}
		}
	}
}

func TestNeighborsExcludesSelf(t *testing.T) {
	qt := buildReferenceTree(t)
	for _, leaf := range qt.Leaves() {
		neighbors, err := qt.Neighbors(leaf.ID, geom.AreaOfInterest{1, 1})
		if err != nil {
			t.Fatalf("Neighbors(%d): %v", leaf.ID, err)
		}
		if containsID(neighbors, leaf.ID) {
			t.Errorf("Neighbors(%d) includes itself", leaf.ID)
		}
	}
}

func TestNeighborsGrowsWithAOI(t *testing.T) {
	qt := buildReferenceTree(t)
	leaves := qt.Leaves()
	target := leaves[len(leaves)/2].ID

	small, err := qt.Neighbors(target, geom.AreaOfInterest{1, 1})
	if err != nil {
		t.Fatalf("Neighbors small: %v", err)
	}
	large, err := qt.Neighbors(target, geom.AreaOfInterest{5, 5})
	if err != nil {
		t.Fatalf("Neighbors large: %v", err)
	}
	if len(large) < len(small) {
		t.Errorf("larger aoi produced fewer neighbors: %d < %d", len(large), len(small))
	}
	for _, n := range small {
		if !containsID(large, n.ID) {
			t.Errorf("larger aoi dropped neighbor %d present at smaller aoi", n.ID)
		}
	}
}

// TestRebalanceScenario reproduces spec.md's S3 scenario: a 7-worker,
// 100x100 world, split at (40,60), split at (10,80), then move_origin of the
// root to (60,70). A point's owning leaf must track the origin move, and the
// tree must remain a tiling cover at every step.
func TestRebalanceScenario(t *testing.T) {
	qt := mustNewTestTree(t, 22)

	if _, err := qt.Split(geom.Pt(40, 60), quadAssignments); err != nil {
		t.Fatalf("Split(40,60): %v", err)
	}
	assertTilesWorld(t, qt.World(), qt.Leaves())

	if _, err := qt.Split(geom.Pt(10, 80), quadAssignments); err != nil {
		t.Fatalf("Split(10,80): %v", err)
	}
	assertTilesWorld(t, qt.World(), qt.Leaves())

	p := geom.Pt(50, 50)
	before, err := qt.GetLeaf(p)
	if err != nil {
		t.Fatalf("GetLeaf(%v) before move: %v", p, err)
	}

	if _, err := qt.MoveOrigin(RootID, geom.Pt(60, 70), quadAssignments); err != nil {
		t.Fatalf("MoveOrigin(root, (60,70)): %v", err)
	}
	assertTilesWorld(t, qt.World(), qt.Leaves())

	after, err := qt.GetLeaf(p)
	if err != nil {
		t.Fatalf("GetLeaf(%v) after move: %v", p, err)
	}
	if before.ID == after.ID {
		t.Errorf("point %v did not move to a different leaf after move_origin, still leaf %d", p, after.ID)
	}
	if !after.Rect.Contains(p) {
		t.Errorf("leaf %d after move_origin does not contain %v: %v", after.ID, p, after.Rect)
	}
}

func TestMergeReturnsIDsToPool(t *testing.T) {
	qt := mustNewTestTree(t, 22)
	before := qt.AvailableIDs()

	children, err := qt.Split(geom.Pt(50, 50), quadAssignments)
	if err != nil {
		t.Fatalf("Split: %v", err)
	}
	if got := qt.AvailableIDs(); got != before-len(children) {
		t.Fatalf("AvailableIDs() after split = %d, want %d", got, before-len(children))
	}

	if err := qt.Merge(RootID, 3); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if got := qt.AvailableIDs(); got != before {
		t.Errorf("AvailableIDs() after merge = %d, want %d (ids not returned to pool)", got, before)
	}
	root, err := qt.Node(RootID)
	if err != nil {
		t.Fatalf("Node(RootID): %v", err)
	}
	if !root.IsLeaf() || root.WorkerID != 3 {
		t.Errorf("root after merge = %+v, want leaf owned by worker 3", root)
	}
}

func TestMergeRejectsLeaf(t *testing.T) {
	qt := mustNewTestTree(t, 22)
	if err := qt.Merge(RootID, 0); err == nil {
		t.Error("Merge on a fresh leaf root: want error, got nil")
	}
}

func TestCommitCallbacksRunInRegistrationOrder(t *testing.T) {
	qt := mustNewTestTree(t, 22)
	var order []string
	qt.RegisterPreCommit(func(CommitEvent) { order = append(order, "pre-a") })
	qt.RegisterPreCommit(func(CommitEvent) { order = append(order, "pre-b") })
	qt.RegisterPostCommit(func(CommitEvent) { order = append(order, "post-a") })
	qt.RegisterPostCommit(func(CommitEvent) { order = append(order, "post-b") })

	if _, err := qt.Split(geom.Pt(50, 50), quadAssignments); err != nil {
		t.Fatalf("Split: %v", err)
	}

	want := []string{"pre-a", "pre-b", "post-a", "post-b"}
	if len(order) != len(want) {
		t.Fatalf("callback order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("callback order = %v, want %v", order, want)
			break
		}
	}
}

func containsID(nodes []*Node, id int) bool {
	for _, n := range nodes {
		if n.ID == id {
			return true
		}
	}
	return false
}

// assertTilesWorld checks that leaves exactly and disjointly cover world:
// the sum of leaf areas equals the world's area, and no two leaves overlap.
func assertTilesWorld(t *testing.T, world geom.IntHyperRect, leaves []*Node) {
	t.Helper()

	total := 0
	for _, l := range leaves {
		total += l.Rect.Area()
	}
	if total != world.Area() {
		t.Errorf("leaf areas sum to %d, want world area %d", total, world.Area())
	}

	sorted := append([]*Node(nil), leaves...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	for i := range sorted {
		for j := i + 1; j < len(sorted); j++ {
			if sorted[i].Rect.Intersects(sorted[j].Rect) && sorted[i].Rect.Intersection(sorted[j].Rect).Area() > 0 {
				t.Errorf("leaves %d (%v) and %d (%v) overlap", sorted[i].ID, sorted[i].Rect, sorted[j].ID, sorted[j].Rect)
			}
		}
	}
}
