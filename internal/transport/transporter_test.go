package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dreamware/meshfield/internal/geom"
	"github.com/gorilla/websocket"
)

// newLinkedPair brings up two NeighborLinks connected to each other over a
// real loopback websocket connection, so Sync's AllToAll exercises the
// gorilla/websocket wire path rather than a stub.
func newLinkedPair(t *testing.T, selfID, peerID int) (*NeighborLink, *NeighborLink) {
	t.Helper()
	var upgrader websocket.Upgrader
	serverConnCh := make(chan *websocket.Conn, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		serverConnCh <- conn
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	serverConn := <-serverConnCh

	t.Cleanup(func() { clientConn.Close(); serverConn.Close() })

	return NewNeighborLink(peerID, clientConn), NewNeighborLink(selfID, serverConn)
}

func TestNeighborLinkAllToAll(t *testing.T) {
	a, b := newLinkedPair(t, 0, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan struct{})
	var gotFromB []byte
	go func() {
		defer close(done)
		gotFromB, _ = b.Recv()
		b.Send([]byte("pong"))
	}()

	got, err := a.AllToAll(ctx, []byte("ping"))
	if err != nil {
		t.Fatalf("AllToAll: %v", err)
	}
	<-done
	if string(got) != "pong" {
		t.Errorf("AllToAll reply = %q, want %q", got, "pong")
	}
	if string(gotFromB) != "ping" {
		t.Errorf("peer received = %q, want %q", gotFromB, "ping")
	}
}

func TestMigrateUsesDirectNeighborBuffer(t *testing.T) {
	aLink, _ := newLinkedPair(t, 0, 1)
	links := map[int]*NeighborLink{1: aLink, 2: aLink}
	tr := NewTransporter(0, links, nil)

	if err := tr.Migrate(1, BareObject{Data: []byte("x")}, geom.Pt(1, 1), 0); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if tr.outbox[1].Len() == 0 {
		t.Error("Migrate to a direct neighbor did not use its buffer")
	}
	if tr.outbox[2].Len() != 0 {
		t.Error("Migrate to a direct neighbor wrote to an unrelated buffer")
	}
}

func TestMigrateForwardsNonNeighborToFirstNeighbor(t *testing.T) {
	aLink, _ := newLinkedPair(t, 0, 1)
	bLink, _ := newLinkedPair(t, 0, 2)
	links := map[int]*NeighborLink{1: aLink, 5: bLink}
	tr := NewTransporter(0, links, nil)

	if err := tr.Migrate(99, BareObject{Data: []byte("x")}, geom.Pt(1, 1), 0); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if tr.outbox[1].Len() == 0 {
		t.Error("Migrate to a non-neighbor did not use the lexicographically first neighbor's buffer")
	}
	if tr.outbox[5].Len() != 0 {
		t.Error("Migrate to a non-neighbor wrote to the wrong neighbor's buffer")
	}
}

func TestSetNeighborsKeepsBuffersForPersistingRanks(t *testing.T) {
	aLink, _ := newLinkedPair(t, 0, 1)
	cLink, _ := newLinkedPair(t, 0, 2)
	tr := NewTransporter(0, map[int]*NeighborLink{1: aLink}, nil)

	if err := tr.Migrate(1, BareObject{Data: []byte("queued-before-repartition")}, geom.Pt(1, 1), 0); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	tr.SetNeighbors(map[int]*NeighborLink{1: aLink, 2: cLink})

	if tr.outbox[1].Len() == 0 {
		t.Error("SetNeighbors dropped the buffer for a rank that remained a neighbor")
	}
	if _, ok := tr.outbox[2]; !ok {
		t.Error("SetNeighbors did not add a buffer for the new neighbor")
	}
	if _, ok := tr.links[2]; !ok {
		t.Error("SetNeighbors did not add the new neighbor's link")
	}
	wantOrder := []int{1, 2}
	if len(tr.neighborOrder) != len(wantOrder) || tr.neighborOrder[0] != wantOrder[0] || tr.neighborOrder[1] != wantOrder[1] {
		t.Errorf("neighborOrder = %v, want %v", tr.neighborOrder, wantOrder)
	}
}

func TestSetNeighborsDropsRanksNoLongerNeighbors(t *testing.T) {
	aLink, _ := newLinkedPair(t, 0, 1)
	tr := NewTransporter(0, map[int]*NeighborLink{1: aLink}, nil)

	tr.SetNeighbors(map[int]*NeighborLink{})

	if len(tr.links) != 0 {
		t.Errorf("links = %v, want empty after dropping the only neighbor", tr.links)
	}
	if len(tr.outbox) != 0 {
		t.Errorf("outbox = %v, want empty after dropping the only neighbor", tr.outbox)
	}
	if len(tr.neighborOrder) != 0 {
		t.Errorf("neighborOrder = %v, want empty", tr.neighborOrder)
	}
}

func TestSyncDeliversToSelfAndForwardsOthers(t *testing.T) {
	// self=0 has one direct neighbor (1). We pre-load neighbor 1's "send"
	// side by writing two records into b's own outbox: one addressed to
	// self (0) and one addressed to a third worker (7) that 0 does not
	// know directly, so it must be re-enqueued for a later Sync.
	aLink, bLink := newLinkedPair(t, 0, 1)

	trA := NewTransporter(0, map[int]*NeighborLink{1: aLink}, nil)
	trB := NewTransporter(1, map[int]*NeighborLink{0: bLink}, nil)

	if err := trB.Migrate(0, BareObject{Data: []byte("for-zero")}, geom.Pt(2, 2), 3); err != nil {
		t.Fatalf("Migrate (to self): %v", err)
	}
	if err := trB.Migrate(7, BareObject{Data: []byte("for-seven")}, geom.Pt(3, 3), -1); err != nil {
		t.Fatalf("Migrate (forward): %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan []Transportee, 1)
	go func() {
		arrived, err := trB.Sync(ctx)
		if err != nil {
			t.Errorf("trB.Sync: %v", err)
		}
		done <- arrived
	}()

	arrived, err := trA.Sync(ctx)
	if err != nil {
		t.Fatalf("trA.Sync: %v", err)
	}
	<-done

	if len(arrived) != 1 {
		t.Fatalf("trA inbox after Sync = %d records, want 1", len(arrived))
	}
	if arrived[0].Destination != 0 {
		t.Errorf("arrived record destination = %d, want 0", arrived[0].Destination)
	}

	// The record for worker 7 isn't a direct neighbor of A, so A forwards
	// it back out toward its own first neighbor (1, i.e. B) to ride the
	// next Sync call.
	if trA.outbox[1].Len() == 0 {
		t.Error("record for non-neighbor 7 was not re-enqueued for forwarding")
	}
}
