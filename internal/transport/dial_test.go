package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestDialNeighborAccept(t *testing.T) {
	up := NewUpgrader()

	var accepted *NeighborLink
	acceptedCh := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		link, err := up.Accept(w, r)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		accepted = link
		close(acceptedCh)
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	client, err := DialNeighbor(ctx, wsURL, "/", 3, 7)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	select {
	case <-acceptedCh:
	case <-ctx.Done():
		t.Fatal("server never accepted connection")
	}
	defer accepted.Close()

	if client.WorkerID != 7 {
		t.Errorf("client link WorkerID = %d, want 7 (peer's rank)", client.WorkerID)
	}
	if accepted.WorkerID != 3 {
		t.Errorf("accepted link WorkerID = %d, want 3 (dialer's announced rank)", accepted.WorkerID)
	}

	if err := client.Send([]byte("hello")); err != nil {
		t.Fatalf("send: %v", err)
	}
	data, err := accepted.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("recv = %q, want %q", data, "hello")
	}
}

func TestDialNeighborBadAddr(t *testing.T) {
	_, err := DialNeighbor(context.Background(), "://bad", "/", 0, 1)
	if err == nil {
		t.Fatal("expected error for malformed address")
	}
}
