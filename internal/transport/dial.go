package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
)

// Upgrader accepts inbound neighbor-link connections. Grounded on
// voxelcraft.ai's internal/transport/ws.Server: an Upgrader built once
// with generous buffers and no origin checking, mounted as one HTTP
// endpoint a worker's peers dial into.
type Upgrader struct {
	ws websocket.Upgrader

	// Compress, when set, enables zstd framing on every NeighborLink this
	// Upgrader accepts. Both ends of a link must agree out of band (the
	// dialer enables it too); the wire protocol itself carries no
	// negotiation for it.
	Compress bool
}

// NewUpgrader builds an Upgrader sized for bulk halo and transportee
// exchange. CheckOrigin always allows: workers are trusted peers on an
// operator-controlled network, not browser clients.
func NewUpgrader() *Upgrader {
	return &Upgrader{ws: websocket.Upgrader{
		ReadBufferSize:  64 * 1024,
		WriteBufferSize: 64 * 1024,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}}
}

// Accept upgrades r and labels the resulting NeighborLink with the
// dialer's rank, carried in the "rank" query parameter DialNeighbor sets.
func (u *Upgrader) Accept(w http.ResponseWriter, r *http.Request) (*NeighborLink, error) {
	rankStr := r.URL.Query().Get("rank")
	rank, err := strconv.Atoi(rankStr)
	if err != nil {
		return nil, fmt.Errorf("transport: accept: bad rank query param %q: %w", rankStr, err)
	}
	conn, err := u.ws.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: accept: upgrade: %w", err)
	}
	link := NewNeighborLink(rank, conn)
	if u.Compress {
		if err := link.EnableCompression(); err != nil {
			return nil, fmt.Errorf("transport: accept: %w", err)
		}
	}
	return link, nil
}

// DialNeighbor dials addr's neighbor-link endpoint at path, announcing
// selfRank so the acceptor can label its side of the link, and returns a
// NeighborLink labeled with peerRank (the dialed worker's own rank, known
// to the caller from the coordinator's rank table).
func DialNeighbor(ctx context.Context, addr, path string, selfRank, peerRank int) (*NeighborLink, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial neighbor %d: bad addr %q: %w", peerRank, addr, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "", "ws", "wss":
	default:
		return nil, fmt.Errorf("transport: dial neighbor %d: unsupported scheme %q", peerRank, u.Scheme)
	}
	u.Path = path
	q := u.Query()
	q.Set("rank", strconv.Itoa(selfRank))
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial neighbor %d at %s: %w", peerRank, u.String(), err)
	}
	return NewNeighborLink(peerRank, conn), nil
}
