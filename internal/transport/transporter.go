package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/dreamware/meshfield/internal/collective"
	"github.com/dreamware/meshfield/internal/geom"
)

// Transporter holds one byte-append outbox per direct neighbor and an
// inbox of records that have arrived at this worker, per spec.md §4.5.
// The buffered-outbox-per-destination shape follows the pattern sketched
// in the shard manager reference material's per-shard queuing.
type Transporter struct {
	selfRank int
	epoch    int

	mu            sync.Mutex
	links         map[int]*NeighborLink
	neighborOrder []int // ascending, stable across calls
	outbox        map[int]*bytes.Buffer
	inbox         []Transportee

	collective *collective.Client
}

// NewTransporter builds a Transporter for selfRank with a persistent link
// to every direct neighbor. collectiveClient is used for the int
// all-to-all that announces send sizes before the byte exchange.
func NewTransporter(selfRank int, links map[int]*NeighborLink, collectiveClient *collective.Client) *Transporter {
	order := make([]int, 0, len(links))
	outbox := make(map[int]*bytes.Buffer, len(links))
	for rank := range links {
		order = append(order, rank)
		outbox[rank] = &bytes.Buffer{}
	}
	sort.Ints(order)
	return &Transporter{
		selfRank:      selfRank,
		links:         links,
		neighborOrder: order,
		outbox:        outbox,
		collective:    collectiveClient,
	}
}

// Link returns the NeighborLink to workerID, if it is a direct neighbor.
// HaloField uses this to run its own neighbor all-to-all (raw grid bytes)
// over the same persistent connections the Transporter uses for
// Transportee records.
func (tr *Transporter) Link(workerID int) (*NeighborLink, bool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	l, ok := tr.links[workerID]
	return l, ok
}

// OutboxLen returns the number of buffered bytes currently queued toward
// rank's buffer (which may be rank's own buffer, or the forwarding
// neighbor's if rank is not a direct neighbor). Used by callers that need
// to observe whether a Migrate call actually enqueued something.
func (tr *Transporter) OutboxLen(rank int) int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	target, err := tr.bufferTargetLocked(rank)
	if err != nil {
		return 0
	}
	return tr.outbox[target].Len()
}

// SetNeighbors replaces the direct-neighbor link set, used after a
// repartition changes who this worker's neighbors are. Buffers for
// neighbors that persist across the change are kept; new neighbors start
// with an empty buffer.
func (tr *Transporter) SetNeighbors(links map[int]*NeighborLink) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	outbox := make(map[int]*bytes.Buffer, len(links))
	order := make([]int, 0, len(links))
	for rank := range links {
		order = append(order, rank)
		if buf, ok := tr.outbox[rank]; ok {
			outbox[rank] = buf
		} else {
			outbox[rank] = &bytes.Buffer{}
		}
	}
	sort.Ints(order)
	tr.links = links
	tr.neighborOrder = order
	tr.outbox = outbox
}

// Migrate enqueues a Transportee destined for rank. If rank is a direct
// neighbor, its buffer is used directly; otherwise the lexicographically
// first direct neighbor's buffer is used, deferring delivery to
// Sync's one-hop-per-call forwarding (spec.md §4.5).
func (tr *Transporter) Migrate(rank int, payload TransporteePayload, loc geom.IntPoint, fieldIndex int) error {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.enqueueLocked(rank, payload, loc, fieldIndex)
}

func (tr *Transporter) enqueueLocked(rank int, payload TransporteePayload, loc geom.IntPoint, fieldIndex int) error {
	target, err := tr.bufferTargetLocked(rank)
	if err != nil {
		return err
	}
	rec := Transportee{Destination: rank, FieldIndex: fieldIndex, Location: loc, Payload: payload}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("transport: marshal transportee for %d: %w", rank, err)
	}
	tr.outbox[target].Write(data)
	tr.outbox[target].WriteByte('\n')
	return nil
}

func (tr *Transporter) bufferTargetLocked(rank int) (int, error) {
	if _, ok := tr.links[rank]; ok {
		return rank, nil
	}
	if len(tr.neighborOrder) == 0 {
		return 0, fmt.Errorf("transport: no direct neighbors to forward toward rank %d", rank)
	}
	return tr.neighborOrder[0], nil
}

// Sync executes the full §4.5 exchange: flush and measure each neighbor
// buffer, announce counts via the collective relay, exchange raw bytes
// directly over each NeighborLink, decode arrivals (appending self-destined
// records to the inbox and re-enqueuing others for the next Sync), then
// return and clear the records that landed in this worker's inbox.
func (tr *Transporter) Sync(ctx context.Context) ([]Transportee, error) {
	tr.mu.Lock()
	tr.epoch++
	epoch := tr.epoch
	order := append([]int(nil), tr.neighborOrder...)

	links := make(map[int]*NeighborLink, len(order))
	sendBufs := make(map[int][]byte, len(order))
	targets := make(map[int]int, len(order))
	for _, n := range order {
		buf := tr.outbox[n]
		sendBufs[n] = append([]byte(nil), buf.Bytes()...)
		targets[n] = buf.Len()
		buf.Reset()
		links[n] = tr.links[n]
	}
	tr.mu.Unlock()

	if tr.collective != nil && len(targets) > 0 {
		if _, err := tr.collective.AllToAllCounts(ctx, collective.AllToAllCountsRequest{
			Rank:    tr.selfRank,
			Epoch:   epoch,
			Targets: targets,
		}); err != nil {
			return nil, fmt.Errorf("transport: announce counts: %w", err)
		}
	}

	for _, n := range order {
		link := links[n]
		recv, err := link.AllToAll(ctx, sendBufs[n])
		if err != nil {
			return nil, fmt.Errorf("transport: exchange with neighbor %d: %w", n, err)
		}
		if err := tr.decodeArrivals(recv); err != nil {
			return nil, fmt.Errorf("transport: decode arrivals from neighbor %d: %w", n, err)
		}
	}

	tr.mu.Lock()
	arrived := tr.inbox
	tr.inbox = nil
	tr.mu.Unlock()
	return arrived, nil
}

// decodeArrivals reads a NDJSON segment of Transportee records. A record
// addressed to this worker goes to the inbox; any other is re-enqueued
// toward its destination, riding the next Sync call (one forward per
// call, matching the bounded-hop guarantee spec.md §4.5 relies on).
func (tr *Transporter) decodeArrivals(segment []byte) error {
	if len(segment) == 0 {
		return nil
	}
	scanner := bufio.NewScanner(bytes.NewReader(segment))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	tr.mu.Lock()
	defer tr.mu.Unlock()
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Transportee
		if err := json.Unmarshal(line, &rec); err != nil {
			return err
		}
		if rec.Destination == tr.selfRank {
			tr.inbox = append(tr.inbox, rec)
			continue
		}
		if err := tr.enqueueLocked(rec.Destination, rec.Payload, rec.Location, rec.FieldIndex); err != nil {
			return err
		}
	}
	return scanner.Err()
}
