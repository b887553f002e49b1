package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/dreamware/meshfield/internal/geom"
	"github.com/dreamware/meshfield/internal/partition"
	"github.com/dreamware/meshfield/internal/rtctx"
)

// Client issues blocking GetCell requests to whichever worker owns a
// point, per spec.md §4.6: "a correctness fallback, not a performance
// path". The owning rank is resolved locally via the partition replica;
// only the address lookup for that rank requires the coordinator.
type Client struct {
	ctx       *rtctx.Context
	partition *partition.QuadTree

	mu        sync.RWMutex
	addrByRank map[int]string
}

// NewClient builds a Client bound to pm, the worker's partition replica.
// addrByRank maps worker rank to its proxy base URL (e.g.
// "http://10.0.0.4:7000"), as handed out by the coordinator's rank table.
func NewClient(ctx *rtctx.Context, pm *partition.QuadTree, addrByRank map[int]string) *Client {
	m := make(map[int]string, len(addrByRank))
	for k, v := range addrByRank {
		m[k] = v
	}
	return &Client{ctx: ctx, partition: pm, addrByRank: m}
}

// SetAddr updates (or adds) the address of rank, used when the
// coordinator's rank table changes.
func (c *Client) SetAddr(rank int, addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addrByRank[rank] = addr
}

// GetCell resolves p's owner via the partition replica and issues a
// blocking GET to that worker's proxy endpoint.
func (c *Client) GetCell(ctx context.Context, fieldIndex int, p geom.IntPoint) ([]byte, error) {
	owner, err := c.partition.Owner(p)
	if err != nil {
		return nil, fmt.Errorf("proxy: resolve owner of %v: %w", p, err)
	}

	c.mu.RLock()
	addr, ok := c.addrByRank[owner]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("proxy: no known address for rank %d", owner)
	}

	url := fmt.Sprintf("%s/proxy/%d/%s", addr, fieldIndex, formatPoint(p))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.ctx.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("proxy: GET %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		var oor OutOfLocal
		if decErr := json.NewDecoder(resp.Body).Decode(&oor); decErr == nil {
			return nil, &oor
		}
		return nil, fmt.Errorf("proxy: GET %s: http %d", url, resp.StatusCode)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("proxy: GET %s: http %d", url, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
