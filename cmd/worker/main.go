// Package main implements cmd/worker: one process per rank, owning a leaf
// of the coordinator's quadtree, a replica of its full topology, the
// HaloFields an application registers, the neighbor Transporter, and the
// remote-read-proxy endpoint. See SPEC_FULL.md §0 for the coordinator/
// worker process split this mirrors from the teacher's cmd/coordinator/
// cmd/node.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dreamware/meshfield/internal/collective"
	"github.com/dreamware/meshfield/internal/config"
	"github.com/dreamware/meshfield/internal/coordination"
	"github.com/dreamware/meshfield/internal/geom"
	"github.com/dreamware/meshfield/internal/gridstore"
	"github.com/dreamware/meshfield/internal/halo"
	"github.com/dreamware/meshfield/internal/proxy"
	"github.com/dreamware/meshfield/internal/rtctx"
	"github.com/dreamware/meshfield/internal/schedule"
	"github.com/dreamware/meshfield/internal/transport"
)

// logFatal allows tests to intercept termination, exactly like the
// teacher's cmd/node/main.go:logFatal.
var logFatal = log.Fatalf

func main() {
	workerID := getenv("WORKER_ID", "worker")
	listen := getenv("WORKER_LISTEN", ":8081")
	public := getenv("WORKER_ADDR", "http://127.0.0.1:8081")
	coordAddr := mustGetenv("COORDINATOR_ADDR")
	configPath := flag.String("config", "", "path to meshfield.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logFatal("load config: %v", err)
	}

	bg := context.Background()

	reg, err := registerWithCoordinator(bg, coordAddr, public, log.New(os.Stderr, "["+workerID+"] ", log.LstdFlags))
	if err != nil {
		logFatal("%v", err)
	}

	ctx := rtctx.New(reg.Rank, reg.WorldSize, coordAddr)
	if cfg.RebalanceWindow > 0 {
		ctx.RebalanceWindow = cfg.RebalanceWindow
	}
	ctx.RebalanceEvery = cfg.RebalanceEvery
	ctx.LogServerAddr = cfg.LogServerAddr
	ctx.CompressLinks = cfg.CompressLinks
	ctx.Logger = log.New(os.Stderr, fmt.Sprintf("[worker %d] ", ctx.Rank), log.LstdFlags)

	replica, err := fetchTopology(bg, coordAddr)
	if err != nil {
		logFatal("fetch topology: %v", err)
	}

	w := &worker{ctx: ctx, replica: replica}
	topo := newTopologyHandlers(w)

	aoi := resolveAOI(cfg, replica.Dim())
	w.aoi = aoi

	neighbors, err := neighborRanks(replica, ctx.Rank, aoi)
	if err != nil {
		logFatal("compute neighbor ranks: %v", err)
	}
	higherNeighbors := 0
	for _, r := range neighbors {
		if r > ctx.Rank {
			higherNeighbors++
		}
	}
	acceptor := newLinkAcceptor(higherNeighbors)
	upgrader := transport.NewUpgrader()
	upgrader.Compress = ctx.CompressLinks

	proxySrv := proxy.NewServer(ctx, replica)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(rw http.ResponseWriter, _ *http.Request) { rw.WriteHeader(http.StatusOK) })
	mux.HandleFunc("/topology/precommit", topo.handlePrecommit)
	mux.HandleFunc("/topology/apply-split", topo.handleApplySplit)
	mux.HandleFunc("/topology/apply-merge", topo.handleApplyMerge)
	mux.HandleFunc("/topology/apply-move-origin", topo.handleApplyMoveOrigin)
	mux.HandleFunc("/debug/partition", func(rw http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(rw, replica.DebugString())
	})
	mux.HandleFunc("/links/connect", func(rw http.ResponseWriter, r *http.Request) {
		link, err := upgrader.Accept(rw, r)
		if err != nil {
			ctx.Logger.Printf("link accept failed: %v", err)
			return
		}
		acceptor.add(link)
	})
	mux.Handle("/proxy/", proxySrv.Handler())

	httpSrv := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		ctx.Logger.Printf("listening on %s (public %s), rank %d/%d", listen, public, ctx.Rank, ctx.WorldSize)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logFatal("listen: %v", err)
		}
	}()

	peers, err := fetchNodes(bg, coordAddr)
	if err != nil {
		logFatal("fetch nodes: %v", err)
	}
	addrByRank := make(map[int]string, len(peers))
	for _, p := range peers {
		addrByRank[p.Rank] = p.Addr
	}

	links := dialLowerNeighbors(bg, ctx, neighbors, addrByRank)
	for rank, link := range acceptor.wait(bg, 30*time.Second) {
		links[rank] = link
	}

	collectiveClient := collective.New(coordAddr, ctx.HTTPClient)
	transporter := transport.NewTransporter(ctx.Rank, links, collectiveClient)
	w.transporter = transporter
	w.addrByRank = addrByRank
	w.linkMu.Lock()
	w.links = links
	w.linkMu.Unlock()
	proxyClient := proxy.NewClient(ctx, replica, addrByRank)

	numericField, err := halo.NewHaloField[float64](ctx, replica, aoi,
		gridstore.NewNumericGrid[float64](replica.World()), nil, proxyClient, transporter, collectiveClient, 0, false)
	if err != nil {
		logFatal("construct numeric field: %v", err)
	}
	proxySrv.Register(numericField.FieldIndex(), numericField)
	w.fields = append(w.fields, numericField)

	objectField, err := halo.NewHaloField[json.RawMessage](ctx, replica, aoi,
		gridstore.NewObjectGrid[json.RawMessage](replica.World(), nil), nil, proxyClient, transporter, collectiveClient, nil, true)
	if err != nil {
		logFatal("construct object field: %v", err)
	}
	proxySrv.Register(objectField.FieldIndex(), objectField)
	w.fields = append(w.fields, objectField)

	scheduler := schedule.New(nil)
	loop := coordination.NewLoop(ctx, transporter, scheduler, collectiveClient)
	loop.RegisterField(numericField)
	loop.RegisterField(objectField)

	loopCtx, cancelLoop := context.WithCancel(bg)
	go runLoop(loopCtx, ctx, loop)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	cancelLoop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		ctx.Logger.Printf("shutdown error: %v", err)
	}
	ctx.Logger.Println("worker stopped")
}

// runLoop drives the coordination loop forever until ctx is canceled. A
// tick error while ctx is still live is fatal: it is passed to logFatal
// with the worker's rank, and the loop is not retried.
func runLoop(ctx context.Context, rc *rtctx.Context, loop *coordination.Loop) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if _, err := loop.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			logFatal("worker %d: tick failed: %v", rc.Rank, err)
			return
		}
	}
}

// resolveAOI picks the area-of-interest vector: WORLD_AOI (comma-separated
// per-dimension thickness) if set, else the config file's AOI, else a
// uniform thickness of 1 cell per dimension.
func resolveAOI(cfg *config.File, dim int) geom.AreaOfInterest {
	if v := strings.TrimSpace(os.Getenv("WORLD_AOI")); v != "" {
		parts := strings.Split(v, ",")
		if len(parts) == dim {
			p := make(geom.IntPoint, dim)
			ok := true
			for i, s := range parts {
				n, err := strconv.Atoi(strings.TrimSpace(s))
				if err != nil {
					ok = false
					break
				}
				p[i] = n
			}
			if ok {
				return geom.AreaOfInterest(p)
			}
		}
	}
	if len(cfg.AOI) == dim {
		return geom.AreaOfInterest(cfg.AOI)
	}
	uniform := make(geom.IntPoint, dim)
	for i := range uniform {
		uniform[i] = 1
	}
	return geom.AreaOfInterest(uniform)
}

// dialLowerNeighbors dials every direct-neighbor rank below this worker's
// own, per the dial-lower/accept-higher convention that gives each ordered
// pair of workers exactly one connection. Only neighbors are dialed — a
// worker never opens a link to a rank it has no partition adjacency with,
// matching Transporter's direct-neighbor-only outbox model (spec.md §4.5).
// Retries briefly to absorb the case where a lower-ranked peer (itself
// still only accepting, never dialing) has not yet brought its HTTP server
// up.
func dialLowerNeighbors(ctx context.Context, rc *rtctx.Context, neighbors []int, addrByRank map[int]string) map[int]*transport.NeighborLink {
	links := make(map[int]*transport.NeighborLink, len(neighbors))
	for _, peerRank := range neighbors {
		if peerRank >= rc.Rank {
			continue
		}
		addr, ok := addrByRank[peerRank]
		if !ok {
			logFatal("no address known for rank %d", peerRank)
		}
		var link *transport.NeighborLink
		var lastErr error
		for attempt := 0; attempt < 10; attempt++ {
			link, lastErr = transport.DialNeighbor(ctx, addr, "/links/connect", rc.Rank, peerRank)
			if lastErr == nil {
				break
			}
			time.Sleep(400 * time.Millisecond)
		}
		if lastErr != nil {
			logFatal("dial rank %d at %s: %v", peerRank, addr, lastErr)
		}
		if rc.CompressLinks {
			if err := link.EnableCompression(); err != nil {
				logFatal("enable compression for rank %d: %v", peerRank, err)
			}
		}
		links[peerRank] = link
	}
	return links
}

// linkAcceptor collects the NeighborLinks higher-ranked peers dial in,
// blocking wait() until the expected count has arrived or the deadline
// passes.
type linkAcceptor struct {
	mu    sync.Mutex
	links map[int]*transport.NeighborLink
	want  int
	done  chan struct{}
	once  sync.Once
}

func newLinkAcceptor(want int) *linkAcceptor {
	a := &linkAcceptor{links: make(map[int]*transport.NeighborLink, want), want: want, done: make(chan struct{})}
	if want <= 0 {
		close(a.done)
	}
	return a
}

func (a *linkAcceptor) add(link *transport.NeighborLink) {
	a.mu.Lock()
	a.links[link.WorkerID] = link
	complete := len(a.links) >= a.want
	a.mu.Unlock()
	if complete {
		a.once.Do(func() { close(a.done) })
	}
}

func (a *linkAcceptor) wait(ctx context.Context, timeout time.Duration) map[int]*transport.NeighborLink {
	select {
	case <-a.done:
	case <-time.After(timeout):
	case <-ctx.Done():
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[int]*transport.NeighborLink, len(a.links))
	for k, v := range a.links {
		out[k] = v
	}
	return out
}

func getenv(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func mustGetenv(k string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	logFatal("missing env %s", k)
	return ""
}
