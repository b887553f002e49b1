package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dreamware/meshfield/internal/config"
)

func main() {
	addr := getenv("COORDINATOR_ADDR", ":8080")
	configPath := flag.String("config", "", "path to meshfield.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	applyEnvOverrides(cfg)

	srv := newServer(cfg)

	mux := http.NewServeMux()
	mux.HandleFunc("/register", srv.handleRegister)
	mux.HandleFunc("/nodes", srv.handleListNodes)
	mux.HandleFunc("/topology", srv.handleTopology)
	mux.HandleFunc("/topology/init", srv.handleTopologyInit)
	mux.HandleFunc("/topology/split", srv.handleSplit)
	mux.HandleFunc("/topology/merge", srv.handleMerge)
	mux.HandleFunc("/topology/move-origin", srv.handleMoveOrigin)
	mux.HandleFunc("/collective/allreduce-min", srv.handleAllReduceMin)
	mux.HandleFunc("/collective/alltoall-counts", srv.handleAllToAllCounts)
	mux.HandleFunc("/collective/gather", srv.handleGather)
	mux.HandleFunc("/collective/scatter/", srv.handleScatter)
	mux.HandleFunc("/collective/barrier", srv.handleBarrier)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("coordinator listening on %s", addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(ctx)
	log.Println("coordinator stopped")
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
