// Package main implements the bucketcache node, which holds bucket copies of
// one cache and serves key operations against them.
//
// The node:
//   - Registers with the coordinator and checks the cluster constants
//   - Executes transfer commands sent by the coordinator
//   - Ships and receives serialized buckets
//   - Serves GET, PUT and DELETE on the buckets it owns
//   - Drains its buckets before leaving on shutdown
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│                Node                     │
//	├─────────────────────────────────────────┤
//	│  HTTP API:                              │
//	│    /commands           - Coordinator    │
//	│    /transfers/receive  - Peer nodes     │
//	│    /buckets/*          - Key operations │
//	│    /info               - Node details   │
//	│    /health, /metrics                    │
//	├─────────────────────────────────────────┤
//	│  Components:                            │
//	│    node.Node      - Bucket copies       │
//	│    HTTPTransport  - Shipments, reports  │
//	└─────────────────────────────────────────┘
//
// Example usage:
//
//	NODE_ID=node-1 \
//	NODE_LISTEN=:8081 \
//	NODE_ADDR=http://localhost:8081 \
//	COORDINATOR_ADDR=http://localhost:8080 \
//	./node --cache-name sessions --bucket-count 271
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/dreamware/bucketcache/internal/cluster"
	"github.com/dreamware/bucketcache/internal/config"
	"github.com/dreamware/bucketcache/internal/coordinator"
	"github.com/dreamware/bucketcache/internal/metrics"
	"github.com/dreamware/bucketcache/internal/node"
)

const (
	registerTimeout = 30 * time.Second
	drainTimeout    = time.Minute
	drainPoll       = 100 * time.Millisecond
	shutdownTimeout = 5 * time.Second
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		if errors.Is(err, config.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, "node:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	cfg, err := config.LoadNode(args)
	if err != nil {
		return err
	}
	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	n, err := node.New(node.Config{
		ID:            cfg.ID,
		Addr:          coordinator.Address(cfg.Addr),
		Cache:         cfg.Info(),
		LeaseDuration: cfg.LeaseDuration,
		TickInterval:  cfg.TickInterval,
	}, node.NewHTTPTransport(cfg.Coordinator, registerTimeout), clockwork.NewRealClock(), metrics.NewNode(reg), logger)
	if err != nil {
		return err
	}

	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           routes(n, reg, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// The node outlives the signal so that it can hand its buckets over.
	nodeCtx, stopNode := context.WithCancel(context.Background())
	nodeDone := make(chan struct{})
	go func() {
		defer close(nodeDone)
		n.Run(nodeCtx)
	}()
	defer func() {
		stopNode()
		<-nodeDone
	}()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("node listening",
			zap.String("node", cfg.ID),
			zap.String("listen", cfg.Listen),
			zap.String("public", cfg.Addr),
		)
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("listen: %w", err)
			return
		}
		serveErr <- nil
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	self := cluster.NodeInfo{ID: cfg.ID, Addr: cfg.Addr}
	if err := register(ctx, cfg.Coordinator, self, cfg.Info(), registerTimeout); err != nil {
		return err
	}
	logger.Info("registered with coordinator", zap.String("coordinator", cfg.Coordinator))

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		return err
	}

	logger.Info("node leaving")
	leaveCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := leave(leaveCtx, n, cfg.Coordinator); err != nil {
		logger.Warn("leave incomplete", zap.Error(err))
	}
	logger.Info("node stopped")
	return nil
}

// register announces the node to the coordinator, retrying until maxElapsed,
// and checks that both sides agree on the cluster constants.
func register(ctx context.Context, coordinatorURL string, self cluster.NodeInfo, want cluster.ClusterInfo, maxElapsed time.Duration) error {
	url := strings.TrimRight(coordinatorURL, "/") + "/register"
	req := cluster.RegisterRequest{Node: self, Cache: &want}

	var resp cluster.RegisterResponse
	if err := cluster.PostJSONRetry(ctx, url, req, &resp, cluster.NewBackOff(maxElapsed)); err != nil {
		return fmt.Errorf("register with coordinator: %w", err)
	}
	return resp.Cache.Check(want)
}

// leave stops the node from taking buckets, asks the coordinator to move its
// buckets away and waits until none is left.
func leave(ctx context.Context, n *node.Node, coordinatorURL string) error {
	if err := n.Drain(ctx); err != nil {
		return err
	}
	url := strings.TrimRight(coordinatorURL, "/") + "/leave"
	if err := cluster.PostJSONRetry(ctx, url, cluster.LeaveRequest{NodeID: n.ID()}, nil, cluster.NewBackOff(registerTimeout)); err != nil {
		return fmt.Errorf("leave: %w", err)
	}

	ticker := time.NewTicker(drainPoll)
	defer ticker.Stop()
	for {
		held, err := n.HeldBuckets(ctx)
		if err != nil {
			return err
		}
		if held == 0 {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return fmt.Errorf("%d buckets still held: %w", held, ctx.Err())
		}
	}
}
