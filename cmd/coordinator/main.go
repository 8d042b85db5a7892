// Package main implements the bucketcache coordinator, which owns the bucket
// ownership table of one cache and drives bucket transfers between nodes.
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│              Coordinator                │
//	├─────────────────────────────────────────┤
//	│  HTTP API:                              │
//	│    /register, /leave   - Membership     │
//	│    /transfers/*        - Announcements  │
//	│    /nodes, /buckets    - Inspection     │
//	│    /data/{key}         - Key routing    │
//	│    /health, /metrics                    │
//	├─────────────────────────────────────────┤
//	│  Components:                            │
//	│    Service        - Ownership table     │
//	│    Dispatcher     - Command delivery    │
//	│    HealthMonitor  - Failure detection   │
//	│    Store          - Snapshot storage    │
//	└─────────────────────────────────────────┘
//
// Configuration is read from flags and BUCKETCACHE_* environment variables,
// see package config.
//
// Example usage:
//
//	./coordinator --cache-name sessions --bucket-count 271 --replica-count 1 \
//	  --data-dir /var/lib/bucketcache
//
//	# Store data through the coordinator
//	curl -X PUT 'localhost:8080/data/user:123?ttl=10m' -d '{"name":"Alice"}'
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/bucketcache/internal/cluster"
	"github.com/dreamware/bucketcache/internal/config"
	"github.com/dreamware/bucketcache/internal/coordinator"
	"github.com/dreamware/bucketcache/internal/metrics"
	"github.com/dreamware/bucketcache/internal/storage"
)

const shutdownTimeout = 5 * time.Second

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		if errors.Is(err, config.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, "coordinator:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	cfg, err := config.LoadCoordinator(args)
	if err != nil {
		return err
	}
	logger, err := config.NewLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	store, err := openStore(cfg.DataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	srv, err := newServer(cfg, store, reg, coordinator.HTTPDeliver(cfg.DeliveryTimeout), clockwork.NewRealClock(), logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		srv.run(ctx)
		return nil
	})
	g.Go(func() error {
		logger.Info("coordinator listening",
			zap.String("addr", cfg.Listen),
			zap.String("cache", cfg.Name),
			zap.Int("buckets", cfg.BucketCount),
			zap.Int("replicas", cfg.ReplicaCount),
		)
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("coordinator stopped")
	return err
}

// openStore opens the snapshot database in dir, or an in-memory store when dir
// is empty.
func openStore(dir string) (storage.Store, error) {
	if dir == "" {
		return storage.NewMemoryStore(), nil
	}
	return storage.OpenPebbleStore(dir)
}

type server struct {
	svc        *coordinator.Service
	dispatcher *coordinator.Dispatcher
	monitor    *coordinator.HealthMonitor
	gatherer   prometheus.Gatherer
	metrics    *metrics.Coordinator
	client     *http.Client
	logger     *zap.Logger
}

func newServer(
	cfg config.CoordinatorConfig,
	store storage.Store,
	reg *prometheus.Registry,
	deliver coordinator.DeliverFunc,
	clock clockwork.Clock,
	logger *zap.Logger,
) (*server, error) {
	m := metrics.NewCoordinator(reg)
	dispatcher := coordinator.NewDispatcher(deliver, m, logger)
	svc, err := coordinator.NewService(cfg.Info(), store, dispatcher, m, logger)
	if err != nil {
		return nil, err
	}
	dispatcher.OnUndeliverable(svc.RejectTransfer)

	monitor := coordinator.NewHealthMonitor(coordinator.HealthMonitorConfig{
		CacheName:   cfg.Name,
		Interval:    cfg.HealthInterval,
		Timeout:     cfg.HealthTimeout,
		MaxFailures: cfg.HealthMaxFailures,
	}, clock, logger)

	return &server{
		svc:        svc,
		dispatcher: dispatcher,
		monitor:    monitor,
		gatherer:   reg,
		metrics:    m,
		client:     &http.Client{Timeout: cfg.DeliveryTimeout},
		logger:     logger.Named("http"),
	}, nil
}

// run drives the service, the dispatcher and the health monitor until ctx is
// cancelled.
func (s *server) run(ctx context.Context) {
	s.monitor.SetOnUnhealthy(func(node cluster.NodeInfo) {
		err := s.svc.Fail(ctx, node.ID)
		if err != nil && !errors.Is(err, coordinator.ErrUnknownNode) {
			s.logger.Warn("remove failed node", zap.String("node", node.ID), zap.Error(err))
		}
	})

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		s.svc.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		s.dispatcher.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		s.monitor.Start(ctx, func() []cluster.NodeInfo {
			nodes, err := s.svc.Nodes(ctx)
			if err != nil {
				return nil
			}
			return nodes
		})
	}()
	wg.Wait()
}
