// Package main implements the Needlestack searcher process: the stateful
// half of the cluster that owns local replicas of collection shards and
// serves kNN search/retrieve requests against them.
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│               Searcher                   │
//	├─────────────────────────────────────────┤
//	│  gRPC API:                               │
//	│    Search / Retrieve  - kNN queries      │
//	│    CollectionsLoad    - reconcile nudge  │
//	│    Health.Check       - liveness         │
//	├─────────────────────────────────────────┤
//	│  Components:                             │
//	│    coordstore.Client   - ZK session      │
//	│    clustermgr.Manager  - live-node reg,  │
//	│                          shard metadata  │
//	│    localcollection.Manager - reconcile   │
//	│    indexbackend.Registry   - flatl2 etc  │
//	└─────────────────────────────────────────┘
//
// Only the gRPC health service is registered on the server. The
// Search/Retrieve/CollectionsLoad service has no generated protobuf
// bindings in this module and is not registered.
//
// Configuration is read from the environment; see internal/config.
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/dreamware/needlestack/internal/apierr"
	"github.com/dreamware/needlestack/internal/clustermgr"
	"github.com/dreamware/needlestack/internal/config"
	"github.com/dreamware/needlestack/internal/coordstore"
	"github.com/dreamware/needlestack/internal/indexbackend"
	"github.com/dreamware/needlestack/internal/indexbackend/flatl2"
	"github.com/dreamware/needlestack/internal/localcollection"
)

// reconcileInterval is how often the searcher polls for collection
// descriptor changes and storage-backend staleness between coordination
// store cache refreshes.
const reconcileInterval = 5 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	store, closeStore, err := dialCoordinationStore(cfg, logger)
	if err != nil {
		logger.Fatal("dial coordination store", zap.Error(err))
	}
	defer closeStore()

	self := cfg.Hostport()
	cluster := clustermgr.New(store, cfg.CoordinationRoot, cfg.ClusterName, self, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := cluster.Startup(ctx); err != nil {
		logger.Fatal("cluster manager startup", zap.Error(err))
	}
	defer cluster.Shutdown() //nolint:errcheck

	if err := cluster.RegisterSearcher(ctx); err != nil {
		logger.Fatal("register searcher", zap.Error(err))
	}

	registry := indexbackend.NewRegistry()
	registry.Register("faiss_like", flatl2.New)

	collections := localcollection.New(cluster, registry, logger)

	grpcSrv := grpc.NewServer(
		grpc.UnaryInterceptor(apierr.UnaryServerInterceptor(logger)),
	)
	healthSrv := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcSrv, healthSrv)
	healthSrv.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.ServicerPort))
	if err != nil {
		logger.Fatal("listen", zap.Error(err), zap.Int("port", cfg.ServicerPort))
	}

	go func() {
		logger.Info("searcher listening", zap.String("addr", lis.Addr().String()), zap.String("self", self))
		if err := grpcSrv.Serve(lis); err != nil && err != grpc.ErrServerStopped {
			logger.Fatal("serve", zap.Error(err))
		}
	}()

	reconcileDone := make(chan struct{})
	go runReconcileLoop(ctx, collections, logger, reconcileDone)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("searcher shutting down")
	healthSrv.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	cancel()
	<-reconcileDone
	grpcSrv.GracefulStop()
	logger.Info("searcher stopped")
}

// runReconcileLoop periodically syncs the in-memory collection map against
// the coordination store (spec §4.4), closing done when ctx is cancelled.
func runReconcileLoop(ctx context.Context, collections *localcollection.Manager, logger *zap.Logger, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()

	if err := collections.Reconcile(ctx); err != nil {
		logger.Warn("initial reconcile failed", zap.Error(err))
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := collections.Reconcile(ctx); err != nil {
				logger.Warn("reconcile failed", zap.Error(err))
			}
		}
	}
}

// dialCoordinationStore connects to ZooKeeper in production deployments.
// A single-process in-memory store is used when COORDINATION_HOSTS is
// explicitly set to "memory", easing local development without a live
// ensemble.
func dialCoordinationStore(cfg config.Config, logger *zap.Logger) (coordstore.Client, func(), error) {
	if len(cfg.CoordinationHosts) == 1 && cfg.CoordinationHosts[0] == "memory" {
		client := coordstore.NewMemoryClient()
		return client, func() { client.Close() }, nil //nolint:errcheck
	}

	client, err := coordstore.DialZK(cfg.CoordinationHosts, cfg.SessionTimeout, logger)
	if err != nil {
		return nil, nil, err
	}
	return client, func() { client.Close() }, nil //nolint:errcheck
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}
