// Package main implements the Needlestack merger process: the stateless
// query coordinator that fans a Search/Retrieve request out to the
// Searchers holding relevant shard replicas, merges their responses, and
// exposes collection administration (add/delete/list).
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│                Merger                    │
//	├─────────────────────────────────────────┤
//	│  gRPC API:                               │
//	│    Search / Retrieve     - fan-out/merge │
//	│    Collections.Add/Delete/List           │
//	│    Health.Check          - liveness      │
//	├─────────────────────────────────────────┤
//	│  Components:                             │
//	│    coordstore.Client   - ZK session      │
//	│    clustermgr.Manager  - placement,      │
//	│                          node/shard view │
//	│    clientpool.TypedPool - Searcher stubs │
//	│    merger.Merger        - query engine   │
//	└─────────────────────────────────────────┘
//
// Only the gRPC health service is registered on the server. The
// Search/Retrieve and collection-administration services have no
// generated protobuf bindings in this module and are not registered.
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

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/dreamware/needlestack/internal/api"
	"github.com/dreamware/needlestack/internal/apierr"
	"github.com/dreamware/needlestack/internal/clientpool"
	"github.com/dreamware/needlestack/internal/clustermgr"
	"github.com/dreamware/needlestack/internal/config"
	"github.com/dreamware/needlestack/internal/coordstore"
	"github.com/dreamware/needlestack/internal/merger"
)

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

	if err := cluster.RegisterMerger(ctx); err != nil {
		logger.Fatal("register merger", zap.Error(err))
	}

	tls, err := tlsConfig(cfg)
	if err != nil {
		logger.Fatal("tls config", zap.Error(err))
	}
	pool := clientpool.New(tls)
	defer pool.CloseAll() //nolint:errcheck

	// Searcher/Merger RPC stubs are generated from the Needlestack proto
	// service definitions in production; that codegen is out of scope
	// here; this seam is where clientpool.TypedPool's constructors get
	// substituted for the generated *grpc.SearcherClient, *grpc.MergerClient
	// constructors.
	typed := clientpool.NewTypedPool(pool, clientpool.StubConstructors{
		Searcher: func(conn *grpc.ClientConn) api.SearcherClient { return &unwiredSearcherClient{} },
		Merger:   func(conn *grpc.ClientConn) api.MergerClient { return &unwiredMergerClient{} },
		Health:   func(conn *grpc.ClientConn) api.HealthClient { return &unwiredHealthClient{} },
	})

	eng := merger.New(cluster, typed, logger)

	grpcSrv := grpc.NewServer(
		grpc.UnaryInterceptor(apierr.UnaryServerInterceptor(logger)),
	)
	healthSrv := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcSrv, healthSrv)
	healthSrv.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	_ = eng // wired into the (unimplemented-here) generated Merger service handlers

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.ServicerPort))
	if err != nil {
		logger.Fatal("listen", zap.Error(err), zap.Int("port", cfg.ServicerPort))
	}

	go func() {
		logger.Info("merger listening", zap.String("addr", lis.Addr().String()), zap.String("self", self))
		if err := grpcSrv.Serve(lis); err != nil && err != grpc.ErrServerStopped {
			logger.Fatal("serve", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("merger shutting down")
	healthSrv.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	cancel()
	grpcSrv.GracefulStop()
	logger.Info("merger stopped")
}

// unwiredSearcherClient, unwiredMergerClient and unwiredHealthClient are
// placeholders for the generated gRPC client stubs clientpool.TypedPool
// expects to be injected. Every searcher and merger call fails with
// KindCoordinationTransient (codes.Unavailable at the RPC boundary) and
// the health placeholder reports an UNKNOWN status, rather than
// panicking, so a merger started without real stubs wired in degrades to
// returning clean errors instead of crashing.
type unwiredSearcherClient struct{}

func (unwiredSearcherClient) Search(context.Context, *api.SearchRequest) (*api.SearchResponse, error) {
	return nil, apierr.New(apierr.KindCoordinationTransient, "searcher rpc stubs not wired")
}
func (unwiredSearcherClient) Retrieve(context.Context, *api.RetrieveRequest) (*api.RetrieveResponse, error) {
	return nil, apierr.New(apierr.KindCoordinationTransient, "searcher rpc stubs not wired")
}
func (unwiredSearcherClient) CollectionsLoad(context.Context, *api.CollectionsLoadRequest) (*api.CollectionsLoadResponse, error) {
	return nil, apierr.New(apierr.KindCoordinationTransient, "searcher rpc stubs not wired")
}

type unwiredMergerClient struct{}

func (unwiredMergerClient) Search(context.Context, *api.SearchRequest) (*api.SearchResponse, error) {
	return nil, apierr.New(apierr.KindCoordinationTransient, "merger rpc stubs not wired")
}
func (unwiredMergerClient) Retrieve(context.Context, *api.RetrieveRequest) (*api.RetrieveResponse, error) {
	return nil, apierr.New(apierr.KindCoordinationTransient, "merger rpc stubs not wired")
}
func (unwiredMergerClient) CollectionsAdd(context.Context, *api.CollectionsAddRequest) (*api.CollectionsAddResponse, error) {
	return nil, apierr.New(apierr.KindCoordinationTransient, "merger rpc stubs not wired")
}
func (unwiredMergerClient) CollectionsDelete(context.Context, *api.CollectionsDeleteRequest) (*api.CollectionsDeleteResponse, error) {
	return nil, apierr.New(apierr.KindCoordinationTransient, "merger rpc stubs not wired")
}
func (unwiredMergerClient) CollectionsLoad(context.Context, *api.CollectionsLoadRequest) (*api.CollectionsLoadResponse, error) {
	return nil, apierr.New(apierr.KindCoordinationTransient, "merger rpc stubs not wired")
}
func (unwiredMergerClient) CollectionsList(context.Context, *api.CollectionsListRequest) (*api.CollectionsListResponse, error) {
	return nil, apierr.New(apierr.KindCoordinationTransient, "merger rpc stubs not wired")
}

type unwiredHealthClient struct{}

func (unwiredHealthClient) Check(context.Context, *api.HealthCheckRequest) (*api.HealthCheckResponse, error) {
	return &api.HealthCheckResponse{Status: api.HealthUnknown}, nil
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

func tlsConfig(cfg config.Config) (clientpool.TLSConfig, error) {
	return clientpool.TLSConfig{
		Enabled:    cfg.MutualTLS,
		CertFile:   cfg.SSLCertFile,
		KeyFile:    cfg.SSLKeyFile,
		CAFile:     cfg.SSLCAFile,
		ServerName: cfg.Hostname,
	}, nil
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}
