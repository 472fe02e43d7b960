// Package integration exercises the searcher/merger pipeline end to end:
// collection placement, per-node reconciliation against real flatl2
// backends, and merger-side fan-out/merge — all in one process over a
// coordstore.MemoryClient, with no real network connection (the stub
// constructors route directly to the in-process localcollection.Manager
// that owns the dialed hostport, the same seam cmd/merger leaves for
// generated gRPC client stubs in production).
package integration

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/dreamware/needlestack/internal/api"
	"github.com/dreamware/needlestack/internal/clientpool"
	"github.com/dreamware/needlestack/internal/clustermgr"
	"github.com/dreamware/needlestack/internal/coordstore"
	"github.com/dreamware/needlestack/internal/indexbackend"
	"github.com/dreamware/needlestack/internal/indexbackend/flatl2"
	"github.com/dreamware/needlestack/internal/localcollection"
	"github.com/dreamware/needlestack/internal/merger"
	"github.com/dreamware/needlestack/internal/ndarray"
)

type flatFixture struct {
	Dimension int            `json:"dimension"`
	Vectors   []float64      `json:"vectors"`
	Metadata  []api.Metadata `json:"metadata"`
}

func writeFlatFixture(t *testing.T, dir, name string, vectors [][]float64, ids []string) string {
	t.Helper()
	flat := make([]float64, 0, len(vectors)*len(vectors[0]))
	meta := make([]api.Metadata, len(ids))
	for i, v := range vectors {
		flat = append(flat, v...)
		meta[i] = api.Metadata{ID: ids[i]}
	}
	path := filepath.Join(dir, name+".json")
	data, err := json.Marshal(flatFixture{Dimension: len(vectors[0]), Vectors: flat, Metadata: meta})
	if err != nil {
		t.Fatalf("marshal fixture: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return path
}

// routingSearcherClient dispatches to the localcollection.Manager that
// owns the dialed hostport, queried via indexbackend.Backend directly —
// the same code path a real Searcher RPC handler would call.
type routingSearcherClient struct {
	byHostport map[string]*localcollection.Manager
	hostport   string
}

func (r *routingSearcherClient) Search(_ context.Context, req *api.SearchRequest) (*api.SearchResponse, error) {
	mgr, ok := r.byHostport[r.hostport]
	if !ok {
		return &api.SearchResponse{}, nil
	}
	col := mgr.Get(req.CollectionName)
	if col == nil {
		return &api.SearchResponse{}, nil
	}
	var items []api.SearchResultItem
	for _, sname := range req.ShardNames {
		shard, ok := col.Shards[sname]
		if !ok {
			continue
		}
		results, err := shard.Backend.Query(&req.Vector, req.Count)
		if err != nil {
			return nil, err
		}
		if len(results) > 0 {
			items = append(items, results[0]...)
		}
	}
	return &api.SearchResponse{Items: items}, nil
}

func (r *routingSearcherClient) Retrieve(context.Context, *api.RetrieveRequest) (*api.RetrieveResponse, error) {
	return &api.RetrieveResponse{}, nil
}

func (r *routingSearcherClient) CollectionsLoad(context.Context, *api.CollectionsLoadRequest) (*api.CollectionsLoadResponse, error) {
	return &api.CollectionsLoadResponse{Success: true}, nil
}

// TestEndToEndAddReconcileSearch places a two-shard collection across two
// simulated searcher nodes sharing one coordination store, reconciles
// each node's local flatl2 backend from disk, then runs a merger search
// that fans out to both and merges the results ascending by distance.
func TestEndToEndAddReconcileSearch(t *testing.T) {
	ctx := context.Background()
	logger := zap.NewNop()
	store := coordstore.NewMemoryClient()
	t.Cleanup(func() { store.Close() })

	const root = "/needlestack"
	const clusterName = "it"

	n1 := clustermgr.New(store, root, clusterName, "n1:50051", logger)
	n2 := clustermgr.New(store, root, clusterName, "n2:50051", logger)
	mergerCluster := clustermgr.New(store, root, clusterName, "merger:0", logger)
	for _, m := range []*clustermgr.Manager{n1, n2, mergerCluster} {
		if err := m.Startup(ctx); err != nil {
			t.Fatalf("startup: %v", err)
		}
		t.Cleanup(func(m *clustermgr.Manager) func() { return func() { m.Shutdown() } }(m))
	}
	if err := n1.RegisterSearcher(ctx); err != nil {
		t.Fatalf("register n1: %v", err)
	}
	if err := n2.RegisterSearcher(ctx); err != nil {
		t.Fatalf("register n2: %v", err)
	}

	dir := t.TempDir()
	// Placement is heaviest-first with lexicographic hostport tie-break
	// (internal/placement), so against two empty nodes shard_b (weight 25)
	// lands on n1 and shard_a (weight 20) lands on n2.
	pathB := writeFlatFixture(t, dir, "shard_b", [][]float64{{0, 0}, {5, 5}}, []string{"b0", "b1"})
	pathA := writeFlatFixture(t, dir, "shard_a", [][]float64{{1, 1}, {9, 9}}, []string{"a0", "a1"})

	pool := clientpool.New(clientpool.TLSConfig{})
	t.Cleanup(func() { pool.CloseAll() })

	registry1 := indexbackend.NewRegistry()
	registry1.Register("faiss_like", flatl2.New)
	registry2 := indexbackend.NewRegistry()
	registry2.Register("faiss_like", flatl2.New)
	local1 := localcollection.New(n1, registry1, logger)
	local2 := localcollection.New(n2, registry2, logger)
	byHostport := map[string]*localcollection.Manager{"n1:50051": local1, "n2:50051": local2}

	typed := clientpool.NewTypedPool(pool, clientpool.StubConstructors{
		Searcher: func(conn *grpc.ClientConn) api.SearcherClient {
			return &routingSearcherClient{byHostport: byHostport, hostport: conn.Target()}
		},
	})
	m := merger.New(mergerCluster, typed, logger)

	addResp, err := m.CollectionsAdd(ctx, &api.CollectionsAddRequest{Collections: []api.Collection{
		{
			Name:              "docs",
			ReplicationFactor: 1,
			Dimension:         2,
			Shards: []api.Shard{
				{Name: "shard_a", Weight: 20, Index: api.IndexDescriptor{FaissLike: &api.FaissLikeDescriptor{
					Source: api.DataSource{LocalFile: &api.LocalFileSource{Path: pathA}},
				}}},
				{Name: "shard_b", Weight: 25, Index: api.IndexDescriptor{FaissLike: &api.FaissLikeDescriptor{
					Source: api.DataSource{LocalFile: &api.LocalFileSource{Path: pathB}},
				}}},
			},
		},
	}})
	if err != nil {
		t.Fatalf("CollectionsAdd: %v", err)
	}
	if !addResp.Success {
		t.Fatal("expected CollectionsAdd broadcast success")
	}

	placed := addResp.Collections[0]
	var shardAHost, shardBHost string
	for _, s := range placed.Shards {
		switch s.Name {
		case "shard_a":
			shardAHost = s.Replicas[0].Node.Hostport
		case "shard_b":
			shardBHost = s.Replicas[0].Node.Hostport
		}
	}
	if shardAHost == shardBHost {
		t.Fatalf("expected shard_a and shard_b on different nodes, both on %s", shardAHost)
	}

	if err := local1.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile n1: %v", err)
	}
	if err := local2.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile n2: %v", err)
	}

	for _, mgr := range []*localcollection.Manager{local1, local2} {
		col := mgr.Get("docs")
		if col == nil {
			continue
		}
		for name, shard := range col.Shards {
			if shard.State() != api.StateActive {
				t.Errorf("shard %s: state = %v, want ACTIVE", name, shard.State())
			}
		}
	}

	waitForActiveReplicas(t, mergerCluster, "docs", "shard_a")
	waitForActiveReplicas(t, mergerCluster, "docs", "shard_b")

	query := ndarray.NDArray{DoubleVal: []float64{0, 0}, Shape: []int{1, 2}}
	resp, err := m.Search(ctx, &api.SearchRequest{CollectionName: "docs", Vector: query, Count: 2})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(resp.Items) == 0 {
		t.Fatal("expected at least one merged search result")
	}
	for i := 1; i < len(resp.Items); i++ {
		if resp.Items[i].Distance() < resp.Items[i-1].Distance() {
			t.Errorf("results not ascending: item %d (%v) < item %d (%v)", i, resp.Items[i].Distance(), i-1, resp.Items[i-1].Distance())
		}
	}
}

// waitForActiveReplicas polls the merger-side cluster manager's cache
// until it observes at least one ACTIVE replica for sname, bounding the
// wait the coordstore.MemoryClient's background cache-poll interval
// otherwise imposes on test determinism.
func waitForActiveReplicas(t *testing.T, cluster *clustermgr.Manager, cname, sname string) {
	t.Helper()
	for i := 0; i < 200; i++ {
		result, err := cluster.GetSearchers(cname, []string{sname})
		if err != nil {
			t.Fatalf("GetSearchers: %v", err)
		}
		if len(result) == 1 && len(result[0].Hostports) > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for active replica of %s/%s", cname, sname)
}
