package merger

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"

	"github.com/dreamware/needlestack/internal/api"
	"github.com/dreamware/needlestack/internal/apierr"
	"github.com/dreamware/needlestack/internal/clientpool"
	"github.com/dreamware/needlestack/internal/clustermgr"
)

type fakeCluster struct {
	searchers   map[string][]clustermgr.ShardHostports
	nodes       []api.Node
	collections []api.Collection
	addErr      error
}

func (f *fakeCluster) GetSearchers(cname string, snames []string) ([]clustermgr.ShardHostports, error) {
	return f.searchers[cname], nil
}
func (f *fakeCluster) ListNodes(context.Context) ([]api.Node, error) { return f.nodes, nil }
func (f *fakeCluster) ListCollections(_ context.Context, names []string, _ bool) ([]api.Collection, error) {
	if len(names) == 0 {
		return f.collections, nil
	}
	byName := make(map[string]api.Collection, len(f.collections))
	for _, c := range f.collections {
		byName[c.Name] = c
	}
	var out []api.Collection
	for _, n := range names {
		if c, ok := byName[n]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}
func (f *fakeCluster) AddCollections(_ context.Context, cols []api.Collection) ([]api.Collection, error) {
	if f.addErr != nil {
		return nil, f.addErr
	}
	f.collections = append(f.collections, cols...)
	return cols, nil
}
func (f *fakeCluster) DeleteCollections(_ context.Context, names []string) ([]string, error) {
	return names, nil
}

// fakeSearcher implements api.SearcherClient with scripted responses per
// shard name, so merger tests never touch a real network connection —
// the underlying *grpc.ClientConn is dialed lazily by clientpool and
// never used.
type fakeSearcher struct {
	byShardResponse map[string]api.SearchResultItem
}

func (f *fakeSearcher) Search(_ context.Context, req *api.SearchRequest) (*api.SearchResponse, error) {
	var items []api.SearchResultItem
	for _, s := range req.ShardNames {
		if item, ok := f.byShardResponse[s]; ok {
			items = append(items, item)
		}
	}
	return &api.SearchResponse{Items: items}, nil
}

func (f *fakeSearcher) Retrieve(context.Context, *api.RetrieveRequest) (*api.RetrieveResponse, error) {
	return &api.RetrieveResponse{Item: &api.RetrievalResultItem{Metadata: api.Metadata{ID: "found"}}}, nil
}

func (f *fakeSearcher) CollectionsLoad(context.Context, *api.CollectionsLoadRequest) (*api.CollectionsLoadResponse, error) {
	return &api.CollectionsLoadResponse{Success: true}, nil
}

func newTestMerger(t *testing.T, cluster *fakeCluster, searcher *fakeSearcher) *Merger {
	t.Helper()
	pool := clientpool.New(clientpool.TLSConfig{})
	typed := clientpool.NewTypedPool(pool, clientpool.StubConstructors{
		Searcher: func(*grpc.ClientConn) api.SearcherClient { return searcher },
	})
	return New(cluster, typed, zap.NewNop())
}

func TestSearchTwoShardsMergesByDistance(t *testing.T) {
	// Mirrors spec §8 scenario 1's query step: two shards on two
	// searchers, k=3, merged ascending.
	d1, d2, d3 := 0.5, 1.5, 2.5
	cluster := &fakeCluster{
		searchers: map[string][]clustermgr.ShardHostports{
			"c1": {
				{Shard: "shard_a", Hostports: []string{"n1:50051"}},
				{Shard: "shard_b", Hostports: []string{"n2:50051"}},
			},
		},
	}
	searcher := &fakeSearcher{byShardResponse: map[string]api.SearchResultItem{
		"shard_a": {DoubleDistance: &d1},
		"shard_b": {DoubleDistance: &d2},
	}}
	_ = d3
	m := newTestMerger(t, cluster, searcher)

	resp, err := m.Search(context.Background(), &api.SearchRequest{CollectionName: "c1", Count: 3})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(resp.Items) != 2 {
		t.Fatalf("expected 2 merged items, got %d", len(resp.Items))
	}
	if resp.Items[0].Distance() != d1 || resp.Items[1].Distance() != d2 {
		t.Errorf("expected ascending [%v %v], got [%v %v]", d1, d2, resp.Items[0].Distance(), resp.Items[1].Distance())
	}
}

func TestSearchEmptyResponsesReturnsError(t *testing.T) {
	cluster := &fakeCluster{searchers: map[string][]clustermgr.ShardHostports{"c1": nil}}
	searcher := &fakeSearcher{}
	m := newTestMerger(t, cluster, searcher)

	_, err := m.Search(context.Background(), &api.SearchRequest{CollectionName: "c1", Count: 3})
	if err == nil {
		t.Fatal("expected error for zero sub-responses")
	}
	// A zero-response error must translate to a non-OK gRPC status, not
	// silently vanish (apierr.KindRemote without RemoteCode set would
	// translate to codes.OK and ToStatus(err).Err() would return nil).
	if st := apierr.ToStatus(err); st.Code() != codes.Unknown {
		t.Fatalf("expected codes.Unknown, got %v", st.Code())
	}
}

func TestRetrieveReturnsFirstNonEmptyMetadata(t *testing.T) {
	cluster := &fakeCluster{
		searchers: map[string][]clustermgr.ShardHostports{
			"c1": {{Shard: "shard_a", Hostports: []string{"n1:50051"}}},
		},
	}
	searcher := &fakeSearcher{}
	m := newTestMerger(t, cluster, searcher)

	resp, err := m.Retrieve(context.Background(), &api.RetrieveRequest{ID: "x", CollectionName: "c1"})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if resp.Item.Metadata.ID != "found" {
		t.Errorf("got %q, want found", resp.Item.Metadata.ID)
	}
}

func TestCollectionsAddRejectsDuplicateName(t *testing.T) {
	cluster := &fakeCluster{collections: []api.Collection{{Name: "c1"}}, nodes: []api.Node{{Hostport: "n1:50051"}}}
	m := newTestMerger(t, cluster, &fakeSearcher{})

	_, err := m.CollectionsAdd(context.Background(), &api.CollectionsAddRequest{Collections: []api.Collection{{Name: "c1"}}})
	if err == nil {
		t.Fatal("expected ALREADY_EXISTS error for duplicate collection name")
	}
}

func TestCollectionsAddPlacesAndBroadcasts(t *testing.T) {
	cluster := &fakeCluster{nodes: []api.Node{{Hostport: "n1:50051"}, {Hostport: "n2:50051"}}}
	m := newTestMerger(t, cluster, &fakeSearcher{})

	req := &api.CollectionsAddRequest{Collections: []api.Collection{
		{
			Name:              "c1",
			ReplicationFactor: 1,
			Shards: []api.Shard{
				{Name: "shard_a", Weight: 20},
				{Name: "shard_b", Weight: 25},
			},
		},
	}}

	resp, err := m.CollectionsAdd(context.Background(), req)
	if err != nil {
		t.Fatalf("CollectionsAdd: %v", err)
	}
	if !resp.Success {
		t.Error("expected broadcast success")
	}
	shardA := resp.Collections[0].Shards[0]
	shardB := resp.Collections[0].Shards[1]
	if len(shardA.Replicas) != 1 || len(shardB.Replicas) != 1 {
		t.Fatalf("expected 1 replica per shard, got %+v", resp.Collections[0].Shards)
	}
	if shardA.Replicas[0].Node.Hostport == shardB.Replicas[0].Node.Hostport {
		t.Error("expected shard_a and shard_b on different nodes (heavier-first greedy placement)")
	}
}

func TestCollectionsDeleteRejectsUnknownName(t *testing.T) {
	cluster := &fakeCluster{}
	m := newTestMerger(t, cluster, &fakeSearcher{})

	_, err := m.CollectionsDelete(context.Background(), &api.CollectionsDeleteRequest{Names: []string{"missing"}})
	if err == nil {
		t.Fatal("expected NOT_FOUND error for unknown collection")
	}
}
