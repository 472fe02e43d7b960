package localcollection

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/dreamware/needlestack/internal/api"
	"github.com/dreamware/needlestack/internal/apierr"
	"github.com/dreamware/needlestack/internal/indexbackend"
	"github.com/dreamware/needlestack/internal/ndarray"
)

// fakeBackend is a minimal indexbackend.Backend for reconcile tests; it
// never touches a real data source and counts how many times Load ran.
type fakeBackend struct {
	dim          int
	loadCount    int
	update       bool
	failLoad     bool
}

func (f *fakeBackend) Dimension() int { return f.dim }
func (f *fakeBackend) Count() int     { return 0 }
func (f *fakeBackend) Load(context.Context) error {
	f.loadCount++
	if f.failLoad {
		return apierr.New(apierr.KindDeserialization, "forced load failure")
	}
	return nil
}
func (f *fakeBackend) UpdateAvailable(context.Context) (bool, error) { return f.update, nil }
func (f *fakeBackend) KNNSearch(*ndarray.NDArray, int) ([][]float64, [][]int, error) {
	return nil, nil, nil
}
func (f *fakeBackend) Query(*ndarray.NDArray, int) ([][]api.SearchResultItem, error) { return nil, nil }
func (f *fakeBackend) Retrieve(string) (*api.RetrievalResultItem, error)             { return nil, nil }
func (f *fakeBackend) AddVectors(*ndarray.NDArray, []api.Metadata) error             { return nil }
func (f *fakeBackend) SetVectors(*ndarray.NDArray, []api.Metadata) error             { return nil }

type fakeCluster struct {
	desired []api.Collection
	states  map[string]api.ReplicaState
}

func newFakeCluster(desired []api.Collection) *fakeCluster {
	return &fakeCluster{desired: desired, states: make(map[string]api.ReplicaState)}
}

func (f *fakeCluster) ListLocalCollections(context.Context, bool) ([]api.Collection, error) {
	return f.desired, nil
}

func (f *fakeCluster) SetLocalState(_ context.Context, state api.ReplicaState, cname, sname string) (bool, error) {
	f.states[cname+"/"+sname] = state
	return true, nil
}

func oneShardCollection(dim int) api.Collection {
	return api.Collection{
		Name:      "c1",
		Dimension: dim,
		Shards:    []api.Shard{{Name: "shard_a", Index: api.IndexDescriptor{FaissLike: &api.FaissLikeDescriptor{}}}},
	}
}

func newTestManagerWithBackend(t *testing.T, desired []api.Collection, backend *fakeBackend) (*Manager, *fakeCluster) {
	t.Helper()
	registry := indexbackend.NewRegistry()
	registry.Register("faiss_like", func(api.IndexDescriptor, bool) (indexbackend.Backend, error) {
		return backend, nil
	})
	cluster := newFakeCluster(desired)
	return New(cluster, registry, zap.NewNop()), cluster
}

func TestReconcileAddsAndActivates(t *testing.T) {
	backend := &fakeBackend{dim: 4}
	m, cluster := newTestManagerWithBackend(t, []api.Collection{oneShardCollection(4)}, backend)

	if err := m.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	col := m.Get("c1")
	if col == nil {
		t.Fatal("expected collection c1 to be loaded")
	}
	if col.Shards["shard_a"].State() != api.StateActive {
		t.Errorf("expected ACTIVE, got %v", col.Shards["shard_a"].State())
	}
	if cluster.states["c1/shard_a"] != api.StateActive {
		t.Errorf("expected persisted ACTIVE state, got %v", cluster.states["c1/shard_a"])
	}
	if backend.loadCount != 1 {
		t.Errorf("expected 1 load, got %d", backend.loadCount)
	}
}

func TestReconcileMarksDownOnLoadFailure(t *testing.T) {
	backend := &fakeBackend{dim: 4, failLoad: true}
	m, cluster := newTestManagerWithBackend(t, []api.Collection{oneShardCollection(4)}, backend)

	if err := m.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	col := m.Get("c1")
	if col.Shards["shard_a"].State() != api.StateDown {
		t.Errorf("expected DOWN, got %v", col.Shards["shard_a"].State())
	}
	if cluster.states["c1/shard_a"] != api.StateDown {
		t.Errorf("expected persisted DOWN state, got %v", cluster.states["c1/shard_a"])
	}
}

func TestReconcileIsIdempotentWhenUnchanged(t *testing.T) {
	backend := &fakeBackend{dim: 4}
	m, _ := newTestManagerWithBackend(t, []api.Collection{oneShardCollection(4)}, backend)

	if err := m.Reconcile(context.Background()); err != nil {
		t.Fatalf("first Reconcile: %v", err)
	}
	if err := m.Reconcile(context.Background()); err != nil {
		t.Fatalf("second Reconcile: %v", err)
	}

	if backend.loadCount != 1 {
		t.Errorf("expected exactly 1 load across two reconciles with no update available, got %d", backend.loadCount)
	}
	if m.Get("c1").Shards["shard_a"].State() != api.StateActive {
		t.Error("expected ACTIVE to persist across idempotent reconcile")
	}
}

func TestReconcileReloadsWhenUpdateAvailable(t *testing.T) {
	backend := &fakeBackend{dim: 4, update: true}
	m, _ := newTestManagerWithBackend(t, []api.Collection{oneShardCollection(4)}, backend)

	if err := m.Reconcile(context.Background()); err != nil {
		t.Fatalf("first Reconcile: %v", err)
	}
	if err := m.Reconcile(context.Background()); err != nil {
		t.Fatalf("second Reconcile: %v", err)
	}

	if backend.loadCount != 2 {
		t.Errorf("expected a reload on the second reconcile, got loadCount=%d", backend.loadCount)
	}
}

func TestReconcileDropsRemovedCollection(t *testing.T) {
	backend := &fakeBackend{dim: 4}
	registry := indexbackend.NewRegistry()
	registry.Register("faiss_like", func(api.IndexDescriptor, bool) (indexbackend.Backend, error) {
		return backend, nil
	})
	cluster := newFakeCluster([]api.Collection{oneShardCollection(4)})
	m := New(cluster, registry, zap.NewNop())

	if err := m.Reconcile(context.Background()); err != nil {
		t.Fatalf("first Reconcile: %v", err)
	}
	cluster.desired = nil
	if err := m.Reconcile(context.Background()); err != nil {
		t.Fatalf("second Reconcile: %v", err)
	}

	if m.Get("c1") != nil {
		t.Error("expected c1 to be dropped")
	}
}

func TestReconcileDimensionMismatchMarksDown(t *testing.T) {
	backend := &fakeBackend{dim: 8}
	m, cluster := newTestManagerWithBackend(t, []api.Collection{oneShardCollection(4)}, backend)

	if err := m.Reconcile(context.Background()); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	if m.Get("c1").Shards["shard_a"].State() != api.StateDown {
		t.Error("expected DOWN on dimension mismatch")
	}
	if cluster.states["c1/shard_a"] != api.StateDown {
		t.Errorf("expected persisted DOWN, got %v", cluster.states["c1/shard_a"])
	}
}
