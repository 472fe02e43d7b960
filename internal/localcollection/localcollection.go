// Package localcollection implements the Local Collection Manager (C4):
// the in-process mapping of collection name to a loaded Collection, kept
// in sync with the coordination store via Reconcile. It is grounded on
// the teacher's internal/shard.Shard (per-partition state machine) and
// cmd/node.Node (owning map of shards by id), generalized from a
// key-space partition to a named vector collection with an IndexBackend
// per shard.
package localcollection

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/dreamware/needlestack/internal/api"
	"github.com/dreamware/needlestack/internal/apierr"
	"github.com/dreamware/needlestack/internal/indexbackend"
)

// LoadedShard is one shard of a Collection, owning its built Backend.
type LoadedShard struct {
	Name    string
	Backend indexbackend.Backend
	state   api.ReplicaState
	mu      sync.RWMutex
}

func (s *LoadedShard) State() api.ReplicaState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *LoadedShard) setState(state api.ReplicaState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Collection is the in-memory rendering of a coordination-store Collection
// descriptor, plus its loaded shards.
type Collection struct {
	Descriptor api.Collection
	Shards     map[string]*LoadedShard
}

// clusterManager is the subset of internal/clustermgr.Manager the
// reconciler depends on, kept narrow so tests can supply a fake.
type clusterManager interface {
	ListLocalCollections(ctx context.Context, includeState bool) ([]api.Collection, error)
	SetLocalState(ctx context.Context, state api.ReplicaState, cname, sname string) (bool, error)
}

// Manager owns the reconcile-driven name→Collection map (spec §4.4).
type Manager struct {
	cluster  clusterManager
	registry *indexbackend.Registry
	logger   *zap.Logger

	mu          sync.RWMutex
	collections map[string]*Collection
	descriptors map[string][]byte // last-observed serialized descriptor, for change detection
}

// New returns an empty Manager.
func New(cluster clusterManager, registry *indexbackend.Registry, logger *zap.Logger) *Manager {
	return &Manager{
		cluster:     cluster,
		registry:    registry,
		logger:      logger,
		collections: make(map[string]*Collection),
		descriptors: make(map[string][]byte),
	}
}

// Get returns the currently loaded Collection for name, or nil if none is
// loaded. Reconcile replaces or removes whole map entries under the lock
// rather than mutating a stored *Collection, so readers never need to
// coordinate with the reconciler beyond this lookup.
func (m *Manager) Get(name string) *Collection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collections[name]
}

// All returns every currently loaded Collection.
func (m *Manager) All() map[string]*Collection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*Collection, len(m.collections))
	for k, v := range m.collections {
		out[k] = v
	}
	return out
}

// Reconcile fetches the desired local-collection set from the Cluster
// Manager and drives this process's in-memory state toward it: add, drop,
// modify, or poll-for-update, per spec §4.4. It is idempotent: running it
// twice with the same desired state performs no further index reloads and
// issues no additional coordination-store writes once replicas are
// already ACTIVE.
func (m *Manager) Reconcile(ctx context.Context) error {
	desired, err := m.cluster.ListLocalCollections(ctx, false)
	if err != nil {
		return apierr.Wrap(apierr.KindCoordinationTransient, err, "reconcile: list_local_collections")
	}

	desiredByName := make(map[string]api.Collection, len(desired))
	for _, d := range desired {
		desiredByName[d.Name] = d
	}

	m.mu.RLock()
	currentNames := make(map[string]struct{}, len(m.collections))
	for name := range m.collections {
		currentNames[name] = struct{}{}
	}
	m.mu.RUnlock()

	for name, col := range desiredByName {
		if _, ok := currentNames[name]; !ok {
			m.add(ctx, col)
			continue
		}
		if m.changed(name, col) {
			m.modify(ctx, col)
			continue
		}
		m.pollForUpdate(ctx, name)
	}

	for name := range currentNames {
		if _, ok := desiredByName[name]; !ok {
			m.drop(name)
		}
	}
	return nil
}

func (m *Manager) changed(name string, desired api.Collection) bool {
	encoded, err := json.Marshal(desired)
	if err != nil {
		m.logger.Warn("failed to marshal descriptor for change detection", zap.String("collection", name), zap.Error(err))
		return true
	}
	m.mu.RLock()
	prev, ok := m.descriptors[name]
	m.mu.RUnlock()
	return !ok || !bytes.Equal(prev, encoded)
}

func (m *Manager) storeDescriptor(name string, desired api.Collection) {
	encoded, err := json.Marshal(desired)
	if err != nil {
		return
	}
	m.mu.Lock()
	m.descriptors[name] = encoded
	m.mu.Unlock()
}

// add constructs a new Collection, marks its local replicas BOOTING,
// loads every shard, and marks the collection ACTIVE on success or DOWN
// on failure (spec §4.4 step 3).
func (m *Manager) add(ctx context.Context, desired api.Collection) {
	col := &Collection{Descriptor: desired, Shards: make(map[string]*LoadedShard)}

	ok := true
	for _, shardDesc := range desired.Shards {
		if _, err := m.cluster.SetLocalState(ctx, api.StateBooting, desired.Name, shardDesc.Name); err != nil {
			m.logger.Error("failed to persist BOOTING state", zap.String("collection", desired.Name), zap.String("shard", shardDesc.Name), zap.Error(err))
		}
		loaded, err := m.loadShard(ctx, desired, shardDesc)
		if err != nil {
			m.logger.Error("shard load failed", zap.String("collection", desired.Name), zap.String("shard", shardDesc.Name), zap.Error(err))
			ok = false
		}
		if loaded != nil {
			col.Shards[shardDesc.Name] = loaded
		}
	}

	m.mu.Lock()
	m.collections[desired.Name] = col
	m.mu.Unlock()
	m.storeDescriptor(desired.Name, desired)

	finalState := api.StateActive
	if !ok {
		finalState = api.StateDown
	}
	for _, shardDesc := range desired.Shards {
		if _, err := m.cluster.SetLocalState(ctx, finalState, desired.Name, shardDesc.Name); err != nil {
			m.logger.Error("failed to persist replica state", zap.String("collection", desired.Name), zap.String("shard", shardDesc.Name), zap.Error(err))
		}
	}
}

func (m *Manager) loadShard(ctx context.Context, col api.Collection, shardDesc api.Shard) (*LoadedShard, error) {
	backend, err := m.registry.Build(shardDesc.Index, col.EnableIDToVector)
	if err != nil {
		return nil, err
	}
	loaded := &LoadedShard{Name: shardDesc.Name, Backend: backend, state: api.StateBooting}
	if err := backend.Load(ctx); err != nil {
		loaded.setState(api.StateDown)
		return loaded, err
	}
	if col.Dimension != 0 && backend.Dimension() != col.Dimension {
		loaded.setState(api.StateDown)
		return loaded, apierr.New(apierr.KindDimensionMismatch,
			"shard dimension disagrees with collection dimension")
	}
	loaded.setState(api.StateActive)
	return loaded, nil
}

// drop removes name from the in-memory map without writing to the
// coordination store — its znode may already be gone (spec §4.4 step 4).
func (m *Manager) drop(name string) {
	m.mu.Lock()
	delete(m.collections, name)
	delete(m.descriptors, name)
	m.mu.Unlock()
}

// modify compares shards by name and applies add/drop/replace at shard
// granularity, marking affected shards BOOTING before reload and ACTIVE
// after (spec §4.4 step 5).
func (m *Manager) modify(ctx context.Context, desired api.Collection) {
	m.mu.RLock()
	existing := m.collections[desired.Name]
	m.mu.RUnlock()

	newShards := make(map[string]*LoadedShard, len(desired.Shards))
	desiredNames := make(map[string]struct{}, len(desired.Shards))

	for _, shardDesc := range desired.Shards {
		desiredNames[shardDesc.Name] = struct{}{}
		if existing != nil {
			if prev, ok := existing.Shards[shardDesc.Name]; ok {
				var oldIndex api.IndexDescriptor
				for _, s := range existing.Descriptor.Shards {
					if s.Name == shardDesc.Name {
						oldIndex = s.Index
					}
				}
				oldBytes, _ := json.Marshal(oldIndex)
				newBytes, _ := json.Marshal(shardDesc.Index)
				if bytes.Equal(oldBytes, newBytes) {
					newShards[shardDesc.Name] = prev
					continue
				}
			}
		}
		if _, err := m.cluster.SetLocalState(ctx, api.StateBooting, desired.Name, shardDesc.Name); err != nil {
			m.logger.Error("failed to persist BOOTING state", zap.Error(err))
		}
		loaded, err := m.loadShard(ctx, desired, shardDesc)
		if err != nil {
			m.logger.Error("shard load failed during modify", zap.String("collection", desired.Name), zap.String("shard", shardDesc.Name), zap.Error(err))
		}
		if loaded == nil {
			continue
		}
		newShards[shardDesc.Name] = loaded
		if _, err := m.cluster.SetLocalState(ctx, loaded.State(), desired.Name, shardDesc.Name); err != nil {
			m.logger.Error("failed to persist replica state", zap.Error(err))
		}
	}

	col := &Collection{Descriptor: desired, Shards: newShards}
	m.mu.Lock()
	m.collections[desired.Name] = col
	m.mu.Unlock()
	m.storeDescriptor(desired.Name, desired)
}

// pollForUpdate asks each shard's backend whether its data source has
// changed since the in-memory copy was loaded, reloading if so (spec
// §4.4 step 6). Already-ACTIVE shards that report no update issue no
// coordination-store writes, satisfying the idempotence guarantee.
func (m *Manager) pollForUpdate(ctx context.Context, name string) {
	m.mu.RLock()
	col := m.collections[name]
	m.mu.RUnlock()
	if col == nil {
		return
	}

	for sname, shard := range col.Shards {
		available, err := shard.Backend.UpdateAvailable(ctx)
		if err != nil {
			m.logger.Warn("update_available check failed", zap.String("collection", name), zap.String("shard", sname), zap.Error(err))
			continue
		}
		if !available {
			continue
		}
		shard.setState(api.StateRecovering)
		if _, err := m.cluster.SetLocalState(ctx, api.StateRecovering, name, sname); err != nil {
			m.logger.Error("failed to persist RECOVERING state", zap.Error(err))
		}
		if err := shard.Backend.Load(ctx); err != nil {
			shard.setState(api.StateDown)
			m.logger.Error("reload failed", zap.String("collection", name), zap.String("shard", sname), zap.Error(err))
		} else {
			shard.setState(api.StateActive)
		}
		if _, err := m.cluster.SetLocalState(ctx, shard.State(), name, sname); err != nil {
			m.logger.Error("failed to persist post-reload state", zap.Error(err))
		}
	}
}
