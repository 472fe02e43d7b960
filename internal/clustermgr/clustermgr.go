// Package clustermgr implements the Cluster Manager (C2): the source of
// truth for cluster topology and replica state, built entirely on the
// internal/coordstore.Client interface per spec §4.2's znode layout.
//
// It is grounded on the teacher's coordinator.ShardRegistry (assignment
// bookkeeping) and coordinator.HealthMonitor (session/liveness callback
// wiring), generalized from a flat shard→node map to the full
// collection/shard/replica znode tree spec §3 requires.
package clustermgr

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/dreamware/needlestack/internal/api"
	"github.com/dreamware/needlestack/internal/apierr"
	"github.com/dreamware/needlestack/internal/coordstore"
)

const (
	liveNodesSeg   = "live_nodes"
	collectionsSeg = "collections"
	shardsSeg      = "shards"
	replicasSeg    = "replicas"
)

// Manager is the Cluster Manager. All public operations are synchronous
// on the calling goroutine and may block on the coordination store (spec
// §4.2).
type Manager struct {
	store       coordstore.Client
	cache       *coordstore.Cache
	logger      *zap.Logger
	root        string
	self        string
	sessionDone chan struct{}
	registerRetries int
}

// New builds a Manager rooted at coordinationRoot/clusterName. self is
// this process's own hostport, used by set_local_state/
// list_local_collections and the live-node registration path.
func New(store coordstore.Client, coordinationRoot, clusterName, self string, logger *zap.Logger) *Manager {
	return &Manager{
		store:           store,
		logger:          logger,
		root:            joinSeg(coordinationRoot, clusterName),
		self:            self,
		registerRetries: 5,
	}
}

// Startup connects the cache, ensures the base paths exist, and starts a
// single goroutine funnelling session events to watchSessionEvents —
// spec §9 requires business logic never run on the store adapter's own
// callback goroutine.
func (m *Manager) Startup(ctx context.Context) error {
	for _, seg := range []string{m.root, joinSeg(m.root, liveNodesSeg), joinSeg(m.root, collectionsSeg)} {
		if err := m.ensurePath(ctx, seg); err != nil {
			return apierr.Wrap(apierr.KindCoordinationFatal, err, "ensure base path "+seg)
		}
	}

	cache, err := m.store.Cache(ctx, m.root)
	if err != nil {
		return apierr.Wrap(apierr.KindCoordinationFatal, err, "start cache")
	}
	m.cache = cache

	m.sessionDone = make(chan struct{})
	go m.watchSessionEvents()
	return nil
}

// Shutdown closes the cache and the underlying session.
func (m *Manager) Shutdown() error {
	if m.cache != nil {
		m.cache.Close()
	}
	if m.sessionDone != nil {
		close(m.sessionDone)
	}
	return m.store.Close()
}

func (m *Manager) watchSessionEvents() {
	for {
		select {
		case <-m.sessionDone:
			return
		case evt, ok := <-m.store.SessionEvents():
			if !ok {
				return
			}
			switch evt.Kind {
			case coordstore.SessionLost:
				m.logger.Warn("coordination session lost; cache frozen until reconnect")
			case coordstore.SessionSuspended:
				m.logger.Warn("coordination session suspended")
			case coordstore.SessionConnected:
				m.logger.Info("coordination session (re)connected")
			}
		}
	}
}

func (m *Manager) ensurePath(ctx context.Context, path string) error {
	_, _, err := m.store.Get(ctx, path)
	if err == nil {
		return nil
	}
	if idx := strings.LastIndex(path, "/"); idx > 0 {
		if err := m.ensurePath(ctx, path[:idx]); err != nil {
			return err
		}
	}
	createErr := m.store.Create(ctx, path, nil, false)
	if createErr != nil && !errors.Is(createErr, coordstore.ErrNodeExists) {
		return createErr
	}
	return nil
}

// RegisterSearcher creates this node's ephemeral live-node znode,
// retrying on ephemeral-exists collisions from a stale prior session
// (spec §4.2).
func (m *Manager) RegisterSearcher(ctx context.Context) error {
	path := joinSeg(m.root, liveNodesSeg, m.self)
	var lastErr error
	for attempt := 0; attempt < m.registerRetries; attempt++ {
		err := m.store.Create(ctx, path, nil, true)
		if err == nil {
			return nil
		}
		if !errors.Is(err, coordstore.ErrNodeExists) {
			return apierr.Wrap(apierr.KindCoordinationTransient, err, "register searcher")
		}
		lastErr = err
		_ = m.store.Delete(ctx, path, false)
	}
	return apierr.Wrap(apierr.KindCoordinationFatal, lastErr, "register searcher: exhausted retries")
}

// RegisterMerger is a no-op: mergers never appear in live_nodes (spec
// §4.2).
func (m *Manager) RegisterMerger(context.Context) error { return nil }

// collectionPayload is the JSON shape persisted at a collection znode; it
// excludes shards, which live at their own child znodes.
type collectionPayload struct {
	ReplicationFactor int  `json:"replication_factor"`
	EnableIDToVector  bool `json:"enable_id_to_vector"`
	Dimension         int  `json:"dimension"`
}

type shardPayload struct {
	Index  api.IndexDescriptor `json:"index"`
	Weight float64             `json:"weight"`
}

type replicaPayload struct {
	State api.ReplicaState `json:"state"`
}

// AddCollections creates the collection/shards/replicas subtree for each
// collection in one transaction, with all replicas starting BOOTING. If
// the commit fails the whole transaction is rolled back and a nil slice is
// returned with a nil error (spec §4.2); a payload that cannot be
// marshalled returns an error before anything is committed.
func (m *Manager) AddCollections(ctx context.Context, collections []api.Collection) ([]api.Collection, error) {
	txn := m.store.Transaction()
	for _, col := range collections {
		cpath := joinSeg(m.root, collectionsSeg, col.Name)
		cBytes, err := json.Marshal(collectionPayload{
			ReplicationFactor: col.ReplicationFactor,
			EnableIDToVector:  col.EnableIDToVector,
			Dimension:         col.Dimension,
		})
		if err != nil {
			return nil, apierr.Wrap(apierr.KindSerialization, err, "marshal collection "+col.Name)
		}
		txn.Create(cpath, cBytes, false)
		txn.Create(joinSeg(cpath, shardsSeg), nil, false)

		for _, shard := range col.Shards {
			spath := joinSeg(cpath, shardsSeg, shard.Name)
			sBytes, err := json.Marshal(shardPayload{Index: shard.Index, Weight: shard.Weight})
			if err != nil {
				return nil, apierr.Wrap(apierr.KindSerialization, err, "marshal shard "+shard.Name)
			}
			txn.Create(spath, sBytes, false)
			txn.Create(joinSeg(spath, replicasSeg), nil, false)

			for _, replica := range shard.Replicas {
				rpath := joinSeg(spath, replicasSeg, replica.Node.Hostport)
				rBytes, err := json.Marshal(replicaPayload{State: api.StateBooting})
				if err != nil {
					return nil, apierr.Wrap(apierr.KindSerialization, err, "marshal replica "+replica.Node.Hostport)
				}
				txn.Create(rpath, rBytes, false)
			}
		}
	}

	if _, err := txn.Commit(ctx); err != nil {
		m.logger.Error("add_collections transaction failed", zap.Error(err))
		return nil, nil
	}
	return collections, nil
}

// DeleteCollections enumerates and deletes the named collections' subtrees
// in one transaction. A collection znode always has a shards container and
// each shard a replicas container (AddCollections creates them even for a
// shard with no replicas yet), so a real store's Multi delete of the bare
// collection path fails with ErrNotEmpty; every descendant must be staged
// explicitly, deepest-first.
func (m *Manager) DeleteCollections(ctx context.Context, names []string) ([]string, error) {
	txn := m.store.Transaction()
	for _, name := range names {
		if err := m.stageDeleteCollection(ctx, txn, joinSeg(m.root, collectionsSeg, name)); err != nil {
			return nil, err
		}
	}
	if _, err := txn.Commit(ctx); err != nil {
		return nil, apierr.Wrap(apierr.KindCoordinationTransient, err, "delete_collections")
	}
	return names, nil
}

// stageDeleteCollection stages the delete of every znode under cpath
// (replicas, then each replicas container, then each shard, then the shards
// container) before staging cpath itself, so the transaction never asks the
// store to remove a node that still has children.
func (m *Manager) stageDeleteCollection(ctx context.Context, txn coordstore.Transaction, cpath string) error {
	spath := joinSeg(cpath, shardsSeg)
	shardNames, err := m.store.Children(ctx, spath)
	if err != nil && !errors.Is(err, coordstore.ErrNoNode) {
		return apierr.Wrap(apierr.KindCoordinationTransient, err, "list shards for delete")
	}

	for _, sname := range shardNames {
		shardPath := joinSeg(spath, sname)
		replicasPath := joinSeg(shardPath, replicasSeg)
		hostports, err := m.store.Children(ctx, replicasPath)
		if err != nil && !errors.Is(err, coordstore.ErrNoNode) {
			return apierr.Wrap(apierr.KindCoordinationTransient, err, "list replicas for delete")
		}
		for _, hp := range hostports {
			txn.Delete(joinSeg(replicasPath, hp))
		}
		txn.Delete(replicasPath)
		txn.Delete(shardPath)
	}
	txn.Delete(spath)
	txn.Delete(cpath)
	return nil
}

// ListNodes reads the children of live_nodes.
func (m *Manager) ListNodes(ctx context.Context) ([]api.Node, error) {
	kids, err := m.store.Children(ctx, joinSeg(m.root, liveNodesSeg))
	if err != nil {
		return nil, apierr.Wrap(apierr.KindCoordinationTransient, err, "list_nodes")
	}
	out := make([]api.Node, len(kids))
	for i, k := range kids {
		out[i] = api.Node{Hostport: k}
	}
	return out, nil
}

// ListCollections rehydrates the subtree for the named collections (or
// all of them if names is empty). When includeState is false, replica
// payloads are not fetched.
func (m *Manager) ListCollections(ctx context.Context, names []string, includeState bool) ([]api.Collection, error) {
	return m.listCollections(ctx, names, includeState, "")
}

// ListLocalCollections is ListCollections filtered to replicas owned by
// this manager's own hostport.
func (m *Manager) ListLocalCollections(ctx context.Context, includeState bool) ([]api.Collection, error) {
	return m.listCollections(ctx, nil, includeState, m.self)
}

func (m *Manager) listCollections(ctx context.Context, names []string, includeState bool, filterHostport string) ([]api.Collection, error) {
	base := joinSeg(m.root, collectionsSeg)
	if len(names) == 0 {
		kids, err := m.store.Children(ctx, base)
		if err != nil {
			return nil, apierr.Wrap(apierr.KindCoordinationTransient, err, "list_collections")
		}
		names = kids
	}

	var out []api.Collection
	for _, name := range names {
		col, err := m.rehydrateCollection(ctx, name, includeState, filterHostport)
		if err != nil {
			return nil, err
		}
		if col == nil {
			continue
		}
		out = append(out, *col)
	}
	return out, nil
}

func (m *Manager) rehydrateCollection(ctx context.Context, name string, includeState bool, filterHostport string) (*api.Collection, error) {
	cpath := joinSeg(m.root, collectionsSeg, name)
	data, _, err := m.store.Get(ctx, cpath)
	if err != nil {
		if errors.Is(err, coordstore.ErrNoNode) {
			return nil, nil
		}
		return nil, apierr.Wrap(apierr.KindCoordinationTransient, err, "get collection "+name)
	}
	var payload collectionPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, apierr.Wrap(apierr.KindDeserialization, err, "unmarshal collection "+name)
	}

	col := &api.Collection{
		Name:              name,
		ReplicationFactor: payload.ReplicationFactor,
		EnableIDToVector:  payload.EnableIDToVector,
		Dimension:         payload.Dimension,
	}

	shardNames, err := m.store.Children(ctx, joinSeg(cpath, shardsSeg))
	if err != nil {
		return nil, apierr.Wrap(apierr.KindCoordinationTransient, err, "list shards of "+name)
	}
	for _, sname := range shardNames {
		shard, err := m.rehydrateShard(ctx, cpath, sname, includeState, filterHostport)
		if err != nil {
			return nil, err
		}
		if shard == nil {
			continue
		}
		col.Shards = append(col.Shards, *shard)
	}

	if filterHostport != "" && len(col.Shards) == 0 {
		return nil, nil
	}
	return col, nil
}

func (m *Manager) rehydrateShard(ctx context.Context, cpath, sname string, includeState bool, filterHostport string) (*api.Shard, error) {
	spath := joinSeg(cpath, shardsSeg, sname)
	data, _, err := m.store.Get(ctx, spath)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindCoordinationTransient, err, "get shard "+sname)
	}
	var payload shardPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, apierr.Wrap(apierr.KindDeserialization, err, "unmarshal shard "+sname)
	}
	shard := &api.Shard{Name: sname, Index: payload.Index, Weight: payload.Weight}

	hostports, err := m.store.Children(ctx, joinSeg(spath, replicasSeg))
	if err != nil {
		return nil, apierr.Wrap(apierr.KindCoordinationTransient, err, "list replicas of "+sname)
	}
	for _, hp := range hostports {
		if filterHostport != "" && hp != filterHostport {
			continue
		}
		replica := api.Replica{Node: api.Node{Hostport: hp}}
		if includeState {
			rdata, _, err := m.store.Get(ctx, joinSeg(spath, replicasSeg, hp))
			if err != nil {
				return nil, apierr.Wrap(apierr.KindCoordinationTransient, err, "get replica "+hp)
			}
			var rpayload replicaPayload
			if err := json.Unmarshal(rdata, &rpayload); err != nil {
				return nil, apierr.Wrap(apierr.KindDeserialization, err, "unmarshal replica "+hp)
			}
			replica.State = rpayload.State
		}
		shard.Replicas = append(shard.Replicas, replica)
	}
	if filterHostport != "" && len(shard.Replicas) == 0 {
		return nil, nil
	}
	return shard, nil
}

// SetState transactionally sets state on every replica matching the
// given (optional) collection/shard/hostport filters.
func (m *Manager) SetState(ctx context.Context, state api.ReplicaState, cname, sname, hostport string) (bool, error) {
	paths, err := m.matchingReplicaPaths(ctx, cname, sname, hostport)
	if err != nil {
		return false, err
	}
	if len(paths) == 0 {
		return false, nil
	}

	payload, err := json.Marshal(replicaPayload{State: state})
	if err != nil {
		return false, apierr.Wrap(apierr.KindSerialization, err, "marshal replica state")
	}

	txn := m.store.Transaction()
	for _, p := range paths {
		txn.Set(p, payload)
	}
	if _, err := txn.Commit(ctx); err != nil {
		return false, apierr.Wrap(apierr.KindCoordinationTransient, err, "set_state")
	}
	return true, nil
}

// SetLocalState is SetState restricted to this manager's own hostport.
func (m *Manager) SetLocalState(ctx context.Context, state api.ReplicaState, cname, sname string) (bool, error) {
	return m.SetState(ctx, state, cname, sname, m.self)
}

func (m *Manager) matchingReplicaPaths(ctx context.Context, cname, sname, hostport string) ([]string, error) {
	base := joinSeg(m.root, collectionsSeg)
	cnames := []string{cname}
	if cname == "" {
		kids, err := m.store.Children(ctx, base)
		if err != nil {
			return nil, apierr.Wrap(apierr.KindCoordinationTransient, err, "list collections for set_state")
		}
		cnames = kids
	}

	var paths []string
	for _, c := range cnames {
		spath := joinSeg(base, c, shardsSeg)
		snames := []string{sname}
		if sname == "" {
			kids, err := m.store.Children(ctx, spath)
			if err != nil {
				continue
			}
			snames = kids
		}
		for _, s := range snames {
			rpath := joinSeg(spath, s, replicasSeg)
			hostports := []string{hostport}
			if hostport == "" {
				kids, err := m.store.Children(ctx, rpath)
				if err != nil {
					continue
				}
				hostports = kids
			}
			for _, hp := range hostports {
				paths = append(paths, joinSeg(rpath, hp))
			}
		}
	}
	return paths, nil
}

// GetSearchers returns, for each requested shard of cname, the hostports
// of replicas whose cached state is ACTIVE. It is cache-served (spec
// §4.2): shards with no active replica are omitted and logged.
func (m *Manager) GetSearchers(cname string, snames []string) ([]ShardHostports, error) {
	cpath := joinSeg(m.root, collectionsSeg, cname)
	if len(snames) == 0 {
		snames = m.cache.GetChildren(joinSeg(cpath, shardsSeg), nil)
	}

	var out []ShardHostports
	for _, sname := range snames {
		rpath := joinSeg(cpath, shardsSeg, sname, replicasSeg)
		hostports := m.cache.GetChildren(rpath, nil)

		var active []string
		for _, hp := range hostports {
			data, ok := m.cache.GetData(joinSeg(rpath, hp))
			if !ok {
				continue
			}
			var rpayload replicaPayload
			if err := json.Unmarshal(data, &rpayload); err != nil {
				continue
			}
			if rpayload.State == api.StateActive {
				active = append(active, hp)
			}
		}
		if len(active) == 0 {
			m.logger.Warn("no active replica for shard", zap.String("collection", cname), zap.String("shard", sname))
			continue
		}
		out = append(out, ShardHostports{Shard: sname, Hostports: active})
	}
	return out, nil
}

// ShardHostports is one GetSearchers result entry.
type ShardHostports struct {
	Shard     string
	Hostports []string
}

func joinSeg(segs ...string) string {
	var b strings.Builder
	for _, s := range segs {
		s = strings.TrimSuffix(s, "/")
		if s == "" {
			continue
		}
		if !strings.HasPrefix(s, "/") {
			b.WriteString("/")
		}
		b.WriteString(s)
	}
	if b.Len() == 0 {
		return "/"
	}
	return b.String()
}
