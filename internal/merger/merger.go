// Package merger implements the stateless Merger query engine (C6): query
// fan-out to Searchers, streaming top-k merge, and collection
// administration. It is grounded on the teacher's cmd/coordinator
// handlers (handleBroadcast's node fan-out, handleData's single-target
// proxy) generalized from a raw sync.WaitGroup broadcast loop to an
// errgroup.WithContext fan-out that respects the caller's RPC deadline
// (spec §5 Cancellation), and on the GoSearch-style Coordinator.Search
// seven-step fan-out/merge algorithm.
package merger

import (
	"container/heap"
	"context"
	"fmt"
	"math/rand"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"

	"github.com/dreamware/needlestack/internal/api"
	"github.com/dreamware/needlestack/internal/apierr"
	"github.com/dreamware/needlestack/internal/clientpool"
	"github.com/dreamware/needlestack/internal/clustermgr"
	"github.com/dreamware/needlestack/internal/placement"
)

// clusterManager is the subset of clustermgr.Manager the Merger depends
// on, kept narrow so tests can supply a fake.
type clusterManager interface {
	GetSearchers(cname string, snames []string) ([]clustermgr.ShardHostports, error)
	ListNodes(ctx context.Context) ([]api.Node, error)
	ListCollections(ctx context.Context, names []string, includeState bool) ([]api.Collection, error)
	AddCollections(ctx context.Context, collections []api.Collection) ([]api.Collection, error)
	DeleteCollections(ctx context.Context, names []string) ([]string, error)
}

// Merger is the stateless query coordinator.
type Merger struct {
	cluster clusterManager
	pool    *clientpool.TypedPool
	logger  *zap.Logger
	rng     *rand.Rand
}

// New returns a Merger backed by cluster for topology and pool for
// outbound Searcher RPCs.
func New(cluster clusterManager, pool *clientpool.TypedPool, logger *zap.Logger) *Merger {
	return &Merger{cluster: cluster, pool: pool, logger: logger, rng: rand.New(rand.NewSource(1))}
}

// Search implements spec §4.6's Search algorithm.
func (m *Merger) Search(ctx context.Context, req *api.SearchRequest) (*api.SearchResponse, error) {
	pairs, err := m.cluster.GetSearchers(req.CollectionName, req.ShardNames)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindCoordinationTransient, err, "get_searchers")
	}

	groups := m.groupByHostport(pairs)

	g, gctx := errgroup.WithContext(ctx)
	responses := make([]*api.SearchResponse, len(groups))
	for i, grp := range groups {
		i, grp := i, grp
		g.Go(func() error {
			stub, err := m.pool.GetSearcherStub(gctx, grp.hostport, "")
			if err != nil {
				return apierr.Remote(codes.Unavailable, "dial searcher "+grp.hostport+": "+err.Error())
			}
			resp, err := stub.Search(gctx, &api.SearchRequest{
				CollectionName: req.CollectionName,
				Vector:         req.Vector,
				Count:          req.Count,
				ShardNames:     grp.shards,
			})
			if err != nil {
				return err
			}
			responses[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	nonNil := make([]*api.SearchResponse, 0, len(responses))
	for _, r := range responses {
		if r != nil {
			nonNil = append(nonNil, r)
		}
	}

	switch len(nonNil) {
	case 0:
		return nil, apierr.New(apierr.KindUnknown, "Empty responses from Search")
	case 1:
		return nonNil[0], nil
	default:
		return &api.SearchResponse{Items: MergeSorted(nonNil, req.Count)}, nil
	}
}

// Retrieve implements spec §4.6's Retrieve: same fan-out shape as Search,
// returning the first response whose item carries a non-empty metadata
// id.
func (m *Merger) Retrieve(ctx context.Context, req *api.RetrieveRequest) (*api.RetrieveResponse, error) {
	pairs, err := m.cluster.GetSearchers(req.CollectionName, req.ShardNames)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindCoordinationTransient, err, "get_searchers")
	}
	groups := m.groupByHostport(pairs)

	g, gctx := errgroup.WithContext(ctx)
	responses := make([]*api.RetrieveResponse, len(groups))
	for i, grp := range groups {
		i, grp := i, grp
		g.Go(func() error {
			stub, err := m.pool.GetSearcherStub(gctx, grp.hostport, "")
			if err != nil {
				return apierr.Remote(codes.Unavailable, "dial searcher "+grp.hostport+": "+err.Error())
			}
			resp, err := stub.Retrieve(gctx, &api.RetrieveRequest{
				ID:             req.ID,
				CollectionName: req.CollectionName,
				ShardNames:     grp.shards,
			})
			if err != nil {
				return err
			}
			responses[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, r := range responses {
		if r != nil && r.Item != nil && r.Item.Metadata.ID != "" {
			return r, nil
		}
	}
	return nil, apierr.New(apierr.KindNotFound, fmt.Sprintf("id %q not found in collection %q", req.ID, req.CollectionName))
}

type hostportGroup struct {
	hostport string
	shards   []string
}

// groupByHostport picks one replica uniformly at random per shard and
// groups shards by the chosen hostport (spec §4.6 steps 2-3).
func (m *Merger) groupByHostport(pairs []clustermgr.ShardHostports) []hostportGroup {
	byHostport := make(map[string][]string)
	var order []string
	for _, p := range pairs {
		hp := pickReplica(p.Hostports, m.rng)
		if hp == "" {
			continue
		}
		if _, seen := byHostport[hp]; !seen {
			order = append(order, hp)
		}
		byHostport[hp] = append(byHostport[hp], p.Shard)
	}
	groups := make([]hostportGroup, len(order))
	for i, hp := range order {
		groups[i] = hostportGroup{hostport: hp, shards: byHostport[hp]}
	}
	return groups
}

func pickReplica(hostports []string, rng *rand.Rand) string {
	if len(hostports) == 0 {
		return ""
	}
	if len(hostports) == 1 {
		return hostports[0]
	}
	return hostports[rng.Intn(len(hostports))]
}

// CollectionsAdd validates name uniqueness, runs the Placement Solver
// against current nodes and placement, and (unless noop) persists and
// broadcasts a reload (spec §4.6).
func (m *Merger) CollectionsAdd(ctx context.Context, req *api.CollectionsAddRequest) (*api.CollectionsAddResponse, error) {
	existing, err := m.cluster.ListCollections(ctx, nil, false)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindCoordinationTransient, err, "list_collections")
	}
	existingNames := make(map[string]struct{}, len(existing))
	for _, c := range existing {
		existingNames[c.Name] = struct{}{}
	}
	for _, c := range req.Collections {
		if _, dup := existingNames[c.Name]; dup {
			return nil, apierr.New(apierr.KindAlreadyExists, "collection "+c.Name+" already exists")
		}
	}

	nodes, err := m.cluster.ListNodes(ctx)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindCoordinationTransient, err, "list_nodes")
	}
	placed, err := m.placeCollections(req.Collections, existing, nodes)
	if err != nil {
		return nil, err
	}

	if req.Noop {
		return &api.CollectionsAddResponse{Collections: placed, Success: true}, nil
	}

	added, err := m.cluster.AddCollections(ctx, placed)
	if err != nil {
		return nil, err
	}
	success := m.broadcastLoad(ctx, nodes)
	return &api.CollectionsAddResponse{Collections: added, Success: success}, nil
}

// placeCollections runs the Placement Solver for newCollections against
// the current node set, seeding each node's knapsack with the weight and
// count of shards it already holds so new placements spread load evenly
// across existing occupancy (spec §4.3: solver "does not move existing
// items").
func (m *Merger) placeCollections(newCollections, existingCollections []api.Collection, nodes []api.Node) ([]api.Collection, error) {
	knapsacks := make([]*placement.Knapsack, len(nodes))
	knapsackByHostport := make(map[string]*placement.Knapsack, len(nodes))
	for i, n := range nodes {
		k := placement.NewKnapsack(n.Hostport, 0)
		knapsackByHostport[n.Hostport] = k
		knapsacks[i] = k
	}
	for _, c := range existingCollections {
		for _, s := range c.Shards {
			for _, r := range s.Replicas {
				if k, ok := knapsackByHostport[r.Node.Hostport]; ok {
					weight := s.Weight
					if weight == 0 {
						weight = 1.0
					}
					k.Weight += weight
					k.Count++
					k.Items[c.Name+"/"+s.Name] = struct{}{}
				}
			}
		}
	}

	var newItems []placement.Item
	weightByKey := make(map[string]float64)
	for ci, c := range newCollections {
		copies := c.ReplicationFactor
		if copies <= 0 {
			copies = 1
		}
		if copies > len(nodes) {
			m.logger.Warn("replication_factor exceeds node count", zap.String("collection", c.Name), zap.Int("replication_factor", copies), zap.Int("nodes", len(nodes)))
			copies = len(nodes)
		}
		for si, s := range c.Shards {
			weight := s.Weight
			if weight == 0 {
				weight = 1.0
			}
			newCollections[ci].Shards[si].Weight = weight
			weightByKey[c.Name+"/"+s.Name] = weight
			newItems = append(newItems, placement.Item{Collection: c.Name, Shard: s.Name, Weight: weight, Copies: copies})
		}
	}

	if err := placement.Add(newItems, knapsacks); err != nil {
		return nil, apierr.Wrap(apierr.KindCapacityExceeded, err, "placement solver")
	}

	placementByShard := make(map[string][]string)
	for _, k := range knapsacks {
		for key := range k.Items {
			placementByShard[key] = append(placementByShard[key], k.Hostport)
		}
	}
	for key := range placementByShard {
		sort.Strings(placementByShard[key])
	}

	for ci, c := range newCollections {
		for si, s := range c.Shards {
			hostports := placementByShard[c.Name+"/"+s.Name]
			replicas := make([]api.Replica, len(hostports))
			for i, hp := range hostports {
				replicas[i] = api.Replica{Node: api.Node{Hostport: hp}, State: api.StateBooting}
			}
			newCollections[ci].Shards[si].Replicas = replicas
		}
	}
	return newCollections, nil
}

// CollectionsDelete validates every name exists, then deletes and
// broadcasts a reload.
func (m *Merger) CollectionsDelete(ctx context.Context, req *api.CollectionsDeleteRequest) (*api.CollectionsDeleteResponse, error) {
	existing, err := m.cluster.ListCollections(ctx, req.Names, false)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindCoordinationTransient, err, "list_collections")
	}
	found := make(map[string]struct{}, len(existing))
	for _, c := range existing {
		found[c.Name] = struct{}{}
	}
	for _, name := range req.Names {
		if _, ok := found[name]; !ok {
			return nil, apierr.New(apierr.KindNotFound, "collection "+name+" does not exist")
		}
	}

	if req.Noop {
		return &api.CollectionsDeleteResponse{Names: req.Names, Success: true}, nil
	}

	deleted, err := m.cluster.DeleteCollections(ctx, req.Names)
	if err != nil {
		return nil, err
	}
	nodes, err := m.cluster.ListNodes(ctx)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindCoordinationTransient, err, "list_nodes")
	}
	success := m.broadcastLoad(ctx, nodes)
	return &api.CollectionsDeleteResponse{Names: deleted, Success: success}, nil
}

// CollectionsList passes through to list_collections.
func (m *Merger) CollectionsList(ctx context.Context, req *api.CollectionsListRequest) (*api.CollectionsListResponse, error) {
	cols, err := m.cluster.ListCollections(ctx, req.Names, req.IncludeState)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindCoordinationTransient, err, "list_collections")
	}
	return &api.CollectionsListResponse{Collections: cols}, nil
}

// broadcastLoad issues CollectionsLoad to every node in parallel and folds
// per-node successes into a single boolean, generalizing the teacher's
// handleBroadcast sequential-POST loop into a deadline-aware concurrent
// fan-out.
func (m *Merger) broadcastLoad(ctx context.Context, nodes []api.Node) bool {
	g, gctx := errgroup.WithContext(ctx)
	results := make([]bool, len(nodes))
	for i, n := range nodes {
		i, n := i, n
		g.Go(func() error {
			stub, err := m.pool.GetSearcherStub(gctx, n.Hostport, "")
			if err != nil {
				m.logger.Warn("broadcast load: dial failed", zap.String("node", n.Hostport), zap.Error(err))
				return nil
			}
			resp, err := stub.CollectionsLoad(gctx, &api.CollectionsLoadRequest{})
			if err != nil {
				m.logger.Warn("broadcast load: rpc failed", zap.String("node", n.Hostport), zap.Error(err))
				return nil
			}
			results[i] = resp.Success
			return nil
		})
	}
	_ = g.Wait()

	for _, ok := range results {
		if !ok {
			return false
		}
	}
	return true
}

// scoredItem backs the merge heap below.
type scoredItem struct {
	item     api.SearchResultItem
	listIdx  int
	itemIdx  int
}

type mergeHeap []scoredItem

func (h mergeHeap) Len() int            { return len(h) }
func (h mergeHeap) Less(i, j int) bool  { return h[i].item.Distance() < h[j].item.Distance() }
func (h mergeHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x interface{}) { *h = append(*h, x.(scoredItem)) }
func (h *mergeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// MergeSorted performs the streaming k-way merge spec §4.6 step 6
// requires: each input list is already sorted ascending by distance (a
// per-shard Searcher response); the output is the globally sorted prefix
// of length min(k, sum of list lengths), built with an O(k log N)
// min-heap over the N lists' current heads (spec §8 merge-correctness
// property).
func MergeSorted(responses []*api.SearchResponse, k int) []api.SearchResultItem {
	h := &mergeHeap{}
	heap.Init(h)
	for li, resp := range responses {
		if len(resp.Items) == 0 {
			continue
		}
		heap.Push(h, scoredItem{item: resp.Items[0], listIdx: li, itemIdx: 0})
	}

	var out []api.SearchResultItem
	for h.Len() > 0 && len(out) < k {
		top := heap.Pop(h).(scoredItem)
		out = append(out, top.item)

		next := top.itemIdx + 1
		if next < len(responses[top.listIdx].Items) {
			heap.Push(h, scoredItem{item: responses[top.listIdx].Items[next], listIdx: top.listIdx, itemIdx: next})
		}
	}
	return out
}
