// Package api defines Needlestack's wire-boundary shapes (spec §6): the
// message structs and RPC-client interfaces shared between the Merger and
// Searcher services. Wire (de)serialization itself is an external
// collaborator (spec §1); this package fixes the Go-native shapes those
// bindings would eventually marshal, so the rest of the module can depend
// on stable types today.
package api

import "github.com/dreamware/needlestack/internal/ndarray"

// ReplicaState is the lifecycle state of a single Replica znode payload,
// per spec §3 invariant 3: BOOTING → ACTIVE on successful load, BOOTING →
// DOWN on load failure, ACTIVE → RECOVERING before a reload.
type ReplicaState int

const (
	StateBooting ReplicaState = iota
	StateActive
	StateDown
	StateRecovering
)

func (s ReplicaState) String() string {
	switch s {
	case StateBooting:
		return "BOOTING"
	case StateActive:
		return "ACTIVE"
	case StateDown:
		return "DOWN"
	case StateRecovering:
		return "RECOVERING"
	default:
		return "UNKNOWN"
	}
}

// DataSource is the tagged variant spec §3 names for an IndexDescriptor's
// backing data: exactly one of LocalFile or Blob is populated.
type DataSource struct {
	LocalFile   *LocalFileSource
	Blob        *BlobSource
	ModifiedAt  int64
}

type LocalFileSource struct {
	Path string
}

type BlobSource struct {
	Bucket      string
	Object      string
	Project     string
	Credentials string
}

// IndexDescriptor names the backend type and its data source. Only
// FaissLike is required by spec §4.5; the tag is the backend selector
// evaluated by internal/localcollection when constructing a Collection.
type IndexDescriptor struct {
	FaissLike *FaissLikeDescriptor
}

type FaissLikeDescriptor struct {
	Source DataSource
}

// Node identifies a cluster member by hostport (spec §3: "identity is
// hostport"); presence in live_nodes is ephemeral.
type Node struct {
	Hostport string
}

// Replica is (collection, shard, hostport) plus its lifecycle state.
type Replica struct {
	Node  Node
	State ReplicaState
}

// Shard is (collection, shard_name) plus its weight and index descriptor.
type Shard struct {
	Name     string
	Index    IndexDescriptor
	Replicas []Replica
	Weight   float64
}

// Collection is the top-level admin entity: a unique name, a replication
// factor, and the enable_id_to_vector flag controlling whether backends
// build an id→row index.
type Collection struct {
	Name              string
	ReplicationFactor int
	EnableIDToVector  bool
	Dimension         int
	Shards            []Shard
}

// MetadataField is one named, typed attribute of a Metadata record.
// Exactly one of the value fields is meaningful; Name is optional (spec
// §6 marks it with "?").
type MetadataField struct {
	Name      string
	StringVal string
	DoubleVal float64
	FloatVal  float32
	LongVal   int64
	IntVal    int32
	BoolVal   bool
	ValueKind MetadataFieldKind
}

type MetadataFieldKind int

const (
	FieldKindString MetadataFieldKind = iota
	FieldKindDouble
	FieldKindFloat
	FieldKindLong
	FieldKindInt
	FieldKindBool
)

// Metadata is the per-vector record: an id unique within a shard plus a
// list of named typed fields.
type Metadata struct {
	ID     string
	Fields []MetadataField
}

// SearchResultItem pairs a distance (float32 or float64 precision,
// mirroring spec §6's "float_distance | double_distance" union) with the
// metadata of the matched vector.
type SearchResultItem struct {
	Metadata       Metadata
	FloatDistance  *float32
	DoubleDistance *float64
}

// Distance returns the item's distance as float64 regardless of which
// precision the backend populated, for use by the merger's ordering key.
func (i SearchResultItem) Distance() float64 {
	if i.DoubleDistance != nil {
		return *i.DoubleDistance
	}
	if i.FloatDistance != nil {
		return float64(*i.FloatDistance)
	}
	return 0
}

type SearchRequest struct {
	CollectionName string
	Vector         ndarray.NDArray
	Count          int
	ShardNames     []string
}

type SearchResponse struct {
	Items []SearchResultItem
}

type RetrieveRequest struct {
	ID             string
	CollectionName string
	ShardNames     []string
}

type RetrievalResultItem struct {
	Vector   ndarray.NDArray
	Metadata Metadata
}

type RetrieveResponse struct {
	Item *RetrievalResultItem
}

type CollectionsAddRequest struct {
	Collections []Collection
	Noop        bool
}

type CollectionsAddResponse struct {
	Collections []Collection
	Success     bool
}

type CollectionsDeleteRequest struct {
	Names []string
	Noop  bool
}

type CollectionsDeleteResponse struct {
	Names   []string
	Success bool
}

type CollectionsListRequest struct {
	Names         []string
	IncludeState  bool
}

type CollectionsListResponse struct {
	Collections []Collection
}

type CollectionsLoadRequest struct{}

type CollectionsLoadResponse struct {
	Success bool
}

// HealthStatus mirrors the standard grpc.health.v1 enum spec §6 names.
type HealthStatus int

const (
	HealthUnknown HealthStatus = iota
	HealthServing
	HealthNotServing
)

type HealthCheckRequest struct {
	Service string
}

type HealthCheckResponse struct {
	Status HealthStatus
}
