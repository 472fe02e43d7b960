package api

import "context"

// SearcherClient is the RPC surface a Searcher node exposes to a Merger
// (spec §6): per-shard search/retrieve and an admin reload hook.
type SearcherClient interface {
	Search(ctx context.Context, req *SearchRequest) (*SearchResponse, error)
	Retrieve(ctx context.Context, req *RetrieveRequest) (*RetrieveResponse, error)
	CollectionsLoad(ctx context.Context, req *CollectionsLoadRequest) (*CollectionsLoadResponse, error)
}

// MergerClient is the RPC surface a Merger exposes to external callers
// (spec §6): the query path plus collection administration.
type MergerClient interface {
	Search(ctx context.Context, req *SearchRequest) (*SearchResponse, error)
	Retrieve(ctx context.Context, req *RetrieveRequest) (*RetrieveResponse, error)
	CollectionsAdd(ctx context.Context, req *CollectionsAddRequest) (*CollectionsAddResponse, error)
	CollectionsDelete(ctx context.Context, req *CollectionsDeleteRequest) (*CollectionsDeleteResponse, error)
	CollectionsLoad(ctx context.Context, req *CollectionsLoadRequest) (*CollectionsLoadResponse, error)
	CollectionsList(ctx context.Context, req *CollectionsListRequest) (*CollectionsListResponse, error)
}

// HealthClient mirrors the standard grpc health-checking service, shared
// by both Merger and Searcher endpoints.
type HealthClient interface {
	Check(ctx context.Context, req *HealthCheckRequest) (*HealthCheckResponse, error)
}
