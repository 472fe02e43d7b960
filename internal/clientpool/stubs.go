package clientpool

import (
	"context"

	"google.golang.org/grpc"

	"github.com/dreamware/needlestack/internal/api"
)

// StubConstructors lets a caller (typically cmd/merger) inject how each
// api client interface is built over a *grpc.ClientConn, since the actual
// generated stub types are out of this module's scope (spec §1).
type StubConstructors struct {
	Searcher func(*grpc.ClientConn) api.SearcherClient
	Merger   func(*grpc.ClientConn) api.MergerClient
	Health   func(*grpc.ClientConn) api.HealthClient
}

// TypedPool wraps Pool with spec §4.7's get_X_stub(hostport, creds?)
// family, one method per RPC service.
type TypedPool struct {
	pool         *Pool
	constructors StubConstructors
}

// NewTypedPool returns a TypedPool dialing through pool and building
// stubs with constructors.
func NewTypedPool(pool *Pool, constructors StubConstructors) *TypedPool {
	return &TypedPool{pool: pool, constructors: constructors}
}

func (t *TypedPool) GetSearcherStub(ctx context.Context, hostport, creds string) (api.SearcherClient, error) {
	return Stub(ctx, t.pool, Credentials{Hostport: hostport, Creds: creds}, "searcher", t.constructors.Searcher)
}

func (t *TypedPool) GetMergerStub(ctx context.Context, hostport, creds string) (api.MergerClient, error) {
	return Stub(ctx, t.pool, Credentials{Hostport: hostport, Creds: creds}, "merger", t.constructors.Merger)
}

func (t *TypedPool) GetHealthStub(ctx context.Context, hostport, creds string) (api.HealthClient, error) {
	return Stub(ctx, t.pool, Credentials{Hostport: hostport, Creds: creds}, "health", t.constructors.Health)
}

// CloseAll closes every underlying connection.
func (t *TypedPool) CloseAll() error {
	return t.pool.CloseAll()
}
