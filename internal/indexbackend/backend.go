// Package indexbackend defines the contract the Local Collection Manager
// requires from any vector index implementation (C5), generalized from
// internal/storage.Store in the teacher: a minimal interface plus one
// in-memory reference implementation, swappable by tag.
package indexbackend

import (
	"context"

	"github.com/dreamware/needlestack/internal/api"
	"github.com/dreamware/needlestack/internal/ndarray"
)

// Backend is the contract a Shard's loaded index must satisfy (spec
// §4.5). Dimension and Count are valid only after a successful Load.
type Backend interface {
	Dimension() int
	Count() int

	// Load fetches the data source if UpdateAvailable reports a newer
	// version, deserializes it, and (if enableIDToVector) builds the
	// id→row auxiliary index consulted by Retrieve.
	Load(ctx context.Context) error

	// UpdateAvailable reports whether the data source has changed since
	// the last successful Load (spec §4.4 step 6).
	UpdateAvailable(ctx context.Context) (bool, error)

	// KNNSearch returns, for a batch of B query rows in x, the k'
	// nearest distances and ids per row (k' = min(k, Count())).
	// Distances are ascending-is-better.
	KNNSearch(x *ndarray.NDArray, k int) (dists [][]float64, ids [][]int, err error)

	// Query wraps KNNSearch, filling each result with (distance,
	// metadata).
	Query(x *ndarray.NDArray, k int) ([][]api.SearchResultItem, error)

	// Retrieve returns the stored vector and metadata for id, or nil if
	// id is unknown. With enableIDToVector false it returns an apierr
	// with KindUnsupportedIndexOperation.
	Retrieve(id string) (*api.RetrievalResultItem, error)

	// AddVectors and SetVectors are optional; backends that do not
	// support mutation return apierr with KindUnsupportedIndexOperation.
	AddVectors(vectors *ndarray.NDArray, metadata []api.Metadata) error
	SetVectors(vectors *ndarray.NDArray, metadata []api.Metadata) error
}

// Factory constructs a Backend for the given IndexDescriptor tag. Only
// FaissLike is required by spec §4.5; additional backends register
// themselves into a Registry (see registry.go) keyed by tag.
type Factory func(desc api.IndexDescriptor, enableIDToVector bool) (Backend, error)
