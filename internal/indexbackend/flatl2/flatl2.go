// Package flatl2 implements Needlestack's one required reference backend
// (spec §4.5): an exhaustive flat L2-distance index, generalized from the
// teacher's internal/storage.MemoryStore (a flat in-memory map guarded by
// sync.RWMutex) to a dense vector matrix plus an optional id→row index.
package flatl2

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"gonum.org/v1/gonum/mat"

	"github.com/dreamware/needlestack/internal/api"
	"github.com/dreamware/needlestack/internal/apierr"
	"github.com/dreamware/needlestack/internal/indexbackend"
	"github.com/dreamware/needlestack/internal/ndarray"
)

// payload is the on-disk/on-blob shape a flat index is serialized to:
// the opaque vector matrix followed by its metadata list, per spec §6's
// "data-source layout".
type payload struct {
	ModifiedAtUnix int64          `json:"modified_at_unix"`
	Dimension      int            `json:"dimension"`
	Vectors        []float64      `json:"vectors"` // row-major, Count*Dimension
	Metadata       []api.Metadata `json:"metadata"`
}

// Backend is the flat-L2 reference implementation of
// indexbackend.Backend.
type Backend struct {
	source           api.DataSource
	enableIDToVector bool

	mu         sync.RWMutex
	vectors    *mat.Dense
	metadata   []api.Metadata
	idToRow    map[string]int
	dimension  int
	modifiedAt int64

	minioClient *minio.Client
}

// New constructs an unloaded flat-L2 Backend for desc. It satisfies
// indexbackend.Factory's signature so it can be registered under the
// "faiss_like" tag.
func New(desc api.IndexDescriptor, enableIDToVector bool) (indexbackend.Backend, error) {
	if desc.FaissLike == nil {
		return nil, apierr.New(apierr.KindUnsupportedIndexOperation, "flatl2 requires a faiss_like descriptor")
	}
	return &Backend{
		source:           desc.FaissLike.Source,
		enableIDToVector: enableIDToVector,
	}, nil
}

func (b *Backend) Dimension() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dimension
}

func (b *Backend) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.vectors == nil {
		return 0
	}
	rows, _ := b.vectors.Dims()
	return rows
}

// UpdateAvailable compares the data source's recorded modification time
// against the last successfully loaded copy (spec §4.4 step 6).
func (b *Backend) UpdateAvailable(ctx context.Context) (bool, error) {
	remoteModified, err := b.fetchModifiedTime(ctx)
	if err != nil {
		return false, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return remoteModified > b.modifiedAt, nil
}

func (b *Backend) fetchModifiedTime(ctx context.Context) (int64, error) {
	switch {
	case b.source.LocalFile != nil:
		info, err := os.Stat(b.source.LocalFile.Path)
		if err != nil {
			return 0, apierr.Wrap(apierr.KindCoordinationTransient, err, "stat local data source")
		}
		return info.ModTime().Unix(), nil
	case b.source.Blob != nil:
		client, err := b.blobClient()
		if err != nil {
			return 0, err
		}
		info, err := client.StatObject(ctx, b.source.Blob.Bucket, b.source.Blob.Object, minio.StatObjectOptions{})
		if err != nil {
			return 0, apierr.Wrap(apierr.KindCoordinationTransient, err, "stat blob data source")
		}
		return info.LastModified.Unix(), nil
	default:
		return 0, apierr.New(apierr.KindDeserialization, "DataSource has no populated variant")
	}
}

func (b *Backend) blobClient() (*minio.Client, error) {
	if b.minioClient != nil {
		return b.minioClient, nil
	}
	blob := b.source.Blob
	client, err := minio.New(blob.Project, &minio.Options{
		Creds:  credentials.NewStaticV4(blob.Credentials, blob.Credentials, ""),
		Secure: true,
	})
	if err != nil {
		return nil, apierr.Wrap(apierr.KindCoordinationFatal, err, "construct blob client")
	}
	b.minioClient = client
	return client, nil
}

// Load fetches the data source when nothing is loaded yet or the source is
// newer than the loaded copy, deserializes its vector matrix and metadata
// list, and (if enableIDToVector) builds the id→row index. The loaded
// copy's modification time is the later of the payload's recorded time and
// the source's own modification time.
func (b *Backend) Load(ctx context.Context) error {
	remoteModified, err := b.fetchModifiedTime(ctx)
	if err != nil {
		return err
	}
	b.mu.RLock()
	current := b.vectors != nil && remoteModified <= b.modifiedAt
	b.mu.RUnlock()
	if current {
		return nil
	}

	raw, err := b.fetchBytes(ctx)
	if err != nil {
		return err
	}

	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return apierr.Wrap(apierr.KindDeserialization, err, "unmarshal flatl2 payload")
	}
	if p.Dimension <= 0 {
		return apierr.New(apierr.KindDeserialization, "flatl2 payload has non-positive dimension")
	}
	rows := len(p.Vectors) / p.Dimension
	if rows*p.Dimension != len(p.Vectors) {
		return apierr.New(apierr.KindDeserialization, "flatl2 payload vector length not divisible by dimension")
	}
	if rows != len(p.Metadata) {
		return apierr.New(apierr.KindDeserialization, "flatl2 payload vector/metadata count mismatch")
	}

	dense := mat.NewDense(rows, p.Dimension, p.Vectors)

	var idToRow map[string]int
	if b.enableIDToVector {
		idToRow = make(map[string]int, rows)
		for i, md := range p.Metadata {
			idToRow[md.ID] = i
		}
	}

	modifiedAt := p.ModifiedAtUnix
	if remoteModified > modifiedAt {
		modifiedAt = remoteModified
	}

	b.mu.Lock()
	b.vectors = dense
	b.metadata = p.Metadata
	b.dimension = p.Dimension
	b.idToRow = idToRow
	b.modifiedAt = modifiedAt
	b.mu.Unlock()
	return nil
}

func (b *Backend) fetchBytes(ctx context.Context) ([]byte, error) {
	switch {
	case b.source.LocalFile != nil:
		data, err := os.ReadFile(b.source.LocalFile.Path)
		if err != nil {
			return nil, apierr.Wrap(apierr.KindCoordinationTransient, err, "read local data source")
		}
		return data, nil
	case b.source.Blob != nil:
		client, err := b.blobClient()
		if err != nil {
			return nil, err
		}
		obj, err := client.GetObject(ctx, b.source.Blob.Bucket, b.source.Blob.Object, minio.GetObjectOptions{})
		if err != nil {
			return nil, apierr.Wrap(apierr.KindCoordinationTransient, err, "get blob object")
		}
		defer obj.Close()
		data, err := io.ReadAll(obj)
		if err != nil {
			return nil, apierr.Wrap(apierr.KindCoordinationTransient, err, "read blob object")
		}
		return data, nil
	default:
		return nil, apierr.New(apierr.KindDeserialization, "DataSource has no populated variant")
	}
}

// KNNSearch computes exhaustive L2 distances between each row of x and
// every loaded vector, returning the k' = min(k, Count()) nearest per
// row, ascending.
func (b *Backend) KNNSearch(x *ndarray.NDArray, k int) ([][]float64, [][]int, error) {
	dense, err := ndarray.ToDense(*x)
	if err != nil {
		return nil, nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.vectors == nil {
		return nil, nil, apierr.New(apierr.KindUnsupportedIndexOperation, "flatl2 backend not loaded")
	}

	queryRows, queryDim := dense.Dims()
	if queryDim != b.dimension {
		return nil, nil, apierr.New(apierr.KindDimensionMismatch, fmt.Sprintf("query dimension %d does not match index dimension %d", queryDim, b.dimension))
	}

	count, _ := b.vectors.Dims()
	kPrime := k
	if kPrime > count {
		kPrime = count
	}

	dists := make([][]float64, queryRows)
	ids := make([][]int, queryRows)
	for r := 0; r < queryRows; r++ {
		type scored struct {
			dist float64
			row  int
		}
		scores := make([]scored, count)
		for row := 0; row < count; row++ {
			var sum float64
			for d := 0; d < queryDim; d++ {
				diff := dense.At(r, d) - b.vectors.At(row, d)
				sum += diff * diff
			}
			scores[row] = scored{dist: sum, row: row}
		}
		sort.Slice(scores, func(i, j int) bool { return scores[i].dist < scores[j].dist })

		rowDists := make([]float64, kPrime)
		rowIDs := make([]int, kPrime)
		for i := 0; i < kPrime; i++ {
			rowDists[i] = scores[i].dist
			rowIDs[i] = scores[i].row
		}
		dists[r] = rowDists
		ids[r] = rowIDs
	}
	return dists, ids, nil
}

// Query wraps KNNSearch, filling each result with (distance, metadata).
func (b *Backend) Query(x *ndarray.NDArray, k int) ([][]api.SearchResultItem, error) {
	dists, ids, err := b.KNNSearch(x, k)
	if err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([][]api.SearchResultItem, len(dists))
	for r := range dists {
		items := make([]api.SearchResultItem, len(dists[r]))
		for i, row := range ids[r] {
			d := dists[r][i]
			items[i] = api.SearchResultItem{
				DoubleDistance: &d,
				Metadata:       b.metadata[row],
			}
		}
		out[r] = items
	}
	return out, nil
}

// Retrieve returns the stored vector and metadata for id via the
// id→row index, or nil if id is unknown. If the index was not built
// (enable_id_to_vector=false) it returns a KindUnsupportedIndexOperation
// error.
func (b *Backend) Retrieve(id string) (*api.RetrievalResultItem, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.idToRow == nil {
		return nil, apierr.New(apierr.KindUnsupportedIndexOperation, "flatl2 backend has no id→vector index (enable_id_to_vector=false)")
	}
	row, ok := b.idToRow[id]
	if !ok {
		return nil, nil
	}

	vecRow := mat.Row(nil, row, b.vectors)
	wire, err := ndarray.FromDense(mat.NewDense(1, b.dimension, vecRow), ndarray.DTypeFloat64)
	if err != nil {
		return nil, err
	}
	return &api.RetrievalResultItem{Vector: wire, Metadata: b.metadata[row]}, nil
}

func (b *Backend) AddVectors(*ndarray.NDArray, []api.Metadata) error {
	return apierr.New(apierr.KindUnsupportedIndexOperation, "flatl2 backend does not support add_vectors")
}

func (b *Backend) SetVectors(*ndarray.NDArray, []api.Metadata) error {
	return apierr.New(apierr.KindUnsupportedIndexOperation, "flatl2 backend does not support set_vectors")
}
