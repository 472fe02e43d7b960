package indexbackend

import (
	"fmt"
	"sync"

	"github.com/dreamware/needlestack/internal/api"
)

// Registry maps an IndexDescriptor's tag to the Factory that constructs
// backends for it, mirroring the teacher's pattern of one pluggable
// interface (storage.Store) with a fixed set of concrete
// implementations — here the set is open for extension instead of fixed,
// since spec §4.5 allows "other backends pluggable via the
// IndexDescriptor tagged variant".
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register installs factory under tag, overwriting any previous
// registration — callers register once at process startup, typically
// from an init-time call in cmd/searcher.
func (r *Registry) Register(tag string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[tag] = factory
}

// Build constructs a Backend for desc using the registered factory for
// its tag.
func (r *Registry) Build(desc api.IndexDescriptor, enableIDToVector bool) (Backend, error) {
	tag, err := tagOf(desc)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	factory, ok := r.factories[tag]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("indexbackend: no factory registered for tag %q", tag)
	}
	return factory(desc, enableIDToVector)
}

func tagOf(desc api.IndexDescriptor) (string, error) {
	if desc.FaissLike != nil {
		return "faiss_like", nil
	}
	return "", fmt.Errorf("indexbackend: IndexDescriptor has no populated variant")
}
