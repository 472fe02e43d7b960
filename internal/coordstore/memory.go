package coordstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// memoryNode is one path's stored payload, grounded on torua's
// storage.MemoryStore entry: data is copied in and out to prevent
// external mutation, and ephemeral marks nodes removed on Close (the
// in-process stand-in for session loss).
type memoryNode struct {
	data      []byte
	ephemeral bool
	version   int32
}

// MemoryClient implements Client entirely in-process, grounded on
// internal/storage.MemoryStore generalized from a flat key-value map to a
// path tree with parent/child listing. It is used by unit tests for C2–C4
// so the domain logic can be exercised without a live coordination
// ensemble, mirroring the teacher's own pluggable-Store-with-one-
// in-memory-implementation pattern.
type MemoryClient struct {
	nodes   map[string]*memoryNode
	events  chan SessionEvent
	mu      sync.RWMutex
	closed  bool
}

// NewMemoryClient returns a MemoryClient with its root path already
// present, ready for use in tests.
func NewMemoryClient() *MemoryClient {
	m := &MemoryClient{
		nodes:  map[string]*memoryNode{"/": {}},
		events: make(chan SessionEvent, 16),
	}
	m.events <- SessionEvent{Kind: SessionConnected}
	return m
}

func (m *MemoryClient) Create(_ context.Context, path string, data []byte, ephemeral bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[path]; ok {
		return fmt.Errorf("%w: %s", ErrNodeExists, path)
	}
	parent := parentOf(path)
	if parent != "" {
		if _, ok := m.nodes[parent]; !ok {
			return fmt.Errorf("%w: parent %s missing for %s", ErrNoNode, parent, path)
		}
	}
	stored := make([]byte, len(data))
	copy(stored, data)
	m.nodes[path] = &memoryNode{data: stored, ephemeral: ephemeral}
	return nil
}

func (m *MemoryClient) Set(_ context.Context, path string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[path]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoNode, path)
	}
	stored := make([]byte, len(data))
	copy(stored, data)
	n.data = stored
	n.version++
	return nil
}

func (m *MemoryClient) Get(_ context.Context, path string) ([]byte, Stat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[path]
	if !ok {
		return nil, Stat{}, fmt.Errorf("%w: %s", ErrNoNode, path)
	}
	out := make([]byte, len(n.data))
	copy(out, n.data)
	return out, Stat{Version: n.version}, nil
}

func (m *MemoryClient) Delete(_ context.Context, path string, recursive bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[path]; !ok {
		return fmt.Errorf("%w: %s", ErrNoNode, path)
	}
	kids := m.childrenLocked(path)
	if len(kids) > 0 && !recursive {
		return fmt.Errorf("coordstore: %s has children, recursive delete required", path)
	}
	prefix := joinPath(path, "")
	for p := range m.nodes {
		if strings.HasPrefix(p, prefix) {
			delete(m.nodes, p)
		}
	}
	delete(m.nodes, path)
	return nil
}

func (m *MemoryClient) Children(_ context.Context, path string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.nodes[path]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoNode, path)
	}
	return m.childrenLocked(path), nil
}

func (m *MemoryClient) childrenLocked(path string) []string {
	var out []string
	prefix := path
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	for p := range m.nodes {
		if p == path || !strings.HasPrefix(p, prefix) {
			continue
		}
		rest := strings.TrimPrefix(p, prefix)
		if !strings.Contains(rest, "/") {
			out = append(out, rest)
		}
	}
	sort.Strings(out)
	return out
}

func parentOf(path string) string {
	trimmed := strings.TrimSuffix(path, "/")
	idx := strings.LastIndex(trimmed, "/")
	if idx <= 0 {
		return "/"
	}
	return trimmed[:idx]
}

// Transaction returns an in-memory transaction handle that applies staged
// ops against a copy of the node map and only commits the copy back on
// success, giving the all-or-nothing semantics spec §4.1 requires.
func (m *MemoryClient) Transaction() Transaction {
	return &memoryTxn{client: m}
}

type memoryOp struct {
	kind      string
	path      string
	data      []byte
	ephemeral bool
}

type memoryTxn struct {
	client *MemoryClient
	ops    []memoryOp
}

func (t *memoryTxn) Create(path string, data []byte, ephemeral bool) {
	t.ops = append(t.ops, memoryOp{kind: "create", path: path, data: data, ephemeral: ephemeral})
}

func (t *memoryTxn) Set(path string, data []byte) {
	t.ops = append(t.ops, memoryOp{kind: "set", path: path, data: data})
}

func (t *memoryTxn) Delete(path string) {
	t.ops = append(t.ops, memoryOp{kind: "delete", path: path})
}

func (t *memoryTxn) Commit(ctx context.Context) ([]OpResult, error) {
	t.client.mu.Lock()
	defer t.client.mu.Unlock()

	snapshot := make(map[string]*memoryNode, len(t.client.nodes))
	for p, n := range t.client.nodes {
		cp := *n
		snapshot[p] = &cp
	}

	results := make([]OpResult, len(t.ops))
	var firstErr error
	for i, op := range t.ops {
		var err error
		switch op.kind {
		case "create":
			if _, ok := snapshot[op.path]; ok {
				err = fmt.Errorf("%w: %s", ErrNodeExists, op.path)
			} else {
				stored := make([]byte, len(op.data))
				copy(stored, op.data)
				snapshot[op.path] = &memoryNode{data: stored, ephemeral: op.ephemeral}
			}
		case "set":
			n, ok := snapshot[op.path]
			if !ok {
				err = fmt.Errorf("%w: %s", ErrNoNode, op.path)
			} else {
				stored := make([]byte, len(op.data))
				copy(stored, op.data)
				n.data = stored
				n.version++
			}
		case "delete":
			if _, ok := snapshot[op.path]; !ok {
				err = fmt.Errorf("%w: %s", ErrNoNode, op.path)
			} else {
				delete(snapshot, op.path)
			}
		}
		results[i] = OpResult{Err: err}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if firstErr != nil {
		return results, firstErr
	}
	t.client.nodes = snapshot
	return results, nil
}

// Cache starts a poll loop over the in-memory tree. Polling (rather than
// direct aliasing) keeps MemoryClient's staleness behavior representative
// of the real store adapter for tests that assert on cache-window effects.
func (m *MemoryClient) Cache(ctx context.Context, rootPath string) (*Cache, error) {
	fetch := func(_ context.Context, path string) ([]byte, []string, bool) {
		m.mu.RLock()
		defer m.mu.RUnlock()
		n, ok := m.nodes[path]
		if !ok {
			return nil, nil, false
		}
		return n.data, m.childrenLocked(path), true
	}
	return newCache(ctx, rootPath, 50*time.Millisecond, fetch), nil
}

func (m *MemoryClient) SessionEvents() <-chan SessionEvent {
	return m.events
}

func (m *MemoryClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for p, n := range m.nodes {
		if n.ephemeral {
			delete(m.nodes, p)
		}
	}
	close(m.events)
	return nil
}
