// Package coordstore implements the Coordination Store Adapter (C1): a
// thin abstraction over an external hierarchical consensus store (a
// ZooKeeper-like znode tree), plus a background-maintained cache and
// session-event stream. internal/clustermgr is built entirely on the
// Client interface here and never imports github.com/go-zookeeper/zk
// directly, so its tests can run against the in-memory backend in
// memory.go.
package coordstore

import (
	"context"
	"errors"
)

// SessionEventKind is one of the three states spec §4.1 requires the
// adapter to surface to its caller.
type SessionEventKind int

const (
	SessionConnected SessionEventKind = iota
	SessionSuspended
	SessionLost
)

type SessionEvent struct {
	Kind SessionEventKind
}

// Stat carries the metadata a Get returns alongside the node's data; only
// the fields the Cluster Manager needs are modeled.
type Stat struct {
	Version int32
}

// ErrNoNode is returned by Get/Children/Delete when the path does not
// exist, mirroring zk.ErrNoNode so callers can errors.Is against either
// backend.
var ErrNoNode = errors.New("coordstore: node does not exist")

// ErrNodeExists is returned by Create when the path already exists.
var ErrNodeExists = errors.New("coordstore: node already exists")

// Client is the full Coordination Store Adapter surface (spec §4.1).
type Client interface {
	Create(ctx context.Context, path string, data []byte, ephemeral bool) error
	Set(ctx context.Context, path string, data []byte) error
	Get(ctx context.Context, path string) ([]byte, Stat, error)
	Delete(ctx context.Context, path string, recursive bool) error
	Children(ctx context.Context, path string) ([]string, error)

	// Transaction returns a handle for staging Create/Set/Delete ops that
	// commit atomically: if any op fails, all are rolled back.
	Transaction() Transaction

	// Cache returns a background-maintained snapshot rooted at rootPath.
	// The returned Cache is shared and safe for concurrent reads; close it
	// with Cache.Close when the Cluster Manager shuts down.
	Cache(ctx context.Context, rootPath string) (*Cache, error)

	// SessionEvents returns the channel session transitions are posted to.
	// It is closed when the client is closed.
	SessionEvents() <-chan SessionEvent

	Close() error
}

// OpResult is one Transaction op's outcome: Err is that op's own failure,
// or nil. If any op fails the whole transaction rolls back, and the error
// Commit returns is the first real failure across all ops (spec §4.1:
// "detect rollbacks and report the first real error").
type OpResult struct {
	Err error
}

// Transaction stages Create/Set/Delete calls and applies them atomically
// on Commit. Staged ops are applied in call order.
type Transaction interface {
	Create(path string, data []byte, ephemeral bool)
	Set(path string, data []byte)
	Delete(path string)
	Commit(ctx context.Context) ([]OpResult, error)
}
