package coordstore

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-zookeeper/zk"
	"go.uber.org/zap"
)

// ZKClient implements Client over a live ZooKeeper-compatible ensemble.
// Transient errors (closed connection, expired or moved session) are retried with
// bounded exponential backoff per spec §4.1; session state transitions
// are translated from zk's event stream onto SessionEvents.
type ZKClient struct {
	conn    *zk.Conn
	logger  *zap.Logger
	events  chan SessionEvent
	retry   func() backoff.BackOff
	closeCh chan struct{}
}

// DialZK connects to the given ZooKeeper ensemble and starts forwarding
// its session-event stream. sessionTimeout bounds how long the ensemble
// waits before expiring this client's ephemeral nodes after a network
// partition.
func DialZK(hosts []string, sessionTimeout time.Duration, logger *zap.Logger) (*ZKClient, error) {
	conn, zkEvents, err := zk.Connect(hosts, sessionTimeout)
	if err != nil {
		return nil, err
	}

	c := &ZKClient{
		conn:    conn,
		logger:  logger,
		events:  make(chan SessionEvent, 16),
		closeCh: make(chan struct{}),
		retry: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = 10 * time.Second
			return b
		},
	}

	go c.forwardSessionEvents(zkEvents)
	return c, nil
}

func (c *ZKClient) forwardSessionEvents(zkEvents <-chan zk.Event) {
	for {
		select {
		case <-c.closeCh:
			return
		case evt, ok := <-zkEvents:
			if !ok {
				return
			}
			var out SessionEvent
			switch evt.State {
			case zk.StateHasSession:
				out = SessionEvent{Kind: SessionConnected}
			case zk.StateDisconnected:
				out = SessionEvent{Kind: SessionSuspended}
			case zk.StateExpired:
				out = SessionEvent{Kind: SessionLost}
			default:
				continue
			}
			c.logger.Info("coordination session event", zap.String("state", evt.State.String()))
			select {
			case c.events <- out:
			default:
				c.logger.Warn("session event channel full, dropping event")
			}
		}
	}
}

func isTransient(err error) bool {
	return errors.Is(err, zk.ErrConnectionClosed) ||
		errors.Is(err, zk.ErrSessionExpired) ||
		errors.Is(err, zk.ErrSessionMoved)
}

func (c *ZKClient) withRetry(ctx context.Context, op func() error) error {
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if !isTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(c.retry(), ctx))
}

func (c *ZKClient) Create(ctx context.Context, path string, data []byte, ephemeral bool) error {
	flags := int32(0)
	if ephemeral {
		flags = zk.FlagEphemeral
	}
	return c.withRetry(ctx, func() error {
		_, err := c.conn.Create(path, data, flags, zk.WorldACL(zk.PermAll))
		if errors.Is(err, zk.ErrNodeExists) {
			return backoff.Permanent(ErrNodeExists)
		}
		return err
	})
}

func (c *ZKClient) Set(ctx context.Context, path string, data []byte) error {
	return c.withRetry(ctx, func() error {
		_, err := c.conn.Set(path, data, -1)
		if errors.Is(err, zk.ErrNoNode) {
			return backoff.Permanent(ErrNoNode)
		}
		return err
	})
}

func (c *ZKClient) Get(ctx context.Context, path string) ([]byte, Stat, error) {
	var data []byte
	var stat Stat
	err := c.withRetry(ctx, func() error {
		d, s, err := c.conn.Get(path)
		if errors.Is(err, zk.ErrNoNode) {
			return backoff.Permanent(ErrNoNode)
		}
		if err != nil {
			return err
		}
		data = d
		stat = Stat{Version: s.Version}
		return nil
	})
	return data, stat, err
}

func (c *ZKClient) Delete(ctx context.Context, path string, recursive bool) error {
	return c.withRetry(ctx, func() error {
		if recursive {
			children, _, err := c.conn.Children(path)
			if err != nil && !errors.Is(err, zk.ErrNoNode) {
				return err
			}
			for _, child := range children {
				if err := c.Delete(ctx, joinPath(path, child), true); err != nil {
					return err
				}
			}
		}
		err := c.conn.Delete(path, -1)
		if errors.Is(err, zk.ErrNoNode) {
			return backoff.Permanent(ErrNoNode)
		}
		return err
	})
}

func (c *ZKClient) Children(ctx context.Context, path string) ([]string, error) {
	var out []string
	err := c.withRetry(ctx, func() error {
		children, _, err := c.conn.Children(path)
		if errors.Is(err, zk.ErrNoNode) {
			return backoff.Permanent(ErrNoNode)
		}
		if err != nil {
			return err
		}
		out = children
		return nil
	})
	return out, err
}

func (c *ZKClient) Transaction() Transaction {
	return &zkTxn{client: c}
}

type zkOp struct {
	kind      string
	path      string
	data      []byte
	ephemeral bool
}

type zkTxn struct {
	client *ZKClient
	ops    []zkOp
}

func (t *zkTxn) Create(path string, data []byte, ephemeral bool) {
	t.ops = append(t.ops, zkOp{kind: "create", path: path, data: data, ephemeral: ephemeral})
}

func (t *zkTxn) Set(path string, data []byte) {
	t.ops = append(t.ops, zkOp{kind: "set", path: path, data: data})
}

func (t *zkTxn) Delete(path string) {
	t.ops = append(t.ops, zkOp{kind: "delete", path: path})
}

func (t *zkTxn) Commit(ctx context.Context) ([]OpResult, error) {
	zops := make([]interface{}, 0, len(t.ops))
	for _, op := range t.ops {
		switch op.kind {
		case "create":
			flags := int32(0)
			if op.ephemeral {
				flags = zk.FlagEphemeral
			}
			zops = append(zops, &zk.CreateRequest{Path: op.path, Data: op.data, Acl: zk.WorldACL(zk.PermAll), Flags: flags})
		case "set":
			zops = append(zops, &zk.SetDataRequest{Path: op.path, Data: op.data, Version: -1})
		case "delete":
			zops = append(zops, &zk.DeleteRequest{Path: op.path, Version: -1})
		}
	}

	var responses []zk.MultiResponse
	err := t.client.withRetry(ctx, func() error {
		resps, err := t.client.conn.Multi(zops...)
		responses = resps
		return err
	})

	results := make([]OpResult, len(t.ops))
	var firstErr error
	for i := range results {
		if i < len(responses) && responses[i].Error != nil {
			results[i] = OpResult{Err: responses[i].Error}
			if firstErr == nil {
				firstErr = responses[i].Error
			}
		}
	}
	if firstErr == nil && err != nil {
		firstErr = err
	}
	return results, firstErr
}

func (c *ZKClient) Cache(ctx context.Context, rootPath string) (*Cache, error) {
	fetch := func(_ context.Context, path string) ([]byte, []string, bool) {
		data, _, err := c.conn.Get(path)
		if err != nil {
			return nil, nil, false
		}
		children, _, err := c.conn.Children(path)
		if err != nil {
			children = nil
		}
		return data, children, true
	}
	return newCache(ctx, rootPath, time.Second, fetch), nil
}

func (c *ZKClient) SessionEvents() <-chan SessionEvent {
	return c.events
}

func (c *ZKClient) Close() error {
	close(c.closeCh)
	c.conn.Close()
	close(c.events)
	return nil
}
