// Package clientpool implements the Typed client pool (C7): a generic,
// credential-keyed cache of gRPC client stubs, grounded on the teacher's
// package-level `var httpClient = &http.Client{...}` in internal/cluster
// (a single shared, reused connection object) generalized to per-
// destination pooling with a constructor function per stub type.
package clientpool

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// TLSConfig carries the optional mutual-TLS material named by spec §6's
// MUTUAL_TLS/SSL_* configuration keys.
type TLSConfig struct {
	Enabled    bool
	CertFile   string
	KeyFile    string
	CAFile     string
	ServerName string
}

// DialOptions returns the transport credentials for t: insecure when TLS
// is disabled, mutual TLS loaded from the configured files otherwise.
func (t TLSConfig) DialOptions() (grpc.DialOption, error) {
	if !t.Enabled {
		return grpc.WithTransportCredentials(insecure.NewCredentials()), nil
	}

	cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("clientpool: load client cert/key: %w", err)
	}

	pool := x509.NewCertPool()
	if t.CAFile != "" {
		ca, err := os.ReadFile(t.CAFile)
		if err != nil {
			return nil, fmt.Errorf("clientpool: read CA file: %w", err)
		}
		if !pool.AppendCertsFromPEM(ca) {
			return nil, fmt.Errorf("clientpool: no certificates parsed from %s", t.CAFile)
		}
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		ServerName:   t.ServerName,
	}
	return grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig)), nil
}

// Credentials identifies one connection target: a hostport plus the
// (possibly empty) credential material distinguishing it from other
// connections to the same hostport.
type Credentials struct {
	Hostport string
	Creds    string
}

func (c Credentials) key() string {
	return c.Hostport + "|" + c.Creds
}

// entry is one pooled connection plus every stub built over it, lazily
// constructed on first typed access.
type entry struct {
	conn  *grpc.ClientConn
	stubs sync.Map // constructor type name -> any
}

// Pool is a generic, credential-keyed client stub cache. First access for
// a given (hostport, creds) pair dials and is protected by mu; subsequent
// access is a lock-free sync.Map read, matching spec §4.7 exactly.
type Pool struct {
	tls     TLSConfig
	dialer  func(ctx context.Context, hostport string, opts ...grpc.DialOption) (*grpc.ClientConn, error)
	mu      sync.Mutex
	entries sync.Map // key string -> *entry
}

// New returns a Pool dialing with tls's transport credentials.
func New(tls TLSConfig) *Pool {
	return &Pool{
		tls: tls,
		dialer: func(ctx context.Context, hostport string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
			return grpc.DialContext(ctx, hostport, opts...)
		},
	}
}

// Get returns the cached *grpc.ClientConn for creds, dialing it on first
// access.
func (p *Pool) Get(ctx context.Context, creds Credentials) (*grpc.ClientConn, error) {
	key := creds.key()
	if v, ok := p.entries.Load(key); ok {
		return v.(*entry).conn, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	// Re-check under the lock: another goroutine may have inserted while
	// we waited.
	if v, ok := p.entries.Load(key); ok {
		return v.(*entry).conn, nil
	}

	dialOpt, err := p.tls.DialOptions()
	if err != nil {
		return nil, err
	}
	conn, err := p.dialer(ctx, creds.Hostport, dialOpt)
	if err != nil {
		return nil, fmt.Errorf("clientpool: dial %s: %w", creds.Hostport, err)
	}
	p.entries.Store(key, &entry{conn: conn})
	return conn, nil
}

// Stub returns a typed client stub for creds, built by construct on first
// access and cached under name thereafter. Typed helpers (GetSearcherStub,
// GetMergerStub, GetHealthStub in stubs.go) wrap this with a fixed name
// and construct function per spec §4.7's get_X_stub family.
func Stub[T any](ctx context.Context, p *Pool, creds Credentials, name string, construct func(*grpc.ClientConn) T) (T, error) {
	var zero T
	key := creds.key()

	v, ok := p.entries.Load(key)
	if !ok {
		if _, err := p.Get(ctx, creds); err != nil {
			return zero, err
		}
		v, _ = p.entries.Load(key)
	}
	e := v.(*entry)

	if cached, ok := e.stubs.Load(name); ok {
		return cached.(T), nil
	}

	stub := construct(e.conn)
	actual, _ := e.stubs.LoadOrStore(name, stub)
	return actual.(T), nil
}

// CloseAll closes every pooled connection. Callers use this on graceful
// shutdown.
func (p *Pool) CloseAll() error {
	var firstErr error
	p.entries.Range(func(_, v any) bool {
		if err := v.(*entry).conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}
