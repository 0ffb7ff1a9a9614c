// Package dummy implements every subtype against a local SQLite database.
// It needs no cloud and is used for development, demos and tests.
//
// All sessions configured with the same "dsn" setting share one database;
// records are scoped by the caller's identity.
package dummy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/occigate/occigate/pkg/backend"
	"github.com/occigate/occigate/pkg/engine"
	"github.com/occigate/occigate/pkg/stores"
)

// BackendType is the configuration name of this backend.
const BackendType = "dummy"

// DefaultDSN is used when the "dsn" setting is absent.
const DefaultDSN = ":memory:"

// APIVersion is the adapter contract version the adapters implement.
var APIVersion = engine.MustParseVersion("3.0.0")

// Backend owns the databases shared by all sessions.
type Backend struct {
	mu     sync.Mutex
	stores map[string]*stores.SQLiteStore
}

// New creates a backend with no open databases.
func New() *Backend {
	return &Backend{stores: make(map[string]*stores.SQLiteStore)}
}

// Register adds constructors for every subtype to r.
func (b *Backend) Register(r *backend.Registry) {
	for _, k := range resourceKinds() {
		r.MustRegister(BackendType, k.subtype, func(deps backend.Deps) (engine.Adapter, error) {
			return newResourceAdapter(b, deps, k), nil
		})
	}
	for _, k := range linkKinds() {
		r.MustRegister(BackendType, k.subtype, func(deps backend.Deps) (engine.Adapter, error) {
			return newLinkAdapter(b, deps, k), nil
		})
	}
}

// Close closes every database opened so far.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var errs error
	for dsn, s := range b.stores {
		if err := s.Close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("close %s: %w", dsn, err))
		}
	}
	b.stores = make(map[string]*stores.SQLiteStore)
	return errs
}

func (b *Backend) open(dsn string) (*stores.SQLiteStore, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s, ok := b.stores[dsn]; ok {
		return s, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s, err := stores.Open(ctx, stores.Config{Path: dsn})
	if err != nil {
		return nil, err
	}
	b.stores[dsn] = s
	return s, nil
}

// classify maps store errors to canonical kinds.
func classify(err error) (engine.ErrorKind, bool) {
	switch {
	case errors.Is(err, stores.ErrNotFound):
		return engine.KindEntityNotFound, true
	case errors.Is(err, stores.ErrConflict):
		return engine.KindEntityState, true
	case strings.Contains(err.Error(), "database is locked"), strings.Contains(err.Error(), "SQLITE_BUSY"):
		return engine.KindConnection, true
	default:
		return "", false
	}
}

// session is the per-adapter state: the caller boundary and the lazily
// opened database.
type session struct {
	deps   backend.Deps
	caller *backend.Caller
	native *engine.Lazy[*stores.SQLiteStore]
	owner  string
}

func newSession(b *Backend, deps backend.Deps) *session {
	dsn := deps.Options.Setting("dsn", DefaultDSN)
	return &session{
		deps:   deps,
		caller: backend.NewCaller(deps, classify),
		native: engine.NewLazy(func() (*stores.SQLiteStore, error) { return b.open(dsn) }),
		owner:  deps.Credentials.Identity,
	}
}

// call runs fn against the database through the native-call boundary.
func call[T any](ctx context.Context, s *session, op string, fallback engine.ErrorKind, fn func(ctx context.Context, db *stores.SQLiteStore) (T, error)) (T, error) {
	return backend.Call(ctx, s.caller, op, fallback, func(ctx context.Context) (T, error) {
		db, err := s.native.Get()
		if err != nil {
			var zero T
			return zero, engine.NewConnectionError("dummy database unavailable", err)
		}
		return fn(ctx, db)
	})
}

func exec(ctx context.Context, s *session, op string, fallback engine.ErrorKind, fn func(ctx context.Context, db *stores.SQLiteStore) error) error {
	_, err := call(ctx, s, op, fallback, func(ctx context.Context, db *stores.SQLiteStore) (struct{}, error) {
		return struct{}{}, fn(ctx, db)
	})
	return err
}

func descriptor(subtype string) engine.AdapterDescriptor {
	return engine.AdapterDescriptor{Subtype: subtype, ServedKind: subtype, APIVersion: APIVersion}
}
