// Package opennebula adapts the orchestrator's gRPC API to the gateway.
//
// Compute, network, storage, network interface and storage link are
// supported. Security groups and IP reservations are not and resolve to
// a BackendLoadError.
package opennebula

import (
	"context"
	"strconv"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/occigate/occigate/pkg/backend"
	"github.com/occigate/occigate/pkg/engine"
	"github.com/occigate/occigate/pkg/schema"
)

// BackendType is the configuration name of this backend.
const BackendType = "opennebula"

// APIVersion is the adapter contract version the adapters implement.
var APIVersion = engine.MustParseVersion("3.0.0")

// Backend builds adapters talking to the orchestrator.
type Backend struct {
	dialOptions []grpc.DialOption
}

// New creates a backend. Dial options are appended to every connection;
// tests use them to install an in-process dialer.
func New(opts ...grpc.DialOption) *Backend {
	return &Backend{dialOptions: opts}
}

// Register adds the supported subtypes to r.
func (b *Backend) Register(r *backend.Registry) {
	r.MustRegister(BackendType, engine.SubtypeCompute, func(deps backend.Deps) (engine.Adapter, error) {
		return newComputeAdapter(b.session(deps)), nil
	})
	r.MustRegister(BackendType, engine.SubtypeNetwork, func(deps backend.Deps) (engine.Adapter, error) {
		return newNetworkAdapter(b.session(deps)), nil
	})
	r.MustRegister(BackendType, engine.SubtypeStorage, func(deps backend.Deps) (engine.Adapter, error) {
		return newStorageAdapter(b.session(deps)), nil
	})
	r.MustRegister(BackendType, engine.SubtypeNetworkInterface, func(deps backend.Deps) (engine.Adapter, error) {
		return newNetworkInterfaceAdapter(b.session(deps)), nil
	})
	r.MustRegister(BackendType, engine.SubtypeStorageLink, func(deps backend.Deps) (engine.Adapter, error) {
		return newStorageLinkAdapter(b.session(deps)), nil
	})
}

// classify maps gRPC status codes to canonical kinds.
func classify(err error) (engine.ErrorKind, bool) {
	s, ok := status.FromError(err)
	if !ok {
		return "", false
	}
	switch s.Code() {
	case codes.NotFound:
		return engine.KindEntityNotFound, true
	case codes.Unauthenticated:
		return engine.KindAuthentication, true
	case codes.PermissionDenied:
		return engine.KindAuthorization, true
	case codes.FailedPrecondition, codes.Aborted:
		return engine.KindEntityState, true
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted:
		return engine.KindConnection, true
	case codes.Unimplemented:
		return engine.KindNotImplemented, true
	default:
		return "", false
	}
}

// session holds what every adapter of one proxy needs: the caller
// boundary and a lazily dialed client.
type session struct {
	deps   backend.Deps
	schema *schema.Registry
	caller *backend.Caller
	client *engine.Lazy[*Client]
}

func (b *Backend) session(deps backend.Deps) *session {
	s := deps.Schema
	if s == nil {
		s = schema.MustNew()
	}
	useTLS := deps.Options.Setting("tls", "false") == "true"
	return &session{
		deps:   deps,
		schema: s,
		caller: backend.NewCaller(deps, classify),
		client: engine.NewLazy(func() (*Client, error) {
			return Dial(deps.Options.Endpoint, deps.Credentials, useTLS, b.dialOptions...)
		}),
	}
}

// Close releases the client if it was ever dialed.
func (s *session) Close() error {
	if c, ok := s.client.Peek(); ok {
		return c.Close()
	}
	return nil
}

func call[T any](ctx context.Context, s *session, op string, fallback engine.ErrorKind, fn func(ctx context.Context, c *Client) (T, error)) (T, error) {
	return backend.Call(ctx, s.caller, op, fallback, func(ctx context.Context) (T, error) {
		c, err := s.client.Get()
		if err != nil {
			var zero T
			return zero, engine.NewConnectionError("orchestrator client unavailable", err)
		}
		return fn(ctx, c)
	})
}

func exec(ctx context.Context, s *session, op string, fallback engine.ErrorKind, fn func(ctx context.Context, c *Client) error) error {
	_, err := call(ctx, s, op, fallback, func(ctx context.Context, c *Client) (struct{}, error) {
		return struct{}{}, fn(ctx, c)
	})
	return err
}

func descriptor(subtype string) engine.AdapterDescriptor {
	return engine.AdapterDescriptor{Subtype: subtype, ServedKind: subtype, APIVersion: APIVersion}
}

// nativeID parses a numeric orchestrator ID.
func nativeID(id string) (int, error) {
	n, err := strconv.Atoi(id)
	if err != nil || n < 0 {
		return 0, engine.NewMalformedIdentifierError(id, "orchestrator identifiers are non-negative integers")
	}
	return n, nil
}

func nonZero(n int) any {
	if n == 0 {
		return nil
	}
	return n
}

// filtered converts natives to entities and applies filter.
func filtered[N any](natives []N, filter engine.Filter, convert func(N) (*engine.Entity, error)) ([]*engine.Entity, error) {
	out := make([]*engine.Entity, 0, len(natives))
	for _, n := range natives {
		e, err := convert(n)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return engine.FilterEntities(out, filter), nil
}
