// Package backend resolves (backend type, subtype) pairs into adapter
// instances and wraps every native backend call with classification,
// logging, tracing and metrics.
package backend

import (
	"fmt"
	"sort"
	"sync"

	"github.com/occigate/occigate/pkg/engine"
)

// Constructor builds an adapter instance for one session.
type Constructor func(deps Deps) (engine.Adapter, error)

// Registry is the static table of adapter constructors keyed by backend
// type and subtype. It is populated once at startup.
type Registry struct {
	// mu protects constructors.
	mu sync.RWMutex

	// constructors maps backend type to subtype to constructor.
	constructors map[string]map[string]Constructor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		constructors: make(map[string]map[string]Constructor),
	}
}

// Register adds a constructor. Unknown subtypes and duplicate registrations
// are rejected.
func (r *Registry) Register(backendType, subtype string, c Constructor) error {
	if backendType == "" {
		return fmt.Errorf("backend type is required")
	}
	if !engine.IsKnownSubtype(subtype) {
		return fmt.Errorf("unknown subtype %q", subtype)
	}
	if c == nil {
		return fmt.Errorf("constructor for %s/%s is nil", backendType, subtype)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	subtypes, ok := r.constructors[backendType]
	if !ok {
		subtypes = make(map[string]Constructor)
		r.constructors[backendType] = subtypes
	}
	if _, exists := subtypes[subtype]; exists {
		return fmt.Errorf("adapter %s/%s already registered", backendType, subtype)
	}
	subtypes[subtype] = c
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(backendType, subtype string, c Constructor) {
	if err := r.Register(backendType, subtype, c); err != nil {
		panic(err)
	}
}

// Validate fails with a BackendLoadError when no adapter is registered for
// backendType.
func (r *Registry) Validate(backendType string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.constructors[backendType]; !ok {
		return engine.NewBackendLoadError(fmt.Sprintf("unknown backend type %q", backendType), nil)
	}
	return nil
}

// Lookup returns the constructor for backendType and subtype.
func (r *Registry) Lookup(backendType, subtype string) (Constructor, error) {
	if !engine.IsKnownSubtype(subtype) {
		return nil, engine.NewBackendLoadError(fmt.Sprintf("unsupported subtype %q", subtype), nil)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	subtypes, ok := r.constructors[backendType]
	if !ok {
		return nil, engine.NewBackendLoadError(fmt.Sprintf("unknown backend type %q", backendType), nil)
	}
	c, ok := subtypes[subtype]
	if !ok {
		return nil, engine.NewBackendLoadError(
			fmt.Sprintf("backend %q does not implement subtype %q", backendType, subtype), nil)
	}
	return c, nil
}

// Backends returns the registered backend types, sorted.
func (r *Registry) Backends() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.constructors))
	for b := range r.constructors {
		out = append(out, b)
	}
	sort.Strings(out)
	return out
}

// Subtypes returns the subtypes implemented by backendType, sorted.
func (r *Registry) Subtypes(backendType string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.constructors[backendType]))
	for s := range r.constructors[backendType] {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
