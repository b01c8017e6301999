// Package registry maps stable work-unit identities to factories. The host
// never materializes types from strings; reconstitution resolves a factory
// that was explicitly registered at composition time.
package registry

import (
	"sync"

	durable "github.com/goliatone/go-durable"
)

// Factory produces a fresh work unit per instance. Factories must be safe
// to call concurrently and must return units with a stable identity.
type Factory func() durable.WorkUnit

// Registry holds the identity to factory mapping.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	versions  map[string]string
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		versions:  make(map[string]string),
	}
}

func key(id durable.Identity) string {
	return id.Package + "/" + id.Name
}

// Register adds a factory, keyed by the identity of the unit it produces.
// Registering the same name and package twice is a conflict.
func (r *Registry) Register(factory Factory) error {
	if factory == nil {
		return durable.NewError(durable.ErrInvalidArgument, "factory cannot be nil", nil, nil)
	}
	unit := factory()
	if unit == nil {
		return durable.NewError(durable.ErrInvalidArgument, "factory produced a nil work unit", nil, nil)
	}
	id := unit.Identity()
	if id.IsZero() {
		return durable.NewError(durable.ErrInvalidArgument, "factory produced a unit without identity", nil, nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	k := key(id)
	if _, exists := r.factories[k]; exists {
		return durable.NewError(durable.ErrInvalidState,
			"work unit already registered", nil, map[string]any{
				"identity": id.String(),
			})
	}
	r.factories[k] = factory
	r.versions[k] = id.Version
	return nil
}

// Resolve returns a fresh work unit for id. Unknown identities are
// not-found; a known name whose registered version differs is an identity
// mismatch, because the persisted state may not be compatible.
func (r *Registry) Resolve(id durable.Identity) (durable.WorkUnit, error) {
	r.mu.RLock()
	factory, ok := r.factories[key(id)]
	version := r.versions[key(id)]
	r.mu.RUnlock()

	if !ok {
		return nil, durable.NewError(durable.ErrInstanceNotFound,
			"no factory registered for identity", nil, map[string]any{
				"identity": id.String(),
			})
	}
	if id.Version != "" && version != id.Version {
		return nil, durable.NewError(durable.ErrIdentityMismatch,
			"registered version does not match the requested identity", nil, map[string]any{
				"requested":  id.String(),
				"registered": version,
			})
	}
	return factory(), nil
}

// Resolver adapts the registry to the lookup function reconciliation and
// the dispatcher consume.
func (r *Registry) Resolver() func(durable.Identity) (durable.WorkUnit, error) {
	return r.Resolve
}

var (
	defaultMu       sync.RWMutex
	defaultRegistry = New()
)

// Register adds a factory to the process-wide default registry.
func Register(factory Factory) error {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultRegistry.Register(factory)
}

// Resolve resolves against the process-wide default registry.
func Resolve(id durable.Identity) (durable.WorkUnit, error) {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultRegistry.Resolve(id)
}

// Default returns the process-wide registry.
func Default() *Registry {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultRegistry
}

// WithTestRegistry swaps in an empty registry for the duration of fn.
func WithTestRegistry(fn func(*Registry)) {
	defaultMu.Lock()
	prev := defaultRegistry
	defaultRegistry = New()
	reg := defaultRegistry
	defaultMu.Unlock()

	defer func() {
		defaultMu.Lock()
		defaultRegistry = prev
		defaultMu.Unlock()
	}()
	fn(reg)
}
