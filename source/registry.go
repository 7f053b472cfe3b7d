package source

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/sdss/cerebro/errors"
)

// Factory builds a source instance from its decoded configuration
// parameters. Factories validate parameters and allocate state only; all
// I/O happens in Start.
type Factory func(name string, params map[string]any, deps Dependencies) (Source, error)

// Registry maps kind strings to factories. Registration happens once at
// startup (kindregistry); Create is called per configured source.
type Registry struct {
	factories map[string]Factory
	mu        sync.RWMutex
}

// NewRegistry creates an empty source kind registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under the given kind. Registering an empty kind,
// a nil factory, or a kind twice is a configuration error.
func (r *Registry) Register(kind string, factory Factory) error {
	if kind == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig,
			"Registry", "Register", "kind name validation")
	}
	if factory == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig,
			"Registry", "Register", "factory validation")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[kind]; exists {
		return errors.WrapInvalid(errors.ErrDuplicateKind,
			"Registry", "Register", fmt.Sprintf("source kind %q registration", kind))
	}
	r.factories[kind] = factory
	return nil
}

// Create instantiates a source of the given kind.
func (r *Registry) Create(kind, name string, params map[string]any, deps Dependencies) (Source, error) {
	if name == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig,
			"Registry", "Create", "source name validation")
	}

	r.mu.RLock()
	factory, exists := r.factories[kind]
	r.mu.RUnlock()

	if !exists {
		return nil, errors.WrapInvalid(errors.ErrUnknownKind,
			"Registry", "Create", fmt.Sprintf("source kind %q lookup", kind))
	}

	src, err := factory(name, params, deps)
	if err != nil {
		return nil, errors.Wrap(err, "Registry", "Create",
			fmt.Sprintf("source %q factory execution", name))
	}
	return src, nil
}

// Kinds returns the registered kind names, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.factories))
}
