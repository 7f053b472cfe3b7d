package observer

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/sdss/cerebro/errors"
)

// Factory builds an observer from its decoded configuration parameters.
// Factories validate and allocate only; connections are opened lazily or in
// the first Receive.
type Factory func(name string, params map[string]any, deps Dependencies) (Observer, error)

// Registry maps observer kind strings to factories.
type Registry struct {
	factories map[string]Factory
	mu        sync.RWMutex
}

// NewRegistry creates an empty observer kind registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under the given kind.
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
			"Registry", "Register", fmt.Sprintf("observer kind %q registration", kind))
	}
	r.factories[kind] = factory
	return nil
}

// Create instantiates an observer of the given kind.
func (r *Registry) Create(kind, name string, params map[string]any, deps Dependencies) (Observer, error) {
	if name == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig,
			"Registry", "Create", "observer name validation")
	}

	r.mu.RLock()
	factory, exists := r.factories[kind]
	r.mu.RUnlock()

	if !exists {
		return nil, errors.WrapInvalid(errors.ErrUnknownKind,
			"Registry", "Create", fmt.Sprintf("observer kind %q lookup", kind))
	}

	obs, err := factory(name, params, deps)
	if err != nil {
		return nil, errors.Wrap(err, "Registry", "Create",
			fmt.Sprintf("observer %q factory execution", name))
	}
	return obs, nil
}

// Kinds returns the registered kind names, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.factories))
}
