package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/mirrorlive/internal/capture"
)

// ErrBackendNotRegistered is returned by [Registry.CreateSpawner] when no
// factory has been registered under the requested backend name.
var ErrBackendNotRegistered = errors.New("config: capture backend not registered")

// SpawnerFactory builds a capture spawner from the audio section.
type SpawnerFactory func(AudioConfig) (capture.Spawner, error)

// Registry maps capture backend names to their constructors. It is safe for
// concurrent use.
type Registry struct {
	mu       sync.RWMutex
	spawners map[string]SpawnerFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{spawners: make(map[string]SpawnerFactory)}
}

// DefaultRegistry returns a registry with the exec-based backends
// registered.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, name := range Backends() {
		r.RegisterSpawner(name, execFactory(name))
	}
	return r
}

// Backends lists the built-in capture backend names.
func Backends() []string {
	return []string{capture.BackendArecord, capture.BackendFFmpeg, capture.BackendCommand}
}

func execFactory(backend string) SpawnerFactory {
	return func(a AudioConfig) (capture.Spawner, error) {
		sp, err := capture.NewExecSpawner(backend, a.Command)
		if err != nil {
			return nil, err
		}
		return sp, nil
	}
}

// RegisterSpawner registers a capture backend factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterSpawner(name string, factory SpawnerFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spawners[name] = factory
}

// Names returns the registered backend names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.spawners))
	for n := range r.spawners {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// CreateSpawner instantiates the spawner registered under a.Backend.
// Returns [ErrBackendNotRegistered] if no factory has been registered for
// that name.
func (r *Registry) CreateSpawner(a AudioConfig) (capture.Spawner, error) {
	r.mu.RLock()
	factory, ok := r.spawners[a.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBackendNotRegistered, a.Backend)
	}
	return factory(a)
}
