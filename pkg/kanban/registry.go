package kanban

import (
	"fmt"
	"os"
	"sync"

	"github.com/openfleet/openfleet/pkg/logger"
)

// Factory builds an adapter instance for a backend.
type Factory func() (Adapter, error)

// Registry resolves and caches the active kanban adapter. Resolution order:
// runtime override → KANBAN_BACKEND env → configured backend → internal.
// The active instance is cached until the backend name changes; the previous
// instance is then discarded. The registry is process-scoped and constructed
// explicitly, never from import-time side effects.
type Registry struct {
	mu         sync.Mutex
	factories  map[BackendName]Factory
	configured string
	override   string

	activeName BackendName
	active     Adapter
}

// NewRegistry creates a registry with the configured backend name (from the
// config file; may be empty).
func NewRegistry(configuredBackend string) *Registry {
	return &Registry{
		factories:  make(map[BackendName]Factory),
		configured: configuredBackend,
	}
}

// RegisterFactory registers the constructor for one backend.
func (r *Registry) RegisterFactory(name BackendName, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// SetOverride installs (or clears, with "") the runtime backend override.
func (r *Registry) SetOverride(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.override = name
}

// ResolveName returns the backend name that would be used, without
// instantiating it.
func (r *Registry) ResolveName() BackendName {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolveNameLocked()
}

func (r *Registry) resolveNameLocked() BackendName {
	if r.override != "" {
		return BackendName(r.override)
	}
	if envBackend := os.Getenv("KANBAN_BACKEND"); envBackend != "" {
		return BackendName(envBackend)
	}
	if r.configured != "" {
		return BackendName(r.configured)
	}
	return BackendInternal
}

// Active returns the adapter for the resolved backend, constructing it on
// first use and whenever the resolved name changes. Unknown backend names
// are fatal.
func (r *Registry) Active() (Adapter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := r.resolveNameLocked()
	if r.active != nil && r.activeName == name {
		return r.active, nil
	}

	factory, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown kanban backend %q", ErrFatal, name)
	}

	adapter, err := factory()
	if err != nil {
		return nil, fmt.Errorf("construct %s adapter: %w", name, err)
	}

	if r.active != nil {
		logger.InfoCF("kanban", "Switching kanban backend", map[string]interface{}{
			"from": string(r.activeName),
			"to":   string(name),
		})
	}
	r.active = adapter
	r.activeName = name
	return adapter, nil
}
