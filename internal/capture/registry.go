package capture

import "sync"

// Registry serializes capture across every session in the process: at most
// one owner holds it at a time.
type Registry struct {
	mu    sync.Mutex
	owner string
	kill  func()
}

// DefaultRegistry is the process-wide registry sessions use unless one is
// injected with WithRegistry.
var DefaultRegistry = NewRegistry()

// NewRegistry returns an unheld registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// TryAcquire takes the registry for owner. It returns false, changing
// nothing, when any owner already holds it.
func (r *Registry) TryAcquire(owner string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.owner != "" {
		return false
	}
	r.owner = owner
	return true
}

// Release frees the registry if owner holds it.
func (r *Registry) Release(owner string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.owner != owner {
		return false
	}
	r.owner = ""
	r.kill = nil
	return true
}

// Running reports whether a capture holds the registry.
func (r *Registry) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.owner != ""
}

// Owner returns the current holder, or "".
func (r *Registry) Owner() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.owner
}

// Track records how to terminate owner's process on Shutdown.
func (r *Registry) Track(owner string, kill func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.owner == owner {
		r.kill = kill
	}
}

// Shutdown kills the tracked process, if any, and frees the registry. Entry
// points call it when the controller is about to exit.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	kill := r.kill
	r.owner = ""
	r.kill = nil
	r.mu.Unlock()

	if kill != nil {
		kill()
	}
}
