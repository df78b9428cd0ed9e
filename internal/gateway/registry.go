package gateway

import (
	"fmt"
	"sort"
	"sync"

	"github.com/nerrad567/gray-logic-ble/internal/ble"
)

// Registry tracks the running modules of one gateway process.
//
// Thread Safety: All methods are safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]*Module
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{modules: make(map[string]*Module)}
}

// Add registers m. Names and device addresses must be unique.
func (r *Registry) Add(m *Module) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.modules[m.Name()]; exists {
		return fmt.Errorf("%w: name %q", ErrDuplicateModule, m.Name())
	}
	for _, existing := range r.modules {
		if existing.Address() == m.Address() {
			return fmt.Errorf("%w: address %s already served by %q", ErrDuplicateModule, m.Address(), existing.Name())
		}
	}
	r.modules[m.Name()] = m
	return nil
}

// Remove unregisters the named module and returns it.
func (r *Registry) Remove(name string) (*Module, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.modules[name]
	delete(r.modules, name)
	return m, ok
}

// Get returns the named module.
func (r *Registry) Get(name string) (*Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[name]
	return m, ok
}

// ByAddress returns the module serving mac.
func (r *Registry) ByAddress(mac ble.MAC) (*Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.modules {
		if m.Address() == mac {
			return m, true
		}
	}
	return nil, false
}

// List returns the modules sorted by name.
func (r *Registry) List() []*Module {
	r.mu.RLock()
	out := make([]*Module, 0, len(r.modules))
	for _, m := range r.modules {
		out = append(out, m)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Len returns the number of registered modules.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.modules)
}

// Metrics returns a snapshot for every module, sorted by name.
func (r *Registry) Metrics() []ModuleMetrics {
	modules := r.List()
	out := make([]ModuleMetrics, 0, len(modules))
	for _, m := range modules {
		out = append(out, m.Metrics())
	}
	return out
}

// DestroyAll destroys and unregisters every module. Modules are torn down
// concurrently so one slow disconnect does not hold up the rest.
func (r *Registry) DestroyAll() {
	r.mu.Lock()
	modules := r.modules
	r.modules = make(map[string]*Module)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, m := range modules {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Destroy()
		}()
	}
	wg.Wait()
}
