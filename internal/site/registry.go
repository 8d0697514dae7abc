// internal/site/registry.go
package site

import (
	"fmt"
	"sort"
	"sync"
)

// Kind describes a supported retailer.
type Kind struct {
	// Name is the stable identifier used in storage paths, e.g. "safeway".
	Name string
	// Disabled kinds are skipped unless explicitly requested.
	Disabled bool
	// NewTask builds the automation for one run.
	NewTask func() Task
}

// Registry maps kind names to kinds. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]Kind
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{kinds: make(map[string]Kind)}
}

// Register adds k. Registering a name twice is an error.
func (r *Registry) Register(k Kind) error {
	if k.Name == "" || k.NewTask == nil {
		return fmt.Errorf("site kind needs a name and a task constructor")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.kinds[k.Name]; exists {
		return fmt.Errorf("site kind %q already registered", k.Name)
	}
	r.kinds[k.Name] = k
	return nil
}

// Lookup returns the kind registered under name.
func (r *Registry) Lookup(name string) (Kind, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.kinds[name]
	return k, ok
}

// Names returns the registered kind names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.kinds))
	for name := range r.kinds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
