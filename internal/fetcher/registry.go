package fetcher

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps source types to adapters. Build one at startup and pass it to
// the components that need it.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Fetcher
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Fetcher)}
}

// Register adds an adapter under the given source type, replacing any prior one.
func (r *Registry) Register(sourceType string, f Fetcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[sourceType] = f
}

// Get returns the adapter for the given source type.
func (r *Registry) Get(sourceType string) (Fetcher, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.adapters[sourceType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSourceType, sourceType)
	}
	return f, nil
}

// Supports reports whether an adapter is registered for sourceType.
func (r *Registry) Supports(sourceType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.adapters[sourceType]
	return ok
}

// Types returns the registered source types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
