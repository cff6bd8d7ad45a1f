package providers

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/goliatone/go-llm-gateway/core"
)

type Registry struct {
	mu       sync.RWMutex
	adapters map[string]core.Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]core.Adapter)}
}

func (r *Registry) Register(adapter core.Adapter) error {
	if adapter == nil {
		return fmt.Errorf("providers: adapter is nil")
	}
	name := strings.ToLower(strings.TrimSpace(adapter.Name()))
	if name == "" {
		return fmt.Errorf("providers: adapter name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[name]; exists {
		return fmt.Errorf("providers: adapter already registered: %s", name)
	}
	r.adapters[name] = adapter
	return nil
}

func (r *Registry) Get(provider string) (core.Adapter, bool) {
	name := strings.ToLower(strings.TrimSpace(provider))
	if name == "" {
		return nil, false
	}
	r.mu.RLock()
	adapter, ok := r.adapters[name]
	r.mu.RUnlock()
	return adapter, ok
}

func (r *Registry) List() []core.Adapter {
	r.mu.RLock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	adapters := make([]core.Adapter, 0, len(names))
	sort.Strings(names)
	for _, name := range names {
		adapters = append(adapters, r.adapters[name])
	}
	r.mu.RUnlock()
	return adapters
}

var _ core.AdapterRegistry = (*Registry)(nil)
