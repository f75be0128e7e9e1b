package expert

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the configured panel of experts by ID. It is an explicit
// dependency handed to the coordinator, never process-wide state.
type Registry struct {
	mu      sync.RWMutex
	experts map[string]Expert
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{experts: make(map[string]Expert)}
}

// Register adds an expert. Duplicate IDs are a programming error.
func (r *Registry) Register(e Expert) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.experts[e.ID()]; exists {
		panic(fmt.Sprintf("expert: duplicate registration for %q", e.ID()))
	}
	r.experts[e.ID()] = e
}

// Get returns the expert with the given ID.
func (r *Registry) Get(id string) (Expert, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.experts[id]
	if !ok {
		return nil, fmt.Errorf("expert: unknown participant %q", id)
	}
	return e, nil
}

// Select resolves the requested participant IDs, ignoring unknown names.
// An empty request selects the whole panel.
func (r *Registry) Select(ids []string) []Expert {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(ids) == 0 {
		ids = r.idsLocked()
	}
	var out []Expert
	for _, id := range ids {
		if e, ok := r.experts[id]; ok {
			out = append(out, e)
		}
	}
	return out
}

// IDs returns all registered expert IDs, sorted.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.idsLocked()
}

func (r *Registry) idsLocked() []string {
	ids := make([]string, 0, len(r.experts))
	for id := range r.experts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
