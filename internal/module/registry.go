package module

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps module ids to their implementations.
// It is safe for concurrent reads; Register should only be called at startup.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]Module
	descs   map[string]Descriptor
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		modules: make(map[string]Module),
		descs:   make(map[string]Descriptor),
	}
}

// Register adds a module. Panics on duplicate id to surface misconfiguration early.
func (r *Registry) Register(m Module) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.modules[m.ID()]; exists {
		panic(fmt.Sprintf("module registry: duplicate id %q", m.ID()))
	}
	d := m.Descriptor()
	if d.ID != m.ID() {
		panic(fmt.Sprintf("module registry: descriptor id %q does not match module id %q", d.ID, m.ID()))
	}
	r.modules[m.ID()] = m
	r.descs[m.ID()] = d
}

// Get returns the module registered under id.
func (r *Registry) Get(id string) (Module, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[id]
	if !ok {
		return nil, fmt.Errorf("module %q: %w", id, ErrUnknownAction)
	}
	return m, nil
}

// Lookup resolves a module and checks that it declares actionID.
func (r *Registry) Lookup(moduleID, actionID string) (Module, ActionSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[moduleID]
	if !ok {
		return nil, ActionSpec{}, fmt.Errorf("module %q: %w", moduleID, ErrUnknownAction)
	}
	spec, ok := r.descs[moduleID].Actions[actionID]
	if !ok {
		return nil, ActionSpec{}, fmt.Errorf("action %s.%s: %w", moduleID, actionID, ErrUnknownAction)
	}
	return m, spec, nil
}

// Descriptor returns the cached descriptor for id.
func (r *Registry) Descriptor(id string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descs[id]
	return d, ok
}

// Descriptors returns every descriptor ordered by module id.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.descs))
	for _, d := range r.descs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Handlers returns the modules that declared eventType as handled, ordered
// by module id.
func (r *Registry) Handlers(eventType string) []Module {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Module
	for id, d := range r.descs {
		if d.Handles(eventType) {
			out = append(out, r.modules[id])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// IDs returns all registered module ids.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.modules))
	for k := range r.modules {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
