// Package capability defines the uniform execution contract for analysis
// capabilities and the registry the orchestrator plans against.
package capability

import (
	"fmt"
	"strings"
	"sync"
)

// DuplicateCapabilityError is returned when a name is registered twice.
type DuplicateCapabilityError struct {
	Name string
}

func (e *DuplicateCapabilityError) Error() string {
	return fmt.Sprintf("capability %q already registered", e.Name)
}

// UnknownCapabilityError is returned when a lookup names a capability that
// was never registered.
type UnknownCapabilityError struct {
	Name string
}

func (e *UnknownCapabilityError) Error() string {
	return fmt.Sprintf("unknown capability %q", e.Name)
}

type entry struct {
	descriptor Descriptor
	executor   Executor
}

// Registry holds the registered capabilities. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
	order   []string
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register validates the descriptor and binds it to its executor. The name
// is the planner-facing identity, so collisions are an error rather than an
// overwrite.
func (r *Registry) Register(desc Descriptor, exec Executor) error {
	name := strings.TrimSpace(desc.Name)
	if name == "" {
		return fmt.Errorf("capability descriptor missing name")
	}
	if desc.Description == "" {
		return fmt.Errorf("capability %q missing description", name)
	}
	if exec == nil {
		return fmt.Errorf("capability %q missing executor", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[name]; ok {
		return &DuplicateCapabilityError{Name: name}
	}
	desc.Name = name
	r.entries[name] = entry{descriptor: desc, executor: exec}
	r.order = append(r.order, name)
	return nil
}

// Catalog returns a snapshot of all descriptors in registration order. The
// slice and its schema maps are copies; callers may mutate freely.
func (r *Registry) Catalog() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, copyDescriptor(r.entries[name].descriptor))
	}
	return out
}

// Get returns the executor registered under name.
func (r *Registry) Get(name string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, &UnknownCapabilityError{Name: name}
	}
	return e.executor, nil
}

// Describe returns the descriptor registered under name.
func (r *Registry) Describe(name string) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return Descriptor{}, &UnknownCapabilityError{Name: name}
	}
	return copyDescriptor(e.descriptor), nil
}

func copyDescriptor(d Descriptor) Descriptor {
	out := d
	out.WorkTypes = append([]string(nil), d.WorkTypes...)
	out.InputSchema = copyMap(d.InputSchema)
	out.OutputSchema = copyMap(d.OutputSchema)
	return out
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
