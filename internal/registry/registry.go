package registry

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps tool names to descriptors and executors. Reads vastly
// outnumber writes; the only runtime mutation is the enabled toggle.
type Registry struct {
	mu        sync.RWMutex
	tools     map[string]ToolDescriptor
	executors map[string]Executor
}

func New() *Registry {
	return &Registry{
		tools:     make(map[string]ToolDescriptor),
		executors: make(map[string]Executor),
	}
}

func (r *Registry) Register(desc ToolDescriptor, exec Executor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if desc.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if _, exists := r.tools[desc.Name]; exists {
		return fmt.Errorf("tool %q already registered", desc.Name)
	}
	r.tools[desc.Name] = desc
	r.executors[desc.Name] = exec
	return nil
}

// SetEnabled toggles a tool at runtime. Unknown tools return an error so a
// config typo does not silently disable nothing.
func (r *Registry) SetEnabled(name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	desc, ok := r.tools[name]
	if !ok {
		return fmt.Errorf("tool %q not registered", name)
	}
	desc.Enabled = enabled
	r.tools[name] = desc
	return nil
}

func (r *Registry) Get(name string) (ToolDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.tools[name]
	return desc, ok
}

func (r *Registry) Executor(name string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exec, ok := r.executors[name]
	return exec, ok
}

// List returns all descriptors sorted by name.
func (r *Registry) List() []ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ToolDescriptor, 0, len(r.tools))
	for _, d := range r.tools {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ListEnabled returns enabled descriptors sorted by name.
func (r *Registry) ListEnabled() []ToolDescriptor {
	var out []ToolDescriptor
	for _, d := range r.List() {
		if d.Enabled {
			out = append(out, d)
		}
	}
	return out
}

func (r *Registry) HasAction(tool, action string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	desc, ok := r.tools[tool]
	if !ok {
		return false
	}
	_, ok = desc.Action(action)
	return ok
}
