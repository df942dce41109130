package saga

import (
	"fmt"
	"sort"
	"sync"
)

// DefinitionRegistry maps saga names to definitions so a recovery process
// can rebuild executions from snapshots. The host creates one and passes it
// to the Manager.
type DefinitionRegistry struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewDefinitionRegistry creates an empty registry.
func NewDefinitionRegistry() *DefinitionRegistry {
	return &DefinitionRegistry{defs: make(map[string]*Definition)}
}

// Register validates and adds a definition. Names must be unique.
func (r *DefinitionRegistry) Register(def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.Name]; exists {
		return fmt.Errorf("saga definition %q already registered", def.Name)
	}
	r.defs[def.Name] = def
	return nil
}

// Get returns the definition registered under name.
func (r *DefinitionRegistry) Get(name string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}

// Names returns the registered names in sorted order.
func (r *DefinitionRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
