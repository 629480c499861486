package processor

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps processor names to descriptors.
type Registry struct {
	mu          sync.RWMutex
	descriptors map[string]Descriptor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{descriptors: make(map[string]Descriptor)}
}

// Default is the registry built-in processors register with.
var Default = NewRegistry()

// Register adds a processor to the Default registry.
// This is called from init() functions in processor packages.
//
// Example:
//
//	func init() {
//	    processor.Register(processor.Descriptor{Name: "unique_filename.MD5", New: newMD5})
//	}
func Register(d Descriptor) {
	Default.Register(d)
}

// Register adds a processor. It panics on a nil constructor or a duplicate
// name, both of which are programming errors.
func (r *Registry) Register(d Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if d.New == nil {
		panic(fmt.Sprintf("processor: Register constructor is nil for %s", d.Name))
	}
	if _, exists := r.descriptors[d.Name]; exists {
		panic(fmt.Sprintf("processor: Register called twice for %s", d.Name))
	}
	r.descriptors[d.Name] = d
}

// Lookup returns the descriptor registered under name.
func (r *Registry) Lookup(name string) (Descriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.descriptors[name]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrUnknownProcessor, name)
	}
	return d, nil
}

// Names returns all registered processor names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.descriptors))
	for name := range r.descriptors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
