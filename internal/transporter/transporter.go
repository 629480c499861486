// Package transporter defines the contract for delivery backends and the
// asynchronous workers that drive them.
//
// A Transporter performs one blocking Sync at a time. The pipeline never
// calls it directly: it hands jobs to a Worker, which runs them on its own
// goroutine and reports exactly one Result per job.
package transporter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Action is what a Sync should do at the destination.
type Action int

const (
	// AddModify uploads or replaces the destination file.
	AddModify Action = iota
	// Delete removes the destination file.
	Delete
)

// String returns a human-readable representation of the action.
func (a Action) String() string {
	switch a {
	case AddModify:
		return "add_modify"
	case Delete:
		return "delete"
	default:
		return "unknown"
	}
}

// Errors returned by the registry and by backends.
var (
	// ErrUnknownTransporter is returned for unregistered backend names.
	ErrUnknownTransporter = errors.New("unknown transporter")

	// ErrMissingSetting is returned by factories when a required setting
	// is absent.
	ErrMissingSetting = errors.New("missing transporter setting")
)

// Transporter delivers files to one destination.
type Transporter interface {
	// Sync makes dst match src (AddModify) or removes dst (Delete). On
	// AddModify it returns the public URL of the delivered file, if the
	// backend has one. Deleting a missing dst is not an error.
	Sync(ctx context.Context, src, dst string, action Action) (string, error)
	// Close releases backend resources.
	Close() error
}

// Factory builds a Transporter from a server's settings.
type Factory func(settings map[string]string) (Transporter, error)

// Registry maps backend names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Default is the registry built-in backends register with.
var Default = NewRegistry()

// Register adds a backend to the Default registry.
// This is called from init() functions in backend packages.
func Register(name string, f Factory) {
	Default.Register(name, f)
}

// Register adds a backend. It panics on a nil factory or a duplicate name.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if f == nil {
		panic(fmt.Sprintf("transporter: Register factory is nil for %s", name))
	}
	if _, exists := r.factories[name]; exists {
		panic(fmt.Sprintf("transporter: Register called twice for %s", name))
	}
	r.factories[name] = f
}

// IsRegistered returns true if a backend is registered under name.
func (r *Registry) IsRegistered(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[name]
	return ok
}

// New builds the named backend.
func (r *Registry) New(name string, settings map[string]string) (Transporter, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTransporter, name)
	}
	t, err := f(settings)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s transporter: %w", name, err)
	}
	return t, nil
}

// Names returns all registered backend names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Require returns ErrMissingSetting naming the first absent key.
func Require(settings map[string]string, keys ...string) error {
	for _, k := range keys {
		if settings[k] == "" {
			return fmt.Errorf("%w: %s", ErrMissingSetting, k)
		}
	}
	return nil
}
