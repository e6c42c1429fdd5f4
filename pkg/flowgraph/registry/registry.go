package registry

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
)

// ErrUnknown is matched by every *UnknownError.
var ErrUnknown = errors.New("unknown name")

// UnknownError is returned by Lookup for a name that was never registered.
type UnknownError struct {
	Kind  string
	Name  string
	Known []string
}

func (e *UnknownError) Error() string {
	return fmt.Sprintf("unknown %s %q (known: %s)", e.Kind, e.Name, strings.Join(e.Known, ", "))
}

func (e *UnknownError) Is(target error) bool { return target == ErrUnknown }

// Registry holds values by name.
type Registry[V any] struct {
	kind    string
	mu      sync.RWMutex
	entries map[string]V
}

// New creates an empty registry. kind names what is registered and is only
// used in error messages.
func New[V any](kind string) *Registry[V] {
	return &Registry[V]{kind: kind, entries: make(map[string]V)}
}

// Register adds or replaces the value for name. Names are case-insensitive.
func (r *Registry[V]) Register(name string, v V) *Registry[V] {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[normalize(name)] = v
	return r
}

// Get returns the value for name and whether it exists.
func (r *Registry[V]) Get(name string) (V, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.entries[normalize(name)]
	return v, ok
}

// Lookup is Get with an *UnknownError for missing names.
func (r *Registry[V]) Lookup(name string) (V, error) {
	if v, ok := r.Get(name); ok {
		return v, nil
	}
	var zero V
	return zero, &UnknownError{Kind: r.kind, Name: name, Known: r.Names()}
}

// Names returns the registered names in sorted order.
func (r *Registry[V]) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for k := range r.entries {
		names = append(names, k)
	}
	slices.Sort(names)
	return names
}

// Len returns the number of registered names.
func (r *Registry[V]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
