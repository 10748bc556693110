package system

import (
	"fmt"
	"sync"
)

// Registry owns the named, stably addressed systems. The name tables are
// guarded by a reader/writer lock; the system values themselves are not.
// Callers declare access to a system through task access descriptors.
type Registry struct {
	mu      sync.RWMutex
	names   []string
	systems []any
	index   map[string]Handle
}

func NewRegistry() *Registry {
	return &Registry{
		names:   make([]string, 0, 16),
		systems: make([]any, 0, 16),
		index:   make(map[string]Handle, 16),
	}
}

// Add inserts sys under name and returns its handle.
func (r *Registry) Add(name string, sys any) (Handle, error) {
	h, err := r.Reserve(name)
	if err != nil {
		return InvalidHandle, err
	}
	r.Set(h, sys)
	return h, nil
}

// Reserve claims name and its handle before the system exists, so a
// constructor can already refer to its own system. The slot reads as unknown
// until Set fills it.
func (r *Registry) Reserve(name string) (Handle, error) {
	name, err := CanonicalName(name)
	if err != nil {
		return InvalidHandle, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.index[name]; ok {
		return InvalidHandle, fmt.Errorf("add system %q: %w", name, ErrDuplicateSystem)
	}
	h := Handle(len(r.systems))
	r.systems = append(r.systems, nil)
	r.names = append(r.names, name)
	r.index[name] = h
	return h, nil
}

// Set stores sys in a reserved slot.
func (r *Registry) Set(h Handle, sys any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if int(h) < len(r.systems) {
		r.systems[h] = sys
	}
}

// Drop abandons a reservation whose constructor failed. The handle is never
// reused; the name becomes free again.
func (r *Registry) Drop(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if int(h) >= len(r.systems) || r.systems[h] != nil {
		return
	}
	delete(r.index, r.names[h])
	r.names[h] = ""
}

// Lookup resolves a name to its handle.
func (r *Registry) Lookup(name string) (Handle, error) {
	cname, err := CanonicalName(name)
	if err != nil {
		return InvalidHandle, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.index[cname]
	if !ok {
		return InvalidHandle, fmt.Errorf("system %q: %w", name, ErrUnknownSystem)
	}
	return h, nil
}

// At returns the system stored at h.
func (r *Registry) At(h Handle) (any, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if int(h) >= len(r.systems) || r.systems[h] == nil {
		return nil, fmt.Errorf("system handle %d: %w", h, ErrUnknownSystem)
	}
	return r.systems[h], nil
}

// Name returns the registered name of h, or "" if h is unknown.
func (r *Registry) Name(h Handle) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if int(h) >= len(r.names) {
		return ""
	}
	return r.names[h]
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.systems)
}

// Names returns the registered names in registration order. Dropped
// reservations are skipped.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.names))
	for _, n := range r.names {
		if n != "" {
			out = append(out, n)
		}
	}
	return out
}

// Shutdown calls Shutdown on every system that implements Shutdowner, in
// reverse registration order: later systems may depend on earlier ones.
func (r *Registry) Shutdown() {
	r.mu.RLock()
	systems := make([]any, len(r.systems))
	copy(systems, r.systems)
	r.mu.RUnlock()

	for i := len(systems) - 1; i >= 0; i-- {
		if s, ok := systems[i].(Shutdowner); ok {
			s.Shutdown()
		}
	}
}

// Get returns the system registered under name as a T.
func Get[T any](r *Registry, name string) (T, error) {
	var zero T
	h, err := r.Lookup(name)
	if err != nil {
		return zero, err
	}
	return GetByHandle[T](r, h)
}

// GetByHandle returns the system stored at h as a T.
func GetByHandle[T any](r *Registry, h Handle) (T, error) {
	var zero T
	v, err := r.At(h)
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("system %q is %T: %w", r.Name(h), v, ErrSystemType)
	}
	return t, nil
}
