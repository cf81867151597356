package transport

import (
	"fmt"
	"slices"
	"sync"
)

// Factory creates an Opener for one backend.
type Factory func() (Opener, error)

var (
	backendsMu sync.RWMutex
	backends   = make(map[string]Factory)
)

// Register makes a backend available under name. Backends call it from init.
func Register(name string, factory Factory) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	if factory == nil {
		panic("transport: Register factory is nil")
	}
	if _, dup := backends[name]; dup {
		panic("transport: Register called twice for backend " + name)
	}
	backends[name] = factory
}

// New creates an Opener using the named backend.
func New(name string) (Opener, error) {
	backendsMu.RLock()
	factory, ok := backends[name]
	backendsMu.RUnlock()
	if !ok {
		return nil, NewError("open-backend", CodeNotSupported,
			fmt.Errorf("backend %q is not compiled in (available: %v)", name, Backends()))
	}
	return factory()
}

// Backends returns the sorted names of the registered backends.
func Backends() []string {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
