// Package registry maps request targets to handlers
package registry

import (
	"errors"
	"fmt"
	"sort"

	"getshim/internal/response"
)

// ErrDuplicatePath is returned when a path is registered twice
var ErrDuplicatePath = errors.New("path already registered")

// Handler produces a Response synchronously. It takes no arguments.
type Handler func() response.Response

// Registry is an exact-match, case-sensitive map from path to Handler.
// Query strings are part of the path. It must be fully built before the first
// dispatch and is then shared read-only by every worker.
type Registry struct {
	routes map[string]Handler
}

// New creates an empty registry
func New() *Registry {
	return &Registry{
		routes: make(map[string]Handler),
	}
}

// Handle registers handler for path
func (r *Registry) Handle(path string, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("nil handler for %q", path)
	}
	if _, ok := r.routes[path]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicatePath, path)
	}

	r.routes[path] = handler
	return nil
}

// MustHandle is Handle for setup code that cannot recover from a bad route table
func (r *Registry) MustHandle(path string, handler Handler) {
	if err := r.Handle(path, handler); err != nil {
		panic(err)
	}
}

// Lookup returns the handler registered for exactly path
func (r *Registry) Lookup(path string) (Handler, bool) {
	if r == nil {
		return nil, false
	}
	handler, ok := r.routes[path]
	return handler, ok
}

// Len returns the number of registered paths
func (r *Registry) Len() int {
	return len(r.routes)
}

// Paths returns the registered paths in sorted order
func (r *Registry) Paths() []string {
	paths := make([]string, 0, len(r.routes))
	for p := range r.routes {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
