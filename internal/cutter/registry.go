package cutter

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Constructor builds a fresh cutter for a declared argument type
type Constructor func() Cutter

// Registry maps declared argument type names to cutter constructors.
// Commands resolve their argument table against it once at setup time, so
// an unknown type fails at startup instead of on the first message.
//
// Besides the registered names, two forms are understood:
//
//	[]T  a list of T (Sequence)
//	T?   an optional T defaulting to nil
type Registry struct {
	mu    sync.RWMutex
	ctors map[string]Constructor
}

// NewRegistry returns a registry with the built-in types
func NewRegistry() *Registry {
	r := &Registry{ctors: make(map[string]Constructor)}
	r.Register("int", func() Cutter { return Int() })
	r.Register("float", func() Cutter { return Float{} })
	r.Register("word", func() Cutter { return Word{} })
	r.Register("string", func() Cutter { return String{} })
	r.Register("bool", func() Cutter { return Bool{} })
	r.Register("mention", func() Cutter { return Mention() })
	r.Register("user", func() Cutter { return User() })
	r.Register("group", func() Cutter { return Community() })
	return r
}

// Register adds or replaces a type
func (r *Registry) Register(name string, ctor Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ctors[name] = ctor
}

// Lookup builds a cutter for typeName
func (r *Registry) Lookup(typeName string) (Cutter, error) {
	typeName = strings.TrimSpace(typeName)
	switch {
	case strings.HasSuffix(typeName, "?"):
		inner, err := r.Lookup(strings.TrimSuffix(typeName, "?"))
		if err != nil {
			return nil, err
		}
		return Maybe(inner, nil), nil
	case strings.HasPrefix(typeName, "[]"):
		inner, err := r.Lookup(strings.TrimPrefix(typeName, "[]"))
		if err != nil {
			return nil, err
		}
		return List(inner), nil
	}

	r.mu.RLock()
	ctor, ok := r.ctors[typeName]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no cutter registered for type %q (known: %s)", typeName, strings.Join(r.Names(), ", "))
	}
	return ctor(), nil
}

// Names lists registered type names in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.ctors))
	for n := range r.ctors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
