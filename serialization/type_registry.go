package serialization

import (
	"encoding/gob"
	"fmt"
	"reflect"
	"sync"
)

// Registry gives concrete types stable wire names. Every successful
// registration is also made with gob so the type can be decoded from an
// interface-typed field.
type Registry struct {
	types map[string]reflect.Type
	names map[reflect.Type]string
	mu    sync.RWMutex
}

// DefaultRegistry backs the package level Register helpers
var DefaultRegistry = NewTypeRegistry()

// NewTypeRegistry creates a new type registry
func NewTypeRegistry() *Registry {
	return &Registry{
		types: make(map[string]reflect.Type),
		names: make(map[reflect.Type]string),
	}
}

// Register registers a type with a wire name
func (r *Registry) Register(typeName string, value any) error {
	if typeName == "" {
		return fmt.Errorf("type name cannot be empty")
	}
	if value == nil {
		return fmt.Errorf("registered type cannot be nil")
	}

	t := reflect.TypeOf(value)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return fmt.Errorf("registered type must be a struct, got %v", t.Kind())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, exists := r.types[typeName]; exists {
		if existing == t {
			return nil
		}
		return fmt.Errorf("type name %s already registered to %v", typeName, existing)
	}
	if existing, exists := r.names[t]; exists {
		return fmt.Errorf("type %v already registered as %s", t, existing)
	}

	if err := registerGob(typeName, reflect.New(t).Elem().Interface()); err != nil {
		return err
	}

	r.types[typeName] = t
	r.names[t] = typeName
	return nil
}

// RegisterType registers a type using its package qualified name
func (r *Registry) RegisterType(value any) error {
	if value == nil {
		return fmt.Errorf("registered type cannot be nil")
	}

	t := reflect.TypeOf(value)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	typeName := t.Name()
	if typeName == "" {
		return fmt.Errorf("cannot determine type name for %v", t)
	}
	if t.PkgPath() != "" {
		typeName = t.PkgPath() + "." + typeName
	}

	return r.Register(typeName, value)
}

// Register registers a type with the DefaultRegistry
func Register(typeName string, value any) error {
	return DefaultRegistry.Register(typeName, value)
}

// RegisterType registers a type with the DefaultRegistry under its qualified name
func RegisterType(value any) error {
	return DefaultRegistry.RegisterType(value)
}

// gob keeps a process wide table and panics on conflicting entries
func registerGob(typeName string, value any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("gob registration of %s failed: %v", typeName, r)
		}
	}()
	gob.RegisterName(typeName, value)
	return nil
}
