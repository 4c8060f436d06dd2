package memory

import (
	"fmt"
	"reflect"
	"sync"

	"go.uber.org/zap"

	"github.com/Theauxm/workrail/logger"
)

// Unit is the sentinel seeded into every fresh memory so steps that take
// no input still resolve.
type Unit struct{}

// Faceted values opt into additional interface keys: Set stores the value
// under its concrete type and under every type Facets returns.
type Faceted interface {
	Facets() []reflect.Type
}

// ServiceProvider is an optional secondary source consulted on extraction
// misses, letting long-lived dependencies be injected without occupying
// workflow memory.
type ServiceProvider interface {
	GetService(t reflect.Type) (any, bool)
}

var loggerType = reflect.TypeOf((*zap.Logger)(nil))

// TypedMemory maps a runtime type to exactly one value. Last write wins.
type TypedMemory struct {
	mu       sync.RWMutex
	values   map[reflect.Type]any
	services ServiceProvider
}

func New() *TypedMemory {
	m := &TypedMemory{
		values: make(map[reflect.Type]any),
	}
	m.values[reflect.TypeOf(Unit{})] = Unit{}
	return m
}

func (m *TypedMemory) AttachServices(sp ServiceProvider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.services = sp
}

// Set stores v under its concrete type and declared facets. Decomposable
// values (tuples) are broken into their elements; the tuple type itself is
// never a key.
func (m *TypedMemory) Set(v any) error {
	if v == nil {
		return fmt.Errorf("cannot store nil value in memory")
	}
	rv := reflect.ValueOf(v)
	if isNilable(rv.Kind()) && rv.IsNil() {
		return fmt.Errorf("cannot store nil %s in memory", rv.Type())
	}
	if d, ok := v.(Decomposable); ok {
		elements := d.Elements()
		if len(elements) < 2 || len(elements) > 7 {
			return fmt.Errorf("tuple of %d elements is not supported, must be 2 to 7", len(elements))
		}
		for _, e := range elements {
			if err := m.Set(e); err != nil {
				return err
			}
		}
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[rv.Type()] = v
	if f, ok := v.(Faceted); ok {
		for _, facet := range f.Facets() {
			if !rv.Type().AssignableTo(facet) {
				return fmt.Errorf("%s declares facet %s it does not implement", rv.Type(), facet)
			}
			m.values[facet] = v
		}
	}
	return nil
}

// SetByType stores v under an explicit key. The caller is responsible for
// assignability; the generic SetAs wrapper checks it at compile time.
func (m *TypedMemory) SetByType(t reflect.Type, v any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[t] = v
}

// Get is the direct lookup with no fallbacks.
func (m *TypedMemory) Get(t reflect.Type) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[t]
	return v, ok
}

// Extract resolves t with the fallback chain: direct hit, tuple
// reassembly, service provider, global logger. A miss returns (nil, false)
// and never panics; the engine records the failure on the workflow.
func (m *TypedMemory) Extract(t reflect.Type) (any, bool) {
	if v, ok := m.Get(t); ok {
		return v, true
	}
	if isTupleType(t) {
		return m.reassembleTuple(t)
	}
	m.mu.RLock()
	sp := m.services
	m.mu.RUnlock()
	if sp != nil {
		if v, ok := sp.GetService(t); ok {
			return v, true
		}
	}
	if t == loggerType {
		return logger.L(), true
	}
	return nil, false
}

// reassembleTuple gathers each element type individually; any missing
// element fails the whole extraction.
func (m *TypedMemory) reassembleTuple(t reflect.Type) (any, bool) {
	out := reflect.New(t).Elem()
	for i := 0; i < t.NumField(); i++ {
		elem, ok := m.Extract(t.Field(i).Type)
		if !ok {
			return nil, false
		}
		out.Field(i).Set(reflect.ValueOf(elem))
	}
	return out.Interface(), true
}

func isNilable(k reflect.Kind) bool {
	switch k {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func, reflect.Interface:
		return true
	}
	return false
}

func keyOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

// Put stores v. When T is an interface type the static type is the key;
// otherwise the concrete type rules apply.
func Put[T any](m *TypedMemory, v T) error {
	key := keyOf[T]()
	if key.Kind() == reflect.Interface {
		m.SetByType(key, v)
		return nil
	}
	return m.Set(v)
}

// SetAs stores v under the interface key I. Assignability is checked by
// the compiler at the call site.
func SetAs[I any](m *TypedMemory, v I) {
	m.SetByType(keyOf[I](), v)
}

// Take extracts a T using the full fallback chain.
func Take[T any](m *TypedMemory) (T, bool) {
	var zero T
	v, ok := m.Extract(keyOf[T]())
	if !ok {
		return zero, false
	}
	typed, ok := v.(T)
	if !ok {
		return zero, false
	}
	return typed, true
}

// TypeKey exposes the key derivation for callers outside the package.
func TypeKey[T any]() reflect.Type {
	return keyOf[T]()
}
