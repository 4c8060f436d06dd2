package memory

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type greeter interface {
	Greet() string
}

type englishGreeter struct {
	prefix string
}

func (g englishGreeter) Greet() string {
	return g.prefix + " hello"
}

type facetedGreeter struct {
	prefix string
}

func (g facetedGreeter) Greet() string {
	return g.prefix + " hi"
}

func (g facetedGreeter) Facets() []reflect.Type {
	return []reflect.Type{reflect.TypeOf((*greeter)(nil)).Elem()}
}

type badFacet struct{}

func (b badFacet) Facets() []reflect.Type {
	return []reflect.Type{reflect.TypeOf((*error)(nil)).Elem()}
}

type serviceMap map[reflect.Type]any

func (s serviceMap) GetService(t reflect.Type) (any, bool) {
	v, ok := s[t]
	return v, ok
}

func TestTypedMemory(t *testing.T) {
	for scenario, fn := range map[string]func(t *testing.T, m *TypedMemory){
		"test last write wins":            testLastWriteWins,
		"test unit is seeded":             testUnitSeeded,
		"test nil values rejected":        testNilRejected,
		"test tuple decomposition":        testTupleDecomposition,
		"test tuple reassembly":           testTupleReassembly,
		"test facet storage":              testFacets,
		"test undeclared facet rejected":  testBadFacet,
		"test interface key via SetAs":    testSetAs,
		"test service provider fallback":  testServiceFallback,
		"test logger fallback":            testLoggerFallback,
		"test miss returns not found":     testMiss,
	} {
		t.Run(scenario, func(t *testing.T) {
			fn(t, New())
		})
	}
}

func testLastWriteWins(t *testing.T, m *TypedMemory) {
	require.NoError(t, m.Set(41))
	require.NoError(t, m.Set(42))
	v, ok := Take[int](m)
	require.True(t, ok)
	require.Equal(t, 42, v)
}

func testUnitSeeded(t *testing.T, m *TypedMemory) {
	_, ok := Take[Unit](m)
	require.True(t, ok)
}

func testNilRejected(t *testing.T, m *TypedMemory) {
	require.Error(t, m.Set(nil))
	var p *englishGreeter
	require.Error(t, m.Set(p))
}

func testTupleDecomposition(t *testing.T, m *TypedMemory) {
	require.NoError(t, m.Set(Tuple2[int, string]{V1: 7, V2: "seven"}))

	i, ok := Take[int](m)
	require.True(t, ok)
	require.Equal(t, 7, i)

	s, ok := Take[string](m)
	require.True(t, ok)
	require.Equal(t, "seven", s)

	// The tuple type itself is never a key in the direct map.
	_, ok = m.Get(reflect.TypeOf(Tuple2[int, string]{}))
	require.False(t, ok)
}

func testTupleReassembly(t *testing.T, m *TypedMemory) {
	require.NoError(t, m.Set(3))
	require.NoError(t, m.Set("three"))

	tup, ok := Take[Tuple2[int, string]](m)
	require.True(t, ok)
	require.Equal(t, 3, tup.V1)
	require.Equal(t, "three", tup.V2)

	// A missing element fails the whole reassembly.
	_, ok = Take[Tuple3[int, string, float64]](m)
	require.False(t, ok)
}

func testFacets(t *testing.T, m *TypedMemory) {
	require.NoError(t, m.Set(facetedGreeter{prefix: "x"}))

	byIface, ok := Take[greeter](m)
	require.True(t, ok)
	require.Equal(t, "x hi", byIface.Greet())

	byConcrete, ok := Take[facetedGreeter](m)
	require.True(t, ok)
	require.Equal(t, "x", byConcrete.prefix)
}

func testBadFacet(t *testing.T, m *TypedMemory) {
	require.Error(t, m.Set(badFacet{}))
}

func testSetAs(t *testing.T, m *TypedMemory) {
	SetAs[greeter](m, englishGreeter{prefix: "y"})

	g, ok := Take[greeter](m)
	require.True(t, ok)
	require.Equal(t, "y hello", g.Greet())

	// Stored under the interface key only.
	_, ok = Take[englishGreeter](m)
	require.False(t, ok)
}

func testServiceFallback(t *testing.T, m *TypedMemory) {
	m.AttachServices(serviceMap{
		reflect.TypeOf((*greeter)(nil)).Elem(): englishGreeter{prefix: "svc"},
	})

	g, ok := Take[greeter](m)
	require.True(t, ok)
	require.Equal(t, "svc hello", g.Greet())

	// A direct hit wins over the service provider.
	SetAs[greeter](m, englishGreeter{prefix: "mem"})
	g, ok = Take[greeter](m)
	require.True(t, ok)
	require.Equal(t, "mem hello", g.Greet())
}

func testLoggerFallback(t *testing.T, m *TypedMemory) {
	l, ok := Take[*zap.Logger](m)
	require.True(t, ok)
	require.NotNil(t, l)
}

func testMiss(t *testing.T, m *TypedMemory) {
	_, ok := Take[float64](m)
	require.False(t, ok)
}
