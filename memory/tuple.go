package memory

import "reflect"

// Decomposable values are stored element by element; the composite type is
// never a memory key. Tuple2 through Tuple7 are the supported arities.
type Decomposable interface {
	Elements() []any
}

var decomposableType = reflect.TypeOf((*Decomposable)(nil)).Elem()

// isTupleType reports whether t can be reassembled field by field on an
// extraction miss.
func isTupleType(t reflect.Type) bool {
	return t.Kind() == reflect.Struct && t.Implements(decomposableType)
}

type Tuple2[T1, T2 any] struct {
	V1 T1
	V2 T2
}

func (t Tuple2[T1, T2]) Elements() []any {
	return []any{t.V1, t.V2}
}

type Tuple3[T1, T2, T3 any] struct {
	V1 T1
	V2 T2
	V3 T3
}

func (t Tuple3[T1, T2, T3]) Elements() []any {
	return []any{t.V1, t.V2, t.V3}
}

type Tuple4[T1, T2, T3, T4 any] struct {
	V1 T1
	V2 T2
	V3 T3
	V4 T4
}

func (t Tuple4[T1, T2, T3, T4]) Elements() []any {
	return []any{t.V1, t.V2, t.V3, t.V4}
}

type Tuple5[T1, T2, T3, T4, T5 any] struct {
	V1 T1
	V2 T2
	V3 T3
	V4 T4
	V5 T5
}

func (t Tuple5[T1, T2, T3, T4, T5]) Elements() []any {
	return []any{t.V1, t.V2, t.V3, t.V4, t.V5}
}

type Tuple6[T1, T2, T3, T4, T5, T6 any] struct {
	V1 T1
	V2 T2
	V3 T3
	V4 T4
	V5 T5
	V6 T6
}

func (t Tuple6[T1, T2, T3, T4, T5, T6]) Elements() []any {
	return []any{t.V1, t.V2, t.V3, t.V4, t.V5, t.V6}
}

type Tuple7[T1, T2, T3, T4, T5, T6, T7 any] struct {
	V1 T1
	V2 T2
	V3 T3
	V4 T4
	V5 T5
	V6 T6
	V7 T7
}

func (t Tuple7[T1, T2, T3, T4, T5, T6, T7]) Elements() []any {
	return []any{t.V1, t.V2, t.V3, t.V4, t.V5, t.V6, t.V7}
}
