package workflow

import (
	"context"
	"reflect"

	"github.com/Theauxm/workrail/memory"
)

// Step is the unit of work: one typed transformation. Failures are
// returned, never panicked; the railway adapter guards against both.
type Step[TIn, TOut any] interface {
	Run(ctx context.Context, input TIn) (TOut, error)
}

// StepFunc adapts a plain function to a Step.
type StepFunc[TIn, TOut any] func(ctx context.Context, input TIn) (TOut, error)

func (f StepFunc[TIn, TOut]) Run(ctx context.Context, input TIn) (TOut, error) {
	return f(ctx, input)
}

// Named lets a step override the reflected type name used in logs,
// metadata and failure records.
type Named interface {
	StepName() string
}

// StepRef is a registered step constructor: the factory resolves the
// step's dependencies from workflow memory at chain time. This is the
// auto-construct call shape, done with explicit closures instead of
// constructor reflection.
type StepRef[TIn, TOut any] struct {
	name    string
	factory func(m *memory.TypedMemory) (Step[TIn, TOut], error)
}

func NewStepRef[TIn, TOut any](name string, factory func(m *memory.TypedMemory) (Step[TIn, TOut], error)) StepRef[TIn, TOut] {
	return StepRef[TIn, TOut]{name: name, factory: factory}
}

func (r StepRef[TIn, TOut]) Name() string {
	return r.name
}

func stepName(step any) string {
	if n, ok := step.(Named); ok {
		return n.StepName()
	}
	t := reflect.TypeOf(step)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Name() != "" {
		return t.Name()
	}
	return t.String()
}
