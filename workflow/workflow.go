package workflow

import (
	"context"
	"errors"
	"reflect"

	"github.com/google/uuid"

	"github.com/Theauxm/workrail/memory"
)

// Hooks are the step-boundary callbacks the effect layer attaches; the
// plain engine never sets them.
type Hooks struct {
	BeforeStep func(name string)
	AfterStep  func(name string, err error)
}

// core carries the engine state shared by every call shape: memory, the
// terminal-failure slot and the short-circuit slot. It is deliberately
// free of type parameters so the chaining functions work on any workflow.
type core struct {
	mem         *memory.TypedMemory
	ctx         context.Context
	failure     error
	scValue     any
	scSet       bool
	hooks       Hooks
	stepCount   int
	externalId  string
	name        string
	parentId    *int64
	returnType  reflect.Type
}

// Flow is the handle the chaining functions operate on; every
// Workflow[TIn, TOut] satisfies it.
type Flow interface {
	base() *core
}

func (c *core) base() *core {
	return c
}

func (c *core) Memory() *memory.TypedMemory {
	return c.mem
}

func (c *core) Context() context.Context {
	return c.ctx
}

// Failure returns the terminal-failure slot, nil until a chained step
// fails.
func (c *core) Failure() error {
	return c.failure
}

func (c *core) ExternalId() string {
	return c.externalId
}

func (c *core) WorkflowName() string {
	return c.name
}

func (c *core) SetParentId(id int64) {
	c.parentId = &id
}

func (c *core) SetExternalId(id string) {
	c.externalId = id
}

func (c *core) SetHooks(h Hooks) {
	c.hooks = h
}

// StepCount is the number of step invocations that actually ran.
func (c *core) StepCount() int {
	return c.stepCount
}

func (c *core) setFailure(step string, err error) {
	if c.failure != nil {
		return
	}
	c.failure = &StepError{Step: step, Err: err}
}

// Fail records a terminal failure directly, for steps that detect misuse
// outside the chain.
func (c *core) Fail(step string, err error) {
	c.setFailure(step, err)
}

// FailureStep names the step that set the terminal failure, empty when
// the workflow has not failed.
func (c *core) FailureStep() string {
	if c.failure == nil {
		return ""
	}
	var se *StepError
	if errors.As(c.failure, &se) {
		return se.Step
	}
	return ""
}

// Workflow is one execution: a fresh TypedMemory, a terminal failure
// slot, a short-circuit slot and identity. TOut is the declared return
// type Resolve looks up.
type Workflow[TIn, TOut any] struct {
	core
}

// Definition is what end users implement: chain steps against the
// workflow and finish with Resolve.
type Definition[TIn, TOut any] interface {
	Define(w *Workflow[TIn, TOut], input TIn) Result[TOut]
}

func Prepare[TIn, TOut any](ctx context.Context, def Definition[TIn, TOut]) *Workflow[TIn, TOut] {
	return &Workflow[TIn, TOut]{
		core: core{
			mem:        memory.New(),
			ctx:        ctx,
			name:       definitionName(def),
			externalId: uuid.New().String(),
			returnType: memory.TypeKey[TOut](),
		},
	}
}

// Activate seeds memory with the primary input and any extras, each
// stored under its concrete type and declared facets. A nil input sets
// the terminal failure and leaves the workflow short-circuited so later
// stages still observe the failure uniformly.
func (w *Workflow[TIn, TOut]) Activate(input TIn, extras ...any) *Workflow[TIn, TOut] {
	if isNilInput(input) {
		w.setFailure("Activate", ErrNilInput)
		return w
	}
	if err := w.mem.Set(input); err != nil {
		w.setFailure("Activate", err)
		return w
	}
	if key := memory.TypeKey[TIn](); key.Kind() == reflect.Interface {
		w.mem.SetByType(key, input)
	}
	for _, extra := range extras {
		if err := w.mem.Set(extra); err != nil {
			w.setFailure("Activate", err)
			return w
		}
	}
	return w
}

// Resolve produces the final result. Priority: terminal failure, then the
// captured short-circuit value, then a memory lookup by the declared
// return type, then a type-not-found failure.
func (w *Workflow[TIn, TOut]) Resolve() Result[TOut] {
	if w.failure != nil {
		return Fail[TOut](w.failure)
	}
	if w.scSet {
		return Ok(w.scValue.(TOut))
	}
	if v, ok := w.mem.Extract(w.returnType); ok {
		return Ok(v.(TOut))
	}
	return Fail[TOut](&StepError{Step: "Resolve", Err: &TypeNotFoundError{Type: w.returnType}})
}

// Execute activates and runs the definition against this workflow.
func (w *Workflow[TIn, TOut]) Execute(def Definition[TIn, TOut], input TIn) Result[TOut] {
	w.Activate(input)
	return def.Define(w, input)
}

// Run executes the definition and unwraps: the success value, or the
// failure as an error preserving the original cause for errors.Is/As.
func Run[TIn, TOut any](ctx context.Context, def Definition[TIn, TOut], input TIn) (TOut, error) {
	res, err := RunEither(ctx, def, input)
	if err != nil {
		var zero TOut
		return zero, err
	}
	return res.Unwrap()
}

// RunEither returns the two-state result without raising business
// failures. Cancellation is not a business failure: it comes back in the
// separate error return.
func RunEither[TIn, TOut any](ctx context.Context, def Definition[TIn, TOut], input TIn) (Result[TOut], error) {
	w := Prepare(ctx, def)
	res := w.Execute(def, input)
	if err := res.Error(); err != nil && IsCancellation(err) {
		return res, err
	}
	return res, nil
}

func definitionName(def any) string {
	t := reflect.TypeOf(def)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Name() != "" {
		return t.Name()
	}
	return t.String()
}

func isNilInput(input any) bool {
	rv := reflect.ValueOf(input)
	if !rv.IsValid() {
		return true
	}
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func, reflect.Interface:
		return rv.IsNil()
	}
	return false
}
