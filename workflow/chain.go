package workflow

import (
	"fmt"
	"reflect"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/Theauxm/workrail/logger"
	"github.com/Theauxm/workrail/memory"
)

// runStep is the railway adapter, the single chokepoint every step
// executes through. A prior failure passes through untouched; a cancelled
// context stops the step before it starts; a returned error or recovered
// panic becomes a failure result. Nothing escapes the boundary.
func runStep[TIn, TOut any](c *core, name string, step Step[TIn, TOut], in Result[TIn]) (out Result[TOut]) {
	if in.IsErr() {
		return Fail[TOut](in.Error())
	}
	if err := c.ctx.Err(); err != nil {
		return Fail[TOut](err)
	}
	if c.hooks.BeforeStep != nil {
		c.hooks.BeforeStep(name)
	}
	defer func() {
		if p := recover(); p != nil {
			out = Fail[TOut](&PanicError{Value: p, Stack: string(debug.Stack())})
		}
		if c.hooks.AfterStep != nil {
			c.hooks.AfterStep(name, out.Error())
		}
	}()
	c.stepCount++
	value, err := step.Run(c.ctx, in.Value())
	if err != nil {
		return Fail[TOut](err)
	}
	return Ok(value)
}

func resolveInput[TIn any](c *core, step string) (TIn, bool) {
	var zero TIn
	in, ok := memory.Take[TIn](c.mem)
	if !ok {
		c.setFailure(step, &TypeNotFoundError{Type: memory.TypeKey[TIn]()})
		return zero, false
	}
	return in, true
}

func storeOutput(c *core, step string, out any) {
	if _, ok := out.(memory.Unit); ok {
		return
	}
	if err := c.mem.Set(out); err != nil {
		c.setFailure(step, err)
	}
}

// Chain resolves the step's input from memory, runs it through the
// adapter and stores the output back. Once the terminal failure is set,
// every Chain call is a pass-through no-op.
func Chain[TIn, TOut any](w Flow, step Step[TIn, TOut]) {
	c := w.base()
	if c.failure != nil {
		return
	}
	name := stepName(step)
	in, ok := resolveInput[TIn](c, name)
	if !ok {
		return
	}
	chainResolved(c, name, step, in)
}

// ChainWith runs the step on an explicit input, which is also placed in
// memory for downstream steps.
func ChainWith[TIn, TOut any](w Flow, step Step[TIn, TOut], input TIn) {
	c := w.base()
	if c.failure != nil {
		return
	}
	name := stepName(step)
	storeOutput(c, name, input)
	if c.failure != nil {
		return
	}
	chainResolved(c, name, step, input)
}

// ChainValue is the fully explicit shape: caller supplies the input and
// receives the output. The output still lands in memory.
func ChainValue[TIn, TOut any](w Flow, step Step[TIn, TOut], input TIn) (TOut, bool) {
	var zero TOut
	c := w.base()
	if c.failure != nil {
		return zero, false
	}
	name := stepName(step)
	res := runStep(c, name, step, Ok(input))
	if res.IsErr() {
		c.setFailure(name, res.Error())
		return zero, false
	}
	storeOutput(c, name, res.Value())
	if c.failure != nil {
		return zero, false
	}
	return res.Value(), true
}

// ChainRef constructs the step through its registered factory, resolving
// dependencies from memory. A factory error is a configuration failure at
// the point of misuse.
func ChainRef[TIn, TOut any](w Flow, ref StepRef[TIn, TOut]) {
	c := w.base()
	if c.failure != nil {
		return
	}
	step, err := ref.factory(c.mem)
	if err != nil {
		c.setFailure(ref.name, &ConfigurationError{Reason: fmt.Sprintf("constructing step %s: %v", ref.name, err)})
		return
	}
	in, ok := resolveInput[TIn](c, ref.name)
	if !ok {
		return
	}
	chainResolved(c, ref.name, step, in)
}

// ChainIface resolves the step instance from memory under the interface
// key I, enabling runtime-swappable implementations. I must be an
// interface type whose instance implements Step[TIn, TOut].
func ChainIface[I any, TIn, TOut any](w Flow) {
	c := w.base()
	if c.failure != nil {
		return
	}
	key := memory.TypeKey[I]()
	if key.Kind() != reflect.Interface {
		c.setFailure(key.String(), &ConfigurationError{Reason: fmt.Sprintf("ChainIface requires an interface type, got %s", key)})
		return
	}
	v, ok := c.mem.Get(key)
	if !ok {
		c.setFailure(key.String(), &TypeNotFoundError{Type: key})
		return
	}
	step, ok := v.(Step[TIn, TOut])
	if !ok {
		c.setFailure(key.String(), &ConfigurationError{Reason: fmt.Sprintf("%s instance does not implement the required step shape", key)})
		return
	}
	name := stepName(step)
	in, ok := resolveInput[TIn](c, name)
	if !ok {
		return
	}
	chainResolved(c, name, step, in)
}

func chainResolved[TIn, TOut any](c *core, name string, step Step[TIn, TOut], in TIn) {
	res := runStep(c, name, step, Ok(in))
	if res.IsErr() {
		c.setFailure(name, res.Error())
		return
	}
	storeOutput(c, name, res.Value())
}

// ShortCircuit runs an optional step whose failure is absorbed instead of
// propagated. A success whose output type matches the workflow's declared
// return type is captured for Resolve. Cancellation is never absorbed.
func ShortCircuit[TIn, TOut any](w Flow, step Step[TIn, TOut]) {
	c := w.base()
	if c.failure != nil {
		return
	}
	name := stepName(step)
	in, ok := memory.Take[TIn](c.mem)
	if !ok {
		logger.Debug("short-circuit step input missing, skipping", zap.String("step", name))
		return
	}
	res := runStep(c, name, step, Ok(in))
	if res.IsErr() {
		if IsCancellation(res.Error()) {
			c.setFailure(name, res.Error())
			return
		}
		logger.Debug("short-circuit step failed, continuing", zap.String("step", name), zap.Error(res.Error()))
		return
	}
	storeOutput(c, name, res.Value())
	if memory.TypeKey[TOut]() == c.returnType {
		c.scValue = res.Value()
		c.scSet = true
	}
}

// Extract promotes a member of type TTarget off a TSource already in
// memory into its own memory slot: first zero-arg exported method
// returning TTarget, then first exported field of that type.
func Extract[TTarget, TSource any](w Flow) {
	c := w.base()
	if c.failure != nil {
		return
	}
	src, ok := memory.Take[TSource](c.mem)
	if !ok {
		c.setFailure("Extract", &TypeNotFoundError{Type: memory.TypeKey[TSource]()})
		return
	}
	ExtractFrom[TTarget](w, src)
}

// ExtractFrom is Extract with the source supplied directly.
func ExtractFrom[TTarget any](w Flow, src any) {
	c := w.base()
	if c.failure != nil {
		return
	}
	target := memory.TypeKey[TTarget]()
	v, ok := extractMember(src, target)
	if !ok {
		c.setFailure("Extract", &TypeNotFoundError{Type: target})
		return
	}
	storeOutput(c, "Extract", v)
}

func extractMember(src any, target reflect.Type) (any, bool) {
	rv := reflect.ValueOf(src)
	if !rv.IsValid() {
		return nil, false
	}
	// Methods first: the property shape.
	for i := 0; i < rv.NumMethod(); i++ {
		mt := rv.Type().Method(i)
		if mt.Type.NumIn() != 1 || mt.Type.NumOut() != 1 {
			continue
		}
		if mt.Type.Out(0) == target {
			out := rv.Method(i).Call(nil)[0]
			return valueIfNotNil(out)
		}
	}
	elem := rv
	for elem.Kind() == reflect.Ptr {
		if elem.IsNil() {
			return nil, false
		}
		elem = elem.Elem()
	}
	if elem.Kind() != reflect.Struct {
		return nil, false
	}
	for i := 0; i < elem.NumField(); i++ {
		ft := elem.Type().Field(i)
		if !ft.IsExported() {
			continue
		}
		if ft.Type == target {
			return valueIfNotNil(elem.Field(i))
		}
	}
	return nil, false
}

func valueIfNotNil(v reflect.Value) (any, bool) {
	switch v.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func, reflect.Interface:
		if v.IsNil() {
			return nil, false
		}
	}
	return v.Interface(), true
}
