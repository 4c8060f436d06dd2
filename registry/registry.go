package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"github.com/Theauxm/workrail/effect"
	"github.com/Theauxm/workrail/memory"
	"github.com/Theauxm/workrail/model"
	"github.com/Theauxm/workrail/workflow"
)

// Executable is the type-erased run function stored per workflow: decode
// the raw input, execute with effects, encode the output.
type Executable func(ctx context.Context, runner *effect.Runner, rawInput []byte, opts effect.ExecOptions) ([]byte, *model.Metadata, error)

type Entry struct {
	Name          string
	InputType     reflect.Type
	InputTypeName string
	exec          Executable
}

// Workflows maps workflow names and input types to executable
// definitions. One input type resolves to exactly one workflow; the
// scheduler validates against this before any database write.
type Workflows struct {
	mu      sync.RWMutex
	byName  map[string]*Entry
	byInput map[reflect.Type]*Entry
}

func NewWorkflows() *Workflows {
	return &Workflows{
		byName:  make(map[string]*Entry),
		byInput: make(map[reflect.Type]*Entry),
	}
}

// Register adds a workflow definition. Duplicate names or a second
// workflow for the same input type are configuration errors at startup.
func Register[TIn, TOut any](r *Workflows, def workflow.Definition[TIn, TOut]) error {
	name := definitionName(def)
	inputType := memory.TypeKey[TIn]()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[name]; ok {
		return fmt.Errorf("workflow %s is already registered", name)
	}
	if existing, ok := r.byInput[inputType]; ok {
		return fmt.Errorf("input type %s is already bound to workflow %s", inputType, existing.Name)
	}

	entry := &Entry{
		Name:          name,
		InputType:     inputType,
		InputTypeName: inputType.String(),
		exec: func(ctx context.Context, runner *effect.Runner, rawInput []byte, opts effect.ExecOptions) ([]byte, *model.Metadata, error) {
			var input TIn
			if len(rawInput) > 0 {
				if err := json.Unmarshal(rawInput, &input); err != nil {
					return nil, nil, fmt.Errorf("decoding input for workflow %s: %w", name, err)
				}
			}
			res, meta, err := effect.Execute(ctx, runner, def, input, opts)
			if err != nil {
				return nil, meta, err
			}
			if res.IsErr() {
				return nil, meta, res.Error()
			}
			out, err := json.Marshal(res.Value())
			if err != nil {
				return nil, meta, fmt.Errorf("encoding output for workflow %s: %w", name, err)
			}
			return out, meta, nil
		},
	}
	r.byName[name] = entry
	r.byInput[inputType] = entry
	return nil
}

func (r *Workflows) Lookup(name string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byName[name]
	return e, ok
}

func (r *Workflows) LookupByInput(t reflect.Type) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byInput[t]
	return e, ok
}

// ValidateInput fails fast for input types no workflow is registered for,
// so misconfiguration surfaces at schedule time instead of dispatch time.
func (r *Workflows) ValidateInput(input any) (*Entry, error) {
	if input == nil {
		return nil, fmt.Errorf("schedule input is nil")
	}
	t := reflect.TypeOf(input)
	e, ok := r.LookupByInput(t)
	if !ok {
		return nil, fmt.Errorf("no workflow registered for input type %s", t)
	}
	return e, nil
}

// Execute runs the named workflow against raw JSON input.
func (r *Workflows) Execute(ctx context.Context, runner *effect.Runner, name string, rawInput []byte, opts effect.ExecOptions) ([]byte, *model.Metadata, error) {
	e, ok := r.Lookup(name)
	if !ok {
		return nil, nil, fmt.Errorf("workflow %s is not registered", name)
	}
	return e.exec(ctx, runner, rawInput, opts)
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
