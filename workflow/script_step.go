package workflow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/Theauxm/workrail/logger"
)

// ScriptStep evaluates a javascript expression against a map payload. The
// payload is bound to $ and whatever the script leaves in $ becomes the
// output.
type ScriptStep struct {
	name       string
	expression string
}

var _ Step[map[string]any, map[string]any] = new(ScriptStep)

func NewScriptStep(name string, expression string) (*ScriptStep, error) {
	if len(expression) == 0 {
		return nil, fmt.Errorf("script step %s: expression can not be empty", name)
	}
	return &ScriptStep{name: name, expression: expression}, nil
}

func (s *ScriptStep) StepName() string {
	return s.name
}

func (s *ScriptStep) Run(ctx context.Context, input map[string]any) (map[string]any, error) {
	logger.Debug("running script step", zap.String("step", s.name))
	data, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}
	expression := fmt.Sprintf("var $ = %s;\n", data) + s.expression
	vm := goja.New()
	if _, err := vm.RunString(expression); err != nil {
		return nil, fmt.Errorf("error executing javascript %w", err)
	}
	val, err := vm.RunString("$")
	if err != nil {
		return nil, fmt.Errorf("error executing javascript %w", err)
	}
	res, err := json.Marshal(val.Export())
	if err != nil {
		return nil, err
	}
	var output map[string]any
	if err := json.Unmarshal(res, &output); err != nil {
		return nil, err
	}
	return output, nil
}
