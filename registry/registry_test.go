package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Theauxm/workrail/effect"
	"github.com/Theauxm/workrail/persistence/inmem"
	"github.com/Theauxm/workrail/workflow"
)

type echoInput struct {
	Message string `json:"message"`
}

type echoFlow struct{}

func (echoFlow) Define(w *workflow.Workflow[echoInput, string], input echoInput) workflow.Result[string] {
	workflow.Chain(w, workflow.StepFunc[echoInput, string](func(ctx context.Context, in echoInput) (string, error) {
		return in.Message, nil
	}))
	return w.Resolve()
}

type echoAgainFlow struct{}

func (echoAgainFlow) Define(w *workflow.Workflow[echoInput, string], input echoInput) workflow.Result[string] {
	return w.Resolve()
}

func TestWorkflowRegistry(t *testing.T) {
	for scenario, fn := range map[string]func(t *testing.T, r *Workflows){
		"test register and lookup": func(t *testing.T, r *Workflows) {
			require.NoError(t, Register[echoInput, string](r, echoFlow{}))

			e, ok := r.Lookup("echoFlow")
			require.True(t, ok)
			require.Equal(t, "registry.echoInput", e.InputTypeName)

			entry, err := r.ValidateInput(echoInput{Message: "hi"})
			require.NoError(t, err)
			require.Equal(t, "echoFlow", entry.Name)
		},
		"test duplicate name rejected": func(t *testing.T, r *Workflows) {
			require.NoError(t, Register[echoInput, string](r, echoFlow{}))
			require.Error(t, Register[echoInput, string](r, echoFlow{}))
		},
		"test duplicate input type rejected": func(t *testing.T, r *Workflows) {
			require.NoError(t, Register[echoInput, string](r, echoFlow{}))
			require.Error(t, Register[echoInput, string](r, echoAgainFlow{}))
		},
		"test unknown input rejected": func(t *testing.T, r *Workflows) {
			_, err := r.ValidateInput(struct{ X int }{})
			require.Error(t, err)
			_, err = r.ValidateInput(nil)
			require.Error(t, err)
		},
		"test execute decodes and encodes": func(t *testing.T, r *Workflows) {
			require.NoError(t, Register[echoInput, string](r, echoFlow{}))
			store := inmem.NewStore()
			runner, err := effect.NewRunner(effect.DefaultRegistry(store))
			require.NoError(t, err)

			out, meta, err := r.Execute(context.Background(), runner, "echoFlow", []byte(`{"message":"ping"}`), effect.ExecOptions{Executor: "test"})
			require.NoError(t, err)
			require.JSONEq(t, `"ping"`, string(out))
			require.NotNil(t, meta)

			_, _, err = r.Execute(context.Background(), runner, "missing", nil, effect.ExecOptions{})
			require.Error(t, err)
		},
	} {
		t.Run(scenario, func(t *testing.T) {
			fn(t, NewWorkflows())
		})
	}
}
