package effect

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Theauxm/workrail/logger"
	"github.com/Theauxm/workrail/model"
	"github.com/Theauxm/workrail/workflow"
)

// ExecOptions carries the identity the dispatcher already knows about the
// run. Existing adopts a Metadata row created at dispatch time instead of
// creating a fresh one.
type ExecOptions struct {
	ExternalId string
	Executor   string
	ManifestId *int64
	ParentId   *int64
	Existing   *model.Metadata
}

// Execute runs a workflow definition with the three effect checkpoints:
// Initialize (Pending -> InProgress, providers notified), step-boundary
// hooks (live progress), Finish (terminal state, failure fields, flush).
// The metadata is persisted on success and failure alike. The error return
// is non-nil only for cancellation.
func Execute[TIn, TOut any](ctx context.Context, runner *Runner, def workflow.Definition[TIn, TOut], input TIn, opts ExecOptions) (workflow.Result[TOut], *model.Metadata, error) {
	w := workflow.Prepare(ctx, def)
	if opts.ExternalId != "" {
		w.SetExternalId(opts.ExternalId)
	}
	if opts.ParentId != nil {
		w.SetParentId(*opts.ParentId)
	}

	m := opts.Existing
	if m == nil {
		externalId := opts.ExternalId
		if externalId == "" {
			externalId = uuid.New().String()
		}
		m = model.NewMetadata(w.WorkflowName(), externalId, opts.Executor)
	}
	m.ManifestId = opts.ManifestId
	m.ParentId = opts.ParentId
	m.InputValue = input

	runner.Track(ctx, m)
	if err := m.Begin(); err != nil {
		logger.Error("metadata transition rejected", zap.String("workflow", m.Name), zap.Error(err))
	}
	runner.Update(ctx, m)

	w.SetHooks(workflow.Hooks{
		BeforeStep: func(name string) {
			now := time.Now()
			m.CurrentlyRunningStep = name
			m.StepStartedAt = &now
			runner.Update(ctx, m)
		},
		AfterStep: func(name string, err error) {
			m.CurrentlyRunningStep = ""
			m.StepStartedAt = nil
			runner.Update(ctx, m)
		},
	})

	res := w.Execute(def, input)
	if res.Error() == nil {
		m.OutputValue = res.Value()
	}
	finish(ctx, runner, w, m, res.Error())

	if err := res.Error(); err != nil && workflow.IsCancellation(err) {
		return res, m, err
	}
	return res, m, nil
}

func finish[TIn, TOut any](ctx context.Context, runner *Runner, w *workflow.Workflow[TIn, TOut], m *model.Metadata, cause error) {
	switch {
	case cause == nil:
		if err := m.Complete(); err != nil {
			logger.Error("metadata transition rejected", zap.String("workflow", m.Name), zap.Error(err))
		}
	case workflow.IsCancellation(cause):
		if err := m.Cancel(); err != nil {
			logger.Error("metadata transition rejected", zap.String("workflow", m.Name), zap.Error(err))
		}
	default:
		if err := m.Fail(w.FailureStep(), rootCause(cause)); err != nil {
			logger.Error("metadata transition rejected", zap.String("workflow", m.Name), zap.Error(err))
		}
		var pe *workflow.PanicError
		if errors.As(cause, &pe) {
			m.StackTrace = pe.Stack
		}
	}

	runner.Update(ctx, m)
	if cause != nil && !workflow.IsCancellation(cause) {
		runner.OnError(ctx, m, cause)
	}
	runner.SaveChanges(ctx)
}

// rootCause strips the step wrapper so FailureException names the error
// the step actually produced.
func rootCause(err error) error {
	var se *workflow.StepError
	if errors.As(err, &se) && se.Err != nil {
		return se.Err
	}
	return err
}
