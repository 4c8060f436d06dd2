package effect

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Theauxm/workrail/model"
	"github.com/Theauxm/workrail/persistence/inmem"
	"github.com/Theauxm/workrail/workflow"
)

type doubleInput struct {
	N int `json:"n"`
}

type doubleFlow struct{}

func (doubleFlow) Define(w *workflow.Workflow[doubleInput, int], input doubleInput) workflow.Result[int] {
	workflow.Chain(w, workflow.StepFunc[doubleInput, int](func(ctx context.Context, in doubleInput) (int, error) {
		return in.N * 2, nil
	}))
	return w.Resolve()
}

type failFlow struct{}

func (failFlow) Define(w *workflow.Workflow[doubleInput, int], input doubleInput) workflow.Result[int] {
	workflow.Chain(w, workflow.StepFunc[doubleInput, int](func(ctx context.Context, in doubleInput) (int, error) {
		return 0, errors.New("step exploded")
	}))
	return w.Resolve()
}

type cancelFlow struct{}

func (cancelFlow) Define(w *workflow.Workflow[doubleInput, int], input doubleInput) workflow.Result[int] {
	workflow.Chain(w, workflow.StepFunc[doubleInput, int](func(ctx context.Context, in doubleInput) (int, error) {
		return 0, ctx.Err()
	}))
	return w.Resolve()
}

type fixture struct {
	store  *inmem.Store
	runner *Runner
}

func TestEffectExecution(t *testing.T) {
	for scenario, fn := range map[string]func(t *testing.T, f fixture){
		"test success persists completed row": testSuccessPersists,
		"test failure persists failed row":    testFailurePersists,
		"test failure appends log row":        testFailureLogs,
		"test cancellation returns error":     testCancellationSurfaces,
		"test existing row adopted":           testExistingAdopted,
		"test provider panic is isolated":     testProviderPanicIsolated,
		"test disabled provider skipped":      testDisabledProviderSkipped,
	} {
		t.Run(scenario, func(t *testing.T) {
			store := inmem.NewStore()
			runner, err := NewRunner(DefaultRegistry(store))
			require.NoError(t, err)
			fn(t, fixture{store: store, runner: runner})
		})
	}
}

func testSuccessPersists(t *testing.T, f fixture) {
	ctx := context.Background()
	res, meta, err := Execute[doubleInput, int](ctx, f.runner, doubleFlow{}, doubleInput{N: 21}, ExecOptions{Executor: "test"})
	require.NoError(t, err)
	require.NoError(t, res.Error())
	require.Equal(t, 42, res.Value())

	stored, err := f.store.Metadata().Get(ctx, meta.Id)
	require.NoError(t, err)
	require.Equal(t, model.STATE_COMPLETED, stored.WorkflowState)
	require.JSONEq(t, `{"n":21}`, string(stored.Input))
	require.JSONEq(t, `42`, string(stored.Output))
	require.NotNil(t, stored.EndTime)
	require.Empty(t, stored.CurrentlyRunningStep)
}

func testFailurePersists(t *testing.T, f fixture) {
	ctx := context.Background()
	res, meta, err := Execute[doubleInput, int](ctx, f.runner, failFlow{}, doubleInput{N: 1}, ExecOptions{Executor: "test"})
	require.NoError(t, err)
	require.Error(t, res.Error())

	stored, err := f.store.Metadata().Get(ctx, meta.Id)
	require.NoError(t, err)
	require.Equal(t, model.STATE_FAILED, stored.WorkflowState)
	require.Equal(t, "step exploded", stored.FailureReason)
	require.NotEmpty(t, stored.FailureStep)
	require.NotNil(t, stored.EndTime)
}

func testFailureLogs(t *testing.T, f fixture) {
	ctx := context.Background()
	_, meta, err := Execute[doubleInput, int](ctx, f.runner, failFlow{}, doubleInput{N: 1}, ExecOptions{Executor: "test"})
	require.NoError(t, err)

	logs, err := f.store.Logs().ListByMetadata(ctx, meta.Id)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	require.Equal(t, "error", logs[0].Level)
}

func testCancellationSurfaces(t *testing.T, f fixture) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, meta, err := Execute[doubleInput, int](ctx, f.runner, cancelFlow{}, doubleInput{N: 1}, ExecOptions{Executor: "test"})
	require.Error(t, err)
	require.True(t, workflow.IsCancellation(err))

	stored, getErr := f.store.Metadata().Get(context.Background(), meta.Id)
	require.NoError(t, getErr)
	require.Equal(t, model.STATE_CANCELLED, stored.WorkflowState)

	// Cancellation is not a business failure and writes no error log.
	logs, logErr := f.store.Logs().ListByMetadata(context.Background(), meta.Id)
	require.NoError(t, logErr)
	require.Empty(t, logs)
}

func testExistingAdopted(t *testing.T, f fixture) {
	ctx := context.Background()
	existing := model.NewMetadata("doubleFlow", "job-1", "dispatcher")
	require.NoError(t, f.store.Metadata().Create(ctx, existing))

	_, meta, err := Execute[doubleInput, int](ctx, f.runner, doubleFlow{}, doubleInput{N: 2}, ExecOptions{
		ExternalId: "job-1",
		Executor:   "dispatcher",
		Existing:   existing,
	})
	require.NoError(t, err)
	require.Equal(t, existing.Id, meta.Id)

	stored, err := f.store.Metadata().Get(ctx, existing.Id)
	require.NoError(t, err)
	require.Equal(t, model.STATE_COMPLETED, stored.WorkflowState)
}

type panickingFactory struct{}

func (panickingFactory) Name() string {
	return "panicking"
}

func (panickingFactory) Create() (Provider, error) {
	return panickingProvider{}, nil
}

type panickingProvider struct{}

func (panickingProvider) Track(ctx context.Context, m *model.Metadata) error {
	panic("track blew up")
}

func (panickingProvider) Update(ctx context.Context, m *model.Metadata) error {
	panic("update blew up")
}

func (panickingProvider) OnError(ctx context.Context, m *model.Metadata, cause error) error {
	panic("on error blew up")
}

func (panickingProvider) SaveChanges(ctx context.Context) error {
	panic("save blew up")
}

func (panickingProvider) Close() error {
	panic("close blew up")
}

func testProviderPanicIsolated(t *testing.T, f fixture) {
	ctx := context.Background()
	registry := DefaultRegistry(f.store)
	registry.Register(panickingFactory{})
	runner, err := NewRunner(registry)
	require.NoError(t, err)

	res, meta, err := Execute[doubleInput, int](ctx, runner, doubleFlow{}, doubleInput{N: 5}, ExecOptions{Executor: "test"})
	require.NoError(t, err)
	require.Equal(t, 10, res.Value())

	stored, err := f.store.Metadata().Get(ctx, meta.Id)
	require.NoError(t, err)
	require.Equal(t, model.STATE_COMPLETED, stored.WorkflowState)
}

func testDisabledProviderSkipped(t *testing.T, f fixture) {
	ctx := context.Background()
	registry := DefaultRegistry(f.store)
	registry.Disable("metadata")
	runner, err := NewRunner(registry)
	require.NoError(t, err)

	_, meta, err := Execute[doubleInput, int](ctx, runner, doubleFlow{}, doubleInput{N: 3}, ExecOptions{Executor: "test"})
	require.NoError(t, err)

	// No metadata provider means the row was never created.
	require.Equal(t, int64(0), meta.Id)
	_, getErr := f.store.Metadata().Get(ctx, meta.Id)
	require.Error(t, getErr)
}
