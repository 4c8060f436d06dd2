package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Theauxm/workrail/effect"
	"github.com/Theauxm/workrail/model"
	"github.com/Theauxm/workrail/persistence/inmem"
	"github.com/Theauxm/workrail/registry"
	"github.com/Theauxm/workrail/scheduler"
	"github.com/Theauxm/workrail/workflow"
)

type okInput struct {
	Name string `json:"name"`
}

type okFlow struct{}

func (okFlow) Define(w *workflow.Workflow[okInput, string], input okInput) workflow.Result[string] {
	workflow.Chain(w, workflow.StepFunc[okInput, string](func(ctx context.Context, in okInput) (string, error) {
		return "hello " + in.Name, nil
	}))
	return w.Resolve()
}

type brokenInput struct {
	Attempts int `json:"attempts"`
}

type brokenFlow struct{}

func (brokenFlow) Define(w *workflow.Workflow[brokenInput, string], input brokenInput) workflow.Result[string] {
	workflow.Chain(w, workflow.StepFunc[brokenInput, string](func(ctx context.Context, in brokenInput) (string, error) {
		return "", errors.New("always fails")
	}))
	return w.Resolve()
}

type fixture struct {
	store *inmem.Store
	pool  *Pool
	wg    *sync.WaitGroup
}

func newFixture(t *testing.T) fixture {
	store := inmem.NewStore()
	workflows := registry.NewWorkflows()
	require.NoError(t, registry.Register[okInput, string](workflows, okFlow{}))
	require.NoError(t, registry.Register[brokenInput, string](workflows, brokenFlow{}))
	runner, err := effect.NewRunner(effect.DefaultRegistry(store))
	require.NoError(t, err)
	wg := &sync.WaitGroup{}
	pool := NewPool(store, workflows, runner, "test-executor", 8, wg)
	return fixture{store: store, pool: pool, wg: wg}
}

func scheduleManifest(t *testing.T, f fixture, externalId string, name string, input any, maxRetries int) *model.Manifest {
	props, err := json.Marshal(input)
	require.NoError(t, err)
	m := &model.Manifest{
		ExternalId:   externalId,
		Name:         name,
		Properties:   props,
		IsEnabled:    true,
		ScheduleType: model.SCHEDULE_TYPE_INTERVAL,
		MaxRetries:   maxRetries,
	}
	require.NoError(t, f.store.Manifests().Upsert(context.Background(), m))
	return m
}

func dispatchMetadata(t *testing.T, f fixture, m *model.Manifest) *model.Metadata {
	meta := model.NewMetadata(m.Name, m.ExternalId, "test-executor")
	meta.ManifestId = &m.Id
	meta.Input = m.Properties
	require.NoError(t, f.store.Metadata().Create(context.Background(), meta))
	return meta
}

func TestDispatcher(t *testing.T) {
	for scenario, fn := range map[string]func(t *testing.T, f fixture){
		"test success records run":              testSuccessRecordsRun,
		"test failure requeues with delay":      testFailureRequeues,
		"test retries exhaust into dead letter": testDeadLetterThreshold,
		"test cancellation never retries":       testCancellationNoRetry,
		"test manifest claim exclusivity":       testClaimExclusivity,
		"test queue entry dispatch":             testQueueDispatch,
		"test dependent input resolution":       testDependentInputResolution,
		"test dead letter retry":                testDeadLetterRetry,
		"test dead letter acknowledge":          testDeadLetterAcknowledge,
	} {
		t.Run(scenario, func(t *testing.T) {
			fn(t, newFixture(t))
		})
	}
}

func testSuccessRecordsRun(t *testing.T, f fixture) {
	ctx := context.Background()
	m := scheduleManifest(t, f, "greet-1", "okFlow", okInput{Name: "world"}, 3)
	meta := dispatchMetadata(t, f, m)

	require.NoError(t, f.pool.execute(ctx, meta.Id))

	stored, err := f.store.Metadata().Get(ctx, meta.Id)
	require.NoError(t, err)
	require.Equal(t, model.STATE_COMPLETED, stored.WorkflowState)
	require.JSONEq(t, `"hello world"`, string(stored.Output))

	updated, err := f.store.Manifests().GetById(ctx, m.Id)
	require.NoError(t, err)
	require.NotNil(t, updated.LastSuccessfulRun)
	require.Equal(t, 0, updated.RetryCount)
}

func testFailureRequeues(t *testing.T, f fixture) {
	ctx := context.Background()
	m := scheduleManifest(t, f, "broken-1", "brokenFlow", brokenInput{}, 3)
	meta := dispatchMetadata(t, f, m)

	require.NoError(t, f.pool.execute(ctx, meta.Id))

	stored, err := f.store.Metadata().Get(ctx, meta.Id)
	require.NoError(t, err)
	require.Equal(t, model.STATE_FAILED, stored.WorkflowState)

	updated, err := f.store.Manifests().GetById(ctx, m.Id)
	require.NoError(t, err)
	require.Equal(t, 1, updated.RetryCount)
	require.Nil(t, updated.LastSuccessfulRun)

	// The requeued entry is delayed, so an immediate claim finds nothing.
	claimed, err := f.store.WorkQueue().ClaimQueued(ctx, time.Now(), time.Minute, 10)
	require.NoError(t, err)
	require.Empty(t, claimed)

	claimed, err = f.store.WorkQueue().ClaimQueued(ctx, time.Now().Add(baseRetryDelay+time.Second), time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, 1, claimed[0].Attempt)

	// No dead letter before the budget runs out.
	letters, err := f.store.DeadLetters().List(ctx)
	require.NoError(t, err)
	require.Empty(t, letters)
}

func testDeadLetterThreshold(t *testing.T, f fixture) {
	ctx := context.Background()
	m := scheduleManifest(t, f, "broken-2", "brokenFlow", brokenInput{}, 3)

	// The fourth failure dead-letters: three requeues, then the letter.
	for i := 0; i < 4; i++ {
		meta := dispatchMetadata(t, f, m)
		require.NoError(t, f.pool.execute(ctx, meta.Id))
		updated, err := f.store.Manifests().GetById(ctx, m.Id)
		require.NoError(t, err)
		*m = *updated
	}

	letters, err := f.store.DeadLetters().List(ctx)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	require.Equal(t, model.DEAD_LETTER_AWAITING_INTERVENTION, letters[0].Status)
	require.Equal(t, 3, letters[0].RetryCount)
	require.Contains(t, letters[0].Reason, "always fails")

	// The budget restarts after dead-lettering.
	updated, err := f.store.Manifests().GetById(ctx, m.Id)
	require.NoError(t, err)
	require.Equal(t, 0, updated.RetryCount)
}

func testCancellationNoRetry(t *testing.T, f fixture) {
	ctx := context.Background()
	m := scheduleManifest(t, f, "broken-3", "brokenFlow", brokenInput{}, 3)
	m.TimeoutSeconds = 1
	meta := dispatchMetadata(t, f, m)

	stored, err := f.store.Metadata().Get(ctx, meta.Id)
	require.NoError(t, err)
	require.NoError(t, stored.Begin())
	require.NoError(t, stored.Cancel())
	require.NoError(t, f.store.Metadata().Update(ctx, stored))

	// A terminal row is skipped outright: no retry, no dead letter.
	require.NoError(t, f.pool.execute(ctx, meta.Id))

	updated, err := f.store.Manifests().GetById(ctx, m.Id)
	require.NoError(t, err)
	require.Equal(t, 0, updated.RetryCount)
	letters, err := f.store.DeadLetters().List(ctx)
	require.NoError(t, err)
	require.Empty(t, letters)
}

func testClaimExclusivity(t *testing.T, f fixture) {
	ctx := context.Background()
	m := scheduleManifest(t, f, "greet-2", "okFlow", okInput{Name: "x"}, 3)

	now := time.Now()
	claimed, err := f.store.Manifests().Claim(ctx, m.Id, now, time.Minute)
	require.NoError(t, err)
	require.True(t, claimed)

	claimed, err = f.store.Manifests().Claim(ctx, m.Id, now.Add(time.Second), time.Minute)
	require.NoError(t, err)
	require.False(t, claimed)

	// The claim expires with the visibility timeout.
	claimed, err = f.store.Manifests().Claim(ctx, m.Id, now.Add(2*time.Minute), time.Minute)
	require.NoError(t, err)
	require.True(t, claimed)
}

type recordingServer struct {
	ids []int64
}

func (r *recordingServer) Enqueue(ctx context.Context, metadataId int64) error {
	r.ids = append(r.ids, metadataId)
	return nil
}

func testQueueDispatch(t *testing.T, f fixture) {
	ctx := context.Background()
	m := scheduleManifest(t, f, "greet-3", "okFlow", okInput{Name: "y"}, 3)

	entry := &model.WorkQueueEntry{
		ExternalId:   m.ExternalId,
		WorkflowName: m.Name,
		Input:        m.Properties,
		ManifestId:   &m.Id,
	}
	require.NoError(t, f.store.WorkQueue().Enqueue(ctx, entry))

	server := &recordingServer{}
	d := NewQueueDispatcher(f.store, server, "test-executor", 1, time.Minute, 10, f.wg)
	d.dispatch()

	require.Len(t, server.ids, 1)

	meta, err := f.store.Metadata().Get(ctx, server.ids[0])
	require.NoError(t, err)
	require.Equal(t, model.STATE_PENDING, meta.WorkflowState)
	require.Equal(t, m.Name, meta.Name)

	stored, err := f.store.WorkQueue().Get(ctx, entry.Id)
	require.NoError(t, err)
	require.Equal(t, model.WORK_QUEUE_DISPATCHED, stored.Status)
	require.Equal(t, meta.Id, *stored.MetadataId)
}

func testDependentInputResolution(t *testing.T, f fixture) {
	ctx := context.Background()
	parent := scheduleManifest(t, f, "greet-parent", "okFlow", okInput{Name: "z"}, 3)

	parentRun := dispatchMetadata(t, f, parent)
	require.NoError(t, parentRun.Begin())
	require.NoError(t, parentRun.Complete())
	parentRun.Output = []byte(`{"name": "from-parent"}`)
	require.NoError(t, f.store.Metadata().Update(ctx, parentRun))

	childProps, err := json.Marshal(map[string]string{"name": "{$.name}"})
	require.NoError(t, err)
	child := &model.Manifest{
		ExternalId:          "greet-child",
		Name:                "okFlow",
		Properties:          childProps,
		IsEnabled:           true,
		ScheduleType:        model.SCHEDULE_TYPE_DEPENDENT,
		DependsOnManifestId: &parent.Id,
	}
	require.NoError(t, f.store.Manifests().Upsert(ctx, child))

	workflows := registry.NewWorkflows()
	require.NoError(t, registry.Register[okInput, string](workflows, okFlow{}))
	sch := scheduler.New(f.store, workflows, scheduler.NewCronParser())
	poller := NewManifestPoller(f.store, sch, 1, time.Minute, f.wg)

	require.NoError(t, poller.enqueue(ctx, child))

	claimed, err := f.store.WorkQueue().ClaimQueued(ctx, time.Now(), time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.JSONEq(t, `{"name":"from-parent"}`, string(claimed[0].Input))
}

func testDeadLetterRetry(t *testing.T, f fixture) {
	ctx := context.Background()
	m := scheduleManifest(t, f, "greet-4", "okFlow", okInput{Name: "retry"}, 0)

	dl := &model.DeadLetter{
		ManifestId:     m.Id,
		DeadLetteredAt: time.Now(),
		Status:         model.DEAD_LETTER_AWAITING_INTERVENTION,
		Reason:         "always fails",
	}
	require.NoError(t, f.store.DeadLetters().Create(ctx, dl))

	server := &recordingServer{}
	svc := NewDeadLetterService(f.store, server, "test-executor")

	meta, err := svc.Retry(ctx, dl.Id)
	require.NoError(t, err)
	require.Len(t, server.ids, 1)
	require.Equal(t, meta.Id, server.ids[0])

	updated, err := f.store.DeadLetters().Get(ctx, dl.Id)
	require.NoError(t, err)
	require.Equal(t, model.DEAD_LETTER_RETRIED, updated.Status)
	require.NotNil(t, updated.ResolvedAt)
	require.Equal(t, meta.Id, *updated.RetryMetadataId)

	// A resolved letter cannot be retried again.
	_, err = svc.Retry(ctx, dl.Id)
	require.Error(t, err)
}

func testDeadLetterAcknowledge(t *testing.T, f fixture) {
	ctx := context.Background()
	m := scheduleManifest(t, f, "greet-5", "okFlow", okInput{Name: "ack"}, 0)

	dl := &model.DeadLetter{
		ManifestId:     m.Id,
		DeadLetteredAt: time.Now(),
		Status:         model.DEAD_LETTER_AWAITING_INTERVENTION,
		Reason:         "always fails",
	}
	require.NoError(t, f.store.DeadLetters().Create(ctx, dl))

	svc := NewDeadLetterService(f.store, &recordingServer{}, "test-executor")
	require.NoError(t, svc.Acknowledge(ctx, dl.Id, "known upstream outage"))

	updated, err := f.store.DeadLetters().Get(ctx, dl.Id)
	require.NoError(t, err)
	require.Equal(t, model.DEAD_LETTER_ACKNOWLEDGED, updated.Status)
	require.Equal(t, "known upstream outage", updated.ResolutionNote)
	require.NotNil(t, updated.ResolvedAt)
}
