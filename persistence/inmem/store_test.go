package inmem

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Theauxm/workrail/model"
	"github.com/Theauxm/workrail/persistence"
)

func TestStore(t *testing.T) {
	for scenario, fn := range map[string]func(t *testing.T, s *Store){
		"test transact rolls back on error":  testTransactRollsBack,
		"test work queue visibility timeout": testWorkQueueVisibility,
		"test latest completed ordering":     testLatestCompleted,
		"test list enabled priority order":   testListEnabledOrder,
	} {
		t.Run(scenario, func(t *testing.T) {
			fn(t, NewStore())
		})
	}
}

func testTransactRollsBack(t *testing.T, s *Store) {
	ctx := context.Background()
	err := s.Transact(ctx, func(tx persistence.DataContext) error {
		if err := tx.Manifests().Upsert(ctx, &model.Manifest{ExternalId: "a", Name: "flow"}); err != nil {
			return err
		}
		return errors.New("abort")
	})
	require.Error(t, err)

	_, err = s.Manifests().Get(ctx, "a")
	require.Error(t, err)

	// A committed transaction keeps its writes.
	err = s.Transact(ctx, func(tx persistence.DataContext) error {
		return tx.Manifests().Upsert(ctx, &model.Manifest{ExternalId: "b", Name: "flow"})
	})
	require.NoError(t, err)
	_, err = s.Manifests().Get(ctx, "b")
	require.NoError(t, err)
}

func testWorkQueueVisibility(t *testing.T, s *Store) {
	ctx := context.Background()
	entry := &model.WorkQueueEntry{ExternalId: "a", WorkflowName: "flow"}
	require.NoError(t, s.WorkQueue().Enqueue(ctx, entry))

	now := time.Now()
	claimed, err := s.WorkQueue().ClaimQueued(ctx, now, time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// Claimed entries stay invisible inside the window.
	claimed, err = s.WorkQueue().ClaimQueued(ctx, now.Add(time.Second), time.Minute, 10)
	require.NoError(t, err)
	require.Empty(t, claimed)

	// An abandoned claim becomes eligible again after the timeout.
	claimed, err = s.WorkQueue().ClaimQueued(ctx, now.Add(2*time.Minute), time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// A dispatched entry is gone for good.
	require.NoError(t, s.WorkQueue().MarkDispatched(ctx, entry.Id, 99))
	claimed, err = s.WorkQueue().ClaimQueued(ctx, now.Add(4*time.Minute), time.Minute, 10)
	require.NoError(t, err)
	require.Empty(t, claimed)
}

func testLatestCompleted(t *testing.T, s *Store) {
	ctx := context.Background()
	manifestId := int64(1)

	add := func(start time.Time, state model.WorkflowState, output string) {
		m := &model.Metadata{
			Name:          "flow",
			ManifestId:    &manifestId,
			WorkflowState: state,
			StartTime:     start,
			Output:        []byte(output),
		}
		require.NoError(t, s.Metadata().Create(ctx, m))
	}
	base := time.Now()
	add(base.Add(-3*time.Hour), model.STATE_COMPLETED, `"old"`)
	add(base.Add(-1*time.Hour), model.STATE_COMPLETED, `"new"`)
	add(base, model.STATE_FAILED, `"failed"`)

	latest, err := s.Metadata().LatestCompleted(ctx, manifestId)
	require.NoError(t, err)
	require.Equal(t, `"new"`, string(latest.Output))

	_, err = s.Metadata().LatestCompleted(ctx, int64(2))
	require.Error(t, err)
}

func testListEnabledOrder(t *testing.T, s *Store) {
	ctx := context.Background()
	require.NoError(t, s.Manifests().Upsert(ctx, &model.Manifest{ExternalId: "low", Name: "flow", IsEnabled: true, Priority: 1}))
	require.NoError(t, s.Manifests().Upsert(ctx, &model.Manifest{ExternalId: "off", Name: "flow", IsEnabled: false, Priority: 9}))
	require.NoError(t, s.Manifests().Upsert(ctx, &model.Manifest{ExternalId: "high", Name: "flow", IsEnabled: true, Priority: 5}))

	out, err := s.Manifests().ListEnabled(ctx)
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, "high", out[0].ExternalId)
	require.Equal(t, "low", out[1].ExternalId)
}
