package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Theauxm/workrail/logger"
	"github.com/Theauxm/workrail/model"
	"github.com/Theauxm/workrail/persistence"
	"github.com/Theauxm/workrail/registry"
)

// ManifestScheduler owns the Manifest table: typed schedule definitions
// in, idempotent upserts out. Every workflow/input pair is validated
// against the registry before any write.
type ManifestScheduler struct {
	data      persistence.DataContext
	workflows *registry.Workflows
	parser    CronParser
}

func New(data persistence.DataContext, workflows *registry.Workflows, parser CronParser) *ManifestScheduler {
	return &ManifestScheduler{
		data:      data,
		workflows: workflows,
		parser:    parser,
	}
}

// BatchItem is one (externalId, input) pair of a ScheduleMany call.
type BatchItem struct {
	ExternalId string
	Input      any
	Options    *model.Options
}

// Schedule upserts a manifest by ExternalId. Updates overwrite the
// definition (schedule, input, options) and preserve runtime state; rows
// are never deleted and recreated.
func (s *ManifestScheduler) Schedule(ctx context.Context, externalId string, input any, schedule model.Schedule, opts model.Options) error {
	m, err := s.buildManifest(ctx, s.data, externalId, input, schedule, opts)
	if err != nil {
		return err
	}
	if err := s.data.Manifests().Upsert(ctx, m); err != nil {
		return err
	}
	logger.Info("manifest scheduled", zap.String("externalId", externalId), zap.String("workflow", m.Name), zap.String("scheduleType", string(m.ScheduleType)))
	return nil
}

// ScheduleMany maps a source batch to manifests and upserts them in a
// single transaction; any failure rolls the whole batch back. With a
// prune prefix, manifests under the prefix that are absent from the batch
// are deleted afterwards (dead letters, then metadata, then the manifest,
// respecting reference order).
func (s *ManifestScheduler) ScheduleMany(ctx context.Context, items []BatchItem, schedule model.Schedule, prunePrefix string) error {
	return s.data.Transact(ctx, func(tx persistence.DataContext) error {
		kept := make(map[string]bool, len(items))
		for i, item := range items {
			opts := model.Options{}
			if item.Options != nil {
				opts = *item.Options
			}
			m, err := s.buildManifest(ctx, tx, item.ExternalId, item.Input, schedule, opts)
			if err != nil {
				return fmt.Errorf("batch item %d (%s): %w", i, item.ExternalId, err)
			}
			if err := tx.Manifests().Upsert(ctx, m); err != nil {
				return fmt.Errorf("batch item %d (%s): %w", i, item.ExternalId, err)
			}
			kept[item.ExternalId] = true
		}
		if prunePrefix == "" {
			return nil
		}
		existing, err := tx.Manifests().ListByPrefix(ctx, prunePrefix)
		if err != nil {
			return err
		}
		for _, m := range existing {
			if kept[m.ExternalId] {
				continue
			}
			if err := tx.DeadLetters().DeleteByManifest(ctx, m.Id); err != nil {
				return err
			}
			if err := tx.Metadata().DeleteByManifest(ctx, m.Id); err != nil {
				return err
			}
			if err := tx.Manifests().Delete(ctx, m.Id); err != nil {
				return err
			}
			logger.Info("manifest pruned", zap.String("externalId", m.ExternalId))
		}
		return nil
	})
}

// ScheduleDependent schedules a manifest that fires when the named parent
// succeeds. Parents must be scheduled first: a missing parent is an
// error, not a deferred lookup.
func (s *ManifestScheduler) ScheduleDependent(ctx context.Context, externalId string, input any, parentExternalId string, opts model.Options) error {
	return s.Schedule(ctx, externalId, input, model.DependentOn(parentExternalId), opts)
}

func (s *ManifestScheduler) ScheduleManyDependent(ctx context.Context, items []BatchItem, parentExternalId string, prunePrefix string) error {
	return s.ScheduleMany(ctx, items, model.DependentOn(parentExternalId), prunePrefix)
}

func (s *ManifestScheduler) Disable(ctx context.Context, externalId string) error {
	return s.data.Manifests().SetEnabled(ctx, externalId, false)
}

func (s *ManifestScheduler) Enable(ctx context.Context, externalId string) error {
	return s.data.Manifests().SetEnabled(ctx, externalId, true)
}

// TriggerNow enqueues an out-of-band execution of the manifest's current
// stored input, independent of its schedule.
func (s *ManifestScheduler) TriggerNow(ctx context.Context, externalId string) (*model.WorkQueueEntry, error) {
	m, err := s.data.Manifests().Get(ctx, externalId)
	if err != nil {
		return nil, err
	}
	entry := &model.WorkQueueEntry{
		ExternalId:    m.ExternalId,
		WorkflowName:  m.Name,
		Input:         m.Properties,
		InputTypeName: m.PropertyTypeName,
		ManifestId:    &m.Id,
	}
	if err := s.data.WorkQueue().Enqueue(ctx, entry); err != nil {
		return nil, err
	}
	logger.Info("manifest triggered", zap.String("externalId", externalId), zap.Int64("queueEntry", entry.Id))
	return entry, nil
}

// Due evaluates the manifest's schedule against now. Dependent manifests
// are due when the parent has succeeded since our last attempt.
func (s *ManifestScheduler) Due(ctx context.Context, m *model.Manifest, now time.Time) (bool, error) {
	if !m.IsEnabled {
		return false, nil
	}
	switch m.ScheduleType {
	case model.SCHEDULE_TYPE_INTERVAL:
		next := m.ScheduleBaseline().Add(time.Duration(m.IntervalSeconds) * time.Second)
		return !next.After(now), nil
	case model.SCHEDULE_TYPE_CRON:
		schedule, err := s.parser.Parse(m.CronExpression)
		if err != nil {
			return false, err
		}
		return !schedule.Next(m.ScheduleBaseline()).After(now), nil
	case model.SCHEDULE_TYPE_DEPENDENT:
		if m.DependsOnManifestId == nil {
			return false, nil
		}
		parent, err := s.data.Manifests().GetById(ctx, *m.DependsOnManifestId)
		if err != nil {
			return false, err
		}
		if parent.LastSuccessfulRun == nil {
			return false, nil
		}
		return m.LastAttemptAt == nil || parent.LastSuccessfulRun.After(*m.LastAttemptAt), nil
	default:
		return false, nil
	}
}

func (s *ManifestScheduler) buildManifest(ctx context.Context, data persistence.DataContext, externalId string, input any, schedule model.Schedule, opts model.Options) (*model.Manifest, error) {
	if externalId == "" {
		return nil, fmt.Errorf("manifest externalId can not be empty")
	}
	entry, err := s.workflows.ValidateInput(input)
	if err != nil {
		return nil, err
	}
	properties, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("serializing manifest input: %w", err)
	}

	m := &model.Manifest{
		ExternalId:       externalId,
		Name:             entry.Name,
		PropertyTypeName: entry.InputTypeName,
		Properties:       properties,
		IsEnabled:        !opts.Disabled,
		ScheduleType:     schedule.Type,
		MaxRetries:       opts.MaxRetries,
		TimeoutSeconds:   opts.TimeoutSeconds,
		GroupId:          opts.GroupId,
		Priority:         opts.Priority,
	}

	switch schedule.Type {
	case model.SCHEDULE_TYPE_CRON:
		if _, err := s.parser.Parse(schedule.CronExpression); err != nil {
			return nil, fmt.Errorf("invalid cron expression %q: %w", schedule.CronExpression, err)
		}
		m.CronExpression = schedule.CronExpression
	case model.SCHEDULE_TYPE_INTERVAL:
		if schedule.IntervalSeconds <= 0 {
			return nil, fmt.Errorf("interval schedule requires a positive interval")
		}
		m.IntervalSeconds = schedule.IntervalSeconds
	case model.SCHEDULE_TYPE_DEPENDENT:
		parent, err := data.Manifests().Get(ctx, schedule.ParentExternalId)
		if err != nil {
			return nil, fmt.Errorf("dependent manifest %s: parent %s must be scheduled first: %w", externalId, schedule.ParentExternalId, err)
		}
		if err := s.checkCycle(ctx, data, externalId, parent); err != nil {
			return nil, err
		}
		m.DependsOnManifestId = &parent.Id
	}
	return m, nil
}

// checkCycle walks the dependency chain upward from the proposed parent;
// a manifest must never depend, transitively, on itself.
func (s *ManifestScheduler) checkCycle(ctx context.Context, data persistence.DataContext, externalId string, parent *model.Manifest) error {
	visited := make(map[int64]bool)
	current := parent
	for {
		if current.ExternalId == externalId {
			return fmt.Errorf("dependency cycle: manifest %s would transitively depend on itself", externalId)
		}
		if current.DependsOnManifestId == nil {
			return nil
		}
		if visited[current.Id] {
			return fmt.Errorf("dependency cycle detected at manifest %s", current.ExternalId)
		}
		visited[current.Id] = true
		next, err := data.Manifests().GetById(ctx, *current.DependsOnManifestId)
		if err != nil {
			return err
		}
		current = next
	}
}
