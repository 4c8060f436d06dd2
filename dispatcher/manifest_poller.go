package dispatcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/Theauxm/workrail/logger"
	"github.com/Theauxm/workrail/model"
	"github.com/Theauxm/workrail/persistence"
	"github.com/Theauxm/workrail/scheduler"
	"github.com/Theauxm/workrail/util"
)

// ManifestPoller walks the enabled manifests on every tick, claims the due
// ones and turns them into work queue entries. The claim keeps concurrent
// pollers from enqueueing the same manifest twice inside the visibility
// window.
type ManifestPoller struct {
	data       persistence.DataContext
	scheduler  *scheduler.ManifestScheduler
	visibility time.Duration
	tw         *util.TickWorker
	stop       chan struct{}
}

func NewManifestPoller(data persistence.DataContext, sch *scheduler.ManifestScheduler, pollIntervalSeconds int, visibility time.Duration, wg *sync.WaitGroup) *ManifestPoller {
	p := &ManifestPoller{
		data:       data,
		scheduler:  sch,
		visibility: visibility,
		stop:       make(chan struct{}),
	}
	p.tw = util.NewTickWorker("manifest-poller", pollIntervalSeconds, p.stop, p.poll, wg)
	return p
}

func (p *ManifestPoller) Start() error {
	p.tw.Start()
	return nil
}

func (p *ManifestPoller) Stop() error {
	p.tw.Stop()
	return nil
}

func (p *ManifestPoller) Name() string {
	return "manifest-poller"
}

func (p *ManifestPoller) poll() {
	ctx := context.Background()
	var manifests []*model.Manifest
	err := retry.Do(ctx, retry.WithMaxRetries(3, retry.NewFibonacci(500*time.Millisecond)), func(ctx context.Context) error {
		var err error
		manifests, err = p.data.Manifests().ListEnabled(ctx)
		if err != nil {
			var sle persistence.StorageLayerError
			if errors.As(err, &sle) {
				return retry.RetryableError(err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		logger.Error("error listing enabled manifests", zap.Error(err))
		return
	}

	now := time.Now()
	for _, m := range manifests {
		due, err := p.scheduler.Due(ctx, m, now)
		if err != nil {
			logger.Error("error evaluating schedule", zap.String("externalId", m.ExternalId), zap.Error(err))
			continue
		}
		if !due {
			continue
		}
		claimed, err := p.data.Manifests().Claim(ctx, m.Id, now, p.visibility)
		if err != nil {
			logger.Error("error claiming manifest", zap.String("externalId", m.ExternalId), zap.Error(err))
			continue
		}
		if !claimed {
			continue
		}
		if err := p.enqueue(ctx, m); err != nil {
			logger.Error("error enqueueing due manifest", zap.String("externalId", m.ExternalId), zap.Error(err))
			if relErr := p.data.Manifests().ReleaseClaim(ctx, m.Id); relErr != nil {
				logger.Error("error releasing manifest claim", zap.String("externalId", m.ExternalId), zap.Error(relErr))
			}
		}
	}
}

func (p *ManifestPoller) enqueue(ctx context.Context, m *model.Manifest) error {
	input := m.Properties
	if m.ScheduleType == model.SCHEDULE_TYPE_DEPENDENT {
		resolved, err := p.dependentInput(ctx, m)
		if err != nil {
			return err
		}
		input = resolved
	}
	entry := &model.WorkQueueEntry{
		ExternalId:    m.ExternalId,
		WorkflowName:  m.Name,
		Input:         input,
		InputTypeName: m.PropertyTypeName,
		ManifestId:    &m.Id,
	}
	if err := p.data.WorkQueue().Enqueue(ctx, entry); err != nil {
		return err
	}
	logger.Debug("manifest enqueued", zap.String("externalId", m.ExternalId), zap.Int64("queueEntry", entry.Id))
	return nil
}

// dependentInput substitutes jsonpath tokens in the manifest's properties
// with the parent's most recent completed output.
func (p *ManifestPoller) dependentInput(ctx context.Context, m *model.Manifest) ([]byte, error) {
	if m.DependsOnManifestId == nil {
		return m.Properties, nil
	}
	parentRun, err := p.data.Metadata().LatestCompleted(ctx, *m.DependsOnManifestId)
	if err != nil {
		var nf persistence.NotFoundError
		if errors.As(err, &nf) {
			return m.Properties, nil
		}
		return nil, err
	}
	return scheduler.ResolveProperties(m.Properties, parentRun.Output)
}
