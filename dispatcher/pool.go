package dispatcher

import (
	"context"
	"sync"
	"time"

	"go.opencensus.io/stats"
	"go.uber.org/zap"

	"github.com/Theauxm/workrail/effect"
	"github.com/Theauxm/workrail/logger"
	"github.com/Theauxm/workrail/model"
	"github.com/Theauxm/workrail/persistence"
	"github.com/Theauxm/workrail/registry"
	"github.com/Theauxm/workrail/util"
)

// TaskServer is the background execution contract the dispatcher hands
// claimed work to.
type TaskServer interface {
	Enqueue(ctx context.Context, metadataId int64) error
}

const baseRetryDelay = 10 * time.Second

// Pool executes dispatched metadata through the workflow registry on a
// channel worker, then settles the manifest: success resets the retry
// counter, failure either requeues or dead-letters.
type Pool struct {
	data      persistence.DataContext
	workflows *registry.Workflows
	runner    *effect.Runner
	executor  string
	worker    *util.Worker
}

var _ TaskServer = new(Pool)

func NewPool(data persistence.DataContext, workflows *registry.Workflows, runner *effect.Runner, executor string, capacity int, wg *sync.WaitGroup) *Pool {
	p := &Pool{
		data:      data,
		workflows: workflows,
		runner:    runner,
		executor:  executor,
	}
	p.worker = util.NewWorker("workflow-pool", wg, p.handle, capacity)
	return p
}

func (p *Pool) Start() error {
	p.worker.Start()
	logger.Info("workflow pool started")
	return nil
}

func (p *Pool) Stop() error {
	p.worker.Stop()
	return nil
}

func (p *Pool) Name() string {
	return "workflow-pool"
}

func (p *Pool) Enqueue(ctx context.Context, metadataId int64) error {
	p.worker.Sender() <- metadataId
	return nil
}

func (p *Pool) handle(task util.Task) error {
	metadataId := task.(int64)
	return p.execute(context.Background(), metadataId)
}

func (p *Pool) execute(ctx context.Context, metadataId int64) error {
	meta, err := p.data.Metadata().Get(ctx, metadataId)
	if err != nil {
		return err
	}
	if meta.IsTerminal() {
		logger.Debug("metadata already terminal, skipping", zap.Int64("metadata", metadataId))
		return nil
	}

	var manifest *model.Manifest
	if meta.ManifestId != nil {
		manifest, err = p.data.Manifests().GetById(ctx, *meta.ManifestId)
		if err != nil {
			logger.Error("manifest missing for dispatched metadata", zap.Int64("metadata", metadataId), zap.Error(err))
		}
	}

	runCtx := ctx
	cancel := func() {}
	if manifest != nil && manifest.TimeoutSeconds > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(manifest.TimeoutSeconds)*time.Second)
	}
	defer cancel()

	opts := effect.ExecOptions{
		ExternalId: meta.ExternalId,
		Executor:   p.executor,
		ManifestId: meta.ManifestId,
		Existing:   meta,
	}
	_, _, runErr := p.workflows.Execute(runCtx, p.runner, meta.Name, meta.Input, opts)
	p.settle(ctx, manifest, meta, runErr)
	return nil
}

// settle applies the retry budget: below MaxRetries the job is requeued
// with a delay, at the threshold a dead letter is written. Cancellation is
// never treated as a retryable failure.
func (p *Pool) settle(ctx context.Context, manifest *model.Manifest, meta *model.Metadata, runErr error) {
	if manifest == nil {
		return
	}
	now := time.Now()
	switch {
	case runErr == nil:
		stats.Record(ctx, mCompleted.M(1))
		if err := p.data.Manifests().RecordAttempt(ctx, manifest.Id, now, true); err != nil {
			logger.Error("error recording successful run", zap.Int64("manifest", manifest.Id), zap.Error(err))
		}
	case meta.WorkflowState == model.STATE_CANCELLED:
		if err := p.data.Manifests().RecordAttempt(ctx, manifest.Id, now, false); err != nil {
			logger.Error("error recording cancelled run", zap.Int64("manifest", manifest.Id), zap.Error(err))
		}
	default:
		stats.Record(ctx, mFailed.M(1))
		if err := p.data.Manifests().RecordAttempt(ctx, manifest.Id, now, false); err != nil {
			logger.Error("error recording failed run", zap.Int64("manifest", manifest.Id), zap.Error(err))
		}
		if manifest.RetryCount < manifest.MaxRetries {
			p.requeue(ctx, manifest, runErr)
		} else {
			p.deadLetter(ctx, manifest, runErr)
		}
	}
}

func (p *Pool) requeue(ctx context.Context, manifest *model.Manifest, cause error) {
	attempt := manifest.RetryCount + 1
	if err := p.data.Manifests().SetRetryCount(ctx, manifest.Id, attempt); err != nil {
		logger.Error("error incrementing retry count", zap.Int64("manifest", manifest.Id), zap.Error(err))
		return
	}
	notBefore := time.Now().Add(time.Duration(attempt) * baseRetryDelay)
	entry := &model.WorkQueueEntry{
		ExternalId:    manifest.ExternalId,
		WorkflowName:  manifest.Name,
		Input:         manifest.Properties,
		InputTypeName: manifest.PropertyTypeName,
		NotBefore:     &notBefore,
		Attempt:       attempt,
		ManifestId:    &manifest.Id,
	}
	if err := p.data.WorkQueue().Enqueue(ctx, entry); err != nil {
		logger.Error("error requeueing failed manifest", zap.Int64("manifest", manifest.Id), zap.Error(err))
		return
	}
	stats.Record(ctx, mRetried.M(1))
	logger.Info("manifest requeued after failure", zap.String("externalId", manifest.ExternalId), zap.Int("attempt", attempt), zap.Error(cause))
}

func (p *Pool) deadLetter(ctx context.Context, manifest *model.Manifest, cause error) {
	dl := &model.DeadLetter{
		ManifestId:     manifest.Id,
		DeadLetteredAt: time.Now(),
		Status:         model.DEAD_LETTER_AWAITING_INTERVENTION,
		Reason:         cause.Error(),
		RetryCount:     manifest.RetryCount,
	}
	if err := p.data.DeadLetters().Create(ctx, dl); err != nil {
		logger.Error("error creating dead letter", zap.Int64("manifest", manifest.Id), zap.Error(err))
		return
	}
	// The budget restarts if the schedule fires the job again later.
	if err := p.data.Manifests().SetRetryCount(ctx, manifest.Id, 0); err != nil {
		logger.Error("error resetting retry count", zap.Int64("manifest", manifest.Id), zap.Error(err))
	}
	stats.Record(ctx, mDeadLettered.M(1))
	logger.Error("manifest dead-lettered, retries exhausted", zap.String("externalId", manifest.ExternalId), zap.Int("retries", dl.RetryCount), zap.Error(cause))
}
