package dispatcher

import (
	"context"
	"sync"
	"time"

	"go.opencensus.io/stats"
	"go.uber.org/zap"

	"github.com/Theauxm/workrail/logger"
	"github.com/Theauxm/workrail/model"
	"github.com/Theauxm/workrail/persistence"
	"github.com/Theauxm/workrail/util"
)

// QueueDispatcher drains due work queue entries: each claimed entry gets a
// Pending metadata row and is handed to the task server. The metadata row
// exists before execution starts, so an operator sees the run as soon as
// it is dispatched.
type QueueDispatcher struct {
	data       persistence.DataContext
	taskServer TaskServer
	executor   string
	visibility time.Duration
	batchSize  int
	tw         *util.TickWorker
	stop       chan struct{}
}

func NewQueueDispatcher(data persistence.DataContext, taskServer TaskServer, executor string, pollIntervalSeconds int, visibility time.Duration, batchSize int, wg *sync.WaitGroup) *QueueDispatcher {
	d := &QueueDispatcher{
		data:       data,
		taskServer: taskServer,
		executor:   executor,
		visibility: visibility,
		batchSize:  batchSize,
		stop:       make(chan struct{}),
	}
	d.tw = util.NewTickWorker("queue-dispatcher", pollIntervalSeconds, d.stop, d.dispatch, wg)
	return d
}

func (d *QueueDispatcher) Start() error {
	d.tw.Start()
	return nil
}

func (d *QueueDispatcher) Stop() error {
	d.tw.Stop()
	return nil
}

func (d *QueueDispatcher) Name() string {
	return "queue-dispatcher"
}

func (d *QueueDispatcher) dispatch() {
	ctx := context.Background()
	entries, err := d.data.WorkQueue().ClaimQueued(ctx, time.Now(), d.visibility, d.batchSize)
	if err != nil {
		logger.Error("error claiming work queue entries", zap.Error(err))
		return
	}
	for _, entry := range entries {
		if err := d.dispatchOne(ctx, entry); err != nil {
			logger.Error("error dispatching work queue entry", zap.Int64("queueEntry", entry.Id), zap.Error(err))
		}
	}
}

func (d *QueueDispatcher) dispatchOne(ctx context.Context, entry *model.WorkQueueEntry) error {
	meta := model.NewMetadata(entry.WorkflowName, entry.ExternalId, d.executor)
	meta.ManifestId = entry.ManifestId
	meta.Input = entry.Input
	if err := d.data.Metadata().Create(ctx, meta); err != nil {
		return err
	}
	if err := d.data.WorkQueue().MarkDispatched(ctx, entry.Id, meta.Id); err != nil {
		return err
	}
	if err := d.taskServer.Enqueue(ctx, meta.Id); err != nil {
		return err
	}
	stats.Record(ctx, mDispatched.M(1))
	logger.Debug("work queue entry dispatched", zap.Int64("queueEntry", entry.Id), zap.Int64("metadata", meta.Id), zap.String("workflow", entry.WorkflowName))
	return nil
}
