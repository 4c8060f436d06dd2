package dispatcher

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Theauxm/workrail/logger"
	"github.com/Theauxm/workrail/model"
	"github.com/Theauxm/workrail/persistence"
)

// DeadLetterService is the operator surface over the dead letter table.
// Nothing here runs automatically; a dead letter waits until someone
// retries or acknowledges it.
type DeadLetterService struct {
	data       persistence.DataContext
	taskServer TaskServer
	executor   string
}

func NewDeadLetterService(data persistence.DataContext, taskServer TaskServer, executor string) *DeadLetterService {
	return &DeadLetterService{
		data:       data,
		taskServer: taskServer,
		executor:   executor,
	}
}

func (s *DeadLetterService) List(ctx context.Context) ([]*model.DeadLetter, error) {
	return s.data.DeadLetters().List(ctx)
}

func (s *DeadLetterService) Get(ctx context.Context, id int64) (*model.DeadLetter, error) {
	return s.data.DeadLetters().Get(ctx, id)
}

// Retry launches a fresh execution of the dead-lettered manifest's stored
// input and links the new metadata row back to the dead letter.
func (s *DeadLetterService) Retry(ctx context.Context, id int64) (*model.Metadata, error) {
	dl, err := s.data.DeadLetters().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if dl.Status != model.DEAD_LETTER_AWAITING_INTERVENTION {
		return nil, fmt.Errorf("dead letter %d is already %s", id, dl.Status)
	}
	manifest, err := s.data.Manifests().GetById(ctx, dl.ManifestId)
	if err != nil {
		return nil, err
	}

	meta := model.NewMetadata(manifest.Name, manifest.ExternalId, s.executor)
	meta.ManifestId = &manifest.Id
	meta.Input = manifest.Properties
	if err := s.data.Metadata().Create(ctx, meta); err != nil {
		return nil, err
	}
	if err := s.taskServer.Enqueue(ctx, meta.Id); err != nil {
		return nil, err
	}

	now := time.Now()
	dl.Status = model.DEAD_LETTER_RETRIED
	dl.ResolvedAt = &now
	dl.RetryMetadataId = &meta.Id
	if err := s.data.DeadLetters().Update(ctx, dl); err != nil {
		return nil, err
	}
	logger.Info("dead letter retried", zap.Int64("deadLetter", id), zap.Int64("metadata", meta.Id))
	return meta, nil
}

// Acknowledge closes a dead letter without re-running it.
func (s *DeadLetterService) Acknowledge(ctx context.Context, id int64, note string) error {
	dl, err := s.data.DeadLetters().Get(ctx, id)
	if err != nil {
		return err
	}
	if dl.Status != model.DEAD_LETTER_AWAITING_INTERVENTION {
		return fmt.Errorf("dead letter %d is already %s", id, dl.Status)
	}
	now := time.Now()
	dl.Status = model.DEAD_LETTER_ACKNOWLEDGED
	dl.ResolvedAt = &now
	dl.ResolutionNote = note
	if err := s.data.DeadLetters().Update(ctx, dl); err != nil {
		return err
	}
	logger.Info("dead letter acknowledged", zap.Int64("deadLetter", id))
	return nil
}
