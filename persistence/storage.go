package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/Theauxm/workrail/model"
)

type StorageLayerError struct {
	Message string
}

func (e StorageLayerError) Error() string {
	return fmt.Sprintf("storage layer error %s", e.Message)
}

type NotFoundError struct {
	Entity string
	Key    string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.Key)
}

type ManifestDao interface {
	// Upsert by ExternalId: definition fields overwritten, runtime fields
	// (LastSuccessfulRun, RetryCount, CreatedAt) preserved. Never
	// delete-and-recreate.
	Upsert(ctx context.Context, m *model.Manifest) error
	Get(ctx context.Context, externalId string) (*model.Manifest, error)
	GetById(ctx context.Context, id int64) (*model.Manifest, error)
	ListEnabled(ctx context.Context) ([]*model.Manifest, error)
	ListByPrefix(ctx context.Context, prefix string) ([]*model.Manifest, error)
	SetEnabled(ctx context.Context, externalId string, enabled bool) error
	// Claim is the optimistic dispatch claim: it succeeds for exactly one
	// caller until the visibility timeout elapses or the claim is
	// released.
	Claim(ctx context.Context, id int64, now time.Time, visibility time.Duration) (bool, error)
	ReleaseClaim(ctx context.Context, id int64) error
	RecordAttempt(ctx context.Context, id int64, at time.Time, succeeded bool) error
	SetRetryCount(ctx context.Context, id int64, count int) error
	Delete(ctx context.Context, id int64) error
}

type MetadataDao interface {
	Create(ctx context.Context, m *model.Metadata) error
	Update(ctx context.Context, m *model.Metadata) error
	Get(ctx context.Context, id int64) (*model.Metadata, error)
	GetByExternalId(ctx context.Context, externalId string) (*model.Metadata, error)
	// LatestCompleted returns the most recent Completed execution of a
	// manifest, used to feed dependent-job inputs.
	LatestCompleted(ctx context.Context, manifestId int64) (*model.Metadata, error)
	DeleteByManifest(ctx context.Context, manifestId int64) error
}

type WorkQueueDao interface {
	Enqueue(ctx context.Context, e *model.WorkQueueEntry) error
	// ClaimQueued atomically claims up to limit due entries; claims older
	// than the visibility timeout are abandoned and eligible again.
	ClaimQueued(ctx context.Context, now time.Time, visibility time.Duration, limit int) ([]*model.WorkQueueEntry, error)
	MarkDispatched(ctx context.Context, id int64, metadataId int64) error
	Get(ctx context.Context, id int64) (*model.WorkQueueEntry, error)
	Delete(ctx context.Context, id int64) error
}

type DeadLetterDao interface {
	Create(ctx context.Context, d *model.DeadLetter) error
	Get(ctx context.Context, id int64) (*model.DeadLetter, error)
	Update(ctx context.Context, d *model.DeadLetter) error
	List(ctx context.Context) ([]*model.DeadLetter, error)
	DeleteByManifest(ctx context.Context, manifestId int64) error
}

type LogDao interface {
	Append(ctx context.Context, l *model.Log) error
	ListByMetadata(ctx context.Context, metadataId int64) ([]*model.Log, error)
}

// DataContext is the storage abstraction every component shares. Transact
// runs fn in a single transaction: any error rolls the whole batch back.
type DataContext interface {
	Manifests() ManifestDao
	Metadata() MetadataDao
	WorkQueue() WorkQueueDao
	DeadLetters() DeadLetterDao
	Logs() LogDao
	Transact(ctx context.Context, fn func(tx DataContext) error) error
}
