package redis

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	rd "github.com/go-redis/redis/v9"
	"go.uber.org/zap"

	"github.com/Theauxm/workrail/logger"
	"github.com/Theauxm/workrail/model"
	"github.com/Theauxm/workrail/persistence"
	"github.com/Theauxm/workrail/util"
)

// Store is the redis DataContext. Rows are JSON blobs under namespaced
// keys, ids come from INCR sequences, dispatch claims are NX keys with the
// visibility timeout as TTL.
type Store struct {
	base           *baseDao
	manifestCodec  util.EncoderDecoder[model.Manifest]
	metadataCodec  util.EncoderDecoder[model.Metadata]
	workQueueCodec util.EncoderDecoder[model.WorkQueueEntry]
	dlCodec        util.EncoderDecoder[model.DeadLetter]
	logCodec       util.EncoderDecoder[model.Log]
}

var _ persistence.DataContext = new(Store)

func NewStore(conf Config) *Store {
	return &Store{
		base:           newBaseDao(conf),
		manifestCodec:  util.NewJsonEncoderDecoder[model.Manifest](),
		metadataCodec:  util.NewJsonEncoderDecoder[model.Metadata](),
		workQueueCodec: util.NewJsonEncoderDecoder[model.WorkQueueEntry](),
		dlCodec:        util.NewJsonEncoderDecoder[model.DeadLetter](),
		logCodec:       util.NewJsonEncoderDecoder[model.Log](),
	}
}

func (s *Store) Manifests() persistence.ManifestDao {
	return &manifestDao{s}
}

func (s *Store) Metadata() persistence.MetadataDao {
	return &metadataDao{s}
}

func (s *Store) WorkQueue() persistence.WorkQueueDao {
	return &workQueueDao{s}
}

func (s *Store) DeadLetters() persistence.DeadLetterDao {
	return &deadLetterDao{s}
}

func (s *Store) Logs() persistence.LogDao {
	return &logDao{s}
}

// Transact batches every write issued inside fn on a MULTI/EXEC pipeline.
// Reads still hit redis directly (validation happens before writes in the
// callers). An fn error discards the pipeline, so none of the batch
// applies.
func (s *Store) Transact(ctx context.Context, fn func(tx persistence.DataContext) error) error {
	pipe := s.base.redisClient.TxPipeline()
	txBase := *s.base
	txBase.writer = pipe
	tx := *s
	tx.base = &txBase
	if err := fn(&tx); err != nil {
		pipe.Discard()
		return err
	}
	if _, err := pipe.Exec(ctx); err != nil {
		logger.Error("error committing redis transaction", zap.Error(err))
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (s *Store) nextId(ctx context.Context, entity string) (int64, error) {
	// Sequences advance outside any transaction; gaps are fine.
	id, err := s.base.redisClient.Incr(ctx, s.base.getNamespaceKey("seq", entity)).Result()
	if err != nil {
		return 0, persistence.StorageLayerError{Message: err.Error()}
	}
	return id, nil
}

func (s *Store) getRow(ctx context.Context, key string) (string, error) {
	raw, err := s.base.redisClient.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return "", err
		}
		logger.Error("error reading redis row", zap.String("key", key), zap.Error(err))
		return "", persistence.StorageLayerError{Message: err.Error()}
	}
	return raw, nil
}

type manifestDao struct {
	s *Store
}

func (d *manifestDao) rowKey(id int64) string {
	return d.s.base.getNamespaceKey("manifest", strconv.FormatInt(id, 10))
}

func (d *manifestDao) load(ctx context.Context, id int64) (*model.Manifest, error) {
	raw, err := d.s.getRow(ctx, d.rowKey(id))
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, persistence.NotFoundError{Entity: "manifest", Key: strconv.FormatInt(id, 10)}
		}
		return nil, err
	}
	return d.s.manifestCodec.Decode([]byte(raw))
}

func (d *manifestDao) save(ctx context.Context, m *model.Manifest) error {
	data, err := d.s.manifestCodec.Encode(*m)
	if err != nil {
		return err
	}
	pipe := d.s.base.writer
	if err := pipe.Set(ctx, d.rowKey(m.Id), data, 0).Err(); err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	if err := pipe.HSet(ctx, d.s.base.getNamespaceKey("manifest", "byext"), m.ExternalId, m.Id).Err(); err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	if err := pipe.SAdd(ctx, d.s.base.getNamespaceKey("manifest", "all"), m.Id).Err(); err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (d *manifestDao) Upsert(ctx context.Context, m *model.Manifest) error {
	existing, err := d.Get(ctx, m.ExternalId)
	if err == nil {
		existing.ApplyDefinition(m)
		*m = *existing
		return d.save(ctx, m)
	}
	var nf persistence.NotFoundError
	if !errors.As(err, &nf) {
		return err
	}
	id, err := d.s.nextId(ctx, "manifest")
	if err != nil {
		return err
	}
	m.Id = id
	m.CreatedAt = time.Now()
	return d.save(ctx, m)
}

func (d *manifestDao) Get(ctx context.Context, externalId string) (*model.Manifest, error) {
	idStr, err := d.s.base.redisClient.HGet(ctx, d.s.base.getNamespaceKey("manifest", "byext"), externalId).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, persistence.NotFoundError{Entity: "manifest", Key: externalId}
		}
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	id, _ := strconv.ParseInt(idStr, 10, 64)
	return d.load(ctx, id)
}

func (d *manifestDao) GetById(ctx context.Context, id int64) (*model.Manifest, error) {
	return d.load(ctx, id)
}

func (d *manifestDao) list(ctx context.Context, filter func(*model.Manifest) bool) ([]*model.Manifest, error) {
	ids, err := d.s.base.redisClient.SMembers(ctx, d.s.base.getNamespaceKey("manifest", "all")).Result()
	if err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	var out []*model.Manifest
	for _, idStr := range ids {
		id, _ := strconv.ParseInt(idStr, 10, 64)
		m, err := d.load(ctx, id)
		if err != nil {
			continue
		}
		if filter(m) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (d *manifestDao) ListEnabled(ctx context.Context) ([]*model.Manifest, error) {
	return d.list(ctx, func(m *model.Manifest) bool { return m.IsEnabled })
}

func (d *manifestDao) ListByPrefix(ctx context.Context, prefix string) ([]*model.Manifest, error) {
	return d.list(ctx, func(m *model.Manifest) bool { return strings.HasPrefix(m.ExternalId, prefix) })
}

func (d *manifestDao) SetEnabled(ctx context.Context, externalId string, enabled bool) error {
	m, err := d.Get(ctx, externalId)
	if err != nil {
		return err
	}
	m.IsEnabled = enabled
	return d.save(ctx, m)
}

func (d *manifestDao) Claim(ctx context.Context, id int64, now time.Time, visibility time.Duration) (bool, error) {
	key := d.s.base.getNamespaceKey("claim", "manifest", strconv.FormatInt(id, 10))
	ok, err := d.s.base.redisClient.SetNX(ctx, key, now.UnixMilli(), visibility).Result()
	if err != nil {
		logger.Error("error claiming manifest", zap.Int64("manifest", id), zap.Error(err))
		return false, persistence.StorageLayerError{Message: err.Error()}
	}
	return ok, nil
}

func (d *manifestDao) ReleaseClaim(ctx context.Context, id int64) error {
	key := d.s.base.getNamespaceKey("claim", "manifest", strconv.FormatInt(id, 10))
	if err := d.s.base.redisClient.Del(ctx, key).Err(); err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (d *manifestDao) RecordAttempt(ctx context.Context, id int64, at time.Time, succeeded bool) error {
	m, err := d.load(ctx, id)
	if err != nil {
		return err
	}
	t := at
	m.LastAttemptAt = &t
	if succeeded {
		m.LastSuccessfulRun = &t
		m.RetryCount = 0
	}
	if err := d.save(ctx, m); err != nil {
		return err
	}
	return d.ReleaseClaim(ctx, id)
}

func (d *manifestDao) SetRetryCount(ctx context.Context, id int64, count int) error {
	m, err := d.load(ctx, id)
	if err != nil {
		return err
	}
	m.RetryCount = count
	return d.save(ctx, m)
}

func (d *manifestDao) Delete(ctx context.Context, id int64) error {
	m, err := d.load(ctx, id)
	if err != nil {
		return err
	}
	pipe := d.s.base.writer
	if err := pipe.HDel(ctx, d.s.base.getNamespaceKey("manifest", "byext"), m.ExternalId).Err(); err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	if err := pipe.SRem(ctx, d.s.base.getNamespaceKey("manifest", "all"), id).Err(); err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	if err := pipe.Del(ctx, d.rowKey(id)).Err(); err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

type metadataDao struct {
	s *Store
}

func (d *metadataDao) rowKey(id int64) string {
	return d.s.base.getNamespaceKey("metadata", strconv.FormatInt(id, 10))
}

func (d *metadataDao) save(ctx context.Context, m *model.Metadata) error {
	data, err := d.s.metadataCodec.Encode(*m)
	if err != nil {
		return err
	}
	pipe := d.s.base.writer
	if err := pipe.Set(ctx, d.rowKey(m.Id), data, 0).Err(); err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	if err := pipe.HSet(ctx, d.s.base.getNamespaceKey("metadata", "byext"), m.ExternalId, m.Id).Err(); err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	if m.ManifestId != nil {
		byManifest := d.s.base.getNamespaceKey("metadata", "bymanifest", strconv.FormatInt(*m.ManifestId, 10))
		if err := pipe.ZAdd(ctx, byManifest, rd.Z{Score: float64(m.StartTime.UnixMilli()), Member: m.Id}).Err(); err != nil {
			return persistence.StorageLayerError{Message: err.Error()}
		}
	}
	return nil
}

func (d *metadataDao) Create(ctx context.Context, m *model.Metadata) error {
	id, err := d.s.nextId(ctx, "metadata")
	if err != nil {
		return err
	}
	m.Id = id
	return d.save(ctx, m)
}

func (d *metadataDao) Update(ctx context.Context, m *model.Metadata) error {
	return d.save(ctx, m)
}

func (d *metadataDao) Get(ctx context.Context, id int64) (*model.Metadata, error) {
	raw, err := d.s.getRow(ctx, d.rowKey(id))
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, persistence.NotFoundError{Entity: "metadata", Key: strconv.FormatInt(id, 10)}
		}
		return nil, err
	}
	return d.s.metadataCodec.Decode([]byte(raw))
}

func (d *metadataDao) GetByExternalId(ctx context.Context, externalId string) (*model.Metadata, error) {
	idStr, err := d.s.base.redisClient.HGet(ctx, d.s.base.getNamespaceKey("metadata", "byext"), externalId).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, persistence.NotFoundError{Entity: "metadata", Key: externalId}
		}
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	id, _ := strconv.ParseInt(idStr, 10, 64)
	return d.Get(ctx, id)
}

func (d *metadataDao) LatestCompleted(ctx context.Context, manifestId int64) (*model.Metadata, error) {
	byManifest := d.s.base.getNamespaceKey("metadata", "bymanifest", strconv.FormatInt(manifestId, 10))
	ids, err := d.s.base.redisClient.ZRevRange(ctx, byManifest, 0, 32).Result()
	if err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	for _, idStr := range ids {
		id, _ := strconv.ParseInt(idStr, 10, 64)
		m, err := d.Get(ctx, id)
		if err != nil {
			continue
		}
		if m.WorkflowState == model.STATE_COMPLETED {
			return m, nil
		}
	}
	return nil, persistence.NotFoundError{Entity: "metadata", Key: strconv.FormatInt(manifestId, 10)}
}

func (d *metadataDao) DeleteByManifest(ctx context.Context, manifestId int64) error {
	byManifest := d.s.base.getNamespaceKey("metadata", "bymanifest", strconv.FormatInt(manifestId, 10))
	ids, err := d.s.base.redisClient.ZRange(ctx, byManifest, 0, -1).Result()
	if err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	pipe := d.s.base.writer
	for _, idStr := range ids {
		id, _ := strconv.ParseInt(idStr, 10, 64)
		if err := pipe.Del(ctx, d.rowKey(id)).Err(); err != nil {
			return persistence.StorageLayerError{Message: err.Error()}
		}
	}
	if err := pipe.Del(ctx, byManifest).Err(); err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

type workQueueDao struct {
	s *Store
}

func (d *workQueueDao) rowKey(id int64) string {
	return d.s.base.getNamespaceKey("wq", strconv.FormatInt(id, 10))
}

func (d *workQueueDao) pendingKey(partition int) string {
	return d.s.base.getNamespaceKey("wq", "pending", strconv.Itoa(partition))
}

func (d *workQueueDao) save(ctx context.Context, e *model.WorkQueueEntry) error {
	data, err := d.s.workQueueCodec.Encode(*e)
	if err != nil {
		return err
	}
	if err := d.s.base.writer.Set(ctx, d.rowKey(e.Id), data, 0).Err(); err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (d *workQueueDao) Enqueue(ctx context.Context, e *model.WorkQueueEntry) error {
	id, err := d.s.nextId(ctx, "work_queue")
	if err != nil {
		return err
	}
	e.Id = id
	e.Status = model.WORK_QUEUE_QUEUED
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if err := d.save(ctx, e); err != nil {
		return err
	}
	due := e.CreatedAt
	if e.NotBefore != nil {
		due = *e.NotBefore
	}
	partition := d.s.base.getPartition(e.ExternalId)
	member := rd.Z{Score: float64(due.UnixMilli()), Member: e.Id}
	if err := d.s.base.writer.ZAdd(ctx, d.pendingKey(partition), member).Err(); err != nil {
		logger.Error("error while push to work queue", zap.Int("partition", partition), zap.Error(err))
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

// ClaimQueued scans every partition for due entries and takes an NX claim
// per entry; an expired claim key makes an undispatched entry claimable
// again.
func (d *workQueueDao) ClaimQueued(ctx context.Context, now time.Time, visibility time.Duration, limit int) ([]*model.WorkQueueEntry, error) {
	var out []*model.WorkQueueEntry
	opt := &rd.ZRangeBy{
		Min:   "0",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}
	for p := 0; p < d.s.base.partitions && len(out) < limit; p++ {
		ids, err := d.s.base.redisClient.ZRangeByScore(ctx, d.pendingKey(p), opt).Result()
		if err != nil {
			if errors.Is(err, rd.Nil) {
				continue
			}
			return nil, persistence.StorageLayerError{Message: err.Error()}
		}
		for _, idStr := range ids {
			if len(out) >= limit {
				break
			}
			id, _ := strconv.ParseInt(idStr, 10, 64)
			claimKey := d.s.base.getNamespaceKey("claim", "wq", idStr)
			ok, err := d.s.base.redisClient.SetNX(ctx, claimKey, now.UnixMilli(), visibility).Result()
			if err != nil || !ok {
				continue
			}
			e, err := d.Get(ctx, id)
			if err != nil || e.Status != model.WORK_QUEUE_QUEUED {
				continue
			}
			at := now
			e.ClaimedAt = &at
			if err := d.save(ctx, e); err != nil {
				continue
			}
			out = append(out, e)
		}
	}
	return out, nil
}

func (d *workQueueDao) MarkDispatched(ctx context.Context, id int64, metadataId int64) error {
	e, err := d.Get(ctx, id)
	if err != nil {
		return err
	}
	now := time.Now()
	e.Status = model.WORK_QUEUE_DISPATCHED
	e.DispatchedAt = &now
	e.MetadataId = &metadataId
	if err := d.save(ctx, e); err != nil {
		return err
	}
	partition := d.s.base.getPartition(e.ExternalId)
	if err := d.s.base.writer.ZRem(ctx, d.pendingKey(partition), id).Err(); err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (d *workQueueDao) Get(ctx context.Context, id int64) (*model.WorkQueueEntry, error) {
	raw, err := d.s.getRow(ctx, d.rowKey(id))
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, persistence.NotFoundError{Entity: "work_queue", Key: strconv.FormatInt(id, 10)}
		}
		return nil, err
	}
	return d.s.workQueueCodec.Decode([]byte(raw))
}

func (d *workQueueDao) Delete(ctx context.Context, id int64) error {
	e, err := d.Get(ctx, id)
	if err != nil {
		return err
	}
	partition := d.s.base.getPartition(e.ExternalId)
	pipe := d.s.base.writer
	if err := pipe.ZRem(ctx, d.pendingKey(partition), id).Err(); err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	if err := pipe.Del(ctx, d.rowKey(id)).Err(); err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

type deadLetterDao struct {
	s *Store
}

func (d *deadLetterDao) rowKey(id int64) string {
	return d.s.base.getNamespaceKey("deadletter", strconv.FormatInt(id, 10))
}

func (d *deadLetterDao) save(ctx context.Context, dl *model.DeadLetter) error {
	data, err := d.s.dlCodec.Encode(*dl)
	if err != nil {
		return err
	}
	pipe := d.s.base.writer
	if err := pipe.Set(ctx, d.rowKey(dl.Id), data, 0).Err(); err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	if err := pipe.SAdd(ctx, d.s.base.getNamespaceKey("deadletter", "all"), dl.Id).Err(); err != nil {
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (d *deadLetterDao) Create(ctx context.Context, dl *model.DeadLetter) error {
	id, err := d.s.nextId(ctx, "dead_letter")
	if err != nil {
		return err
	}
	dl.Id = id
	return d.save(ctx, dl)
}

func (d *deadLetterDao) Get(ctx context.Context, id int64) (*model.DeadLetter, error) {
	raw, err := d.s.getRow(ctx, d.rowKey(id))
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, persistence.NotFoundError{Entity: "dead_letter", Key: strconv.FormatInt(id, 10)}
		}
		return nil, err
	}
	return d.s.dlCodec.Decode([]byte(raw))
}

func (d *deadLetterDao) Update(ctx context.Context, dl *model.DeadLetter) error {
	return d.save(ctx, dl)
}

func (d *deadLetterDao) List(ctx context.Context) ([]*model.DeadLetter, error) {
	ids, err := d.s.base.redisClient.SMembers(ctx, d.s.base.getNamespaceKey("deadletter", "all")).Result()
	if err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	var out []*model.DeadLetter
	for _, idStr := range ids {
		id, _ := strconv.ParseInt(idStr, 10, 64)
		dl, err := d.Get(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, dl)
	}
	return out, nil
}

func (d *deadLetterDao) DeleteByManifest(ctx context.Context, manifestId int64) error {
	all, err := d.List(ctx)
	if err != nil {
		return err
	}
	pipe := d.s.base.writer
	for _, dl := range all {
		if dl.ManifestId != manifestId {
			continue
		}
		if err := pipe.SRem(ctx, d.s.base.getNamespaceKey("deadletter", "all"), dl.Id).Err(); err != nil {
			return persistence.StorageLayerError{Message: err.Error()}
		}
		if err := pipe.Del(ctx, d.rowKey(dl.Id)).Err(); err != nil {
			return persistence.StorageLayerError{Message: err.Error()}
		}
	}
	return nil
}

type logDao struct {
	s *Store
}

func (d *logDao) listKey(metadataId int64) string {
	return d.s.base.getNamespaceKey("log", strconv.FormatInt(metadataId, 10))
}

func (d *logDao) Append(ctx context.Context, l *model.Log) error {
	id, err := d.s.nextId(ctx, "log")
	if err != nil {
		return err
	}
	l.Id = id
	data, err := d.s.logCodec.Encode(*l)
	if err != nil {
		return err
	}
	if err := d.s.base.writer.RPush(ctx, d.listKey(l.MetadataId), data).Err(); err != nil {
		logger.Error("error while push to redis list", zap.Int64("metadata", l.MetadataId), zap.Error(err))
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (d *logDao) ListByMetadata(ctx context.Context, metadataId int64) ([]*model.Log, error) {
	rows, err := d.s.base.redisClient.LRange(ctx, d.listKey(metadataId), 0, -1).Result()
	if err != nil {
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	out := make([]*model.Log, 0, len(rows))
	for _, raw := range rows {
		l, err := d.s.logCodec.Decode([]byte(raw))
		if err != nil {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}
