package inmem

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Theauxm/workrail/model"
	"github.com/Theauxm/workrail/persistence"
)

// Store is the in-process DataContext: the StorageType=memory runtime
// option and the test double. All tables share one mutex; transactions
// are snapshot-and-restore.
type Store struct {
	mu   sync.Mutex
	txMu sync.Mutex

	seq           map[string]int64
	manifests     map[int64]*model.Manifest
	manifestByExt map[string]int64
	metadata      map[int64]*model.Metadata
	workQueue     map[int64]*model.WorkQueueEntry
	deadLetters   map[int64]*model.DeadLetter
	logs          map[int64]*model.Log
}

var _ persistence.DataContext = new(Store)

func NewStore() *Store {
	return &Store{
		seq:           make(map[string]int64),
		manifests:     make(map[int64]*model.Manifest),
		manifestByExt: make(map[string]int64),
		metadata:      make(map[int64]*model.Metadata),
		workQueue:     make(map[int64]*model.WorkQueueEntry),
		deadLetters:   make(map[int64]*model.DeadLetter),
		logs:          make(map[int64]*model.Log),
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

// Transact snapshots every table, runs fn against the store itself, and
// restores the snapshot when fn fails. Transactions are serialized on
// txMu so a rollback never discards a sibling's writes.
func (s *Store) Transact(ctx context.Context, fn func(tx persistence.DataContext) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	snap := s.snapshot()
	s.mu.Unlock()

	if err := fn(s); err != nil {
		s.mu.Lock()
		s.restore(snap)
		s.mu.Unlock()
		return err
	}
	return nil
}

type snapshotState struct {
	seq           map[string]int64
	manifests     map[int64]*model.Manifest
	manifestByExt map[string]int64
	metadata      map[int64]*model.Metadata
	workQueue     map[int64]*model.WorkQueueEntry
	deadLetters   map[int64]*model.DeadLetter
	logs          map[int64]*model.Log
}

func (s *Store) snapshot() *snapshotState {
	snap := &snapshotState{
		seq:           make(map[string]int64, len(s.seq)),
		manifests:     make(map[int64]*model.Manifest, len(s.manifests)),
		manifestByExt: make(map[string]int64, len(s.manifestByExt)),
		metadata:      make(map[int64]*model.Metadata, len(s.metadata)),
		workQueue:     make(map[int64]*model.WorkQueueEntry, len(s.workQueue)),
		deadLetters:   make(map[int64]*model.DeadLetter, len(s.deadLetters)),
		logs:          make(map[int64]*model.Log, len(s.logs)),
	}
	for k, v := range s.seq {
		snap.seq[k] = v
	}
	for k, v := range s.manifests {
		c := *v
		snap.manifests[k] = &c
	}
	for k, v := range s.manifestByExt {
		snap.manifestByExt[k] = v
	}
	for k, v := range s.metadata {
		c := *v
		snap.metadata[k] = &c
	}
	for k, v := range s.workQueue {
		c := *v
		snap.workQueue[k] = &c
	}
	for k, v := range s.deadLetters {
		c := *v
		snap.deadLetters[k] = &c
	}
	for k, v := range s.logs {
		c := *v
		snap.logs[k] = &c
	}
	return snap
}

func (s *Store) restore(snap *snapshotState) {
	s.seq = snap.seq
	s.manifests = snap.manifests
	s.manifestByExt = snap.manifestByExt
	s.metadata = snap.metadata
	s.workQueue = snap.workQueue
	s.deadLetters = snap.deadLetters
	s.logs = snap.logs
}

func (s *Store) nextId(entity string) int64 {
	s.seq[entity]++
	return s.seq[entity]
}

type manifestDao struct {
	s *Store
}

func (d *manifestDao) Upsert(ctx context.Context, m *model.Manifest) error {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	if id, ok := d.s.manifestByExt[m.ExternalId]; ok {
		existing := d.s.manifests[id]
		existing.ApplyDefinition(m)
		*m = *existing
		return nil
	}
	m.Id = d.s.nextId("manifest")
	m.CreatedAt = time.Now()
	c := *m
	d.s.manifests[m.Id] = &c
	d.s.manifestByExt[m.ExternalId] = m.Id
	return nil
}

func (d *manifestDao) Get(ctx context.Context, externalId string) (*model.Manifest, error) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	id, ok := d.s.manifestByExt[externalId]
	if !ok {
		return nil, persistence.NotFoundError{Entity: "manifest", Key: externalId}
	}
	c := *d.s.manifests[id]
	return &c, nil
}

func (d *manifestDao) GetById(ctx context.Context, id int64) (*model.Manifest, error) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	m, ok := d.s.manifests[id]
	if !ok {
		return nil, persistence.NotFoundError{Entity: "manifest", Key: itoa(id)}
	}
	c := *m
	return &c, nil
}

func (d *manifestDao) ListEnabled(ctx context.Context) ([]*model.Manifest, error) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	var out []*model.Manifest
	for _, m := range d.s.manifests {
		if m.IsEnabled {
			c := *m
			out = append(out, &c)
		}
	}
	sortManifests(out)
	return out, nil
}

func (d *manifestDao) ListByPrefix(ctx context.Context, prefix string) ([]*model.Manifest, error) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	var out []*model.Manifest
	for _, m := range d.s.manifests {
		if strings.HasPrefix(m.ExternalId, prefix) {
			c := *m
			out = append(out, &c)
		}
	}
	sortManifests(out)
	return out, nil
}

func (d *manifestDao) SetEnabled(ctx context.Context, externalId string, enabled bool) error {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	id, ok := d.s.manifestByExt[externalId]
	if !ok {
		return persistence.NotFoundError{Entity: "manifest", Key: externalId}
	}
	d.s.manifests[id].IsEnabled = enabled
	return nil
}

func (d *manifestDao) Claim(ctx context.Context, id int64, now time.Time, visibility time.Duration) (bool, error) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	m, ok := d.s.manifests[id]
	if !ok {
		return false, persistence.NotFoundError{Entity: "manifest", Key: itoa(id)}
	}
	if m.FetchedAt != nil && now.Sub(*m.FetchedAt) < visibility {
		return false, nil
	}
	at := now
	m.FetchedAt = &at
	return true, nil
}

func (d *manifestDao) ReleaseClaim(ctx context.Context, id int64) error {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	m, ok := d.s.manifests[id]
	if !ok {
		return persistence.NotFoundError{Entity: "manifest", Key: itoa(id)}
	}
	m.FetchedAt = nil
	return nil
}

func (d *manifestDao) RecordAttempt(ctx context.Context, id int64, at time.Time, succeeded bool) error {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	m, ok := d.s.manifests[id]
	if !ok {
		return persistence.NotFoundError{Entity: "manifest", Key: itoa(id)}
	}
	t := at
	m.LastAttemptAt = &t
	m.FetchedAt = nil
	if succeeded {
		m.LastSuccessfulRun = &t
		m.RetryCount = 0
	}
	return nil
}

func (d *manifestDao) SetRetryCount(ctx context.Context, id int64, count int) error {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	m, ok := d.s.manifests[id]
	if !ok {
		return persistence.NotFoundError{Entity: "manifest", Key: itoa(id)}
	}
	m.RetryCount = count
	return nil
}

func (d *manifestDao) Delete(ctx context.Context, id int64) error {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	m, ok := d.s.manifests[id]
	if !ok {
		return persistence.NotFoundError{Entity: "manifest", Key: itoa(id)}
	}
	delete(d.s.manifestByExt, m.ExternalId)
	delete(d.s.manifests, id)
	return nil
}

type metadataDao struct {
	s *Store
}

func (d *metadataDao) Create(ctx context.Context, m *model.Metadata) error {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	m.Id = d.s.nextId("metadata")
	c := *m
	d.s.metadata[m.Id] = &c
	return nil
}

func (d *metadataDao) Update(ctx context.Context, m *model.Metadata) error {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	if _, ok := d.s.metadata[m.Id]; !ok {
		return persistence.NotFoundError{Entity: "metadata", Key: itoa(m.Id)}
	}
	c := *m
	d.s.metadata[m.Id] = &c
	return nil
}

func (d *metadataDao) Get(ctx context.Context, id int64) (*model.Metadata, error) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	m, ok := d.s.metadata[id]
	if !ok {
		return nil, persistence.NotFoundError{Entity: "metadata", Key: itoa(id)}
	}
	c := *m
	return &c, nil
}

func (d *metadataDao) GetByExternalId(ctx context.Context, externalId string) (*model.Metadata, error) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	for _, m := range d.s.metadata {
		if m.ExternalId == externalId {
			c := *m
			return &c, nil
		}
	}
	return nil, persistence.NotFoundError{Entity: "metadata", Key: externalId}
}

func (d *metadataDao) LatestCompleted(ctx context.Context, manifestId int64) (*model.Metadata, error) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	var latest *model.Metadata
	for _, m := range d.s.metadata {
		if m.ManifestId == nil || *m.ManifestId != manifestId || m.WorkflowState != model.STATE_COMPLETED {
			continue
		}
		if latest == nil || m.StartTime.After(latest.StartTime) {
			latest = m
		}
	}
	if latest == nil {
		return nil, persistence.NotFoundError{Entity: "metadata", Key: itoa(manifestId)}
	}
	c := *latest
	return &c, nil
}

func (d *metadataDao) DeleteByManifest(ctx context.Context, manifestId int64) error {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	for id, m := range d.s.metadata {
		if m.ManifestId != nil && *m.ManifestId == manifestId {
			delete(d.s.metadata, id)
		}
	}
	return nil
}

type workQueueDao struct {
	s *Store
}

func (d *workQueueDao) Enqueue(ctx context.Context, e *model.WorkQueueEntry) error {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	e.Id = d.s.nextId("work_queue")
	e.Status = model.WORK_QUEUE_QUEUED
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	c := *e
	d.s.workQueue[e.Id] = &c
	return nil
}

func (d *workQueueDao) ClaimQueued(ctx context.Context, now time.Time, visibility time.Duration, limit int) ([]*model.WorkQueueEntry, error) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	var candidates []*model.WorkQueueEntry
	for _, e := range d.s.workQueue {
		if e.Status != model.WORK_QUEUE_QUEUED {
			continue
		}
		if e.NotBefore != nil && e.NotBefore.After(now) {
			continue
		}
		if e.ClaimedAt != nil && now.Sub(*e.ClaimedAt) < visibility {
			continue
		}
		candidates = append(candidates, e)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]*model.WorkQueueEntry, 0, len(candidates))
	for _, e := range candidates {
		at := now
		e.ClaimedAt = &at
		c := *e
		out = append(out, &c)
	}
	return out, nil
}

func (d *workQueueDao) MarkDispatched(ctx context.Context, id int64, metadataId int64) error {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	e, ok := d.s.workQueue[id]
	if !ok {
		return persistence.NotFoundError{Entity: "work_queue", Key: itoa(id)}
	}
	now := time.Now()
	e.Status = model.WORK_QUEUE_DISPATCHED
	e.DispatchedAt = &now
	e.MetadataId = &metadataId
	return nil
}

func (d *workQueueDao) Get(ctx context.Context, id int64) (*model.WorkQueueEntry, error) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	e, ok := d.s.workQueue[id]
	if !ok {
		return nil, persistence.NotFoundError{Entity: "work_queue", Key: itoa(id)}
	}
	c := *e
	return &c, nil
}

func (d *workQueueDao) Delete(ctx context.Context, id int64) error {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	delete(d.s.workQueue, id)
	return nil
}

type deadLetterDao struct {
	s *Store
}

func (d *deadLetterDao) Create(ctx context.Context, dl *model.DeadLetter) error {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	dl.Id = d.s.nextId("dead_letter")
	c := *dl
	d.s.deadLetters[dl.Id] = &c
	return nil
}

func (d *deadLetterDao) Get(ctx context.Context, id int64) (*model.DeadLetter, error) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	dl, ok := d.s.deadLetters[id]
	if !ok {
		return nil, persistence.NotFoundError{Entity: "dead_letter", Key: itoa(id)}
	}
	c := *dl
	return &c, nil
}

func (d *deadLetterDao) Update(ctx context.Context, dl *model.DeadLetter) error {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	if _, ok := d.s.deadLetters[dl.Id]; !ok {
		return persistence.NotFoundError{Entity: "dead_letter", Key: itoa(dl.Id)}
	}
	c := *dl
	d.s.deadLetters[dl.Id] = &c
	return nil
}

func (d *deadLetterDao) List(ctx context.Context) ([]*model.DeadLetter, error) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	var out []*model.DeadLetter
	for _, dl := range d.s.deadLetters {
		c := *dl
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Id < out[j].Id })
	return out, nil
}

func (d *deadLetterDao) DeleteByManifest(ctx context.Context, manifestId int64) error {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	for id, dl := range d.s.deadLetters {
		if dl.ManifestId == manifestId {
			delete(d.s.deadLetters, id)
		}
	}
	return nil
}

type logDao struct {
	s *Store
}

func (d *logDao) Append(ctx context.Context, l *model.Log) error {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	l.Id = d.s.nextId("log")
	c := *l
	d.s.logs[l.Id] = &c
	return nil
}

func (d *logDao) ListByMetadata(ctx context.Context, metadataId int64) ([]*model.Log, error) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	var out []*model.Log
	for _, l := range d.s.logs {
		if l.MetadataId == metadataId {
			c := *l
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Id < out[j].Id })
	return out, nil
}

func sortManifests(out []*model.Manifest) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Id < out[j].Id
	})
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
