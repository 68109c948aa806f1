package jobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/omtx-labs/gpu-orchestrator/internal/model"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// defaultCacheCapacity bounds the in-process LRU; it fronts hot point
// reads, not the whole job population.
const defaultCacheCapacity = 2048

// idempotencyTTL bounds how long a (user_id, idem_key) mapping is
// honored; §9's Open Question keeps this scoped per user.
const idempotencyTTL = 24 * time.Hour

// RedisStore is the Redis-backed Job Store.
type RedisStore struct {
	client  *redis.Client
	cache   *lruCache
	objects ObjectWriter
	log     *zap.Logger
}

// NewRedisStore builds a Job Store over an existing Redis client.
// objects may be nil if large-result offload is not needed (tests).
func NewRedisStore(client *redis.Client, objects ObjectWriter, log *zap.Logger) *RedisStore {
	return &RedisStore{
		client:  client,
		cache:   newLRUCache(defaultCacheCapacity),
		objects: objects,
		log:     log,
	}
}

func (s *RedisStore) Create(ctx context.Context, job *model.JobRecord) error {
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	job.SchemaVersion = model.SchemaVersion

	if job.IdempotencyKey != "" {
		idemKey := keys.idempotency(job.UserID, job.IdempotencyKey)
		ok, err := s.client.SetNX(ctx, idemKey, job.ID, idempotencyTTL).Result()
		if err != nil {
			return model.NewError(model.KindDatabaseUnavailable, "idempotency check failed").WithOp("Create").WithErr(err)
		}
		if !ok {
			return model.NewError(model.KindConflict, "idempotency key already used").WithJob(job.ID)
		}
	}

	if err := s.putRecord(ctx, job); err != nil {
		return err
	}
	if err := s.indexRecord(ctx, job); err != nil {
		return err
	}
	s.invalidateListsFor(job)
	return nil
}

func (s *RedisStore) CreateBatch(ctx context.Context, parent *model.JobRecord, children []*model.JobRecord) error {
	now := time.Now().UTC()
	written := make([]*model.JobRecord, 0, len(children))

	for i, child := range children {
		child.JobType = model.JobTypeBatchChild
		parentID := parent.ID
		child.BatchParentID = &parentID
		idx := i
		child.BatchIndex = &idx
		if child.CreatedAt.IsZero() {
			child.CreatedAt = now
		}
		child.UpdatedAt = now
		child.SchemaVersion = model.SchemaVersion

		if err := s.putRecord(ctx, child); err != nil {
			s.tombstone(ctx, written)
			return err
		}
		if err := s.indexRecord(ctx, child); err != nil {
			s.tombstone(ctx, append(written, child))
			return err
		}
		if err := s.client.ZAdd(ctx, keys.batchChildren(parent.ID), redis.Z{
			Score: float64(idx), Member: child.ID,
		}).Err(); err != nil {
			s.tombstone(ctx, append(written, child))
			return model.NewError(model.KindDatabaseUnavailable, "failed to index batch child").WithErr(err)
		}
		written = append(written, child)
	}

	childIDs := make([]string, len(children))
	for i, c := range children {
		childIDs[i] = c.ID
	}
	parent.JobType = model.JobTypeBatchParent
	parent.BatchChildIDs = childIDs
	parent.BatchProgress = &model.BatchProgress{Total: len(children), Pending: len(children), UpdatedAt: now}
	if parent.CreatedAt.IsZero() {
		parent.CreatedAt = now
	}
	parent.UpdatedAt = now
	parent.SchemaVersion = model.SchemaVersion

	if err := s.putRecord(ctx, parent); err != nil {
		s.tombstone(ctx, written)
		return err
	}
	if err := s.indexRecord(ctx, parent); err != nil {
		s.tombstone(ctx, written)
		return err
	}

	s.invalidateListsFor(parent)
	return nil
}

// tombstone removes already-written child/parent records after a
// CreateBatch failure, so a partial batch never lingers as readable
// state.
func (s *RedisStore) tombstone(ctx context.Context, records []*model.JobRecord) {
	for _, r := range records {
		if err := s.client.Del(ctx, keys.job(r.ID)).Err(); err != nil {
			s.log.Warn("failed to tombstone partial batch record", zap.String("job_id", r.ID), zap.Error(err))
		}
	}
}

func (s *RedisStore) Update(ctx context.Context, jobID string, patch func(*model.JobRecord) error) (*model.JobRecord, error) {
	current, err := s.getFresh(ctx, jobID)
	if err != nil {
		return nil, err
	}
	before := current.Status
	receiptBefore := current.DispatchReceipt

	updated := *current
	if err := patch(&updated); err != nil {
		return nil, err
	}

	if updated.Status != before && !model.CanTransition(before, updated.Status) {
		return nil, model.NewError(model.KindConflict, fmt.Sprintf("illegal status transition %s -> %s", before, updated.Status)).WithJob(jobID)
	}

	now := time.Now().UTC()
	updated.UpdatedAt = now
	if updated.Status.IsTerminal() && updated.CompletedAt == nil {
		updated.CompletedAt = &now
	}

	if err := s.putRecord(ctx, &updated); err != nil {
		return nil, err
	}

	if updated.Status != before {
		if err := s.reindexStatus(ctx, current, before, updated.Status); err != nil {
			return nil, err
		}
	}

	if updated.DispatchReceipt != "" && updated.DispatchReceipt != receiptBefore {
		if err := s.client.Set(ctx, keys.modalCallIndex(updated.DispatchReceipt), updated.ID, 0).Err(); err != nil {
			return nil, model.NewError(model.KindDatabaseUnavailable, "failed to index dispatch receipt").WithJob(jobID).WithErr(err)
		}
	}

	s.cache.invalidate(keys.job(jobID))
	s.invalidateListsFor(&updated)
	return &updated, nil
}

func (s *RedisStore) Get(ctx context.Context, jobID string) (*model.JobRecord, error) {
	if job, ok := s.cache.get(keys.job(jobID)); ok {
		return job, nil
	}
	job, err := s.getFresh(ctx, jobID)
	if err != nil {
		return nil, err
	}
	s.cache.set(keys.job(jobID), job)
	return job, nil
}

func (s *RedisStore) getFresh(ctx context.Context, jobID string) (*model.JobRecord, error) {
	raw, err := s.client.Get(ctx, keys.job(jobID)).Result()
	if err == redis.Nil {
		return nil, model.NewNotFoundError("job not found").WithJob(jobID)
	}
	if err != nil {
		return nil, model.NewError(model.KindDatabaseUnavailable, "job store unavailable").WithJob(jobID).WithErr(err)
	}

	var job model.JobRecord
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return nil, model.NewError(model.KindInternal, "corrupt job record").WithJob(jobID).WithErr(err)
	}

	if err := s.rehydrate(ctx, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// rehydrate pulls an offloaded output_data blob back from object
// storage when the Job Store stored a pointer instead of the inline
// payload.
func (s *RedisStore) rehydrate(ctx context.Context, job *model.JobRecord) error {
	if job.OutputData == nil || !job.OutputData.ResultsInObjectStore || s.objects == nil {
		return nil
	}
	data, err := s.objects.ReadResults(ctx, job.OutputData.ResultsObjectPath)
	if err != nil {
		return model.NewError(model.KindStorageUnavailable, "failed to rehydrate offloaded results").WithJob(job.ID).WithErr(err)
	}
	job.OutputData.Results = json.RawMessage(data)
	return nil
}

func (s *RedisStore) BatchGet(ctx context.Context, ids []string) ([]*model.JobRecord, error) {
	if len(ids) > MaxBatchGet {
		return nil, model.NewValidationError(fmt.Sprintf("batch_get accepts at most %d ids", MaxBatchGet))
	}
	redisKeys := make([]string, len(ids))
	for i, id := range ids {
		redisKeys[i] = keys.job(id)
	}
	raws, err := s.client.MGet(ctx, redisKeys...).Result()
	if err != nil {
		return nil, model.NewError(model.KindDatabaseUnavailable, "batch get failed").WithErr(err)
	}

	jobs := make([]*model.JobRecord, 0, len(ids))
	for _, raw := range raws {
		if raw == nil {
			continue
		}
		str, ok := raw.(string)
		if !ok {
			continue
		}
		var job model.JobRecord
		if err := json.Unmarshal([]byte(str), &job); err != nil {
			continue
		}
		if err := s.rehydrate(ctx, &job); err != nil {
			return nil, err
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

func (s *RedisStore) Query(ctx context.Context, filter Filter, cursor *Cursor, limit int) (*Page, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	indexKey := s.indexKeyFor(filter)

	max := "+inf"
	if cursor != nil {
		max = fmt.Sprintf("(%d", cursor.CreatedAtUnixNano)
	}

	ids, err := s.client.ZRevRangeByScore(ctx, indexKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   max,
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, model.NewError(model.KindDatabaseUnavailable, "query failed").WithErr(err)
	}

	jobs, err := s.BatchGet(ctx, ids)
	if err != nil {
		return nil, err
	}

	page := &Page{Jobs: jobs}
	if len(jobs) == limit {
		last := jobs[len(jobs)-1]
		page.NextCursor = &Cursor{CreatedAtUnixNano: last.CreatedAt.UnixNano(), ID: last.ID}
	}
	return page, nil
}

func (s *RedisStore) indexKeyFor(filter Filter) string {
	switch {
	case filter.UserID != "" && filter.Status != "":
		return keys.userStatusJobs(filter.UserID, string(filter.Status))
	case filter.UserID != "" && filter.JobType != "":
		return keys.userTypeJobs(filter.UserID, string(filter.JobType))
	case filter.UserID != "":
		return keys.userJobs(filter.UserID)
	case filter.Status != "":
		return keys.statusJobs(string(filter.Status))
	default:
		return keys.userJobs(filter.UserID) // empty filter degrades to an (expectedly empty) scoped query
	}
}

func (s *RedisStore) GetBatchChildren(ctx context.Context, parentID string) ([]*model.JobRecord, error) {
	ids, err := s.client.ZRange(ctx, keys.batchChildren(parentID), 0, -1).Result()
	if err != nil {
		return nil, model.NewError(model.KindDatabaseUnavailable, "failed to list batch children").WithBatch(parentID).WithErr(err)
	}
	return s.BatchGet(ctx, ids)
}

func (s *RedisStore) Delete(ctx context.Context, jobID string) error {
	job, err := s.getFresh(ctx, jobID)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, keys.job(jobID))
	pipe.ZRem(ctx, keys.userJobs(job.UserID), jobID)
	pipe.ZRem(ctx, keys.statusJobs(string(job.Status)), jobID)
	pipe.ZRem(ctx, keys.userStatusJobs(job.UserID, string(job.Status)), jobID)
	pipe.ZRem(ctx, keys.userTypeJobs(job.UserID, string(job.JobType)), jobID)
	if job.BatchParentID != nil {
		pipe.ZRem(ctx, keys.batchChildren(*job.BatchParentID), jobID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return model.NewError(model.KindDatabaseUnavailable, "delete failed").WithJob(jobID).WithErr(err)
	}

	s.cache.invalidate(keys.job(jobID))
	s.invalidateListsFor(job)
	return nil
}

func (s *RedisStore) FindByIdempotencyKey(ctx context.Context, userID, key string) (*model.JobRecord, error) {
	jobID, err := s.client.Get(ctx, keys.idempotency(userID, key)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, model.NewError(model.KindDatabaseUnavailable, "idempotency lookup failed").WithErr(err)
	}
	return s.Get(ctx, jobID)
}

// FindByDispatchReceipt reverse-looks-up the job a task-queue receipt
// was issued to, for completion webhooks that only carry the external
// call identifier.
func (s *RedisStore) FindByDispatchReceipt(ctx context.Context, receipt string) (*model.JobRecord, error) {
	jobID, err := s.client.Get(ctx, keys.modalCallIndex(receipt)).Result()
	if err == redis.Nil {
		return nil, model.NewNotFoundError("no job found for dispatch receipt")
	}
	if err != nil {
		return nil, model.NewError(model.KindDatabaseUnavailable, "dispatch receipt lookup failed").WithErr(err)
	}
	return s.Get(ctx, jobID)
}

// putRecord serializes job, offloading output_data to object storage
// first if it would push the record past the inline threshold.
func (s *RedisStore) putRecord(ctx context.Context, job *model.JobRecord) error {
	if job.OutputData != nil && !job.OutputData.ResultsInObjectStore && len(job.OutputData.Results) > MaxInlineResultBytes {
		if s.objects == nil {
			return model.NewError(model.KindInternal, "output exceeds inline threshold but no object store is configured").WithJob(job.ID)
		}
		path := job.CanonicalPrefix() + "/results.json"
		if err := s.objects.WriteResults(ctx, path, job.OutputData.Results); err != nil {
			return model.NewError(model.KindStorageUnavailable, "failed to offload large result").WithJob(job.ID).WithErr(err)
		}
		offloaded := *job.OutputData
		offloaded.ResultsInObjectStore = true
		offloaded.ResultsObjectPath = path
		offloaded.ResultsSizeBytes = int64(len(job.OutputData.Results))
		offloaded.Results = nil
		job.OutputData = &offloaded
	}

	data, err := json.Marshal(job)
	if err != nil {
		return model.NewError(model.KindInternal, "failed to serialize job record").WithJob(job.ID).WithErr(err)
	}
	if err := s.client.Set(ctx, keys.job(job.ID), data, 0).Err(); err != nil {
		return model.NewError(model.KindDatabaseUnavailable, "failed to persist job record").WithJob(job.ID).WithErr(err)
	}
	return nil
}

func (s *RedisStore) indexRecord(ctx context.Context, job *model.JobRecord) error {
	score := float64(job.CreatedAt.UnixNano())
	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, keys.userJobs(job.UserID), redis.Z{Score: score, Member: job.ID})
	pipe.ZAdd(ctx, keys.statusJobs(string(job.Status)), redis.Z{Score: score, Member: job.ID})
	pipe.ZAdd(ctx, keys.userStatusJobs(job.UserID, string(job.Status)), redis.Z{Score: score, Member: job.ID})
	pipe.ZAdd(ctx, keys.userTypeJobs(job.UserID, string(job.JobType)), redis.Z{Score: score, Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return model.NewError(model.KindDatabaseUnavailable, "failed to index job record").WithJob(job.ID).WithErr(err)
	}
	return nil
}

// reindexStatus moves a job between the status-keyed ZSETs when its
// status changes, preserving its original creation-time score.
func (s *RedisStore) reindexStatus(ctx context.Context, job *model.JobRecord, from, to model.Status) error {
	score := float64(job.CreatedAt.UnixNano())
	pipe := s.client.TxPipeline()
	pipe.ZRem(ctx, keys.statusJobs(string(from)), job.ID)
	pipe.ZAdd(ctx, keys.statusJobs(string(to)), redis.Z{Score: score, Member: job.ID})
	pipe.ZRem(ctx, keys.userStatusJobs(job.UserID, string(from)), job.ID)
	pipe.ZAdd(ctx, keys.userStatusJobs(job.UserID, string(to)), redis.Z{Score: score, Member: job.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return model.NewError(model.KindDatabaseUnavailable, "failed to reindex job status").WithJob(job.ID).WithErr(err)
	}
	return nil
}

func (s *RedisStore) invalidateListsFor(job *model.JobRecord) {
	s.cache.invalidatePrefix("user_jobs:" + job.UserID)
	if job.BatchParentID != nil {
		s.cache.invalidatePrefix(keys.batchChildren(*job.BatchParentID))
	}
}
