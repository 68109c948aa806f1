package jobstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/omtx-labs/gpu-orchestrator/internal/model"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	log := zap.NewNop()
	return NewRedisStore(rdb, nil, log), mr
}

func newJob(id, userID string) *model.JobRecord {
	return &model.JobRecord{
		ID:       id,
		UserID:   userID,
		JobType:  model.JobTypeIndividual,
		TaskType: "protein_ligand_binding",
		Status:   model.StatusPending,
	}
}

func TestCreateAndGet(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	job := newJob("job-1", "u1")
	require.NoError(t, store.Create(ctx, job))

	got, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, model.SchemaVersion, got.SchemaVersion)
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.Get(context.Background(), "nope")
	require.Error(t, err)
	assert.Equal(t, model.KindNotFound, model.KindOf(err))
}

func TestCreateRejectsDuplicateIdempotencyKey(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	first := newJob("job-1", "u1")
	first.IdempotencyKey = "abc"
	require.NoError(t, store.Create(ctx, first))

	second := newJob("job-2", "u1")
	second.IdempotencyKey = "abc"
	err := store.Create(ctx, second)
	require.Error(t, err)
	assert.Equal(t, model.KindConflict, model.KindOf(err))
}

func TestFindByIdempotencyKeyReturnsOriginal(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	job := newJob("job-1", "u1")
	job.IdempotencyKey = "abc"
	require.NoError(t, store.Create(ctx, job))

	found, err := store.FindByIdempotencyKey(ctx, "u1", "abc")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "job-1", found.ID)
}

func TestUpdateEnforcesMonotonicTransitions(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	job := newJob("job-1", "u1")
	require.NoError(t, store.Create(ctx, job))

	_, err := store.Update(ctx, "job-1", func(j *model.JobRecord) error {
		j.Status = model.StatusQueued
		return nil
	})
	require.NoError(t, err)

	_, err = store.Update(ctx, "job-1", func(j *model.JobRecord) error {
		j.Status = model.StatusPending
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, model.KindConflict, model.KindOf(err))
}

func TestUpdateSetsCompletedAtOnTerminalTransition(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	job := newJob("job-1", "u1")
	job.Status = model.StatusRunning
	require.NoError(t, store.Create(ctx, job))

	updated, err := store.Update(ctx, "job-1", func(j *model.JobRecord) error {
		j.Status = model.StatusCompleted
		return nil
	})
	require.NoError(t, err)
	assert.NotNil(t, updated.CompletedAt)
}

func TestCreateBatchLinksParentAndChildren(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	parent := newJob("batch-1", "u1")
	children := []*model.JobRecord{newJob("child-1", "u1"), newJob("child-2", "u1")}

	require.NoError(t, store.CreateBatch(ctx, parent, children))

	got, err := store.Get(ctx, "batch-1")
	require.NoError(t, err)
	assert.Equal(t, model.JobTypeBatchParent, got.JobType)
	assert.ElementsMatch(t, []string{"child-1", "child-2"}, got.BatchChildIDs)

	kids, err := store.GetBatchChildren(ctx, "batch-1")
	require.NoError(t, err)
	require.Len(t, kids, 2)
	assert.Equal(t, "child-1", kids[0].ID)
	assert.NotNil(t, kids[0].BatchParentID)
	assert.Equal(t, "batch-1", *kids[0].BatchParentID)
}

func TestBatchGetRejectsOversizedRequest(t *testing.T) {
	store, _ := newTestStore(t)
	ids := make([]string, MaxBatchGet+1)
	_, err := store.BatchGet(context.Background(), ids)
	require.Error(t, err)
	assert.Equal(t, model.KindValidation, model.KindOf(err))
}

func TestQueryReturnsMostRecentFirst(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		job := newJob(string(rune('a'+i)), "u1")
		job.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, store.Create(ctx, job))
	}

	page, err := store.Query(ctx, Filter{UserID: "u1"}, nil, 10)
	require.NoError(t, err)
	require.Len(t, page.Jobs, 3)
	assert.Equal(t, "c", page.Jobs[0].ID)
	assert.Equal(t, "a", page.Jobs[2].ID)
}

func TestDeleteRemovesRecordAndIndexes(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	job := newJob("job-1", "u1")
	require.NoError(t, store.Create(ctx, job))
	require.NoError(t, store.Delete(ctx, "job-1"))

	_, err := store.Get(ctx, "job-1")
	require.Error(t, err)

	page, err := store.Query(ctx, Filter{UserID: "u1"}, nil, 10)
	require.NoError(t, err)
	assert.Empty(t, page.Jobs)
}
