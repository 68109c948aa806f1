package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/omtx-labs/gpu-orchestrator/internal/config"
	"github.com/omtx-labs/gpu-orchestrator/internal/jobstore"
	"github.com/omtx-labs/gpu-orchestrator/internal/model"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeQueue struct {
	mu      sync.Mutex
	calls   int
	failN   int
	receipt string
}

func (q *fakeQueue) Enqueue(ctx context.Context, lane Lane, payload TaskPayload) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls++
	if q.calls <= q.failN {
		return "", errors.New("backend unavailable")
	}
	return q.receipt, nil
}

func (q *fakeQueue) Poll(ctx context.Context, lane Lane, receipt string) (bool, error) {
	return false, nil
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.TaskQueue.InteractiveQueue = "predict-interactive"
	cfg.TaskQueue.BulkQueue = "predict-bulk"
	cfg.TaskQueue.InteractiveCapacity = 1
	cfg.TaskQueue.BulkCapacity = 5
	cfg.OIDC.ServiceAccountID = "svc@example.com"
	cfg.OIDC.Audience = "orchestrator"
	cfg.OIDC.DevSigningKey = "test-signing-key"
	return cfg
}

func newTestStore(t *testing.T) jobstore.Store {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return jobstore.NewRedisStore(rdb, nil, zap.NewNop())
}

func newJob(id string) *model.JobRecord {
	return &model.JobRecord{
		SchemaVersion: model.SchemaVersion,
		ID:            id,
		JobType:       model.JobTypeIndividual,
		Status:        model.StatusPending,
		UserID:        "u1",
	}
}

func TestDispatchPersistsReceiptAndQueuesJob(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	job := newJob("job-1")
	require.NoError(t, store.Create(ctx, job))

	q := &fakeQueue{receipt: "task-abc"}
	d := NewDispatcher(store, q, testConfig(), zap.NewNop())

	receipt, err := d.Dispatch(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, "task-abc", receipt)

	stored, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "task-abc", stored.DispatchReceipt)
	assert.Equal(t, model.StatusQueued, stored.Status)
}

func TestDispatchIsIdempotentOnExistingReceipt(t *testing.T) {
	store := newTestStore(t)
	d := NewDispatcher(store, &fakeQueue{receipt: "should-not-be-used"}, testConfig(), zap.NewNop())

	job := newJob("job-1")
	job.DispatchReceipt = "original-receipt"

	receipt, err := d.Dispatch(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, "original-receipt", receipt)
}

func TestDispatchRefusesWhenLaneAtCapacity(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	cfg := testConfig()
	cfg.TaskQueue.InteractiveCapacity = 1
	d := NewDispatcher(store, &fakeQueue{receipt: "r"}, cfg, zap.NewNop())
	d.inFlight[LaneInteractive] = 1 // simulate an in-flight dispatch

	job := newJob("job-2")
	require.NoError(t, store.Create(ctx, job))

	_, err := d.Dispatch(ctx, job)
	assert.ErrorIs(t, err, ErrLaneAtCapacity)
}

func TestDispatchRetriesThenSucceeds(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	job := newJob("job-3")
	require.NoError(t, store.Create(ctx, job))

	q := &fakeQueue{failN: 2, receipt: "task-xyz"}
	d := NewDispatcher(store, q, testConfig(), zap.NewNop())

	receipt, err := d.Dispatch(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, "task-xyz", receipt)
}

func TestLaneForRoutesByJobTypeAndPriority(t *testing.T) {
	individual := newJob("j1")
	assert.Equal(t, LaneInteractive, LaneFor(individual))

	parent := newJob("p1")
	parent.JobType = model.JobTypeBatchParent
	parent.Priority = "normal"
	assert.Equal(t, LaneBulk, LaneFor(parent))

	parent.Priority = "high"
	assert.Equal(t, LaneInteractive, LaneFor(parent))

	child := newJob("c1")
	child.JobType = model.JobTypeBatchChild
	assert.Equal(t, LaneBulk, LaneFor(child))
}
