package quota

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/omtx-labs/gpu-orchestrator/internal/model"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestLedger(t *testing.T) (*RedisLedger, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisLedger(rdb, zap.NewNop()), mr
}

func TestCheckAvailabilityAllowsWithinLimits(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	estimate := model.EstimateResources("protein_ligand_binding", 1)
	avail, err := l.CheckAvailability(ctx, "u1", model.TierDefault, estimate)
	require.NoError(t, err)
	assert.True(t, avail.Allowed)
	assert.Empty(t, avail.Violations)
}

func TestReserveThenCheckAvailabilityDeniesOverLimit(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	// default tier allows 2 concurrent_jobs.
	est := model.ResourceEstimate{GPUMinutes: 1, StorageGB: 0.01, ConcurrentJobs: 1}
	require.NoError(t, l.Reserve(ctx, "u1", model.TierDefault, est, "job-1"))
	require.NoError(t, l.Reserve(ctx, "u1", model.TierDefault, est, "job-2"))

	avail, err := l.CheckAvailability(ctx, "u1", model.TierDefault, est)
	require.NoError(t, err)
	assert.False(t, avail.Allowed)
	require.Len(t, avail.Violations, 1)
	assert.Equal(t, model.ResourceConcurrentJobs, avail.Violations[0].Resource)
}

func TestReleaseReturnsConcurrencySlot(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	est := model.ResourceEstimate{GPUMinutes: 1, StorageGB: 0.01, ConcurrentJobs: 2}
	require.NoError(t, l.Reserve(ctx, "u1", model.TierDefault, est, "job-1"))
	require.NoError(t, l.Release(ctx, "u1", "job-1", nil))

	avail, err := l.CheckAvailability(ctx, "u1", model.TierDefault, est)
	require.NoError(t, err)
	assert.True(t, avail.Allowed)
}

func TestReleaseAppliesActualDelta(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	est := model.ResourceEstimate{GPUMinutes: 10, StorageGB: 1, ConcurrentJobs: 1}
	require.NoError(t, l.Reserve(ctx, "u1", model.TierDefault, est, "job-1"))

	actual := model.ResourceEstimate{GPUMinutes: 2, StorageGB: 0.5}
	require.NoError(t, l.Release(ctx, "u1", "job-1", &actual))

	q, err := l.load(ctx, "u1", model.TierDefault)
	require.NoError(t, err)
	assert.InDelta(t, 2, q.Resources[model.ResourceGPUMinutes].Used, 0.001)
	assert.InDelta(t, 0.5, q.Resources[model.ResourceStorageGB].Used, 0.001)
}

func TestReleaseIsIdempotentOnUnknownJob(t *testing.T) {
	l, _ := newTestLedger(t)
	err := l.Release(context.Background(), "u1", "never-reserved", nil)
	assert.NoError(t, err)
}

func TestSweepResetsCumulativeCountersPastTheirPeriod(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	est := model.EstimateResources("protein_ligand_binding", 1)
	require.NoError(t, l.Reserve(ctx, "u1", model.TierDefault, est, "job-1"))

	q, err := l.load(ctx, "u1", model.TierDefault)
	require.NoError(t, err)
	q.Resources[model.ResourceMonthlyJobs].LastResetAt = time.Now().Add(-31 * 24 * time.Hour)
	require.NoError(t, l.save(ctx, q))

	require.NoError(t, l.Sweep(ctx))

	q, err = l.load(ctx, "u1", model.TierDefault)
	require.NoError(t, err)
	assert.Equal(t, float64(0), q.Resources[model.ResourceMonthlyJobs].Used)
}

func TestSweepReclaimsStaleReservations(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	est := model.ResourceEstimate{GPUMinutes: 1, StorageGB: 0.01, ConcurrentJobs: 1}
	require.NoError(t, l.Reserve(ctx, "u1", model.TierDefault, est, "job-1"))

	resv := reservation{ConcurrentJobs: 1, EstimatedCompletionAt: time.Now().Add(-7 * time.Hour)}
	raw, err := json.Marshal(resv)
	require.NoError(t, err)
	require.NoError(t, l.client.HSet(ctx, activeKey("u1"), "job-1", raw).Err())

	require.NoError(t, l.Sweep(ctx))

	avail, err := l.CheckAvailability(ctx, "u1", model.TierDefault, est)
	require.NoError(t, err)
	assert.True(t, avail.Allowed, "stale reservation must be reclaimed so the concurrency slot frees up")

	q, err := l.load(ctx, "u1", model.TierDefault)
	require.NoError(t, err)
	assert.Equal(t, 0.0, q.Resources[model.ResourceConcurrentJobs].Used)
}

func TestCheckAvailabilityFallsBackWhenRedisUnavailable(t *testing.T) {
	l, mr := newTestLedger(t)
	mr.Close()

	avail, err := l.CheckAvailability(context.Background(), "u1", model.TierDefault, model.EstimateResources("protein_ligand_binding", 1))
	require.NoError(t, err, "quota ledger must fail open, never return an error to the caller")
	assert.True(t, avail.Allowed)
}
