package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewUserQuotaAppliesTierTable(t *testing.T) {
	now := time.Now()

	t.Run("default tier", func(t *testing.T) {
		q := NewUserQuota("u1", TierDefault, now)
		require.Contains(t, q.Resources, ResourceConcurrentJobs)
		assert.Equal(t, 2.0, q.Resources[ResourceConcurrentJobs].Limit)
		assert.Equal(t, 0.0, q.Resources[ResourceConcurrentJobs].Used)
	})

	t.Run("enterprise tier has higher limits than default", func(t *testing.T) {
		def := NewUserQuota("u1", TierDefault, now)
		ent := NewUserQuota("u2", TierEnterprise, now)
		assert.Greater(t, ent.Resources[ResourceGPUMinutes].Limit, def.Resources[ResourceGPUMinutes].Limit)
	})

	t.Run("unknown tier falls back to default table", func(t *testing.T) {
		q := NewUserQuota("u3", UserTier("bogus"), now)
		assert.Equal(t, 2.0, q.Resources[ResourceConcurrentJobs].Limit)
	})
}

func TestShouldReset(t *testing.T) {
	now := time.Now()

	t.Run("resettable resource past its period", func(t *testing.T) {
		r := &QuotaResource{ResetPeriodDays: 30, LastResetAt: now.Add(-31 * 24 * time.Hour)}
		assert.True(t, r.ShouldReset(now))
	})

	t.Run("resettable resource within its period", func(t *testing.T) {
		r := &QuotaResource{ResetPeriodDays: 30, LastResetAt: now.Add(-10 * 24 * time.Hour)}
		assert.False(t, r.ShouldReset(now))
	})

	t.Run("zero period never resets", func(t *testing.T) {
		r := &QuotaResource{ResetPeriodDays: 0, LastResetAt: now.Add(-365 * 24 * time.Hour)}
		assert.False(t, r.ShouldReset(now))
	})
}

func TestCrossesSoftLimit(t *testing.T) {
	r := &QuotaResource{Limit: 100, Used: 70, SoftLimitPct: 0.8}
	assert.False(t, r.CrossesSoftLimit(5))
	assert.True(t, r.CrossesSoftLimit(15))
	assert.False(t, r.CrossesSoftLimit(35)) // would exceed the hard limit entirely
}

func TestEstimateResourcesAppliesSafetyMargins(t *testing.T) {
	t.Run("individual job is one unit", func(t *testing.T) {
		e := EstimateResources("protein_ligand_binding", 1)
		assert.Equal(t, 1, e.Units)
		assert.InDelta(t, 3*1.2, e.GPUMinutes, 0.001)
		assert.Equal(t, 0, e.ConcurrentBatches)
	})

	t.Run("batch scales by unit count and marks a batch slot", func(t *testing.T) {
		e := EstimateResources("batch_protein_ligand_screening", 5)
		assert.Equal(t, 5, e.Units)
		assert.Equal(t, 5, e.ConcurrentJobs)
		assert.Equal(t, 1, e.ConcurrentBatches)
		assert.InDelta(t, 2.5*5*1.2, e.GPUMinutes, 0.001)
	})

	t.Run("unrecognized task type falls back to the default cost row", func(t *testing.T) {
		e := EstimateResources("something_unknown", 2)
		assert.InDelta(t, defaultUnitCost.GPUMinutesPerUnit*2*GPUMinutesMargin, e.GPUMinutes, 0.001)
	})
}
