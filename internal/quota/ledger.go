// Package quota implements the per-user resource account: admission
// checks, reservation, release, and periodic reset/staleness sweeps,
// backed by Redis with an in-process fallback on KV errors.
package quota

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/omtx-labs/gpu-orchestrator/internal/model"
	"github.com/omtx-labs/gpu-orchestrator/internal/obs"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	quotaTTL           = 32 * 24 * time.Hour
	staleReservationAge = 6 * time.Hour
	minEstimatedRuntime = 10 * time.Minute
)

// Ledger admits, reserves, and releases per-user resource usage.
type Ledger interface {
	CheckAvailability(ctx context.Context, userID string, tier model.UserTier, estimate model.ResourceEstimate) (model.Availability, error)
	Reserve(ctx context.Context, userID string, tier model.UserTier, estimate model.ResourceEstimate, jobID string) error
	Release(ctx context.Context, userID, jobID string, actual *model.ResourceEstimate) error
	Sweep(ctx context.Context) error
}

// reservation is the active-usage record held for a job between
// Reserve and Release, used to know what to give back and to detect
// jobs that never released (dispatch lost, worker crashed).
type reservation struct {
	GPUMinutes            float64   `json:"gpu_minutes"`
	StorageGB             float64   `json:"storage_gb"`
	ConcurrentJobs        int       `json:"concurrent_jobs"`
	ConcurrentBatches     int       `json:"concurrent_batches"`
	EstimatedCompletionAt time.Time `json:"estimated_completion_at"`
}

const knownUsersKey = "quota:known_users"

func quotaKey(userID string) string  { return "quota:" + userID }
func activeKey(userID string) string { return "quota:active:" + userID }

// RedisLedger is the production Ledger.
type RedisLedger struct {
	client *redis.Client
	log    *zap.Logger

	mu       sync.Mutex
	fallback map[string]*model.UserQuota
}

// NewRedisLedger builds a Ledger over an existing Redis client.
func NewRedisLedger(client *redis.Client, log *zap.Logger) *RedisLedger {
	return &RedisLedger{client: client, log: log, fallback: make(map[string]*model.UserQuota)}
}

func (l *RedisLedger) load(ctx context.Context, userID string, tier model.UserTier) (*model.UserQuota, error) {
	raw, err := l.client.Get(ctx, quotaKey(userID)).Bytes()
	if err == redis.Nil {
		return model.NewUserQuota(userID, tier, time.Now()), nil
	}
	if err != nil {
		return nil, err
	}
	var q model.UserQuota
	if err := json.Unmarshal(raw, &q); err != nil {
		return nil, err
	}
	return &q, nil
}

func (l *RedisLedger) save(ctx context.Context, q *model.UserQuota) error {
	q.UpdatedAt = time.Now()
	raw, err := json.Marshal(q)
	if err != nil {
		return err
	}
	pipe := l.client.TxPipeline()
	pipe.Set(ctx, quotaKey(q.UserID), raw, quotaTTL)
	pipe.SAdd(ctx, knownUsersKey, q.UserID)
	_, err = pipe.Exec(ctx)
	return err
}

func (l *RedisLedger) loadFallback(userID string, tier model.UserTier) *model.UserQuota {
	l.mu.Lock()
	defer l.mu.Unlock()
	q, ok := l.fallback[userID]
	if !ok {
		q = model.NewUserQuota(userID, tier, time.Now())
		l.fallback[userID] = q
	}
	return q
}

func (l *RedisLedger) saveFallback(q *model.UserQuota) {
	l.mu.Lock()
	defer l.mu.Unlock()
	q.UpdatedAt = time.Now()
	l.fallback[q.UserID] = q
}

func (l *RedisLedger) fallingBack(userID string, err error) {
	obs.KVFallbacks.WithLabelValues("quota").Inc()
	l.log.Warn("quota ledger falling back to in-memory state", obs.String("user_id", userID), obs.Err(err))
}

// deltas maps a ResourceEstimate onto the per-resource amounts a
// Reserve/Release call moves. monthly_jobs always moves by one
// submission, regardless of batch size: the quota counts submissions,
// not complexes.
func deltas(estimate model.ResourceEstimate) map[model.ResourceKind]float64 {
	return map[model.ResourceKind]float64{
		model.ResourceGPUMinutes:        estimate.GPUMinutes,
		model.ResourceStorageGB:         estimate.StorageGB,
		model.ResourceConcurrentJobs:    float64(estimate.ConcurrentJobs),
		model.ResourceConcurrentBatches: float64(estimate.ConcurrentBatches),
		model.ResourceMonthlyJobs:       1,
	}
}

func (l *RedisLedger) CheckAvailability(ctx context.Context, userID string, tier model.UserTier, estimate model.ResourceEstimate) (model.Availability, error) {
	q, err := l.load(ctx, userID, tier)
	if err != nil {
		l.fallingBack(userID, err)
		q = l.loadFallback(userID, tier)
	}

	var violations []model.Violation
	var warnings []model.Warning
	for kind, delta := range deltas(estimate) {
		res, ok := q.Resources[kind]
		if !ok || res.Limit <= 0 {
			continue
		}
		if res.Used+delta > res.Limit {
			v := model.Violation{Resource: kind, Required: res.Used + delta, Available: res.Limit - res.Used}
			if res.ResetPeriodDays > 0 {
				resetAt := res.LastResetAt.Add(time.Duration(res.ResetPeriodDays) * 24 * time.Hour)
				v.ResetsInSeconds = int64(time.Until(resetAt).Seconds())
			}
			violations = append(violations, v)
			obs.QuotaDenials.WithLabelValues(string(kind)).Inc()
			continue
		}
		if res.CrossesSoftLimit(delta) {
			warnings = append(warnings, model.Warning{Resource: kind, Message: "projected usage crosses soft limit threshold"})
		}
	}

	return model.Availability{
		Allowed:    len(violations) == 0,
		Violations: violations,
		Warnings:   warnings,
		Snapshot:   q,
	}, nil
}

func (l *RedisLedger) Reserve(ctx context.Context, userID string, tier model.UserTier, estimate model.ResourceEstimate, jobID string) error {
	q, err := l.load(ctx, userID, tier)
	usingFallback := false
	if err != nil {
		l.fallingBack(userID, err)
		q = l.loadFallback(userID, tier)
		usingFallback = true
	}

	for kind, delta := range deltas(estimate) {
		if res, ok := q.Resources[kind]; ok {
			res.Used += delta
		}
		obs.QuotaReservations.WithLabelValues(string(kind)).Inc()
	}

	if usingFallback {
		l.saveFallback(q)
		return nil
	}

	if err := l.save(ctx, q); err != nil {
		l.fallingBack(userID, err)
		l.saveFallback(q)
		return nil
	}

	runtime := time.Duration(estimate.GPUMinutes) * time.Minute
	if runtime < minEstimatedRuntime {
		runtime = minEstimatedRuntime
	}
	resv := reservation{
		GPUMinutes:            estimate.GPUMinutes,
		StorageGB:             estimate.StorageGB,
		ConcurrentJobs:        estimate.ConcurrentJobs,
		ConcurrentBatches:     estimate.ConcurrentBatches,
		EstimatedCompletionAt: time.Now().Add(runtime),
	}
	raw, err := json.Marshal(resv)
	if err != nil {
		return err
	}
	if err := l.client.HSet(ctx, activeKey(userID), jobID, raw).Err(); err != nil {
		l.fallingBack(userID, err)
	}
	return nil
}

func (l *RedisLedger) Release(ctx context.Context, userID, jobID string, actual *model.ResourceEstimate) error {
	raw, err := l.client.HGet(ctx, activeKey(userID), jobID).Bytes()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		l.fallingBack(userID, err)
		return nil
	}
	var resv reservation
	if err := json.Unmarshal(raw, &resv); err != nil {
		return err
	}

	q, err := l.load(ctx, userID, "")
	if err != nil {
		l.fallingBack(userID, err)
		return nil
	}

	if res, ok := q.Resources[model.ResourceConcurrentJobs]; ok {
		res.Used = decrementFloor(res.Used, float64(resv.ConcurrentJobs))
	}
	if res, ok := q.Resources[model.ResourceConcurrentBatches]; ok {
		res.Used = decrementFloor(res.Used, float64(resv.ConcurrentBatches))
	}
	if actual != nil {
		if res, ok := q.Resources[model.ResourceGPUMinutes]; ok {
			res.Used = decrementFloor(res.Used, resv.GPUMinutes-actual.GPUMinutes)
		}
		if res, ok := q.Resources[model.ResourceStorageGB]; ok {
			res.Used = decrementFloor(res.Used, resv.StorageGB-actual.StorageGB)
		}
	}

	if err := l.save(ctx, q); err != nil {
		l.fallingBack(userID, err)
		return nil
	}
	if err := l.client.HDel(ctx, activeKey(userID), jobID).Err(); err != nil {
		l.fallingBack(userID, err)
	}
	obs.QuotaReleases.WithLabelValues(string(model.ResourceConcurrentJobs)).Inc()
	return nil
}

// decrementFloor subtracts delta from used, never letting the result
// go below zero; fallback/partial-failure drift must not manifest as
// a negative usage counter.
func decrementFloor(used, delta float64) float64 {
	v := used - delta
	if v < 0 {
		return 0
	}
	return v
}

func (l *RedisLedger) Sweep(ctx context.Context) error {
	userIDs, err := l.client.SMembers(ctx, knownUsersKey).Result()
	if err != nil {
		l.fallingBack("*", err)
		return nil
	}

	now := time.Now()
	for _, userID := range userIDs {
		q, err := l.load(ctx, userID, "")
		if err != nil {
			l.log.Warn("quota sweep failed to load user", obs.String("user_id", userID), obs.Err(err))
			continue
		}
		changed := false
		for _, res := range q.Resources {
			if res.ShouldReset(now) {
				res.Used = 0
				res.LastResetAt = now
				changed = true
			}
		}

		active, err := l.client.HGetAll(ctx, activeKey(userID)).Result()
		if err != nil {
			l.log.Warn("quota sweep failed to load active reservations", obs.String("user_id", userID), obs.Err(err))
		}
		for jobID, raw := range active {
			var resv reservation
			if err := json.Unmarshal([]byte(raw), &resv); err != nil {
				continue
			}
			if now.Sub(resv.EstimatedCompletionAt) <= staleReservationAge {
				continue
			}
			if res, ok := q.Resources[model.ResourceConcurrentJobs]; ok {
				res.Used = decrementFloor(res.Used, float64(resv.ConcurrentJobs))
				changed = true
			}
			if res, ok := q.Resources[model.ResourceConcurrentBatches]; ok {
				res.Used = decrementFloor(res.Used, float64(resv.ConcurrentBatches))
				changed = true
			}
			l.client.HDel(ctx, activeKey(userID), jobID)
		}

		if changed {
			if err := l.save(ctx, q); err != nil {
				l.log.Warn("quota sweep failed to persist user", obs.String("user_id", userID), obs.Err(err))
			}
		}
	}
	return nil
}
