package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/omtx-labs/gpu-orchestrator/internal/config"
	"github.com/redis/go-redis/v9"
)

// TaskPayload is what a worker receives for one dispatched job.
type TaskPayload struct {
	JobID         string    `json:"job_id"`
	JobType       string    `json:"job_type"`
	BatchParentID string    `json:"batch_parent_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	IdentityToken string    `json:"identity_token"`
}

// TaskQueue enqueues a task to a lane and returns an opaque receipt
// the caller persists on the job record.
type TaskQueue interface {
	Enqueue(ctx context.Context, lane Lane, payload TaskPayload) (receipt string, err error)

	// Poll reports whether receipt is still sitting in a lane's queue,
	// i.e. a worker has not yet picked it up. A managed task queue
	// would report richer terminal states here; this backend only
	// ever observes "still queued" or "not found" (already claimed,
	// outcome unknown without the completion webhook), which is what
	// the Reconciler's safety net (§4.9) is built around.
	Poll(ctx context.Context, lane Lane, receipt string) (stillQueued bool, err error)
}

// RedisTaskQueue stands in for the managed external task queue,
// pushing onto one Redis list per lane. Grounded on
// `internal/producer/producer.go`'s enqueue step: build the payload,
// marshal it, `LPush` onto the lane's list key, count it via an
// `obs` counter. The teacher enqueues file-scan jobs onto priority
// queues the same way; this generalizes "priority" to "lane" and
// returns a receipt instead of fire-and-forget.
type RedisTaskQueue struct {
	client *redis.Client
	cfg    *config.Config
}

// NewRedisTaskQueue builds a TaskQueue over an existing Redis client.
func NewRedisTaskQueue(client *redis.Client, cfg *config.Config) *RedisTaskQueue {
	return &RedisTaskQueue{client: client, cfg: cfg}
}

func (q *RedisTaskQueue) queueKeyFor(lane Lane) string {
	if lane == LaneInteractive {
		return q.cfg.TaskQueue.InteractiveQueue
	}
	return q.cfg.TaskQueue.BulkQueue
}

// receiptTTL bounds how long a receipt's "still queued" marker is kept
// around; past this the Reconciler treats an unresolved job as lost
// regardless, so there is no point tracking it forever.
const receiptTTL = 24 * time.Hour

func receiptKey(receipt string) string {
	return "dispatch_receipt:" + receipt
}

func (q *RedisTaskQueue) Enqueue(ctx context.Context, lane Lane, payload TaskPayload) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	key := q.queueKeyFor(lane)
	if err := q.client.LPush(ctx, key, raw).Err(); err != nil {
		return "", err
	}
	receipt := "task-" + uuid.NewString()
	if err := q.client.Set(ctx, receiptKey(receipt), string(lane), receiptTTL).Err(); err != nil {
		return "", err
	}
	return receipt, nil
}

func (q *RedisTaskQueue) Poll(ctx context.Context, lane Lane, receipt string) (bool, error) {
	_, err := q.client.Get(ctx, receiptKey(receipt)).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
