// Package dispatch sends ready jobs to the external task queue: two
// capacity-bounded lanes, OIDC identity stamping, idempotent receipts,
// and a circuit breaker over the queue backend.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/omtx-labs/gpu-orchestrator/internal/config"
	"github.com/omtx-labs/gpu-orchestrator/internal/jobstore"
	"github.com/omtx-labs/gpu-orchestrator/internal/model"
	"github.com/omtx-labs/gpu-orchestrator/internal/obs"
	"go.uber.org/zap"
)

// ErrLaneAtCapacity is returned when a lane's in-flight count is
// already at its configured ceiling; callers retry later.
var ErrLaneAtCapacity = errors.New("lane_at_capacity")

// Dispatcher constructs task payloads for ready jobs and hands them to
// the TaskQueue, tracking per-lane capacity and retrying transient
// failures before giving up.
type Dispatcher struct {
	store  jobstore.Store
	queue  TaskQueue
	cfg    *config.Config
	log    *zap.Logger
	cb     *circuitBreaker

	mu        sync.Mutex
	inFlight  map[Lane]int
}

// NewDispatcher builds a Dispatcher over a Job Store and a TaskQueue.
func NewDispatcher(store jobstore.Store, queue TaskQueue, cfg *config.Config, log *zap.Logger) *Dispatcher {
	return &Dispatcher{
		store:    store,
		queue:    queue,
		cfg:      cfg,
		log:      log,
		cb:       newCircuitBreaker(time.Minute, 30*time.Second, 0.5, 5),
		inFlight: make(map[Lane]int),
	}
}

func (d *Dispatcher) capacityFor(lane Lane) int {
	if lane == LaneInteractive {
		return d.cfg.TaskQueue.InteractiveCapacity
	}
	return d.cfg.TaskQueue.BulkCapacity
}

func (d *Dispatcher) acquire(lane Lane) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inFlight[lane] >= d.capacityFor(lane) {
		return false
	}
	d.inFlight[lane]++
	obs.LaneInFlight.WithLabelValues(string(lane)).Set(float64(d.inFlight[lane]))
	return true
}

func (d *Dispatcher) release(lane Lane) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inFlight[lane] > 0 {
		d.inFlight[lane]--
	}
	obs.LaneInFlight.WithLabelValues(string(lane)).Set(float64(d.inFlight[lane]))
}

// Dispatch sends job to its lane and persists the queue receipt on
// the job record. Idempotent on the job's existing DispatchReceipt:
// a repeat call for a job already dispatched returns the original
// receipt without re-enqueueing or consuming lane capacity.
func (d *Dispatcher) Dispatch(ctx context.Context, job *model.JobRecord) (string, error) {
	if job.DispatchReceipt != "" {
		return job.DispatchReceipt, nil
	}

	lane := LaneFor(job)
	if !d.acquire(lane) {
		obs.LaneAtCapacity.WithLabelValues(string(lane)).Inc()
		return "", ErrLaneAtCapacity
	}
	defer d.release(lane)

	payload := TaskPayload{
		JobID:     job.ID,
		JobType:   string(job.JobType),
		Timestamp: time.Now(),
	}
	if job.BatchParentID != nil {
		payload.BatchParentID = *job.BatchParentID
	}
	token, err := mintIdentityToken(&d.cfg.OIDC, job.ID)
	if err != nil {
		return "", model.NewError(model.KindDispatchFailed, "failed to mint identity token").WithJob(job.ID).WithErr(err)
	}
	payload.IdentityToken = token

	ctx, span := obs.StartDispatchSpan(ctx, job.ID, string(lane))
	defer span.End()

	receipt, err := d.dispatchWithRetry(ctx, lane, payload)
	if err != nil {
		obs.DispatchFailures.Inc()
		obs.RecordError(ctx, err)
		return "", model.NewError(model.KindDispatchFailed, "task queue rejected the dispatch").WithJob(job.ID).WithErr(err)
	}

	if _, err := d.store.Update(ctx, job.ID, func(rec *model.JobRecord) error {
		rec.DispatchReceipt = receipt
		rec.Status = model.StatusQueued
		return nil
	}); err != nil {
		return "", err
	}

	obs.SetSpanSuccess(ctx)
	return receipt, nil
}

func (d *Dispatcher) dispatchWithRetry(ctx context.Context, lane Lane, payload TaskPayload) (string, error) {
	if !d.cb.Allow() {
		return "", errors.New("circuit breaker open: task queue backend unhealthy")
	}

	var receipt string
	op := func() error {
		r, err := d.queue.Enqueue(ctx, lane, payload)
		if err != nil {
			return err
		}
		receipt = r
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	err := backoff.Retry(op, bo)
	d.cb.Record(err == nil)
	return receipt, err
}
