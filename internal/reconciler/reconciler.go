// Package reconciler runs the background safety net over jobs and
// batches that should have progressed through the webhook-driven
// happy path but didn't: stuck dispatches, stalled batch parents, and
// the periodic quota sweep (§4.9).
package reconciler

import (
	"context"
	"time"

	"github.com/omtx-labs/gpu-orchestrator/internal/aggregator"
	"github.com/omtx-labs/gpu-orchestrator/internal/completion"
	"github.com/omtx-labs/gpu-orchestrator/internal/config"
	"github.com/omtx-labs/gpu-orchestrator/internal/dispatch"
	"github.com/omtx-labs/gpu-orchestrator/internal/jobstore"
	"github.com/omtx-labs/gpu-orchestrator/internal/model"
	"github.com/omtx-labs/gpu-orchestrator/internal/obs"
	"github.com/omtx-labs/gpu-orchestrator/internal/quota"
	"go.uber.org/zap"
)

// Reconciler is the Reconciler component (§4.9): a ticker-driven sweep
// grounded on `internal/reaper/reaper.go`'s `Run`/ticker/select-on-
// ctx.Done shape, generalized from "requeue abandoned jobs from a dead
// worker's processing list" to "resolve jobs the webhook never heard
// back about" since this system has no worker heartbeat of its own to
// watch.
type Reconciler struct {
	store   jobstore.Store
	queue   dispatch.TaskQueue
	handler *completion.Handler
	agg     *aggregator.Aggregator
	ledger  quota.Ledger
	cfg     *config.Config
	log     *zap.Logger
}

// New builds a Reconciler over every component its sweep fans out to.
func New(store jobstore.Store, queue dispatch.TaskQueue, handler *completion.Handler, agg *aggregator.Aggregator, ledger quota.Ledger, cfg *config.Config, log *zap.Logger) *Reconciler {
	return &Reconciler{store: store, queue: queue, handler: handler, agg: agg, ledger: ledger, cfg: cfg, log: log}
}

// Run blocks, sweeping at cfg.Reconciler.Interval until ctx is
// cancelled. The quota sweep runs on its own, usually slower, cadence.
func (r *Reconciler) Run(ctx context.Context) {
	sweepTicker := time.NewTicker(r.cfg.Reconciler.Interval)
	defer sweepTicker.Stop()
	quotaTicker := time.NewTicker(r.cfg.Reconciler.QuotaSweepEvery)
	defer quotaTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweepTicker.C:
			r.sweepOnce(ctx)
		case <-quotaTicker.C:
			if err := r.ledger.Sweep(ctx); err != nil {
				r.log.Warn("quota sweep failed", obs.Err(err))
			}
		}
	}
}

// sweepOnce makes one pass over every running job: a stalled batch
// parent whose children have all settled gets repaired, and anything
// (including an individual job or a still-running parent) stuck past
// the stuck threshold without a dispatch receipt the queue recognizes
// gets marked dispatch_lost. Both checks share a single Query pass
// over status=running since the Job Store has no combined
// (status, job_type) index to query those separately.
func (r *Reconciler) sweepOnce(ctx context.Context) {
	threshold := time.Now().Add(-r.cfg.Reconciler.StuckThreshold)

	var cursor *jobstore.Cursor
	for {
		page, err := r.store.Query(ctx, jobstore.Filter{Status: model.StatusRunning}, cursor, 100)
		if err != nil {
			r.log.Warn("reconciler query failed", obs.Err(err))
			return
		}

		for _, job := range page.Jobs {
			if job.IsBatchParent() && job.BatchProgress != nil && job.BatchProgress.Done() {
				if err := r.agg.RepairParent(ctx, job.ID); err != nil {
					r.log.Warn("reconciler failed to repair stalled parent", obs.String("batch_id", job.ID), obs.Err(err))
				}
				continue
			}
			if job.UpdatedAt.After(threshold) {
				continue
			}
			r.resolveStuckJob(ctx, job)
		}

		if page.NextCursor == nil {
			return
		}
		cursor = page.NextCursor
	}
}

func (r *Reconciler) resolveStuckJob(ctx context.Context, job *model.JobRecord) {
	if job.DispatchReceipt != "" {
		lane := dispatch.LaneFor(job)
		stillQueued, err := r.queue.Poll(ctx, lane, job.DispatchReceipt)
		if err != nil {
			r.log.Warn("reconciler poll failed", obs.String("job_id", job.ID), obs.Err(err))
			return
		}
		if stillQueued {
			return
		}
	}

	if err := r.handler.ForceFail(ctx, job.ID, &model.JobError{Kind: model.KindInternal, Message: "dispatch_lost"}); err != nil {
		r.log.Warn("reconciler failed to mark stuck job lost", obs.String("job_id", job.ID), obs.Err(err))
		return
	}
	r.log.Warn("reconciler marked stuck job dispatch_lost", obs.String("job_id", job.ID))
}
