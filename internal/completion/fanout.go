package completion

import (
	"context"
	"encoding/json"

	"github.com/omtx-labs/gpu-orchestrator/internal/model"
	"github.com/omtx-labs/gpu-orchestrator/internal/obs"
	"github.com/omtx-labs/gpu-orchestrator/internal/storagegw"
)

func (h *Handler) handleSuccess(ctx context.Context, job *model.JobRecord, event *model.CompletionEvent) error {
	prefix := job.CanonicalPrefix()

	metadataJSON, err := json.Marshal(event.Metadata)
	if err != nil {
		return model.NewError(model.KindValidation, "failed to encode completion metadata").WithJob(job.ID).WithErr(err)
	}

	files := []storagegw.File{
		{Path: "results.json", Data: event.Result, ContentType: "application/json"},
		{Path: "metadata.json", Data: metadataJSON, ContentType: "application/json"},
	}
	if len(event.StructureCIF) > 0 {
		files = append(files, storagegw.File{Path: "structure.cif", Data: event.StructureCIF, ContentType: "chemical/x-cif"})
	}
	if err := h.gw.StoreJobResultAtomic(ctx, prefix, files); err != nil {
		return model.NewError(model.KindStorageUnavailable, "failed to store job results").WithJob(job.ID).WithErr(err)
	}

	updated, err := h.store.Update(ctx, job.ID, func(rec *model.JobRecord) error {
		rec.Status = model.StatusCompleted
		rec.OutputData = &model.OutputData{
			Status:               string(model.StatusCompleted),
			Results:              event.Result,
			GCSResultsPath:        prefix + "/results.json",
			FilesStored:           true,
			ExecutionTimeSeconds:  event.ExecutionTimeSeconds,
			ModalCallID:           event.ModalCallID,
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := h.ledger.Release(ctx, updated.UserID, updated.ID, actualEstimate(updated, event)); err != nil {
		h.log.Warn("quota release failed after successful completion",
			obs.String("job_id", updated.ID), obs.Err(err))
	}

	return h.notifyAggregator(ctx, updated, true)
}

func (h *Handler) handleFailure(ctx context.Context, job *model.JobRecord, event *model.CompletionEvent) error {
	jobErr := event.Error
	if jobErr == nil {
		jobErr = &model.JobError{Kind: model.KindInternal, Message: "worker reported failure without a reason"}
	}

	updated, err := h.store.Update(ctx, job.ID, func(rec *model.JobRecord) error {
		rec.Status = model.StatusFailed
		rec.Error = jobErr
		return nil
	})
	if err != nil {
		return err
	}

	if err := h.ledger.Release(ctx, updated.UserID, updated.ID, nil); err != nil {
		h.log.Warn("quota release failed after job failure",
			obs.String("job_id", updated.ID), obs.Err(err))
	}

	return h.notifyAggregator(ctx, updated, false)
}

// ForceFail is the Reconciler's entry point for a job it has given up
// waiting on: it drives the exact same terminal transition, quota
// release, and aggregator notification a real failed webhook would,
// so the Reconciler never writes job state directly.
func (h *Handler) ForceFail(ctx context.Context, jobID string, jobErr *model.JobError) error {
	job, err := h.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return nil
	}
	return h.handleFailure(ctx, job, &model.CompletionEvent{JobID: jobID, Status: model.CompletionFailed, Error: jobErr})
}

func (h *Handler) notifyAggregator(ctx context.Context, job *model.JobRecord, success bool) error {
	if job.BatchParentID == nil {
		return nil
	}
	return h.agg.OnChildTerminal(ctx, *job.BatchParentID, job.ID, success)
}

// actualEstimate derives the resource usage to reconcile the user's
// quota reservation against. Only GPU minutes are metered from wall
// clock execution time; storage is reported as the job's own estimate,
// so the storage applied at reservation time stands unchanged, and the
// concurrency slot is returned by Release itself.
func actualEstimate(job *model.JobRecord, event *model.CompletionEvent) *model.ResourceEstimate {
	return &model.ResourceEstimate{
		GPUMinutes: event.ExecutionTimeSeconds / 60,
		StorageGB:  model.EstimateResources(job.TaskType, 1).StorageGB,
	}
}
