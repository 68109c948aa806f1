package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/omtx-labs/gpu-orchestrator/internal/aggregator"
	"github.com/omtx-labs/gpu-orchestrator/internal/completion"
	"github.com/omtx-labs/gpu-orchestrator/internal/config"
	"github.com/omtx-labs/gpu-orchestrator/internal/dispatch"
	"github.com/omtx-labs/gpu-orchestrator/internal/jobstore"
	"github.com/omtx-labs/gpu-orchestrator/internal/model"
	"github.com/omtx-labs/gpu-orchestrator/internal/obs"
	"github.com/omtx-labs/gpu-orchestrator/internal/quota"
	"github.com/omtx-labs/gpu-orchestrator/internal/ratelimit"
	"github.com/omtx-labs/gpu-orchestrator/internal/schema"
	"github.com/omtx-labs/gpu-orchestrator/internal/storagegw"
	"go.uber.org/zap"
)

// Handler implements the Submission API (§4.1): every HTTP route the
// Server exposes delegates here after the middleware chain runs.
type Handler struct {
	store      jobstore.Store
	gw         storagegw.Gateway
	ledger     quota.Ledger
	limiter    ratelimit.Limiter
	dispatcher *dispatch.Dispatcher
	agg        *aggregator.Aggregator
	completion *completion.Handler
	cfg        *config.Config
	log        *zap.Logger
}

// NewHandler wires the Submission API over every component its
// admission pipeline and read paths touch.
func NewHandler(store jobstore.Store, gw storagegw.Gateway, ledger quota.Ledger, limiter ratelimit.Limiter, dispatcher *dispatch.Dispatcher, agg *aggregator.Aggregator, comp *completion.Handler, cfg *config.Config, log *zap.Logger) *Handler {
	return &Handler{
		store: store, gw: gw, ledger: ledger, limiter: limiter,
		dispatcher: dispatcher, agg: agg, completion: comp, cfg: cfg, log: log,
	}
}

func (h *Handler) tier() model.UserTier {
	t := model.UserTier(h.cfg.API.DefaultUserTier)
	if t == "" {
		return model.TierDefault
	}
	return t
}

// SubmitIndividual handles POST /api/v1/predict.
func (h *Handler) SubmitIndividual(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req PredictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, model.NewValidationError("malformed request body"))
		return
	}
	if req.UserID == "" || req.Model == "" {
		writeAPIError(w, model.NewValidationError("user_id and model are required"))
		return
	}

	decision, err := h.limiter.Allow(ctx, req.UserID, model.RouteSubmit)
	if err != nil {
		writeAPIError(w, model.NewError(model.KindInternal, "rate limiter unavailable").WithErr(err))
		return
	}
	if !decision.Allowed {
		writeAPIError(w, model.NewError(model.KindRateLimited, "submit rate limit exceeded"))
		return
	}

	const taskType = "protein_ligand_binding"
	fields := map[string]interface{}{
		"protein_sequence": req.ProteinSequence,
		"ligand_smiles":    req.LigandSMILES,
		"ligand_name":      req.LigandName,
	}
	if len(req.Parameters) > 0 {
		fields["parameters"] = req.Parameters
	}
	inputData, err := json.Marshal(fields)
	if err != nil {
		writeAPIError(w, model.NewValidationError("failed to encode input_data"))
		return
	}
	if err := schema.Validate(taskType, inputData); err != nil {
		writeAPIError(w, err)
		return
	}

	estimate := model.EstimateResources(taskType, 1)
	availability, err := h.ledger.CheckAvailability(ctx, req.UserID, h.tier(), estimate)
	if err != nil {
		writeAPIError(w, model.NewError(model.KindInternal, "quota check failed").WithErr(err))
		return
	}
	if !availability.Allowed {
		writeAPIError(w, model.NewError(model.KindQuotaExceeded, "quota exceeded for one or more resources"))
		return
	}

	if req.IdempotencyKey != "" {
		if existing, err := h.store.FindByIdempotencyKey(ctx, req.UserID, req.IdempotencyKey); err == nil {
			writeJSON(w, http.StatusOK, jobResponse(existing))
			return
		}
	}

	job := &model.JobRecord{
		SchemaVersion:  model.SchemaVersion,
		ID:             "job-" + uuid.NewString(),
		JobType:        model.JobTypeIndividual,
		TaskType:       taskType,
		ModelName:      req.Model,
		Status:         model.StatusPending,
		UserID:         req.UserID,
		JobName:        req.JobName,
		InputData:      inputData,
		IdempotencyKey: req.IdempotencyKey,
	}

	if err := h.ledger.Reserve(ctx, req.UserID, h.tier(), estimate, job.ID); err != nil {
		writeAPIError(w, model.NewError(model.KindInternal, "failed to reserve quota").WithErr(err))
		return
	}
	if err := h.store.Create(ctx, job); err != nil {
		_ = h.ledger.Release(ctx, req.UserID, job.ID, nil)
		writeAPIError(w, err)
		return
	}

	if _, err := h.dispatcher.Dispatch(ctx, job); err != nil {
		h.failDispatch(ctx, job, err)
		writeAPIError(w, model.NewError(model.KindDispatchFailed, "failed to enqueue job").WithJob(job.ID).WithErr(err))
		return
	}

	obs.JobsSubmitted.WithLabelValues(string(job.JobType)).Inc()
	updated, err := h.store.Get(ctx, job.ID)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobResponse(updated))
}

// failDispatch marks a job dispatch_failed and releases its
// reservation, per §4.1 step 9's documented failure handling.
func (h *Handler) failDispatch(ctx context.Context, job *model.JobRecord, cause error) {
	if _, err := h.store.Update(ctx, job.ID, func(rec *model.JobRecord) error {
		rec.Status = model.StatusFailed
		rec.Error = &model.JobError{Kind: model.KindDispatchFailed, Message: "task dispatch failed", Details: cause.Error()}
		return nil
	}); err != nil {
		h.log.Warn("failed to mark job dispatch_failed", obs.String("job_id", job.ID), obs.Err(err))
	}
	if err := h.ledger.Release(ctx, job.UserID, job.ID, nil); err != nil {
		h.log.Warn("failed to release quota after dispatch failure", obs.String("job_id", job.ID), obs.Err(err))
	}
	if job.BatchParentID != nil {
		if err := h.agg.OnChildTerminal(ctx, *job.BatchParentID, job.ID, false); err != nil {
			h.log.Warn("failed to notify aggregator after dispatch failure", obs.String("job_id", job.ID), obs.Err(err))
		}
	}
}

// SubmitBatch handles POST /api/v1/predict/batch.
func (h *Handler) SubmitBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req BatchPredictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, model.NewValidationError("malformed request body"))
		return
	}
	if req.UserID == "" || req.Model == "" {
		writeAPIError(w, model.NewValidationError("user_id and model are required"))
		return
	}

	decision, err := h.limiter.Allow(ctx, req.UserID, model.RouteSubmit)
	if err != nil {
		writeAPIError(w, model.NewError(model.KindInternal, "rate limiter unavailable").WithErr(err))
		return
	}
	if !decision.Allowed {
		writeAPIError(w, model.NewError(model.KindRateLimited, "submit rate limit exceeded"))
		return
	}

	const taskType = "batch_protein_ligand_screening"
	ligands := make([]map[string]string, len(req.Ligands))
	for i, l := range req.Ligands {
		ligands[i] = map[string]string{"name": l.Name, "smiles": l.SMILES}
	}
	batchFields := map[string]interface{}{
		"protein_sequence": req.ProteinSequence,
		"ligands":          ligands,
	}
	if req.MaxConcurrent > 0 {
		batchFields["max_concurrent"] = req.MaxConcurrent
	}
	if len(req.Parameters) > 0 {
		batchFields["parameters"] = req.Parameters
	}
	batchInput, err := json.Marshal(batchFields)
	if err != nil {
		writeAPIError(w, model.NewValidationError("failed to encode input_data"))
		return
	}
	if err := schema.Validate(taskType, batchInput); err != nil {
		writeAPIError(w, err)
		return
	}

	units := len(req.Ligands)
	estimate := model.EstimateResources(taskType, units)
	availability, err := h.ledger.CheckAvailability(ctx, req.UserID, h.tier(), estimate)
	if err != nil {
		writeAPIError(w, model.NewError(model.KindInternal, "quota check failed").WithErr(err))
		return
	}
	if !availability.Allowed {
		writeAPIError(w, model.NewError(model.KindQuotaExceeded, "quota exceeded for one or more resources"))
		return
	}

	if req.IdempotencyKey != "" {
		if existing, err := h.store.FindByIdempotencyKey(ctx, req.UserID, req.IdempotencyKey); err == nil {
			writeJSON(w, http.StatusOK, batchResponse(existing))
			return
		}
	}

	parentID := "batch-" + uuid.NewString()
	children := make([]*model.JobRecord, units)
	childIDs := make([]string, units)
	for i, l := range req.Ligands {
		childFields := map[string]interface{}{
			"protein_sequence": req.ProteinSequence,
			"ligand_smiles":    l.SMILES,
			"ligand_name":      l.Name,
		}
		if len(req.Parameters) > 0 {
			childFields["parameters"] = req.Parameters
		}
		childInput, _ := json.Marshal(childFields)
		idx := i
		pid := parentID
		children[i] = &model.JobRecord{
			SchemaVersion: model.SchemaVersion,
			ID:            parentID + "-child-" + strconv.Itoa(i),
			JobType:       model.JobTypeBatchChild,
			TaskType:      taskType,
			ModelName:     req.Model,
			Status:        model.StatusPending,
			UserID:        req.UserID,
			Priority:      req.Priority,
			BatchParentID: &pid,
			BatchIndex:    &idx,
			InputData:     childInput,
		}
		childIDs[i] = children[i].ID
	}

	parent := &model.JobRecord{
		SchemaVersion:  model.SchemaVersion,
		ID:             parentID,
		JobType:        model.JobTypeBatchParent,
		TaskType:       taskType,
		ModelName:      req.Model,
		Status:         model.StatusRunning,
		UserID:         req.UserID,
		JobName:        req.BatchName,
		Priority:       req.Priority,
		InputData:      batchInput,
		BatchChildIDs:  childIDs,
		BatchProgress:  &model.BatchProgress{Total: units},
		IdempotencyKey: req.IdempotencyKey,
	}

	if err := h.ledger.Reserve(ctx, req.UserID, h.tier(), estimate, parent.ID); err != nil {
		writeAPIError(w, model.NewError(model.KindInternal, "failed to reserve quota").WithErr(err))
		return
	}
	if err := h.store.CreateBatch(ctx, parent, children); err != nil {
		_ = h.ledger.Release(ctx, req.UserID, parent.ID, nil)
		writeAPIError(w, err)
		return
	}

	for _, child := range children {
		if _, err := h.dispatcher.Dispatch(ctx, child); err != nil {
			h.failDispatch(ctx, child, err)
		}
	}

	obs.JobsSubmitted.WithLabelValues(string(model.JobTypeBatchParent)).Inc()
	updated, err := h.store.Get(ctx, parent.ID)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batchResponse(updated))
}

// GetJob handles GET /api/v1/jobs/{job_id}.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["job_id"]
	job, err := h.store.Get(r.Context(), jobID)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobResponse(job))
}

// ListJobs handles GET /api/v1/jobs.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := jobstore.Filter{UserID: q.Get("user_id"), Status: model.Status(q.Get("status"))}
	limit := 50
	if n, err := strconv.Atoi(q.Get("limit")); err == nil && n > 0 && n <= 500 {
		limit = n
	}
	cursor, err := decodeCursor(q.Get("page"))
	if err != nil {
		writeAPIError(w, model.NewValidationError("invalid page cursor"))
		return
	}

	page, err := h.store.Query(r.Context(), filter, cursor, limit)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	resp := JobListResponse{Jobs: make([]JobResponse, 0, len(page.Jobs)), NextCursor: encodeCursor(page.NextCursor)}
	modelFilter := q.Get("model")
	for _, j := range page.Jobs {
		if modelFilter != "" && j.ModelName != modelFilter {
			continue
		}
		resp.Jobs = append(resp.Jobs, jobResponse(j))
	}
	writeJSON(w, http.StatusOK, resp)
}

// CancelJob handles DELETE /api/v1/jobs/{job_id}.
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	jobID := mux.Vars(r)["job_id"]
	ownerID := r.URL.Query().Get("user_id")

	job, err := h.store.Get(ctx, jobID)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if ownerID != "" && job.UserID != ownerID {
		writeAPIError(w, model.NewError(model.KindForbidden, "principal does not own this job"))
		return
	}
	if job.Status.IsTerminal() {
		writeJSON(w, http.StatusOK, jobResponse(job))
		return
	}

	updated, err := h.store.Update(ctx, jobID, func(rec *model.JobRecord) error {
		if !model.CanTransition(rec.Status, model.StatusCancelled) {
			return model.NewError(model.KindConflict, "job already in a terminal state").WithJob(rec.ID).WithErr(model.ErrAlreadyTerminal)
		}
		rec.Status = model.StatusCancelled
		return nil
	})
	if err != nil {
		writeAPIError(w, err)
		return
	}

	if err := h.ledger.Release(ctx, updated.UserID, updated.ID, nil); err != nil {
		h.log.Warn("failed to release quota on cancellation", obs.String("job_id", updated.ID), obs.Err(err))
	}
	if updated.BatchParentID != nil {
		if err := h.agg.OnChildTerminal(ctx, *updated.BatchParentID, updated.ID, false); err != nil {
			h.log.Warn("failed to notify aggregator on cancellation", obs.String("job_id", updated.ID), obs.Err(err))
		}
	}
	obs.JobsCancelled.Inc()
	writeJSON(w, http.StatusOK, jobResponse(updated))
}

// GetBatch handles GET /api/v1/batches/{batch_id}.
func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	batchID := mux.Vars(r)["batch_id"]
	parent, err := h.store.Get(r.Context(), batchID)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batchResponse(parent))
}

// ListBatches handles GET /api/v1/batches.
func (h *Handler) ListBatches(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := jobstore.Filter{UserID: q.Get("user_id"), Status: model.Status(q.Get("status")), JobType: model.JobTypeBatchParent}
	limit := 50
	if n, err := strconv.Atoi(q.Get("limit")); err == nil && n > 0 && n <= 500 {
		limit = n
	}
	cursor, err := decodeCursor(q.Get("page"))
	if err != nil {
		writeAPIError(w, model.NewValidationError("invalid page cursor"))
		return
	}

	page, err := h.store.Query(r.Context(), filter, cursor, limit)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	resp := BatchListResponse{Batches: make([]BatchResponse, 0, len(page.Jobs)), NextCursor: encodeCursor(page.NextCursor)}
	for _, j := range page.Jobs {
		resp.Batches = append(resp.Batches, batchResponse(j))
	}
	writeJSON(w, http.StatusOK, resp)
}

// DeleteBatch handles DELETE /api/v1/batches/{batch_id}: cancels
// every non-terminal child the same way CancelJob would, then the
// parent itself.
func (h *Handler) DeleteBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	batchID := mux.Vars(r)["batch_id"]

	children, err := h.store.GetBatchChildren(ctx, batchID)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	for _, child := range children {
		if child.Status.IsTerminal() {
			continue
		}
		updated, err := h.store.Update(ctx, child.ID, func(rec *model.JobRecord) error {
			rec.Status = model.StatusCancelled
			return nil
		})
		if err != nil {
			h.log.Warn("failed to cancel batch child", obs.String("job_id", child.ID), obs.Err(err))
			continue
		}
		_ = h.ledger.Release(ctx, updated.UserID, updated.ID, nil)
	}

	parent, err := h.store.Update(ctx, batchID, func(rec *model.JobRecord) error {
		if rec.Status.IsTerminal() {
			return nil
		}
		rec.Status = model.StatusCancelled
		return nil
	})
	if err != nil {
		writeAPIError(w, err)
		return
	}
	_ = h.ledger.Release(ctx, parent.UserID, parent.ID, nil)
	writeJSON(w, http.StatusOK, batchResponse(parent))
}

// DownloadJobArtifact handles GET /api/v1/jobs/{job_id}/files/{kind}.
func (h *Handler) DownloadJobArtifact(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vars := mux.Vars(r)
	jobID, kind := vars["job_id"], vars["kind"]

	job, err := h.store.Get(ctx, jobID)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	filename, contentType, ok := artifactFile(kind)
	if !ok {
		writeAPIError(w, model.NewValidationError("unsupported artifact kind: "+kind))
		return
	}

	data, err := h.gw.Download(ctx, job.CanonicalPrefix()+"/"+filename)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func artifactFile(kind string) (filename, contentType string, ok bool) {
	switch kind {
	case "json":
		return "results.json", "application/json", true
	case "cif":
		return "structure.cif", "chemical/x-cif", true
	case "pdb":
		return "structure.pdb", "chemical/x-pdb", true
	default:
		return "", "", false
	}
}

// ExportBatch handles GET /api/v1/batches/{batch_id}/export.
func (h *Handler) ExportBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	batchID := mux.Vars(r)["batch_id"]
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "json"
	}

	parent, err := h.store.Get(ctx, batchID)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	resultsPrefix := parent.CanonicalPrefix() + "/results"

	var (
		filename, contentType string
		data                  []byte
	)
	switch format {
	case "json":
		filename, contentType = "aggregated.json", "application/json"
		data, err = h.gw.Download(ctx, resultsPrefix+"/"+filename)
	case "csv":
		filename, contentType = "batch_results.csv", "text/csv"
		data, err = h.gw.Download(ctx, resultsPrefix+"/"+filename)
	case "zip":
		filename, contentType = "batch_export.zip", "application/zip"
		data, err = h.buildZipExport(ctx, parent)
	default:
		writeAPIError(w, model.NewValidationError("unsupported export format: "+format))
		return
	}
	if err != nil {
		writeAPIError(w, err)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// SystemStatus handles GET /api/v1/system/status.
func (h *Handler) SystemStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, SystemStatusResponse{
		Status: "healthy",
		Components: map[string]string{
			"job_store":      "ok",
			"storage_gateway": "ok",
			"quota_ledger":   "ok",
			"task_dispatcher": "ok",
		},
		Statistics: map[string]int64{},
		APIVersion: "v1",
	})
}

// Completion delegates the worker webhook straight to the Completion
// Handler; the Submission API owns routing, not webhook semantics.
func (h *Handler) Completion(w http.ResponseWriter, r *http.Request) {
	h.completion.ServeHTTP(w, r)
}
