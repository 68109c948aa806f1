// Package completion implements the webhook GPU workers invoke when a
// dispatched task finishes: OIDC verification, modal_call_id dedup,
// and fan-out to the Job Store, Storage Gateway, Quota Ledger, and
// Batch Aggregator.
package completion

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/omtx-labs/gpu-orchestrator/internal/aggregator"
	"github.com/omtx-labs/gpu-orchestrator/internal/config"
	"github.com/omtx-labs/gpu-orchestrator/internal/jobstore"
	"github.com/omtx-labs/gpu-orchestrator/internal/model"
	"github.com/omtx-labs/gpu-orchestrator/internal/obs"
	"github.com/omtx-labs/gpu-orchestrator/internal/quota"
	"github.com/omtx-labs/gpu-orchestrator/internal/storagegw"
	"go.uber.org/zap"
)

// Handler serves the completion webhook (§4.7).
type Handler struct {
	store  jobstore.Store
	gw     storagegw.Gateway
	ledger quota.Ledger
	agg    *aggregator.Aggregator
	cfg    *config.Config
	log    *zap.Logger
	dedup  *dedupSet
}

// New builds a Handler wired to every component the webhook fans out to.
func New(store jobstore.Store, gw storagegw.Gateway, ledger quota.Ledger, agg *aggregator.Aggregator, cfg *config.Config, log *zap.Logger) *Handler {
	return &Handler{
		store:  store,
		gw:     gw,
		ledger: ledger,
		agg:    agg,
		cfg:    cfg,
		log:    log,
		dedup:  newDedupSet(dedupCapacity),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := verifyBearer(r, &h.cfg.OIDC); err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	var event model.CompletionEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		writeError(w, http.StatusBadRequest, model.NewValidationError("malformed completion payload"))
		return
	}

	ctx, span := obs.StartWebhookSpan(r.Context(), event.JobID, event.ModalCallID)
	defer span.End()

	if h.dedup.checkAndMark(event.ModalCallID) {
		obs.WebhookDuplicates.Inc()
		obs.SetSpanSuccess(ctx)
		w.WriteHeader(http.StatusOK)
		return
	}

	job, err := h.resolveJob(ctx, &event)
	if err != nil {
		obs.RecordError(ctx, err)
		writeError(w, http.StatusNotFound, err)
		return
	}

	switch event.Status {
	case model.CompletionSuccess:
		err = h.handleSuccess(ctx, job, &event)
	case model.CompletionFailed:
		err = h.handleFailure(ctx, job, &event)
	default:
		err = model.NewValidationError("completion status must be success or failed")
	}
	if err != nil {
		obs.RecordError(ctx, err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	obs.SetSpanSuccess(ctx)
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) resolveJob(ctx context.Context, event *model.CompletionEvent) (*model.JobRecord, error) {
	if event.JobID != "" {
		return h.store.Get(ctx, event.JobID)
	}
	if event.ModalCallID != "" {
		return h.store.FindByDispatchReceipt(ctx, event.ModalCallID)
	}
	return nil, model.NewValidationError("completion payload must carry job_id or modal_call_id")
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
