package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/omtx-labs/gpu-orchestrator/internal/model"
	"github.com/omtx-labs/gpu-orchestrator/internal/ratelimit"
)

// NewRouter wires every Submission API route (§6.1) onto h, applying
// RateLimitMiddleware to the read and download routes. The two
// submission routes carry no query-string principal to key a
// router-level limiter on (user_id lives in their JSON body), so they
// check the limiter themselves as the first step of their handlers.
func NewRouter(h *Handler, limiter ratelimit.Limiter) http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	}).Methods(http.MethodGet)

	read := r.PathPrefix("/api/v1").Subrouter()
	read.Use(RateLimitMiddleware(limiter, model.RouteRead))
	read.HandleFunc("/jobs/{job_id}", h.GetJob).Methods(http.MethodGet)
	read.HandleFunc("/jobs", h.ListJobs).Methods(http.MethodGet)
	read.HandleFunc("/jobs/{job_id}", h.CancelJob).Methods(http.MethodDelete)
	read.HandleFunc("/batches/{batch_id}", h.GetBatch).Methods(http.MethodGet)
	read.HandleFunc("/batches", h.ListBatches).Methods(http.MethodGet)
	read.HandleFunc("/batches/{batch_id}", h.DeleteBatch).Methods(http.MethodDelete)
	read.HandleFunc("/system/status", h.SystemStatus).Methods(http.MethodGet)

	download := r.PathPrefix("/api/v1").Subrouter()
	download.Use(RateLimitMiddleware(limiter, model.RouteDownload))
	download.HandleFunc("/jobs/{job_id}/files/{kind}", h.DownloadJobArtifact).Methods(http.MethodGet)
	download.HandleFunc("/batches/{batch_id}/export", h.ExportBatch).Methods(http.MethodGet)

	submit := r.PathPrefix("/api/v1").Subrouter()
	submit.HandleFunc("/predict", h.SubmitIndividual).Methods(http.MethodPost)
	submit.HandleFunc("/predict/batch", h.SubmitBatch).Methods(http.MethodPost)

	r.HandleFunc("/api/v3/webhooks/completion", h.Completion).Methods(http.MethodPost)

	return r
}
