package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/mux"
	"github.com/omtx-labs/gpu-orchestrator/internal/aggregator"
	"github.com/omtx-labs/gpu-orchestrator/internal/completion"
	"github.com/omtx-labs/gpu-orchestrator/internal/config"
	"github.com/omtx-labs/gpu-orchestrator/internal/dispatch"
	"github.com/omtx-labs/gpu-orchestrator/internal/jobstore"
	"github.com/omtx-labs/gpu-orchestrator/internal/model"
	"github.com/omtx-labs/gpu-orchestrator/internal/quota"
	"github.com/omtx-labs/gpu-orchestrator/internal/ratelimit"
	"github.com/omtx-labs/gpu-orchestrator/internal/storagegw"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeQueue struct{ receipt string }

func (q *fakeQueue) Enqueue(ctx context.Context, lane dispatch.Lane, payload dispatch.TaskPayload) (string, error) {
	return q.receipt, nil
}

func (q *fakeQueue) Poll(ctx context.Context, lane dispatch.Lane, receipt string) (bool, error) {
	return false, nil
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.TaskQueue.InteractiveQueue = "predict-interactive"
	cfg.TaskQueue.BulkQueue = "predict-bulk"
	cfg.TaskQueue.InteractiveCapacity = 10
	cfg.TaskQueue.BulkCapacity = 10
	cfg.OIDC.ServiceAccountID = "svc@example.com"
	cfg.OIDC.Audience = "orchestrator"
	cfg.OIDC.DevSigningKey = "test-signing-key"
	cfg.API.DefaultUserTier = "default"
	return cfg
}

func newTestHandler(t *testing.T) (*Handler, jobstore.Store, storagegw.Gateway) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	gw := storagegw.NewMemGateway()
	store := jobstore.NewRedisStore(rdb, gw, zap.NewNop())
	ledger := quota.NewRedisLedger(rdb, zap.NewNop())
	limiter := ratelimit.NewRedisLimiter(rdb, testConfig(), zap.NewNop())
	agg := aggregator.New(store, gw, ledger, zap.NewNop())
	comp := completion.New(store, gw, ledger, agg, testConfig(), zap.NewNop())
	disp := dispatch.NewDispatcher(store, &fakeQueue{receipt: "task-abc"}, testConfig(), zap.NewNop())
	h := NewHandler(store, gw, ledger, limiter, disp, agg, comp, testConfig(), zap.NewNop())
	return h, store, gw
}

func TestSubmitIndividualAdmitsAndDispatches(t *testing.T) {
	h, _, _ := newTestHandler(t)
	req := PredictRequest{
		Model:           "omtx-fold-1",
		ProteinSequence: "MKT",
		LigandSMILES:    "CCO",
		LigandName:      "ethanol",
		UserID:          "user-1",
	}
	body, err := json.Marshal(req)
	require.NoError(t, err)

	httpReq := httptest.NewRequest(http.MethodPost, "/api/v1/predict", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.SubmitIndividual(rec, httpReq)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp JobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.JobID)
	assert.Equal(t, "user-1", resp.UserID)
}

func TestSubmitIndividualRejectsMissingFields(t *testing.T) {
	h, _, _ := newTestHandler(t)
	body, _ := json.Marshal(PredictRequest{})
	httpReq := httptest.NewRequest(http.MethodPost, "/api/v1/predict", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.SubmitIndividual(rec, httpReq)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitBatchCreatesParentAndChildren(t *testing.T) {
	h, store, _ := newTestHandler(t)
	req := BatchPredictRequest{
		Model:           "omtx-fold-1",
		ProteinSequence: "MKT",
		Ligands: []BatchLigand{
			{Name: "lig-a", SMILES: "CCO"},
			{Name: "lig-b", SMILES: "CCN"},
		},
		UserID: "user-1",
	}
	body, err := json.Marshal(req)
	require.NoError(t, err)

	httpReq := httptest.NewRequest(http.MethodPost, "/api/v1/predict/batch", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.SubmitBatch(rec, httpReq)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp BatchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.ChildIDs, 2)

	children, err := store.GetBatchChildren(context.Background(), resp.BatchID)
	require.NoError(t, err)
	assert.Len(t, children, 2)
}

func TestGetJobReturnsNotFound(t *testing.T) {
	h, _, _ := newTestHandler(t)
	httpReq := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/missing", nil)
	httpReq = mux.SetURLVars(httpReq, map[string]string{"job_id": "missing"})
	rec := httptest.NewRecorder()
	h.GetJob(rec, httpReq)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelJobTransitionsToCancelledAndReleasesQuota(t *testing.T) {
	h, _, _ := newTestHandler(t)
	body, _ := json.Marshal(PredictRequest{Model: "omtx-fold-1", ProteinSequence: "MKT", LigandSMILES: "CCO", UserID: "user-1"})
	submitReq := httptest.NewRequest(http.MethodPost, "/api/v1/predict", bytes.NewReader(body))
	submitRec := httptest.NewRecorder()
	h.SubmitIndividual(submitRec, submitReq)
	require.Equal(t, http.StatusOK, submitRec.Code)
	var submitted JobResponse
	require.NoError(t, json.Unmarshal(submitRec.Body.Bytes(), &submitted))

	cancelReq := httptest.NewRequest(http.MethodDelete, "/api/v1/jobs/"+submitted.JobID, nil)
	cancelReq = mux.SetURLVars(cancelReq, map[string]string{"job_id": submitted.JobID})
	cancelRec := httptest.NewRecorder()
	h.CancelJob(cancelRec, cancelReq)

	require.Equal(t, http.StatusOK, cancelRec.Code)
	var cancelled JobResponse
	require.NoError(t, json.Unmarshal(cancelRec.Body.Bytes(), &cancelled))
	assert.Equal(t, "cancelled", string(cancelled.Status))

	// default tier allows 2 concurrent_jobs; 2 more fit only if the cancelled job's slot was released.
	avail, err := h.ledger.CheckAvailability(context.Background(), "user-1", model.TierDefault, model.ResourceEstimate{ConcurrentJobs: 2})
	require.NoError(t, err)
	assert.True(t, avail.Allowed)
}

func TestSystemStatusReportsHealthy(t *testing.T) {
	h, _, _ := newTestHandler(t)
	httpReq := httptest.NewRequest(http.MethodGet, "/api/v1/system/status", nil)
	rec := httptest.NewRecorder()
	h.SystemStatus(rec, httpReq)
	assert.Equal(t, http.StatusOK, rec.Code)
	var resp SystemStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
}
