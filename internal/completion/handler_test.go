package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v4"
	"github.com/omtx-labs/gpu-orchestrator/internal/aggregator"
	"github.com/omtx-labs/gpu-orchestrator/internal/config"
	"github.com/omtx-labs/gpu-orchestrator/internal/jobstore"
	"github.com/omtx-labs/gpu-orchestrator/internal/model"
	"github.com/omtx-labs/gpu-orchestrator/internal/quota"
	"github.com/omtx-labs/gpu-orchestrator/internal/storagegw"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testCfg() *config.Config {
	cfg := &config.Config{}
	cfg.OIDC.ServiceAccountID = "svc@example.com"
	cfg.OIDC.Audience = "orchestrator"
	cfg.OIDC.DevSigningKey = "test-signing-key"
	cfg.OIDC.DevMode = true
	return cfg
}

func signToken(t *testing.T, cfg *config.Config) string {
	t.Helper()
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": cfg.OIDC.ServiceAccountID,
		"aud": cfg.OIDC.Audience,
		"sub": cfg.OIDC.ServiceAccountID,
		"iat": now.Unix(),
		"exp": now.Add(10 * time.Minute).Unix(),
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(cfg.OIDC.DevSigningKey))
	require.NoError(t, err)
	return tok
}

func newTestHandler(t *testing.T) (*Handler, jobstore.Store, storagegw.Gateway, quota.Ledger, *config.Config) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	gw := storagegw.NewMemGateway()
	store := jobstore.NewRedisStore(rdb, gw, zap.NewNop())
	ledger := quota.NewRedisLedger(rdb, zap.NewNop())
	agg := aggregator.New(store, gw, ledger, zap.NewNop())
	cfg := testCfg()
	return New(store, gw, ledger, agg, cfg, zap.NewNop()), store, gw, ledger, cfg
}

func postCompletion(t *testing.T, h *Handler, cfg *config.Config, event model.CompletionEvent) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(event)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/v3/webhooks/completion", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+signToken(t, cfg))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCompletionHandlerRejectsMissingBearer(t *testing.T) {
	h, store, _, _, _ := newTestHandler(t)
	require.NoError(t, store.Create(context.Background(), &model.JobRecord{
		SchemaVersion: model.SchemaVersion, ID: "job-1", JobType: model.JobTypeIndividual,
		Status: model.StatusRunning, UserID: "u1",
	}))

	body, _ := json.Marshal(model.CompletionEvent{JobID: "job-1", Status: model.CompletionSuccess})
	req := httptest.NewRequest(http.MethodPost, "/api/v3/webhooks/completion", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCompletionHandlerMarksJobCompletedAndWritesArtifacts(t *testing.T) {
	h, store, gw, ledger, cfg := newTestHandler(t)
	ctx := context.Background()
	job := &model.JobRecord{
		SchemaVersion: model.SchemaVersion, ID: "job-1", JobType: model.JobTypeIndividual,
		Status: model.StatusRunning, UserID: "u1",
	}
	require.NoError(t, store.Create(ctx, job))
	require.NoError(t, ledger.Reserve(ctx, "u1", model.TierDefault, model.ResourceEstimate{GPUMinutes: 5, ConcurrentJobs: 1}, "job-1"))

	result, err := json.Marshal(map[string]interface{}{
		"affinity": 0.8, "confidence": 0.9, "ptm_score": 0.8, "iptm_score": 0.7,
		"plddt_score": 85.0, "execution_time": 12.5, "has_structure": false,
	})
	require.NoError(t, err)

	rec := postCompletion(t, h, cfg, model.CompletionEvent{
		ModalCallID: "call-1", JobID: "job-1", Status: model.CompletionSuccess,
		Result: result, ExecutionTimeSeconds: 12.5,
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	updated, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, updated.Status)
	require.NotNil(t, updated.OutputData)
	assert.True(t, updated.OutputData.FilesStored)

	raw, err := gw.Download(ctx, job.CanonicalPrefix()+"/results.json")
	require.NoError(t, err)
	assert.JSONEq(t, string(result), string(raw))
}

func TestCompletionHandlerMarksJobFailed(t *testing.T) {
	h, store, _, _, cfg := newTestHandler(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &model.JobRecord{
		SchemaVersion: model.SchemaVersion, ID: "job-2", JobType: model.JobTypeIndividual,
		Status: model.StatusRunning, UserID: "u1",
	}))

	rec := postCompletion(t, h, cfg, model.CompletionEvent{
		ModalCallID: "call-2", JobID: "job-2", Status: model.CompletionFailed,
		Error: &model.JobError{Kind: model.KindInternal, Message: "gpu oom"},
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	updated, err := store.Get(ctx, "job-2")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, updated.Status)
	require.NotNil(t, updated.Error)
	assert.Equal(t, "gpu oom", updated.Error.Message)
}

func TestCompletionHandlerDedupsRepeatedModalCallID(t *testing.T) {
	h, store, _, _, cfg := newTestHandler(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &model.JobRecord{
		SchemaVersion: model.SchemaVersion, ID: "job-3", JobType: model.JobTypeIndividual,
		Status: model.StatusRunning, UserID: "u1",
	}))

	result, _ := json.Marshal(map[string]interface{}{"affinity": 0.5})
	event := model.CompletionEvent{ModalCallID: "call-3", JobID: "job-3", Status: model.CompletionSuccess, Result: result}

	rec1 := postCompletion(t, h, cfg, event)
	assert.Equal(t, http.StatusOK, rec1.Code)

	rec2 := postCompletion(t, h, cfg, event)
	assert.Equal(t, http.StatusOK, rec2.Code)

	updated, err := store.Get(ctx, "job-3")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, updated.Status)
}

func TestCompletionHandlerResolvesJobByDispatchReceiptWhenJobIDMissing(t *testing.T) {
	h, store, _, _, cfg := newTestHandler(t)
	ctx := context.Background()
	job := &model.JobRecord{
		SchemaVersion: model.SchemaVersion, ID: "job-4", JobType: model.JobTypeIndividual,
		Status: model.StatusQueued, UserID: "u1",
	}
	require.NoError(t, store.Create(ctx, job))
	_, err := store.Update(ctx, "job-4", func(rec *model.JobRecord) error {
		rec.DispatchReceipt = "task-999"
		rec.Status = model.StatusRunning
		return nil
	})
	require.NoError(t, err)

	result, _ := json.Marshal(map[string]interface{}{"affinity": 0.5})
	rec := postCompletion(t, h, cfg, model.CompletionEvent{
		ModalCallID: "task-999", Status: model.CompletionSuccess, Result: result,
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	updated, err := store.Get(ctx, "job-4")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, updated.Status)
}
