package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := defaultConfig()
	cfg.ProjectID = "omtx-prod"
	cfg.Storage.Bucket = "omtx-artifacts"
	cfg.TaskQueue.Project = "omtx-prod"
	cfg.TaskQueue.Region = "us-central1"
	cfg.TaskQueue.WorkerURL = "https://worker.internal/predict"
	cfg.OIDC.ServiceAccountID = "orchestrator@omtx-prod.iam.gserviceaccount.com"
	cfg.OIDC.DevSigningKey = "test-signing-key"
	cfg.OIDC.DevMode = true
	return cfg
}

func TestValidateRequiresProjectID(t *testing.T) {
	cfg := validConfig()
	cfg.ProjectID = ""
	require.Error(t, Validate(cfg))
}

func TestValidateRequiresStorageBucket(t *testing.T) {
	cfg := validConfig()
	cfg.Storage.Bucket = ""
	require.Error(t, Validate(cfg))
}

func TestValidateRequiresTaskQueueFields(t *testing.T) {
	cfg := validConfig()
	cfg.TaskQueue.WorkerURL = ""
	require.Error(t, Validate(cfg))
}

func TestValidateRequiresOIDCServiceAccount(t *testing.T) {
	cfg := validConfig()
	cfg.OIDC.ServiceAccountID = ""
	require.Error(t, Validate(cfg))
}

func TestValidateRejectsBadLaneCapacity(t *testing.T) {
	cfg := validConfig()
	cfg.TaskQueue.InteractiveCapacity = 0
	assert.Error(t, Validate(cfg))
}

func TestValidateRejectsBadMetricsPort(t *testing.T) {
	cfg := validConfig()
	cfg.Observability.MetricsPort = 70000
	assert.Error(t, Validate(cfg))
}

func TestValidateAcceptsDefaults(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, Validate(cfg))
}

func TestLoadWithoutFileUsesEnvAndDefaults(t *testing.T) {
	t.Setenv("PROJECT_ID", "omtx-prod")
	t.Setenv("STORAGE_BUCKET", "omtx-artifacts")
	t.Setenv("TASK_QUEUE_PROJECT", "omtx-prod")
	t.Setenv("TASK_QUEUE_REGION", "us-central1")
	t.Setenv("TASK_QUEUE_WORKER_URL", "https://worker.internal/predict")
	t.Setenv("OIDC_SERVICE_ACCOUNT_ID", "orchestrator@omtx-prod.iam.gserviceaccount.com")
	t.Setenv("OIDC_DEV_SIGNING_KEY", "test-signing-key")
	t.Setenv("OIDC_DEV_MODE", "true")

	cfg, err := Load("/nonexistent/config.yaml")
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.TaskQueue.InteractiveCapacity)
	assert.Equal(t, 12, cfg.TaskQueue.BulkCapacity)
}
