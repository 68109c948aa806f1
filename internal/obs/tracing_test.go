package obs

import (
	"context"
	"testing"

	"github.com/omtx-labs/gpu-orchestrator/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaybeInitTracingDisabledReturnsNil(t *testing.T) {
	cfg := &config.Config{}
	cfg.Observability.Tracing.Enabled = false

	tp, err := MaybeInitTracing(cfg)
	require.NoError(t, err)
	assert.Nil(t, tp)
}

func TestMaybeInitTracingNoEndpointReturnsNil(t *testing.T) {
	cfg := &config.Config{}
	cfg.Observability.Tracing.Enabled = true
	cfg.Observability.Tracing.Endpoint = ""

	tp, err := MaybeInitTracing(cfg)
	require.NoError(t, err)
	assert.Nil(t, tp)
}

func TestSpanHelpersDoNotPanicWithoutProvider(t *testing.T) {
	ctx := context.Background()
	ctx, span := StartDispatchSpan(ctx, "job-1", "interactive")
	defer span.End()

	RecordError(ctx, nil)
	SetSpanSuccess(ctx)
}

func TestTracerShutdownNilIsNoop(t *testing.T) {
	assert.NoError(t, TracerShutdown(context.Background(), nil))
}

func TestKeyValue(t *testing.T) {
	assert.Equal(t, "job-1", KeyValue("job.id", "job-1").Value.AsString())
}
