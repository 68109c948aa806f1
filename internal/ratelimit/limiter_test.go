package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/omtx-labs/gpu-orchestrator/internal/config"
	"github.com/omtx-labs/gpu-orchestrator/internal/model"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.RateLimit.SubmitPerSecond = 1
	cfg.RateLimit.SubmitBurst = 2
	cfg.RateLimit.ReadPerSecond = 100
	cfg.RateLimit.ReadBurst = 100
	cfg.RateLimit.DownloadPerSecond = 10
	cfg.RateLimit.DownloadBurst = 10
	cfg.RateLimit.KeyTTL = time.Hour
	return cfg
}

func TestRedisLimiterAllowsWithinBurst(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := NewRedisLimiter(rdb, testConfig(), zap.NewNop())
	ctx := context.Background()

	d1, err := limiter.Allow(ctx, "u1", model.RouteSubmit)
	require.NoError(t, err)
	assert.True(t, d1.Allowed)

	d2, err := limiter.Allow(ctx, "u1", model.RouteSubmit)
	require.NoError(t, err)
	assert.True(t, d2.Allowed)

	d3, err := limiter.Allow(ctx, "u1", model.RouteSubmit)
	require.NoError(t, err)
	assert.False(t, d3.Allowed)
	assert.Greater(t, d3.RetryAfter, time.Duration(0))
}

func TestRedisLimiterScopesByPrincipalAndRoute(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter := NewRedisLimiter(rdb, testConfig(), zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := limiter.Allow(ctx, "u1", model.RouteSubmit)
		require.NoError(t, err)
		require.True(t, d.Allowed)
	}

	d, err := limiter.Allow(ctx, "u2", model.RouteSubmit)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "a different principal must have its own bucket")

	d, err = limiter.Allow(ctx, "u1", model.RouteRead)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "a different route class must have its own bucket")
}

func TestFallbackUsedWhenRedisUnavailable(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"}) // nothing listening
	cfg := testConfig()
	cfg.RateLimit.SubmitBurst = 1
	limiter := NewRedisLimiter(rdb, cfg, zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	d, err := limiter.Allow(ctx, "u1", model.RouteSubmit)
	require.NoError(t, err, "rate limiter must fail open, never return an error to the caller")
	assert.True(t, d.Allowed)
}
