// Package ratelimit implements the submission API's admission
// control: a token bucket per (principal, route-class), backed by
// Redis with an in-process fixed-window fallback when Redis is
// unavailable.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/omtx-labs/gpu-orchestrator/internal/config"
	"github.com/omtx-labs/gpu-orchestrator/internal/model"
	"github.com/omtx-labs/gpu-orchestrator/internal/obs"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Limiter admits or refuses a request for a (principal, route-class)
// pair. Admission is non-blocking: refusal returns immediately with a
// retry-after duration.
type Limiter interface {
	Allow(ctx context.Context, principal string, class model.RouteClass) (model.Decision, error)
}

// routeConfig is one route-class's bucket shape.
type routeConfig struct {
	rate     float64 // tokens per second
	burst    float64
	keyTTL   time.Duration
}

func routeConfigFor(cfg *config.Config, class model.RouteClass) routeConfig {
	switch class {
	case model.RouteSubmit:
		return routeConfig{rate: cfg.RateLimit.SubmitPerSecond, burst: float64(cfg.RateLimit.SubmitBurst), keyTTL: cfg.RateLimit.KeyTTL}
	case model.RouteDownload:
		return routeConfig{rate: cfg.RateLimit.DownloadPerSecond, burst: float64(cfg.RateLimit.DownloadBurst), keyTTL: cfg.RateLimit.KeyTTL}
	default:
		return routeConfig{rate: cfg.RateLimit.ReadPerSecond, burst: float64(cfg.RateLimit.ReadBurst), keyTTL: cfg.RateLimit.KeyTTL}
	}
}

// consumeScript atomically refills and consumes one token from a
// bucket, or reports how long the caller must wait.
var consumeScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local bucket = redis.call('HMGET', key, 'tokens', 'last_refill')
local tokens = tonumber(bucket[1])
local last_refill = tonumber(bucket[2])
if tokens == nil then
	tokens = capacity
	last_refill = now_ms
end

local elapsed = math.max(0, now_ms - last_refill)
tokens = math.min(capacity, tokens + (elapsed * refill_rate / 1000))

local allowed = tokens >= 1
local retry_after_ms = 0
if allowed then
	tokens = tokens - 1
else
	retry_after_ms = math.ceil((1 - tokens) * 1000 / refill_rate)
end

redis.call('HSET', key, 'tokens', tokens, 'last_refill', now_ms)
redis.call('EXPIRE', key, ttl)

return {allowed and 1 or 0, tokens, retry_after_ms}
`)

// RedisLimiter is the production Limiter.
type RedisLimiter struct {
	client *redis.Client
	cfg    *config.Config
	log    *zap.Logger

	mu       sync.Mutex
	fallback map[string]*windowCounter
}

// NewRedisLimiter builds a Limiter over an existing Redis client.
func NewRedisLimiter(client *redis.Client, cfg *config.Config, log *zap.Logger) *RedisLimiter {
	return &RedisLimiter{
		client:   client,
		cfg:      cfg,
		log:      log,
		fallback: make(map[string]*windowCounter),
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, principal string, class model.RouteClass) (model.Decision, error) {
	rc := routeConfigFor(l.cfg, class)
	key := "ratelimit:" + principal + ":" + string(class)

	res, err := consumeScript.Run(ctx, l.client, []string{key}, rc.burst, rc.rate, time.Now().UnixMilli(), int64(rc.keyTTL.Seconds())).Result()
	if err != nil {
		obs.KVFallbacks.WithLabelValues("ratelimit").Inc()
		l.log.Warn("rate limiter falling back to in-memory fixed window", obs.String("principal", principal), obs.Err(err))
		return l.allowFallback(key, rc), nil
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 {
		return model.Decision{Allowed: true}, nil
	}
	allowed := vals[0].(int64) == 1
	remaining, _ := vals[1].(float64)
	retryAfterMs, _ := vals[2].(int64)

	return model.Decision{
		Allowed:    allowed,
		Remaining:  remaining,
		RetryAfter: time.Duration(retryAfterMs) * time.Millisecond,
	}, nil
}

// windowCounter is the fallback's per-key fixed one-second window,
// guarded by the Limiter's mutex. It admits up to the route's rate per
// window and restarts the count when a window has elapsed; the route's
// burst is not applied and the window does not slide. It is used only
// while Redis is unreachable.
type windowCounter struct {
	windowStart time.Time
	count       float64
}

func (l *RedisLimiter) allowFallback(key string, rc routeConfig) model.Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	w, ok := l.fallback[key]
	if !ok || now.Sub(w.windowStart) >= time.Second {
		w = &windowCounter{windowStart: now, count: 0}
		l.fallback[key] = w
	}

	if w.count >= rc.rate {
		return model.Decision{Allowed: false, RetryAfter: time.Second - now.Sub(w.windowStart)}
	}
	w.count++
	return model.Decision{Allowed: true, Remaining: rc.rate - w.count}
}
