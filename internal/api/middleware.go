package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/omtx-labs/gpu-orchestrator/internal/model"
	"github.com/omtx-labs/gpu-orchestrator/internal/ratelimit"
	"go.uber.org/zap"
)

type contextKey string

const contextKeyRequestID contextKey = "request_id"

// RequestIDMiddleware stamps every request with an id, reusing one
// supplied by the caller via X-Request-ID if present.
func RequestIDMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Request-ID")
			if id == "" {
				id = uuid.NewString()
			}
			w.Header().Set("X-Request-ID", id)
			ctx := context.WithValue(r.Context(), contextKeyRequestID, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RecoveryMiddleware converts a panicking handler into a 500 instead
// of taking the whole server down.
func RecoveryMiddleware(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.Error("panic recovered in api handler",
						zap.Any("error", rec), zap.String("path", r.URL.Path), zap.String("method", r.Method))
					writeAPIError(w, model.NewError(model.KindInternal, "an internal error occurred"))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// DeadlineMiddleware bounds every synchronous request to d, per §5's
// 30s request-context deadline for the Submission API.
func DeadlineMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RateLimitMiddleware consumes one token from the principal's bucket
// for class before letting the request through. The principal is read
// from the user_id query parameter, falling back to the request's remote
// address, since this surface has no auth-derived identity to key on
// (§9 Open Question).
func RateLimitMiddleware(limiter ratelimit.Limiter, class model.RouteClass) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal := principalFor(r)
			decision, err := limiter.Allow(r.Context(), principal, class)
			if err != nil {
				writeAPIError(w, model.NewError(model.KindInternal, "rate limiter unavailable").WithErr(err))
				return
			}
			if !decision.Allowed {
				w.Header().Set("Retry-After", fmt.Sprintf("%.0f", decision.RetryAfter.Seconds()))
				writeAPIError(w, model.NewError(model.KindRateLimited, "rate limit exceeded for this route class"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func principalFor(r *http.Request) string {
	if uid := r.URL.Query().Get("user_id"); uid != "" {
		return uid
	}
	return r.RemoteAddr
}
