package httpapi

import (
	"context"
	"net/http"
	"time"

	"tollgate/internal/observability"
	"tollgate/internal/telemetry"
)

// Limiter paces inbound requests. Satisfied by checkout.RateLimiter.
type Limiter interface {
	Wait(ctx context.Context) error
}

// TraceContext recovers the caller's causal context from inbound headers,
// so spans started while serving the request join the caller's trace
// instead of rooting a fresh one.
func TraceContext(prop *telemetry.Propagator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(prop.ExtractHTTP(r.Context(), r.Header)))
		})
	}
}

// RateLimit queues requests behind the limiter and records time spent
// waiting. A nil limiter disables pacing.
func RateLimit(limiter Limiter, metrics *observability.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter != nil {
				start := time.Now()
				if err := limiter.Wait(r.Context()); err != nil {
					writeError(w, http.StatusServiceUnavailable, err)
					return
				}
				metrics.AddRateLimitWait(time.Since(start))
			}
			next.ServeHTTP(w, r)
		})
	}
}
