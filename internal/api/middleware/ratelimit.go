package middleware

import (
	"log/slog"
	"net/http"

	"golang.org/x/time/rate"
)

// RateLimiter gates incoming requests. The single implementation is an
// in-memory token bucket; the interface keeps a distributed limiter possible
// without touching the chain.
type RateLimiter interface {
	// Allow reports whether the request may proceed.
	Allow() bool
}

// TokenBucketLimiter is a process-wide token bucket over
// golang.org/x/time/rate. One bucket covers all producers: the sidecar runs
// next to a single test process, per-client fairness is not a concern.
type TokenBucketLimiter struct {
	limiter *rate.Limiter
}

// NewTokenBucketLimiter creates a limiter allowing rps sustained requests
// per second with the given burst capacity.
func NewTokenBucketLimiter(rps float64, burst int) *TokenBucketLimiter {
	return &TokenBucketLimiter{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Allow consumes one token if available.
func (l *TokenBucketLimiter) Allow() bool {
	return l.limiter.Allow()
}

// RateLimit creates a middleware that rejects requests over the configured
// rate with 429. Control-plane probes bypass the limiter so a flooded
// ingress cannot mask health state.
func RateLimit(limiter RateLimiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicEndpoint(r.URL.Path) {
				next.ServeHTTP(w, r)

				return
			}

			if !limiter.Allow() {
				logger.Warn("request rate limited",
					slog.String("path", r.URL.Path),
					slog.String("correlation_id", GetCorrelationID(r.Context())),
				)

				writeProblem(w, r, logger,
					http.StatusTooManyRequests,
					"Too Many Requests",
					"Request rate exceeds the configured ingress limit",
				)

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
