package api

import (
	"net/http"

	"golang.org/x/time/rate"

	"github.com/septivank/water-telemetry-worker/internal/metrics"
)

func rateLimit(limiter *rate.Limiter, endpoint string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if limiter != nil && !limiter.Allow() {
			metrics.IngestRequest(endpoint, "rate_limited")
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}
