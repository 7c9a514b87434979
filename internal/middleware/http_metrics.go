package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// staticRoutes are recorded under their own path.
var staticRoutes = map[string]bool{
	"/health":          true,
	"/ready":           true,
	"/metrics":         true,
	"/internal/stripe": true,
}

// paymentActions are the sub-resources under /payments/{id}.
var paymentActions = map[string]bool{
	"regenerate-url": true,
	"receipt":        true,
	"receipt-url":    true,
	"cancel":         true,
	"verify":         true,
	"stripe-receipt": true,
}

// normalizePath maps request paths to route patterns so ids never become
// label values. Unknown paths collapse into "other".
func normalizePath(path string) string {
	if staticRoutes[path] {
		return path
	}

	parts := strings.Split(strings.Trim(path, "/"), "/")
	switch {
	case len(parts) == 3 && parts[0] == "policies" && parts[1] != "" && parts[2] == "payments":
		return "/policies/{id}/payments"
	case len(parts) == 4 && parts[0] == "policies" && parts[1] != "" && parts[2] == "payments" &&
		(parts[3] == "links" || parts[3] == "manual"):
		return "/policies/{id}/payments/" + parts[3]
	case len(parts) == 3 && parts[0] == "payments" && parts[1] != "" && paymentActions[parts[2]]:
		return "/payments/{id}/" + parts[2]
	}
	return "other"
}

// HTTPMetrics is a middleware that records HTTP request metrics.
// Health check endpoints (/health, /ready) are excluded.
func HTTPMetrics(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" || r.URL.Path == "/ready" {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rec := newStatusRecorder(w)

			requestSize := r.ContentLength
			if requestSize < 0 {
				requestSize = 0
			}

			next.ServeHTTP(rec, r)

			metrics.ObserveHTTPRequest(
				r.Method,
				normalizePath(r.URL.Path),
				strconv.Itoa(rec.status),
				time.Since(start).Seconds(),
				requestSize,
				rec.written,
			)
		})
	}
}
