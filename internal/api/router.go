package api

import (
	"log/slog"
	"net/http"

	"github.com/rentshield/rentshield/internal/auth"
	"github.com/rentshield/rentshield/internal/idempotency"
	"github.com/rentshield/rentshield/internal/middleware"
)

// RouterConfig wires handlers and middleware into the HTTP surface.
type RouterConfig struct {
	Payments *PaymentHandlers
	Webhooks *WebhookHandlers
	Health   *HealthHandlers

	Tokens middleware.TokenValidator

	// RateLimitStore is optional; without it no rate limits apply.
	RateLimitStore   middleware.RateLimitStore
	RateLimit        middleware.RateLimitConfig
	WebhookRateLimit middleware.RateLimitConfig

	// Idempotency is optional; without it POST link generation and manual
	// recording accept requests without an Idempotency-Key.
	Idempotency idempotency.Repository

	Metrics        *middleware.Metrics
	MetricsHandler http.Handler
	CORS           middleware.CORSConfig
	Logger         *slog.Logger
	ServiceName    string
}

// NewRouter returns the API handler. Request flow:
// RequestID -> Tracing -> Logging -> HTTPMetrics -> CORS -> mux, and per
// protected route Authenticate -> RateLimiter -> RequirePermission
// [-> Idempotent] -> handler.
func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "rentshield-api"
	}

	mux := http.NewServeMux()

	if cfg.Health != nil {
		mux.HandleFunc("GET /health", cfg.Health.Health)
		mux.HandleFunc("GET /ready", cfg.Health.Ready)
	}
	if cfg.MetricsHandler != nil {
		mux.Handle("GET /metrics", cfg.MetricsHandler)
	}

	if cfg.Webhooks != nil {
		webhookHandler := http.Handler(http.HandlerFunc(cfg.Webhooks.HandleStripeWebhook))
		if cfg.RateLimitStore != nil {
			webhookHandler = middleware.RateLimiter(cfg.RateLimitStore, cfg.WebhookRateLimit, middleware.IPKeyFunc(), cfg.Metrics)(webhookHandler)
		}
		mux.Handle("POST /internal/stripe", webhookHandler)
	}

	if cfg.Payments != nil {
		protect := func(p auth.Permission, idempotent bool, h http.HandlerFunc) http.Handler {
			var next http.Handler = h
			if idempotent && cfg.Idempotency != nil {
				next = middleware.Idempotent(cfg.Idempotency)(next)
			}
			next = middleware.RequirePermission(p, next)
			if cfg.RateLimitStore != nil {
				next = middleware.RateLimiter(cfg.RateLimitStore, cfg.RateLimit, middleware.ActorKeyFunc(), cfg.Metrics)(next)
			}
			return middleware.Authenticate(cfg.Tokens)(next)
		}

		ph := cfg.Payments
		mux.Handle("GET /policies/{policyID}/payments", protect(auth.PermissionView, false, ph.GetPaymentDetails))
		mux.Handle("POST /policies/{policyID}/payments/links", protect(auth.PermissionManage, true, ph.GenerateLinks))
		mux.Handle("POST /policies/{policyID}/payments/manual", protect(auth.PermissionManage, true, ph.RecordManualPayment))
		mux.Handle("POST /payments/{paymentID}/regenerate-url", protect(auth.PermissionManage, false, ph.RegenerateURL))
		mux.Handle("PUT /payments/{paymentID}/receipt", protect(auth.PermissionManage, false, ph.UpdateReceipt))
		mux.Handle("POST /payments/{paymentID}/receipt", protect(auth.PermissionManage, false, ph.UploadReceipt))
		mux.Handle("GET /payments/{paymentID}/receipt-url", protect(auth.PermissionView, false, ph.GetReceiptURL))
		mux.Handle("POST /payments/{paymentID}/cancel", protect(auth.PermissionManage, false, ph.CancelPayment))
		mux.Handle("POST /payments/{paymentID}/verify", protect(auth.PermissionVerify, false, ph.VerifyPayment))
		mux.Handle("GET /payments/{paymentID}/stripe-receipt", protect(auth.PermissionView, false, ph.GetStripeReceipt))
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r.Context(), http.StatusNotFound, ErrCodeNotFound, "The requested resource was not found")
	})

	var handler http.Handler = mux
	handler = middleware.CORS(cfg.CORS)(handler)
	handler = middleware.HTTPMetrics(cfg.Metrics)(handler)
	handler = middleware.Logging(cfg.Logger)(handler)
	handler = middleware.Tracing(cfg.ServiceName)(handler)
	return middleware.RequestID(handler)
}
