package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/rentshield/rentshield/internal/api"
	"github.com/rentshield/rentshield/internal/audit"
	"github.com/rentshield/rentshield/internal/auth"
	"github.com/rentshield/rentshield/internal/config"
	"github.com/rentshield/rentshield/internal/db"
	"github.com/rentshield/rentshield/internal/health"
	"github.com/rentshield/rentshield/internal/idempotency"
	"github.com/rentshield/rentshield/internal/jobs"
	"github.com/rentshield/rentshield/internal/middleware"
	"github.com/rentshield/rentshield/internal/payment"
	"github.com/rentshield/rentshield/internal/policy"
	"github.com/rentshield/rentshield/internal/receipt"
	"github.com/rentshield/rentshield/migrations"
)

const (
	serviceName = "rentshield-api"

	// stripeStatusURL is probed by readiness; any non-5xx answer counts as reachable.
	stripeStatusURL = "https://api.stripe.com/v1"

	idempotencyCleanupInterval = time.Hour
	rateLimitCleanupInterval   = 5 * time.Minute
	webhookPruneInterval       = 6 * time.Hour
	jobTimeout                 = time.Minute
)

// app is the assembled server: its handler, background workers and the
// resources to release on shutdown.
type app struct {
	handler http.Handler
	runner  *jobs.Runner
	tasks   []jobs.Job
	closers []func() error
}

// storage bundles the repositories backing the service.
type storage struct {
	payments    payment.Repository
	terms       policy.TermsSource
	webhooks    payment.WebhookRepository
	idempotency idempotency.Repository
	audit       audit.Repository
}

// newStorage returns Postgres repositories when conn is set and in-memory ones otherwise.
func newStorage(conn *sql.DB, logger *slog.Logger) storage {
	if conn == nil {
		return storage{
			payments:    payment.NewInMemoryRepository(),
			terms:       policy.NewInMemoryTermsSource(),
			webhooks:    payment.NewInMemoryWebhookRepository(),
			idempotency: idempotency.NewInMemoryRepository(),
			audit:       audit.NewInMemoryRepository(),
		}
	}
	return storage{
		payments:    payment.NewPostgresRepository(conn, logger),
		terms:       policy.NewPostgresTermsSource(conn),
		webhooks:    payment.NewPostgresWebhookRepository(conn),
		idempotency: idempotency.NewPostgresRepository(conn),
		audit:       audit.NewPostgresRepository(conn),
	}
}

// receiptBackend is a receipt store that can also report its health.
type receiptBackend interface {
	payment.ReceiptStore
	api.HealthChecker
}

// newReceiptStore returns nil when no storage is configured.
func newReceiptStore(cfg *config.Config) (receiptBackend, error) {
	if !cfg.StorageConfigured() {
		return nil, nil
	}
	storeCfg := receipt.StoreConfig{
		Bucket:          cfg.StorageBucket,
		AccessKeyID:     cfg.StorageAccessKeyID,
		SecretAccessKey: cfg.StorageSecretAccessKey,
		Endpoint:        cfg.StorageEndpoint,
		Region:          cfg.StorageRegion,
		UseSSL:          cfg.StorageUseSSL,
		URLExpiry:       time.Duration(cfg.ReceiptURLTTLMinutes) * time.Minute,
	}
	if cfg.StorageDriver == config.StorageDriverMinIO {
		store, err := receipt.NewMinIOStore(storeCfg)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
	store, err := receipt.NewS3Store(storeCfg)
	if err != nil {
		return nil, err
	}
	return store, nil
}

// buildApp wires configuration into a ready-to-serve handler. It opens the
// database and applies migrations when DATABASE_URL is set.
func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{}

	var conn *sql.DB
	if cfg.DatabaseURL != "" {
		var err error
		conn, err = db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, conn.Close)
		if err := migrations.Up(ctx, conn); err != nil {
			a.close(logger)
			return nil, err
		}
		logger.Info("database ready")
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory storage")
	}
	store := newStorage(conn, logger)

	receipts, err := newReceiptStore(cfg)
	if err != nil {
		a.close(logger)
		return nil, fmt.Errorf("failed to create receipt store: %w", err)
	}
	if receipts == nil {
		logger.Warn("receipt storage not configured, uploads are disabled")
	}

	registry := prometheus.NewRegistry()
	paymentMetrics := payment.NewMetrics()
	httpMetrics := middleware.NewMetrics()
	jobMetrics := jobs.NewMetrics()
	for _, m := range []interface {
		Register(prometheus.Registerer) error
	}{paymentMetrics, httpMetrics, jobMetrics} {
		if err := m.Register(registry); err != nil {
			a.close(logger)
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
	}
	a.runner = jobs.NewRunner(jobMetrics, logger)

	gateway := payment.NewStripeGateway(payment.StripeGatewayConfig{
		APIKey:     cfg.StripeAPIKey,
		SuccessURL: cfg.StripeSuccessURL,
		CancelURL:  cfg.StripeCancelURL,
	})

	// A nil interface keeps the service's "storage unavailable" path.
	var receiptStore payment.ReceiptStore
	if receipts != nil {
		receiptStore = receipts
	}
	service := payment.NewService(store.payments, store.terms, gateway, receiptStore, payment.ServiceConfig{
		Currency:        cfg.PaymentCurrency,
		MaxManualAmount: cfg.ManualPaymentMaxAmount,
		CheckoutTTL:     time.Duration(cfg.CheckoutLinkTTLHours) * time.Hour,
		Metrics:         paymentMetrics,
		Logger:          logger,
	})

	var rateStore middleware.RateLimitStore
	var redisChecker api.HealthChecker
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			a.close(logger)
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		a.closers = append(a.closers, client.Close)
		rateStore = middleware.NewRedisRateLimitStore(client).WithMetrics(httpMetrics)
		redisChecker = health.NewRedisChecker(client)
	} else {
		memStore := middleware.NewInMemoryRateLimitStore()
		rateStore = memStore
		a.tasks = append(a.tasks, jobs.Job{
			Type:     jobs.JobTypeRateLimitCleanup,
			Interval: rateLimitCleanupInterval,
			Run: func(context.Context) error {
				memStore.Cleanup()
				return nil
			},
		})
	}

	a.tasks = append(a.tasks,
		jobs.Job{
			Type:     jobs.JobTypeIdempotencyCleanup,
			Interval: idempotencyCleanupInterval,
			Timeout:  jobTimeout,
			Run: func(ctx context.Context) error {
				_, err := idempotency.CleanupOldKeys(ctx, store.idempotency, idempotency.DefaultExpiry)
				return err
			},
		},
		jobs.Job{
			Type:     jobs.JobTypeWebhookEventPrune,
			Interval: webhookPruneInterval,
			Timeout:  jobTimeout,
			Run: func(ctx context.Context) error {
				n, err := store.webhooks.PruneBefore(ctx, time.Now().Add(-payment.DefaultWebhookEventRetention))
				if n > 0 {
					logger.InfoContext(ctx, "pruned webhook events", "deleted", n)
				}
				return err
			},
		},
	)

	healthCfg := api.HealthHandlersConfig{
		RedisChecker:  redisChecker,
		StripeChecker: health.All{gateway, health.NewHTTPChecker("stripe", stripeStatusURL)},
	}
	if conn != nil {
		healthCfg.DBChecker = health.NewDBChecker(conn)
	}
	if receipts != nil {
		healthCfg.StorageChecker = receipts
	}

	maxReceiptBytes := int64(cfg.ReceiptMaxSizeMB) << 20

	a.handler = api.NewRouter(api.RouterConfig{
		Payments:         api.NewPaymentHandlers(service, store.audit, receipt.NewImageSanitizer(), maxReceiptBytes),
		Webhooks:         api.NewWebhookHandlers(cfg.StripeWebhookSecret, service, store.webhooks, store.audit),
		Health:           api.NewHealthHandlers(healthCfg),
		Tokens:           auth.NewJWTServiceWithRotation(cfg.JWTSecret, cfg.JWTPreviousSecret),
		RateLimitStore:   rateStore,
		RateLimit:        middleware.RateLimitConfig{RequestsPerWindow: cfg.RateLimitPerMinute, WindowDuration: time.Minute},
		WebhookRateLimit: middleware.DefaultWebhookLimit(),
		Idempotency:      store.idempotency,
		Metrics:          httpMetrics,
		MetricsHandler:   promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		CORS:             middleware.DefaultCORSConfig(cfg.CORSAllowedOrigins),
		Logger:           logger,
		ServiceName:      serviceName,
	})
	return a, nil
}

// start launches the background jobs; they stop when ctx is cancelled.
func (a *app) start(ctx context.Context) {
	a.runner.Start(ctx, a.tasks...)
}

// close releases resources in reverse order of acquisition.
func (a *app) close(logger *slog.Logger) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logger.Error("failed to close resource", "error", err)
		}
	}
	a.closers = nil
}
