// Package config provides configuration loading and validation for the API server.
// It uses koanf to merge environment variables with optional file overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/rentshield/rentshield/internal/validate"
)

// Config holds all configuration values for the API server.
type Config struct {
	// Server settings
	Port int    `koanf:"port"`
	Env  string `koanf:"env"`

	// Database. Empty means in-memory repositories (development only).
	DatabaseURL string `koanf:"database_url"`

	// JWT Authentication
	JWTSecret         string `koanf:"jwt_secret"`
	JWTPreviousSecret string `koanf:"jwt_previous_secret"` // accepted during key rotation

	// Stripe
	StripeAPIKey        string `koanf:"stripe_api_key"`
	StripeWebhookSecret string `koanf:"stripe_webhook_secret"`
	StripeSuccessURL    string `koanf:"stripe_success_url"`
	StripeCancelURL     string `koanf:"stripe_cancel_url"`

	// Payments
	PaymentCurrency        string `koanf:"payment_currency"`
	CheckoutLinkTTLHours   int    `koanf:"checkout_link_ttl_hours"`
	ManualPaymentMaxAmount int64  `koanf:"manual_payment_max_amount"` // minor units

	// Receipt storage (S3, R2 or MinIO)
	StorageDriver          string `koanf:"storage_driver"` // s3 | minio
	StorageBucket          string `koanf:"storage_bucket"`
	StorageAccessKeyID     string `koanf:"storage_access_key_id"`
	StorageSecretAccessKey string `koanf:"storage_secret_access_key"`
	StorageEndpoint        string `koanf:"storage_endpoint"`
	StorageRegion          string `koanf:"storage_region"`
	StorageUseSSL          bool   `koanf:"storage_use_ssl"`
	ReceiptMaxSizeMB       int    `koanf:"receipt_max_size_mb"`
	ReceiptURLTTLMinutes   int    `koanf:"receipt_url_ttl_minutes"`

	// Rate limiting. Without REDIS_URL limits are kept in process memory.
	RedisURL           string `koanf:"redis_url"`
	RateLimitPerMinute int    `koanf:"rate_limit_per_minute"`

	// Operator dashboard origins allowed by CORS.
	CORSAllowedOrigins []string `koanf:"cors_allowed_origins"`

	// Tracing
	TracingEnabled    bool    `koanf:"tracing_enabled"`
	TracingExporter   string  `koanf:"otel_exporter_type"`
	TracingEndpoint   string  `koanf:"otel_exporter_otlp_endpoint"`
	TracingSampleRate float64 `koanf:"tracing_sample_rate"`
	TracingInsecure   bool    `koanf:"tracing_insecure"`
}

// Configuration validation errors.
var (
	ErrMissingDatabaseURL            = errors.New("DATABASE_URL is required in production")
	ErrMissingJWTSecret              = errors.New("JWT_SECRET is required")
	ErrMissingStripeAPIKey           = errors.New("STRIPE_API_KEY is required")
	ErrMissingStripeWebhookSecret    = errors.New("STRIPE_WEBHOOK_SECRET is required")
	ErrMissingStripeSuccessURL       = errors.New("STRIPE_SUCCESS_URL is required")
	ErrMissingStripeCancelURL        = errors.New("STRIPE_CANCEL_URL is required")
	ErrMissingStorageBucket          = errors.New("STORAGE_BUCKET is required")
	ErrMissingStorageAccessKeyID     = errors.New("STORAGE_ACCESS_KEY_ID is required")
	ErrMissingStorageSecretAccessKey = errors.New("STORAGE_SECRET_ACCESS_KEY is required")
	ErrMissingStorageEndpoint        = errors.New("STORAGE_ENDPOINT is required")
	ErrInvalidRedirectURL            = errors.New("checkout redirect URL is invalid")
	ErrInvalidStorageDriver          = errors.New("STORAGE_DRIVER must be s3 or minio")
	ErrInvalidCheckoutLinkTTL        = errors.New("CHECKOUT_LINK_TTL_HOURS must be between 1 and 24")
	ErrInvalidManualMaxAmount        = errors.New("MANUAL_PAYMENT_MAX_AMOUNT must be positive")
	ErrInvalidReceiptMaxSize         = errors.New("RECEIPT_MAX_SIZE_MB must be positive")
	ErrInvalidRateLimit              = errors.New("RATE_LIMIT_PER_MINUTE must be positive")
	ErrInvalidSampleRate             = errors.New("TRACING_SAMPLE_RATE must be between 0 and 1")
	ErrInvalidPort                   = errors.New("PORT must be a valid integer")
	ErrInvalidNumber                 = errors.New("value must be a valid number")
)

// Storage drivers.
const (
	StorageDriverS3    = "s3"
	StorageDriverMinIO = "minio"
)

// Default values for non-secret configuration.
const (
	DefaultPort                   = 8080
	DefaultEnv                    = "development"
	DefaultPaymentCurrency        = "mxn"
	DefaultCheckoutLinkTTLHours   = 24
	DefaultManualPaymentMaxAmount = 100_000_000 // 1,000,000.00
	DefaultStorageDriver          = StorageDriverS3
	DefaultReceiptMaxSizeMB       = 10
	DefaultReceiptURLTTLMinutes   = 15
	DefaultRateLimitPerMinute     = 60
	DefaultTracingExporter        = "otlp-http"
	DefaultTracingSampleRate      = 0.1
)

// Load reads configuration from environment variables and an optional config file.
// Environment variables take precedence over file values.
// Returns the loaded config and a slice of validation errors (empty if valid).
// If a config file path is provided and the file cannot be loaded, an error is returned.
func Load(configFilePath string) (*Config, []error) {
	k := koanf.New(".")
	var loadErrs []error

	// Load from YAML file first if provided (lower precedence)
	if configFilePath != "" {
		if err := k.Load(file.Provider(configFilePath), yaml.Parser()); err != nil {
			return nil, []error{fmt.Errorf("failed to load config file %s: %w", configFilePath, err)}
		}
	}

	collect := func(err error) {
		if err != nil {
			loadErrs = append(loadErrs, err)
		}
	}

	// Try RENTSHIELD_PORT first, then PORT
	port, err := getEnvIntOrDefaultMulti([]string{"RENTSHIELD_PORT", "PORT"}, k.Int("port"), DefaultPort)
	collect(err)
	linkTTL, err := getEnvIntOrDefault("CHECKOUT_LINK_TTL_HOURS", k.Int("checkout_link_ttl_hours"), DefaultCheckoutLinkTTLHours)
	collect(err)
	maxAmount, err := getEnvInt64OrDefault("MANUAL_PAYMENT_MAX_AMOUNT", k.Int64("manual_payment_max_amount"), DefaultManualPaymentMaxAmount)
	collect(err)
	maxSize, err := getEnvIntOrDefault("RECEIPT_MAX_SIZE_MB", k.Int("receipt_max_size_mb"), DefaultReceiptMaxSizeMB)
	collect(err)
	urlTTL, err := getEnvIntOrDefault("RECEIPT_URL_TTL_MINUTES", k.Int("receipt_url_ttl_minutes"), DefaultReceiptURLTTLMinutes)
	collect(err)
	rateLimit, err := getEnvIntOrDefault("RATE_LIMIT_PER_MINUTE", k.Int("rate_limit_per_minute"), DefaultRateLimitPerMinute)
	collect(err)
	sampleRate, err := getEnvFloatOrDefault("TRACING_SAMPLE_RATE", k.Float64("tracing_sample_rate"), DefaultTracingSampleRate)
	collect(err)

	origins := k.Strings("cors_allowed_origins")
	if val := os.Getenv("CORS_ALLOWED_ORIGINS"); val != "" {
		origins = splitList(val)
	}

	// Build config struct, with env vars taking precedence over file values
	cfg := &Config{
		Port:                   port,
		Env:                    getEnvOrDefaultMulti([]string{"RENTSHIELD_ENV", "ENV", "GO_ENV"}, k.String("env"), DefaultEnv),
		DatabaseURL:            getEnvOrKoanf("DATABASE_URL", k, "database_url"),
		JWTSecret:              getEnvOrKoanf("JWT_SECRET", k, "jwt_secret"),
		JWTPreviousSecret:      getEnvOrKoanf("JWT_PREVIOUS_SECRET", k, "jwt_previous_secret"),
		StripeAPIKey:           getEnvOrKoanf("STRIPE_API_KEY", k, "stripe_api_key"),
		StripeWebhookSecret:    getEnvOrKoanf("STRIPE_WEBHOOK_SECRET", k, "stripe_webhook_secret"),
		StripeSuccessURL:       getEnvOrKoanf("STRIPE_SUCCESS_URL", k, "stripe_success_url"),
		StripeCancelURL:        getEnvOrKoanf("STRIPE_CANCEL_URL", k, "stripe_cancel_url"),
		PaymentCurrency:        strings.ToLower(getEnvOrDefault("PAYMENT_CURRENCY", k.String("payment_currency"), DefaultPaymentCurrency)),
		CheckoutLinkTTLHours:   linkTTL,
		ManualPaymentMaxAmount: maxAmount,
		StorageDriver:          strings.ToLower(getEnvOrDefault("STORAGE_DRIVER", k.String("storage_driver"), DefaultStorageDriver)),
		StorageBucket:          getEnvOrKoanf("STORAGE_BUCKET", k, "storage_bucket"),
		StorageAccessKeyID:     getEnvOrKoanf("STORAGE_ACCESS_KEY_ID", k, "storage_access_key_id"),
		StorageSecretAccessKey: getEnvOrKoanf("STORAGE_SECRET_ACCESS_KEY", k, "storage_secret_access_key"),
		StorageEndpoint:        getEnvOrKoanf("STORAGE_ENDPOINT", k, "storage_endpoint"),
		StorageRegion:          getEnvOrKoanf("STORAGE_REGION", k, "storage_region"),
		StorageUseSSL:          getEnvBoolOrKoanf("STORAGE_USE_SSL", k, "storage_use_ssl", true),
		ReceiptMaxSizeMB:       maxSize,
		ReceiptURLTTLMinutes:   urlTTL,
		RedisURL:               getEnvOrKoanf("REDIS_URL", k, "redis_url"),
		RateLimitPerMinute:     rateLimit,
		CORSAllowedOrigins:     origins,
		TracingEnabled:         getEnvBoolOrKoanf("TRACING_ENABLED", k, "tracing_enabled", false),
		TracingExporter:        getEnvOrDefault("OTEL_EXPORTER_TYPE", k.String("otel_exporter_type"), DefaultTracingExporter),
		TracingEndpoint:        getEnvOrKoanf("OTEL_EXPORTER_OTLP_ENDPOINT", k, "otel_exporter_otlp_endpoint"),
		TracingSampleRate:      sampleRate,
		TracingInsecure:        getEnvBoolOrKoanf("TRACING_INSECURE", k, "tracing_insecure", false),
	}

	// Validate and collect errors
	errs := cfg.Validate()
	errs = append(loadErrs, errs...)

	return cfg, errs
}

// IsProduction reports whether the server runs in production.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// getEnvOrKoanf returns the environment variable value if set, otherwise the koanf value.
func getEnvOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	return k.String(koanfKey)
}

// getEnvOrDefault returns the environment variable value if set, otherwise the koanf value, or default.
func getEnvOrDefault(envKey string, koanfVal string, defaultVal string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvOrDefaultMulti tries multiple environment variable keys in order.
// Returns the first non-empty value found, otherwise the koanf value, or default.
func getEnvOrDefaultMulti(envKeys []string, koanfVal string, defaultVal string) string {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			return val
		}
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvBoolOrKoanf parses a boolean flag. Unrecognized env values fall back
// to the file value or default.
func getEnvBoolOrKoanf(envKey string, k *koanf.Koanf, koanfKey string, defaultVal bool) bool {
	result := defaultVal
	if k.Exists(koanfKey) {
		result = k.Bool(koanfKey)
	}
	switch strings.ToLower(os.Getenv(envKey)) {
	case "true", "1", "yes", "on":
		result = true
	case "false", "0", "no", "off":
		result = false
	}
	return result
}

// getEnvIntOrDefault returns the environment variable as int if set, otherwise the koanf value, or default.
// Returns an error if the environment variable is set but cannot be parsed as an integer.
func getEnvIntOrDefault(envKey string, koanfVal int, defaultVal int) (int, error) {
	if val := os.Getenv(envKey); val != "" {
		i, err := strconv.Atoi(val)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", envKey, ErrInvalidNumber)
		}
		return i, nil
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvInt64OrDefault is getEnvIntOrDefault for minor-unit amounts.
func getEnvInt64OrDefault(envKey string, koanfVal int64, defaultVal int64) (int64, error) {
	if val := os.Getenv(envKey); val != "" {
		i, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", envKey, ErrInvalidNumber)
		}
		return i, nil
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvIntOrDefaultMulti tries multiple environment variable keys in order.
// Returns the first valid integer value found, otherwise the koanf value, or default.
// Returns an error if any environment variable is set but cannot be parsed as an integer.
// Note: A port value of 0 from a YAML file will fall back to the default.
func getEnvIntOrDefaultMulti(envKeys []string, koanfVal int, defaultVal int) (int, error) {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			i, err := strconv.Atoi(val)
			if err != nil {
				return 0, fmt.Errorf("%s must be a valid integer: %w", key, ErrInvalidPort)
			}
			return i, nil
		}
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvFloatOrDefault returns the environment variable as float64 if set, otherwise the koanf value, or default.
// Returns an error if the environment variable is set but cannot be parsed as a float.
func getEnvFloatOrDefault(envKey string, koanfVal float64, defaultVal float64) (float64, error) {
	if val := os.Getenv(envKey); val != "" {
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid float: %w", envKey, ErrInvalidNumber)
		}
		return f, nil
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// splitList splits a comma-separated list, dropping empty entries.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// StorageConfigured reports whether any receipt storage setting is present.
func (c *Config) StorageConfigured() bool {
	return c.StorageBucket != "" || c.StorageAccessKeyID != "" || c.StorageSecretAccessKey != "" || c.StorageEndpoint != ""
}

// Validate checks that all required configuration values are present.
// Returns a slice of validation errors (empty if valid).
func (c *Config) Validate() []error {
	var errs []error

	if c.DatabaseURL == "" && c.IsProduction() {
		errs = append(errs, ErrMissingDatabaseURL)
	}
	if c.JWTSecret == "" {
		errs = append(errs, ErrMissingJWTSecret)
	}
	if c.StripeAPIKey == "" {
		errs = append(errs, ErrMissingStripeAPIKey)
	}
	if c.StripeWebhookSecret == "" {
		errs = append(errs, ErrMissingStripeWebhookSecret)
	}
	if c.StripeSuccessURL == "" {
		errs = append(errs, ErrMissingStripeSuccessURL)
	} else if _, err := validate.RedirectURL(c.StripeSuccessURL, c.IsProduction()); err != nil {
		errs = append(errs, fmt.Errorf("%w: STRIPE_SUCCESS_URL: %v", ErrInvalidRedirectURL, err))
	}
	if c.StripeCancelURL == "" {
		errs = append(errs, ErrMissingStripeCancelURL)
	} else if _, err := validate.RedirectURL(c.StripeCancelURL, c.IsProduction()); err != nil {
		errs = append(errs, fmt.Errorf("%w: STRIPE_CANCEL_URL: %v", ErrInvalidRedirectURL, err))
	}

	if c.CheckoutLinkTTLHours < 1 || c.CheckoutLinkTTLHours > 24 {
		errs = append(errs, ErrInvalidCheckoutLinkTTL)
	}
	if c.ManualPaymentMaxAmount <= 0 {
		errs = append(errs, ErrInvalidManualMaxAmount)
	}
	if c.ReceiptMaxSizeMB <= 0 {
		errs = append(errs, ErrInvalidReceiptMaxSize)
	}
	if c.RateLimitPerMinute <= 0 {
		errs = append(errs, ErrInvalidRateLimit)
	}
	if c.TracingSampleRate < 0 || c.TracingSampleRate > 1 {
		errs = append(errs, ErrInvalidSampleRate)
	}

	if c.StorageDriver != StorageDriverS3 && c.StorageDriver != StorageDriverMinIO {
		errs = append(errs, ErrInvalidStorageDriver)
	}

	// Storage is optional. Only validate fields if any storage value is set.
	if c.StorageConfigured() {
		if c.StorageBucket == "" {
			errs = append(errs, ErrMissingStorageBucket)
		}
		if c.StorageAccessKeyID == "" {
			errs = append(errs, ErrMissingStorageAccessKeyID)
		}
		if c.StorageSecretAccessKey == "" {
			errs = append(errs, ErrMissingStorageSecretAccessKey)
		}
		if c.StorageEndpoint == "" {
			errs = append(errs, ErrMissingStorageEndpoint)
		}
	}

	return errs
}

// LogSummary returns a summary of the configuration suitable for logging.
// All secrets are masked to prevent accidental exposure.
func (c *Config) LogSummary() map[string]string {
	return map[string]string{
		"port":                        strconv.Itoa(c.Port),
		"env":                         c.Env,
		"database_url":                maskDatabaseURL(c.DatabaseURL),
		"jwt_secret":                  maskSecret(c.JWTSecret),
		"jwt_previous_secret":         maskSecret(c.JWTPreviousSecret),
		"stripe_api_key":              maskStripeKey(c.StripeAPIKey),
		"stripe_webhook_secret":       maskSecret(c.StripeWebhookSecret),
		"stripe_success_url":          c.StripeSuccessURL,
		"stripe_cancel_url":           c.StripeCancelURL,
		"payment_currency":            c.PaymentCurrency,
		"checkout_link_ttl_hours":     strconv.Itoa(c.CheckoutLinkTTLHours),
		"manual_payment_max_amount":   strconv.FormatInt(c.ManualPaymentMaxAmount, 10),
		"storage_driver":              c.StorageDriver,
		"storage_bucket":              c.StorageBucket,
		"storage_access_key_id":       maskSecret(c.StorageAccessKeyID),
		"storage_secret_access_key":   maskSecret(c.StorageSecretAccessKey),
		"storage_endpoint":            c.StorageEndpoint,
		"receipt_max_size_mb":         strconv.Itoa(c.ReceiptMaxSizeMB),
		"receipt_url_ttl_minutes":     strconv.Itoa(c.ReceiptURLTTLMinutes),
		"redis_url":                   maskDatabaseURL(c.RedisURL),
		"rate_limit_per_minute":       strconv.Itoa(c.RateLimitPerMinute),
		"cors_allowed_origins":        strings.Join(c.CORSAllowedOrigins, ","),
		"tracing_enabled":             strconv.FormatBool(c.TracingEnabled),
		"otel_exporter_type":          c.TracingExporter,
		"otel_exporter_otlp_endpoint": c.TracingEndpoint,
	}
}

// maskSecret masks a secret value, showing only the first 4 characters followed by ****
// If the secret is shorter than 8 characters, it's fully masked.
func maskSecret(s string) string {
	if s == "" {
		return "<not set>"
	}
	if len(s) < 8 {
		return "****"
	}
	return s[:4] + "****"
}

// maskStripeKey masks a Stripe API key, preserving the prefix (sk_live_, sk_test_, etc.)
func maskStripeKey(s string) string {
	if s == "" {
		return "<not set>"
	}

	// Stripe keys have format like sk_live_..., sk_test_..., rk_live_..., etc.
	parts := strings.SplitN(s, "_", 3)
	if len(parts) == 3 {
		return parts[0] + "_" + parts[1] + "_****"
	}

	return maskSecret(s)
}

// maskDatabaseURL masks the password in a connection URL (postgres://, redis://).
func maskDatabaseURL(s string) string {
	if s == "" {
		return "<not set>"
	}

	schemeEnd := strings.Index(s, "://")
	if schemeEnd == -1 {
		return maskSecret(s)
	}

	rest := s[schemeEnd+3:]
	atIndex := strings.Index(rest, "@")
	if atIndex == -1 {
		return s // No credentials in URL
	}

	colonIndex := strings.Index(rest[:atIndex], ":")
	if colonIndex == -1 {
		return s // No password (only username)
	}

	scheme := s[:schemeEnd+3]
	user := rest[:colonIndex]
	hostAndPath := rest[atIndex:]

	return scheme + user + ":****" + hostAndPath
}
