package middleware

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/rentshield/rentshield/internal/idempotency"
)

// IdempotencyKeyHeader is the HTTP header name for idempotency keys.
const IdempotencyKeyHeader = "Idempotency-Key"

// IdempotentReplayHeader marks responses served from the idempotency cache.
const IdempotentReplayHeader = "Idempotent-Replayed"

// Idempotency error codes.
const (
	ErrCodeMissingIdempotencyKey = "missing_idempotency_key"
	ErrCodeInvalidIdempotencyKey = "invalid_idempotency_key"
	ErrCodeIdempotencyKeyReused  = "idempotency_key_reused"
	ErrCodeIdempotencyInProgress = "idempotency_request_in_progress"
)

// idempotencyKeyContextKey is the context key for storing the idempotency key.
type idempotencyKeyContextKey struct{}

// idempotencyResponseWriter passes the response through and keeps a copy.
type idempotencyResponseWriter struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
	written    bool
}

func newIdempotencyResponseWriter(w http.ResponseWriter) *idempotencyResponseWriter {
	return &idempotencyResponseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
	}
}

// WriteHeader captures the status code.
func (w *idempotencyResponseWriter) WriteHeader(statusCode int) {
	if w.written {
		return
	}
	w.statusCode = statusCode
	w.written = true
	w.ResponseWriter.WriteHeader(statusCode)
}

// Write captures the response body.
func (w *idempotencyResponseWriter) Write(b []byte) (int, error) {
	w.written = true
	n, err := w.ResponseWriter.Write(b)
	w.body.Write(b[:n])
	return n, err
}

// SetIdempotencyKey stores the idempotency key in the context.
func SetIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKeyContextKey{}, key)
}

// GetIdempotencyKey retrieves the idempotency key from context. Returns empty string if not present.
func GetIdempotencyKey(ctx context.Context) string {
	if key, ok := ctx.Value(idempotencyKeyContextKey{}).(string); ok {
		return key
	}
	return ""
}

// Idempotent requires an Idempotency-Key header on POST requests.
//
// The first request with a key claims it; its 2xx response is stored and
// replayed to later requests with the same key, while any other outcome
// releases the claim so the client can retry. A key that is still being
// processed yields 409, and a key reused by another actor or route yields 422.
// If the repository fails the request proceeds without idempotency.
func Idempotent(repo idempotency.Repository) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				next.ServeHTTP(w, r)
				return
			}

			key := r.Header.Get(IdempotencyKeyHeader)
			if key == "" {
				writeError(w, r, http.StatusBadRequest, ErrCodeMissingIdempotencyKey, "Idempotency-Key header is required for this request")
				return
			}
			if err := idempotency.ValidateKey(key); err != nil {
				writeError(w, r, http.StatusBadRequest, ErrCodeInvalidIdempotencyKey, err.Error())
				return
			}

			ctx := SetIdempotencyKey(r.Context(), key)
			r = r.WithContext(ctx)
			actorID := GetActorID(ctx)
			route := normalizePath(r.URL.Path)

			claim := &idempotency.IdempotencyKey{Key: key, ActorID: actorID, Method: r.Method, Route: route}
			err := repo.Claim(ctx, claim)
			if errors.Is(err, idempotency.ErrKeyExists) {
				replay(w, r, repo, key, actorID, route)
				return
			}
			if err != nil {
				slog.ErrorContext(ctx, "failed to claim idempotency key", "key", key, "error", err)
				next.ServeHTTP(w, r)
				return
			}

			capture := newIdempotencyResponseWriter(w)
			next.ServeHTTP(capture, r)

			storeCtx := context.WithoutCancel(ctx)
			if capture.statusCode >= 200 && capture.statusCode < 300 {
				if err := repo.Complete(storeCtx, key, capture.statusCode, capture.body.String()); err != nil {
					slog.ErrorContext(ctx, "failed to store idempotency key", "key", key, "error", err)
				}
				return
			}
			if err := repo.Release(storeCtx, key); err != nil {
				slog.ErrorContext(ctx, "failed to release idempotency key", "key", key, "error", err)
			}
		})
	}
}

func replay(w http.ResponseWriter, r *http.Request, repo idempotency.Repository, key, actorID, route string) {
	ctx := r.Context()
	existing, err := repo.Get(ctx, key)
	if err != nil {
		// Released between Claim and Get; the client may retry.
		writeError(w, r, http.StatusConflict, ErrCodeIdempotencyInProgress, "A request with this Idempotency-Key is in progress")
		return
	}
	if !existing.Matches(actorID, r.Method, route) {
		writeError(w, r, http.StatusUnprocessableEntity, ErrCodeIdempotencyKeyReused, "Idempotency-Key was already used for a different request")
		return
	}
	if existing.Status != idempotency.StatusCompleted {
		writeError(w, r, http.StatusConflict, ErrCodeIdempotencyInProgress, "A request with this Idempotency-Key is in progress")
		return
	}

	slog.InfoContext(ctx, "idempotency key found, returning cached response",
		"key", key,
		"status", existing.ResponseStatusCode,
	)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set(IdempotentReplayHeader, "true")
	w.WriteHeader(existing.ResponseStatusCode)
	_, _ = w.Write([]byte(existing.ResponseBody))
}
