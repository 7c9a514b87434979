// Package middleware provides HTTP middleware components for the API server.
package middleware

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// requestStateKey is the context key for the per-request log state.
type requestStateKey struct{}

// actorIDKey is the context key for the authenticated actor id.
type actorIDKey struct{}

// errorCodeKey is the context key for error code.
type errorCodeKey struct{}

// requestState is owned by Logging and filled in by inner handlers, which
// only ever see derived contexts.
type requestState struct {
	actorID   string
	errorCode string
}

func stateFrom(ctx context.Context) *requestState {
	st, _ := ctx.Value(requestStateKey{}).(*requestState)
	return st
}

// SetActorID stores the authenticated actor id in the context.
// Called by Authenticate after validating the token.
func SetActorID(ctx context.Context, id string) context.Context {
	if st := stateFrom(ctx); st != nil {
		st.actorID = id
	}
	return context.WithValue(ctx, actorIDKey{}, id)
}

// GetActorID retrieves the actor id from context. Returns empty string if not present.
func GetActorID(ctx context.Context) string {
	if id, ok := ctx.Value(actorIDKey{}).(string); ok {
		return id
	}
	if st := stateFrom(ctx); st != nil {
		return st.actorID
	}
	return ""
}

// SetErrorCode stores an error code in the context.
// This should be called by handlers when returning error responses.
func SetErrorCode(ctx context.Context, code string) context.Context {
	if st := stateFrom(ctx); st != nil {
		st.errorCode = code
	}
	return context.WithValue(ctx, errorCodeKey{}, code)
}

// GetErrorCode retrieves the error code from context. Returns empty string if not present.
func GetErrorCode(ctx context.Context) string {
	if code, ok := ctx.Value(errorCodeKey{}).(string); ok {
		return code
	}
	if st := stateFrom(ctx); st != nil {
		return st.errorCode
	}
	return ""
}

// NewLogger returns the process logger: JSON at info level in production,
// text at debug level elsewhere.
func NewLogger(env string) *slog.Logger {
	return newLogger(os.Stdout, env)
}

func newLogger(w io.Writer, env string) *slog.Logger {
	if env == "production" {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// levelFor maps a response status to the level of its access log line.
func levelFor(status int) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelError
	case status >= 400:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// Logging writes one access log line per request. Besides method, path,
// status, latency and size it carries the normalized route, the request id,
// the trace id, the actor set by Authenticate and, for 4xx/5xx, the error
// code set by the handler.
//
// A panicking handler produces no line; recovery belongs outside Logging.
func Logging(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			st := &requestState{}
			r = r.WithContext(context.WithValue(r.Context(), requestStateKey{}, st))
			rec := newStatusRecorder(w)

			next.ServeHTTP(rec, r)

			attrs := make([]slog.Attr, 0, 10)
			attrs = append(attrs,
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("route", normalizePath(r.URL.Path)),
				slog.Int("status", rec.status),
				slog.Int64("latency_ms", time.Since(start).Milliseconds()),
				slog.Int64("size", rec.written),
			)
			if id := GetRequestID(r.Context()); id != "" {
				attrs = append(attrs, slog.String("request_id", id))
			}
			if sc := trace.SpanContextFromContext(r.Context()); sc.IsValid() {
				attrs = append(attrs, slog.String("trace_id", sc.TraceID().String()))
			}
			if st.actorID != "" {
				attrs = append(attrs, slog.String("actor_id", st.actorID))
			}
			if rec.status >= 400 && st.errorCode != "" {
				attrs = append(attrs, slog.String("error_code", st.errorCode))
			}

			logger.LogAttrs(r.Context(), levelFor(rec.status), "request completed", attrs...)
		})
	}
}
