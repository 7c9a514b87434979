package audit

import (
	"context"
	"net"
	"net/http"
	"strings"

	"github.com/rentshield/rentshield/internal/middleware"
)

// OutcomeOf maps an operation error to an audit outcome.
func OutcomeOf(err error) string {
	if err != nil {
		return OutcomeFailure
	}
	return OutcomeSuccess
}

// extractIPAddress extracts the client IP address from an HTTP request.
// It checks X-Forwarded-For, X-Real-IP, and RemoteAddr in that order and strips any port.
func extractIPAddress(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		firstIP, _, _ := strings.Cut(xff, ",")
		firstIP = strings.TrimSpace(firstIP)
		if firstIP != "" {
			return stripPort(firstIP)
		}
	}

	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return stripPort(xri)
	}

	return stripPort(r.RemoteAddr)
}

func stripPort(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// Record appends an audit entry carrying the actor and request ID from ctx.
//
// Record is fail-closed: a storage error is returned to the caller.
func Record(ctx context.Context, repo Repository, entry Entry) error {
	if repo == nil {
		return ErrNilRepository
	}
	if entry.ActorID == "" {
		entry.ActorID = middleware.GetActorID(ctx)
	}
	if entry.RequestID == "" {
		entry.RequestID = middleware.GetRequestID(ctx)
	}
	if entry.Outcome == "" {
		entry.Outcome = OutcomeSuccess
	}
	if err := entry.Validate(); err != nil {
		return err
	}

	_, err := repo.Append(ctx, entry)
	return err
}

// RecordFromRequest is Record plus the client IP address and user agent of r.
func RecordFromRequest(r *http.Request, repo Repository, entry Entry) error {
	entry.IPAddress = extractIPAddress(r)
	entry.UserAgent = r.UserAgent()
	return Record(r.Context(), repo, entry)
}
