package middleware

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"

	"github.com/rentshield/rentshield/internal/auth"
)

// Error codes written by the auth middleware.
const (
	ErrCodeUnauthorized = "unauthorized"
	ErrCodeTokenExpired = "token_expired"
	ErrCodeForbidden    = "forbidden"
)

// TokenValidator validates a bearer token. Implemented by *auth.JWTService.
type TokenValidator interface {
	ValidateToken(token string) (*auth.Claims, error)
}

// Actor is the authenticated operator behind a request.
type Actor struct {
	ID          string
	Permissions []auth.Permission
}

// Has reports whether the actor holds p.
func (a Actor) Has(p auth.Permission) bool {
	return slices.Contains(a.Permissions, p)
}

type actorKey struct{}

// WithActor stores the actor in the context.
func WithActor(ctx context.Context, a Actor) context.Context {
	ctx = SetActorID(ctx, a.ID)
	return context.WithValue(ctx, actorKey{}, a)
}

// ActorFrom returns the authenticated actor, if any.
func ActorFrom(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(Actor)
	return a, ok
}

// Authenticate requires a valid "Authorization: Bearer <token>" header and
// stores the resulting Actor in the request context.
func Authenticate(v TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || strings.TrimSpace(token) == "" {
				writeError(w, r, http.StatusUnauthorized, ErrCodeUnauthorized, "Missing bearer token")
				return
			}

			claims, err := v.ValidateToken(strings.TrimSpace(token))
			if err != nil {
				if errors.Is(err, auth.ErrExpiredToken) {
					writeError(w, r, http.StatusUnauthorized, ErrCodeTokenExpired, "Token has expired")
					return
				}
				writeError(w, r, http.StatusUnauthorized, ErrCodeUnauthorized, "Invalid token")
				return
			}

			actor := Actor{ID: claims.Subject, Permissions: claims.Permissions}
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
		})
	}
}

// RequirePermission rejects requests whose actor lacks p with 403.
// Requests without an actor are rejected with 401.
func RequirePermission(p auth.Permission, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor, ok := ActorFrom(r.Context())
		if !ok {
			writeError(w, r, http.StatusUnauthorized, ErrCodeUnauthorized, "Authentication required")
			return
		}
		if !actor.Has(p) {
			writeError(w, r, http.StatusForbidden, ErrCodeForbidden, "Missing permission "+string(p))
			return
		}
		next.ServeHTTP(w, r)
	})
}
