package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/Mindburn-Labs/foreman/pkg/api"
)

type principalKey struct{}

type principal struct {
	subject string
	role    string
}

// WithPrincipal attaches an authenticated subject and role to ctx.
func WithPrincipal(ctx context.Context, subject, role string) context.Context {
	return context.WithValue(ctx, principalKey{}, principal{subject: subject, role: role})
}

// WithOwner attaches the authenticated owner id to ctx.
func WithOwner(ctx context.Context, ownerID string) context.Context {
	return WithPrincipal(ctx, ownerID, RoleOwner)
}

// OwnerID returns the subject in ctx if it authenticated as an owner.
func OwnerID(ctx context.Context) (string, bool) {
	p, ok := ctx.Value(principalKey{}).(principal)
	if !ok || p.role != RoleOwner || p.subject == "" {
		return "", false
	}
	return p.subject, true
}

// Subject returns the authenticated subject of any role.
func Subject(ctx context.Context) (string, bool) {
	p, ok := ctx.Value(principalKey{}).(principal)
	return p.subject, ok && p.subject != ""
}

// RequireOwner rejects requests without a valid owner bearer token.
// A nil service rejects everything.
func RequireOwner(tokens *TokenService) func(http.Handler) http.Handler {
	return RequireRole(tokens, RoleOwner)
}

// RequireRole rejects requests without a valid bearer token for one of roles.
func RequireRole(tokens *TokenService, roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				api.WriteUnauthorized(w, "Missing Authorization header")
				return
			}
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				api.WriteUnauthorized(w, "Invalid Authorization header format (expected 'Bearer <token>')")
				return
			}
			if tokens == nil {
				api.WriteUnauthorized(w, "Authentication not configured")
				return
			}

			claims, err := tokens.ValidateRole(parts[1], roles...)
			if err != nil {
				api.WriteUnauthorized(w, "Invalid or expired token")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), claims.Subject, claims.Role)))
		})
	}
}
