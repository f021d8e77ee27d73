package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/nurudeen19/rag-fortress-sub002/internal/core/access"
	"github.com/nurudeen19/rag-fortress-sub002/internal/core/apperr"
)

// Authenticator turns a bearer token into the caller's principal.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (access.Principal, error)
}

type principalKey struct{}

// PrincipalFrom returns the principal JWTMiddleware attached to ctx.
func PrincipalFrom(ctx context.Context) (access.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(access.Principal)
	return p, ok
}

// WithPrincipal attaches p to ctx.
func WithPrincipal(ctx context.Context, p access.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// JWTMiddleware validates the Authorization header and attaches the caller's
// principal to the request context. Roles and departments come from the
// store on every request, not from the token.
func JWTMiddleware(auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				deny(w, http.StatusUnauthorized, apperr.CodeUnauthenticated, "missing or invalid token")
				return
			}

			p, err := auth.Authenticate(r.Context(), strings.TrimPrefix(header, "Bearer "))
			if err != nil {
				deny(w, http.StatusUnauthorized, apperr.CodeUnauthenticated, "invalid token")
				return
			}
			noteUser(r.Context(), p.UserID)
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// RequireAdmin rejects callers without an admin role. It must run after
// JWTMiddleware.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFrom(r.Context())
		if !ok {
			deny(w, http.StatusUnauthorized, apperr.CodeUnauthenticated, "not authenticated")
			return
		}
		if !p.IsAdmin {
			deny(w, http.StatusForbidden, apperr.CodeForbidden, "administrator role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func deny(w http.ResponseWriter, status int, code apperr.Code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"code": string(code), "message": msg})
}
