// Package middleware holds the Cubby-specific HTTP middleware: bearer
// token authentication, admin gating and rate limiting. Generic concerns
// (request id, real ip, recovery, timeouts) come from chi.
package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/cubbyhost/cubby/pkg/auth"
	"github.com/cubbyhost/cubby/pkg/errs"
)

type contextKey int

const principalKey contextKey = iota

// Principal returns the authenticated principal, or nil for anonymous
// requests.
func Principal(ctx context.Context) *auth.Principal {
	p, _ := ctx.Value(principalKey).(*auth.Principal)
	return p
}

// Authenticator validates bearer tokens and resolves the live account
// state behind them.
type Authenticator interface {
	ValidateToken(token string) (*auth.Principal, error)
	RefreshPrincipal(ctx context.Context, p *auth.Principal) error
}

// Authenticate resolves the Authorization header when present and stores
// the principal in the request context. Requests without a token pass
// through anonymously; routes that need identity add RequireAuth.
// A present-but-invalid token always fails, even on optional routes.
// The claims snapshot is refreshed against the account row, so blocking
// a user cuts off outstanding tokens immediately.
func Authenticate(svc Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			principal, err := svc.ValidateToken(token)
			if err != nil {
				writeAuthError(w, errs.E("auth", errs.KindAuthentication, "invalid or expired token"))
				return
			}
			if err := svc.RefreshPrincipal(r.Context(), principal); err != nil {
				writeAuthError(w, err)
				return
			}
			ctx := context.WithValue(r.Context(), principalKey, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireAuth rejects anonymous requests.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if Principal(r.Context()) == nil {
			writeAuthError(w, errs.E("auth", errs.KindAuthentication, "authentication required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAdmin rejects everyone but admins. Must run after RequireAuth.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := Principal(r.Context())
		if p == nil || !p.IsAdmin() {
			writeAuthError(w, errs.Forbidden("auth", "admin access required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return "", false
	}
	return token, true
}

// writeAuthError mirrors the api package envelope without importing it,
// keeping the middleware package a leaf.
func writeAuthError(w http.ResponseWriter, err error) {
	kind := errs.KindOf(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(kind.HTTPStatus())
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{
			"code":    kind.String(),
			"message": errs.UserMessage(err),
		},
	})
}
