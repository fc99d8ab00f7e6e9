package middleware

import (
	"net/http"

	"github.com/tendant/keyclaim/internal/httputil"
)

// RequireScope rejects tokens that do not grant scope. Apply it after Auth.
//
// Example usage:
//
//	r.With(middleware.Auth(tokens)).
//	  With(middleware.RequireScope(auth.ScopeWrite)).
//	  Post("/v1/accounts/{name}/redeem", h.Redeem)
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := GetClaims(r.Context())
			if !ok {
				httputil.Error(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			if !claims.HasScope(scope) {
				httputil.Error(w, http.StatusForbidden, "token lacks the "+scope+" scope")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
