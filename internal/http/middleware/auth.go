package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/tendant/keyclaim/internal/auth"
	"github.com/tendant/keyclaim/internal/httputil"
)

type contextKey string

// ClaimsKey is the context key for the token claims.
const ClaimsKey contextKey = "claims"

// Auth creates middleware that validates bearer control tokens.
func Auth(tokens *auth.TokenService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var tokenString string
			parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
			if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
				tokenString = strings.TrimSpace(parts[1])
			}
			if tokenString == "" {
				httputil.Error(w, http.StatusUnauthorized, "missing authorization")
				return
			}

			claims, err := tokens.Validate(tokenString)
			if err != nil {
				httputil.Error(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			ctx := context.WithValue(r.Context(), ClaimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetClaims extracts the token claims from the request context.
func GetClaims(ctx context.Context) (*auth.ControlClaims, bool) {
	claims, ok := ctx.Value(ClaimsKey).(*auth.ControlClaims)
	return claims, ok
}
