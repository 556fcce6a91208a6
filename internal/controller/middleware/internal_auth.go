package middleware

import (
	"net/http"
	"strings"

	"taskqueue/internal/auth"
	"taskqueue/pkg/api"
)

// RequireInternalAuth middleware ensures the request has the correct system secret.
// An empty secret leaves the routes open, which is how local development runs.
func RequireInternalAuth(systemSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if strings.TrimSpace(systemSecret) == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, "Missing authorization header", api.CodeUnauthorized, http.StatusUnauthorized)
				return
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				writeError(w, "Invalid authorization header", api.CodeUnauthorized, http.StatusUnauthorized)
				return
			}

			if !auth.SecretMatches(parts[1], systemSecret) {
				writeError(w, "Invalid authorization token", api.CodeUnauthorized, http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
