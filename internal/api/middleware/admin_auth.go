package middleware

import (
	"net/http"
	"strings"

	"github.com/Togather-Foundation/roaming/internal/api/problem"
	"github.com/Togather-Foundation/roaming/internal/auth"
)

// JWTAuth validates Bearer tokens on admin API routes (/api/v1/admin/*).
// The role claim of a valid token must hold capability need.
func JWTAuth(manager *auth.JWTManager, env string, need auth.Capability) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if manager == nil {
				problem.Write(w, r, http.StatusUnauthorized, problem.TypeUnauthorized, "Unauthorized", problem.ErrUnauthorized, env)
				return
			}

			authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
			if authHeader == "" {
				problem.Write(w, r, http.StatusUnauthorized, problem.TypeUnauthorized, "Missing authorization header", problem.ErrUnauthorized, env)
				return
			}
			if !strings.HasPrefix(authHeader, "Bearer ") {
				problem.Write(w, r, http.StatusUnauthorized, problem.TypeUnauthorized, "Invalid authorization format", problem.ErrUnauthorized, env)
				return
			}

			token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
			if token == "" {
				problem.Write(w, r, http.StatusUnauthorized, problem.TypeUnauthorized, "Missing token", problem.ErrUnauthorized, env)
				return
			}

			claims, err := manager.Validate(token)
			if err != nil {
				problem.Write(w, r, http.StatusUnauthorized, problem.TypeUnauthorized, "Invalid token", err, env)
				return
			}

			if !auth.Allows(claims.Role, need) {
				problem.Write(w, r, http.StatusForbidden, problem.TypeForbidden, "Insufficient permissions", problem.ErrForbidden, env)
				return
			}

			ctx := auth.ContextWithClaims(r.Context(), claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
