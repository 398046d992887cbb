package auth

import (
	"net/http"

	"github.com/sungwon/inventory-notify/internal/logger"
)

// RequireRole admits requests whose authenticated role is one of roles.
// It must run after Authenticator.Middleware: a request with no role is
// answered 401, a request with another role 403.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(roles))
	for _, r := range roles {
		allowed[r] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			role := RoleFromContext(r.Context())
			switch {
			case role == "":
				writeError(w, http.StatusUnauthorized, "authentication required")
			case !allowed[role]:
				logger.FromContext(r.Context()).Info().
					Str("subject", SubjectFromContext(r.Context())).
					Str("role", role).
					Str("path", r.URL.Path).
					Msg("role not permitted")
				writeError(w, http.StatusForbidden, "insufficient permissions")
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}

// writeError writes a JSON error body. msg must not need escaping.
func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}` + "\n"))
}
