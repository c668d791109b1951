package middleware

import (
	"log/slog"
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"

	"github.com/ethixai/ethixai/internal/audit"
	"github.com/ethixai/ethixai/internal/auth"
)

// RequireRole returns middleware that admits only identities whose role is
// exactly one of roles. There is no hierarchy: admin does not imply analyst.
// Every denial emits one authorization_failed audit event.
func RequireRole(emitter audit.Emitter, roles ...auth.Role) func(http.Handler) http.Handler {
	if emitter == nil {
		emitter = audit.Nop{}
	}
	required := make([]string, len(roles))
	for i, role := range roles {
		required[i] = string(role)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := GetRequestID(r.Context())

			identity := GetIdentity(r.Context())
			if identity == nil {
				WriteAuthError(w, auth.ErrNoToken, requestID)
				return
			}

			if slices.Contains(roles, identity.Role) {
				next.ServeHTTP(w, r)
				return
			}

			ev := audit.New(audit.KindAuthorizationFailed, identity.SubjectID, map[string]any{
				"user_id":        identity.SubjectID,
				"required_roles": required,
				"actual_role":    string(identity.Role),
				"route":          routePattern(r),
				"method":         r.Method,
				"request_id":     requestID,
			})
			if err := emitter.Emit(r.Context(), ev); err != nil {
				slog.Error("failed to emit audit event", "event", ev.Kind, "error", err)
			}

			WriteAuthError(w, auth.ErrInsufficientRole, requestID)
		})
	}
}

// routePattern returns the matched chi pattern so audit entries group by
// route rather than by concrete id.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}
