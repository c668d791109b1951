package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/ethixai/ethixai/internal/api/response"
	"github.com/ethixai/ethixai/internal/auth"
)

const identityKey contextKey = "identity"

// IdentityResolver turns a request into a normalized identity.
type IdentityResolver interface {
	Resolve(r *http.Request) (auth.Identity, error)
}

// Auth is middleware that resolves the caller through resolver and stores the
// identity in the request context. Resolution failures return 401.
func Auth(resolver IdentityResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, err := resolver.Resolve(r)
			if err != nil {
				WriteAuthError(w, err, GetRequestID(r.Context()))
				return
			}

			ctx := WithIdentity(r.Context(), &identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// WithIdentity returns a copy of ctx carrying identity.
func WithIdentity(ctx context.Context, identity *auth.Identity) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

// GetIdentity retrieves the authenticated Identity from the request context.
func GetIdentity(ctx context.Context) *auth.Identity {
	if id, ok := ctx.Value(identityKey).(*auth.Identity); ok {
		return id
	}
	return nil
}

// WriteAuthError maps identity and session errors to their 401/403 responses.
// Anything unrecognised is a 500.
func WriteAuthError(w http.ResponseWriter, err error, requestID string) {
	switch {
	case errors.Is(err, auth.ErrNoToken):
		response.Err(w, http.StatusUnauthorized, "NO_TOKEN", "No token", requestID)
	case errors.Is(err, auth.ErrInvalidToken):
		response.Err(w, http.StatusUnauthorized, "INVALID_TOKEN", "Invalid token", requestID)
	case errors.Is(err, auth.ErrFederatedVerificationFailed):
		response.Err(w, http.StatusUnauthorized, "FEDERATED_VERIFICATION_FAILED", "Federated verification failed", requestID)
	case errors.Is(err, auth.ErrRefreshReuseDetected):
		response.Err(w, http.StatusUnauthorized, "REFRESH_REUSE_DETECTED", "Refresh token reuse detected", requestID)
	case errors.Is(err, auth.ErrRefreshExpiredOrRevoked):
		response.Err(w, http.StatusUnauthorized, "REFRESH_EXPIRED_OR_REVOKED", "Refresh token expired or revoked", requestID)
	case errors.Is(err, auth.ErrInsufficientRole):
		response.Err(w, http.StatusForbidden, "INSUFFICIENT_ROLE", "Insufficient role", requestID)
	default:
		slog.Error("identity resolution failed", "error", err, "requestId", requestID)
		response.Err(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Authentication failed", requestID)
	}
}
