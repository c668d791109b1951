package auth

import "errors"

// Credential and authorization failures. Handlers map these to 401/403 responses.
var (
	ErrNoToken                     = errors.New("no token")
	ErrInvalidToken                = errors.New("invalid token")
	ErrInsufficientRole            = errors.New("insufficient role")
	ErrRefreshReuseDetected        = errors.New("refresh token reuse detected")
	ErrRefreshExpiredOrRevoked     = errors.New("refresh token expired or revoked")
	ErrFederatedVerificationFailed = errors.New("federated verification failed")
)

// User store and account errors.
var (
	ErrUserNotFound       = errors.New("user not found")
	ErrDuplicateEmail     = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrInvalidRole        = errors.New("invalid role")
)
