package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ethixai/ethixai/internal/api/middleware"
	"github.com/ethixai/ethixai/internal/api/response"
	"github.com/ethixai/ethixai/internal/api/validation"
	"github.com/ethixai/ethixai/internal/auth"
	"github.com/ethixai/ethixai/internal/federation"
	"github.com/ethixai/ethixai/internal/identity"
	"github.com/ethixai/ethixai/internal/token"
)

const maxDeviceLabelLen = 128

// IDTokenVerifier verifies identity provider ID tokens.
type IDTokenVerifier interface {
	Verify(ctx context.Context, raw string) (federation.Identity, error)
}

// CookieConfig controls whether credentials are also delivered as cookies.
type CookieConfig struct {
	Enabled bool
	Secure  bool
	Domain  string
}

type credentialsRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DeviceLabel string `json:"deviceLabel"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type exchangeRequest struct {
	FederatedIDToken string `json:"federatedIdToken"`
	DeviceLabel      string `json:"deviceLabel"`
}

type sessionResponse struct {
	AccessToken      string `json:"accessToken,omitempty"`
	RefreshToken     string `json:"refreshToken,omitempty"`
	TokenType        string `json:"tokenType"`
	AccessExpiresAt  string `json:"accessExpiresAt"`
	RefreshExpiresAt string `json:"refreshExpiresAt"`
}

type identityResponse struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
	Email  string `json:"email,omitempty"`
	Source string `json:"source"`
}

type statusResponse struct {
	Status string `json:"status"`
}

// AuthHandler handles the /auth endpoints.
type AuthHandler struct {
	authService *auth.Service
	tokens      *token.Service
	federated   IDTokenVerifier
	cookies     CookieConfig
}

// NewAuthHandler creates a new AuthHandler. federated may be nil when no
// identity provider is configured.
func NewAuthHandler(authService *auth.Service, tokens *token.Service, federated IDTokenVerifier, cookies CookieConfig) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		tokens:      tokens,
		federated:   federated,
		cookies:     cookies,
	}
}

// Register handles POST /auth/register.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())

	var req credentialsRequest
	if !decodeJSON(w, r, &req, requestID) {
		return
	}

	fieldErrors := validation.ValidateRegisterRequest(validation.CredentialsRequest{Email: req.Email, Password: req.Password})
	if len(fieldErrors) > 0 {
		response.ErrWithDetails(w, http.StatusBadRequest, "VALIDATION_ERROR", "Input validation failed", fieldErrors, requestID)
		return
	}

	u, err := h.authService.Register(r.Context(), strings.TrimSpace(req.Email), req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrDuplicateEmail) {
			response.Err(w, http.StatusConflict, "DUPLICATE_EMAIL", "An account with this email already exists", requestID)
			return
		}
		slog.Error("failed to register user", "error", err)
		response.Err(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to register user", requestID)
		return
	}

	response.Success(w, http.StatusCreated, toUserResponse(u), requestID)
}

// Login handles POST /auth/login.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())

	var req credentialsRequest
	if !decodeJSON(w, r, &req, requestID) {
		return
	}

	fieldErrors := validation.ValidateLoginRequest(validation.CredentialsRequest{Email: req.Email, Password: req.Password})
	if len(fieldErrors) > 0 {
		response.ErrWithDetails(w, http.StatusBadRequest, "VALIDATION_ERROR", "Input validation failed", fieldErrors, requestID)
		return
	}

	u, err := h.authService.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			response.Err(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", requestID)
			return
		}
		slog.Error("failed to authenticate user", "error", err)
		response.Err(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to log in", requestID)
		return
	}

	h.issue(w, r, u, req.DeviceLabel, requestID)
}

// Refresh handles POST /auth/refresh. The refresh token comes from the body
// or, failing that, the refresh cookie.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())

	raw, ok := h.refreshToken(w, r, requestID)
	if !ok {
		return
	}
	if raw == "" {
		response.Err(w, http.StatusUnauthorized, "NO_TOKEN", "No token", requestID)
		return
	}

	pair, err := h.tokens.Rotate(r.Context(), raw)
	if err != nil {
		if errors.Is(err, auth.ErrRefreshReuseDetected) || errors.Is(err, auth.ErrRefreshExpiredOrRevoked) {
			h.clearCookies(w)
		}
		middleware.WriteAuthError(w, err, requestID)
		return
	}

	h.writeSession(w, pair, http.StatusOK, requestID)
}

// Verify handles GET /auth/verify. It runs behind the Auth middleware and
// echoes the resolved identity.
func (h *AuthHandler) Verify(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())

	id := middleware.GetIdentity(r.Context())
	if id == nil {
		response.Err(w, http.StatusUnauthorized, "NO_TOKEN", "No token", requestID)
		return
	}

	response.Success(w, http.StatusOK, identityResponse{
		UserID: id.SubjectID,
		Role:   string(id.Role),
		Email:  id.Email,
		Source: id.Source,
	}, requestID)
}

// Exchange handles POST /auth/federated/exchange: a verified provider ID
// token is traded for a local credential pair carrying the local role.
func (h *AuthHandler) Exchange(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())

	if h.federated == nil {
		response.Err(w, http.StatusNotFound, "NOT_CONFIGURED", "Federated login is not configured", requestID)
		return
	}

	var req exchangeRequest
	if !decodeJSON(w, r, &req, requestID) {
		return
	}

	fieldErrors := validation.ValidateExchangeRequest(req.FederatedIDToken)
	if len(fieldErrors) > 0 {
		response.ErrWithDetails(w, http.StatusBadRequest, "VALIDATION_ERROR", "Input validation failed", fieldErrors, requestID)
		return
	}

	fid, err := h.federated.Verify(r.Context(), req.FederatedIDToken)
	if err != nil {
		slog.Warn("federated token rejected", "error", err, "requestId", requestID)
		middleware.WriteAuthError(w, auth.ErrFederatedVerificationFailed, requestID)
		return
	}

	claimRole, _ := auth.ParseRole(fid.Role)
	u, err := h.authService.ProvisionFederated(r.Context(), fid.Subject, fid.Email, claimRole)
	if err != nil {
		if errors.Is(err, auth.ErrFederatedVerificationFailed) {
			slog.Warn("federated provisioning rejected", "error", err, "requestId", requestID)
		}
		middleware.WriteAuthError(w, err, requestID)
		return
	}

	h.issue(w, r, u, req.DeviceLabel, requestID)
}

// Logout handles POST /auth/logout. It always succeeds and clears cookies;
// a presented refresh token has its whole session revoked.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())

	raw, ok := h.refreshToken(w, r, requestID)
	if !ok {
		return
	}

	if raw != "" {
		if err := h.tokens.Revoke(r.Context(), raw); err != nil && !errors.Is(err, auth.ErrInvalidToken) {
			slog.Error("failed to revoke session on logout", "error", err, "requestId", requestID)
		}
	}

	h.clearCookies(w)
	response.Success(w, http.StatusOK, statusResponse{Status: "ok"}, requestID)
}

func (h *AuthHandler) issue(w http.ResponseWriter, r *http.Request, u *auth.User, deviceLabel, requestID string) {
	pair, err := h.tokens.Issue(r.Context(), u.ID.String(), u.Role, deviceLabelFor(r, deviceLabel))
	if err != nil {
		slog.Error("failed to issue tokens", "error", err, "userId", u.ID)
		response.Err(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to issue tokens", requestID)
		return
	}
	h.writeSession(w, pair, http.StatusOK, requestID)
}

// writeSession delivers a pair. In cookie mode the tokens travel only as
// HttpOnly cookies.
func (h *AuthHandler) writeSession(w http.ResponseWriter, pair *token.Pair, status int, requestID string) {
	resp := sessionResponse{
		TokenType:        pair.TokenType,
		AccessExpiresAt:  pair.AccessExpiresAt.UTC().Format(time.RFC3339),
		RefreshExpiresAt: pair.RefreshExpiresAt.UTC().Format(time.RFC3339),
	}

	if h.cookies.Enabled {
		http.SetCookie(w, h.cookie(identity.AccessTokenCookie, pair.AccessToken, pair.AccessExpiresAt))
		http.SetCookie(w, h.cookie(identity.RefreshTokenCookie, pair.RefreshToken, pair.RefreshExpiresAt))
	} else {
		resp.AccessToken = pair.AccessToken
		resp.RefreshToken = pair.RefreshToken
	}

	response.SuccessNoStore(w, status, resp, requestID)
}

func (h *AuthHandler) cookie(name, value string, expires time.Time) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   h.cookies.Domain,
		Expires:  expires,
		MaxAge:   int(time.Until(expires).Seconds()),
		HttpOnly: true,
		Secure:   h.cookies.Secure,
		SameSite: http.SameSiteLaxMode,
	}
}

func (h *AuthHandler) clearCookies(w http.ResponseWriter) {
	for _, name := range []string{identity.AccessTokenCookie, identity.RefreshTokenCookie} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			Domain:   h.cookies.Domain,
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   h.cookies.Secure,
			SameSite: http.SameSiteLaxMode,
		})
	}
}

// refreshToken reads the refresh token from an optional JSON body, then the
// refresh cookie. It reports false after writing an error response.
func (h *AuthHandler) refreshToken(w http.ResponseWriter, r *http.Request, requestID string) (string, bool) {
	var req refreshRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !isEmptyBody(err) {
		response.Err(w, http.StatusBadRequest, "INVALID_JSON", "Request body must be valid JSON", requestID)
		return "", false
	}
	if raw := strings.TrimSpace(req.RefreshToken); raw != "" {
		return raw, true
	}
	if c, err := r.Cookie(identity.RefreshTokenCookie); err == nil {
		return c.Value, true
	}
	return "", true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any, requestID string) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		response.Err(w, http.StatusBadRequest, "INVALID_JSON", "Request body must be valid JSON", requestID)
		return false
	}
	return true
}

func isEmptyBody(err error) bool {
	return errors.Is(err, io.EOF)
}

// deviceLabelFor returns valid UTF-8 of at most maxDeviceLabelLen bytes,
// cut on a rune boundary.
func deviceLabelFor(r *http.Request, label string) string {
	label = strings.TrimSpace(label)
	if label == "" {
		label = r.UserAgent()
	}
	label = strings.ToValidUTF8(label, "")
	if len(label) > maxDeviceLabelLen {
		n := maxDeviceLabelLen
		for n > 0 && !utf8.RuneStart(label[n]) {
			n--
		}
		label = label[:n]
	}
	return label
}
