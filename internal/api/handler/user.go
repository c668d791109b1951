package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ethixai/ethixai/internal/api/middleware"
	"github.com/ethixai/ethixai/internal/api/response"
	"github.com/ethixai/ethixai/internal/api/validation"
	"github.com/ethixai/ethixai/internal/audit"
	"github.com/ethixai/ethixai/internal/auth"
	"github.com/ethixai/ethixai/internal/claimsync"
)

// SyncScheduler queues a claims push without blocking.
type SyncScheduler interface {
	Schedule(job claimsync.Job) bool
}

type updateRoleRequest struct {
	Role string `json:"role"`
}

type promoteRequest struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

// Claims sync states reported by Promote.
const (
	claimsSyncScheduled = "scheduled"
	claimsSyncDropped   = "dropped"
	claimsSyncSkipped   = "skipped"
)

type promoteResponse struct {
	User       userResponse `json:"user"`
	ClaimsSync string       `json:"claimsSync"`
}

type userResponse struct {
	ID               string  `json:"id"`
	Email            string  `json:"email"`
	Role             string  `json:"role"`
	FederatedSubject *string `json:"federatedSubject,omitempty"`
	CreatedAt        string  `json:"createdAt"`
	UpdatedAt        string  `json:"updatedAt"`
}

func toUserResponse(u *auth.User) userResponse {
	return userResponse{
		ID:               u.ID.String(),
		Email:            u.Email,
		Role:             string(u.Role),
		FederatedSubject: u.FederatedSubject,
		CreatedAt:        u.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:        u.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

// UserHandler handles the /v1/users endpoints.
type UserHandler struct {
	authService *auth.Service
	scheduler   SyncScheduler
	emitter     audit.Emitter
}

// NewUserHandler creates a new UserHandler.
func NewUserHandler(authService *auth.Service, scheduler SyncScheduler, emitter audit.Emitter) *UserHandler {
	if emitter == nil {
		emitter = audit.Nop{}
	}
	return &UserHandler{
		authService: authService,
		scheduler:   scheduler,
		emitter:     emitter,
	}
}

// Me handles GET /v1/users/me. Callers backed by a local user get the stored
// record; others (test bypass, provider-only identities) get their resolved
// identity.
func (h *UserHandler) Me(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())

	id := middleware.GetIdentity(r.Context())
	if id == nil {
		response.Err(w, http.StatusUnauthorized, "NO_TOKEN", "No token", requestID)
		return
	}

	if userID, err := uuid.Parse(id.SubjectID); err == nil {
		u, err := h.authService.GetUser(r.Context(), userID)
		if err == nil {
			response.Success(w, http.StatusOK, toUserResponse(u), requestID)
			return
		}
		if !errors.Is(err, auth.ErrUserNotFound) {
			slog.Error("failed to get user", "error", err)
			response.Err(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to get user", requestID)
			return
		}
	}

	response.Success(w, http.StatusOK, identityResponse{
		UserID: id.SubjectID,
		Role:   string(id.Role),
		Email:  id.Email,
		Source: id.Source,
	}, requestID)
}

// UpdateRole handles PATCH /v1/users/{id}/role. The local update is
// authoritative; the provider claim is pushed asynchronously.
func (h *UserHandler) UpdateRole(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())

	userID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.Err(w, http.StatusBadRequest, "INVALID_ID", "id must be a valid UUID", requestID)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req updateRoleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Err(w, http.StatusBadRequest, "INVALID_JSON", "Request body must be valid JSON", requestID)
		return
	}

	fieldErrors := validation.ValidateUpdateRoleRequest(req.Role)
	if len(fieldErrors) > 0 {
		response.ErrWithDetails(w, http.StatusBadRequest, "VALIDATION_ERROR", "Input validation failed", fieldErrors, requestID)
		return
	}
	role := auth.Role(req.Role)

	u, err := h.authService.SetRole(r.Context(), userID, role)
	if err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			response.Err(w, http.StatusNotFound, "NOT_FOUND", "User not found", requestID)
			return
		}
		slog.Error("failed to update role", "error", err)
		response.Err(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to update role", requestID)
		return
	}

	actorID := ""
	if actor := middleware.GetIdentity(r.Context()); actor != nil {
		actorID = actor.SubjectID
	}

	ev := audit.New(audit.KindUserRoleUpdated, actorID, map[string]any{
		"user_id":    u.ID.String(),
		"role":       string(role),
		"request_id": requestID,
	})
	if err := h.emitter.Emit(r.Context(), ev); err != nil {
		slog.Error("failed to emit audit event", "event", ev.Kind, "error", err)
	}

	if h.scheduler != nil {
		h.scheduler.Schedule(claimsync.Job{UserID: u.ID, Role: role, ActorID: actorID, RequestID: requestID})
	}

	response.Success(w, http.StatusOK, toUserResponse(u), requestID)
}

// Promote handles POST /v1/users/promote. It sets the role of the user with
// the given email, creating a password-less user when none exists, then
// schedules the claims push.
func (h *UserHandler) Promote(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req promoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Err(w, http.StatusBadRequest, "INVALID_JSON", "Request body must be valid JSON", requestID)
		return
	}

	req.Email = strings.TrimSpace(req.Email)
	fieldErrors := validation.ValidatePromoteRequest(req.Email, req.Role)
	if len(fieldErrors) > 0 {
		response.ErrWithDetails(w, http.StatusBadRequest, "VALIDATION_ERROR", "Input validation failed", fieldErrors, requestID)
		return
	}
	role := auth.Role(req.Role)

	u, err := h.authService.Promote(r.Context(), req.Email, role)
	if err != nil {
		slog.Error("failed to promote user", "error", err)
		response.Err(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to promote user", requestID)
		return
	}

	actorID := ""
	if actor := middleware.GetIdentity(r.Context()); actor != nil {
		actorID = actor.SubjectID
	}

	ev := audit.New(audit.KindUserPromoted, actorID, map[string]any{
		"user_id":    u.ID.String(),
		"email":      u.Email,
		"role":       string(role),
		"request_id": requestID,
	})
	if err := h.emitter.Emit(r.Context(), ev); err != nil {
		slog.Error("failed to emit audit event", "event", ev.Kind, "error", err)
	}

	syncState := claimsSyncSkipped
	if h.scheduler != nil {
		syncState = claimsSyncDropped
		if h.scheduler.Schedule(claimsync.Job{UserID: u.ID, Role: role, ActorID: actorID, RequestID: requestID}) {
			syncState = claimsSyncScheduled
		}
	}

	response.Success(w, http.StatusOK, promoteResponse{User: toUserResponse(u), ClaimsSync: syncState}, requestID)
}
