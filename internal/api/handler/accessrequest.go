package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ethixai/ethixai/internal/accessrequest"
	"github.com/ethixai/ethixai/internal/api/middleware"
	"github.com/ethixai/ethixai/internal/api/response"
	"github.com/ethixai/ethixai/internal/api/validation"
	"github.com/ethixai/ethixai/internal/auth"
)

type createAccessRequestRequest struct {
	Email         string `json:"email"`
	Name          string `json:"name"`
	Reason        string `json:"reason"`
	RequestedRole string `json:"requestedRole"`
}

type decideAccessRequestRequest struct {
	EmailUser bool `json:"emailUser"`
}

type accessRequestResponse struct {
	ID            string  `json:"id"`
	RequesterID   string  `json:"requesterId,omitempty"`
	Email         string  `json:"email"`
	Name          string  `json:"name,omitempty"`
	Reason        string  `json:"reason"`
	RequestedRole string  `json:"requestedRole"`
	Status        string  `json:"status"`
	CreatedAt     string  `json:"createdAt"`
	DecidedBy     *string `json:"decidedBy,omitempty"`
	DecidedAt     *string `json:"decidedAt,omitempty"`
	EmailUser     bool    `json:"emailUser"`
}

func toAccessRequestResponse(req *accessrequest.AccessRequest) accessRequestResponse {
	resp := accessRequestResponse{
		ID:            req.ID.String(),
		RequesterID:   req.RequesterID,
		Email:         req.Email,
		Name:          req.Name,
		Reason:        req.Reason,
		RequestedRole: string(req.RequestedRole),
		Status:        string(req.Status),
		CreatedAt:     req.CreatedAt.UTC().Format(time.RFC3339),
		DecidedBy:     req.DecidedBy,
		EmailUser:     req.EmailUser,
	}
	if req.DecidedAt != nil {
		s := req.DecidedAt.UTC().Format(time.RFC3339)
		resp.DecidedAt = &s
	}
	return resp
}

// AccessRequestHandler handles the /v1/access-requests endpoints.
type AccessRequestHandler struct {
	service *accessrequest.Service
}

// NewAccessRequestHandler creates a new AccessRequestHandler.
func NewAccessRequestHandler(service *accessrequest.Service) *AccessRequestHandler {
	return &AccessRequestHandler{service: service}
}

// Create handles POST /v1/access-requests. The email defaults to the
// caller's own.
func (h *AccessRequestHandler) Create(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())

	id := middleware.GetIdentity(r.Context())
	if id == nil {
		response.Err(w, http.StatusUnauthorized, "NO_TOKEN", "No token", requestID)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req createAccessRequestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Err(w, http.StatusBadRequest, "INVALID_JSON", "Request body must be valid JSON", requestID)
		return
	}

	if strings.TrimSpace(req.Email) == "" {
		req.Email = id.Email
	}

	fieldErrors := validation.ValidateCreateAccessRequest(validation.CreateAccessRequest{
		Email:         req.Email,
		Name:          req.Name,
		Reason:        req.Reason,
		RequestedRole: req.RequestedRole,
	})
	if strings.TrimSpace(req.Email) == "" {
		fieldErrors = append(fieldErrors, validation.FieldError{Field: "email", Message: "email is required"})
	}
	if len(fieldErrors) > 0 {
		response.ErrWithDetails(w, http.StatusBadRequest, "VALIDATION_ERROR", "Input validation failed", fieldErrors, requestID)
		return
	}

	ar := &accessrequest.AccessRequest{
		RequesterID:   id.SubjectID,
		Email:         strings.TrimSpace(req.Email),
		Name:          strings.TrimSpace(req.Name),
		Reason:        strings.TrimSpace(req.Reason),
		RequestedRole: auth.Role(req.RequestedRole),
	}
	if err := h.service.Create(r.Context(), ar); err != nil {
		slog.Error("failed to create access request", "error", err)
		response.Err(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to create access request", requestID)
		return
	}

	response.Success(w, http.StatusCreated, toAccessRequestResponse(ar), requestID)
}

// List handles GET /v1/access-requests.
func (h *AccessRequestHandler) List(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())

	var filter accessrequest.ListFilter
	if v := r.URL.Query().Get("status"); v != "" {
		if fieldErrors := validation.ValidateAccessRequestStatus(v); len(fieldErrors) > 0 {
			response.ErrWithDetails(w, http.StatusBadRequest, "VALIDATION_ERROR", "Input validation failed", fieldErrors, requestID)
			return
		}
		status := accessrequest.Status(v)
		filter.Status = &status
	}
	if v := r.URL.Query().Get("page"); v != "" {
		page, err := strconv.Atoi(v)
		if err != nil || page < 1 {
			response.Err(w, http.StatusBadRequest, "INVALID_PARAM", "page must be a positive integer", requestID)
			return
		}
		filter.Page = page
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 {
			response.Err(w, http.StatusBadRequest, "INVALID_PARAM", "limit must be a positive integer", requestID)
			return
		}
		filter.Limit = limit
	}

	result, err := h.service.List(r.Context(), filter)
	if err != nil {
		slog.Error("failed to list access requests", "error", err)
		response.Err(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list access requests", requestID)
		return
	}

	items := make([]accessRequestResponse, len(result.Requests))
	for i := range result.Requests {
		items[i] = toAccessRequestResponse(&result.Requests[i])
	}

	response.SuccessList(w, http.StatusOK, items, result.Total, result.Page, result.Limit, requestID)
}

// Get handles GET /v1/access-requests/{id}.
func (h *AccessRequestHandler) Get(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())

	id, ok := parseID(w, r, requestID)
	if !ok {
		return
	}

	req, err := h.service.Get(r.Context(), id)
	if err != nil {
		writeAccessRequestError(w, err, "Failed to get access request", requestID)
		return
	}

	response.Success(w, http.StatusOK, toAccessRequestResponse(req), requestID)
}

// Approve handles POST /v1/access-requests/{id}/approve.
func (h *AccessRequestHandler) Approve(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, true)
}

// Reject handles POST /v1/access-requests/{id}/reject.
func (h *AccessRequestHandler) Reject(w http.ResponseWriter, r *http.Request) {
	h.decide(w, r, false)
}

func (h *AccessRequestHandler) decide(w http.ResponseWriter, r *http.Request, approve bool) {
	requestID := middleware.GetRequestID(r.Context())

	id, ok := parseID(w, r, requestID)
	if !ok {
		return
	}

	var body decideAccessRequestRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !isEmptyBody(err) {
		response.Err(w, http.StatusBadRequest, "INVALID_JSON", "Request body must be valid JSON", requestID)
		return
	}

	decision := accessrequest.Decision{EmailUser: body.EmailUser, RequestID: requestID}
	if actor := middleware.GetIdentity(r.Context()); actor != nil {
		decision.DecidedBy = actor.SubjectID
	}

	var (
		req *accessrequest.AccessRequest
		err error
	)
	if approve {
		req, err = h.service.Approve(r.Context(), id, decision)
	} else {
		req, err = h.service.Reject(r.Context(), id, decision)
	}
	if err != nil {
		writeAccessRequestError(w, err, "Failed to decide access request", requestID)
		return
	}

	response.Success(w, http.StatusOK, toAccessRequestResponse(req), requestID)
}

func writeAccessRequestError(w http.ResponseWriter, err error, msg, requestID string) {
	switch {
	case errors.Is(err, accessrequest.ErrNotFound):
		response.Err(w, http.StatusNotFound, "NOT_FOUND", "Access request not found", requestID)
	case errors.Is(err, accessrequest.ErrAlreadyDecided):
		response.Err(w, http.StatusConflict, "ALREADY_DECIDED", "Access request already decided", requestID)
	default:
		slog.Error(strings.ToLower(msg), "error", err)
		response.Err(w, http.StatusInternalServerError, "INTERNAL_ERROR", msg, requestID)
	}
}

func parseID(w http.ResponseWriter, r *http.Request, requestID string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.Err(w, http.StatusBadRequest, "INVALID_ID", "id must be a valid UUID", requestID)
		return uuid.Nil, false
	}
	return id, true
}
