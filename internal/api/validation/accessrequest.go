package validation

import (
	"strings"

	"github.com/ethixai/ethixai/internal/auth"
)

const (
	minReasonLen = 5
	maxReasonLen = 2000
	maxNameLen   = 255
)

// CreateAccessRequest mirrors the fields of a new access request.
type CreateAccessRequest struct {
	Email         string
	Name          string
	Reason        string
	RequestedRole string
}

// ValidateCreateAccessRequest validates a new access request. Email may be
// empty when the caller's identity supplies it.
func ValidateCreateAccessRequest(req CreateAccessRequest) []FieldError {
	var errs []FieldError

	errs = append(errs, validateEmail("email", req.Email, false)...)

	if len(strings.TrimSpace(req.Name)) > maxNameLen {
		errs = append(errs, FieldError{Field: "name", Message: "name must be at most 255 characters"})
	}

	reason := strings.TrimSpace(req.Reason)
	switch {
	case reason == "":
		errs = append(errs, FieldError{Field: "reason", Message: "reason is required"})
	case len(reason) < minReasonLen:
		errs = append(errs, FieldError{Field: "reason", Message: "reason must be at least 5 characters"})
	case len(reason) > maxReasonLen:
		errs = append(errs, FieldError{Field: "reason", Message: "reason must be at most 2000 characters"})
	}

	if req.RequestedRole != "" {
		if _, err := auth.ParseRole(req.RequestedRole); err != nil {
			errs = append(errs, roleError("requestedRole"))
		}
	}

	return errs
}

// ValidateAccessRequestStatus validates an optional status filter.
func ValidateAccessRequestStatus(status string) []FieldError {
	switch status {
	case "", "pending", "approved", "rejected":
		return nil
	}
	return []FieldError{{Field: "status", Message: "status must be one of: pending, approved, rejected"}}
}

func roleError(field string) FieldError {
	names := make([]string, len(auth.AllRoles))
	for i, r := range auth.AllRoles {
		names[i] = string(r)
	}
	return FieldError{Field: field, Message: field + " must be one of: " + strings.Join(names, ", ")}
}
