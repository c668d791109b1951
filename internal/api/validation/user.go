package validation

import (
	"github.com/ethixai/ethixai/internal/auth"
)

// ValidatePromoteRequest validates a promote-by-email request.
func ValidatePromoteRequest(email, role string) []FieldError {
	errs := validateEmail("email", email, true)
	return append(errs, ValidateUpdateRoleRequest(role)...)
}

// ValidateUpdateRoleRequest validates a role change.
func ValidateUpdateRoleRequest(role string) []FieldError {
	if role == "" {
		return []FieldError{{Field: "role", Message: "role is required"}}
	}
	if _, err := auth.ParseRole(role); err != nil {
		return []FieldError{roleError("role")}
	}
	return nil
}
