package validation

import (
	"net/mail"
	"strings"
)

const (
	minPasswordLen = 8
	maxPasswordLen = 72 // bcrypt input limit
	maxEmailLen    = 254
)

// CredentialsRequest mirrors the fields of register and login requests.
type CredentialsRequest struct {
	Email    string
	Password string
}

// ValidateRegisterRequest validates a new local account.
func ValidateRegisterRequest(req CredentialsRequest) []FieldError {
	var errs []FieldError

	errs = append(errs, validateEmail("email", req.Email, true)...)

	switch {
	case req.Password == "":
		errs = append(errs, FieldError{Field: "password", Message: "password is required"})
	case len(req.Password) < minPasswordLen:
		errs = append(errs, FieldError{Field: "password", Message: "password must be at least 8 characters"})
	case len(req.Password) > maxPasswordLen:
		errs = append(errs, FieldError{Field: "password", Message: "password must be at most 72 bytes"})
	}

	return errs
}

// ValidateLoginRequest only checks presence; credential errors are reported
// uniformly by the auth service.
func ValidateLoginRequest(req CredentialsRequest) []FieldError {
	var errs []FieldError
	if strings.TrimSpace(req.Email) == "" {
		errs = append(errs, FieldError{Field: "email", Message: "email is required"})
	}
	if req.Password == "" {
		errs = append(errs, FieldError{Field: "password", Message: "password is required"})
	}
	return errs
}

// ValidateExchangeRequest validates a federated token exchange.
func ValidateExchangeRequest(federatedIDToken string) []FieldError {
	if strings.TrimSpace(federatedIDToken) == "" {
		return []FieldError{{Field: "federatedIdToken", Message: "federatedIdToken is required"}}
	}
	return nil
}

func validateEmail(field, email string, required bool) []FieldError {
	email = strings.TrimSpace(email)
	if email == "" {
		if required {
			return []FieldError{{Field: field, Message: field + " is required"}}
		}
		return nil
	}
	if len(email) > maxEmailLen {
		return []FieldError{{Field: field, Message: field + " must be at most 254 characters"}}
	}
	if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email {
		return []FieldError{{Field: field, Message: field + " must be a valid email address"}}
	}
	return nil
}
