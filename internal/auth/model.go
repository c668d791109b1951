package auth

import (
	"time"

	"github.com/google/uuid"
)

// Role is a single primary role from a closed set.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleAnalyst  Role = "analyst"
	RoleReviewer Role = "reviewer"
	RoleUser     Role = "user"
	RoleGuest    Role = "guest"
)

// AllRoles lists every valid role.
var AllRoles = []Role{RoleAdmin, RoleAnalyst, RoleReviewer, RoleUser, RoleGuest}

// IsValid reports whether r belongs to the closed role set.
func (r Role) IsValid() bool {
	switch r {
	case RoleAdmin, RoleAnalyst, RoleReviewer, RoleUser, RoleGuest:
		return true
	}
	return false
}

// ParseRole converts s into a Role, rejecting anything outside the closed set.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.IsValid() {
		return "", ErrInvalidRole
	}
	return r, nil
}

// Identity sources.
const (
	SourceLocal     = "local"
	SourceFederated = "federated"
	SourceBypass    = "bypass"
)

// User represents a row in the users table.
type User struct {
	ID               uuid.UUID
	Email            string
	PasswordHash     *string // nil for federated-only users
	FederatedSubject *string // nil until linked to the external IdP
	Role             Role
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Identity is stored in the request context after credential verification.
// Role is always one of the closed set; an identity without a role is never produced.
type Identity struct {
	SubjectID string
	Role      Role
	Email     string
	Source    string
}
