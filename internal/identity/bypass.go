//go:build !production

package identity

import (
	"net/http"

	"github.com/ethixai/ethixai/internal/auth"
)

// Test identity override headers.
const (
	TestUserIDHeader   = "X-Test-User-Id"
	TestUserRoleHeader = "X-Test-User-Role"
)

// Bypass resolves every request to a test identity taken from the override
// headers, falling back to a fixed default per missing header.
type Bypass struct {
	subject string
	role    auth.Role
}

func newBypass(cfg BypassConfig) (Strategy, error) {
	subject := cfg.DefaultSubject
	if subject == "" {
		subject = "user123"
	}
	role := cfg.DefaultRole
	if role == "" {
		role = auth.RoleUser
	}
	if !role.IsValid() {
		return nil, auth.ErrInvalidRole
	}
	return &Bypass{subject: subject, role: role}, nil
}

// Resolve implements Strategy. A role header outside the closed role set is
// rejected as an invalid credential.
func (b *Bypass) Resolve(r *http.Request) (auth.Identity, error) {
	id := auth.Identity{
		SubjectID: b.subject,
		Role:      b.role,
		Source:    auth.SourceBypass,
	}

	if s := r.Header.Get(TestUserIDHeader); s != "" {
		id.SubjectID = s
	}
	if s := r.Header.Get(TestUserRoleHeader); s != "" {
		role, err := auth.ParseRole(s)
		if err != nil {
			return auth.Identity{}, auth.ErrInvalidToken
		}
		id.Role = role
	}

	return id, nil
}
