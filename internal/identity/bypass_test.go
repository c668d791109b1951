//go:build !production

package identity_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethixai/ethixai/internal/auth"
	"github.com/ethixai/ethixai/internal/config"
	"github.com/ethixai/ethixai/internal/identity"
)

func bypassVerifier(t *testing.T) *identity.Verifier {
	t.Helper()
	v, err := identity.NewVerifier(identity.Options{
		Strategy: config.StrategyLocal,
		Access:   signerVerifier{newSigner()},
		Bypass:   &identity.BypassConfig{DefaultSubject: "user123", DefaultRole: auth.RoleUser},
	})
	require.NoError(t, err)
	return v
}

func TestBypass_HeadersUsedVerbatim(t *testing.T) {
	v := bypassVerifier(t)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(identity.TestUserIDHeader, "abc")
	req.Header.Set(identity.TestUserRoleHeader, "analyst")

	id, err := v.Resolve(req)
	require.NoError(t, err)
	assert.Equal(t, "abc", id.SubjectID)
	assert.Equal(t, auth.RoleAnalyst, id.Role)
	assert.Equal(t, auth.SourceBypass, id.Source)
	assert.Equal(t, "local+bypass", v.Name())
}

func TestBypass_DefaultIdentity(t *testing.T) {
	v := bypassVerifier(t)

	id, err := v.Resolve(httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)
	assert.Equal(t, "user123", id.SubjectID)
	assert.Equal(t, auth.RoleUser, id.Role)
}

func TestBypass_WinsOverBearer(t *testing.T) {
	v := bypassVerifier(t)
	raw, _, err := newSigner().Sign("real-user", auth.RoleGuest)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+raw)
	req.Header.Set(identity.TestUserIDHeader, "test-user")
	req.Header.Set(identity.TestUserRoleHeader, "admin")

	id, err := v.Resolve(req)
	require.NoError(t, err)
	assert.Equal(t, "test-user", id.SubjectID)
	assert.Equal(t, auth.RoleAdmin, id.Role)
}

func TestBypass_InvalidRoleHeader(t *testing.T) {
	v := bypassVerifier(t)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(identity.TestUserRoleHeader, "superadmin")

	_, err := v.Resolve(req)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestBypass_InvalidDefaultRole(t *testing.T) {
	_, err := identity.NewVerifier(identity.Options{
		Strategy: config.StrategyLocal,
		Access:   signerVerifier{newSigner()},
		Bypass:   &identity.BypassConfig{DefaultRole: auth.Role("root")},
	})
	assert.ErrorIs(t, err, auth.ErrInvalidRole)
}
