package identity_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethixai/ethixai/internal/auth"
	"github.com/ethixai/ethixai/internal/config"
	"github.com/ethixai/ethixai/internal/federation"
	"github.com/ethixai/ethixai/internal/identity"
	"github.com/ethixai/ethixai/internal/token"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// --- Mocks ---

type mockFederated struct {
	verifyFn func(ctx context.Context, raw string) (federation.Identity, error)
}

func (m *mockFederated) Verify(ctx context.Context, raw string) (federation.Identity, error) {
	return m.verifyFn(ctx, raw)
}

type mockUsers struct {
	getByFederatedSubjectFn func(ctx context.Context, subject string) (*auth.User, error)
}

func (m *mockUsers) GetByFederatedSubject(ctx context.Context, subject string) (*auth.User, error) {
	if m.getByFederatedSubjectFn != nil {
		return m.getByFederatedSubjectFn(ctx, subject)
	}
	return nil, auth.ErrUserNotFound
}

func newSigner() *token.Signer {
	return token.NewSigner(testSecret, "ethixai", 15*time.Minute)
}

type signerVerifier struct{ *token.Signer }

func (s signerVerifier) VerifyAccess(raw string) (auth.Identity, error) { return s.Verify(raw) }

func localVerifier(t *testing.T) (*identity.Verifier, *token.Signer) {
	t.Helper()
	signer := newSigner()
	v, err := identity.NewVerifier(identity.Options{
		Strategy: config.StrategyLocal,
		Access:   signerVerifier{signer},
	})
	require.NoError(t, err)
	return v, signer
}

func TestLocal_ResolutionOrder(t *testing.T) {
	v, signer := localVerifier(t)

	userToken, _, err := signer.Sign("u-bearer", auth.RoleUser)
	require.NoError(t, err)
	adminToken, _, err := signer.Sign("u-cookie", auth.RoleAdmin)
	require.NoError(t, err)

	tests := []struct {
		name        string
		header      string
		cookie      string
		wantSubject string
		wantErr     error
	}{
		{name: "bearer", header: "Bearer " + userToken, wantSubject: "u-bearer"},
		{name: "bearer scheme is case-insensitive", header: "bearer " + userToken, wantSubject: "u-bearer"},
		{name: "cookie", cookie: adminToken, wantSubject: "u-cookie"},
		{name: "bearer wins over cookie", header: "Bearer " + userToken, cookie: adminToken, wantSubject: "u-bearer"},
		{name: "invalid bearer does not fall back to cookie", header: "Bearer not-a-valid-token", cookie: adminToken, wantErr: auth.ErrInvalidToken},
		{name: "empty bearer", header: "Bearer ", wantErr: auth.ErrInvalidToken},
		{name: "invalid cookie", cookie: "garbage", wantErr: auth.ErrInvalidToken},
		{name: "other scheme is ignored", header: "Basic dXNlcjpwYXNz", wantErr: auth.ErrNoToken},
		{name: "nothing", wantErr: auth.ErrNoToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: identity.AccessTokenCookie, Value: tt.cookie})
			}

			id, err := v.Resolve(req)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantSubject, id.SubjectID)
		})
	}
}

func TestLocal_BypassHeadersIgnoredWhenDisabled(t *testing.T) {
	v, _ := localVerifier(t)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Test-User-Id", "intruder")
	req.Header.Set("X-Test-User-Role", "admin")

	_, err := v.Resolve(req)
	assert.ErrorIs(t, err, auth.ErrNoToken)
}

func TestFederated_LocalRoleWins(t *testing.T) {
	localID := uuid.New()
	fed := &mockFederated{verifyFn: func(_ context.Context, raw string) (federation.Identity, error) {
		assert.Equal(t, "id-token", raw)
		return federation.Identity{Subject: "idp-1", Email: "a@example.com", Role: "admin"}, nil
	}}
	users := &mockUsers{getByFederatedSubjectFn: func(_ context.Context, subject string) (*auth.User, error) {
		return &auth.User{ID: localID, Email: "a@example.com", Role: auth.RoleAnalyst}, nil
	}}

	v, err := identity.NewVerifier(identity.Options{Strategy: config.StrategyFederated, Federated: fed, Users: users})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer id-token")

	id, err := v.Resolve(req)
	require.NoError(t, err)
	assert.Equal(t, localID.String(), id.SubjectID)
	assert.Equal(t, auth.RoleAnalyst, id.Role)
	assert.Equal(t, auth.SourceFederated, id.Source)
}

func TestFederated_ClaimRoleWhenNoLocalUser(t *testing.T) {
	fed := &mockFederated{verifyFn: func(context.Context, string) (federation.Identity, error) {
		return federation.Identity{Subject: "idp-2", Role: "reviewer"}, nil
	}}
	v, err := identity.NewVerifier(identity.Options{Strategy: config.StrategyFederated, Federated: fed, Users: &mockUsers{}})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: identity.AccessTokenCookie, Value: "id-token"})

	id, err := v.Resolve(req)
	require.NoError(t, err)
	assert.Equal(t, "idp-2", id.SubjectID)
	assert.Equal(t, auth.RoleReviewer, id.Role)
}

func TestFederated_FailsClosed(t *testing.T) {
	tests := []struct {
		name    string
		fed     federation.Identity
		fedErr  error
		userErr error
		wantErr error
	}{
		{
			name:    "verification error surfaces as-is",
			fedErr:  auth.ErrFederatedVerificationFailed,
			wantErr: auth.ErrFederatedVerificationFailed,
		},
		{
			name:    "no local user and no role claim",
			fed:     federation.Identity{Subject: "idp-3"},
			wantErr: auth.ErrFederatedVerificationFailed,
		},
		{
			name:    "no local user and unknown role claim",
			fed:     federation.Identity{Subject: "idp-3", Role: "root"},
			wantErr: auth.ErrFederatedVerificationFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fed := &mockFederated{verifyFn: func(context.Context, string) (federation.Identity, error) {
				return tt.fed, tt.fedErr
			}}
			v, err := identity.NewVerifier(identity.Options{Strategy: config.StrategyFederated, Federated: fed, Users: &mockUsers{}})
			require.NoError(t, err)

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("Authorization", "Bearer id-token")

			_, err = v.Resolve(req)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestFederated_NoLocalFallback(t *testing.T) {
	signer := newSigner()
	localToken, _, err := signer.Sign("u-1", auth.RoleAdmin)
	require.NoError(t, err)

	fed := &mockFederated{verifyFn: func(context.Context, string) (federation.Identity, error) {
		return federation.Identity{}, errors.Join(auth.ErrFederatedVerificationFailed, errors.New("bad signature"))
	}}
	v, err := identity.NewVerifier(identity.Options{
		Strategy:  config.StrategyFederated,
		Federated: fed,
		Users:     &mockUsers{},
		Access:    signerVerifier{signer},
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+localToken)

	_, err = v.Resolve(req)
	assert.ErrorIs(t, err, auth.ErrFederatedVerificationFailed)
}

func TestFederated_NoToken(t *testing.T) {
	fed := &mockFederated{verifyFn: func(context.Context, string) (federation.Identity, error) {
		t.Fatal("verifier must not be called without a credential")
		return federation.Identity{}, nil
	}}
	v, err := identity.NewVerifier(identity.Options{Strategy: config.StrategyFederated, Federated: fed, Users: &mockUsers{}})
	require.NoError(t, err)

	_, err = v.Resolve(httptest.NewRequest(http.MethodGet, "/", nil))
	assert.ErrorIs(t, err, auth.ErrNoToken)
}

func TestNewVerifier_Validation(t *testing.T) {
	_, err := identity.NewVerifier(identity.Options{Strategy: "firebase"})
	assert.Error(t, err)

	_, err = identity.NewVerifier(identity.Options{Strategy: config.StrategyLocal})
	assert.Error(t, err)

	_, err = identity.NewVerifier(identity.Options{Strategy: config.StrategyFederated})
	assert.Error(t, err)

	_, err = identity.NewVerifier(identity.Options{
		Strategy:   config.StrategyLocal,
		Access:     signerVerifier{newSigner()},
		Production: true,
		Bypass:     &identity.BypassConfig{},
	})
	assert.ErrorIs(t, err, identity.ErrBypassUnavailable)
}
