package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/ethixai/ethixai/internal/accessrequest"
	"github.com/ethixai/ethixai/internal/api"
	"github.com/ethixai/ethixai/internal/api/handler"
	"github.com/ethixai/ethixai/internal/audit"
	"github.com/ethixai/ethixai/internal/auth"
	"github.com/ethixai/ethixai/internal/claimsync"
	"github.com/ethixai/ethixai/internal/config"
	"github.com/ethixai/ethixai/internal/federation"
	"github.com/ethixai/ethixai/internal/identity"
	"github.com/ethixai/ethixai/internal/notify"
	"github.com/ethixai/ethixai/internal/token"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type stubDirectory struct {
	lookupErr error
}

func (d *stubDirectory) LookupByEmail(_ context.Context, email string) (*federation.DirectoryUser, error) {
	if d.lookupErr != nil {
		return nil, d.lookupErr
	}
	return &federation.DirectoryUser{Subject: "fed-" + email, Email: email}, nil
}

func (d *stubDirectory) LookupBySubject(_ context.Context, subject string) (*federation.DirectoryUser, error) {
	if d.lookupErr != nil {
		return nil, d.lookupErr
	}
	return &federation.DirectoryUser{Subject: subject}, nil
}

func (d *stubDirectory) SetCustomClaims(context.Context, string, map[string]any) error {
	return nil
}

type testApp struct {
	router     http.Handler
	users      *auth.MemoryRepository
	authSvc    *auth.Service
	tokens     *token.Service
	emitter    *audit.Memory
	publisher  *notify.MemoryPublisher
	dispatcher *claimsync.Dispatcher
	registry   *prometheus.Registry
}

type appOptions struct {
	cookies   handler.CookieConfig
	directory claimsync.Directory
	bypass    *identity.BypassConfig
}

func newTestApp(t *testing.T, opts appOptions) *testApp {
	t.Helper()

	users := auth.NewMemoryRepository()
	authSvc := auth.NewService(users, bcrypt.MinCost)
	emitter := &audit.Memory{}
	publisher := &notify.MemoryPublisher{}

	signer := token.NewSigner(testSecret, "ethixai", 15*time.Minute)
	tokens := token.NewService(signer, token.NewMemoryStore(), authSvc, emitter)

	verifier, err := identity.NewVerifier(identity.Options{
		Strategy: config.StrategyLocal,
		Access:   tokens,
		Bypass:   opts.bypass,
	})
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	rec, err := claimsync.NewPrometheusRecorder(reg)
	require.NoError(t, err)
	syncer := claimsync.NewSynchronizer(opts.directory, users, rec, claimsync.Config{MaxAttempts: 1})
	dispatcher := claimsync.NewDispatcher(syncer, claimsync.DispatcherOptions{Workers: 1, QueueSize: 8, Emitter: emitter})
	dispatcher.Start()
	t.Cleanup(func() { _ = dispatcher.Close(context.Background()) })

	arSvc := accessrequest.NewService(accessrequest.NewMemoryRepository(users), dispatcher, emitter, publisher)

	router := api.NewRouter(api.RouterDeps{
		Version:          "test",
		Identity:         verifier,
		IdentityStrategy: verifier.Name(),
		AuthService:      authSvc,
		Tokens:           tokens,
		Cookies:          opts.cookies,
		AccessRequests:   arSvc,
		Scheduler:        dispatcher,
		Emitter:          emitter,
		Metrics:          reg,
	})

	return &testApp{
		router:     router,
		users:      users,
		authSvc:    authSvc,
		tokens:     tokens,
		emitter:    emitter,
		publisher:  publisher,
		dispatcher: dispatcher,
		registry:   reg,
	}
}

func (a *testApp) do(t *testing.T, method, path string, body any, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func bearer(tok string) http.Header {
	return http.Header{"Authorization": []string{"Bearer " + tok}}
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var env map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return env
}

func dataOf(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	return decode(t, w)["data"].(map[string]interface{})
}

func errorOf(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	return decode(t, w)["error"].(map[string]interface{})
}

func (a *testApp) registerAndLogin(t *testing.T, email string, role auth.Role) (userID, access, refresh string) {
	t.Helper()
	w := a.do(t, http.MethodPost, "/auth/register", map[string]string{"email": email, "password": "correct-horse"}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	userID = dataOf(t, w)["id"].(string)

	if role != auth.RoleUser {
		id := uuid.MustParse(userID)
		_, err := a.authSvc.SetRole(context.Background(), id, role)
		require.NoError(t, err)
	}

	w = a.do(t, http.MethodPost, "/auth/login", map[string]string{"email": email, "password": "correct-horse"}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	data := dataOf(t, w)
	return userID, data["accessToken"].(string), data["refreshToken"].(string)
}

func TestScenario_UserDeniedAdminRoute(t *testing.T) {
	app := newTestApp(t, appOptions{})
	userID, access, refresh := app.registerAndLogin(t, "user@example.com", auth.RoleUser)
	assert.NotEmpty(t, refresh)

	w := app.do(t, http.MethodGet, "/v1/access-requests", nil, bearer(access))

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "INSUFFICIENT_ROLE", errorOf(t, w)["code"])

	events := app.emitter.ByKind(audit.KindAuthorizationFailed)
	require.Len(t, events, 1)
	assert.Equal(t, "user", events[0].Payload["actual_role"])
	assert.Equal(t, []string{"admin"}, events[0].Payload["required_roles"])
	assert.Equal(t, userID, events[0].Payload["user_id"])
	assert.Equal(t, "/v1/access-requests", events[0].Payload["route"])
}

func TestScenario_RefreshReuseDetected(t *testing.T) {
	app := newTestApp(t, appOptions{})
	_, _, r1 := app.registerAndLogin(t, "user@example.com", auth.RoleUser)

	w := app.do(t, http.MethodPost, "/auth/refresh", map[string]string{"refreshToken": r1}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	r2 := dataOf(t, w)["refreshToken"].(string)
	assert.NotEqual(t, r1, r2)
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))

	w = app.do(t, http.MethodPost, "/auth/refresh", map[string]string{"refreshToken": r1}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "REFRESH_REUSE_DETECTED", errorOf(t, w)["code"])
	assert.Len(t, app.emitter.ByKind(audit.KindRefreshReuseDetected), 1)

	// The whole family is gone, including the legitimately rotated successor.
	w = app.do(t, http.MethodPost, "/auth/refresh", map[string]string{"refreshToken": r2}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "REFRESH_EXPIRED_OR_REVOKED", errorOf(t, w)["code"])
}

func TestScenario_NoToken(t *testing.T) {
	app := newTestApp(t, appOptions{})

	w := app.do(t, http.MethodGet, "/v1/users/me", nil, nil)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	apiErr := errorOf(t, w)
	assert.Equal(t, "NO_TOKEN", apiErr["code"])
	assert.Equal(t, "No token", apiErr["message"])
}

func TestScenario_InvalidToken(t *testing.T) {
	app := newTestApp(t, appOptions{})

	w := app.do(t, http.MethodGet, "/v1/users/me", nil, bearer("not-a-valid-token"))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	apiErr := errorOf(t, w)
	assert.Equal(t, "INVALID_TOKEN", apiErr["code"])
	assert.Equal(t, "Invalid token", apiErr["message"])
}

func TestScenario_ApproveWithoutEmail(t *testing.T) {
	app := newTestApp(t, appOptions{directory: &stubDirectory{}})
	_, adminAccess, _ := app.registerAndLogin(t, "admin@example.com", auth.RoleAdmin)
	requesterID, userAccess, _ := app.registerAndLogin(t, "user@example.com", auth.RoleUser)

	w := app.do(t, http.MethodPost, "/v1/access-requests", map[string]string{"email": "user@example.com", "reason": "need admin for audit"}, bearer(userAccess))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := dataOf(t, w)
	assert.Equal(t, "pending", created["status"])
	assert.Equal(t, "user@example.com", created["email"])
	assert.Equal(t, requesterID, created["requesterId"])

	w = app.do(t, http.MethodPost, "/v1/access-requests/"+created["id"].(string)+"/approve",
		map[string]bool{"emailUser": false}, bearer(adminAccess))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "approved", dataOf(t, w)["status"])

	require.NoError(t, app.dispatcher.Close(context.Background()))

	u, err := app.users.GetByID(context.Background(), uuid.MustParse(requesterID))
	require.NoError(t, err)
	assert.Equal(t, auth.RoleAdmin, u.Role)

	expected := `
# HELP claims_sync_success_total Role claim pushes to the identity provider that succeeded.
# TYPE claims_sync_success_total counter
claims_sync_success_total 1
`
	assert.NoError(t, testutil.GatherAndCompare(app.registry, strings.NewReader(expected), "claims_sync_success_total"))
	assert.Empty(t, app.publisher.Sent())

	// Deciding again is a conflict and grants nothing new.
	w = app.do(t, http.MethodPost, "/v1/access-requests/"+created["id"].(string)+"/approve", nil, bearer(adminAccess))
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "ALREADY_DECIDED", errorOf(t, w)["code"])
}

func TestRefreshCarriesCurrentRole(t *testing.T) {
	app := newTestApp(t, appOptions{})
	userID, access, refresh := app.registerAndLogin(t, "user@example.com", auth.RoleUser)

	w := app.do(t, http.MethodGet, "/auth/verify", nil, bearer(access))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "user", dataOf(t, w)["role"])

	_, err := app.authSvc.SetRole(context.Background(), uuid.MustParse(userID), auth.RoleAnalyst)
	require.NoError(t, err)

	w = app.do(t, http.MethodPost, "/auth/refresh", map[string]string{"refreshToken": refresh}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	newAccess := dataOf(t, w)["accessToken"].(string)

	w = app.do(t, http.MethodGet, "/auth/verify", nil, bearer(newAccess))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "analyst", dataOf(t, w)["role"])
}

func TestLogoutRevokesSession(t *testing.T) {
	app := newTestApp(t, appOptions{})
	_, _, refresh := app.registerAndLogin(t, "user@example.com", auth.RoleUser)

	w := app.do(t, http.MethodPost, "/auth/logout", map[string]string{"refreshToken": refresh}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = app.do(t, http.MethodPost, "/auth/refresh", map[string]string{"refreshToken": refresh}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "REFRESH_EXPIRED_OR_REVOKED", errorOf(t, w)["code"])

	// Logout without any token still succeeds.
	w = app.do(t, http.MethodPost, "/auth/logout", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCookieMode(t *testing.T) {
	app := newTestApp(t, appOptions{cookies: handler.CookieConfig{Enabled: true, Secure: true}})
	w := app.do(t, http.MethodPost, "/auth/register", map[string]string{"email": "c@example.com", "password": "correct-horse"}, nil)
	require.Equal(t, http.StatusCreated, w.Code)

	w = app.do(t, http.MethodPost, "/auth/login", map[string]string{"email": "c@example.com", "password": "correct-horse"}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	data := dataOf(t, w)
	assert.NotContains(t, data, "accessToken")
	assert.NotContains(t, data, "refreshToken")

	cookies := map[string]*http.Cookie{}
	for _, c := range w.Result().Cookies() {
		cookies[c.Name] = c
	}
	require.Contains(t, cookies, identity.AccessTokenCookie)
	require.Contains(t, cookies, identity.RefreshTokenCookie)
	assert.True(t, cookies[identity.AccessTokenCookie].HttpOnly)
	assert.True(t, cookies[identity.RefreshTokenCookie].Secure)
	assert.Equal(t, http.SameSiteLaxMode, cookies[identity.RefreshTokenCookie].SameSite)

	// Verify with the access cookie only.
	req := httptest.NewRequest(http.MethodGet, "/auth/verify", nil)
	req.AddCookie(cookies[identity.AccessTokenCookie])
	vw := httptest.NewRecorder()
	app.router.ServeHTTP(vw, req)
	require.Equal(t, http.StatusOK, vw.Code)
	assert.Equal(t, "user", dataOf(t, vw)["role"])

	// Refresh with the refresh cookie only.
	req = httptest.NewRequest(http.MethodPost, "/auth/refresh", nil)
	req.AddCookie(cookies[identity.RefreshTokenCookie])
	rw := httptest.NewRecorder()
	app.router.ServeHTTP(rw, req)
	require.Equal(t, http.StatusOK, rw.Code, rw.Body.String())

	var rotated *http.Cookie
	for _, c := range rw.Result().Cookies() {
		if c.Name == identity.RefreshTokenCookie {
			rotated = c
		}
	}
	require.NotNil(t, rotated)
	assert.NotEqual(t, cookies[identity.RefreshTokenCookie].Value, rotated.Value)
}

func TestAdminUpdatesRoleAndSchedulesSync(t *testing.T) {
	app := newTestApp(t, appOptions{})
	_, adminAccess, _ := app.registerAndLogin(t, "admin@example.com", auth.RoleAdmin)
	userID, _, _ := app.registerAndLogin(t, "user@example.com", auth.RoleUser)

	w := app.do(t, http.MethodPatch, "/v1/users/"+userID+"/role", map[string]string{"role": "reviewer"}, bearer(adminAccess))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "reviewer", dataOf(t, w)["role"])

	require.NoError(t, app.dispatcher.Close(context.Background()))

	assert.Len(t, app.emitter.ByKind(audit.KindUserRoleUpdated), 1)
	// No directory configured: the push is recorded as not_configured.
	failures := app.emitter.ByKind(audit.KindClaimsSyncFailed)
	require.Len(t, failures, 1)
	assert.Equal(t, claimsync.ReasonNotConfigured, failures[0].Payload["reason"])
}

func TestAdminPromotesByEmail(t *testing.T) {
	app := newTestApp(t, appOptions{directory: &stubDirectory{}})
	_, adminAccess, _ := app.registerAndLogin(t, "admin@example.com", auth.RoleAdmin)
	_, userAccess, _ := app.registerAndLogin(t, "user@example.com", auth.RoleUser)

	body := map[string]string{"email": "lead@example.com", "role": "reviewer"}

	w := app.do(t, http.MethodPost, "/v1/users/promote", body, bearer(userAccess))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "INSUFFICIENT_ROLE", errorOf(t, w)["code"])

	w = app.do(t, http.MethodPost, "/v1/users/promote", body, bearer(adminAccess))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	data := dataOf(t, w)
	assert.Equal(t, "scheduled", data["claimsSync"])
	promoted := data["user"].(map[string]interface{})
	assert.Equal(t, "reviewer", promoted["role"])

	require.NoError(t, app.dispatcher.Close(context.Background()))

	u, err := app.users.GetByEmail(context.Background(), "lead@example.com")
	require.NoError(t, err)
	assert.Equal(t, auth.RoleReviewer, u.Role)
	assert.Equal(t, promoted["id"], u.ID.String())

	assert.Len(t, app.emitter.ByKind(audit.KindUserPromoted), 1)
	expected := `
# HELP claims_sync_success_total Role claim pushes to the identity provider that succeeded.
# TYPE claims_sync_success_total counter
claims_sync_success_total 1
`
	assert.NoError(t, testutil.GatherAndCompare(app.registry, strings.NewReader(expected), "claims_sync_success_total"))
}

func TestHealthAndMetrics(t *testing.T) {
	app := newTestApp(t, appOptions{})

	w := app.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	data := dataOf(t, w)
	assert.Equal(t, "healthy", data["status"])
	assert.Equal(t, "local", data["identityStrategy"])

	w = app.do(t, http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "claims_sync_success_total")
}
