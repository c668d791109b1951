package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/ethixai/ethixai/internal/api/middleware"
	"github.com/ethixai/ethixai/internal/audit"
	"github.com/ethixai/ethixai/internal/auth"
	"github.com/ethixai/ethixai/internal/token"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type fixture struct {
	users   *auth.MemoryRepository
	authSvc *auth.Service
	tokens  *token.Service
	store   *token.MemoryStore
	emitter *audit.Memory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	users := auth.NewMemoryRepository()
	authSvc := auth.NewService(users, bcrypt.MinCost)
	emitter := &audit.Memory{}
	signer := token.NewSigner(testSecret, "ethixai", 15*time.Minute)
	store := token.NewMemoryStore()
	return &fixture{
		users:   users,
		authSvc: authSvc,
		tokens:  token.NewService(signer, store, authSvc, emitter),
		store:   store,
		emitter: emitter,
	}
}

func (f *fixture) register(t *testing.T, email string, role auth.Role) *auth.User {
	t.Helper()
	u, err := f.authSvc.Register(context.Background(), email, "correct-horse")
	require.NoError(t, err)
	if role != auth.RoleUser {
		u, err = f.authSvc.SetRole(context.Background(), u.ID, role)
		require.NoError(t, err)
	}
	return u
}

func jsonBody(t *testing.T, v any) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(v))
	return &buf
}

// withIdentity attaches an identity the way the Auth middleware would.
func withIdentity(req *http.Request, id auth.Identity) *http.Request {
	return req.WithContext(middleware.WithIdentity(req.Context(), &id))
}

// withURLParam routes a single chi URL parameter into the request.
func withURLParam(req *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

func parseEnvelope(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var env map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return env
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	apiErr, ok := parseEnvelope(t, w)["error"].(map[string]interface{})
	require.True(t, ok, "expected error envelope, got %s", w.Body.String())
	return apiErr["code"].(string)
}
