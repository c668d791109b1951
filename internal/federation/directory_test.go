package federation_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethixai/ethixai/internal/federation"
)

func newDirectory(t *testing.T, h http.HandlerFunc) *federation.Directory {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return federation.NewDirectory(federation.DirectoryConfig{
		BaseURL: srv.URL,
		Timeout: time.Second,
	}, federation.NewBreaker("directory-test"))
}

func TestLookupByEmail_Found(t *testing.T) {
	dir := newDirectory(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/accounts:lookup", r.URL.Path)
		var body map[string][]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, []string{"a@example.com"}, body["email"])

		_ = json.NewEncoder(w).Encode(map[string]any{
			"users": []map[string]any{{
				"localId":          "idp-a",
				"email":            "a@example.com",
				"customAttributes": `{"role":"reviewer"}`,
			}},
		})
	})

	u, err := dir.LookupByEmail(context.Background(), "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, "idp-a", u.Subject)
	assert.Equal(t, "reviewer", u.CustomClaims["role"])
}

func TestLookupBySubject_NotFound(t *testing.T) {
	dir := newDirectory(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{})
	})

	_, err := dir.LookupBySubject(context.Background(), "idp-missing")
	assert.ErrorIs(t, err, federation.ErrUserNotFound)
}

func TestSetCustomClaims_SendsRole(t *testing.T) {
	var got map[string]string
	dir := newDirectory(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/accounts:update", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	})

	err := dir.SetCustomClaims(context.Background(), "idp-a", map[string]any{"role": "admin"})
	require.NoError(t, err)
	assert.Equal(t, "idp-a", got["localId"])
	assert.JSONEq(t, `{"role":"admin"}`, got["customAttributes"])
}

func TestDirectory_ErrorClasses(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr error
	}{
		{name: "server error", status: http.StatusInternalServerError, wantErr: federation.ErrUnavailable},
		{name: "throttled", status: http.StatusTooManyRequests, wantErr: federation.ErrUnavailable},
		{name: "bad request", status: http.StatusBadRequest, wantErr: federation.ErrRejected},
		{name: "not found", status: http.StatusNotFound, wantErr: federation.ErrUserNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := newDirectory(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			})
			err := dir.SetCustomClaims(context.Background(), "idp-a", map[string]any{"role": "user"})
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestDirectory_BreakerOpensAfterOutage(t *testing.T) {
	calls := 0
	dir := newDirectory(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	})

	for i := 0; i < 10; i++ {
		err := dir.SetCustomClaims(context.Background(), "idp-a", map[string]any{"role": "user"})
		assert.ErrorIs(t, err, federation.ErrUnavailable)
	}
	assert.Less(t, calls, 10, "open breaker should short-circuit calls")
}

func TestDirectory_ClientCredentials(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"admin-token","token_type":"Bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/accounts:lookup", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer admin-token", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"users": []map[string]any{{"localId": "idp-b", "email": "b@example.com"}},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	dir := federation.NewDirectory(federation.DirectoryConfig{
		BaseURL:      srv.URL,
		ClientID:     "svc",
		ClientSecret: "secret",
		TokenURL:     srv.URL + "/token",
		Timeout:      time.Second,
	}, federation.NewBreaker("directory-cc"))

	u, err := dir.LookupByEmail(context.Background(), "b@example.com")
	require.NoError(t, err)
	assert.Equal(t, "idp-b", u.Subject)
	assert.Empty(t, u.CustomClaims)
}
