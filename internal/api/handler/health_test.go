package handler_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"

	"github.com/ethixai/ethixai/internal/api/handler"
)

type mockPinger struct {
	err error
}

func (m *mockPinger) Ping(_ context.Context) error { return m.err }

type mockBreaker struct {
	name  string
	state gobreaker.State
}

func (m *mockBreaker) Name() string           { return m.name }
func (m *mockBreaker) State() gobreaker.State { return m.state }

func serveHealth(h *handler.HealthHandler) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealthHandler_Healthy(t *testing.T) {
	// Arrange
	h := handler.NewHealthHandler(&mockPinger{}, []handler.Breaker{
		&mockBreaker{name: "jwks", state: gobreaker.StateClosed},
	}, "federated", "0.1.0")

	// Act
	w := serveHealth(h)

	// Assert
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	env := parseEnvelope(t, w)
	data := env["data"].(map[string]interface{})
	assert.Equal(t, "healthy", data["status"])
	assert.Equal(t, "0.1.0", data["version"])
	assert.Equal(t, "federated", data["identityStrategy"])

	db := data["database"].(map[string]interface{})
	assert.Equal(t, true, db["configured"])
	assert.Equal(t, true, db["connected"])

	breakers := data["breakers"].(map[string]interface{})
	assert.Equal(t, "closed", breakers["jwks"])

	assert.Nil(t, env["error"])
	assert.NotNil(t, env["meta"])
}

func TestHealthHandler_DegradedOnOpenBreaker(t *testing.T) {
	h := handler.NewHealthHandler(&mockPinger{}, []handler.Breaker{
		&mockBreaker{name: "jwks", state: gobreaker.StateClosed},
		&mockBreaker{name: "directory", state: gobreaker.StateOpen},
	}, "federated", "0.1.0")

	w := serveHealth(h)

	assert.Equal(t, http.StatusOK, w.Code)
	data := parseEnvelope(t, w)["data"].(map[string]interface{})
	assert.Equal(t, "degraded", data["status"])
	assert.Equal(t, "open", data["breakers"].(map[string]interface{})["directory"])
}

func TestHealthHandler_UnhealthyWhenDatabaseDown(t *testing.T) {
	h := handler.NewHealthHandler(&mockPinger{err: errors.New("connection refused")}, []handler.Breaker{
		&mockBreaker{name: "jwks", state: gobreaker.StateOpen},
	}, "local", "0.1.0")

	w := serveHealth(h)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	data := parseEnvelope(t, w)["data"].(map[string]interface{})
	assert.Equal(t, "unhealthy", data["status"])
	db := data["database"].(map[string]interface{})
	assert.Equal(t, true, db["configured"])
	assert.Equal(t, false, db["connected"])
}

func TestHealthHandler_MemoryBackend(t *testing.T) {
	h := handler.NewHealthHandler(nil, nil, "local", "dev")

	w := serveHealth(h)

	assert.Equal(t, http.StatusOK, w.Code)
	data := parseEnvelope(t, w)["data"].(map[string]interface{})
	assert.Equal(t, "healthy", data["status"])
	assert.Equal(t, "dev", data["version"])
	assert.Equal(t, false, data["database"].(map[string]interface{})["configured"])
}

func TestHealthHandler_ResponseEnvelopeStructure(t *testing.T) {
	h := handler.NewHealthHandler(&mockPinger{}, nil, "local", "0.1.0")

	w := serveHealth(h)

	env := parseEnvelope(t, w)
	assert.Contains(t, env, "data")
	assert.Contains(t, env, "error")
	assert.Contains(t, env, "meta")

	meta := env["meta"].(map[string]interface{})
	assert.Contains(t, meta, "requestId")
	assert.Contains(t, meta, "timestamp")

	data := env["data"].(map[string]interface{})
	for _, key := range []string{"status", "version", "identityStrategy", "database", "breakers"} {
		assert.Contains(t, data, key)
	}
}
