package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/ethixai/ethixai/internal/api/middleware"
	"github.com/ethixai/ethixai/internal/api/response"
)

// DBPinger checks database connectivity. Nil when running on memory stores.
type DBPinger interface {
	Ping(ctx context.Context) error
}

// Breaker reports a circuit breaker's state.
type Breaker interface {
	Name() string
	State() gobreaker.State
}

// HealthHandler handles the GET /health endpoint.
type HealthHandler struct {
	db       DBPinger
	breakers []Breaker
	strategy string
	version  string
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(db DBPinger, breakers []Breaker, strategy, version string) *HealthHandler {
	return &HealthHandler{
		db:       db,
		breakers: breakers,
		strategy: strategy,
		version:  version,
	}
}

type databaseStatus struct {
	Configured bool `json:"configured"`
	Connected  bool `json:"connected"`
}

type healthData struct {
	Status           string            `json:"status"`
	Version          string            `json:"version"`
	IdentityStrategy string            `json:"identityStrategy"`
	Database         databaseStatus    `json:"database"`
	Breakers         map[string]string `json:"breakers"`
}

// ServeHTTP handles the health check request. An open breaker reports
// degraded; an unreachable database answers 503.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())

	data := healthData{
		Status:           "healthy",
		Version:          h.version,
		IdentityStrategy: h.strategy,
		Breakers:         make(map[string]string, len(h.breakers)),
	}
	code := http.StatusOK

	if h.db != nil {
		data.Database.Configured = true
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.db.Ping(ctx); err == nil {
			data.Database.Connected = true
		} else {
			data.Status = "unhealthy"
			code = http.StatusServiceUnavailable
		}
	}

	for _, b := range h.breakers {
		state := b.State()
		data.Breakers[b.Name()] = state.String()
		if state == gobreaker.StateOpen && data.Status == "healthy" {
			data.Status = "degraded"
		}
	}

	response.Success(w, code, data, requestID)
}
