package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ethixai/ethixai/internal/accessrequest"
	"github.com/ethixai/ethixai/internal/api/handler"
	"github.com/ethixai/ethixai/internal/api/middleware"
	"github.com/ethixai/ethixai/internal/audit"
	"github.com/ethixai/ethixai/internal/auth"
	"github.com/ethixai/ethixai/internal/ratelimit"
	"github.com/ethixai/ethixai/internal/token"
)

// RouterDeps holds all dependencies needed by the router.
type RouterDeps struct {
	Version  string
	DBPinger handler.DBPinger
	Breakers []handler.Breaker

	Identity         middleware.IdentityResolver
	IdentityStrategy string
	AuthService      *auth.Service
	Tokens           *token.Service
	Federated        handler.IDTokenVerifier
	Cookies          handler.CookieConfig

	AccessRequests *accessrequest.Service
	Scheduler      handler.SyncScheduler
	Emitter        audit.Emitter
	Limiter        ratelimit.Limiter
	Metrics        prometheus.Gatherer
}

// NewRouter creates and configures a Chi router with all middleware and routes.
func NewRouter(deps RouterDeps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery)
	r.Use(chimiddleware.Logger)

	healthHandler := handler.NewHealthHandler(deps.DBPinger, deps.Breakers, deps.IdentityStrategy, deps.Version)
	r.Get("/health", healthHandler.ServeHTTP)

	if deps.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Metrics, promhttp.HandlerOpts{}))
	}

	authn := middleware.Auth(deps.Identity)
	adminOnly := middleware.RequireRole(deps.Emitter, auth.RoleAdmin)

	throttle := func(next http.Handler) http.Handler { return next }
	if deps.Limiter != nil {
		throttle = middleware.RateLimit(deps.Limiter)
	}

	authHandler := handler.NewAuthHandler(deps.AuthService, deps.Tokens, deps.Federated, deps.Cookies)
	r.Route("/auth", func(r chi.Router) {
		r.With(throttle).Post("/register", authHandler.Register)
		r.With(throttle).Post("/login", authHandler.Login)
		r.With(throttle).Post("/refresh", authHandler.Refresh)
		r.With(throttle).Post("/federated/exchange", authHandler.Exchange)
		r.Post("/logout", authHandler.Logout)
		r.With(authn).Get("/verify", authHandler.Verify)
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(authn)

		userHandler := handler.NewUserHandler(deps.AuthService, deps.Scheduler, deps.Emitter)
		r.Get("/users/me", userHandler.Me)
		r.With(adminOnly).Post("/users/promote", userHandler.Promote)
		r.With(adminOnly).Patch("/users/{id}/role", userHandler.UpdateRole)

		arHandler := handler.NewAccessRequestHandler(deps.AccessRequests)
		r.Post("/access-requests", arHandler.Create)
		r.With(adminOnly).Get("/access-requests", arHandler.List)
		r.With(adminOnly).Get("/access-requests/{id}", arHandler.Get)
		r.With(adminOnly).Post("/access-requests/{id}/approve", arHandler.Approve)
		r.With(adminOnly).Post("/access-requests/{id}/reject", arHandler.Reject)
	})

	return r
}
