package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/ethixai/ethixai/internal/api/response"
	"github.com/ethixai/ethixai/internal/ratelimit"
)

// RateLimit throttles requests per client IP. Limiter errors let the request
// through.
func RateLimit(limiter ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d, err := limiter.Allow(r.Context(), clientIP(r))
			if err != nil {
				slog.Warn("rate limiter unavailable", "error", err)
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			if !d.Allowed {
				w.Header().Set("Retry-After", ratelimit.RetryAfterSeconds(d.RetryAfter))
				response.Err(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests", GetRequestID(r.Context()))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP uses RemoteAddr, which chi's RealIP middleware rewrites from
// trusted proxy headers when installed.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
