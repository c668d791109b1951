// Package federation talks to the external identity provider: it verifies
// federated ID tokens against the provider's published keys and reads and
// writes user records through the provider's admin API.
package federation

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// ErrUnavailable is returned when the identity provider cannot be reached,
// answers with a server error, or its circuit breaker is open.
var ErrUnavailable = errors.New("identity provider unavailable")

// NewBreaker creates the circuit breaker guarding calls to one provider endpoint.
func NewBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
		IsSuccessful: func(err error) bool {
			// Only outages trip the breaker; rejected input and callers
			// that went away do not.
			if err == nil || errors.Is(err, context.Canceled) {
				return true
			}
			return !errors.Is(err, ErrUnavailable)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("identity provider circuit breaker state changed",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})
}

// execute runs fn through cb, translating breaker rejections to ErrUnavailable.
func execute[T any](cb *gobreaker.CircuitBreaker, fn func() (T, error)) (T, error) {
	out, err := cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		var zero T
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, ErrUnavailable
		}
		return zero, err
	}
	return out.(T), nil
}
