package token

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically marks expired refresh tokens revoked so the active
// set only contains usable tokens.
type Sweeper struct {
	store    Store
	interval time.Duration
	now      func() time.Time
}

// NewSweeper creates a new Sweeper.
func NewSweeper(store Store, interval time.Duration) *Sweeper {
	return &Sweeper{
		store:    store,
		interval: interval,
		now:      time.Now,
	}
}

// Start begins the sweep loop. It blocks until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	slog.Info("token sweeper started", "interval", s.interval.String())
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("token sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass and returns the number of tokens revoked.
func (s *Sweeper) Sweep(ctx context.Context) int64 {
	n, err := s.store.SweepExpired(ctx, s.now().UTC())
	if err != nil {
		slog.Error("token sweeper: failed to sweep expired tokens", "error", err)
		return 0
	}
	if n > 0 {
		slog.Info("token sweeper: expired refresh tokens revoked", "count", n)
	}
	return n
}
