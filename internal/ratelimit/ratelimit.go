// Package ratelimit throttles unauthenticated auth endpoints per client.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Decision is the result of one Allow call.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Limiter decides whether a request identified by key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// Rule is a token bucket: PerMinute tokens are added each minute up to Burst.
type Rule struct {
	PerMinute int
	Burst     int
}

func (r Rule) interval() time.Duration {
	if r.PerMinute <= 0 {
		return time.Minute
	}
	return time.Minute / time.Duration(r.PerMinute)
}

const idleTTL = 10 * time.Minute

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// Local keeps one token bucket per key in process memory.
type Local struct {
	rule Rule
	now  func() time.Time

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
}

// NewLocal creates an in-process limiter.
func NewLocal(rule Rule) *Local {
	return &Local{
		rule:    rule,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

// WithClock overrides the time source.
func (l *Local) WithClock(now func() time.Time) *Local {
	l.now = now
	return l
}

// Allow consumes one token for key if available.
func (l *Local) Allow(_ context.Context, key string) (Decision, error) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.evictIdle(now)

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rate.Every(l.rule.interval()), l.rule.Burst)}
		l.buckets[key] = b
	}
	b.seen = now

	res := b.lim.ReserveN(now, 1)
	if !res.OK() {
		return Decision{RetryAfter: l.rule.interval()}, nil
	}
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return Decision{RetryAfter: delay}, nil
	}
	return Decision{Allowed: true, Remaining: int(b.lim.TokensAt(now))}, nil
}

func (l *Local) evictIdle(now time.Time) {
	if now.Sub(l.lastSweep) < time.Minute {
		return
	}
	l.lastSweep = now
	for k, b := range l.buckets {
		if now.Sub(b.seen) > idleTTL {
			delete(l.buckets, k)
		}
	}
}

// Len returns the number of tracked keys.
func (l *Local) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
