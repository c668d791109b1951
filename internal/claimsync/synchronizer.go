package claimsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/ethixai/ethixai/internal/auth"
	"github.com/ethixai/ethixai/internal/federation"
)

// Directory is the identity provider's user admin API.
type Directory interface {
	LookupByEmail(ctx context.Context, email string) (*federation.DirectoryUser, error)
	LookupBySubject(ctx context.Context, subject string) (*federation.DirectoryUser, error)
	SetCustomClaims(ctx context.Context, subject string, claims map[string]any) error
}

// Users is the local user store.
type Users interface {
	GetByID(ctx context.Context, id uuid.UUID) (*auth.User, error)
	LinkFederatedSubject(ctx context.Context, id uuid.UUID, subject string) error
}

// Synchronizer pushes a user's role to the identity provider.
type Synchronizer struct {
	dir            Directory
	users          Users
	recorder       Recorder
	maxAttempts    uint
	attemptTimeout time.Duration
	initialBackoff time.Duration
}

// Config tunes retry behaviour.
type Config struct {
	MaxAttempts    int
	AttemptTimeout time.Duration
	InitialBackoff time.Duration
}

// NewSynchronizer creates a Synchronizer. A nil dir makes every call fail
// with ReasonNotConfigured.
func NewSynchronizer(dir Directory, users Users, recorder Recorder, cfg Config) *Synchronizer {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 3
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 3 * time.Second
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 200 * time.Millisecond
	}
	return &Synchronizer{
		dir:            dir,
		users:          users,
		recorder:       recorder,
		maxAttempts:    uint(cfg.MaxAttempts),
		attemptTimeout: cfg.AttemptTimeout,
		initialBackoff: cfg.InitialBackoff,
	}
}

// Sync sets the provider-side role claim of the local user userID to role.
// Every call records exactly one outcome.
func (s *Synchronizer) Sync(ctx context.Context, userID uuid.UUID, role auth.Role) Outcome {
	outcome := s.sync(ctx, userID, role)
	s.Record(outcome)
	return outcome
}

// Record counts an outcome produced outside Sync, such as a job dropped
// before it ran.
func (s *Synchronizer) Record(o Outcome) {
	if o.Success {
		s.recorder.RecordSuccess()
		return
	}
	s.recorder.RecordFailure(o.Reason)
}

func (s *Synchronizer) sync(ctx context.Context, userID uuid.UUID, role auth.Role) Outcome {
	if s.dir == nil {
		return Outcome{Reason: ReasonNotConfigured}
	}

	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			return Outcome{Reason: ReasonLocalUserNotFound}
		}
		slog.Error("claims sync: failed to load local user", "userId", userID, "error", err)
		return Outcome{Reason: ReasonPushFailed}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.initialBackoff

	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, s.attempt(ctx, u, role)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(s.maxAttempts))
	if err != nil {
		reason := classify(ctx, err)
		slog.Warn("claims sync failed", "userId", userID, "role", role, "reason", reason, "error", err)
		return Outcome{Reason: reason}
	}

	slog.Info("claims sync succeeded", "userId", userID, "role", role)
	return Outcome{Success: true}
}

// attempt performs one correlate-and-push round. Only provider outages are
// retried.
func (s *Synchronizer) attempt(parent context.Context, u *auth.User, role auth.Role) error {
	ctx, cancel := context.WithTimeout(parent, s.attemptTimeout)
	defer cancel()

	du, err := s.correlate(ctx, u)
	if err == nil {
		claims := maps.Clone(du.CustomClaims)
		if claims == nil {
			claims = map[string]any{}
		}
		claims["role"] = string(role)
		err = s.dir.SetCustomClaims(ctx, du.Subject, claims)
	}

	if err == nil {
		return nil
	}
	if errors.Is(err, federation.ErrUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return backoff.Permanent(err)
}

// correlate finds the provider record by the stored subject, falling back to
// email and backfilling the local link when found that way.
func (s *Synchronizer) correlate(ctx context.Context, u *auth.User) (*federation.DirectoryUser, error) {
	if u.FederatedSubject != nil {
		du, err := s.dir.LookupBySubject(ctx, *u.FederatedSubject)
		if err == nil || !errors.Is(err, federation.ErrUserNotFound) {
			return du, err
		}
	}

	du, err := s.dir.LookupByEmail(ctx, u.Email)
	if err != nil {
		return nil, err
	}

	if u.FederatedSubject == nil {
		if err := s.users.LinkFederatedSubject(ctx, u.ID, du.Subject); err != nil {
			slog.Warn("claims sync: failed to backfill federated subject", "userId", u.ID, "error", err)
		} else {
			subject := du.Subject
			u.FederatedSubject = &subject
		}
	}
	return du, nil
}

func classify(ctx context.Context, err error) string {
	switch {
	case errors.Is(err, federation.ErrUserNotFound):
		return ReasonUserNotFoundInFederation
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return ReasonTimeout
	case errors.Is(err, federation.ErrUnavailable):
		return ReasonFederationUnavailable
	default:
		return ReasonPushFailed
	}
}

// String implements fmt.Stringer for log output.
func (o Outcome) String() string {
	if o.Success {
		return "success"
	}
	return fmt.Sprintf("failure(%s)", o.Reason)
}
