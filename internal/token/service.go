package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethixai/ethixai/internal/audit"
	"github.com/ethixai/ethixai/internal/auth"
)

// RoleResolver returns the current authoritative role of a subject.
type RoleResolver interface {
	CurrentRole(ctx context.Context, subjectID string) (auth.Role, error)
}

// Pair is an access/refresh credential pair.
type Pair struct {
	AccessToken      string    `json:"accessToken"`
	AccessExpiresAt  time.Time `json:"accessExpiresAt"`
	RefreshToken     string    `json:"refreshToken"`
	RefreshExpiresAt time.Time `json:"refreshExpiresAt"`
	TokenType        string    `json:"tokenType"`
}

// Service issues, rotates and revokes credential pairs.
type Service struct {
	signer              *Signer
	store               Store
	roles               RoleResolver
	emitter             audit.Emitter
	refreshTTL          time.Duration
	revokeFamilyOnReuse bool
	now                 func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithRefreshTTL sets the refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
	}
}

// WithRevokeFamilyOnReuse controls whether a detected replay revokes the whole
// rotation chain (true) or only fails the request (false).
func WithRevokeFamilyOnReuse(enabled bool) Option {
	return func(s *Service) { s.revokeFamilyOnReuse = enabled }
}

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
			s.signer = s.signer.WithClock(fn)
		}
	}
}

// NewService creates a token Service.
func NewService(signer *Signer, store Store, roles RoleResolver, emitter audit.Emitter, opts ...Option) *Service {
	if emitter == nil {
		emitter = audit.Nop{}
	}
	s := &Service{
		signer:              signer,
		store:               store,
		roles:               roles,
		emitter:             emitter,
		refreshTTL:          14 * 24 * time.Hour,
		revokeFamilyOnReuse: true,
		now:                 time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// VerifyAccess validates an access token and returns its identity.
func (s *Service) VerifyAccess(raw string) (auth.Identity, error) {
	return s.signer.Verify(raw)
}

// Issue creates a new rotation chain for subject and returns its first pair.
func (s *Service) Issue(ctx context.Context, subjectID string, role auth.Role, deviceLabel string) (*Pair, error) {
	if !role.IsValid() {
		return nil, auth.ErrInvalidRole
	}

	id, raw, hash, err := newRefreshToken()
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	rec := &Record{
		ID:          id,
		SubjectID:   subjectID,
		FamilyID:    id,
		DeviceLabel: deviceLabel,
		TokenHash:   hash,
		IssuedAt:    now,
		ExpiresAt:   now.Add(s.refreshTTL),
	}
	if err := s.store.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("storing refresh token: %w", err)
	}

	return s.pair(subjectID, role, raw, rec.ExpiresAt)
}

// Rotate spends a refresh token and returns a new pair. Presenting a token
// that was already rotated fails with auth.ErrRefreshReuseDetected.
func (s *Service) Rotate(ctx context.Context, raw string) (*Pair, error) {
	rec, err := s.lookup(ctx, raw)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	if rec.WasRotated() {
		return nil, s.reuseDetected(ctx, rec)
	}
	if !rec.Active(now) {
		return nil, auth.ErrRefreshExpiredOrRevoked
	}

	role, err := s.roles.CurrentRole(ctx, rec.SubjectID)
	if err != nil {
		if errors.Is(err, auth.ErrUserNotFound) {
			return nil, auth.ErrRefreshExpiredOrRevoked
		}
		return nil, fmt.Errorf("resolving role: %w", err)
	}

	id, nextRaw, hash, err := newRefreshToken()
	if err != nil {
		return nil, err
	}
	parent := rec.ID
	successor := &Record{
		ID:          id,
		SubjectID:   rec.SubjectID,
		FamilyID:    rec.FamilyID,
		ParentID:    &parent,
		DeviceLabel: rec.DeviceLabel,
		TokenHash:   hash,
		IssuedAt:    now,
		ExpiresAt:   now.Add(s.refreshTTL),
	}

	if err := s.store.Rotate(ctx, rec.ID, successor, now); err != nil {
		if !errors.Is(err, ErrNotActive) {
			return nil, fmt.Errorf("rotating refresh token: %w", err)
		}
		// Lost the race: reload to learn why the token is no longer active.
		current, getErr := s.store.Get(ctx, rec.ID)
		if getErr != nil {
			return nil, fmt.Errorf("reloading refresh token: %w", getErr)
		}
		if current.WasRotated() {
			return nil, s.reuseDetected(ctx, current)
		}
		return nil, auth.ErrRefreshExpiredOrRevoked
	}

	return s.pair(rec.SubjectID, role, nextRaw, successor.ExpiresAt)
}

// Revoke ends the session the refresh token belongs to by revoking its whole
// rotation chain. Revoking an already revoked chain is not an error.
func (s *Service) Revoke(ctx context.Context, raw string) error {
	rec, err := s.lookup(ctx, raw)
	if err != nil {
		return err
	}

	n, err := s.store.RevokeFamily(ctx, rec.FamilyID, ReasonLogout, s.now().UTC())
	if err != nil {
		return fmt.Errorf("revoking session: %w", err)
	}
	slog.Info("refresh session revoked", "subject", rec.SubjectID, "family", rec.FamilyID, "revoked", n)
	return nil
}

// lookup parses raw and loads the matching record, rejecting unknown ids and
// wrong secrets alike.
func (s *Service) lookup(ctx context.Context, raw string) (*Record, error) {
	id, secret, err := parseRefreshToken(raw)
	if err != nil {
		return nil, err
	}

	rec, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, auth.ErrInvalidToken
		}
		return nil, fmt.Errorf("loading refresh token: %w", err)
	}

	if !secretMatches(secret, rec.TokenHash) {
		return nil, auth.ErrInvalidToken
	}
	return rec, nil
}

func (s *Service) reuseDetected(ctx context.Context, rec *Record) error {
	var revoked int64
	if s.revokeFamilyOnReuse {
		n, err := s.store.RevokeFamily(ctx, rec.FamilyID, ReasonReuse, s.now().UTC())
		if err != nil {
			slog.Error("failed to revoke refresh token family after reuse", "family", rec.FamilyID, "error", err)
		}
		revoked = n
	}

	slog.Warn("refresh token reuse detected", "subject", rec.SubjectID, "family", rec.FamilyID)
	_ = s.emitter.Emit(ctx, audit.New(audit.KindRefreshReuseDetected, rec.SubjectID, map[string]any{
		"token_id":       rec.ID.String(),
		"family_id":      rec.FamilyID.String(),
		"family_revoked": s.revokeFamilyOnReuse,
		"revoked_count":  revoked,
	}))
	return auth.ErrRefreshReuseDetected
}

func (s *Service) pair(subjectID string, role auth.Role, refreshRaw string, refreshExp time.Time) (*Pair, error) {
	access, accessExp, err := s.signer.Sign(subjectID, role)
	if err != nil {
		return nil, err
	}
	return &Pair{
		AccessToken:      access,
		AccessExpiresAt:  accessExp,
		RefreshToken:     refreshRaw,
		RefreshExpiresAt: refreshExp,
		TokenType:        "Bearer",
	}, nil
}
