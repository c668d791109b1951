package token

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ethixai/ethixai/internal/auth"
)

// Revocation reasons recorded on refresh tokens.
const (
	ReasonRotated = "rotated"
	ReasonLogout  = "logout"
	ReasonReuse   = "reuse"
	ReasonExpired = "expired"
)

// Record is the server-side state of a refresh token. Records are never
// mutated except to set the revocation fields.
type Record struct {
	ID            uuid.UUID
	SubjectID     string
	FamilyID      uuid.UUID  // root of the rotation chain
	ParentID      *uuid.UUID // token this one was rotated from
	DeviceLabel   string
	TokenHash     string
	IssuedAt      time.Time
	ExpiresAt     time.Time
	RevokedAt     *time.Time
	RevokedReason string
}

// Active reports whether the token is unrevoked and unexpired at now.
func (r *Record) Active(now time.Time) bool {
	return r.RevokedAt == nil && now.Before(r.ExpiresAt)
}

// WasRotated reports whether the token was spent by a rotation, meaning any
// further presentation is a replay. Tokens torn down with their family are
// merely revoked.
func (r *Record) WasRotated() bool {
	return r.RevokedAt != nil && r.RevokedReason == ReasonRotated
}

// newRefreshToken generates the wire value "<id>.<secret>" and its stored hash.
func newRefreshToken() (uuid.UUID, string, string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return uuid.Nil, "", "", fmt.Errorf("generating refresh secret: %w", err)
	}
	id := uuid.New()
	secret := base64.RawURLEncoding.EncodeToString(b)
	return id, id.String() + "." + secret, hashSecret(secret), nil
}

func parseRefreshToken(raw string) (uuid.UUID, string, error) {
	idPart, secret, ok := strings.Cut(strings.TrimSpace(raw), ".")
	if !ok || secret == "" {
		return uuid.Nil, "", auth.ErrInvalidToken
	}
	id, err := uuid.Parse(idPart)
	if err != nil {
		return uuid.Nil, "", auth.ErrInvalidToken
	}
	return id, secret, nil
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func secretMatches(secret, storedHash string) bool {
	return subtle.ConstantTimeCompare([]byte(hashSecret(secret)), []byte(storedHash)) == 1
}
