// Package token issues and verifies session credentials: stateless access
// tokens and single-use, rotating refresh tokens.
package token

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ethixai/ethixai/internal/auth"
)

const (
	accessTokenType = "access"
	verifyLeeway    = 5 * time.Second
)

// Claims are the access-token claims.
type Claims struct {
	Role string `json:"role"`
	Type string `json:"typ"`
	jwt.RegisteredClaims
}

// Signer signs and verifies HS256 access tokens.
type Signer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewSigner creates a Signer.
func NewSigner(secret, issuer string, ttl time.Duration) *Signer {
	return &Signer{
		secret: []byte(secret),
		issuer: issuer,
		ttl:    ttl,
		now:    time.Now,
	}
}

// WithClock returns a copy of s using fn as its time source.
func (s *Signer) WithClock(fn func() time.Time) *Signer {
	cp := *s
	cp.now = fn
	return &cp
}

// Sign issues an access token for subject carrying role.
func (s *Signer) Sign(subject string, role auth.Role) (string, time.Time, error) {
	now := s.now().UTC()
	exp := now.Add(s.ttl)
	claims := Claims{
		Role: string(role),
		Type: accessTokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing access token: %w", err)
	}
	return signed, exp, nil
}

// Verify checks signature, algorithm, issuer and expiry, and returns the
// identity carried by the token. Every failure is ErrInvalidToken.
func (s *Signer) Verify(raw string) (auth.Identity, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(raw, &claims,
		func(*jwt.Token) (any, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(verifyLeeway),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return auth.Identity{}, fmt.Errorf("%w: %w", auth.ErrInvalidToken, err)
	}

	if claims.Type != accessTokenType {
		return auth.Identity{}, fmt.Errorf("%w: unexpected token type %q", auth.ErrInvalidToken, claims.Type)
	}
	if claims.Subject == "" {
		return auth.Identity{}, fmt.Errorf("%w: missing subject", auth.ErrInvalidToken)
	}
	role, err := auth.ParseRole(claims.Role)
	if err != nil {
		return auth.Identity{}, fmt.Errorf("%w: %w", auth.ErrInvalidToken, err)
	}

	return auth.Identity{
		SubjectID: claims.Subject,
		Role:      role,
		Source:    auth.SourceLocal,
	}, nil
}
