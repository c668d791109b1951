package federation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/ethixai/ethixai/internal/auth"
)

// Identity is the result of a successful federated ID-token verification.
type Identity struct {
	Subject string
	Email   string
	// Role is the provider-held custom claim, empty when absent.
	Role string
}

type keySource interface {
	Key(ctx context.Context, kid string) (jose.JSONWebKey, error)
}

type customClaims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

// IDTokenVerifier validates federated ID tokens. Only RS256 is accepted.
type IDTokenVerifier struct {
	keys     keySource
	issuer   string
	audience string
	leeway   time.Duration
	timeout  time.Duration
	now      func() time.Time
}

// NewIDTokenVerifier creates a verifier for tokens issued by issuer for audience.
func NewIDTokenVerifier(keys keySource, issuer, audience string, timeout time.Duration) *IDTokenVerifier {
	return &IDTokenVerifier{
		keys:     keys,
		issuer:   issuer,
		audience: audience,
		leeway:   30 * time.Second,
		timeout:  timeout,
		now:      time.Now,
	}
}

// Verify checks the token's signature and standard claims. Every failure,
// including a key fetch timeout, wraps auth.ErrFederatedVerificationFailed.
func (v *IDTokenVerifier) Verify(ctx context.Context, raw string) (Identity, error) {
	id, err := v.verify(ctx, raw)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", auth.ErrFederatedVerificationFailed, err)
	}
	return id, nil
}

func (v *IDTokenVerifier) verify(ctx context.Context, raw string) (Identity, error) {
	if v.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.timeout)
		defer cancel()
	}

	tok, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{jose.RS256})
	if err != nil {
		return Identity{}, fmt.Errorf("parsing id token: %w", err)
	}
	if len(tok.Headers) != 1 || tok.Headers[0].KeyID == "" {
		return Identity{}, errors.New("id token must carry exactly one signature with a key id")
	}

	key, err := v.keys.Key(ctx, tok.Headers[0].KeyID)
	if err != nil {
		return Identity{}, err
	}

	var std jwt.Claims
	var custom customClaims
	if err := tok.Claims(key.Key, &std, &custom); err != nil {
		return Identity{}, fmt.Errorf("verifying id token signature: %w", err)
	}

	if std.Expiry == nil {
		return Identity{}, errors.New("id token has no expiry")
	}
	err = std.ValidateWithLeeway(jwt.Expected{
		Issuer:      v.issuer,
		AnyAudience: jwt.Audience{v.audience},
		Time:        v.now(),
	}, v.leeway)
	if err != nil {
		return Identity{}, fmt.Errorf("validating id token claims: %w", err)
	}
	if std.Subject == "" {
		return Identity{}, errors.New("id token has no subject")
	}

	return Identity{
		Subject: std.Subject,
		Email:   custom.Email,
		Role:    custom.Role,
	}, nil
}
