// Package identity resolves the caller of a request to a normalized identity.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/ethixai/ethixai/internal/auth"
	"github.com/ethixai/ethixai/internal/config"
	"github.com/ethixai/ethixai/internal/federation"
)

// Credential carriers.
const (
	AccessTokenCookie  = "accessToken"
	RefreshTokenCookie = "refreshToken"
)

// Strategy resolves a request to an identity or fails with one of
// auth.ErrNoToken, auth.ErrInvalidToken or auth.ErrFederatedVerificationFailed.
type Strategy interface {
	Resolve(r *http.Request) (auth.Identity, error)
}

// AccessVerifier validates locally issued access tokens.
type AccessVerifier interface {
	VerifyAccess(raw string) (auth.Identity, error)
}

// FederatedVerifier validates federated ID tokens.
type FederatedVerifier interface {
	Verify(ctx context.Context, raw string) (federation.Identity, error)
}

// UserLookup finds the local user linked to a federated subject.
type UserLookup interface {
	GetByFederatedSubject(ctx context.Context, subject string) (*auth.User, error)
}

// bearerToken returns the token from an "Authorization: Bearer" header.
// present is false when the header is missing or uses another scheme.
func bearerToken(r *http.Request) (token string, present bool) {
	h := r.Header.Get("Authorization")
	if len(h) < 7 || !strings.EqualFold(h[:7], "Bearer ") {
		return "", false
	}
	return strings.TrimSpace(h[7:]), true
}

func cookieToken(r *http.Request) (string, bool) {
	c, err := r.Cookie(AccessTokenCookie)
	if err != nil || c.Value == "" {
		return "", false
	}
	return c.Value, true
}

// Local resolves locally signed access tokens from the bearer header, then
// from the access-token cookie.
type Local struct {
	tokens AccessVerifier
}

// NewLocal creates a Local strategy.
func NewLocal(tokens AccessVerifier) *Local {
	return &Local{tokens: tokens}
}

// Resolve implements Strategy.
func (l *Local) Resolve(r *http.Request) (auth.Identity, error) {
	raw, ok := bearerToken(r)
	if !ok {
		raw, ok = cookieToken(r)
	}
	if !ok {
		return auth.Identity{}, auth.ErrNoToken
	}
	if raw == "" {
		return auth.Identity{}, auth.ErrInvalidToken
	}

	id, err := l.tokens.VerifyAccess(raw)
	if err != nil {
		return auth.Identity{}, auth.ErrInvalidToken
	}
	return id, nil
}

// Federated delegates verification to the identity provider. Its failures are
// final: there is no fallback to local tokens.
type Federated struct {
	verifier FederatedVerifier
	users    UserLookup
}

// NewFederated creates a Federated strategy.
func NewFederated(verifier FederatedVerifier, users UserLookup) *Federated {
	return &Federated{verifier: verifier, users: users}
}

// Resolve implements Strategy. The local user's role wins over the provider
// claim; a caller with neither is rejected.
func (f *Federated) Resolve(r *http.Request) (auth.Identity, error) {
	raw, ok := bearerToken(r)
	if !ok {
		raw, ok = cookieToken(r)
	}
	if !ok {
		return auth.Identity{}, auth.ErrNoToken
	}

	fid, err := f.verifier.Verify(r.Context(), raw)
	if err != nil {
		return auth.Identity{}, err
	}

	u, err := f.users.GetByFederatedSubject(r.Context(), fid.Subject)
	switch {
	case err == nil:
		return auth.Identity{
			SubjectID: u.ID.String(),
			Role:      u.Role,
			Email:     u.Email,
			Source:    auth.SourceFederated,
		}, nil
	case !errors.Is(err, auth.ErrUserNotFound):
		return auth.Identity{}, fmt.Errorf("looking up federated user: %w", err)
	}

	role, err := auth.ParseRole(fid.Role)
	if err != nil {
		return auth.Identity{}, fmt.Errorf("%w: no local user and no valid role claim", auth.ErrFederatedVerificationFailed)
	}
	return auth.Identity{
		SubjectID: fid.Subject,
		Role:      role,
		Email:     fid.Email,
		Source:    auth.SourceFederated,
	}, nil
}

// BypassConfig describes the fixed identity used by the test bypass.
type BypassConfig struct {
	DefaultSubject string
	DefaultRole    auth.Role
}

// ErrBypassUnavailable is returned when the bypass is requested in a
// production runtime or a binary built without it.
var ErrBypassUnavailable = errors.New("test bypass is not available")

// Options selects and wires the identity strategy at startup.
type Options struct {
	Strategy   string // config.StrategyLocal or config.StrategyFederated
	Production bool
	Bypass     *BypassConfig // nil leaves the bypass disabled

	Access    AccessVerifier
	Federated FederatedVerifier
	Users     UserLookup
}

// Verifier is the single entry point for request identity resolution.
type Verifier struct {
	primary Strategy
	bypass  Strategy
	name    string
}

// NewVerifier builds the Verifier once from startup configuration.
func NewVerifier(opts Options) (*Verifier, error) {
	v := &Verifier{name: opts.Strategy}

	switch opts.Strategy {
	case config.StrategyLocal:
		if opts.Access == nil {
			return nil, errors.New("local strategy requires an access token verifier")
		}
		v.primary = NewLocal(opts.Access)
	case config.StrategyFederated:
		if opts.Federated == nil || opts.Users == nil {
			return nil, errors.New("federated strategy requires a federated verifier and user lookup")
		}
		v.primary = NewFederated(opts.Federated, opts.Users)
	default:
		return nil, fmt.Errorf("unknown identity strategy %q", opts.Strategy)
	}

	if opts.Bypass != nil {
		if opts.Production {
			return nil, ErrBypassUnavailable
		}
		b, err := newBypass(*opts.Bypass)
		if err != nil {
			return nil, err
		}
		v.bypass = b
		v.name += "+bypass"
	}

	return v, nil
}

// Resolve returns the caller's identity. When the bypass is enabled it takes
// precedence over every other credential.
func (v *Verifier) Resolve(r *http.Request) (auth.Identity, error) {
	if v.bypass != nil {
		return v.bypass.Resolve(r)
	}
	return v.primary.Resolve(r)
}

// Name describes the active strategy.
func (v *Verifier) Name() string {
	return v.name
}
