package federation_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethixai/ethixai/internal/auth"
	"github.com/ethixai/ethixai/internal/federation"
)

const (
	testIssuer   = "https://idp.example.com"
	testAudience = "ethixai"
)

type idp struct {
	key     *rsa.PrivateKey
	kid     string
	server  *httptest.Server
	fetches atomic.Int32
}

func newIDP(t *testing.T) *idp {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	p := &idp{key: key, kid: "key-1"}
	p.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.fetches.Add(1)
		set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
			Key:       &key.PublicKey,
			KeyID:     p.kid,
			Algorithm: string(jose.RS256),
			Use:       "sig",
		}}}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(set)
	}))
	t.Cleanup(p.server.Close)
	return p
}

func (p *idp) sign(t *testing.T, kid string, std jwt.Claims, extra map[string]any) string {
	t.Helper()
	if extra == nil {
		extra = map[string]any{}
	}
	signer, err := jose.NewSigner(jose.SigningKey{
		Algorithm: jose.RS256,
		Key:       jose.JSONWebKey{Key: p.key, KeyID: kid, Algorithm: string(jose.RS256)},
	}, (&jose.SignerOptions{}).WithType("JWT"))
	require.NoError(t, err)

	raw, err := jwt.Signed(signer).Claims(std).Claims(extra).Serialize()
	require.NoError(t, err)
	return raw
}

func validClaims() jwt.Claims {
	now := time.Now()
	return jwt.Claims{
		Issuer:   testIssuer,
		Subject:  "idp-user-1",
		Audience: jwt.Audience{testAudience},
		IssuedAt: jwt.NewNumericDate(now),
		Expiry:   jwt.NewNumericDate(now.Add(time.Hour)),
	}
}

func newVerifier(p *idp) *federation.IDTokenVerifier {
	keys := federation.NewKeySet(p.server.URL, p.server.Client(), federation.NewBreaker("jwks-test"))
	return federation.NewIDTokenVerifier(keys, testIssuer, testAudience, 2*time.Second)
}

func TestVerify_ValidToken(t *testing.T) {
	p := newIDP(t)
	v := newVerifier(p)

	raw := p.sign(t, p.kid, validClaims(), map[string]any{"email": "fed@example.com", "role": "analyst"})

	id, err := v.Verify(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, "idp-user-1", id.Subject)
	assert.Equal(t, "fed@example.com", id.Email)
	assert.Equal(t, "analyst", id.Role)
}

func TestVerify_CachesKeys(t *testing.T) {
	p := newIDP(t)
	v := newVerifier(p)
	raw := p.sign(t, p.kid, validClaims(), nil)

	for i := 0; i < 3; i++ {
		_, err := v.Verify(context.Background(), raw)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), p.fetches.Load())
}

func TestVerify_Rejections(t *testing.T) {
	p := newIDP(t)
	v := newVerifier(p)

	expired := validClaims()
	expired.Expiry = jwt.NewNumericDate(time.Now().Add(-time.Hour))

	wrongIssuer := validClaims()
	wrongIssuer.Issuer = "https://evil.example.com"

	wrongAudience := validClaims()
	wrongAudience.Audience = jwt.Audience{"someone-else"}

	noExpiry := validClaims()
	noExpiry.Expiry = nil

	noSubject := validClaims()
	noSubject.Subject = ""

	tests := map[string]string{
		"garbage":        "not-a-token",
		"expired":        p.sign(t, p.kid, expired, nil),
		"wrong issuer":   p.sign(t, p.kid, wrongIssuer, nil),
		"wrong audience": p.sign(t, p.kid, wrongAudience, nil),
		"no expiry":      p.sign(t, p.kid, noExpiry, nil),
		"no subject":     p.sign(t, p.kid, noSubject, nil),
		"unknown kid":    p.sign(t, "key-2", validClaims(), nil),
	}

	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := v.Verify(context.Background(), raw)
			assert.ErrorIs(t, err, auth.ErrFederatedVerificationFailed)
		})
	}
}

func TestVerify_ForeignSignature(t *testing.T) {
	p := newIDP(t)
	v := newVerifier(p)

	other := newIDP(t)
	raw := other.sign(t, p.kid, validClaims(), nil)

	_, err := v.Verify(context.Background(), raw)
	assert.ErrorIs(t, err, auth.ErrFederatedVerificationFailed)
}

func TestVerify_ProviderDownFailsClosed(t *testing.T) {
	p := newIDP(t)
	raw := p.sign(t, p.kid, validClaims(), nil)

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()

	keys := federation.NewKeySet(down.URL, down.Client(), federation.NewBreaker("jwks-down"))
	v := federation.NewIDTokenVerifier(keys, testIssuer, testAudience, time.Second)

	_, err := v.Verify(context.Background(), raw)
	assert.ErrorIs(t, err, auth.ErrFederatedVerificationFailed)
	assert.ErrorIs(t, err, federation.ErrUnavailable)
}

func TestVerify_SlowProviderTimesOut(t *testing.T) {
	p := newIDP(t)
	raw := p.sign(t, p.kid, validClaims(), nil)

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer slow.Close()

	keys := federation.NewKeySet(slow.URL, slow.Client(), federation.NewBreaker("jwks-slow"))
	v := federation.NewIDTokenVerifier(keys, testIssuer, testAudience, 50*time.Millisecond)

	start := time.Now()
	_, err := v.Verify(context.Background(), raw)
	assert.ErrorIs(t, err, auth.ErrFederatedVerificationFailed)
	assert.Less(t, time.Since(start), time.Second)
}

func TestKeySet_CanceledCallersDoNotTripBreaker(t *testing.T) {
	p := newIDP(t)
	breaker := federation.NewBreaker("jwks-cancel")
	keys := federation.NewKeySet(p.server.URL, p.server.Client(), breaker)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 10; i++ {
		_, err := keys.Key(ctx, p.kid)
		require.ErrorIs(t, err, context.Canceled)
	}
	assert.Equal(t, gobreaker.StateClosed, breaker.State())

	key, err := keys.Key(context.Background(), p.kid)
	require.NoError(t, err)
	assert.Equal(t, p.kid, key.KeyID)
}
