package federation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/sony/gobreaker"
)

// ErrUnknownKey is returned when no published key matches a token's key id.
var ErrUnknownKey = errors.New("unknown signing key")

const defaultMinRefresh = time.Minute

// KeySet fetches and caches the provider's JSON Web Key Set. An unknown key id
// triggers at most one refetch per minimum refresh interval.
type KeySet struct {
	url        string
	client     *http.Client
	breaker    *gobreaker.CircuitBreaker
	minRefresh time.Duration
	now        func() time.Time

	mu        sync.RWMutex
	keys      jose.JSONWebKeySet
	fetchedAt time.Time

	fetchMu sync.Mutex
}

// NewKeySet creates a KeySet for the JWKS document at url.
func NewKeySet(url string, client *http.Client, breaker *gobreaker.CircuitBreaker) *KeySet {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &KeySet{
		url:        url,
		client:     client,
		breaker:    breaker,
		minRefresh: defaultMinRefresh,
		now:        time.Now,
	}
}

// Key returns the published key with the given id.
func (k *KeySet) Key(ctx context.Context, kid string) (jose.JSONWebKey, error) {
	if key, ok := k.cached(kid); ok {
		return key, nil
	}
	if err := k.refresh(ctx); err != nil {
		return jose.JSONWebKey{}, err
	}
	if key, ok := k.cached(kid); ok {
		return key, nil
	}
	return jose.JSONWebKey{}, fmt.Errorf("%w: %q", ErrUnknownKey, kid)
}

func (k *KeySet) cached(kid string) (jose.JSONWebKey, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	keys := k.keys.Key(kid)
	if len(keys) == 0 {
		return jose.JSONWebKey{}, false
	}
	return keys[0], true
}

func (k *KeySet) refresh(ctx context.Context) error {
	k.fetchMu.Lock()
	defer k.fetchMu.Unlock()

	k.mu.RLock()
	fresh := !k.fetchedAt.IsZero() && k.now().Sub(k.fetchedAt) < k.minRefresh
	k.mu.RUnlock()
	if fresh {
		return nil
	}

	set, err := execute(k.breaker, func() (jose.JSONWebKeySet, error) {
		return k.fetch(ctx)
	})
	if err != nil {
		return err
	}

	k.mu.Lock()
	k.keys = set
	k.fetchedAt = k.now()
	k.mu.Unlock()
	return nil
}

func (k *KeySet) fetch(ctx context.Context) (jose.JSONWebKeySet, error) {
	var set jose.JSONWebKeySet

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, k.url, nil)
	if err != nil {
		return set, fmt.Errorf("building jwks request: %w", err)
	}

	resp, err := k.client.Do(req)
	if err != nil {
		return set, fmt.Errorf("%w: fetching jwks: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return set, fmt.Errorf("%w: jwks endpoint returned %d", ErrUnavailable, resp.StatusCode)
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&set); err != nil {
		return set, fmt.Errorf("decoding jwks: %w", err)
	}
	return set, nil
}
