package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// ErrUserNotFound is returned when the provider has no record for the lookup key.
var ErrUserNotFound = errors.New("user not found in identity provider")

// ErrRejected is returned when the provider refuses a request as invalid.
var ErrRejected = errors.New("identity provider rejected request")

// DirectoryUser is a provider-side user record.
type DirectoryUser struct {
	Subject      string
	Email        string
	CustomClaims map[string]any
}

// DirectoryConfig configures a Directory client.
type DirectoryConfig struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	TokenURL     string
	Timeout      time.Duration
}

// Directory is a client for the provider's account admin API
// (accounts:lookup and accounts:update).
type Directory struct {
	baseURL string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewDirectory creates a Directory client. When a token URL is configured the
// client authenticates with the OAuth2 client-credentials grant.
func NewDirectory(cfg DirectoryConfig, breaker *gobreaker.CircuitBreaker) *Directory {
	base := &http.Client{Timeout: cfg.Timeout}

	client := base
	if cfg.TokenURL != "" {
		cc := clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
		}
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
		client = cc.Client(ctx)
		client.Timeout = cfg.Timeout
	}

	return &Directory{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  client,
		breaker: breaker,
	}
}

type lookupRequest struct {
	Email   []string `json:"email,omitempty"`
	LocalID []string `json:"localId,omitempty"`
}

type lookupResponse struct {
	Users []struct {
		LocalID          string `json:"localId"`
		Email            string `json:"email"`
		CustomAttributes string `json:"customAttributes"`
	} `json:"users"`
}

type updateRequest struct {
	LocalID          string `json:"localId"`
	CustomAttributes string `json:"customAttributes"`
}

// LookupByEmail returns the provider record for email.
func (d *Directory) LookupByEmail(ctx context.Context, email string) (*DirectoryUser, error) {
	return d.lookup(ctx, lookupRequest{Email: []string{email}})
}

// LookupBySubject returns the provider record for subject.
func (d *Directory) LookupBySubject(ctx context.Context, subject string) (*DirectoryUser, error) {
	return d.lookup(ctx, lookupRequest{LocalID: []string{subject}})
}

// SetCustomClaims replaces the custom claims on the provider record for subject.
func (d *Directory) SetCustomClaims(ctx context.Context, subject string, claims map[string]any) error {
	encoded, err := json.Marshal(claims)
	if err != nil {
		return fmt.Errorf("encoding custom claims: %w", err)
	}

	_, err = execute(d.breaker, func() (struct{}, error) {
		return struct{}{}, d.post(ctx, "/accounts:update", updateRequest{
			LocalID:          subject,
			CustomAttributes: string(encoded),
		}, nil)
	})
	return err
}

func (d *Directory) lookup(ctx context.Context, body lookupRequest) (*DirectoryUser, error) {
	resp, err := execute(d.breaker, func() (lookupResponse, error) {
		var out lookupResponse
		err := d.post(ctx, "/accounts:lookup", body, &out)
		return out, err
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Users) == 0 {
		return nil, ErrUserNotFound
	}

	u := resp.Users[0]
	claims := map[string]any{}
	if u.CustomAttributes != "" {
		if err := json.Unmarshal([]byte(u.CustomAttributes), &claims); err != nil {
			return nil, fmt.Errorf("decoding custom attributes: %w", err)
		}
	}
	return &DirectoryUser{Subject: u.LocalID, Email: u.Email, CustomClaims: claims}, nil
}

func (d *Directory) post(ctx context.Context, path string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrUserNotFound
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s returned %d", ErrUnavailable, path, resp.StatusCode)
	case resp.StatusCode >= 400:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s returned %d: %s", ErrRejected, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
