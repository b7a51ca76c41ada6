package auth

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	clientAssertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"
	assertionLifetime   = 5 * time.Minute
	refreshSkew         = 30 * time.Second
)

// TokenSource supplies bearer tokens for outbound requests.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// BackendServiceToken is the token endpoint's response body.
type BackendServiceToken struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Scope       string `json:"scope"`
}

// BackendServicesConfig identifies this service to an upstream token endpoint
// using SMART Backend Services (client_credentials + RS384 JWT assertion).
type BackendServicesConfig struct {
	ClientID   string
	TokenURL   string
	KeyID      string
	Scope      string
	PrivateKey *rsa.PrivateKey
}

// BackendServicesTokenSource exchanges signed client assertions for access
// tokens and caches them until shortly before expiry.
type BackendServicesTokenSource struct {
	cfg    BackendServicesConfig
	client *http.Client
	now    func() time.Time

	mu     sync.Mutex
	token  string
	expiry time.Time
}

// NewBackendServicesTokenSource validates cfg. A nil client uses a 30s
// timeout client.
func NewBackendServicesTokenSource(cfg BackendServicesConfig, client *http.Client) (*BackendServicesTokenSource, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("backend services: client id is required")
	}
	if cfg.TokenURL == "" {
		return nil, fmt.Errorf("backend services: token url is required")
	}
	if cfg.PrivateKey == nil {
		return nil, fmt.Errorf("backend services: private key is required")
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &BackendServicesTokenSource{cfg: cfg, client: client, now: time.Now}, nil
}

// Assertion builds a signed client assertion with iss == sub == client_id,
// aud == token endpoint and a unique jti.
func (s *BackendServicesTokenSource) Assertion() (string, error) {
	now := s.now()
	claims := jwt.RegisteredClaims{
		Issuer:    s.cfg.ClientID,
		Subject:   s.cfg.ClientID,
		Audience:  jwt.ClaimStrings{s.cfg.TokenURL},
		ID:        uuid.New().String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(assertionLifetime)),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS384, claims)
	if s.cfg.KeyID != "" {
		tok.Header["kid"] = s.cfg.KeyID
	}
	signed, err := tok.SignedString(s.cfg.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("signing client assertion: %w", err)
	}
	return signed, nil
}

// Token returns a cached access token or fetches a new one.
func (s *BackendServicesTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && s.now().Add(refreshSkew).Before(s.expiry) {
		return s.token, nil
	}

	assertion, err := s.Assertion()
	if err != nil {
		return "", err
	}
	form := url.Values{
		"grant_type":            {"client_credentials"},
		"client_assertion_type": {clientAssertionType},
		"client_assertion":      {assertion},
	}
	if s.cfg.Scope != "" {
		form.Set("scope", s.cfg.Scope)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("building token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("requesting access token: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("reading token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tr BackendServiceToken
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", fmt.Errorf("decoding token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", fmt.Errorf("token response missing access_token")
	}

	s.token = tr.AccessToken
	s.expiry = s.now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	return s.token, nil
}
