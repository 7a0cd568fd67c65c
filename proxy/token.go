package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// iamEndpointHost marks IBM Cloud IAM token endpoints, which expect a
	// form-encoded grant instead of a JSON body.
	iamEndpointHost = "iam.cloud.ibm.com"
	iamGrantType    = "urn:ibm:params:oauth:grant-type:apikey"

	// tokenExpirySkew is subtracted from a token's exp claim so the cache
	// never hands out a token about to lapse mid-request.
	tokenExpirySkew = time.Minute

	// DefaultTokenTTL matches the provider's token lifetime minus headroom.
	DefaultTokenTTL = 50 * time.Minute
)

// TokenSourceConfig configures a TokenSource.
type TokenSourceConfig struct {
	// Endpoint is the token exchange URL. Required.
	Endpoint string
	// APIKey is exchanged for short-lived bearer tokens. Required.
	APIKey string
	// TTL bounds how long a fetched token is cached. Zero means
	// DefaultTokenTTL.
	TTL time.Duration
	// HTTPClient overrides the default HTTP client.
	HTTPClient *http.Client
	// Logger receives token refresh log lines. Nil means slog.Default().
	Logger *slog.Logger
	// Now is the clock, injectable for tests.
	Now func() time.Time
}

// TokenSource exchanges an API key for bearer tokens and caches them until
// they near expiry.
type TokenSource struct {
	endpoint string
	apiKey   string
	ttl      time.Duration
	client   *http.Client
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewTokenSource creates a TokenSource.
func NewTokenSource(cfg TokenSourceConfig) (*TokenSource, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("proxy: token endpoint is required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("proxy: token api key is required")
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &TokenSource{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		ttl:      ttl,
		client:   client,
		logger:   logger,
		now:      now,
	}, nil
}

// Token returns a valid bearer token, fetching a fresh one when the cached
// token is missing or near expiry.
func (t *TokenSource) Token(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if t.token != "" && now.Before(t.expires) {
		return t.token, nil
	}

	token, err := t.fetch(ctx)
	if err != nil {
		return "", err
	}

	t.token = token
	t.expires = tokenExpiry(token, now, t.ttl)
	t.logger.Debug("token refreshed", "expires", t.expires)
	return token, nil
}

// Invalidate drops the cached token so the next Token call fetches fresh.
func (t *TokenSource) Invalidate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.token = ""
	t.expires = time.Time{}
}

func (t *TokenSource) fetch(ctx context.Context) (string, error) {
	req, err := t.buildRequest(ctx)
	if err != nil {
		return "", err
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("proxy: token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("proxy: read token response: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return "", upstreamError(resp.StatusCode, body)
	}

	var payload struct {
		Token       string `json:"token"`
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("proxy: decode token response: %w", err)
	}

	token := payload.Token
	if token == "" {
		token = payload.AccessToken
	}
	if token == "" {
		return "", &StatusError{
			Status: http.StatusBadGateway,
			Detail: "Auth server did not return a token.",
		}
	}
	return token, nil
}

func (t *TokenSource) buildRequest(ctx context.Context) (*http.Request, error) {
	if strings.Contains(t.endpoint, iamEndpointHost) {
		form := url.Values{
			"grant_type": {iamGrantType},
			"apikey":     {t.apiKey},
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, fmt.Errorf("proxy: build token request: %w", err)
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("Accept", "application/json")
		return req, nil
	}

	body, err := json.Marshal(map[string]string{"apikey": t.apiKey})
	if err != nil {
		return nil, fmt.Errorf("proxy: encode token request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("proxy: build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// tokenExpiry caches until the configured TTL, tightened by the token's own
// exp claim when the token is a JWT. The claim is read without signature
// verification; the proxy is a client of the token, not its validator.
func tokenExpiry(token string, now time.Time, ttl time.Duration) time.Time {
	fallback := now.Add(ttl)

	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return fallback
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return fallback
	}

	expiry := exp.Time.Add(-tokenExpirySkew)
	if expiry.After(fallback) {
		return fallback
	}
	return expiry
}
