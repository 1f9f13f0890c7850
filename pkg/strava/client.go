// Package strava is the authenticated client for the Strava v3 API: activity
// reads and description write-backs, the OAuth token endpoint, and webhook
// push subscription management.
//
// Requests that can fail transiently (network errors, 5xx, 429, 408) are retried
// with exponential backoff before a typed error is produced; everything above
// this package reasons about those typed errors only.
package strava

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/stravaweather/server/pkg/infrastructure/httputil"
	"github.com/stravaweather/server/pkg/vault"
)

const (
	defaultBaseURL         = "https://www.strava.com/api/v3"
	defaultTokenURL        = "https://www.strava.com/oauth/token"
	defaultAuthURL         = "https://www.strava.com/oauth/authorize"
	defaultDeauthorizeURL  = "https://www.strava.com/oauth/deauthorize"
	defaultSubscriptionURL = "https://www.strava.com/api/v3/push_subscriptions"
)

// RetryConfig controls the transport-level retry loop.
type RetryConfig struct {
	// MaxRetries is the number of retries after the initial attempt.
	MaxRetries int
	// BaseDelay scales the exponential backoff: the wait before retry n
	// (1-based) is BaseDelay * 2^n.
	BaseDelay time.Duration
}

// Config bundles the client dependencies.
type Config struct {
	ClientID     string
	ClientSecret string
	Vault        *vault.Vault
	Logger       *slog.Logger
	HTTPClient   *http.Client

	// Endpoint overrides for tests; defaults are the public Strava URLs.
	BaseURL         string
	TokenURL        string
	AuthURL         string
	DeauthorizeURL  string
	SubscriptionURL string

	Retry RetryConfig
}

// Client talks to Strava. All token parameters arrive encrypted; plaintext
// exists only for the duration of one request.
type Client struct {
	httpClient      *http.Client
	vault           *vault.Vault
	logger          *slog.Logger
	clientID        string
	clientSecret    string
	baseURL         string
	tokenURL        string
	authURL         string
	deauthorizeURL  string
	subscriptionURL string
	retry           RetryConfig
}

func NewClient(cfg Config) *Client {
	c := &Client{
		httpClient:      cfg.HTTPClient,
		vault:           cfg.Vault,
		logger:          cfg.Logger,
		clientID:        cfg.ClientID,
		clientSecret:    cfg.ClientSecret,
		baseURL:         cfg.BaseURL,
		tokenURL:        cfg.TokenURL,
		authURL:         cfg.AuthURL,
		deauthorizeURL:  cfg.DeauthorizeURL,
		subscriptionURL: cfg.SubscriptionURL,
		retry:           cfg.Retry,
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.baseURL == "" {
		c.baseURL = defaultBaseURL
	}
	if c.tokenURL == "" {
		c.tokenURL = defaultTokenURL
	}
	if c.authURL == "" {
		c.authURL = defaultAuthURL
	}
	if c.deauthorizeURL == "" {
		c.deauthorizeURL = defaultDeauthorizeURL
	}
	if c.subscriptionURL == "" {
		c.subscriptionURL = defaultSubscriptionURL
	}
	if c.retry.MaxRetries == 0 {
		c.retry.MaxRetries = 3
	}
	if c.retry.BaseDelay == 0 {
		c.retry.BaseDelay = time.Second
	}
	return c
}

// GetActivity fetches one activity. Returns ErrNotFound when Strava does not
// know the id (yet) or the token cannot see it.
func (c *Client) GetActivity(ctx context.Context, activityID string, encryptedAccessToken string) (*Activity, error) {
	accessToken, err := c.vault.Decrypt(encryptedAccessToken)
	if err != nil {
		return nil, fmt.Errorf("decrypt access token: %w", err)
	}

	resp, err := c.doWithRetry(ctx, func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodGet, c.baseURL+"/activities/"+activityID, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+accessToken)
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.apiError(resp, "get activity")
	}

	var activity Activity
	if err := json.NewDecoder(resp.Body).Decode(&activity); err != nil {
		return nil, fmt.Errorf("decode activity %s: %w", activityID, err)
	}

	c.logger.Debug("Activity retrieved", "activity_id", activityID, "name", activity.Name)
	return &activity, nil
}

// UpdateActivity applies the patch and returns the updated activity.
func (c *Client) UpdateActivity(ctx context.Context, activityID string, encryptedAccessToken string, patch UpdateActivityRequest) (*Activity, error) {
	accessToken, err := c.vault.Decrypt(encryptedAccessToken)
	if err != nil {
		return nil, fmt.Errorf("decrypt access token: %w", err)
	}

	body, err := json.Marshal(patch)
	if err != nil {
		return nil, fmt.Errorf("marshal update: %w", err)
	}

	resp, err := c.doWithRetry(ctx, func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodPut, c.baseURL+"/activities/"+activityID, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+accessToken)
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.apiError(resp, "update activity")
	}

	var activity Activity
	if err := json.NewDecoder(resp.Body).Decode(&activity); err != nil {
		return nil, fmt.Errorf("decode updated activity %s: %w", activityID, err)
	}

	c.logger.Info("Activity updated", "activity_id", activityID)
	return &activity, nil
}

// RefreshToken exchanges a plaintext refresh token for a new grant. No
// transport retry here: the caller's retry session owns refresh failures.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*TokenGrant, error) {
	form := url.Values{}
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token refresh request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		httpErr := httputil.ErrorFromResponse(resp)
		c.logger.Error("Token refresh failed", "status", httpErr.StatusCode, "body", httpErr.Body)
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusBadRequest {
			return nil, fmt.Errorf("token refresh: %w", ErrCredentialInvalid)
		}
		return nil, fmt.Errorf("token refresh: %w", httpErr)
	}

	var payload struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresAt    int64  `json:"expires_at"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}

	expiry := time.Now().Add(time.Duration(payload.ExpiresIn) * time.Second).UTC()
	if payload.ExpiresAt != 0 {
		expiry = time.Unix(payload.ExpiresAt, 0).UTC()
	}

	c.logger.Info("Access token refreshed", "expires_at", expiry)

	return &TokenGrant{
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
		ExpiresAt:    expiry,
	}, nil
}

// RevokeToken deauthorizes the application for this token. Callers decide
// whether a failure matters; logout flows swallow it.
func (c *Client) RevokeToken(ctx context.Context, encryptedAccessToken string) error {
	accessToken, err := c.vault.Decrypt(encryptedAccessToken)
	if err != nil {
		return fmt.Errorf("decrypt access token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.deauthorizeURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("revoke request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("revoke: %w", httputil.ErrorFromResponse(resp))
	}

	c.logger.Info("Access token revoked")
	return nil
}

// AuthCodeURL builds the user-facing authorization URL for the connect flow.
func (c *Client) AuthCodeURL(state, redirectURL string) string {
	return c.oauthConfig(redirectURL).AuthCodeURL(state, oauth2.SetAuthURLParam("approval_prompt", "auto"))
}

// ExchangeCode trades an authorization code for a token grant plus the
// athlete profile Strava attaches to the response.
func (c *Client) ExchangeCode(ctx context.Context, code, redirectURL string) (*TokenGrant, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	tok, err := c.oauthConfig(redirectURL).Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("code exchange: %w", err)
	}

	grant := &TokenGrant{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry.UTC(),
	}

	// Strava attaches the athlete summary to the token response.
	if raw := tok.Extra("athlete"); raw != nil {
		encoded, err := json.Marshal(raw)
		if err == nil {
			var athlete Athlete
			if err := json.Unmarshal(encoded, &athlete); err == nil {
				grant.Athlete = &athlete
			}
		}
	}

	return grant, nil
}

func (c *Client) oauthConfig(redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.clientID,
		ClientSecret: c.clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       []string{"read,activity:read_all,activity:write"},
		Endpoint: oauth2.Endpoint{
			AuthURL:   c.authURL,
			TokenURL:  c.tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// doWithRetry executes the request with exponential backoff on transient
// failures: transport errors, 5xx, 429 and 408. The final response is
// returned unread so the caller can map its status.
func (c *Client) doWithRetry(ctx context.Context, build func() (*http.Request, error)) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= c.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			// Wait 2^attempt * BaseDelay, unless the context fires first.
			delay := c.retry.BaseDelay << attempt
			c.logger.Warn("Retrying Strava request", "attempt", attempt+1, "delay", delay)

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}

		req, err := build()
		if err != nil {
			return nil, err
		}

		resp, err := c.httpClient.Do(req.WithContext(ctx))
		if err != nil {
			lastErr = err
			continue
		}

		transient := resp.StatusCode >= 500 ||
			resp.StatusCode == http.StatusTooManyRequests ||
			resp.StatusCode == http.StatusRequestTimeout
		if !transient || attempt == c.retry.MaxRetries {
			return resp, nil
		}

		// Drain so the connection can be reused before the next attempt.
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		lastErr = fmt.Errorf("transient status %d", resp.StatusCode)
	}

	return nil, fmt.Errorf("strava request failed after retries: %w", lastErr)
}

func (c *Client) apiError(resp *http.Response, operation string) error {
	httpErr := httputil.ErrorFromResponse(resp)
	c.logger.Error("Strava API error", "operation", operation, "status", httpErr.StatusCode, "body", httpErr.Body)

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return fmt.Errorf("%s: %w", operation, ErrCredentialInvalid)
	case http.StatusForbidden:
		return fmt.Errorf("%s: %w", operation, ErrForbidden)
	case http.StatusNotFound:
		return fmt.Errorf("%s: %w", operation, ErrNotFound)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%s: %w", operation, ErrRateLimited)
	default:
		return fmt.Errorf("%s: %w", operation, httpErr)
	}
}
