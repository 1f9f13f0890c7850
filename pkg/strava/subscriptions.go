package strava

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ViewSubscription returns the registered webhook subscription, or nil when
// none exists. Strava allows at most one per application.
func (c *Client) ViewSubscription(ctx context.Context) (*Subscription, error) {
	query := url.Values{}
	query.Set("client_id", c.clientID)
	query.Set("client_secret", c.clientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.subscriptionURL+"?"+query.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("view subscription: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.apiError(resp, "view subscription")
	}

	var subscriptions []Subscription
	if err := json.NewDecoder(resp.Body).Decode(&subscriptions); err != nil {
		return nil, fmt.Errorf("decode subscriptions: %w", err)
	}

	if len(subscriptions) == 0 {
		return nil, nil
	}

	c.logger.Debug("Found webhook subscription", "id", subscriptions[0].ID, "callback_url", subscriptions[0].CallbackURL)
	return &subscriptions[0], nil
}

// CreateSubscription registers the callback URL with Strava's push service.
func (c *Client) CreateSubscription(ctx context.Context, callbackURL, verifyToken string) (*Subscription, error) {
	if !strings.HasPrefix(callbackURL, "https://") {
		return nil, fmt.Errorf("callback URL must use HTTPS: %s", callbackURL)
	}

	form := url.Values{}
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)
	form.Set("callback_url", callbackURL)
	form.Set("verify_token", verifyToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.subscriptionURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("create subscription: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, c.apiError(resp, "create subscription")
	}

	var subscription Subscription
	if err := json.NewDecoder(resp.Body).Decode(&subscription); err != nil {
		return nil, fmt.Errorf("decode subscription: %w", err)
	}

	c.logger.Info("Webhook subscription created", "id", subscription.ID)
	return &subscription, nil
}

// DeleteSubscription removes a push subscription by id.
func (c *Client) DeleteSubscription(ctx context.Context, subscriptionID int64) error {
	query := url.Values{}
	query.Set("client_id", c.clientID)
	query.Set("client_secret", c.clientSecret)

	target := fmt.Sprintf("%s/%d?%s", c.subscriptionURL, subscriptionID, query.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, target, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return c.apiError(resp, "delete subscription")
	}

	c.logger.Info("Webhook subscription deleted", "id", subscriptionID)
	return nil
}

// VerifyEndpoint checks that the callback URL answers Strava's verification
// handshake with the expected challenge echo.
func (c *Client) VerifyEndpoint(ctx context.Context, callbackURL, verifyToken string) (bool, error) {
	challenge := fmt.Sprintf("test_challenge_%d", time.Now().Unix())

	query := url.Values{}
	query.Set("hub.mode", "subscribe")
	query.Set("hub.verify_token", verifyToken)
	query.Set("hub.challenge", challenge)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, callbackURL+"?"+query.Encode(), nil)
	if err != nil {
		return false, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("verify endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("Webhook endpoint returned non-OK status", "status", resp.StatusCode)
		return false, nil
	}

	var payload map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return false, nil
	}

	if payload["hub.challenge"] != challenge {
		c.logger.Warn("Webhook endpoint returned incorrect challenge")
		return false, nil
	}

	return true, nil
}
