// Package auth drives account sign-in through the OAuth device flow and
// personal access tokens, and keeps the persisted credential in sync with
// what the account service accepts.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Device-flow error codes from the authorization server.
const (
	ErrAuthorizationPending = "authorization_pending"
	ErrSlowDown             = "slow_down"
	ErrExpiredToken         = "expired_token"
	ErrAccessDenied         = "access_denied"
)

// OAuthClient talks to the authorization server and the account service.
type OAuthClient interface {
	RequestDeviceCode(ctx context.Context, clientID, scope string) (*DeviceCodeResponse, error)
	ExchangeDeviceCode(ctx context.Context, clientID, deviceCode string) (*TokenResponse, error)
	GetCurrentUser(ctx context.Context, accessToken string) (*Account, error)
}

// DeviceCodeResponse is the authorization server's answer to a device
// authorization request.
type DeviceCodeResponse struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete,omitempty"`
	ExpiresIn               int    `json:"expires_in"`
	Interval                int    `json:"interval,omitempty"`
}

// TokenResponse is a successful token grant.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in,omitempty"`
}

// Account describes the signed-in user.
type Account struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	Plan        string `json:"plan,omitempty"`
}

// OAuthError is a structured error answer from the authorization server.
// Code carries the RFC 6749 / RFC 8628 error code.
type OAuthError struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
	StatusCode  int    `json:"-"`
}

func (e *OAuthError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("authorization server returned %s: %s", e.Code, e.Description)
	}
	return fmt.Sprintf("authorization server returned %s", e.Code)
}

// HTTPOAuthClient implements OAuthClient over HTTPS.
type HTTPOAuthClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPOAuthClient creates an OAuth client against baseURL.
func NewHTTPOAuthClient(baseURL string, timeout time.Duration) *HTTPOAuthClient {
	return &HTTPOAuthClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// RequestDeviceCode starts a device authorization session. An empty scope
// leaves the accesses up to the server's defaults.
func (c *HTTPOAuthClient) RequestDeviceCode(ctx context.Context, clientID, scope string) (*DeviceCodeResponse, error) {
	form := url.Values{"client_id": {clientID}}
	if scope != "" {
		form.Set("scope", scope)
	}

	var out DeviceCodeResponse
	if err := c.postForm(ctx, "/oauth/device/code", form, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ExchangeDeviceCode polls the token endpoint for one device session.
// Pending and denied sessions come back as *OAuthError.
func (c *HTTPOAuthClient) ExchangeDeviceCode(ctx context.Context, clientID, deviceCode string) (*TokenResponse, error) {
	form := url.Values{
		"client_id":   {clientID},
		"device_code": {deviceCode},
		"grant_type":  {"urn:ietf:params:oauth:grant-type:device_code"},
	}

	var out TokenResponse
	if err := c.postForm(ctx, "/oauth/token", form, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetCurrentUser fetches the account behind an access token.
func (c *HTTPOAuthClient) GetCurrentUser(ctx context.Context, accessToken string) (*Account, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/oauth/userinfo", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "Lumen-Client")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("userinfo request failed: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // Cleanup, error not critical

	if resp.StatusCode != http.StatusOK {
		return nil, oauthStatusError(resp)
	}

	var account Account
	if err := json.NewDecoder(resp.Body).Decode(&account); err != nil {
		return nil, fmt.Errorf("failed to decode account: %w", err)
	}
	return &account, nil
}

func (c *HTTPOAuthClient) postForm(ctx context.Context, path string, form url.Values, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "Lumen-Client")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("authorization request failed: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // Cleanup, error not critical

	if resp.StatusCode != http.StatusOK {
		return oauthStatusError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode authorization response: %w", err)
	}
	return nil
}

// oauthStatusError parses the RFC 6749 error body when present.
func oauthStatusError(resp *http.Response) error {
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if readErr == nil {
		var oe OAuthError
		if err := json.Unmarshal(body, &oe); err == nil && oe.Code != "" {
			oe.StatusCode = resp.StatusCode
			return &oe
		}
	}
	return &OAuthError{Code: "server_error", Description: fmt.Sprintf("HTTP %d", resp.StatusCode), StatusCode: resp.StatusCode}
}
