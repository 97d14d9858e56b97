package kiro

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

// oidcClientName is the name registered with AWS SSO OIDC for this gateway,
// per spec.md §4.B.
const oidcClientName = "Kiro IDE"

// oidcClientScopes are the CodeWhisperer scopes requested at registration,
// per spec.md §4.B. Without these the issued token cannot call
// generateAssistantResponse.
var oidcClientScopes = []string{
	"codewhisperer:completions",
	"codewhisperer:analysis",
	"codewhisperer:conversations",
	"codewhisperer:transformations",
	"codewhisperer:taskassist",
}

// oidcGrantTypes are the grant types requested at registration, per
// spec.md §4.B.
var oidcGrantTypes = []string{"device_code", "refresh_token"}

// Sentinel device-flow poll errors, matched against the token endpoint's
// "error" field.
var (
	ErrAuthorizationPending = fmt.Errorf("kiro: authorization_pending")
	ErrSlowDown             = fmt.Errorf("kiro: slow_down")
	ErrExpiredToken         = fmt.Errorf("kiro: expired_token")
	ErrAccessDenied         = fmt.Errorf("kiro: access_denied")
)

// ClientRegistration is the response from POST /client/register.
type ClientRegistration struct {
	ClientID              string `json:"clientId"`
	ClientSecret          string `json:"clientSecret"`
	ClientSecretExpiresAt int64  `json:"clientSecretExpiresAt"`
}

// DeviceAuthorization is the response from POST /device_authorization.
type DeviceAuthorization struct {
	DeviceCode              string `json:"deviceCode"`
	UserCode                string `json:"userCode"`
	VerificationURI         string `json:"verificationUri"`
	VerificationURIComplete string `json:"verificationUriComplete"`
	ExpiresIn               int    `json:"expiresIn"`
	Interval                int    `json:"interval"`
}

// TokenResult is the response from POST /token, normalized to epoch ms.
type TokenResult struct {
	AccessToken  string
	RefreshToken string
	ExpiresAtMs  int64
}

// OIDCClient speaks the AWS SSO OIDC device-code protocol described in
// spec.md §4.B: client registration, device authorization, and token
// exchange/polling, scoped to a single region's endpoint.
type OIDCClient struct {
	httpClient *http.Client
	region     Region
	baseURL    string // overrides endpoint(); set by tests only
}

// NewOIDCClient builds a client against the given region's OIDC endpoint.
func NewOIDCClient(region Region, httpClient *http.Client) *OIDCClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &OIDCClient{httpClient: httpClient, region: NormalizeRegion(string(region))}
}

func (c *OIDCClient) endpoint() string {
	if c.baseURL != "" {
		return c.baseURL
	}
	return fmt.Sprintf("https://oidc.%s.amazonaws.com", c.region)
}

// RegisterClient registers a fresh OAuth client scoped to the
// CodeWhisperer capabilities this gateway needs.
func (c *OIDCClient) RegisterClient(ctx context.Context) (*ClientRegistration, error) {
	body, err := json.Marshal(map[string]any{
		"clientName": oidcClientName,
		"clientType": "public",
		"scopes":     oidcClientScopes,
		"grantTypes": oidcGrantTypes,
	})
	if err != nil {
		return nil, fmt.Errorf("kiro oidc: marshal register request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint()+"/client/register", strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("kiro oidc: build register request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	respBody, status, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return nil, fmt.Errorf("kiro oidc: client registration failed with status %d: %s", status, respBody)
	}

	var reg ClientRegistration
	if err := json.Unmarshal(respBody, &reg); err != nil {
		return nil, fmt.Errorf("kiro oidc: parse registration response: %w", err)
	}
	return &reg, nil
}

// StartDeviceAuthorization begins the device-code flow against startURL
// (BuilderIDStartURL for the builder-id method, or the identity-center's
// arbitrary HTTPS start URL).
func (c *OIDCClient) StartDeviceAuthorization(ctx context.Context, clientID, clientSecret, startURL string) (*DeviceAuthorization, error) {
	form := url.Values{
		"clientId":     {clientID},
		"clientSecret": {clientSecret},
		"startUrl":     {startURL},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint()+"/device_authorization", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("kiro oidc: build device authorization request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	body, status, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("kiro oidc: device authorization failed with status %d: %s", status, body)
	}

	var auth DeviceAuthorization
	if err := json.Unmarshal(body, &auth); err != nil {
		return nil, fmt.Errorf("kiro oidc: parse device authorization response: %w", err)
	}
	return &auth, nil
}

// PollToken makes one attempt at exchanging deviceCode for tokens. Callers
// drive the interval/backoff loop themselves (see DevicePoller) so the
// slow_down/authorization_pending/expired_token/access_denied subcodes stay
// visible to the caller.
func (c *OIDCClient) PollToken(ctx context.Context, clientID, clientSecret, deviceCode string) (*TokenResult, error) {
	form := url.Values{
		"clientId":   {clientID},
		"clientSecret": {clientSecret},
		"grantType":  {"urn:ietf:params:oauth:grant-type:device_code"},
		"deviceCode": {deviceCode},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint()+"/token", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("kiro oidc: build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	body, status, err := c.do(req)
	if err != nil {
		return nil, err
	}

	if status != http.StatusOK {
		var errResp struct {
			Error            string `json:"error"`
			ErrorDescription string `json:"error_description"`
		}
		if jsonErr := json.Unmarshal(body, &errResp); jsonErr == nil {
			switch errResp.Error {
			case "authorization_pending":
				return nil, ErrAuthorizationPending
			case "slow_down":
				return nil, ErrSlowDown
			case "expired_token":
				return nil, ErrExpiredToken
			case "access_denied":
				return nil, ErrAccessDenied
			default:
				return nil, fmt.Errorf("kiro oidc: token request failed: %s - %s", errResp.Error, errResp.ErrorDescription)
			}
		}
		return nil, fmt.Errorf("kiro oidc: token request failed with status %d: %s", status, body)
	}

	var tok struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
		ExpiresIn    int    `json:"expiresIn"`
	}
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, fmt.Errorf("kiro oidc: parse token response: %w", err)
	}

	return &TokenResult{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAtMs:  time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second).UnixMilli(),
	}, nil
}

// RefreshToken exchanges a refresh token for new credentials.
func (c *OIDCClient) RefreshToken(ctx context.Context, clientID, clientSecret, refreshToken string) (*TokenResult, error) {
	form := url.Values{
		"clientId":     {clientID},
		"clientSecret": {clientSecret},
		"grantType":    {"refresh_token"},
		"refreshToken": {refreshToken},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint()+"/token", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("kiro oidc: build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	body, status, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &TokenRefreshError{Code: oauthErrorCode(body, status), HTTPStatus: status, Message: string(body)}
	}

	var tok struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
		ExpiresIn    int    `json:"expiresIn"`
	}
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, &TokenRefreshError{Code: "INVALID_RESPONSE", Message: err.Error()}
	}

	return &TokenResult{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAtMs:  time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second).UnixMilli(),
	}, nil
}

func (c *OIDCClient) do(req *http.Request) ([]byte, int, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, &TokenRefreshError{Code: "NETWORK_ERROR", Message: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, &TokenRefreshError{Code: "NETWORK_ERROR", Message: err.Error()}
	}
	return body, resp.StatusCode, nil
}
