package kiro

import (
	"encoding/json"
	"fmt"
)

// TokenRefreshError is the sum type for everything that can go wrong
// refreshing an account's access token. Code is one of the closed
// subcodes below; callers branch on it rather than string-matching Error().
type TokenRefreshError struct {
	Code       string // invalid_grant | MISSING_CREDENTIALS | NETWORK_ERROR | INVALID_RESPONSE | HTTP_<n>
	HTTPStatus int
	Message    string
}

func (e *TokenRefreshError) Error() string {
	if e.HTTPStatus != 0 {
		return fmt.Sprintf("kiro: token refresh failed (%s, http %d): %s", e.Code, e.HTTPStatus, e.Message)
	}
	return fmt.Sprintf("kiro: token refresh failed (%s): %s", e.Code, e.Message)
}

// IsInvalidGrant reports whether the upstream rejected the refresh token
// outright, meaning the account should be removed from the fleet rather
// than retried.
func (e *TokenRefreshError) IsInvalidGrant() bool {
	return e.Code == "invalid_grant"
}

// subcodeForStatus is the fallback TokenRefreshError subcode used when the
// response body didn't carry an OAuth error name.
func subcodeForStatus(status int) string {
	return fmt.Sprintf("HTTP_%d", status)
}

// oauthErrorCode extracts the OAuth "error" field from a non-200 token
// endpoint response, per spec.md §4.F: "code is taken from the response
// body's error field if present, else HTTP_<status>". It must never infer
// invalid_grant from the status code alone — only the server's own error
// name can mark a refresh token as terminally invalid.
func oauthErrorCode(body []byte, status int) string {
	var parsed struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error != "" {
		return parsed.Error
	}
	return subcodeForStatus(status)
}

// QuotaExhaustedError reports a 402 from the upstream: the account's
// monthly quota is spent, recovering at RecoveryTime (epoch ms, start of
// next UTC month).
type QuotaExhaustedError struct {
	AccountID    string
	RecoveryTime int64
}

func (e *QuotaExhaustedError) Error() string {
	return fmt.Sprintf("kiro: account %s quota exhausted, recovers at %d", e.AccountID, e.RecoveryTime)
}

// RateLimitError reports a 429 from the upstream.
type RateLimitError struct {
	AccountID string
	ResetTime int64
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("kiro: account %s rate limited, resets at %d", e.AccountID, e.ResetTime)
}

// AuthError reports a 403 from the upstream: no automatic recovery.
type AuthError struct {
	AccountID string
	Message   string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("kiro: account %s forbidden: %s", e.AccountID, e.Message)
}

// TranslationError reports a failure converting between the client wire
// format and CodeWhisperer's conversationState schema.
type TranslationError struct {
	Stage   string // "request" | "response"
	Message string
}

func (e *TranslationError) Error() string {
	return fmt.Sprintf("kiro: %s translation failed: %s", e.Stage, e.Message)
}

// NoAvailableAccountsError reports that every account in the fleet is
// unhealthy or rate-limited past its reset time.
type NoAvailableAccountsError struct{}

func (e *NoAvailableAccountsError) Error() string {
	return "kiro: no available accounts"
}

// UpstreamError wraps a non-retryable status returned by the CodeWhisperer
// endpoint that doesn't fit the taxonomy above.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("kiro: upstream returned status %d: %s", e.StatusCode, e.Body)
}

// MaxRetriesExceededError reports that the dispatcher's retry loop was
// exhausted without a successful response.
type MaxRetriesExceededError struct {
	Attempts int
	LastErr  error
}

func (e *MaxRetriesExceededError) Error() string {
	return fmt.Sprintf("kiro: exceeded %d retries, last error: %v", e.Attempts, e.LastErr)
}

func (e *MaxRetriesExceededError) Unwrap() error {
	return e.LastErr
}
