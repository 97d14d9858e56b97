// Package kiro manages the fleet of AWS CodeWhisperer ("Q") accounts: their
// OAuth device-code lifecycle, on-disk persistence, health state machine,
// and selection policy for the gateway dispatcher.
package kiro

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Region is the closed set of CodeWhisperer regions this gateway talks to.
type Region string

const (
	RegionUSEast1 Region = "us-east-1"
	RegionUSWest2 Region = "us-west-2"
)

// NormalizeRegion maps an arbitrary string onto the closed region set,
// defaulting to us-east-1 for anything unrecognized.
func NormalizeRegion(r string) Region {
	switch Region(r) {
	case RegionUSEast1, RegionUSWest2:
		return Region(r)
	default:
		return RegionUSEast1
	}
}

// AuthMethod is the canonical pair this gateway persists. Builder-ID is
// modeled as the fixed-startURL specialization of identity-center.
type AuthMethod string

const (
	AuthMethodBuilderID      AuthMethod = "builder-id"
	AuthMethodIdentityCenter AuthMethod = "identity-center"
)

// BuilderIDStartURL is the fixed SSO start URL used by the Builder-ID variant.
const BuilderIDStartURL = "https://view.awsapps.com/start"

// Account is one authenticated identity in the fleet.
type Account struct {
	ID    string `json:"id"`
	Email string `json:"email"`

	AuthMethod AuthMethod `json:"auth_method"`
	Region     Region     `json:"region"`

	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	StartURL     string `json:"start_url,omitempty"`
	ProfileArn   string `json:"profile_arn,omitempty"`

	RefreshToken string `json:"refresh_token"`
	AccessToken  string `json:"access_token"`
	ExpiresAt    int64  `json:"expires_at"` // epoch ms

	IsHealthy       bool   `json:"is_healthy"`
	UnhealthyReason string `json:"unhealthy_reason,omitempty"`
	RecoveryTime    int64  `json:"recovery_time,omitempty"` // epoch ms

	RateLimitResetTime int64 `json:"rate_limit_reset_time,omitempty"` // epoch ms
	FailCount          int   `json:"fail_count"`
	LastUsed           int64 `json:"last_used,omitempty"`
	LastSync           int64 `json:"last_sync,omitempty"`

	UsedCount  int64 `json:"used_count"`
	LimitCount int64 `json:"limit_count"`
}

// DeriveID computes the deterministic 32-hex account ID from the four
// identifying fields. Mutating any of them yields a different ID.
func DeriveID(email string, method AuthMethod, clientID, profileArn string) string {
	sum := sha256.Sum256([]byte(string(method) + "|" + email + "|" + clientID + "|" + profileArn))
	return hex.EncodeToString(sum[:])[:32]
}

// PlaceholderEmail synthesizes the email used before the real one is known
// (resolved later via the usage endpoint, see UsageChecker).
func PlaceholderEmail(method AuthMethod, seed string) string {
	sum := sha256.Sum256([]byte(seed))
	return fmt.Sprintf("%s-placeholder+%s@awsapps.local", method, hex.EncodeToString(sum[:])[:16])
}

// NewAccount builds an Account with its ID derived and health defaulted to
// healthy, applying region normalization.
func NewAccount(email string, method AuthMethod, region string, clientID, clientSecret, startURL, profileArn string) *Account {
	return &Account{
		ID:           DeriveID(email, method, clientID, profileArn),
		Email:        email,
		AuthMethod:   method,
		Region:       NormalizeRegion(region),
		ClientID:     clientID,
		ClientSecret: clientSecret,
		StartURL:     startURL,
		ProfileArn:   profileArn,
		IsHealthy:    true,
	}
}

// RecomputeID refreshes a.ID after any of the four identifying fields changed.
func (a *Account) RecomputeID() {
	a.ID = DeriveID(a.Email, a.AuthMethod, a.ClientID, a.ProfileArn)
}

// MarkUnhealthy sets the unhealthy triple. recoveryMs is epoch ms, or 0 for
// "no automatic recovery" (e.g. 403/Forbidden).
func (a *Account) MarkUnhealthy(reason string, recoveryMs int64) {
	a.IsHealthy = false
	a.UnhealthyReason = reason
	a.RecoveryTime = recoveryMs
}

// ClearUnhealthy restores health after an auto-recovery check passes.
func (a *Account) ClearUnhealthy() {
	a.IsHealthy = true
	a.UnhealthyReason = ""
	a.RecoveryTime = 0
}

// AccessTokenExpired reports whether the access token is expired, or will
// expire within buffer of now (both epoch ms).
func (a *Account) AccessTokenExpired(nowMs, bufferMs int64) bool {
	if a.AccessToken == "" {
		return true
	}
	return a.ExpiresAt-nowMs <= bufferMs
}

// QuotaExhausted reports whether usage has met or exceeded the limit.
func (a *Account) QuotaExhausted() bool {
	return a.LimitCount > 0 && a.UsedCount >= a.LimitCount
}
