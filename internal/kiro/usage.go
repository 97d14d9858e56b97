package kiro

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// usagePath is the getUsageLimits operation on the CodeWhisperer control
// plane, per spec.md §6.
const usagePath = "/getUsageLimits"

// usageResponse is the wire shape returned by getUsageLimits. Field names
// are read in camelCase only; snake_case names are not recognized.
type usageResponse struct {
	UsedCount  int64  `json:"usedCount"`
	LimitCount int64  `json:"limitCount"`
	UserInfo   *struct {
		Email string `json:"email"`
	} `json:"userInfo,omitempty"`
}

// UsageReading is the normalized result of a usage check.
type UsageReading struct {
	UsedCount   int64
	LimitCount  int64
	Email       string // empty if the endpoint didn't resolve one
	IsExhausted bool
}

// UsageChecker queries an account's usage/quota against the CodeWhisperer
// control plane. It is distinct from 402 responses on the inference path:
// this is a proactive check that populates Account.UsedCount/LimitCount and
// resolves an account's real email on first use.
type UsageChecker struct {
	httpClient *http.Client
	region     Region
	baseURL    string // overrides the regional endpoint; set by tests only
}

// NewUsageChecker builds a checker against region's CodeWhisperer endpoint.
func NewUsageChecker(region Region, httpClient *http.Client) *UsageChecker {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &UsageChecker{httpClient: httpClient, region: NormalizeRegion(string(region))}
}

func (c *UsageChecker) endpoint() string {
	if c.baseURL != "" {
		return c.baseURL
	}
	return fmt.Sprintf("https://q.%s.amazonaws.com", c.region)
}

// Check retrieves and normalizes usage for the given account's access token
// and (optional) profile ARN.
func (c *UsageChecker) Check(ctx context.Context, accessToken, profileArn string) (*UsageReading, error) {
	if accessToken == "" {
		return nil, fmt.Errorf("kiro usage: access token is empty")
	}

	q := url.Values{
		"isEmailRequired": {"true"},
		"origin":          {"AI_EDITOR"},
		"resourceType":    {"AGENTIC_REQUEST"},
	}
	if profileArn != "" {
		q.Set("profileArn", profileArn)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint()+usagePath+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("kiro usage: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kiro usage: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("kiro usage: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("kiro usage: status %d: %s", resp.StatusCode, body)
	}

	var parsed usageResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("kiro usage: parse response: %w", err)
	}

	reading := &UsageReading{
		UsedCount:   parsed.UsedCount,
		LimitCount:  parsed.LimitCount,
		IsExhausted: parsed.LimitCount > 0 && parsed.UsedCount >= parsed.LimitCount,
	}
	if parsed.UserInfo != nil {
		reading.Email = parsed.UserInfo.Email
	}
	return reading, nil
}
