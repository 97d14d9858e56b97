package kiro

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestOIDCClient(srv *httptest.Server) *OIDCClient {
	c := NewOIDCClient(RegionUSEast1, srv.Client())
	c.baseURL = srv.URL
	return c
}

func TestOIDCClient_RegisterClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/client/register" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(ClientRegistration{ClientID: "cid", ClientSecret: "sec"})
	}))
	defer srv.Close()

	client := newTestOIDCClient(srv)
	reg, err := client.RegisterClient(context.Background())
	if err != nil {
		t.Fatalf("RegisterClient: %v", err)
	}
	if reg.ClientID != "cid" || reg.ClientSecret != "sec" {
		t.Errorf("unexpected registration: %+v", reg)
	}
}

func TestOIDCClient_StartDeviceAuthorization(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/device_authorization" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		_ = r.ParseForm()
		if r.Form.Get("startUrl") != BuilderIDStartURL {
			t.Errorf("unexpected startUrl: %s", r.Form.Get("startUrl"))
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(DeviceAuthorization{
			DeviceCode: "dc", UserCode: "ABCD-EFGH",
			VerificationURI: "https://x/verify", ExpiresIn: 600, Interval: 5,
		})
	}))
	defer srv.Close()

	client := newTestOIDCClient(srv)
	auth, err := client.StartDeviceAuthorization(context.Background(), "cid", "sec", BuilderIDStartURL)
	if err != nil {
		t.Fatalf("StartDeviceAuthorization: %v", err)
	}
	if auth.UserCode != "ABCD-EFGH" {
		t.Errorf("unexpected user code: %s", auth.UserCode)
	}
}

func TestOIDCClient_PollToken_AuthorizationPending(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "authorization_pending"})
	}))
	defer srv.Close()

	client := newTestOIDCClient(srv)
	_, err := client.PollToken(context.Background(), "cid", "sec", "dc")
	if err != ErrAuthorizationPending {
		t.Fatalf("expected ErrAuthorizationPending, got %v", err)
	}
}

func TestOIDCClient_PollToken_SlowDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "slow_down"})
	}))
	defer srv.Close()

	client := newTestOIDCClient(srv)
	_, err := client.PollToken(context.Background(), "cid", "sec", "dc")
	if err != ErrSlowDown {
		t.Fatalf("expected ErrSlowDown, got %v", err)
	}
}

func TestOIDCClient_PollToken_ExpiredToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "expired_token"})
	}))
	defer srv.Close()

	client := newTestOIDCClient(srv)
	_, err := client.PollToken(context.Background(), "cid", "sec", "dc")
	if err != ErrExpiredToken {
		t.Fatalf("expected ErrExpiredToken, got %v", err)
	}
}

func TestOIDCClient_PollToken_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"accessToken":  "at",
			"refreshToken": "rt",
			"expiresIn":    3600,
		})
	}))
	defer srv.Close()

	client := newTestOIDCClient(srv)
	result, err := client.PollToken(context.Background(), "cid", "sec", "dc")
	if err != nil {
		t.Fatalf("PollToken: %v", err)
	}
	if result.AccessToken != "at" || result.RefreshToken != "rt" {
		t.Errorf("unexpected token result: %+v", result)
	}
	if result.ExpiresAtMs <= 0 {
		t.Errorf("expected positive ExpiresAtMs, got %d", result.ExpiresAtMs)
	}
}

func TestOIDCClient_RefreshToken_InvalidGrant(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer srv.Close()

	client := newTestOIDCClient(srv)
	_, err := client.RefreshToken(context.Background(), "cid", "sec", "rt")
	if err == nil {
		t.Fatal("expected error")
	}
	tre, ok := err.(*TokenRefreshError)
	if !ok {
		t.Fatalf("expected *TokenRefreshError, got %T", err)
	}
	if !tre.IsInvalidGrant() {
		t.Errorf("expected invalid_grant subcode, got %s", tre.Code)
	}
}

func TestOIDCClient_RefreshToken_OtherBadRequestIsNotInvalidGrant(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_request","error_description":"missing clientId"}`))
	}))
	defer srv.Close()

	client := newTestOIDCClient(srv)
	_, err := client.RefreshToken(context.Background(), "cid", "sec", "rt")
	if err == nil {
		t.Fatal("expected error")
	}
	tre, ok := err.(*TokenRefreshError)
	if !ok {
		t.Fatalf("expected *TokenRefreshError, got %T", err)
	}
	if tre.IsInvalidGrant() {
		t.Errorf("a 400 invalid_request must not be treated as invalid_grant, got code %s", tre.Code)
	}
	if tre.Code != "invalid_request" {
		t.Errorf("expected code from response body, got %s", tre.Code)
	}
}

func TestOIDCClient_RefreshToken_BodyWithoutErrorFallsBackToHTTPStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	client := newTestOIDCClient(srv)
	_, err := client.RefreshToken(context.Background(), "cid", "sec", "rt")
	tre, ok := err.(*TokenRefreshError)
	if !ok {
		t.Fatalf("expected *TokenRefreshError, got %T", err)
	}
	if tre.Code != "HTTP_500" {
		t.Errorf("expected HTTP_500 fallback code, got %s", tre.Code)
	}
}

func TestOIDCClient_RegisterClient_SendsSpecScopesAndGrantTypes(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&captured)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"clientId":     "cid",
			"clientSecret": "sec",
		})
	}))
	defer srv.Close()

	client := newTestOIDCClient(srv)
	if _, err := client.RegisterClient(context.Background()); err != nil {
		t.Fatalf("RegisterClient: %v", err)
	}

	if captured["clientName"] != "Kiro IDE" {
		t.Errorf("expected clientName %q, got %v", "Kiro IDE", captured["clientName"])
	}
	scopes, ok := captured["scopes"].([]any)
	if !ok {
		t.Fatalf("expected scopes array, got %T", captured["scopes"])
	}
	wantScopes := []string{
		"codewhisperer:completions",
		"codewhisperer:analysis",
		"codewhisperer:conversations",
		"codewhisperer:transformations",
		"codewhisperer:taskassist",
	}
	if len(scopes) != len(wantScopes) {
		t.Fatalf("expected %d scopes, got %d: %v", len(wantScopes), len(scopes), scopes)
	}
	for i, want := range wantScopes {
		if scopes[i] != want {
			t.Errorf("scope[%d] = %v, want %s", i, scopes[i], want)
		}
	}
	grantTypes, ok := captured["grantTypes"].([]any)
	if !ok || len(grantTypes) != 2 || grantTypes[0] != "device_code" || grantTypes[1] != "refresh_token" {
		t.Errorf("expected grantTypes [device_code refresh_token], got %v", captured["grantTypes"])
	}
}
