package management

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/opencode-ai/kiro-gateway/internal/gateway"
	"github.com/opencode-ai/kiro-gateway/internal/kiro"
	"github.com/opencode-ai/kiro-gateway/internal/plugin"
)

func newTestServer(t *testing.T, accounts ...*kiro.Account) (*Server, *kiro.Manager) {
	t.Helper()
	store := kiro.NewStore(filepath.Join(t.TempDir(), "kiro-accounts.json"))
	if len(accounts) > 0 {
		if err := store.Save(&kiro.Storage{Accounts: accounts}); err != nil {
			t.Fatalf("seed store: %v", err)
		}
	}
	manager, err := kiro.NewManager(store, kiro.PolicySticky)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	refresher := kiro.NewRefresher(manager)
	dispatcher := gateway.New(manager, refresher, gateway.WithUsageTracking(false))

	gw := plugin.FromComponents(manager, refresher, dispatcher)
	return NewServer(gw), manager
}

func TestServer_ListAccountsRedactsSecrets(t *testing.T) {
	acc := kiro.NewAccount("user@example.com", kiro.AuthMethodBuilderID, "us-east-1", "client-id", "top-secret", kiro.BuilderIDStartURL, "")
	acc.AccessToken = "access-secret"
	acc.RefreshToken = "refresh-secret"

	srv, _ := newTestServer(t, acc)

	req := httptest.NewRequest(http.MethodGet, "/v1/accounts", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "top-secret") || strings.Contains(rec.Body.String(), "access-secret") {
		t.Fatalf("expected secrets to be redacted, got: %s", rec.Body.String())
	}

	var payload struct {
		Accounts []struct {
			Account struct {
				ID string `json:"id"`
			} `json:"account"`
		} `json:"accounts"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(payload.Accounts) != 1 || payload.Accounts[0].Account.ID != acc.ID {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestServer_ForceRefreshUnknownAccount(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/accounts/does-not-exist/refresh", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestServer_OAuthStatusUnknownState(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v0/oauth/kiro/status?state=nope", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
