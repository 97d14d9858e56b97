package plugin

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/opencode-ai/kiro-gateway/internal/gateway"
	"github.com/opencode-ai/kiro-gateway/internal/kiro"
)

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	store := kiro.NewStore(filepath.Join(t.TempDir(), "kiro-accounts.json"))
	manager, err := kiro.NewManager(store, kiro.PolicySticky)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	refresher := kiro.NewRefresher(manager)
	dispatcher := gateway.New(manager, refresher, gateway.WithUsageTracking(false))
	return FromComponents(manager, refresher, dispatcher)
}

func TestGateway_FetchPassthrough(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	gw := newTestGateway(t)
	req := httptest.NewRequest(http.MethodGet, upstream.URL, nil)
	req.URL, _ = req.URL.Parse(upstream.URL)

	resp, err := gw.Fetch(context.Background(), req)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestGateway_FetchNoAccountsReturnsError(t *testing.T) {
	gw := newTestGateway(t)
	body := strings.NewReader(`{"model":"claude-3","messages":[]}`)
	req := httptest.NewRequest(http.MethodPost, "https://q.us-east-1.amazonaws.com/generateAssistantResponse", body)

	_, err := gw.Fetch(context.Background(), req)
	if err == nil {
		t.Fatal("expected an error with no accounts in the fleet")
	}
	if _, ok := err.(*kiro.NoAvailableAccountsError); !ok {
		t.Fatalf("expected NoAvailableAccountsError, got %T: %v", err, err)
	}
}

func TestGateway_Close(t *testing.T) {
	gw := newTestGateway(t)
	gw.refresher.Start(context.Background())
	gw.Close() // must not panic or block
}
