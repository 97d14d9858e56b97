// Package management exposes the gateway's operator-facing HTTP surface: a
// read-only account listing and force-refresh endpoint, plus the loopback
// login pages mounted for remote/headless device-code authorization,
// grounded in the teacher's gin-based OAuthWebHandler.
package management

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/opencode-ai/kiro-gateway/internal/kiro"
	"github.com/opencode-ai/kiro-gateway/internal/plugin"
)

// Server is the management HTTP surface.
type Server struct {
	gw     *plugin.Gateway
	router *gin.Engine

	sessionsMu sync.Mutex
	sessions   map[string]*kiro.DeviceSession
}

// NewServer builds the gin.Engine exposing the account and login routes
// over gw. Callers mount it themselves (http.ListenAndServe, httptest, a
// reverse-proxied subpath, etc.).
func NewServer(gw *plugin.Gateway) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{gw: gw, router: router, sessions: make(map[string]*kiro.DeviceSession)}

	v1 := router.Group("/v1")
	v1.GET("/accounts", s.handleListAccounts)
	v1.POST("/accounts/:id/refresh", s.handleForceRefresh)

	oauth := router.Group("/v0/oauth/kiro")
	oauth.GET("/start", s.handleOAuthStart)
	oauth.GET("/status", s.handleOAuthStatus)
	oauth.GET("/success", s.handleOAuthSuccess)
	oauth.GET("/error", s.handleOAuthError)

	return s
}

// Handler returns the underlying http.Handler, for http.Server or httptest.
func (s *Server) Handler() http.Handler { return s.router }

// redactedAccount is the account shape this surface exposes: everything
// except the fields that authenticate the account (tokens, client secret).
type redactedAccount struct {
	ID              string `json:"id"`
	Email           string `json:"email"`
	AuthMethod      string `json:"auth_method"`
	Region          string `json:"region"`
	IsHealthy       bool   `json:"is_healthy"`
	UnhealthyReason string `json:"unhealthy_reason,omitempty"`
	UsedCount       int64  `json:"used_count"`
	LimitCount      int64  `json:"limit_count"`
	LastUsed        int64  `json:"last_used,omitempty"`
}

func redact(a *kiro.Account) redactedAccount {
	return redactedAccount{
		ID:              a.ID,
		Email:           a.Email,
		AuthMethod:      string(a.AuthMethod),
		Region:          string(a.Region),
		IsHealthy:       a.IsHealthy,
		UnhealthyReason: a.UnhealthyReason,
		UsedCount:       a.UsedCount,
		LimitCount:      a.LimitCount,
		LastUsed:        a.LastUsed,
	}
}

func (s *Server) handleListAccounts(c *gin.Context) {
	accounts := s.gw.Manager().Accounts()
	metrics := s.gw.Dispatcher().Metrics()

	out := make([]gin.H, 0, len(accounts))
	for _, a := range accounts {
		m := metrics.Snapshot(a.ID)
		out = append(out, gin.H{
			"account": redact(a),
			"metrics": gin.H{
				"total_requests": m.TotalRequests,
				"success_rate":   m.SuccessRate,
				"avg_latency_ms": m.AvgLatencyMs,
				"fail_count":     m.FailCount,
			},
		})
	}
	c.JSON(http.StatusOK, gin.H{"accounts": out})
}

func (s *Server) handleForceRefresh(c *gin.Context) {
	id := c.Param("id")
	var target *kiro.Account
	for _, a := range s.gw.Manager().Accounts() {
		if a.ID == id {
			target = a
			break
		}
	}
	if target == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()
	if err := s.gw.Refresher().ForceRefresh(ctx, target); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": redact(target)})
}

// handleOAuthStart begins a device-code session for the requested auth
// method and region, tracks it by state ID, and returns JSON carrying the
// state ID, verification URI and user code; it does not redirect.
func (s *Server) handleOAuthStart(c *gin.Context) {
	method := kiro.AuthMethod(c.DefaultQuery("method", string(kiro.AuthMethodBuilderID)))
	region := kiro.NormalizeRegion(c.Query("region"))
	startURL := c.Query("start_url")

	poller := kiro.NewDevicePoller(region)
	session, err := poller.Begin(c.Request.Context(), method, region, startURL)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	stateID := fmt.Sprintf("%s-%d", session.UserCode, time.Now().UnixNano())
	s.sessionsMu.Lock()
	s.sessions[stateID] = session
	s.sessionsMu.Unlock()

	c.JSON(http.StatusOK, gin.H{
		"state":            stateID,
		"verification_uri": session.VerificationURI,
		"user_code":        session.UserCode,
	})
}

func (s *Server) handleOAuthStatus(c *gin.Context) {
	session := s.lookupSession(c)
	if session == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown state"})
		return
	}
	snap := session.Snapshot()
	body := gin.H{"status": string(snap.Status)}
	if snap.Status == kiro.DeviceSessionSuccess && snap.Account != nil {
		body["account_id"] = snap.Account.ID
		s.gw.Manager().Add(snap.Account)
	}
	if snap.Status == kiro.DeviceSessionFailed {
		body["error"] = snap.Error
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleOAuthSuccess(c *gin.Context) {
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.String(http.StatusOK, "<!DOCTYPE html><title>Signed in</title><p>Authentication complete. You can close this tab.</p>")
}

func (s *Server) handleOAuthError(c *gin.Context) {
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.String(http.StatusOK, "<!DOCTYPE html><title>Sign-in failed</title><p>%s</p>", c.Query("message"))
}

func (s *Server) lookupSession(c *gin.Context) *kiro.DeviceSession {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()
	return s.sessions[c.Query("state")]
}
