package kiro

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// landingPortRange is the block of loopback-only ports the landing server
// tries in order, picking the first free one.
var landingPortRange = [2]int{19847, 19856}

// LandingServer is the short-lived loopback HTTP server shown to the user
// during a device-code authorization: it displays the verification URL and
// user code, and polls its own /status endpoint until the DeviceSession
// resolves.
type LandingServer struct {
	session *DeviceSession
	srv     *http.Server
	port    int
}

// StartLandingServer binds the first free port in landingPortRange and
// serves the status page for session until ctx is done; the session
// completing does not stop the server.
func StartLandingServer(ctx context.Context, session *DeviceSession) (*LandingServer, error) {
	listener, port, err := bindFirstFreePort()
	if err != nil {
		return nil, fmt.Errorf("kiro landing server: %w", err)
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	ls := &LandingServer{session: session, port: port}

	router.GET("/", ls.handleIndex)
	router.GET("/status", ls.handleStatus)

	ls.srv = &http.Server{Handler: router}

	go func() {
		if err := ls.srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Warnf("kiro landing server: serve error: %v", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = ls.srv.Shutdown(shutdownCtx)
	}()

	return ls, nil
}

// Port reports the loopback port this server bound.
func (ls *LandingServer) Port() int { return ls.port }

// URL returns the full http://127.0.0.1:<port>/ address to open.
func (ls *LandingServer) URL() string {
	return fmt.Sprintf("http://127.0.0.1:%d/", ls.port)
}

func bindFirstFreePort() (net.Listener, int, error) {
	for port := landingPortRange[0]; port <= landingPortRange[1]; port++ {
		addr := fmt.Sprintf("127.0.0.1:%d", port)
		listener, err := net.Listen("tcp", addr)
		if err == nil {
			return listener, port, nil
		}
	}
	return nil, 0, fmt.Errorf("no free port in range %d-%d", landingPortRange[0], landingPortRange[1])
}

func (ls *LandingServer) handleIndex(c *gin.Context) {
	snap := ls.session.snapshot()
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.String(http.StatusOK, renderLandingPage(snap))
}

func (ls *LandingServer) handleStatus(c *gin.Context) {
	snap := ls.session.snapshot()
	body := gin.H{
		"status": string(snap.Status),
	}
	if snap.Status == DeviceSessionSuccess && snap.Account != nil {
		body["accountId"] = snap.Account.ID
		body["email"] = snap.Account.Email
	}
	if snap.Status == DeviceSessionFailed {
		body["error"] = snap.Error
	}
	c.JSON(http.StatusOK, body)
}

func renderLandingPage(snap DeviceSession) string {
	switch snap.Status {
	case DeviceSessionSuccess:
		return landingPageShell("Signed in", `<p class="ok">Authentication complete. You can close this tab.</p>`)
	case DeviceSessionFailed:
		return landingPageShell("Sign-in failed", fmt.Sprintf(`<p class="err">%s</p>`, snap.Error))
	default:
		body := fmt.Sprintf(`
<div class="step">
  <div class="step-title">1. Open the verification page</div>
  <a class="auth-btn" href="%s" target="_blank">%s</a>
</div>
<div class="step">
  <div class="step-title">2. Confirm this code matches</div>
  <div class="user-code"><div class="user-code-value">%s</div></div>
</div>
<script>
setInterval(function() {
  fetch('/status').then(function(r){return r.json();}).then(function(d){
    if (d.status === 'success' || d.status === 'failed') { location.reload(); }
  });
}, 2000);
</script>`, snap.VerificationURI, snap.VerificationURI, snap.UserCode)
		return landingPageShell("Sign in with AWS", body)
	}
}

func landingPageShell(title, body string) string {
	return fmt.Sprintf(`<!DOCTYPE html>
<html>
<head>
<meta charset="UTF-8">
<title>%s</title>
<style>
body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, sans-serif; background: #f4f5f7; padding: 40px; }
.container { max-width: 480px; margin: 0 auto; background: #fff; padding: 32px; border-radius: 10px; box-shadow: 0 4px 20px rgba(0,0,0,0.08); }
h1 { font-size: 20px; margin: 0 0 20px; color: #222; }
.step { background: #f8f9fa; padding: 16px; border-radius: 8px; margin-bottom: 12px; }
.step-title { font-weight: 600; margin-bottom: 8px; }
.user-code-value { font-size: 28px; font-weight: bold; font-family: monospace; letter-spacing: 3px; text-align: center; color: #2196F3; }
.auth-btn { display: block; padding: 12px; background: #2196F3; color: #fff; text-decoration: none; border-radius: 6px; text-align: center; }
.ok { color: #2e7d32; }
.err { color: #c62828; }
</style>
</head>
<body>
<div class="container">
<h1>%s</h1>
%s
</div>
</body>
</html>`, title, title, body)
}
