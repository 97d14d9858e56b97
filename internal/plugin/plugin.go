// Package plugin exposes the gateway's CLI/plugin surface: the two
// operations an embedding host calls directly — authorizing a new account
// through the device-code flow, and dispatching a fetch-shaped request
// through the gateway's dispatcher.
package plugin

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/opencode-ai/kiro-gateway/internal/config"
	"github.com/opencode-ai/kiro-gateway/internal/gateway"
	"github.com/opencode-ai/kiro-gateway/internal/kiro"
)

// authorizePollInterval is how often Authorize checks a DeviceSession for
// completion while waiting on the user to finish the browser flow.
const authorizePollInterval = 500 * time.Millisecond

// Gateway wires the configuration loader, account store/manager, background
// refresher, and dispatcher together, and is the single object an embedding
// host holds onto. It exposes exactly the two operations spec.md's
// "CLI/plugin surface" names: Authorize and Fetch.
type Gateway struct {
	cfg        config.Config
	store      *kiro.Store
	manager    *kiro.Manager
	refresher  *kiro.Refresher
	dispatcher *gateway.Dispatcher
	watcher    *config.Watcher
}

// Option configures New.
type Option func(*gatewayOptions)

type gatewayOptions struct {
	projectDir string
	storePath  string
	watch      bool
}

// WithProjectDir sets the project directory config.Load layers its
// per-project override file from.
func WithProjectDir(dir string) Option {
	return func(o *gatewayOptions) { o.projectDir = dir }
}

// WithStorePath overrides where the account store persists, default per
// kiro.DefaultAccountsPath.
func WithStorePath(path string) Option {
	return func(o *gatewayOptions) { o.storePath = path }
}

// WithConfigWatch enables watching the configuration files; disabled by
// default since most callers (short-lived CLI invocations) don't need it.
// A reload stores and logs the new Config; the manager, refresher and
// dispatcher keep the settings New built them with.
func WithConfigWatch() Option {
	return func(o *gatewayOptions) { o.watch = true }
}

// New loads configuration, opens the account store, and starts the
// background refresher, returning a ready Gateway. Callers must call Close
// when done to stop the refresher and any config watcher.
func New(ctx context.Context, opts ...Option) (*Gateway, error) {
	var o gatewayOptions
	for _, opt := range opts {
		opt(&o)
	}

	cfg, err := config.Load(o.projectDir)
	if err != nil {
		return nil, fmt.Errorf("plugin: load config: %w", err)
	}

	storePath := o.storePath
	if storePath == "" {
		storePath, err = kiro.DefaultAccountsPath()
		if err != nil {
			return nil, fmt.Errorf("plugin: resolve store path: %w", err)
		}
	}
	store := kiro.NewStore(storePath)

	manager, err := kiro.NewManager(store, cfg.AccountSelectionStrategy)
	if err != nil {
		return nil, fmt.Errorf("plugin: build manager: %w", err)
	}

	refresherOpts := []kiro.RefresherOption{
		kiro.WithBuffer(time.Duration(cfg.TokenRefreshBufferSecs) * time.Second),
	}
	if cfg.ProactiveTokenRefresh {
		refresherOpts = append(refresherOpts,
			kiro.WithInterval(time.Duration(cfg.TokenRefreshIntervalSecs)*time.Second),
		)
	}
	refresher := kiro.NewRefresher(manager, refresherOpts...)
	if cfg.ProactiveTokenRefresh {
		refresher.Start(ctx)
	}

	dispatcher := gateway.New(manager, refresher,
		gateway.WithRateLimitMaxRetries(cfg.RateLimitMaxRetries),
		gateway.WithRetryDelay(time.Duration(cfg.RateLimitRetryDelayMs)*time.Millisecond),
		gateway.WithUsageTracking(cfg.UsageTrackingEnabled),
	)

	g := &Gateway{cfg: cfg, store: store, manager: manager, refresher: refresher, dispatcher: dispatcher}

	if o.watch {
		w, err := config.Watch(o.projectDir, config.OnChange(g.applyConfig))
		if err != nil {
			log.Warnf("plugin: config watch disabled: %v", err)
		} else {
			g.watcher = w
		}
	}

	return g, nil
}

// FromComponents builds a Gateway directly from an already-running manager,
// refresher, and dispatcher, bypassing New's config/store wiring. Used by
// the management surface's tests, and by embedding hosts that assemble
// these pieces themselves.
func FromComponents(manager *kiro.Manager, refresher *kiro.Refresher, dispatcher *gateway.Dispatcher) *Gateway {
	return &Gateway{manager: manager, refresher: refresher, dispatcher: dispatcher}
}

func (g *Gateway) applyConfig(cfg config.Config) {
	g.cfg = cfg
	log.Infof("plugin: configuration reloaded (debug=%v)", cfg.Debug)
}

// Manager exposes the underlying account manager, for the management
// surface and for tests.
func (g *Gateway) Manager() *kiro.Manager { return g.manager }

// Refresher exposes the background refresher, for the management surface's
// force-refresh endpoint.
func (g *Gateway) Refresher() *kiro.Refresher { return g.refresher }

// Dispatcher exposes the underlying dispatcher, for the management
// surface's metrics endpoint.
func (g *Gateway) Dispatcher() *gateway.Dispatcher { return g.dispatcher }

// Authorize runs the device-code flow for method against region (and
// startURL for identity-center), persists the resulting account once the
// user completes the browser step, and returns it. ctx bounds the whole
// wait; the poller itself also enforces its own 15-minute cap.
func (g *Gateway) Authorize(ctx context.Context, method kiro.AuthMethod, region, startURL string) (*kiro.Account, error) {
	poller := kiro.NewDevicePoller(kiro.NormalizeRegion(region))
	session, err := poller.Begin(ctx, method, kiro.NormalizeRegion(region), startURL)
	if err != nil {
		return nil, fmt.Errorf("plugin: begin device flow: %w", err)
	}

	log.Infof("plugin: open %s and enter code %s to finish signing in", session.VerificationURI, session.UserCode)

	ticker := time.NewTicker(authorizePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			snap := session.Snapshot()
			switch snap.Status {
			case kiro.DeviceSessionSuccess:
				g.manager.Add(snap.Account)
				return snap.Account, nil
			case kiro.DeviceSessionFailed:
				return nil, fmt.Errorf("plugin: authorization failed: %s", snap.Error)
			}
		}
	}
}

// Fetch is the fetch-compatible entry point wired directly to the
// dispatcher: everything not aimed at the CodeWhisperer host passes
// through, chat requests are intercepted, translated, retried, and
// reshaped.
func (g *Gateway) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, fmt.Errorf("plugin: read request body: %w", err)
	}

	headers := make(map[string]string, len(req.Header))
	for k := range req.Header {
		headers[k] = req.Header.Get(k)
	}

	result, err := g.dispatcher.Fetch(ctx, &gateway.FetchInput{
		URL:     req.URL.String(),
		Method:  req.Method,
		Headers: headers,
		Body:    body,
	})
	if err != nil {
		return nil, err
	}

	resp := &http.Response{
		StatusCode: result.StatusCode,
		Header:     make(http.Header, len(result.Headers)),
		Body:       io.NopCloser(bytes.NewReader(result.Body)),
	}
	for k, v := range result.Headers {
		resp.Header.Set(k, v)
	}
	if result.Streaming {
		resp.Header.Set("Content-Type", "text/event-stream")
	} else if resp.Header.Get("Content-Type") == "" {
		resp.Header.Set("Content-Type", "application/json")
	}
	return resp, nil
}

// Close stops the background refresher and any active config watcher.
func (g *Gateway) Close() {
	g.refresher.Stop()
	if g.watcher != nil {
		g.watcher.Stop()
	}
}
