package kiro

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// refreshBuffer is how far ahead of expiry a token is proactively refreshed.
const refreshBuffer = 5 * time.Minute

// RefresherOption configures a Refresher.
type RefresherOption func(*Refresher)

// WithInterval sets how often the background loop sweeps the fleet.
func WithInterval(d time.Duration) RefresherOption {
	return func(r *Refresher) { r.interval = d }
}

// WithConcurrency bounds how many accounts are refreshed at once per sweep.
func WithConcurrency(n int) RefresherOption {
	return func(r *Refresher) { r.concurrency = n }
}

// WithOnRefreshed registers a callback fired after each successful refresh.
func WithOnRefreshed(cb func(accountID string)) RefresherOption {
	return func(r *Refresher) { r.onRefreshed = cb }
}

// WithBuffer overrides how far ahead of expiry a token is proactively
// refreshed (config's token_refresh_buffer_seconds), default refreshBuffer.
func WithBuffer(d time.Duration) RefresherOption {
	return func(r *Refresher) { r.buffer = d }
}

// Refresher refreshes access tokens: on demand (EnsureFresh, called from the
// gateway dispatcher before every upstream request) and proactively (a
// background sweep that keeps the whole fleet ahead of expiry so the
// dispatcher rarely blocks on a refresh).
type Refresher struct {
	manager *Manager
	clients map[Region]*OIDCClient

	interval    time.Duration
	concurrency int
	buffer      time.Duration
	onRefreshed func(accountID string)

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

// NewRefresher builds a Refresher over manager, lazily constructing one
// OIDCClient per region encountered.
func NewRefresher(manager *Manager, opts ...RefresherOption) *Refresher {
	r := &Refresher{
		manager:     manager,
		clients:     make(map[Region]*OIDCClient),
		interval:    time.Minute,
		concurrency: 10,
		buffer:      refreshBuffer,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Refresher) clientFor(region Region) *OIDCClient {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[region]; ok {
		return c
	}
	c := NewOIDCClient(region, nil)
	r.clients[region] = c
	return c
}

// EnsureFresh refreshes a's access token in place if it is expired or within
// the refresher's buffer (refreshBuffer unless WithBuffer set another) of
// expiry. On invalid_grant it removes the account from the
// fleet and returns the error so the caller can react (e.g. skip to the
// next account rather than retrying this one).
func (r *Refresher) EnsureFresh(ctx context.Context, a *Account) error {
	now := time.Now().UnixMilli()
	if !a.AccessTokenExpired(now, int64(r.buffer/time.Millisecond)) {
		return nil
	}
	return r.refresh(ctx, a)
}

// ForceRefresh refreshes a's access token unconditionally, regardless of
// its current expiry. Used after a 401 on the inference path, where the
// upstream has rejected a token EnsureFresh still considered valid.
func (r *Refresher) ForceRefresh(ctx context.Context, a *Account) error {
	return r.refresh(ctx, a)
}

func (r *Refresher) refresh(ctx context.Context, a *Account) error {
	client := r.clientFor(a.Region)
	result, err := client.RefreshToken(ctx, a.ClientID, a.ClientSecret, a.RefreshToken)
	if err != nil {
		if tre, ok := err.(*TokenRefreshError); ok && tre.IsInvalidGrant() {
			log.Warnf("kiro refresher: account %s refresh_token invalid, removing from fleet", a.ID)
			r.manager.Remove(a.ID)
		}
		return err
	}

	r.manager.UpdateFromRefresh(a.ID, result.AccessToken, result.RefreshToken, result.ExpiresAtMs)
	if r.onRefreshed != nil {
		r.onRefreshed(a.ID)
	}
	return nil
}

// Start launches the background sweep loop; it returns immediately and runs
// until the returned context is cancelled or Stop is called.
func (r *Refresher) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true
	r.mu.Unlock()

	go r.loop(loopCtx)
}

// Stop halts the background sweep loop.
func (r *Refresher) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	if r.cancel != nil {
		r.cancel()
	}
	r.running = false
}

func (r *Refresher) loop(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Refresher) sweep(ctx context.Context) {
	accounts := r.manager.Accounts()

	var g errgroup.Group
	g.SetLimit(r.concurrency)

	for _, a := range accounts {
		now := time.Now().UnixMilli()
		if !a.AccessTokenExpired(now, int64(r.buffer/time.Millisecond)) {
			continue
		}

		acc := a
		g.Go(func() error {
			if err := r.refresh(ctx, acc); err != nil {
				log.Warnf("kiro refresher: sweep refresh failed for account %s: %v", acc.ID, err)
			}
			return nil
		})
	}

	g.Wait()
}
