package kiro

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// deviceFlowOverallCap bounds the entire device-code flow, independent of
// the authorization server's own expiresIn for the device code.
const deviceFlowOverallCap = 15 * time.Minute

// minPollInterval is the floor applied to the server-advertised interval.
const minPollInterval = 5 * time.Second

// DeviceSessionStatus is the closed set of states a device-code session
// passes through.
type DeviceSessionStatus string

const (
	DeviceSessionPending DeviceSessionStatus = "pending"
	DeviceSessionSuccess DeviceSessionStatus = "success"
	DeviceSessionFailed  DeviceSessionStatus = "failed"
)

// DeviceSession tracks one in-flight device-code authorization attempt.
type DeviceSession struct {
	mu sync.Mutex

	StateID         string
	AuthMethod      AuthMethod
	Region          Region
	StartURL        string
	ClientID        string
	ClientSecret    string
	VerificationURI string
	UserCode        string
	CompleteURI     string

	Status      DeviceSessionStatus
	Error       string
	Account     *Account
	StartedAt   time.Time
	CompletedAt time.Time

	cancel context.CancelFunc
}

func (s *DeviceSession) snapshot() DeviceSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s
}

// Snapshot returns a point-in-time copy of the session's state, safe to read
// from another goroutine (the plugin and management surfaces both poll it).
func (s *DeviceSession) Snapshot() DeviceSession {
	return s.snapshot()
}

func (s *DeviceSession) setResult(status DeviceSessionStatus, account *Account, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Status != DeviceSessionPending {
		return
	}
	s.Status = status
	s.Account = account
	s.Error = errMsg
	s.CompletedAt = time.Now()
}

// DevicePoller drives the device-code flow end to end: register client,
// start device authorization, poll for the token on the server's advertised
// interval (respecting slow_down), then mint and return the new Account.
type DevicePoller struct {
	client *OIDCClient
}

// NewDevicePoller builds a poller against region's OIDC endpoint using the
// package default HTTP client.
func NewDevicePoller(region Region) *DevicePoller {
	return &DevicePoller{client: NewOIDCClient(region, nil)}
}

// Begin registers a client and starts device authorization, returning a
// DeviceSession the caller should display (verification URI + user code).
// Begin itself starts polling for the token in a background goroutine.
func (p *DevicePoller) Begin(ctx context.Context, method AuthMethod, region Region, startURL string) (*DeviceSession, error) {
	reg, err := p.client.RegisterClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("kiro device flow: register client: %w", err)
	}

	effectiveStartURL := startURL
	if method == AuthMethodBuilderID {
		effectiveStartURL = BuilderIDStartURL
	}

	auth, err := p.client.StartDeviceAuthorization(ctx, reg.ClientID, reg.ClientSecret, effectiveStartURL)
	if err != nil {
		return nil, fmt.Errorf("kiro device flow: start device authorization: %w", err)
	}

	session := &DeviceSession{
		AuthMethod:      method,
		Region:          region,
		StartURL:        effectiveStartURL,
		ClientID:        reg.ClientID,
		ClientSecret:    reg.ClientSecret,
		VerificationURI: auth.VerificationURI,
		UserCode:        auth.UserCode,
		CompleteURI:     auth.VerificationURIComplete,
		Status:          DeviceSessionPending,
		StartedAt:       time.Now(),
	}

	deviceCode := auth.DeviceCode
	interval := time.Duration(auth.Interval) * time.Second
	if interval < minPollInterval {
		interval = minPollInterval
	}

	runCtx, cancel := context.WithTimeout(context.Background(), deviceFlowOverallCap)
	session.cancel = cancel

	go p.run(runCtx, session, deviceCode, interval)

	return session, nil
}

func (p *DevicePoller) run(ctx context.Context, session *DeviceSession, deviceCode string, interval time.Duration) {
	defer session.cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			session.setResult(DeviceSessionFailed, nil, "authentication timed out")
			return
		case <-ticker.C:
			result, err := p.client.PollToken(ctx, session.ClientID, session.ClientSecret, deviceCode)
			if err != nil {
				switch err {
				case ErrAuthorizationPending:
					continue
				case ErrSlowDown:
					interval += 5 * time.Second
					ticker.Reset(interval)
					continue
				default:
					session.setResult(DeviceSessionFailed, nil, err.Error())
					log.Warnf("kiro device flow: polling failed for state %s: %v", session.StateID, err)
					return
				}
			}

			account := &Account{
				AuthMethod:   session.AuthMethod,
				Region:       NormalizeRegion(string(session.Region)),
				ClientID:     session.ClientID,
				ClientSecret: session.ClientSecret,
				StartURL:     session.StartURL,
				AccessToken:  result.AccessToken,
				RefreshToken: result.RefreshToken,
				ExpiresAt:    result.ExpiresAtMs,
				IsHealthy:    true,
			}
			account.Email = PlaceholderEmail(session.AuthMethod, session.ClientID+session.StartURL)
			account.RecomputeID()

			session.setResult(DeviceSessionSuccess, account, "")
			log.Infof("kiro device flow: authentication succeeded for account %s", account.ID)
			return
		}
	}
}
