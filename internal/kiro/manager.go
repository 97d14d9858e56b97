package kiro

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// SelectionPolicy is the closed set of account-selection strategies.
type SelectionPolicy string

const (
	PolicySticky      SelectionPolicy = "sticky"
	PolicyRoundRobin  SelectionPolicy = "round-robin"
	PolicyLowestUsage SelectionPolicy = "lowest-usage"
)

// ErrNoAvailableAccounts is returned when every account is unhealthy or
// rate-limited past its reset time.
var ErrNoAvailableAccounts = fmt.Errorf("kiro: no available accounts")

// Manager owns the in-memory fleet and serializes every mutation behind a
// single mutex, persisting through Store after each change. Selection
// happens under a short critical section; refresh and upstream I/O happen
// outside it.
type Manager struct {
	mu       sync.Mutex
	store    *Store
	accounts []*Account
	policy   SelectionPolicy
	rrCursor int
}

// NewManager loads the fleet from store and returns a ready Manager.
func NewManager(store *Store, policy SelectionPolicy) (*Manager, error) {
	storage, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("kiro manager: load failed: %w", err)
	}
	if policy == "" {
		policy = PolicySticky
	}
	return &Manager{
		store:    store,
		accounts: storage.Accounts,
		policy:   policy,
		rrCursor: storage.ActiveIndex,
	}, nil
}

func (m *Manager) persistLocked() {
	if err := m.store.Save(&Storage{Accounts: m.accounts, ActiveIndex: m.rrCursor}); err != nil {
		log.Errorf("kiro manager: persist failed: %v", err)
	}
}

// Accounts returns a snapshot copy of the current fleet.
func (m *Manager) Accounts() []*Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Account, len(m.accounts))
	copy(out, m.accounts)
	return out
}

// Add inserts a new account (or replaces one sharing its ID) and persists.
func (m *Manager) Add(a *Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.accounts {
		if existing.ID == a.ID {
			m.accounts[i] = a
			m.persistLocked()
			return
		}
	}
	m.accounts = append(m.accounts, a)
	m.persistLocked()
}

// Remove deletes an account by ID (invalid_grant path) and persists.
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, a := range m.accounts {
		if a.ID == id {
			m.accounts = append(m.accounts[:i], m.accounts[i+1:]...)
			m.persistLocked()
			return
		}
	}
}

// isAvailable reports whether a is usable right now: healthy, or unhealthy
// with an auto-recovery time that has passed.
func isAvailable(a *Account, nowMs int64) bool {
	if a.IsHealthy {
		return a.RateLimitResetTime == 0 || a.RateLimitResetTime <= nowMs
	}
	if a.RecoveryTime == 0 {
		return false // e.g. FORBIDDEN, no auto-recovery
	}
	return a.RecoveryTime <= nowMs
}

// reconcileLocked clears health state on accounts whose recovery time has
// passed, so selection sees them as available again.
func (m *Manager) reconcileLocked(nowMs int64) {
	for _, a := range m.accounts {
		if !a.IsHealthy && a.RecoveryTime != 0 && a.RecoveryTime <= nowMs {
			a.ClearUnhealthy()
		}
		if a.RateLimitResetTime != 0 && a.RateLimitResetTime <= nowMs {
			a.RateLimitResetTime = 0
		}
	}
}

// Select picks the next account per the configured policy. It never blocks
// on network I/O — refresh happens separately via the gateway dispatcher.
func (m *Manager) Select(nowMs int64) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.reconcileLocked(nowMs)

	available := make([]*Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		if isAvailable(a, nowMs) {
			available = append(available, a)
		}
	}
	if len(available) == 0 {
		return nil, ErrNoAvailableAccounts
	}

	switch m.policy {
	case PolicyRoundRobin:
		m.rrCursor = (m.rrCursor + 1) % len(available)
		return available[m.rrCursor], nil
	case PolicyLowestUsage:
		best := available[0]
		for _, a := range available[1:] {
			if lessUsed(a, best) {
				best = a
			}
		}
		return best, nil
	default: // PolicySticky
		if m.rrCursor >= 0 && m.rrCursor < len(available) {
			return available[m.rrCursor], nil
		}
		return available[0], nil
	}
}

// lessUsed orders accounts by raw UsedCount ascending, breaking ties by
// LastUsed ascending (the account idle longest wins the tie).
func lessUsed(a, b *Account) bool {
	if a.UsedCount != b.UsedCount {
		return a.UsedCount < b.UsedCount
	}
	return a.LastUsed < b.LastUsed
}

// MarkRateLimited records a 429 response: healthy stays true, but the
// account is excluded from selection until resetMs passes.
func (m *Manager) MarkRateLimited(id string, resetMs int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.accounts {
		if a.ID == id {
			a.RateLimitResetTime = resetMs
			m.persistLocked()
			return
		}
	}
}

// MarkQuotaExhausted records a 402 response: unhealthy until the start of
// next UTC month.
func (m *Manager) MarkQuotaExhausted(id string, now time.Time) {
	recovery := nextUTCMonthStart(now)
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.accounts {
		if a.ID == id {
			a.MarkUnhealthy("Quota exhausted", recovery.UnixMilli())
			m.persistLocked()
			return
		}
	}
}

// MarkForbidden records a 403 response: unhealthy with no auto-recovery.
func (m *Manager) MarkForbidden(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.accounts {
		if a.ID == id {
			a.MarkUnhealthy("Forbidden", 0)
			m.persistLocked()
			return
		}
	}
}

// UpdateFromRefresh applies a successful token refresh to the account
// matching id and persists.
func (m *Manager) UpdateFromRefresh(id, accessToken, refreshToken string, expiresAtMs int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.accounts {
		if a.ID == id {
			a.AccessToken = accessToken
			if refreshToken != "" {
				a.RefreshToken = refreshToken
			}
			a.ExpiresAt = expiresAtMs
			a.LastSync = time.Now().UnixMilli()
			m.persistLocked()
			return
		}
	}
}

// UpdateUsage applies a usage-endpoint reading and persists.
func (m *Manager) UpdateUsage(id string, used, limit int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.accounts {
		if a.ID == id {
			a.UsedCount = used
			a.LimitCount = limit
			m.persistLocked()
			return
		}
	}
}

// ApplyUsageReading folds a UsageChecker result onto the matching account:
// used/limit counts always, and the real email the first time it resolves
// (accounts start with a PlaceholderEmail until then). A PlaceholderEmail
// carries an identifying seed, not a real identity, so RecomputeID must run
// after replacing it or the account's derived ID would no longer match its
// own persisted entry.
func (m *Manager) ApplyUsageReading(id string, reading *UsageReading) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.accounts {
		if a.ID != id {
			continue
		}
		a.UsedCount = reading.UsedCount
		a.LimitCount = reading.LimitCount
		if reading.Email != "" && a.Email != reading.Email {
			a.Email = reading.Email
			a.RecomputeID()
		}
		m.persistLocked()
		return
	}
}

// TouchLastUsed stamps an account as just-used, for lowest-usage tie
// diagnostics and operator visibility.
func (m *Manager) TouchLastUsed(id string, nowMs int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.accounts {
		if a.ID == id {
			a.LastUsed = nowMs
			m.persistLocked()
			return
		}
	}
}

// nextUTCMonthStart returns 00:00:00 UTC on the first day of next month.
func nextUTCMonthStart(now time.Time) time.Time {
	u := now.UTC()
	return time.Date(u.Year(), u.Month()+1, 1, 0, 0, 0, 0, time.UTC)
}
