// Package jwks implements the JWKS state machine (C2): fetching, caching,
// rotating, and aging a set of ES256 public keys, classifying the
// manager's own health as HEALTHY, STALE, or DEGRADED. Shape grounded on
// this codebase's token_broker.go — a mutex-guarded map of trusted key
// material with a rotation grace window and periodic sweep — generalized
// from HMAC secret rotation to a fetched public key set.
package jwks

import (
	"crypto/ecdsa"
	"sync"
	"time"

	"github.com/loa-finn/gateway/internal/errs"
)

// State is the manager's self-reported health.
type State string

const (
	StateHealthy  State = "HEALTHY"
	StateStale    State = "STALE"
	StateDegraded State = "DEGRADED"
)

// Fetcher retrieves the current key set from the identity provider. The
// concrete implementation does an HTTP GET and go-jose JWKS unmarshal;
// tests substitute a canned fetcher so no network I/O is required.
type Fetcher interface {
	FetchKeys() (map[string]*ecdsa.PublicKey, error)
}

// Config holds the threshold knobs named in spec §4.2.
type Config struct {
	StaleThreshold    time.Duration
	MaxStaleness      time.Duration
	MinRefreshGap     time.Duration
	CircuitOpenPeriod time.Duration
	MaxConsecutiveErr int
}

func DefaultConfig() Config {
	return Config{
		StaleThreshold:    15 * time.Minute,
		MaxStaleness:      24 * time.Hour,
		MinRefreshGap:     1 * time.Second,
		CircuitOpenPeriod: 60 * time.Second,
		MaxConsecutiveErr: 5,
	}
}

// Manager is the process-wide JWKS cache. All fields past construction
// are protected by mu; readers take a snapshot of the key map rather than
// holding the lock across verification (copy-on-write per spec §5).
type Manager struct {
	fetcher Fetcher
	cfg     Config

	mu                  sync.RWMutex
	keys                map[string]*ecdsa.PublicKey
	lastSuccess         time.Time
	lastRefreshAttempt  time.Time
	consecutiveFailures int
	circuitOpenUntil    time.Time
}

// New constructs a manager in the initial DEGRADED state (no successful
// fetch yet), per spec §4.2.
func New(fetcher Fetcher, cfg Config) *Manager {
	return &Manager{
		fetcher: fetcher,
		cfg:     cfg,
		keys:    make(map[string]*ecdsa.PublicKey),
	}
}

// State classifies the manager's current health from lastSuccess age.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stateLocked(time.Now())
}

func (m *Manager) stateLocked(now time.Time) State {
	if m.lastSuccess.IsZero() {
		return StateDegraded
	}
	age := now.Sub(m.lastSuccess)
	switch {
	case age > m.cfg.MaxStaleness:
		return StateDegraded
	case age > m.cfg.StaleThreshold:
		return StateStale
	default:
		return StateHealthy
	}
}

// Invalidate forces DEGRADED regardless of last-success age, e.g. from
// the admin /admin/jwks/invalidate endpoint.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastSuccess = time.Time{}
}

// snapshot returns a read-only copy of the current key map; callers never
// hold Manager's lock while verifying a signature against it.
func (m *Manager) snapshot() map[string]*ecdsa.PublicKey {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*ecdsa.PublicKey, len(m.keys))
	for k, v := range m.keys {
		out[k] = v
	}
	return out
}

// circuitOpen reports whether refreshes are currently suppressed after
// repeated failures.
func (m *Manager) circuitOpen(now time.Time) bool {
	return !m.circuitOpenUntil.IsZero() && now.Before(m.circuitOpenUntil)
}

// refresh fetches fresh keys, respecting the at-most-once-per-second
// throttle and the post-failure circuit-open cooldown. Safe to call
// concurrently; a refresh already in flight is not deduplicated beyond
// the min-gap throttle, matching the teacher's rotation-check shape
// (a cheap no-op re-check rather than a dedicated singleflight).
func (m *Manager) refresh() error {
	now := time.Now()

	m.mu.Lock()
	if m.circuitOpen(now) {
		m.mu.Unlock()
		return nil // cached set returned unchanged while the circuit is open
	}
	if !m.lastRefreshAttempt.IsZero() && now.Sub(m.lastRefreshAttempt) < m.cfg.MinRefreshGap {
		m.mu.Unlock()
		return nil
	}
	m.lastRefreshAttempt = now
	m.mu.Unlock()

	fetched, err := m.fetcher.FetchKeys()

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.consecutiveFailures++
		if m.consecutiveFailures >= m.cfg.MaxConsecutiveErr {
			m.circuitOpenUntil = time.Now().Add(m.cfg.CircuitOpenPeriod)
		}
		return err
	}
	if len(fetched) == 0 {
		return nil
	}
	m.keys = fetched
	m.lastSuccess = time.Now()
	m.consecutiveFailures = 0
	m.circuitOpenUntil = time.Time{}
	return nil
}

// ResolveKey returns the public key for kid, applying the per-state
// validation policy from spec §4.2. A blocking synchronous refresh is
// only attempted in HEALTHY/STALE states; DEGRADED never makes a network
// call that could hang the request.
func (m *Manager) ResolveKey(kid string) (*ecdsa.PublicKey, error) {
	st := m.State()
	snap := m.snapshot()

	if key, ok := snap[kid]; ok {
		if st == StateHealthy {
			// Known kid on the healthy path: no refresh needed.
			return key, nil
		}
		if st == StateStale {
			return key, nil
		}
		return key, nil // DEGRADED accepts known kid
	}

	switch st {
	case StateDegraded:
		return nil, errs.New(errs.KindJWKSDegraded, "unknown kid while JWKS degraded")
	case StateStale:
		if err := m.refresh(); err != nil {
			return nil, errs.Wrap(errs.KindJWKSDegraded, "refresh failed for unknown kid", err)
		}
	case StateHealthy:
		_ = m.refresh()
	}

	snap = m.snapshot()
	if key, ok := snap[kid]; ok {
		return key, nil
	}
	return nil, errs.New(errs.KindJWKSDegraded, "kid not found after refresh")
}

// Stats exposes the fields the /admin surface mirrors.
type Stats struct {
	State               State
	KeyCount            int
	LastSuccess         time.Time
	ConsecutiveFailures int
	CircuitOpen         bool
}

func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := time.Now()
	return Stats{
		State:               m.stateLocked(now),
		KeyCount:            len(m.keys),
		LastSuccess:         m.lastSuccess,
		ConsecutiveFailures: m.consecutiveFailures,
		CircuitOpen:         m.circuitOpen(now),
	}
}
