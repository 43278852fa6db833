package jwks

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loa-finn/gateway/internal/errs"
)

var errFetch = errors.New("fetch failed")

type fakeFetcher struct {
	keys map[string]*ecdsa.PublicKey
	err  error
	n    int
}

func (f *fakeFetcher) FetchKeys() (map[string]*ecdsa.PublicKey, error) {
	f.n++
	if f.err != nil {
		return nil, f.err
	}
	return f.keys, nil
}

func genKey(t *testing.T) *ecdsa.PublicKey {
	t.Helper()
	k, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return &k.PublicKey
}

// TestStateTransitionsByAge is Testable Property 5: the manager reports
// DEGRADED before any successful fetch, HEALTHY within StaleThreshold,
// STALE between StaleThreshold and MaxStaleness, and DEGRADED again past
// MaxStaleness — i.e. at the t=16min and t=25h thresholds under the
// default config.
func TestStateTransitionsByAge(t *testing.T) {
	m := New(&fakeFetcher{}, DefaultConfig())

	require.Equal(t, StateDegraded, m.stateLocked(time.Now()), "no successful fetch yet")

	base := time.Now()
	m.lastSuccess = base

	require.Equal(t, StateHealthy, m.stateLocked(base.Add(1*time.Minute)))
	require.Equal(t, StateStale, m.stateLocked(base.Add(16*time.Minute)), "past the 15-minute stale threshold")
	require.Equal(t, StateDegraded, m.stateLocked(base.Add(25*time.Hour)), "past the 24-hour max staleness")
}

func TestInvalidateForcesDegraded(t *testing.T) {
	m := New(&fakeFetcher{}, DefaultConfig())
	m.lastSuccess = time.Now()
	require.Equal(t, StateHealthy, m.State())

	m.Invalidate()
	require.Equal(t, StateDegraded, m.State())
}

// TestResolveKeyUnknownKidWhileDegradedFails covers the DEGRADED branch
// of Property 5: an unknown kid while DEGRADED must fail closed without
// attempting a network refresh.
func TestResolveKeyUnknownKidWhileDegradedFails(t *testing.T) {
	fetcher := &fakeFetcher{}
	m := New(fetcher, DefaultConfig())

	_, err := m.ResolveKey("unknown-kid")
	require.Error(t, err)
	require.Equal(t, errs.KindJWKSDegraded, errs.Of(err))
	require.Equal(t, 0, fetcher.n, "DEGRADED must never attempt a synchronous refresh")
}

// TestResolveKeyKnownKidWhileDegradedSucceeds is Property 5's other
// DEGRADED case: a previously cached kid still resolves even once the
// manager has aged into DEGRADED (the cached key set is never dropped;
// Invalidate only resets the last-success time).
func TestResolveKeyKnownKidWhileDegradedSucceeds(t *testing.T) {
	key := genKey(t)
	fetcher := &fakeFetcher{keys: map[string]*ecdsa.PublicKey{"kid-1": key}}
	cfg := DefaultConfig()
	m := New(fetcher, cfg)

	require.NoError(t, m.refresh())
	require.Equal(t, StateHealthy, m.State())

	// Age past MaxStaleness without a new fetch.
	m.mu.Lock()
	m.lastSuccess = time.Now().Add(-cfg.MaxStaleness - time.Minute)
	m.mu.Unlock()
	require.Equal(t, StateDegraded, m.State())

	got, err := m.ResolveKey("kid-1")
	require.NoError(t, err)
	require.Equal(t, key, got)
}

func TestResolveKeyHealthyTriggersBackgroundRefreshOnMiss(t *testing.T) {
	key := genKey(t)
	fetcher := &fakeFetcher{keys: map[string]*ecdsa.PublicKey{"kid-1": key}}
	m := New(fetcher, DefaultConfig())
	require.NoError(t, m.refresh())

	fetcher.keys = map[string]*ecdsa.PublicKey{"kid-1": key, "kid-2": genKey(t)}
	m.mu.Lock()
	m.lastRefreshAttempt = time.Time{} // bypass the min-refresh-gap throttle
	m.mu.Unlock()

	got, err := m.ResolveKey("kid-2")
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestCircuitOpensAfterMaxConsecutiveFailures(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConsecutiveErr = 2
	cfg.MinRefreshGap = 0
	fetcher := &fakeFetcher{err: errFetch}
	m := New(fetcher, cfg)

	require.Error(t, m.refresh())
	require.Error(t, m.refresh())
	require.True(t, m.circuitOpen(time.Now()), "circuit should open after MaxConsecutiveErr failures")

	callsBeforeOpen := fetcher.n
	require.NoError(t, m.refresh(), "refresh while circuit open returns nil, not a new fetch error")
	require.Equal(t, callsBeforeOpen, fetcher.n, "no fetch attempt while the circuit is open")
}
