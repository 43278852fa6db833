package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
)

func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	rs, err := NewRedisStore(mr.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { rs.Close() })
	return rs
}

// TestSetNXFirstWriterWins is Testable Property 3's store-level
// precondition: SetNX must let exactly one of N concurrent callers win,
// which is what the jti replay guard's totally-ordered semantics rely on.
func TestSetNXFirstWriterWins(t *testing.T) {
	for _, tc := range []struct {
		name  string
		store Store
	}{
		{"memory", NewMemoryStore()},
		{"redis", newTestRedisStoreForSubtest(t)},
	} {
		t.Run(tc.name, func(t *testing.T) {
			const n = 50
			var wg sync.WaitGroup
			wins := make([]bool, n)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					ok, err := tc.store.SetNX(context.Background(), "race-key", []byte("1"), time.Minute)
					require.NoError(t, err)
					wins[i] = ok
				}(i)
			}
			wg.Wait()

			winCount := 0
			for _, w := range wins {
				if w {
					winCount++
				}
			}
			require.Equal(t, 1, winCount, "exactly one concurrent SetNX call should win")
		})
	}
}

func newTestRedisStoreForSubtest(t *testing.T) *RedisStore {
	return newTestRedisStore(t)
}

func TestSetNXRespectsExpiredEntries(t *testing.T) {
	m := NewMemoryStore()
	ok, err := m.SetNX(context.Background(), "k", []byte("1"), time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(5 * time.Millisecond)

	ok, err = m.SetNX(context.Background(), "k", []byte("2"), time.Minute)
	require.NoError(t, err)
	require.True(t, ok, "an expired key must not block a new first-writer")
}

func TestSetNXDoesNotOverwriteLiveValue(t *testing.T) {
	m := NewMemoryStore()
	ok, err := m.SetNX(context.Background(), "k", []byte("first"), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = m.SetNX(context.Background(), "k", []byte("second"), time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	v, err := m.Get(context.Background(), "k")
	require.NoError(t, err)
	require.Equal(t, "first", string(v))
}

func TestRedisStoreGetMissReturnsErrNotFound(t *testing.T) {
	rs := newTestRedisStore(t)
	_, err := rs.Get(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}
