package store

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-process fallback implementing Store. Per the
// open question on in-process rate-limiting, this exists as a safety
// net for a single-process deployment or a test run without Redis — it
// is never the primary path in production, because it provides none of
// the cross-process consistency C4/C5/C3 need once more than one
// gateway instance is running.
type MemoryStore struct {
	mu      sync.RWMutex
	strings map[string]memVal
	zsets   map[string]map[string]float64
}

type memVal struct {
	data    []byte
	expires time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		strings: make(map[string]memVal),
		zsets:   make(map[string]map[string]float64),
	}
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.strings[key]
	if !ok || (!v.expires.IsZero() && time.Now().After(v.expires)) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return v.data, nil
}

func (m *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	m.strings[key] = memVal{data: value, expires: exp}
	return nil
}

func (m *MemoryStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.strings[key]; ok && (v.expires.IsZero() || time.Now().Before(v.expires)) {
		return false, nil
	}
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	m.strings[key] = memVal{data: value, expires: exp}
	return true, nil
}

func (m *MemoryStore) Delete(ctx context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.strings, k)
		delete(m.zsets, k)
	}
	return nil
}

func (m *MemoryStore) IncrementInt(ctx context.Context, key string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var cur int64
	if v, ok := m.strings[key]; ok {
		fmt.Sscanf(string(v.data), "%d", &cur)
	}
	cur += delta
	m.strings[key] = memVal{data: []byte(fmt.Sprintf("%d", cur))}
	return cur, nil
}

func (m *MemoryStore) SortedSetAdd(ctx context.Context, key string, score float64, member string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	z, ok := m.zsets[key]
	if !ok {
		z = make(map[string]float64)
		m.zsets[key] = z
	}
	z[member] = score
	return nil
}

func (m *MemoryStore) SortedSetRemoveRange(ctx context.Context, key string, minScore, maxScore float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	z, ok := m.zsets[key]
	if !ok {
		return nil
	}
	for member, score := range z {
		if score >= minScore && score <= maxScore {
			delete(z, member)
		}
	}
	return nil
}

func (m *MemoryStore) SortedSetCount(ctx context.Context, key string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.zsets[key])), nil
}

// EvalScript does not interpret Lua — MemoryStore only needs to support
// the one atomic operation the fallback rate limiter performs (sliding
// window check-and-insert), implemented directly in Go under the same
// mutex rather than by evaluating a script string.
func (m *MemoryStore) EvalScript(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error) {
	if len(keys) != 1 || len(args) != 4 {
		return nil, fmt.Errorf("store: memory fallback only supports the sliding-window script shape")
	}
	key := keys[0]
	now, _ := toFloat(args[0])
	windowMs, _ := toFloat(args[1])
	maxRequests, _ := toFloat(args[2])

	m.mu.Lock()
	defer m.mu.Unlock()
	z, ok := m.zsets[key]
	if !ok {
		z = make(map[string]float64)
		m.zsets[key] = z
	}
	cutoff := now - windowMs
	for member, score := range z {
		if score < cutoff {
			delete(z, member)
		}
	}
	count := len(z)
	if float64(count) < maxRequests {
		z[fmt.Sprintf("%d-%d", int64(now), count)] = now
		return []interface{}{int64(1), int64(count + 1)}, nil
	}
	return []interface{}{int64(0), int64(count)}, nil
}

func (m *MemoryStore) Publish(ctx context.Context, channel string, message []byte) error { return nil }

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	default:
		var f float64
		_, err := fmt.Sscanf(fmt.Sprintf("%v", v), "%f", &f)
		return f, err == nil
	}
}
