// Package ratelimit implements the sliding-window multi-tier rate limiter
// (C4). The atomic check-and-insert is a single Lua script evaluated by
// the store (C1); this is the sole mutation point so fairness holds
// under concurrency, per spec §4.4. Structural idiom (tier config map,
// background-free design, Allow-returns-decision shape) is carried from
// this codebase's in-process rate_limiter.go, generalized to delegate
// atomicity to the remote store instead of a local mutex.
package ratelimit

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/loa-finn/gateway/internal/errs"
	"github.com/loa-finn/gateway/internal/store"
)

// slidingWindowScript removes stale entries, counts what remains, and
// conditionally inserts the new entry — all atomically. KEYS[1] is the
// per-(tier,identifier) sorted-set key. ARGV: now_ms, window_ms,
// max_requests, ttl_seconds.
const slidingWindowScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max_requests = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)

if count < max_requests then
  redis.call('ZADD', key, now, now .. '-' .. math.random(1000000))
  redis.call('EXPIRE', key, ttl)
  return {1, count + 1}
end
return {0, count}
`

// Tier is a named rate-limit policy, per spec §4.4.
type Tier struct {
	MaxRequests int
	Window      time.Duration
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed      bool
	Remaining    int
	RetryAfterS  int
	ResetSeconds int
}

// Limiter evaluates the sliding-window script against the store for each
// configured tier.
type Limiter struct {
	st    store.Store
	tiers map[string]Tier
	log   *log.Logger
}

func New(st store.Store, tiers map[string]Tier) *Limiter {
	return &Limiter{
		st:    st,
		tiers: tiers,
		log:   log.New(log.Writer(), "[ratelimit] ", log.LstdFlags),
	}
}

// Allow checks whether (tier, identifier) is within its window. identifier
// is an IP, wallet address, or API key id depending on tier.
func (l *Limiter) Allow(ctx context.Context, tierName, identifier string) (Decision, error) {
	tier, ok := l.tiers[tierName]
	if !ok {
		return Decision{}, errs.New(errs.KindInternal, fmt.Sprintf("unknown rate-limit tier %q", tierName))
	}

	key := fmt.Sprintf("ratelimit:%s:%s", tierName, identifier)
	now := float64(time.Now().UnixMilli())
	windowMs := float64(tier.Window.Milliseconds())
	ttlSec := int64(math.Ceil(tier.Window.Seconds()))

	res, err := l.st.EvalScript(ctx, slidingWindowScript, []string{key}, now, windowMs, tier.MaxRequests, ttlSec)
	if err != nil {
		l.log.Printf("script evaluation failed for %s: %v", key, err)
		return Decision{}, errs.Wrap(errs.KindInternal, "rate-limit script failed", err)
	}

	allowed, count := parseScriptResult(res)
	remaining := tier.MaxRequests - count
	if remaining < 0 {
		remaining = 0
	}

	d := Decision{
		Allowed:      allowed,
		Remaining:    remaining,
		ResetSeconds: int(ttlSec),
	}
	if !allowed {
		d.RetryAfterS = int(ttlSec)
	}
	return d, nil
}

// parseScriptResult normalizes the {allowed, count} reply shape, which
// arrives as []interface{} from go-redis and as []interface{} of int64
// from the in-memory fallback script.
func parseScriptResult(res interface{}) (allowed bool, count int) {
	arr, ok := res.([]interface{})
	if !ok || len(arr) != 2 {
		return false, 0
	}
	allowed = toInt64(arr[0]) == 1
	count = int(toInt64(arr[1]))
	return
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
