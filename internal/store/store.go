// Package store defines the remote state store interface (C1) and its
// go-redis-backed implementation. Every cross-process atomic operation in
// this service — rate limiting, jti replay guard, API-key lookup cache —
// goes through this interface, never through a second Redis client built
// ad hoc elsewhere.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("store: key not found")

// Store is the minimal interface C4/C5/C3 depend on. All operations may
// fail with a transient error (caller may retry) or return one wrapping
// ErrNotFound; neither case should be interpreted as "connection dead" —
// that is a decision callers make from repeated failures, not from a
// single error value.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// SetNX sets key only if it does not already exist, atomically, and
	// reports whether the set happened. Callers that need a totally
	// ordered guard against concurrent first-writers (the jti replay
	// check, most notably) must use this instead of Get-then-Set.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
	IncrementInt(ctx context.Context, key string, delta int64) (int64, error)
	SortedSetAdd(ctx context.Context, key string, score float64, member string) error
	SortedSetRemoveRange(ctx context.Context, key string, minScore, maxScore float64) error
	SortedSetCount(ctx context.Context, key string) (int64, error)
	// EvalScript runs a server-side script atomically. keys are passed as
	// the script's KEYS array, args as ARGV.
	EvalScript(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)
	Publish(ctx context.Context, channel string, message []byte) error
	Ping(ctx context.Context) error
	Close() error
}
