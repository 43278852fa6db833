// Package apikey implements the API-key manager (C5): key generation in
// the dk_<keyId>.<secret> format, a peppered lookup hash plus an
// argon2id verifier hash, a 5-minute validation cache, and an atomic
// credit debit paired with an idempotent billing event. Grounded on this
// codebase's database/sql + lib/pq usage in internal/reputation/wallet.go
// (import shape) — the atomic UPDATE...RETURNING semantics below are new,
// since no teacher file demonstrated one on real SQL.
package apikey

import "time"

// ApiKey is the persisted record, per spec §3. Invariant: balance is
// never negative; a debit is atomic with the check.
type ApiKey struct {
	KeyID        string
	TenantID     string
	LookupHash   string
	VerifierHash string
	Label        string
	BalanceMicro int64
	Revoked      bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// BillingEvent is the append-only record keyed by RequestID, per spec §3.
// A second recording with the same RequestID is a no-op that returns the
// previously committed BalanceAfter.
type BillingEvent struct {
	APIKeyID        string
	RequestID       string
	AmountMicro     int64
	BalanceAfter    int64
	EventType       string
	Metadata        string
	Timestamp       time.Time
}

// ValidatedApiKey is what the cache stores against a lookup hash.
type ValidatedApiKey struct {
	KeyID        string
	TenantID     string
	VerifierHash string
	BalanceMicro int64
	Revoked      bool
}
