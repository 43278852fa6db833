package apikey

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/loa-finn/gateway/internal/errs"
	"github.com/loa-finn/gateway/internal/store"
)

// Manager implements C5 over a Postgres-backed *sql.DB for the durable
// record and a Store (C1) for the 5-minute validation cache. The cache
// is consulted before the persistent store; a cached revoked sentinel
// short-circuits without a store read, per spec §4.5.
type Manager struct {
	db       *sql.DB
	cache    store.Store
	pepper   string
	cacheTTL time.Duration
	argon2   Argon2Params
}

const revokedSentinel = "__revoked__"

func NewManager(db *sql.DB, cache store.Store, pepper string, cacheTTL time.Duration, argon2 Argon2Params) *Manager {
	return &Manager{db: db, cache: cache, pepper: pepper, cacheTTL: cacheTTL, argon2: argon2}
}

// Create generates a new key, hashes both halves, and persists the
// record with the starting credit balance.
func (m *Manager) Create(ctx context.Context, tenantID, label string, initialBalanceMicro int64) (*GenerateResult, error) {
	gen, err := Generate()
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "key generation failed", err)
	}
	_, secret, ok := ParsePlaintext(gen.Plaintext)
	if !ok {
		return nil, errs.New(errs.KindInternal, "generated key failed self-validation")
	}

	lookupHash := LookupHash(m.pepper, gen.Plaintext)
	verifierHash, err := VerifierHash(secret, m.argon2)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "verifier hash failed", err)
	}

	_, err = m.db.ExecContext(ctx, `
		INSERT INTO api_keys (key_id, tenant_id, lookup_hash, verifier_hash, label, balance_micro, revoked, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, false, now(), now())
	`, gen.KeyID, tenantID, lookupHash, verifierHash, label, initialBalanceMicro)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "persisting api key failed", err)
	}
	return gen, nil
}

// Validate resolves a presented plaintext key to a ValidatedApiKey,
// consulting the cache first.
func (m *Manager) Validate(ctx context.Context, plaintext string) (*ValidatedApiKey, error) {
	_, secret, ok := ParsePlaintext(plaintext)
	if !ok {
		return nil, errs.New(errs.KindAPIKeyInvalid, "malformed api key")
	}
	lookupHash := LookupHash(m.pepper, plaintext)

	if cached, hit := m.readCache(ctx, lookupHash); hit {
		if cached == nil {
			return nil, errs.New(errs.KindAPIKeyRevoked, "api key revoked")
		}
		if !VerifySecret(secret, cached.VerifierHash, m.argon2) {
			return nil, errs.New(errs.KindAPIKeyInvalid, "secret does not match")
		}
		return cached, nil
	}

	row := m.db.QueryRowContext(ctx, `
		SELECT key_id, tenant_id, verifier_hash, balance_micro, revoked
		FROM api_keys WHERE lookup_hash = $1
	`, lookupHash)

	var v ValidatedApiKey
	if err := row.Scan(&v.KeyID, &v.TenantID, &v.VerifierHash, &v.BalanceMicro, &v.Revoked); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.New(errs.KindAPIKeyInvalid, "unknown api key")
		}
		return nil, errs.Wrap(errs.KindInternal, "api key lookup failed", err)
	}

	if v.Revoked {
		m.writeCacheRevoked(ctx, lookupHash)
		return nil, errs.New(errs.KindAPIKeyRevoked, "api key revoked")
	}

	if !VerifySecret(secret, v.VerifierHash, m.argon2) {
		return nil, errs.New(errs.KindAPIKeyInvalid, "secret does not match")
	}

	m.writeCache(ctx, lookupHash, &v)
	return &v, nil
}

// Revoke marks a key revoked and writes the revoked sentinel to cache
// immediately so in-flight validations stop succeeding within the TTL.
func (m *Manager) Revoke(ctx context.Context, keyID string) error {
	var lookupHash string
	err := m.db.QueryRowContext(ctx, `UPDATE api_keys SET revoked = true, updated_at = now() WHERE key_id = $1 RETURNING lookup_hash`, keyID).Scan(&lookupHash)
	if errors.Is(err, sql.ErrNoRows) {
		return errs.New(errs.KindNotFound, "unknown key id")
	}
	if err != nil {
		return errs.Wrap(errs.KindInternal, "revoke failed", err)
	}
	m.writeCacheRevoked(ctx, lookupHash)
	return nil
}

// Debit performs the atomic credit debit plus idempotent billing-event
// record described in spec §4.5: a single UPDATE ... RETURNING gated on
// balance >= cost AND NOT revoked; on zero rows, 402 is the caller's
// responsibility to surface (this method just returns the tagged error).
func (m *Manager) Debit(ctx context.Context, keyID, requestID string, costMicro int64, eventType, metadata string) (int64, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errs.Wrap(errs.KindInternal, "begin tx failed", err)
	}
	defer tx.Rollback()

	// Idempotency: a prior recording of this requestId wins outright.
	var existingBalance int64
	err = tx.QueryRowContext(ctx, `SELECT balance_after FROM billing_events WHERE request_id = $1`, requestID).Scan(&existingBalance)
	if err == nil {
		return existingBalance, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, errs.Wrap(errs.KindInternal, "billing event lookup failed", err)
	}

	var newBalance int64
	err = tx.QueryRowContext(ctx, `
		UPDATE api_keys SET balance_micro = balance_micro - $1, updated_at = now()
		WHERE key_id = $2 AND balance_micro >= $1 AND NOT revoked
		RETURNING balance_micro
	`, costMicro, keyID).Scan(&newBalance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, errs.New(errs.KindCreditsExhausted, "insufficient balance or revoked key")
	}
	if err != nil {
		return 0, errs.Wrap(errs.KindInternal, "debit update failed", err)
	}

	metaJSON, _ := json.Marshal(metadata)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO billing_events (api_key_id, request_id, amount_micro, balance_after, event_type, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
	`, keyID, requestID, costMicro, newBalance, eventType, string(metaJSON))
	if err != nil {
		return 0, errs.Wrap(errs.KindInternal, "billing event insert failed", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, errs.Wrap(errs.KindInternal, "commit failed", err)
	}

	m.invalidateBalance(ctx, keyID)
	return newBalance, nil
}

// BalanceByID looks up a key's current balance directly by key id, for
// the GET /api/v1/keys/:key_id/balance route — the validation cache is
// keyed by lookup hash (derived from the plaintext secret), which the
// balance route never has access to.
func (m *Manager) BalanceByID(ctx context.Context, keyID string) (int64, error) {
	var balance int64
	var revoked bool
	err := m.db.QueryRowContext(ctx, `SELECT balance_micro, revoked FROM api_keys WHERE key_id = $1`, keyID).Scan(&balance, &revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, errs.New(errs.KindNotFound, "unknown key id")
	}
	if err != nil {
		return 0, errs.Wrap(errs.KindInternal, "balance lookup failed", err)
	}
	return balance, nil
}

func (m *Manager) readCache(ctx context.Context, lookupHash string) (*ValidatedApiKey, bool) {
	raw, err := m.cache.Get(ctx, cacheKey(lookupHash))
	if err != nil {
		return nil, false
	}
	if string(raw) == revokedSentinel {
		return nil, true
	}
	var v ValidatedApiKey
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, false
	}
	return &v, true
}

func (m *Manager) writeCache(ctx context.Context, lookupHash string, v *ValidatedApiKey) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	_ = m.cache.Set(ctx, cacheKey(lookupHash), raw, m.cacheTTL)
}

func (m *Manager) writeCacheRevoked(ctx context.Context, lookupHash string) {
	_ = m.cache.Set(ctx, cacheKey(lookupHash), []byte(revokedSentinel), m.cacheTTL)
}

// invalidateBalance deletes the "apikey:balance:<keyID>" entry after a
// debit. Nothing in this package writes that key, and the lookup-hash
// validation cache (which carries BalanceMicro) is not touched, because
// the lookupHash is not known from keyID alone: a cached validation keeps
// its pre-debit balance until cacheTTL expires.
func (m *Manager) invalidateBalance(ctx context.Context, keyID string) {
	_ = m.cache.Delete(ctx, fmt.Sprintf("apikey:balance:%s", keyID))
}

func cacheKey(lookupHash string) string {
	return fmt.Sprintf("apikey:validated:%s", lookupHash)
}
