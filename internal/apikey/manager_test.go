package apikey

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/loa-finn/gateway/internal/errs"
	"github.com/loa-finn/gateway/internal/store"
)

func newTestManager(t *testing.T) (*Manager, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewManager(db, store.NewMemoryStore(), "pepper", time.Minute, DefaultArgon2Params()), mock
}

// TestDebitIsIdempotentByRequestID is Testable Property 7: a second
// Debit call carrying a requestId that already has a recorded billing
// event is a no-op that returns the previously committed balance,
// without touching api_keys again.
func TestDebitIsIdempotentByRequestID(t *testing.T) {
	m, mock := newTestManager(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT balance_after FROM billing_events WHERE request_id = $1")).
		WithArgs("req-1").
		WillReturnRows(sqlmock.NewRows([]string{"balance_after"}).AddRow(int64(4200)))
	mock.ExpectRollback()

	balance, err := m.Debit(context.Background(), "key-1", "req-1", 100, "invoke", "")
	require.NoError(t, err)
	require.Equal(t, int64(4200), balance)
	require.NoError(t, mock.ExpectationsWereMet())
}

// TestDebitAtomicCheckAndDecrement is Testable Property 6: the balance
// debit is a single UPDATE ... WHERE balance_micro >= cost AND NOT
// revoked RETURNING statement — the atomic check-and-decrement the spec
// requires, not a separate read-then-write.
func TestDebitAtomicCheckAndDecrement(t *testing.T) {
	m, mock := newTestManager(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT balance_after FROM billing_events WHERE request_id = $1")).
		WithArgs("req-2").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE api_keys SET balance_micro = balance_micro - $1")).
		WithArgs(int64(500), "key-1").
		WillReturnRows(sqlmock.NewRows([]string{"balance_micro"}).AddRow(int64(1500)))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO billing_events")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	balance, err := m.Debit(context.Background(), "key-1", "req-2", 500, "invoke", "")
	require.NoError(t, err)
	require.Equal(t, int64(1500), balance)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDebitInsufficientBalanceReturnsCreditsExhausted(t *testing.T) {
	m, mock := newTestManager(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT balance_after FROM billing_events WHERE request_id = $1")).
		WithArgs("req-3").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE api_keys SET balance_micro = balance_micro - $1")).
		WithArgs(int64(999999), "key-1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := m.Debit(context.Background(), "key-1", "req-3", 999999, "invoke", "")
	require.Error(t, err)
	require.Equal(t, errs.KindCreditsExhausted, errs.Of(err))
}

func TestValidateRejectsMalformedPlaintext(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Validate(context.Background(), "not-a-key")
	require.Error(t, err)
	require.Equal(t, errs.KindAPIKeyInvalid, errs.Of(err))
}

func TestValidateUsesCacheOnSecondLookup(t *testing.T) {
	m, mock := newTestManager(t)
	gen, err := Generate()
	require.NoError(t, err)
	_, secret, ok := ParsePlaintext(gen.Plaintext)
	require.True(t, ok)

	verifierHash, err := VerifierHash(secret, DefaultArgon2Params())
	require.NoError(t, err)
	lookupHash := LookupHash("pepper", gen.Plaintext)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT key_id, tenant_id, verifier_hash, balance_micro, revoked FROM api_keys WHERE lookup_hash = $1")).
		WithArgs(lookupHash).
		WillReturnRows(sqlmock.NewRows([]string{"key_id", "tenant_id", "verifier_hash", "balance_micro", "revoked"}).
			AddRow(gen.KeyID, "tenant-1", verifierHash, int64(1000), false))

	v1, err := m.Validate(context.Background(), gen.Plaintext)
	require.NoError(t, err)
	require.Equal(t, gen.KeyID, v1.KeyID)

	// A second Validate call must hit the cache, not the DB — no further
	// expectations are registered, so an unexpected query would fail.
	v2, err := m.Validate(context.Background(), gen.Plaintext)
	require.NoError(t, err)
	require.Equal(t, gen.KeyID, v2.KeyID)
	require.NoError(t, mock.ExpectationsWereMet())
}
