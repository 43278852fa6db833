package payment

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loa-finn/gateway/internal/errs"
	"github.com/loa-finn/gateway/internal/ratelimit"
	"github.com/loa-finn/gateway/internal/store"
)

func newTestDecider(t *testing.T, receipts ReceiptVerifier) *Decider {
	t.Helper()
	limiter := ratelimit.New(store.NewMemoryStore(), map[string]ratelimit.Tier{
		"api_key_default": {MaxRequests: 100, Window: time.Minute},
		"challenge_per_ip": {MaxRequests: 100, Window: time.Minute},
	})
	return NewDecider(
		[]string{"/healthz"},
		nil, // apiKeys: unused by the branches under test here
		limiter,
		receipts,
		"challenge-secret",
		ChallengeConfig{AmountMicro: 1000, Recipient: "0xabc", ChainID: "8453", TokenID: "USDC", TTL: time.Minute},
	)
}

func TestDecideFreeEndpointBypassesPayment(t *testing.T) {
	d := newTestDecider(t, nil)
	decision, challenge, err := d.Decide(context.Background(), Request{Path: "/healthz"})
	require.NoError(t, err)
	require.Nil(t, challenge)
	require.Equal(t, KindFree, decision.Kind)
}

// TestDecideBothCredentialsPresentIsAmbiguous is Scenario S2: a request
// presenting both an API key and a receipt is a hard 400, never a silent
// preference for one over the other.
func TestDecideBothCredentialsPresentIsAmbiguous(t *testing.T) {
	d := newTestDecider(t, nil)
	_, challenge, err := d.Decide(context.Background(), Request{
		Path:           "/api/v1/agent/chat",
		APIKeyPresent:  true,
		ReceiptPresent: true,
	})
	require.Error(t, err)
	require.Nil(t, challenge)
	require.Equal(t, errs.KindAmbiguousPayment, errs.Of(err))
}

// TestDecideNoCredentialsIssuesChallenge is Scenario S3: an anonymous
// caller with no payment credential gets a 402 plus a signed challenge
// bound to the request path/method, not a bare error.
func TestDecideNoCredentialsIssuesChallenge(t *testing.T) {
	d := newTestDecider(t, nil)
	decision, challenge, err := d.Decide(context.Background(), Request{
		Path:     "/api/v1/agent/chat",
		Method:   "POST",
		ClientIP: "203.0.113.7",
	})
	require.Error(t, err)
	require.Equal(t, errs.KindPaymentRequired, errs.Of(err))
	require.Nil(t, decision)
	require.NotNil(t, challenge)
	require.Equal(t, "/api/v1/agent/chat", challenge.RequestPath)
	require.Equal(t, "POST", challenge.RequestMethod)
	require.NotEmpty(t, challenge.Nonce)
	require.True(t, VerifyChallengeHMAC("challenge-secret", challenge))
}

func TestDecideNoCredentialsRateLimitsChallengeIssuance(t *testing.T) {
	limiter := ratelimit.New(store.NewMemoryStore(), map[string]ratelimit.Tier{
		"api_key_default":  {MaxRequests: 100, Window: time.Minute},
		"challenge_per_ip": {MaxRequests: 1, Window: time.Minute},
	})
	d := NewDecider([]string{}, nil, limiter, nil, "secret", ChallengeConfig{TTL: time.Minute})

	req := Request{Path: "/api/v1/agent/chat", Method: "POST", ClientIP: "203.0.113.7"}
	_, _, err := d.Decide(context.Background(), req)
	require.Equal(t, errs.KindPaymentRequired, errs.Of(err))

	_, challenge, err := d.Decide(context.Background(), req)
	require.Nil(t, challenge)
	require.Equal(t, errs.KindRateLimited, errs.Of(err))
}

type stubReceiptVerifier struct {
	receipt *Receipt
	err     error
}

func (s *stubReceiptVerifier) VerifyReceipt(receiptHeader, nonceHeader string) (*Receipt, error) {
	return s.receipt, s.err
}

func TestDecideReceiptBranchReturnsVerifiedReceipt(t *testing.T) {
	receipt := &Receipt{TransactionID: "tx-1", Payer: "0xdead", AmountMicro: 1000, Confirmations: 3}
	d := newTestDecider(t, &stubReceiptVerifier{receipt: receipt})

	decision, challenge, err := d.Decide(context.Background(), Request{
		Path:           "/api/v1/agent/chat",
		ReceiptPresent: true,
		ReceiptHeader:  "receipt-blob",
	})
	require.NoError(t, err)
	require.Nil(t, challenge)
	require.Equal(t, KindReceipt, decision.Kind)
	require.Equal(t, receipt, decision.Receipt)
}

func TestDecideReceiptBranchPropagatesVerifierError(t *testing.T) {
	verifyErr := errs.New(errs.KindPaymentRequired, "receipt already spent")
	d := newTestDecider(t, &stubReceiptVerifier{err: verifyErr})

	_, challenge, err := d.Decide(context.Background(), Request{
		Path:           "/api/v1/agent/chat",
		ReceiptPresent: true,
		ReceiptHeader:  "receipt-blob",
	})
	require.Error(t, err)
	require.Nil(t, challenge)
	require.Equal(t, errs.KindPaymentRequired, errs.Of(err))
}
