// Package payment implements the payment decision middleware (C6): the
// branch selector over free / API-key / receipt / challenge, enforcing
// the strict 401-for-auth-failures / 402-for-payment-required invariant.
// Decision-matrix shape grounded on this codebase's middleware/tenant.go
// (credential-branching middleware) and the x402 gateway middleware
// found in the wider example pack (replay-guard-by-hash receipt
// handling, challenge issuance via a signed header payload).
package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/loa-finn/gateway/internal/apikey"
)

// Kind tags the PaymentDecision variant, per spec §3.
type Kind string

const (
	KindFree    Kind = "free"
	KindAPIKey  Kind = "apiKey"
	KindReceipt Kind = "receipt"
)

// Receipt is the verified x402-style micropayment receipt.
type Receipt struct {
	TransactionID string
	Payer         string
	AmountMicro   int64
	Confirmations int
}

// Decision is the tagged PaymentDecision result.
type Decision struct {
	Kind      Kind
	APIKey    *apikey.ValidatedApiKey
	Receipt   *Receipt
	RequestID string
}

// Challenge is the structured object returned with a 402 to an anonymous
// caller, per spec §4.6 / §6.
type Challenge struct {
	AmountMicro     int64  `json:"amount"`
	Recipient       string `json:"recipient"`
	ChainID         string `json:"chain_id"`
	TokenID         string `json:"token"`
	Nonce           string `json:"nonce"`
	ExpiresAt       int64  `json:"expiry"`
	RequestPath     string `json:"request_path"`
	RequestMethod   string `json:"request_method"`
	RequestBinding  string `json:"request_binding"`
	HMAC            string `json:"hmac"`
}

// ReceiptVerifier is the external collaborator that verifies an x402
// receipt header set. Its error, if any, carries an errs.Kind the caller
// maps to an HTTP status (typically 402 for an invalid receipt, 503 for
// an unreachable verifier RPC).
type ReceiptVerifier interface {
	VerifyReceipt(receiptHeader, nonceHeader string) (*Receipt, error)
}

// BuildChallenge constructs and signs a payment challenge bound to the
// requesting path/method/body-field hash, per spec §4.6.
func BuildChallenge(secret, path, method string, boundFields map[string]string, cfg ChallengeConfig, nonce string) *Challenge {
	binding := requestBinding(path, method, boundFields)
	c := &Challenge{
		AmountMicro:    cfg.AmountMicro,
		Recipient:      cfg.Recipient,
		ChainID:        cfg.ChainID,
		TokenID:        cfg.TokenID,
		Nonce:          nonce,
		ExpiresAt:      time.Now().Add(cfg.TTL).Unix(),
		RequestPath:    path,
		RequestMethod:  method,
		RequestBinding: binding,
	}
	c.HMAC = signChallenge(secret, c)
	return c
}

// ChallengeConfig carries the static parts of a challenge, sourced from
// config.PaymentConfig.
type ChallengeConfig struct {
	AmountMicro int64
	Recipient   string
	ChainID     string
	TokenID     string
	TTL         time.Duration
}

func requestBinding(path, method string, boundFields map[string]string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s:%s:", method, path)
	for k, v := range boundFields {
		fmt.Fprintf(h, "%s=%s;", k, v)
	}
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:8]) // short prefix, per spec §4.6
}

func signChallenge(secret string, c *Challenge) string {
	mac := hmac.New(sha256.New, []byte(secret))
	body, _ := json.Marshal(struct {
		AmountMicro    int64  `json:"amount"`
		Recipient      string `json:"recipient"`
		ChainID        string `json:"chain_id"`
		TokenID        string `json:"token"`
		Nonce          string `json:"nonce"`
		ExpiresAt      int64  `json:"expiry"`
		RequestBinding string `json:"request_binding"`
	}{c.AmountMicro, c.Recipient, c.ChainID, c.TokenID, c.Nonce, c.ExpiresAt, c.RequestBinding})
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyChallengeHMAC recomputes and compares the HMAC over a presented
// challenge, used when validating a receipt's bound challenge.
func VerifyChallengeHMAC(secret string, c *Challenge) bool {
	want := signChallenge(secret, c)
	return hmac.Equal([]byte(want), []byte(c.HMAC))
}
