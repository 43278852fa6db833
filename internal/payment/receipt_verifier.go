package payment

import (
	"encoding/json"
	"strings"

	"github.com/loa-finn/gateway/internal/errs"
)

// StubReceiptVerifier implements the structural half of ReceiptVerifier:
// it parses and sanity-checks the receipt envelope and confirms its
// nonce matches a previously issued, HMAC-signed challenge. Verifying
// the underlying on-chain payment signature itself is explicitly out of
// scope (spec.md §1 Non-goals) — that check belongs to the upstream
// settlement collaborator this type stands in for. Wire a real
// implementation in its place once that collaborator exists.
type StubReceiptVerifier struct {
	ChallengeSecret  string
	MinConfirmations int
}

type receiptEnvelope struct {
	TransactionID string    `json:"transaction_id"`
	Payer         string    `json:"payer"`
	AmountMicro   int64     `json:"amount_micro"`
	Confirmations int       `json:"confirmations"`
	Challenge     Challenge `json:"challenge"`
}

func (v *StubReceiptVerifier) VerifyReceipt(receiptHeader, nonceHeader string) (*Receipt, error) {
	if strings.TrimSpace(receiptHeader) == "" {
		return nil, errs.New(errs.KindReceiptInvalid, "empty receipt header")
	}

	var env receiptEnvelope
	if err := json.Unmarshal([]byte(receiptHeader), &env); err != nil {
		return nil, errs.Wrap(errs.KindReceiptInvalid, "malformed receipt envelope", err)
	}

	if env.TransactionID == "" || env.Payer == "" || env.AmountMicro <= 0 {
		return nil, errs.New(errs.KindReceiptInvalid, "receipt missing required fields")
	}
	if env.Confirmations < v.MinConfirmations {
		return nil, errs.New(errs.KindReceiptInvalid, "insufficient confirmations")
	}
	if env.Challenge.Nonce != nonceHeader || nonceHeader == "" {
		return nil, errs.New(errs.KindReceiptInvalid, "receipt nonce does not match bound challenge")
	}
	if !VerifyChallengeHMAC(v.ChallengeSecret, &env.Challenge) {
		return nil, errs.New(errs.KindReceiptInvalid, "challenge binding signature mismatch")
	}

	return &Receipt{
		TransactionID: env.TransactionID,
		Payer:         env.Payer,
		AmountMicro:   env.AmountMicro,
		Confirmations: env.Confirmations,
	}, nil
}
