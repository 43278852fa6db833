package payment

import (
	"context"
	"crypto/rand"
	"encoding/hex"

	"github.com/loa-finn/gateway/internal/apikey"
	"github.com/loa-finn/gateway/internal/errs"
	"github.com/loa-finn/gateway/internal/ratelimit"
)

// Request is the subset of an inbound HTTP request the decision matrix
// needs, decoupled from net/http so the matrix can be table-tested
// directly against spec §8 Testable Property 1.
type Request struct {
	Path               string
	Method             string
	ClientIP           string
	APIKeyPresent      bool
	APIKeyPlaintext    string
	ReceiptPresent     bool
	ReceiptHeader      string
	ReceiptNonceHeader string
	BoundFields        map[string]string
}

// Decider wires C5 (apikey.Manager), C4 (ratelimit.Limiter), and the
// receipt verifier collaborator into the branch selector.
type Decider struct {
	freeEndpoints   map[string]bool
	apiKeys         *apikey.Manager
	limiter         *ratelimit.Limiter
	receipts        ReceiptVerifier
	challengeCfg    ChallengeConfig
	challengeSecret string
}

func NewDecider(freeEndpoints []string, apiKeys *apikey.Manager, limiter *ratelimit.Limiter, receipts ReceiptVerifier, challengeSecret string, challengeCfg ChallengeConfig) *Decider {
	set := make(map[string]bool, len(freeEndpoints))
	for _, e := range freeEndpoints {
		set[e] = true
	}
	return &Decider{
		freeEndpoints:   set,
		apiKeys:         apiKeys,
		limiter:         limiter,
		receipts:        receipts,
		challengeSecret: challengeSecret,
		challengeCfg:    challengeCfg,
	}
}

// Decide evaluates the matrix from spec §4.6 in order. The returned
// *errs.Error (if any) carries the Kind the admission orchestrator maps
// to a status code — this function never writes an HTTP response.
func (d *Decider) Decide(ctx context.Context, req Request) (*Decision, *Challenge, error) {
	// 1. Free endpoint set.
	if d.freeEndpoints[req.Path] {
		return &Decision{Kind: KindFree}, nil, nil
	}

	// 2. Ambiguous payment: both methods present is a hard 400.
	if req.APIKeyPresent && req.ReceiptPresent {
		return nil, nil, errs.New(errs.KindAmbiguousPayment, "at most one payment method may be presented")
	}

	// 3. API-key branch.
	if req.APIKeyPresent {
		validated, err := d.apiKeys.Validate(ctx, req.APIKeyPlaintext)
		if err != nil {
			return nil, nil, err // already tagged (401 kinds, or Internal) by apikey.Manager
		}

		rl, err := d.limiter.Allow(ctx, "api_key_default", validated.KeyID)
		if err != nil {
			return nil, nil, err
		}
		if !rl.Allowed {
			return nil, nil, errs.New(errs.KindRateLimited, "rate limit exceeded for api key")
		}

		if validated.BalanceMicro <= 0 {
			return nil, nil, errs.New(errs.KindCreditsExhausted, "insufficient balance")
		}

		return &Decision{Kind: KindAPIKey, APIKey: validated}, nil, nil
	}

	// 4. Receipt branch.
	if req.ReceiptPresent {
		receipt, err := d.receipts.VerifyReceipt(req.ReceiptHeader, req.ReceiptNonceHeader)
		if err != nil {
			return nil, nil, err // verifier returns an already-tagged errs.Error
		}
		return &Decision{Kind: KindReceipt, Receipt: receipt}, nil, nil
	}

	// 5. No credentials: rate-limited challenge issuance.
	rl, err := d.limiter.Allow(ctx, "challenge_per_ip", req.ClientIP)
	if err != nil {
		return nil, nil, err
	}
	if !rl.Allowed {
		return nil, nil, errs.New(errs.KindRateLimited, "rate limit exceeded for challenge issuance")
	}

	nonce, err := randomNonce()
	if err != nil {
		return nil, nil, errs.Wrap(errs.KindInternal, "nonce generation failed", err)
	}
	challenge := BuildChallenge(d.challengeSecret, req.Path, req.Method, req.BoundFields, d.challengeCfg, nonce)
	return nil, challenge, errs.New(errs.KindPaymentRequired, "no payment credential presented")
}

func randomNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
