package admission

import (
	"context"
	"log"

	"github.com/google/uuid"

	"github.com/loa-finn/gateway/internal/apikey"
	"github.com/loa-finn/gateway/internal/authn"
	"github.com/loa-finn/gateway/internal/errs"
	"github.com/loa-finn/gateway/internal/payment"
	"github.com/loa-finn/gateway/internal/ratelimit"
)

// Orchestrator wires C3/C4/C5/C6 into one admission decision per
// request; callers (the HTTP layer) dispatch to C7/C8 themselves once
// admitted, since the subprocess spec is route-specific.
type Orchestrator struct {
	validator *authn.Validator
	decider   *payment.Decider
	limiter   *ratelimit.Limiter
	keys      *apikey.Manager
	log       *log.Logger
	onSpend   reconcileHook
}

func NewOrchestrator(validator *authn.Validator, decider *payment.Decider, limiter *ratelimit.Limiter, keys *apikey.Manager, logger *log.Logger, onSpend reconcileHook) *Orchestrator {
	if logger == nil {
		logger = log.Default()
	}
	return &Orchestrator{validator: validator, decider: decider, limiter: limiter, keys: keys, log: logger, onSpend: onSpend}
}

// Outcome is returned to the HTTP layer once admission completes: ctx
// carries the request id, tenant context (if any), and payment
// decision, ready for the route handler to act on.
type Outcome struct {
	Ctx       context.Context
	Decision  *payment.Decision
	Challenge *payment.Challenge
}

// Admit runs the full decision tree from spec §4.11. clientIP and the
// inbound X-Request-Id (if any, pass "" otherwise) come from the HTTP
// layer; bearerToken and apiKeyPlaintext/receipt fields are extracted
// from headers by the caller.
func (o *Orchestrator) Admit(ctx context.Context, spec RouteSpec, inboundRequestID, clientIP, bearerToken string, paymentReq payment.Request) (*Outcome, error) {
	requestID := inboundRequestID
	if requestID == "" {
		requestID = uuid.New().String()
	}
	ctx = WithRequestID(ctx, requestID)

	if spec.RequiresJWT {
		tc, err := o.validator.Validate(ctx, bearerToken, spec.EndpointClass)
		if err != nil {
			return nil, err
		}
		ctx = withTenant(ctx, tc)
	}

	if spec.Free {
		return &Outcome{Ctx: ctx}, nil
	}

	decision, challenge, err := o.decider.Decide(ctx, paymentReq)
	if err != nil {
		return &Outcome{Ctx: ctx, Challenge: challenge}, err
	}

	if decision.Kind != payment.KindFree && spec.RateLimitTier != "" {
		identifier := clientIP
		if decision.Kind == payment.KindAPIKey {
			identifier = decision.APIKey.KeyID
		}
		rl, err := o.limiter.Allow(ctx, spec.RateLimitTier, identifier)
		if err != nil {
			return &Outcome{Ctx: ctx}, err
		}
		if !rl.Allowed {
			return &Outcome{Ctx: ctx}, errs.New(errs.KindRateLimited, "rate limit exceeded")
		}
	}

	ctx = withDecision(ctx, decision)
	return &Outcome{Ctx: ctx, Decision: decision}, nil
}

// RecordBillingEvent is the best-effort post-response billing hook from
// spec §4.11: failures are logged, never surfaced to the caller, and a
// successful debit also feeds the tenant's reconciliation client.
func (o *Orchestrator) RecordBillingEvent(ctx context.Context, tenantID, keyID, requestID string, costMicro int64, eventType, metadata string) {
	if _, err := o.keys.Debit(ctx, keyID, requestID, costMicro, eventType, metadata); err != nil {
		o.log.Printf("admission: billing debit failed for key %s request %s: %v", keyID, requestID, err)
		return
	}
	if o.onSpend != nil {
		o.onSpend(tenantID, costMicro)
	}
}
