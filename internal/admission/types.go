// Package admission implements the admission orchestrator (C11): it
// attaches a request id, runs JWT validation (C3) where the route
// requires it, runs the payment decision middleware (C6), applies
// tier-specific rate limiting (C4) on the resulting branch. It does not
// dispatch work itself: on admission the caller invokes the sandbox
// executor (C8), which dispatches through the worker pool (C7), and the
// HTTP layer (httpapi.writeError) maps Kind to status. Wiring style
// (construct every component, inject via context) grounded on cmd/api/main.go's construction order and
// internal/middleware/tenant.go's "resolve identity then inject into
// context" middleware shape, generalized from tenant-only resolution to
// the full free/apiKey/receipt/challenge decision tree.
package admission

import (
	"context"

	"github.com/loa-finn/gateway/internal/authn"
	"github.com/loa-finn/gateway/internal/payment"
)

type contextKey string

const (
	ctxKeyRequestID contextKey = "admission.request_id"
	ctxKeyTenant    contextKey = "admission.tenant"
	ctxKeyDecision  contextKey = "admission.decision"
)

// WithRequestID/RequestID thread the admission-assigned request id
// through context for downstream logging and billing correlation.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}

func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}

func withTenant(ctx context.Context, tc *authn.TenantContext) context.Context {
	return context.WithValue(ctx, ctxKeyTenant, tc)
}

// Tenant returns the validated JWT tenant context, if the route required one.
func Tenant(ctx context.Context) *authn.TenantContext {
	tc, _ := ctx.Value(ctxKeyTenant).(*authn.TenantContext)
	return tc
}

func withDecision(ctx context.Context, d *payment.Decision) context.Context {
	return context.WithValue(ctx, ctxKeyDecision, d)
}

// Decision returns the payment decision that admitted this request.
func Decision(ctx context.Context) *payment.Decision {
	d, _ := ctx.Value(ctxKeyDecision).(*payment.Decision)
	return d
}

// RouteSpec declares one route's admission requirements.
type RouteSpec struct {
	RequiresJWT   bool
	EndpointClass authn.EndpointClass
	Free          bool   // bypasses payment/rate-limit entirely (still gets request-id + optional JWT)
	RateLimitTier string // tier name applied after the payment branch resolves, per spec §4.11
}

// reconcileHook lets the orchestrator record local spend against the
// tenant's budget reconciliation client (C9) after a successful debit.
type reconcileHook func(tenantID string, microUnits int64)
