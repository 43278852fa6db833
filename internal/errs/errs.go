// Package errs defines the tagged-error-kind taxonomy shared across the
// admission path. Components never write to http.ResponseWriter directly;
// they return a *Error and the HTTP layer (httpapi.writeError) maps Kind
// to a status code through HTTPStatus, so the 401/402 invariant is
// enforced in exactly one place.
package errs

import "fmt"

// Kind is a stable, wire-visible error code. Never rename an existing
// constant — clients match on the string value.
type Kind string

const (
	KindStructuralInvalid Kind = "JWT_STRUCTURAL_INVALID"
	KindMalformedBody     Kind = "MALFORMED_BODY"
	KindUnknownEndpoint   Kind = "UNKNOWN_ENDPOINT"

	KindJWTInvalid        Kind = "JWT_INVALID"
	KindAudienceMismatch  Kind = "AUDIENCE_MISMATCH"
	KindIssuerNotAllowed  Kind = "ISSUER_NOT_ALLOWED"
	KindJTIRequired       Kind = "JTI_REQUIRED"
	KindJTIReplayDetected Kind = "JTI_REPLAY_DETECTED"
	KindAPIKeyInvalid     Kind = "API_KEY_INVALID"
	KindAPIKeyRevoked     Kind = "API_KEY_REVOKED"
	KindAttestationFailed Kind = "ATTESTATION_FAILED"

	KindAmbiguousPayment Kind = "ambiguous_payment"
	KindPaymentRequired  Kind = "PAYMENT_REQUIRED"
	KindCreditsExhausted Kind = "CREDITS_EXHAUSTED"
	KindReceiptInvalid   Kind = "RECEIPT_INVALID"

	KindWorkerUnavailable Kind = "WORKER_UNAVAILABLE"
	KindRateLimited       Kind = "RATE_LIMITED"

	KindJWKSDegraded         Kind = "JWKS_DEGRADED"
	KindBudgetUnavailable    Kind = "BUDGET_UNAVAILABLE"
	KindMeteringUnavailable  Kind = "METERING_UNAVAILABLE"

	KindExecTimeout      Kind = "EXEC_TIMEOUT"
	KindWorkerCrashed    Kind = "WORKER_CRASHED"
	KindSandboxDisabled  Kind = "SANDBOX_DISABLED"
	KindPoolShuttingDown Kind = "POOL_SHUTTING_DOWN"
	KindPathTraversal    Kind = "PATH_TRAVERSAL"

	KindNotFound Kind = "NOT_FOUND"
	KindInternal Kind = "INTERNAL"
)

// Error is the single error type every component returns. HTTPStatus,
// called from httpapi.writeError, is the only place that turns Kind into
// a status code.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a tagged error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds a tagged error around an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Of extracts the Kind from any error, defaulting to KindInternal for
// errors that did not originate from this package.
func Of(err error) Kind {
	if err == nil {
		return ""
	}
	var te *Error
	if as(err, &te) {
		return te.Kind
	}
	return KindInternal
}

// as is a tiny local errors.As to avoid importing errors just for this.
func as(err error, target **Error) bool {
	for err != nil {
		if te, ok := err.(*Error); ok {
			*target = te
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// HTTPStatus centralizes the Kind -> HTTP status mapping per §7 of the
// spec so no handler independently decides 401 vs 402.
func HTTPStatus(k Kind) int {
	switch k {
	case KindMalformedBody, KindAmbiguousPayment:
		return 400
	case KindStructuralInvalid, KindJWTInvalid, KindAudienceMismatch, KindJTIRequired, KindJTIReplayDetected,
		KindAPIKeyInvalid, KindAPIKeyRevoked, KindAttestationFailed:
		return 401
	case KindPaymentRequired, KindCreditsExhausted, KindReceiptInvalid:
		return 402
	case KindIssuerNotAllowed:
		return 403
	case KindNotFound, KindUnknownEndpoint:
		return 404
	case KindRateLimited:
		return 429
	case KindJWKSDegraded:
		return 403
	case KindBudgetUnavailable, KindMeteringUnavailable, KindWorkerUnavailable:
		return 503
	case KindExecTimeout, KindWorkerCrashed, KindSandboxDisabled, KindPoolShuttingDown:
		return 500
	default:
		return 500
	}
}
