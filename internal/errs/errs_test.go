package errs

import (
	"errors"
	"testing"
)

// TestHTTPStatusMatrix pins the Kind -> HTTP status mapping from spec §7.
// KindStructuralInvalid must map to 401 (an HS256/none-alg token is a
// structural failure, not a malformed request body), while
// KindMalformedBody and KindUnknownEndpoint keep their 400/404 status.
func TestHTTPStatusMatrix(t *testing.T) {
	cases := []struct {
		kind Kind
		want int
	}{
		{KindStructuralInvalid, 401},
		{KindJWTInvalid, 401},
		{KindAudienceMismatch, 401},
		{KindJTIRequired, 401},
		{KindJTIReplayDetected, 401},
		{KindAPIKeyInvalid, 401},
		{KindAPIKeyRevoked, 401},
		{KindAttestationFailed, 401},
		{KindMalformedBody, 400},
		{KindAmbiguousPayment, 400},
		{KindUnknownEndpoint, 404},
		{KindNotFound, 404},
		{KindIssuerNotAllowed, 403},
		{KindJWKSDegraded, 403},
		{KindPaymentRequired, 402},
		{KindCreditsExhausted, 402},
		{KindReceiptInvalid, 402},
		{KindRateLimited, 429},
		{KindBudgetUnavailable, 503},
		{KindMeteringUnavailable, 503},
		{KindWorkerUnavailable, 503},
		{KindExecTimeout, 500},
		{KindWorkerCrashed, 500},
		{KindSandboxDisabled, 500},
		{KindPoolShuttingDown, 500},
	}
	for _, c := range cases {
		if got := HTTPStatus(c.kind); got != c.want {
			t.Errorf("HTTPStatus(%s) = %d, want %d", c.kind, got, c.want)
		}
	}
}

func TestOfExtractsKindThroughWrap(t *testing.T) {
	inner := New(KindReceiptInvalid, "bad receipt")
	wrapped := Wrap(KindInternal, "debit failed", inner)
	if Of(wrapped) != KindInternal {
		t.Errorf("Of(wrapped) = %s, want %s", Of(wrapped), KindInternal)
	}
	if Of(inner) != KindReceiptInvalid {
		t.Errorf("Of(inner) = %s, want %s", Of(inner), KindReceiptInvalid)
	}
}

func TestOfDefaultsToInternalForForeignErrors(t *testing.T) {
	foreign := errors.New("boom")
	if Of(foreign) != KindInternal {
		t.Errorf("Of(foreign) = %q, want %s", Of(foreign), KindInternal)
	}
	if Of(nil) != "" {
		t.Errorf("Of(nil) = %q, want empty", Of(nil))
	}
}
