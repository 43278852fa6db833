package authn

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loa-finn/gateway/internal/errs"
	"github.com/loa-finn/gateway/internal/store"
)

func newValidator(t *testing.T) *Validator {
	t.Helper()
	return New(nil, store.NewMemoryStore(), Config{
		IssuerAllowlist: []string{"https://issuer.example"},
		ClockSkew:       30 * time.Second,
		ReplayTTL:       time.Minute,
		S2SMaxLife:      time.Hour,
	})
}

// TestReplayKeyLengthPrefixPreventsCollision is Testable Property 4: the
// namespace key must not let different (iss, jti) pairs collide across
// the separator — namespace("evil", "fake:victim") must differ from
// namespace("evil:fake", "victim").
func TestReplayKeyLengthPrefixPreventsCollision(t *testing.T) {
	a := replayKey("evil", "fake:victim")
	b := replayKey("evil:fake", "victim")
	require.NotEqual(t, a, b)
}

func TestReplayKeyIsDeterministic(t *testing.T) {
	require.Equal(t, replayKey("iss-a", "jti-1"), replayKey("iss-a", "jti-1"))
}

// TestCheckReplayIsolatesAcrossIssuers is Testable Property 3: the same
// jti presented under two different issuers is not a replay, but
// presenting it twice under the same issuer is.
func TestCheckReplayIsolatesAcrossIssuers(t *testing.T) {
	v := newValidator(t)
	ctx := context.Background()

	err := v.checkReplay(ctx, &Claims{Issuer: "iss-a", JTI: "jti-1"})
	require.NoError(t, err)

	err = v.checkReplay(ctx, &Claims{Issuer: "iss-b", JTI: "jti-1"})
	require.NoError(t, err, "same jti under a different issuer must not be treated as replay")

	err = v.checkReplay(ctx, &Claims{Issuer: "iss-a", JTI: "jti-1"})
	require.Error(t, err)
	require.Equal(t, errs.KindJTIReplayDetected, errs.Of(err))
}

func TestCheckReplaySkipsEmptyJTI(t *testing.T) {
	v := newValidator(t)
	require.NoError(t, v.checkReplay(context.Background(), &Claims{Issuer: "iss-a", JTI: ""}))
	require.NoError(t, v.checkReplay(context.Background(), &Claims{Issuer: "iss-a", JTI: ""}))
}

// TestStructuralPreCheckRejectsAlgNone is Scenario S4: an HS256 or "none"
// algorithm header on an invoke-class endpoint must fail structurally
// (before any signature verification) and map to 401 with
// JWT_STRUCTURAL_INVALID.
func TestStructuralPreCheckRejectsAlgNone(t *testing.T) {
	for _, alg := range []string{"none", "HS256", "RS256"} {
		t.Run(alg, func(t *testing.T) {
			token := fakeJWT(t, alg, "kid-1")
			_, err := structuralPreCheck(token)
			require.Error(t, err)
			kind := errs.Of(err)
			require.Equal(t, errs.KindStructuralInvalid, kind)
			require.Equal(t, 401, errs.HTTPStatus(kind))
		})
	}
}

func TestStructuralPreCheckAcceptsES256WithKid(t *testing.T) {
	token := fakeJWT(t, "ES256", "kid-1")
	hdr, err := structuralPreCheck(token)
	require.NoError(t, err)
	require.Equal(t, "kid-1", hdr.Kid)
}

func TestStructuralPreCheckRejectsMissingKid(t *testing.T) {
	token := fakeJWT(t, "ES256", "")
	_, err := structuralPreCheck(token)
	require.Error(t, err)
	require.Equal(t, errs.KindStructuralInvalid, errs.Of(err))
}

func TestStructuralPreCheckRejectsMalformedSegments(t *testing.T) {
	_, err := structuralPreCheck("not-a-jwt")
	require.Error(t, err)
	require.Equal(t, errs.KindStructuralInvalid, errs.Of(err))
}

// TestValidateFullPipelineStopsAtStructuralCheck confirms the
// end-to-end Validate entrypoint never reaches signature verification
// for a structurally invalid token, since Validate takes a nil
// KeyResolver here and would panic if it were ever called.
func TestValidateFullPipelineStopsAtStructuralCheck(t *testing.T) {
	v := newValidator(t)
	_, err := v.Validate(context.Background(), fakeJWT(t, "none", "kid-1"), ClassInvoke)
	require.Error(t, err)
	require.Equal(t, errs.KindStructuralInvalid, errs.Of(err))
}

// fakeJWT builds an unsigned-looking three-segment token with the given
// header alg/kid and an empty payload/signature, sufficient for
// structuralPreCheck's header-only inspection.
func fakeJWT(t *testing.T, alg, kid string) string {
	t.Helper()
	header := map[string]string{"alg": alg}
	if kid != "" {
		header["kid"] = kid
	}
	return b64json(t, header) + "." + b64json(t, map[string]string{}) + ".sig"
}

func b64json(t *testing.T, v interface{}) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return base64.RawURLEncoding.EncodeToString(data)
}
