package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loa-finn/gateway/internal/admission"
	"github.com/loa-finn/gateway/internal/authn"
	"github.com/loa-finn/gateway/internal/payment"
	"github.com/loa-finn/gateway/internal/ratelimit"
	"github.com/loa-finn/gateway/internal/store"
)

func newTestServer(t *testing.T, tiers map[string]ratelimit.Tier) *Server {
	t.Helper()
	st := store.NewMemoryStore()
	validator := authn.New(nil, st, authn.Config{
		IssuerAllowlist: []string{"https://issuer.example"},
		ClockSkew:       time.Minute,
		ReplayTTL:       time.Minute,
	})
	limiter := ratelimit.New(st, tiers)
	decider := payment.NewDecider(nil, nil, limiter, nil, "secret", payment.ChallengeConfig{TTL: time.Minute})
	orc := admission.NewOrchestrator(validator, decider, limiter, nil, nil, nil)
	return NewServer(orc, nil, nil, nil, nil, nil)
}

func defaultTiers() map[string]ratelimit.Tier {
	return map[string]ratelimit.Tier{
		"api_key_default":  {MaxRequests: 100, Window: time.Minute},
		"challenge_per_ip": {MaxRequests: 100, Window: time.Minute},
	}
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body
}

func TestHandleHealthReturnsOK(t *testing.T) {
	s := newTestServer(t, defaultTiers())
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

// structurallyInvalidJWT builds a three-segment token whose header uses a
// forbidden alg, matching Scenario S4 (HS256/none structural rejection).
func structurallyInvalidJWT(alg string) string {
	header, _ := json.Marshal(map[string]string{"alg": alg, "kid": "k1"})
	payload, _ := json.Marshal(map[string]string{"sub": "x"})
	enc := base64.RawURLEncoding.EncodeToString
	return strings.Join([]string{enc(header), enc(payload), "sig"}, ".")
}

// TestHandleInvokeRejectsStructurallyInvalidJWT is Scenario S4: an HS256
// (or none) JWT on a route that requires one is rejected at the
// structural layer with a 401, before any key resolution is attempted.
func TestHandleInvokeRejectsStructurallyInvalidJWT(t *testing.T) {
	for _, alg := range []string{"HS256", "none"} {
		s := newTestServer(t, defaultTiers())
		req := httptest.NewRequest(http.MethodPost, "/api/v1/invoke", strings.NewReader(`{}`))
		req.Header.Set("Authorization", "Bearer "+structurallyInvalidJWT(alg))
		rec := httptest.NewRecorder()
		s.Router().ServeHTTP(rec, req)

		require.Equal(t, http.StatusUnauthorized, rec.Code, "alg=%s", alg)
		body := decodeBody(t, rec)
		require.Equal(t, "JWT_STRUCTURAL_INVALID", body["code"])
	}
}

// TestHandleAgentChatAmbiguousPaymentReturns400 is Scenario S2.
func TestHandleAgentChatAmbiguousPaymentReturns400(t *testing.T) {
	s := newTestServer(t, defaultTiers())
	req := httptest.NewRequest(http.MethodPost, "/api/v1/agent/chat", strings.NewReader(`{"message":"hi"}`))
	req.Header.Set("X-Api-Key", "dk_whatever.secret")
	req.Header.Set("X-Payment-Receipt", "receipt-blob")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, "ambiguous_payment", body["code"])
}

// TestHandleAgentChatNoCredentialsReturns402WithChallenge is Scenario S3.
func TestHandleAgentChatNoCredentialsReturns402WithChallenge(t *testing.T) {
	s := newTestServer(t, defaultTiers())
	req := httptest.NewRequest(http.MethodPost, "/api/v1/agent/chat", strings.NewReader(`{"message":"hi"}`))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	require.Equal(t, "x402", rec.Header().Get("X-Payment-Upgrade"))
	body := decodeBody(t, rec)
	require.Equal(t, "PAYMENT_REQUIRED", body["code"])
	require.NotNil(t, body["challenge"])
}

// TestAgentChatChallengeIssuanceIsRateLimited is Scenario S5 applied to
// the no-credential challenge path: once the per-IP challenge tier is
// exhausted, the next anonymous request gets 429, not another challenge.
func TestAgentChatChallengeIssuanceIsRateLimited(t *testing.T) {
	tiers := defaultTiers()
	tiers["challenge_per_ip"] = ratelimit.Tier{MaxRequests: 1, Window: time.Minute}
	s := newTestServer(t, tiers)

	mkReq := func() *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/agent/chat", strings.NewReader(`{"message":"hi"}`))
		req.RemoteAddr = "203.0.113.7:5555"
		return req
	}

	rec1 := httptest.NewRecorder()
	s.Router().ServeHTTP(rec1, mkReq())
	require.Equal(t, http.StatusPaymentRequired, rec1.Code)

	rec2 := httptest.NewRecorder()
	s.Router().ServeHTTP(rec2, mkReq())
	require.Equal(t, http.StatusTooManyRequests, rec2.Code)
	body := decodeBody(t, rec2)
	require.Equal(t, "RATE_LIMITED", body["code"])
}
