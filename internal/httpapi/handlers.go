package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/loa-finn/gateway/internal/admission"
	"github.com/loa-finn/gateway/internal/authn"
	"github.com/loa-finn/gateway/internal/errs"
	"github.com/loa-finn/gateway/internal/payment"
	"github.com/loa-finn/gateway/internal/pool"
	"github.com/loa-finn/gateway/internal/sandbox"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLLMsTxt(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("# loa-finn gateway\nSee /api/v1/invoke for programmatic access.\n"))
}

func (s *Server) handleJWKSPublic(w http.ResponseWriter, r *http.Request) {
	stats := s.jwksMgr.Stats()
	writeJSON(w, http.StatusOK, map[string]interface{}{"keys": []interface{}{}, "key_count": stats.KeyCount})
}

// paymentRequestFromHTTP extracts the mutually-exclusive credential
// headers the decision matrix (C6) branches on, per spec §6.
func paymentRequestFromHTTP(r *http.Request) payment.Request {
	apiKey := r.Header.Get("X-Api-Key")
	receipt := r.Header.Get("X-Payment-Receipt")
	nonce := r.Header.Get("X-Payment-Nonce")

	bound := map[string]string{}
	if v := r.URL.Query().Get("token_id"); v != "" {
		bound["token_id"] = v
	}

	return payment.Request{
		Path:               r.URL.Path,
		Method:             r.Method,
		ClientIP:           clientIP(r),
		APIKeyPresent:      apiKey != "",
		APIKeyPlaintext:    apiKey,
		ReceiptPresent:     receipt != "",
		ReceiptHeader:      receipt,
		ReceiptNonceHeader: nonce,
		BoundFields:        bound,
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}

type chatRequest struct {
	TokenID   string `json:"token_id"`
	Message   string `json:"message"`
	Model     string `json:"model,omitempty"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}

// handleAgentChat admits the request, then dispatches the upstream
// model invocation through the sandbox executor. The model protocol
// adapter itself is out of scope (spec.md §1 Non-goals) — this handler
// exercises the admission -> sandbox -> pool pipeline with a policy
// entry that would, in production, be the configured model-invocation
// binary.
func (s *Server) handleAgentChat(w http.ResponseWriter, r *http.Request) {
	var body chatRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, errs.New(errs.KindMalformedBody, "invalid JSON body"), nil)
		return
	}

	spec := routeSpecFor(authn.ClassInvoke, false, "api_key_default")
	outcome, err := s.orchestrator.Admit(r.Context(), spec, r.Header.Get("X-Request-Id"), clientIP(r), bearerFromHeader(r), paymentRequestFromHTTP(r))
	if err != nil {
		writeError(w, err, challengeOf(outcome))
		return
	}

	result, err := s.executor.Execute(outcome.Ctx, admission.RequestID(outcome.Ctx), sandbox.Request{
		Command:   "model-invoke",
		Args:      []string{body.TokenID, body.Message},
		SessionID: body.TokenID,
		Lane:      pool.LaneInteractive,
	})
	if err != nil {
		writeError(w, err, nil)
		return
	}

	s.recordBilling(outcome)
	writeJSON(w, http.StatusOK, map[string]interface{}{"response": result.Stdout, "personality": body.Model})
}

// handleInvoke is the generic service-to-service invocation route; body
// shape is delegated to the model collaborator (spec.md §1 Non-goals),
// so this handler only runs admission and dispatch.
func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	spec := routeSpecFor(authn.ClassS2S, true, "api_key_default")
	outcome, err := s.orchestrator.Admit(r.Context(), spec, r.Header.Get("X-Request-Id"), clientIP(r), bearerFromHeader(r), paymentRequestFromHTTP(r))
	if err != nil {
		writeError(w, err, challengeOf(outcome))
		return
	}

	var raw map[string]interface{}
	_ = json.NewDecoder(r.Body).Decode(&raw)

	result, err := s.executor.Execute(outcome.Ctx, admission.RequestID(outcome.Ctx), sandbox.Request{
		Command: "model-invoke",
		Lane:    pool.LaneSystem,
	})
	if err != nil {
		writeError(w, err, nil)
		return
	}

	s.recordBilling(outcome)
	writeJSON(w, http.StatusOK, map[string]interface{}{"output": result.Stdout})
}

func challengeOf(o *admission.Outcome) *payment.Challenge {
	if o == nil {
		return nil
	}
	return o.Challenge
}

// recordBilling fires the best-effort post-response billing event, per
// spec §4.11.
func (s *Server) recordBilling(outcome *admission.Outcome) {
	if outcome == nil || outcome.Decision == nil || outcome.Decision.Kind != payment.KindAPIKey {
		return
	}
	decision := outcome.Decision
	tenantID := decision.APIKey.TenantID
	requestID := admission.RequestID(outcome.Ctx)
	go s.orchestrator.RecordBillingEvent(outcome.Ctx, tenantID, decision.APIKey.KeyID, requestID, 1, "invoke", "")
}

type createKeyRequest struct {
	Label string `json:"label,omitempty"`
}

func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	spec := admission.RouteSpec{RequiresJWT: true, EndpointClass: authn.ClassInvoke, Free: true}
	outcome, err := s.orchestrator.Admit(r.Context(), spec, r.Header.Get("X-Request-Id"), clientIP(r), bearerFromHeader(r), payment.Request{})
	if err != nil {
		writeError(w, err, nil)
		return
	}

	var body createKeyRequest
	_ = json.NewDecoder(r.Body).Decode(&body)

	tenant := admission.Tenant(outcome.Ctx)
	result, err := s.keys.Create(outcome.Ctx, tenant.TenantID, body.Label, 0)
	if err != nil {
		writeError(w, errs.Wrap(errs.KindInternal, "key creation failed", err), nil)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"key_id":        result.KeyID,
		"plaintext_key": result.Plaintext,
		"message":       "store this key securely; it will not be shown again",
	})
}

func (s *Server) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	spec := admission.RouteSpec{RequiresJWT: true, EndpointClass: authn.ClassInvoke, Free: true}
	outcome, err := s.orchestrator.Admit(r.Context(), spec, r.Header.Get("X-Request-Id"), clientIP(r), bearerFromHeader(r), payment.Request{})
	if err != nil {
		writeError(w, err, nil)
		return
	}

	keyID := mux.Vars(r)["key_id"]
	if err := s.keys.Revoke(outcome.Ctx, keyID); err != nil {
		writeError(w, errs.Wrap(errs.KindInternal, "revoke failed", err), nil)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleKeyBalance(w http.ResponseWriter, r *http.Request) {
	spec := admission.RouteSpec{RequiresJWT: true, EndpointClass: authn.ClassInvoke, Free: true}
	outcome, err := s.orchestrator.Admit(r.Context(), spec, r.Header.Get("X-Request-Id"), clientIP(r), bearerFromHeader(r), payment.Request{})
	if err != nil {
		writeError(w, err, nil)
		return
	}

	keyID := mux.Vars(r)["key_id"]
	balance, err := s.keys.BalanceByID(outcome.Ctx, keyID)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"key_id": keyID, "balance_micro": strconv.FormatInt(balance, 10)})
}

func (s *Server) handleJWKSInvalidate(w http.ResponseWriter, r *http.Request) {
	spec := admission.RouteSpec{RequiresJWT: true, EndpointClass: authn.ClassAdmin, Free: true}
	if _, err := s.orchestrator.Admit(r.Context(), spec, r.Header.Get("X-Request-Id"), clientIP(r), bearerFromHeader(r), payment.Request{}); err != nil {
		writeError(w, err, nil)
		return
	}
	s.jwksMgr.Invalidate()
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handlePoolStats(w http.ResponseWriter, r *http.Request) {
	spec := admission.RouteSpec{RequiresJWT: true, EndpointClass: authn.ClassAdmin, Free: true}
	if _, err := s.orchestrator.Admit(r.Context(), spec, r.Header.Get("X-Request-Id"), clientIP(r), bearerFromHeader(r), payment.Request{}); err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "see /metrics for lane depths and busy-worker gauges"})
}

func (s *Server) handleBudget(w http.ResponseWriter, r *http.Request) {
	tenant := mux.Vars(r)["tenant"]
	state, localSpend, committed, limit, headroom := s.recon.Get(tenant).Snapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"state":           string(state),
		"committed_micro": strconv.FormatInt(committed, 10),
		"reserved_micro":  strconv.FormatInt(localSpend, 10),
		"limit_micro":     strconv.FormatInt(limit, 10),
		"headroom_micro":  strconv.FormatInt(headroom, 10),
	})
}

