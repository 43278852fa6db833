// Package httpapi wires the admission orchestrator (C11) onto HTTP
// routes, mirroring this codebase's cmd/api/main.go construction order
// and its handlers package's one-handler-per-route shape, generalized
// from the teacher's agent/marketplace routes to the admission surface
// named in spec §6.
package httpapi

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/loa-finn/gateway/internal/admission"
	"github.com/loa-finn/gateway/internal/apikey"
	"github.com/loa-finn/gateway/internal/authn"
	"github.com/loa-finn/gateway/internal/errs"
	"github.com/loa-finn/gateway/internal/jwks"
	"github.com/loa-finn/gateway/internal/payment"
	"github.com/loa-finn/gateway/internal/reconcile"
	"github.com/loa-finn/gateway/internal/sandbox"
)

// Server bundles every admitted-request collaborator the handlers need
// past the orchestrator: the sandbox executor for dispatch, the JWKS
// manager and reconciliation registry for the read-only admin/budget
// surface, and the key manager for key-lifecycle routes.
type Server struct {
	orchestrator *admission.Orchestrator
	executor     *sandbox.Executor
	keys         *apikey.Manager
	jwksMgr      *jwks.Manager
	recon        *reconcile.Registry
	log          *log.Logger
}

func NewServer(orc *admission.Orchestrator, executor *sandbox.Executor, keys *apikey.Manager, jwksMgr *jwks.Manager, recon *reconcile.Registry, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{orchestrator: orc, executor: executor, keys: keys, jwksMgr: jwksMgr, recon: recon, log: logger}
}

// Router builds the gorilla/mux router per spec §6's HTTP surface.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/llms.txt", s.handleLLMsTxt).Methods(http.MethodGet)
	r.HandleFunc("/.well-known/jwks.json", s.handleJWKSPublic).Methods(http.MethodGet)
	// /metrics is mounted by cmd/gateway with promhttp.Handler(), not here.

	r.HandleFunc("/api/v1/agent/chat", s.handleAgentChat).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/invoke", s.handleInvoke).Methods(http.MethodPost)

	r.HandleFunc("/api/v1/keys", s.handleCreateKey).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/keys/{key_id}", s.handleRevokeKey).Methods(http.MethodDelete)
	r.HandleFunc("/api/v1/keys/{key_id}/balance", s.handleKeyBalance).Methods(http.MethodGet)

	r.HandleFunc("/admin/jwks/invalidate", s.handleJWKSInvalidate).Methods(http.MethodPost)
	r.HandleFunc("/admin/pool/stats", s.handlePoolStats).Methods(http.MethodGet)

	r.HandleFunc("/api/v1/budget/{tenant}", s.handleBudget).Methods(http.MethodGet)

	return r
}

// writeError renders the strict {error, code} shape from spec §6,
// mapping errs.Kind to a status via the single centralized mapping.
func writeError(w http.ResponseWriter, err error, challenge *payment.Challenge) {
	kind := errs.Of(err)
	status := errs.HTTPStatus(kind)

	body := map[string]interface{}{
		"error": err.Error(),
		"code":  string(kind),
	}
	if challenge != nil {
		body["challenge"] = challenge
	}
	if status == http.StatusPaymentRequired {
		w.Header().Set("X-Payment-Upgrade", "x402")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func bearerFromHeader(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

func routeSpecFor(class authn.EndpointClass, requiresJWT bool, rateLimitTier string) admission.RouteSpec {
	return admission.RouteSpec{RequiresJWT: requiresJWT, EndpointClass: class, RateLimitTier: rateLimitTier}
}
