// Package api exposes the governance pipeline over REST/JSON plus a
// websocket ledger stream and the Prometheus scrape endpoint.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentmesh/govern/internal/ledger"
	"github.com/agentmesh/govern/internal/pipeline"
	"github.com/agentmesh/govern/internal/policy"
)

// Server wires HTTP routes to the coordinator and its stores.
type Server struct {
	coord    *pipeline.Coordinator
	policies *policy.Hierarchy
	audit    *ledger.Ledger
}

func NewServer(coord *pipeline.Coordinator, policies *policy.Hierarchy, audit *ledger.Ledger) *Server {
	return &Server{coord: coord, policies: policies, audit: audit}
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(logMiddleware)

	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Use(tenantMiddleware)

	v1.HandleFunc("/govern", s.handleGovern).Methods("POST")
	v1.HandleFunc("/signals", s.handleSignal).Methods("POST")
	v1.HandleFunc("/escrow/{escrow_id}/release", s.handleEscrowRelease).Methods("POST")
	v1.HandleFunc("/escrow/{escrow_id}", s.handleEscrowLookup).Methods("GET")

	v1.HandleFunc("/policies", s.handlePolicyAdd).Methods("POST")
	v1.HandleFunc("/policies", s.handlePolicyList).Methods("GET")
	v1.HandleFunc("/policies/{policy_id}", s.handlePolicyUpdate).Methods("PATCH")
	v1.HandleFunc("/policies/{policy_id}/rollback", s.handlePolicyRollback).Methods("POST")
	v1.HandleFunc("/policies/{policy_id}/diff", s.handlePolicyDiff).Methods("GET")
	v1.HandleFunc("/policies/{policy_id}/history", s.handlePolicyHistory).Methods("GET")

	// Fixed paths first: {request_id} would otherwise swallow them.
	v1.HandleFunc("/ledger/verify", s.handleLedgerVerify).Methods("POST")
	v1.HandleFunc("/ledger/ws", s.handleLedgerWS).Methods("GET")
	v1.HandleFunc("/ledger/{request_id}", s.handleLedgerLookup).Methods("GET")
	v1.HandleFunc("/ledger", s.handleLedgerStream).Methods("GET")

	return r
}

// Start blocks serving HTTP on the given port.
func (s *Server) Start(port string) error {
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	slog.Info("api listening", "port", port)
	return srv.ListenAndServe()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
}

// ============================================================================
// MIDDLEWARE
// ============================================================================

type contextKey string

const tenantKey contextKey = "tenant_id"

// tenantMiddleware requires the X-Tenant-ID header on every /v1 route.
func tenantMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := r.Header.Get("X-Tenant-ID")
		if tenantID == "" {
			writeError(w, http.StatusBadRequest, "X-Tenant-ID header required")
			return
		}
		ctx := contextWithTenant(r.Context(), tenantID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("http", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func contextWithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantKey, tenantID)
}

func tenantFrom(ctx context.Context) string {
	v, _ := ctx.Value(tenantKey).(string)
	return v
}

// ============================================================================
// HELPERS
// ============================================================================

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{"error": msg})
}
