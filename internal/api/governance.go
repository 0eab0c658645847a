package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/agentmesh/govern/internal/envelope"
	"github.com/agentmesh/govern/internal/escrow"
	"github.com/agentmesh/govern/internal/pipeline"
	"github.com/agentmesh/govern/internal/signals"
)

// handleGovern is the primary RPC: POST /v1/govern.
func (s *Server) handleGovern(w http.ResponseWriter, r *http.Request) {
	var env envelope.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	env.TenantID = tenantFrom(r.Context())

	verdict, err := s.coord.Govern(r.Context(), &env)
	if err != nil {
		if errors.Is(err, pipeline.ErrInvalidRequest) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		// Ledger unreachable: no committed verdict exists. The caller must
		// treat this as BLOCK.
		writeError(w, http.StatusServiceUnavailable, "governance unavailable")
		return
	}
	writeJSON(w, http.StatusOK, verdict)
}

type signalRequest struct {
	RequestID  string                 `json:"request_id"`
	SignalType string                 `json:"signal_type"`
	Value      interface{}            `json:"value"`
	TTLSeconds int                    `json:"ttl_seconds"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// handleSignal accepts external attestations: POST /v1/signals.
func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	var req signalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	typ, err := signals.ParseType(req.SignalType)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ttl := time.Duration(req.TTLSeconds) * time.Second
	if err := s.coord.AttachSignal(tenantFrom(r.Context()), req.RequestID, typ, req.Value, ttl, req.Metadata); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"ack": true})
}

type releaseRequest struct {
	JuryApproved bool `json:"jury_approved"`
	EntropySafe  bool `json:"entropy_safe"`
}

// handleEscrowRelease resolves a hold: POST /v1/escrow/{escrow_id}/release.
func (s *Server) handleEscrowRelease(w http.ResponseWriter, r *http.Request) {
	escrowID := mux.Vars(r)["escrow_id"]

	var req releaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	success, payload, err := s.coord.ReleaseEscrow(escrowID, req.JuryApproved, req.EntropySafe)
	switch {
	case errors.Is(err, escrow.ErrNotFound):
		writeError(w, http.StatusNotFound, "escrow item not found")
		return
	case errors.Is(err, escrow.ErrConflict):
		writeError(w, http.StatusConflict, "escrow item already resolved")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := map[string]interface{}{"success": success}
	if success {
		resp["payload"] = payload
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleEscrowLookup reports status: GET /v1/escrow/{escrow_id}.
func (s *Server) handleEscrowLookup(w http.ResponseWriter, r *http.Request) {
	item, err := s.coord.LookupEscrow(mux.Vars(r)["escrow_id"])
	if errors.Is(err, escrow.ErrNotFound) {
		writeError(w, http.StatusNotFound, "escrow item not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if item.TenantID != tenantFrom(r.Context()) {
		writeError(w, http.StatusNotFound, "escrow item not found")
		return
	}
	// Status queries never leak the held payload.
	item.Payload = nil
	writeJSON(w, http.StatusOK, item)
}
