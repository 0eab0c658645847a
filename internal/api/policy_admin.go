package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/agentmesh/govern/internal/policy"
)

type policyRequest struct {
	PolicyID      string                 `json:"policy_id,omitempty"`
	Tier          string                 `json:"tier"`
	TriggerIntent string                 `json:"trigger_intent"`
	Logic         map[string]interface{} `json:"logic"`
	Action        policy.Action          `json:"action"`
	Confidence    float64                `json:"confidence"`
	Roles         []string               `json:"roles,omitempty"`
	ExpiresAt     string                 `json:"expires_at,omitempty"`
	CreatedBy     string                 `json:"created_by,omitempty"`
}

// handlePolicyAdd creates version 1 of a policy: POST /v1/policies.
func (s *Server) handlePolicyAdd(w http.ResponseWriter, r *http.Request) {
	var req policyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	tier, err := policy.ParseTier(req.Tier)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	p := &policy.Policy{
		PolicyID:      req.PolicyID,
		TenantID:      tenantFrom(r.Context()),
		Tier:          tier,
		TriggerIntent: req.TriggerIntent,
		Logic:         req.Logic,
		Action:        req.Action,
		Confidence:    req.Confidence,
		Roles:         req.Roles,
		CreatedBy:     req.CreatedBy,
	}
	added, err := s.policies.Add(r.Context(), p)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, added)
}

// handlePolicyList lists active policies: GET /v1/policies.
func (s *Server) handlePolicyList(w http.ResponseWriter, r *http.Request) {
	list, err := s.policies.List(r.Context(), tenantFrom(r.Context()))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"policies": list})
}

// handlePolicyUpdate creates a new version: PATCH /v1/policies/{policy_id}.
func (s *Server) handlePolicyUpdate(w http.ResponseWriter, r *http.Request) {
	var mut policy.Mutation
	if err := json.NewDecoder(r.Body).Decode(&mut); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	updated, err := s.policies.Update(r.Context(), tenantFrom(r.Context()), mux.Vars(r)["policy_id"], mut)
	if errors.Is(err, policy.ErrNotFound) {
		writeError(w, http.StatusNotFound, "policy not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

type rollbackRequest struct {
	Version int `json:"version"`
}

// handlePolicyRollback reinstates an old version as a new one:
// POST /v1/policies/{policy_id}/rollback.
func (s *Server) handlePolicyRollback(w http.ResponseWriter, r *http.Request) {
	var req rollbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	rolled, err := s.policies.Rollback(r.Context(), tenantFrom(r.Context()), mux.Vars(r)["policy_id"], req.Version)
	if errors.Is(err, policy.ErrNotFound) || errors.Is(err, policy.ErrInvalidVersion) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, rolled)
}

// handlePolicyDiff returns two versions side by side:
// GET /v1/policies/{policy_id}/diff?a=1&b=3.
func (s *Server) handlePolicyDiff(w http.ResponseWriter, r *http.Request) {
	verA, errA := strconv.Atoi(r.URL.Query().Get("a"))
	verB, errB := strconv.Atoi(r.URL.Query().Get("b"))
	if errA != nil || errB != nil {
		writeError(w, http.StatusBadRequest, "query params a and b must be version numbers")
		return
	}

	a, b, err := s.policies.Diff(r.Context(), tenantFrom(r.Context()), mux.Vars(r)["policy_id"], verA, verB)
	if errors.Is(err, policy.ErrNotFound) || errors.Is(err, policy.ErrInvalidVersion) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"a": a, "b": b, "changed": changedFields(a, b),
	})
}

// changedFields names the top-level policy fields that differ between two
// versions.
func changedFields(a, b *policy.Policy) []string {
	changed := []string{}
	if a.Tier != b.Tier {
		changed = append(changed, "tier")
	}
	if a.TriggerIntent != b.TriggerIntent {
		changed = append(changed, "trigger_intent")
	}
	if a.ContentHash != b.ContentHash {
		changed = append(changed, "logic_or_action")
	}
	if a.Confidence != b.Confidence {
		changed = append(changed, "confidence")
	}
	if !slices.Equal(a.Roles, b.Roles) {
		changed = append(changed, "roles")
	}
	return changed
}

// handlePolicyHistory lists every version:
// GET /v1/policies/{policy_id}/history.
func (s *Server) handlePolicyHistory(w http.ResponseWriter, r *http.Request) {
	versions, err := s.policies.History(r.Context(), tenantFrom(r.Context()), mux.Vars(r)["policy_id"])
	if errors.Is(err, policy.ErrNotFound) {
		writeError(w, http.StatusNotFound, "policy not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"versions": versions})
}
