package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/govern/internal/entropy"
	"github.com/agentmesh/govern/internal/envelope"
	"github.com/agentmesh/govern/internal/escrow"
	"github.com/agentmesh/govern/internal/ghost"
	"github.com/agentmesh/govern/internal/jury"
	"github.com/agentmesh/govern/internal/ledger"
	"github.com/agentmesh/govern/internal/pipeline"
	"github.com/agentmesh/govern/internal/policy"
	"github.com/agentmesh/govern/internal/signals"
)

func newTestServer(t *testing.T) (*Server, *pipeline.MemoryDirectory) {
	t.Helper()

	baselines := jury.NewBaselineBook()
	registry := jury.NewRegistry()
	var panelJurors []jury.WeightedJuror
	for _, name := range []string{"policy_compliance", "payload_sanity", "state_consistency"} {
		j, err := registry.Build(name)
		require.NoError(t, err)
		panelJurors = append(panelJurors, jury.WeightedJuror{Juror: j, Weight: 1.0})
	}
	panel, err := jury.New(panelJurors, jury.DefaultConfig())
	require.NoError(t, err)

	audit := ledger.New(ledger.NewMemoryStore())
	ghosts := ghost.NewEngine(false)
	collector := signals.NewCollector()
	escrows := escrow.NewEngine(escrow.NewMemoryStore(),
		escrow.WithResolvedHook(pipeline.WireEscrowLedger(audit, ghosts, collector, nil)))
	directory := pipeline.NewMemoryDirectory()
	hierarchy := policy.NewHierarchy(policy.NewMemoryStore())

	coord := pipeline.NewCoordinator(pipeline.Deps{
		Validator: envelope.NewValidator(),
		Policies:  hierarchy,
		States:    directory,
		Ghosts:    ghosts,
		Monitor:   entropy.NewMonitor(entropy.DefaultThresholds(), baselines),
		Panel:     panel,
		Trust:     jury.NewCalculator(jury.DefaultWeights()),
		Baselines: baselines,
		Collector: collector,
		Escrows:   escrows,
		Ledger:    audit,
	})
	return NewServer(coord, hierarchy, audit), directory
}

func doJSON(t *testing.T, handler http.Handler, method, path, tenant string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if tenant != "" {
		req.Header.Set("X-Tenant-ID", tenant)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestTenantHeaderRequired(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv.Router(), "POST", "/v1/govern", "", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGovernEndpointAllow(t *testing.T) {
	srv, directory := newTestServer(t)
	directory.Put("t1", "agent-1", &ghost.Snapshot{
		AgentID:         "agent-1",
		AccountBalances: map[string]float64{"checking": 50000},
	})

	rec := doJSON(t, srv.Router(), "POST", "/v1/govern", "t1", map[string]interface{}{
		"request_id": "r1",
		"agent_id":   "agent-1",
		"tool_name":  "execute_payment",
		"arguments":  map[string]interface{}{"amount": 100, "from_account": "checking"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, "ALLOW", body["verdict_class"])
}

func TestGovernEndpointRejectsInvalid(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv.Router(), "POST", "/v1/govern", "t1", map[string]interface{}{
		"agent_id": "", "tool_name": "execute_payment",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHoldReleaseFlow(t *testing.T) {
	srv, directory := newTestServer(t)
	router := srv.Router()
	directory.Put("t1", "agent-1", &ghost.Snapshot{
		AgentID:         "agent-1",
		AccountBalances: map[string]float64{"checking": 50000},
	})

	rec := doJSON(t, router, "POST", "/v1/policies", "t1", map[string]interface{}{
		"policy_id":      "P_PAY",
		"tier":           "CONTEXTUAL",
		"trigger_intent": "execute_payment",
		"logic":          map[string]interface{}{">": []interface{}{map[string]interface{}{"var": "payload.amount"}, 10000}},
		"action":         map[string]interface{}{"on_fail": "HOLD", "required_signals": []string{"CTO_SIGNATURE"}},
		"confidence":     0.9,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = doJSON(t, router, "POST", "/v1/govern", "t1", map[string]interface{}{
		"request_id": "r1",
		"agent_id":   "agent-1",
		"tool_name":  "execute_payment",
		"arguments":  map[string]interface{}{"amount": 15000, "from_account": "checking"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	require.Equal(t, "HOLD", body["verdict_class"])
	escrowID, _ := body["escrow_id"].(string)
	require.NotEmpty(t, escrowID)

	// Status query shows HELD without the payload.
	rec = doJSON(t, router, "GET", "/v1/escrow/"+escrowID, "t1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decodeBody(t, rec)
	assert.Equal(t, "HELD", status["status"])
	assert.Nil(t, status["payload"])

	// Release with both checks green returns the payload.
	rec = doJSON(t, router, "POST", "/v1/escrow/"+escrowID+"/release", "t1", map[string]interface{}{
		"jury_approved": true, "entropy_safe": true,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	released := decodeBody(t, rec)
	assert.Equal(t, true, released["success"])
	payload, _ := released["payload"].(map[string]interface{})
	assert.Equal(t, 15000.0, payload["amount"])

	// Second release conflicts.
	rec = doJSON(t, router, "POST", "/v1/escrow/"+escrowID+"/release", "t1", map[string]interface{}{
		"jury_approved": true, "entropy_safe": true,
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSignalSubmission(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	rec := doJSON(t, router, "POST", "/v1/signals", "t1", map[string]interface{}{
		"request_id": "r1", "signal_type": "CTO_SIGNATURE", "value": "sig", "ttl_seconds": 300,
	})
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = doJSON(t, router, "POST", "/v1/signals", "t1", map[string]interface{}{
		"request_id": "r1", "signal_type": "PINKY_SWEAR",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLedgerEndpoints(t *testing.T) {
	srv, directory := newTestServer(t)
	router := srv.Router()
	directory.Put("t1", "agent-1", &ghost.Snapshot{
		AgentID:         "agent-1",
		AccountBalances: map[string]float64{"checking": 1000},
	})

	for i := 0; i < 3; i++ {
		rec := doJSON(t, router, "POST", "/v1/govern", "t1", map[string]interface{}{
			"request_id": fmt.Sprintf("r%d", i),
			"agent_id":   "agent-1",
			"tool_name":  "send_message",
			"arguments":  map[string]interface{}{"body": "hello"},
		})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := doJSON(t, router, "GET", "/v1/ledger/r1", "t1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Tenant isolation on lookup.
	rec = doJSON(t, router, "GET", "/v1/ledger/r1", "t2", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, router, "GET", "/v1/ledger?since=0&limit=2", "t1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	entries, _ := body["entries"].([]interface{})
	assert.Len(t, entries, 2)
	assert.Equal(t, 2.0, body["next_cursor"])

	rec = doJSON(t, router, "POST", "/v1/ledger/verify", "t1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["valid"])
}

func TestPolicyAdminVersioning(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	add := map[string]interface{}{
		"policy_id":      "P1",
		"tier":           "GLOBAL",
		"trigger_intent": "*",
		"logic":          map[string]interface{}{"==": []interface{}{map[string]interface{}{"var": "payload.kind"}, "forbidden"}},
		"action":         map[string]interface{}{"on_fail": "BLOCK"},
		"confidence":     1.0,
	}
	rec := doJSON(t, router, "POST", "/v1/policies", "t1", add)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = doJSON(t, router, "PATCH", "/v1/policies/P1", "t1", map[string]interface{}{
		"confidence": 0.5,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 2.0, decodeBody(t, rec)["version"])

	rec = doJSON(t, router, "POST", "/v1/policies/P1/rollback", "t1", map[string]interface{}{"version": 1})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 3.0, decodeBody(t, rec)["version"])

	rec = doJSON(t, router, "GET", "/v1/policies/P1/diff?a=1&b=2", "t1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, router, "GET", "/v1/policies/P1/history", "t1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	history := decodeBody(t, rec)
	versions, _ := history["versions"].([]interface{})
	assert.Len(t, versions, 3)

	rec = doJSON(t, router, "GET", "/v1/policies", "t1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}
