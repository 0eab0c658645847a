package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/agentmesh/govern/internal/ledger"
)

// handleLedgerLookup returns the latest entry for a request:
// GET /v1/ledger/{request_id}.
func (s *Server) handleLedgerLookup(w http.ResponseWriter, r *http.Request) {
	entry, err := s.audit.Lookup(mux.Vars(r)["request_id"])
	if errors.Is(err, ledger.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no ledger entry for request")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entry.TenantID != tenantFrom(r.Context()) {
		writeError(w, http.StatusNotFound, "no ledger entry for request")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// handleLedgerStream pages the tenant chain oldest→newest:
// GET /v1/ledger?since=<cursor>&limit=<n>.
func (s *Server) handleLedgerStream(w http.ResponseWriter, r *http.Request) {
	since, _ := strconv.ParseUint(r.URL.Query().Get("since"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	entries, err := s.audit.Stream(tenantFrom(r.Context()), since, limit)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	var next uint64
	if len(entries) > 0 {
		next = entries[len(entries)-1].Seq
	} else {
		next = since
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entries":     entries,
		"next_cursor": next,
	})
}

// handleLedgerVerify walks the full chain: POST /v1/ledger/verify.
func (s *Server) handleLedgerVerify(w http.ResponseWriter, r *http.Request) {
	ok, bad, err := s.audit.Verify(tenantFrom(r.Context()))
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	resp := map[string]interface{}{"valid": ok}
	if bad != nil {
		resp["first_invalid_seq"] = bad.Seq
		resp["first_invalid_entry_id"] = bad.EntryID
	}
	writeJSON(w, http.StatusOK, resp)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The tenant header is the authorization boundary; origins are not.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const wsPollInterval = 500 * time.Millisecond

// handleLedgerWS pushes new chain entries over a websocket:
// GET /v1/ledger/ws?since=<cursor>. Each frame is one JSON entry including
// block_hash and previous_hash so clients can verify independently.
func (s *Server) handleLedgerWS(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFrom(r.Context())
	cursor, _ := strconv.ParseUint(r.URL.Query().Get("since"), 10, 64)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(wsPollInterval)
	defer ticker.Stop()

	for {
		entries, err := s.audit.Stream(tenantID, cursor, 100)
		if err != nil {
			conn.WriteJSON(map[string]interface{}{"error": "ledger unavailable"}) //nolint:errcheck
			return
		}
		for _, e := range entries {
			if err := conn.WriteJSON(e); err != nil {
				return
			}
			cursor = e.Seq
		}

		select {
		case <-ticker.C:
		case <-r.Context().Done():
			return
		}
	}
}
