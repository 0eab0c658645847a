// Package ghost implements speculative execution against a sandboxed clone of
// business state: snapshot → simulate → evaluate. Policies are checked
// against post-conditions, so a balance-floor rule sees the balance the tool
// call would leave behind, not the one it started from.
package ghost

import (
	"time"

	"github.com/agentmesh/govern/internal/canonical"
)

// Snapshot is the observable state of one agent at a point in time. A
// Snapshot taken from the live system is read-only; simulation always runs
// on a Clone.
type Snapshot struct {
	AgentID          string             `json:"agent_id"`
	AccountBalances  map[string]float64 `json:"account_balances"`
	DataLocations    map[string]string  `json:"data_locations"` // data-id → "vpc" | "external"
	PendingApprovals []string           `json:"pending_approvals"`
	TakenAt          time.Time          `json:"taken_at"`
}

// Clone deep-copies the snapshot. The clone is the ghost state.
func (s *Snapshot) Clone() *Snapshot {
	cp := &Snapshot{
		AgentID:          s.AgentID,
		AccountBalances:  make(map[string]float64, len(s.AccountBalances)),
		DataLocations:    make(map[string]string, len(s.DataLocations)),
		PendingApprovals: append([]string(nil), s.PendingApprovals...),
		TakenAt:          s.TakenAt,
	}
	for k, v := range s.AccountBalances {
		cp.AccountBalances[k] = v
	}
	for k, v := range s.DataLocations {
		cp.DataLocations[k] = v
	}
	return cp
}

// Hash returns the canonical digest of the snapshot, used as the
// speculative_hash on verdicts and the target_hash on escrow items.
func (s *Snapshot) Hash() (string, error) {
	return canonical.Digest(s)
}

// DataView builds the dictionary policies evaluate against: the projected
// state buckets plus the raw tool arguments under "payload".
func (s *Snapshot) DataView(args map[string]interface{}) map[string]interface{} {
	balances := make(map[string]interface{}, len(s.AccountBalances))
	for k, v := range s.AccountBalances {
		balances[k] = v
	}
	locations := make(map[string]interface{}, len(s.DataLocations))
	for k, v := range s.DataLocations {
		locations[k] = v
	}
	approvals := make([]interface{}, len(s.PendingApprovals))
	for i, v := range s.PendingApprovals {
		approvals[i] = v
	}
	return map[string]interface{}{
		"account_balances":  balances,
		"data_locations":    locations,
		"pending_approvals": approvals,
		"payload":           args,
	}
}
