package ghost

import (
	"fmt"
)

// Simulator projects the effect of one tool call onto a ghost snapshot.
// Simulators are pure: they mutate only the clone they are handed.
type Simulator interface {
	Simulate(ghost *Snapshot, args map[string]interface{}) error
}

// SimulatorFunc adapts a function to the Simulator interface.
type SimulatorFunc func(ghost *Snapshot, args map[string]interface{}) error

func (f SimulatorFunc) Simulate(ghost *Snapshot, args map[string]interface{}) error {
	return f(ghost, args)
}

// ============================================================================
// BUILT-IN SIMULATORS: the reference set the pipeline ships with
// ============================================================================

// PaymentSimulator deducts an outgoing payment from the source account.
type PaymentSimulator struct{}

func (PaymentSimulator) Simulate(ghost *Snapshot, args map[string]interface{}) error {
	amount, ok := argFloat(args, "amount")
	if !ok {
		return fmt.Errorf("ghost: payment requires numeric amount")
	}
	from := argString(args, "from_account", "checking")
	ghost.AccountBalances[from] -= amount
	return nil
}

// TransferSimulator moves funds between two accounts.
type TransferSimulator struct{}

func (TransferSimulator) Simulate(ghost *Snapshot, args map[string]interface{}) error {
	amount, ok := argFloat(args, "amount")
	if !ok {
		return fmt.Errorf("ghost: transfer requires numeric amount")
	}
	from := argString(args, "from_account", "checking")
	to := argString(args, "to_account", "")
	if to == "" {
		return fmt.Errorf("ghost: transfer requires to_account")
	}
	ghost.AccountBalances[from] -= amount
	ghost.AccountBalances[to] += amount
	return nil
}

// ExternalSendSimulator projects a data egress: the referenced data-id moves
// from vpc to external, and the send joins the pending-approval set.
type ExternalSendSimulator struct{}

func (ExternalSendSimulator) Simulate(ghost *Snapshot, args map[string]interface{}) error {
	if dataID := argString(args, "data_id", ""); dataID != "" {
		ghost.DataLocations[dataID] = "external"
	}
	if ref := argString(args, "approval_ref", ""); ref != "" {
		ghost.PendingApprovals = append(ghost.PendingApprovals, ref)
	}
	return nil
}

// MessageSimulator models tools with no observable state effect.
type MessageSimulator struct{}

func (MessageSimulator) Simulate(ghost *Snapshot, args map[string]interface{}) error {
	return nil
}

func argFloat(args map[string]interface{}, key string) (float64, bool) {
	switch v := args[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

func argString(args map[string]interface{}, key, fallback string) string {
	if s, ok := args[key].(string); ok && s != "" {
		return s
	}
	return fallback
}
