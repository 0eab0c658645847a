// Package pipeline sequences the governance stages for one request: envelope
// auth, policy walk over ghost state, jury and entropy audit, signal check,
// escrow, ledger commit. Every dependency fails closed.
package pipeline

import (
	"time"
)

// Class is the terminal decision for a request.
type Class string

const (
	ClassAllow    Class = "ALLOW"
	ClassBlock    Class = "BLOCK"
	ClassHold     Class = "HOLD"
	ClassEscalate Class = "ESCALATE"
)

// ParseClass maps a policy action string to a verdict class, defaulting to
// BLOCK for anything unrecognized.
func ParseClass(s string) Class {
	switch Class(s) {
	case ClassAllow, ClassBlock, ClassHold, ClassEscalate:
		return Class(s)
	}
	return ClassBlock
}

// Reason codes are part of the caller contract; the human-readable Reason
// elaborates but the code is stable.
const (
	ReasonPolicyViolation    = "POLICY_VIOLATION"
	ReasonSecurityBreach     = "SECURITY_BREACH"
	ReasonInsufficientQuorum = "INSUFFICIENT_QUORUM"
	ReasonEntropyBlock       = "ENTROPY_BLOCK"
	ReasonMissingSignal      = "MISSING_SIGNAL"
	ReasonBehavioralAnomaly  = "BEHAVIORAL_ANOMALY"
	ReasonBackendUnavailable = "BACKEND_UNAVAILABLE"
	ReasonTimeout            = "TIMEOUT"
	ReasonOverloaded         = "OVERLOADED"
)

// Verdict is the immutable outcome returned to the caller and digested into
// the ledger.
type Verdict struct {
	RequestID        string    `json:"request_id"`
	Class            Class     `json:"verdict_class"`
	ReasonCode       string    `json:"reason_code"`
	Reason           string    `json:"reason"`
	TrustScore       float64   `json:"trust_score"`
	ViolatedPolicyID string    `json:"violated_policy_id,omitempty"`
	EscrowID         string    `json:"escrow_id,omitempty"`
	SpeculativeHash  string    `json:"speculative_hash,omitempty"`
	EvidenceHash     string    `json:"evidence_hash,omitempty"`
	DecidedAt        time.Time `json:"decided_at"`
}
