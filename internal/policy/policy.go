// Package policy stores machine-executable governance policies and selects
// the set applicable to a request in tier order: GLOBAL hard constraints
// first, then CONTEXTUAL role/tool-scoped rules, then time-limited DYNAMIC
// rules. Policies are immutable once written; every change is a new version.
package policy

import (
	"errors"
	"time"

	"github.com/agentmesh/govern/internal/canonical"
)

// Tier is the precedence class of a policy. Lower rank wins.
type Tier int

const (
	TierGlobal Tier = iota
	TierContextual
	TierDynamic
)

func (t Tier) String() string {
	switch t {
	case TierGlobal:
		return "GLOBAL"
	case TierContextual:
		return "CONTEXTUAL"
	case TierDynamic:
		return "DYNAMIC"
	default:
		return "UNKNOWN"
	}
}

// ParseTier maps the wire string back to a Tier.
func ParseTier(s string) (Tier, error) {
	switch s {
	case "GLOBAL":
		return TierGlobal, nil
	case "CONTEXTUAL":
		return TierContextual, nil
	case "DYNAMIC":
		return TierDynamic, nil
	default:
		return 0, errors.New("policy: unknown tier " + s)
	}
}

// Action describes what happens around a policy evaluation.
type Action struct {
	OnFail          string   `json:"on_fail"` // BLOCK, HOLD, ESCALATE
	OnPass          string   `json:"on_pass,omitempty"`
	RequiredSignals []string `json:"required_signals,omitempty"`
}

// Policy is one version of a tenant rule. TriggerIntent is a tool name or
// "*". Roles applies to CONTEXTUAL policies only; empty means all roles.
// ExpiresAt applies to DYNAMIC policies only.
type Policy struct {
	PolicyID      string                 `json:"policy_id"`
	TenantID      string                 `json:"tenant_id"`
	Tier          Tier                   `json:"tier"`
	TriggerIntent string                 `json:"trigger_intent"`
	Logic         map[string]interface{} `json:"logic"`
	Action        Action                 `json:"action"`
	Confidence    float64                `json:"confidence"`
	Roles         []string               `json:"roles,omitempty"`
	ExpiresAt     *time.Time             `json:"expires_at,omitempty"`
	Version       int                    `json:"version"`
	Active        bool                   `json:"active"`
	ContentHash   string                 `json:"content_hash"`
	CreatedAt     time.Time              `json:"created_at"`
	CreatedBy     string                 `json:"created_by,omitempty"`
}

// ContentHash covers logic and action only: metadata edits do not create a
// new version, semantic edits always do.
func computeContentHash(logic map[string]interface{}, action Action) (string, error) {
	return canonical.Digest(map[string]interface{}{
		"logic":  logic,
		"action": action,
	})
}

// Expired reports whether a DYNAMIC policy is past its expiry.
func (p *Policy) Expired(now time.Time) bool {
	return p.Tier == TierDynamic && p.ExpiresAt != nil && p.ExpiresAt.Before(now)
}

// AppliesToRole reports whether a policy matches the caller-supplied role.
// Only CONTEXTUAL policies are role-scoped; empty roles applies to all.
func (p *Policy) AppliesToRole(role string) bool {
	if p.Tier != TierContextual || len(p.Roles) == 0 {
		return true
	}
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

func (p *Policy) clone() *Policy {
	cp := *p
	if p.Roles != nil {
		cp.Roles = append([]string(nil), p.Roles...)
	}
	if p.ExpiresAt != nil {
		t := *p.ExpiresAt
		cp.ExpiresAt = &t
	}
	// Logic trees are treated as immutable once stored; shallow copy is
	// enough as long as callers never mutate them.
	return &cp
}
