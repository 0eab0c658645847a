package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/govern/internal/jsonlogic"
)

// Hierarchy is the public face of the policy subsystem: versioned writes on
// top of a Store, plus tier-ordered selection for the pipeline. Store read
// failures propagate to the caller, which fails closed.
type Hierarchy struct {
	store Store
	clock func() time.Time

	mu        sync.Mutex
	policyMus map[string]*sync.Mutex
}

func NewHierarchy(store Store) *Hierarchy {
	return &Hierarchy{store: store, clock: time.Now, policyMus: make(map[string]*sync.Mutex)}
}

// policyLock serializes the read-bump-deactivate-insert sequence per
// (tenant, policy_id) so concurrent writers cannot mint duplicate version
// numbers or leave two versions active.
func (h *Hierarchy) policyLock(tenantID, policyID string) *sync.Mutex {
	h.mu.Lock()
	defer h.mu.Unlock()
	k := tenantID + "/" + policyID
	mu, ok := h.policyMus[k]
	if !ok {
		mu = &sync.Mutex{}
		h.policyMus[k] = mu
	}
	return mu
}

// Add writes a policy. New policy_id gets version 1; an existing one gets
// max_prior+1 with the prior active version deactivated. If the content hash
// matches the active version, nothing is written and the active version is
// returned unchanged.
func (h *Hierarchy) Add(ctx context.Context, p *Policy) (*Policy, error) {
	if p.TenantID == "" {
		return nil, fmt.Errorf("policy: tenant_id required")
	}
	if err := jsonlogic.Validate(p.Logic); err != nil {
		return nil, fmt.Errorf("policy %s rejected: %w", p.PolicyID, err)
	}

	hash, err := computeContentHash(p.Logic, p.Action)
	if err != nil {
		return nil, err
	}

	next := p.clone()
	next.ContentHash = hash
	next.Active = true
	next.CreatedAt = h.clock()
	if next.PolicyID == "" {
		next.PolicyID = uuid.NewString()
		next.Version = 1
		if err := h.store.Insert(ctx, next); err != nil {
			return nil, err
		}
		return next, nil
	}

	mu := h.policyLock(p.TenantID, next.PolicyID)
	mu.Lock()
	defer mu.Unlock()

	versions, err := h.store.Versions(ctx, p.TenantID, p.PolicyID)
	switch err {
	case nil:
		active, aerr := h.store.ActiveVersion(ctx, p.TenantID, p.PolicyID)
		if aerr == nil && active.ContentHash == hash {
			// Semantically identical write: no new version.
			return active, nil
		}
		next.Version = versions[len(versions)-1].Version + 1
		if err := h.store.Deactivate(ctx, p.TenantID, p.PolicyID); err != nil {
			return nil, err
		}
	case ErrNotFound:
		next.Version = 1
	default:
		return nil, err
	}

	if err := h.store.Insert(ctx, next); err != nil {
		return nil, err
	}
	return next, nil
}

// Mutation is a partial update applied on top of the active version.
type Mutation struct {
	Logic      map[string]interface{}
	Action     *Action
	Confidence *float64
	Roles      []string
	ExpiresAt  *time.Time
}

// Update applies mutations to the active version via Add.
func (h *Hierarchy) Update(ctx context.Context, tenantID, policyID string, mut Mutation) (*Policy, error) {
	active, err := h.store.ActiveVersion(ctx, tenantID, policyID)
	if err != nil {
		return nil, err
	}
	next := active.clone()
	if mut.Logic != nil {
		next.Logic = mut.Logic
	}
	if mut.Action != nil {
		next.Action = *mut.Action
	}
	if mut.Confidence != nil {
		next.Confidence = *mut.Confidence
	}
	if mut.Roles != nil {
		next.Roles = mut.Roles
	}
	if mut.ExpiresAt != nil {
		next.ExpiresAt = mut.ExpiresAt
	}
	return h.Add(ctx, next)
}

// Rollback creates a new version whose contents equal target_version. The
// rollback appears in history as a normal version bump.
func (h *Hierarchy) Rollback(ctx context.Context, tenantID, policyID string, targetVersion int) (*Policy, error) {
	target, err := h.store.Version(ctx, tenantID, policyID, targetVersion)
	if err != nil {
		return nil, fmt.Errorf("%w: rollback target %d", ErrInvalidVersion, targetVersion)
	}
	return h.Add(ctx, target)
}

// Diff returns two versions of a policy for comparison.
func (h *Hierarchy) Diff(ctx context.Context, tenantID, policyID string, verA, verB int) (*Policy, *Policy, error) {
	a, err := h.store.Version(ctx, tenantID, policyID, verA)
	if err != nil {
		return nil, nil, err
	}
	b, err := h.store.Version(ctx, tenantID, policyID, verB)
	if err != nil {
		return nil, nil, err
	}
	return a, b, nil
}

// List returns all active policies for a tenant.
func (h *Hierarchy) List(ctx context.Context, tenantID string) ([]*Policy, error) {
	return h.store.ListActive(ctx, tenantID)
}

// History returns the full version history of a policy.
func (h *Hierarchy) History(ctx context.Context, tenantID, policyID string) ([]*Policy, error) {
	return h.store.Versions(ctx, tenantID, policyID)
}

// ListApplicable selects the active policies matching a tool call, sorted by
// tier rank (GLOBAL, CONTEXTUAL, DYNAMIC) then confidence descending.
// Expired DYNAMIC policies are swept lazily here; a tenant with no GLOBAL
// policies simply proceeds to CONTEXTUAL evaluation.
func (h *Hierarchy) ListApplicable(ctx context.Context, tenantID, toolName, role string) ([]*Policy, error) {
	all, err := h.store.ListActive(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	now := h.clock()
	var out []*Policy
	for _, p := range all {
		if p.Expired(now) {
			if err := h.store.Deactivate(ctx, p.TenantID, p.PolicyID); err != nil {
				slog.Warn("failed to sweep expired policy", "policy_id", p.PolicyID, "error", err)
			}
			continue
		}
		if p.TriggerIntent != toolName && p.TriggerIntent != "*" {
			continue
		}
		if !p.AppliesToRole(role) {
			continue
		}
		out = append(out, p)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Tier != out[j].Tier {
			return out[i].Tier < out[j].Tier
		}
		return out[i].Confidence > out[j].Confidence
	})
	return out, nil
}
