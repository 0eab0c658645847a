package policy

import (
	"context"
	"errors"
	"sort"
	"sync"
)

var (
	ErrNotFound       = errors.New("policy: not found")
	ErrInvalidVersion = errors.New("policy: invalid version")
)

// Store persists versioned policies per tenant. Implementations must treat
// written versions as immutable; deactivation flips the active flag only.
type Store interface {
	// Insert writes a new version. The caller has already assigned Version,
	// ContentHash, and CreatedAt.
	Insert(ctx context.Context, p *Policy) error

	// Deactivate marks every version of a policy inactive.
	Deactivate(ctx context.Context, tenantID, policyID string) error

	// ActiveVersion returns the currently active version, or ErrNotFound.
	ActiveVersion(ctx context.Context, tenantID, policyID string) (*Policy, error)

	// Version returns a specific version, or ErrNotFound.
	Version(ctx context.Context, tenantID, policyID string, version int) (*Policy, error)

	// Versions returns all versions of a policy, oldest first.
	Versions(ctx context.Context, tenantID, policyID string) ([]*Policy, error)

	// ListActive returns all active policies for a tenant, in no particular
	// order; the hierarchy layer sorts.
	ListActive(ctx context.Context, tenantID string) ([]*Policy, error)
}

// ============================================================================
// IN-MEMORY STORE (tests and single-node deployments)
// ============================================================================

// MemoryStore keeps the full version history in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	versions map[string]map[string][]*Policy // tenant → policyID → ordered versions
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{versions: make(map[string]map[string][]*Policy)}
}

func (ms *MemoryStore) Insert(ctx context.Context, p *Policy) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	byPolicy, ok := ms.versions[p.TenantID]
	if !ok {
		byPolicy = make(map[string][]*Policy)
		ms.versions[p.TenantID] = byPolicy
	}
	byPolicy[p.PolicyID] = append(byPolicy[p.PolicyID], p.clone())
	return nil
}

func (ms *MemoryStore) Deactivate(ctx context.Context, tenantID, policyID string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	for _, v := range ms.versions[tenantID][policyID] {
		v.Active = false
	}
	return nil
}

func (ms *MemoryStore) ActiveVersion(ctx context.Context, tenantID, policyID string) (*Policy, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	for _, v := range ms.versions[tenantID][policyID] {
		if v.Active {
			return v.clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (ms *MemoryStore) Version(ctx context.Context, tenantID, policyID string, version int) (*Policy, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	for _, v := range ms.versions[tenantID][policyID] {
		if v.Version == version {
			return v.clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (ms *MemoryStore) Versions(ctx context.Context, tenantID, policyID string) ([]*Policy, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	stored := ms.versions[tenantID][policyID]
	if len(stored) == 0 {
		return nil, ErrNotFound
	}
	out := make([]*Policy, len(stored))
	for i, v := range stored {
		out[i] = v.clone()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (ms *MemoryStore) ListActive(ctx context.Context, tenantID string) ([]*Policy, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()

	var out []*Policy
	for _, versions := range ms.versions[tenantID] {
		for _, v := range versions {
			if v.Active {
				out = append(out, v.clone())
			}
		}
	}
	return out, nil
}
