package pipeline

import (
	"sync"
)

// Admission is the per-tenant in-flight bound. A saturated tenant gets BLOCK
// "overloaded" before any downstream component is touched.
type Admission struct {
	mu       sync.Mutex
	inflight map[string]int
	depth    int
	tenants  map[string]int // per-tenant overrides
}

func NewAdmission(depth int) *Admission {
	if depth <= 0 {
		depth = 256
	}
	return &Admission{
		inflight: make(map[string]int),
		depth:    depth,
		tenants:  make(map[string]int),
	}
}

// SetTenantDepth overrides the queue depth for one tenant.
func (a *Admission) SetTenantDepth(tenantID string, depth int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tenants[tenantID] = depth
}

// Acquire reserves a slot; the caller must Release when the request settles.
func (a *Admission) Acquire(tenantID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	limit := a.depth
	if d, ok := a.tenants[tenantID]; ok {
		limit = d
	}
	if a.inflight[tenantID] >= limit {
		return false
	}
	a.inflight[tenantID]++
	return true
}

func (a *Admission) Release(tenantID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.inflight[tenantID] > 0 {
		a.inflight[tenantID]--
	}
}

// InFlight reports the current depth for a tenant.
func (a *Admission) InFlight(tenantID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inflight[tenantID]
}
