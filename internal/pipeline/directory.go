package pipeline

import (
	"sync"
	"time"

	"github.com/agentmesh/govern/internal/ghost"
)

// StateProvider supplies the current observable state for an agent. The
// coordinator clones whatever it returns; providers never see mutations.
type StateProvider interface {
	Snapshot(tenantID, agentID string) (*ghost.Snapshot, error)
}

// MemoryDirectory is the in-process agent state directory. Deployments with
// an external system of record implement StateProvider against it instead.
type MemoryDirectory struct {
	mu     sync.RWMutex
	agents map[string]*ghost.Snapshot // tenant/agent → state
}

func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{agents: make(map[string]*ghost.Snapshot)}
}

func (d *MemoryDirectory) key(tenantID, agentID string) string {
	return tenantID + "/" + agentID
}

// Put replaces an agent's observable state.
func (d *MemoryDirectory) Put(tenantID, agentID string, snap *ghost.Snapshot) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.agents[d.key(tenantID, agentID)] = snap.Clone()
}

// Snapshot returns a fresh clone of the agent's state. Unknown agents get an
// empty snapshot: policies over missing paths fail their comparisons, so an
// empty state is the conservative default.
func (d *MemoryDirectory) Snapshot(tenantID, agentID string) (*ghost.Snapshot, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if snap, ok := d.agents[d.key(tenantID, agentID)]; ok {
		cp := snap.Clone()
		cp.TakenAt = time.Now().UTC()
		return cp, nil
	}
	return &ghost.Snapshot{
		AgentID:          agentID,
		AccountBalances:  map[string]float64{},
		DataLocations:    map[string]string{},
		PendingApprovals: []string{},
		TakenAt:          time.Now().UTC(),
	}, nil
}
