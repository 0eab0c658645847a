package jury

import (
	"sync"
	"time"

	"github.com/agentmesh/govern/internal/entropy"
)

// trustHistoryLen is the length of the rolling trust window per agent.
const trustHistoryLen = 20

// AgentBaseline is the behavioral profile built from committed verdicts.
// It backs the entropy monitor's drift checks and the reputation inputs of
// the trust calculator.
type AgentBaseline struct {
	TenantID         string
	AgentID          string
	FirstSeen        time.Time
	Interactions     int
	Successes        int
	TypicalActions   map[string]bool
	TypicalResources map[string]bool
	TrustHistory     []float64 // rolling, newest last
	lastSeen         time.Time
}

// BaselineBook holds per-agent baselines. Updates happen only after the
// ledger commit for the verdict that caused them; the coordinator enforces
// that ordering.
type BaselineBook struct {
	mu        sync.RWMutex
	baselines map[string]*AgentBaseline
}

func NewBaselineBook() *BaselineBook {
	return &BaselineBook{baselines: make(map[string]*AgentBaseline)}
}

func key(tenantID, agentID string) string { return tenantID + "/" + agentID }

// Observe folds a ledger-committed verdict into the agent's baseline.
func (bb *BaselineBook) Observe(tenantID, agentID, toolName, resource string, trustScore float64, allowed bool, at time.Time) {
	bb.mu.Lock()
	defer bb.mu.Unlock()

	k := key(tenantID, agentID)
	b, ok := bb.baselines[k]
	if !ok {
		b = &AgentBaseline{
			TenantID:         tenantID,
			AgentID:          agentID,
			FirstSeen:        at,
			TypicalActions:   make(map[string]bool),
			TypicalResources: make(map[string]bool),
		}
		bb.baselines[k] = b
	}

	b.Interactions++
	if allowed {
		b.Successes++
		b.TypicalActions[toolName] = true
		if resource != "" {
			b.TypicalResources[resource] = true
		}
	}

	b.TrustHistory = append(b.TrustHistory, trustScore)
	if len(b.TrustHistory) > trustHistoryLen {
		b.TrustHistory = b.TrustHistory[len(b.TrustHistory)-trustHistoryLen:]
	}

	if at.After(b.lastSeen) {
		b.lastSeen = at
	}
}

// Baseline implements entropy.BaselineSource.
func (bb *BaselineBook) Baseline(tenantID, agentID string) (entropy.Baseline, bool) {
	bb.mu.RLock()
	defer bb.mu.RUnlock()

	b, ok := bb.baselines[key(tenantID, agentID)]
	if !ok || b.Interactions == 0 {
		return entropy.Baseline{}, false
	}

	actions := make(map[string]bool, len(b.TypicalActions))
	for k2, v := range b.TypicalActions {
		actions[k2] = v
	}
	resources := make(map[string]bool, len(b.TypicalResources))
	for k2, v := range b.TypicalResources {
		resources[k2] = v
	}
	// Long-run rate over the observed lifespan, floored at one hour so a
	// brand-new agent is not judged against an inflated average.
	hours := b.lastSeen.Sub(b.FirstSeen).Hours()
	if hours < 1 {
		hours = 1
	}
	return entropy.Baseline{
		AvgRequestsPerHour: float64(b.Interactions) / hours,
		TypicalActions:     actions,
		TypicalResources:   resources,
	}, true
}

// TrustInputsFor assembles the reputation and history components for the
// trust calculator from the baseline record.
func (bb *BaselineBook) TrustInputsFor(tenantID, agentID string, now time.Time) TrustInputs {
	bb.mu.RLock()
	defer bb.mu.RUnlock()

	b, ok := bb.baselines[key(tenantID, agentID)]
	if !ok {
		return TrustInputs{}
	}
	return TrustInputs{
		Successes:       b.Successes,
		Interactions:    b.Interactions,
		RelationshipAge: now.Sub(b.FirstSeen),
	}
}
