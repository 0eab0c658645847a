package ledger

import (
	"sync"
)

// MemoryStore keeps per-tenant chains in memory for tests and single-node
// deployments.
type MemoryStore struct {
	mu      sync.Mutex
	chains  map[string][]*Entry // tenant → entries in seq order
	nextSeq map[string]uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chains:  make(map[string][]*Entry),
		nextSeq: make(map[string]uint64),
	}
}

func (m *MemoryStore) Append(e *Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextSeq[e.TenantID]++
	e.Seq = m.nextSeq[e.TenantID]
	cp := *e
	m.chains[e.TenantID] = append(m.chains[e.TenantID], &cp)
	return nil
}

func (m *MemoryStore) LastHash(tenantID string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	chain := m.chains[tenantID]
	if len(chain) == 0 {
		return "", false, nil
	}
	return chain[len(chain)-1].BlockHash, true, nil
}

func (m *MemoryStore) ByDedupeKey(tenantID, requestID, verdictClass string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.chains[tenantID] {
		if e.RequestID == requestID && e.VerdictClass == verdictClass {
			cp := *e
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ByRequest(requestID string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var latest *Entry
	for _, chain := range m.chains {
		for _, e := range chain {
			if e.RequestID == requestID {
				if latest == nil || e.RecordedAt.After(latest.RecordedAt) ||
					(e.RecordedAt.Equal(latest.RecordedAt) && e.Seq > latest.Seq) {
					latest = e
				}
			}
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (m *MemoryStore) Range(tenantID string, sinceCursor uint64, limit int) ([]*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Entry
	for _, e := range m.chains[tenantID] {
		if e.Seq <= sinceCursor {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// Tamper overwrites a stored entry in place. Test hook for chain
// verification; a real store has no such operation.
func (m *MemoryStore) Tamper(tenantID string, seq uint64, mutate func(*Entry)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.chains[tenantID] {
		if e.Seq == seq {
			mutate(e)
			return true
		}
	}
	return false
}
