// Package escrow holds payloads whose verdict is HOLD until a release
// decision arrives. An item is HELD exactly once and transitions exactly once
// to RELEASED or REJECTED; concurrent transitions are linearized per item.
package escrow

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status of an escrow item. HELD is the only non-terminal state.
type Status string

const (
	StatusHeld     Status = "HELD"
	StatusReleased Status = "RELEASED"
	StatusRejected Status = "REJECTED"
)

var (
	ErrNotFound = errors.New("escrow item not found")
	// ErrConflict is returned to the loser of a concurrent transition race:
	// the item already left HELD.
	ErrConflict = errors.New("escrow item already resolved")
)

// Item is one held payload. Payload is the raw tool arguments; TargetHash is
// the speculative state hash the hold was issued against.
type Item struct {
	EscrowID   string                 `json:"escrow_id"`
	RequestID  string                 `json:"request_id"`
	TenantID   string                 `json:"tenant_id"`
	AgentID    string                 `json:"agent_id"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	TargetHash string                 `json:"target_hash"`
	Status     Status                 `json:"status"`
	Reason     string                 `json:"reason,omitempty"`
	CreatedAt  time.Time              `json:"created_at"`
	ResolvedAt time.Time              `json:"resolved_at,omitempty"`
}

func (it *Item) clone() *Item {
	cp := *it
	if it.Payload != nil {
		cp.Payload = make(map[string]interface{}, len(it.Payload))
		for k, v := range it.Payload {
			cp.Payload[k] = v
		}
	}
	return &cp
}

// Store persists escrow items. Transition must be atomic: it succeeds only
// when the stored status is still HELD, otherwise it returns ErrConflict.
type Store interface {
	Insert(item *Item) error
	Get(escrowID string) (*Item, error)
	// Transition moves HELD → status, clearing the payload when the target
	// status is REJECTED. Returns the item as it was before the transition.
	Transition(escrowID string, status Status, reason string, at time.Time) (*Item, error)
	// Expired lists HELD items created at or before the cutoff.
	Expired(cutoff time.Time) ([]*Item, error)
}

// ============================================================================
// IN-MEMORY STORE
// ============================================================================

type MemoryStore struct {
	mu    sync.Mutex
	items map[string]*Item
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]*Item)}
}

func (m *MemoryStore) Insert(item *Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.items[item.EscrowID]; exists {
		return fmt.Errorf("escrow: duplicate escrow_id %s", item.EscrowID)
	}
	m.items[item.EscrowID] = item.clone()
	return nil
}

func (m *MemoryStore) Get(escrowID string) (*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[escrowID]
	if !ok {
		return nil, ErrNotFound
	}
	return it.clone(), nil
}

func (m *MemoryStore) Transition(escrowID string, status Status, reason string, at time.Time) (*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.items[escrowID]
	if !ok {
		return nil, ErrNotFound
	}
	if it.Status != StatusHeld {
		return nil, fmt.Errorf("%w: %s is %s", ErrConflict, escrowID, it.Status)
	}

	before := it.clone()
	it.Status = status
	it.Reason = reason
	it.ResolvedAt = at
	if status == StatusRejected {
		// Rejected payloads leave hot storage; the ledger keeps the digest.
		it.Payload = nil
	}
	return before, nil
}

func (m *MemoryStore) Expired(cutoff time.Time) ([]*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Item
	for _, it := range m.items {
		if it.Status == StatusHeld && !it.CreatedAt.After(cutoff) {
			out = append(out, it.clone())
		}
	}
	return out, nil
}

// ============================================================================
// ENGINE
// ============================================================================

// ResolvedFunc ledgers a terminal transition before it is committed. A
// non-nil error aborts the transition: the item stays HELD and the resolution
// can be retried once the audit trail is writable again.
type ResolvedFunc func(item *Item) error

// Engine applies the release rule on top of a Store.
type Engine struct {
	store      Store
	cipher     *PayloadCipher // optional at-rest encryption
	ttl        time.Duration
	tenantTTLs map[string]time.Duration
	onResolved ResolvedFunc
	clock      func() time.Time
	mu         sync.RWMutex
	itemMus    map[string]*sync.Mutex
}

// DefaultTTL is how long an item may sit in HELD before auto-rejection.
const DefaultTTL = 24 * time.Hour

type EngineOption func(*Engine)

func WithTTL(ttl time.Duration) EngineOption {
	return func(e *Engine) { e.ttl = ttl }
}

func WithCipher(c *PayloadCipher) EngineOption {
	return func(e *Engine) { e.cipher = c }
}

func WithResolvedHook(fn ResolvedFunc) EngineOption {
	return func(e *Engine) { e.onResolved = fn }
}

func WithEngineClock(clock func() time.Time) EngineOption {
	return func(e *Engine) { e.clock = clock }
}

func NewEngine(store Store, opts ...EngineOption) *Engine {
	e := &Engine{
		store:      store,
		ttl:        DefaultTTL,
		tenantTTLs: make(map[string]time.Duration),
		clock:      time.Now,
		itemMus:    make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetTenantTTL overrides the hold TTL for one tenant.
func (e *Engine) SetTenantTTL(tenantID string, ttl time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tenantTTLs[tenantID] = ttl
}

func (e *Engine) ttlFor(tenantID string) time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if ttl, ok := e.tenantTTLs[tenantID]; ok {
		return ttl
	}
	return e.ttl
}

// Hold places a payload in escrow and returns the new escrow_id.
func (e *Engine) Hold(requestID, tenantID, agentID string, payload map[string]interface{}, targetHash string) (string, error) {
	item := &Item{
		EscrowID:   uuid.New().String(),
		RequestID:  requestID,
		TenantID:   tenantID,
		AgentID:    agentID,
		Payload:    payload,
		TargetHash: targetHash,
		Status:     StatusHeld,
		CreatedAt:  e.clock(),
	}
	if e.cipher != nil {
		sealed, err := e.cipher.Seal(payload)
		if err != nil {
			return "", fmt.Errorf("escrow: seal payload: %w", err)
		}
		item.Payload = map[string]interface{}{"sealed": sealed}
	}
	if err := e.store.Insert(item); err != nil {
		return "", err
	}
	return item.EscrowID, nil
}

// Release resolves a held item. Success requires jury approval AND entropy
// safety while the item is still HELD; any other combination rejects the item
// and discards its payload. Exactly one concurrent caller wins.
func (e *Engine) Release(escrowID string, juryApproved, entropySafe bool) (bool, map[string]interface{}, error) {
	if !juryApproved || !entropySafe {
		reason := "release denied"
		switch {
		case !juryApproved && !entropySafe:
			reason = "release denied: jury and entropy checks failed"
		case !juryApproved:
			reason = "release denied: jury did not approve"
		case !entropySafe:
			reason = "release denied: entropy check failed"
		}
		if _, err := e.transition(escrowID, StatusRejected, reason); err != nil {
			return false, nil, err
		}
		return false, nil, nil
	}

	before, err := e.transition(escrowID, StatusReleased, "released")
	if err != nil {
		return false, nil, err
	}
	payload := before.Payload
	if e.cipher != nil {
		payload, err = e.cipher.Open(before.Payload)
		if err != nil {
			return false, nil, fmt.Errorf("escrow: open payload: %w", err)
		}
	}
	return true, payload, nil
}

// Reject resolves a held item as rejected with an operator-supplied reason.
func (e *Engine) Reject(escrowID, reason string) error {
	_, err := e.transition(escrowID, StatusRejected, reason)
	return err
}

// Lookup returns the item for status queries. Sealed payloads stay sealed.
func (e *Engine) Lookup(escrowID string) (*Item, error) {
	return e.store.Get(escrowID)
}

func (e *Engine) itemLock(escrowID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	mu, ok := e.itemMus[escrowID]
	if !ok {
		mu = &sync.Mutex{}
		e.itemMus[escrowID] = mu
	}
	return mu
}

// transition resolves an item. The resolved hook runs before the store commit
// so the terminal audit entry exists by the time the item leaves HELD; a hook
// failure keeps the item HELD and surfaces the error to the caller.
func (e *Engine) transition(escrowID string, status Status, reason string) (*Item, error) {
	mu := e.itemLock(escrowID)
	mu.Lock()
	defer mu.Unlock()

	current, err := e.store.Get(escrowID)
	if err != nil {
		return nil, err
	}
	if current.Status != StatusHeld {
		return nil, fmt.Errorf("%w: %s is %s", ErrConflict, escrowID, current.Status)
	}

	if e.onResolved != nil {
		after := current.clone()
		after.Status = status
		after.Reason = reason
		after.ResolvedAt = e.clock()
		if status == StatusRejected {
			after.Payload = nil
		}
		if err := e.onResolved(after); err != nil {
			return nil, fmt.Errorf("escrow: resolve %s: %w", escrowID, err)
		}
	}
	return e.store.Transition(escrowID, status, reason, e.clock())
}

// SweepExpired rejects every item held longer than its tenant's TTL. Returns
// the number of items expired.
func (e *Engine) SweepExpired() (int, error) {
	now := e.clock()
	candidates, err := e.store.Expired(now.Add(-minTTL(e)))
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, it := range candidates {
		if now.Sub(it.CreatedAt) < e.ttlFor(it.TenantID) {
			continue
		}
		if _, err := e.transition(it.EscrowID, StatusRejected, "expired"); err != nil {
			if errors.Is(err, ErrConflict) {
				continue // lost the race to a concurrent release
			}
			return expired, err
		}
		expired++
	}
	return expired, nil
}

func minTTL(e *Engine) time.Duration {
	e.mu.RLock()
	defer e.mu.RUnlock()
	min := e.ttl
	for _, ttl := range e.tenantTTLs {
		if ttl < min {
			min = ttl
		}
	}
	return min
}

// RunSweeper sweeps on the given interval until stop is closed.
func (e *Engine) RunSweeper(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.SweepExpired() //nolint:errcheck
		case <-stop:
			return
		}
	}
}
